// internal/ingest/pipeline.go
package ingest

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/curvestream/curvestream/internal/dex/curve"
	"github.com/curvestream/curvestream/internal/parser"
	"github.com/curvestream/curvestream/internal/poolcache"
	"github.com/curvestream/curvestream/internal/storage/models"
	"github.com/curvestream/curvestream/internal/stream"
)

// LatencyObserver receives per-message parse latencies. Satisfied by the
// performance monitor; a nil observer disables sampling.
type LatencyObserver interface {
	ObserveParseLatency(d time.Duration)
}

// Pipeline pumps raw stream updates through the parser into the handler.
// All parsing and pricing is synchronous inside the pipeline goroutine; the
// stream manager stays free to keep reading the socket.
type Pipeline struct {
	registry *parser.Registry
	handler  *Handler
	cache    *poolcache.Cache
	sink     Sink
	latency  LatencyObserver
	logger   *zap.Logger
}

// NewPipeline wires one pipeline. latency may be nil.
func NewPipeline(
	registry *parser.Registry,
	handler *Handler,
	cache *poolcache.Cache,
	sink Sink,
	latency LatencyObserver,
	log *zap.Logger,
) *Pipeline {
	return &Pipeline{
		registry: registry,
		handler:  handler,
		cache:    cache,
		sink:     sink,
		latency:  latency,
		logger:   log.Named("pipeline"),
	}
}

// Run consumes updates until the channel closes or ctx is cancelled.
func (p *Pipeline) Run(ctx context.Context, updates <-chan *stream.Update) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case u, ok := <-updates:
			if !ok {
				return nil
			}
			p.process(ctx, u)
		}
	}
}

func (p *Pipeline) process(ctx context.Context, u *stream.Update) {
	switch {
	case u.Transaction != nil:
		p.processTransaction(ctx, u.Transaction)
	case u.Account != nil:
		p.processAccount(u.Account)
	}
}

func (p *Pipeline) processTransaction(ctx context.Context, tx *stream.TransactionUpdate) {
	start := time.Now()

	pc := &parser.Context{
		Signature: tx.Signature,
		Slot:      tx.Slot,
		BlockTime: tx.BlockTimestamp(),
		Accounts:  tx.Accounts,
		Logs:      tx.Logs,
		Data:      tx.Data,
	}

	ev, ok := p.registry.Parse(pc)

	if p.latency != nil {
		p.latency.ObserveParseLatency(time.Since(start))
	}
	if !ok {
		return
	}

	if err := p.handler.Handle(ctx, ev); err != nil {
		p.logger.Warn("Event handling failed",
			zap.String("signature", tx.Signature),
			zap.String("kind", string(ev.Kind())),
			zap.Error(err))
	}
}

// processAccount folds bonding-curve account writes into the pool cache and
// the pool-state history. Other owners are ignored.
func (p *Pipeline) processAccount(acc *stream.AccountUpdate) {
	if acc.Owner != curve.ProgramID.String() {
		return
	}

	st, err := curve.ParseState(acc.Data)
	if err != nil {
		p.logger.Debug("Undecodable curve account",
			zap.String("pubkey", acc.Pubkey),
			zap.Error(err))
		return
	}

	// The account pubkey is the curve PDA; the mint is recoverable only via
	// the cache's pool index, so resolve through it when known.
	mint := acc.Pubkey
	if r, ok := p.cache.GetByPool(acc.Pubkey); ok {
		mint = r.Mint
	}

	accepted := p.cache.Update(poolcache.Reserves{
		Mint:                 mint,
		Pool:                 acc.Pubkey,
		VirtualSolReserves:   st.VirtualSolReserves,
		VirtualTokenReserves: st.VirtualTokenReserves,
		RealSolReserves:      st.RealSolReserves,
		RealTokenReserves:    st.RealTokenReserves,
		Complete:             st.Complete,
		Slot:                 acc.Slot,
	})
	if !accepted {
		return
	}

	p.sink.Enqueue(&models.PoolState{
		Mint:                 mint,
		Pool:                 acc.Pubkey,
		Slot:                 acc.Slot,
		VirtualSolReserves:   st.VirtualSolReserves,
		VirtualTokenReserves: st.VirtualTokenReserves,
		RealSolReserves:      st.RealSolReserves,
		RealTokenReserves:    st.RealTokenReserves,
		PoolOpen:             !st.Complete,
		ObservedAt:           time.Now().UTC(),
	})
}

// Registry exposes the parser for stats readers.
func (p *Pipeline) Registry() *parser.Registry {
	return p.registry
}

// HandlerStats exposes the handler counters.
func (p *Pipeline) HandlerStats() Stats {
	return p.handler.Stats()
}
