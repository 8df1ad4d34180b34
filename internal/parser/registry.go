// internal/parser/registry.go
package parser

import (
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/curvestream/curvestream/internal/domain"
	"github.com/curvestream/curvestream/internal/events"
)

// Strategy turns a raw transaction into a typed event. CanParse must be
// cheap; Parse may fail or return nil when the transaction turns out not to
// match after all.
type Strategy interface {
	Name() string
	CanParse(pc *Context) bool
	Parse(pc *Context) (domain.Event, error)
}

// StrategyStats counts one strategy's outcomes.
type StrategyStats struct {
	Attempts uint64
	Parsed   uint64
	Errors   uint64
}

// RegistryStats is a snapshot of parser throughput.
type RegistryStats struct {
	Total      uint64
	Parsed     uint64
	Failed     uint64
	ParseRate  float64
	Strategies map[string]StrategyStats
}

// Registry dispatches transactions across an ordered strategy list and
// returns the first event produced. A panicking or failing strategy never
// takes the parser down; the next strategy gets its turn.
type Registry struct {
	strategies []Strategy
	bus        *events.Bus
	logger     *zap.Logger

	mu         sync.Mutex
	total      uint64
	parsed     uint64
	failed     uint64
	byStrategy map[string]*StrategyStats
}

// NewRegistry builds a registry over the given strategies, in order.
func NewRegistry(logger *zap.Logger, bus *events.Bus, strategies ...Strategy) *Registry {
	byStrategy := make(map[string]*StrategyStats, len(strategies))
	for _, s := range strategies {
		byStrategy[s.Name()] = &StrategyStats{}
	}
	return &Registry{
		strategies: strategies,
		bus:        bus,
		logger:     logger.Named("parser"),
		byStrategy: byStrategy,
	}
}

// NewDefaultRegistry wires the full strategy set in dispatch order.
func NewDefaultRegistry(logger *zap.Logger, bus *events.Bus) *Registry {
	return NewRegistry(logger, bus,
		&CurveTradeStrategy{},
		&AMMSwapStrategy{},
		&LiquidityStrategy{},
		&FeeStrategy{},
		&GraduationStrategy{},
	)
}

// Parse runs the strategies against one transaction. ok is false when
// nothing matched; the miss is counted, never retried.
func (r *Registry) Parse(pc *Context) (domain.Event, bool) {
	r.mu.Lock()
	r.total++
	r.mu.Unlock()

	for _, s := range r.strategies {
		if !s.CanParse(pc) {
			continue
		}

		r.mu.Lock()
		r.byStrategy[s.Name()].Attempts++
		r.mu.Unlock()

		ev, err := r.tryParse(s, pc)
		if err != nil {
			r.mu.Lock()
			r.byStrategy[s.Name()].Errors++
			r.mu.Unlock()
			r.logger.Debug("Strategy failed",
				zap.String("strategy", s.Name()),
				zap.String("signature", pc.Signature),
				zap.Error(err))
			continue
		}
		if ev == nil {
			continue
		}

		r.mu.Lock()
		r.parsed++
		r.byStrategy[s.Name()].Parsed++
		r.mu.Unlock()

		if r.bus != nil {
			_ = r.bus.Publish(events.ParseSucceededEvent{
				BaseEvent: events.Base(events.ParseSucceeded),
				Strategy:  s.Name(),
				Signature: pc.Signature,
				EventKind: ev.Kind(),
			})
		}
		return ev, true
	}

	r.mu.Lock()
	r.failed++
	r.mu.Unlock()

	if r.bus != nil {
		_ = r.bus.Publish(events.ParseFailedEvent{
			BaseEvent: events.Base(events.ParseFailed),
			Signature: pc.Signature,
			Reason:    "no strategy matched",
		})
	}
	r.logger.Debug("No strategy matched",
		zap.String("signature", pc.Signature),
		zap.Int("logs", len(pc.Logs)))

	return nil, false
}

// tryParse isolates a strategy behind a recover boundary.
func (r *Registry) tryParse(s Strategy, pc *Context) (ev domain.Event, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			ev = nil
			err = fmt.Errorf("strategy %s panicked: %v", s.Name(), rec)
		}
	}()
	return s.Parse(pc)
}

// Stats returns a copy of the counters.
func (r *Registry) Stats() RegistryStats {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := RegistryStats{
		Total:      r.total,
		Parsed:     r.parsed,
		Failed:     r.failed,
		Strategies: make(map[string]StrategyStats, len(r.byStrategy)),
	}
	if r.total > 0 {
		out.ParseRate = float64(r.parsed) / float64(r.total)
	}
	for name, st := range r.byStrategy {
		out.Strategies[name] = *st
	}
	return out
}
