// internal/stream/manager.go
package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/curvestream/curvestream/internal/events"
)

// State is the connection lifecycle phase.
type State int32

const (
	StateConnecting State = iota
	StateConnected
	StateDisconnected
	StateError
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	case StateError:
		return "error"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// DowntimeRecord measures one disconnect-to-resubscribe gap.
type DowntimeRecord struct {
	Program  string
	Reason   string
	Start    time.Time
	End      time.Time
	Duration time.Duration
}

// Config drives one program stream.
type Config struct {
	URL        string
	Program    string
	Commitment string

	InitialBackoff         time.Duration
	MaxBackoff             time.Duration
	MaxReconnectsPerMinute int
	ResetAfterFailures     int
	BufferSize             int

	// Called on every measured downtime gap, from the stream goroutine.
	OnDowntime func(DowntimeRecord)
}

func (c Config) withDefaults() Config {
	if c.Commitment == "" {
		c.Commitment = CommitmentConfirmed
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = time.Second
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 60 * time.Second
	}
	if c.MaxReconnectsPerMinute <= 0 {
		c.MaxReconnectsPerMinute = 30
	}
	if c.ResetAfterFailures <= 0 {
		c.ResetAfterFailures = 30
	}
	if c.BufferSize <= 0 {
		c.BufferSize = 1000
	}
	return c
}

// Stats is a point-in-time view of one stream. Rates are computed over the
// interval since the previous Stats call.
type Stats struct {
	Program        string
	State          string
	LastSlot       uint64
	TotalMessages  uint64
	TotalBytes     uint64
	MessagesPerSec float64
	BytesPerSec    float64
	LastMessageAge time.Duration
	QueueDepth     int
	QueueCapacity  int
	Reconnects     uint64
	Malformed      uint64
	Dropped        uint64
}

// Manager owns one long-lived program stream: it subscribes, answers pings,
// forwards transaction and account updates to a bounded queue, and reconnects
// with exponential backoff when the stream dies.
type Manager struct {
	cfg       Config
	transport Transport
	bus       *events.Bus
	logger    *zap.Logger

	updates   chan *Update
	closeOnce sync.Once

	limiter *rate.Limiter

	// Swapped in tests to observe backoff without waiting it out.
	sleep func(ctx context.Context, d time.Duration) error

	mu               sync.Mutex
	state            State
	lastSlot         uint64
	totalMessages    uint64
	totalBytes       uint64
	reconnects       uint64
	malformed        uint64
	dropped          uint64
	lastMessageAt    time.Time
	prevStatsAt      time.Time
	prevMessages     uint64
	prevBytes        uint64
	everConnected    bool
	disconnectedAt   time.Time
	disconnectReason string
}

// NewManager builds a stream manager. bus may be nil.
func NewManager(cfg Config, transport Transport, bus *events.Bus, logger *zap.Logger) *Manager {
	cfg = cfg.withDefaults()
	return &Manager{
		cfg:       cfg,
		transport: transport,
		bus:       bus,
		logger:    logger.Named("stream").With(zap.String("program", cfg.Program)),
		updates:   make(chan *Update, cfg.BufferSize),
		limiter: rate.NewLimiter(
			rate.Every(time.Minute/time.Duration(cfg.MaxReconnectsPerMinute)),
			cfg.MaxReconnectsPerMinute),
		sleep: sleepCtx,
	}
}

// Updates is the bounded queue of transaction and account updates. Closed
// when Run returns.
func (m *Manager) Updates() <-chan *Update {
	return m.updates
}

// State returns the current lifecycle phase.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Run connects and pumps the stream until ctx is cancelled. Each connection
// failure backs off exponentially from the initial interval to the cap;
// reconnect attempts are additionally rate-limited. After ResetAfterFailures
// consecutive failures the resume slot is discarded and the stream rejoins
// at the tip.
func (m *Manager) Run(ctx context.Context) error {
	defer m.closeOnce.Do(func() { close(m.updates) })
	defer m.setState(StateStopped)

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = m.cfg.InitialBackoff
	policy.MaxInterval = m.cfg.MaxBackoff
	policy.Multiplier = 2
	policy.RandomizationFactor = 0
	policy.Reset()

	failures := 0
	for {
		if ctx.Err() != nil {
			return nil
		}
		if err := m.limiter.Wait(ctx); err != nil {
			return nil
		}

		m.setState(StateConnecting)
		err := m.runOnce(ctx, policy, &failures)
		if ctx.Err() != nil {
			return nil
		}

		m.markDisconnected(err)
		failures++

		if failures >= m.cfg.ResetAfterFailures {
			m.logger.Warn("Too many consecutive stream failures, resuming from tip",
				zap.Int("failures", failures))
			m.mu.Lock()
			m.lastSlot = 0
			m.mu.Unlock()
			policy.Reset()
			failures = 0
		}

		wait := policy.NextBackOff()
		m.logger.Info("Reconnecting stream",
			zap.Duration("backoff", wait),
			zap.Error(err))
		if err := m.sleep(ctx, wait); err != nil {
			return nil
		}
	}
}

func (m *Manager) runOnce(ctx context.Context, policy *backoff.ExponentialBackOff, failures *int) error {
	conn, err := m.transport.Dial(ctx, m.cfg.URL)
	if err != nil {
		return fmt.Errorf("failed to dial stream: %w", err)
	}
	defer conn.Close()

	// Unblock Receive on shutdown.
	pumpDone := make(chan struct{})
	defer close(pumpDone)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-pumpDone:
		}
	}()

	if err := conn.Send(m.subscribeRequest()); err != nil {
		return fmt.Errorf("failed to subscribe: %w", err)
	}

	m.markConnected(policy, failures)

	for {
		u, err := conn.Receive()
		if err != nil {
			if errors.Is(err, ErrMalformed) {
				m.mu.Lock()
				m.malformed++
				m.mu.Unlock()
				m.logger.Warn("Skipping malformed frame", zap.Error(err))
				continue
			}
			return err
		}
		m.handle(conn, u)
	}
}

func (m *Manager) subscribeRequest() SubscribeRequest {
	no := false
	req := SubscribeRequest{
		Transactions: map[string]TransactionFilter{
			m.cfg.Program: {
				AccountInclude: []string{m.cfg.Program},
				Vote:           &no,
				Failed:         &no,
			},
		},
		Accounts: map[string]AccountFilter{
			m.cfg.Program: {Owner: []string{m.cfg.Program}},
		},
		Commitment: m.cfg.Commitment,
	}

	m.mu.Lock()
	if m.lastSlot > 0 {
		slot := m.lastSlot
		req.FromSlot = &slot
	}
	m.mu.Unlock()
	return req
}

func (m *Manager) handle(conn Conn, u *Update) {
	m.mu.Lock()
	m.totalMessages++
	m.totalBytes += uint64(u.Size)
	m.lastMessageAt = time.Now()
	m.mu.Unlock()

	switch {
	case u.Ping != nil:
		if err := conn.Send(Update{Pong: &Pong{ID: u.Ping.ID}}); err != nil {
			m.logger.Warn("Failed to answer ping", zap.Error(err))
		}

	case u.Pong != nil:
		// Keepalive answer; nothing to do.

	case u.Transaction != nil:
		// The server-side filter is advisory; drop votes and failures here
		// so the parser never sees them.
		if u.Transaction.Vote || u.Transaction.Failed {
			return
		}
		m.advanceSlot(u.Transaction.Slot)
		m.push(u)

	case u.Account != nil:
		m.advanceSlot(u.Account.Slot)
		m.push(u)
	}
}

func (m *Manager) advanceSlot(slot uint64) {
	if slot == 0 {
		return
	}
	m.mu.Lock()
	if slot > m.lastSlot {
		m.lastSlot = slot
	}
	m.mu.Unlock()
}

func (m *Manager) push(u *Update) {
	select {
	case m.updates <- u:
	default:
		m.mu.Lock()
		m.dropped++
		m.mu.Unlock()
		m.logger.Warn("Update queue full, dropping message")
	}
}

func (m *Manager) markConnected(policy *backoff.ExponentialBackOff, failures *int) {
	m.mu.Lock()
	m.state = StateConnected
	m.everConnected = true
	var record *DowntimeRecord
	if !m.disconnectedAt.IsZero() {
		now := time.Now()
		record = &DowntimeRecord{
			Program:  m.cfg.Program,
			Reason:   m.disconnectReason,
			Start:    m.disconnectedAt,
			End:      now,
			Duration: now.Sub(m.disconnectedAt),
		}
		m.disconnectedAt = time.Time{}
		m.disconnectReason = ""
	}
	m.mu.Unlock()

	policy.Reset()
	*failures = 0

	m.logger.Info("Stream connected")

	if record != nil {
		if m.cfg.OnDowntime != nil {
			m.cfg.OnDowntime(*record)
		}
		if m.bus != nil {
			_ = m.bus.Publish(events.StreamDisconnectedEvent{
				BaseEvent: events.Base(events.StreamDisconnected),
				Program:   m.cfg.Program,
				Reason:    record.Reason,
				Downtime:  record.Duration,
			})
		}
	}
	if m.bus != nil {
		_ = m.bus.Publish(events.StreamConnectedEvent{
			BaseEvent: events.Base(events.StreamConnected),
			Program:   m.cfg.Program,
		})
	}
}

func (m *Manager) markDisconnected(err error) {
	reason := "stream closed"
	if err != nil {
		reason = err.Error()
	}

	m.mu.Lock()
	if errors.Is(err, io.EOF) {
		m.state = StateDisconnected
	} else {
		m.state = StateError
	}
	m.reconnects++
	if m.everConnected && m.disconnectedAt.IsZero() {
		m.disconnectedAt = time.Now()
		m.disconnectReason = reason
	}
	m.mu.Unlock()
}

func (m *Manager) setState(s State) {
	m.mu.Lock()
	m.state = s
	m.mu.Unlock()
}

// Stats snapshots the counters. Rate fields cover the window since the last
// snapshot, so one caller should own the sampling cadence.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	s := Stats{
		Program:       m.cfg.Program,
		State:         m.state.String(),
		LastSlot:      m.lastSlot,
		TotalMessages: m.totalMessages,
		TotalBytes:    m.totalBytes,
		QueueDepth:    len(m.updates),
		QueueCapacity: cap(m.updates),
		Reconnects:    m.reconnects,
		Malformed:     m.malformed,
		Dropped:       m.dropped,
	}
	if !m.prevStatsAt.IsZero() {
		if elapsed := now.Sub(m.prevStatsAt).Seconds(); elapsed > 0 {
			s.MessagesPerSec = float64(m.totalMessages-m.prevMessages) / elapsed
			s.BytesPerSec = float64(m.totalBytes-m.prevBytes) / elapsed
		}
	}
	if !m.lastMessageAt.IsZero() {
		s.LastMessageAge = now.Sub(m.lastMessageAt)
	}
	m.prevStatsAt = now
	m.prevMessages = m.totalMessages
	m.prevBytes = m.totalBytes
	return s
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
