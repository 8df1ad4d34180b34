package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/curvestream/curvestream/internal/events"
)

type frame struct {
	u   *Update
	err error
}

type fakeConn struct {
	mu        sync.Mutex
	sent      []any
	inbound   chan frame
	closed    chan struct{}
	closeOnce sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		inbound: make(chan frame, 32),
		closed:  make(chan struct{}),
	}
}

func (c *fakeConn) Send(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, v)
	return nil
}

func (c *fakeConn) Receive() (*Update, error) {
	select {
	case f := <-c.inbound:
		return f.u, f.err
	case <-c.closed:
		return nil, io.EOF
	}
}

func (c *fakeConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) deliver(u *Update) { c.inbound <- frame{u: u} }
func (c *fakeConn) fail(err error)    { c.inbound <- frame{err: err} }

func (c *fakeConn) sentFrames() []any {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]any, len(c.sent))
	copy(out, c.sent)
	return out
}

func (c *fakeConn) subscribeFrame() (SubscribeRequest, bool) {
	for _, f := range c.sentFrames() {
		if req, ok := f.(SubscribeRequest); ok {
			return req, true
		}
	}
	return SubscribeRequest{}, false
}

type dialStep struct {
	conn *fakeConn
	err  error
}

type fakeTransport struct {
	mu     sync.Mutex
	script []dialStep
	dials  int
}

func (t *fakeTransport) Dial(_ context.Context, _ string) (Conn, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.dials >= len(t.script) {
		t.dials++
		return nil, errors.New("connection refused")
	}
	step := t.script[t.dials]
	t.dials++
	if step.err != nil {
		return nil, step.err
	}
	return step.conn, nil
}

func recordedSleeps(m *Manager) (*[]time.Duration, *sync.Mutex) {
	var (
		mu     sync.Mutex
		sleeps []time.Duration
	)
	m.sleep = func(_ context.Context, d time.Duration) error {
		mu.Lock()
		sleeps = append(sleeps, d)
		mu.Unlock()
		return nil
	}
	return &sleeps, &mu
}

func TestManager_SubscribesAndAnswersPings(t *testing.T) {
	conn := newFakeConn()
	tr := &fakeTransport{script: []dialStep{{conn: conn}}}
	m := NewManager(Config{URL: "ws://feed", Program: "Prog1"}, tr, nil, zaptest.NewLogger(t))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = m.Run(ctx) }()

	require.Eventually(t, func() bool {
		_, ok := conn.subscribeFrame()
		return ok
	}, 2*time.Second, 10*time.Millisecond)

	req, _ := conn.subscribeFrame()
	filter, ok := req.Transactions["Prog1"]
	require.True(t, ok)
	assert.Equal(t, []string{"Prog1"}, filter.AccountInclude)
	require.NotNil(t, filter.Vote)
	assert.False(t, *filter.Vote)
	require.NotNil(t, filter.Failed)
	assert.False(t, *filter.Failed)
	assert.Equal(t, CommitmentConfirmed, req.Commitment)
	assert.Nil(t, req.FromSlot, "first subscription starts at the tip")

	conn.deliver(&Update{Ping: &Ping{ID: 7}})

	require.Eventually(t, func() bool {
		for _, f := range conn.sentFrames() {
			if u, ok := f.(Update); ok && u.Pong != nil && u.Pong.ID == 7 {
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond, "ping must be answered with a matching pong")
}

func TestManager_ForwardsUpdatesAndSkipsNoise(t *testing.T) {
	conn := newFakeConn()
	conn.deliver(&Update{Transaction: &TransactionUpdate{Signature: "sig1", Slot: 42}, Size: 100})
	conn.deliver(&Update{Transaction: &TransactionUpdate{Signature: "vote", Slot: 43, Vote: true}})
	conn.deliver(&Update{Transaction: &TransactionUpdate{Signature: "failed", Slot: 44, Failed: true}})
	conn.fail(fmt.Errorf("%w: bad json", ErrMalformed))
	conn.deliver(&Update{Transaction: &TransactionUpdate{Signature: "sig2", Slot: 45}, Size: 50})

	tr := &fakeTransport{script: []dialStep{{conn: conn}}}
	m := NewManager(Config{URL: "ws://feed", Program: "Prog1"}, tr, nil, zaptest.NewLogger(t))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = m.Run(ctx) }()

	var got []string
	for len(got) < 2 {
		select {
		case u := <-m.Updates():
			require.NotNil(t, u.Transaction)
			got = append(got, u.Transaction.Signature)
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out after %v", got)
		}
	}
	assert.Equal(t, []string{"sig1", "sig2"}, got, "votes, failures and malformed frames never reach the queue")

	stats := m.Stats()
	assert.Equal(t, uint64(45), stats.LastSlot)
	assert.Equal(t, uint64(1), stats.Malformed)
	assert.Equal(t, uint64(150), stats.TotalBytes)
}

func TestManager_BackoffDoublesAndResetsOnConnect(t *testing.T) {
	conn := newFakeConn()
	tr := &fakeTransport{script: []dialStep{
		{err: errors.New("refused")},
		{err: errors.New("refused")},
		{err: errors.New("refused")},
		{conn: conn},
	}}
	m := NewManager(Config{
		URL:            "ws://feed",
		Program:        "Prog1",
		InitialBackoff: time.Second,
		MaxBackoff:     60 * time.Second,
	}, tr, nil, zaptest.NewLogger(t))
	sleeps, mu := recordedSleeps(m)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = m.Run(ctx) }()

	require.Eventually(t, func() bool {
		return m.State() == StateConnected
	}, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	require.Len(t, *sleeps, 3)
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}, *sleeps)
	mu.Unlock()

	// Losing the connection after a successful subscribe starts the backoff
	// over at the initial interval.
	conn.fail(io.EOF)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(*sleeps) >= 4
	}, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	assert.Equal(t, time.Second, (*sleeps)[3])
	mu.Unlock()
}

func TestManager_ResumesFromLastSlotAndResetsAfterCap(t *testing.T) {
	conn1 := newFakeConn()
	conn1.deliver(&Update{Transaction: &TransactionUpdate{Signature: "sig1", Slot: 42}})
	conn1.fail(io.EOF)

	conn2 := newFakeConn()
	conn2.fail(io.EOF)

	conn3 := newFakeConn()

	tr := &fakeTransport{script: []dialStep{
		{conn: conn1},
		{conn: conn2},
		{err: errors.New("refused")},
		{err: errors.New("refused")},
		{conn: conn3},
	}}
	m := NewManager(Config{
		URL:                "ws://feed",
		Program:            "Prog1",
		ResetAfterFailures: 2,
	}, tr, nil, zaptest.NewLogger(t))
	recordedSleeps(m)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = m.Run(ctx) }()

	// Drain so slot 42 is definitely observed.
	select {
	case <-m.Updates():
	case <-time.After(2 * time.Second):
		t.Fatal("no update")
	}

	require.Eventually(t, func() bool {
		_, ok := conn3.subscribeFrame()
		return ok
	}, 2*time.Second, 10*time.Millisecond)

	req1, _ := conn1.subscribeFrame()
	assert.Nil(t, req1.FromSlot)

	req2, _ := conn2.subscribeFrame()
	require.NotNil(t, req2.FromSlot, "reconnect resumes from the last processed slot")
	assert.Equal(t, uint64(42), *req2.FromSlot)

	req3, _ := conn3.subscribeFrame()
	assert.Nil(t, req3.FromSlot, "after the failure cap the stream rejoins at the tip")
}

func TestManager_RecordsDowntime(t *testing.T) {
	conn1 := newFakeConn()
	conn1.fail(io.EOF)
	conn2 := newFakeConn()

	records := make(chan DowntimeRecord, 1)
	bus := events.NewBus(zaptest.NewLogger(t), 16)
	defer func() {
		sctx, scancel := context.WithTimeout(context.Background(), time.Second)
		defer scancel()
		_ = bus.Shutdown(sctx)
	}()

	disconnected := make(chan events.StreamDisconnectedEvent, 1)
	bus.SubscribeFunc(events.StreamDisconnected, func(_ context.Context, e events.Event) error {
		disconnected <- e.(events.StreamDisconnectedEvent)
		return nil
	})

	tr := &fakeTransport{script: []dialStep{{conn: conn1}, {conn: conn2}}}
	m := NewManager(Config{
		URL:     "ws://feed",
		Program: "Prog1",
		OnDowntime: func(r DowntimeRecord) {
			records <- r
		},
	}, tr, bus, zaptest.NewLogger(t))
	recordedSleeps(m)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = m.Run(ctx) }()

	select {
	case r := <-records:
		assert.Equal(t, "Prog1", r.Program)
		assert.Contains(t, r.Reason, "EOF")
		assert.False(t, r.Start.IsZero())
		assert.False(t, r.End.Before(r.Start))
		assert.Equal(t, r.End.Sub(r.Start), r.Duration)
	case <-time.After(2 * time.Second):
		t.Fatal("no downtime record")
	}

	select {
	case ev := <-disconnected:
		assert.Equal(t, "Prog1", ev.Program)
		assert.Contains(t, ev.Reason, "EOF")
	case <-time.After(2 * time.Second):
		t.Fatal("no disconnect event")
	}
}

func TestManager_DropsWhenQueueFull(t *testing.T) {
	conn := newFakeConn()
	for i := 0; i < 5; i++ {
		conn.deliver(&Update{Transaction: &TransactionUpdate{Signature: fmt.Sprintf("sig%d", i), Slot: uint64(i + 1)}})
	}

	tr := &fakeTransport{script: []dialStep{{conn: conn}}}
	m := NewManager(Config{URL: "ws://feed", Program: "Prog1", BufferSize: 1}, tr, nil, zaptest.NewLogger(t))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = m.Run(ctx) }()

	require.Eventually(t, func() bool {
		return m.Stats().Dropped >= 4
	}, 2*time.Second, 10*time.Millisecond, "a full queue sheds load instead of blocking the reader")

	stats := m.Stats()
	assert.Equal(t, 1, stats.QueueDepth)
	assert.Equal(t, 1, stats.QueueCapacity)
}

func TestManager_StopsOnCancel(t *testing.T) {
	conn := newFakeConn()
	tr := &fakeTransport{script: []dialStep{{conn: conn}}}
	m := NewManager(Config{URL: "ws://feed", Program: "Prog1"}, tr, nil, zaptest.NewLogger(t))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = m.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		return m.State() == StateConnected
	}, 2*time.Second, 10*time.Millisecond)

	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancellation")
	}
	assert.Equal(t, StateStopped, m.State())

	_, open := <-m.Updates()
	assert.False(t, open, "updates channel closes when the stream stops")
}
