package conn

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"feedmesh/logger"
)

// WSConn is a websocket-backed Connection. It owns a single long-lived
// gorilla/websocket connection, re-establishes it with exponential backoff
// when the read loop drops, throttles outbound messages with a token bucket
// and reports every counter movement to the configured delta sink.
type WSConn struct {
	cfg     Config
	log     *logger.Log
	limiter *rate.Limiter

	mu       sync.Mutex
	ws       *websocket.Conn
	state    State
	listener StateListener
	sink     DeltaSink
	metrics  Metrics
	running  bool

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// NewWSConn builds a websocket connection from its immutable config. The
// connection starts in the Disconnected state; Connect drives it to Ready.
func NewWSConn(cfg Config) *WSConn {
	limit := rate.Inf
	burst := 1
	if cfg.RateLimit.MessagesPerSecond > 0 {
		limit = rate.Limit(cfg.RateLimit.MessagesPerSecond)
		burst = cfg.RateLimit.Burst
		if burst <= 0 {
			burst = 1
		}
	}

	return &WSConn{
		cfg:     cfg,
		log:     logger.GetLogger(),
		limiter: rate.NewLimiter(limit, burst),
		state:   StateDisconnected,
		metrics: Metrics{StateTimestamps: map[State]time.Time{}},
	}
}

func (c *WSConn) ID() string { return c.cfg.ID }

func (c *WSConn) Type() Type { return c.cfg.Type }

// SetDeltaSink wires the store's delta intake. Must be set before Connect.
func (c *WSConn) SetDeltaSink(sink DeltaSink) {
	c.mu.Lock()
	c.sink = sink
	c.mu.Unlock()
}

func (c *WSConn) OnStateChange(listener StateListener) {
	c.mu.Lock()
	c.listener = listener
	c.mu.Unlock()
}

// setState emits the transition event exactly once per state change. Emitting
// the same state again is swallowed here, keeping downstream delivery
// idempotent.
func (c *WSConn) setState(s State) {
	c.mu.Lock()
	if c.state == s || !CanTransition(c.state, s) {
		c.mu.Unlock()
		return
	}
	c.state = s
	c.metrics.StateTimestamps[s] = time.Now()
	listener := c.listener
	c.mu.Unlock()

	if listener != nil {
		listener(c.cfg.ID, s)
	}
}

func (c *WSConn) isRunning() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

func (c *WSConn) report(d MetricsDelta) {
	c.mu.Lock()
	c.metrics.Apply(d, time.Now())
	sink := c.sink
	c.mu.Unlock()

	if sink != nil {
		sink(c.cfg.ID, d)
	}
}

// Connect dials the configured address and starts the read pump. It retries
// per the reconnect policy before giving up.
func (c *WSConn) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return fmt.Errorf("connection %s already running", c.cfg.ID)
	}
	c.running = true
	c.mu.Unlock()

	c.setState(StateConnecting)

	ws, err := c.dial(ctx)
	if err != nil {
		c.mu.Lock()
		c.running = false
		c.mu.Unlock()
		c.setState(StateFailed)
		c.report(MetricsDelta{Errors: 1})
		return fmt.Errorf("dial %s: %w", c.cfg.Address, err)
	}

	c.mu.Lock()
	c.ws = ws
	c.mu.Unlock()

	c.setState(StateConnected)
	c.setState(StateReady)

	pumpCtx, cancel := context.WithCancel(context.Background())
	c.mu.Lock()
	c.cancel = cancel
	c.mu.Unlock()

	c.wg.Add(1)
	go c.readPump(pumpCtx)

	c.log.WithComponent("ws_conn").WithFields(logger.Fields{
		"id":      c.cfg.ID,
		"type":    string(c.cfg.Type),
		"address": c.cfg.Address,
	}).Info("websocket connection established")

	return nil
}

func (c *WSConn) dial(ctx context.Context) (*websocket.Conn, error) {
	policy := backoff.NewExponentialBackOff()
	if c.cfg.Reconnect.InitialBackoff > 0 {
		policy.InitialInterval = c.cfg.Reconnect.InitialBackoff
	}
	if c.cfg.Reconnect.MaxBackoff > 0 {
		policy.MaxInterval = c.cfg.Reconnect.MaxBackoff
	}

	attempts := uint64(c.cfg.Reconnect.MaxAttempts)
	var b backoff.BackOff = policy
	if attempts > 0 {
		b = backoff.WithMaxRetries(policy, attempts)
	}
	b = backoff.WithContext(b, ctx)

	var ws *websocket.Conn
	operation := func() error {
		var err error
		ws, _, err = websocket.DefaultDialer.DialContext(ctx, c.cfg.Address, nil)
		if err != nil {
			c.log.WithComponent("ws_conn").WithError(err).WithFields(logger.Fields{
				"id": c.cfg.ID, "address": c.cfg.Address,
			}).Warn("websocket dial failed, backing off")
		}
		return err
	}

	if err := backoff.Retry(operation, b); err != nil {
		return nil, err
	}
	return ws, nil
}

// readPump consumes inbound frames and reports them as received deltas until
// the connection drops or the pump is cancelled. On a drop it attempts a
// reconnect per the policy.
func (c *WSConn) readPump(ctx context.Context) {
	defer c.wg.Done()

	log := c.log.WithComponent("ws_conn").WithFields(logger.Fields{"id": c.cfg.ID})

	for {
		c.mu.Lock()
		ws := c.ws
		c.mu.Unlock()
		if ws == nil {
			return
		}

		_, _, err := ws.ReadMessage()
		if err != nil {
			if ctx.Err() != nil || !c.isRunning() {
				return
			}

			log.WithError(err).Warn("websocket read error, reconnecting")
			c.report(MetricsDelta{Errors: 1})

			replacement, dialErr := c.dial(ctx)
			if dialErr != nil {
				// Close may have raced the redial; only a live connection
				// that exhausted its attempts counts as failed.
				if ctx.Err() != nil || !c.isRunning() {
					return
				}
				log.WithError(dialErr).Error("reconnect attempts exhausted")
				c.setState(StateFailed)
				return
			}

			c.mu.Lock()
			c.ws = replacement
			c.mu.Unlock()
			c.report(MetricsDelta{Reconnects: 1})
			continue
		}

		c.report(MetricsDelta{Received: 1})
	}
}

// Send writes one message, honoring the rate limit and the context deadline.
// Failures are reported as deltas; callers treat them as transient.
func (c *WSConn) Send(ctx context.Context, payload []byte) error {
	if err := c.limiter.Wait(ctx); err != nil {
		c.report(MetricsDelta{Failed: 1})
		return fmt.Errorf("rate limit wait: %w", err)
	}

	c.mu.Lock()
	ws := c.ws
	c.mu.Unlock()
	if ws == nil {
		c.report(MetricsDelta{Failed: 1})
		return fmt.Errorf("connection %s is not established", c.cfg.ID)
	}

	if deadline, ok := ctx.Deadline(); ok {
		_ = ws.SetWriteDeadline(deadline)
	}

	start := time.Now()
	if err := ws.WriteMessage(websocket.TextMessage, payload); err != nil {
		c.report(MetricsDelta{Failed: 1, Errors: 1})
		return fmt.Errorf("write to %s: %w", c.cfg.ID, err)
	}

	c.report(MetricsDelta{Sent: 1, Latency: time.Since(start)})
	return nil
}

// Probe sends a websocket ping frame. A pong is not awaited; a write failure
// is what the health checker cares about.
func (c *WSConn) Probe(ctx context.Context) error {
	c.mu.Lock()
	ws := c.ws
	c.mu.Unlock()
	if ws == nil {
		return fmt.Errorf("connection %s is not established", c.cfg.ID)
	}

	deadline := time.Now().Add(5 * time.Second)
	if d, ok := ctx.Deadline(); ok {
		deadline = d
	}
	if err := ws.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
		return fmt.Errorf("ping %s: %w", c.cfg.ID, err)
	}
	return nil
}

// Close stops the read pump and closes the underlying websocket. Safe to call
// more than once.
func (c *WSConn) Close(ctx context.Context) error {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return nil
	}
	c.running = false
	cancel := c.cancel
	ws := c.ws
	c.ws = nil
	c.mu.Unlock()

	c.setState(StateClosing)

	// Cancel before touching the socket: a read failure caused by the close
	// below must never send the pump into a reconnect.
	if cancel != nil {
		cancel()
	}
	if ws != nil {
		_ = ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		_ = ws.Close()
	}

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	c.setState(StateClosed)
	return nil
}

// ReportMetrics returns a copy of the connection's local counters.
func (c *WSConn) ReportMetrics() Metrics {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := c.metrics
	out.StateTimestamps = make(map[State]time.Time, len(c.metrics.StateTimestamps))
	for k, v := range c.metrics.StateTimestamps {
		out.StateTimestamps[k] = v
	}
	return out
}
