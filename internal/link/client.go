package link

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"track-agent/internal/observability"
	"track-agent/internal/status"
)

var (
	ErrNotConnected     = errors.New("link: not connected")
	ErrConnectionClosed = errors.New("link: connection closed by peer")
)

// Conn is one established connection to the reporting endpoint.
type Conn interface {
	Write(ctx context.Context, rec Record) error
	// Done is closed when the peer drops the connection.
	Done() <-chan struct{}
	Close() error
}

type Dialer interface {
	Dial(ctx context.Context, addr string) (Conn, error)
}

type Options struct {
	Addr         string
	QueueSize    int
	MinBackoff   time.Duration
	MaxBackoff   time.Duration
	RetryBudget  int
	WriteTimeout time.Duration
}

func (o *Options) setDefaults() {
	if o.QueueSize <= 0 {
		o.QueueSize = 256
	}
	if o.MinBackoff <= 0 {
		o.MinBackoff = time.Second
	}
	if o.MaxBackoff < o.MinBackoff {
		o.MaxBackoff = o.MinBackoff
	}
	if o.RetryBudget <= 0 {
		o.RetryBudget = 5
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 10 * time.Second
	}
}

// Client streams records to the reporting endpoint. Records wait in a bounded
// queue while the connection is down; on overflow the oldest is dropped.
type Client struct {
	opts   Options
	dialer Dialer
	logger *slog.Logger
	notify func(status.Code)

	mu          sync.Mutex
	queue       []Record
	overflowing bool
	outage      bool
	state       State
	cancel      context.CancelFunc
	done        chan struct{}

	wake chan struct{}
}

// New creates a client. notify receives HTTPRequestFailed once per overflow
// episode and once per outage that exhausts the retry budget; may be nil.
func New(opts Options, dialer Dialer, logger *slog.Logger, notify func(status.Code)) *Client {
	opts.setDefaults()
	if notify == nil {
		notify = func(status.Code) {}
	}
	return &Client{
		opts:   opts,
		dialer: dialer,
		logger: logger.With("component", "link", "addr", opts.Addr),
		notify: notify,
		wake:   make(chan struct{}, 1),
	}
}

// Connect starts the connection loop. Calling it while already running is a no-op.
func (c *Client) Connect(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel != nil {
		return
	}
	loopCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.done = make(chan struct{})
	go c.connectLoop(loopCtx, c.done)
}

// Disconnect stops the loop, cancels any pending backoff and closes the
// connection. Queued records are kept for the next Connect. It reports
// whether there was anything to disconnect.
func (c *Client) Disconnect() bool {
	c.mu.Lock()
	if c.cancel == nil {
		c.mu.Unlock()
		return false
	}
	c.cancel()
	c.cancel = nil
	done := c.done
	c.mu.Unlock()

	<-done
	c.logger.Info("link: disconnected")
	return true
}

// Send enqueues rec for transmission.
func (c *Client) Send(rec Record) {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	c.mu.Lock()
	overflow := false
	if len(c.queue) >= c.opts.QueueSize {
		c.queue = c.queue[1:]
		observability.RecordsDropped.Inc()
		if !c.overflowing {
			c.overflowing = true
			overflow = true
		}
	}
	c.queue = append(c.queue, rec)
	c.mu.Unlock()

	select {
	case c.wake <- struct{}{}:
	default:
	}
	if overflow {
		c.logger.Warn("link: queue full, dropping oldest records", "size", c.opts.QueueSize)
		c.notify(status.HTTPRequestFailed)
	}
}

// Pending returns the number of queued records.
func (c *Client) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.queue)
}

func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// -------------------------------------------------------------------
//                        LOOP DE CONEXIÓN
// -------------------------------------------------------------------

// connectLoop dials until ctx ends. An attempt only counts as healthy once a
// record has been written on it; a dial error or a connection lost before
// its first write grows the backoff and is charged to the retry budget.
func (c *Client) connectLoop(ctx context.Context, done chan struct{}) {
	defer close(done)
	defer c.setState(StateDisconnected)

	backoff := c.opts.MinBackoff
	failures := 0
	for ctx.Err() == nil {
		c.setState(StateConnecting)
		sent, err := c.attempt(ctx)
		if ctx.Err() != nil {
			return
		}

		if sent > 0 {
			failures = 0
			backoff = c.opts.MinBackoff
			c.logger.Warn("link: connection lost, reconnecting...", "err", err, "sent", sent)
		} else {
			failures++
			c.logger.Error("link: attempt failed", "err", err, "attempt", failures, "retry_in", backoff)
			if failures == c.opts.RetryBudget {
				c.raiseOutage()
			}
		}

		if !sleep(ctx, backoff) {
			return
		}
		if sent == 0 {
			backoff *= 2
			if backoff > c.opts.MaxBackoff {
				backoff = c.opts.MaxBackoff
			}
		}
	}
}

// attempt dials once and pumps the queue until the connection fails.
func (c *Client) attempt(ctx context.Context) (int, error) {
	conn, err := c.dialer.Dial(ctx, c.opts.Addr)
	if err != nil {
		if ctx.Err() == nil {
			observability.DialFailures.Inc()
		}
		return 0, err
	}
	observability.Reconnects.Inc()
	c.setState(StateConnected)
	c.logger.Info("link: connected")

	sent, err := c.pump(ctx, conn)
	_ = conn.Close()
	return sent, err
}

func (c *Client) raiseOutage() {
	c.mu.Lock()
	already := c.outage
	c.outage = true
	c.mu.Unlock()
	if !already {
		c.notify(status.HTTPRequestFailed)
	}
}

// pump writes queued records in order until the connection fails and
// returns how many were written. A record leaves the queue only after a
// successful write.
func (c *Client) pump(ctx context.Context, conn Conn) (int, error) {
	sent := 0
	for {
		rec, ok := c.peek()
		if !ok {
			select {
			case <-ctx.Done():
				return sent, ctx.Err()
			case <-conn.Done():
				return sent, ErrConnectionClosed
			case <-c.wake:
				continue
			}
		}

		wctx, cancel := context.WithTimeout(ctx, c.opts.WriteTimeout)
		start := time.Now()
		err := conn.Write(wctx, rec)
		cancel()
		if err != nil {
			return sent, err
		}
		observability.ObserveSendLatency(start)
		observability.RecordsSent.Inc()
		c.ack(rec.ID)
		sent++
	}
}

func (c *Client) peek() (Record, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.queue) == 0 {
		return Record{}, false
	}
	return c.queue[0], true
}

func (c *Client) ack(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	// puede haberse descartado por overflow mientras se escribía
	if len(c.queue) > 0 && c.queue[0].ID == id {
		c.queue = c.queue[1:]
	}
	if c.overflowing && len(c.queue) < c.opts.QueueSize {
		c.overflowing = false
	}
	// un write exitoso cierra la caída
	c.outage = false
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
