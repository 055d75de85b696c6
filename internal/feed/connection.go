// Package feed maintains the upstream websocket connections. Each
// connection runs its own connect / read / backoff state machine and
// replays this worker's subscriptions after every (re)connect.
package feed

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"marketfeed/internal/metrics"
	"marketfeed/internal/registry"
)

// State is where the connection's state machine currently sits.
type State int32

const (
	StateConnecting State = iota
	StateOpen
	StateBackoff
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "CONNECTING"
	case StateOpen:
		return "OPEN"
	case StateBackoff:
		return "BACKOFF"
	case StateStopped:
		return "STOPPED"
	default:
		return "UNKNOWN"
	}
}

// Conn is the slice of a websocket connection the state machine uses.
// gorilla/websocket satisfies it; tests substitute fakes.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteJSON(v interface{}) error
	SetReadDeadline(t time.Time) error
	Close() error
}

// DialFunc opens a connection to the feed URL.
type DialFunc func(ctx context.Context, url string) (Conn, error)

// GorillaDial is the production DialFunc.
func GorillaDial(ctx context.Context, url string) (Conn, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// FrameHandler consumes raw binary frames read off the wire.
type FrameHandler interface {
	HandleFrame(frame []byte)
}

// SubscriptionSource yields the subscriptions to replay after a connect.
type SubscriptionSource interface {
	Subscriptions(ctx context.Context) ([]registry.Subscription, error)
}

type subscribeInstrument struct {
	SecurityID uint32 `json:"security_id"`
	Segment    uint8  `json:"segment"`
	Mode       string `json:"mode"`
}

type subscribeMessage struct {
	Action      string                `json:"action"`
	Instruments []subscribeInstrument `json:"instruments"`
}

// Connection is one resilient upstream link. Start launches the state
// machine; it reconnects with capped exponential backoff until Stop.
type Connection struct {
	name        string
	url         string
	dial        DialFunc
	handler     FrameHandler
	subs        SubscriptionSource
	logger      *logrus.Logger
	readTimeout time.Duration
	backoffCap  time.Duration

	mu     sync.Mutex
	state  State
	conn   Conn
	stop   chan struct{}
	done   chan struct{}
	closed bool
}

type ConnectionConfig struct {
	Name        string
	URL         string
	ReadTimeout time.Duration
	BackoffCap  time.Duration
}

func NewConnection(cfg ConnectionConfig, dial DialFunc, handler FrameHandler, subs SubscriptionSource, logger *logrus.Logger) *Connection {
	if cfg.BackoffCap <= 0 {
		cfg.BackoffCap = 30 * time.Second
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 60 * time.Second
	}
	return &Connection{
		name:        cfg.Name,
		url:         cfg.URL,
		dial:        dial,
		handler:     handler,
		subs:        subs,
		logger:      logger,
		readTimeout: cfg.ReadTimeout,
		backoffCap:  cfg.BackoffCap,
		state:       StateConnecting,
		stop:        make(chan struct{}),
		done:        make(chan struct{}),
	}
}

func (c *Connection) Start() {
	go c.run()
}

// Stop tears the connection down and waits for the state machine to exit.
func (c *Connection) Stop() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	conn := c.conn
	c.mu.Unlock()

	close(c.stop)
	if conn != nil {
		_ = conn.Close()
	}
	<-c.done

	c.setState(StateStopped)
	c.logger.WithField("connection", c.name).Info("🔌 Connection stopped")
}

// State returns the state machine's current position.
func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Connection) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()

	if s == StateOpen {
		metrics.ConnectionState.WithLabelValues(c.name).Set(1)
	} else {
		metrics.ConnectionState.WithLabelValues(c.name).Set(0)
	}
}

// Resubscribe asks the connection to replay subscriptions on the live
// link, used when this worker claims new instruments. On a dead link it
// is a no-op; the next connect replays everything anyway.
func (c *Connection) Resubscribe() {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()

	if conn == nil {
		return
	}
	if err := c.sendSubscriptions(conn); err != nil {
		c.logger.WithError(err).WithField("connection", c.name).Warn("Resubscribe failed")
	}
}

func (c *Connection) run() {
	defer close(c.done)

	attempt := 0
	for {
		select {
		case <-c.stop:
			return
		default:
		}

		c.setState(StateConnecting)
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		conn, err := c.dial(ctx, c.url)
		cancel()

		if err != nil {
			c.logger.WithError(err).WithFields(logrus.Fields{
				"connection": c.name,
				"attempt":    attempt,
			}).Warn("Feed dial failed")
			if !c.waitRetry(attempt) {
				return
			}
			attempt++
			continue
		}

		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			_ = conn.Close()
			return
		}
		c.conn = conn
		c.mu.Unlock()

		if err := c.sendSubscriptions(conn); err != nil {
			c.logger.WithError(err).WithField("connection", c.name).Warn("Subscription replay failed")
			_ = conn.Close()
			if !c.waitRetry(attempt) {
				return
			}
			attempt++
			continue
		}

		c.setState(StateOpen)
		attempt = 0
		c.logger.WithFields(logrus.Fields{
			"connection": c.name,
			"url":        c.url,
		}).Info("✅ Feed connected, subscriptions replayed")

		err = c.readLoop(conn)

		c.mu.Lock()
		c.conn = nil
		closed := c.closed
		c.mu.Unlock()
		_ = conn.Close()

		if closed {
			return
		}
		c.logger.WithError(err).WithField("connection", c.name).Warn("Feed read loop ended, reconnecting")
		if !c.waitRetry(attempt) {
			return
		}
		attempt++
	}
}

func (c *Connection) sendSubscriptions(conn Conn) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	subs, err := c.subs.Subscriptions(ctx)
	if err != nil {
		return err
	}
	if len(subs) == 0 {
		return nil
	}

	msg := subscribeMessage{Action: "subscribe"}
	for _, sub := range subs {
		msg.Instruments = append(msg.Instruments, subscribeInstrument{
			SecurityID: sub.SecurityID,
			Segment:    sub.Segment,
			Mode:       string(sub.Mode),
		})
	}
	return conn.WriteJSON(msg)
}

func (c *Connection) readLoop(conn Conn) error {
	for {
		if err := conn.SetReadDeadline(time.Now().Add(c.readTimeout)); err != nil {
			return err
		}
		_, frame, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		c.handler.HandleFrame(frame)
	}
}

// waitRetry sleeps the backoff delay for attempt, returning false if the
// connection was stopped while waiting.
func (c *Connection) waitRetry(attempt int) bool {
	delay := backoffDelay(attempt, c.backoffCap)
	metrics.Reconnects.WithLabelValues(c.name).Inc()
	c.setState(StateBackoff)
	c.logger.WithFields(logrus.Fields{
		"connection": c.name,
		"delay":      delay.String(),
		"attempt":    attempt,
	}).Info("⏳ Reconnect scheduled")

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-c.stop:
		return false
	}
}

// backoffDelay is 2^attempt seconds capped at cap.
func backoffDelay(attempt int, cap time.Duration) time.Duration {
	if attempt > 30 {
		return cap
	}
	delay := time.Duration(math.Pow(2, float64(attempt))) * time.Second
	if delay > cap {
		return cap
	}
	return delay
}
