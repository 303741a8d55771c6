package realtime

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"PedMedClient/logger"
	"PedMedClient/tools/decode"
	"PedMedClient/tools/safe"
)

// State machine: Closed -> Connecting -> Open -> (Closing | Closed).
// Abnormal close while the session is still authenticated re-enters
// Connecting after an exponential backoff, until the retry budget runs out.
type State int32

const (
	StateClosed State = iota
	StateConnecting
	StateOpen
	StateClosing
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	default:
		return "closed"
	}
}

// EventKind tags the two authoritative inbound signals.
type EventKind int

const (
	// EventLogout is the plain {action:"logout"} push.
	EventLogout EventKind = iota
	// EventForceLogout is {type:"FORCE_LOGOUT"} with a human-readable reason.
	EventForceLogout
)

// Event is a server push delivered to the session controller. Epoch is the
// session generation the channel was opened under; the controller discards
// events whose epoch no longer matches.
type Event struct {
	Kind   EventKind
	Reason string
	Epoch  uint64
}

type Config struct {
	URL        string // full ws(s) URL including ?username=&deviceId=
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	MaxRetries int
	Epoch      uint64

	// Authenticated is consulted before every reconnect attempt; a logged-out
	// session must not keep a channel alive.
	Authenticated func() bool

	// Dial overrides the websocket dialer in tests. nil means the default.
	Dial func(url string) (*websocket.Conn, error)
}

type Channel struct {
	cfg    Config
	events chan<- Event

	state atomic.Int32

	mu   sync.Mutex
	conn *websocket.Conn

	stopCh   chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

// Open starts the channel's connect/read/reconnect loop and returns
// immediately. Events are delivered on the provided channel; delivery never
// blocks the read loop (an unread event is dropped with a warning, the
// polling validator is the backstop).
func Open(cfg Config, events chan<- Event) *Channel {
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = 5 * time.Second
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = 30 * time.Second
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 5
	}
	if cfg.Authenticated == nil {
		cfg.Authenticated = func() bool { return true }
	}
	if cfg.Dial == nil {
		cfg.Dial = func(url string) (*websocket.Conn, error) {
			c, _, err := websocket.DefaultDialer.Dial(url, nil)
			return c, err
		}
	}

	ch := &Channel{
		cfg:    cfg,
		events: events,
		stopCh: make(chan struct{}),
		done:   make(chan struct{}),
	}
	safe.SafeGo("realtime.run", ch.run)
	return ch
}

func (c *Channel) State() State { return State(c.state.Load()) }

// Done is closed once the run loop has fully exited.
func (c *Channel) Done() <-chan struct{} { return c.done }

// Close performs an intentional shutdown: close code 1000, no reconnect.
// Idempotent; safe to race with a concurrent forced teardown.
func (c *Channel) Close() {
	c.stopOnce.Do(func() {
		c.state.Store(int32(StateClosing))
		close(c.stopCh)

		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()
		if conn != nil {
			deadline := time.Now().Add(2 * time.Second)
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
			_ = conn.Close()
		}
	})
}

func (c *Channel) stopped() bool {
	select {
	case <-c.stopCh:
		return true
	default:
		return false
	}
}

func (c *Channel) run() {
	defer close(c.done)
	defer c.state.Store(int32(StateClosed))

	attempt := 0
	for {
		if c.stopped() {
			return
		}
		c.state.Store(int32(StateConnecting))

		conn, err := c.cfg.Dial(c.cfg.URL)
		if err != nil {
			logger.Warnf("[Realtime] dial failed epoch=%d attempt=%d err=%v", c.cfg.Epoch, attempt, err)
			if !c.backoffOrGiveUp(&attempt) {
				return
			}
			continue
		}

		c.mu.Lock()
		c.conn = conn
		c.mu.Unlock()

		if c.stopped() {
			_ = conn.Close()
			return
		}

		c.state.Store(int32(StateOpen))
		attempt = 0 // reaching Open resets the retry budget
		logger.Infof("[Realtime] connected epoch=%d", c.cfg.Epoch)

		normal := c.readLoop(conn)

		c.mu.Lock()
		c.conn = nil
		c.mu.Unlock()

		if c.stopped() || normal {
			return
		}
		if !c.backoffOrGiveUp(&attempt) {
			return
		}
	}
}

// backoffOrGiveUp sleeps the exponential delay for the current attempt and
// reports whether another attempt should be made. Exhausting the budget ends
// the channel but never the session: a dead channel may be a transient
// partition, only explicit server messages or the validator terminate.
func (c *Channel) backoffOrGiveUp(attempt *int) bool {
	if !c.cfg.Authenticated() {
		return false
	}
	if *attempt >= c.cfg.MaxRetries {
		logger.Errorf("[Realtime] max retries reached epoch=%d, giving up (session kept)", c.cfg.Epoch)
		return false
	}
	delay := ReconnectDelay(c.cfg.BaseDelay, c.cfg.MaxDelay, *attempt)
	*attempt++
	logger.Infof("[Realtime] reconnecting in %s (attempt %d/%d)", delay, *attempt, c.cfg.MaxRetries)
	select {
	case <-time.After(delay):
		return true
	case <-c.stopCh:
		return false
	}
}

// ReconnectDelay is base * 2^attempt capped at max.
func ReconnectDelay(base, max time.Duration, attempt int) time.Duration {
	if attempt > 16 {
		attempt = 16
	}
	d := base << uint(attempt)
	if d > max || d <= 0 {
		return max
	}
	return d
}

// readLoop consumes frames until the connection dies. Returns true when the
// peer closed normally (code 1000), false on any abnormal termination.
func (c *Channel) readLoop(conn *websocket.Conn) bool {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				logger.Infof("[Realtime] peer closed normally epoch=%d", c.cfg.Epoch)
				return true
			}
			logger.Warnf("[Realtime] read error epoch=%d err=%v", c.cfg.Epoch, err)
			return false
		}
		c.handleFrame(data)
	}
}

type inboundFrame struct {
	Action  string `json:"action"`
	Type    string `json:"type"`
	Message string `json:"message"`
}

// handleFrame decodes one inbound frame. Malformed frames are logged and
// dropped; they must never take the channel down.
func (c *Channel) handleFrame(data []byte) {
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		sample := data
		if len(sample) > 256 {
			sample = sample[:256]
		}
		logger.Warnf("[Realtime] non-JSON frame ignored: %q", sample)
		return
	}
	frame, err := decode.DecodeMap[inboundFrame](m)
	if err != nil {
		logger.Warnf("[Realtime] undecodable frame ignored: %v", err)
		return
	}

	switch {
	case frame.Action == "logout":
		c.deliver(Event{Kind: EventLogout, Epoch: c.cfg.Epoch})
	case frame.Type == "FORCE_LOGOUT":
		c.deliver(Event{Kind: EventForceLogout, Reason: frame.Message, Epoch: c.cfg.Epoch})
	default:
		logger.Debugf("[Realtime] unhandled frame action=%q type=%q", frame.Action, frame.Type)
	}
}

func (c *Channel) deliver(ev Event) {
	select {
	case c.events <- ev:
	default:
		logger.Warnf("[Realtime] event queue full, dropping %v (validator will catch up)", ev.Kind)
	}
}
