// Package client is a Go client for the taskrelay socket. It reconnects with
// exponential backoff after involuntary disconnects and restores project
// subscriptions once connected again.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"taskrelay/pkg/interfaces"
	"taskrelay/pkg/types"
)

// Defaults used when Options fields are zero
const (
	DefaultBaseDelay   = time.Second
	DefaultMaxAttempts = 5
)

var (
	// ErrReconnectExhausted is the terminal failure after MaxAttempts failed reconnects
	ErrReconnectExhausted = errors.New("reconnect attempts exhausted")
	ErrNotConnected       = errors.New("client is not connected")
	ErrClosed             = fmt.Errorf("client: %w", interfaces.ErrClosed)
	ErrAlreadyConnected   = errors.New("client is already connected")
)

// State is the connection state of a Client
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	// StateFailed is terminal: the client gave up reconnecting
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Options configures a Client
type Options struct {
	URL         string
	Token       string
	BaseDelay   time.Duration
	MaxAttempts int

	Dialer Dialer
	Clock  clockwork.Clock

	// Callbacks run on client goroutines. They must not block or call back
	// into the Client; OnStateChange runs under the client lock.
	OnEvent       func(types.Envelope)
	OnStateChange func(State)
	OnFailure     func(error)
}

// Client keeps one socket to the server alive
type Client struct {
	opts Options

	mu            sync.Mutex
	state         State
	transport     Transport
	generation    uint64
	attempts      int
	timer         clockwork.Timer
	subscriptions map[types.ID]struct{}
	closed        bool
	err           error
}

func New(opts Options) *Client {
	if opts.BaseDelay <= 0 {
		opts.BaseDelay = DefaultBaseDelay
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultMaxAttempts
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Dialer == nil {
		opts.Dialer = NewWebSocketDialer(nil)
	}
	return &Client{
		opts:          opts,
		subscriptions: make(map[types.ID]struct{}),
	}
}

// MaxBackoff is where Backoff saturates instead of overflowing
const MaxBackoff = time.Duration(math.MaxInt64)

// Backoff returns the delay before reconnect attempt k (1-based), saturating
// at MaxBackoff.
func Backoff(base time.Duration, attempt int) time.Duration {
	if base <= 0 {
		return 0
	}
	if attempt < 1 {
		attempt = 1
	}
	shift := attempt - 1
	if shift >= 63 || base > MaxBackoff>>shift {
		return MaxBackoff
	}
	return base << shift
}

// Connect dials once. A failed initial dial is returned to the caller and
// does not start the reconnect loop.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.state == StateConnected || c.state == StateConnecting {
		c.mu.Unlock()
		return ErrAlreadyConnected
	}
	c.setStateLocked(StateConnecting)
	c.mu.Unlock()

	transport, err := c.opts.Dialer.Dial(ctx, c.opts.URL, c.opts.Token)
	if err != nil {
		c.mu.Lock()
		c.setStateLocked(StateDisconnected)
		c.mu.Unlock()
		return fmt.Errorf("connect %s: %w", c.opts.URL, err)
	}
	return c.connected(transport)
}

// connected installs a fresh transport and replays subscriptions
func (c *Client) connected(transport Transport) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		_ = transport.Close()
		return ErrClosed
	}
	c.generation++
	generation := c.generation
	c.transport = transport
	c.attempts = 0
	c.err = nil
	c.setStateLocked(StateConnected)
	projects := c.subscribedLocked()
	c.mu.Unlock()

	go c.readLoop(transport, generation)

	for _, projectID := range projects {
		if err := c.send(transport, types.IntentJoinProject, types.ProjectIntent{ProjectID: projectID}); err != nil {
			slog.Warn("failed to restore subscription", "project_id", projectID, "error", err)
		}
	}
	return nil
}

func (c *Client) readLoop(transport Transport, generation uint64) {
	for {
		data, err := transport.ReadMessage()
		if err != nil {
			c.lost(generation, err)
			return
		}
		var env types.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			slog.Debug("dropping undecodable frame", "error", err)
			continue
		}
		if c.opts.OnEvent != nil {
			c.opts.OnEvent(env)
		}
	}
}

// lost handles an involuntary disconnect of the given connection generation
func (c *Client) lost(generation uint64, cause error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed || generation != c.generation || c.state != StateConnected {
		return
	}
	_ = c.transport.Close()
	c.transport = nil
	c.err = cause
	c.setStateLocked(StateDisconnected)
	slog.Info("connection lost, reconnecting", "error", cause)
	c.scheduleLocked(1)
}

func (c *Client) scheduleLocked(attempt int) {
	c.attempts = attempt
	delay := Backoff(c.opts.BaseDelay, attempt)
	c.timer = c.opts.Clock.AfterFunc(delay, func() { c.reconnect(attempt) })
}

func (c *Client) reconnect(attempt int) {
	c.mu.Lock()
	if c.closed || c.state != StateDisconnected || c.attempts != attempt {
		c.mu.Unlock()
		return
	}
	c.timer = nil
	c.setStateLocked(StateConnecting)
	c.mu.Unlock()

	transport, err := c.opts.Dialer.Dial(context.Background(), c.opts.URL, c.opts.Token)
	if err == nil {
		if err := c.connected(transport); err != nil {
			slog.Debug("reconnect discarded", "error", err)
		}
		return
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	slog.Info("reconnect attempt failed", "attempt", attempt, "max_attempts", c.opts.MaxAttempts, "error", err)
	if attempt >= c.opts.MaxAttempts {
		c.err = fmt.Errorf("%w after %d attempts: %w", ErrReconnectExhausted, attempt, err)
		c.setStateLocked(StateFailed)
		failure := c.err
		c.mu.Unlock()
		if c.opts.OnFailure != nil {
			c.opts.OnFailure(failure)
		}
		return
	}
	c.setStateLocked(StateDisconnected)
	c.scheduleLocked(attempt + 1)
	c.mu.Unlock()
}

func (c *Client) setStateLocked(state State) {
	if c.state == state {
		return
	}
	c.state = state
	if c.opts.OnStateChange != nil {
		c.opts.OnStateChange(state)
	}
}

func (c *Client) subscribedLocked() []types.ID {
	projects := make([]types.ID, 0, len(c.subscriptions))
	for id := range c.subscriptions {
		projects = append(projects, id)
	}
	sort.Slice(projects, func(i, j int) bool { return projects[i] < projects[j] })
	return projects
}

func (c *Client) send(transport Transport, intent string, data any) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return err
	}
	frame, err := json.Marshal(struct {
		Type string          `json:"type"`
		Data json.RawMessage `json:"data"`
	}{Type: intent, Data: raw})
	if err != nil {
		return err
	}
	return transport.WriteMessage(frame)
}

// Send writes an intent on the live connection
func (c *Client) Send(intent string, data any) error {
	c.mu.Lock()
	transport := c.transport
	closed := c.closed
	c.mu.Unlock()

	if closed {
		return ErrClosed
	}
	if transport == nil {
		return ErrNotConnected
	}
	return c.send(transport, intent, data)
}

// JoinProject subscribes to a project and remembers it for reconnects. While
// disconnected the subscription is only recorded.
func (c *Client) JoinProject(projectID types.ID) error {
	c.mu.Lock()
	c.subscriptions[projectID] = struct{}{}
	connected := c.state == StateConnected
	c.mu.Unlock()

	if !connected {
		return nil
	}
	return c.Send(types.IntentJoinProject, types.ProjectIntent{ProjectID: projectID})
}

func (c *Client) LeaveProject(projectID types.ID) error {
	c.mu.Lock()
	delete(c.subscriptions, projectID)
	connected := c.state == StateConnected
	c.mu.Unlock()

	if !connected {
		return nil
	}
	return c.Send(types.IntentLeaveProject, types.ProjectIntent{ProjectID: projectID})
}

// Subscriptions returns the tracked project ids, sorted
func (c *Client) Subscriptions() []types.ID {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.subscribedLocked()
}

func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Err returns the last disconnect cause, or ErrReconnectExhausted once failed
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Attempts returns the number of the pending or last reconnect attempt
func (c *Client) Attempts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempts
}

// Close disconnects voluntarily. No reconnect follows.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	transport := c.transport
	c.transport = nil
	c.setStateLocked(StateDisconnected)
	c.mu.Unlock()

	if transport != nil {
		return transport.Close()
	}
	return nil
}
