package websocket

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"taskrelay/pkg/interfaces"
	"taskrelay/pkg/types"
)

// ConnectionOptions tunes the write side of a connection
type ConnectionOptions struct {
	SendBuffer   int
	PingInterval time.Duration
	WriteTimeout time.Duration
}

func (o ConnectionOptions) withDefaults() ConnectionOptions {
	if o.SendBuffer <= 0 {
		o.SendBuffer = 256
	}
	if o.PingInterval <= 0 {
		o.PingInterval = 30 * time.Second
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 10 * time.Second
	}
	return o
}

type outbound struct {
	data    []byte
	flushed chan struct{}
}

// Connection wraps one client socket. All writes go through a single writer
// goroutine; Send only enqueues and never blocks.
type Connection struct {
	id      string
	conn    *websocket.Conn
	opts    ConnectionOptions
	writeCh chan outbound
	probeCh chan struct{}

	mu       sync.RWMutex
	identity *types.Identity

	lastSeen atomic.Int64

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
	done      chan struct{}
}

var _ interfaces.ClientConnection = (*Connection)(nil)

// NewConnection wraps conn and starts its writer goroutine
func NewConnection(conn *websocket.Conn, opts ConnectionOptions) *Connection {
	opts = opts.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	c := &Connection{
		id:      uuid.New().String(),
		conn:    conn,
		opts:    opts,
		writeCh: make(chan outbound, opts.SendBuffer),
		probeCh: make(chan struct{}, 1),
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	c.Touch()

	go c.writeLoop()

	return c
}

func (c *Connection) writeLoop() {
	defer close(c.done)

	ticker := time.NewTicker(c.opts.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case out := <-c.writeCh:
			if out.flushed != nil {
				close(out.flushed)
				continue
			}
			if err := c.conn.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout)); err != nil {
				_ = c.Close()
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, out.data); err != nil {
				_ = c.Close()
				return
			}

		case <-ticker.C:
			if err := c.ping(); err != nil {
				_ = c.Close()
				return
			}

		case <-c.probeCh:
			if err := c.ping(); err != nil {
				_ = c.Close()
				return
			}

		case <-c.ctx.Done():
			return
		}
	}
}

func (c *Connection) ping() error {
	return c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.opts.WriteTimeout))
}

// ID returns the server-assigned connection id
func (c *Connection) ID() string { return c.id }

// Send enqueues an encoded frame. It fails once the connection is closed or
// when the client is not draining its buffer.
func (c *Connection) Send(data []byte) error {
	select {
	case <-c.ctx.Done():
		return ErrConnectionClosed
	default:
	}

	select {
	case c.writeCh <- outbound{data: data}:
		return nil
	default:
		return ErrSendBufferFull
	}
}

// Flush waits until every frame queued before the call has been written, or
// the timeout passes.
func (c *Connection) Flush(timeout time.Duration) bool {
	flushed := make(chan struct{})
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case c.writeCh <- outbound{flushed: flushed}:
	case <-c.ctx.Done():
		return false
	case <-timer.C:
		return false
	}

	select {
	case <-flushed:
		return true
	case <-c.ctx.Done():
		return false
	case <-timer.C:
		return false
	}
}

// RequestLivenessCheck asks the writer to ping the peer now. A dead peer then
// fails the write or misses the read deadline.
func (c *Connection) RequestLivenessCheck() {
	select {
	case c.probeCh <- struct{}{}:
	default:
	}
}

// Touch records inbound traffic
func (c *Connection) Touch() {
	c.lastSeen.Store(time.Now().UnixNano())
}

// LastSeen returns the time of the last inbound frame
func (c *Connection) LastSeen() time.Time {
	return time.Unix(0, c.lastSeen.Load())
}

// Done is closed when the writer goroutine exits
func (c *Connection) Done() <-chan struct{} { return c.done }

// Closed reports whether Close has been called
func (c *Connection) Closed() bool {
	select {
	case <-c.ctx.Done():
		return true
	default:
		return false
	}
}

// Close stops the writer and closes the socket. Safe to call more than once.
func (c *Connection) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.cancel()
		if c.conn != nil {
			_ = c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			err = c.conn.Close()
		}
	})
	return err
}

// SetIdentity marks the connection authenticated
func (c *Connection) SetIdentity(identity *types.Identity) bool {
	if identity == nil {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.identity != nil {
		return false
	}
	c.identity = identity
	return true
}

// Identity returns the authenticated principal, or nil
func (c *Connection) Identity() *types.Identity {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.identity
}

func (c *Connection) IsAuthenticated() bool {
	return c.Identity() != nil
}

func (c *Connection) UserID() string {
	if identity := c.Identity(); identity != nil {
		return identity.UserID
	}
	return ""
}
