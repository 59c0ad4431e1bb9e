// Package relay forwards per-room deliveries between server instances over NATS
// so that one logical room can span several processes.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"taskrelay/pkg/interfaces"
	"taskrelay/pkg/types"
)

// DefaultSubjectPrefix namespaces room subjects
const DefaultSubjectPrefix = "taskrelay.room"

var (
	ErrNotConnected      = errors.New("relay is not connected")
	ErrAlreadySubscribed = errors.New("relay already has a subscriber")
)

// Config describes the NATS connection
type Config struct {
	URL           string
	Name          string
	User          string
	Password      string
	SubjectPrefix string
	ConnectWait   time.Duration
}

// message is the wire form of one relayed delivery
type message struct {
	Origin  string          `json:"origin"`
	Room    types.RoomID    `json:"room"`
	Exclude string          `json:"exclude,omitempty"`
	Frame   json.RawMessage `json:"frame"`
}

// NATSRelay implements interfaces.Relay
type NATSRelay struct {
	nc         *nats.Conn
	prefix     string
	instanceID string

	mu      sync.Mutex
	sub     *nats.Subscription
	deliver func(room types.RoomID, frame []byte, exclude string)
}

var _ interfaces.Relay = (*NATSRelay)(nil)

// Connect dials NATS and returns a relay owning the connection
func Connect(cfg Config) (*NATSRelay, error) {
	if cfg.Name == "" {
		cfg.Name = "taskrelay"
	}
	if cfg.ConnectWait <= 0 {
		cfg.ConnectWait = 2 * time.Second
	}
	opts := []nats.Option{
		nats.Name(cfg.Name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(cfg.ConnectWait),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				slog.Warn("relay disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			slog.Info("relay reconnected", "url", nc.ConnectedUrl())
		}),
	}
	if cfg.User != "" {
		opts = append(opts, nats.UserInfo(cfg.User, cfg.Password))
	}

	nc, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to nats %s: %w", cfg.URL, err)
	}
	slog.Info("relay connected", "url", nc.ConnectedUrl())
	return New(nc, cfg.SubjectPrefix), nil
}

// New wraps an existing NATS connection
func New(nc *nats.Conn, prefix string) *NATSRelay {
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	return &NATSRelay{
		nc:         nc,
		prefix:     strings.TrimSuffix(prefix, "."),
		instanceID: uuid.New().String(),
	}
}

// InstanceID identifies this process on the relay
func (r *NATSRelay) InstanceID() string { return r.instanceID }

func (r *NATSRelay) subject(room types.RoomID) string {
	return r.prefix + "." + string(room)
}

// Broadcast publishes an encoded frame for room to the other instances
func (r *NATSRelay) Broadcast(ctx context.Context, room types.RoomID, frame []byte, exclude string) error {
	if r.nc == nil {
		return ErrNotConnected
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(message{
		Origin:  r.instanceID,
		Room:    room,
		Exclude: exclude,
		Frame:   frame,
	})
	if err != nil {
		return fmt.Errorf("encode relay message: %w", err)
	}
	return r.nc.Publish(r.subject(room), data)
}

// Subscribe starts receiving frames from other instances
func (r *NATSRelay) Subscribe(deliver func(room types.RoomID, frame []byte, exclude string)) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.deliver != nil {
		return ErrAlreadySubscribed
	}
	r.deliver = deliver
	if r.nc == nil {
		return ErrNotConnected
	}

	sub, err := r.nc.Subscribe(r.prefix+".*", r.handleMessage)
	if err != nil {
		r.deliver = nil
		return fmt.Errorf("subscribe %s.*: %w", r.prefix, err)
	}
	r.sub = sub
	return nil
}

func (r *NATSRelay) handleMessage(msg *nats.Msg) {
	var m message
	if err := json.Unmarshal(msg.Data, &m); err != nil {
		slog.Warn("dropping malformed relay message", "subject", msg.Subject, "error", err)
		return
	}
	if m.Origin == r.instanceID {
		return
	}
	if m.Room == "" || r.subject(m.Room) != msg.Subject {
		slog.Warn("dropping relay message with mismatched room", "subject", msg.Subject, "room", m.Room)
		return
	}

	r.mu.Lock()
	deliver := r.deliver
	r.mu.Unlock()
	if deliver != nil {
		deliver(m.Room, m.Frame, m.Exclude)
	}
}

// Close unsubscribes and drains the connection
func (r *NATSRelay) Close() error {
	r.mu.Lock()
	sub := r.sub
	r.sub = nil
	r.mu.Unlock()

	if sub != nil {
		if err := sub.Unsubscribe(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
			slog.Warn("relay unsubscribe failed", "error", err)
		}
	}
	if r.nc != nil && !r.nc.IsClosed() {
		return r.nc.Drain()
	}
	return nil
}
