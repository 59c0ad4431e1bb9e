package hub

import (
	"context"
	"hash/fnv"
	"log/slog"
	"sync"
	"sync/atomic"

	"taskrelay/pkg/interfaces"
	"taskrelay/pkg/types"
)

// Defaults used when Config fields are zero
const (
	DefaultWorkers   = 8
	DefaultQueueSize = 1024
)

// RoomSource resolves a room to a snapshot of its member connections
type RoomSource interface {
	Connections(room types.RoomID) []interfaces.Connection
}

// Config sizes the worker pool
type Config struct {
	Workers   int
	QueueSize int
}

// Delivery is one encoded frame bound for every member of a room
type Delivery struct {
	Room    types.RoomID
	Frame   []byte
	Exclude string // connection id that must not receive the frame
}

// Stats counts hub activity since start
type Stats struct {
	Queued    uint64 `json:"queued"`
	Delivered uint64 `json:"delivered"`
	Failed    uint64 `json:"failed"`
	Rejected  uint64 `json:"rejected"`
}

// Hub fans deliveries out to room members. Rooms are partitioned over a fixed
// set of workers by hash, so deliveries for one room are written in the order
// they were dispatched.
type Hub struct {
	rooms  RoomSource
	queues []chan Delivery

	shutdownChannel chan struct{}
	wg              sync.WaitGroup

	running bool
	mu      sync.RWMutex

	queued    atomic.Uint64
	delivered atomic.Uint64
	failed    atomic.Uint64
	rejected  atomic.Uint64
}

// NewHub creates a hub reading room membership from rooms
func NewHub(rooms RoomSource, config Config) *Hub {
	if config.Workers <= 0 {
		config.Workers = DefaultWorkers
	}
	if config.QueueSize <= 0 {
		config.QueueSize = DefaultQueueSize
	}

	queues := make([]chan Delivery, config.Workers)
	for i := range queues {
		queues[i] = make(chan Delivery, config.QueueSize)
	}
	return &Hub{
		rooms:  rooms,
		queues: queues,
	}
}

// Start launches the partition workers
func (h *Hub) Start(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.running {
		return ErrHubAlreadyRunning
	}
	h.running = true
	h.shutdownChannel = make(chan struct{})

	slog.Info("starting delivery hub", "workers", len(h.queues))
	for i, queue := range h.queues {
		h.wg.Add(1)
		go h.worker(ctx, i, queue, h.shutdownChannel)
	}
	return nil
}

// Stop signals the workers and waits for them to exit. Deliveries still
// queued are discarded.
func (h *Hub) Stop() error {
	h.mu.Lock()
	if !h.running {
		h.mu.Unlock()
		return ErrHubNotRunning
	}
	h.running = false
	close(h.shutdownChannel)
	h.mu.Unlock()

	h.wg.Wait()
	slog.Info("delivery hub stopped")
	return nil
}

// IsRunning reports whether the workers are up
func (h *Hub) IsRunning() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.running
}

// Dispatch queues a delivery on its room's partition without blocking
func (h *Hub) Dispatch(d Delivery) error {
	if d.Room == "" || len(d.Frame) == 0 {
		return ErrEmptyDelivery
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	if !h.running {
		return ErrHubNotRunning
	}

	select {
	case h.queues[h.partition(d.Room)] <- d:
		h.queued.Add(1)
		return nil
	default:
		h.rejected.Add(1)
		return ErrQueueFull
	}
}

// Stats returns the activity counters
func (h *Hub) Stats() Stats {
	return Stats{
		Queued:    h.queued.Load(),
		Delivered: h.delivered.Load(),
		Failed:    h.failed.Load(),
		Rejected:  h.rejected.Load(),
	}
}

func (h *Hub) partition(room types.RoomID) int {
	f := fnv.New32a()
	f.Write([]byte(room))
	return int(f.Sum32() % uint32(len(h.queues)))
}

func (h *Hub) worker(ctx context.Context, id int, queue <-chan Delivery, shutdown <-chan struct{}) {
	defer h.wg.Done()
	for {
		select {
		case d := <-queue:
			h.deliver(d)
		case <-shutdown:
			return
		case <-ctx.Done():
			slog.Debug("hub worker context cancelled", "worker", id)
			return
		}
	}
}

// deliver writes the frame to every member of the room. A failing member is
// logged and probed; the rest still receive the frame.
func (h *Hub) deliver(d Delivery) {
	for _, conn := range h.rooms.Connections(d.Room) {
		if d.Exclude != "" && conn.ID() == d.Exclude {
			continue
		}
		if err := conn.Send(d.Frame); err != nil {
			h.failed.Add(1)
			slog.Warn("delivery failed",
				"room", d.Room,
				"connection_id", conn.ID(),
				"user_id", conn.UserID(),
				"error", err)
			conn.RequestLivenessCheck()
			continue
		}
		h.delivered.Add(1)
	}
}
