// Package testutil holds fakes shared by package tests.
package testutil

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"taskrelay/pkg/types"
)

// ErrFakeClosed is returned by Send after Close or when the fake is set to fail
var ErrFakeClosed = errors.New("fake connection closed")

// FakeConnection records frames instead of writing them to a socket
type FakeConnection struct {
	id string

	mu            sync.Mutex
	identity      *types.Identity
	frames        [][]byte
	closed        bool
	failSends     bool
	livenessCalls int
	lastSeen      time.Time
}

// NewFakeConnection returns an authenticated fake; pass "" for an anonymous one
func NewFakeConnection(id, userID string) *FakeConnection {
	f := &FakeConnection{id: id, lastSeen: time.Now()}
	if userID != "" {
		f.identity = &types.Identity{UserID: userID}
	}
	return f
}

func (f *FakeConnection) ID() string { return f.id }

func (f *FakeConnection) UserID() string {
	if identity := f.Identity(); identity != nil {
		return identity.UserID
	}
	return ""
}

func (f *FakeConnection) IsAuthenticated() bool { return f.Identity() != nil }

func (f *FakeConnection) Identity() *types.Identity {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.identity
}

func (f *FakeConnection) SetIdentity(identity *types.Identity) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if identity == nil || f.identity != nil {
		return false
	}
	f.identity = identity
	return true
}

// Closed reports whether Close was called
func (f *FakeConnection) Closed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *FakeConnection) Send(data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed || f.failSends {
		return ErrFakeClosed
	}
	frame := make([]byte, len(data))
	copy(frame, data)
	f.frames = append(f.frames, frame)
	return nil
}

func (f *FakeConnection) RequestLivenessCheck() {
	f.mu.Lock()
	f.livenessCalls++
	f.mu.Unlock()
}

func (f *FakeConnection) LastSeen() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastSeen
}

func (f *FakeConnection) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

// FailSends makes every subsequent Send return an error
func (f *FakeConnection) FailSends() {
	f.mu.Lock()
	f.failSends = true
	f.mu.Unlock()
}

// LivenessChecks returns how many probes were requested
func (f *FakeConnection) LivenessChecks() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.livenessCalls
}

// Frames returns a copy of every frame sent so far
func (f *FakeConnection) Frames() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([][]byte, len(f.frames))
	copy(out, f.frames)
	return out
}

// Envelopes decodes every frame sent so far
func (f *FakeConnection) Envelopes() []types.Envelope {
	frames := f.Frames()
	out := make([]types.Envelope, 0, len(frames))
	for _, frame := range frames {
		var env types.Envelope
		if err := json.Unmarshal(frame, &env); err == nil {
			out = append(out, env)
		}
	}
	return out
}

// EnvelopesOfType filters Envelopes by event type
func (f *FakeConnection) EnvelopesOfType(eventType string) []types.Envelope {
	var out []types.Envelope
	for _, env := range f.Envelopes() {
		if env.Type == eventType {
			out = append(out, env)
		}
	}
	return out
}
