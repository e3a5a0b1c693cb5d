package ws

import (
	"context"
	"hash/maphash"
	"iter"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"chat-relay/internal/models"
)

const shardCount = 64

// Hub is the registry of live connections, keyed by user.
// Users are spread over shards so unrelated users never contend on one lock.
type Hub struct {
	seed   maphash.Seed
	shards [shardCount]*shard
	conns  sync.Map // conn id -> *Handle
	active atomic.Int64
}

type shard struct {
	mu    sync.RWMutex
	users map[int64]map[string]*Handle
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	h := &Hub{seed: maphash.MakeSeed()}
	for i := range h.shards {
		h.shards[i] = &shard{users: make(map[int64]map[string]*Handle)}
	}
	return h
}

func (h *Hub) shardFor(userID int64) *shard {
	sum := maphash.String(h.seed, strconv.FormatInt(userID, 10))
	return h.shards[sum%shardCount]
}

// Register adds a live connection for userID and returns its id.
// A user may hold any number of connections.
func (h *Hub) Register(userID int64, ch Channel, info ConnInfo) string {
	if info.ConnID == "" {
		info.ConnID = uuid.NewString()
	}
	if info.ConnectedAt.IsZero() {
		info.ConnectedAt = time.Now()
	}
	info.UserID = userID
	handle := &Handle{info: info, ch: ch}

	s := h.shardFor(userID)
	s.mu.Lock()
	conns, ok := s.users[userID]
	if !ok {
		conns = make(map[string]*Handle)
		s.users[userID] = conns
	}
	conns[info.ConnID] = handle
	h.conns.Store(info.ConnID, handle)
	s.mu.Unlock()

	h.active.Add(1)
	return info.ConnID
}

// Deregister removes a connection. Unknown ids are ignored.
// The handle is invalidated under the same lock that removes it from the index.
func (h *Hub) Deregister(connID string) {
	val, ok := h.conns.LoadAndDelete(connID)
	if !ok {
		return
	}
	handle := val.(*Handle)

	s := h.shardFor(handle.info.UserID)
	s.mu.Lock()
	handle.invalidate()
	if conns, ok := s.users[handle.info.UserID]; ok {
		delete(conns, connID)
		if len(conns) == 0 {
			delete(s.users, handle.info.UserID)
		}
	}
	s.mu.Unlock()

	h.active.Add(-1)
}

// ActiveChannelsFor returns the live channels of userID.
// The set is snapshotted at call time; handles deregistered before they are
// reached are skipped.
func (h *Hub) ActiveChannelsFor(userID int64) iter.Seq[Channel] {
	s := h.shardFor(userID)
	s.mu.RLock()
	snapshot := make([]*Handle, 0, len(s.users[userID]))
	for _, handle := range s.users[userID] {
		snapshot = append(snapshot, handle)
	}
	s.mu.RUnlock()

	return func(yield func(Channel) bool) {
		for _, handle := range snapshot {
			if !handle.Live() {
				continue
			}
			if !yield(handle) {
				return
			}
		}
	}
}

// Lookup returns the handle registered under connID.
func (h *Hub) Lookup(connID string) (*Handle, bool) {
	val, ok := h.conns.Load(connID)
	if !ok {
		return nil, false
	}
	return val.(*Handle), true
}

// IsOnline reports whether userID has at least one live connection.
func (h *Hub) IsOnline(userID int64) bool {
	for range h.ActiveChannelsFor(userID) {
		return true
	}
	return false
}

// Stats reports the number of connected users and live connections.
func (h *Hub) Stats() (users int, conns int) {
	for _, s := range h.shards {
		s.mu.RLock()
		users += len(s.users)
		s.mu.RUnlock()
	}
	return users, int(h.active.Load())
}

// CloseAll deregisters and closes every connection. Used at shutdown.
func (h *Hub) CloseAll() {
	var handles []*Handle
	h.conns.Range(func(_, val any) bool {
		handles = append(handles, val.(*Handle))
		return true
	})
	for _, handle := range handles {
		h.Deregister(handle.info.ConnID)
		_ = handle.ch.Close()
	}
}

// Handle is the registry's view of a connection. It stops accepting pushes
// once deregistered.
type Handle struct {
	info    ConnInfo
	ch      Channel
	retired atomic.Bool
}

// ConnID returns the connection id.
func (h *Handle) ConnID() string { return h.info.ConnID }

// Info returns the connection metadata.
func (h *Handle) Info() ConnInfo { return h.info }

// Live reports whether the handle is still registered.
func (h *Handle) Live() bool { return !h.retired.Load() }

func (h *Handle) invalidate() { h.retired.Store(true) }

// Push forwards to the underlying channel while the handle is registered.
func (h *Handle) Push(ctx context.Context, event models.ChatEvent) error {
	if !h.Live() {
		return ErrChannelClosed
	}
	return h.ch.Push(ctx, event)
}

// Close closes the underlying channel; registry membership is unchanged.
func (h *Handle) Close() error {
	return h.ch.Close()
}
