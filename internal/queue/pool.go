// Package queue provides the engine's bounded multi-priority event queues
// (EventQueue) and its size-classed buffer recycler (ResourcePool).
//
// ResourcePool generalizes the teacher's fixed 128K/256K/512K/1M sync.Pool
// buckets (see the go-ublk buffer pool this package is grounded on) into an
// arbitrary power-of-two size-class map, because event payloads range from
// a few bytes (MetadataUpdate) to the 64 KiB clamp (large FileRead/Write),
// not just the narrow 128K-1M band a block device's overflow I/O needs.
// Plain sync.Pool can't expose idle time or an access count, both of which
// the spec's expiration rule requires, so free lists here are explicit
// slices guarded by a per-class mutex instead.
package queue

import (
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ehrlich-b/ioengine/internal/constants"
)

// ResourceBuffer is a reusable byte region recycled by ResourcePool.
type ResourceBuffer struct {
	Size           uint32
	Data           []byte
	CreationTime   time.Time
	LastAccessTime time.Time
	AccessCount    uint64
	Disposed       bool
}

// expired reports whether b should be dropped by a cleanup sweep rather
// than returned to its free list: idle past idleExpire, or handed out more
// than expireAccessCount times over its life.
func (b *ResourceBuffer) expired(now time.Time, idleExpire time.Duration, expireAccessCount uint64) bool {
	if now.Sub(b.LastAccessTime) >= idleExpire {
		return true
	}
	return b.AccessCount > expireAccessCount
}

// ResourceHandle is a tagged external resource with an optional absolute
// expiration, released (via its Closer) on drop or expiry.
type ResourceHandle struct {
	ID        string
	resource  io.Closer
	expiresAt *time.Time
	mu        sync.Mutex
	released  bool
}

// Release closes the wrapped resource exactly once.
func (h *ResourceHandle) Release() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.released {
		return nil
	}
	h.released = true
	if h.resource != nil {
		return h.resource.Close()
	}
	return nil
}

func (h *ResourceHandle) expired(now time.Time) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.released {
		return true
	}
	return h.expiresAt != nil && now.After(*h.expiresAt)
}

// classFreeList is one size class's free list, independently locked so
// that no single mutex covers more than one class (and never the whole
// pool), matching the spec's "no coarse lock across queues/classes" rule.
type classFreeList struct {
	mu   sync.Mutex
	free []*ResourceBuffer
}

// PoolStatistics is a point-in-time view of ResourcePool activity.
type PoolStatistics struct {
	TotalCreated   uint64
	TotalReused    uint64
	TotalDiscarded uint64
	ClassCount     int
	FreeBuffers    int
	ActiveHandles  int
}

// ResourcePool recycles ResourceBuffers in power-of-two size classes and
// tracks tagged external resources with optional TTLs.
type ResourcePool struct {
	maxPooled         int
	maxSize           uint32
	idleExpire        time.Duration
	expireAccessCount uint64

	classesMu sync.RWMutex
	classes   map[uint32]*classFreeList

	handles sync.Map // string -> *ResourceHandle

	totalCreated   atomic.Uint64
	totalReused    atomic.Uint64
	totalDiscarded atomic.Uint64
}

// NewResourcePool builds a ResourcePool. maxPooled <= 0 and maxSize == 0
// fall back to the spec's defaults (100 entries per class, 64 KiB clamp).
func NewResourcePool(maxPooled int, maxSize uint32, idleExpire time.Duration) *ResourcePool {
	if maxPooled <= 0 {
		maxPooled = constants.MaxPooledBuffersPerClass
	}
	if maxSize == 0 {
		maxSize = constants.MaxBufferSize
	}
	if idleExpire <= 0 {
		idleExpire = constants.BufferIdleExpire
	}
	return &ResourcePool{
		maxPooled:         maxPooled,
		maxSize:           maxSize,
		idleExpire:        idleExpire,
		expireAccessCount: constants.BufferExpireAccessCount,
		classes:           make(map[uint32]*classFreeList),
	}
}

// ceilPow2 rounds n up to the nearest power of two, minimum 1.
func ceilPow2(n uint32) uint32 {
	if n <= 1 {
		return 1
	}
	n--
	n |= n >> 1
	n |= n >> 2
	n |= n >> 4
	n |= n >> 8
	n |= n >> 16
	return n + 1
}

func (p *ResourcePool) classFor(size uint32) *classFreeList {
	p.classesMu.RLock()
	c, ok := p.classes[size]
	p.classesMu.RUnlock()
	if ok {
		return c
	}

	p.classesMu.Lock()
	defer p.classesMu.Unlock()
	if c, ok := p.classes[size]; ok {
		return c
	}
	c = &classFreeList{}
	p.classes[size] = c
	return c
}

// GetBuffer returns a buffer of size ceilPow2(max(1, size)), clamped to
// maxSize. A get_buffer(size <= 0) request is a programming error, rejected
// with an InvalidArgument-shaped error by the caller's convention (this
// package returns a nil buffer and false so callers can surface their own
// error type without importing the root package's Error here).
func (p *ResourcePool) GetBuffer(size uint32) (*ResourceBuffer, bool) {
	if size == 0 {
		return nil, false
	}

	class := ceilPow2(size)
	if class > p.maxSize {
		class = p.maxSize
	}

	now := time.Now()
	list := p.classFor(class)

	list.mu.Lock()
	if n := len(list.free); n > 0 {
		buf := list.free[n-1]
		list.free = list.free[:n-1]
		list.mu.Unlock()

		for i := range buf.Data {
			buf.Data[i] = 0
		}
		buf.LastAccessTime = now
		buf.AccessCount++
		buf.Disposed = false
		p.totalReused.Add(1)
		return buf, true
	}
	list.mu.Unlock()

	buf := &ResourceBuffer{
		Size:           class,
		Data:           make([]byte, class),
		CreationTime:   now,
		LastAccessTime: now,
	}
	p.totalCreated.Add(1)
	return buf, true
}

// ReturnBuffer returns b to its class's free list if there is room, else
// drops it and records the discard.
func (p *ResourcePool) ReturnBuffer(buf *ResourceBuffer) {
	if buf == nil || buf.Disposed {
		return
	}

	list := p.classFor(buf.Size)

	list.mu.Lock()
	defer list.mu.Unlock()

	if len(list.free) >= p.maxPooled {
		buf.Disposed = true
		p.totalDiscarded.Add(1)
		return
	}

	for i := range buf.Data {
		buf.Data[i] = 0
	}
	list.free = append(list.free, buf)
}

// CreateHandle registers a tagged external resource, optionally expiring
// after ttl.
func (p *ResourcePool) CreateHandle(id string, resource io.Closer, ttl *time.Duration) *ResourceHandle {
	h := &ResourceHandle{ID: id, resource: resource}
	if ttl != nil {
		exp := time.Now().Add(*ttl)
		h.expiresAt = &exp
	}
	p.handles.Store(id, h)
	return h
}

// CleanupExpired removes expired buffers from every class's free list and
// releases (then drops) any expired handle. Intended to be invoked on a
// ResourcePoolCleanupInterval tick by the owning IsolationManager.
func (p *ResourcePool) CleanupExpired() (removedBuffers int, removedHandles int) {
	now := time.Now()

	p.classesMu.RLock()
	classes := make([]*classFreeList, 0, len(p.classes))
	for _, c := range p.classes {
		classes = append(classes, c)
	}
	p.classesMu.RUnlock()

	for _, list := range classes {
		list.mu.Lock()
		kept := list.free[:0]
		for _, buf := range list.free {
			if buf.expired(now, p.idleExpire, p.expireAccessCount) || buf.AccessCount == 0 {
				removedBuffers++
				continue
			}
			kept = append(kept, buf)
		}
		list.free = kept
		list.mu.Unlock()
	}

	p.handles.Range(func(key, value any) bool {
		h := value.(*ResourceHandle)
		if h.expired(now) {
			_ = h.Release()
			p.handles.Delete(key)
			removedHandles++
		}
		return true
	})

	return removedBuffers, removedHandles
}

// Snapshot returns a point-in-time view of pool activity.
func (p *ResourcePool) Snapshot() PoolStatistics {
	stats := PoolStatistics{
		TotalCreated:   p.totalCreated.Load(),
		TotalReused:    p.totalReused.Load(),
		TotalDiscarded: p.totalDiscarded.Load(),
	}

	p.classesMu.RLock()
	stats.ClassCount = len(p.classes)
	for _, c := range p.classes {
		c.mu.Lock()
		stats.FreeBuffers += len(c.free)
		c.mu.Unlock()
	}
	p.classesMu.RUnlock()

	p.handles.Range(func(_, _ any) bool {
		stats.ActiveHandles++
		return true
	})

	return stats
}
