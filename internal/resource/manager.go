// Package resource tracks scarce client-held resources (camera streams,
// object URLs, decoded buffers, canvas backing stores, recorder handles)
// against per-category and aggregate ceilings, evicting oldest-first when a
// ceiling is breached. Release callbacks run behind a fault barrier: cleanup
// failure is logged, never propagated.
package resource

import (
	"fmt"
	"math"
	"runtime"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

type Category string

const (
	CameraStream  Category = "camera_stream"
	ObjectURL     Category = "object_url"
	FileBuffer    Category = "file_buffer"
	CanvasContext Category = "canvas_context"
	MediaRecorder Category = "media_recorder"
	AudioContext  Category = "audio_context"
)

// Pressure is a qualitative heap-usage signal used to bias cleanup
// aggressiveness.
type Pressure string

const (
	PressureLow    Pressure = "low"
	PressureMedium Pressure = "medium"
	PressureHigh   Pressure = "high"
)

type entry struct {
	id        string
	category  Category
	createdAt time.Time
	seq       uint64
	sizeBytes int64
	release   func()
}

// Snapshot is a read-only view of the live resource set. Heap figures are
// best-effort and zero when the runtime exposes no usable memory limit.
type Snapshot struct {
	Count       int              `json:"count"`
	PerCategory map[Category]int `json:"per_category"`
	TotalBytes  int64            `json:"total_bytes"`
	HeapUsed    uint64           `json:"heap_used,omitempty"`
	HeapLimit   int64            `json:"heap_limit,omitempty"`
	Pressure    Pressure         `json:"pressure"`
}

type Manager struct {
	cfg Config

	mu       sync.Mutex
	entries  map[string]*entry
	seq      uint64
	cleanups map[uint64]func()
	cleanSeq uint64
	closed   bool

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

func NewManager(cfg Config) *Manager {
	m := &Manager{
		cfg:      cfg.normalize(),
		entries:  make(map[string]*entry),
		cleanups: make(map[uint64]func()),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	go m.enforceLoop()
	return m
}

func (m *Manager) enforceLoop() {
	defer close(m.done)
	ticker := time.NewTicker(m.cfg.EnforceInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			m.EnforceLimits()
		}
	}
}

// Track registers a resource and returns its handle. Always succeeds; kicks
// off an asynchronous enforcement pass so the caller is never blocked by
// eviction work.
func (m *Manager) Track(category Category, sizeBytes int64, release func()) string {
	id := uuid.NewString()

	m.mu.Lock()
	m.seq++
	m.entries[id] = &entry{
		id:        id,
		category:  category,
		createdAt: time.Now(),
		seq:       m.seq,
		sizeBytes: sizeBytes,
		release:   release,
	}
	m.mu.Unlock()

	go m.EnforceLimits()
	return id
}

// Release frees one resource. Idempotent: unknown ids are a no-op. Removal
// from the live set happens before the callback runs, so an entry is never
// double-charged against a limit.
func (m *Manager) Release(id string) {
	m.mu.Lock()
	e, ok := m.entries[id]
	if ok {
		delete(m.entries, id)
	}
	m.mu.Unlock()

	if ok {
		m.invokeRelease(e)
	}
}

// ReleaseAll frees every tracked resource, runs registered cleanup callbacks
// and stops the periodic enforcement timer. Used at teardown and in
// full-subsystem reset.
func (m *Manager) ReleaseAll() {
	m.mu.Lock()
	entries := make([]*entry, 0, len(m.entries))
	for _, e := range m.entries {
		entries = append(entries, e)
	}
	m.entries = make(map[string]*entry)
	cleanups := make([]func(), 0, len(m.cleanups))
	for _, fn := range m.cleanups {
		cleanups = append(cleanups, fn)
	}
	m.cleanups = make(map[uint64]func())
	m.closed = true
	m.mu.Unlock()

	for _, e := range entries {
		m.invokeRelease(e)
	}
	for _, fn := range cleanups {
		m.invokeCleanup(fn)
	}

	m.stopOnce.Do(func() { close(m.stop) })
	<-m.done
}

// AddCleanupCallback registers an extra teardown action run by ReleaseAll.
// The returned function unregisters it.
func (m *Manager) AddCleanupCallback(fn func()) func() {
	m.mu.Lock()
	m.cleanSeq++
	key := m.cleanSeq
	m.cleanups[key] = fn
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		delete(m.cleanups, key)
		m.mu.Unlock()
	}
}

// Stats returns a point-in-time snapshot of the live set.
func (m *Manager) Stats() Snapshot {
	m.mu.Lock()
	snap := Snapshot{
		Count:       len(m.entries),
		PerCategory: make(map[Category]int),
	}
	for _, e := range m.entries {
		snap.PerCategory[e.category]++
		snap.TotalBytes += e.sizeBytes
	}
	m.mu.Unlock()

	snap.HeapUsed, snap.HeapLimit = heapFigures()
	snap.Pressure = pressure(snap.HeapUsed, snap.HeapLimit)
	return snap
}

// EnforceLimits evicts oldest-first entries of every category over its
// ceiling, then releases the oldest fraction of all entries while the
// aggregate byte ceiling stays breached. Runs on a timer and after every
// Track call.
func (m *Manager) EnforceLimits() {
	var victims []*entry

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	victims = append(victims, m.takeOverCountLocked(CameraStream, m.cfg.MaxCameraStreams)...)
	victims = append(victims, m.takeOverCountLocked(ObjectURL, m.cfg.MaxObjectURLs)...)
	victims = append(victims, m.takeOverCountLocked(FileBuffer, m.cfg.MaxFileBuffers)...)
	victims = append(victims, m.takeOverBytesLocked()...)
	m.mu.Unlock()

	if len(victims) == 0 {
		return
	}

	perCategory := make(map[Category]int)
	for _, e := range victims {
		m.invokeRelease(e)
		perCategory[e.category]++
	}
	for category, n := range perCategory {
		m.cfg.Logger.Warn("resource_evicted",
			"category", string(category),
			"count", n,
		)
		if m.cfg.OnEviction != nil {
			m.cfg.OnEviction(category, n)
		}
	}
}

// takeOverCountLocked removes and returns the oldest entries of a category
// beyond its ceiling. Caller holds m.mu.
func (m *Manager) takeOverCountLocked(category Category, limit int) []*entry {
	var all []*entry
	for _, e := range m.entries {
		if e.category == category {
			all = append(all, e)
		}
	}
	if len(all) <= limit {
		return nil
	}
	sortOldestFirst(all)
	victims := all[:len(all)-limit]
	for _, e := range victims {
		delete(m.entries, e.id)
	}
	return victims
}

// takeOverBytesLocked removes oldest entries in fraction-sized batches until
// the aggregate estimate is back under the byte ceiling. Caller holds m.mu.
func (m *Manager) takeOverBytesLocked() []*entry {
	var total int64
	for _, e := range m.entries {
		total += e.sizeBytes
	}
	if total <= m.cfg.MaxTotalBytes {
		return nil
	}

	fraction := m.cfg.EvictFraction
	if used, limit := heapFigures(); pressure(used, limit) == PressureHigh {
		fraction = m.cfg.HighPressureEvictFraction
	}

	all := make([]*entry, 0, len(m.entries))
	for _, e := range m.entries {
		all = append(all, e)
	}
	sortOldestFirst(all)

	var victims []*entry
	for total > m.cfg.MaxTotalBytes && len(all) > 0 {
		batch := int(math.Ceil(float64(len(all)) * fraction))
		if batch < 1 {
			batch = 1
		}
		for _, e := range all[:batch] {
			delete(m.entries, e.id)
			total -= e.sizeBytes
			victims = append(victims, e)
		}
		all = all[batch:]
	}
	return victims
}

// invokeRelease runs one release callback behind a fault barrier. Cleanup
// must never cascade into an unrelated failure.
func (m *Manager) invokeRelease(e *entry) {
	if e.release == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			m.cfg.Logger.Warn("resource_release_failed",
				"resource_id", e.id,
				"category", string(e.category),
				"error", fmt.Sprint(r),
			)
		}
	}()
	e.release()
}

func (m *Manager) invokeCleanup(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			m.cfg.Logger.Warn("cleanup_callback_failed", "error", fmt.Sprint(r))
		}
	}()
	fn()
}

func sortOldestFirst(entries []*entry) {
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].createdAt.Equal(entries[j].createdAt) {
			return entries[i].seq < entries[j].seq
		}
		return entries[i].createdAt.Before(entries[j].createdAt)
	})
}

func heapFigures() (used uint64, limit int64) {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)

	limit = debug.SetMemoryLimit(-1)
	if limit == math.MaxInt64 {
		// No limit configured; report zero so callers treat it as unknown.
		limit = 0
	}
	return ms.HeapAlloc, limit
}

func pressure(used uint64, limit int64) Pressure {
	if limit <= 0 {
		return PressureLow
	}
	ratio := float64(used) / float64(limit)
	switch {
	case ratio >= 0.85:
		return PressureHigh
	case ratio >= 0.65:
		return PressureMedium
	default:
		return PressureLow
	}
}

// Size estimates for categories whose true footprint is not directly
// observable at registration time.

// EstimateCameraStream assumes ~2s of raw RGBA frames buffered.
func EstimateCameraStream(width, height, fps int) int64 {
	return int64(width) * int64(height) * int64(fps) * 2 * 4
}

// EstimateCanvas is width*height RGBA.
func EstimateCanvas(width, height int) int64 {
	return int64(width) * int64(height) * 4
}
