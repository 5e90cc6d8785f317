package state

import (
	"sync"
	"time"

	"github.com/matst80/revnet/internal/obs"
)

// MemoryStore keeps node state in process.
type MemoryStore struct {
	mu            sync.Mutex
	node          string
	mode          string
	started       time.Time
	linkUp        bool
	closing       bool
	signals       int64
	lastSignal    int32
	heartbeats    int64
	lastHeartbeat time.Time
	pairs         int64
	pending       int
	dialFailures  int64
}

func NewMemoryStore(node, mode string) *MemoryStore {
	return &MemoryStore{node: node, mode: mode, started: time.Now()}
}

var _ Store = (*MemoryStore)(nil)

func (m *MemoryStore) RecordSignal(n int32) {
	m.mu.Lock()
	m.signals++
	m.lastSignal = n
	m.mu.Unlock()
	obs.SignalsTotal.Inc()
}

func (m *MemoryStore) RecordHeartbeat() {
	m.mu.Lock()
	m.heartbeats++
	m.lastHeartbeat = time.Now()
	m.mu.Unlock()
	obs.HeartbeatsTotal.Inc()
}

func (m *MemoryStore) RecordPair() {
	m.mu.Lock()
	m.pairs++
	m.mu.Unlock()
	obs.PairsEstablishedTotal.Inc()
}

func (m *MemoryStore) RecordDialFailure() {
	m.mu.Lock()
	m.dialFailures++
	m.mu.Unlock()
}

func (m *MemoryStore) SetPending(n int) {
	m.mu.Lock()
	m.pending = n
	m.mu.Unlock()
	obs.PendingDataConns.Set(float64(n))
}

func (m *MemoryStore) SetLinkUp(up bool) {
	m.mu.Lock()
	m.linkUp = up
	m.mu.Unlock()
	if up {
		obs.ControlLinkUp.Set(1)
	} else {
		obs.ControlLinkUp.Set(0)
	}
}

func (m *MemoryStore) SetClosing(closing bool) { m.mu.Lock(); m.closing = closing; m.mu.Unlock() }
func (m *MemoryStore) IsClosing() bool         { m.mu.Lock(); defer m.mu.Unlock(); return m.closing }

// IsReady reports whether the control link is up.
func (m *MemoryStore) IsReady() bool { m.mu.Lock(); defer m.mu.Unlock(); return m.linkUp }

func (m *MemoryStore) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Stats{
		Node:          m.node,
		Mode:          m.mode,
		LinkUp:        m.linkUp,
		Signals:       m.signals,
		LastSignal:    m.lastSignal,
		Heartbeats:    m.heartbeats,
		LastHeartbeat: formatTime(m.lastHeartbeat),
		Pairs:         m.pairs,
		Pending:       m.pending,
		DialFailures:  m.dialFailures,
		Started:       formatTime(m.started),
		Now:           formatTime(time.Now()),
	}
}

func (m *MemoryStore) Close() error { return nil }
