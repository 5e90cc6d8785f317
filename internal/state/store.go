// Package state tracks what a tunnel node is doing for the health, API and
// dashboard endpoints, optionally publishing it to Redis so a fleet of nodes
// can be watched from one place.
package state

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/matst80/revnet/internal/obs"
)

// Store records node activity. Implementations also drive the Prometheus
// gauges and counters in obs.
type Store interface {
	RecordSignal(n int32)
	RecordHeartbeat()
	RecordPair()
	RecordDialFailure()
	SetPending(n int)
	SetLinkUp(up bool)
	SetClosing(closing bool)
	IsReady() bool
	IsClosing() bool
	Stats() Stats
	Close() error
}

// NewNodeID returns a unique identifier for one node process.
func NewNodeID(mode string) string {
	return "revnet-" + mode + "-" + uuid.NewString()
}

// NewStore creates either an in-memory or Redis-published store based on
// configuration. A Redis store publishes until ctx is done.
func NewStore(ctx context.Context, node, mode, redisAddr, redisPassword string, redisDB int) (Store, error) {
	if redisAddr == "" {
		obs.Info("state.backend", obs.Fields{"type": "in-memory"})
		return NewMemoryStore(node, mode), nil
	}
	obs.Info("state.backend", obs.Fields{"type": "redis", "addr": redisAddr})
	rs, err := newRedisStore(node, mode, redisAddr, redisPassword, redisDB)
	if err != nil {
		return nil, err
	}
	go rs.maintain(ctx)
	return rs, nil
}

// Stats represents current node stats for dashboards & API.
type Stats struct {
	Node          string `json:"node"`
	Mode          string `json:"mode"`
	LinkUp        bool   `json:"link_up"`
	Signals       int64  `json:"signals"`
	LastSignal    int32  `json:"last_signal"`
	Heartbeats    int64  `json:"heartbeats"`
	LastHeartbeat string `json:"last_heartbeat,omitempty"`
	Pairs         int64  `json:"pairs"`
	Pending       int    `json:"pending"`
	DialFailures  int64  `json:"dial_failures"`
	Started       string `json:"started"`
	Now           string `json:"now"`
}

// ToTemplateMap returns a map suited for html/template rendering with expected capitalized keys.
func (s Stats) ToTemplateMap() map[string]any {
	return map[string]any{
		"Node":          s.Node,
		"Mode":          s.Mode,
		"LinkUp":        s.LinkUp,
		"Signals":       s.Signals,
		"LastSignal":    s.LastSignal,
		"Heartbeats":    s.Heartbeats,
		"LastHeartbeat": s.LastHeartbeat,
		"Pairs":         s.Pairs,
		"Pending":       s.Pending,
		"DialFailures":  s.DialFailures,
		"Started":       s.Started,
	}
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}
