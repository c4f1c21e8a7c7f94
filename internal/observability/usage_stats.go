package observability

import (
	"sort"
	"sync"
	"time"
)

// UsageStats tracks event-type and API-route access frequency over a rolling
// window. The event-type side shows what the producers actually send; the
// route side shows what readers actually ask for.
type UsageStats struct {
	mu        sync.RWMutex
	eventFreq map[string]*UsageEntry
	routeFreq map[string]*UsageEntry
	window    time.Duration
}

// UsageEntry holds the frequency record for one event type or route.
type UsageEntry struct {
	Key       string    `json:"key"`
	Frequency int64     `json:"frequency"`
	LastSeen  time.Time `json:"last_seen"`
}

// NewUsageStats creates a usage tracker. Entries unseen for longer than
// window are dropped by Prune.
func NewUsageStats(window time.Duration) *UsageStats {
	return &UsageStats{
		eventFreq: make(map[string]*UsageEntry),
		routeFreq: make(map[string]*UsageEntry),
		window:    window,
	}
}

// RecordEventType records one ingested event of the given type.
// This method is O(1) and thread-safe.
func (u *UsageStats) RecordEventType(eventType string) {
	u.mu.Lock()
	defer u.mu.Unlock()
	record(u.eventFreq, eventType)
}

// RecordRoute records one request against an API route pattern.
// This method is O(1) and thread-safe.
func (u *UsageStats) RecordRoute(route string) {
	u.mu.Lock()
	defer u.mu.Unlock()
	record(u.routeFreq, route)
}

func record(m map[string]*UsageEntry, key string) {
	entry, exists := m[key]
	if !exists {
		entry = &UsageEntry{Key: key}
		m[key] = entry
	}
	entry.Frequency++
	entry.LastSeen = time.Now()
}

// TopEventTypes returns the top N event types by frequency, descending.
func (u *UsageStats) TopEventTypes(n int) []UsageEntry {
	u.mu.RLock()
	defer u.mu.RUnlock()
	return top(u.eventFreq, n)
}

// TopRoutes returns the top N routes by frequency, descending.
func (u *UsageStats) TopRoutes(n int) []UsageEntry {
	u.mu.RLock()
	defer u.mu.RUnlock()
	return top(u.routeFreq, n)
}

func top(m map[string]*UsageEntry, n int) []UsageEntry {
	if n <= 0 || len(m) == 0 {
		return []UsageEntry{}
	}

	entries := make([]UsageEntry, 0, len(m))
	for _, e := range m {
		entries = append(entries, *e)
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Frequency != entries[j].Frequency {
			return entries[i].Frequency > entries[j].Frequency
		}
		return entries[i].Key < entries[j].Key
	})

	if n > len(entries) {
		n = len(entries)
	}
	return entries[:n]
}

// Prune removes entries where time.Since(LastSeen) > window. Called lazily
// before reads; there is no background loop.
func (u *UsageStats) Prune() {
	u.mu.Lock()
	defer u.mu.Unlock()

	threshold := time.Now().Add(-u.window)
	for key, entry := range u.eventFreq {
		if entry.LastSeen.Before(threshold) {
			delete(u.eventFreq, key)
		}
	}
	for key, entry := range u.routeFreq {
		if entry.LastSeen.Before(threshold) {
			delete(u.routeFreq, key)
		}
	}
}
