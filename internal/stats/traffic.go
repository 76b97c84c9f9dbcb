// Package stats keeps per-pairing traffic counters shared between the tunnel loop, which
// updates them, and the status service, which reports them.
package stats

import (
	"sort"
	"sync/atomic"

	cmap "github.com/orcaman/concurrent-map/v2"
)

// Counter holds the live counters of one pairing.
type Counter struct {
	bytesIn  atomic.Uint64
	bytesOut atomic.Uint64
	streams  atomic.Int64
	opened   atomic.Uint64
}

// Snapshot is a point-in-time copy of a Counter.
type Snapshot struct {
	Key         string `json:"key"`
	BytesIn     uint64 `json:"bytes_in"`
	BytesOut    uint64 `json:"bytes_out"`
	OpenStreams int64  `json:"open_streams"`
	TotalOpened uint64 `json:"total_streams"`
}

// Traffic maps pairing keys to counters.
type Traffic struct {
	counters cmap.ConcurrentMap[string, *Counter]
}

// NewTraffic creates an empty counter set.
func NewTraffic() *Traffic {
	return &Traffic{counters: cmap.New[*Counter]()}
}

// Track starts counting for key. Tracking an existing key keeps its counters.
func (t *Traffic) Track(key string) {
	t.counters.SetIfAbsent(key, &Counter{})
}

func (t *Traffic) get(key string) *Counter {
	c, ok := t.counters.Get(key)
	if !ok {
		return nil
	}
	return c
}

// AddIn records n bytes received from the upstream for key.
func (t *Traffic) AddIn(key string, n int) {
	if c := t.get(key); c != nil {
		c.bytesIn.Add(uint64(n))
	}
}

// AddOut records n bytes sent to the upstream for key.
func (t *Traffic) AddOut(key string, n int) {
	if c := t.get(key); c != nil {
		c.bytesOut.Add(uint64(n))
	}
}

// StreamOpened counts a new stream for key.
func (t *Traffic) StreamOpened(key string) {
	if c := t.get(key); c != nil {
		c.streams.Add(1)
		c.opened.Add(1)
	}
}

// StreamClosed counts a finished stream for key.
func (t *Traffic) StreamClosed(key string) {
	if c := t.get(key); c != nil {
		c.streams.Add(-1)
	}
}

// Remove stops counting for key.
func (t *Traffic) Remove(key string) {
	t.counters.Remove(key)
}

// Reset drops every counter.
func (t *Traffic) Reset() {
	t.counters.Clear()
}

// Len returns the number of tracked pairings.
func (t *Traffic) Len() int {
	return t.counters.Count()
}

// Snapshot copies every counter, ordered by key.
func (t *Traffic) Snapshot() []Snapshot {
	out := make([]Snapshot, 0, t.counters.Count())
	for item := range t.counters.IterBuffered() {
		out = append(out, Snapshot{
			Key:         item.Key,
			BytesIn:     item.Val.bytesIn.Load(),
			BytesOut:    item.Val.bytesOut.Load(),
			OpenStreams: item.Val.streams.Load(),
			TotalOpened: item.Val.opened.Load(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}
