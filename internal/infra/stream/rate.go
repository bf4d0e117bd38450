package stream

import (
	"sync"
	"time"
)

const (
	rateBuckets     = 10
	rateBucketWidth = 100 * time.Millisecond
)

// RateStatus reports a connection's usage of its rolling one-second budget.
type RateStatus struct {
	Messages   int
	Heartbeats int
	Received   int
	Limit      int
	NearLimit  bool
}

// Outbound is the number of client frames counted against the exchange budget.
func (s RateStatus) Outbound() int {
	return s.Messages + s.Heartbeats
}

type rateBucket struct {
	slot       int64
	messages   int
	heartbeats int
	received   int
}

// rateWindow is a rolling one-second counter made of ten 100ms buckets.
type rateWindow struct {
	mu      sync.Mutex
	buckets [rateBuckets]rateBucket
}

func (w *rateWindow) bucketLocked(now time.Time) *rateBucket {
	slot := now.UnixNano() / int64(rateBucketWidth)
	b := &w.buckets[slot%rateBuckets]
	if b.slot != slot {
		*b = rateBucket{slot: slot}
	}
	return b
}

// reserveMessage counts one outbound message unless the window already holds limit frames.
// It returns the outbound count seen and the bucket slot charged, or -1 when refused.
func (w *rateWindow) reserveMessage(now time.Time, limit int) (int, int64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	outbound := 0
	current := now.UnixNano() / int64(rateBucketWidth)
	for _, b := range w.buckets {
		if b.slot > current-rateBuckets && b.slot <= current {
			outbound += b.messages + b.heartbeats
		}
	}
	if limit > 0 && outbound >= limit {
		return outbound, -1
	}
	b := w.bucketLocked(now)
	b.messages++
	return outbound, b.slot
}

// releaseMessage returns a reservation whose frame was never written.
func (w *rateWindow) releaseMessage(slot int64) {
	if slot < 0 {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	b := &w.buckets[slot%rateBuckets]
	if b.slot == slot && b.messages > 0 {
		b.messages--
	}
}

func (w *rateWindow) addHeartbeat(now time.Time) {
	w.mu.Lock()
	w.bucketLocked(now).heartbeats++
	w.mu.Unlock()
}

func (w *rateWindow) addReceived(now time.Time) {
	w.mu.Lock()
	w.bucketLocked(now).received++
	w.mu.Unlock()
}

func (w *rateWindow) status(now time.Time, limit int, nearRatio float64) RateStatus {
	current := now.UnixNano() / int64(rateBucketWidth)
	st := RateStatus{Limit: limit}
	w.mu.Lock()
	for _, b := range w.buckets {
		if b.slot > current-rateBuckets && b.slot <= current {
			st.Messages += b.messages
			st.Heartbeats += b.heartbeats
			st.Received += b.received
		}
	}
	w.mu.Unlock()
	if limit > 0 {
		st.NearLimit = float64(st.Outbound()) >= nearRatio*float64(limit)
	}
	return st
}
