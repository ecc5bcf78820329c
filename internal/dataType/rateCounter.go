package dataType

import (
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
)

// windowElement is one fixed rate-limit window for a single key. The window
// semantics are interop-critical: if now is still inside the window the
// count grows, otherwise the window restarts at now with a count of one.
type windowElement struct {
	count       int64
	windowStart int64
}

type WindowBucket struct {
	mu      sync.Mutex
	windows map[uint64]*windowElement
}

func NewWindowBucket() *WindowBucket {
	return &WindowBucket{
		windows: make(map[uint64]*windowElement),
	}
}

// WindowCounter tracks fixed-window counts per key, sharded across buckets
// to keep lock contention down.
type WindowCounter struct {
	buckets     []*WindowBucket
	bucketCount uint64
	windowSize  int64
}

func NewWindowCounter(bucketCount int, windowSize int64) *WindowCounter {
	wc := &WindowCounter{
		buckets:     make([]*WindowBucket, bucketCount),
		bucketCount: uint64(bucketCount),
		windowSize:  windowSize,
	}
	for i := 0; i < bucketCount; i++ {
		wc.buckets[i] = NewWindowBucket()
	}
	return wc
}

func (wc *WindowCounter) getBucket(hashKey uint64) *WindowBucket {
	return wc.buckets[hashKey%wc.bucketCount]
}

// Hit records one event for key at the given time and returns the count
// accumulated in the current window, including this event.
func (wc *WindowCounter) Hit(key string, now int64) int64 {
	hashKey := xxhash.Sum64String(key)
	bucket := wc.getBucket(hashKey)
	bucket.mu.Lock()
	defer bucket.mu.Unlock()
	elem, exists := bucket.windows[hashKey]
	if !exists {
		elem = &windowElement{}
		bucket.windows[hashKey] = elem
	}
	if now-elem.windowStart < wc.windowSize {
		elem.count++
	} else {
		elem.windowStart = now
		elem.count = 1
	}
	return elem.count
}

// Peek returns the current window count for key without recording an event.
func (wc *WindowCounter) Peek(key string, now int64) int64 {
	hashKey := xxhash.Sum64String(key)
	bucket := wc.getBucket(hashKey)
	bucket.mu.Lock()
	defer bucket.mu.Unlock()
	if elem, exists := bucket.windows[hashKey]; exists {
		if now-elem.windowStart < wc.windowSize {
			return elem.count
		}
	}
	return 0
}

func (wc *WindowCounter) Reset(key string) {
	hashKey := xxhash.Sum64String(key)
	bucket := wc.getBucket(hashKey)
	bucket.mu.Lock()
	defer bucket.mu.Unlock()
	delete(bucket.windows, hashKey)
}

// GC drops windows that rolled over before now - windowSize.
func (wc *WindowCounter) GC(now int64) {
	expireThreshold := now - wc.windowSize
	for _, bucket := range wc.buckets {
		bucket.mu.Lock()
		for key, elem := range bucket.windows {
			if elem.windowStart < expireThreshold {
				delete(bucket.windows, key)
			}
		}
		bucket.mu.Unlock()
	}
}

func StartWindowCounterGC(counter *WindowCounter, interval time.Duration, stopCh <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			counter.GC(time.Now().Unix())
		case <-stopCh:
			return
		}
	}
}
