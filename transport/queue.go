package transport

import (
	"fmt"

	"github.com/Al2800/takrust/errors"
	"github.com/Al2800/takrust/limits"
)

// Priority orders queued frames; higher drains first.
type Priority uint8

// QueueMode selects the send-queue discipline.
type QueueMode int

const (
	// ModeFifo drains in strict arrival order.
	ModeFifo QueueMode = iota
	// ModePriority drains higher priorities first, FIFO within equal
	// priority.
	ModePriority
	// ModeCoalesceLatestByUid keeps one pending slot per UID; a newer
	// frame replaces the older pending one.
	ModeCoalesceLatestByUid
)

// OverloadPolicy decides what happens when the queue is full.
type OverloadPolicy int

const (
	// DropOldest evicts from the head until the new frame fits.
	DropOldest OverloadPolicy = iota
	// DropNewest rejects the incoming frame.
	DropNewest
	// ShedByType evicts the lowest-priority queued frames first.
	ShedByType
	// CoalesceOnOverload converts the queue to coalescing mode
	// transparently and retries the enqueue.
	CoalesceOnOverload
)

// QueueConfig bounds and shapes a send queue.
type QueueConfig struct {
	Mode        QueueMode
	Policy      OverloadPolicy
	MaxMessages int
	MaxBytes    int
}

// DefaultQueueConfig derives queue bounds from the shared limits.
func DefaultQueueConfig(l limits.Limits) QueueConfig {
	return QueueConfig{
		Mode:        ModeFifo,
		Policy:      DropOldest,
		MaxMessages: l.MaxQueueMessages,
		MaxBytes:    l.MaxQueueBytes,
	}
}

// Classifier maps outgoing frames to their byte size, priority, and
// coalescing key. Implementations must be pure.
type Classifier interface {
	ByteSize(frame []byte) int
	Priority(frame []byte) Priority
	// CoalesceKey returns the per-entity key; ok=false disables
	// coalescing for this frame even in coalescing mode.
	CoalesceKey(frame []byte) (key string, ok bool)
}

// ByteClassifier is the minimal classifier: size is the frame length,
// everything is normal priority, no coalescing.
type ByteClassifier struct{}

// ByteSize returns the frame length.
func (ByteClassifier) ByteSize(frame []byte) int { return len(frame) }

// Priority returns the uniform priority.
func (ByteClassifier) Priority([]byte) Priority { return 128 }

// CoalesceKey disables coalescing.
func (ByteClassifier) CoalesceKey([]byte) (string, bool) { return "", false }

// EnqueueReport describes what an enqueue did to the queue.
type EnqueueReport struct {
	Accepted        bool
	ReplacedPending bool
	DroppedMessages int
	DroppedBytes    int
}

type queueItem struct {
	frame    []byte
	size     int
	priority Priority
	key      string
	hasKey   bool
	seq      uint64
}

// SendQueue is the bounded, prioritized, optionally coalescing outbound
// queue. It is owned by a single writer task and is not goroutine-safe;
// the carrier serializes access.
type SendQueue struct {
	config     QueueConfig
	classifier Classifier
	items      []queueItem
	byKey      map[string]int // key -> index into items (coalescing)
	bytes      int
	seq        uint64
}

// NewSendQueue validates the bounds and builds an empty queue.
func NewSendQueue(config QueueConfig, classifier Classifier) (*SendQueue, error) {
	if config.MaxMessages <= 0 {
		return nil, fmt.Errorf("transport: queue max_messages must be > 0: %w", errors.ErrInvalidConfig)
	}
	if config.MaxBytes <= 0 {
		return nil, fmt.Errorf("transport: queue max_bytes must be > 0: %w", errors.ErrInvalidConfig)
	}
	if classifier == nil {
		classifier = ByteClassifier{}
	}
	return &SendQueue{
		config:     config,
		classifier: classifier,
		byKey:      make(map[string]int),
	}, nil
}

// Len returns the number of queued frames.
func (q *SendQueue) Len() int { return len(q.items) }

// Bytes returns the queued byte total.
func (q *SendQueue) Bytes() int { return q.bytes }

// Mode returns the active queue mode, which CoalesceOnOverload may have
// changed since construction.
func (q *SendQueue) Mode() QueueMode { return q.config.Mode }

// Enqueue admits a frame under the bounds and overload policy.
//
// In coalescing mode the latest frame wins the pending slot wholesale:
// payload and priority both come from the replacement.
func (q *SendQueue) Enqueue(frame []byte) EnqueueReport {
	var report EnqueueReport
	item := queueItem{
		frame:    frame,
		size:     q.classifier.ByteSize(frame),
		priority: q.classifier.Priority(frame),
		seq:      q.seq,
	}
	item.key, item.hasKey = q.classifier.CoalesceKey(frame)
	q.seq++

	// Coalescing replaces in place without touching the bounds path.
	if q.config.Mode == ModeCoalesceLatestByUid && item.hasKey {
		if idx, ok := q.byKey[item.key]; ok {
			old := q.items[idx]
			q.bytes += item.size - old.size
			q.items[idx] = item
			report.Accepted = true
			report.ReplacedPending = true
			return report
		}
	}

	for q.wouldOverflow(item.size) {
		switch q.config.Policy {
		case DropNewest:
			report.DroppedMessages++
			report.DroppedBytes += item.size
			return report
		case CoalesceOnOverload:
			if q.config.Mode != ModeCoalesceLatestByUid {
				q.convertToCoalescing()
				return q.enqueueAfterConversion(item, report)
			}
			// Already coalescing; shed from the head.
			if !q.evictOldest(&report) {
				return report
			}
		case ShedByType:
			if !q.evictLowestPriority(item.priority, &report) {
				// Incoming frame is itself the lowest class.
				report.DroppedMessages++
				report.DroppedBytes += item.size
				return report
			}
		default: // DropOldest
			if !q.evictOldest(&report) {
				return report
			}
		}
	}

	q.push(item)
	report.Accepted = true
	return report
}

// Dequeue removes the next frame to send: highest priority first in
// priority and coalescing modes, strict order in FIFO mode.
func (q *SendQueue) Dequeue() ([]byte, bool) {
	if len(q.items) == 0 {
		return nil, false
	}

	idx := 0
	if q.config.Mode != ModeFifo {
		for i := 1; i < len(q.items); i++ {
			if q.items[i].priority > q.items[idx].priority {
				idx = i
			}
		}
	}

	item := q.items[idx]
	q.removeAt(idx)
	return item.frame, true
}

func (q *SendQueue) wouldOverflow(size int) bool {
	return len(q.items)+1 > q.config.MaxMessages || q.bytes+size > q.config.MaxBytes
}

func (q *SendQueue) push(item queueItem) {
	if item.hasKey {
		q.byKey[item.key] = len(q.items)
	}
	q.items = append(q.items, item)
	q.bytes += item.size
}

func (q *SendQueue) removeAt(idx int) {
	item := q.items[idx]
	q.bytes -= item.size
	if item.hasKey {
		delete(q.byKey, item.key)
	}
	q.items = append(q.items[:idx], q.items[idx+1:]...)
	for i := idx; i < len(q.items); i++ {
		if q.items[i].hasKey {
			q.byKey[q.items[i].key] = i
		}
	}
}

func (q *SendQueue) evictOldest(report *EnqueueReport) bool {
	if len(q.items) == 0 {
		return false
	}
	victim := q.items[0]
	q.removeAt(0)
	report.DroppedMessages++
	report.DroppedBytes += victim.size
	return true
}

// evictLowestPriority sheds the oldest frame of the lowest priority
// class strictly below the incoming priority.
func (q *SendQueue) evictLowestPriority(incoming Priority, report *EnqueueReport) bool {
	victim := -1
	for i, item := range q.items {
		if item.priority >= incoming {
			continue
		}
		if victim == -1 || item.priority < q.items[victim].priority {
			victim = i
		}
	}
	if victim == -1 {
		return false
	}
	dropped := q.items[victim]
	q.removeAt(victim)
	report.DroppedMessages++
	report.DroppedBytes += dropped.size
	return true
}

// convertToCoalescing switches to coalescing mode, collapsing queued
// frames so each key keeps only its newest representative.
func (q *SendQueue) convertToCoalescing() {
	q.config.Mode = ModeCoalesceLatestByUid

	kept := q.items[:0]
	latest := make(map[string]int)
	for _, item := range q.items {
		if !item.hasKey {
			kept = append(kept, item)
			continue
		}
		if idx, ok := latest[item.key]; ok {
			kept[idx] = item
			continue
		}
		latest[item.key] = len(kept)
		kept = append(kept, item)
	}
	q.items = kept

	q.bytes = 0
	q.byKey = make(map[string]int)
	for i, item := range q.items {
		q.bytes += item.size
		if item.hasKey {
			q.byKey[item.key] = i
		}
	}
}

func (q *SendQueue) enqueueAfterConversion(item queueItem, report EnqueueReport) EnqueueReport {
	if item.hasKey {
		if idx, ok := q.byKey[item.key]; ok {
			old := q.items[idx]
			q.bytes += item.size - old.size
			q.items[idx] = item
			report.Accepted = true
			report.ReplacedPending = true
			return report
		}
	}
	for q.wouldOverflow(item.size) {
		if !q.evictOldest(&report) {
			return report
		}
	}
	q.push(item)
	report.Accepted = true
	return report
}
