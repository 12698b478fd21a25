package transport

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Al2800/takrust/limits"
)

// uidClassifier derives priority and coalescing key from a "uid|prio|body"
// frame layout used only by these tests.
type uidClassifier struct{}

func (uidClassifier) ByteSize(frame []byte) int { return len(frame) }

func (uidClassifier) Priority(frame []byte) Priority {
	parts := strings.SplitN(string(frame), "|", 3)
	if len(parts) < 2 {
		return 0
	}
	var p int
	fmt.Sscanf(parts[1], "%d", &p)
	return Priority(p)
}

func (uidClassifier) CoalesceKey(frame []byte) (string, bool) {
	parts := strings.SplitN(string(frame), "|", 3)
	if len(parts) < 1 || parts[0] == "" {
		return "", false
	}
	return parts[0], true
}

func frame(uid string, prio int, body string) []byte {
	return []byte(fmt.Sprintf("%s|%d|%s", uid, prio, body))
}

func newQueue(t *testing.T, mode QueueMode, policy OverloadPolicy, maxMsgs, maxBytes int) *SendQueue {
	t.Helper()
	q, err := NewSendQueue(QueueConfig{Mode: mode, Policy: policy, MaxMessages: maxMsgs, MaxBytes: maxBytes}, uidClassifier{})
	require.NoError(t, err)
	return q
}

func TestFifoStrictOrder(t *testing.T) {
	q := newQueue(t, ModeFifo, DropOldest, 10, 1024)

	for i := 0; i < 3; i++ {
		report := q.Enqueue(frame("a", i, fmt.Sprintf("m%d", i)))
		assert.True(t, report.Accepted)
	}

	for i := 0; i < 3; i++ {
		got, ok := q.Dequeue()
		require.True(t, ok)
		assert.Contains(t, string(got), fmt.Sprintf("m%d", i))
	}
	_, ok := q.Dequeue()
	assert.False(t, ok)
}

func TestPriorityDrainOrder(t *testing.T) {
	q := newQueue(t, ModePriority, DropOldest, 10, 1024)

	q.Enqueue(frame("a", 10, "low-1"))
	q.Enqueue(frame("b", 200, "high"))
	q.Enqueue(frame("c", 10, "low-2"))

	got, _ := q.Dequeue()
	assert.Contains(t, string(got), "high")

	// FIFO within equal priority.
	got, _ = q.Dequeue()
	assert.Contains(t, string(got), "low-1")
	got, _ = q.Dequeue()
	assert.Contains(t, string(got), "low-2")
}

func TestCoalesceLatestByUid(t *testing.T) {
	q := newQueue(t, ModeCoalesceLatestByUid, DropOldest, 10, 1024)

	q.Enqueue(frame("drone-1", 10, "old"))
	report := q.Enqueue(frame("drone-1", 50, "new"))
	assert.True(t, report.ReplacedPending)
	assert.Equal(t, 1, q.Len())

	q.Enqueue(frame("drone-2", 20, "other"))
	assert.Equal(t, 2, q.Len())

	// Latest event's priority wins the slot: drone-1 now outranks
	// drone-2 even though its first frame did not.
	got, _ := q.Dequeue()
	assert.Contains(t, string(got), "new")
}

func TestCoalesceReplacesPriority(t *testing.T) {
	q := newQueue(t, ModeCoalesceLatestByUid, DropOldest, 10, 1024)

	q.Enqueue(frame("u", 200, "was-high"))
	q.Enqueue(frame("v", 100, "mid"))
	q.Enqueue(frame("u", 10, "now-low"))

	// The replacement dropped u's priority below v's.
	got, _ := q.Dequeue()
	assert.Contains(t, string(got), "mid")
	got, _ = q.Dequeue()
	assert.Contains(t, string(got), "now-low")
}

func TestDropOldestPolicy(t *testing.T) {
	q := newQueue(t, ModeFifo, DropOldest, 2, 1024)

	q.Enqueue(frame("a", 0, "first"))
	q.Enqueue(frame("b", 0, "second"))
	report := q.Enqueue(frame("c", 0, "third"))

	assert.True(t, report.Accepted)
	assert.Equal(t, 1, report.DroppedMessages)
	assert.Equal(t, 2, q.Len())

	got, _ := q.Dequeue()
	assert.Contains(t, string(got), "second")
}

func TestDropNewestPolicy(t *testing.T) {
	q := newQueue(t, ModeFifo, DropNewest, 2, 1024)

	q.Enqueue(frame("a", 0, "first"))
	q.Enqueue(frame("b", 0, "second"))
	report := q.Enqueue(frame("c", 0, "third"))

	assert.False(t, report.Accepted)
	assert.Equal(t, 1, report.DroppedMessages)
	assert.Equal(t, 2, q.Len())
}

func TestShedByTypePolicy(t *testing.T) {
	q := newQueue(t, ModePriority, ShedByType, 2, 1024)

	q.Enqueue(frame("a", 50, "mid"))
	q.Enqueue(frame("b", 10, "low"))

	// High-priority incoming sheds the lowest class first.
	report := q.Enqueue(frame("c", 200, "high"))
	assert.True(t, report.Accepted)
	assert.Equal(t, 1, report.DroppedMessages)

	got, _ := q.Dequeue()
	assert.Contains(t, string(got), "high")
	got, _ = q.Dequeue()
	assert.Contains(t, string(got), "mid")

	// An incoming frame that is itself the lowest class is rejected.
	q.Enqueue(frame("d", 50, "mid-1"))
	q.Enqueue(frame("e", 50, "mid-2"))
	report = q.Enqueue(frame("f", 10, "lowest"))
	assert.False(t, report.Accepted)
}

func TestCoalesceOnOverloadConverts(t *testing.T) {
	q := newQueue(t, ModeFifo, CoalesceOnOverload, 3, 1024)

	q.Enqueue(frame("u1", 0, "a"))
	q.Enqueue(frame("u2", 0, "b"))
	q.Enqueue(frame("u1", 0, "c"))
	assert.Equal(t, ModeFifo, q.Mode())
	assert.Equal(t, 3, q.Len())

	// Overflow triggers transparent conversion: u1 collapses to its
	// newest frame and the incoming frame is admitted.
	report := q.Enqueue(frame("u3", 0, "d"))
	assert.True(t, report.Accepted)
	assert.Equal(t, ModeCoalesceLatestByUid, q.Mode())
	assert.Equal(t, 3, q.Len())

	seen := map[string]bool{}
	for {
		got, ok := q.Dequeue()
		if !ok {
			break
		}
		seen[string(got)] = true
	}
	assert.True(t, seen["u1|0|c"], "u1 keeps its newest frame")
	assert.False(t, seen["u1|0|a"])
	assert.True(t, seen["u3|0|d"])
}

func TestByteBound(t *testing.T) {
	q := newQueue(t, ModeFifo, DropOldest, 100, 20)

	q.Enqueue([]byte("0123456789"))      // 10 bytes
	report := q.Enqueue([]byte("0123456789AB")) // 12 bytes; 22 total > 20

	assert.True(t, report.Accepted)
	assert.Equal(t, 1, report.DroppedMessages)
	assert.Equal(t, 10, report.DroppedBytes)
	assert.LessOrEqual(t, q.Bytes(), 20)
}

func TestQueueConfigValidation(t *testing.T) {
	_, err := NewSendQueue(QueueConfig{MaxMessages: 0, MaxBytes: 10}, nil)
	require.Error(t, err)
	_, err = NewSendQueue(QueueConfig{MaxMessages: 10, MaxBytes: 0}, nil)
	require.Error(t, err)

	l := limits.ConservativeDefaults()
	q, err := NewSendQueue(DefaultQueueConfig(l), nil)
	require.NoError(t, err)
	assert.Equal(t, 0, q.Len())
}
