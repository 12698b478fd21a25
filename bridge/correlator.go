package bridge

import (
	"bufio"
	"container/list"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/Al2800/takrust/cot"
	"github.com/Al2800/takrust/errors"
)

// uidNamespace seeds deterministic UUID derivation so the same composite
// key always yields the same UID across runs and restarts.
var uidNamespace = uuid.MustParse("6ba7b810-9dad-11d1-80b4-00c04fd430c8")

// CorrelationInput is the SAPIENT identity tuple feeding UID assignment.
type CorrelationInput struct {
	NodeID      string
	ObjectID    string
	DetectionID string
}

type correlationEntry struct {
	key      string
	uid      cot.Uid
	lastSeen time.Duration // monotonic offset of last observation
}

// Correlator maps SAPIENT identities onto stable CoT UIDs per the UID
// policy. It keeps an LRU cache with TTL eviction; an evicted key's next
// observation allocates a fresh UID. With a persistence path configured,
// bindings are journaled so UIDs survive restart.
//
// The correlator is owned by the bridge pipeline task; it is not
// goroutine-safe.
type Correlator struct {
	config  Config
	entries map[string]*list.Element
	order   *list.List // front = most recently used
	journal *os.File
}

// NewCorrelator builds the correlator, loading any persisted bindings.
func NewCorrelator(config Config) (*Correlator, error) {
	c := &Correlator{
		config:  config,
		entries: make(map[string]*list.Element),
		order:   list.New(),
	}

	if config.PersistencePath == "" {
		return c, nil
	}

	if err := c.loadJournal(); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(config.PersistencePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, errors.WrapFatal(
			fmt.Errorf("%v: %w", err, errors.ErrPersistenceFailed),
			"correlator", "NewCorrelator", "journal open")
	}
	c.journal = f
	return c, nil
}

func (c *Correlator) loadJournal() error {
	f, err := os.Open(c.config.PersistencePath)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return errors.WrapFatal(
			fmt.Errorf("%v: %w", err, errors.ErrPersistenceFailed),
			"correlator", "loadJournal", "journal read")
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		key, uid, ok := strings.Cut(scanner.Text(), "\t")
		if !ok {
			continue
		}
		c.insert(key, cot.Uid(uid), 0)
	}
	return scanner.Err()
}

// Correlate resolves the UID for an identity tuple observed at the given
// monotonic offset.
func (c *Correlator) Correlate(in CorrelationInput, observedAt time.Duration) (cot.Uid, error) {
	if in.NodeID == "" {
		return "", fmt.Errorf("bridge: node_id must not be empty: %w", errors.ErrInvalidConfig)
	}

	key, err := c.compositeKey(in)
	if err != nil {
		return "", err
	}

	c.evictExpired(observedAt)

	if el, ok := c.entries[key]; ok {
		entry := el.Value.(*correlationEntry)
		entry.lastSeen = observedAt
		c.order.MoveToFront(el)
		return entry.uid, nil
	}

	uid, err := c.allocate(key, in)
	if err != nil {
		return "", err
	}
	c.insert(key, uid, observedAt)
	if c.journal != nil {
		if _, err := fmt.Fprintf(c.journal, "%s\t%s\n", key, uid); err != nil {
			return "", errors.WrapTransient(
				fmt.Errorf("%v: %w", err, errors.ErrPersistenceFailed),
				"correlator", "Correlate", "journal append")
		}
	}
	return uid, nil
}

func (c *Correlator) compositeKey(in CorrelationInput) (string, error) {
	switch c.config.UidPolicy {
	case StablePerObject:
		if in.ObjectID == "" {
			return "", fmt.Errorf("bridge: object_id required for stable_per_object: %w", errors.ErrInvalidConfig)
		}
		return in.NodeID + "\x1f" + in.ObjectID, nil
	case StablePerDetection:
		if in.DetectionID == "" {
			return "", fmt.Errorf("bridge: detection_id required for stable_per_detection: %w", errors.ErrInvalidConfig)
		}
		return in.NodeID + "\x1f" + in.ObjectID + "\x1f" + in.DetectionID, nil
	default: // CustomUid validated at startup
		return in.NodeID + "\x1f" + in.ObjectID + "\x1f" + in.DetectionID, nil
	}
}

// allocate derives the UID deterministically from the composite key so
// identical inputs always produce identical UIDs.
func (c *Correlator) allocate(key string, in CorrelationInput) (cot.Uid, error) {
	if c.config.UidPolicy == CustomUid {
		return cot.NewUid(c.config.CustomUidFunc(in.NodeID, in.ObjectID, in.DetectionID))
	}
	derived := uuid.NewSHA1(uidNamespace, []byte(key))
	return cot.NewUid(c.config.UidPrefix + "-" + derived.String())
}

func (c *Correlator) insert(key string, uid cot.Uid, observedAt time.Duration) {
	entry := &correlationEntry{key: key, uid: uid, lastSeen: observedAt}
	el := c.order.PushFront(entry)
	c.entries[key] = el
	c.enforceCapacity()
}

// evictExpired drops entries idle past the cache TTL.
func (c *Correlator) evictExpired(now time.Duration) {
	ttl := c.config.CacheTTL()
	for el := c.order.Back(); el != nil; {
		entry := el.Value.(*correlationEntry)
		if now-entry.lastSeen <= ttl {
			break
		}
		prev := el.Prev()
		c.order.Remove(el)
		delete(c.entries, entry.key)
		el = prev
	}
}

// enforceCapacity caps the cache at the queue-message limit; the least
// recently used binding is dropped first.
func (c *Correlator) enforceCapacity() {
	for c.order.Len() > c.config.Limits.MaxQueueMessages {
		el := c.order.Back()
		entry := el.Value.(*correlationEntry)
		c.order.Remove(el)
		delete(c.entries, entry.key)
	}
}

// Len returns the number of live bindings.
func (c *Correlator) Len() int { return c.order.Len() }

// Close releases the journal handle.
func (c *Correlator) Close() error {
	if c.journal != nil {
		return c.journal.Close()
	}
	return nil
}
