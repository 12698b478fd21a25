package wire

import (
	"sort"
	"time"
)

// MeshConfig governs mesh-mode version advertisement and contact aging.
type MeshConfig struct {
	// TakControlInterval is how often the node advertises its version
	// window.
	TakControlInterval time.Duration
	// ContactStaleAfter ages a contact out of the intersection window.
	ContactStaleAfter time.Duration
	// AllowLegacyFallback permits the legacy XML mesh form when no
	// common binary version exists.
	AllowLegacyFallback bool
	// MinVersion and MaxVersion are this node's supported window.
	MinVersion ProtocolVersion
	MaxVersion ProtocolVersion
}

// DefaultMeshConfig returns the standard advertisement cadence.
func DefaultMeshConfig() MeshConfig {
	return MeshConfig{
		TakControlInterval:  60 * time.Second,
		ContactStaleAfter:   5 * time.Minute,
		AllowLegacyFallback: true,
		MinVersion:          VersionV1,
		MaxVersion:          VersionV1,
	}
}

type meshContact struct {
	minV, maxV ProtocolVersion
	lastSeen   time.Time
}

// MeshDecision is the outgoing mesh format choice for the current
// contact population.
type MeshDecision struct {
	// UseLegacy selects the legacy XML mesh form.
	UseLegacy bool
	// Version is the binary version to emit when UseLegacy is false.
	Version ProtocolVersion
}

// ContactTable tracks per-peer supported version windows observed from
// mesh TakControl advertisements. It is owned by the mesh sender task.
type ContactTable struct {
	config   MeshConfig
	contacts map[string]meshContact
}

// NewContactTable builds an empty table.
func NewContactTable(config MeshConfig) *ContactTable {
	return &ContactTable{config: config, contacts: make(map[string]meshContact)}
}

// Observe records a peer advertisement.
func (ct *ContactTable) Observe(peerUID string, minV, maxV ProtocolVersion, at time.Time) {
	if maxV < minV {
		return
	}
	ct.contacts[peerUID] = meshContact{minV: minV, maxV: maxV, lastSeen: at}
}

// Contacts returns the non-stale peer UIDs in sorted order.
func (ct *ContactTable) Contacts(now time.Time) []string {
	var out []string
	for uid, c := range ct.contacts {
		if now.Sub(c.lastSeen) <= ct.config.ContactStaleAfter {
			out = append(out, uid)
		}
	}
	sort.Strings(out)
	return out
}

// Prune drops stale contacts.
func (ct *ContactTable) Prune(now time.Time) {
	for uid, c := range ct.contacts {
		if now.Sub(c.lastSeen) > ct.config.ContactStaleAfter {
			delete(ct.contacts, uid)
		}
	}
}

// Decide picks the outgoing mesh version: the highest version supported
// by all non-stale contacts. An empty intersection falls back to the
// lowest common version, or the legacy XML mesh form if policy allows.
// With no contacts at all, the node emits its own maximum.
func (ct *ContactTable) Decide(now time.Time) MeshDecision {
	lo := ct.config.MinVersion
	hi := ct.config.MaxVersion
	any := false

	for _, c := range ct.contacts {
		if now.Sub(c.lastSeen) > ct.config.ContactStaleAfter {
			continue
		}
		any = true
		if c.minV > lo {
			lo = c.minV
		}
		if c.maxV < hi {
			hi = c.maxV
		}
	}

	if !any || lo <= hi {
		return MeshDecision{Version: hi}
	}

	// Empty intersection: find the lowest version any contact shares
	// with us.
	lowest := ProtocolVersion(0)
	for _, c := range ct.contacts {
		if now.Sub(c.lastSeen) > ct.config.ContactStaleAfter {
			continue
		}
		if c.minV <= ct.config.MaxVersion && c.maxV >= ct.config.MinVersion {
			v := c.maxV
			if v > ct.config.MaxVersion {
				v = ct.config.MaxVersion
			}
			if lowest == 0 || v < lowest {
				lowest = v
			}
		}
	}
	if lowest != 0 {
		return MeshDecision{Version: lowest}
	}
	if ct.config.AllowLegacyFallback {
		return MeshDecision{UseLegacy: true}
	}
	return MeshDecision{Version: ct.config.MinVersion}
}
