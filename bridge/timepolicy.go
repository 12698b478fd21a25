package bridge

import "time"

// ResolvedTimes are the CoT time fields produced by the time policy.
type ResolvedTimes struct {
	Time  time.Time
	Start time.Time
	Stale time.Time
}

// TimePolicy derives the CoT time from message and observed wall times.
type TimePolicy struct {
	mode    TimeMode
	maxSkew time.Duration
	stale   time.Duration
}

// NewTimePolicy builds the policy from configuration.
func NewTimePolicy(config Config) *TimePolicy {
	return &TimePolicy{
		mode:    config.TimeMode,
		maxSkew: time.Duration(config.MaxSkewSeconds) * time.Second,
		stale:   config.StaleDuration(),
	}
}

// Resolve produces time, start and stale. A zero message time falls back
// to the observed wall time in every mode.
func (p *TimePolicy) Resolve(messageTime, observedWall time.Time) ResolvedTimes {
	resolved := observedWall
	switch p.mode {
	case MessageTime:
		if !messageTime.IsZero() {
			resolved = messageTime
		}
	case ObservedTime:
		resolved = observedWall
	case ObservedWithSkewClamp:
		if !messageTime.IsZero() {
			resolved = clampToWindow(messageTime, observedWall, p.maxSkew)
		}
	}

	resolved = resolved.UTC()
	return ResolvedTimes{
		Time:  resolved,
		Start: resolved,
		Stale: resolved.Add(p.stale),
	}
}

// clampToWindow keeps the candidate within observed +/- maxSkew, clamped
// toward the candidate's side of the window.
func clampToWindow(candidate, observed time.Time, maxSkew time.Duration) time.Time {
	lower := observed.Add(-maxSkew)
	upper := observed.Add(maxSkew)
	if candidate.Before(lower) {
		return lower
	}
	if candidate.After(upper) {
		return upper
	}
	return candidate
}
