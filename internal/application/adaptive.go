package application

import (
	"time"

	"github.com/ericfisherdev/mailgate/internal/domain/model"
)

// AgeTier classifies a pending domain by how long ago it was registered.
// DNS changes usually land within minutes, so young domains are checked
// often and old ones rarely.
type AgeTier int

const (
	// TierFresh is a domain registered within the last hour. Checked every minute.
	TierFresh AgeTier = iota
	// TierRecent is a domain registered within the last day. Checked every 5 minutes.
	TierRecent
	// TierAging is a domain registered within the last 3 days. Checked every 15 minutes.
	TierAging
	// TierStale is anything older. Checked every 30 minutes.
	TierStale
)

// Check intervals per age tier.
const (
	intervalFresh  = 1 * time.Minute
	intervalRecent = 5 * time.Minute
	intervalAging  = 15 * time.Minute
	intervalStale  = 30 * time.Minute
)

// String returns a human-readable name for the age tier.
func (t AgeTier) String() string {
	switch t {
	case TierFresh:
		return "fresh"
	case TierRecent:
		return "recent"
	case TierAging:
		return "aging"
	case TierStale:
		return "stale"
	default:
		return "unknown"
	}
}

// tierInterval returns the check interval for the given age tier.
func tierInterval(tier AgeTier) time.Duration {
	switch tier {
	case TierFresh:
		return intervalFresh
	case TierRecent:
		return intervalRecent
	case TierAging:
		return intervalAging
	case TierStale:
		return intervalStale
	default:
		return intervalRecent
	}
}

// classifyAge determines the tier from the registration time. A zero-value
// time is treated as TierStale.
func classifyAge(createdAt, now time.Time) AgeTier {
	if createdAt.IsZero() {
		return TierStale
	}

	age := now.Sub(createdAt)

	switch {
	case age < 1*time.Hour:
		return TierFresh
	case age < 24*time.Hour:
		return TierRecent
	case age < 3*24*time.Hour:
		return TierAging
	default:
		return TierStale
	}
}

// domainSchedule tracks per-domain check state.
type domainSchedule struct {
	tier        AgeTier
	nextCheckAt time.Time
	lastChecked time.Time
}

// ScheduleInfo is an exported view of a domain's check schedule, used for
// observability and testing.
type ScheduleInfo struct {
	Tier        AgeTier
	NextCheckAt time.Time
	LastChecked time.Time
}

// isExpired reports whether a pending domain has outlived the verification
// window. A non-positive window disables expiry.
func isExpired(d model.Domain, window time.Duration, now time.Time) bool {
	if window <= 0 || d.CreatedAt.IsZero() {
		return false
	}
	return now.Sub(d.CreatedAt) > window
}
