package application

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ericfisherdev/mailgate/internal/domain/model"
	"github.com/ericfisherdev/mailgate/internal/domain/port/driven"
	"github.com/ericfisherdev/mailgate/internal/metrics"
)

// Verifier is the part of DomainEngine the scheduler drives.
type Verifier interface {
	CheckVerification(ctx context.Context, principal model.PrincipalID, domainID int64) (*model.Domain, error)
	ExpireDomain(ctx context.Context, domain model.Domain) (bool, error)
}

// Revalidator is the part of CredentialVault the scheduler drives.
type Revalidator interface {
	Revalidate(ctx context.Context, principal model.PrincipalID) (model.ValidationResult, error)
}

// PrincipalLister lists principals that have stored credentials.
type PrincipalLister interface {
	ListPrincipals(ctx context.Context) ([]model.PrincipalID, error)
}

// SchedulerConfig controls the verification scheduler.
type SchedulerConfig struct {
	Interval           time.Duration // Sweep period.
	Concurrency        int           // Maximum concurrent checks per sweep.
	CheckTimeout       time.Duration // Caller-level timeout for one check, provider retries included.
	Expiry             time.Duration // Pending domains older than this expire. 0 disables.
	RevalidateInterval time.Duration // Credential revalidation period. 0 disables.
}

// refreshRequest represents a manual check trigger.
type refreshRequest struct {
	domainID int64
	done     chan error
}

// VerificationScheduler periodically checks pending domains, expires the
// ones that never verified, and revalidates stored credentials.
type VerificationScheduler struct {
	verifier    Verifier
	domains     driven.DomainStore
	revalidator Revalidator
	principals  PrincipalLister
	cfg         SchedulerConfig
	metrics     *metrics.Metrics
	now         func() time.Time
	refreshCh   chan refreshRequest

	mu             sync.Mutex
	schedules      map[int64]*domainSchedule
	lastRevalidate time.Time
}

// NewVerificationScheduler creates a scheduler with all required dependencies.
func NewVerificationScheduler(
	verifier Verifier,
	domains driven.DomainStore,
	revalidator Revalidator,
	principals PrincipalLister,
	cfg SchedulerConfig,
	m *metrics.Metrics,
) *VerificationScheduler {
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	return &VerificationScheduler{
		verifier:    verifier,
		domains:     domains,
		revalidator: revalidator,
		principals:  principals,
		cfg:         cfg,
		metrics:     m,
		now:         time.Now,
		refreshCh:   make(chan refreshRequest),
		schedules:   make(map[int64]*domainSchedule),
	}
}

// Start runs an immediate sweep, then sweeps on the configured interval while
// serving manual refresh requests. Start blocks until ctx is canceled.
func (s *VerificationScheduler) Start(ctx context.Context) {
	if err := s.RunOnce(ctx); err != nil {
		slog.Error("initial verification sweep failed", "error", err)
	}

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("verification scheduler stopped")
			return
		case <-ticker.C:
			if err := s.RunOnce(ctx); err != nil {
				slog.Error("verification sweep failed", "error", err)
			}
		case req := <-s.refreshCh:
			req.done <- s.handleRefresh(ctx, req)
		}
	}
}

// Refresh checks one domain immediately, bypassing its schedule. It blocks
// until the check completes or ctx is canceled.
func (s *VerificationScheduler) Refresh(ctx context.Context, domainID int64) error {
	done := make(chan error, 1)
	req := refreshRequest{domainID: domainID, done: done}

	select {
	case s.refreshCh <- req:
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RunOnce performs one sweep: expire overdue pending domains, check the ones
// that are due, then revalidate credentials if that is due. Individual check
// failures are logged, not returned.
func (s *VerificationScheduler) RunOnce(ctx context.Context) error {
	start := s.now()

	pending, err := s.domains.ListByStatus(ctx, model.VerificationPending)
	if err != nil {
		return fmt.Errorf("list pending domains: %w", err)
	}
	s.metrics.SetPending(len(pending))
	s.forgetSettled(pending)

	var g errgroup.Group
	g.SetLimit(s.cfg.Concurrency)

	var mu sync.Mutex
	var checked, expired, failed int

	for _, d := range pending {
		if ctx.Err() != nil {
			break
		}

		if isExpired(d, s.cfg.Expiry, start) {
			if changed, err := s.verifier.ExpireDomain(ctx, d); err != nil {
				slog.Error("expire domain failed", "domain", d.Name, "domain_id", d.ID, "error", err)
			} else if changed {
				expired++
			}
			continue
		}

		if !s.isDue(d, start) {
			continue
		}

		g.Go(func() error {
			err := s.check(ctx, d)
			mu.Lock()
			checked++
			if err != nil {
				failed++
			}
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	slog.Info("verification sweep complete",
		"pending", len(pending),
		"checked", checked,
		"failed", failed,
		"expired", expired,
		"duration", s.now().Sub(start).Round(time.Millisecond),
	)

	s.maybeRevalidate(ctx, start)
	return ctx.Err()
}

// check runs one verification check under the caller-level timeout.
// Transient provider errors are retried inside the check, which counts as a
// single attempt.
func (s *VerificationScheduler) check(ctx context.Context, d model.Domain) error {
	if s.cfg.CheckTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.CheckTimeout)
		defer cancel()
	}

	updated, err := s.verifier.CheckVerification(ctx, d.PrincipalID, d.ID)
	s.markChecked(d)

	if err != nil {
		slog.Error("verification check failed", "domain", d.Name, "domain_id", d.ID, "error", err)
		return err
	}

	slog.Debug("domain checked",
		"domain", d.Name,
		"status", string(updated.Status),
		"attempts", updated.VerificationAttempts,
	)
	return nil
}

// isDue reports whether the domain's next check time has passed. Domains the
// scheduler has not seen yet are always due.
func (s *VerificationScheduler) isDue(d model.Domain, now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	sched, ok := s.schedules[d.ID]
	return !ok || !now.Before(sched.nextCheckAt)
}

func (s *VerificationScheduler) markChecked(d model.Domain) {
	now := s.now()
	tier := classifyAge(d.CreatedAt, now)

	s.mu.Lock()
	defer s.mu.Unlock()

	s.schedules[d.ID] = &domainSchedule{
		tier:        tier,
		nextCheckAt: now.Add(tierInterval(tier)),
		lastChecked: now,
	}
}

// forgetSettled drops schedules of domains that are no longer pending.
func (s *VerificationScheduler) forgetSettled(pending []model.Domain) {
	keep := make(map[int64]bool, len(pending))
	for _, d := range pending {
		keep[d.ID] = true
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for id := range s.schedules {
		if !keep[id] {
			delete(s.schedules, id)
		}
	}
}

// Schedule returns the check schedule of a domain, if it has one.
func (s *VerificationScheduler) Schedule(domainID int64) (ScheduleInfo, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sched, ok := s.schedules[domainID]
	if !ok {
		return ScheduleInfo{}, false
	}
	return ScheduleInfo{
		Tier:        sched.tier,
		NextCheckAt: sched.nextCheckAt,
		LastChecked: sched.lastChecked,
	}, true
}

func (s *VerificationScheduler) maybeRevalidate(ctx context.Context, now time.Time) {
	if s.cfg.RevalidateInterval <= 0 || s.revalidator == nil || s.principals == nil {
		return
	}

	s.mu.Lock()
	due := s.lastRevalidate.IsZero() || now.Sub(s.lastRevalidate) >= s.cfg.RevalidateInterval
	if due {
		s.lastRevalidate = now
	}
	s.mu.Unlock()
	if !due {
		return
	}

	principals, err := s.principals.ListPrincipals(ctx)
	if err != nil {
		slog.Error("list principals for revalidation failed", "error", err)
		return
	}

	var invalid int
	for _, p := range principals {
		if ctx.Err() != nil {
			return
		}
		result, err := s.revalidator.Revalidate(ctx, p)
		switch {
		case errors.Is(err, driven.ErrCredentialsNotFound):
			continue
		case err != nil:
			slog.Error("revalidate credentials failed", "principal_id", int64(p), "error", err)
		case !result.Valid:
			invalid++
		}
	}

	slog.Info("credential revalidation complete", "principals", len(principals), "invalid", invalid)
}

// handleRefresh checks a single domain immediately.
func (s *VerificationScheduler) handleRefresh(ctx context.Context, req refreshRequest) error {
	d, err := s.domains.GetByID(ctx, req.domainID)
	if err != nil {
		return fmt.Errorf("load domain %d: %w", req.domainID, err)
	}
	if d == nil {
		return fmt.Errorf("domain %d: %w", req.domainID, driven.ErrDomainNotFound)
	}
	return s.check(ctx, *d)
}
