package application_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ericfisherdev/mailgate/internal/application"
	"github.com/ericfisherdev/mailgate/internal/domain/model"
	"github.com/ericfisherdev/mailgate/internal/domain/port/driven"
)

// mockVerifier counts checks per domain. errs, when set, is consumed one
// error per call before checks start succeeding.
type mockVerifier struct {
	mu      sync.Mutex
	checks  map[int64]int
	expired []int64
	errs    []error
	store   *mockDomainStore
}

func newMockVerifier(store *mockDomainStore) *mockVerifier {
	return &mockVerifier{checks: make(map[int64]int), store: store}
}

func (m *mockVerifier) CheckVerification(ctx context.Context, _ model.PrincipalID, domainID int64) (*model.Domain, error) {
	m.mu.Lock()
	m.checks[domainID]++
	var err error
	if len(m.errs) > 0 {
		err, m.errs = m.errs[0], m.errs[1:]
	}
	m.mu.Unlock()

	if err != nil {
		return nil, err
	}
	return m.store.GetByID(ctx, domainID)
}

func (m *mockVerifier) ExpireDomain(ctx context.Context, d model.Domain) (bool, error) {
	m.mu.Lock()
	m.expired = append(m.expired, d.ID)
	m.mu.Unlock()
	return m.store.ExpirePending(ctx, d.ID)
}

func (m *mockVerifier) checksFor(id int64) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.checks[id]
}

type mockRevalidator struct {
	mu      sync.Mutex
	calls   []model.PrincipalID
	missing map[model.PrincipalID]bool
}

func (m *mockRevalidator) Revalidate(_ context.Context, p model.PrincipalID) (model.ValidationResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, p)
	if m.missing[p] {
		return model.ValidationResult{}, driven.ErrCredentialsNotFound
	}
	return model.ValidationResult{Valid: true}, nil
}

type staticPrincipals []model.PrincipalID

func (s staticPrincipals) ListPrincipals(context.Context) ([]model.PrincipalID, error) {
	return s, nil
}

func pendingDomain(principal model.PrincipalID, name string, age time.Duration) model.Domain {
	return model.Domain{
		PrincipalID: principal,
		Name:        name,
		Status:      model.VerificationPending,
		IdentityRef: name,
		CreatedAt:   time.Now().Add(-age),
	}
}

func testSchedulerConfig() application.SchedulerConfig {
	return application.SchedulerConfig{
		Interval:     time.Hour,
		Concurrency:  4,
		CheckTimeout: time.Second,
		Expiry:       72 * time.Hour,
	}
}

func TestScheduler_RunOnceChecksDueDomains(t *testing.T) {
	store := newMockDomainStore()
	a := store.put(pendingDomain(1, "a.example", 10*time.Minute))
	b := store.put(pendingDomain(1, "b.example", 30*time.Hour))
	verified := pendingDomain(1, "done.example", time.Minute)
	verified.Status = model.VerificationVerified
	v := store.put(verified)

	verifier := newMockVerifier(store)
	s := application.NewVerificationScheduler(verifier, store, nil, nil, testSchedulerConfig(), nil)

	require.NoError(t, s.RunOnce(context.Background()))

	assert.Equal(t, 1, verifier.checksFor(a.ID))
	assert.Equal(t, 1, verifier.checksFor(b.ID))
	assert.Zero(t, verifier.checksFor(v.ID), "only pending domains are checked")

	info, ok := s.Schedule(a.ID)
	require.True(t, ok)
	assert.Equal(t, application.TierFresh, info.Tier)
	assert.True(t, info.NextCheckAt.After(info.LastChecked))

	info, ok = s.Schedule(b.ID)
	require.True(t, ok)
	assert.Equal(t, application.TierAging, info.Tier)

	// Nothing is due yet on an immediate second sweep.
	require.NoError(t, s.RunOnce(context.Background()))
	assert.Equal(t, 1, verifier.checksFor(a.ID))
	assert.Equal(t, 1, verifier.checksFor(b.ID))
}

func TestScheduler_RunOnceForgetsSettledDomains(t *testing.T) {
	store := newMockDomainStore()
	d := store.put(pendingDomain(1, "a.example", time.Minute))

	s := application.NewVerificationScheduler(newMockVerifier(store), store, nil, nil, testSchedulerConfig(), nil)
	require.NoError(t, s.RunOnce(context.Background()))
	_, ok := s.Schedule(d.ID)
	require.True(t, ok)

	_, err := store.RecordVerification(context.Background(), d.ID, model.VerificationUpdate{
		Status:      model.VerificationVerified,
		AttemptedAt: time.Now(),
		VerifiedAt:  time.Now(),
	})
	require.NoError(t, err)

	require.NoError(t, s.RunOnce(context.Background()))
	_, ok = s.Schedule(d.ID)
	assert.False(t, ok)
}

func TestScheduler_RunOnceExpiresOldPendingDomains(t *testing.T) {
	store := newMockDomainStore()
	old := store.put(pendingDomain(1, "old.example", 80*time.Hour))
	fresh := store.put(pendingDomain(1, "fresh.example", time.Hour))

	verifier := newMockVerifier(store)
	s := application.NewVerificationScheduler(verifier, store, nil, nil, testSchedulerConfig(), nil)

	require.NoError(t, s.RunOnce(context.Background()))

	assert.Equal(t, []int64{old.ID}, verifier.expired)
	assert.Zero(t, verifier.checksFor(old.ID), "expired domains are not checked")
	assert.Equal(t, model.VerificationExpired, store.domains[old.ID].Status)
	assert.Equal(t, 1, verifier.checksFor(fresh.ID))
}

func TestScheduler_FailedCheckAdvancesSchedule(t *testing.T) {
	tests := []struct {
		name string
		err  error
	}{
		{"transient", &driven.ProviderError{Op: "GetVerificationStatus", Code: "Throttling", Retryable: true}},
		{"permanent", &driven.ProviderError{Op: "GetVerificationStatus", Code: "AccessDenied"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newMockDomainStore()
			d := store.put(pendingDomain(1, "a.example", time.Minute))

			verifier := newMockVerifier(store)
			verifier.errs = []error{tt.err}

			s := application.NewVerificationScheduler(verifier, store, nil, nil, testSchedulerConfig(), nil)
			require.NoError(t, s.RunOnce(context.Background()))

			assert.Equal(t, 1, verifier.checksFor(d.ID), "one check per sweep")
			_, ok := s.Schedule(d.ID)
			assert.True(t, ok, "a failed check still moves the schedule forward")
		})
	}
}

func TestScheduler_ThrottledCheckCountsOneAttempt(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()

	d, err := f.engine.AddDomain(ctx, 1, "example.com")
	require.NoError(t, err)

	var throttled int
	f.provider.verificationFor = func(model.Credentials, string) (*model.VerificationAttributes, error) {
		if throttled < 3 {
			throttled++
			return nil, &driven.ProviderError{Op: "GetVerificationStatus", Code: "Throttling", Retryable: true}
		}
		return &model.VerificationAttributes{Pending: true, SigningTokens: []string{"a1", "a2"}}, nil
	}
	accessBefore := countActions(f.audit.all(), model.AuditAccess)

	s := application.NewVerificationScheduler(f.engine, f.domains, nil, nil, testSchedulerConfig(), nil)
	require.NoError(t, s.RunOnce(ctx))

	assert.Equal(t, 4, f.provider.callsTo("GetVerificationStatus"))
	assert.Equal(t, 1, f.domains.domains[d.ID].VerificationAttempts)
	assert.Equal(t, accessBefore+1, countActions(f.audit.all(), model.AuditAccess), "credentials are decrypted once per check")
}

func countActions(entries []model.AuditEntry, action model.AuditAction) int {
	var n int
	for _, e := range entries {
		if e.Action == action {
			n++
		}
	}
	return n
}

func TestScheduler_RevalidatesPrincipals(t *testing.T) {
	store := newMockDomainStore()
	revalidator := &mockRevalidator{missing: map[model.PrincipalID]bool{2: true}}

	cfg := testSchedulerConfig()
	cfg.RevalidateInterval = time.Hour

	s := application.NewVerificationScheduler(newMockVerifier(store), store, revalidator, staticPrincipals{1, 2, 3}, cfg, nil)

	require.NoError(t, s.RunOnce(context.Background()))
	assert.Equal(t, []model.PrincipalID{1, 2, 3}, revalidator.calls)

	// Not due again within the interval.
	require.NoError(t, s.RunOnce(context.Background()))
	assert.Len(t, revalidator.calls, 3)
}

func TestScheduler_RevalidationDisabled(t *testing.T) {
	store := newMockDomainStore()
	revalidator := &mockRevalidator{}

	s := application.NewVerificationScheduler(newMockVerifier(store), store, revalidator, staticPrincipals{1}, testSchedulerConfig(), nil)
	require.NoError(t, s.RunOnce(context.Background()))

	assert.Empty(t, revalidator.calls)
}

func TestScheduler_RunOnceCanceled(t *testing.T) {
	store := newMockDomainStore()
	d := store.put(pendingDomain(1, "a.example", time.Minute))
	verifier := newMockVerifier(store)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	s := application.NewVerificationScheduler(verifier, store, nil, nil, testSchedulerConfig(), nil)
	err := s.RunOnce(ctx)

	assert.True(t, errors.Is(err, context.Canceled))
	assert.Zero(t, verifier.checksFor(d.ID))
}

func TestScheduler_Refresh(t *testing.T) {
	store := newMockDomainStore()
	d := store.put(pendingDomain(1, "a.example", time.Minute))
	verifier := newMockVerifier(store)

	s := application.NewVerificationScheduler(verifier, store, nil, nil, testSchedulerConfig(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Start(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	// The domain was just checked by the initial sweep, so it is not due;
	// Refresh bypasses the schedule.
	require.NoError(t, s.Refresh(ctx, d.ID))
	assert.Equal(t, 2, verifier.checksFor(d.ID))

	err := s.Refresh(ctx, d.ID+100)
	assert.ErrorIs(t, err, driven.ErrDomainNotFound)
}

func TestScheduler_RefreshCanceled(t *testing.T) {
	store := newMockDomainStore()
	s := application.NewVerificationScheduler(newMockVerifier(store), store, nil, nil, testSchedulerConfig(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.ErrorIs(t, s.Refresh(ctx, 1), context.Canceled)
}
