package application_test

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/ericfisherdev/mailgate/internal/application"
	"github.com/ericfisherdev/mailgate/internal/domain/model"
	"github.com/ericfisherdev/mailgate/internal/domain/port/driven"
)

// --- Cipher ---

// fakeCipher seals by prefixing and counting IVs; a tag other than "ok"
// fails authentication.
type fakeCipher struct {
	mu      sync.Mutex
	ivCount int
}

func (c *fakeCipher) Encrypt(plaintext string) (model.EncryptedField, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ivCount++
	return model.EncryptedField{
		Ciphertext: "enc:" + plaintext,
		IV:         fmt.Sprintf("iv-%d", c.ivCount),
		Tag:        "ok",
	}, nil
}

func (c *fakeCipher) Decrypt(f model.EncryptedField) (string, error) {
	if f.Tag != "ok" || !strings.HasPrefix(f.Ciphertext, "enc:") {
		return "", fmt.Errorf("open field: %w", driven.ErrIntegrity)
	}
	return strings.TrimPrefix(f.Ciphertext, "enc:"), nil
}

func (c *fakeCipher) KeyedHash(data, secret []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(data)
	return hex.EncodeToString(mac.Sum(nil))
}

func (c *fakeCipher) VerifyKeyedHash(data, secret []byte, digest string) bool {
	want, err := hex.DecodeString(digest)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, secret)
	mac.Write(data)
	return hmac.Equal(mac.Sum(nil), want)
}

// --- Audit store ---

type mockAuditStore struct {
	mu        sync.Mutex
	entries   []model.AuditEntry
	appendErr error

	// principals, when set, lists the ids a reference may point at.
	principals []model.PrincipalID
}

func (m *mockAuditStore) Append(_ context.Context, entry model.AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.appendErr != nil {
		return m.appendErr
	}
	if m.principals != nil && entry.PrincipalID != nil && !slices.Contains(m.principals, *entry.PrincipalID) {
		return driven.ErrPrincipalNotFound
	}
	m.entries = append(m.entries, entry)
	return nil
}

func (m *mockAuditStore) ListByPrincipal(_ context.Context, principal model.PrincipalID) ([]model.AuditEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.AuditEntry
	for _, e := range m.entries {
		if e.PrincipalID != nil && *e.PrincipalID == principal {
			out = append(out, e)
		}
	}
	return out, nil
}

func (m *mockAuditStore) all() []model.AuditEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.entries)
}

func (m *mockAuditStore) last() model.AuditEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.entries[len(m.entries)-1]
}

// --- Credential store ---

type mockCredentialStore struct {
	mu         sync.Mutex
	sets       map[model.PrincipalID]model.CredentialSet
	replaceErr error
	replaces   int
}

func newMockCredentialStore() *mockCredentialStore {
	return &mockCredentialStore{sets: make(map[model.PrincipalID]model.CredentialSet)}
}

func (m *mockCredentialStore) Replace(_ context.Context, set model.CredentialSet) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.replaceErr != nil {
		return m.replaceErr
	}
	m.replaces++
	m.sets[set.PrincipalID] = set
	return nil
}

func (m *mockCredentialStore) Update(_ context.Context, set model.CredentialSet) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sets[set.PrincipalID]; !ok {
		return driven.ErrCredentialsNotFound
	}
	m.sets[set.PrincipalID] = set
	return nil
}

func (m *mockCredentialStore) Get(_ context.Context, principal model.PrincipalID) (*model.CredentialSet, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	set, ok := m.sets[principal]
	if !ok {
		return nil, nil
	}
	return &set, nil
}

func (m *mockCredentialStore) Delete(_ context.Context, principal model.PrincipalID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.sets[principal]
	delete(m.sets, principal)
	return ok, nil
}

func (m *mockCredentialStore) IsValid(_ context.Context, principal model.PrincipalID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sets[principal].Valid, nil
}

func (m *mockCredentialStore) SetValidity(_ context.Context, principal model.PrincipalID, valid bool, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	set, ok := m.sets[principal]
	if !ok {
		return driven.ErrCredentialsNotFound
	}
	set.Valid = valid
	set.LastValidated = at
	m.sets[principal] = set
	return nil
}

func (m *mockCredentialStore) ListPrincipals(_ context.Context) ([]model.PrincipalID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ids []model.PrincipalID
	for id := range m.sets {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids, nil
}

// --- Identity provider ---

type mockIdentityProvider struct {
	mu sync.Mutex

	callerIdentity  func(creds model.Credentials) (*model.CallerIdentity, error)
	sendingEnabled  func(creds model.Credentials) (bool, error)
	listIdentities  func(creds model.Credentials) ([]string, error)
	createIdentity  func(creds model.Credentials, domain string) (*model.IdentityTokens, error)
	verificationFor func(creds model.Credentials, domain string) (*model.VerificationAttributes, error)
	deleteIdentity  func(creds model.Credentials, domain string) error

	calls []string
}

// newMockIdentityProvider returns a provider that accepts everything.
func newMockIdentityProvider() *mockIdentityProvider {
	return &mockIdentityProvider{
		callerIdentity: func(model.Credentials) (*model.CallerIdentity, error) {
			return &model.CallerIdentity{AccountID: "123456789012", UserID: "AIDA", ARN: "arn:aws:iam::123456789012:user/m"}, nil
		},
		sendingEnabled: func(model.Credentials) (bool, error) { return true, nil },
		listIdentities: func(model.Credentials) ([]string, error) { return []string{}, nil },
		createIdentity: func(model.Credentials, string) (*model.IdentityTokens, error) {
			return &model.IdentityTokens{OwnershipToken: "tok123", SigningTokens: []string{"a1", "a2"}}, nil
		},
		verificationFor: func(model.Credentials, string) (*model.VerificationAttributes, error) {
			return &model.VerificationAttributes{Pending: true, SigningTokens: []string{"a1", "a2"}}, nil
		},
		deleteIdentity: func(model.Credentials, string) error { return nil },
	}
}

func (m *mockIdentityProvider) record(call string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, call)
}

func (m *mockIdentityProvider) callsTo(op string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int
	for _, c := range m.calls {
		if c == op {
			n++
		}
	}
	return n
}

func (m *mockIdentityProvider) GetCallerIdentity(_ context.Context, creds model.Credentials) (*model.CallerIdentity, error) {
	m.record("GetCallerIdentity")
	return m.callerIdentity(creds)
}

func (m *mockIdentityProvider) CheckSendingEnabled(_ context.Context, creds model.Credentials) (bool, error) {
	m.record("CheckSendingEnabled")
	return m.sendingEnabled(creds)
}

func (m *mockIdentityProvider) ListIdentities(_ context.Context, creds model.Credentials) ([]string, error) {
	m.record("ListIdentities")
	return m.listIdentities(creds)
}

func (m *mockIdentityProvider) CreateIdentity(_ context.Context, creds model.Credentials, domain string) (*model.IdentityTokens, error) {
	m.record("CreateIdentity")
	return m.createIdentity(creds, domain)
}

func (m *mockIdentityProvider) GetVerificationStatus(_ context.Context, creds model.Credentials, domain string) (*model.VerificationAttributes, error) {
	m.record("GetVerificationStatus")
	return m.verificationFor(creds, domain)
}

func (m *mockIdentityProvider) DeleteIdentity(_ context.Context, creds model.Credentials, domain string) error {
	m.record("DeleteIdentity")
	return m.deleteIdentity(creds, domain)
}

// --- Domain store ---

type mockDomainStore struct {
	mu        sync.Mutex
	nextID    int64
	domains   map[int64]model.Domain
	records   map[int64][]model.DNSRecord
	createErr error
}

func newMockDomainStore() *mockDomainStore {
	return &mockDomainStore{
		domains: make(map[int64]model.Domain),
		records: make(map[int64][]model.DNSRecord),
	}
}

func (m *mockDomainStore) CreateWithRecords(_ context.Context, d model.Domain, records []model.DNSRecord) (*model.Domain, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.createErr != nil {
		return nil, m.createErr
	}
	for _, existing := range m.domains {
		if existing.PrincipalID == d.PrincipalID && existing.Name == d.Name {
			return nil, driven.ErrDomainExists
		}
	}
	m.nextID++
	d.ID = m.nextID
	d.DNSRecordsGenerated = true
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now()
	}
	m.domains[d.ID] = d
	m.records[d.ID] = slices.Clone(records)
	return &d, nil
}

// put stores d as-is, assigning an id.
func (m *mockDomainStore) put(d model.Domain) model.Domain {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	d.ID = m.nextID
	m.domains[d.ID] = d
	return d
}

func (m *mockDomainStore) GetByID(_ context.Context, id int64) (*model.Domain, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.domains[id]
	if !ok {
		return nil, nil
	}
	return &d, nil
}

func (m *mockDomainStore) GetByName(_ context.Context, principal model.PrincipalID, name string) (*model.Domain, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, d := range m.domains {
		if d.PrincipalID == principal && d.Name == name {
			return &d, nil
		}
	}
	return nil, nil
}

func (m *mockDomainStore) ListByPrincipal(_ context.Context, principal model.PrincipalID) ([]model.Domain, error) {
	return m.filter(func(d model.Domain) bool { return d.PrincipalID == principal }), nil
}

func (m *mockDomainStore) ListByStatus(_ context.Context, status model.VerificationStatus) ([]model.Domain, error) {
	return m.filter(func(d model.Domain) bool { return d.Status == status }), nil
}

func (m *mockDomainStore) filter(keep func(model.Domain) bool) []model.Domain {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []model.Domain{}
	for _, d := range m.domains {
		if keep(d) {
			out = append(out, d)
		}
	}
	slices.SortFunc(out, func(a, b model.Domain) int { return int(a.ID - b.ID) })
	return out
}

func (m *mockDomainStore) RecordVerification(_ context.Context, id int64, u model.VerificationUpdate) (*model.Domain, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.domains[id]
	if !ok {
		return nil, driven.ErrDomainNotFound
	}
	d.Status = u.Status
	d.VerificationAttempts++
	d.LastVerificationAttempt = u.AttemptedAt
	if u.Status == model.VerificationVerified && d.VerifiedAt.IsZero() {
		d.VerifiedAt = u.VerifiedAt
	}
	m.domains[id] = d
	return &d, nil
}

func (m *mockDomainStore) ExpirePending(_ context.Context, id int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.domains[id]
	if !ok || d.Status != model.VerificationPending {
		return false, nil
	}
	d.Status = model.VerificationExpired
	m.domains[id] = d
	return true, nil
}

func (m *mockDomainStore) ReplaceRecords(_ context.Context, id int64, tokens []string, records []model.DNSRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.domains[id]
	if !ok {
		return driven.ErrDomainNotFound
	}
	d.SigningTokens = slices.Clone(tokens)
	m.domains[id] = d
	m.records[id] = slices.Clone(records)
	return nil
}

func (m *mockDomainStore) ListRecords(_ context.Context, id int64) ([]model.DNSRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.records[id]), nil
}

func (m *mockDomainStore) Delete(_ context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.domains[id]; !ok {
		return driven.ErrDomainNotFound
	}
	delete(m.domains, id)
	delete(m.records, id)
	return nil
}

// --- Fixtures ---

var testSigningKey = []byte("audit-signing-key")

var goodCreds = model.Credentials{
	AccessKeyID:     "AKIAEXAMPLE",
	SecretAccessKey: "wJalrXUtnFEMI",
	Region:          "eu-west-1",
}

type vaultFixture struct {
	vault    *application.CredentialVault
	store    *mockCredentialStore
	audit    *mockAuditStore
	provider *mockIdentityProvider
	cipher   *fakeCipher
	auditor  *application.Auditor
}

func newVaultFixture() *vaultFixture {
	f := &vaultFixture{
		store:    newMockCredentialStore(),
		audit:    &mockAuditStore{},
		provider: newMockIdentityProvider(),
		cipher:   &fakeCipher{},
	}
	f.auditor = application.NewAuditor(f.audit, f.cipher, testSigningKey, nil)
	f.vault = application.NewCredentialVault(f.store, f.cipher, f.provider, f.auditor, nil)
	return f
}
