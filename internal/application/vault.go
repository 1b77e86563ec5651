package application

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ericfisherdev/mailgate/internal/domain/model"
	"github.com/ericfisherdev/mailgate/internal/domain/port/driven"
	"github.com/ericfisherdev/mailgate/internal/metrics"
)

// ErrInvalidCredentials matches every *InvalidCredentialsError.
var ErrInvalidCredentials = errors.New("invalid credentials")

// InvalidCredentialsError is returned when credentials fail validation. They
// are never persisted.
type InvalidCredentialsError struct {
	Result model.ValidationResult
}

func (e *InvalidCredentialsError) Error() string {
	return fmt.Sprintf("invalid credentials: %s: %s", e.Result.Failure, e.Result.Reason)
}

// Is reports whether target is ErrInvalidCredentials.
func (e *InvalidCredentialsError) Is(target error) bool {
	return target == ErrInvalidCredentials
}

// CredentialVault stores principals' provider credentials encrypted at rest.
// Credentials are validated against the provider before every write and are
// decrypted only for the duration of a single call.
type CredentialVault struct {
	store   driven.CredentialStore
	cipher  driven.Cipher
	checker driven.IdentityChecker
	auditor *Auditor
	metrics *metrics.Metrics
	now     func() time.Time
}

// NewCredentialVault creates a CredentialVault with all required dependencies.
func NewCredentialVault(
	store driven.CredentialStore,
	cipher driven.Cipher,
	checker driven.IdentityChecker,
	auditor *Auditor,
	m *metrics.Metrics,
) *CredentialVault {
	return &CredentialVault{
		store:   store,
		cipher:  cipher,
		checker: checker,
		auditor: auditor,
		metrics: m,
		now:     time.Now,
	}
}

// Validate checks creds against the provider: first the identity call, then
// the sending-service permission probes. Failures are reported in the result,
// never as an error.
func (v *CredentialVault) Validate(ctx context.Context, creds model.Credentials) model.ValidationResult {
	if creds.AccessKeyID == "" || creds.SecretAccessKey == "" || creds.Region == "" {
		return model.ValidationResult{
			Failure: model.FailureMalformed,
			Reason:  "access key id, secret access key and region are required",
		}
	}

	identity, err := v.checker.GetCallerIdentity(ctx, creds)
	if err != nil {
		return failedValidation(model.FailureInvalidIdentity, err)
	}

	result := model.ValidationResult{Identity: identity}

	enabled, err := v.checker.CheckSendingEnabled(ctx, creds)
	if err != nil {
		return withIdentity(failedValidation(model.FailureMissingPermission, err), identity)
	}
	result.SendingEnabled = enabled

	identities, err := v.checker.ListIdentities(ctx, creds)
	if err != nil {
		return withIdentity(failedValidation(model.FailureMissingPermission, err), identity)
	}
	result.IdentityCount = len(identities)

	result.Valid = true
	return result
}

// failedValidation builds a failed result. Retryable provider errors mean the
// provider could not answer, which says nothing about the credentials.
func failedValidation(failure model.ValidationFailure, err error) model.ValidationResult {
	if driven.IsRetryable(err) {
		failure = model.FailureProviderUnavailable
	}
	return model.ValidationResult{Failure: failure, Reason: err.Error()}
}

func withIdentity(r model.ValidationResult, id *model.CallerIdentity) model.ValidationResult {
	r.Identity = id
	return r
}

// Store validates creds and, if they pass, replaces any credential set the
// principal already has.
func (v *CredentialVault) Store(ctx context.Context, principal model.PrincipalID, creds model.Credentials) (err error) {
	defer func() { v.metrics.VaultOp("store", err) }()
	return v.write(ctx, principal, creds, model.AuditCreate, v.store.Replace)
}

// Update validates creds and overwrites the principal's existing credential
// set in place. It returns driven.ErrCredentialsNotFound if there is none.
func (v *CredentialVault) Update(ctx context.Context, principal model.PrincipalID, creds model.Credentials) (err error) {
	defer func() { v.metrics.VaultOp("update", err) }()
	return v.write(ctx, principal, creds, model.AuditUpdate, v.store.Update)
}

func (v *CredentialVault) write(
	ctx context.Context,
	principal model.PrincipalID,
	creds model.Credentials,
	action model.AuditAction,
	persist func(context.Context, model.CredentialSet) error,
) error {
	result := v.Validate(ctx, creds)
	if !result.Valid {
		v.audit(ctx, principal, action, false, map[string]any{
			"failure": string(result.Failure),
			"reason":  result.Reason,
		})
		return &InvalidCredentialsError{Result: result}
	}

	set, err := v.seal(principal, creds)
	if err != nil {
		v.audit(ctx, principal, action, false, map[string]any{"error": err.Error()})
		return err
	}
	set.Valid = true
	set.LastValidated = v.now()

	if err := persist(ctx, set); err != nil {
		v.audit(ctx, principal, action, false, map[string]any{"error": err.Error()})
		return fmt.Errorf("persist credentials for principal %d: %w", principal, err)
	}

	v.audit(ctx, principal, action, true, credentialDetail(creds, result))
	slog.Info("credentials stored", "principal_id", int64(principal), "action", string(action), "region", creds.Region)
	return nil
}

// seal encrypts each secret independently, each with its own IV.
func (v *CredentialVault) seal(principal model.PrincipalID, creds model.Credentials) (model.CredentialSet, error) {
	set := model.CredentialSet{PrincipalID: principal, Region: creds.Region}

	var err error
	if set.AccessKey, err = v.cipher.Encrypt(creds.AccessKeyID); err != nil {
		return set, fmt.Errorf("encrypt access key: %w", err)
	}
	if set.SecretKey, err = v.cipher.Encrypt(creds.SecretAccessKey); err != nil {
		return set, fmt.Errorf("encrypt secret key: %w", err)
	}
	if creds.HasSessionToken() {
		token, err := v.cipher.Encrypt(creds.SessionToken)
		if err != nil {
			return set, fmt.Errorf("encrypt session token: %w", err)
		}
		set.SessionToken = &token
	}
	return set, nil
}

// Retrieve decrypts the principal's credentials. It returns (nil, nil) when
// none are stored and an error wrapping driven.ErrIntegrity when a field
// fails authentication.
func (v *CredentialVault) Retrieve(ctx context.Context, principal model.PrincipalID) (_ *model.Credentials, err error) {
	defer func() { v.metrics.VaultOp("retrieve", err) }()

	set, err := v.store.Get(ctx, principal)
	if err != nil {
		v.audit(ctx, principal, model.AuditAccess, false, map[string]any{"error": err.Error()})
		return nil, fmt.Errorf("load credentials for principal %d: %w", principal, err)
	}
	if set == nil {
		return nil, nil
	}

	creds, err := v.open(*set)
	if err != nil {
		v.audit(ctx, principal, model.AuditAccess, false, map[string]any{"error": err.Error()})
		slog.Error("credential decryption failed", "principal_id", int64(principal), "error", err)
		return nil, fmt.Errorf("open credentials for principal %d: %w", principal, err)
	}

	v.audit(ctx, principal, model.AuditAccess, true, map[string]any{"region": set.Region})
	return creds, nil
}

func (v *CredentialVault) open(set model.CredentialSet) (*model.Credentials, error) {
	creds := &model.Credentials{Region: set.Region}

	var err error
	if creds.AccessKeyID, err = v.cipher.Decrypt(set.AccessKey); err != nil {
		return nil, fmt.Errorf("decrypt access key: %w", err)
	}
	if creds.SecretAccessKey, err = v.cipher.Decrypt(set.SecretKey); err != nil {
		return nil, fmt.Errorf("decrypt secret key: %w", err)
	}
	if set.SessionToken != nil {
		if creds.SessionToken, err = v.cipher.Decrypt(*set.SessionToken); err != nil {
			return nil, fmt.Errorf("decrypt session token: %w", err)
		}
	}
	return creds, nil
}

// Delete removes the principal's credentials and reports whether any existed.
// An entry is audited either way; deleting nothing is a failed outcome.
func (v *CredentialVault) Delete(ctx context.Context, principal model.PrincipalID) (_ bool, err error) {
	defer func() { v.metrics.VaultOp("delete", err) }()

	existed, err := v.store.Delete(ctx, principal)
	if err != nil {
		v.audit(ctx, principal, model.AuditDelete, false, map[string]any{"error": err.Error()})
		return false, fmt.Errorf("delete credentials for principal %d: %w", principal, err)
	}

	v.audit(ctx, principal, model.AuditDelete, existed, map[string]any{"existed": existed})
	return existed, nil
}

// HasValid reports the stored valid flag without decrypting anything.
func (v *CredentialVault) HasValid(ctx context.Context, principal model.PrincipalID) (bool, error) {
	valid, err := v.store.IsValid(ctx, principal)
	if err != nil {
		return false, fmt.Errorf("check credentials for principal %d: %w", principal, err)
	}
	return valid, nil
}

// Revalidate re-checks the principal's stored credentials against the
// provider and records the outcome. When the provider is unreachable the
// stored flag is left unchanged.
func (v *CredentialVault) Revalidate(ctx context.Context, principal model.PrincipalID) (_ model.ValidationResult, err error) {
	defer func() { v.metrics.VaultOp("revalidate", err) }()

	creds, err := v.Retrieve(ctx, principal)
	if err != nil {
		return model.ValidationResult{}, err
	}
	if creds == nil {
		return model.ValidationResult{}, fmt.Errorf("revalidate principal %d: %w", principal, driven.ErrCredentialsNotFound)
	}

	result := v.Validate(ctx, *creds)
	detail := map[string]any{"valid": result.Valid}
	if !result.Valid {
		detail["failure"] = string(result.Failure)
		detail["reason"] = result.Reason
	}

	if result.Failure == model.FailureProviderUnavailable {
		v.audit(ctx, principal, model.AuditValidate, false, detail)
		return result, nil
	}

	if err := v.store.SetValidity(ctx, principal, result.Valid, v.now()); err != nil {
		detail["error"] = err.Error()
		v.audit(ctx, principal, model.AuditValidate, false, detail)
		return result, fmt.Errorf("record validity for principal %d: %w", principal, err)
	}

	v.audit(ctx, principal, model.AuditValidate, result.Valid, detail)
	if !result.Valid {
		slog.Warn("stored credentials no longer valid",
			"principal_id", int64(principal),
			"failure", string(result.Failure),
		)
	}
	return result, nil
}

func (v *CredentialVault) audit(ctx context.Context, principal model.PrincipalID, action model.AuditAction, success bool, detail map[string]any) {
	v.auditor.Record(ctx, AuditEvent{
		Principal: &principal,
		Action:    action,
		Resource:  ResourceCredentials,
		Success:   success,
		Detail:    detail,
	})
}

// credentialDetail describes stored credentials without any secret.
func credentialDetail(creds model.Credentials, result model.ValidationResult) map[string]any {
	detail := map[string]any{
		"region":          creds.Region,
		"session_token":   creds.HasSessionToken(),
		"sending_enabled": result.SendingEnabled,
		"identity_count":  result.IdentityCount,
	}
	if result.Identity != nil {
		detail["account_id"] = result.Identity.AccountID
	}
	return detail
}
