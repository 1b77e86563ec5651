package model

import "time"

// AuditAction classifies an audit entry.
type AuditAction string

const (
	AuditCreate   AuditAction = "create"
	AuditUpdate   AuditAction = "update"
	AuditDelete   AuditAction = "delete"
	AuditAccess   AuditAction = "access"
	AuditValidate AuditAction = "validate"
)

// AuditEntry is an append-only record of an access to or mutation of
// principal-owned secrets and domains. Entries are never updated.
type AuditEntry struct {
	ID               string       // UUID.
	PrincipalID      *PrincipalID // Nil once the principal has been deleted.
	Action           AuditAction
	Resource         string // "credentials" or "domain".
	IPAddress        string
	ClientDescriptor string
	Detail           map[string]any
	Success          bool
	Signature        string // Hex HMAC over the immutable fields.
	CreatedAt        time.Time
}
