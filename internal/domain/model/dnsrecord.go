package model

// RecordType is a DNS resource record type.
type RecordType string

const (
	RecordTXT   RecordType = "TXT"
	RecordCNAME RecordType = "CNAME"
	RecordMX    RecordType = "MX"
	RecordA     RecordType = "A"
	RecordAAAA  RecordType = "AAAA"
)

// RecordPurpose tags why a record exists.
type RecordPurpose string

const (
	PurposeVerification      RecordPurpose = "verification"
	PurposeSigning           RecordPurpose = "signing"
	PurposeSenderPolicy      RecordPurpose = "sender-policy"
	PurposeDomainMessageAuth RecordPurpose = "domain-message-auth"
	PurposeMailRouting       RecordPurpose = "mail-routing"
)

// DNSRecord is a record the domain owner must publish.
type DNSRecord struct {
	ID       int64
	DomainID int64
	Type     RecordType
	Name     string
	Value    string
	TTL      int
	Priority *int // Set for MX records only.
	Purpose  RecordPurpose
}
