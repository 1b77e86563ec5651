// Package dnsrecord derives the DNS records a domain owner must publish
// before the mail provider will send on the domain's behalf.
package dnsrecord

import (
	"fmt"

	"github.com/ericfisherdev/mailgate/internal/domain/model"
)

const (
	// DefaultProvider is the provider token used in record names and targets.
	DefaultProvider = "amazonses"
	// DefaultRegion is used for the mail-routing record when no region is known.
	DefaultRegion = "us-east-1"
	// DefaultTTL applies to every derived record.
	DefaultTTL = 1800

	mxPriority = 10
)

// Derive returns the full record set for domain using DefaultProvider.
// The output depends only on the arguments.
func Derive(domain, ownershipToken string, signingTokens []string, region string) []model.DNSRecord {
	return DeriveFor(DefaultProvider, domain, ownershipToken, signingTokens, region)
}

// DeriveFor returns, in fixed order: the ownership TXT, one signing CNAME per
// signing token (in input order), the sender-policy TXT, the
// domain-message-auth TXT and the mail-routing MX.
func DeriveFor(provider, domain, ownershipToken string, signingTokens []string, region string) []model.DNSRecord {
	if region == "" {
		region = DefaultRegion
	}

	records := make([]model.DNSRecord, 0, Count(signingTokens))

	records = append(records, model.DNSRecord{
		Type:    model.RecordTXT,
		Name:    fmt.Sprintf("_%s.%s", provider, domain),
		Value:   ownershipToken,
		TTL:     DefaultTTL,
		Purpose: model.PurposeVerification,
	})

	for _, token := range signingTokens {
		records = append(records, model.DNSRecord{
			Type:    model.RecordCNAME,
			Name:    fmt.Sprintf("%s._domainkey.%s", token, domain),
			Value:   fmt.Sprintf("%s.dkim.%s.com", token, provider),
			TTL:     DefaultTTL,
			Purpose: model.PurposeSigning,
		})
	}

	records = append(records,
		model.DNSRecord{
			Type:    model.RecordTXT,
			Name:    domain,
			Value:   fmt.Sprintf("v=spf1 include:%s.com ~all", provider),
			TTL:     DefaultTTL,
			Purpose: model.PurposeSenderPolicy,
		},
		model.DNSRecord{
			Type:    model.RecordTXT,
			Name:    "_dmarc." + domain,
			Value:   "v=DMARC1; p=quarantine; rua=mailto:postmaster@" + domain,
			TTL:     DefaultTTL,
			Purpose: model.PurposeDomainMessageAuth,
		},
	)

	priority := mxPriority
	records = append(records, model.DNSRecord{
		Type:     model.RecordMX,
		Name:     domain,
		Value:    fmt.Sprintf("inbound-smtp.%s.%s.com", region, provider),
		TTL:      DefaultTTL,
		Priority: &priority,
		Purpose:  model.PurposeMailRouting,
	})

	return records
}

// Count returns the number of records Derive produces for the given signing tokens.
func Count(signingTokens []string) int {
	return len(signingTokens) + 4
}
