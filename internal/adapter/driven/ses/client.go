// Package ses implements the IdentityProvider port on the AWS SES v1 and STS APIs.
package ses

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/aws/aws-sdk-go-v2/credentials"
	awsses "github.com/aws/aws-sdk-go-v2/service/ses"
	"github.com/aws/aws-sdk-go-v2/service/ses/types"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	"github.com/aws/smithy-go"

	"github.com/ericfisherdev/mailgate/internal/domain/model"
	"github.com/ericfisherdev/mailgate/internal/domain/port/driven"
)

// Compile-time interface satisfaction check.
var _ driven.IdentityProvider = (*Client)(nil)

// sesAPI is the subset of the SES client this adapter calls.
type sesAPI interface {
	VerifyDomainIdentity(context.Context, *awsses.VerifyDomainIdentityInput, ...func(*awsses.Options)) (*awsses.VerifyDomainIdentityOutput, error)
	VerifyDomainDkim(context.Context, *awsses.VerifyDomainDkimInput, ...func(*awsses.Options)) (*awsses.VerifyDomainDkimOutput, error)
	GetIdentityVerificationAttributes(context.Context, *awsses.GetIdentityVerificationAttributesInput, ...func(*awsses.Options)) (*awsses.GetIdentityVerificationAttributesOutput, error)
	GetIdentityDkimAttributes(context.Context, *awsses.GetIdentityDkimAttributesInput, ...func(*awsses.Options)) (*awsses.GetIdentityDkimAttributesOutput, error)
	DeleteIdentity(context.Context, *awsses.DeleteIdentityInput, ...func(*awsses.Options)) (*awsses.DeleteIdentityOutput, error)
	ListIdentities(context.Context, *awsses.ListIdentitiesInput, ...func(*awsses.Options)) (*awsses.ListIdentitiesOutput, error)
	GetAccountSendingEnabled(context.Context, *awsses.GetAccountSendingEnabledInput, ...func(*awsses.Options)) (*awsses.GetAccountSendingEnabledOutput, error)
}

// stsAPI is the subset of the STS client this adapter calls.
type stsAPI interface {
	GetCallerIdentity(context.Context, *sts.GetCallerIdentityInput, ...func(*sts.Options)) (*sts.GetCallerIdentityOutput, error)
}

// Observer receives one callback per provider call. It is satisfied by
// *metrics.Metrics; a nil Observer is ignored.
type Observer interface {
	ProviderCall(op string, err error)
}

// clientFactory builds API clients scoped to one set of credentials.
type clientFactory func(creds model.Credentials) (sesAPI, stsAPI)

// Client implements driven.IdentityProvider. It holds no credentials: every
// call builds fresh SES and STS clients from the credentials it is given.
type Client struct {
	newClients clientFactory
	observer   Observer
}

// Option configures a Client.
type Option func(*options)

type options struct {
	endpoint   string
	httpClient *http.Client
	observer   Observer
}

// WithEndpoint overrides the SES and STS endpoint, e.g. for a local emulator.
func WithEndpoint(endpoint string) Option {
	return func(o *options) { o.endpoint = endpoint }
}

// WithHTTPClient sets the HTTP client used by the per-call API clients.
func WithHTTPClient(c *http.Client) Option {
	return func(o *options) { o.httpClient = c }
}

// WithObserver reports every provider call to obs.
func WithObserver(obs Observer) Option {
	return func(o *options) { o.observer = obs }
}

// NewClient creates a Client that talks to AWS.
func NewClient(opts ...Option) *Client {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	factory := func(creds model.Credentials) (sesAPI, stsAPI) {
		cfg := aws.Config{
			Region: creds.Region,
			Credentials: credentials.NewStaticCredentialsProvider(
				creds.AccessKeyID, creds.SecretAccessKey, creds.SessionToken,
			),
		}
		if o.httpClient != nil {
			cfg.HTTPClient = o.httpClient
		}
		if o.endpoint != "" {
			cfg.BaseEndpoint = aws.String(o.endpoint)
		}
		return awsses.NewFromConfig(cfg), sts.NewFromConfig(cfg)
	}

	return &Client{newClients: factory, observer: o.observer}
}

// newClientWithFactory is used by tests to substitute fake APIs.
func newClientWithFactory(factory clientFactory) *Client {
	return &Client{newClients: factory}
}

// GetCallerIdentity returns the account the credentials belong to.
func (c *Client) GetCallerIdentity(ctx context.Context, creds model.Credentials) (_ *model.CallerIdentity, err error) {
	const op = "GetCallerIdentity"
	defer func() { c.observe(op, err) }()

	_, stsClient := c.newClients(creds)
	out, err := stsClient.GetCallerIdentity(ctx, &sts.GetCallerIdentityInput{})
	if err != nil {
		return nil, classify(op, err)
	}

	return &model.CallerIdentity{
		AccountID: aws.ToString(out.Account),
		UserID:    aws.ToString(out.UserId),
		ARN:       aws.ToString(out.Arn),
	}, nil
}

// CheckSendingEnabled reports whether the account may send mail in the
// credentials' region.
func (c *Client) CheckSendingEnabled(ctx context.Context, creds model.Credentials) (_ bool, err error) {
	const op = "CheckSendingEnabled"
	defer func() { c.observe(op, err) }()

	sesClient, _ := c.newClients(creds)
	out, err := sesClient.GetAccountSendingEnabled(ctx, &awsses.GetAccountSendingEnabledInput{})
	if err != nil {
		return false, classify(op, err)
	}
	return out.Enabled, nil
}

// ListIdentities returns every domain identity in the account, following
// pagination to the end.
func (c *Client) ListIdentities(ctx context.Context, creds model.Credentials) (_ []string, err error) {
	const op = "ListIdentities"
	defer func() { c.observe(op, err) }()

	sesClient, _ := c.newClients(creds)
	paginator := awsses.NewListIdentitiesPaginator(sesClient, &awsses.ListIdentitiesInput{
		IdentityType: types.IdentityTypeDomain,
	})

	identities := []string{}
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, classify(op, err)
		}
		identities = append(identities, page.Identities...)
	}
	return identities, nil
}

// CreateIdentity registers the domain and enables DKIM signing for it.
// Both calls are idempotent on the provider side, so a retry after a partial
// failure returns the same tokens.
func (c *Client) CreateIdentity(ctx context.Context, creds model.Credentials, domain string) (_ *model.IdentityTokens, err error) {
	const op = "CreateIdentity"
	defer func() { c.observe(op, err) }()

	sesClient, _ := c.newClients(creds)

	verify, err := sesClient.VerifyDomainIdentity(ctx, &awsses.VerifyDomainIdentityInput{
		Domain: aws.String(domain),
	})
	if err != nil {
		return nil, classify(op, err)
	}

	dkim, err := sesClient.VerifyDomainDkim(ctx, &awsses.VerifyDomainDkimInput{
		Domain: aws.String(domain),
	})
	if err != nil {
		return nil, classify(op, err)
	}

	return &model.IdentityTokens{
		OwnershipToken: aws.ToString(verify.VerificationToken),
		SigningTokens:  append([]string{}, dkim.DkimTokens...),
	}, nil
}

// GetVerificationStatus fetches the ownership and signing state of the domain.
// An identity unknown to the provider is reported as neither verified nor
// pending.
func (c *Client) GetVerificationStatus(ctx context.Context, creds model.Credentials, domain string) (_ *model.VerificationAttributes, err error) {
	const op = "GetVerificationStatus"
	defer func() { c.observe(op, err) }()

	sesClient, _ := c.newClients(creds)

	verifyOut, err := sesClient.GetIdentityVerificationAttributes(ctx, &awsses.GetIdentityVerificationAttributesInput{
		Identities: []string{domain},
	})
	if err != nil {
		return nil, classify(op, err)
	}

	dkimOut, err := sesClient.GetIdentityDkimAttributes(ctx, &awsses.GetIdentityDkimAttributesInput{
		Identities: []string{domain},
	})
	if err != nil {
		return nil, classify(op, err)
	}

	attrs := &model.VerificationAttributes{SigningTokens: []string{}}

	if v, ok := verifyOut.VerificationAttributes[domain]; ok {
		switch v.VerificationStatus {
		case types.VerificationStatusSuccess:
			attrs.Verified = true
		case types.VerificationStatusPending, types.VerificationStatusNotStarted, types.VerificationStatusTemporaryFailure:
			attrs.Pending = true
		}
		attrs.OwnershipToken = aws.ToString(v.VerificationToken)
	}

	if d, ok := dkimOut.DkimAttributes[domain]; ok {
		attrs.SigningEnabled = d.DkimEnabled
		attrs.SigningTokens = append(attrs.SigningTokens, d.DkimTokens...)
	}

	return attrs, nil
}

// DeleteIdentity removes the domain identity. Deleting an identity that does
// not exist succeeds at the provider.
func (c *Client) DeleteIdentity(ctx context.Context, creds model.Credentials, domain string) (err error) {
	const op = "DeleteIdentity"
	defer func() { c.observe(op, err) }()

	sesClient, _ := c.newClients(creds)
	if _, err := sesClient.DeleteIdentity(ctx, &awsses.DeleteIdentityInput{
		Identity: aws.String(domain),
	}); err != nil {
		return classify(op, err)
	}
	return nil
}

func (c *Client) observe(op string, err error) {
	if c.observer != nil {
		c.observer.ProviderCall(op, err)
	}
}

// retryableCodes are provider error codes worth retrying even though the
// provider labels them client faults.
var retryableCodes = map[string]bool{
	"Throttling":                    true,
	"ThrottlingException":           true,
	"TooManyRequestsException":      true,
	"RequestLimitExceeded":          true,
	"ServiceUnavailable":            true,
	"RequestTimeout":                true,
	"RequestTimeoutException":       true,
	"IDPCommunicationError":         true,
	"InternalFailure":               true,
	"ProvisionedThroughputExceeded": true,
}

// classify converts any SDK error into a *driven.ProviderError so callers
// never see the SDK's error types. The message comes from the provider
// response and never includes request parameters.
func classify(op string, err error) error {
	pe := &driven.ProviderError{Op: op, Err: err}

	var apiErr smithy.APIError
	switch {
	case errors.Is(err, context.Canceled):
		pe.Code = "Canceled"
		pe.Message = "request canceled"
	case errors.Is(err, context.DeadlineExceeded):
		pe.Code = "Timeout"
		pe.Message = "request timed out"
		pe.Retryable = true
	case errors.As(err, &apiErr):
		pe.Code = apiErr.ErrorCode()
		pe.Message = apiErr.ErrorMessage()
		pe.Retryable = apiErr.ErrorFault() == smithy.FaultServer || retryableCodes[pe.Code]
	default:
		pe.Message = "provider unreachable"
		pe.Retryable = true
	}

	var respErr *awshttp.ResponseError
	if errors.As(err, &respErr) && respErr.HTTPStatusCode() >= http.StatusInternalServerError {
		pe.Retryable = true
	}

	if pe.Message == "" {
		pe.Message = strings.ToLower(pe.Code)
	}
	return pe
}
