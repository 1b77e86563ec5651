package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/dustin/go-humanize/english"

	sqliteadapter "github.com/ericfisherdev/mailgate/internal/adapter/driven/sqlite"
	"github.com/ericfisherdev/mailgate/internal/application"
	"github.com/ericfisherdev/mailgate/internal/domain/model"
	"github.com/ericfisherdev/mailgate/internal/domain/port/driven"
)

// app holds the services one CLI invocation works with.
type app struct {
	out        io.Writer
	principals driven.PrincipalStore
	audits     driven.AuditStore
	auditor    *application.Auditor
	vault      *application.CredentialVault
	engine     *application.DomainEngine
	getenv     func(string) string
	now        func() time.Time
}

func newApp(
	db *sqliteadapter.DB,
	cipher driven.Cipher,
	signingKey []byte,
	provider driven.IdentityProvider,
	mailProvider string,
	out io.Writer,
) *app {
	audits := sqliteadapter.NewAuditRepo(db)
	auditor := application.NewAuditor(audits, cipher, signingKey, nil)
	vault := application.NewCredentialVault(sqliteadapter.NewCredentialRepo(db), cipher, provider, auditor, nil)

	return &app{
		out:        out,
		principals: sqliteadapter.NewPrincipalRepo(db),
		audits:     audits,
		auditor:    auditor,
		vault:      vault,
		engine:     application.NewDomainEngine(sqliteadapter.NewDomainRepo(db), vault, provider, auditor, nil, mailProvider),
		getenv:     os.Getenv,
		now:        time.Now,
	}
}

func (a *app) dispatch(ctx context.Context, args []string) error {
	cmd, rest := args[0], args[1:]
	if cmd == "reconcile" {
		return a.reconcile(ctx, rest)
	}
	if len(rest) == 0 {
		return fmt.Errorf("%s: missing subcommand: %w", cmd, errUsage)
	}
	sub, rest := rest[0], rest[1:]

	switch cmd + " " + sub {
	case "principal add":
		return a.principalAdd(ctx, rest)
	case "principal delete":
		return a.principalDelete(ctx, rest)
	case "credentials set":
		return a.credentialsSet(ctx, rest)
	case "credentials update":
		return a.credentialsUpdate(ctx, rest)
	case "credentials status":
		return a.credentialsStatus(ctx, rest)
	case "credentials check":
		return a.credentialsCheck(ctx, rest)
	case "credentials delete":
		return a.credentialsDelete(ctx, rest)
	case "domain add":
		return a.domainAdd(ctx, rest)
	case "domain list":
		return a.domainList(ctx, rest)
	case "domain records":
		return a.domainRecords(ctx, rest)
	case "domain verify":
		return a.domainVerify(ctx, rest)
	case "domain regenerate":
		return a.domainRegenerate(ctx, rest)
	case "domain delete":
		return a.domainDelete(ctx, rest)
	case "audit list":
		return a.auditList(ctx, rest)
	case "audit verify":
		return a.auditVerify(ctx, rest)
	default:
		return fmt.Errorf("unknown command %q: %w", cmd+" "+sub, errUsage)
	}
}

// --- principals ---

func (a *app) principalAdd(ctx context.Context, args []string) error {
	if len(args) != 1 || strings.TrimSpace(args[0]) == "" {
		return fmt.Errorf("principal add: expected NAME: %w", errUsage)
	}
	id, err := a.principals.Create(ctx, args[0])
	if err != nil {
		return err
	}
	fmt.Fprintf(a.out, "principal %d created\n", id)
	return nil
}

func (a *app) principalDelete(ctx context.Context, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("principal delete: expected ID: %w", errUsage)
	}
	id, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		return fmt.Errorf("principal delete: invalid id %q: %w", args[0], errUsage)
	}
	if err := a.principals.Delete(ctx, model.PrincipalID(id)); err != nil {
		return err
	}
	fmt.Fprintf(a.out, "principal %d deleted\n", id)
	return nil
}

// --- credentials ---

func (a *app) credentialsSet(ctx context.Context, args []string) error {
	return a.writeCredentials(ctx, "credentials set", args, a.vault.Store, "stored")
}

// credentialsUpdate rotates an existing set; it fails if the principal has none.
func (a *app) credentialsUpdate(ctx context.Context, args []string) error {
	return a.writeCredentials(ctx, "credentials update", args, a.vault.Update, "updated")
}

func (a *app) writeCredentials(
	ctx context.Context,
	name string,
	args []string,
	write func(context.Context, model.PrincipalID, model.Credentials) error,
	verb string,
) error {
	fs, principal := principalFlags(name, a.out)
	accessKey := fs.String("access-key", "", "provider access key id")
	region := fs.String("region", "", "provider region")
	if err := parse(fs, args, principal); err != nil {
		return err
	}

	creds := model.Credentials{
		AccessKeyID:     *accessKey,
		SecretAccessKey: a.getenv("MAILGATE_CTL_SECRET_ACCESS_KEY"),
		SessionToken:    a.getenv("MAILGATE_CTL_SESSION_TOKEN"),
		Region:          *region,
	}

	pid := model.PrincipalID(*principal)
	if err := write(ctx, pid, creds); err != nil {
		var invalid *application.InvalidCredentialsError
		if errors.As(err, &invalid) {
			a.printValidation(invalid.Result)
		}
		return err
	}

	fmt.Fprintf(a.out, "credentials %s for principal %d (%s)\n", verb, pid, creds)
	return nil
}

// credentialsStatus reports the stored valid flag without contacting the
// provider.
func (a *app) credentialsStatus(ctx context.Context, args []string) error {
	fs, principal := principalFlags("credentials status", a.out)
	if err := parse(fs, args, principal); err != nil {
		return err
	}

	valid, err := a.vault.HasValid(ctx, model.PrincipalID(*principal))
	if err != nil {
		return err
	}
	if !valid {
		fmt.Fprintf(a.out, "principal %d has no valid credentials\n", *principal)
		return nil
	}
	fmt.Fprintf(a.out, "principal %d has valid credentials\n", *principal)
	return nil
}

func (a *app) credentialsCheck(ctx context.Context, args []string) error {
	fs, principal := principalFlags("credentials check", a.out)
	if err := parse(fs, args, principal); err != nil {
		return err
	}

	result, err := a.vault.Revalidate(ctx, model.PrincipalID(*principal))
	if err != nil {
		return err
	}
	a.printValidation(result)
	return nil
}

func (a *app) credentialsDelete(ctx context.Context, args []string) error {
	fs, principal := principalFlags("credentials delete", a.out)
	if err := parse(fs, args, principal); err != nil {
		return err
	}

	existed, err := a.vault.Delete(ctx, model.PrincipalID(*principal))
	if err != nil {
		return err
	}
	if !existed {
		fmt.Fprintf(a.out, "principal %d has no stored credentials\n", *principal)
		return nil
	}
	fmt.Fprintf(a.out, "credentials deleted for principal %d\n", *principal)
	return nil
}

func (a *app) printValidation(r model.ValidationResult) {
	if !r.Valid {
		fmt.Fprintf(a.out, "invalid (%s): %s\n", r.Failure, r.Reason)
		return
	}
	account := ""
	if r.Identity != nil {
		account = r.Identity.AccountID
	}
	fmt.Fprintf(a.out, "valid: account %s, sending enabled: %t, %s\n",
		account, r.SendingEnabled, english.Plural(r.IdentityCount, "identity", "identities"))
}

// --- domains ---

func (a *app) domainAdd(ctx context.Context, args []string) error {
	fs, principal := principalFlags("domain add", a.out)
	if err := parse(fs, args, principal); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("domain add: expected NAME: %w", errUsage)
	}

	d, err := a.engine.AddDomain(ctx, model.PrincipalID(*principal), fs.Arg(0))
	if err != nil {
		return err
	}
	fmt.Fprintf(a.out, "domain %s added (id %d, %s); publish these records:\n", d.Name, d.ID, d.Status)

	records, err := a.engine.GetDNSRecords(ctx, d.PrincipalID, d.ID)
	if err != nil {
		return err
	}
	a.printRecords(records)
	return nil
}

func (a *app) domainList(ctx context.Context, args []string) error {
	fs, principal := principalFlags("domain list", a.out)
	if err := parse(fs, args, principal); err != nil {
		return err
	}

	domains, err := a.engine.ListDomains(ctx, model.PrincipalID(*principal))
	if err != nil {
		return err
	}
	if len(domains) == 0 {
		fmt.Fprintln(a.out, "no domains")
		return nil
	}

	tw := tabwriter.NewWriter(a.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tDOMAIN\tSTATUS\tATTEMPTS\tLAST CHECK\tADDED")
	for _, d := range domains {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%d\t%s\t%s\n",
			d.ID, d.Name, d.Status, d.VerificationAttempts,
			a.ago(d.LastVerificationAttempt), a.ago(d.CreatedAt))
	}
	return tw.Flush()
}

func (a *app) domainRecords(ctx context.Context, args []string) error {
	principal, domainID, err := domainArgs("domain records", args, a.out)
	if err != nil {
		return err
	}

	records, err := a.engine.GetDNSRecords(ctx, principal, domainID)
	if err != nil {
		return err
	}
	a.printRecords(records)
	return nil
}

func (a *app) domainVerify(ctx context.Context, args []string) error {
	principal, domainID, err := domainArgs("domain verify", args, a.out)
	if err != nil {
		return err
	}

	d, err := a.engine.CheckVerification(ctx, principal, domainID)
	if err != nil {
		return err
	}
	fmt.Fprintf(a.out, "%s: %s after %s\n", d.Name, d.Status, english.Plural(d.VerificationAttempts, "check", "checks"))
	return nil
}

func (a *app) domainRegenerate(ctx context.Context, args []string) error {
	principal, domainID, err := domainArgs("domain regenerate", args, a.out)
	if err != nil {
		return err
	}

	records, err := a.engine.RegenerateRecords(ctx, principal, domainID)
	if err != nil {
		return err
	}
	a.printRecords(records)
	return nil
}

func (a *app) domainDelete(ctx context.Context, args []string) error {
	principal, domainID, err := domainArgs("domain delete", args, a.out)
	if err != nil {
		return err
	}

	if err := a.engine.DeleteDomain(ctx, principal, domainID); err != nil {
		return err
	}
	fmt.Fprintf(a.out, "domain %d deleted\n", domainID)
	return nil
}

func (a *app) printRecords(records []model.DNSRecord) {
	tw := tabwriter.NewWriter(a.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TYPE\tNAME\tVALUE\tTTL\tPURPOSE")
	for _, r := range records {
		value := r.Value
		if r.Priority != nil {
			value = fmt.Sprintf("%d %s", *r.Priority, r.Value)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\n", r.Type, r.Name, value, r.TTL, r.Purpose)
	}
	_ = tw.Flush()
}

// --- audit ---

func (a *app) auditList(ctx context.Context, args []string) error {
	fs, principal := principalFlags("audit list", a.out)
	if err := parse(fs, args, principal); err != nil {
		return err
	}

	entries, err := a.audits.ListByPrincipal(ctx, model.PrincipalID(*principal))
	if err != nil {
		return err
	}

	tw := tabwriter.NewWriter(a.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "WHEN\tACTION\tRESOURCE\tOK\tORIGIN\tCLIENT")
	for _, e := range entries {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%t\t%s\t%s\n",
			a.ago(e.CreatedAt), e.Action, e.Resource, e.Success, e.IPAddress, e.ClientDescriptor)
	}
	return tw.Flush()
}

func (a *app) auditVerify(ctx context.Context, args []string) error {
	fs, principal := principalFlags("audit verify", a.out)
	if err := parse(fs, args, principal); err != nil {
		return err
	}

	tampered, err := a.auditor.VerifyTrail(ctx, model.PrincipalID(*principal))
	if err != nil {
		return err
	}
	if len(tampered) == 0 {
		fmt.Fprintln(a.out, "audit trail intact")
		return nil
	}
	for _, id := range tampered {
		fmt.Fprintln(a.out, "signature mismatch:", id)
	}
	return fmt.Errorf("%s failed verification", english.Plural(len(tampered), "audit entry", "audit entries"))
}

// --- reconcile ---

func (a *app) reconcile(ctx context.Context, args []string) error {
	fs, principal := principalFlags("reconcile", a.out)
	del := fs.Bool("delete", false, "delete orphaned identities at the provider")
	if err := parse(fs, args, principal); err != nil {
		return err
	}
	pid := model.PrincipalID(*principal)

	orphans, err := a.engine.FindOrphanedIdentities(ctx, pid)
	if err != nil {
		return err
	}
	if len(orphans) == 0 {
		fmt.Fprintln(a.out, "no orphaned identities")
		return nil
	}

	var failed int
	for _, identity := range orphans {
		if !*del {
			fmt.Fprintln(a.out, "orphaned:", identity)
			continue
		}
		if err := a.engine.DeleteOrphanedIdentity(ctx, pid, identity); err != nil {
			fmt.Fprintf(a.out, "failed to delete %s: %v\n", identity, err)
			failed++
			continue
		}
		fmt.Fprintln(a.out, "deleted:", identity)
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d orphaned identities could not be deleted", failed, len(orphans))
	}
	return nil
}

// --- flag helpers ---

func principalFlags(name string, out io.Writer) (*flag.FlagSet, *int64) {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(out)
	principal := fs.Int64("principal", 0, "principal id")
	return fs, principal
}

func parse(fs *flag.FlagSet, args []string, principal *int64) error {
	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("%s: %w", fs.Name(), errUsage)
	}
	if *principal <= 0 {
		return fmt.Errorf("%s: -principal is required: %w", fs.Name(), errUsage)
	}
	return nil
}

func domainArgs(name string, args []string, out io.Writer) (model.PrincipalID, int64, error) {
	fs, principal := principalFlags(name, out)
	if err := parse(fs, args, principal); err != nil {
		return 0, 0, err
	}
	if fs.NArg() != 1 {
		return 0, 0, fmt.Errorf("%s: expected DOMAIN_ID: %w", name, errUsage)
	}
	id, err := strconv.ParseInt(fs.Arg(0), 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("%s: invalid domain id %q: %w", name, fs.Arg(0), errUsage)
	}
	return model.PrincipalID(*principal), id, nil
}

func (a *app) ago(t time.Time) string {
	if t.IsZero() {
		return "never"
	}
	return humanize.RelTime(t, a.now(), "ago", "from now")
}
