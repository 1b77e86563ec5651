// Command mailgatectl is the operator CLI for mailgate: it manages
// principals, provider credentials, sending domains and the audit trail
// directly against the mailgate database.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"os/user"
	"syscall"

	_ "golang.org/x/crypto/x509roots/fallback" // Embed CA certs for scratch container

	cipheradapter "github.com/ericfisherdev/mailgate/internal/adapter/driven/cipher"
	sesadapter "github.com/ericfisherdev/mailgate/internal/adapter/driven/ses"
	sqliteadapter "github.com/ericfisherdev/mailgate/internal/adapter/driven/sqlite"
	"github.com/ericfisherdev/mailgate/internal/application"
	"github.com/ericfisherdev/mailgate/internal/config"
)

const usage = `usage: mailgatectl <command> [flags] [args]

commands:
  principal add NAME
  principal delete ID
  credentials set    -principal ID -access-key KEY -region REGION
  credentials update -principal ID -access-key KEY -region REGION
  credentials status -principal ID
  credentials check  -principal ID
  credentials delete -principal ID
  domain add         -principal ID NAME
  domain list        -principal ID
  domain records     -principal ID DOMAIN_ID
  domain verify      -principal ID DOMAIN_ID
  domain regenerate  -principal ID DOMAIN_ID
  domain delete      -principal ID DOMAIN_ID
  audit list         -principal ID
  audit verify       -principal ID
  reconcile          -principal ID [-delete]

The secret access key and optional session token are read from
MAILGATE_CTL_SECRET_ACCESS_KEY and MAILGATE_CTL_SESSION_TOKEN.
`

var errUsage = errors.New("invalid usage")

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		if errors.Is(err, errUsage) {
			fmt.Fprint(os.Stderr, usage)
		}
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func run(args []string, out io.Writer) error {
	if len(args) == 0 || args[0] == "help" || args[0] == "-h" {
		fmt.Fprint(out, usage)
		return nil
	}

	// 1. Load configuration.
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.LogLevel})))

	// 2. Setup signal-based context carrying the operator's origin.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx = application.WithOrigin(ctx, operatorOrigin())

	// 3. Cipher and audit signing subkey.
	cipher, err := cipheradapter.New(cfg.MasterSecret, cfg.EncryptionSalt)
	if err != nil {
		return err
	}
	signingKey, err := cipher.DeriveKey("audit-signing")
	if err != nil {
		return err
	}

	// 4. Open and migrate the database.
	db, err := sqliteadapter.NewDB(ctx, cfg.DBPath)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := db.Close(); closeErr != nil {
			slog.Error("error closing database", "error", closeErr)
		}
	}()
	if err := sqliteadapter.RunMigrations(db.Writer); err != nil {
		return err
	}

	// 5. Provider client, no metrics for one-shot commands.
	var providerOpts []sesadapter.Option
	if cfg.ProviderEndpoint != "" {
		providerOpts = append(providerOpts, sesadapter.WithEndpoint(cfg.ProviderEndpoint))
	}
	provider := sesadapter.NewClient(providerOpts...)

	a := newApp(db, cipher, signingKey, provider, cfg.MailProviderDomain, out)
	return a.dispatch(ctx, args)
}

// operatorOrigin identifies CLI invocations in the audit trail.
func operatorOrigin() application.Origin {
	name := "unknown"
	if u, err := user.Current(); err == nil {
		name = u.Username
	}
	return application.Origin{
		IPAddress:        "127.0.0.1",
		ClientDescriptor: "mailgatectl (operator " + name + ")",
	}
}
