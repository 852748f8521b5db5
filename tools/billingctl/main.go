// Command billingctl is an operator CLI for inspecting entitlements, minting development
// tokens and opening checkout sessions.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/captionforge/captionforge/libs/accountclient"
	"github.com/captionforge/captionforge/libs/auth"
	"github.com/captionforge/captionforge/libs/config"
	"github.com/captionforge/captionforge/libs/entitlements"
	"github.com/captionforge/captionforge/libs/entitlementsrpc"
	"github.com/captionforge/captionforge/libs/plans"
)

const usageText = `usage: billingctl <command> [flags]

commands:
  entitlements  resolve an account's entitlements over gRPC
  usage         fetch subscription and usage over HTTP and resolve locally
  checkout      open a checkout session and print its URL
  token         mint a development access token
  plans         print the plan catalog
`

var errUsage = errors.New("invalid usage")

func main() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := run(ctx, os.Args[1:], os.Stdout); err != nil {
		if !errors.Is(err, errUsage) {
			fmt.Fprintln(os.Stderr, "billingctl:", err)
		}
		os.Exit(2)
	}
}

func run(ctx context.Context, args []string, out io.Writer) error {
	if len(args) == 0 {
		fmt.Fprint(os.Stderr, usageText)
		return errUsage
	}
	switch args[0] {
	case "entitlements":
		return cmdEntitlements(ctx, args[1:], out)
	case "usage":
		return cmdUsage(ctx, args[1:], out)
	case "checkout":
		return cmdCheckout(ctx, args[1:], out)
	case "token":
		return cmdToken(args[1:], out)
	case "plans":
		return printJSON(out, plans.All())
	default:
		fmt.Fprint(os.Stderr, usageText)
		return errUsage
	}
}

func cmdEntitlements(ctx context.Context, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("entitlements", flag.ContinueOnError)
	addr := fs.String("grpc-addr", config.String("BILLING_GRPC_ADDR", "localhost:9091"), "billing-service gRPC address")
	account := fs.String("account", "", "account id")
	if err := fs.Parse(args); err != nil {
		return errUsage
	}
	if strings.TrimSpace(*account) == "" {
		return errors.New("-account is required")
	}

	client, err := entitlementsrpc.Dial(ctx, *addr, 5*time.Second)
	if err != nil {
		return fmt.Errorf("dial %s: %w", *addr, err)
	}
	defer client.Close()

	summary, err := client.GetEntitlements(ctx, *account)
	if err != nil {
		return err
	}
	return printJSON(out, summary)
}

func cmdUsage(ctx context.Context, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("usage", flag.ContinueOnError)
	baseURL := fs.String("billing-url", config.String("BILLING_HTTP_URL", "http://localhost:8084"), "billing-service base URL")
	account := fs.String("account", "", "account id")
	if err := fs.Parse(args); err != nil {
		return errUsage
	}
	if strings.TrimSpace(*account) == "" {
		return errors.New("-account is required")
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	sub, usage := accountclient.New(*baseURL, 5*time.Second, logger).Snapshot(ctx, *account)
	return printJSON(out, entitlements.Summarize(sub, usage))
}

func cmdCheckout(ctx context.Context, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("checkout", flag.ContinueOnError)
	baseURL := fs.String("billing-url", config.String("BILLING_HTTP_URL", "http://localhost:8084"), "billing-service base URL")
	account := fs.String("account", "", "account id")
	planRaw := fs.String("plan", "pro", "plan to buy (pro|enterprise)")
	cycleRaw := fs.String("cycle", "monthly", "billing cycle (monthly|yearly)")
	if err := fs.Parse(args); err != nil {
		return errUsage
	}
	if strings.TrimSpace(*account) == "" {
		return errors.New("-account is required")
	}
	plan, err := plans.Parse(*planRaw)
	if err != nil {
		return err
	}
	cycle, err := plans.ParseCycle(*cycleRaw)
	if err != nil {
		return err
	}

	cs, err := accountclient.New(*baseURL, 10*time.Second, nil).CreateCheckoutSession(ctx, *account, plan, cycle)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "session=%s amount=%d\n%s\n", cs.SessionID, cs.Amount, cs.URL)
	return nil
}

func cmdToken(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("token", flag.ContinueOnError)
	secret := fs.String("secret", config.String("JWT_SECRET", ""), "HS256 signing secret")
	account := fs.String("account", "", "account id")
	user := fs.String("user", "", "user id (defaults to the account id)")
	role := fs.String("role", "owner", "role claim (owner|member|admin)")
	ttl := fs.Duration("ttl", time.Hour, "token lifetime")
	if err := fs.Parse(args); err != nil {
		return errUsage
	}
	if strings.TrimSpace(*account) == "" {
		return errors.New("-account is required")
	}
	if *user == "" {
		*user = *account
	}
	token, err := auth.SignHS256(auth.NewClaims(*user, *account, *role, *ttl), *secret)
	if err != nil {
		return err
	}
	fmt.Fprintln(out, token)
	return nil
}

func printJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
