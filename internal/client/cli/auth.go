package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

// readToken is an indirection used to facilitate testing.
var readToken = ReadSecret

func (r *root) loginCmd() *cobra.Command {
	var token string
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Store the operator's session token",
		Long: "Store the operator's session token. Without --token the token is " +
			"read from the terminal without echo.",
		Args: cobra.NoArgs,
		RunE: r.run(func(ctx context.Context, a *App, _ []string) error {
			return a.Login(ctx, token)
		}),
	}
	cmd.Flags().StringVar(&token, "token", "", "session token issued by the server")
	return cmd
}

// Login stores token, prompting for it when empty. The session is checked
// for expiry only; the server verifies the signature on first use.
func (a *App) Login(ctx context.Context, token string) error {
	if token == "" {
		b, err := readToken(a.out, "Paste session token: ")
		if err != nil {
			return err
		}
		token = string(b)
	}

	claims, err := a.session.Login(ctx, token)
	if err != nil {
		return fmt.Errorf("login failed: %w", err)
	}

	actor, _ := a.session.Actor(ctx)
	if claims.ExpiresAt != nil {
		a.printf("Logged in as %s until %s\n", actor, claims.ExpiresAt.Local().Format(time.DateTime))
	} else {
		a.printf("Logged in as %s\n", actor)
	}
	a.scheduler.Trigger(syncReasonLogin)
	return nil
}

const syncReasonLogin = "login"

func (r *root) logoutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Forget the session token; queued changes are kept",
		Args:  cobra.NoArgs,
		RunE: r.run(func(ctx context.Context, a *App, _ []string) error {
			return a.Logout(ctx)
		}),
	}
}

func (a *App) Logout(ctx context.Context) error {
	if err := a.session.Logout(ctx); err != nil {
		return err
	}
	a.println("Logged out")
	return nil
}
