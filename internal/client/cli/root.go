package cli

import (
	"context"
	"errors"

	"github.com/spf13/cobra"

	"github.com/dmitrijs2005/possync/internal/client/config"
)

type root struct {
	cmd   *cobra.Command
	flags config.Flags
	opts  []AppOption
	app   *App
}

// newRoot builds the possync command tree. The App is created
// lazily before the first command runs; Execute closes it.
func newRoot(opts ...AppOption) *root {
	r := &root{opts: opts}
	r.cmd = &cobra.Command{
		Use:           "possync",
		Short:         "Offline-first point-of-sale client",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := r.flags.Load(cmd.Flags())
			if err != nil {
				return err
			}
			o := append([]AppOption{WithOutput(cmd.OutOrStdout()), WithInput(cmd.InOrStdin())}, r.opts...)
			r.app, err = NewApp(cmd.Context(), cfg, o...)
			return err
		},
	}
	r.flags.Register(r.cmd.PersistentFlags())

	r.cmd.AddCommand(
		r.daemonCmd(),
		r.syncCmd(),
		r.statusCmd(),
		r.queueCmd(),
		r.logCmd(),
		r.clientCmd(),
		r.visitCmd(),
		r.payCmd(),
		r.paymentsCmd(),
		r.offeringsCmd(),
		r.loginCmd(),
		r.logoutCmd(),
		r.backupCmd(),
		r.shellCmd(),
	)
	return r
}

// Execute runs the command line in args and releases the App afterwards.
func Execute(ctx context.Context, args []string, opts ...AppOption) error {
	r := newRoot(opts...)
	r.cmd.SetArgs(args)
	err := r.cmd.ExecuteContext(ctx)
	if r.app != nil {
		err = errors.Join(err, r.app.Close())
	}
	return err
}

// run adapts an App method to a cobra RunE.
func (r *root) run(fn func(ctx context.Context, a *App, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		return fn(cmd.Context(), r.app, args)
	}
}
