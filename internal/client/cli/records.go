package cli

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"github.com/dmitrijs2005/possync/internal/client/models"
	"github.com/dmitrijs2005/possync/internal/client/repositories/clients"
	"github.com/dmitrijs2005/possync/internal/client/services"
)

func (r *root) clientCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "client",
		Short: "Manage clients",
	}

	var in services.ClientInput
	add := &cobra.Command{
		Use:   "add",
		Short: "Register a client",
		Args:  cobra.NoArgs,
		RunE: r.run(func(ctx context.Context, a *App, _ []string) error {
			c, err := a.clients.Create(ctx, in)
			if err != nil {
				return err
			}
			a.printf("Client %d created: %s\n", c.LocalID, c.FullName())
			return nil
		}),
	}
	bindClientInput(add, &in)

	var upd services.ClientInput
	update := &cobra.Command{
		Use:   "update <id>",
		Short: "Change a client's details",
		Args:  cobra.ExactArgs(1),
		RunE: r.run(func(ctx context.Context, a *App, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			c, err := a.clients.Update(ctx, id, upd)
			if err != nil {
				return err
			}
			a.printf("Client %d updated: %s\n", c.LocalID, c.FullName())
			return nil
		}),
	}
	bindClientInput(update, &upd)

	var (
		search   string
		unsynced bool
	)
	list := &cobra.Command{
		Use:   "list",
		Short: "List clients",
		Args:  cobra.NoArgs,
		RunE: r.run(func(ctx context.Context, a *App, _ []string) error {
			f := clients.Filter{Search: search}
			if unsynced {
				synced := false
				f.Synced = &synced
			}
			return a.ListClients(ctx, f)
		}),
	}
	list.Flags().StringVarP(&search, "search", "s", "", "match name or phone")
	list.Flags().BoolVar(&unsynced, "unsynced", false, "only clients with unsynced changes")

	del := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a client",
		Args:  cobra.ExactArgs(1),
		RunE: r.run(func(ctx context.Context, a *App, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			if err := a.clients.Delete(ctx, id); err != nil {
				return err
			}
			a.printf("Client %d deleted\n", id)
			return nil
		}),
	}

	cmd.AddCommand(add, update, list, del)
	return cmd
}

func bindClientInput(cmd *cobra.Command, in *services.ClientInput) {
	cmd.Flags().StringVar(&in.FirstName, "first", "", "first name")
	cmd.Flags().StringVar(&in.LastName, "last", "", "last name")
	cmd.Flags().StringVar(&in.Phone, "phone", "", "phone number")
}

func (a *App) ListClients(ctx context.Context, f clients.Filter) error {
	list, err := a.clients.List(ctx, f)
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(a.out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tPHONE\tVISITS\tSYNCED")
	for _, c := range list {
		fmt.Fprintf(w, "%d\t%s\t%s\t%d\t%s\n", c.LocalID, c.FullName(), c.Phone, c.VisitCount, yesNo(c.Synced))
	}
	return w.Flush()
}

func (r *root) visitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "visit",
		Short: "Record and list visits",
	}

	var lines []string
	add := &cobra.Command{
		Use:   "add <client-id>",
		Short: "Record a visit",
		Long:  "Record a visit. Each --line is OFFERING-ID[:QUANTITY].",
		Args:  cobra.ExactArgs(1),
		RunE: r.run(func(ctx context.Context, a *App, args []string) error {
			clientID, err := parseID(args[0])
			if err != nil {
				return err
			}
			in, err := parseLines(lines)
			if err != nil {
				return err
			}
			v, err := a.visits.Create(ctx, clientID, in)
			if err != nil {
				return err
			}
			a.printVisit(v)
			return nil
		}),
	}
	add.Flags().StringArrayVarP(&lines, "line", "l", nil, "OFFERING-ID[:QUANTITY], repeatable")

	list := &cobra.Command{
		Use:   "list <client-id>",
		Short: "List a client's visits",
		Args:  cobra.ExactArgs(1),
		RunE: r.run(func(ctx context.Context, a *App, args []string) error {
			clientID, err := parseID(args[0])
			if err != nil {
				return err
			}
			visits, err := a.visits.ListByClient(ctx, clientID)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(a.out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tDATE\tTOTAL\tFREE\tSYNCED")
			for _, v := range visits {
				fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\n", v.LocalID, v.VisitedAt.Local().Format(time.DateTime),
					v.Total.StringFixed(2), yesNo(v.Free), yesNo(v.Synced))
			}
			return w.Flush()
		}),
	}

	cmd.AddCommand(add, list)
	return cmd
}

func parseLines(raw []string) ([]services.LineInput, error) {
	out := make([]services.LineInput, 0, len(raw))
	for _, s := range raw {
		idPart, qtyPart, hasQty := strings.Cut(s, ":")
		id, err := parseID(idPart)
		if err != nil {
			return nil, fmt.Errorf("line %q: %w", s, err)
		}
		qty := 1
		if hasQty {
			qty, err = strconv.Atoi(qtyPart)
			if err != nil || qty <= 0 {
				return nil, fmt.Errorf("line %q: invalid quantity", s)
			}
		}
		out = append(out, services.LineInput{OfferingID: id, Quantity: qty})
	}
	return out, nil
}

func (a *App) printVisit(v *models.Visit) {
	a.printf("Visit %d recorded\n", v.LocalID)
	for _, l := range v.Lines {
		a.printf("  %-24s %3d x %8s = %8s\n", l.Label, l.Quantity, l.UnitPrice.StringFixed(2), l.Amount().StringFixed(2))
	}
	if v.Free {
		a.println("  Free visit!")
	}
	a.printf("  Total: %s\n", v.Total.StringFixed(2))
}

func (r *root) payCmd() *cobra.Command {
	var (
		amount string
		method string
	)
	cmd := &cobra.Command{
		Use:   "pay <visit-id>",
		Short: "Record the payment for a visit",
		Args:  cobra.ExactArgs(1),
		RunE: r.run(func(ctx context.Context, a *App, args []string) error {
			visitID, err := parseID(args[0])
			if err != nil {
				return err
			}
			var amt decimal.Decimal
			if amount == "" {
				v, err := a.visits.Get(ctx, visitID)
				if err != nil {
					return err
				}
				amt = v.Total
			} else if amt, err = decimal.NewFromString(amount); err != nil {
				return fmt.Errorf("invalid amount %q", amount)
			}
			p, err := a.payments.Record(ctx, visitID, amt, models.PaymentMethod(method))
			if err != nil {
				return err
			}
			a.printf("Payment %d recorded: %s %s, receipt %s\n", p.LocalID, p.Amount.StringFixed(2), p.Method, p.ReceiptNumber)
			return nil
		}),
	}
	cmd.Flags().StringVar(&amount, "amount", "", "amount paid (defaults to the visit total)")
	cmd.Flags().StringVar(&method, "method", string(models.PaymentCash), "cash, card or transfer")
	return cmd
}

func (r *root) paymentsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "payments",
		Short: "List and cancel payments",
	}

	list := &cobra.Command{
		Use:   "list <visit-id>",
		Short: "List payments of a visit",
		Args:  cobra.ExactArgs(1),
		RunE: r.run(func(ctx context.Context, a *App, args []string) error {
			visitID, err := parseID(args[0])
			if err != nil {
				return err
			}
			list, err := a.payments.ListByVisit(ctx, visitID)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(a.out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tAMOUNT\tMETHOD\tRECEIPT\tCANCELLED\tSYNCED")
			for _, p := range list {
				fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%s\n", p.LocalID, p.Amount.StringFixed(2), p.Method,
					p.ReceiptNumber, yesNo(p.Cancelled), yesNo(p.Synced))
			}
			return w.Flush()
		}),
	}

	cancel := &cobra.Command{
		Use:   "cancel <payment-id>",
		Short: "Cancel a payment",
		Args:  cobra.ExactArgs(1),
		RunE: r.run(func(ctx context.Context, a *App, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			p, err := a.payments.Cancel(ctx, id)
			if err != nil {
				return err
			}
			a.printf("Payment %d cancelled (receipt %s)\n", p.LocalID, p.ReceiptNumber)
			return nil
		}),
	}

	cmd.AddCommand(list, cancel)
	return cmd
}

func (r *root) offeringsCmd() *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "offerings",
		Short: "List the service catalog",
		Args:  cobra.NoArgs,
		RunE: r.run(func(ctx context.Context, a *App, _ []string) error {
			list, err := a.offerings.List(ctx, !all)
			if err != nil {
				return err
			}
			if len(list) == 0 {
				a.println("No offerings yet; run 'possync sync' while online")
				return nil
			}
			w := tabwriter.NewWriter(a.out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tLABEL\tPRICE\tACTIVE")
			for _, o := range list {
				fmt.Fprintf(w, "%d\t%s\t%s\t%s\n", o.LocalID, o.Label, o.Price.StringFixed(2), yesNo(o.Active))
			}
			return w.Flush()
		}),
	}
	cmd.Flags().BoolVar(&all, "all", false, "include inactive offerings")
	return cmd
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}
