package cli

import (
	"bufio"
	"context"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"github.com/dmitrijs2005/possync/internal/client/models"
	"github.com/dmitrijs2005/possync/internal/client/repositories/clients"
	"github.com/dmitrijs2005/possync/internal/client/services"
)

// printlnFn is a test seam for user-facing output. In tests, replace it with a stub.
var printlnFn = fmt.Println

// execIface defines the minimal command surface the REPL needs to operate.
// The real App type satisfies this interface; tests can provide a lightweight stub.
type execIface interface {
	isLoggedIn(ctx context.Context) bool
	Login(ctx context.Context, token string) error
	Logout(ctx context.Context) error
	Status(ctx context.Context) error
	syncAndReport(ctx context.Context) error
	listClients(ctx context.Context) error
	promptClient(ctx context.Context) error
	promptVisit(ctx context.Context) error
	promptPayment(ctx context.Context) error
	ListQueue(ctx context.Context, failedOnly bool) error
}

// runREPL starts a simple read–eval–print loop over the local store.
//
// It reads a line from the provided scanner, parses the first token as the
// command, and dispatches to methods on 'a'. The loop exits on scanner EOF
// or when the user types "exit" or "quit".
//
// Every command works offline; sync and status need the server.
//
// Errors returned by handlers are printed and the loop continues.
func runREPL(ctx context.Context, a execIface, statusFn func() string, scanner *bufio.Scanner) {
	for {
		printlnFn(fmt.Sprintf("possync %s> ", statusFn()))
		if !scanner.Scan() {
			return
		}
		parts := strings.Fields(scanner.Text())
		if len(parts) == 0 {
			continue
		}
		cmd := parts[0]

		var err error
		switch cmd {
		case "help":
			if a.isLoggedIn(ctx) {
				printlnFn("Available commands: (c)lients, addclient, visit, pay, (s)ync, status, queue, logout, exit")
			} else {
				printlnFn("Available commands: (c)lients, addclient, visit, pay, status, queue, login, exit")
			}

		case "login":
			err = a.Login(ctx, "")

		case "logout":
			err = a.Logout(ctx)

		case "status":
			err = a.Status(ctx)

		case "s", "sync":
			err = a.syncAndReport(ctx)

		case "c", "clients":
			err = a.listClients(ctx)

		case "addclient":
			err = a.promptClient(ctx)

		case "visit":
			err = a.promptVisit(ctx)

		case "pay":
			err = a.promptPayment(ctx)

		case "queue":
			err = a.ListQueue(ctx, false)

		case "exit", "quit":
			printlnFn("Bye!")
			return

		default:
			printlnFn("Unknown command:", cmd)
		}
		if err != nil {
			printlnFn("error:", err)
		}
	}
}

func (r *root) shellCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "shell",
		Short: "Interactive front desk session",
		Args:  cobra.NoArgs,
		RunE: r.run(func(ctx context.Context, a *App, _ []string) error {
			a.println("possync shell (type 'help' for commands)")
			runREPL(ctx, a, func() string { return a.shellStatus(ctx) }, bufio.NewScanner(a.reader))
			return nil
		}),
	}
}

func (a *App) shellStatus(ctx context.Context) string {
	n, err := a.queue.Count(ctx)
	if err != nil || n == 0 {
		return ""
	}
	return fmt.Sprintf("(%d unsynced)", n)
}

func (a *App) isLoggedIn(ctx context.Context) bool {
	return a.session.Valid(ctx)
}

func (a *App) syncAndReport(ctx context.Context) error {
	rep, err := a.Sync(ctx)
	a.printReport(rep)
	return err
}

func (a *App) listClients(ctx context.Context) error {
	return a.ListClients(ctx, clients.Filter{})
}

func (a *App) promptClient(ctx context.Context) error {
	var (
		in  services.ClientInput
		err error
	)
	if in.FirstName, err = GetSimpleText(a.reader, "First name", a.out); err != nil {
		return err
	}
	if in.LastName, err = GetSimpleText(a.reader, "Last name", a.out); err != nil {
		return err
	}
	if in.Phone, err = GetSimpleText(a.reader, "Phone", a.out); err != nil {
		return err
	}
	c, err := a.clients.Create(ctx, in)
	if err != nil {
		return err
	}
	a.printf("Client %d created: %s\n", c.LocalID, c.FullName())
	return nil
}

func (a *App) promptVisit(ctx context.Context) error {
	s, err := GetSimpleText(a.reader, "Client id", a.out)
	if err != nil {
		return err
	}
	clientID, err := parseID(s)
	if err != nil {
		return err
	}
	raw, err := GetList(a.reader, "Lines as OFFERING-ID[:QUANTITY]", a.out)
	if err != nil {
		return err
	}
	lines, err := parseLines(raw)
	if err != nil {
		return err
	}
	v, err := a.visits.Create(ctx, clientID, lines)
	if err != nil {
		return err
	}
	a.printVisit(v)
	return nil
}

func (a *App) promptPayment(ctx context.Context) error {
	s, err := GetSimpleText(a.reader, "Visit id", a.out)
	if err != nil {
		return err
	}
	visitID, err := parseID(s)
	if err != nil {
		return err
	}
	v, err := a.visits.Get(ctx, visitID)
	if err != nil {
		return err
	}
	amount := v.Total
	s, err = GetSimpleText(a.reader, fmt.Sprintf("Amount [%s]", v.Total.StringFixed(2)), a.out)
	if err != nil {
		return err
	}
	if s != "" {
		if amount, err = decimal.NewFromString(s); err != nil {
			return fmt.Errorf("invalid amount %q", s)
		}
	}
	method, err := GetSimpleText(a.reader, "Method (cash, card, transfer) [cash]", a.out)
	if err != nil {
		return err
	}
	if method == "" {
		method = string(models.PaymentCash)
	}
	p, err := a.payments.Record(ctx, visitID, amount, models.PaymentMethod(method))
	if err != nil {
		return err
	}
	a.printf("Payment %d recorded, receipt %s\n", p.LocalID, p.ReceiptNumber)
	return nil
}
