package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/variablefate/ridestr-sub008/escrow"
)

type command struct {
	args    string
	help    string
	minArgs int
	run     func(ctx context.Context, a *app, args []string) error
}

var commands = map[string]command{
	"info":     {"", "show mint and wallet keys", 0, cmdInfo},
	"balance":  {"", "show the spendable balance", 0, cmdBalance},
	"deposit":  {"<sats>", "request an invoice and mint once it is paid", 1, cmdDeposit},
	"withdraw": {"<invoice>", "pay a lightning invoice", 1, cmdWithdraw},
	"preimage": {"", "generate a preimage and its payment hash", 0, cmdPreimage},
	"lock":     {"<payee-pubkey> <sats> <payment-hash> <locktime> [escrow-id]", "lock funds in an escrow; locktime is a duration like 2h", 4, cmdLock},
	"receive":  {"<escrow-id> <token> [payment-hash]", "record an escrow token locked to this wallet", 2, cmdReceive},
	"claim":    {"<escrow-id> <preimage>", "claim a received escrow", 2, cmdClaim},
	"refund":   {"<escrow-id>", "refund an expired escrow", 1, cmdRefund},
	"notice":   {"<escrow-id>", "confirm the payee claimed an escrow", 1, cmdNotice},
	"escrows":  {"", "list escrows", 0, cmdEscrows},
	"history":  {"[limit]", "show transaction history", 0, cmdHistory},
	"recover":  {"", "retry saving locally held recovery tokens", 0, cmdRecover},
	"restore":  {"", "recover funds from the seed phrase", 0, cmdRestore},
	"run":      {"", "keep running, auto refunding expired escrows", 0, cmdRun},
}

func parseSats(s string) (uint64, error) {
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil || v == 0 {
		return 0, fmt.Errorf("invalid amount %q", s)
	}
	return v, nil
}

func cmdInfo(ctx context.Context, a *app, _ []string) error {
	info, err := a.mint.Info(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("Mint:         %s (%s %s)\n", a.mint.URL(), info.Name, info.Version)
	fmt.Printf("Unit:         %s\n", a.mint.Unit())
	fmt.Printf("Payment key:  %s\n", a.wallet.PaymentPubKey())
	fmt.Printf("Store key:    %s\n", a.store.PublicKey())
	fmt.Printf("Relays:       %v\n", a.cfg.Relays)
	return nil
}

func cmdBalance(ctx context.Context, a *app, _ []string) error {
	fmt.Printf("%d sats\n", a.wallet.Balance())
	return nil
}

func cmdDeposit(ctx context.Context, a *app, args []string) error {
	amount, err := parseSats(args[0])
	if err != nil {
		return err
	}
	q, err := a.wallet.RequestDeposit(ctx, amount)
	if err != nil {
		return err
	}
	fmt.Printf("Pay this invoice to deposit %d sats:\n\n%s\n\nWaiting for payment (quote %s)...\n", amount, q.Request, q.Quote)
	updates, unwatch := a.wallet.WatchQuote(q.Quote)
	done := make(chan struct{})
	go func() {
		last := q.State
		for {
			select {
			case <-done:
				return
			case u := <-updates:
				if u.Err == nil && u.State != last {
					last = u.State
					fmt.Printf("Quote %s is %s\n", u.Quote, u.State)
				}
			}
		}
	}()
	proofs, err := a.wallet.CompleteDeposit(ctx, q.Quote, amount)
	close(done)
	unwatch()
	if err != nil {
		return err
	}
	fmt.Printf("Deposited %d sats, balance %d sats\n", proofs.Amount(), a.wallet.Balance())
	return nil
}

func cmdWithdraw(ctx context.Context, a *app, args []string) error {
	res, err := a.wallet.Withdraw(ctx, args[0])
	if err != nil {
		return err
	}
	switch {
	case res.Paid:
		fmt.Printf("Paid %d sats, fee %d sats, balance %d sats\n", res.Quote.Amount, res.Fee, a.wallet.Balance())
	case res.Pending:
		fmt.Printf("Payment of %d sats is pending; it settles on a later run\n", res.Quote.Amount)
	}
	return nil
}

func cmdPreimage(context.Context, *app, []string) error {
	preimage, hash, err := escrow.NewPreimage()
	if err != nil {
		return err
	}
	fmt.Printf("Preimage:      %s\nPayment hash:  %s\n", preimage, hash)
	return nil
}

func cmdLock(ctx context.Context, a *app, args []string) error {
	amount, err := parseSats(args[1])
	if err != nil {
		return err
	}
	d, err := time.ParseDuration(args[3])
	if err != nil || d <= 0 {
		return fmt.Errorf("invalid locktime %q", args[3])
	}
	p := escrow.LockParams{
		PayeePubKey: args[0],
		Amount:      amount,
		PaymentHash: args[2],
		Locktime:    time.Now().Add(d),
	}
	if len(args) > 4 {
		p.EscrowID = args[4]
	}
	h, err := a.wallet.LockEscrow(ctx, p)
	if err != nil {
		return err
	}
	fmt.Printf("Escrow %s locked %d sats until %s\n\n%s\n", h.EscrowID, h.AmountSats,
		time.Unix(h.Locktime, 0).Format(time.RFC3339), h.Token)
	return nil
}

func cmdReceive(ctx context.Context, a *app, args []string) error {
	p := escrow.ReceiveParams{EscrowID: args[0]}
	if len(args) > 2 {
		p.PaymentHash = args[2]
	}
	h, err := a.wallet.ReceiveEscrow(ctx, args[1], p)
	if err != nil {
		return err
	}
	fmt.Printf("Escrow %s: %d sats, claimable until %s\n", h.EscrowID, h.AmountSats,
		time.Unix(h.Locktime, 0).Format(time.RFC3339))
	return nil
}

func cmdClaim(ctx context.Context, a *app, args []string) error {
	h, err := a.wallet.ClaimEscrow(ctx, args[0], args[1])
	if err != nil {
		return err
	}
	fmt.Printf("Escrow %s %s, balance %d sats\n", h.EscrowID, h.Status, a.wallet.Balance())
	return nil
}

func cmdRefund(ctx context.Context, a *app, args []string) error {
	h, err := a.wallet.RefundEscrow(ctx, args[0])
	if err != nil {
		return err
	}
	fmt.Printf("Escrow %s %s, balance %d sats\n", h.EscrowID, h.Status, a.wallet.Balance())
	return nil
}

func cmdNotice(ctx context.Context, a *app, args []string) error {
	h, err := a.wallet.ConfirmClaimNotice(ctx, args[0])
	if err != nil {
		return err
	}
	fmt.Printf("Escrow %s %s\n", h.EscrowID, h.Status)
	return nil
}

func cmdEscrows(ctx context.Context, a *app, _ []string) error {
	hs, err := a.wallet.Escrows()
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tROLE\tSATS\tSTATUS\tLOCKTIME")
	for _, h := range hs {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\n", h.EscrowID, h.Role, h.AmountSats, h.Status,
			time.Unix(h.Locktime, 0).Format(time.RFC3339))
	}
	return tw.Flush()
}

func cmdHistory(ctx context.Context, a *app, args []string) error {
	limit := 20
	if len(args) > 0 {
		n, err := strconv.Atoi(args[0])
		if err != nil || n <= 0 {
			return fmt.Errorf("invalid limit %q", args[0])
		}
		limit = n
	}
	entries, err := a.store.History(ctx, limit)
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TIME\tKIND\tDIR\tSATS\tREF")
	for _, e := range entries {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\n", e.At.Format(time.RFC3339), e.Kind, e.Direction, e.Amount, e.Ref)
	}
	return tw.Flush()
}

func cmdRecover(ctx context.Context, a *app, _ []string) error {
	n, err := a.wallet.RecoverTokens(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("Recovered %d sats, balance %d sats\n", n, a.wallet.Balance())
	return nil
}

func cmdRestore(ctx context.Context, a *app, _ []string) error {
	n, err := a.wallet.RestoreFromSeed(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("Restored %d sats, balance %d sats\n", n, a.wallet.Balance())
	return nil
}

func cmdRun(ctx context.Context, a *app, _ []string) error {
	g, gctx := errgroup.WithContext(ctx)
	if *metricsAddr != "" {
		srv := &http.Server{
			Addr:              *metricsAddr,
			Handler:           promhttp.HandlerFor(a.reg, promhttp.HandlerOpts{}),
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error {
			a.log.Infof("Serving metrics on %s", *metricsAddr)
			if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(sctx)
		})
	}
	a.log.Infof("Wallet running with %d sats", a.wallet.Balance())
	g.Go(func() error {
		<-gctx.Done()
		return nil
	})
	return g.Wait()
}
