package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"sentinel/pkg/sentinel"
)

const version = "0.1.0"

func main() {
	addr := flag.String("addr", envOr("SENTINEL_ADDR", "http://127.0.0.1:8080"), "sentinel status API base URL")
	timeout := flag.Duration("timeout", 10*time.Second, "request timeout")
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: sentinel-cli [-addr url] <command> [args]\n\n")
		fmt.Fprintf(os.Stderr, "Commands:\n")
		fmt.Fprintf(os.Stderr, "  version              Print the CLI version\n")
		fmt.Fprintf(os.Stderr, "  status               Show agent health\n")
		fmt.Fprintf(os.Stderr, "  positions            List open positions\n")
		fmt.Fprintf(os.Stderr, "  orders [status]      List orders (open, all or a status name)\n")
		fmt.Fprintf(os.Stderr, "  order <key>          Show one order and its transitions\n")
		fmt.Fprintf(os.Stderr, "  risk                 Show the risk view\n")
		fmt.Fprintf(os.Stderr, "  halt [reason]        Trip the kill switch and cancel open orders\n")
		fmt.Fprintf(os.Stderr, "  resume               Clear the kill switch\n")
		fmt.Fprintf(os.Stderr, "\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	args := flag.Args()
	if len(args) < 1 {
		flag.Usage()
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()
	c := sentinel.NewClient(*addr)

	if err := run(ctx, c, args); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, c *sentinel.Client, args []string) error {
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	defer w.Flush()

	switch args[0] {
	case "version":
		fmt.Printf("sentinel-cli %s\n", version)

	case "status":
		h, err := c.Health(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "status\t%s\n", h.Status)
		fmt.Fprintf(w, "uptime\t%s\n", time.Duration(h.UptimeSeconds)*time.Second)
		fmt.Fprintf(w, "last event\t%s\n", h.LastEvent.Format(time.RFC3339))
		fmt.Fprintf(w, "events\t%d\n", h.Events)
		fmt.Fprintf(w, "open orders\t%d\n", h.OpenOrders)
		fmt.Fprintf(w, "halted\t%t\n", h.Halted)

	case "positions":
		positions, err := c.Positions(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintln(w, "SYMBOL\tQTY\tAVG\tMARK\tUNREALIZED\tREALIZED")
		for _, p := range positions {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n", p.Symbol, p.Qty, p.AvgEntryPrice.StringFixed(2),
				p.MarkPrice.StringFixed(2), p.UnrealizedPnL.StringFixed(2), p.RealizedPnL.StringFixed(2))
		}

	case "orders":
		status := ""
		if len(args) > 1 {
			status = args[1]
		}
		orders, err := c.Orders(ctx, status, 100)
		if err != nil {
			return err
		}
		fmt.Fprintln(w, "KEY\tSYMBOL\tSIDE\tQTY\tFILLED\tLIMIT\tSTATUS\tUPDATED")
		for _, o := range orders {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n", o.Key, o.Symbol, o.Side, o.Qty, o.FilledQty,
				o.LimitPrice, o.Status, o.UpdatedAt.Format(time.RFC3339))
		}

	case "order":
		if len(args) < 2 {
			return fmt.Errorf("order requires a key")
		}
		detail, err := c.Order(ctx, args[1])
		if err != nil {
			return err
		}
		o := detail.Order
		fmt.Fprintf(w, "key\t%s\nbroker id\t%s\nsymbol\t%s\nside\t%s\nqty\t%s\nfilled\t%s @ %s\nstatus\t%s\nreason\t%s\n\n",
			o.Key, o.BrokerID, o.Symbol, o.Side, o.Qty, o.FilledQty, o.FilledAvgPrice, o.Status, o.Reason)
		fmt.Fprintln(w, "SEQ\tAT\tFROM\tTO\tREASON")
		for _, tr := range detail.Transitions {
			fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\n", tr.Seq, tr.At.Format(time.RFC3339Nano), tr.From, tr.To, tr.Reason)
		}

	case "risk":
		r, err := c.Risk(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "equity\t%s\n", r.Equity.StringFixed(2))
		fmt.Fprintf(w, "peak equity\t%s\n", r.PeakEquity.StringFixed(2))
		fmt.Fprintf(w, "drawdown\t%s\n", r.Drawdown.StringFixed(2))
		fmt.Fprintf(w, "exposure\t%s\n", r.Exposure.StringFixed(2))
		fmt.Fprintf(w, "orders in window\t%d\n", r.OrdersInWindow)
		fmt.Fprintf(w, "halted\t%t\n", r.Halted)

	case "halt":
		res, err := c.Halt(ctx, strings.Join(args[1:], " "))
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "was running\t%t\n", res.WasRunning)
		fmt.Fprintf(w, "cancelled\t%s\n", strings.Join(res.Orders, ", "))

	case "resume":
		if err := c.Resume(ctx); err != nil {
			return err
		}
		fmt.Fprintln(w, "resumed")

	default:
		flag.Usage()
		return fmt.Errorf("unknown command: %s", args[0])
	}
	return nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
