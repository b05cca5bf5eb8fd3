package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"marketcache/pkg/marketcache"
)

const version = "0.1.0"

func usage() {
	fmt.Fprintf(os.Stderr, "Usage: marketcache-cli <command> [options]\n\n")
	fmt.Fprintf(os.Stderr, "Commands:\n")
	fmt.Fprintf(os.Stderr, "  version    Print the CLI version\n")
	fmt.Fprintf(os.Stderr, "  health     Show server and provider health\n")
	fmt.Fprintf(os.Stderr, "  keys       List cached series\n")
	fmt.Fprintf(os.Stderr, "  range      Show the cached range of a series\n")
	fmt.Fprintf(os.Stderr, "  load       Print cached bars as JSON\n")
	fmt.Fprintf(os.Stderr, "  delete     Delete a cached series\n")
	fmt.Fprintf(os.Stderr, "  acquire    Start an acquisition\n")
	fmt.Fprintf(os.Stderr, "  status     Show an acquisition\n")
	fmt.Fprintf(os.Stderr, "  list       List acquisitions\n")
	fmt.Fprintf(os.Stderr, "  cancel     Cancel an acquisition\n")
	fmt.Fprintf(os.Stderr, "\nThe server address is taken from -server or MARKETCACHE_URL.\n")
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}
	cmd, args := os.Args[1], os.Args[2:]

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch cmd {
	case "version":
		fmt.Printf("marketcache-cli %s\n", version)
	case "health":
		err = runHealth(ctx, args)
	case "keys":
		err = runKeys(ctx, args)
	case "range":
		err = runRange(ctx, args)
	case "load":
		err = runLoad(ctx, args)
	case "delete":
		err = runDelete(ctx, args)
	case "acquire":
		err = runAcquire(ctx, args)
	case "status":
		err = runStatus(ctx, args)
	case "list":
		err = runList(ctx, args)
	case "cancel":
		err = runCancel(ctx, args)
	case "help", "-h", "--help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", cmd)
		usage()
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", cmd, err)
		os.Exit(1)
	}
}

// newFlags returns a flag set with the shared -server flag.
func newFlags(name string) (*flag.FlagSet, *string) {
	fs := flag.NewFlagSet(name, flag.ExitOnError)
	def := os.Getenv("MARKETCACHE_URL")
	if def == "" {
		def = "http://localhost:8080"
	}
	server := fs.String("server", def, "marketcache-server base URL")
	return fs, server
}

// seriesFlags adds -symbol and -timeframe.
func seriesFlags(fs *flag.FlagSet) (*string, *string) {
	return fs.String("symbol", "", "ticker symbol (required)"),
		fs.String("timeframe", "1d", "bar timeframe: 1m 5m 15m 30m 1h 4h 1d 1w")
}

func requireSymbol(fs *flag.FlagSet, symbol string) error {
	if symbol == "" {
		fs.Usage()
		return fmt.Errorf("-symbol is required")
	}
	return nil
}

// parseTimeFlag accepts RFC 3339 or YYYY-MM-DD. Empty means unbounded.
func parseTimeFlag(name, s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	t, err := time.Parse(time.DateOnly, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("-%s: %q is not RFC 3339 or YYYY-MM-DD", name, s)
	}
	return t, nil
}

// ---------------------------------------------------------------------------
// Cache commands
// ---------------------------------------------------------------------------

func runHealth(ctx context.Context, args []string) error {
	fs, server := newFlags("health")
	fs.Parse(args)
	h, err := marketcache.NewClient(*server).Health(ctx)
	if h != nil {
		fmt.Printf("ok=%t provider=%s latency=%s\n", h.OK, h.Provider, h.Latency)
	}
	return err
}

func runKeys(ctx context.Context, args []string) error {
	fs, server := newFlags("keys")
	fs.Parse(args)
	keys, err := marketcache.NewClient(*server).Keys(ctx)
	if err != nil {
		return err
	}
	for _, k := range keys {
		fmt.Printf("%s/%s\n", k.Symbol, k.Timeframe)
	}
	return nil
}

func runRange(ctx context.Context, args []string) error {
	fs, server := newFlags("range")
	symbol, tf := seriesFlags(fs)
	fs.Parse(args)
	if err := requireSymbol(fs, *symbol); err != nil {
		return err
	}
	r, err := marketcache.NewClient(*server).Range(ctx, *symbol, *tf)
	if err != nil {
		return err
	}
	fmt.Printf("%s/%s  %s .. %s  (%d bars)\n", strings.ToUpper(*symbol), *tf,
		r.Start.Format(time.RFC3339), r.End.Format(time.RFC3339), r.Count)
	return nil
}

func runLoad(ctx context.Context, args []string) error {
	fs, server := newFlags("load")
	symbol, tf := seriesFlags(fs)
	startFlag := fs.String("start", "", "inclusive start (RFC 3339 or YYYY-MM-DD)")
	endFlag := fs.String("end", "", "exclusive end (RFC 3339 or YYYY-MM-DD)")
	fs.Parse(args)
	if err := requireSymbol(fs, *symbol); err != nil {
		return err
	}
	start, err := parseTimeFlag("start", *startFlag)
	if err != nil {
		return err
	}
	end, err := parseTimeFlag("end", *endFlag)
	if err != nil {
		return err
	}
	s, err := marketcache.NewClient(*server).Load(ctx, *symbol, *tf, start, end)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(s)
}

func runDelete(ctx context.Context, args []string) error {
	fs, server := newFlags("delete")
	symbol, tf := seriesFlags(fs)
	fs.Parse(args)
	if err := requireSymbol(fs, *symbol); err != nil {
		return err
	}
	if err := marketcache.NewClient(*server).Delete(ctx, *symbol, *tf); err != nil {
		return err
	}
	fmt.Printf("deleted %s/%s\n", strings.ToUpper(*symbol), *tf)
	return nil
}

// ---------------------------------------------------------------------------
// Acquisition commands
// ---------------------------------------------------------------------------

func runAcquire(ctx context.Context, args []string) error {
	fs, server := newFlags("acquire")
	symbol, tf := seriesFlags(fs)
	mode := fs.String("mode", "tail", "tail, backfill or full")
	startFlag := fs.String("start", "", "requested start (default: earliest available)")
	endFlag := fs.String("end", "", "requested end (default: now)")
	watch := fs.Bool("watch", false, "stream progress until the acquisition finishes")
	fs.Parse(args)
	if err := requireSymbol(fs, *symbol); err != nil {
		return err
	}
	start, err := parseTimeFlag("start", *startFlag)
	if err != nil {
		return err
	}
	end, err := parseTimeFlag("end", *endFlag)
	if err != nil {
		return err
	}

	c := marketcache.NewClient(*server)
	id, err := c.Acquire(ctx, marketcache.AcquireRequest{
		Symbol: *symbol, Timeframe: *tf, Mode: *mode, Start: start, End: end,
	})
	if err != nil {
		return err
	}
	fmt.Printf("operation %s started\n", id)
	if !*watch {
		return nil
	}

	err = c.Watch(ctx, id, func(p marketcache.Progress) {
		line := fmt.Sprintf("[%5.1f%%] %-18s %d/%d bars=%d", p.Percent, p.Phase, p.Step, p.TotalSteps, p.BarsFetched)
		if p.Message != "" {
			line += "  " + p.Message
		}
		fmt.Println(line)
	})
	if err != nil {
		if ctx.Err() != nil {
			fmt.Printf("stopped watching; cancel with: marketcache-cli cancel -id %s\n", id)
			return nil
		}
		return err
	}
	op, err := c.Operation(context.Background(), id)
	if err != nil {
		return err
	}
	printOperation(op)
	return nil
}

func runStatus(ctx context.Context, args []string) error {
	fs, server := newFlags("status")
	id := fs.String("id", "", "operation ID (required)")
	fs.Parse(args)
	if *id == "" {
		fs.Usage()
		return fmt.Errorf("-id is required")
	}
	op, err := marketcache.NewClient(*server).Operation(ctx, *id)
	if err != nil {
		return err
	}
	printOperation(op)
	return nil
}

func runList(ctx context.Context, args []string) error {
	fs, server := newFlags("list")
	fs.Parse(args)
	ops, err := marketcache.NewClient(*server).Operations(ctx)
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSYMBOL\tTF\tMODE\tSTATUS\tSEGMENTS\tFAILED\tBARS\tCREATED")
	for _, op := range ops {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%d\t%d\t%d\t%s\n",
			op.ID, op.Symbol, op.Timeframe, op.Mode, op.Status,
			op.SegmentsTotal, op.SegmentsFailed, op.BarsSaved, op.CreatedAt.Local().Format(time.DateTime))
	}
	return tw.Flush()
}

func runCancel(ctx context.Context, args []string) error {
	fs, server := newFlags("cancel")
	id := fs.String("id", "", "operation ID (required)")
	fs.Parse(args)
	if *id == "" {
		fs.Usage()
		return fmt.Errorf("-id is required")
	}
	op, err := marketcache.NewClient(*server).Cancel(ctx, *id)
	if err != nil {
		return err
	}
	fmt.Printf("cancel requested for %s (status %s)\n", op.ID, op.Status)
	return nil
}

func printOperation(op *marketcache.Operation) {
	fmt.Printf("operation  %s\n", op.ID)
	fmt.Printf("series     %s/%s (%s)\n", op.Symbol, op.Timeframe, op.Mode)
	fmt.Printf("status     %s (%s)\n", op.Status, op.Phase)
	if !op.Start.IsZero() {
		fmt.Printf("window     %s .. %s\n", op.Start.Format(time.RFC3339), op.End.Format(time.RFC3339))
	}
	fmt.Printf("segments   %d total, %d failed\n", op.SegmentsTotal, op.SegmentsFailed)
	fmt.Printf("bars       %d fetched, %d saved\n", op.BarsFetched, op.BarsSaved)
	if op.Cached != nil {
		fmt.Printf("cached     %s .. %s (%d bars)\n",
			op.Cached.Start.Format(time.RFC3339), op.Cached.End.Format(time.RFC3339), op.Cached.Count)
	}
	for _, f := range op.FailedSegments {
		fmt.Printf("failed     [%s, %s) after %d attempts: %s\n",
			f.Segment.Start.Format(time.RFC3339), f.Segment.End.Format(time.RFC3339), f.Attempts, f.Error)
	}
	for _, w := range op.Warnings {
		fmt.Printf("warning    %s\n", w)
	}
	if op.Error != "" {
		fmt.Printf("error      %s\n", op.Error)
	}
}
