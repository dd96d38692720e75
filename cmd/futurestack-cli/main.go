package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/shopspring/decimal"

	"futurestack/internal/config"
	"futurestack/internal/domain"
	"futurestack/internal/engine"
	"futurestack/internal/risk"
	"futurestack/internal/store"
	"futurestack/internal/util"
)

const version = "0.1.0"

func usage() {
	fmt.Fprintf(os.Stderr, "Usage: futurestack-cli <command> [options]\n\n")
	fmt.Fprintf(os.Stderr, "Commands:\n")
	fmt.Fprintf(os.Stderr, "  submit         Put an instrument order on the stack\n")
	fmt.Fprintf(os.Stderr, "  amend          Request a new trade quantity for an instrument order\n")
	fmt.Fprintf(os.Stderr, "  cancel         Cancel the unfilled part of an instrument order\n")
	fmt.Fprintf(os.Stderr, "  list           List active orders of a tier\n")
	fmt.Fprintf(os.Stderr, "  positions      Show contract positions\n")
	fmt.Fprintf(os.Stderr, "  roll-state     Show or set an instrument's roll parameters\n")
	fmt.Fprintf(os.Stderr, "  sweep          Run one reconciliation sweep\n")
	fmt.Fprintf(os.Stderr, "  recover-locks  Release locks left by crashed transactions\n")
	fmt.Fprintf(os.Stderr, "  check          Lock instruments whose strategy and contract positions disagree\n")
	fmt.Fprintf(os.Stderr, "  locks          List instrument locks, or remove one with -unlock\n")
	fmt.Fprintf(os.Stderr, "  purge          Delete deactivated orders\n")
	fmt.Fprintf(os.Stderr, "  version        Print the CLI version\n")
	fmt.Fprintf(os.Stderr, "\n")
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}
	cmd, args := os.Args[1], os.Args[2:]
	if cmd == "version" {
		fmt.Printf("futurestack-cli %s\n", version)
		return
	}

	cfg, err := config.Load(config.Path())
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	util.SetDefault(util.NewLogger(cfg.Logging.Level, cfg.Logging.Format))

	db, err := store.NewSQLiteStore(cfg.Storage.SQLitePath)
	if err != nil {
		log.Fatalf("failed to open stacks: %v", err)
	}
	defer db.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	c := &cli{cfg: cfg, db: db, owner: fmt.Sprintf("cli:%d", os.Getpid())}
	commands := map[string]func(context.Context, []string) error{
		"submit":        c.submit,
		"amend":         c.amend,
		"cancel":        c.cancel,
		"list":          c.list,
		"positions":     c.positions,
		"roll-state":    c.rollState,
		"sweep":         c.sweep,
		"recover-locks": c.recoverLocks,
		"check":         c.check,
		"locks":         c.instrumentLocks,
		"purge":         c.purge,
	}
	run, ok := commands[cmd]
	if !ok {
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", cmd)
		usage()
		os.Exit(1)
	}
	if err := run(ctx, args); err != nil {
		db.Close()
		log.Fatalf("%s: %v", cmd, err)
	}
}

type cli struct {
	cfg   *config.Config
	db    *store.SQLiteStore
	owner string
}

func (c *cli) newEngine() *engine.Engine {
	return engine.NewEngine(engine.Deps{
		Instruments: c.db.InstrumentStack(c.owner),
		Contracts:   c.db.ContractStack(c.owner),
		Positions:   c.db,
		History:     store.NewParquetHistory(c.cfg.Storage.HistoryDir),
		Limits: risk.NewLimiter(risk.Limits{
			Window:        c.cfg.TradeLimits.Window,
			DefaultMax:    c.cfg.TradeLimits.DefaultMaxTrades,
			PerInstrument: c.cfg.TradeLimits.PerInstrument,
			PerStrategy:   c.cfg.TradeLimits.PerStrategy,
		}, c.db),
		Rolls:          c.db,
		Locks:          c.db,
		StaleLockAfter: c.cfg.Engine.StaleLockAfter,
	})
}

// decimalFlag is an optional price.
type decimalFlag struct{ v decimal.NullDecimal }

func (d *decimalFlag) String() string {
	if !d.v.Valid {
		return ""
	}
	return d.v.Decimal.String()
}

func (d *decimalFlag) Set(s string) error {
	v, err := decimal.NewFromString(s)
	if err != nil {
		return err
	}
	d.v = decimal.NewNullDecimal(v)
	return nil
}

func (c *cli) submit(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("submit", flag.ExitOnError)
	strategy := fs.String("strategy", "", "strategy name")
	instrument := fs.String("instrument", "", "instrument code")
	qty := fs.Int64("qty", 0, "signed trade quantity")
	var limit, ref decimalFlag
	fs.Var(&limit, "limit", "limit price (market order when unset)")
	fs.Var(&ref, "ref", "reference price")
	fs.Parse(args)

	if *strategy == "" || *instrument == "" {
		return fmt.Errorf("-strategy and -instrument are required")
	}
	o := domain.NewInstrumentOrder(*strategy, *instrument, *qty)
	o.OrderType = domain.OrderTypeMarket
	if limit.v.Valid {
		o.OrderType = domain.OrderTypeLimit
		o.LimitPrice = limit.v
	}
	o.ReferencePrice = ref.v

	id, err := c.db.InstrumentStack(c.owner).Put(ctx, o, false)
	if err != nil {
		return err
	}
	fmt.Printf("instrument order %d: %s\n", id, o)
	return nil
}

func (c *cli) amend(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("amend", flag.ExitOnError)
	id := fs.Int64("id", 0, "instrument order id")
	qty := fs.Int64("qty", 0, "new signed trade quantity")
	fs.Parse(args)

	if err := c.db.InstrumentStack(c.owner).Modify(ctx, domain.OrderID(*id), domain.Quantities{*qty}); err != nil {
		return err
	}
	fmt.Printf("amendment of %d to %d requested\n", *id, *qty)
	return nil
}

func (c *cli) cancel(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("cancel", flag.ExitOnError)
	id := fs.Int64("id", 0, "instrument order id")
	fs.Parse(args)

	got, err := c.db.InstrumentStack(c.owner).Cancel(ctx, domain.OrderID(*id))
	if err != nil {
		return err
	}
	fmt.Printf("cancellation of %d requested\n", got)
	return nil
}

func (c *cli) list(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("list", flag.ExitOnError)
	tier := fs.String("tier", string(domain.TierInstrument), "instrument, contract or broker")
	fs.Parse(args)

	switch domain.Tier(*tier) {
	case domain.TierInstrument:
		return printOrders[*domain.InstrumentOrder](ctx, c.db.InstrumentStack(c.owner))
	case domain.TierContract:
		return printOrders[*domain.ContractOrder](ctx, c.db.ContractStack(c.owner))
	case domain.TierBroker:
		return printOrders[*domain.BrokerOrder](ctx, c.db.BrokerStack(c.owner))
	default:
		return fmt.Errorf("unknown tier %q", *tier)
	}
}

func printOrders[O domain.Order](ctx context.Context, stack store.OrderStack[O]) error {
	ids, err := stack.ActiveOrderIDs(ctx)
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tKEY\tTRADE\tFILL\tPRICE\tMODIFICATION\tPARENT\tCHILDREN\tLOCKED")
	for _, id := range ids {
		o, err := stack.Get(ctx, id)
		if err != nil {
			return err
		}
		b := o.Base()
		parent := "-"
		if p, ok := b.ParentID(); ok {
			parent = fmt.Sprint(p)
		}
		children := make([]string, len(b.Children))
		for i, ch := range b.Children {
			children[i] = fmt.Sprint(ch)
		}
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%s\t%s\t%s\t%t\n",
			b.ID, o.Key(), b.Trade, b.Fill, b.FilledPrice.Decimal.String(), b.ModificationStatus,
			parent, strings.Join(children, ","), b.Locked)
	}
	return w.Flush()
}

func (c *cli) positions(ctx context.Context, _ []string) error {
	instruments, err := c.db.InstrumentsWithPositions(ctx)
	if err != nil {
		return err
	}
	rolls, err := c.db.ListRollParameters(ctx)
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "INSTRUMENT\tCONTRACT\tPOSITION")
	for _, instrument := range instruments {
		for _, p := range rolls {
			if p.Instrument != instrument {
				continue
			}
			for _, contract := range []string{p.PricedContract, p.ForwardContract} {
				pos, err := c.db.ContractPosition(ctx, instrument, contract)
				if err != nil {
					return err
				}
				fmt.Fprintf(w, "%s\t%s\t%d\n", instrument, contract, pos)
			}
		}
	}
	return w.Flush()
}

func (c *cli) rollState(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("roll-state", flag.ExitOnError)
	instrument := fs.String("instrument", "", "instrument code (omit to list all)")
	state := fs.String("state", "", "no_roll, passive, force, force_outright, close or roll_adjusted")
	priced := fs.String("priced", "", "priced contract id")
	forward := fs.String("forward", "", "forward contract id")
	var pricedRef, forwardRef decimalFlag
	fs.Var(&pricedRef, "priced-ref", "priced contract reference price")
	fs.Var(&forwardRef, "forward-ref", "forward contract reference price")
	fs.Parse(args)

	if *state == "" {
		all, err := c.db.ListRollParameters(ctx)
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "INSTRUMENT\tSTATE\tPRICED\tFORWARD")
		for _, p := range all {
			if *instrument == "" || p.Instrument == *instrument {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", p.Instrument, p.State, p.PricedContract, p.ForwardContract)
			}
		}
		return w.Flush()
	}

	rs, err := domain.ParseRollState(*state)
	if err != nil {
		return err
	}
	if *instrument == "" || *priced == "" {
		return fmt.Errorf("-instrument and -priced are required")
	}
	return c.db.SetRollParameters(ctx, domain.RollParameters{
		Instrument:       *instrument,
		State:            rs,
		PricedContract:   *priced,
		ForwardContract:  *forward,
		PricedReference:  pricedRef.v,
		ForwardReference: forwardRef.v,
	})
}

func (c *cli) sweep(ctx context.Context, _ []string) error {
	return c.newEngine().Tick(ctx)
}

func (c *cli) recoverLocks(ctx context.Context, _ []string) error {
	return c.newEngine().RecoverStaleLocks(ctx)
}

func (c *cli) check(ctx context.Context, _ []string) error {
	if err := c.newEngine().CheckPositionBreaks(ctx); err != nil {
		return err
	}
	totals, err := c.db.PositionTotals(ctx)
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "INSTRUMENT\tSTRATEGIES\tCONTRACTS\tBREAK")
	for _, t := range totals {
		fmt.Fprintf(w, "%s\t%d\t%d\t%t\n", t.Instrument, t.Strategy, t.Contract, t.Strategy != t.Contract)
	}
	return w.Flush()
}

func (c *cli) instrumentLocks(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("locks", flag.ExitOnError)
	unlock := fs.String("unlock", "", "instrument to unlock")
	fs.Parse(args)

	if *unlock != "" {
		if err := c.db.UnlockInstrument(ctx, *unlock); err != nil {
			return err
		}
		fmt.Printf("%s unlocked\n", *unlock)
		return nil
	}

	locks, err := c.db.InstrumentLocks(ctx)
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "INSTRUMENT\tLOCKED AT\tREASON")
	for _, l := range locks {
		fmt.Fprintf(w, "%s\t%s\t%s\n", l.Instrument, l.LockedAt.Format(time.RFC3339), l.Reason)
	}
	return w.Flush()
}

func (c *cli) purge(ctx context.Context, _ []string) error {
	purgers := []interface {
		Tier() domain.Tier
		RemoveInactive(context.Context) (int, error)
	}{c.db.InstrumentStack(c.owner), c.db.ContractStack(c.owner), c.db.BrokerStack(c.owner)}

	for _, p := range purgers {
		n, err := p.RemoveInactive(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("%s: removed %d inactive orders\n", p.Tier(), n)
	}
	return nil
}
