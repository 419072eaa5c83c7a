package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/google/uuid"

	"github.com/govsentry/cag/internal/config"
	"github.com/govsentry/cag/internal/exposure"
	"github.com/govsentry/cag/internal/models"
	"github.com/govsentry/cag/internal/proximity"
	"github.com/govsentry/cag/internal/rules"
	"github.com/govsentry/cag/internal/scanner"
	"github.com/govsentry/cag/internal/store"
)

var (
	version   = "dev"
	buildTime = "unknown"
)

const usage = `Usage: cag [flags] <command> [args]

Commands:
  load-rules                      Load universal rules from the rules file
  scan <document-id>              Run a full aggregation scan on a document
  check-export <document-id>      Run the pre-export gate on a document
  matrix <document-id>            Print a document's category matrix
  check <group> <cat,cat,...>     Dry-run a cumulative exposure check
  record <doc-id> <group> <cats>  Record an exposure in the register
  exposure-report <group>         Print a capability group's exposure report
  groups                          List capability groups with activity

Flags:
`

type app struct {
	store    *store.Store
	engine   *rules.Engine
	scanner  *scanner.Scanner
	register *exposure.Register
}

func main() {
	configPath := flag.String("config", "config.yaml", "Path to configuration file")
	showVersion := flag.Bool("version", false, "Show version information")
	flag.Usage = func() {
		fmt.Fprint(os.Stderr, usage)
		flag.PrintDefaults()
	}
	flag.Parse()

	if *showVersion {
		fmt.Printf("cag v%s (built %s)\n", version, buildTime)
		os.Exit(0)
	}

	args := flag.Args()
	if len(args) == 0 {
		flag.Usage()
		os.Exit(2)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fatal("loading config: %v", err)
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))

	st, err := store.New(store.Config{
		DSN:          cfg.Database.DSN(),
		MaxOpenConns: cfg.Database.MaxOpenConns,
		MaxIdleConns: cfg.Database.MaxIdleConns,
	})
	if err != nil {
		fatal("connecting to database: %v", err)
	}
	defer st.Close()

	engine := rules.NewEngine(rules.NewPostgresStore(st.DB()), cfg.Guard.RulesPath)
	a := &app{
		store:   st,
		engine:  engine,
		scanner: scanner.New(st, proximity.NewScorer(cfg.Guard.Proximity), logger),
		register: exposure.NewRegister(
			exposure.NewPostgresStore(st.DB()), engine, cfg.Guard.LookbackDays, logger),
	}

	ctx := context.Background()

	if err := a.run(ctx, args[0], args[1:]); err != nil {
		fatal("%v", err)
	}
}

func (a *app) run(ctx context.Context, command string, args []string) error {
	switch command {
	case "load-rules":
		n, err := a.engine.LoadUniversalRules(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("loaded %d universal rules\n", n)
		return nil

	case "scan":
		id, err := parseDocID(args)
		if err != nil {
			return err
		}
		result, err := a.scanner.ScanDocument(ctx, id)
		if err != nil {
			return err
		}
		return printJSON(result)

	case "check-export":
		id, err := parseDocID(args)
		if err != nil {
			return err
		}
		check, err := a.scanner.CheckBeforeExport(ctx, id)
		if err != nil {
			return err
		}
		if err := printJSON(check); err != nil {
			return err
		}
		if !check.ExportAllowed {
			os.Exit(1)
		}
		return nil

	case "matrix":
		id, err := parseDocID(args)
		if err != nil {
			return err
		}
		matrix, err := a.scanner.Matrix(ctx, id)
		if err != nil {
			return err
		}
		return printJSON(matrix)

	case "check":
		if len(args) != 2 {
			return fmt.Errorf("usage: cag check <group> <cat,cat,...>")
		}
		check, err := a.register.CheckCumulative(ctx, args[0], parseCategories(args[1]))
		if err != nil {
			return err
		}
		return printJSON(check)

	case "record":
		if len(args) < 3 {
			return fmt.Errorf("usage: cag record <document-id> <group> <cat,cat,...> [audience]")
		}
		id, err := uuid.Parse(args[0])
		if err != nil {
			return fmt.Errorf("invalid document id %q: %w", args[0], err)
		}
		in := exposure.RecordInput{
			DocumentID:      id,
			CapabilityGroup: args[1],
			Categories:      parseCategories(args[2]),
		}
		if len(args) > 3 {
			in.Audience = args[3]
		}
		result, err := a.register.Record(ctx, in)
		if err != nil {
			return err
		}
		return printJSON(result)

	case "exposure-report":
		if len(args) != 1 {
			return fmt.Errorf("usage: cag exposure-report <group>")
		}
		report, err := a.register.Report(ctx, args[0])
		if err != nil {
			return err
		}
		return printJSON(report)

	case "groups":
		groups, err := a.register.Groups(ctx)
		if err != nil {
			return err
		}
		return printJSON(groups)

	default:
		return fmt.Errorf("unknown command %q", command)
	}
}

func parseDocID(args []string) (uuid.UUID, error) {
	if len(args) != 1 {
		return uuid.Nil, fmt.Errorf("expected exactly one document id")
	}
	id, err := uuid.Parse(args[0])
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid document id %q: %w", args[0], err)
	}
	return id, nil
}

func parseCategories(s string) []models.Category {
	parts := strings.Split(s, ",")
	cats := make([]models.Category, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			cats = append(cats, models.Category(strings.ToUpper(p)))
		}
	}
	return cats
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func fatal(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
