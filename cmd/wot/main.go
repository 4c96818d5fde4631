// Command wot runs one web-of-trust discovery against the configured relays,
// or loads a saved snapshot, and prints the trust table.
package main

import (
	"bytes"
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"communityhub/internal/cache"
	"communityhub/internal/codec"
	"communityhub/internal/config"
	"communityhub/internal/domain"
	"communityhub/internal/logging"
	"communityhub/internal/relay"
	"communityhub/internal/repository"
	"communityhub/internal/repository/sqlite"
	"communityhub/internal/subscription"
	"communityhub/internal/wot"

	"github.com/fatih/color"
	"go.uber.org/zap"
)

type options struct {
	configPath string
	importPath string
	minScore   int
	export     string
	out        string
	timeout    time.Duration
	useCache   bool
}

func main() {
	var opts options
	flag.StringVar(&opts.configPath, "config", "", "config file path (default: search standard locations)")
	flag.StringVar(&opts.importPath, "import", "", "print a saved .json or .yaml snapshot instead of running discovery")
	flag.IntVar(&opts.minScore, "min", 0, "only list identities scoring at least this")
	flag.StringVar(&opts.export, "export", "", "also write the graph as json or yaml")
	flag.StringVar(&opts.out, "out", "", "export destination (default: stdout)")
	flag.DurationVar(&opts.timeout, "timeout", 2*time.Minute, "give up on discovery after this long")
	flag.BoolVar(&opts.useCache, "cache", false, "warm-start from and write to the configured database")
	flag.Parse()

	if err := run(opts); err != nil {
		color.New(color.FgRed).Fprintf(os.Stderr, "wot: %v\n", err)
		os.Exit(1)
	}
}

func run(opts options) error {
	var exporter codec.Exporter
	if opts.export != "" {
		c, ok := codec.ForFormat(opts.export)
		if !ok {
			return fmt.Errorf("unsupported export format %q", opts.export)
		}
		exporter = c
	}

	var (
		snapshot *domain.WebOfTrust
		err      error
	)
	if opts.importPath != "" {
		snapshot, err = importSnapshot(opts.importPath)
	} else {
		snapshot, err = discover(opts)
	}
	if err != nil {
		return err
	}
	printTable(os.Stdout, snapshot, opts.minScore)

	if exporter == nil {
		return nil
	}
	w := io.Writer(os.Stdout)
	if opts.out != "" {
		f, err := os.Create(opts.out)
		if err != nil {
			return fmt.Errorf("create export file: %w", err)
		}
		defer f.Close()
		w = f
	}
	return exporter.Export(snapshot, w)
}

// importSnapshot reads a snapshot written by -export, choosing the format
// from the file extension
func importSnapshot(path string) (*domain.WebOfTrust, error) {
	format := strings.ToLower(strings.TrimPrefix(filepath.Ext(path), "."))
	c, ok := codec.ForFormat(format)
	if !ok {
		return nil, fmt.Errorf("unsupported import format %q", format)
	}
	var importer codec.Importer = c

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open snapshot: %w", err)
	}
	defer f.Close()

	snapshot, err := importer.Parse(f)
	if err != nil {
		return nil, fmt.Errorf("parse %s snapshot: %w", importer.Format(), err)
	}
	return snapshot, nil
}

func discover(opts options) (*domain.WebOfTrust, error) {
	if err := config.LoadDotEnv(); err != nil {
		return nil, err
	}
	var (
		cfg *config.Config
		err error
	)
	if opts.configPath != "" {
		cfg, _, err = config.LoadFromPath(opts.configPath)
	} else {
		cfg, _, err = config.Load()
	}
	if err != nil {
		return nil, err
	}

	logOpts := cfg.Logging()
	logOpts.Format = "console"
	if logOpts.Level == "info" {
		logOpts.Level = "warn"
	}
	logger, err := logging.New(logOpts)
	if err != nil {
		return nil, err
	}
	defer logger.Sync() //nolint:errcheck

	var store repository.CacheStore
	if opts.useCache && cfg.Database.Path != "" {
		repo, err := sqlite.New(cfg.Database.Path)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}
		defer repo.Close()
		store = repo
	}
	cacheOpts := cfg.CacheOptions()
	cacheOpts.Logger = logger
	tier := cache.New(store, cacheOpts)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, opts.timeout)
	defer cancel()

	pool := relay.NewPool(cfg.Relays, relay.Options{Logger: logger})
	if err := pool.Connect(ctx); err != nil {
		return nil, err
	}
	defer pool.Close()

	subs := subscription.NewManager(pool, subscription.ManagerOptions{Logger: logger})
	progress := color.New(color.Faint)
	builder := wot.NewBuilder(subs, cfg.WoT(), wot.Options{
		Cache:  tier,
		Logger: logger,
		OnProgress: func(p wot.Progress) {
			progress.Fprintf(os.Stderr, "%-16s %4d nodes %5d edges\n", p.Phase, p.Nodes, p.Edges)
		},
	})
	if err := builder.Run(ctx); err != nil {
		logger.Warn("discovery interrupted", zap.Error(err))
	}
	return builder.WebOfTrust(), nil
}

var (
	seedColor   = color.New(color.FgMagenta, color.Bold)
	highColor   = color.New(color.FgGreen)
	mediumColor = color.New(color.FgYellow)
	lowColor    = color.New(color.Faint)
)

// scoreColor picks the band for a score
func scoreColor(n domain.GraphNode) *color.Color {
	switch {
	case n.IsSeed:
		return seedColor
	case n.TrustScore >= 75:
		return highColor
	case n.TrustScore >= 50:
		return mediumColor
	default:
		return lowColor
	}
}

// printTable lists nodes at or above minScore. The score column sits outside
// the tabwriter because colour escapes would count toward its cell widths.
func printTable(w io.Writer, snapshot *domain.WebOfTrust, minScore int) {
	var body bytes.Buffer
	tw := tabwriter.NewWriter(&body, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "IDENTITY\tNAME\tNIP-05")

	var listed []domain.GraphNode
	for _, n := range snapshot.SortedNodes() {
		if n.TrustScore < minScore {
			continue
		}
		nip05 := n.Profile.NIP05
		if nip05 == "" {
			nip05 = "-"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\n", shortID(n.ID), n.Profile.DisplayName(), nip05)
		listed = append(listed, n)
	}
	tw.Flush()

	lines := strings.Split(strings.TrimSuffix(body.String(), "\n"), "\n")
	fmt.Fprintf(w, "%5s  %s\n", "SCORE", lines[0])
	for i, n := range listed {
		score := fmt.Sprintf("%5d", n.TrustScore)
		fmt.Fprintf(w, "%s  %s\n", scoreColor(n).Sprint(score), lines[i+1])
	}

	fmt.Fprintf(w, "\n%d of %d identities, %d edges\n", len(listed), len(snapshot.Nodes), len(snapshot.Edges))
}

func shortID(id domain.ProfileID) string {
	s := string(id)
	if len(s) > 16 {
		return s[:8] + "…" + s[len(s)-8:]
	}
	return s
}
