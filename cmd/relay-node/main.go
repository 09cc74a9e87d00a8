package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jessevdk/go-flags"

	"blockrelay.dev/node"
	"blockrelay.dev/node/store"
)

type options struct {
	ConfigFile string `short:"C" long:"configfile" description:"Path to INI configuration file"`

	Network   string   `long:"network" description:"Network name (devnet/testnet/mainnet)"`
	DataDir   string   `short:"b" long:"datadir" description:"Directory to store data"`
	BindAddr  string   `long:"bind" description:"Listen address host:port"`
	LogLevel  string   `long:"loglevel" description:"Log level {debug, info, warn, error}"`
	Peers     []string `long:"peer" description:"Bootstrap peer host:port; repeatable, may be comma-separated"`
	MaxPeers  int      `long:"maxpeers" description:"Max connected peers"`
	Whitelist []string `long:"whitelist" description:"Peer IP that is never banned (repeatable)"`

	CompactTimeout time.Duration `long:"cmpcttimeout" description:"Wait for cmpctblock/blocktxn before fetching the full block"`
	MaxInFlight    int           `long:"maxinflight" description:"Concurrent compact block reconstructions per peer"`
	RecentBlocks   int           `long:"recentblocks" description:"Size of the recently accepted block cache"`
	RecentTxs      int           `long:"recenttxs" description:"Size of the recently confirmed transaction cache"`
	BanDuration    time.Duration `long:"banduration" description:"How long to ban misbehaving peers"`

	DryRun bool `long:"dry-run" description:"Print effective config and exit"`
}

func defaultOptions() options {
	d := node.DefaultConfig()
	return options{
		Network:        d.Network,
		DataDir:        d.DataDir,
		BindAddr:       d.BindAddr,
		LogLevel:       d.LogLevel,
		MaxPeers:       d.MaxPeers,
		CompactTimeout: d.CompactResponseTimeout,
		MaxInFlight:    d.MaxInFlightPerPeer,
		RecentBlocks:   d.RecentBlockCache,
		RecentTxs:      d.RecentTxCache,
		BanDuration:    d.BanDuration,
	}
}

func (o options) config() node.Config {
	return node.Config{
		Network:                strings.TrimSpace(o.Network),
		DataDir:                o.DataDir,
		BindAddr:               o.BindAddr,
		LogLevel:               strings.ToLower(strings.TrimSpace(o.LogLevel)),
		Peers:                  node.NormalizePeers(o.Peers...),
		MaxPeers:               o.MaxPeers,
		Whitelist:              node.NormalizePeers(o.Whitelist...),
		CompactResponseTimeout: o.CompactTimeout,
		MaxInFlightPerPeer:     o.MaxInFlight,
		RecentBlockCache:       o.RecentBlocks,
		RecentTxCache:          o.RecentTxs,
		BanDuration:            o.BanDuration,
	}
}

// loadOptions parses the command line, then the config file it names, then
// the command line again so flags override the file.
func loadOptions(args []string) (options, error) {
	pre := defaultOptions()
	preParser := flags.NewParser(&pre, flags.HelpFlag)
	if _, err := preParser.ParseArgs(args); err != nil {
		return options{}, err
	}

	opts := defaultOptions()
	parser := flags.NewParser(&opts, flags.HelpFlag)
	if pre.ConfigFile != "" {
		if err := flags.NewIniParser(parser).ParseFile(pre.ConfigFile); err != nil {
			return options{}, fmt.Errorf("config file %s: %w", pre.ConfigFile, err)
		}
	}
	if _, err := parser.ParseArgs(args); err != nil {
		return options{}, err
	}
	return opts, nil
}

func parseLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	opts, err := loadOptions(args)
	if err != nil {
		var ferr *flags.Error
		if errors.As(err, &ferr) && ferr.Type == flags.ErrHelp {
			_, _ = fmt.Fprintln(stdout, err)
			return 0
		}
		_, _ = fmt.Fprintln(stderr, err)
		return 2
	}
	cfg := opts.config()
	if err := node.ValidateConfig(cfg); err != nil {
		_, _ = fmt.Fprintf(stderr, "invalid config: %v\n", err)
		return 2
	}
	if err := printConfig(stdout, cfg); err != nil {
		_, _ = fmt.Fprintf(stderr, "config encode failed: %v\n", err)
		return 1
	}
	if opts.DryRun {
		return 0
	}

	logger := slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: parseLevel(cfg.LogLevel)}))
	db, err := store.Open(cfg.DataDir, cfg.Network)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "store open failed: %v\n", err)
		return 2
	}
	defer db.Close()

	n, err := node.New(cfg, db, logger, nil)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "node init failed: %v\n", err)
		return 2
	}
	tip, height := n.Chain().Tip()
	logger.Info("starting relay node", "network", cfg.Network, "tip", tip.String(), "height", height)
	if err := n.Run(ctx); err != nil {
		_, _ = fmt.Fprintf(stderr, "node failed: %v\n", err)
		return 1
	}
	logger.Info("relay node stopped")
	return 0
}

func printConfig(w io.Writer, cfg node.Config) error {
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	return enc.Encode(cfg)
}
