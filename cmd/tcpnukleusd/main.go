//go:build linux

// tcpnukleusd is the TCP bridge nukleus process: it opens the
// persisted-state directory spec.md §6 describes (command ring,
// response ring, counters file, streams ring pair), wires
// internal/worker's event loop to them, and runs until SIGINT/SIGTERM.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/reactormesh/tcp-nukleus/internal/config"
	"github.com/reactormesh/tcp-nukleus/internal/counters"
	"github.com/reactormesh/tcp-nukleus/internal/poller"
	"github.com/reactormesh/tcp-nukleus/internal/ring"
	"github.com/reactormesh/tcp-nukleus/internal/route"
	"github.com/reactormesh/tcp-nukleus/internal/wire"
	"github.com/reactormesh/tcp-nukleus/internal/worker"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg := config.Default()

	var logLevel string
	var maxEvents int
	var tickTimeoutMillis int

	flagSet := pflag.NewFlagSet("tcpnukleusd", pflag.ContinueOnError)
	flagSet.IntVar(&cfg.MaxConnections, "max-connections", cfg.MaxConnections, "maximum simultaneously open connections across all server routes")
	flagSet.Int32Var(&cfg.WindowSize, "window-size", cfg.WindowSize, "initial WINDOW credit granted per write stream")
	flagSet.Int32Var(&cfg.MaxMessageLength, "max-message-length", cfg.MaxMessageLength, "maximum bytes in a single DATA payload")
	flagSet.IntVar(&cfg.CommandBufferCapacity, "command-buffer-capacity", cfg.CommandBufferCapacity, "command ring capacity in bytes (power of two)")
	flagSet.IntVar(&cfg.ResponseBufferCapacity, "response-buffer-capacity", cfg.ResponseBufferCapacity, "response ring capacity in bytes (power of two)")
	flagSet.IntVar(&cfg.CounterValuesBufferCapacity, "counter-values-buffer-capacity", cfg.CounterValuesBufferCapacity, "counters file capacity in bytes (power of two)")
	flagSet.IntVar(&cfg.StreamsBufferCapacity, "streams-buffer-capacity", cfg.StreamsBufferCapacity, "per-direction streams ring capacity in bytes (power of two)")
	flagSet.StringVar(&cfg.RingDirectory, "ring-dir", cfg.RingDirectory, "instance directory holding the command/response/counters/streams ring files")
	flagSet.StringVarP(&logLevel, "log-level", "l", "info", "log level: debug, info, warn, error")
	flagSet.IntVar(&maxEvents, "max-poll-events", 1024, "maximum ready fds the epoll backend expects per tick")
	flagSet.IntVar(&tickTimeoutMillis, "tick-timeout", 100, "epoll_wait timeout in milliseconds when no work is pending")
	help := flagSet.BoolP("help", "h", false, "show help")

	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if err == pflag.ErrHelp {
			return nil
		}
		return fmt.Errorf("parsing flags: %w", err)
	}
	if *help {
		flagSet.Usage()
		return nil
	}

	level, err := parseLogLevel(logLevel)
	if err != nil {
		return err
	}
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(log)

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("config: %w", err)
	}

	if err := os.MkdirAll(cfg.RingDirectory, 0o755); err != nil {
		return fmt.Errorf("creating ring directory %s: %w", cfg.RingDirectory, err)
	}

	log.Info("tcpnukleusd: starting",
		"ringDir", cfg.RingDirectory,
		"maxConnections", cfg.MaxConnections,
		"windowSize", cfg.WindowSize,
	)

	commandRing, err := ring.Open(filepath.Join(cfg.RingDirectory, "command.ring"), cfg.CommandBufferCapacity)
	if err != nil {
		return fmt.Errorf("opening command ring: %w", err)
	}
	defer commandRing.Close()

	// The response ring is part of spec.md §6's persisted-state layout
	// for every nukleus instance, but nothing in this TCP bridge core
	// sends control-plane acknowledgements over it (see DESIGN.md's "no
	// control-plane response ring" decision) — it's opened so the
	// instance directory's shape matches what a peer nukleus expects to
	// find, and left otherwise untouched.
	responseRing, err := ring.Open(filepath.Join(cfg.RingDirectory, "response.ring"), cfg.ResponseBufferCapacity)
	if err != nil {
		return fmt.Errorf("opening response ring: %w", err)
	}
	defer responseRing.Close()

	// One 8-byte slot per counter.
	cnt, err := counters.Open(filepath.Join(cfg.RingDirectory, "counters.dat"), cfg.CounterValuesBufferCapacity/8)
	if err != nil {
		return fmt.Errorf("opening counters file: %w", err)
	}
	defer cnt.Close()

	inboundPath := ring.NewStreamsRingPath(cfg.RingDirectory, "app", "tcp")
	inboundRing, err := ring.Open(inboundPath, cfg.StreamsBufferCapacity)
	if err != nil {
		return fmt.Errorf("opening inbound streams ring: %w", err)
	}
	defer inboundRing.Close()

	outboundPath := ring.NewStreamsRingPath(cfg.RingDirectory, "tcp", "app")
	outboundRing, err := ring.Open(outboundPath, cfg.StreamsBufferCapacity)
	if err != nil {
		return fmt.Errorf("opening outbound streams ring: %w", err)
	}
	defer outboundRing.Close()

	appReader := wire.NewMessageReader(inboundRing, log)
	appWriter := wire.NewMessageWriter(outboundRing, log)

	p, err := poller.NewEpoll(maxEvents)
	if err != nil {
		return fmt.Errorf("creating epoll poller: %w", err)
	}
	defer p.Close()

	table := route.NewTable()
	conduit := route.NewRingConduit(commandRing, log)

	w := worker.New(worker.Config{
		Poller:         p,
		Table:          table,
		Conduit:        conduit,
		AppWriter:      appWriter,
		AppReader:      appReader,
		Counters:       cnt,
		MaxConnections: cfg.MaxConnections,
		WindowSize:     cfg.WindowSize,
		ScratchSize:    cfg.MaxMessageLength,
		Log:            log,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := syncCounters(ctx, cnt, log); err != nil {
		return err
	}

	if err := w.Run(ctx, tickTimeoutMillis); err != nil && ctx.Err() == nil {
		return fmt.Errorf("worker run: %w", err)
	}

	log.Info("tcpnukleusd: shutting down",
		"routes", w.RouteCount(),
		"connections", w.ConnectionCount(),
	)
	return nil
}

// syncCounters starts a background periodic Sync of the counters file so
// a telemetry scraper reading it from disk sees reasonably fresh values
// without the worker's own tick loop taking an I/O detour for it.
func syncCounters(ctx context.Context, cnt *counters.Counters, log *slog.Logger) error {
	go func() {
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := cnt.Sync(); err != nil {
					log.Warn("tcpnukleusd: counters sync failed", "err", err)
				}
			}
		}
	}()
	return nil
}

func parseLogLevel(s string) (slog.Level, error) {
	switch s {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("unrecognized --log-level %q", s)
	}
}
