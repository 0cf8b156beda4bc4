package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/riversync/riversync/internal/checkpoint"
	"github.com/riversync/riversync/internal/chunk"
	"github.com/riversync/riversync/internal/clock"
	"github.com/riversync/riversync/internal/config"
	"github.com/riversync/riversync/internal/scheduler"
	"github.com/riversync/riversync/internal/session"
	"github.com/riversync/riversync/internal/store/sqlitestore"
	"github.com/riversync/riversync/internal/transport/ws"
)

const version = "0.1.0"

func main() {
	showVersion := flag.Bool("version", false, "Print version and exit")
	cfgPath := flag.String("config", "riversync.yaml", "Path to configuration file")
	mode := flag.String("mode", "serve", "Mode: serve|once")
	oneTable := flag.String("table", "", "Restrict -mode once to one table")
	onePeer := flag.String("peer", "", "Restrict -mode once to one peer")
	debug := flag.Bool("debug", false, "Debug logging")
	flag.Parse()

	if *showVersion {
		fmt.Printf("riversyncd %s\n", version)
		return
	}
	if flag.NArg() > 0 {
		fmt.Fprintln(os.Stderr, "unknown arguments:", flag.Args())
		os.Exit(2)
	}

	log, err := buildLogger(*debug)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger error: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		log.Fatal("config", zap.Error(err))
	}

	if err := run(cfg, *mode, *oneTable, *onePeer, log); err != nil {
		log.Fatal("riversyncd", zap.Error(err))
	}
}

func buildLogger(debug bool) (*zap.Logger, error) {
	if debug {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func run(cfg config.Config, mode, oneTable, onePeer string, log *zap.Logger) error {
	node, err := cfg.Node()
	if err != nil {
		return err
	}

	store, err := sqlitestore.Open(cfg.DataDB)
	if err != nil {
		return fmt.Errorf("open record store: %w", err)
	}
	defer store.Close()

	state, err := checkpoint.Open(cfg.StateDB)
	if err != nil {
		return fmt.Errorf("open sync state: %w", err)
	}
	defer state.Close()

	svc := session.NewService(clock.New(node, log.Named("clock")), store, state, chunk.DefaultOptions(), log.Named("service"))
	for _, table := range cfg.Tables {
		svc.ConfigureTable(table.Name, table.ChunkOptions())
	}

	targets, err := buildTargets(cfg, oneTable, onePeer)
	if err != nil {
		return err
	}
	defer func() {
		for _, t := range targets {
			if c, ok := t.Peer.(*ws.Reconnecting); ok {
				_ = c.Close()
			}
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sched := scheduler.New(svc, targets, scheduler.Options{
		Interval:        cfg.Sync.Interval.Std(),
		MaxConcurrent:   cfg.Sync.MaxConcurrent,
		ExchangeTimeout: cfg.Sync.ExchangeTimeout.Std(),
		BackoffBase:     cfg.Sync.BackoffBase.Std(),
		BackoffMax:      cfg.Sync.BackoffMax.Std(),
	}, log.Named("scheduler"))

	switch mode {
	case "once":
		for _, target := range targets {
			for _, job := range target.Tables {
				if err := sched.RunOnce(ctx, target, job); err != nil {
					return fmt.Errorf("sync %s with %s: %w", job.Table, target.Name, err)
				}
				log.Info("synced", zap.String("peer", target.Name), zap.String("table", job.Table))
			}
		}
		return nil

	case "serve":
		if cfg.Listen != "" {
			mux := http.NewServeMux()
			mux.Handle("/sync", ws.NewServer(svc, log.Named("ws")))
			srv := &http.Server{Addr: cfg.Listen, Handler: mux}
			go func() {
				log.Info("listening", zap.String("addr", cfg.Listen))
				if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					log.Error("listen", zap.Error(err))
					stop()
				}
			}()
			defer srv.Close()
		}
		log.Info("riversyncd starting",
			zap.String("version", version),
			zap.Stringer("node", node),
			zap.Int("peers", len(cfg.Peers)),
			zap.Int("tables", len(cfg.Tables)))
		return sched.Run(ctx)

	default:
		return fmt.Errorf("unknown mode %q", mode)
	}
}

func buildTargets(cfg config.Config, oneTable, onePeer string) ([]scheduler.Target, error) {
	var jobs []scheduler.TableJob
	for _, table := range cfg.Tables {
		if oneTable != "" && table.Name != oneTable {
			continue
		}
		dir, err := table.SyncDirection()
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, scheduler.TableJob{
			Table:     table.Name,
			Direction: dir,
			SubSize:   table.MinChunk,
		})
	}
	if len(jobs) == 0 {
		return nil, fmt.Errorf("no table matches %q", oneTable)
	}

	// Master first, so a sequential -mode once run calibrates before any
	// other pairing needs the clock.
	var targets []scheduler.Target
	for _, peer := range cfg.Peers {
		if onePeer != "" && peer.Name != onePeer {
			continue
		}
		target := scheduler.Target{
			Name:   peer.Name,
			Peer:   ws.NewReconnecting(peer.URL),
			Master: peer.Master,
			Tables: jobs,
		}
		if peer.Master {
			targets = append([]scheduler.Target{target}, targets...)
		} else {
			targets = append(targets, target)
		}
	}
	if len(targets) == 0 && len(cfg.Peers) > 0 {
		return nil, fmt.Errorf("no peer matches %q", onePeer)
	}
	return targets, nil
}
