package main

import (
	"context"
	"encoding/json"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/coder/quartz"

	"canvaswatch.app/internal/attribution"
	"canvaswatch.app/internal/canvas"
	"canvaswatch.app/internal/config"
	"canvaswatch.app/internal/eventlog"
	"canvaswatch.app/internal/identity"
	persistlog "canvaswatch.app/internal/persistence/log"
	"canvaswatch.app/internal/persistence/statedb"
	"canvaswatch.app/internal/scheduler"
	"canvaswatch.app/internal/transport/client"
	"canvaswatch.app/internal/transport/observer"
)

// prefs is the operator preferences blob persisted alongside the rest of the
// monitor state. Flags override it for the current run only.
type prefs struct {
	ArchiveEnabled bool `json:"archiveEnabled"`
}

func main() {
	var (
		configPath = flag.String("config", "./configs/monitor.yaml", "config path")
		dataDir    = flag.String("data", "./data", "runtime data directory")
		addr       = flag.String("addr", "127.0.0.1:8070", "http listen address")
		noArchive  = flag.Bool("no_archive", false, "disable the compressed activity archive")
	)
	flag.Parse()

	logger := log.New(os.Stdout, "[monitor] ", log.LstdFlags|log.Lmicroseconds)

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatalf("load config: %v", err)
	}

	db, err := statedb.Open(filepath.Join(*dataDir, "monitor.db"))
	if err != nil {
		logger.Fatalf("open state db: %v", err)
	}
	defer db.Close()

	ctx, cancel := signalContext()
	defer cancel()

	clock := quartz.NewReal()
	events := eventlog.NewRing(cfg.EventRingSize, clock, logger)
	store := canvas.NewStore(events)

	// Regions: the state db wins over the config once it holds a list.
	regions := canvas.NewRegistry()
	if raw, ok, err := db.Get(ctx, statedb.KeyRegions); err != nil {
		logger.Fatalf("read regions: %v", err)
	} else if ok {
		var rs []canvas.Region
		if err := json.Unmarshal(raw, &rs); err != nil {
			logger.Fatalf("decode persisted regions: %v", err)
		}
		if err := regions.Replace(rs); err != nil {
			logger.Fatalf("persisted regions: %v", err)
		}
	} else {
		if err := regions.Replace(cfg.Regions); err != nil {
			logger.Fatalf("config regions: %v", err)
		}
		if raw, err := json.Marshal(regions.List()); err == nil {
			_ = db.Put(ctx, statedb.KeyRegions, raw)
		}
	}

	// Poll interval: a persisted value overrides the config.
	pollInterval := cfg.PollInterval()
	if raw, ok, err := db.Get(ctx, statedb.KeyPollInterval); err == nil && ok {
		var sec int
		if err := json.Unmarshal(raw, &sec); err == nil && sec > 0 {
			pollInterval = time.Duration(sec) * time.Second
		}
	}
	if raw, err := json.Marshal(int(pollInterval / time.Second)); err == nil {
		_ = db.Put(ctx, statedb.KeyPollInterval, raw)
	}

	pf := prefs{ArchiveEnabled: true}
	if raw, ok, err := db.Get(ctx, statedb.KeyPrefs); err == nil && ok {
		_ = json.Unmarshal(raw, &pf)
	}
	if *noArchive {
		pf.ArchiveEnabled = false
	}
	if raw, err := json.Marshal(pf); err == nil {
		_ = db.Put(ctx, statedb.KeyPrefs, raw)
	}

	api := client.New(cfg.CanvasURL, cfg.ProfileURL)

	resolver := identity.NewResolver(api, events, clock, cfg.ProfileTTL())
	if raw, ok, err := db.Get(ctx, statedb.KeyProfileCache); err == nil && ok {
		if err := resolver.RestoreCache(raw); err != nil {
			logger.Printf("restore profile cache: %v", err)
		}
	}

	agg := attribution.NewAggregator(regions, store, events, clock)
	agg.SetPrefetcher(resolver)
	if raw, ok, err := db.Get(ctx, statedb.KeyLeaderboard); err == nil && ok {
		if err := agg.RestoreLeaderboard(raw); err != nil {
			logger.Printf("restore leaderboard: %v", err)
		}
	}
	if raw, ok, err := db.Get(ctx, statedb.KeyUserActivity); err == nil && ok {
		if err := agg.RestoreActivity(raw); err != nil {
			logger.Printf("restore activity: %v", err)
		}
	}

	// Durable copy of the activity feed, one zstd JSONL file per UTC day.
	if pf.ArchiveEnabled {
		archive := persistlog.NewActivityArchive(*dataDir)
		defer archive.Close()
		records, cancelRecords := agg.Subscribe()
		defer cancelRecords()
		go func() {
			for {
				select {
				case <-ctx.Done():
					return
				case rec := <-records:
					if err := archive.WriteRecord(rec); err != nil {
						logger.Printf("activity archive: %v", err)
					}
				}
			}
		}()
	} else {
		logger.Printf("activity archive disabled")
	}

	sched := scheduler.New(scheduler.Config{
		Interval:  pollInterval,
		Ceiling:   cfg.CycleCeiling(),
		BatchSize: cfg.BatchSize,
	}, regions, store, agg, api, events, clock)

	saveState := func() {
		sctx, scancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer scancel()
		if raw, err := agg.LeaderboardJSON(); err == nil {
			if err := db.Put(sctx, statedb.KeyLeaderboard, raw); err != nil {
				logger.Printf("save leaderboard: %v", err)
			}
		}
		if raw, err := agg.ActivityJSON(); err == nil {
			if err := db.Put(sctx, statedb.KeyUserActivity, raw); err != nil {
				logger.Printf("save activity: %v", err)
			}
		}
		if raw, err := resolver.CacheJSON(); err == nil {
			if err := db.Put(sctx, statedb.KeyProfileCache, raw); err != nil {
				logger.Printf("save profile cache: %v", err)
			}
		}
	}
	sched.SetPersist(saveState)

	if !sched.Start() {
		logger.Fatalf("scheduler did not start; check the region list")
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(rw http.ResponseWriter, r *http.Request) {
		rw.WriteHeader(200)
		_, _ = rw.Write([]byte("ok"))
	})
	observer.NewServer(sched, agg, store, events, logger).Mount(mux)

	srv := &http.Server{
		Addr:              *addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		ctx2, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel2()
		_ = srv.Shutdown(ctx2)
	}()

	logger.Printf("listening on %s", *addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Fatalf("ListenAndServe: %v", err)
	}

	sched.Stop()
	saveState()
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	ch := make(chan os.Signal, 2)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-ch
		cancel()
	}()
	return ctx, cancel
}
