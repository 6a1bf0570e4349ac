// Command cardmint runs the CardMint scan pipeline: the Capture
// Ingestion Watcher, the Job Queue & Worker Pool, the Inference
// Orchestrator, the Resolver, and the operator-facing HTTP/WebSocket
// API, all wired together over one PostgreSQL-backed Store.
//
// Usage:
//
//	cardmint              run the full server
//	cardmint migrate       apply pending database migrations and exit
//	cardmint drain         drain a queue built in this process and exit
//	                       (it does not reach a running server's queue)
package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/cardmint/scan-core/internal/api"
	"github.com/cardmint/scan-core/internal/catalog"
	"github.com/cardmint/scan-core/internal/config"
	"github.com/cardmint/scan-core/internal/inference"
	"github.com/cardmint/scan-core/internal/pipeline"
	"github.com/cardmint/scan-core/internal/queue"
	"github.com/cardmint/scan-core/internal/statemachine"
	"github.com/cardmint/scan-core/internal/store"
	"github.com/cardmint/scan-core/internal/watcher"
	"github.com/cardmint/scan-core/internal/webhook"
	"github.com/cardmint/scan-core/pkg/models"
)

func main() {
	log.Println("Starting CardMint scan pipeline...")

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("FATAL: %v", err)
	}

	switch subcommand() {
	case "migrate":
		runMigrate(cfg)
	case "drain":
		runDrain(cfg)
	default:
		runServer(cfg)
	}
}

func subcommand() string {
	if len(os.Args) > 1 {
		return os.Args[1]
	}
	return ""
}

func runMigrate(cfg *config.Config) {
	ctx := context.Background()
	st, err := store.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("FATAL: failed to connect to database: %v", err)
	}
	defer st.Close()

	if err := st.Migrate(ctx); err != nil {
		log.Fatalf("FATAL: migration failed: %v", err)
	}
	log.Println("migrations applied")
	os.Exit(0)
}

// runDrain connects to the database, builds a queue bound to it, and
// calls Drain on that queue. The queue has no workers and shares no state
// with a running server process, so Drain returns at once; this command
// does not pause another process's queue or wait for its in-flight jobs.
func runDrain(cfg *config.Config) {
	ctx := context.Background()
	st, err := store.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("FATAL: failed to connect to database: %v", err)
	}
	defer st.Close()

	q := queue.New(cfg, st, nil)
	if ok := q.Drain(); !ok {
		log.Println("drain timed out waiting for in-flight jobs")
		os.Exit(2)
	}
	log.Println("drain complete")
	os.Exit(0)
}

func runServer(cfg *config.Config) {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := store.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("FATAL: failed to connect to database: %v", err)
	}
	defer st.Close()

	if err := st.Migrate(ctx); err != nil {
		log.Fatalf("FATAL: migration failed: %v", err)
	}

	catalogMgr := catalog.NewManager()
	if path := os.Getenv("CARDMINT_CATALOG_PATH"); path != "" {
		if err := loadCatalog(catalogMgr, path); err != nil {
			log.Fatalf("FATAL: failed to load catalog from %s: %v", path, err)
		}
	} else {
		log.Println("WARNING: CARDMINT_CATALOG_PATH not set; resolver will run against an empty catalog")
	}

	refLookup, err := catalog.NewReferenceLookup(cfg.ReferenceCacheSize, cfg.ReferenceCacheTTL)
	if err != nil {
		log.Fatalf("FATAL: failed to build reference lookup: %v", err)
	}
	if path := os.Getenv("CARDMINT_REFERENCE_PRICES_PATH"); path != "" {
		if err := loadReferencePrices(refLookup, path); err != nil {
			log.Printf("WARNING: failed to load reference prices from %s: %v", path, err)
		}
	}

	machine := statemachine.New(st, cfg.LeaseExpiry)

	images := &fsImageSource{baseDir: cfg.DropDirectory}
	primary := inference.NewHTTPPrimaryClient(
		os.Getenv("CARDMINT_INFERENCE_BASE_URL"),
		os.Getenv("CARDMINT_INFERENCE_API_KEY"),
		getEnvOrDefault("CARDMINT_INFERENCE_MODEL", "cardmint-vision-primary"),
		cfg.InferenceTimeout,
	)
	fallback := &inference.LocalFallbackClient{}
	orchestrator := inference.NewOrchestrator(cfg, images, primary, fallback)
	shadowRunner := inference.NewShadowRunner(images, primary, fallback, st, cfg.ShadowSampleRate)

	hub := api.NewHub()
	go hub.Run()

	webhookDisp := webhook.NewDispatcher(cfg)

	q := queue.New(cfg, st, func(event string, job *models.JobRecord) {
		hub.BroadcastEvent("queue."+event, gin.H{"jobId": job.ID, "lane": job.Lane, "type": job.Type})
	})

	pipe := pipeline.New(cfg, st, machine, q, orchestrator, catalogMgr, refLookup, hub, webhookDisp, shadowRunner)

	watcherMetrics := &watcher.Metrics{}
	w := watcher.New(cfg, pipe, func(event string, detail any) {
		log.Printf("[Watcher] %s: %+v", event, detail)
	})
	if err := w.Start(ctx); err != nil {
		log.Printf("WARNING: drop-directory watcher failed to start: %v", err)
	}
	defer w.Stop()

	kiosk := watcher.NewKioskHandler(pipe, watcherMetrics, cfg.MaxQueueDepth)

	if n, err := q.RecoverStaleLeases(ctx, time.Now().Add(-cfg.LeaseExpiry)); err != nil {
		log.Printf("[Queue] startup stale lease recovery failed: %v", err)
	} else if n > 0 {
		log.Printf("[Queue] redelivered %d stale in-flight jobs from a prior crash", n)
	}

	go q.Run(ctx)
	go recoverStaleLeasesLoop(ctx, q, cfg.LeaseExpiry)

	handler := api.NewHandler(cfg, st, machine, hub, webhookDisp)
	gin.SetMode(gin.ReleaseMode)
	router := api.SetupRouter(handler, kiosk)

	srv := &http.Server{Addr: ":" + cfg.HTTPPort, Handler: router}
	go func() {
		log.Printf("CardMint listening on :%s", cfg.HTTPPort)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("FATAL: server error: %v", err)
		}
	}()

	<-ctx.Done()
	log.Println("shutdown signal received, draining...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.GracefulShutdown)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	q.Shutdown()
	log.Println("shutdown complete")
}

func recoverStaleLeasesLoop(ctx context.Context, q *queue.Queue, leaseTTL time.Duration) {
	ticker := time.NewTicker(leaseTTL)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-leaseTTL)
			n, err := q.RecoverStaleLeases(ctx, cutoff)
			if err != nil {
				log.Printf("[Queue] stale lease recovery failed: %v", err)
				continue
			}
			if n > 0 {
				log.Printf("[Queue] redelivered %d stale in-flight jobs", n)
			}
		}
	}
}

// fsImageSource loads capture bytes from the watcher's drop directory,
// implementing inference.ImageSource.
type fsImageSource struct {
	baseDir string
}

func (s *fsImageSource) Load(ctx context.Context, ref string) ([]byte, error) {
	return os.ReadFile(filepath.Join(s.baseDir, filepath.Base(ref)))
}

func loadCatalog(mgr *catalog.Manager, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return mgr.Reload(f)
}

func loadReferencePrices(rl *catalog.ReferenceLookup, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return rl.LoadCSV(f)
}

func getEnvOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
