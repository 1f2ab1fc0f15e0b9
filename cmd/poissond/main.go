// Command poissond is the CLI entry point, grounded on the teacher's own
// cli/cmd/ariadne/main.go: flag parsing, a double-SIGINT forced exit, a
// periodic snapshot ticker, and a standalone health endpoint run as a
// goroutine pair with graceful shutdown on context cancellation.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/quietwire/poisson/engine"
	"github.com/quietwire/poisson/engine/config"
)

func main() {
	var (
		dataDir       string
		controlAddr   string
		healthAddr    string
		optionsPath   string
		showVersion   bool
		seed          uint64
		snapshotEvery time.Duration
	)
	flag.StringVar(&dataDir, "data-dir", "./data", "Directory containing sites.yaml, personas.yaml, and the other data tables")
	flag.StringVar(&controlAddr, "control-addr", "127.0.0.1:8742", "Listen address for the control-plane HTTP API")
	flag.StringVar(&healthAddr, "health-addr", "", "Optional standalone health endpoint address (e.g. :8743), separate from the authenticated control plane")
	flag.StringVar(&optionsPath, "options", "", "Optional options.json overriding compiled defaults (spec layer 1)")
	flag.BoolVar(&showVersion, "version", false, "Print version and exit")
	flag.Uint64Var(&seed, "seed", 0, "Root RNG seed; 0 derives one from the current time")
	flag.DurationVar(&snapshotEvery, "snapshot-interval", 30*time.Second, "Interval between stderr status snapshots (0=disabled)")
	flag.Parse()

	if showVersion {
		fmt.Println("poissond - decoy traffic generator")
		return
	}

	opts, err := config.Resolve(optionsPath, os.Environ())
	if err != nil {
		log.Printf("configuration error: %v", err)
		os.Exit(2)
	}

	if seed == 0 {
		seed = uint64(time.Now().UnixNano())
	}

	cfg := engine.Defaults()
	cfg.Options = opts
	cfg.DataDir = dataDir
	cfg.ControlAddr = controlAddr
	cfg.Seed = seed
	cfg.Logger = slog.Default()

	eng, err := engine.New(cfg)
	if err != nil {
		if isDataLoadError(err) {
			log.Printf("data load error: %v", err)
			os.Exit(3)
		}
		log.Fatalf("create engine: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, os.Interrupt)
	go func() {
		<-sigCh
		log.Println("signal received; initiating graceful shutdown...")
		eng.Stop()
		cancel()
		<-sigCh
		log.Println("second signal received; forcing exit")
		os.Exit(1)
	}()

	log.Printf("control API key: %s", eng.ControlServer().APIKey())
	log.Printf("control plane listening on %s", controlAddr)

	runHealthEndpoint(ctx, eng, healthAddr)

	var ticker *time.Ticker
	if snapshotEvery > 0 {
		ticker = time.NewTicker(snapshotEvery)
		defer ticker.Stop()
		go runSnapshotLoop(ctx, eng, ticker)
	}

	if err := eng.Start(ctx); err != nil && ctx.Err() == nil {
		log.Fatalf("engine stopped with error: %v", err)
	}
}

// isDataLoadError distinguishes spec §7's exit-3 case (required data file
// missing or malformed) from any other construction failure, which falls
// through to the generic non-zero exit.
func isDataLoadError(err error) bool {
	return err != nil && strings.Contains(err.Error(), "datafiles:")
}

func runSnapshotLoop(ctx context.Context, eng *engine.Engine, ticker *time.Ticker) {
	for {
		select {
		case <-ticker.C:
			snap := eng.HealthSnapshot(ctx)
			b, _ := json.MarshalIndent(map[string]any{
				"status":    snap.Overall,
				"probes":    snap.Probes,
				"generated": snap.Generated,
			}, "", "  ")
			fmt.Fprintf(os.Stderr, "\n=== SNAPSHOT %s ===\n%s\n", time.Now().Format(time.RFC3339), string(b))
		case <-ctx.Done():
			return
		}
	}
}

// runHealthEndpoint serves an unauthenticated /healthz distinct from the
// control plane's own, for deployments that front poissond with a load
// balancer health check. No-op if addr is empty.
func runHealthEndpoint(ctx context.Context, eng *engine.Engine, addr string) {
	if addr == "" {
		return
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		snap := eng.HealthSnapshot(r.Context())
		_ = json.NewEncoder(w).Encode(map[string]any{
			"status": snap.Overall,
			"probes": snap.Probes,
		})
	})
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	go func() {
		log.Printf("health endpoint listening on %s", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("health endpoint error: %v", err)
		}
	}()
}
