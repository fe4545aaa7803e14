// Command server runs the workflow engine: event intake over HTTP, the
// scheduler executing job instances locally, and a debug server with pprof
// and metrics.
package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"syscall"
	"time"

	"github.com/example/matrixci/internal/observability"
	"github.com/example/matrixci/internal/service"
	"github.com/example/matrixci/internal/storage/sqlite"
	"github.com/example/matrixci/internal/web"
	"github.com/example/matrixci/internal/workflow"
	"github.com/example/matrixci/pkg/id"
)

// Config holds the server configuration.
type Config struct {
	APIPort       int
	DebugPort     int
	SQLitePath    string
	WorkflowDir   string
	WorkspaceRoot string
	MaxConcurrent int
}

func main() {
	cfg := loadConfig()

	// Enable profiling
	runtime.SetMutexProfileFraction(1)
	runtime.SetBlockProfileRate(1)

	metrics := observability.NewMetrics()

	// Start debug server for pprof and metrics
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics)
		// pprof endpoints are registered automatically via import
		addr := fmt.Sprintf(":%d", cfg.DebugPort)
		log.Printf("Starting debug server on %s (pprof + metrics)", addr)
		if err := http.ListenAndServe(addr, mux); err != nil {
			log.Printf("Debug server error: %v", err)
		}
	}()

	log.Printf("Initializing SQLite storage at %s", cfg.SQLitePath)
	store, err := sqlite.NewWithMetrics(cfg.SQLitePath, metrics)
	if err != nil {
		log.Fatalf("Failed to create storage: %v", err)
	}
	defer store.Close()

	log.Println("Running database migrations...")
	if err := store.Migrate(context.Background()); err != nil {
		log.Fatalf("Failed to run migrations: %v", err)
	}

	registry := service.NewWorkflowRegistry()
	count, err := loadWorkflows(registry, cfg.WorkflowDir)
	if err != nil {
		log.Fatalf("Failed to load workflows: %v", err)
	}
	log.Printf("Loaded %d workflow(s) from %s", count, cfg.WorkflowDir)

	orchestrator := service.NewOrchestratorService(store, registry, metrics)

	runner := service.NewLocalRunner(cfg.WorkspaceRoot, service.NewActionRegistry())
	schedulerCfg := service.DefaultSchedulerConfig()
	schedulerCfg.MaxConcurrent = cfg.MaxConcurrent
	schedulerCfg.ProcessUID = "server-" + id.GenerateShort()
	scheduler := service.NewSchedulerService(store, registry, runner, metrics, schedulerCfg)
	orchestrator.SetCanceller(scheduler)

	log.Println("Starting scheduler...")
	scheduler.Start()

	apiAddr := fmt.Sprintf(":%d", cfg.APIPort)
	apiServer := web.NewServer(apiAddr, orchestrator)

	// Handle graceful shutdown
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		log.Println("Shutting down...")

		log.Println("Stopping scheduler...")
		scheduler.Stop()

		log.Println("Stopping API server...")
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := apiServer.Shutdown(ctx); err != nil {
			log.Printf("API server shutdown error: %v", err)
		}
	}()

	log.Printf("Starting matrixci server on %s", apiAddr)
	if err := apiServer.Start(); err != nil {
		log.Fatalf("Server failed: %v", err)
	}
}

// loadWorkflows registers every workflow file in dir. Missing directories are
// not fatal; the API can still serve runs created earlier.
func loadWorkflows(registry *service.WorkflowRegistry, dir string) (int, error) {
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		log.Printf("Workflow directory %s does not exist, starting empty", dir)
		return 0, nil
	}

	var paths []string
	for _, pattern := range []string{"*.yml", "*.yaml"} {
		matched, err := filepath.Glob(filepath.Join(dir, pattern))
		if err != nil {
			return 0, err
		}
		paths = append(paths, matched...)
	}

	count := 0
	for _, path := range paths {
		wf, err := workflow.Load(path)
		if err != nil {
			return count, fmt.Errorf("loading %s: %w", path, err)
		}
		if err := registry.Register(wf); err != nil {
			return count, fmt.Errorf("registering %s: %w", path, err)
		}
		count++
	}
	return count, nil
}

func loadConfig() Config {
	cfg := Config{
		APIPort:       8080,
		DebugPort:     6060,
		SQLitePath:    "matrixci.db",
		WorkflowDir:   "workflows",
		WorkspaceRoot: filepath.Join(os.TempDir(), "matrixci-workspaces"),
		MaxConcurrent: 4,
	}

	// Override from environment
	if port := os.Getenv("API_PORT"); port != "" {
		if _, err := fmt.Sscanf(port, "%d", &cfg.APIPort); err != nil {
			log.Printf("Invalid API_PORT, using default: %v", err)
		}
	}

	if port := os.Getenv("DEBUG_PORT"); port != "" {
		if _, err := fmt.Sscanf(port, "%d", &cfg.DebugPort); err != nil {
			log.Printf("Invalid DEBUG_PORT, using default: %v", err)
		}
	}

	if path := os.Getenv("SQLITE_PATH"); path != "" {
		cfg.SQLitePath = path
	}

	if dir := os.Getenv("WORKFLOW_DIR"); dir != "" {
		cfg.WorkflowDir = dir
	}

	if root := os.Getenv("WORKSPACE_ROOT"); root != "" {
		cfg.WorkspaceRoot = root
	}

	if n := os.Getenv("MAX_CONCURRENT"); n != "" {
		if _, err := fmt.Sscanf(n, "%d", &cfg.MaxConcurrent); err != nil {
			log.Printf("Invalid MAX_CONCURRENT, using default: %v", err)
		}
	}

	return cfg
}
