// vidfetch/main.go
package main

import (
	"context"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"vidfetch/api"
	"vidfetch/config"
	"vidfetch/runner"
	"vidfetch/stream"
	"vidfetch/task"
)

func main() {
	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// 2. Initialize the runner first so the download directory exists
	ytdlpRunner, err := runner.New(cfg)
	if err != nil {
		log.Fatalf("Failed to initialize yt-dlp runner: %v", err)
	}

	// 3. Record store, engine, broadcaster
	store := task.NewStore()
	manager := task.NewManager(cfg, store, ytdlpRunner)
	bcast := stream.NewBroadcaster(store, cfg.PollInterval)

	// 4. Set up router and server
	router := api.SetupRouter(manager, store, bcast, cfg)
	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}

	// 5. Start background services and HTTP server
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	manager.Start(ctx)

	go func() {
		log.Printf("Server starting on port %s", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %s\n", err)
		}
	}()

	// 6. Wait for interrupt signal for graceful shutdown
	<-ctx.Done()

	stop()
	log.Println("Shutting down gracefully, press Ctrl+C again to force")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Fatal("Server forced to shutdown: ", err)
	}

	// In-flight runners were cancelled with the context; wait for their
	// tasks to be marked failed before exiting.
	manager.Wait()

	log.Println("Server exiting")
}
