package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/DavinciDreams/ai-notes-sub000/config"
	"github.com/DavinciDreams/ai-notes-sub000/pkg/httputil"
	"github.com/DavinciDreams/ai-notes-sub000/room"
	"github.com/DavinciDreams/ai-notes-sub000/transport"
)

func main() {
	// Parse command line flags; everything else comes from the environment
	addr := flag.String("addr", "", "HTTP listen address (overrides COLLAB_LISTEN_ADDR)")
	debug := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	// Create logger
	logger := createLogger(*debug)
	defer logger.Sync()

	cfg := config.Load()
	if *addr != "" {
		cfg.ListenAddr = *addr
	}

	// Open the persistence gateway and the optional relay bus
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	gateway, err := cfg.OpenGateway(ctx)
	if err != nil {
		logger.Fatal("Failed to open persistence gateway", zap.Error(err))
	}
	defer gateway.Close()
	logger.Info("Opened persistence gateway", zap.String("driver", cfg.StorageDriver))

	bus, err := cfg.OpenBus(ctx, logger)
	if err != nil {
		logger.Fatal("Failed to open relay bus", zap.Error(err))
	}
	if bus != nil {
		defer bus.Close()
		logger.Info("Opened relay bus", zap.String("driver", cfg.BusDriver))
	}

	// Create session manager
	manager, err := room.NewManager(gateway, cfg.RoomOptions(bus, logger))
	if err != nil {
		logger.Fatal("Failed to create session manager", zap.Error(err))
	}

	mux := http.NewServeMux()
	mux.Handle("/collab", transport.NewHandler(manager, cfg.WebSocketOptions(logger)))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	handler := httputil.RequestID(httputil.AccessLog(logger, httputil.Recover(logger, mux)))
	server := &http.Server{Addr: cfg.ListenAddr, Handler: handler}

	// Handle graceful shutdown
	done := make(chan struct{})
	go func() {
		defer close(done)

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		sig := <-sigCh
		logger.Info("Received signal, shutting down", zap.String("signal", sig.String()))

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		// Stop accepting upgrades first, then drain every room. Websocket
		// connections are hijacked and therefore closed by the manager, not
		// by the HTTP server.
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("Failed to shut down HTTP server", zap.Error(err))
		}
		if err := manager.Close(shutdownCtx); err != nil {
			logger.Error("Failed to drain session manager", zap.Error(err))
		}
	}()

	logger.Info("Starting collaboration server", zap.String("addr", cfg.ListenAddr))
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Fatal("HTTP server failed", zap.Error(err))
	}

	// Wait for the drain before deferred cleanup closes the gateway under it.
	<-done
}

// createLogger creates a new logger
func createLogger(debug bool) *zap.Logger {
	config := zap.NewProductionConfig()
	if debug {
		config.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	} else {
		config.Level = zap.NewAtomicLevelAt(zapcore.InfoLevel)
	}

	logger, err := config.Build()
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	return logger
}
