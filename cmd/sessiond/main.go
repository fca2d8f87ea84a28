// Command sessiond serves guided wellness sessions: a live websocket endpoint
// that streams generated sentences with synthesized audio, and a REST
// fallback for clients that cannot hold a socket.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/tskjelde-bit/wellness-app-sub000/internal/dotenv"
	"github.com/tskjelde-bit/wellness-app-sub000/pkg/bus"
	"github.com/tskjelde-bit/wellness-app-sub000/pkg/checkpoint"
	"github.com/tskjelde-bit/wellness-app-sub000/pkg/gateway/config"
	gatewayserver "github.com/tskjelde-bit/wellness-app-sub000/pkg/gateway/server"
	"github.com/tskjelde-bit/wellness-app-sub000/pkg/gen"
	"github.com/tskjelde-bit/wellness-app-sub000/pkg/script"
	"github.com/tskjelde-bit/wellness-app-sub000/pkg/synth"
)

type serverDeps struct {
	loadConfig   func() (config.Config, error)
	buildBackend func(context.Context, config.Config, *slog.Logger) (gatewayserver.Dependencies, func(), error)
	newGateway   func(config.Config, *slog.Logger, gatewayserver.Dependencies) *gatewayserver.Server
	signalNotify func(chan<- os.Signal, ...os.Signal)
	signalStop   func(chan<- os.Signal)
}

func defaultServerDeps() serverDeps {
	return serverDeps{
		loadConfig:   config.LoadFromEnv,
		buildBackend: buildBackend,
		newGateway:   gatewayserver.New,
		signalNotify: func(c chan<- os.Signal, sig ...os.Signal) {
			signal.Notify(c, sig...)
		},
		signalStop: signal.Stop,
	}
}

// buildBackend connects the generation, synthesis, checkpoint, and event
// backends. The returned cleanup closes whatever was opened.
func buildBackend(ctx context.Context, cfg config.Config, logger *slog.Logger) (gatewayserver.Dependencies, func(), error) {
	var cleanups []func()
	cleanup := func() {
		for i := len(cleanups) - 1; i >= 0; i-- {
			cleanups[i]()
		}
	}

	sessionScript, err := script.LoadFile(cfg.ScriptPath)
	if err != nil {
		return gatewayserver.Dependencies{}, cleanup, err
	}

	generator, err := gen.NewGemini(ctx, gen.GeminiConfig{
		APIKey: cfg.GeminiAPIKey,
		Model:  cfg.GeminiModel,
	})
	if err != nil {
		return gatewayserver.Dependencies{}, cleanup, fmt.Errorf("build generator: %w", err)
	}

	synthesizer := synth.NewElevenLabs(cfg.ElevenLabsAPIKey)
	if cfg.ElevenLabsBaseURL != "" {
		synthesizer = synthesizer.WithBaseURL(cfg.ElevenLabsBaseURL)
	}

	deps := gatewayserver.Dependencies{
		Script:    sessionScript,
		Generator: generator,
		Synth:     synthesizer,
	}

	if cfg.CheckpointDSN != "" {
		store, err := checkpoint.Open(ctx, cfg.CheckpointDSN)
		if err != nil {
			return gatewayserver.Dependencies{}, cleanup, fmt.Errorf("open checkpoint store: %w", err)
		}
		cleanups = append(cleanups, store.Close)
		deps.Checkpointer = store
		logger.Info("checkpoint store enabled")
	}

	events, err := bus.Connect(cfg.NATSURL, logger)
	if err != nil {
		return gatewayserver.Dependencies{}, cleanup, fmt.Errorf("connect event bus: %w", err)
	}
	if events != nil {
		cleanups = append(cleanups, events.Close)
		deps.Events = events
	}

	return deps, cleanup, nil
}

func buildHTTPServer(cfg config.Config, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		ReadTimeout:       cfg.ReadTimeout,
	}
}

func runServer(ctx context.Context, logger *slog.Logger, deps serverDeps) error {
	if deps.loadConfig == nil || deps.buildBackend == nil || deps.newGateway == nil {
		return errors.New("missing server dependency")
	}
	if deps.signalNotify == nil || deps.signalStop == nil {
		return errors.New("missing signal dependency")
	}
	if logger == nil {
		logger = slog.Default()
	}

	cfg, err := deps.loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	backend, cleanup, err := deps.buildBackend(ctx, cfg, logger)
	if err != nil {
		cleanup()
		return fmt.Errorf("build backend: %w", err)
	}
	defer cleanup()

	gw := deps.newGateway(cfg, logger, backend)
	httpSrv := buildHTTPServer(cfg, gw.Handler())

	logger.Info("starting sessiond", "addr", cfg.Addr, "auth_mode", cfg.AuthMode)

	listenErrCh := make(chan error, 1)
	go func() {
		err := httpSrv.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			listenErrCh <- err
			return
		}
		listenErrCh <- nil
	}()

	sigCh := make(chan os.Signal, 1)
	deps.signalNotify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer deps.signalStop(sigCh)

	select {
	case err := <-listenErrCh:
		if err != nil {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case sig := <-sigCh:
		logger.Info("shutdown signal received", "signal", sig.String())
	}

	gw.SetDraining()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownGracePeriod)
	defer shutdownCancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown http server: %w", err)
	}

	waitCtx, waitCancel := context.WithTimeout(context.Background(), cfg.ShutdownGracePeriod)
	defer waitCancel()
	if !gw.WaitLiveSessions(waitCtx) {
		gw.CancelLiveSessions()
	}

	if err := <-listenErrCh; err != nil {
		return fmt.Errorf("serve: %w", err)
	}

	logger.Info("sessiond stopped")
	return nil
}

func runMain(ctx context.Context, stderr io.Writer, deps serverDeps) int {
	if stderr == nil {
		stderr = os.Stderr
	}
	logger := slog.New(slog.NewTextHandler(stderr, nil))

	if err := dotenv.LoadFile(".env"); err != nil {
		fmt.Fprintf(stderr, "sessiond: %v\n", err)
		return 1
	}

	if err := runServer(ctx, logger, deps); err != nil {
		fmt.Fprintf(stderr, "sessiond: %v\n", err)
		return 1
	}
	return 0
}

func main() {
	os.Exit(runMain(context.Background(), os.Stderr, defaultServerDeps()))
}
