package cli

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"chatd/internal/app"
	"chatd/internal/config"
	"chatd/internal/httpapi"
	"chatd/internal/logging"
)

// loadConfig reads the config file named by the flags (or the default path)
// and applies the command-line overrides.
func loadConfig(o *Options) (config.Config, error) {
	cfg, err := config.LoadOrDefault(o.ConfigPath)
	if err != nil {
		return cfg, err
	}
	if o.Addr != "" {
		cfg.Addr = o.Addr
	}
	if o.LogLevel != "" {
		cfg.Logging.Level = o.LogLevel
	}
	return cfg, cfg.Validate()
}

// runServe runs the daemon until SIGINT/SIGTERM or ctx is done.
func runServe(ctx context.Context, o *Options) error {
	cfg, err := loadConfig(o)
	if err != nil {
		return err
	}
	log, closer := logging.New(cfg.Logging)
	defer closer.Close()

	svc, err := app.New(app.Options{Config: cfg, ConfigPath: o.ConfigPath, Logger: log})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	httpapi.SetLogger(log.With().Str("component", "http").Logger())
	httpapi.SetMaxBodyBytes(cfg.HTTP.MaxBodyBytes)
	httpapi.SetChatTimeout(2*cfg.Readiness.Timeout.D() + cfg.Inference.Timeout.D())
	httpapi.SetCORSOptions(cfg.HTTP.CORS.Enabled, cfg.HTTP.CORS.Origins, cfg.HTTP.CORS.Methods, cfg.HTTP.CORS.Headers)
	httpapi.SetBaseContext(ctx)

	ln, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		_ = svc.Close()
		return err
	}
	srv := &http.Server{
		Handler:           httpapi.NewMux(svc),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Str("addr", ln.Addr().String()).Str("models_dir", cfg.Paths.ModelsDir).Msg("chatd listening")
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error { return svc.Run(gctx) })
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("shutting down")
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		err := srv.Shutdown(sctx)
		// stops the servers and waits for download goroutines
		if cerr := svc.Close(); cerr != nil {
			log.Warn().Err(cerr).Msg("stop servers")
		}
		return err
	})
	return g.Wait()
}
