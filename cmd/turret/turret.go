package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/banshee-data/turret/internal/api"
	"github.com/banshee-data/turret/internal/config"
	"github.com/banshee-data/turret/internal/db"
	"github.com/banshee-data/turret/internal/devicelink"
	"github.com/banshee-data/turret/internal/monitoring"
	"github.com/banshee-data/turret/internal/turret"
	"github.com/banshee-data/turret/internal/version"
)

var (
	configPath  = flag.String("config", "", "Path to a .json, .yaml or .toml config file")
	listen      = flag.String("listen", "", "Listen address (overrides server.listen)")
	port        = flag.String("port", "", "Serial port, or \"DUMMY\" for the simulated device (overrides device.port)")
	testMode    = flag.Bool("test-mode", false, "Suspend safety checks (bench testing only)")
	showVersion = flag.Bool("version", false, "Print version and exit")
)

const shutdownTimeout = 2 * time.Second

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Println("turret", version.String())
		return
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "turret: %v\n", err)
		os.Exit(1)
	}
	if *listen != "" {
		cfg.Server.Listen = *listen
	}
	if *port != "" {
		cfg.Device.Port = *port
	}
	if err := monitoring.Init(cfg.Logging.Level, cfg.Logging.Format, os.Stderr); err != nil {
		fmt.Fprintf(os.Stderr, "turret: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, runOptions{testMode: *testMode}); err != nil {
		monitoring.Logger("main").Fatal().Err(err).Msg("turret stopped")
	}
}

// openLink connects to the device named by cfg, or to the simulator when no
// port is configured.
func openLink(cfg config.DeviceConfig) (devicelink.Interface, error) {
	opts := devicelink.Options{PendingTTL: cfg.PendingTTL, CloseTimeout: cfg.CloseTimeout}
	if cfg.Simulated() {
		return devicelink.NewSimulatedLink(cfg.SimTemperature, opts), nil
	}
	link, err := devicelink.NewSerialLink(cfg.Port, devicelink.PortOptions{BaudRate: cfg.BaudRate}, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open device %s: %w", cfg.Port, err)
	}
	return link, nil
}

type runOptions struct {
	testMode bool
	// ready, when set, receives the bound HTTP address once the server listens.
	ready chan<- string
}

// run wires the process together and blocks until ctx is done.
func run(ctx context.Context, cfg config.Config, opts runOptions) error {
	log := monitoring.Logger("main")
	log.Info().Str("version", version.String()).Msg("starting turret")

	link, err := openLink(cfg.Device)
	if err != nil {
		return err
	}
	if cfg.Device.Simulated() {
		log.Warn().Msg("no device port configured, using the simulated device")
	}

	var (
		store   *db.DB
		writer  *db.Writer
		journal turret.Journal
		reader  api.Journal
	)
	if cfg.Journal.Path != "" {
		store, err = db.NewDB(cfg.Journal.Path)
		if err != nil {
			link.Close()
			return fmt.Errorf("failed to open journal: %w", err)
		}
		defer store.Close()
		writer = db.NewWriter(store, db.DefaultQueueSize)
		writer.Start()
		journal, reader = writer, store
	}
	closeJournal := func() {
		if writer != nil {
			writer.Close()
		}
	}

	health := monitoring.NewHealth()
	sys, err := turret.New(cfg, link, turret.Options{Journal: journal, Health: health, TestMode: opts.testMode})
	if err != nil {
		link.Close()
		closeJournal()
		return err
	}

	lis, err := net.Listen("tcp", cfg.Server.Listen)
	if err != nil {
		sys.Shutdown()
		closeJournal()
		return fmt.Errorf("failed to listen on %s: %w", cfg.Server.Listen, err)
	}

	var wg sync.WaitGroup

	// run the monitor routine to manage IO on the device link
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := link.Monitor(ctx); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, devicelink.ErrClosed) {
			log.Error().Err(err).Msg("device monitor failed")
		}
		log.Debug().Msg("monitor routine terminated")
	}()

	sys.Safety.Start(ctx)

	wg.Add(1)
	go func() {
		defer wg.Done()
		sys.Run(ctx)
		log.Debug().Msg("control loop terminated")
	}()

	if cfg.Server.GRPCListen != "" {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := health.Serve(ctx, cfg.Server.GRPCListen); err != nil {
				log.Error().Err(err).Msg("health server failed")
			}
		}()
	}

	srvAPI := api.NewServer(sys, reader)
	mux := srvAPI.ServeMux()
	link.AttachAdminRoutes(mux)
	srvAPI.AttachAdminRoutes(mux)
	if store != nil {
		if err := store.AttachAdminRoutes(mux); err != nil {
			log.Warn().Err(err).Msg("journal admin routes unavailable")
		}
	}

	server := &http.Server{
		Handler:           api.LoggingMiddleware(mux),
		ReadHeaderTimeout: 5 * time.Second,
	}

	// HTTP server goroutine
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := server.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("HTTP server failed")
		}
	}()
	log.Info().Str("addr", lis.Addr().String()).Msg("listening")
	if opts.ready != nil {
		opts.ready <- lis.Addr().String()
	}

	<-ctx.Done()
	log.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("HTTP server shutdown error")
		if err := server.Close(); err != nil {
			log.Warn().Err(err).Msg("HTTP server force close error")
		}
	}

	// the control loop stops the active mode on exit; the supervisor then
	// makes the actuators safe and the link closes
	wg.Wait()
	if err := sys.Shutdown(); err != nil {
		log.Warn().Err(err).Msg("shutdown error")
	}
	closeJournal()
	log.Info().Msg("graceful shutdown complete")
	return nil
}
