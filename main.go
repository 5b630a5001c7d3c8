package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/roadhum/vibesense/internal/api"
	"github.com/roadhum/vibesense/internal/config"
	"github.com/roadhum/vibesense/internal/db"
	"github.com/roadhum/vibesense/internal/diag"
	"github.com/roadhum/vibesense/internal/ingest"
	"github.com/roadhum/vibesense/internal/pipeline"
	"github.com/roadhum/vibesense/internal/registry"
	"github.com/roadhum/vibesense/internal/samplebuf"
	"github.com/roadhum/vibesense/internal/spectral"
	"github.com/roadhum/vibesense/internal/speed"
	"github.com/roadhum/vibesense/internal/version"
)

var (
	configPath = flag.String("config", "", "Path to JSON config file")
	listen     = flag.String("listen", "", "HTTP listen address (overrides config)")
	udpAddr    = flag.String("udp", "", "Sensor UDP listen address (overrides config)")
	gpsPort    = flag.String("gps", "", "GPS serial device (overrides config; empty leaves GPS off)")
	units      = flag.String("units", "", "Display units for API speeds: mps, kmph or mph")
	noRecord   = flag.Bool("no-record", false, "Disable sqlite run recording")
)

// Main
func main() {
	flag.Parse()
	log.Printf("vibesense %s (%s, built %s)", version.Version, version.GitSHA, version.BuildTime)

	cfg := config.Empty()
	if *configPath != "" {
		var err error
		cfg, err = config.Load(*configPath)
		if err != nil {
			log.Fatalf("failed to load config: %v", err)
		}
	}

	httpAddr := cfg.GetHTTPListenAddr()
	if *listen != "" {
		httpAddr = *listen
	}
	sensorAddr := cfg.GetUDPListenAddr()
	if *udpAddr != "" {
		sensorAddr = *udpAddr
	}
	gpsDevice := cfg.GetSpeedSerialPort()
	if *gpsPort != "" {
		gpsDevice = *gpsPort
	}

	var database *db.DB
	if !*noRecord {
		var err error
		database, err = db.Open(cfg.GetDBPath())
		if err != nil {
			log.Fatalf("failed to open database: %v", err)
		}
		defer database.Close()
		if err := database.MigrateUp(); err != nil {
			log.Fatalf("failed to migrate database: %v", err)
		}
	}

	reg := registry.New(registry.Config{
		MaxClients:      cfg.GetMaxClients(),
		FreshnessWindow: cfg.GetFreshnessWindow(),
	})
	arena := samplebuf.NewArena(reg.MaxClients(), cfg.GetRingSeconds()*cfg.GetDefaultSampleRateHz())
	speedSrc := speed.NewSource(nil, cfg.GetSpeedMaxAge())

	receiver, err := ingest.NewReceiver(ingest.Config{
		Address:             sensorAddr,
		Registry:            reg,
		Arena:               arena,
		AckInterval:         cfg.GetAckInterval(),
		CommandTimeout:      cfg.GetCommandTimeout(),
		DefaultSampleRateHz: cfg.GetDefaultSampleRateHz(),
		Stats:               ingest.NewFrameStats(),
	})
	if err != nil {
		log.Fatalf("failed to create UDP receiver: %v", err)
	}

	hub := api.NewHub()
	pipeCfg := pipeline.Config{
		Registry:   reg,
		Arena:      arena,
		Speed:      speedSrc,
		Aggregator: diag.New(diag.Config{
			SurfaceMinDB: cfg.GetSurfaceMinDB(),
			FeedCapacity: cfg.GetFeedCapacity(),
		}),
		Vehicle:      cfg.GetVehicle(),
		TickInterval: cfg.GetTickInterval(),
		Workers:      cfg.GetWorkers(),
		Spectral: spectral.Config{
			FFTSize:               cfg.GetFFTSize(),
			CountsPerG:            cfg.GetCountsPerG(),
			PeakMargin:            cfg.GetPeakMargin(),
			MinPeakSeparationBins: cfg.GetMinPeakSeparationBins(),
			MaxPeaks:              cfg.GetMaxPeaks(),
			NoiseFloorQuantile:    cfg.GetNoiseFloorQuantile(),
		},
		DefaultSampleRateHz: cfg.GetDefaultSampleRateHz(),
		Publisher:           hub,
	}
	if database != nil {
		pipeCfg.Recorder = database
	}
	pipe, err := pipeline.New(pipeCfg)
	if err != nil {
		log.Fatalf("failed to create pipeline: %v", err)
	}

	var wg sync.WaitGroup
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// UDP ingest loop
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := receiver.Start(ctx); err != nil && err != context.Canceled {
			log.Printf("UDP receiver terminated: %v", err)
		}
	}()

	// processing tick loop
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := pipe.Run(ctx); err != nil && err != context.Canceled {
			log.Printf("pipeline terminated: %v", err)
		}
	}()

	// GPS speed monitor, when a serial device is configured
	if gpsDevice != "" {
		port, err := speed.OpenSerial(gpsDevice, cfg.GetSpeedBaud())
		if err != nil {
			log.Fatalf("failed to open GPS serial port: %v", err)
		}
		defer port.Close()
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := speedSrc.Monitor(ctx, port); err != nil && err != context.Canceled {
				log.Printf("GPS monitor terminated: %v", err)
			}
		}()
	}

	// HTTP server goroutine
	wg.Add(1)
	go func() {
		defer wg.Done()

		mux := http.NewServeMux()

		// mount the admin debugging routes (tailsql console and backups)
		if database != nil {
			database.AttachAdminRoutes(mux)
		}

		serverCfg := api.Config{
			Pipeline:       pipe,
			Commander:      receiver,
			Speed:          speedSrc,
			Hub:            hub,
			Units:          *units,
			CommandRetries: cfg.GetCommandRetries(),
		}
		if database != nil {
			serverCfg.Store = database
		}
		apiMux := api.NewServer(serverCfg).ServeMux()
		mux.Handle("/api/", apiMux)

		server := &http.Server{
			Addr:    httpAddr,
			Handler: api.LoggingMiddleware(mux),
		}

		// Start server in a goroutine so it doesn't block
		go func() {
			log.Printf("HTTP server listening on %s", httpAddr)
			if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Fatalf("failed to start server: %v", err)
			}
		}()

		// Wait for context cancellation to shut down server
		<-ctx.Done()
		log.Println("shutting down HTTP server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Printf("HTTP server shutdown error: %v", err)
		}
	}()

	// Wait for all goroutines to finish
	wg.Wait()
	log.Printf("Graceful shutdown complete")
}
