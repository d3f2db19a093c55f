package main

import (
	"context"
	"database/sql"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"time"

	"libseminar-backend/lib/configutil"
	"libseminar-backend/lib/restyutil"
	"libseminar-backend/lib/scrapers/libportal"
	"libseminar-backend/lib/serviceutil"
	"libseminar-backend/lib/telemetry"
	"libseminar-backend/services/availability"
	"libseminar-backend/services/availability/server"

	"github.com/joho/godotenv"
	_ "modernc.org/sqlite"
)

type PortalConfig struct {
	BaseUrl      string `json:"base_url"`
	LocationCode string `json:"location_code"`
	Concurrency  int    `json:"concurrency"`
	// per-request timeout, defaults to 30
	TimeoutSeconds int `json:"timeout_seconds"`
}

type CacheConfig struct {
	// sqlite file path, e.g. "availability.db"
	Path string `json:"path"`
	// snapshot freshness window, defaults to 10
	TtlMinutes int `json:"ttl_minutes"`
}

type DebugConfig struct {
	// when set, every portal exchange is dumped to this directory
	HttpDumpDir string `json:"http_dump_dir"`
}

type Config struct {
	Port           int          `json:"port"`
	Portal         PortalConfig `json:"portal"`
	Cache          CacheConfig  `json:"cache"`
	RefreshMinutes int          `json:"refresh_minutes"`
	Debug          DebugConfig  `json:"debug"`
}

func initTelemetry(ctx context.Context, verbose bool) func() {
	telemetry.InitSlog(verbose)

	tel, err := telemetry.SetupFromEnv(ctx, "libseminard")
	if os.IsNotExist(err) {
		slog.Info("no telemetry.json5 found, running without exporters")
		return func() {}
	}
	if err != nil {
		serviceutil.Fatal("setup telemetry", err)
	}
	telemetry.InstrumentPerfStats(ctx)

	return func() {
		err := tel.Shutdown(context.Background())
		if err != nil {
			slog.Warn("failed to shut down telemetry", "err", err)
		}
	}
}

func main() {
	verbose := flag.Bool("v", false, "Enable verbose logging/instrumentation.")
	flag.Parse()

	ctx := serviceutil.SignalContext()

	shutdownTelemetry := initTelemetry(ctx, *verbose)
	defer shutdownTelemetry()

	// portal credentials come from the environment, not config
	godotenv.Load()

	cfg, err := configutil.ReadConfig[Config]("config.json5")
	if err != nil {
		serviceutil.Fatal("read config", err)
	}
	if cfg.Port == 0 {
		cfg.Port = 8000
	}
	if cfg.Cache.Path == "" {
		cfg.Cache.Path = "availability.db"
	}

	var debugOutput restyutil.InstrumentOutput
	if *verbose && cfg.Debug.HttpDumpDir != "" {
		debugOutput = restyutil.NewFilesystemOutput(cfg.Debug.HttpDumpDir)
	}

	client, err := libportal.NewClient(libportal.ClientOptions{
		BaseUrl: cfg.Portal.BaseUrl,
		Credentials: libportal.Credentials{
			Username: os.Getenv("USER_ID"),
			Password: os.Getenv("USER_PW"),
		},
		LocationCode: cfg.Portal.LocationCode,
		Concurrency:  cfg.Portal.Concurrency,
		Timeout:      time.Duration(cfg.Portal.TimeoutSeconds) * time.Second,
		DebugOutput:  debugOutput,
	})
	if err != nil {
		serviceutil.Fatal("init portal client", err)
	}
	defer client.Close()

	sqldb, err := sql.Open("sqlite", cfg.Cache.Path)
	if err != nil {
		serviceutil.Fatal("open cache database", err)
	}
	defer sqldb.Close()

	svc, err := availability.NewService(ctx, availability.Options{
		Crawler:  client,
		DB:       sqldb,
		CacheTtl: time.Duration(cfg.Cache.TtlMinutes) * time.Minute,
	})
	if err != nil {
		serviceutil.Fatal("init availability service", err)
	}

	go svc.RunRefresher(ctx, time.Duration(cfg.RefreshMinutes)*time.Minute)

	mux := http.NewServeMux()
	server.New(svc).Register(mux)

	serviceutil.StartHttpServer(ctx, cfg.Port, mux)
}
