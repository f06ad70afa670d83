package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"gopkg.in/yaml.v3"

	"espfleet/internal/auth"
	"espfleet/internal/deviceapi"
	"espfleet/internal/diagnostics"
	"espfleet/internal/discovery"
	"espfleet/internal/events"
	"espfleet/internal/flasher"
	"espfleet/internal/integrations"
	"espfleet/internal/ota"
	"espfleet/internal/portlock"
	"espfleet/internal/secrets"
	"espfleet/internal/serialmon"
	"espfleet/internal/store"
	"espfleet/internal/web"
)

// version is set at build time via -ldflags "-X main.version=..."
var version = "dev"

type Config struct {
	Web struct {
		Listen         string   `yaml:"listen"`
		AllowedOrigins []string `yaml:"allowed_origins"`
	} `yaml:"web"`
	Data struct {
		Dir string `yaml:"dir"`
	} `yaml:"data"`
	Store struct {
		Path string `yaml:"path"`
	} `yaml:"store"`
	Secrets struct {
		KeyPath string `yaml:"key_path"`
	} `yaml:"secrets"`
	Build struct {
		ProjectDir     string   `yaml:"project_dir"`
		Command        []string `yaml:"command"`
		Artifact       string   `yaml:"artifact"`
		MergedArtifact string   `yaml:"merged_artifact"`
		Timeout        string   `yaml:"timeout"`
	} `yaml:"build"`
	Flash struct {
		Tool []string `yaml:"tool"`
		Chip string   `yaml:"chip"`
	} `yaml:"flash"`
	MQTT struct {
		Enabled     bool   `yaml:"enabled"`
		Broker      string `yaml:"broker"`
		Username    string `yaml:"username"`
		Password    string `yaml:"password"`
		TopicPrefix string `yaml:"topic_prefix"`
	} `yaml:"mqtt"`
	Hooks struct {
		Enabled bool   `yaml:"enabled"`
		Dir     string `yaml:"dir"`
	} `yaml:"hooks"`
	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
}

func (c *Config) validate() error {
	if c.MQTT.Enabled && c.MQTT.Broker == "" {
		return fmt.Errorf("mqtt.broker is required when mqtt is enabled")
	}
	if c.Build.Timeout != "" {
		if _, err := time.ParseDuration(c.Build.Timeout); err != nil {
			return fmt.Errorf("invalid build.timeout %q: %w", c.Build.Timeout, err)
		}
	}
	return nil
}

func main() {
	// Temporary logger for config loading errors.
	bootLogger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	cfgPath := "config.yaml"
	if len(os.Args) > 1 {
		cfgPath = os.Args[1]
	}

	cfg, err := loadConfig(cfgPath)
	if err != nil {
		bootLogger.Error("load config", "err", err)
		os.Exit(1)
	}
	if err := cfg.validate(); err != nil {
		bootLogger.Error("invalid config", "err", err)
		os.Exit(1)
	}

	logger := newLogger(cfg)
	slog.SetDefault(logger)
	logger.Info("espfleet starting", "version", version)

	if err := os.MkdirAll(cfg.Data.Dir, 0o755); err != nil {
		logger.Error("create data dir", "err", err)
		os.Exit(1)
	}

	db, err := store.NewBoltStore(cfg.Store.Path)
	if err != nil {
		logger.Error("open store", "err", err)
		os.Exit(1)
	}
	defer db.Close()

	box, err := secrets.Open(cfg.Secrets.KeyPath)
	if err != nil {
		logger.Error("open secret box", "err", err)
		os.Exit(1)
	}

	bus := events.NewBus(logger)
	eventLog, err := events.NewLog(filepath.Join(cfg.Data.Dir, "events.jsonl"), bus, logger)
	if err != nil {
		logger.Error("open event log", "err", err)
		os.Exit(1)
	}

	buildTimeout := 10 * time.Minute
	if cfg.Build.Timeout != "" {
		buildTimeout, _ = time.ParseDuration(cfg.Build.Timeout)
	}

	client := deviceapi.NewClient(logger)
	locks := portlock.NewRegistry()
	scanner := discovery.NewScanner(db, box, eventLog, logger)
	lanSweep := func(ctx context.Context) ([]diagnostics.ScannedHost, error) {
		scan, err := scanner.ScanLAN(ctx, "", false)
		if err != nil {
			return nil, err
		}
		hosts := make([]diagnostics.ScannedHost, 0, len(scan.Hosts))
		for _, h := range scan.Hosts {
			hosts = append(hosts, diagnostics.ScannedHost{IP: h.IP, Hostname: h.Hostname})
		}
		return hosts, nil
	}
	webServer := web.NewServer(web.Deps{
		Store:    db,
		Box:      box,
		Log:      eventLog,
		Bus:      bus,
		Auth:     auth.NewManager(db, logger),
		Client:   client,
		Dispatch: deviceapi.NewDispatcher(client, db, box, logger),
		Scanner:  scanner,
		Flash:    flasher.NewManager(cfg.Data.Dir, cfg.Flash.Tool, cfg.Flash.Chip, locks, eventLog, logger),
		Builder: flasher.NewBuilder(cfg.Data.Dir, cfg.Build.ProjectDir, cfg.Build.Command,
			cfg.Build.Artifact, cfg.Build.MergedArtifact, buildTimeout, db, eventLog, logger),
		Serial:  serialmon.NewManager(locks, eventLog, logger),
		OTA:     ota.NewService(cfg.Data.Dir, db, box, client, eventLog, logger),
		Diag:    diagnostics.NewRunner(client, lanSweep, logger),
		Weather: integrations.NewWeather(db, box, logger),
		Spotify: integrations.NewSpotify(db, box, logger),
		DataDir: cfg.Data.Dir,
		Version: version,

		AllowedOrigins: cfg.Web.AllowedOrigins,
	}, logger)

	httpServer := &http.Server{
		Addr:         cfg.Web.Listen,
		Handler:      webServer,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		logger.Info("web server starting", "addr", cfg.Web.Listen)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server", "err", err)
		}
	}()

	// Optional subsystems (no-ops when built with no_hooks / no_mqtt).
	hookEngine := initHooks(bus, cfg, logger)
	mirror := initMQTT(bus, cfg, logger)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	signal.Stop(sigCh)
	logger.Info("shutting down", "signal", sig)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	hookEngine.Stop()
	mirror.Stop()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown", "err", err)
	}
	webServer.Stop()

	logger.Info("goodbye")
}

func loadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if cfg.Web.Listen == "" {
		cfg.Web.Listen = "127.0.0.1:8090"
	}
	if cfg.Data.Dir == "" {
		cfg.Data.Dir = "data"
	}
	if cfg.Store.Path == "" {
		cfg.Store.Path = "espfleet.db"
	}
	if cfg.Secrets.KeyPath == "" {
		cfg.Secrets.KeyPath = filepath.Join(cfg.Data.Dir, "secret.key")
	}
	if cfg.Build.Artifact == "" {
		cfg.Build.Artifact = "firmware.bin"
	}
	if cfg.Build.MergedArtifact == "" {
		cfg.Build.MergedArtifact = "firmware-merged.bin"
	}
	if len(cfg.Flash.Tool) == 0 {
		cfg.Flash.Tool = []string{"esptool.py"}
	}
	if cfg.Flash.Chip == "" {
		cfg.Flash.Chip = "esp32"
	}
	if cfg.MQTT.TopicPrefix == "" {
		cfg.MQTT.TopicPrefix = "espfleet"
	}
	if cfg.Hooks.Dir == "" {
		cfg.Hooks.Dir = "hooks"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "text"
	}
	return &cfg, nil
}

func newLogger(cfg *Config) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Log.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	switch strings.ToLower(cfg.Log.Format) {
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, opts)
	default:
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}
