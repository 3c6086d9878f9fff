package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/keep-on-walking/mpv-pi-player/internal/controller"
	"github.com/keep-on-walking/mpv-pi-player/internal/media"
	"github.com/keep-on-walking/mpv-pi-player/internal/player"
	"github.com/keep-on-walking/mpv-pi-player/internal/repository/settings"
	settingsInmemory "github.com/keep-on-walking/mpv-pi-player/internal/repository/settings/inmemory"
	settingsRedis "github.com/keep-on-walking/mpv-pi-player/internal/repository/settings/redis"
	"github.com/keep-on-walking/mpv-pi-player/internal/service/playback"
	"github.com/keep-on-walking/mpv-pi-player/internal/service/syncnode"
	"github.com/keep-on-walking/mpv-pi-player/internal/transport"
	"github.com/keep-on-walking/mpv-pi-player/pkg/ctxlogger"
	"github.com/keep-on-walking/mpv-pi-player/pkg/redisclient"
)

type AppConfig struct {
	Host             string        `json:"host"`
	Port             int           `json:"port"`
	LogLevel         string        `json:"log_level"`
	MediaDir         string        `json:"media_dir"`
	MpvBinary        string        `json:"mpv_binary"`
	MpvSocket        string        `json:"mpv_socket"`
	HardwareAccel    bool          `json:"hardware_accel"`
	DisplayOutput    string        `json:"display_output"`
	Volume           int           `json:"volume"`
	Loop             bool          `json:"loop"`
	SyncMode         string        `json:"sync_mode"`
	MasterAddress    string        `json:"master_address"`
	DriftThreshold   float64       `json:"drift_threshold"`
	SpeedBand        float64       `json:"speed_band"`
	SnapshotInterval time.Duration `json:"snapshot_interval"`
	SendTimeout      time.Duration `json:"send_timeout"`
	ReconnectMax     time.Duration `json:"reconnect_max"`
	RedisHost        string        `json:"redis_host"`
	RedisPort        int           `json:"redis_port"`
	RedisPassword    string        `json:"-"`
}

func (cfg *AppConfig) Validate() error {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.ToUpper(cfg.LogLevel))); err != nil {
		return fmt.Errorf("invalid log level %q", cfg.LogLevel)
	}
	if cfg.Port < 1 || cfg.Port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535")
	}
	if cfg.MediaDir == "" {
		return fmt.Errorf("media dir must be set")
	}
	if cfg.Volume < 0 || cfg.Volume > 100 {
		return fmt.Errorf("volume must be between 0 and 100")
	}
	if cfg.DriftThreshold <= 0 {
		return fmt.Errorf("drift threshold must be greater than 0")
	}
	if cfg.SpeedBand <= 0 || cfg.SpeedBand >= cfg.DriftThreshold {
		return fmt.Errorf("speed band must be greater than 0 and below the drift threshold")
	}
	if cfg.SnapshotInterval <= 0 {
		return fmt.Errorf("snapshot interval must be greater than 0")
	}

	switch syncnode.Mode(cfg.SyncMode) {
	case syncnode.ModeStandalone, syncnode.ModeMaster:
	case syncnode.ModeSlave:
		if _, _, err := net.SplitHostPort(cfg.MasterAddress); err != nil {
			return fmt.Errorf("slave mode needs a host:port master address: %w", err)
		}
	default:
		return fmt.Errorf("unknown sync mode %q", cfg.SyncMode)
	}

	return nil
}

func newLogger(cfg *AppConfig) *slog.Logger {
	logLevel := slog.LevelInfo
	if err := logLevel.UnmarshalText([]byte(strings.ToUpper(cfg.LogLevel))); err != nil {
		log.Fatal(err)
	}

	h := ctxlogger.ContextHandler{
		Handler: slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level:     logLevel,
			AddSource: true,
		}),
	}

	return slog.New(&h)
}

// slaveReadTimeout gives a slave room for a few missed snapshots before it
// counts the master as gone.
func slaveReadTimeout(snapshotInterval time.Duration) time.Duration {
	return max(5*time.Second, 3*snapshotInterval)
}

type iSettingsRepo interface {
	Get(context.Context) (settings.Settings, error)
	Update(context.Context, *settings.UpdateParams) error
}

// newSettingsRepo keeps settings in redis when a redis host is configured and
// in memory otherwise. The returned func releases the redis client.
func newSettingsRepo(ctx context.Context, cfg *AppConfig, logger *slog.Logger) (iSettingsRepo, func() error, error) {
	if cfg.RedisHost == "" {
		logger.InfoContext(ctx, "no redis configured, settings are kept in memory")
		return settingsInmemory.NewRepo(), func() error { return nil }, nil
	}

	rc, err := redisclient.NewRedisClient(ctx, &redisclient.Config{
		Port:     cfg.RedisPort,
		Host:     cfg.RedisHost,
		Password: cfg.RedisPassword,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create redis client: %w", err)
	}

	nodeID, err := os.Hostname()
	if err != nil {
		nodeID = "default"
	}

	return settingsRedis.NewRepo(rc, nodeID), rc.Close, nil
}

func Run(ctx context.Context, cfg *AppConfig) error {
	logger := newLogger(cfg)

	settingsRepo, closeSettings, err := newSettingsRepo(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeSettings()

	library, err := media.NewLibrary(cfg.MediaDir, logger)
	if err != nil {
		return fmt.Errorf("failed to open media library: %w", err)
	}
	if err := library.Scan(); err != nil {
		return fmt.Errorf("failed to scan media library: %w", err)
	}

	process := player.NewProcess(&player.Options{
		Binary:        cfg.MpvBinary,
		SocketPath:    cfg.MpvSocket,
		HardwareAccel: cfg.HardwareAccel,
		DisplayOutput: cfg.DisplayOutput,
	}, logger)
	playbackService := playback.NewService(process, library, &playback.Config{
		Volume: cfg.Volume,
		Loop:   cfg.Loop,
	}, logger)

	hub := transport.NewHub(&transport.HubConfig{
		SendTimeout: cfg.SendTimeout,
	}, logger)
	node := syncnode.NewService(playbackService, hub, settingsRepo, &syncnode.Config{
		DriftThreshold:   cfg.DriftThreshold,
		SnapshotInterval: cfg.SnapshotInterval,
		SpeedBand:        cfg.SpeedBand,
		Transport: transport.ClientConfig{
			BackoffMax:  cfg.ReconnectMax,
			ReadTimeout: slaveReadTimeout(cfg.SnapshotInterval),
		},
		InitialMode:          syncnode.Mode(cfg.SyncMode),
		InitialMasterAddress: cfg.MasterAddress,
	}, logger)

	bgCtx, stopBackground := context.WithCancel(ctx)
	defer stopBackground()

	go func() {
		if err := library.Watch(bgCtx); err != nil {
			logger.WarnContext(bgCtx, "media directory is not watched", "error", err)
		}
	}()
	go playbackService.Run(bgCtx)

	if err := node.Restore(ctx); err != nil {
		logger.WarnContext(ctx, "failed to restore sync role", "error", err)
	}

	controller := controller.NewController(node, playbackService, library, hub, logger)
	server := &http.Server{Addr: fmt.Sprintf("%s:%d", cfg.Host, cfg.Port), Handler: controller.GetMux()}

	// graceful shutdown
	serverCtx, serverStopCtx := context.WithCancel(ctx)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
	go func() {
		<-sig

		shutdownCtx, c := context.WithTimeout(serverCtx, 30*time.Second)
		defer c()

		go func() {
			<-shutdownCtx.Done()
			if shutdownCtx.Err() == context.DeadlineExceeded {
				log.Fatal("graceful shutdown timed out.. forcing exit.")
			}
		}()

		// slaves are dropped before the server stops waiting on hijacked conns
		node.Close()

		err := server.Shutdown(shutdownCtx)
		if err != nil {
			log.Fatal(err)
		}
		serverStopCtx()
	}()

	logger.InfoContext(serverCtx, "starting server", "address", server.Addr)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}

	<-serverCtx.Done()

	stopBackground()
	if err := playbackService.Close(); err != nil {
		logger.WarnContext(ctx, "failed to stop player", "error", err)
	}

	return nil
}
