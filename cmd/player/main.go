package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/keep-on-walking/mpv-pi-player/internal/app"
)

type configVar[T any] struct {
	envKey       string
	flagKey      string
	defaultValue T
}

func defaultMediaDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "videos"
	}

	return filepath.Join(home, "videos")
}

var (
	host = configVar[string]{
		envKey:       "PLAYER_HOST",
		flagKey:      "host",
		defaultValue: "0.0.0.0",
	}
	port = configVar[int]{
		envKey:       "PLAYER_PORT",
		flagKey:      "port",
		defaultValue: 8080,
	}
	logLevel = configVar[string]{
		envKey:       "PLAYER_LOG_LEVEL",
		flagKey:      "log-level",
		defaultValue: "INFO",
	}
	mediaDir = configVar[string]{
		envKey:       "PLAYER_MEDIA_DIR",
		flagKey:      "media-dir",
		defaultValue: defaultMediaDir(),
	}
	mpvBinary = configVar[string]{
		envKey:       "PLAYER_MPV_BINARY",
		flagKey:      "mpv-binary",
		defaultValue: "mpv",
	}
	mpvSocket = configVar[string]{
		envKey:       "PLAYER_MPV_SOCKET",
		flagKey:      "mpv-socket",
		defaultValue: "/tmp/mpvsocket",
	}
	hardwareAccel = configVar[bool]{
		envKey:       "PLAYER_HARDWARE_ACCEL",
		flagKey:      "hardware-accel",
		defaultValue: true,
	}
	displayOutput = configVar[string]{
		envKey:       "PLAYER_DISPLAY_OUTPUT",
		flagKey:      "display-output",
		defaultValue: "HDMI-A-1",
	}
	volume = configVar[int]{
		envKey:       "PLAYER_VOLUME",
		flagKey:      "volume",
		defaultValue: 100,
	}
	loop = configVar[bool]{
		envKey:       "PLAYER_LOOP",
		flagKey:      "loop",
		defaultValue: false,
	}
	syncMode = configVar[string]{
		envKey:       "PLAYER_SYNC_MODE",
		flagKey:      "sync-mode",
		defaultValue: "standalone",
	}
	masterAddress = configVar[string]{
		envKey:       "PLAYER_MASTER_ADDRESS",
		flagKey:      "master-address",
		defaultValue: "",
	}
	driftThreshold = configVar[float64]{
		envKey:       "PLAYER_DRIFT_THRESHOLD",
		flagKey:      "drift-threshold",
		defaultValue: 2.0,
	}
	speedBand = configVar[float64]{
		envKey:       "PLAYER_SPEED_BAND",
		flagKey:      "speed-band",
		defaultValue: 0.2,
	}
	snapshotInterval = configVar[time.Duration]{
		envKey:       "PLAYER_SNAPSHOT_INTERVAL",
		flagKey:      "snapshot-interval",
		defaultValue: time.Second,
	}
	sendTimeout = configVar[time.Duration]{
		envKey:       "PLAYER_SEND_TIMEOUT",
		flagKey:      "send-timeout",
		defaultValue: 5 * time.Second,
	}
	reconnectMax = configVar[time.Duration]{
		envKey:       "PLAYER_RECONNECT_MAX",
		flagKey:      "reconnect-max",
		defaultValue: 30 * time.Second,
	}
	redisHost = configVar[string]{
		envKey:       "REDIS_HOST",
		flagKey:      "redis-host",
		defaultValue: "",
	}
	redisPort = configVar[int]{
		envKey:       "REDIS_PORT",
		flagKey:      "redis-port",
		defaultValue: 6379,
	}
	redisPassword = configVar[string]{
		envKey:       "REDIS_PASSWORD",
		flagKey:      "redis-password",
		defaultValue: "",
	}
)

func loadAppConfig() *app.AppConfig {
	pflag.String(host.flagKey, host.defaultValue, "HTTP host")
	pflag.Int(port.flagKey, port.defaultValue, "HTTP port")
	pflag.String(logLevel.flagKey, logLevel.defaultValue, "Logging level")
	pflag.String(mediaDir.flagKey, mediaDir.defaultValue, "Directory with video files")
	pflag.String(mpvBinary.flagKey, mpvBinary.defaultValue, "mpv executable")
	pflag.String(mpvSocket.flagKey, mpvSocket.defaultValue, "mpv IPC socket path")
	pflag.Bool(hardwareAccel.flagKey, hardwareAccel.defaultValue, "Use hardware decoding")
	pflag.String(displayOutput.flagKey, displayOutput.defaultValue, "DRM connector to play on")
	pflag.Int(volume.flagKey, volume.defaultValue, "Initial volume in percent")
	pflag.Bool(loop.flagKey, loop.defaultValue, "Loop the current file")
	pflag.String(syncMode.flagKey, syncMode.defaultValue, "Initial sync mode: standalone, master or slave")
	pflag.String(masterAddress.flagKey, masterAddress.defaultValue, "Master host:port for slave mode")
	pflag.Float64(driftThreshold.flagKey, driftThreshold.defaultValue, "Seconds of drift before a slave seeks")
	pflag.Float64(speedBand.flagKey, speedBand.defaultValue, "Seconds of drift before a slave adjusts its speed")
	pflag.Duration(snapshotInterval.flagKey, snapshotInterval.defaultValue, "Interval between master snapshots")
	pflag.Duration(sendTimeout.flagKey, sendTimeout.defaultValue, "Write timeout per slave")
	pflag.Duration(reconnectMax.flagKey, reconnectMax.defaultValue, "Maximum delay between reconnects to the master")
	pflag.String(redisHost.flagKey, redisHost.defaultValue, "Redis host, settings are kept in memory when empty")
	pflag.Int(redisPort.flagKey, redisPort.defaultValue, "Redis port")
	pflag.String(redisPassword.flagKey, redisPassword.defaultValue, "Redis password")
	pflag.Parse()

	viper.BindPFlags(pflag.CommandLine)

	viper.BindEnv(host.flagKey, host.envKey)
	viper.BindEnv(port.flagKey, port.envKey)
	viper.BindEnv(logLevel.flagKey, logLevel.envKey)
	viper.BindEnv(mediaDir.flagKey, mediaDir.envKey)
	viper.BindEnv(mpvBinary.flagKey, mpvBinary.envKey)
	viper.BindEnv(mpvSocket.flagKey, mpvSocket.envKey)
	viper.BindEnv(hardwareAccel.flagKey, hardwareAccel.envKey)
	viper.BindEnv(displayOutput.flagKey, displayOutput.envKey)
	viper.BindEnv(volume.flagKey, volume.envKey)
	viper.BindEnv(loop.flagKey, loop.envKey)
	viper.BindEnv(syncMode.flagKey, syncMode.envKey)
	viper.BindEnv(masterAddress.flagKey, masterAddress.envKey)
	viper.BindEnv(driftThreshold.flagKey, driftThreshold.envKey)
	viper.BindEnv(speedBand.flagKey, speedBand.envKey)
	viper.BindEnv(snapshotInterval.flagKey, snapshotInterval.envKey)
	viper.BindEnv(sendTimeout.flagKey, sendTimeout.envKey)
	viper.BindEnv(reconnectMax.flagKey, reconnectMax.envKey)
	viper.BindEnv(redisHost.flagKey, redisHost.envKey)
	viper.BindEnv(redisPort.flagKey, redisPort.envKey)
	viper.BindEnv(redisPassword.flagKey, redisPassword.envKey)

	viper.SetDefault(host.flagKey, host.defaultValue)
	viper.SetDefault(port.flagKey, port.defaultValue)
	viper.SetDefault(logLevel.flagKey, logLevel.defaultValue)
	viper.SetDefault(mediaDir.flagKey, mediaDir.defaultValue)
	viper.SetDefault(mpvBinary.flagKey, mpvBinary.defaultValue)
	viper.SetDefault(mpvSocket.flagKey, mpvSocket.defaultValue)
	viper.SetDefault(hardwareAccel.flagKey, hardwareAccel.defaultValue)
	viper.SetDefault(displayOutput.flagKey, displayOutput.defaultValue)
	viper.SetDefault(volume.flagKey, volume.defaultValue)
	viper.SetDefault(loop.flagKey, loop.defaultValue)
	viper.SetDefault(syncMode.flagKey, syncMode.defaultValue)
	viper.SetDefault(masterAddress.flagKey, masterAddress.defaultValue)
	viper.SetDefault(driftThreshold.flagKey, driftThreshold.defaultValue)
	viper.SetDefault(speedBand.flagKey, speedBand.defaultValue)
	viper.SetDefault(snapshotInterval.flagKey, snapshotInterval.defaultValue)
	viper.SetDefault(sendTimeout.flagKey, sendTimeout.defaultValue)
	viper.SetDefault(reconnectMax.flagKey, reconnectMax.defaultValue)
	viper.SetDefault(redisHost.flagKey, redisHost.defaultValue)
	viper.SetDefault(redisPort.flagKey, redisPort.defaultValue)
	viper.SetDefault(redisPassword.flagKey, redisPassword.defaultValue)

	config := &app.AppConfig{
		Host:             viper.GetString(host.flagKey),
		Port:             viper.GetInt(port.flagKey),
		LogLevel:         viper.GetString(logLevel.flagKey),
		MediaDir:         viper.GetString(mediaDir.flagKey),
		MpvBinary:        viper.GetString(mpvBinary.flagKey),
		MpvSocket:        viper.GetString(mpvSocket.flagKey),
		HardwareAccel:    viper.GetBool(hardwareAccel.flagKey),
		DisplayOutput:    viper.GetString(displayOutput.flagKey),
		Volume:           viper.GetInt(volume.flagKey),
		Loop:             viper.GetBool(loop.flagKey),
		SyncMode:         viper.GetString(syncMode.flagKey),
		MasterAddress:    viper.GetString(masterAddress.flagKey),
		DriftThreshold:   viper.GetFloat64(driftThreshold.flagKey),
		SpeedBand:        viper.GetFloat64(speedBand.flagKey),
		SnapshotInterval: viper.GetDuration(snapshotInterval.flagKey),
		SendTimeout:      viper.GetDuration(sendTimeout.flagKey),
		ReconnectMax:     viper.GetDuration(reconnectMax.flagKey),
		RedisHost:        viper.GetString(redisHost.flagKey),
		RedisPort:        viper.GetInt(redisPort.flagKey),
		RedisPassword:    viper.GetString(redisPassword.flagKey),
	}

	return config
}

func main() {
	ctx := context.Background()

	appConfig := loadAppConfig()
	if err := appConfig.Validate(); err != nil {
		log.Fatal(err)
	}

	jsonConfig, _ := json.MarshalIndent(appConfig, "", "  ")
	fmt.Printf("starting app with config: %s\n", jsonConfig)

	log.Fatal(app.Run(ctx, appConfig))
}
