package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

// LoadEnv loads .env files into the process environment. Missing files are
// not an error; variables already set are kept.
func LoadEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				slog.Debug("config: no env file, using process environment", "file", f)
				continue
			}
			return fmt.Errorf("config: load %s: %w", f, err)
		}
		slog.Debug("config: env file loaded", "file", f)
	}
	return nil
}

// ApplyEnv overrides cfg with FATIGUE_* environment variables.
func ApplyEnv(cfg *Config) error {
	setString(&cfg.Participant, "FATIGUE_PARTICIPANT_ID")
	setString(&cfg.ReportDir, "FATIGUE_REPORT_DIR")
	setString(&cfg.Camera.Source, "FATIGUE_CAMERA_SOURCE")
	setString(&cfg.Camera.Device, "FATIGUE_CAMERA_DEVICE")
	setString(&cfg.Landmarks.Command, "FATIGUE_LANDMARKS_COMMAND")
	setString(&cfg.Report.SQLitePath, "FATIGUE_SQLITE_PATH")
	setString(&cfg.MQTT.Broker, "FATIGUE_MQTT_BROKER")
	setString(&cfg.HTTP.Listen, "FATIGUE_HTTP_LISTEN")

	ints := []struct {
		dst *int
		key string
	}{
		{&cfg.Capture.TargetFPS, "FATIGUE_FPS"},
		{&cfg.Camera.Width, "FATIGUE_CAMERA_WIDTH"},
		{&cfg.Camera.Height, "FATIGUE_CAMERA_HEIGHT"},
	}
	for _, e := range ints {
		if err := setInt(e.dst, e.key); err != nil {
			return err
		}
	}
	return nil
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("%w: %s=%q is not an integer", ErrInvalid, key, v)
	}
	*dst = n
	return nil
}
