// Package config loads and validates kanyo's per-stream configuration:
// defaults, then config.yaml, then KANYO_<KEY> environment overrides, with
// secrets optionally supplied via a .env file.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Config is the fully-resolved, validated configuration for one stream.
type Config struct {
	// Stream & detection
	VideoSource             string  `mapstructure:"video_source" yaml:"video_source"`
	DetectionConfidence     float64 `mapstructure:"detection_confidence" yaml:"detection_confidence"`
	FrameInterval           int     `mapstructure:"frame_interval" yaml:"frame_interval"`
	Timezone                string  `mapstructure:"timezone" yaml:"timezone"`
	DetectAnyAnimal         bool    `mapstructure:"detect_any_animal" yaml:"detect_any_animal"`
	AnimalClasses           []int   `mapstructure:"animal_classes" yaml:"animal_classes"`
	SubjectLabel            string  `mapstructure:"subject_label" yaml:"subject_label"`

	// Behavior state machine timing (seconds)
	ExitTimeout         int `mapstructure:"exit_timeout" yaml:"exit_timeout"`
	RoostingThreshold   int `mapstructure:"roosting_threshold" yaml:"roosting_threshold"`
	RoostingExitTimeout int `mapstructure:"roosting_exit_timeout" yaml:"roosting_exit_timeout"`
	ActivityTimeout     int `mapstructure:"activity_timeout" yaml:"activity_timeout"`

	// Frame buffer
	BufferSeconds int `mapstructure:"buffer_seconds" yaml:"buffer_seconds"`
	BufferFPS     int `mapstructure:"buffer_fps" yaml:"buffer_fps"`
	JPEGQuality   int `mapstructure:"jpeg_quality" yaml:"jpeg_quality"`

	// Clip extraction
	ClipArrivalBefore      int `mapstructure:"clip_arrival_before" yaml:"clip_arrival_before"`
	ClipArrivalAfter       int `mapstructure:"clip_arrival_after" yaml:"clip_arrival_after"`
	ClipDepartureBefore    int `mapstructure:"clip_departure_before" yaml:"clip_departure_before"`
	ClipDepartureAfter     int `mapstructure:"clip_departure_after" yaml:"clip_departure_after"`
	ClipStateChangeBefore  int `mapstructure:"clip_state_change_before" yaml:"clip_state_change_before"`
	ClipStateChangeAfter   int `mapstructure:"clip_state_change_after" yaml:"clip_state_change_after"`
	ClipStateChangeCooldown int `mapstructure:"clip_state_change_cooldown" yaml:"clip_state_change_cooldown"`
	ClipFPS                int `mapstructure:"clip_fps" yaml:"clip_fps"`
	ClipCRF                 int `mapstructure:"clip_crf" yaml:"clip_crf"`
	ClipsDir                string `mapstructure:"clips_dir" yaml:"clips_dir"`
	ClipWorkers             int    `mapstructure:"clip_workers" yaml:"clip_workers"`
	ShortVisitThreshold      int    `mapstructure:"short_visit_threshold" yaml:"short_visit_threshold"`

	// Startup confirmation
	ArrivalConfirmationSeconds int     `mapstructure:"arrival_confirmation_seconds" yaml:"arrival_confirmation_seconds"`
	ArrivalConfirmationRatio   float64 `mapstructure:"arrival_confirmation_ratio" yaml:"arrival_confirmation_ratio"`

	// Notifications
	NotificationCooldownMinutes int `mapstructure:"notification_cooldown_minutes" yaml:"notification_cooldown_minutes"`

	// Stream capture / resolver
	MaxHeight            int    `mapstructure:"max_height" yaml:"max_height"`
	ReconnectDelaySeconds int    `mapstructure:"reconnect_delay_seconds" yaml:"reconnect_delay_seconds"`
	RecoveryCooldownSeconds int  `mapstructure:"recovery_cooldown_seconds" yaml:"recovery_cooldown_seconds"`
	ResolverPath          string `mapstructure:"resolver_path" yaml:"resolver_path"`
	EncoderProbePath      string `mapstructure:"encoder_probe_path" yaml:"encoder_probe_path"`

	// Filesystem layout
	DataRoot string `mapstructure:"data_root" yaml:"data_root"`
	StreamID string `mapstructure:"stream_id" yaml:"stream_id"`

	// Logging
	LogLevel string `mapstructure:"log_level" yaml:"log_level"`
	LogFile  string `mapstructure:"log_file" yaml:"log_file"`

	// Admin HTTP surface
	AdminListenAddr string `mapstructure:"admin_listen_addr" yaml:"admin_listen_addr"`
	AdminAuthToken  string `mapstructure:"admin_auth_token" yaml:"admin_auth_token"`

	// Bounded test runs
	MaxRuntimeSeconds int `mapstructure:"max_runtime_seconds" yaml:"max_runtime_seconds"`

	// Resolved at load time, not user-settable.
	Location *time.Location `mapstructure:"-" yaml:"-"`
}

// requiredFields lists the keys load() rejects the config for if empty.
var requiredFields = []string{"video_source"}

func defaults() map[string]any {
	return map[string]any{
		"video_source":                   "",
		"detection_confidence":           0.5,
		"frame_interval":                 30,
		"timezone":                       "UTC",
		"detect_any_animal":              true,
		"animal_classes":                 []int{14, 15, 16, 17, 18, 19, 20, 21, 22, 23},
		"subject_label":                  "falcon",
		"exit_timeout":                   300,
		"roosting_threshold":             1800,
		"roosting_exit_timeout":          600,
		"activity_timeout":               180,
		"buffer_seconds":                 60,
		"buffer_fps":                     30,
		"jpeg_quality":                   85,
		"clip_arrival_before":            15,
		"clip_arrival_after":             30,
		"clip_departure_before":          30,
		"clip_departure_after":           15,
		"clip_state_change_before":       15,
		"clip_state_change_after":        30,
		"clip_state_change_cooldown":     300,
		"clip_fps":                       30,
		"clip_crf":                       23,
		"clips_dir":                      "clips",
		"clip_workers":                   2,
		"short_visit_threshold":          600,
		"arrival_confirmation_seconds":   10,
		"arrival_confirmation_ratio":     0.3,
		"notification_cooldown_minutes":  5,
		"max_height":                     1080,
		"reconnect_delay_seconds":        5,
		"recovery_cooldown_seconds":      300,
		"resolver_path":                  "yt-dlp",
		"encoder_probe_path":             "ffmpeg",
		"data_root":                      "data",
		"stream_id":                      "default",
		"log_level":                      "INFO",
		"log_file":                       "logs/kanyo.log",
		"admin_listen_addr":              "127.0.0.1:8080",
		"admin_auth_token":               "",
		"max_runtime_seconds":            0,
	}
}

// offsetToIANA mirrors the original's legacy-offset-to-IANA mapping so a
// bare "+10:00" in an existing config.yaml keeps working with DST-aware
// zones where one exists.
var offsetToIANA = map[string]string{
	"+11:00": "Australia/Sydney",
	"+10:00": "Australia/Brisbane",
	"+09:30": "Australia/Adelaide",
	"+08:00": "Asia/Singapore",
	"-05:00": "America/New_York",
	"-06:00": "America/Chicago",
	"-07:00": "America/Denver",
	"-08:00": "America/Los_Angeles",
	"-10:00": "Pacific/Honolulu",
	"+00:00": "UTC",
}

// Load reads defaults, then path (if it exists), then KANYO_* environment
// overrides, validating the result before returning it. envFile, if
// non-empty and present, is loaded into the process environment first
// (without clobbering variables already set) exactly as the original's
// _load_env_file does.
func Load(path string, envFile string) (*Config, error) {
	if envFile != "" {
		if _, err := os.Stat(envFile); err == nil {
			if err := godotenv.Load(envFile); err != nil {
				return nil, fmt.Errorf("config: loading env file %s: %w", envFile, err)
			}
		}
	}

	v := viper.New()
	for k, val := range defaults() {
		v.SetDefault(k, val)
	}

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			v.SetConfigFile(path)
			v.SetConfigType("yaml")
			if err := v.ReadInConfig(); err != nil {
				return nil, fmt.Errorf("config: reading %s: %w", path, err)
			}
		}
	}

	v.SetEnvPrefix("kanyo")
	v.AutomaticEnv()
	for k := range defaults() {
		_ = v.BindEnv(k, "KANYO_"+strings.ToUpper(k))
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}

	if err := validate(cfg); err != nil {
		return nil, err
	}

	loc, err := parseTimezone(cfg.Timezone)
	if err != nil {
		return nil, err
	}
	cfg.Location = loc
	return cfg, nil
}

// ValidationError is kanyo's ConfigurationError (spec.md §7.1): a missing
// required key, an out-of-range value, or a timing-invariant violation.
// Always fatal at startup.
type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string { return "config: " + e.Msg }

func validate(cfg *Config) error {
	for _, f := range requiredFields {
		if f == "video_source" && cfg.VideoSource == "" {
			return &ValidationError{Msg: "missing required config field: video_source"}
		}
	}

	if cfg.DetectionConfidence < 0.0 || cfg.DetectionConfidence > 1.0 {
		return &ValidationError{Msg: "detection_confidence must be between 0.0 and 1.0"}
	}

	// roosting_threshold > exit_timeout — otherwise the subject could
	// depart before ever reaching roosting state.
	if cfg.RoostingThreshold <= cfg.ExitTimeout {
		return &ValidationError{Msg: fmt.Sprintf(
			"roosting_threshold (%ds) must be greater than exit_timeout (%ds)",
			cfg.RoostingThreshold, cfg.ExitTimeout)}
	}
	if cfg.ActivityTimeout >= cfg.RoostingExitTimeout {
		return &ValidationError{Msg: fmt.Sprintf(
			"activity_timeout (%ds) must be less than roosting_exit_timeout (%ds)",
			cfg.ActivityTimeout, cfg.RoostingExitTimeout)}
	}
	if cfg.ExitTimeout >= cfg.RoostingExitTimeout {
		return &ValidationError{Msg: fmt.Sprintf(
			"exit_timeout (%ds) must be less than roosting_exit_timeout (%ds)",
			cfg.ExitTimeout, cfg.RoostingExitTimeout)}
	}

	if cfg.ClipArrivalBefore < 0 || cfg.ClipArrivalAfter < 0 {
		return &ValidationError{Msg: "clip_arrival_before and clip_arrival_after must be non-negative"}
	}
	if cfg.ClipDepartureBefore < 0 || cfg.ClipDepartureAfter < 0 {
		return &ValidationError{Msg: "clip_departure_before and clip_departure_after must be non-negative"}
	}
	if cfg.ShortVisitThreshold < 60 {
		return &ValidationError{Msg: fmt.Sprintf(
			"short_visit_threshold (%ds) is too short; minimum recommended value is 60 seconds",
			cfg.ShortVisitThreshold)}
	}
	if cfg.FrameInterval < 1 {
		return &ValidationError{Msg: "frame_interval must be at least 1"}
	}
	return nil
}

func parseTimezone(tz string) (*time.Location, error) {
	if tz == "" || tz == "UTC" || tz == "+00:00" {
		return time.UTC, nil
	}
	if strings.Contains(tz, "/") || tz == "GMT" {
		loc, err := time.LoadLocation(tz)
		if err != nil {
			return nil, &ValidationError{Msg: fmt.Sprintf("invalid IANA timezone %q: %v", tz, err)}
		}
		return loc, nil
	}
	if iana, ok := offsetToIANA[tz]; ok {
		loc, err := time.LoadLocation(iana)
		if err == nil {
			return loc, nil
		}
		// fall through to raw offset parsing below
	}
	if strings.HasPrefix(tz, "+") || strings.HasPrefix(tz, "-") {
		sign := 1
		if tz[0] == '-' {
			sign = -1
		}
		parts := strings.SplitN(tz[1:], ":", 2)
		hours, err := strconv.Atoi(parts[0])
		if err != nil {
			return nil, &ValidationError{Msg: fmt.Sprintf("invalid timezone offset %q", tz)}
		}
		minutes := 0
		if len(parts) > 1 {
			minutes, err = strconv.Atoi(parts[1])
			if err != nil {
				return nil, &ValidationError{Msg: fmt.Sprintf("invalid timezone offset %q", tz)}
			}
		}
		offsetSeconds := sign * (hours*3600 + minutes*60)
		return time.FixedZone(tz, offsetSeconds), nil
	}
	return nil, &ValidationError{Msg: fmt.Sprintf("unrecognized timezone format %q", tz)}
}

// Dump renders cfg back to YAML, e.g. for `kanyo config dump`.
func Dump(cfg *Config) ([]byte, error) {
	return yaml.Marshal(cfg)
}

// ClipsDirPath returns <data_root>/<stream_id>/clips.
func (c *Config) ClipsDirPath() string {
	return filepath.Join(c.DataRoot, c.StreamID, c.ClipsDir)
}

// LogFilePath returns <data_root>/<stream_id>/<log_file>.
func (c *Config) LogFilePath() string {
	return filepath.Join(c.DataRoot, c.StreamID, c.LogFile)
}
