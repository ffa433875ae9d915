// Package config loads listener settings from the environment, optionally
// seeded from a .env file.
package config

import (
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	apperrors "github.com/calm-listener/platform/internal/errors"
)

type Config struct {
	HTTPAddr string
	GRPCAddr string
	LogLevel slog.Level

	SampleRate           int
	BitDepth             int
	SegmentDuration      time.Duration
	OverlapDuration      time.Duration
	CaptureBuffer        int
	ExcludedAudioDevices []string

	SymblBaseURL   string
	SymblAppID     string
	SymblAppSecret string
	PollInterval   time.Duration
	MaxPolls       int
	MaxConcurrent  int
	MaxQueued      int

	NegativityThreshold float64
	SequenceCooldown    time.Duration
	EffectSequenceFile  string

	ActuatorURL    string
	ActuatorToken  string
	ActuatorEntity string

	AlertCommand string
	AlertMessage string
	AlertSound   string

	AudioDir      string
	TranscriptDir string
	DBPath        string
}

// LoadEnvFile merges path into the process environment without
// overriding variables that are already set. A missing file is fine.
func LoadEnvFile(path string) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return apperrors.Wrapf(err, apperrors.ConfigInvalid, "load %s", path)
	}
	return nil
}

func Load() *Config {
	return &Config{
		HTTPAddr: getEnv("HTTP_ADDR", ":3000"),
		GRPCAddr: getEnv("GRPC_ADDR", ":50051"),
		LogLevel: getEnvLevel("LOG_LEVEL", slog.LevelInfo),

		SampleRate:           getEnvInt("SAMPLE_RATE", 16000),
		BitDepth:             16,
		SegmentDuration:      getEnvSeconds("SEGMENT_SECONDS", 3),
		OverlapDuration:      getEnvSeconds("OVERLAP_SECONDS", 2),
		CaptureBuffer:        getEnvInt("CAPTURE_BUFFER", 100),
		ExcludedAudioDevices: getEnvList("EXCLUDED_AUDIO_DEVICES", []string{"iphone", "teams"}),

		SymblBaseURL:   getEnv("SYMBL_BASE_URL", "https://api.symbl.ai"),
		SymblAppID:     os.Getenv("SYMBL_APP_ID"),
		SymblAppSecret: os.Getenv("SYMBL_APP_SECRET"),
		PollInterval:   getEnvDuration("POLL_INTERVAL", time.Second),
		MaxPolls:       getEnvInt("MAX_POLLS", 120),
		MaxConcurrent:  getEnvInt("MAX_CONCURRENT_JOBS", 8),
		MaxQueued:      getEnvInt("MAX_QUEUED_JOBS", 32),

		NegativityThreshold: getEnvFloat("NEGATIVITY_THRESHOLD", -0.5),
		SequenceCooldown:    getEnvDuration("SEQUENCE_COOLDOWN", 0),
		EffectSequenceFile:  os.Getenv("EFFECT_SEQUENCE_FILE"),

		ActuatorURL:    getEnv("ACTUATOR_URL", "http://homeassistant.local:8123"),
		ActuatorToken:  os.Getenv("ACTUATOR_TOKEN"),
		ActuatorEntity: getEnv("ACTUATOR_ENTITY", "light.wiz_rgbw_tunable_4b588c"),

		AlertCommand: getEnv("ALERT_COMMAND", "say"),
		AlertMessage: getEnv("ALERT_MESSAGE", "Guys calm down, take three deep breaths"),
		AlertSound:   os.Getenv("ALERT_SOUND"),

		AudioDir:      getEnv("AUDIO_DIR", "saved_audio"),
		TranscriptDir: getEnv("TRANSCRIPT_DIR", "transcriptions"),
		DBPath:        getEnv("DB_PATH", "calm-listener.db"),
	}
}

// Validate rejects configurations that cannot work, before anything starts.
func (c *Config) Validate() error {
	var errs []string
	if c.SampleRate <= 0 {
		errs = append(errs, "SAMPLE_RATE must be positive")
	}
	if c.BitDepth != 16 {
		errs = append(errs, "only 16-bit capture is supported")
	}
	if c.SegmentDuration <= 0 {
		errs = append(errs, "SEGMENT_SECONDS must be positive")
	}
	if c.OverlapDuration < 0 || c.OverlapDuration >= c.SegmentDuration {
		errs = append(errs, "OVERLAP_SECONDS must be in [0, SEGMENT_SECONDS)")
	}
	if c.PollInterval <= 0 {
		errs = append(errs, "POLL_INTERVAL must be positive")
	}
	if c.MaxPolls <= 0 {
		errs = append(errs, "MAX_POLLS must be positive")
	}
	if c.MaxConcurrent <= 0 {
		errs = append(errs, "MAX_CONCURRENT_JOBS must be positive")
	}
	if c.MaxQueued < 0 {
		errs = append(errs, "MAX_QUEUED_JOBS must not be negative")
	}
	if c.CaptureBuffer <= 0 {
		errs = append(errs, "CAPTURE_BUFFER must be positive")
	}
	if c.SequenceCooldown < 0 {
		errs = append(errs, "SEQUENCE_COOLDOWN must not be negative")
	}
	if len(errs) > 0 {
		return apperrors.New(apperrors.ConfigInvalid, strings.Join(errs, "; "))
	}
	return nil
}

// ValidateRemote additionally requires what the serve command needs.
func (c *Config) ValidateRemote() error {
	if err := c.Validate(); err != nil {
		return err
	}
	if c.SymblAppID == "" || c.SymblAppSecret == "" {
		return apperrors.New(apperrors.ConfigInvalid, "SYMBL_APP_ID and SYMBL_APP_SECRET are required")
	}
	return nil
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getEnvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

// getEnvSeconds accepts fractional seconds ("2.5").
func getEnvSeconds(key string, def float64) time.Duration {
	return time.Duration(getEnvFloat(key, def) * float64(time.Second))
}

func getEnvLevel(key string, def slog.Level) slog.Level {
	if v := os.Getenv(key); v != "" {
		var l slog.Level
		if err := l.UnmarshalText([]byte(v)); err == nil {
			return l
		}
	}
	return def
}

func getEnvList(key string, def []string) []string {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		result := make([]string, 0, len(parts))
		for _, p := range parts {
			if t := strings.TrimSpace(p); t != "" {
				result = append(result, t)
			}
		}
		return result
	}
	return def
}
