package config

import (
	"fmt"
	"log"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds all configuration values. Every field maps to exactly one
// recognized environment variable; there is no reflection-driven loading.
type Config struct {
	// Server configuration
	Port string
	Host string

	// Storage
	DataDir string

	// Authentication
	AdminPassword string
	APIKey        string

	// Model configuration
	WhisperModel       string
	ModelUnloadMinutes int
	ModelLoadTimeout   time.Duration

	// Job lifecycle
	JobRetentionDays int
	MaxUploadSizeMB  int64
	QueueCapacity    int
	KeepSourceMedia  bool

	// Per-stage soft timeouts
	DownloadTimeout   time.Duration
	ExtractTimeout    time.Duration
	TranscribeTimeout time.Duration
}

// Load loads configuration from environment variables and an optional
// .env file. It fails when a required value is missing or a numeric
// value is not positive; a number that does not parse reads as zero
// and is rejected by the same check.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using system environment variables")
	}

	v := viper.New()
	v.AutomaticEnv()

	v.SetDefault("PORT", "8000")
	v.SetDefault("HOST", "0.0.0.0")
	v.SetDefault("DATA_DIR", "/data")
	v.SetDefault("WHISPER_MODEL", "large-v3")
	v.SetDefault("MODEL_UNLOAD_MINUTES", 5)
	v.SetDefault("MODEL_LOAD_TIMEOUT_SECONDS", 120)
	v.SetDefault("JOB_RETENTION_DAYS", 7)
	v.SetDefault("MAX_UPLOAD_SIZE_MB", 10240)
	v.SetDefault("QUEUE_CAPACITY", 100)
	v.SetDefault("KEEP_SOURCE_MEDIA", false)
	v.SetDefault("DOWNLOAD_TIMEOUT_MINUTES", 30)
	v.SetDefault("EXTRACT_TIMEOUT_MINUTES", 15)
	v.SetDefault("TRANSCRIBE_TIMEOUT_MINUTES", 120)

	cfg := &Config{
		Port:               v.GetString("PORT"),
		Host:               v.GetString("HOST"),
		DataDir:            v.GetString("DATA_DIR"),
		AdminPassword:      v.GetString("ADMIN_PASSWORD"),
		APIKey:             v.GetString("API_KEY"),
		WhisperModel:       v.GetString("WHISPER_MODEL"),
		ModelUnloadMinutes: v.GetInt("MODEL_UNLOAD_MINUTES"),
		ModelLoadTimeout:   time.Duration(v.GetInt("MODEL_LOAD_TIMEOUT_SECONDS")) * time.Second,
		JobRetentionDays:   v.GetInt("JOB_RETENTION_DAYS"),
		MaxUploadSizeMB:    v.GetInt64("MAX_UPLOAD_SIZE_MB"),
		QueueCapacity:      v.GetInt("QUEUE_CAPACITY"),
		KeepSourceMedia:    v.GetBool("KEEP_SOURCE_MEDIA"),
		DownloadTimeout:    time.Duration(v.GetInt("DOWNLOAD_TIMEOUT_MINUTES")) * time.Minute,
		ExtractTimeout:     time.Duration(v.GetInt("EXTRACT_TIMEOUT_MINUTES")) * time.Minute,
		TranscribeTimeout:  time.Duration(v.GetInt("TRANSCRIBE_TIMEOUT_MINUTES")) * time.Minute,
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.AdminPassword == "" {
		return fmt.Errorf("ADMIN_PASSWORD is required")
	}
	if c.ModelUnloadMinutes <= 0 {
		return fmt.Errorf("MODEL_UNLOAD_MINUTES must be positive, got %d", c.ModelUnloadMinutes)
	}
	if c.JobRetentionDays <= 0 {
		return fmt.Errorf("JOB_RETENTION_DAYS must be positive, got %d", c.JobRetentionDays)
	}
	if c.MaxUploadSizeMB <= 0 {
		return fmt.Errorf("MAX_UPLOAD_SIZE_MB must be positive, got %d", c.MaxUploadSizeMB)
	}
	if c.QueueCapacity <= 0 {
		return fmt.Errorf("QUEUE_CAPACITY must be positive, got %d", c.QueueCapacity)
	}
	if c.ModelLoadTimeout <= 0 {
		return fmt.Errorf("MODEL_LOAD_TIMEOUT_SECONDS must be positive, got %s", c.ModelLoadTimeout)
	}
	if c.DownloadTimeout <= 0 || c.ExtractTimeout <= 0 || c.TranscribeTimeout <= 0 {
		return fmt.Errorf("DOWNLOAD_TIMEOUT_MINUTES, EXTRACT_TIMEOUT_MINUTES and TRANSCRIBE_TIMEOUT_MINUTES must be positive")
	}
	return nil
}

// DatabasePath returns the sqlite database location under the data root.
func (c *Config) DatabasePath() string {
	return filepath.Join(c.DataDir, "kakiokoshi.db")
}

// JobsDir returns the root of the per-job directory tree.
func (c *Config) JobsDir() string {
	return filepath.Join(c.DataDir, "jobs")
}

// ModelsDir returns the local ggml model cache directory.
func (c *Config) ModelsDir() string {
	return filepath.Join(c.DataDir, "models")
}

// DropzoneDir returns the watch-folder ingest directory.
func (c *Config) DropzoneDir() string {
	return filepath.Join(c.DataDir, "dropzone")
}

// JobDir returns the directory for one job.
func (c *Config) JobDir(jobID string) string {
	return filepath.Join(c.JobsDir(), jobID)
}

// MaxUploadBytes returns the upload cap in bytes.
func (c *Config) MaxUploadBytes() int64 {
	return c.MaxUploadSizeMB * 1024 * 1024
}

// IdleUnloadThreshold returns the model idle window as a duration.
func (c *Config) IdleUnloadThreshold() time.Duration {
	return time.Duration(c.ModelUnloadMinutes) * time.Minute
}

// RetentionPeriod returns the job retention horizon as a duration.
func (c *Config) RetentionPeriod() time.Duration {
	return time.Duration(c.JobRetentionDays) * 24 * time.Hour
}
