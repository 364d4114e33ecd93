// Package config loads settings from the environment (plus an optional .env
// file) and supports bounded hot-reload of the LLM endpoint settings.
package config

import (
	"fmt"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/spf13/viper"

	"pubscreen/internal/logging"
)

// Settings is an immutable snapshot of the service configuration.
// Workers copy one per loop iteration; nothing mutates a snapshot.
type Settings struct {
	// MongoDB settings, never touched by reload.
	MongoURI string
	MongoDB  string

	// LLM endpoint settings, reloadable.
	OllamaAPIURL string
	OllamaModel  string

	// Screening settings.
	ArticleLimit   int
	ScoreThreshold float64

	// Service settings.
	BatchSize      int
	MaxRetries     int
	RetryDelay     time.Duration
	RequestTimeout time.Duration
	IdlePoll       time.Duration
	StaleClaimTTL  time.Duration
	Workers        int
	Port           int
}

const reloadCheckInterval = 5 * time.Second

// Manager owns the live Settings and re-reads the .env file when its mtime
// advances, at most once per reloadCheckInterval.
type Manager struct {
	mu        sync.RWMutex
	settings  Settings
	envPath   string
	envMtime  time.Time
	lastCheck time.Time
	logger    logging.Logger
}

// Load reads the environment (and .env when present) into a Manager.
func Load() (*Manager, error) {
	return LoadFrom(".env")
}

// LoadFrom reads configuration with an explicit .env path, used by tests.
func LoadFrom(envPath string) (*Manager, error) {
	m := &Manager{
		envPath: envPath,
		logger:  logging.NewComponentLogger("config"),
	}

	settings, err := read(envPath)
	if err != nil {
		return nil, err
	}
	m.settings = settings
	if info, err := os.Stat(envPath); err == nil {
		m.envMtime = info.ModTime()
	}
	return m, nil
}

func read(envPath string) (Settings, error) {
	v := viper.New()
	v.SetDefault("ARTICLE_LIMIT", 10)
	v.SetDefault("SCORE_THRESHOLD", 60.0)
	v.SetDefault("BATCH_SIZE", 2)
	v.SetDefault("MAX_RETRIES", 2)
	v.SetDefault("RETRY_DELAY", "2s")
	v.SetDefault("REQUEST_TIMEOUT", "120s")
	v.SetDefault("IDLE_POLL", "3s")
	v.SetDefault("STALE_CLAIM_TTL", "5m")
	v.SetDefault("WORKERS", 1)
	v.SetDefault("PORT", 8000)
	v.AutomaticEnv()

	if envPath != "" {
		v.SetConfigFile(envPath)
		v.SetConfigType("env")
		// Missing .env is fine; the environment alone is a valid source.
		if err := v.MergeInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok && !os.IsNotExist(err) {
				return Settings{}, fmt.Errorf("read %s: %w", envPath, err)
			}
		}
	}

	s := Settings{
		MongoURI:       v.GetString("MONGODB_URI"),
		MongoDB:        v.GetString("MONGODB_DB"),
		OllamaAPIURL:   strings.TrimRight(v.GetString("OLLAMA_API_URL"), "/"),
		OllamaModel:    v.GetString("OLLAMA_MODEL"),
		ArticleLimit:   v.GetInt("ARTICLE_LIMIT"),
		ScoreThreshold: v.GetFloat64("SCORE_THRESHOLD"),
		BatchSize:      v.GetInt("BATCH_SIZE"),
		MaxRetries:     v.GetInt("MAX_RETRIES"),
		RetryDelay:     v.GetDuration("RETRY_DELAY"),
		RequestTimeout: v.GetDuration("REQUEST_TIMEOUT"),
		IdlePoll:       v.GetDuration("IDLE_POLL"),
		StaleClaimTTL:  v.GetDuration("STALE_CLAIM_TTL"),
		Workers:        v.GetInt("WORKERS"),
		Port:           v.GetInt("PORT"),
	}

	if s.MongoDB == "" && s.MongoURI != "" {
		s.MongoDB = databaseFromURI(s.MongoURI)
	}
	if s.ArticleLimit <= 0 {
		s.ArticleLimit = 10
	}
	if s.BatchSize <= 0 {
		s.BatchSize = 2
	}
	if s.Workers <= 0 {
		s.Workers = 1
	}

	return s, nil
}

// databaseFromURI extracts the database name from a MongoDB connection URI.
func databaseFromURI(uri string) string {
	parsed, err := url.Parse(uri)
	if err != nil {
		return ""
	}
	name := strings.TrimPrefix(parsed.Path, "/")
	if i := strings.Index(name, "?"); i >= 0 {
		name = name[:i]
	}
	return name
}

// Snapshot returns a copy of the current settings.
func (m *Manager) Snapshot() Settings {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.settings
}

// ReloadIfChanged re-reads the .env file when it changed on disk. Calls are
// throttled to one stat per reloadCheckInterval; MongoDB settings are kept
// from the original load regardless of what the file now says.
func (m *Manager) ReloadIfChanged(now time.Time) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if now.Sub(m.lastCheck) < reloadCheckInterval {
		return false
	}
	m.lastCheck = now

	info, err := os.Stat(m.envPath)
	if err != nil {
		return false
	}
	if !info.ModTime().After(m.envMtime) {
		return false
	}

	fresh, err := read(m.envPath)
	if err != nil {
		m.logger.Error("Config reload failed: %v", err)
		return false
	}

	fresh.MongoURI = m.settings.MongoURI
	fresh.MongoDB = m.settings.MongoDB
	m.settings = fresh
	m.envMtime = info.ModTime()
	m.logger.Info("Configuration reloaded: endpoint=%s model=%s article_limit=%d",
		fresh.OllamaAPIURL, fresh.OllamaModel, fresh.ArticleLimit)
	return true
}
