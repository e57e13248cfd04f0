package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

// Settings is the resolved application configuration, read from the config
// file, environment (CONTAFLOW_ prefix), and flags via viper.
type Settings struct {
	Database  DatabaseSettings
	Server    ServerSettings
	Inference InferenceSettings
	Sessions  SessionSettings
}

// DatabaseSettings locates the SQLite database.
type DatabaseSettings struct {
	Path string
}

// ServerSettings configures the review-channel HTTP server.
type ServerSettings struct {
	Addr            string
	ShutdownTimeout time.Duration
}

// InferenceSettings configures the embedding and classification clients.
type InferenceSettings struct {
	BaseURL        string
	APIKey         string
	Model          string
	EmbeddingModel string
	MaxRetries     int
	RateLimit      int
	CacheTTL       time.Duration
}

// SessionSettings governs workflow session housekeeping.
type SessionSettings struct {
	// MaxAge after which awaiting_human sessions are expired; zero disables.
	MaxAge time.Duration
}

// Load resolves settings from viper with defaults applied.
func Load() (*Settings, error) {
	dbPath := viper.GetString("database.path")
	if dbPath == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to resolve home directory: %w", err)
		}
		dbPath = filepath.Join(home, ".local", "share", "contaflow", "contaflow.db")
	}

	s := &Settings{
		Database: DatabaseSettings{
			Path: ExpandPath(dbPath),
		},
		Server: ServerSettings{
			Addr:            viper.GetString("server.addr"),
			ShutdownTimeout: viper.GetDuration("server.shutdown_timeout"),
		},
		Inference: InferenceSettings{
			BaseURL:        viper.GetString("inference.base_url"),
			APIKey:         viper.GetString("inference.api_key"),
			Model:          viper.GetString("inference.model"),
			EmbeddingModel: viper.GetString("inference.embedding_model"),
			MaxRetries:     viper.GetInt("inference.max_retries"),
			RateLimit:      viper.GetInt("inference.rate_limit"),
			CacheTTL:       viper.GetDuration("inference.cache_ttl"),
		},
		Sessions: SessionSettings{
			MaxAge: viper.GetDuration("sessions.max_age"),
		},
	}

	if s.Server.Addr == "" {
		s.Server.Addr = ":8080"
	}
	if s.Server.ShutdownTimeout == 0 {
		s.Server.ShutdownTimeout = 10 * time.Second
	}
	if s.Inference.MaxRetries == 0 {
		s.Inference.MaxRetries = 3
	}
	if s.Inference.RateLimit == 0 {
		s.Inference.RateLimit = 60
	}

	return s, nil
}
