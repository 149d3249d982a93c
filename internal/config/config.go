package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix                 = "QUESTSYNC"
	defaultHTTPAddress        = "0.0.0.0:8080"
	defaultRemoteDatabasePath = "questsync-remote.db"
	defaultLocalDatabasePath  = "questsync.db"
	defaultAttachmentsDir     = "attachments"
	defaultRemoteURL          = "http://127.0.0.1:8080"
	defaultRateLimit          = 20.0
	defaultLogLevel           = "info"
	defaultTokenTTL           = 24 * time.Hour
	defaultBlobsBackend       = "dir"
	defaultBlobsDirectory     = "blobs"
	defaultMaxDepth           = 32
	defaultCategoryTimeout    = 30 * time.Second
	defaultConcurrency        = 4
)

// AppConfig captures runtime configuration for the server and the device CLI.
type AppConfig struct {
	HTTPAddress        string
	RemoteDatabasePath string
	SigningSecret      string
	TokenTTL           time.Duration
	AllowedOrigins     []string

	LocalDatabasePath string
	AttachmentsDir    string
	RemoteURL         string
	RemoteToken       string
	RateLimit         float64
	ProfileID         string

	Blobs BlobsConfig

	MaxDepth        int
	CategoryTimeout time.Duration
	Concurrency     int

	LogLevel string
	LogFile  string
}

// BlobsConfig selects where attachment blobs live.
type BlobsConfig struct {
	Backend   string
	Directory string
	Bucket    string
	Region    string
	Endpoint  string
	Prefix    string
	AccessKey string
	SecretKey string
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("database.path", defaultRemoteDatabasePath)
	configViper.SetDefault("auth.token_ttl", defaultTokenTTL)
	configViper.SetDefault("local.path", defaultLocalDatabasePath)
	configViper.SetDefault("local.attachments_dir", defaultAttachmentsDir)
	configViper.SetDefault("remote.url", defaultRemoteURL)
	configViper.SetDefault("remote.rate_limit", defaultRateLimit)
	configViper.SetDefault("blobs.backend", defaultBlobsBackend)
	configViper.SetDefault("blobs.dir", defaultBlobsDirectory)
	configViper.SetDefault("discovery.max_depth", defaultMaxDepth)
	configViper.SetDefault("discovery.category_timeout", defaultCategoryTimeout)
	configViper.SetDefault("discovery.concurrency", defaultConcurrency)
	configViper.SetDefault("log.level", defaultLogLevel)
}

// Load parses runtime configuration from viper. Each command validates the
// part it needs.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:        configViper.GetString("http.address"),
		RemoteDatabasePath: configViper.GetString("database.path"),
		SigningSecret:      configViper.GetString("auth.signing_secret"),
		TokenTTL:           configViper.GetDuration("auth.token_ttl"),
		AllowedOrigins:     splitList(configViper.GetStringSlice("cors.allowed_origins")),
		LocalDatabasePath:  configViper.GetString("local.path"),
		AttachmentsDir:     configViper.GetString("local.attachments_dir"),
		RemoteURL:          configViper.GetString("remote.url"),
		RemoteToken:        configViper.GetString("remote.token"),
		RateLimit:          configViper.GetFloat64("remote.rate_limit"),
		ProfileID:          strings.TrimSpace(configViper.GetString("profile.id")),
		Blobs: BlobsConfig{
			Backend:   strings.ToLower(strings.TrimSpace(configViper.GetString("blobs.backend"))),
			Directory: configViper.GetString("blobs.dir"),
			Bucket:    configViper.GetString("s3.bucket"),
			Region:    configViper.GetString("s3.region"),
			Endpoint:  configViper.GetString("s3.endpoint"),
			Prefix:    configViper.GetString("s3.prefix"),
			AccessKey: configViper.GetString("s3.access_key_id"),
			SecretKey: configViper.GetString("s3.secret_access_key"),
		},
		MaxDepth:        configViper.GetInt("discovery.max_depth"),
		CategoryTimeout: configViper.GetDuration("discovery.category_timeout"),
		Concurrency:     configViper.GetInt("discovery.concurrency"),
		LogLevel:        configViper.GetString("log.level"),
		LogFile:         configViper.GetString("log.file"),
	}

	if err := cfg.Blobs.validate(); err != nil {
		return AppConfig{}, err
	}
	return cfg, nil
}

// ValidateServer checks the settings the remote API needs.
func (c AppConfig) ValidateServer() error {
	if strings.TrimSpace(c.SigningSecret) == "" {
		return fmt.Errorf("auth.signing_secret is required")
	}
	if strings.TrimSpace(c.RemoteDatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if strings.TrimSpace(c.HTTPAddress) == "" {
		return fmt.Errorf("http.address is required")
	}
	return nil
}

// ValidateClient checks the settings device commands need.
func (c AppConfig) ValidateClient() error {
	if strings.TrimSpace(c.LocalDatabasePath) == "" {
		return fmt.Errorf("local.path is required")
	}
	if strings.TrimSpace(c.AttachmentsDir) == "" {
		return fmt.Errorf("local.attachments_dir is required")
	}
	if strings.TrimSpace(c.RemoteURL) == "" {
		return fmt.Errorf("remote.url is required")
	}
	if c.ProfileID == "" {
		return fmt.Errorf("profile.id is required")
	}
	return nil
}

func (b BlobsConfig) validate() error {
	switch b.Backend {
	case "dir":
		if strings.TrimSpace(b.Directory) == "" {
			return fmt.Errorf("blobs.dir is required for the dir backend")
		}
	case "s3":
		if strings.TrimSpace(b.Bucket) == "" {
			return fmt.Errorf("s3.bucket is required for the s3 backend")
		}
	default:
		return fmt.Errorf("blobs.backend must be dir or s3, got %q", b.Backend)
	}
	return nil
}

func splitList(values []string) []string {
	var result []string
	for _, value := range values {
		for _, part := range strings.Split(value, ",") {
			if trimmed := strings.TrimSpace(part); trimmed != "" {
				result = append(result, trimmed)
			}
		}
	}
	return result
}
