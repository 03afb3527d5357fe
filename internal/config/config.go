package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	BackendPostgres = "postgres"
	BackendMongo    = "mongo"

	BlobMemory = "memory"
	BlobBolt   = "bolt"
	BlobGCS    = "gcs"
)

type Config struct {
	Port        string   `mapstructure:"PORT"`
	Env         string   `mapstructure:"ENV"`
	LogLevel    string   `mapstructure:"LOG_LEVEL"`
	CORSOrigins []string `mapstructure:"CORS_ORIGINS"`

	DatabaseURL   string `mapstructure:"DATABASE_URL"`
	DBMaxConns    int32  `mapstructure:"DB_MAX_CONNS"`
	DBMinConns    int32  `mapstructure:"DB_MIN_CONNS"`
	DefaultClinic string `mapstructure:"DEFAULT_CLINIC"`

	AuthJWTSecret string `mapstructure:"AUTH_JWT_SECRET"`
	AuthIssuer    string `mapstructure:"AUTH_ISSUER"`
	AuthAudience  string `mapstructure:"AUTH_AUDIENCE"`

	MetadataBackend string `mapstructure:"METADATA_BACKEND"`
	MongoURI        string `mapstructure:"MONGO_URI"`
	MongoDB         string `mapstructure:"MONGO_DB"`

	BlobBackend       string `mapstructure:"BLOB_BACKEND"`
	BlobBoltPath      string `mapstructure:"BLOB_BOLT_PATH"`
	GCSBucket         string `mapstructure:"GCS_BUCKET"`
	BlobPublicBaseURL string `mapstructure:"BLOB_PUBLIC_BASE_URL"`

	IngestConcurrency int           `mapstructure:"INGEST_CONCURRENCY"`
	MaxFilesPerUpload int           `mapstructure:"MAX_FILES_PER_UPLOAD"`
	MaxFileSizeMB     int64         `mapstructure:"MAX_FILE_SIZE_MB"`
	RenderPreviews    bool          `mapstructure:"RENDER_PREVIEWS"`
	PreviewSize       int           `mapstructure:"PREVIEW_SIZE"`
	RenderCacheTTL    time.Duration `mapstructure:"RENDER_CACHE_TTL"`
	BodyLimit         string        `mapstructure:"BODY_LIMIT"`
	UploadBodyLimit   string        `mapstructure:"UPLOAD_BODY_LIMIT"`
}

var keys = []string{
	"PORT", "ENV", "LOG_LEVEL", "CORS_ORIGINS",
	"DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS", "DEFAULT_CLINIC",
	"AUTH_JWT_SECRET", "AUTH_ISSUER", "AUTH_AUDIENCE",
	"METADATA_BACKEND", "MONGO_URI", "MONGO_DB",
	"BLOB_BACKEND", "BLOB_BOLT_PATH", "GCS_BUCKET", "BLOB_PUBLIC_BASE_URL",
	"INGEST_CONCURRENCY", "MAX_FILES_PER_UPLOAD", "MAX_FILE_SIZE_MB",
	"RENDER_PREVIEWS", "PREVIEW_SIZE", "RENDER_CACHE_TTL",
	"BODY_LIMIT", "UPLOAD_BODY_LIMIT",
}

// Load reads configuration from an optional .env file and the environment.
// It does not validate; callers run Validate once they know which
// subcommand needs which settings.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()

	v.SetDefault("PORT", "8080")
	v.SetDefault("ENV", "development")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 2)
	v.SetDefault("DEFAULT_CLINIC", "default")
	v.SetDefault("METADATA_BACKEND", BackendPostgres)
	v.SetDefault("MONGO_DB", "imaging")
	v.SetDefault("BLOB_BACKEND", BlobMemory)
	v.SetDefault("BLOB_BOLT_PATH", "./data/blobs.db")
	v.SetDefault("INGEST_CONCURRENCY", 4)
	v.SetDefault("MAX_FILES_PER_UPLOAD", 500)
	v.SetDefault("MAX_FILE_SIZE_MB", 100)
	v.SetDefault("RENDER_PREVIEWS", true)
	v.SetDefault("PREVIEW_SIZE", 256)
	v.SetDefault("RENDER_CACHE_TTL", "5m")
	v.SetDefault("BODY_LIMIT", "1M")
	v.SetDefault("UPLOAD_BODY_LIMIT", "2G")

	// Bind explicitly so Unmarshal sees variables that have no default.
	for _, k := range keys {
		_ = v.BindEnv(k)
	}

	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg.CORSOrigins = splitList(strings.Join(cfg.CORSOrigins, ","))
	if cfg.BlobPublicBaseURL == "" {
		cfg.BlobPublicBaseURL = fmt.Sprintf("http://localhost:%s/blobs", cfg.Port)
		if cfg.BlobBackend == BlobGCS && cfg.GCSBucket != "" {
			cfg.BlobPublicBaseURL = "https://storage.googleapis.com/" + cfg.GCSBucket
		}
	}

	return cfg, nil
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// MaxFileSize is the per-file upload limit in bytes.
func (c *Config) MaxFileSize() int64 {
	return c.MaxFileSizeMB << 20
}

// Validate checks that the selected backends have what they need to
// start. Outside development a JWT secret is mandatory, since the dev
// auth middleware grants admin to every request.
func (c *Config) Validate() error {
	switch c.MetadataBackend {
	case BackendPostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required when METADATA_BACKEND is %q", BackendPostgres)
		}
	case BackendMongo:
		if c.MongoURI == "" {
			return fmt.Errorf("MONGO_URI is required when METADATA_BACKEND is %q", BackendMongo)
		}
	default:
		return fmt.Errorf("METADATA_BACKEND must be %q or %q, got %q", BackendPostgres, BackendMongo, c.MetadataBackend)
	}

	switch c.BlobBackend {
	case BlobMemory:
	case BlobBolt:
		if c.BlobBoltPath == "" {
			return fmt.Errorf("BLOB_BOLT_PATH is required when BLOB_BACKEND is %q", BlobBolt)
		}
	case BlobGCS:
		if c.GCSBucket == "" {
			return fmt.Errorf("GCS_BUCKET is required when BLOB_BACKEND is %q", BlobGCS)
		}
	default:
		return fmt.Errorf("BLOB_BACKEND must be one of memory, bolt, gcs, got %q", c.BlobBackend)
	}

	if !c.IsDev() && c.AuthJWTSecret == "" {
		return fmt.Errorf("AUTH_JWT_SECRET is required when ENV is %q", c.Env)
	}

	if c.IngestConcurrency < 1 {
		return fmt.Errorf("INGEST_CONCURRENCY must be at least 1, got %d", c.IngestConcurrency)
	}
	if c.MaxFilesPerUpload < 1 {
		return fmt.Errorf("MAX_FILES_PER_UPLOAD must be at least 1, got %d", c.MaxFilesPerUpload)
	}
	if c.MaxFileSizeMB < 1 {
		return fmt.Errorf("MAX_FILE_SIZE_MB must be at least 1, got %d", c.MaxFileSizeMB)
	}
	if c.RenderPreviews && c.PreviewSize < 16 {
		return fmt.Errorf("PREVIEW_SIZE must be at least 16 when previews are enabled, got %d", c.PreviewSize)
	}

	return nil
}
