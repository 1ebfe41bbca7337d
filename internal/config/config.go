package config

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/sethvargo/go-envconfig"
)

type Config struct {
	Cache      CacheConfig
	Generation GenerationConfig
	Notify     NotifyConfig
	Observe    ObserveConfig
	Server     ServerConfig
}

type ServerConfig struct {
	Port                   int `env:"SERVER_PORT, default=8080"`
	ShutdownTimeoutSeconds int `env:"SERVER_SHUTDOWN_TIMEOUT_SECS, default=25"`

	// OriginURL is the site origin that intercepted fetches are sent to on a
	// cache miss. Responses from this origin are "basic" and may be cached.
	OriginURL string `env:"SERVER_ORIGIN_URL, required"`

	OutgoingHTTPMaxIdleConns    int `env:"SERVER_OUTGOING_MAX_IDLE_CONNS, default=100"`
	OutgoingHTTPMaxConnsPerHost int `env:"SERVER_OUTGOING_MAX_CONNS_PER_HOST, default=20"`
	OutgoingHTTPTimeoutSeconds  int `env:"SERVER_OUTGOING_TIMEOUT_SECS, default=30"`

	// MaxResponseBytes bounds the size of a response body read from the
	// network.
	MaxResponseBytes int64 `env:"SERVER_MAX_RESPONSE_BYTES, default=26214400"`
}

// Origin returns the parsed origin URL. The site is served from the origin
// root: manifest paths and proxied paths are both resolved against it, so a
// base path would make the two disagree.
func (c ServerConfig) Origin() (*url.URL, error) {
	origin, err := url.Parse(c.OriginURL)
	if err != nil {
		return nil, fmt.Errorf("invalid SERVER_ORIGIN_URL: %w", err)
	}
	if !origin.IsAbs() || origin.Host == "" {
		return nil, fmt.Errorf("SERVER_ORIGIN_URL must be an absolute URL: %q", c.OriginURL)
	}
	if (origin.Path != "" && origin.Path != "/") || origin.RawQuery != "" || origin.Fragment != "" {
		return nil, fmt.Errorf("SERVER_ORIGIN_URL must not have a path, query or fragment: %q", c.OriginURL)
	}
	return origin, nil
}

// CacheConfig specifies cache configuration.
type CacheConfig struct {
	// Type selects the store implementation: "memory" (default), "sqlite" or
	// "valkey".
	Type string `env:"CACHE_TYPE, default=memory"`

	// SQLitePath is the database file used when Type is "sqlite".
	SQLitePath string `env:"CACHE_SQLITE_PATH, default=pagecache.db"`

	// Valkey holds distributed store settings.
	Valkey ValkeyConfig

	// Encryption holds record encryption settings. Supported by the sqlite
	// and valkey stores.
	Encryption CacheEncryptionConfig
}

// ValkeyConfig specifies distributed store configuration.
type ValkeyConfig struct {
	// Address is the Valkey server address (host:port).
	Address string `env:"VALKEY_ADDRESS"`

	// TLS enables TLS connection to Valkey. Defaults to true so the secure option
	// is the default.
	TLS bool `env:"VALKEY_TLS, default=true"`

	// Username for Valkey authentication.
	Username string `env:"VALKEY_USERNAME"`

	// Password for Valkey authentication.
	Password string `env:"VALKEY_PASSWORD"`

	// KeyPrefix namespaces every key written by this service.
	KeyPrefix string `env:"VALKEY_KEY_PREFIX, default=pagecache"`

	// ClientCacheSeconds bounds how long client-side cached reads are held.
	ClientCacheSeconds int `env:"VALKEY_CLIENT_CACHE_SECS, default=60"`
}

// CacheEncryptionConfig holds settings for record encryption.
type CacheEncryptionConfig struct {
	// Enabled turns on encryption for stored responses.
	Enabled bool `env:"CACHE_ENCRYPTION_ENABLED, default=false"`

	// KeysetFile is a path to a cleartext Tink keyset in JSON form. Intended
	// for local development and tests; takes precedence over KeysetURI.
	KeysetFile string `env:"CACHE_ENCRYPTION_KEYSET_FILE"`

	// KeysetURI is the URI to the encrypted Tink keyset.
	// Format: aws-secretsmanager://secret-name
	KeysetURI string `env:"CACHE_ENCRYPTION_KEYSET_URI"`

	// KMSEnvelopeKeyURI is the AWS KMS key URI for envelope encryption.
	// Format: aws-kms://arn:aws:kms:region:account:key/key-id
	KMSEnvelopeKeyURI string `env:"CACHE_ENCRYPTION_KMS_ENVELOPE_KEY_URI"`
}

// GenerationConfig names the current cache generation and the resources that
// must be cached before it can take over.
type GenerationConfig struct {
	Prefix  string `env:"GENERATION_PREFIX, default=portfolio-cache"`
	Version int    `env:"GENERATION_VERSION, default=1"`

	// Manifest overrides the default list of origin-relative paths seeded on
	// install.
	Manifest []string `env:"GENERATION_MANIFEST"`

	// ManifestFile is a YAML manifest read at startup, an alternative to
	// Manifest for longer lists.
	ManifestFile string `env:"GENERATION_MANIFEST_FILE"`

	// InstallRetrySeconds bounds how long startup keeps retrying a failed
	// install before giving up.
	InstallRetrySeconds int `env:"GENERATION_INSTALL_RETRY_SECS, default=120"`
}

type NotifyConfig struct {
	ProductName string `env:"NOTIFY_PRODUCT_NAME, default=Portfolio Update"`
	HistorySize int    `env:"NOTIFY_HISTORY_SIZE, default=64"`
}

type ObserveConfig struct {
	SDKLogLevel                string `env:"OBSERVE_OTEL_LOG_LEVEL, default=info"`
	Enabled                    bool   `env:"OBSERVE_ENABLED, default=false"`
	MetricsEnabled             bool   `env:"OBSERVE_METRICS_ENABLED, default=true"`
	Type                       string `env:"OBSERVE_TYPE, default=grpc"`
	ServiceName                string `env:"OBSERVE_SERVICE_NAME, default=pagecache"`
	TraceBatchTimeoutSeconds   int    `env:"OBSERVE_TRACE_BATCH_TIMEOUT_SECS, default=20"`
	MetricReadIntervalSeconds  int    `env:"OBSERVE_METRIC_READ_INTERVAL_SECS, default=60"`
	HTTPTransportEnabled       bool   `env:"OBSERVE_HTTP_TRANSPORT_ENABLED, default=true"`
	HTTPConnectionTraceEnabled bool   `env:"OBSERVE_CONNECTION_TRACE_ENABLED, default=true"`
}

func Load(ctx context.Context) (Config, error) {
	return load(ctx, nil) // load from OS environment
}

func load(ctx context.Context, lookup envconfig.Lookuper) (Config, error) {
	var cfg Config
	err := envconfig.ProcessWith(ctx, &envconfig.Config{
		Target:   &cfg,
		Lookuper: lookup, // nil defaults to OS environment
	})
	if err != nil {
		return cfg, err
	}

	if _, err := cfg.Server.Origin(); err != nil {
		return cfg, fmt.Errorf("invalid server configuration: %w", err)
	}

	err = cfg.Cache.Validate()
	if err != nil {
		return cfg, fmt.Errorf("invalid cache configuration: %w", err)
	}

	err = cfg.Generation.Validate()
	if err != nil {
		return cfg, fmt.Errorf("invalid generation configuration: %w", err)
	}

	return cfg, nil
}

// LoadCache reads only the cache settings from the environment, for tools
// that open the store without running the service.
func LoadCache(ctx context.Context) (CacheConfig, error) {
	return loadCache(ctx, nil)
}

func loadCache(ctx context.Context, lookup envconfig.Lookuper) (CacheConfig, error) {
	var cfg CacheConfig
	err := envconfig.ProcessWith(ctx, &envconfig.Config{
		Target:   &cfg,
		Lookuper: lookup,
	})
	if err != nil {
		return cfg, err
	}

	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid cache configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that the cache configuration is valid.
func (c *CacheConfig) Validate() error {
	switch c.Type {
	case "memory", "sqlite", "valkey":
	default:
		return fmt.Errorf("CACHE_TYPE must be one of memory, sqlite or valkey, got %q", c.Type)
	}

	// Encryption requires a persistent store
	if c.Encryption.Enabled && c.Type == "memory" {
		return fmt.Errorf("cache encryption requires CACHE_TYPE=sqlite or CACHE_TYPE=valkey")
	}

	// Encryption requires key material
	if c.Encryption.Enabled && c.Encryption.KeysetFile == "" {
		if c.Encryption.KeysetURI == "" {
			return fmt.Errorf("CACHE_ENCRYPTION_KEYSET_URI required when encryption enabled")
		}
		if c.Encryption.KMSEnvelopeKeyURI == "" {
			return fmt.Errorf("CACHE_ENCRYPTION_KMS_ENVELOPE_KEY_URI required when encryption enabled")
		}
	}

	if c.Type == "sqlite" && strings.TrimSpace(c.SQLitePath) == "" {
		return fmt.Errorf("CACHE_SQLITE_PATH required when CACHE_TYPE=sqlite")
	}

	// Valkey requires address
	if c.Type == "valkey" && c.Valkey.Address == "" {
		return fmt.Errorf("VALKEY_ADDRESS required when CACHE_TYPE=valkey")
	}

	return nil
}

// Validate checks the generation naming and manifest.
func (g *GenerationConfig) Validate() error {
	if strings.TrimSpace(g.Prefix) == "" {
		return fmt.Errorf("GENERATION_PREFIX must not be empty")
	}
	if g.Version < 1 {
		return fmt.Errorf("GENERATION_VERSION must be at least 1, got %d", g.Version)
	}
	if len(g.Manifest) > 0 && g.ManifestFile != "" {
		return fmt.Errorf("GENERATION_MANIFEST and GENERATION_MANIFEST_FILE cannot both be set")
	}
	for _, path := range g.Manifest {
		if !strings.HasPrefix(path, "/") {
			return fmt.Errorf("GENERATION_MANIFEST entries must be absolute paths, got %q", path)
		}
	}
	return nil
}
