package cache

import (
	"context"
	"crypto/tls"
	"fmt"
	"time"

	"github.com/folio-labs/pagecache/internal/cache/encryption"
	"github.com/folio-labs/pagecache/internal/config"
	"github.com/rs/zerolog/log"
	"github.com/tink-crypto/tink-go/v2/tink"
	"github.com/valkey-io/valkey-go"
)

// NewFromConfig creates a store implementation based on the provided
// configuration. The returned store is always instrumented.
//
// The cache type must be "memory", "sqlite" or "valkey". Any other value
// returns an error.
func NewFromConfig(ctx context.Context, cacheConfig config.CacheConfig) (Store, error) {
	switch cacheConfig.Type {
	case "memory":
		log.Info().
			Str("cache_type", "memory").
			Msg("initializing in-memory cache")

		return NewInstrumented(NewMemory(), "memory"), nil

	case "sqlite":
		log.Info().
			Str("cache_type", "sqlite").
			Str("path", cacheConfig.SQLitePath).
			Bool("encrypted", cacheConfig.Encryption.Enabled).
			Msg("initializing sqlite cache")

		strategy, err := newStrategy(ctx, cacheConfig.Encryption)
		if err != nil {
			return nil, err
		}

		store, err := OpenSQLite(cacheConfig.SQLitePath, strategy)
		if err != nil {
			if strategy != nil {
				_ = strategy.Close()
			}
			return nil, fmt.Errorf("failed to open sqlite cache: %w", err)
		}

		return NewInstrumented(store, "sqlite"), nil

	case "valkey":
		log.Info().
			Str("cache_type", "valkey").
			Str("address", cacheConfig.Valkey.Address).
			Bool("tls", cacheConfig.Valkey.TLS).
			Bool("encrypted", cacheConfig.Encryption.Enabled).
			Msg("initializing distributed cache")

		if cacheConfig.Valkey.Address == "" {
			return nil, fmt.Errorf("valkey address is required when cache type is valkey")
		}

		valkeyOpts := valkey.ClientOption{
			InitAddress: []string{cacheConfig.Valkey.Address},
			AuthCredentialsFn: StaticCredentialsFn(
				cacheConfig.Valkey.Username,
				cacheConfig.Valkey.Password,
			),
		}

		if cacheConfig.Valkey.TLS {
			valkeyOpts.TLSConfig = &tls.Config{
				MinVersion: tls.VersionTLS12,
			}
		}

		valkeyClient, err := valkey.NewClient(valkeyOpts)
		if err != nil {
			return nil, fmt.Errorf("failed to create valkey client: %w", err)
		}

		strategy, err := newStrategy(ctx, cacheConfig.Encryption)
		if err != nil {
			valkeyClient.Close()
			return nil, err
		}

		localTTL := time.Duration(cacheConfig.Valkey.ClientCacheSeconds) * time.Second
		distributed, err := NewDistributed(valkeyClient, cacheConfig.Valkey.KeyPrefix, localTTL, strategy)
		if err != nil {
			if strategy != nil {
				_ = strategy.Close()
			}
			valkeyClient.Close()
			return nil, fmt.Errorf("failed to create distributed cache: %w", err)
		}

		return NewInstrumented(distributed, "distributed"), nil

	default:
		return nil, fmt.Errorf("invalid cache type %q: must be one of \"memory\", \"sqlite\" or \"valkey\"", cacheConfig.Type)
	}
}

// newStrategy returns nil when encryption is disabled, leaving the store to
// apply its pass-through default.
func newStrategy(ctx context.Context, cfg config.CacheEncryptionConfig) (EncryptionStrategy, error) {
	if !cfg.Enabled {
		return nil, nil
	}

	var (
		primitive tink.AEAD
		err       error
	)
	switch {
	case cfg.KeysetFile != "":
		primitive, err = encryption.NewAEADFromFile(cfg.KeysetFile)
	default:
		primitive, err = encryption.NewAEADFromAWS(ctx, cfg.KeysetURI, cfg.KMSEnvelopeKeyURI)
	}
	if err != nil {
		return nil, fmt.Errorf("initializing encryption: %w", err)
	}

	log.Info().Msg("cache encryption enabled")

	return NewTinkEncryptionStrategy(primitive), nil
}
