//go:build integration

package testhelpers

import (
	"context"
	"crypto/rand"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/docker/go-connections/nat"
	"github.com/folio-labs/pagecache/internal/config"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/log"
	"github.com/testcontainers/testcontainers-go/wait"
	"github.com/tink-crypto/tink-go/v2/aead"
	"github.com/tink-crypto/tink-go/v2/insecurecleartextkeyset"
	"github.com/tink-crypto/tink-go/v2/keyset"
	"github.com/valkey-io/valkey-go"
)

const (
	valkeyImage = "valkey/valkey:9-alpine"
	valkeyPort  = nat.Port("6379/tcp")
)

type valkeyOptions struct {
	keyPrefix   string
	clientCache time.Duration
	encrypted   bool
}

type ValkeyOption func(*valkeyOptions)

// WithValkeyKeyPrefix sets the prefix the store writes its keys under.
func WithValkeyKeyPrefix(prefix string) ValkeyOption {
	return func(o *valkeyOptions) {
		o.keyPrefix = prefix
	}
}

// WithValkeyClientCache sets how long client-side cached reads are held.
func WithValkeyClientCache(d time.Duration) ValkeyOption {
	return func(o *valkeyOptions) {
		o.clientCache = d
	}
}

// WithoutValkeyEncryption stores records in the clear.
func WithoutValkeyEncryption() ValkeyOption {
	return func(o *valkeyOptions) {
		o.encrypted = false
	}
}

// StartValkey runs a password-protected Valkey container for the test and
// returns a valkey cache configuration pointing at it. Records are encrypted
// with a throwaway keyset unless WithoutValkeyEncryption is given. The
// container is terminated on test cleanup.
func StartValkey(t *testing.T, opts ...ValkeyOption) config.CacheConfig {
	t.Helper()
	ctx := context.Background()

	o := valkeyOptions{
		keyPrefix:   "pagecache-it",
		clientCache: time.Minute,
		encrypted:   true,
	}
	for _, opt := range opts {
		opt(&o)
	}

	password := rand.Text()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        valkeyImage,
			Env:          map[string]string{"VALKEY_EXTRA_FLAGS": "--requirepass " + password},
			ExposedPorts: []string{string(valkeyPort)},
			WaitingFor: wait.ForAll(
				wait.ForLog("Ready to accept connections"),
				wait.ForListeningPort(valkeyPort),
			),
		},
		Started: true,
		Logger:  log.TestLogger(t),
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = container.Terminate(ctx)
	})

	mapped, err := container.MappedPort(ctx, valkeyPort)
	require.NoError(t, err)

	cfg := config.CacheConfig{
		Type: "valkey",
		Valkey: config.ValkeyConfig{
			// IPv4 loopback: the mapped port is not always bound on ::1
			Address:            "127.0.0.1:" + mapped.Port(),
			Username:           "default",
			Password:           password,
			KeyPrefix:          o.keyPrefix,
			ClientCacheSeconds: int(o.clientCache / time.Second),
		},
	}
	if o.encrypted {
		cfg.Encryption = config.CacheEncryptionConfig{
			Enabled:    true,
			KeysetFile: writeKeysetFile(t),
		}
	}

	return cfg
}

// ValkeyClient connects to the server described by cfg. The caller owns the
// client; stores built on it close it with the store.
func ValkeyClient(t *testing.T, cfg config.ValkeyConfig) valkey.Client {
	t.Helper()

	client, err := valkey.NewClient(valkey.ClientOption{
		InitAddress: []string{cfg.Address},
		Username:    cfg.Username,
		Password:    cfg.Password,
	})
	require.NoError(t, err)

	return client
}

// writeKeysetFile stores a fresh AES256-GCM keyset as cleartext JSON in the
// test's temp dir, in the form CACHE_ENCRYPTION_KEYSET_FILE expects.
func writeKeysetFile(t *testing.T) string {
	t.Helper()

	handle, err := keyset.NewHandle(aead.AES256GCMKeyTemplate())
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "cache-keyset.json")
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()

	require.NoError(t, insecurecleartextkeyset.Write(handle, keyset.NewJSONWriter(f)))

	return path
}
