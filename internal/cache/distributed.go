package cache

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/valkey-io/valkey-go"
)

// deleteNamespaceScript removes a namespace from the index and drops its entry
// hash in one atomic step. Returns 1 when the namespace was indexed.
var deleteNamespaceScript = valkey.NewLuaScript(`
local removed = redis.call('SREM', KEYS[1], ARGV[1])
redis.call('DEL', KEYS[2])
return removed
`)

// Distributed implements Store on Valkey. The namespace index is a set, and
// each namespace is one hash of key to record. All keys share the
// "{keyPrefix}" hash tag so a namespace delete stays in one cluster slot. Reads use server-assisted
// client-side caching, so a namespace delete invalidates local copies.
type Distributed struct {
	client    valkey.Client
	keyPrefix string
	localTTL  time.Duration
	strategy  EncryptionStrategy
}

// NewDistributed creates a Valkey-backed store. The keyPrefix separates this
// store's keys from other users of the server; localTTL bounds how long
// client-side copies are held between server invalidations. A nil strategy
// stores records unencrypted.
func NewDistributed(client valkey.Client, keyPrefix string, localTTL time.Duration, strategy EncryptionStrategy) (*Distributed, error) {
	if keyPrefix == "" {
		return nil, fmt.Errorf("valkey key prefix is required")
	}
	if strings.ContainsAny(keyPrefix, "{}") {
		return nil, fmt.Errorf("valkey key prefix must not contain braces: %q", keyPrefix)
	}
	if strategy == nil {
		strategy = &NoEncryptionStrategy{}
	}
	return &Distributed{
		client:    client,
		keyPrefix: keyPrefix,
		localTTL:  localTTL,
		strategy:  strategy,
	}, nil
}

func (d *Distributed) hashTag() string {
	return "{" + d.keyPrefix + "}"
}

func (d *Distributed) indexKey() string {
	return d.hashTag() + ":namespaces"
}

func (d *Distributed) namespaceKey(ns Namespace) string {
	return d.hashTag() + ":ns:" + string(ns)
}

func (d *Distributed) Open(ctx context.Context, ns Namespace) (Handle, error) {
	cmd := d.client.B().Sadd().Key(d.indexKey()).Member(string(ns)).Build()
	if err := d.client.Do(ctx, cmd).Error(); err != nil {
		return nil, fmt.Errorf("failed to open namespace %s: %w", ns, err)
	}

	return &distributedHandle{store: d, ns: ns}, nil
}

func (d *Distributed) Namespaces(ctx context.Context) ([]Namespace, error) {
	cmd := d.client.B().Smembers().Key(d.indexKey()).Build()
	members, err := d.client.Do(ctx, cmd).AsStrSlice()
	if err != nil {
		return nil, fmt.Errorf("failed to list namespaces: %w", err)
	}

	names := make([]Namespace, 0, len(members))
	for _, m := range members {
		names = append(names, Namespace(m))
	}
	slices.Sort(names)

	return names, nil
}

func (d *Distributed) Delete(ctx context.Context, ns Namespace) (bool, error) {
	removed, err := deleteNamespaceScript.Exec(ctx, d.client,
		[]string{d.indexKey(), d.namespaceKey(ns)},
		[]string{string(ns)},
	).AsInt64()
	if err != nil {
		return false, fmt.Errorf("failed to delete namespace %s: %w", ns, err)
	}

	return removed == 1, nil
}

// Close releases resources associated with the client and encryption strategy.
func (d *Distributed) Close() error {
	if err := d.strategy.Close(); err != nil {
		log.Warn().Err(err).Msg("error closing encryption strategy")
	}
	d.client.Close()
	return nil
}

type distributedHandle struct {
	store *Distributed
	ns    Namespace
}

func (h *distributedHandle) Namespace() Namespace {
	return h.ns
}

// Match reads the record for the key. A record that fails to decrypt is
// removed on a best-effort basis and reported as an error.
func (h *distributedHandle) Match(ctx context.Context, key Key) (Response, bool, error) {
	client := h.store.client
	hashKey := h.store.namespaceKey(h.ns)

	cmd := client.B().Hget().Key(hashKey).Field(string(key)).Cache()
	result := client.DoCache(ctx, cmd, h.store.localTTL)
	if err := result.Error(); err != nil {
		if valkey.IsValkeyNil(err) {
			return Response{}, false, nil
		}
		return Response{}, false, fmt.Errorf("failed to get cached response: %w", err)
	}

	value, err := result.ToString()
	if err != nil {
		return Response{}, false, fmt.Errorf("failed to convert cached value to string: %w", err)
	}

	resp, err := openRecord(ctx, h.store.strategy, h.ns, key, value)
	if err != nil {
		_ = client.Do(ctx, client.B().Hdel().Key(hashKey).Field(string(key)).Build()).Error()
		return Response{}, false, err
	}

	return resp, true, nil
}

func (h *distributedHandle) Put(ctx context.Context, key Key, resp Response) error {
	value, err := sealRecord(ctx, h.store.strategy, h.ns, key, resp)
	if err != nil {
		return err
	}

	client := h.store.client
	cmd := client.B().Hset().Key(h.store.namespaceKey(h.ns)).FieldValue().FieldValue(string(key), value).Build()
	if err := client.Do(ctx, cmd).Error(); err != nil {
		return fmt.Errorf("failed to put cached response: %w", err)
	}

	return nil
}

// StaticCredentialsFn returns an AuthCredentialsFn that always returns the
// configured username and password.
func StaticCredentialsFn(username, password string) func(valkey.AuthCredentialsContext) (valkey.AuthCredentials, error) {
	return func(valkey.AuthCredentialsContext) (valkey.AuthCredentials, error) {
		return valkey.AuthCredentials{
			Username: username,
			Password: password,
		}, nil
	}
}
