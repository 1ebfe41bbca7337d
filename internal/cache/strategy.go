package cache

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/tink-crypto/tink-go/v2/tink"
)

// valuePrefix marks encrypted records so they can be told apart from
// plaintext records written before encryption was enabled.
const valuePrefix = "pc-enc:"

// EncryptionStrategy defines how serialised records are protected at rest.
// Two implementations exist: NoEncryptionStrategy (pass-through) and
// TinkEncryptionStrategy (AEAD-based).
type EncryptionStrategy interface {
	// EncryptValue encrypts a record for storage. The aad parameter binds the
	// ciphertext to a specific namespace and key.
	EncryptValue(ctx context.Context, record []byte, aad string) (string, error)

	// DecryptValue reverses EncryptValue. The aad must match the value used
	// during encryption.
	DecryptValue(ctx context.Context, value string, aad string) ([]byte, error)

	// Close releases resources held by the strategy.
	Close() error
}

// recordAAD binds a record to where it is stored, preventing ciphertext from
// being moved between keys or namespaces.
func recordAAD(ns Namespace, key Key) string {
	return string(ns) + "|" + string(key)
}

// NoEncryptionStrategy is a pass-through that stores records as-is.
type NoEncryptionStrategy struct{}

func (s *NoEncryptionStrategy) EncryptValue(_ context.Context, record []byte, _ string) (string, error) {
	return string(record), nil
}

func (s *NoEncryptionStrategy) DecryptValue(_ context.Context, value string, _ string) ([]byte, error) {
	return []byte(value), nil
}

func (s *NoEncryptionStrategy) Close() error {
	return nil
}

// TinkEncryptionStrategy encrypts records with a Tink AEAD primitive, then
// base64-encodes the ciphertext and prefixes it with "pc-enc:".
type TinkEncryptionStrategy struct {
	aead tink.AEAD
}

// NewTinkEncryptionStrategy creates an encryption strategy backed by a Tink AEAD.
func NewTinkEncryptionStrategy(aead tink.AEAD) *TinkEncryptionStrategy {
	return &TinkEncryptionStrategy{aead: aead}
}

func (s *TinkEncryptionStrategy) EncryptValue(_ context.Context, record []byte, aad string) (string, error) {
	ciphertext, err := s.aead.Encrypt(record, []byte(aad))
	if err != nil {
		return "", fmt.Errorf("encrypting value: %w", err)
	}
	return valuePrefix + base64.StdEncoding.EncodeToString(ciphertext), nil
}

func (s *TinkEncryptionStrategy) DecryptValue(_ context.Context, value string, aad string) ([]byte, error) {
	encoded, ok := strings.CutPrefix(value, valuePrefix)
	if !ok {
		return nil, fmt.Errorf("missing %q prefix: value may be unencrypted or corrupted", valuePrefix)
	}

	decoded, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("base64 decode failed: %w", err)
	}

	plaintext, err := s.aead.Decrypt(decoded, []byte(aad))
	if err != nil {
		return nil, fmt.Errorf("decryption failed: %w", err)
	}

	return plaintext, nil
}

func (s *TinkEncryptionStrategy) Close() error {
	if closer, ok := s.aead.(interface{ Close() error }); ok {
		return closer.Close()
	}
	return nil
}

// sealRecord serialises and encrypts a response for a backend that stores
// strings.
func sealRecord(ctx context.Context, strategy EncryptionStrategy, ns Namespace, key Key, resp Response) (string, error) {
	data, err := marshalRecord(resp)
	if err != nil {
		return "", err
	}

	value, err := strategy.EncryptValue(ctx, data, recordAAD(ns, key))
	if err != nil {
		return "", fmt.Errorf("failed to encrypt response: %w", err)
	}

	return value, nil
}

// openRecord reverses sealRecord.
func openRecord(ctx context.Context, strategy EncryptionStrategy, ns Namespace, key Key, value string) (Response, error) {
	data, err := strategy.DecryptValue(ctx, value, recordAAD(ns, key))
	if err != nil {
		return Response{}, fmt.Errorf("cache decryption failure for key %q: %w", key, err)
	}

	return unmarshalRecord(data)
}
