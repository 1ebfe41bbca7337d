// Package encryption loads the Tink AEAD used to protect cached responses at
// rest.
package encryption

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"strings"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/tink-crypto/tink-go-awskms/v3/integration/awskms"
	"github.com/tink-crypto/tink-go/v2/aead"
	"github.com/tink-crypto/tink-go/v2/insecurecleartextkeyset"
	"github.com/tink-crypto/tink-go/v2/keyset"
	"github.com/tink-crypto/tink-go/v2/tink"
)

const (
	secretsManagerPrefix = "aws-secretsmanager://"
	kmsPrefix            = "aws-kms://"
)

// KMSAPI is the subset of the AWS KMS client used to unwrap the keyset.
type KMSAPI interface {
	Encrypt(ctx context.Context, input *kms.EncryptInput, opts ...func(*kms.Options)) (*kms.EncryptOutput, error)
	Decrypt(ctx context.Context, input *kms.DecryptInput, opts ...func(*kms.Options)) (*kms.DecryptOutput, error)
}

// SecretsManagerAPI is the subset of the Secrets Manager client used to read
// the wrapped keyset.
type SecretsManagerAPI interface {
	GetSecretValue(ctx context.Context, input *secretsmanager.GetSecretValueInput, opts ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
}

type awsOptions struct {
	kmsClient KMSAPI
	smClient  SecretsManagerAPI
}

// AWSOption overrides the AWS clients used by LoadKeysetFromAWS.
type AWSOption func(*awsOptions)

func WithKMSClient(c KMSAPI) AWSOption {
	return func(o *awsOptions) { o.kmsClient = c }
}

func WithSecretsManagerClient(c SecretsManagerAPI) AWSOption {
	return func(o *awsOptions) { o.smClient = c }
}

// Validate performs a test encryption/decryption cycle to verify the AEAD is
// working. Call this at startup to fail fast if encryption is misconfigured.
func Validate(a tink.AEAD) error {
	testPlaintext := []byte("pagecache-encryption-test")
	testAAD := []byte("validation")

	ciphertext, err := a.Encrypt(testPlaintext, testAAD)
	if err != nil {
		return fmt.Errorf("validation encrypt failed: %w", err)
	}

	decrypted, err := a.Decrypt(ciphertext, testAAD)
	if err != nil {
		return fmt.Errorf("validation decrypt failed: %w", err)
	}

	if !bytes.Equal(testPlaintext, decrypted) {
		return fmt.Errorf("validation round-trip failed: plaintext mismatch")
	}

	return nil
}

// NewAEAD creates a validated AEAD primitive from a keyset handle.
func NewAEAD(handle *keyset.Handle) (tink.AEAD, error) {
	if handle == nil {
		return nil, fmt.Errorf("creating AEAD primitive: keyset handle is nil")
	}

	primitive, err := aead.New(handle)
	if err != nil {
		return nil, fmt.Errorf("creating AEAD primitive: %w", err)
	}

	if err := Validate(primitive); err != nil {
		return nil, fmt.Errorf("validating AEAD: %w", err)
	}

	return primitive, nil
}

// LoadKeysetFromAWS reads a keyset stored in AWS Secrets Manager and unwraps
// it with an AWS KMS key. KMS is only used here; every later encrypt and
// decrypt is local.
//
// keysetURI format: aws-secretsmanager://secret-name
// kmsEnvelopeKeyURI format: aws-kms://arn:aws:kms:region:account:key/key-id
func LoadKeysetFromAWS(ctx context.Context, keysetURI, kmsEnvelopeKeyURI string, opts ...AWSOption) (*keyset.Handle, error) {
	var o awsOptions
	for _, opt := range opts {
		opt(&o)
	}

	if o.smClient == nil {
		cfg, err := awsconfig.LoadDefaultConfig(ctx)
		if err != nil {
			return nil, fmt.Errorf("loading AWS config: %w", err)
		}
		o.smClient = secretsmanager.NewFromConfig(cfg)
	}

	kmsAEAD, err := newKMSAEAD(ctx, kmsEnvelopeKeyURI, o.kmsClient)
	if err != nil {
		return nil, fmt.Errorf("creating KMS AEAD: %w", err)
	}

	keysetReader, err := readKeysetFromSecretsManager(ctx, keysetURI, o.smClient)
	if err != nil {
		return nil, fmt.Errorf("reading keyset: %w", err)
	}

	handle, err := keyset.ReadWithContext(ctx, keysetReader, kmsAEAD, nil)
	if err != nil {
		return nil, fmt.Errorf("decrypting keyset: %w", err)
	}

	return handle, nil
}

// newKMSAEAD creates the envelope AEAD, using the default AWS credential chain
// unless a client is supplied. The KMS key is addressed by its bare ARN.
func newKMSAEAD(ctx context.Context, keyURI string, client KMSAPI) (tink.AEADWithContext, error) {
	if !strings.HasPrefix(keyURI, kmsPrefix) {
		return nil, fmt.Errorf("KMS key URI must start with %q: %q", kmsPrefix, keyURI)
	}
	keyARN := strings.TrimPrefix(keyURI, kmsPrefix)

	if client != nil {
		return awskms.NewAEADWithContext(ctx, keyARN, awskms.WithKMS(client))
	}
	return awskms.NewAEADWithContext(ctx, keyARN)
}

// NewAEADFromAWS loads the keyset from AWS and returns a validated primitive.
func NewAEADFromAWS(ctx context.Context, keysetURI, kmsEnvelopeKeyURI string, opts ...AWSOption) (tink.AEAD, error) {
	handle, err := LoadKeysetFromAWS(ctx, keysetURI, kmsEnvelopeKeyURI, opts...)
	if err != nil {
		return nil, err
	}
	return NewAEAD(handle)
}

// NewAEADFromFile reads a cleartext JSON keyset from disk. The keyset is not
// protected, so this is meant for development and tests.
func NewAEADFromFile(path string) (tink.AEAD, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening keyset file: %w", err)
	}
	defer f.Close()

	handle, err := insecurecleartextkeyset.Read(keyset.NewJSONReader(f))
	if err != nil {
		return nil, fmt.Errorf("reading keyset file %s: %w", path, err)
	}

	return NewAEAD(handle)
}

// readKeysetFromSecretsManager reads a Tink keyset from AWS Secrets Manager.
func readKeysetFromSecretsManager(ctx context.Context, uri string, client SecretsManagerAPI) (*keyset.JSONReader, error) {
	secretName, ok := strings.CutPrefix(uri, secretsManagerPrefix)
	if !ok {
		return nil, fmt.Errorf("invalid secrets manager URI %q: must start with %s", uri, secretsManagerPrefix)
	}
	if secretName == "" {
		return nil, fmt.Errorf("invalid secrets manager URI %q: secret name is empty", uri)
	}

	result, err := client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: &secretName,
	})
	if err != nil {
		return nil, fmt.Errorf("getting secret %q: %w", secretName, err)
	}

	if result.SecretString == nil {
		return nil, fmt.Errorf("secret %q has no string value", secretName)
	}

	return keyset.NewJSONReader(strings.NewReader(*result.SecretString)), nil
}

// NewTestAEAD creates a tink.AEAD for testing without KMS.
// Only use in tests: keys are not persisted or protected.
func NewTestAEAD() (tink.AEAD, error) {
	handle, err := keyset.NewHandle(aead.AES256GCMKeyTemplate())
	if err != nil {
		return nil, fmt.Errorf("creating test keyset handle: %w", err)
	}
	primitive, err := aead.New(handle)
	if err != nil {
		return nil, fmt.Errorf("creating test AEAD primitive: %w", err)
	}
	return primitive, nil
}
