package bundler

import (
	"bytes"
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strings"

	"filippo.io/age"
	"github.com/btcsuite/btcutil/bech32"
)

const (
	envAgeSecretKey = "AGE_SECRET_KEY"
	envAgePublicKey = "AGE_PUBLIC_KEY"

	ageSecretHRP = "age-secret-key-"
)

// Signer signs bundle manifests on the build host and verifies them before
// upload. The Ed25519 key is derived from the seed of an age X25519 identity
// so a single secret serves both purposes.
type Signer struct {
	private   ed25519.PrivateKey
	public    ed25519.PublicKey
	recipient string
}

// NewSignerFromEnv reads AGE_SECRET_KEY and AGE_PUBLIC_KEY. Building a bundle
// needs the secret key; uploading only verifies and may use the public key
// alone.
func NewSignerFromEnv() (*Signer, error) {
	return NewSigner(os.Getenv(envAgeSecretKey), os.Getenv(envAgePublicKey))
}

// NewSigner builds a Signer from an age secret key, a base64 Ed25519 public
// key, or both. When both are given they must belong together.
func NewSigner(secret, pub string) (*Signer, error) {
	secret = strings.TrimSpace(secret)
	pub = strings.TrimSpace(pub)
	if secret == "" && pub == "" {
		return nil, fmt.Errorf("%s or %s must be set", envAgeSecretKey, envAgePublicKey)
	}

	s := &Signer{}
	if secret != "" {
		identity, err := age.ParseX25519Identity(secret)
		if err != nil {
			return nil, fmt.Errorf("parse %s: %w", envAgeSecretKey, err)
		}
		seed, err := ageSeed(secret)
		if err != nil {
			return nil, fmt.Errorf("parse %s: %w", envAgeSecretKey, err)
		}
		s.private = ed25519.NewKeyFromSeed(seed)
		s.public = s.private.Public().(ed25519.PublicKey)
		s.recipient = identity.Recipient().String()
	}

	if pub != "" {
		key, err := parsePublicKey(pub)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", envAgePublicKey, err)
		}
		if s.public != nil && !bytes.Equal(s.public, key) {
			return nil, fmt.Errorf("%s does not match %s", envAgePublicKey, envAgeSecretKey)
		}
		s.public = key
	}
	return s, nil
}

// Sign returns the base64 signature of payload.
func (s *Signer) Sign(payload []byte) (string, error) {
	if s == nil || len(s.private) == 0 {
		return "", fmt.Errorf("signing requires %s", envAgeSecretKey)
	}
	return base64.StdEncoding.EncodeToString(ed25519.Sign(s.private, payload)), nil
}

// Verify checks signature over payload. manifestKey is the key recorded in
// the manifest; it must equal the configured key, and is only trusted on its
// own when no key is configured.
func (s *Signer) Verify(payload []byte, signature, manifestKey string) error {
	if s == nil {
		return errors.New("nil signer")
	}
	sig, err := base64.StdEncoding.DecodeString(strings.TrimSpace(signature))
	if err != nil {
		return fmt.Errorf("decode signature: %w", err)
	}
	if len(sig) != ed25519.SignatureSize {
		return fmt.Errorf("invalid signature length %d", len(sig))
	}

	key := s.public
	if manifestKey != "" {
		recorded, err := parsePublicKey(manifestKey)
		if err != nil {
			return fmt.Errorf("manifest public key: %w", err)
		}
		switch {
		case key == nil:
			key = recorded
		case !bytes.Equal(key, recorded):
			return fmt.Errorf("manifest signed by unexpected key %s", fingerprint(recorded))
		}
	}
	if key == nil {
		return errors.New("no public key available for verification")
	}
	if !ed25519.Verify(key, payload, sig) {
		return errors.New("signature verification failed")
	}
	return nil
}

// PublicKeyBase64 returns the Ed25519 public key recorded in manifests.
func (s *Signer) PublicKeyBase64() string {
	if s == nil || len(s.public) == 0 {
		return ""
	}
	return base64.StdEncoding.EncodeToString(s.public)
}

// Recipient returns the age recipient of the secret key, or "" for a
// verify-only signer.
func (s *Signer) Recipient() string {
	if s == nil {
		return ""
	}
	return s.recipient
}

func parsePublicKey(b64 string) (ed25519.PublicKey, error) {
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(b64))
	if err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}
	if len(raw) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("want %d bytes, got %d", ed25519.PublicKeySize, len(raw))
	}
	return ed25519.PublicKey(raw), nil
}

// ageSeed extracts the 32 byte scalar of an AGE-SECRET-KEY-1... string.
func ageSeed(secret string) ([]byte, error) {
	hrp, data, err := bech32.Decode(secret)
	if err != nil {
		return nil, err
	}
	if !strings.EqualFold(hrp, ageSecretHRP) {
		return nil, fmt.Errorf("unexpected key type %q", hrp)
	}
	seed, err := bech32.ConvertBits(data, 5, 8, false)
	if err != nil {
		return nil, err
	}
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("unexpected seed length %d", len(seed))
	}
	return seed, nil
}

func fingerprint(key ed25519.PublicKey) string {
	sum := sha256.Sum256(key)
	return hex.EncodeToString(sum[:8])
}
