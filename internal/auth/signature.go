package auth

import (
	"context"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"golang.org/x/crypto/hkdf"
)

type Algorithm string

const (
	AlgEd25519    Algorithm = "ed25519"
	AlgECDSAP256  Algorithm = "ecdsa-p256"
	AlgHMACSHA256 Algorithm = "hmac-sha256"
)

var (
	ErrInvalidSignature = errors.New("invalid signature")
	ErrUnknownKey       = errors.New("unknown signing key")
	ErrKeyOwner         = errors.New("signing key does not belong to user")
)

// Signature is a detached signature over VoteMessage. Value is standard
// base64.
type Signature struct {
	Algorithm Algorithm `json:"algorithm"`
	KeyID     string    `json:"key_id"`
	Value     string    `json:"value"`
}

// VoteMessage is the byte string a client signs for a vote submission.
func VoteMessage(userID, topicID, candidateID, nonce string) []byte {
	return []byte(strings.Join([]string{"tallyhall-vote/v1", userID, topicID, candidateID, nonce}, "\n"))
}

type verifyKey struct {
	owner     string
	algorithm Algorithm
	ed25519   ed25519.PublicKey
	ecdsa     *ecdsa.PublicKey
	secret    []byte
}

// Verifier checks vote signatures against registered keys. When a master
// secret is set, hmac-sha256 keys that were not registered are derived per
// user with HKDF and the key id must equal the user id.
type Verifier struct {
	mu     sync.RWMutex
	keys   map[string]verifyKey
	master []byte
}

func NewVerifier(master []byte) *Verifier {
	return &Verifier{keys: make(map[string]verifyKey), master: master}
}

func (v *Verifier) AddEd25519(keyID, owner string, pub ed25519.PublicKey) {
	v.add(keyID, verifyKey{owner: owner, algorithm: AlgEd25519, ed25519: pub})
}

func (v *Verifier) AddECDSA(keyID, owner string, pub *ecdsa.PublicKey) {
	v.add(keyID, verifyKey{owner: owner, algorithm: AlgECDSAP256, ecdsa: pub})
}

func (v *Verifier) AddHMAC(keyID, owner string, secret []byte) {
	v.add(keyID, verifyKey{owner: owner, algorithm: AlgHMACSHA256, secret: secret})
}

func (v *Verifier) add(keyID string, key verifyKey) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.keys[keyID] = key
}

// Verify checks sig over message for userID.
func (v *Verifier) Verify(_ context.Context, userID string, message []byte, sig Signature) error {
	raw, err := base64.StdEncoding.DecodeString(sig.Value)
	if err != nil || len(raw) == 0 {
		return ErrInvalidSignature
	}
	key, err := v.lookup(userID, sig)
	if err != nil {
		return err
	}
	if key.owner != "" && key.owner != userID {
		return ErrKeyOwner
	}
	if sig.Algorithm != key.algorithm {
		return fmt.Errorf("%w: algorithm %q does not match key", ErrInvalidSignature, sig.Algorithm)
	}

	var ok bool
	switch key.algorithm {
	case AlgEd25519:
		ok = ed25519.Verify(key.ed25519, message, raw)
	case AlgECDSAP256:
		digest := sha256.Sum256(message)
		ok = ecdsa.VerifyASN1(key.ecdsa, digest[:], raw)
	case AlgHMACSHA256:
		mac := hmac.New(sha256.New, key.secret)
		_, _ = mac.Write(message)
		ok = hmac.Equal(mac.Sum(nil), raw)
	}
	if !ok {
		return ErrInvalidSignature
	}
	return nil
}

func (v *Verifier) lookup(userID string, sig Signature) (verifyKey, error) {
	v.mu.RLock()
	key, ok := v.keys[sig.KeyID]
	v.mu.RUnlock()
	if ok {
		return key, nil
	}
	if sig.Algorithm == AlgHMACSHA256 && len(v.master) > 0 && sig.KeyID == userID {
		secret, err := DeriveUserSecret(v.master, userID)
		if err != nil {
			return verifyKey{}, err
		}
		return verifyKey{owner: userID, algorithm: AlgHMACSHA256, secret: secret}, nil
	}
	return verifyKey{}, fmt.Errorf("%w: %q", ErrUnknownKey, sig.KeyID)
}

// DeriveUserSecret derives the per-user hmac-sha256 key from master.
func DeriveUserSecret(master []byte, userID string) ([]byte, error) {
	reader := hkdf.New(sha256.New, master, nil, []byte("tallyhall-vote-key:"+userID))
	secret := make([]byte, 32)
	if _, err := io.ReadFull(reader, secret); err != nil {
		return nil, fmt.Errorf("derive user secret: %w", err)
	}
	return secret, nil
}

// KeyEntry is one line of a key file. PublicKey is PEM (PKIX) for ed25519
// and ecdsa-p256, base64 for hmac-sha256.
type KeyEntry struct {
	KeyID     string    `json:"key_id"`
	UserID    string    `json:"user_id"`
	Algorithm Algorithm `json:"algorithm"`
	PublicKey string    `json:"public_key"`
}

// LoadKeyFile registers every key listed in a JSON array file.
func (v *Verifier) LoadKeyFile(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read key file: %w", err)
	}
	var entries []KeyEntry
	if err := json.Unmarshal(raw, &entries); err != nil {
		return fmt.Errorf("decode key file: %w", err)
	}
	for _, entry := range entries {
		if err := v.AddEntry(entry); err != nil {
			return fmt.Errorf("key %q: %w", entry.KeyID, err)
		}
	}
	return nil
}

func (v *Verifier) AddEntry(entry KeyEntry) error {
	if entry.KeyID == "" {
		return errors.New("key_id is required")
	}
	switch entry.Algorithm {
	case AlgHMACSHA256:
		secret, err := base64.StdEncoding.DecodeString(entry.PublicKey)
		if err != nil {
			return fmt.Errorf("decode secret: %w", err)
		}
		v.AddHMAC(entry.KeyID, entry.UserID, secret)
		return nil
	case AlgEd25519, AlgECDSAP256:
	default:
		return fmt.Errorf("unsupported algorithm %q", entry.Algorithm)
	}

	block, _ := pem.Decode([]byte(entry.PublicKey))
	if block == nil {
		return errors.New("public key is not PEM")
	}
	parsed, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return fmt.Errorf("parse public key: %w", err)
	}
	switch pub := parsed.(type) {
	case ed25519.PublicKey:
		if entry.Algorithm != AlgEd25519 {
			return errors.New("key type does not match algorithm")
		}
		v.AddEd25519(entry.KeyID, entry.UserID, pub)
	case *ecdsa.PublicKey:
		if entry.Algorithm != AlgECDSAP256 || pub.Curve.Params().Name != "P-256" {
			return errors.New("key type does not match algorithm")
		}
		v.AddECDSA(entry.KeyID, entry.UserID, pub)
	default:
		return fmt.Errorf("unsupported key type %T", parsed)
	}
	return nil
}
