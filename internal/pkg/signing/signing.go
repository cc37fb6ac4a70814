// Package signing implements the RSA-SHA256 request signatures used by the
// mobile money provider.
package signing

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/google/uuid"
)

// ErrSigning is returned when a payload cannot be signed, usually because the
// private key is missing or malformed.
var ErrSigning = errors.New("signing failed")

const (
	FieldSign     = "sign"
	FieldSignType = "sign_type"
	SignTypeRSA2  = "RSA2"
)

// Canonical returns the byte form that is signed: keys in ascending order,
// sign fields and empty values skipped, joined as k=v pairs with '&'.
func Canonical(payload map[string]string) []byte {
	keys := make([]string, 0, len(payload))
	for k, v := range payload {
		if k == FieldSign || k == FieldSignType || v == "" {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for i, k := range keys {
		if i > 0 {
			b.WriteByte('&')
		}
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(payload[k])
	}
	return []byte(b.String())
}

type Signer struct {
	key *rsa.PrivateKey
}

func NewSigner(key *rsa.PrivateKey) *Signer {
	return &Signer{key: key}
}

func (s *Signer) Sign(payload map[string]string) (string, error) {
	if s == nil || s.key == nil {
		return "", fmt.Errorf("%w: private key not configured", ErrSigning)
	}
	digest := sha256.Sum256(Canonical(payload))
	sig, err := rsa.SignPKCS1v15(rand.Reader, s.key, crypto.SHA256, digest[:])
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrSigning, err)
	}
	return base64.StdEncoding.EncodeToString(sig), nil
}

type Verifier struct {
	key *rsa.PublicKey
}

func NewVerifier(key *rsa.PublicKey) *Verifier {
	return &Verifier{key: key}
}

// Verify reports whether signature matches payload. Every failure, including
// a missing key or bad base64, yields a plain false.
func (v *Verifier) Verify(payload map[string]string, signature string) bool {
	if v == nil || v.key == nil {
		return false
	}
	sig, err := base64.StdEncoding.DecodeString(signature)
	if err != nil {
		sig = nil
	}
	digest := sha256.Sum256(Canonical(payload))
	return rsa.VerifyPKCS1v15(v.key, crypto.SHA256, digest[:], sig) == nil
}

// GenerateNonce returns 32 hex characters of randomness.
func GenerateNonce() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

func ParsePrivateKey(pemBytes []byte) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode(pemBytes)
	if block == nil {
		return nil, fmt.Errorf("%w: no PEM block found", ErrSigning)
	}
	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return key, nil
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("%w: parse private key: %v", ErrSigning, err)
	}
	key, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("%w: private key is not RSA", ErrSigning)
	}
	return key, nil
}

func ParsePublicKey(pemBytes []byte) (*rsa.PublicKey, error) {
	block, _ := pem.Decode(pemBytes)
	if block == nil {
		return nil, errors.New("no PEM block found")
	}
	if key, err := x509.ParsePKCS1PublicKey(block.Bytes); err == nil {
		return key, nil
	}
	parsed, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse public key: %w", err)
	}
	key, ok := parsed.(*rsa.PublicKey)
	if !ok {
		return nil, errors.New("public key is not RSA")
	}
	return key, nil
}

func LoadPrivateKey(path string) (*rsa.PrivateKey, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: read private key: %v", ErrSigning, err)
	}
	return ParsePrivateKey(raw)
}

func LoadPublicKey(path string) (*rsa.PublicKey, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read public key: %w", err)
	}
	return ParsePublicKey(raw)
}
