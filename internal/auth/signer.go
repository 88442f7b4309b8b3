// ABOUTME: Envelope signatures: an HS256 JWT in auth_signature binding a BLAKE2b digest of the envelope
// ABOUTME: Fields the log or relays rewrite in transit are left out of the digest

package auth

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/blake2b"

	"github.com/2389/aetherbus/internal/envelope"
)

var (
	// ErrMissingSignature is returned when an envelope carries no auth_signature.
	ErrMissingSignature = errors.New("missing envelope signature")
	// ErrDigestMismatch is returned when the envelope changed after signing.
	ErrDigestMismatch = errors.New("envelope digest mismatch")
)

// Signer signs and verifies envelopes with a shared secret.
type Signer struct {
	verifier *JWTVerifier
	ttl      time.Duration
}

// NewSigner returns a signer. A zero ttl makes signatures that never expire.
func NewSigner(secret []byte, ttl time.Duration) *Signer {
	return &Signer{verifier: NewJWTVerifier(secret), ttl: ttl}
}

// Digest returns the BLAKE2b-256 digest of env without its transit fields:
// envelope_id, delivery_count, consumer_group, consumer_id, trace and
// auth_signature.
func Digest(env *envelope.Envelope) (string, error) {
	c := env.Clone()
	c.EnvelopeID = ""
	c.DeliveryCount = 0
	c.ConsumerGroup = ""
	c.ConsumerID = ""
	c.Trace = nil
	c.AuthSignature = ""

	b, err := json.Marshal(c)
	if err != nil {
		return "", fmt.Errorf("encoding envelope for digest: %w", err)
	}
	sum := blake2b.Sum256(b)
	return base64.RawURLEncoding.EncodeToString(sum[:]), nil
}

// Sign sets env.AuthSignature for sender. Call it after the envelope is final.
func (s *Signer) Sign(env *envelope.Envelope, sender string) error {
	dig, err := Digest(env)
	if err != nil {
		return err
	}
	now := time.Now()
	claims := jwt.MapClaims{
		"sub": sender,
		"dig": dig,
		"iat": now.Unix(),
	}
	if env.CorrelationID != "" {
		claims["cid"] = env.CorrelationID
	}
	if s.ttl != 0 {
		claims["exp"] = now.Add(s.ttl).Unix()
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.verifier.secret)
	if err != nil {
		return fmt.Errorf("signing envelope: %w", err)
	}
	env.AuthSignature = signed
	return nil
}

// Verify checks env's signature and returns the signing sender.
func (s *Signer) Verify(env *envelope.Envelope) (string, error) {
	if env.AuthSignature == "" {
		return "", ErrMissingSignature
	}
	claims, err := s.verifier.parse(env.AuthSignature)
	if err != nil {
		return "", err
	}
	sub, _ := claims["sub"].(string)
	if sub == "" {
		return "", fmt.Errorf("%w: sub", ErrMissingClaim)
	}
	want, _ := claims["dig"].(string)
	if want == "" {
		return "", fmt.Errorf("%w: dig", ErrMissingClaim)
	}
	got, err := Digest(env)
	if err != nil {
		return "", err
	}
	if got != want {
		return "", ErrDigestMismatch
	}
	if cid, _ := claims["cid"].(string); cid != env.CorrelationID {
		return "", ErrDigestMismatch
	}
	return sub, nil
}
