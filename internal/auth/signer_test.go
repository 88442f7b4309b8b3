// ABOUTME: Tests for envelope signing and verification
// ABOUTME: Covers tampering, transit field changes, expiry and missing signatures

package auth

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/aetherbus/internal/envelope"
)

func signedEnvelope(t *testing.T, s *Signer) *envelope.Envelope {
	t.Helper()
	env := envelope.New("user", "summarize the incident")
	env.CorrelationID = "cid-1"
	env.ReplyTo = "AG1:agent:alice:inbox"
	env.AgentName = "alice"
	require.NoError(t, s.Sign(env, "alice"))
	require.NotEmpty(t, env.AuthSignature)
	return env
}

func TestSignerRoundTrip(t *testing.T) {
	s := NewSigner(testSecret, time.Minute)
	env := signedEnvelope(t, s)

	sender, err := s.Verify(env)
	require.NoError(t, err)
	assert.Equal(t, "alice", sender)
}

func TestSignerSurvivesEncoding(t *testing.T) {
	s := NewSigner(testSecret, 0)
	env := signedEnvelope(t, s)

	data, err := envelope.Encode(env)
	require.NoError(t, err)
	decoded, err := envelope.Decode(data)
	require.NoError(t, err)

	sender, err := s.Verify(decoded)
	require.NoError(t, err)
	assert.Equal(t, "alice", sender)
}

func TestSignerIgnoresTransitFields(t *testing.T) {
	s := NewSigner(testSecret, time.Minute)
	env := signedEnvelope(t, s)

	env.EnvelopeID = "1700000000000-0"
	env.DeliveryCount = 3
	env.ConsumerGroup = "bridge"
	env.ConsumerID = "bridge-1"
	env.AddHop("relay")

	_, err := s.Verify(env)
	assert.NoError(t, err)
}

func TestSignerDetectsTampering(t *testing.T) {
	s := NewSigner(testSecret, time.Minute)

	tests := []struct {
		name   string
		mutate func(*envelope.Envelope)
	}{
		{"content", func(e *envelope.Envelope) { e.SetText("delete everything") }},
		{"reply_to", func(e *envelope.Envelope) { e.ReplyTo = "AG1:agent:mallory:inbox" }},
		{"correlation", func(e *envelope.Envelope) { e.CorrelationID = "cid-2" }},
		{"meta", func(e *envelope.Envelope) { e.SetMeta("x", 1) }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := signedEnvelope(t, s)
			tt.mutate(env)
			_, err := s.Verify(env)
			assert.ErrorIs(t, err, ErrDigestMismatch)
		})
	}
}

func TestSignerMissingSignature(t *testing.T) {
	s := NewSigner(testSecret, time.Minute)
	_, err := s.Verify(envelope.New("user", "hi"))
	assert.ErrorIs(t, err, ErrMissingSignature)
}

func TestSignerWrongSecret(t *testing.T) {
	env := signedEnvelope(t, NewSigner(testSecret, time.Minute))
	_, err := NewSigner([]byte("other"), time.Minute).Verify(env)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestSignerExpired(t *testing.T) {
	s := NewSigner(testSecret, -time.Minute)
	env := signedEnvelope(t, s)
	_, err := s.Verify(env)
	assert.ErrorIs(t, err, ErrExpiredToken)
}

func TestOperatorTokenIsNotAnEnvelopeSignature(t *testing.T) {
	s := NewSigner(testSecret, time.Minute)
	token, err := NewJWTVerifier(testSecret).Generate("ops", time.Hour)
	require.NoError(t, err)

	env := envelope.New("user", "hi")
	env.AuthSignature = token
	_, err = s.Verify(env)
	assert.ErrorIs(t, err, ErrMissingClaim)
}
