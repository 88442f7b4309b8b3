// Package auth signs envelopes and guards the bridge's control endpoints.
//
// # Envelope Signatures
//
// When a signing secret is configured, senders put an HS256 JWT in the
// envelope's auth_signature. Its claims are:
//
//   - sub: the sending agent
//   - dig: BLAKE2b-256 digest (base64url) of the envelope without transit fields
//   - cid: the correlation id, when set
//   - iat/exp: issue and optional expiry time
//
// Transit fields are the ones the log or relays rewrite: envelope_id,
// delivery_count, consumer_group, consumer_id and trace. Everything else is
// covered, so changing content or reply_to after signing fails verification.
//
//	signer := auth.NewSigner(secret, 10*time.Minute)
//	if err := signer.Sign(env, "alice"); err != nil {
//	    return err
//	}
//	sender, err := signer.Verify(env)
//
// # Operator Tokens
//
// Control endpoints such as session termination accept a bearer JWT with
// scope "operator":
//
//	v := auth.NewJWTVerifier(secret)
//	token, err := v.Generate("ops", 24*time.Hour)
//	mux.Handle("POST /sessions/{code}/terminate", auth.RequireOperator(v)(handler))
package auth
