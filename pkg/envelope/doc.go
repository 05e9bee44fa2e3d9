/*
Package envelope mints and verifies the signed job envelopes that mutually
authenticate the orchestrator and its workers.

Every dispatch carries an RS256-signed token binding the job id, owner,
worker, payload digest, and callback URL to a short lifetime. Workers verify
the token with the orchestrator's public key before executing anything, and
present the same token when they post results back, closing the loop with a
single keypair.

# Claims

	task_id         job id; workers deduplicate on it
	owner           request owner
	worker_id       the worker the envelope was minted for
	payload_digest  "sha256:<hex>" binding of the payload bytes
	callback_url    where asynchronous completions are posted
	repo_url, ref   optional content binding for repository-shaped payloads
	consent_given   required by workers hosting untrusted user compute
	iss, iat, exp   standard time claims; exp − iat never exceeds 15 minutes

# Signing

	key, _ := envelope.LoadPrivateKey("/etc/maestro/signing.pem")
	signer := envelope.NewSigner(key, "maestro", 15*time.Minute)
	token, err := signer.Sign(envelope.Claims{
		TaskID:        job.ID,
		Owner:         job.Owner,
		WorkerID:      worker.ID,
		PayloadDigest: envelope.Digest(payload),
		CallbackURL:   callbackURL,
	})

The signer stamps issuer, issued_at and expires_at itself and refuses to
sign when no private key is configured.

# Verification

	keys, _ := envelope.LoadPublicKeys(cfg.PublicKeyPaths)
	verifier := envelope.NewVerifier(keys, "maestro", 60*time.Second)
	claims, err := verifier.Verify(token)

Failures are typed (types.EnvelopeError): bad_signature, expired, malformed,
wrong_audience. Expiry is exact: a token expired by one second is rejected,
while issued_at tolerates ±60s of clock skew. Tokens whose lifetime exceeds
15 minutes are rejected even when correctly signed.

# Key Rotation

Verifiers accept a list of public keys and try each in order, so a new
signing key can be introduced while envelopes signed by the old one are
still in flight. Signers always use the single (newest) key they hold.

# Key Tooling

GenerateKey, WriteKeyPair and the PEM helpers back the `maestro keygen`
command: PKCS#1 private keys (0600), PKIX public keys.
*/
package envelope
