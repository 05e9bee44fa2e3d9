package envelope

import (
	"crypto/rsa"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/cuemby/maestro/pkg/types"
)

// Claims is the payload of a signed job envelope. The orchestrator mints one
// per dispatch; the worker verifies it before executing and presents it back
// on the callback leg.
type Claims struct {
	TaskID        string `json:"task_id"`
	Owner         string `json:"owner"`
	WorkerID      string `json:"worker_id"`
	PayloadDigest string `json:"payload_digest"`
	CallbackURL   string `json:"callback_url,omitempty"`
	RepoURL       string `json:"repo_url,omitempty"`
	Ref           string `json:"ref,omitempty"`
	ConsentGiven  bool   `json:"consent_given"`
	jwt.RegisteredClaims
}

// Digest returns the content binding for a payload: "sha256:" plus the hex
// digest of the raw bytes.
func Digest(payload []byte) string {
	sum := sha256.Sum256(payload)
	return "sha256:" + hex.EncodeToString(sum[:])
}

// Signer mints RS256 envelopes with a fixed issuer and lifetime. When several
// signing keys exist during a rotation, the newest one signs.
type Signer struct {
	key    *rsa.PrivateKey
	issuer string
	ttl    time.Duration
	now    func() time.Time
}

// NewSigner creates a signer. ttl is clamped to the 15 minute ceiling.
func NewSigner(key *rsa.PrivateKey, issuer string, ttl time.Duration) *Signer {
	if ttl <= 0 || ttl > MaxTTL {
		ttl = MaxTTL
	}
	return &Signer{
		key:    key,
		issuer: issuer,
		ttl:    ttl,
		now:    time.Now,
	}
}

// MaxTTL is the hard ceiling on envelope lifetime. Verifiers reject tokens
// minted for longer regardless of signature validity.
const MaxTTL = 15 * time.Minute

// Sign mints a token for the given claims, stamping issuer, issued_at and
// expires_at. It refuses to sign without a private key.
func (s *Signer) Sign(claims Claims) (string, error) {
	if s.key == nil {
		return "", fmt.Errorf("signing key not configured")
	}

	now := s.now()
	claims.Issuer = s.issuer
	claims.IssuedAt = jwt.NewNumericDate(now)
	claims.ExpiresAt = jwt.NewNumericDate(now.Add(s.ttl))

	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	signed, err := token.SignedString(s.key)
	if err != nil {
		return "", fmt.Errorf("failed to sign envelope: %w", err)
	}
	return signed, nil
}

// TTL returns the lifetime stamped on minted envelopes.
func (s *Signer) TTL() time.Duration {
	return s.ttl
}

// Verifier validates envelopes against one or more public keys. Multiple
// keys support rotation: a token passes if any key verifies it.
type Verifier struct {
	keys   []*rsa.PublicKey
	issuer string
	maxTTL time.Duration
	skew   time.Duration
	now    func() time.Time
}

// NewVerifier creates a verifier. issuer is enforced when non-empty; skew is
// the tolerance on issued_at (expiry is exact).
func NewVerifier(keys []*rsa.PublicKey, issuer string, skew time.Duration) *Verifier {
	return &Verifier{
		keys:   keys,
		issuer: issuer,
		maxTTL: MaxTTL,
		skew:   skew,
		now:    time.Now,
	}
}

// WithClock replaces the verifier's time source. Intended for tests.
func (v *Verifier) WithClock(now func() time.Time) *Verifier {
	v.now = now
	return v
}

// Verify validates the token's signature and time claims and returns the
// verified claim set. Failures are typed: bad_signature, expired, malformed,
// or wrong_audience (issuer mismatch, task binding mismatch).
func (v *Verifier) Verify(token string) (*Claims, error) {
	if len(v.keys) == 0 {
		return nil, types.NewEnvelopeError(types.EnvelopeBadSignature, fmt.Errorf("no verification keys configured"))
	}

	var lastErr error
	for _, key := range v.keys {
		claims := &Claims{}
		_, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (interface{}, error) {
			return key, nil
		},
			jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
			jwt.WithTimeFunc(v.now),
			jwt.WithExpirationRequired(),
		)
		if err == nil {
			if err := v.checkClaims(claims); err != nil {
				return nil, err
			}
			return claims, nil
		}
		if errors.Is(err, jwt.ErrTokenSignatureInvalid) {
			// Try the next rotation key.
			lastErr = err
			continue
		}
		return nil, classifyJWTError(err)
	}
	return nil, types.NewEnvelopeError(types.EnvelopeBadSignature, lastErr)
}

// VerifyForTask verifies the token and additionally requires it to be bound
// to the given task. A mismatch is a wrong_audience failure.
func (v *Verifier) VerifyForTask(token, taskID string) (*Claims, error) {
	claims, err := v.Verify(token)
	if err != nil {
		return nil, err
	}
	if claims.TaskID != taskID {
		return nil, types.NewEnvelopeError(types.EnvelopeWrongAudience,
			fmt.Errorf("token bound to task %s, not %s", claims.TaskID, taskID))
	}
	return claims, nil
}

// checkClaims enforces the policy checks the JWT library does not cover:
// issuer match, bounded lifetime, and issued_at within clock skew.
func (v *Verifier) checkClaims(claims *Claims) error {
	if v.issuer != "" && claims.Issuer != v.issuer {
		return types.NewEnvelopeError(types.EnvelopeWrongAudience,
			fmt.Errorf("issuer %q, want %q", claims.Issuer, v.issuer))
	}
	if claims.IssuedAt == nil || claims.ExpiresAt == nil {
		return types.NewEnvelopeError(types.EnvelopeMalformed, fmt.Errorf("missing iat or exp"))
	}
	if lifetime := claims.ExpiresAt.Sub(claims.IssuedAt.Time); lifetime > v.maxTTL {
		return types.NewEnvelopeError(types.EnvelopeMalformed,
			fmt.Errorf("lifetime %s exceeds maximum %s", lifetime, v.maxTTL))
	}
	if claims.IssuedAt.After(v.now().Add(v.skew)) {
		return types.NewEnvelopeError(types.EnvelopeMalformed,
			fmt.Errorf("issued_at %s is in the future", claims.IssuedAt.Time))
	}
	return nil
}

func classifyJWTError(err error) *types.EnvelopeError {
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return types.NewEnvelopeError(types.EnvelopeExpired, err)
	case errors.Is(err, jwt.ErrTokenMalformed),
		errors.Is(err, jwt.ErrTokenRequiredClaimMissing),
		errors.Is(err, jwt.ErrTokenNotValidYet):
		return types.NewEnvelopeError(types.EnvelopeMalformed, err)
	default:
		return types.NewEnvelopeError(types.EnvelopeBadSignature, err)
	}
}
