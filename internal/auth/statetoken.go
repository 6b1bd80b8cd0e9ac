package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// State tokens are single-purpose links sent by email: password resets and
// email verification. The signature binds the identity's mutable state
// (password hash, verification flag) so the token self-invalidates once the
// action it authorizes has happened.

// stateTokenPurpose namespaces the HMAC so a reset token can never be
// replayed as a verification token.
type stateTokenPurpose string

const (
	purposePasswordReset     stateTokenPurpose = "password-reset"
	purposeEmailVerification stateTokenPurpose = "email-verify"
)

type stateTokenSigner struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

func newStateTokenSigner(secret []byte, ttl time.Duration, now func() time.Time) *stateTokenSigner {
	if now == nil {
		now = time.Now
	}
	return &stateTokenSigner{secret: secret, ttl: ttl, now: now}
}

// Issue produces a token of the form "<base36 timestamp>-<hex signature>".
func (s *stateTokenSigner) Issue(purpose stateTokenPurpose, id *Identity) string {
	ts := s.now().Unix()
	return strconv.FormatInt(ts, 36) + "-" + s.sign(purpose, id, ts)
}

// Check validates the token against the identity's current state. It reports
// ErrTokenExpired when the token aged out and ErrTokenInvalid for any
// signature or format mismatch.
func (s *stateTokenSigner) Check(purpose stateTokenPurpose, id *Identity, token string) error {
	tsPart, sig, ok := strings.Cut(token, "-")
	if !ok || sig == "" {
		return ErrTokenInvalid
	}
	ts, err := strconv.ParseInt(tsPart, 36, 64)
	if err != nil {
		return ErrTokenInvalid
	}
	if !hmac.Equal([]byte(sig), []byte(s.sign(purpose, id, ts))) {
		return ErrTokenInvalid
	}
	if s.now().Sub(time.Unix(ts, 0)) > s.ttl {
		return ErrTokenExpired
	}
	return nil
}

func (s *stateTokenSigner) sign(purpose stateTokenPurpose, id *Identity, ts int64) string {
	mac := hmac.New(sha256.New, s.secret)
	fmt.Fprintf(mac, "%s|%s|%s|%t|%d", purpose, id.ID, id.PasswordHash, id.EmailVerified, ts)
	return hex.EncodeToString(mac.Sum(nil))
}
