package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
)

// TOTPVerifier checks a time-based one-time code against a shared secret.
// It is an interface so tests can substitute a deterministic verifier.
type TOTPVerifier interface {
	Verify(code, secret string) bool
}

// TOTPProvisioner both verifies codes and provisions new secrets.
type TOTPProvisioner struct {
	Issuer string
}

// Verify implements TOTPVerifier with the standard 30-second window.
func (p *TOTPProvisioner) Verify(code, secret string) bool {
	return totp.Validate(code, secret)
}

// Generate provisions a new TOTP secret for the account and returns the
// base32 secret together with the otpauth:// provisioning URL.
func (p *TOTPProvisioner) Generate(accountName string) (secret, url string, err error) {
	issuer := p.Issuer
	if issuer == "" {
		issuer = "opendesk"
	}
	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      issuer,
		AccountName: accountName,
		Algorithm:   otp.AlgorithmSHA1,
	})
	if err != nil {
		return "", "", fmt.Errorf("generate totp secret: %w", err)
	}
	return key.Secret(), key.URL(), nil
}

// tempTwoFactorTTL bounds the window between a successful password check and
// the second factor submission.
const tempTwoFactorTTL = 5 * time.Minute

type tempTokenSigner struct {
	secret []byte
	now    func() time.Time
}

func newTempTokenSigner(secret []byte, now func() time.Time) *tempTokenSigner {
	if now == nil {
		now = time.Now
	}
	return &tempTokenSigner{secret: secret, now: now}
}

// Issue mints a short-lived token of the form "<unix ts>.<hex signature>"
// handed to the client after the password check when 2FA is enabled.
func (s *tempTokenSigner) Issue(identityID string) string {
	ts := s.now().Unix()
	return strconv.FormatInt(ts, 10) + "." + s.sign(identityID, ts)
}

// Check validates a temp token for the given identity.
func (s *tempTokenSigner) Check(identityID, token string) error {
	tsPart, sig, ok := strings.Cut(token, ".")
	if !ok || sig == "" {
		return ErrTokenInvalid
	}
	ts, err := strconv.ParseInt(tsPart, 10, 64)
	if err != nil {
		return ErrTokenInvalid
	}
	if !hmac.Equal([]byte(sig), []byte(s.sign(identityID, ts))) {
		return ErrTokenInvalid
	}
	if s.now().Sub(time.Unix(ts, 0)) > tempTwoFactorTTL {
		return ErrTokenExpired
	}
	return nil
}

func (s *tempTokenSigner) sign(identityID string, ts int64) string {
	mac := hmac.New(sha256.New, s.secret)
	fmt.Fprintf(mac, "%s|%d", identityID, ts)
	return hex.EncodeToString(mac.Sum(nil))
}
