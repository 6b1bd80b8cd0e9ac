package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"opendesk.org/internal/audit"
	"opendesk.org/internal/notify"
	"opendesk.org/internal/obs"
	"opendesk.org/internal/ratelimit"
)

// Config carries the tunables of the auth subsystem. It is immutable after
// construction; every field has a sane default applied by NewService.
type Config struct {
	JWTSecret  string
	JWTIssuer  string
	AccessTTL  time.Duration
	RefreshTTL time.Duration

	LockoutThreshold int
	LockoutDuration  time.Duration

	LoginRateLimit  int
	LoginRateWindow time.Duration

	// StateTokenTTL bounds password-reset and email-verification links.
	StateTokenTTL time.Duration

	Now func() time.Time
}

func (c *Config) applyDefaults() {
	if c.JWTIssuer == "" {
		c.JWTIssuer = "opendesk"
	}
	if c.AccessTTL == 0 {
		c.AccessTTL = 15 * time.Minute
	}
	if c.RefreshTTL == 0 {
		c.RefreshTTL = 7 * 24 * time.Hour
	}
	if c.LockoutThreshold == 0 {
		c.LockoutThreshold = 5
	}
	if c.LockoutDuration == 0 {
		c.LockoutDuration = 30 * time.Minute
	}
	if c.LoginRateLimit == 0 {
		c.LoginRateLimit = 10
	}
	if c.LoginRateWindow == 0 {
		c.LoginRateWindow = time.Minute
	}
	if c.StateTokenTTL == 0 {
		c.StateTokenTTL = 24 * time.Hour
	}
	if c.Now == nil {
		c.Now = time.Now
	}
}

// Service is the session manager: registration, login with lockout and
// optional TOTP, token lifecycle and the account-recovery flows.
type Service struct {
	store    Store
	cfg      Config
	issuer   *TokenIssuer
	resolver *Resolver
	policy   PasswordPolicy
	totp     TOTPVerifier
	limiter  ratelimit.Counter
	notifier notify.Dispatcher
	temp     *tempTokenSigner
	state    *stateTokenSigner
	now      func() time.Time
}

// ServiceOption customizes a Service.
type ServiceOption func(*Service)

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) ServiceOption {
	return func(s *Service) { s.now = now }
}

// WithNotifier replaces the notification dispatcher.
func WithNotifier(d notify.Dispatcher) ServiceOption {
	return func(s *Service) { s.notifier = d }
}

// WithRateLimiter replaces the login attempt counter.
func WithRateLimiter(c ratelimit.Counter) ServiceOption {
	return func(s *Service) { s.limiter = c }
}

// WithTOTPVerifier replaces the TOTP verifier, for tests.
func WithTOTPVerifier(v TOTPVerifier) ServiceOption {
	return func(s *Service) { s.totp = v }
}

// WithPasswordPolicy replaces the password complexity policy.
func WithPasswordPolicy(p PasswordPolicy) ServiceOption {
	return func(s *Service) { s.policy = p }
}

// NewService wires the session manager over the given store.
func NewService(store Store, cfg Config, opts ...ServiceOption) *Service {
	cfg.applyDefaults()
	s := &Service{
		store:    store,
		cfg:      cfg,
		resolver: NewResolver(store),
		policy:   DefaultPasswordPolicy,
		totp:     &TOTPProvisioner{Issuer: cfg.JWTIssuer},
		limiter:  ratelimit.NewMemory(),
		notifier: notify.NewLogDispatcher(),
		now:      cfg.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	cfg.Now = s.now
	s.issuer = NewTokenIssuer(cfg, store.RefreshTokens, s.resolver)
	s.temp = newTempTokenSigner([]byte(cfg.JWTSecret), s.now)
	s.state = newStateTokenSigner([]byte(cfg.JWTSecret), cfg.StateTokenTTL, s.now)
	return s
}

// Issuer exposes the token issuer for callers that only rotate or revoke.
func (s *Service) Issuer() *TokenIssuer { return s.issuer }

// Resolver exposes the principal resolver for the authorization layer.
func (s *Service) Resolver() *Resolver { return s.resolver }

// RegisterInput is the payload of a registration request.
type RegisterInput struct {
	Username        string `json:"username"`
	Email           string `json:"email"`
	Password        string `json:"password"`
	PasswordConfirm string `json:"password_confirm"`
	FirstName       string `json:"first_name"`
	LastName        string `json:"last_name"`
	PhoneNumber     string `json:"phone_number"`
	OrganizationID  string `json:"organization_id"`
	Timezone        string `json:"timezone"`
	Language        string `json:"language"`
}

// Register creates a new identity and its profile. The account starts with
// an unverified email; a verification message is dispatched out of band and
// its failure never fails the registration.
func (s *Service) Register(ctx context.Context, in RegisterInput) (*Identity, error) {
	fields := map[string]string{}
	in.Username = strings.TrimSpace(in.Username)
	in.Email = strings.ToLower(strings.TrimSpace(in.Email))
	if in.Username == "" {
		fields["username"] = "username is required"
	}
	if in.Email == "" || !strings.Contains(in.Email, "@") {
		fields["email"] = "a valid email is required"
	}
	if in.Password != in.PasswordConfirm {
		fields["password_confirm"] = "passwords do not match"
	}
	if err := s.policy(in.Password); err != nil {
		fields["password"] = err.Error()
	}
	if len(fields) > 0 {
		return nil, &ValidationError{Fields: fields}
	}
	// Uniqueness failures are validation errors, same as a malformed field.
	if _, err := s.store.Identities(ctx).FindByUsername(ctx, in.Username); err == nil {
		fields["username"] = "username is already taken"
	} else if !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	if _, err := s.store.Identities(ctx).FindByEmail(ctx, in.Email); err == nil {
		fields["email"] = "email is already registered"
	} else if !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	if len(fields) > 0 {
		return nil, &ValidationError{Fields: fields}
	}
	if in.OrganizationID != "" {
		if _, err := s.store.Organizations(ctx).Find(ctx, in.OrganizationID); err != nil {
			if errors.Is(err, ErrNotFound) {
				return nil, newValidationError("organization_id", "unknown organization")
			}
			return nil, err
		}
	}

	hash, err := HashPassword(in.Password)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}
	now := s.now().UTC()
	id := &Identity{
		ID:           uuid.NewString(),
		Username:     in.Username,
		Email:        in.Email,
		PasswordHash: hash,
		FirstName:    strings.TrimSpace(in.FirstName),
		LastName:     strings.TrimSpace(in.LastName),
		PhoneNumber:  strings.TrimSpace(in.PhoneNumber),
		Active:       true,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	profile := &Profile{
		IdentityID:     id.ID,
		OrganizationID: in.OrganizationID,
		Timezone:       defaulted(in.Timezone, "UTC"),
		Language:       defaulted(in.Language, "en"),
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.store.Identities(ctx).Create(ctx, id, profile); err != nil {
		// A concurrent registration can still slip past the checks above.
		if errors.Is(err, ErrConflict) {
			return nil, newValidationError("username", "username or email is already taken")
		}
		return nil, err
	}

	token := s.state.Issue(purposeEmailVerification, id)
	if err := s.notifier.SendVerificationEmail(ctx, id.Email, id.ID, token); err != nil {
		obs.Logger().Printf(`{"level":"error","msg":"verification email dispatch failed","identity_id":%q,"error":%q}`, id.ID, err.Error())
	}
	audit.LogEvent(ctx, "identity.registered", map[string]any{"identity_id": id.ID, "username": id.Username})
	return id, nil
}

// LoginInput is the payload of a login attempt. Identifier is a username or
// an email address.
type LoginInput struct {
	Identifier string `json:"identifier"`
	Password   string `json:"password"`
	ClientIP   string `json:"-"`
}

// LoginResult is either a full token pair or a two-factor challenge holding
// a temp token the client must echo back with a TOTP code.
type LoginResult struct {
	TwoFactorRequired bool       `json:"requires_2fa"`
	TempToken         string     `json:"temp_token,omitempty"`
	IdentityID        string     `json:"identity_id,omitempty"`
	Tokens            *TokenPair `json:"tokens,omitempty"`
	User              PublicView `json:"user"`
}

// Login verifies credentials with lockout and rate-limit enforcement. The
// attempt counter is consumed before any account lookup so unknown
// identifiers burn attempts like real ones.
func (s *Service) Login(ctx context.Context, in LoginInput) (*LoginResult, error) {
	identifier := strings.TrimSpace(in.Identifier)
	if identifier == "" || in.Password == "" {
		return nil, newValidationError("identifier", "identifier and password are required")
	}
	if err := s.limiter.CheckAndIncrement(ctx, "login:"+strings.ToLower(identifier), s.cfg.LoginRateLimit, s.cfg.LoginRateWindow); err != nil {
		return nil, err
	}

	id, err := s.findByIdentifier(ctx, identifier)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			obs.LoginsTotal.WithLabelValues("failure").Inc()
			return nil, ErrInvalidCredentials
		}
		return nil, err
	}
	if !id.Active {
		obs.LoginsTotal.WithLabelValues("failure").Inc()
		return nil, ErrInvalidCredentials
	}

	now := s.now()
	if id.Locked(now) {
		obs.LoginsTotal.WithLabelValues("locked").Inc()
		audit.LogEvent(ctx, "login.locked", map[string]any{"identity_id": id.ID})
		return nil, &LockedError{Until: *id.LockedUntil}
	}

	if err := VerifyPassword(id.PasswordHash, in.Password); err != nil {
		if !errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
			return nil, fmt.Errorf("verify password: %w", err)
		}
		count, err := s.store.Identities(ctx).RecordLoginFailure(ctx, id.ID)
		if err != nil {
			return nil, fmt.Errorf("record login failure: %w", err)
		}
		if count >= s.cfg.LockoutThreshold {
			until := now.Add(s.cfg.LockoutDuration)
			if err := s.store.Identities(ctx).SetLockout(ctx, id.ID, until); err != nil {
				return nil, fmt.Errorf("set lockout: %w", err)
			}
			obs.LockoutsTotal.Inc()
			audit.LogEvent(ctx, "login.lockout_set", map[string]any{"identity_id": id.ID, "until": until.UTC().Format(time.RFC3339)})
		}
		obs.LoginsTotal.WithLabelValues("failure").Inc()
		return nil, ErrInvalidCredentials
	}

	if err := s.store.Identities(ctx).ResetLoginState(ctx, id.ID, in.ClientIP); err != nil {
		return nil, fmt.Errorf("reset login state: %w", err)
	}

	profile, err := s.store.Profiles(ctx).Find(ctx, id.ID)
	if err != nil {
		return nil, err
	}
	if profile.TwoFactorEnabled {
		obs.LoginsTotal.WithLabelValues("challenge").Inc()
		audit.LogEvent(ctx, "login.challenge", map[string]any{"identity_id": id.ID})
		return &LoginResult{
			TwoFactorRequired: true,
			TempToken:         s.temp.Issue(id.ID),
			IdentityID:        id.ID,
			User:              id.Public(),
		}, nil
	}

	pair, err := s.issuer.IssuePair(ctx, id.ID)
	if err != nil {
		return nil, err
	}
	obs.LoginsTotal.WithLabelValues("success").Inc()
	audit.LogEvent(ctx, "login.success", map[string]any{"identity_id": id.ID})
	return &LoginResult{Tokens: pair, User: id.Public()}, nil
}

// VerifyTwoFactor completes a challenged login. Both the temp token and the
// TOTP code must check out independently before any JWT is minted.
func (s *Service) VerifyTwoFactor(ctx context.Context, identityID, code, tempToken string) (*LoginResult, error) {
	if identityID == "" || code == "" || tempToken == "" {
		return nil, newValidationError("code", "identity, code and temp token are required")
	}
	if err := s.temp.Check(identityID, tempToken); err != nil {
		return nil, err
	}
	id, err := s.store.Identities(ctx).Find(ctx, identityID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrTokenInvalid
		}
		return nil, err
	}
	profile, err := s.store.Profiles(ctx).Find(ctx, identityID)
	if err != nil {
		return nil, err
	}
	if !profile.TwoFactorEnabled || profile.TOTPSecret == "" {
		return nil, ErrTokenInvalid
	}
	if !s.totp.Verify(code, profile.TOTPSecret) {
		obs.LoginsTotal.WithLabelValues("failure").Inc()
		audit.LogEvent(ctx, "login.2fa_failed", map[string]any{"identity_id": identityID})
		return nil, ErrTwoFactorCode
	}
	pair, err := s.issuer.IssuePair(ctx, identityID)
	if err != nil {
		return nil, err
	}
	obs.LoginsTotal.WithLabelValues("success").Inc()
	audit.LogEvent(ctx, "login.success", map[string]any{"identity_id": identityID, "second_factor": true})
	return &LoginResult{Tokens: pair, User: id.Public()}, nil
}

// Logout revokes the presented refresh token. A missing token is a client
// error; revoking an already revoked token is not.
func (s *Service) Logout(ctx context.Context, refreshToken string) error {
	if refreshToken == "" {
		return newValidationError("refresh", "refresh token is required")
	}
	if err := s.issuer.RevokeRefresh(ctx, refreshToken); err != nil {
		return err
	}
	audit.LogEvent(ctx, "logout", nil)
	return nil
}

// RequestPasswordReset dispatches a reset link when the email is known. The
// outcome is indistinguishable to the caller either way.
func (s *Service) RequestPasswordReset(ctx context.Context, email string) error {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" {
		return newValidationError("email", "email is required")
	}
	id, err := s.store.Identities(ctx).FindByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		return err
	}
	token := s.state.Issue(purposePasswordReset, id)
	if err := s.notifier.SendPasswordResetEmail(ctx, id.Email, id.ID, token); err != nil {
		obs.Logger().Printf(`{"level":"error","msg":"password reset dispatch failed","identity_id":%q,"error":%q}`, id.ID, err.Error())
	}
	audit.LogEvent(ctx, "password.reset_requested", map[string]any{"identity_id": id.ID})
	return nil
}

// ConfirmPasswordReset replaces the password after validating the state
// token. A successful reset clears lockout state and signs the identity out
// of every session by revoking its refresh tokens.
func (s *Service) ConfirmPasswordReset(ctx context.Context, identityID, token, password, confirm string) error {
	if password != confirm {
		return newValidationError("password_confirm", "passwords do not match")
	}
	if err := s.policy(password); err != nil {
		return newValidationError("password", err.Error())
	}
	id, err := s.store.Identities(ctx).Find(ctx, identityID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return ErrTokenInvalid
		}
		return err
	}
	if err := s.state.Check(purposePasswordReset, id, token); err != nil {
		return err
	}
	hash, err := HashPassword(password)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}
	if err := s.store.Identities(ctx).UpdatePassword(ctx, id.ID, hash); err != nil {
		return err
	}
	if err := s.store.Identities(ctx).ResetLoginState(ctx, id.ID, id.LastLoginIP); err != nil {
		return err
	}
	if err := s.issuer.RevokeAllFor(ctx, id.ID); err != nil {
		return err
	}
	audit.LogEvent(ctx, "password.reset", map[string]any{"identity_id": id.ID})
	return nil
}

// VerifyEmail marks the identity's email verified. The flag is one-way; the
// token stops validating once it flips, so replays fail.
func (s *Service) VerifyEmail(ctx context.Context, identityID, token string) error {
	id, err := s.store.Identities(ctx).Find(ctx, identityID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return ErrTokenInvalid
		}
		return err
	}
	if err := s.state.Check(purposeEmailVerification, id, token); err != nil {
		return err
	}
	if err := s.store.Identities(ctx).MarkEmailVerified(ctx, id.ID); err != nil {
		return err
	}
	audit.LogEvent(ctx, "email.verified", map[string]any{"identity_id": id.ID})
	return nil
}

// RefreshTokens rotates a refresh token into a fresh pair.
func (s *Service) RefreshTokens(ctx context.Context, refreshToken string) (*TokenPair, error) {
	if refreshToken == "" {
		return nil, newValidationError("refresh", "refresh token is required")
	}
	return s.issuer.ExchangeRefresh(ctx, refreshToken)
}

// VerifyToken reports the type of a valid token ("access" or "refresh").
// Refresh tokens are additionally checked against the revocation ledger.
func (s *Service) VerifyToken(ctx context.Context, token string) (string, error) {
	if token == "" {
		return "", newValidationError("token", "token is required")
	}
	if _, err := s.issuer.ParseAccess(token); err == nil {
		return "access", nil
	} else if errors.Is(err, ErrTokenExpired) {
		return "", err
	}
	claims, err := s.issuer.parseRefresh(token)
	if err != nil {
		return "", err
	}
	rec, err := s.store.RefreshTokens(ctx).Find(ctx, claims.ID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return "", ErrTokenInvalid
		}
		return "", err
	}
	if rec.Revoked {
		return "", ErrTokenRevoked
	}
	return "refresh", nil
}

// AuthenticateAccess validates an access token and returns the principal
// snapshot carried in its claims. No store lookup happens here; callers that
// need live permissions resolve through Resolver.
func (s *Service) AuthenticateAccess(ctx context.Context, token string) (*Principal, error) {
	claims, err := s.issuer.ParseAccess(token)
	if err != nil {
		return nil, err
	}
	return &Principal{
		IdentityID:     claims.Subject,
		Username:       claims.Username,
		Email:          claims.Email,
		OrganizationID: claims.OrganizationID,
		Superuser:      claims.Superuser,
		Roles:          claims.Roles,
	}, nil
}

// EnableTwoFactor provisions a TOTP secret for the identity and stores it on
// the profile. The caller confirms with a first valid code via
// ConfirmTwoFactor before challenges start applying.
func (s *Service) EnableTwoFactor(ctx context.Context, identityID string) (secret, url string, err error) {
	id, err := s.store.Identities(ctx).Find(ctx, identityID)
	if err != nil {
		return "", "", err
	}
	prov, ok := s.totp.(*TOTPProvisioner)
	if !ok {
		prov = &TOTPProvisioner{Issuer: s.cfg.JWTIssuer}
	}
	secret, url, err = prov.Generate(id.Email)
	if err != nil {
		return "", "", err
	}
	profile, err := s.store.Profiles(ctx).Find(ctx, identityID)
	if err != nil {
		return "", "", err
	}
	profile.TOTPSecret = secret
	profile.UpdatedAt = s.now().UTC()
	if err := s.store.Profiles(ctx).Update(ctx, profile); err != nil {
		return "", "", err
	}
	return secret, url, nil
}

// ConfirmTwoFactor turns on two-factor challenges after the identity proves
// possession of the provisioned secret.
func (s *Service) ConfirmTwoFactor(ctx context.Context, identityID, code string) error {
	profile, err := s.store.Profiles(ctx).Find(ctx, identityID)
	if err != nil {
		return err
	}
	if profile.TOTPSecret == "" {
		return newValidationError("code", "two-factor setup has not been started")
	}
	if !s.totp.Verify(code, profile.TOTPSecret) {
		return ErrTwoFactorCode
	}
	profile.TwoFactorEnabled = true
	profile.UpdatedAt = s.now().UTC()
	if err := s.store.Profiles(ctx).Update(ctx, profile); err != nil {
		return err
	}
	audit.LogEvent(ctx, "2fa.enabled", map[string]any{"identity_id": identityID})
	return nil
}

// DisableTwoFactor removes the second factor. Requires a currently valid
// code so a stolen session cannot silently weaken the account.
func (s *Service) DisableTwoFactor(ctx context.Context, identityID, code string) error {
	profile, err := s.store.Profiles(ctx).Find(ctx, identityID)
	if err != nil {
		return err
	}
	if !profile.TwoFactorEnabled {
		return nil
	}
	if !s.totp.Verify(code, profile.TOTPSecret) {
		return ErrTwoFactorCode
	}
	profile.TwoFactorEnabled = false
	profile.TOTPSecret = ""
	profile.UpdatedAt = s.now().UTC()
	if err := s.store.Profiles(ctx).Update(ctx, profile); err != nil {
		return err
	}
	audit.LogEvent(ctx, "2fa.disabled", map[string]any{"identity_id": identityID})
	return nil
}

// Profile returns the identity's profile.
func (s *Service) Profile(ctx context.Context, identityID string) (*Profile, error) {
	return s.store.Profiles(ctx).Find(ctx, identityID)
}

// UpdateProfileInput carries profile changes. Nil pointer fields are left
// untouched. SecurityQuestion and SecurityAnswer are set together; replacing
// an existing answer requires the current one.
type UpdateProfileInput struct {
	Bio      *string
	Timezone *string
	Language *string

	SecurityQuestion      string
	SecurityAnswer        string
	CurrentSecurityAnswer string
}

// UpdateProfile applies profile changes for the identity.
func (s *Service) UpdateProfile(ctx context.Context, identityID string, in UpdateProfileInput) (*Profile, error) {
	profile, err := s.store.Profiles(ctx).Find(ctx, identityID)
	if err != nil {
		return nil, err
	}
	if in.SecurityQuestion != "" || in.SecurityAnswer != "" {
		if in.SecurityQuestion == "" || in.SecurityAnswer == "" {
			return nil, newValidationError("security_question", "security question and answer are set together")
		}
		if profile.SecurityAnswerHash != "" {
			if err := VerifySecurityAnswer(profile.SecurityAnswerHash, in.CurrentSecurityAnswer); err != nil {
				return nil, ErrInvalidCredentials
			}
		}
		hash, err := HashSecurityAnswer(in.SecurityAnswer)
		if err != nil {
			return nil, newValidationError("security_answer", "security answer is required")
		}
		profile.SecurityQuestion = strings.TrimSpace(in.SecurityQuestion)
		profile.SecurityAnswerHash = hash
	}
	if in.Bio != nil {
		profile.Bio = strings.TrimSpace(*in.Bio)
	}
	if in.Timezone != nil {
		profile.Timezone = defaulted(*in.Timezone, "UTC")
	}
	if in.Language != nil {
		profile.Language = defaulted(*in.Language, "en")
	}
	profile.UpdatedAt = s.now().UTC()
	if err := s.store.Profiles(ctx).Update(ctx, profile); err != nil {
		return nil, err
	}
	audit.LogEvent(ctx, "profile.updated", map[string]any{"identity_id": identityID})
	return profile, nil
}

func (s *Service) findByIdentifier(ctx context.Context, identifier string) (*Identity, error) {
	if strings.Contains(identifier, "@") {
		return s.store.Identities(ctx).FindByEmail(ctx, strings.ToLower(identifier))
	}
	return s.store.Identities(ctx).FindByUsername(ctx, identifier)
}

func defaulted(v, fallback string) string {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	return v
}
