package auth

import "time"

// Identity is a human account able to authenticate against the service.
type Identity struct {
	ID            string     `json:"id"`
	Username      string     `json:"username"`
	Email         string     `json:"email"`
	PasswordHash  string     `json:"-"`
	FirstName     string     `json:"first_name,omitempty"`
	LastName      string     `json:"last_name,omitempty"`
	PhoneNumber   string     `json:"phone_number,omitempty"`
	EmailVerified bool       `json:"email_verified"`
	PhoneVerified bool       `json:"phone_verified"`
	FailedLogins  int        `json:"-"`
	LockedUntil   *time.Time `json:"-"`
	LastLoginIP   string     `json:"-"`
	Superuser     bool       `json:"-"`
	Active        bool       `json:"active"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// Locked reports whether the identity is inside its lockout window.
func (id *Identity) Locked(now time.Time) bool {
	return id.LockedUntil != nil && now.Before(*id.LockedUntil)
}

// PublicView is the identity shape exposed in API responses. It never
// includes the password hash or lockout bookkeeping.
type PublicView struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Email    string `json:"email"`
}

// Public returns the API-safe view of the identity.
func (id *Identity) Public() PublicView {
	return PublicView{ID: id.ID, Username: id.Username, Email: id.Email}
}

// Profile holds per-identity preferences and second-factor material. Exactly
// one profile exists per identity; the organization reference is weak and is
// nulled when the organization goes away.
type Profile struct {
	IdentityID         string    `json:"identity_id"`
	OrganizationID     string    `json:"organization_id,omitempty"`
	Bio                string    `json:"bio,omitempty"`
	Timezone           string    `json:"timezone"`
	Language           string    `json:"language"`
	TwoFactorEnabled   bool      `json:"two_factor_enabled"`
	TOTPSecret         string    `json:"-"`
	SecurityQuestion   string    `json:"security_question,omitempty"`
	SecurityAnswerHash string    `json:"-"`
	CreatedAt          time.Time `json:"created_at"`
	UpdatedAt          time.Time `json:"updated_at"`
}

// Organization is the tenant boundary grouping identities and their resources.
type Organization struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Slug         string    `json:"slug"`
	ContactEmail string    `json:"contact_email,omitempty"`
	Active       bool      `json:"active"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Role groups permissions under a unique name.
type Role struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Permission is a fine-grained capability identified by "scope.action".
type Permission struct {
	ID          string    `json:"id"`
	Key         string    `json:"key"`
	Description string    `json:"description,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// RefreshTokenRecord is one row of the outstanding-token ledger. Revoking a
// record blacklists the refresh token it tracks.
type RefreshTokenRecord struct {
	ID         string    `json:"id"`
	IdentityID string    `json:"identity_id"`
	IssuedAt   time.Time `json:"issued_at"`
	ExpiresAt  time.Time `json:"expires_at"`
	Revoked    bool      `json:"revoked"`
}
