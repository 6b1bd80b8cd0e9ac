package auth

import (
	"errors"
	"testing"
	"time"
)

func TestStateTokenRoundTrip(t *testing.T) {
	now := time.Date(2026, 4, 2, 10, 0, 0, 0, time.UTC)
	signer := newStateTokenSigner([]byte("secret"), time.Hour, func() time.Time { return now })
	id := &Identity{ID: "u1", PasswordHash: "hash-a"}

	token := signer.Issue(purposePasswordReset, id)
	if err := signer.Check(purposePasswordReset, id, token); err != nil {
		t.Fatalf("fresh token rejected: %v", err)
	}
}

func TestStateTokenInvalidatedByStateChange(t *testing.T) {
	now := time.Date(2026, 4, 2, 10, 0, 0, 0, time.UTC)
	signer := newStateTokenSigner([]byte("secret"), time.Hour, func() time.Time { return now })
	id := &Identity{ID: "u1", PasswordHash: "hash-a"}
	token := signer.Issue(purposePasswordReset, id)

	// Changing the password hash (what the reset does) kills the token.
	id.PasswordHash = "hash-b"
	if err := signer.Check(purposePasswordReset, id, token); !errors.Is(err, ErrTokenInvalid) {
		t.Fatalf("want ErrTokenInvalid after state change, got %v", err)
	}
}

func TestStateTokenPurposeSeparation(t *testing.T) {
	now := time.Date(2026, 4, 2, 10, 0, 0, 0, time.UTC)
	signer := newStateTokenSigner([]byte("secret"), time.Hour, func() time.Time { return now })
	id := &Identity{ID: "u1", PasswordHash: "hash-a"}

	token := signer.Issue(purposeEmailVerification, id)
	if err := signer.Check(purposePasswordReset, id, token); !errors.Is(err, ErrTokenInvalid) {
		t.Fatalf("verification token accepted for reset: %v", err)
	}
}

func TestStateTokenExpiry(t *testing.T) {
	now := time.Date(2026, 4, 2, 10, 0, 0, 0, time.UTC)
	signer := newStateTokenSigner([]byte("secret"), time.Hour, func() time.Time { return now })
	id := &Identity{ID: "u1", PasswordHash: "hash-a"}
	token := signer.Issue(purposePasswordReset, id)

	now = now.Add(time.Hour + time.Second)
	if err := signer.Check(purposePasswordReset, id, token); !errors.Is(err, ErrTokenExpired) {
		t.Fatalf("want ErrTokenExpired, got %v", err)
	}
}

func TestStateTokenMalformed(t *testing.T) {
	signer := newStateTokenSigner([]byte("secret"), time.Hour, nil)
	id := &Identity{ID: "u1"}
	for _, token := range []string{"", "nodash", "abc-", "!!-deadbeef"} {
		if err := signer.Check(purposePasswordReset, id, token); !errors.Is(err, ErrTokenInvalid) {
			t.Errorf("token %q: want ErrTokenInvalid, got %v", token, err)
		}
	}
}
