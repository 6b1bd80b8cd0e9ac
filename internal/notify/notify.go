// Package notify abstracts outbound user notifications. Actual delivery is a
// deployment concern; the default dispatcher only records that a message
// would have been sent.
package notify

import (
	"context"

	"opendesk.org/internal/obs"
)

// Dispatcher sends account lifecycle messages. Implementations must be safe
// for concurrent use. Callers treat failures as non-fatal.
type Dispatcher interface {
	SendVerificationEmail(ctx context.Context, email, identityID, token string) error
	SendPasswordResetEmail(ctx context.Context, email, identityID, token string) error
}

// LogDispatcher writes each would-be message as a structured log line. It is
// the default in development and the fallback when no mailer is configured.
type LogDispatcher struct{}

// NewLogDispatcher returns a Dispatcher backed by the process logger.
func NewLogDispatcher() *LogDispatcher { return &LogDispatcher{} }

func (d *LogDispatcher) SendVerificationEmail(_ context.Context, email, identityID, token string) error {
	obs.Logger().Printf(`{"level":"info","msg":"dispatch verification email","email":%q,"identity_id":%q,"token":%q}`, email, identityID, token)
	return nil
}

func (d *LogDispatcher) SendPasswordResetEmail(_ context.Context, email, identityID, token string) error {
	obs.Logger().Printf(`{"level":"info","msg":"dispatch password reset email","email":%q,"identity_id":%q,"token":%q}`, email, identityID, token)
	return nil
}
