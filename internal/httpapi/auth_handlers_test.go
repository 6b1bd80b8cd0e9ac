package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"opendesk.org/internal/auth"
	"opendesk.org/internal/store/mem"
)

type testNotifier struct {
	verifyToken string
	resetToken  string
}

func (n *testNotifier) SendVerificationEmail(_ context.Context, _, _, token string) error {
	n.verifyToken = token
	return nil
}

func (n *testNotifier) SendPasswordResetEmail(_ context.Context, _, _, token string) error {
	n.resetToken = token
	return nil
}

type staticTOTP struct{ code string }

func (v staticTOTP) Verify(code, _ string) bool { return code == v.code }

type testEnv struct {
	router   http.Handler
	store    *mem.Store
	svc      *auth.Service
	notifier *testNotifier
}

func newTestEnv(t *testing.T, opts ...auth.ServiceOption) *testEnv {
	t.Helper()
	env := &testEnv{store: mem.New(), notifier: &testNotifier{}}
	base := []auth.ServiceOption{auth.WithNotifier(env.notifier)}
	env.svc = auth.NewService(env.store, auth.Config{
		JWTSecret:      "test-secret",
		JWTIssuer:      "opendesk-test",
		LoginRateLimit: 1000,
	}, append(base, opts...)...)

	api := New(env.svc, nil, Options{
		Version:           "test",
		RequestRate:       10000,
		RequestBurst:      10000,
		PrincipalCacheTTL: time.Minute,
	})
	rbac := auth.NewRBACService(env.store, auth.WithInvalidation(api.Authenticator().Invalidate))
	api.rbac = rbac
	env.router = api.Router()
	return env
}

type envelope struct {
	Status    string            `json:"status"`
	Code      string            `json:"code"`
	Message   string            `json:"message"`
	Errors    map[string]string `json:"errors"`
	RequestID string            `json:"request_id"`
	Data      map[string]any    `json:"data"`
}

func (e *testEnv) do(t *testing.T, method, path, bearer string, body any) (int, envelope) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.RemoteAddr = "203.0.113.9:50000"
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)

	var env envelope
	if rec.Body.Len() > 0 {
		if err := json.Unmarshal(rec.Body.Bytes(), &env); err != nil {
			t.Fatalf("decode response %q: %v", rec.Body.String(), err)
		}
	}
	return rec.Code, env
}

func (e *testEnv) register(t *testing.T, username string) {
	t.Helper()
	code, env := e.do(t, http.MethodPost, "/v1/auth/register", "", map[string]any{
		"username":         username,
		"email":            username + "@example.com",
		"password":         "Sup3rsecret",
		"password_confirm": "Sup3rsecret",
	})
	if code != http.StatusCreated {
		t.Fatalf("register %s: %d %+v", username, code, env)
	}
}

func (e *testEnv) login(t *testing.T, username string) (access, refresh string) {
	t.Helper()
	code, env := e.do(t, http.MethodPost, "/v1/auth/login", "", map[string]any{
		"identifier": username,
		"password":   "Sup3rsecret",
	})
	if code != http.StatusOK {
		t.Fatalf("login %s: %d %+v", username, code, env)
	}
	access, _ = env.Data["access"].(string)
	refresh, _ = env.Data["refresh"].(string)
	return access, refresh
}

func TestRegisterEndpoint(t *testing.T) {
	env := newTestEnv(t)

	code, resp := env.do(t, http.MethodPost, "/v1/auth/register", "", map[string]any{
		"username":         "alice",
		"email":            "alice@example.com",
		"password":         "Sup3rsecret",
		"password_confirm": "Sup3rsecret",
	})
	if code != http.StatusCreated || resp.Status != "success" {
		t.Fatalf("register: %d %+v", code, resp)
	}
	user, _ := resp.Data["user"].(map[string]any)
	if user["username"] != "alice" {
		t.Fatalf("user view: %v", resp.Data)
	}
	if _, leaked := user["password_hash"]; leaked {
		t.Fatal("password hash leaked")
	}

	// A duplicate username is a field validation failure.
	code, resp = env.do(t, http.MethodPost, "/v1/auth/register", "", map[string]any{
		"username":         "alice",
		"email":            "alice2@example.com",
		"password":         "Sup3rsecret",
		"password_confirm": "Sup3rsecret",
	})
	if code != http.StatusBadRequest || resp.Code != "validation_error" {
		t.Fatalf("duplicate: %d %+v", code, resp)
	}
	if _, ok := resp.Errors["username"]; !ok {
		t.Fatalf("missing username field error: %v", resp.Errors)
	}
}

func TestRegisterValidationEnvelope(t *testing.T) {
	env := newTestEnv(t)

	code, resp := env.do(t, http.MethodPost, "/v1/auth/register", "", map[string]any{
		"username": "bob",
		"email":    "nope",
		"password": "weak",
	})
	if code != http.StatusBadRequest || resp.Code != "validation_error" {
		t.Fatalf("validation: %d %+v", code, resp)
	}
	if _, ok := resp.Errors["email"]; !ok {
		t.Fatalf("missing email field error: %v", resp.Errors)
	}
	if resp.RequestID == "" {
		t.Fatal("error envelope missing request id")
	}
}

func TestLoginLogoutRefreshFlow(t *testing.T) {
	env := newTestEnv(t)
	env.register(t, "alice")
	access, refresh := env.login(t, "alice")

	// Status with the access token.
	code, resp := env.do(t, http.MethodGet, "/v1/auth/status", access, nil)
	if code != http.StatusOK {
		t.Fatalf("status: %d %+v", code, resp)
	}
	if auth, _ := resp.Data["isAuthenticated"].(bool); !auth {
		t.Fatalf("not authenticated: %+v", resp.Data)
	}

	// Refresh rotates.
	code, resp = env.do(t, http.MethodPost, "/v1/auth/token/refresh", "", map[string]any{"refresh": refresh})
	if code != http.StatusOK {
		t.Fatalf("refresh: %d %+v", code, resp)
	}
	rotated, _ := resp.Data["refresh"].(string)
	if rotated == "" || rotated == refresh {
		t.Fatal("refresh token not rotated")
	}

	// Logout revokes; using the revoked token afterwards is a 401.
	code, resp = env.do(t, http.MethodPost, "/v1/auth/logout", access, map[string]any{"refresh": rotated})
	if code != http.StatusOK {
		t.Fatalf("logout: %d %+v", code, resp)
	}
	code, resp = env.do(t, http.MethodPost, "/v1/auth/token/refresh", "", map[string]any{"refresh": rotated})
	if code != http.StatusUnauthorized || resp.Code != "token_revoked" {
		t.Fatalf("revoked refresh: %d %+v", code, resp)
	}

	// Logout without a refresh token is a client error.
	code, resp = env.do(t, http.MethodPost, "/v1/auth/logout", access, map[string]any{})
	if code != http.StatusBadRequest {
		t.Fatalf("logout without token: %d %+v", code, resp)
	}
}

func TestLockoutOverHTTP(t *testing.T) {
	env := newTestEnv(t)
	env.register(t, "alice")

	for i := 0; i < 5; i++ {
		code, resp := env.do(t, http.MethodPost, "/v1/auth/login", "", map[string]any{
			"identifier": "alice",
			"password":   "wrong-pass",
		})
		if code != http.StatusUnauthorized || resp.Code != "invalid_credentials" {
			t.Fatalf("attempt %d: %d %+v", i+1, code, resp)
		}
	}

	code, resp := env.do(t, http.MethodPost, "/v1/auth/login", "", map[string]any{
		"identifier": "alice",
		"password":   "Sup3rsecret",
	})
	if code != http.StatusForbidden || resp.Code != "account_locked" {
		t.Fatalf("locked: %d %+v", code, resp)
	}
	// locked_until rides at the envelope top level.
	if _, err := time.Parse(time.RFC3339, lockedUntil(t, env, "alice")); err != nil {
		t.Fatalf("locked_until not RFC3339: %v", err)
	}
}

func lockedUntil(t *testing.T, env *testEnv, username string) string {
	t.Helper()
	code, _ := env.do(t, http.MethodPost, "/v1/auth/login", "", map[string]any{
		"identifier": username, "password": "Sup3rsecret",
	})
	if code != http.StatusForbidden {
		t.Fatalf("expected locked response, got %d", code)
	}
	// Re-issue raw to read the non-envelope field.
	reqBody, _ := json.Marshal(map[string]any{"identifier": username, "password": "Sup3rsecret"})
	req := httptest.NewRequest(http.MethodPost, "/v1/auth/login", bytes.NewReader(reqBody))
	req.RemoteAddr = "203.0.113.9:50000"
	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)
	var raw map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &raw); err != nil {
		t.Fatalf("decode: %v", err)
	}
	s, _ := raw["locked_until"].(string)
	if s == "" {
		t.Fatalf("missing locked_until: %v", raw)
	}
	return s
}

func TestTwoFactorOverHTTP(t *testing.T) {
	env := newTestEnv(t, auth.WithTOTPVerifier(staticTOTP{code: "135791"}))
	env.register(t, "alice")
	access, _ := env.login(t, "alice")

	// Enable + confirm the second factor.
	code, resp := env.do(t, http.MethodPost, "/v1/auth/2fa/enable", access, map[string]any{})
	if code != http.StatusOK {
		t.Fatalf("2fa enable: %d %+v", code, resp)
	}
	if secret, _ := resp.Data["secret"].(string); secret == "" {
		t.Fatalf("no secret provisioned: %+v", resp.Data)
	}
	code, resp = env.do(t, http.MethodPost, "/v1/auth/2fa/confirm", access, map[string]any{"code": "135791"})
	if code != http.StatusOK {
		t.Fatalf("2fa confirm: %d %+v", code, resp)
	}

	// Login now returns a challenge instead of tokens.
	code, resp = env.do(t, http.MethodPost, "/v1/auth/login", "", map[string]any{
		"identifier": "alice",
		"password":   "Sup3rsecret",
	})
	if code != http.StatusOK {
		t.Fatalf("challenged login: %d %+v", code, resp)
	}
	requires, _ := resp.Data["requires_2fa"].(bool)
	tempToken, _ := resp.Data["temp_token"].(string)
	userID, _ := resp.Data["user_id"].(string)
	if !requires || tempToken == "" || userID == "" {
		t.Fatalf("challenge payload: %+v", resp.Data)
	}
	if _, hasAccess := resp.Data["access"]; hasAccess {
		t.Fatal("challenge leaked tokens")
	}

	// Wrong code rejected.
	code, resp = env.do(t, http.MethodPost, "/v1/auth/2fa/verify", "", map[string]any{
		"user_id": userID, "code": "000000", "temp_token": tempToken,
	})
	if code != http.StatusUnauthorized || resp.Code != "invalid_2fa_code" {
		t.Fatalf("bad code: %d %+v", code, resp)
	}

	// Correct code completes the login.
	code, resp = env.do(t, http.MethodPost, "/v1/auth/2fa/verify", "", map[string]any{
		"user_id": userID, "code": "135791", "temp_token": tempToken,
	})
	if code != http.StatusOK {
		t.Fatalf("2fa verify: %d %+v", code, resp)
	}
	if tok, _ := resp.Data["access"].(string); tok == "" {
		t.Fatalf("no tokens after 2fa: %+v", resp.Data)
	}
}

func TestPasswordResetOverHTTP(t *testing.T) {
	env := newTestEnv(t)
	env.register(t, "alice")

	// Same response for known and unknown addresses.
	code1, resp1 := env.do(t, http.MethodPost, "/v1/auth/password/reset", "", map[string]any{"email": "alice@example.com"})
	code2, resp2 := env.do(t, http.MethodPost, "/v1/auth/password/reset", "", map[string]any{"email": "ghost@example.com"})
	if code1 != http.StatusOK || code2 != http.StatusOK || resp1.Data["message"] != resp2.Data["message"] {
		t.Fatalf("reset responses differ: %d/%d %+v %+v", code1, code2, resp1, resp2)
	}
	if env.notifier.resetToken == "" {
		t.Fatal("no token dispatched")
	}

	// Resolve the user id for the confirm call.
	id, err := env.store.Identities(context.Background()).FindByEmail(context.Background(), "alice@example.com")
	if err != nil {
		t.Fatalf("FindByEmail: %v", err)
	}
	code, resp := env.do(t, http.MethodPost, "/v1/auth/password/reset/confirm", "", map[string]any{
		"user_id":          id.ID,
		"token":            env.notifier.resetToken,
		"password":         "N3wsecret",
		"password_confirm": "N3wsecret",
	})
	if code != http.StatusOK {
		t.Fatalf("reset confirm: %d %+v", code, resp)
	}

	code, resp = env.do(t, http.MethodPost, "/v1/auth/login", "", map[string]any{
		"identifier": "alice", "password": "N3wsecret",
	})
	if code != http.StatusOK {
		t.Fatalf("login after reset: %d %+v", code, resp)
	}
}

func TestEmailVerifyOverHTTP(t *testing.T) {
	env := newTestEnv(t)
	env.register(t, "alice")

	id, err := env.store.Identities(context.Background()).FindByEmail(context.Background(), "alice@example.com")
	if err != nil {
		t.Fatalf("FindByEmail: %v", err)
	}
	path := fmt.Sprintf("/v1/auth/email/verify/%s?user_id=%s", env.notifier.verifyToken, id.ID)
	code, resp := env.do(t, http.MethodGet, path, "", nil)
	if code != http.StatusOK {
		t.Fatalf("email verify: %d %+v", code, resp)
	}
	// Replay fails once the flag flipped.
	code, resp = env.do(t, http.MethodGet, path, "", nil)
	if code != http.StatusUnauthorized || resp.Code != "token_invalid" {
		t.Fatalf("replay: %d %+v", code, resp)
	}
}

func TestVerifyTokenEndpoint(t *testing.T) {
	env := newTestEnv(t)
	env.register(t, "alice")
	access, _ := env.login(t, "alice")

	code, resp := env.do(t, http.MethodPost, "/v1/auth/token/verify", "", map[string]any{"token": access})
	if code != http.StatusOK {
		t.Fatalf("verify: %d %+v", code, resp)
	}
	if resp.Data["token_type"] != "access" {
		t.Fatalf("token type: %+v", resp.Data)
	}
	code, resp = env.do(t, http.MethodPost, "/v1/auth/token/verify", "", map[string]any{"token": "junk"})
	if code != http.StatusUnauthorized {
		t.Fatalf("junk token: %d %+v", code, resp)
	}
}

func TestOAuthStub(t *testing.T) {
	env := newTestEnv(t)

	code, resp := env.do(t, http.MethodPost, "/v1/auth/oauth/github", "", map[string]any{"code": "x"})
	if code != http.StatusNotFound {
		t.Fatalf("unknown provider: %d %+v", code, resp)
	}
	code, resp = env.do(t, http.MethodPost, "/v1/auth/oauth/google", "", map[string]any{})
	if code != http.StatusBadRequest {
		t.Fatalf("missing code: %d %+v", code, resp)
	}
	code, resp = env.do(t, http.MethodPost, "/v1/auth/oauth/google", "", map[string]any{"code": "x"})
	if code != http.StatusNotImplemented {
		t.Fatalf("unconfigured exchange: %d %+v", code, resp)
	}
}

func TestRBACEndpoints(t *testing.T) {
	env := newTestEnv(t)
	env.register(t, "alice")
	access, _ := env.login(t, "alice")

	// Plain users cannot touch the admin surface.
	code, resp := env.do(t, http.MethodPost, "/v1/organizations/", access, map[string]any{"name": "Acme"})
	if code != http.StatusForbidden {
		t.Fatalf("unprivileged create org: %d %+v", code, resp)
	}

	// Seed a superuser straight into the store.
	ctx := context.Background()
	hash, err := auth.HashPassword("Sup3rsecret")
	if err != nil {
		t.Fatal(err)
	}
	root := &auth.Identity{
		ID: "root-id", Username: "root", Email: "root@example.com",
		PasswordHash: hash, Superuser: true, Active: true,
	}
	if err := env.store.Identities(ctx).Create(ctx, root, &auth.Profile{IdentityID: root.ID}); err != nil {
		t.Fatal(err)
	}
	rootAccess, _ := env.login(t, "root")

	code, resp = env.do(t, http.MethodPost, "/v1/organizations/", rootAccess, map[string]any{
		"name": "Acme Corp",
	})
	if code != http.StatusCreated {
		t.Fatalf("create org: %d %+v", code, resp)
	}

	code, resp = env.do(t, http.MethodPost, "/v1/roles/", rootAccess, map[string]any{
		"name":        "user-admin",
		"permissions": []string{auth.PermManageUsers},
	})
	if code != http.StatusCreated {
		t.Fatalf("create role: %d %+v", code, resp)
	}
	role, _ := resp.Data["role"].(map[string]any)
	roleID, _ := role["id"].(string)

	// Grant alice the admin role; the principal cache invalidation makes it
	// effective immediately.
	aliceID, err := env.store.Identities(ctx).FindByEmail(ctx, "alice@example.com")
	if err != nil {
		t.Fatal(err)
	}
	code, resp = env.do(t, http.MethodPost, "/v1/users/"+aliceID.ID+"/assignments", rootAccess, map[string]any{
		"role_id": roleID,
	})
	if code != http.StatusCreated {
		t.Fatalf("assign role: %d %+v", code, resp)
	}

	code, resp = env.do(t, http.MethodPost, "/v1/users/"+root.ID+"/assignments", access, map[string]any{
		"role_id": roleID,
	})
	if code != http.StatusCreated {
		t.Fatalf("alice with manage_users still denied: %d %+v", code, resp)
	}

	// Removing the role locks her out again once the cache drops her.
	code, resp = env.do(t, http.MethodDelete, "/v1/users/"+aliceID.ID+"/assignments/"+roleID, rootAccess, nil)
	if code != http.StatusOK {
		t.Fatalf("remove role: %d %+v", code, resp)
	}
	code, resp = env.do(t, http.MethodPost, "/v1/users/"+root.ID+"/assignments", access, map[string]any{
		"role_id": roleID,
	})
	if code != http.StatusForbidden {
		t.Fatalf("revoked role still effective: %d %+v", code, resp)
	}
}

func TestHealthEndpoints(t *testing.T) {
	env := newTestEnv(t)

	code, _ := env.do(t, http.MethodGet, "/healthz", "", nil)
	if code != http.StatusOK {
		t.Fatalf("healthz: %d", code)
	}
	code, _ = env.do(t, http.MethodGet, "/readyz", "", nil)
	if code != http.StatusOK {
		t.Fatalf("readyz: %d", code)
	}
	code, _ = env.do(t, http.MethodGet, "/v1/info", "", nil)
	if code != http.StatusOK {
		t.Fatalf("info: %d", code)
	}
}

func TestProfileOverHTTP(t *testing.T) {
	env := newTestEnv(t)
	env.register(t, "alice")
	access, _ := env.login(t, "alice")

	code, resp := env.do(t, http.MethodGet, "/v1/auth/profile", access, nil)
	if code != http.StatusOK {
		t.Fatalf("get profile: %d %+v", code, resp)
	}
	profile, _ := resp.Data["profile"].(map[string]any)
	if profile["timezone"] != "UTC" {
		t.Fatalf("profile view: %v", resp.Data)
	}

	code, resp = env.do(t, http.MethodPut, "/v1/auth/profile", access, map[string]any{
		"timezone":          "Europe/Berlin",
		"security_question": "First pet?",
		"security_answer":   "Rex",
	})
	if code != http.StatusOK {
		t.Fatalf("update profile: %d %+v", code, resp)
	}
	profile, _ = resp.Data["profile"].(map[string]any)
	if profile["timezone"] != "Europe/Berlin" || profile["security_question"] != "First pet?" {
		t.Fatalf("update not applied: %v", resp.Data)
	}
	for _, secret := range []string{"security_answer_hash", "totp_secret"} {
		if _, leaked := profile[secret]; leaked {
			t.Fatalf("%s leaked in profile view", secret)
		}
	}

	// Replacing the answer without the current one fails.
	code, resp = env.do(t, http.MethodPut, "/v1/auth/profile", access, map[string]any{
		"security_question": "Favorite color?",
		"security_answer":   "blue",
	})
	if code != http.StatusUnauthorized || resp.Code != "invalid_credentials" {
		t.Fatalf("replace without current answer: %d %+v", code, resp)
	}

	// Unauthenticated access is rejected.
	if code, _ := env.do(t, http.MethodGet, "/v1/auth/profile", "", nil); code != http.StatusUnauthorized {
		t.Fatalf("anonymous profile read: %d", code)
	}
}

func TestBodyDecoding(t *testing.T) {
	env := newTestEnv(t)
	env.register(t, "alice")

	// Unknown fields are tolerated.
	code, resp := env.do(t, http.MethodPost, "/v1/auth/login", "", map[string]any{
		"identifier": "alice",
		"password":   "Sup3rsecret",
		"remember":   true,
	})
	if code != http.StatusOK {
		t.Fatalf("login with extra field: %d %+v", code, resp)
	}

	// Malformed JSON is a validation failure.
	req := httptest.NewRequest(http.MethodPost, "/v1/auth/login", strings.NewReader("{not json"))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("malformed body: %d %s", rec.Code, rec.Body.String())
	}
}
