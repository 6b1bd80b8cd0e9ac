package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"opendesk.org/internal/auth"
)

func (a *API) register(w http.ResponseWriter, r *http.Request) {
	var in auth.RegisterInput
	if err := decodeJSON(r, &in); err != nil {
		respondAuthError(w, r, err)
		return
	}
	id, err := a.svc.Register(r.Context(), in)
	if err != nil {
		respondAuthError(w, r, err)
		return
	}
	respondData(w, r, http.StatusCreated, map[string]any{"user": id.Public()})
}

func (a *API) login(w http.ResponseWriter, r *http.Request) {
	var in auth.LoginInput
	if err := decodeJSON(r, &in); err != nil {
		respondAuthError(w, r, err)
		return
	}
	in.ClientIP = clientIP(r)
	res, err := a.svc.Login(r.Context(), in)
	if err != nil {
		respondAuthError(w, r, err)
		return
	}
	if res.TwoFactorRequired {
		respondData(w, r, http.StatusOK, map[string]any{
			"requires_2fa": true,
			"temp_token":   res.TempToken,
			"user_id":      res.IdentityID,
		})
		return
	}
	respondData(w, r, http.StatusOK, map[string]any{
		"access":  res.Tokens.Access,
		"refresh": res.Tokens.Refresh,
		"user":    res.User,
	})
}

func (a *API) verifyTwoFactor(w http.ResponseWriter, r *http.Request) {
	var in struct {
		UserID    string `json:"user_id"`
		Code      string `json:"code"`
		TempToken string `json:"temp_token"`
	}
	if err := decodeJSON(r, &in); err != nil {
		respondAuthError(w, r, err)
		return
	}
	res, err := a.svc.VerifyTwoFactor(r.Context(), in.UserID, in.Code, in.TempToken)
	if err != nil {
		respondAuthError(w, r, err)
		return
	}
	respondData(w, r, http.StatusOK, map[string]any{
		"access":  res.Tokens.Access,
		"refresh": res.Tokens.Refresh,
		"user":    res.User,
	})
}

func (a *API) logout(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Refresh string `json:"refresh"`
	}
	if err := decodeJSON(r, &in); err != nil {
		respondAuthError(w, r, err)
		return
	}
	if err := a.svc.Logout(r.Context(), in.Refresh); err != nil {
		respondAuthError(w, r, err)
		return
	}
	respondData(w, r, http.StatusOK, map[string]any{"logged_out": true})
}

func (a *API) refreshTokens(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Refresh string `json:"refresh"`
	}
	if err := decodeJSON(r, &in); err != nil {
		respondAuthError(w, r, err)
		return
	}
	pair, err := a.svc.RefreshTokens(r.Context(), in.Refresh)
	if err != nil {
		respondAuthError(w, r, err)
		return
	}
	respondData(w, r, http.StatusOK, map[string]any{
		"access":  pair.Access,
		"refresh": pair.Refresh,
	})
}

func (a *API) verifyToken(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Token string `json:"token"`
	}
	if err := decodeJSON(r, &in); err != nil {
		respondAuthError(w, r, err)
		return
	}
	typ, err := a.svc.VerifyToken(r.Context(), in.Token)
	if err != nil {
		respondAuthError(w, r, err)
		return
	}
	respondData(w, r, http.StatusOK, map[string]any{"valid": true, "token_type": typ})
}

func (a *API) requestPasswordReset(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Email string `json:"email"`
	}
	if err := decodeJSON(r, &in); err != nil {
		respondAuthError(w, r, err)
		return
	}
	if err := a.svc.RequestPasswordReset(r.Context(), in.Email); err != nil {
		respondAuthError(w, r, err)
		return
	}
	// Identical response whether or not the email exists.
	respondData(w, r, http.StatusOK, map[string]any{
		"message": "if the address is registered, a reset link has been sent",
	})
}

func (a *API) confirmPasswordReset(w http.ResponseWriter, r *http.Request) {
	var in struct {
		UserID          string `json:"user_id"`
		Token           string `json:"token"`
		Password        string `json:"password"`
		PasswordConfirm string `json:"password_confirm"`
	}
	if err := decodeJSON(r, &in); err != nil {
		respondAuthError(w, r, err)
		return
	}
	if err := a.svc.ConfirmPasswordReset(r.Context(), in.UserID, in.Token, in.Password, in.PasswordConfirm); err != nil {
		respondAuthError(w, r, err)
		return
	}
	respondData(w, r, http.StatusOK, map[string]any{"message": "password updated"})
}

func (a *API) verifyEmail(w http.ResponseWriter, r *http.Request) {
	token := chi.URLParam(r, "token")
	userID := r.URL.Query().Get("user_id")
	if err := a.svc.VerifyEmail(r.Context(), userID, token); err != nil {
		respondAuthError(w, r, err)
		return
	}
	respondData(w, r, http.StatusOK, map[string]any{"email_verified": true})
}

func (a *API) status(w http.ResponseWriter, r *http.Request) {
	principal, ok := auth.PrincipalFromContext(r.Context())
	if !ok {
		respondError(w, r, http.StatusUnauthorized, "token_invalid", "not authenticated", nil)
		return
	}
	respondData(w, r, http.StatusOK, map[string]any{
		"isAuthenticated": true,
		"user": map[string]any{
			"id":       principal.IdentityID,
			"username": principal.Username,
			"email":    principal.Email,
			"roles":    principal.Roles,
		},
	})
}

func (a *API) enableTwoFactor(w http.ResponseWriter, r *http.Request) {
	principal, _ := auth.PrincipalFromContext(r.Context())
	secret, url, err := a.svc.EnableTwoFactor(r.Context(), principal.IdentityID)
	if err != nil {
		respondAuthError(w, r, err)
		return
	}
	respondData(w, r, http.StatusOK, map[string]any{
		"secret":           secret,
		"provisioning_url": url,
	})
}

func (a *API) confirmTwoFactor(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Code string `json:"code"`
	}
	if err := decodeJSON(r, &in); err != nil {
		respondAuthError(w, r, err)
		return
	}
	principal, _ := auth.PrincipalFromContext(r.Context())
	if err := a.svc.ConfirmTwoFactor(r.Context(), principal.IdentityID, in.Code); err != nil {
		respondAuthError(w, r, err)
		return
	}
	respondData(w, r, http.StatusOK, map[string]any{"two_factor_enabled": true})
}

func (a *API) disableTwoFactor(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Code string `json:"code"`
	}
	if err := decodeJSON(r, &in); err != nil {
		respondAuthError(w, r, err)
		return
	}
	principal, _ := auth.PrincipalFromContext(r.Context())
	if err := a.svc.DisableTwoFactor(r.Context(), principal.IdentityID, in.Code); err != nil {
		respondAuthError(w, r, err)
		return
	}
	respondData(w, r, http.StatusOK, map[string]any{"two_factor_enabled": false})
}

func (a *API) profile(w http.ResponseWriter, r *http.Request) {
	principal, _ := auth.PrincipalFromContext(r.Context())
	profile, err := a.svc.Profile(r.Context(), principal.IdentityID)
	if err != nil {
		respondAuthError(w, r, err)
		return
	}
	respondData(w, r, http.StatusOK, map[string]any{"profile": profile})
}

func (a *API) updateProfile(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Bio                   *string `json:"bio"`
		Timezone              *string `json:"timezone"`
		Language              *string `json:"language"`
		SecurityQuestion      string  `json:"security_question"`
		SecurityAnswer        string  `json:"security_answer"`
		CurrentSecurityAnswer string  `json:"current_security_answer"`
	}
	if err := decodeJSON(r, &in); err != nil {
		respondAuthError(w, r, err)
		return
	}
	principal, _ := auth.PrincipalFromContext(r.Context())
	profile, err := a.svc.UpdateProfile(r.Context(), principal.IdentityID, auth.UpdateProfileInput{
		Bio:                   in.Bio,
		Timezone:              in.Timezone,
		Language:              in.Language,
		SecurityQuestion:      in.SecurityQuestion,
		SecurityAnswer:        in.SecurityAnswer,
		CurrentSecurityAnswer: in.CurrentSecurityAnswer,
	})
	if err != nil {
		respondAuthError(w, r, err)
		return
	}
	respondData(w, r, http.StatusOK, map[string]any{"profile": profile})
}
