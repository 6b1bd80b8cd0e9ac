package httpapi

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
)

// OAuthExchanger swaps a provider authorization code for a verified email
// address. Provider integration lives outside this service; deployments plug
// an implementation in via Options.
type OAuthExchanger interface {
	Exchange(ctx context.Context, provider, code string) (email string, err error)
}

var oauthProviders = map[string]struct{}{
	"google":    {},
	"microsoft": {},
}

func (a *API) oauthLogin(w http.ResponseWriter, r *http.Request) {
	provider := chi.URLParam(r, "provider")
	if _, ok := oauthProviders[provider]; !ok {
		respondError(w, r, http.StatusNotFound, "not_found", "unknown oauth provider", nil)
		return
	}
	var in struct {
		Code string `json:"code"`
	}
	if err := decodeJSON(r, &in); err != nil {
		respondAuthError(w, r, err)
		return
	}
	if in.Code == "" {
		respondError(w, r, http.StatusBadRequest, "validation_error", "authorization code is required", nil)
		return
	}
	if a.opts.OAuth == nil {
		respondError(w, r, http.StatusNotImplemented, "not_implemented", "oauth login is not configured", nil)
		return
	}
	email, err := a.opts.OAuth.Exchange(r.Context(), provider, in.Code)
	if err != nil {
		respondAuthError(w, r, err)
		return
	}
	respondData(w, r, http.StatusOK, map[string]any{"email": email})
}
