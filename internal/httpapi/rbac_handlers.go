package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

func (a *API) createOrganization(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Name         string `json:"name"`
		Slug         string `json:"slug"`
		ContactEmail string `json:"contact_email"`
	}
	if err := decodeJSON(r, &in); err != nil {
		respondAuthError(w, r, err)
		return
	}
	org, err := a.rbac.CreateOrganization(r.Context(), in.Name, in.Slug, in.ContactEmail)
	if err != nil {
		respondAuthError(w, r, err)
		return
	}
	respondData(w, r, http.StatusCreated, map[string]any{"organization": org})
}

func (a *API) listOrganizations(w http.ResponseWriter, r *http.Request) {
	orgs, err := a.rbac.ListOrganizations(r.Context())
	if err != nil {
		respondAuthError(w, r, err)
		return
	}
	respondData(w, r, http.StatusOK, map[string]any{"organizations": orgs})
}

func (a *API) getOrganization(w http.ResponseWriter, r *http.Request) {
	org, err := a.rbac.GetOrganization(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondAuthError(w, r, err)
		return
	}
	respondData(w, r, http.StatusOK, map[string]any{"organization": org})
}

func (a *API) deleteOrganization(w http.ResponseWriter, r *http.Request) {
	if err := a.rbac.DeleteOrganization(r.Context(), chi.URLParam(r, "id")); err != nil {
		respondAuthError(w, r, err)
		return
	}
	respondData(w, r, http.StatusOK, map[string]any{"deleted": true})
}

func (a *API) createRole(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Name        string   `json:"name"`
		Description string   `json:"description"`
		Permissions []string `json:"permissions"`
	}
	if err := decodeJSON(r, &in); err != nil {
		respondAuthError(w, r, err)
		return
	}
	role, err := a.rbac.CreateRole(r.Context(), in.Name, in.Description, in.Permissions)
	if err != nil {
		respondAuthError(w, r, err)
		return
	}
	respondData(w, r, http.StatusCreated, map[string]any{"role": role})
}

func (a *API) listRoles(w http.ResponseWriter, r *http.Request) {
	roles, err := a.rbac.ListRoles(r.Context())
	if err != nil {
		respondAuthError(w, r, err)
		return
	}
	respondData(w, r, http.StatusOK, map[string]any{"roles": roles})
}

func (a *API) setRolePermissions(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Permissions []string `json:"permissions"`
	}
	if err := decodeJSON(r, &in); err != nil {
		respondAuthError(w, r, err)
		return
	}
	if err := a.rbac.SetRolePermissions(r.Context(), chi.URLParam(r, "id"), in.Permissions); err != nil {
		respondAuthError(w, r, err)
		return
	}
	respondData(w, r, http.StatusOK, map[string]any{"updated": true})
}

func (a *API) assignRole(w http.ResponseWriter, r *http.Request) {
	var in struct {
		RoleID string `json:"role_id"`
	}
	if err := decodeJSON(r, &in); err != nil {
		respondAuthError(w, r, err)
		return
	}
	if err := a.rbac.AssignRole(r.Context(), chi.URLParam(r, "id"), in.RoleID); err != nil {
		respondAuthError(w, r, err)
		return
	}
	respondData(w, r, http.StatusCreated, map[string]any{"assigned": true})
}

func (a *API) removeRole(w http.ResponseWriter, r *http.Request) {
	if err := a.rbac.RemoveRole(r.Context(), chi.URLParam(r, "id"), chi.URLParam(r, "roleID")); err != nil {
		respondAuthError(w, r, err)
		return
	}
	respondData(w, r, http.StatusOK, map[string]any{"removed": true})
}

func (a *API) grantPermission(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Permission string `json:"permission"`
	}
	if err := decodeJSON(r, &in); err != nil {
		respondAuthError(w, r, err)
		return
	}
	if err := a.rbac.GrantPermission(r.Context(), chi.URLParam(r, "id"), in.Permission); err != nil {
		respondAuthError(w, r, err)
		return
	}
	respondData(w, r, http.StatusCreated, map[string]any{"granted": true})
}

func (a *API) listPermissions(w http.ResponseWriter, r *http.Request) {
	perms, err := a.rbac.ListPermissions(r.Context())
	if err != nil {
		respondAuthError(w, r, err)
		return
	}
	respondData(w, r, http.StatusOK, map[string]any{"permissions": perms})
}
