// Package scim serves a SCIM v2 provisioning surface over the user
// directory. Identity providers push Users and Groups here; group names
// listed in the role map additionally grant role bindings.
package scim

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/marcus-qen/praetor/internal/controlplane/tenancy"
	"github.com/marcus-qen/praetor/internal/controlplane/users"
)

// SCIM schema URNs.
const (
	schemaUser         = "urn:ietf:params:scim:schemas:core:2.0:User"
	schemaGroup        = "urn:ietf:params:scim:schemas:core:2.0:Group"
	schemaListResponse = "urn:ietf:params:scim:api:messages:2.0:ListResponse"
	schemaPatchOp      = "urn:ietf:params:scim:api:messages:2.0:PatchOp"
	schemaError        = "urn:ietf:params:scim:api:messages:2.0:Error"
)

// Handler implements the /scim/v2 surface for one tenant.
type Handler struct {
	Users       *users.Store
	Tenancy     *tenancy.Store
	TenantID    string
	BearerToken string
	// RoleMap grants a role binding when a group with the key's name is
	// provisioned, e.g. {"sre-oncall": "operator"}.
	RoleMap map[string]string
	Logger  *zap.Logger
}

func (h *Handler) logger() *zap.Logger {
	if h.Logger == nil {
		return zap.NewNop()
	}
	return h.Logger.Named("scim")
}

// Register mounts the SCIM routes on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /scim/v2/Users", h.auth(h.listUsers))
	mux.HandleFunc("POST /scim/v2/Users", h.auth(h.createUser))
	mux.HandleFunc("GET /scim/v2/Users/{id}", h.auth(h.getUser))
	mux.HandleFunc("PUT /scim/v2/Users/{id}", h.auth(h.replaceUser))
	mux.HandleFunc("PATCH /scim/v2/Users/{id}", h.auth(h.patchUser))
	mux.HandleFunc("DELETE /scim/v2/Users/{id}", h.auth(h.deleteUser))

	mux.HandleFunc("GET /scim/v2/Groups", h.auth(h.listGroups))
	mux.HandleFunc("POST /scim/v2/Groups", h.auth(h.createGroup))
	mux.HandleFunc("GET /scim/v2/Groups/{id}", h.auth(h.getGroup))
	mux.HandleFunc("PUT /scim/v2/Groups/{id}", h.auth(h.replaceGroup))
	mux.HandleFunc("PATCH /scim/v2/Groups/{id}", h.auth(h.patchGroup))
	mux.HandleFunc("DELETE /scim/v2/Groups/{id}", h.auth(h.deleteGroup))
}

func (h *Handler) auth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || h.BearerToken == "" || token != h.BearerToken {
			writeError(w, http.StatusUnauthorized, "invalid bearer token")
			return
		}
		next(w, r)
	}
}

// --- wire types ---

type userResource struct {
	Schemas     []string      `json:"schemas"`
	ID          string        `json:"id,omitempty"`
	ExternalID  string        `json:"externalId,omitempty"`
	UserName    string        `json:"userName"`
	DisplayName string        `json:"displayName,omitempty"`
	Active      bool          `json:"active"`
	Emails      []scimEmail   `json:"emails,omitempty"`
	Groups      []scimMember  `json:"groups,omitempty"`
	Name        *scimFullName `json:"name,omitempty"`
}

type scimEmail struct {
	Value   string `json:"value"`
	Primary bool   `json:"primary,omitempty"`
}

type scimFullName struct {
	Formatted string `json:"formatted,omitempty"`
}

type groupResource struct {
	Schemas     []string     `json:"schemas"`
	ID          string       `json:"id,omitempty"`
	ExternalID  string       `json:"externalId,omitempty"`
	DisplayName string       `json:"displayName"`
	Members     []scimMember `json:"members,omitempty"`
}

type scimMember struct {
	Value   string `json:"value"`
	Display string `json:"display,omitempty"`
}

type listResponse struct {
	Schemas      []string `json:"schemas"`
	TotalResults int      `json:"totalResults"`
	StartIndex   int      `json:"startIndex"`
	ItemsPerPage int      `json:"itemsPerPage"`
	Resources    []any    `json:"Resources"`
}

type patchRequest struct {
	Schemas    []string  `json:"schemas"`
	Operations []patchOp `json:"Operations"`
}

type patchOp struct {
	Op    string `json:"op"`
	Path  string `json:"path,omitempty"`
	Value any    `json:"value,omitempty"`
}

func userToResource(u *users.User, groups []string) *userResource {
	res := &userResource{
		Schemas:     []string{schemaUser},
		ID:          u.ID,
		ExternalID:  u.ExternalID,
		UserName:    u.Email,
		DisplayName: u.DisplayName,
		Active:      !u.Disabled,
		Emails:      []scimEmail{{Value: u.Email, Primary: true}},
	}
	for _, g := range groups {
		res.Groups = append(res.Groups, scimMember{Display: g})
	}
	return res
}

func (h *Handler) groupToResource(g *users.Group) (*groupResource, error) {
	members, err := h.Users.GroupMembers(g.ID)
	if err != nil {
		return nil, err
	}
	res := &groupResource{
		Schemas:     []string{schemaGroup},
		ID:          g.ID,
		ExternalID:  g.ExternalID,
		DisplayName: g.Name,
	}
	for _, id := range members {
		res.Members = append(res.Members, scimMember{Value: id})
	}
	return res, nil
}

// --- Users ---

func (h *Handler) listUsers(w http.ResponseWriter, r *http.Request) {
	list, err := h.Users.List(h.TenantID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	attr, value, err := parseFilter(r.URL.Query().Get("filter"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	resources := make([]any, 0, len(list))
	for _, u := range list {
		switch attr {
		case "":
		case "userName":
			if !strings.EqualFold(u.Email, value) {
				continue
			}
		case "externalId":
			if u.ExternalID != value {
				continue
			}
		default:
			writeError(w, http.StatusBadRequest, fmt.Sprintf("unsupported filter attribute %q", attr))
			return
		}
		groups, err := h.Users.GroupsForUser(u.ID)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		resources = append(resources, userToResource(u, groups))
	}
	writeList(w, resources)
}

func (h *Handler) createUser(w http.ResponseWriter, r *http.Request) {
	var res userResource
	if err := json.NewDecoder(r.Body).Decode(&res); err != nil {
		writeError(w, http.StatusBadRequest, "malformed resource")
		return
	}
	if res.UserName == "" {
		writeError(w, http.StatusBadRequest, "userName required")
		return
	}
	u, err := h.Users.Create(h.TenantID, res.UserName, res.DisplayName, "", users.SourceSCIM)
	if errors.Is(err, users.ErrConflict) {
		writeError(w, http.StatusConflict, "userName already exists")
		return
	}
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if res.ExternalID != "" {
		if err := h.Users.Update(u.ID, u.Email, u.DisplayName, res.ExternalID); err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		u.ExternalID = res.ExternalID
	}
	h.logger().Info("user provisioned", zap.String("user_id", u.ID), zap.String("email", u.Email))
	writeResource(w, http.StatusCreated, userToResource(u, nil))
}

func (h *Handler) getUser(w http.ResponseWriter, r *http.Request) {
	u, ok := h.lookupUser(w, r.PathValue("id"))
	if !ok {
		return
	}
	groups, err := h.Users.GroupsForUser(u.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeResource(w, http.StatusOK, userToResource(u, groups))
}

func (h *Handler) replaceUser(w http.ResponseWriter, r *http.Request) {
	u, ok := h.lookupUser(w, r.PathValue("id"))
	if !ok {
		return
	}
	var res userResource
	if err := json.NewDecoder(r.Body).Decode(&res); err != nil {
		writeError(w, http.StatusBadRequest, "malformed resource")
		return
	}
	email := res.UserName
	if email == "" {
		email = u.Email
	}
	if err := h.Users.Update(u.ID, email, res.DisplayName, res.ExternalID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := h.Users.SetDisabled(u.ID, !res.Active); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	updated, err := h.Users.Get(u.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeResource(w, http.StatusOK, userToResource(updated, nil))
}

func (h *Handler) patchUser(w http.ResponseWriter, r *http.Request) {
	u, ok := h.lookupUser(w, r.PathValue("id"))
	if !ok {
		return
	}
	var req patchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed patch")
		return
	}
	for _, op := range req.Operations {
		if !strings.EqualFold(op.Op, "replace") {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("unsupported op %q for Users", op.Op))
			return
		}
		if err := h.applyUserReplace(u, op); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}
	updated, err := h.Users.Get(u.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeResource(w, http.StatusOK, userToResource(updated, nil))
}

func (h *Handler) applyUserReplace(u *users.User, op patchOp) error {
	// Azure AD sends path-less replaces with a value object; Okta sends
	// one path per operation. Accept both.
	values := map[string]any{}
	switch strings.ToLower(op.Path) {
	case "":
		obj, ok := op.Value.(map[string]any)
		if !ok {
			return fmt.Errorf("replace without path needs an object value")
		}
		values = obj
	case "active":
		values["active"] = op.Value
	case "displayname":
		values["displayName"] = op.Value
	case "username":
		values["userName"] = op.Value
	default:
		return fmt.Errorf("unsupported path %q", op.Path)
	}

	for key, raw := range values {
		switch strings.ToLower(key) {
		case "active":
			active, ok := raw.(bool)
			if !ok {
				return fmt.Errorf("active must be boolean")
			}
			if err := h.Users.SetDisabled(u.ID, !active); err != nil {
				return err
			}
		case "displayname":
			name, _ := raw.(string)
			if err := h.Users.Update(u.ID, u.Email, name, u.ExternalID); err != nil {
				return err
			}
		case "username":
			email, _ := raw.(string)
			if err := h.Users.Update(u.ID, email, u.DisplayName, u.ExternalID); err != nil {
				return err
			}
			u.Email = email
		}
	}
	return nil
}

// deleteUser soft-disables: audit rows keep resolving the account.
func (h *Handler) deleteUser(w http.ResponseWriter, r *http.Request) {
	u, ok := h.lookupUser(w, r.PathValue("id"))
	if !ok {
		return
	}
	if err := h.Users.SetDisabled(u.ID, true); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	h.logger().Info("user deprovisioned", zap.String("user_id", u.ID))
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) lookupUser(w http.ResponseWriter, id string) (*users.User, bool) {
	u, err := h.Users.Get(id)
	if errors.Is(err, users.ErrNotFound) || (err == nil && u.TenantID != h.TenantID) {
		writeError(w, http.StatusNotFound, "user not found")
		return nil, false
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return nil, false
	}
	return u, true
}

// --- Groups ---

func (h *Handler) listGroups(w http.ResponseWriter, r *http.Request) {
	list, err := h.Users.ListGroups(h.TenantID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	attr, value, err := parseFilter(r.URL.Query().Get("filter"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	resources := make([]any, 0, len(list))
	for _, g := range list {
		switch attr {
		case "":
		case "displayName":
			if !strings.EqualFold(g.Name, value) {
				continue
			}
		case "externalId":
			if g.ExternalID != value {
				continue
			}
		default:
			writeError(w, http.StatusBadRequest, fmt.Sprintf("unsupported filter attribute %q", attr))
			return
		}
		res, err := h.groupToResource(g)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		resources = append(resources, res)
	}
	writeList(w, resources)
}

func (h *Handler) createGroup(w http.ResponseWriter, r *http.Request) {
	var res groupResource
	if err := json.NewDecoder(r.Body).Decode(&res); err != nil {
		writeError(w, http.StatusBadRequest, "malformed resource")
		return
	}
	if res.DisplayName == "" {
		writeError(w, http.StatusBadRequest, "displayName required")
		return
	}
	g, err := h.Users.CreateGroup(h.TenantID, res.DisplayName, res.ExternalID)
	if errors.Is(err, users.ErrConflict) {
		writeError(w, http.StatusConflict, "displayName already exists")
		return
	}
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := h.setMembers(g.ID, res.Members); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	h.grantMappedRole(g.Name)
	out, err := h.groupToResource(g)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	h.logger().Info("group provisioned", zap.String("group_id", g.ID), zap.String("name", g.Name))
	writeResource(w, http.StatusCreated, out)
}

func (h *Handler) getGroup(w http.ResponseWriter, r *http.Request) {
	g, ok := h.lookupGroup(w, r.PathValue("id"))
	if !ok {
		return
	}
	res, err := h.groupToResource(g)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeResource(w, http.StatusOK, res)
}

func (h *Handler) replaceGroup(w http.ResponseWriter, r *http.Request) {
	g, ok := h.lookupGroup(w, r.PathValue("id"))
	if !ok {
		return
	}
	var res groupResource
	if err := json.NewDecoder(r.Body).Decode(&res); err != nil {
		writeError(w, http.StatusBadRequest, "malformed resource")
		return
	}
	if err := h.setMembers(g.ID, res.Members); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	out, err := h.groupToResource(g)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeResource(w, http.StatusOK, out)
}

func (h *Handler) patchGroup(w http.ResponseWriter, r *http.Request) {
	g, ok := h.lookupGroup(w, r.PathValue("id"))
	if !ok {
		return
	}
	var req patchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed patch")
		return
	}
	current, err := h.Users.GroupMembers(g.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	members := map[string]bool{}
	for _, id := range current {
		members[id] = true
	}
	for _, op := range req.Operations {
		if op.Path != "" && !strings.EqualFold(op.Path, "members") {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("unsupported path %q", op.Path))
			return
		}
		ids := memberIDs(op.Value)
		switch strings.ToLower(op.Op) {
		case "add":
			for _, id := range ids {
				members[id] = true
			}
		case "remove":
			for _, id := range ids {
				delete(members, id)
			}
		case "replace":
			members = map[string]bool{}
			for _, id := range ids {
				members[id] = true
			}
		default:
			writeError(w, http.StatusBadRequest, fmt.Sprintf("unsupported op %q", op.Op))
			return
		}
	}
	flat := make([]string, 0, len(members))
	for id := range members {
		flat = append(flat, id)
	}
	if err := h.Users.SetGroupMembers(g.ID, flat); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	out, err := h.groupToResource(g)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeResource(w, http.StatusOK, out)
}

func (h *Handler) deleteGroup(w http.ResponseWriter, r *http.Request) {
	g, ok := h.lookupGroup(w, r.PathValue("id"))
	if !ok {
		return
	}
	if err := h.Users.DeleteGroup(g.ID); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) lookupGroup(w http.ResponseWriter, id string) (*users.Group, bool) {
	g, err := h.Users.GetGroup(id)
	if errors.Is(err, users.ErrNotFound) || (err == nil && g.TenantID != h.TenantID) {
		writeError(w, http.StatusNotFound, "group not found")
		return nil, false
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return nil, false
	}
	return g, true
}

func (h *Handler) setMembers(groupID string, members []scimMember) error {
	ids := make([]string, 0, len(members))
	for _, m := range members {
		ids = append(ids, m.Value)
	}
	return h.Users.SetGroupMembers(groupID, ids)
}

// grantMappedRole creates the role binding for a mapped group name.
// Duplicate grants are fine; the binding table rejects them.
func (h *Handler) grantMappedRole(groupName string) {
	if h.Tenancy == nil {
		return
	}
	role, ok := h.RoleMap[groupName]
	if !ok {
		return
	}
	_, err := h.Tenancy.CreateBinding(tenancy.RoleBinding{
		TenantID:    h.TenantID,
		SubjectType: "group",
		SubjectID:   groupName,
		Role:        role,
	})
	if err != nil && !errors.Is(err, tenancy.ErrConflict) {
		h.logger().Warn("role binding", zap.String("group", groupName), zap.Error(err))
	}
}

func memberIDs(value any) []string {
	list, ok := value.([]any)
	if !ok {
		return nil
	}
	var out []string
	for _, item := range list {
		obj, ok := item.(map[string]any)
		if !ok {
			continue
		}
		if v, ok := obj["value"].(string); ok {
			out = append(out, v)
		}
	}
	return out
}

// parseFilter handles the single form IdPs actually send: `attr eq "value"`.
func parseFilter(filter string) (attr, value string, err error) {
	if filter == "" {
		return "", "", nil
	}
	parts := strings.SplitN(filter, " eq ", 2)
	if len(parts) != 2 {
		return "", "", fmt.Errorf("unsupported filter %q", filter)
	}
	value, err = strconv.Unquote(strings.TrimSpace(parts[1]))
	if err != nil {
		return "", "", fmt.Errorf("unsupported filter %q", filter)
	}
	return strings.TrimSpace(parts[0]), value, nil
}

func writeResource(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/scim+json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeList(w http.ResponseWriter, resources []any) {
	writeResource(w, http.StatusOK, listResponse{
		Schemas:      []string{schemaListResponse},
		TotalResults: len(resources),
		StartIndex:   1,
		ItemsPerPage: len(resources),
		Resources:    resources,
	})
}

func writeError(w http.ResponseWriter, status int, detail string) {
	writeResource(w, status, map[string]any{
		"schemas": []string{schemaError},
		"status":  strconv.Itoa(status),
		"detail":  detail,
	})
}
