package scim

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/marcus-qen/praetor/internal/controlplane/tenancy"
	"github.com/marcus-qen/praetor/internal/controlplane/users"
)

const testToken = "scim-secret"

func testHandler(t *testing.T) (*Handler, *http.ServeMux) {
	t.Helper()
	dir := t.TempDir()
	userStore, err := users.Open(filepath.Join(dir, "users.db"), "t1")
	if err != nil {
		t.Fatalf("open users: %v", err)
	}
	t.Cleanup(func() { userStore.Close() })
	tenants, err := tenancy.NewStore(filepath.Join(dir, "tenancy.db"))
	if err != nil {
		t.Fatalf("open tenancy: %v", err)
	}
	t.Cleanup(func() { tenants.Close() })

	h := &Handler{
		Users:       userStore,
		Tenancy:     tenants,
		TenantID:    "t1",
		BearerToken: testToken,
		RoleMap:     map[string]string{"sre-oncall": "operator"},
	}
	mux := http.NewServeMux()
	h.Register(mux)
	return h, mux
}

func do(t *testing.T, mux *http.ServeMux, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+testToken)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), v); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
}

func TestBearerAuthRequired(t *testing.T) {
	_, mux := testHandler(t)
	for _, header := range []string{"", "Bearer wrong", "Basic abc"} {
		req := httptest.NewRequest("GET", "/scim/v2/Users", nil)
		if header != "" {
			req.Header.Set("Authorization", header)
		}
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, req)
		if rec.Code != http.StatusUnauthorized {
			t.Errorf("header %q: status = %d, want 401", header, rec.Code)
		}
	}
}

func TestUserLifecycle(t *testing.T) {
	h, mux := testHandler(t)

	rec := do(t, mux, "POST", "/scim/v2/Users",
		`{"schemas":["urn:ietf:params:scim:schemas:core:2.0:User"],
		  "userName":"alice@example.com","displayName":"Alice","externalId":"idp-1","active":true}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create status = %d: %s", rec.Code, rec.Body.String())
	}
	var created userResource
	decode(t, rec, &created)
	if created.ID == "" || created.UserName != "alice@example.com" || !created.Active {
		t.Fatalf("created = %+v", created)
	}

	rec = do(t, mux, "GET", "/scim/v2/Users/"+created.ID, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("get status = %d", rec.Code)
	}

	rec = do(t, mux, "GET", `/scim/v2/Users?filter=userName+eq+%22alice@example.com%22`, "")
	var list listResponse
	decode(t, rec, &list)
	if list.TotalResults != 1 {
		t.Fatalf("filter matched %d, want 1", list.TotalResults)
	}

	rec = do(t, mux, "GET", `/scim/v2/Users?filter=userName+eq+%22bob@example.com%22`, "")
	decode(t, rec, &list)
	if list.TotalResults != 0 {
		t.Fatalf("filter matched %d, want 0", list.TotalResults)
	}

	// Deactivate via path-less replace, the Azure AD shape.
	rec = do(t, mux, "PATCH", "/scim/v2/Users/"+created.ID,
		`{"schemas":["urn:ietf:params:scim:api:messages:2.0:PatchOp"],
		  "Operations":[{"op":"replace","value":{"active":false}}]}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("patch status = %d: %s", rec.Code, rec.Body.String())
	}
	var patched userResource
	decode(t, rec, &patched)
	if patched.Active {
		t.Fatal("patch did not deactivate")
	}

	// DELETE soft-disables; the row must survive for audit references.
	rec = do(t, mux, "DELETE", "/scim/v2/Users/"+created.ID, "")
	if rec.Code != http.StatusNoContent {
		t.Fatalf("delete status = %d", rec.Code)
	}
	u, err := h.Users.Get(created.ID)
	if err != nil {
		t.Fatalf("user hard-deleted: %v", err)
	}
	if !u.Disabled {
		t.Fatal("delete did not disable")
	}
}

func TestUserConflict(t *testing.T) {
	_, mux := testHandler(t)
	body := `{"userName":"alice@example.com"}`
	if rec := do(t, mux, "POST", "/scim/v2/Users", body); rec.Code != http.StatusCreated {
		t.Fatalf("create status = %d", rec.Code)
	}
	if rec := do(t, mux, "POST", "/scim/v2/Users", body); rec.Code != http.StatusConflict {
		t.Fatalf("duplicate status = %d, want 409", rec.Code)
	}
}

func TestGroupMembershipPatch(t *testing.T) {
	h, mux := testHandler(t)

	var alice, bob userResource
	decode(t, do(t, mux, "POST", "/scim/v2/Users", `{"userName":"alice@example.com"}`), &alice)
	decode(t, do(t, mux, "POST", "/scim/v2/Users", `{"userName":"bob@example.com"}`), &bob)

	rec := do(t, mux, "POST", "/scim/v2/Groups",
		`{"displayName":"sre-oncall","members":[{"value":"`+alice.ID+`"}]}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create group status = %d: %s", rec.Code, rec.Body.String())
	}
	var group groupResource
	decode(t, rec, &group)
	if len(group.Members) != 1 {
		t.Fatalf("members = %+v", group.Members)
	}

	rec = do(t, mux, "PATCH", "/scim/v2/Groups/"+group.ID,
		`{"Operations":[{"op":"add","path":"members","value":[{"value":"`+bob.ID+`"}]}]}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("patch add status = %d: %s", rec.Code, rec.Body.String())
	}
	var patched groupResource
	decode(t, rec, &patched)
	if len(patched.Members) != 2 {
		t.Fatalf("after add: members = %+v", patched.Members)
	}

	rec = do(t, mux, "PATCH", "/scim/v2/Groups/"+group.ID,
		`{"Operations":[{"op":"remove","path":"members","value":[{"value":"`+alice.ID+`"}]}]}`)
	decode(t, rec, &patched)
	if len(patched.Members) != 1 || patched.Members[0].Value != bob.ID {
		t.Fatalf("after remove: members = %+v", patched.Members)
	}

	// The mapped group name grants a role binding at provisioning time.
	bindings, err := h.Tenancy.ListBindings("t1", "")
	if err != nil {
		t.Fatalf("list bindings: %v", err)
	}
	found := false
	for _, b := range bindings {
		if b.SubjectType == "group" && b.SubjectID == "sre-oncall" && b.Role == "operator" {
			found = true
		}
	}
	if !found {
		t.Fatalf("mapped role binding missing: %+v", bindings)
	}
}

func TestGroupFilter(t *testing.T) {
	_, mux := testHandler(t)
	do(t, mux, "POST", "/scim/v2/Groups", `{"displayName":"sre-oncall"}`)
	do(t, mux, "POST", "/scim/v2/Groups", `{"displayName":"platform"}`)

	var list listResponse
	decode(t, do(t, mux, "GET", `/scim/v2/Groups?filter=displayName+eq+%22platform%22`, ""), &list)
	if list.TotalResults != 1 {
		t.Fatalf("filter matched %d, want 1", list.TotalResults)
	}
}

func TestUnsupportedFilterRejected(t *testing.T) {
	_, mux := testHandler(t)
	rec := do(t, mux, "GET", `/scim/v2/Users?filter=userName+co+%22ali%22`, "")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}
