package auth

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/marcus-qen/praetor/internal/controlplane/tenancy"
)

type fakeKeys struct {
	key *tenancy.APIKey
}

func (f *fakeKeys) ValidateAPIKey(plaintext string) (*tenancy.APIKey, error) {
	if f.key != nil && plaintext == "prk_good" {
		return f.key, nil
	}
	return nil, tenancy.ErrNotFound
}

type fakeSessions struct{ userID string }

func (f *fakeSessions) Validate(token string) (string, error) {
	if token == "sess_good" {
		return f.userID, nil
	}
	return "", errors.New("bad session")
}

type fakeUsers struct{ users map[string]*SessionUser }

func (f *fakeUsers) GetUser(id string) (*SessionUser, error) {
	if u, ok := f.users[id]; ok {
		return u, nil
	}
	return nil, errors.New("no user")
}

type fakeProjects struct {
	projects map[string]*tenancy.Project
	created  int
}

func (f *fakeProjects) GetProjectByName(tenantID, name string) (*tenancy.Project, error) {
	if p, ok := f.projects[name]; ok {
		return p, nil
	}
	return nil, tenancy.ErrNotFound
}

func (f *fakeProjects) CreateProject(tenantID, name string) (*tenancy.Project, error) {
	f.created++
	p := &tenancy.Project{ID: "p-" + name, TenantID: tenantID, Name: name}
	if f.projects == nil {
		f.projects = map[string]*tenancy.Project{}
	}
	f.projects[name] = p
	return p, nil
}

func capture(mw *Middleware, r *http.Request) (Identity, *httptest.ResponseRecorder) {
	var got Identity
	rec := httptest.NewRecorder()
	mw.Wrap(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = IdentityFromContext(r.Context())
	})).ServeHTTP(rec, r)
	return got, rec
}

func TestAPIKeyPath(t *testing.T) {
	keys := &fakeKeys{key: &tenancy.APIKey{ID: "k1", TenantID: "t1"}}
	mw := NewMiddleware(keys, nil, nil, nil, nil, "default", false, nil)

	r := httptest.NewRequest("GET", "/api/v1/runs", nil)
	r.Header.Set("X-API-Key", "prk_good")
	id, rec := capture(mw, r)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if id.Authn != AuthnAPIKey || id.TenantID != "t1" || id.ActorID != "k1" {
		t.Errorf("identity = %+v", id)
	}
}

func TestInvalidAPIKeyRejected(t *testing.T) {
	mw := NewMiddleware(&fakeKeys{}, nil, nil, nil, nil, "default", false, nil)

	r := httptest.NewRequest("GET", "/api/v1/runs", nil)
	r.Header.Set("X-API-Key", "prk_bad")
	_, rec := capture(mw, r)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestJWTPath(t *testing.T) {
	issuer := NewTokenIssuer([]byte("jwt-secret"))
	token, err := issuer.Mint("u1", "alice@example.com", []string{RoleSRE}, time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	users := &fakeUsers{users: map[string]*SessionUser{
		"u1": {ID: "u1", TenantID: "t1", Email: "alice@example.com", Groups: []string{"platform"}},
	}}
	mw := NewMiddleware(nil, issuer, nil, users, nil, "default", false, nil)

	r := httptest.NewRequest("GET", "/api/v1/runs", nil)
	r.Header.Set("Authorization", "Bearer "+token)
	id, rec := capture(mw, r)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if id.Authn != AuthnJWT || id.TenantID != "t1" || len(id.ClaimRoles) != 1 {
		t.Errorf("identity = %+v", id)
	}
	subjects := id.Subjects()
	if len(subjects) != 2 {
		t.Errorf("subjects = %v", subjects)
	}
}

func TestDisabledUserUnauthorized(t *testing.T) {
	issuer := NewTokenIssuer([]byte("jwt-secret"))
	token, _ := issuer.Mint("u1", "alice@example.com", nil, time.Hour)
	users := &fakeUsers{users: map[string]*SessionUser{
		"u1": {ID: "u1", TenantID: "t1", Disabled: true},
	}}
	mw := NewMiddleware(nil, issuer, nil, users, nil, "default", false, nil)

	r := httptest.NewRequest("GET", "/api/v1/runs", nil)
	r.Header.Set("Authorization", "Bearer "+token)
	_, rec := capture(mw, r)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestSessionPathClearsCookieOnInvalid(t *testing.T) {
	mw := NewMiddleware(nil, nil, &fakeSessions{userID: "u1"}, &fakeUsers{users: map[string]*SessionUser{}}, nil, "default", false, nil)

	r := httptest.NewRequest("GET", "/", nil)
	r.AddCookie(&http.Cookie{Name: SessionCookieName, Value: "sess_good"})
	_, rec := capture(mw, r)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d", rec.Code)
	}
	found := false
	for _, c := range rec.Result().Cookies() {
		if c.Name == SessionCookieName && c.MaxAge < 0 {
			found = true
		}
	}
	if !found {
		t.Error("session cookie not cleared")
	}
}

func TestAnonymousFallback(t *testing.T) {
	mw := NewMiddleware(nil, nil, nil, nil, nil, "default", false, nil)

	id, rec := capture(mw, httptest.NewRequest("GET", "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if !id.Anonymous() {
		t.Errorf("identity = %+v", id)
	}
}

func TestProjectHeaderUnknownIs404(t *testing.T) {
	keys := &fakeKeys{key: &tenancy.APIKey{ID: "k1", TenantID: "t1"}}
	mw := NewMiddleware(keys, nil, nil, nil, &fakeProjects{}, "default", false, nil)

	r := httptest.NewRequest("GET", "/api/v1/runs", nil)
	r.Header.Set("X-API-Key", "prk_good")
	r.Header.Set("X-Project", "payments")
	_, rec := capture(mw, r)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestProjectHeaderAutoCreate(t *testing.T) {
	keys := &fakeKeys{key: &tenancy.APIKey{ID: "k1", TenantID: "t1"}}
	projects := &fakeProjects{}
	mw := NewMiddleware(keys, nil, nil, nil, projects, "default", true, nil)

	r := httptest.NewRequest("GET", "/api/v1/runs", nil)
	r.Header.Set("X-API-Key", "prk_good")
	r.Header.Set("X-Project", "payments")
	id, rec := capture(mw, r)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if id.ProjectID != "p-payments" || projects.created != 1 {
		t.Errorf("identity = %+v created = %d", id, projects.created)
	}
}
