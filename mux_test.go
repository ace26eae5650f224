package taskauth_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/panyam/taskauth"
)

func completeLogin(t *testing.T, auth *taskauth.TaskAuth, profile *taskauth.Profile, returnURL string) *httptest.ResponseRecorder {
	t.Helper()
	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/oauth2/callback/google", nil)
	auth.CompleteLogin(rr, req, profile, returnURL)
	return rr
}

func TestCompleteLogin(t *testing.T) {
	env, auth, h := newTestHandler(t)
	profile := &taskauth.Profile{Provider: "google", ProviderSubjectID: "g1", Email: "bob@x.com"}

	rr := completeLogin(t, auth, profile, "/tasks?view=mine")
	if rr.Code != http.StatusFound {
		t.Fatalf("expected 302, got %d: %s", rr.Code, rr.Body.String())
	}

	location, err := url.Parse(rr.Header().Get("Location"))
	if err != nil {
		t.Fatal(err)
	}
	if location.Host != "app.example.com" || location.Path != "/tasks" || location.Query().Get("view") != "mine" {
		t.Errorf("unexpected redirect %s", location)
	}
	if location.Query().Has("token") {
		t.Errorf("token must not be in the redirect by default: %s", location)
	}

	cookie := tokenCookie(rr)
	if cookie == nil || cookie.Value == "" || !cookie.HttpOnly {
		t.Fatalf("expected HttpOnly token cookie, got %+v", cookie)
	}
	if _, err := env.tokens.Verify(cookie.Value); err != nil {
		t.Errorf("cookie token does not verify: %v", err)
	}

	// the cookie alone authenticates /me
	req := httptest.NewRequest(http.MethodGet, "/api/auth/me", nil)
	req.AddCookie(cookie)
	me := httptest.NewRecorder()
	h.ServeHTTP(me, req)
	if me.Code != http.StatusOK {
		t.Errorf("cookie auth: expected 200, got %d", me.Code)
	}
}

func tokenCookie(rr *httptest.ResponseRecorder) *http.Cookie {
	for _, c := range rr.Result().Cookies() {
		if c.Name == taskauth.DefaultAuthTokenCookieName {
			return c
		}
	}
	return nil
}

func TestCompleteLoginTokenInRedirect(t *testing.T) {
	env, auth, _ := newTestHandler(t)
	auth.TokenInRedirect = true
	profile := &taskauth.Profile{Provider: "google", ProviderSubjectID: "g1", Email: "bob@x.com"}

	rr := completeLogin(t, auth, profile, "/tasks?view=mine")
	location, err := url.Parse(rr.Header().Get("Location"))
	if err != nil {
		t.Fatal(err)
	}
	token := location.Query().Get("token")
	if token == "" {
		t.Fatalf("redirect should carry the token: %s", location)
	}
	if location.Query().Get("view") != "mine" {
		t.Errorf("existing query lost: %s", location)
	}
	if _, err := env.tokens.Verify(token); err != nil {
		t.Errorf("redirect token does not verify: %v", err)
	}
	if c := tokenCookie(rr); c == nil || c.Value != token {
		t.Errorf("cookie and redirect token differ: %+v", c)
	}
}

func TestCompleteLoginReturnURL(t *testing.T) {
	_, auth, _ := newTestHandler(t)
	profile := &taskauth.Profile{Provider: "github", ProviderSubjectID: "1", Email: "x@x.com"}

	tests := []struct {
		name, returnURL, wantHost, wantPath string
	}{
		{"empty", "", "app.example.com", ""},
		{"relative", "/dashboard", "app.example.com", "/dashboard"},
		{"same host", "https://app.example.com/done", "app.example.com", "/done"},
		{"foreign host", "https://evil.example.net/steal", "app.example.com", ""},
		{"scheme relative", "//evil.example.net/steal", "app.example.com", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := completeLogin(t, auth, profile, tt.returnURL)
			location, err := url.Parse(rr.Header().Get("Location"))
			if err != nil {
				t.Fatal(err)
			}
			if location.Host != tt.wantHost || location.Path != tt.wantPath {
				t.Errorf("redirected to %s", location)
			}
		})
	}
}

func TestCompleteLoginError(t *testing.T) {
	_, auth, _ := newTestHandler(t)

	rr := completeLogin(t, auth, &taskauth.Profile{Provider: "github", ProviderSubjectID: "1"}, "/")
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for a profile without email, got %d", rr.Code)
	}
	if len(rr.Result().Cookies()) != 0 {
		t.Error("no cookie may be set on failure")
	}
}

func TestLogout(t *testing.T) {
	_, auth, h := newTestHandler(t)
	auth.CookieDomains = []string{"example.com"}

	rr := doJSON(t, h, http.MethodPost, "/logout", nil, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	cookies := rr.Result().Cookies()
	if len(cookies) != 2 {
		t.Fatalf("expected the cookie cleared on both domains, got %d cookies", len(cookies))
	}
	for _, c := range cookies {
		if c.Value != "" || c.MaxAge >= 0 {
			t.Errorf("cookie not cleared: %+v", c)
		}
	}

	rr = doJSON(t, h, http.MethodGet, "/logout?to=/bye", nil, nil)
	if rr.Code != http.StatusFound || rr.Header().Get("Location") != "https://app.example.com/bye" {
		t.Errorf("unexpected logout redirect %d %s", rr.Code, rr.Header().Get("Location"))
	}
}

func TestAddAuth(t *testing.T) {
	_, auth, _ := newTestHandler(t)

	var gotPath string
	auth.AddAuth("/oauth2/", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		w.WriteHeader(http.StatusTeapot)
	}))

	rr := doJSON(t, auth.Handler(), http.MethodGet, "/oauth2/authorize/google", nil, nil)
	if rr.Code != http.StatusTeapot {
		t.Fatalf("mounted handler not reached, got %d", rr.Code)
	}
	if gotPath != "/authorize/google" {
		t.Errorf("prefix not stripped: %s", gotPath)
	}
}

func TestMiddlewareOptional(t *testing.T) {
	env, auth, _ := newTestHandler(t)
	token, _ := env.tokens.Issue(&taskauth.User{ID: 5, Username: "eve"}, []string{taskauth.RoleUser})

	var seen *taskauth.Principal
	h := auth.Middleware.Optional(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = taskauth.PrincipalFromContext(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	h.ServeHTTP(httptest.NewRecorder(), req)
	if seen != nil {
		t.Errorf("no principal expected, got %+v", seen)
	}

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "bearer "+token)
	h.ServeHTTP(httptest.NewRecorder(), req)
	if seen == nil || seen.ID != 5 {
		t.Errorf("expected principal 5, got %+v", seen)
	}
}

func TestBearerToken(t *testing.T) {
	tests := []struct {
		header string
		want   string
		ok     bool
	}{
		{"Bearer abc", "abc", true},
		{"bearer   abc ", "abc", true},
		{"Bearer", "", false},
		{"Bearer ", "", false},
		{"Basic abc", "", false},
		{"", "", false},
	}
	for _, tt := range tests {
		got, ok := taskauth.BearerToken(tt.header)
		if got != tt.want || ok != tt.ok {
			t.Errorf("BearerToken(%q) = %q, %v", tt.header, got, ok)
		}
	}
}

func TestPrincipalContext(t *testing.T) {
	ctx := context.Background()
	if taskauth.PrincipalFromContext(ctx) != nil {
		t.Error("empty context has no principal")
	}
	p := &taskauth.Principal{ID: 1}
	if got := taskauth.PrincipalFromContext(taskauth.ContextWithPrincipal(ctx, p)); got != p {
		t.Errorf("got %+v", got)
	}
}
