package taskauth_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/panyam/taskauth"
	"github.com/prometheus/client_golang/prometheus"
)

func TestUserJourney(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	alice := env.signup(t, "alice", "alice@x.com", "pw1")

	byName, err := env.service.Login(ctx, "alice", "pw1")
	if err != nil {
		t.Fatalf("login by username: %v", err)
	}
	if byName.Username != "alice" || byName.ID != alice.ID {
		t.Errorf("unexpected response %+v", byName)
	}
	p, err := env.tokens.Verify(byName.Token)
	if err != nil {
		t.Fatalf("issued token does not verify: %v", err)
	}
	if p.ID != alice.ID || p.Username != "alice" {
		t.Errorf("token resolves to %+v", p)
	}

	byEmail, err := env.service.Login(ctx, "alice@x.com", "pw1")
	if err != nil {
		t.Fatalf("login by email: %v", err)
	}
	p2, _ := env.tokens.Verify(byEmail.Token)
	if p2.ID != p.ID {
		t.Errorf("email login resolved to %d, want %d", p2.ID, p.ID)
	}

	env.gateway.onCode("c1", &taskauth.Profile{ProviderSubjectID: "g1", Email: "bob@x.com", DisplayName: "Bob"})
	first, err := env.service.OAuthCallback(ctx, "google", "c1", "")
	if err != nil {
		t.Fatalf("first callback: %v", err)
	}
	if first.Username != "bob@x.com" || first.Email != "bob@x.com" {
		t.Errorf("unexpected oauth user %+v", first)
	}
	if len(first.Roles) != 1 || first.Roles[0] != taskauth.RoleUser {
		t.Errorf("unexpected roles %v", first.Roles)
	}

	second, err := env.service.OAuthCallback(ctx, "google", "c1", "")
	if err != nil {
		t.Fatalf("second callback: %v", err)
	}
	if second.ID != first.ID {
		t.Errorf("second callback resolved to %d, want %d", second.ID, first.ID)
	}
	bob, _ := env.store.GetUserByID(ctx, first.ID)
	if len(bob.Credentials) != 1 || bob.FindCredential("google", "g1") == nil {
		t.Errorf("expected exactly one google credential, got %+v", bob.Credentials)
	}

	// bob cannot log in with a password that was never set
	_, err = env.service.Login(ctx, "bob@x.com", "")
	expectCode(t, err, taskauth.KindValidation, taskauth.CodeInvalidRequest)
	_, err = env.service.Login(ctx, "bob@x.com", "anything")
	expectCode(t, err, taskauth.KindUnauthorized, taskauth.CodeInvalidCredentials)
}

func TestLoginFailuresAreIndistinguishable(t *testing.T) {
	env := newTestEnv(t)
	env.signup(t, "alice", "alice@x.com", "pw1")

	var messages []string
	for _, tc := range []struct{ identifier, password string }{
		{"alice", "wrong"},
		{"alice@x.com", "wrong"},
		{"nobody", "pw1"},
		{"nobody@x.com", "pw1"},
	} {
		_, err := env.service.Login(context.Background(), tc.identifier, tc.password)
		expectCode(t, err, taskauth.KindUnauthorized, taskauth.CodeInvalidCredentials)
		e, _ := taskauth.AsError(err)
		messages = append(messages, e.Message)
	}
	for _, m := range messages[1:] {
		if m != messages[0] {
			t.Errorf("messages differ: %q vs %q", m, messages[0])
		}
	}
}

// countingHasher records how many times Verify runs.
type countingHasher struct {
	taskauth.PasswordHasher
	verifies atomic.Int32
}

func (h *countingHasher) Verify(plain, hash string) bool {
	h.verifies.Add(1)
	return h.PasswordHasher.Verify(plain, hash)
}

func TestLoginFailuresAlwaysVerify(t *testing.T) {
	hasher := &countingHasher{PasswordHasher: taskauth.NewBcryptHasher(4)}
	env := newTestEnv(t, taskauth.WithHasher(hasher))
	ctx := context.Background()

	env.signup(t, "alice", "alice@x.com", "pw1")
	env.gateway.onCode("c1", &taskauth.Profile{ProviderSubjectID: "g1", Email: "bob@x.com"})
	if _, err := env.service.OAuthCallback(ctx, "google", "c1", ""); err != nil {
		t.Fatalf("OAuthCallback: %v", err)
	}

	tests := []struct {
		name       string
		identifier string
	}{
		{"wrong password", "alice"},
		{"unknown user", "nobody"},
		{"unknown email", "nobody@x.com"},
		{"no password set", "bob@x.com"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			before := hasher.verifies.Load()
			_, err := env.service.Login(ctx, tt.identifier, "wrong")
			expectCode(t, err, taskauth.KindUnauthorized, taskauth.CodeInvalidCredentials)
			if got := hasher.verifies.Load() - before; got != 1 {
				t.Errorf("Verify ran %d times, want 1", got)
			}
		})
	}
}

func TestLoginValidation(t *testing.T) {
	env := newTestEnv(t)
	for _, tc := range []struct{ identifier, password string }{
		{"", "pw"},
		{"   ", "pw"},
		{"alice", ""},
	} {
		_, err := env.service.Login(context.Background(), tc.identifier, tc.password)
		expectCode(t, err, taskauth.KindValidation, taskauth.CodeInvalidRequest)
	}
}

func TestLoginTrimsIdentifier(t *testing.T) {
	env := newTestEnv(t)
	env.signup(t, " alice ", "alice@x.com", "pw1")

	if _, err := env.service.Login(context.Background(), "  alice", "pw1"); err != nil {
		t.Errorf("login with padded identifier: %v", err)
	}
}

func TestSignupConflicts(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.signup(t, "alice", "alice@x.com", "pw1")

	_, err := env.service.Signup(ctx, "alice", "other@x.com", "pw")
	expectCode(t, err, taskauth.KindConflict, taskauth.CodeUsernameTaken)
	if _, err := env.store.GetUserByEmail(ctx, "other@x.com"); !errors.Is(err, taskauth.ErrNotFound) {
		t.Errorf("conflicting signup created a row: %v", err)
	}

	_, err = env.service.Signup(ctx, "alice2", "alice@x.com", "pw")
	expectCode(t, err, taskauth.KindConflict, taskauth.CodeEmailTaken)
	if _, err := env.store.GetUserByUsername(ctx, "alice2"); !errors.Is(err, taskauth.ErrNotFound) {
		t.Errorf("conflicting signup created a row: %v", err)
	}
}

func TestSignupValidation(t *testing.T) {
	env := newTestEnv(t)
	tests := []struct {
		name                      string
		username, email, password string
	}{
		{"missing username", "", "a@x.com", "pw"},
		{"blank username", "  ", "a@x.com", "pw"},
		{"missing email", "a", "", "pw"},
		{"email without at", "a", "a.x.com", "pw"},
		{"missing password", "a", "a@x.com", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := env.service.Signup(context.Background(), tt.username, tt.email, tt.password)
			expectCode(t, err, taskauth.KindValidation, taskauth.CodeInvalidRequest)
		})
	}
}

func TestSignupStoresHashOnly(t *testing.T) {
	env := newTestEnv(t)
	user := env.signup(t, "alice", "alice@x.com", "pw1")

	stored, err := env.store.GetUserByID(context.Background(), user.ID)
	if err != nil {
		t.Fatal(err)
	}
	if stored.PasswordHash == "" || stored.PasswordHash == "pw1" {
		t.Errorf("expected a password hash, got %q", stored.PasswordHash)
	}
}

func TestOAuthCallbackLinksNewProvider(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	alice := env.signup(t, "alice", "alice@x.com", "pw1")

	env.gateway.onCode("gh", &taskauth.Profile{ProviderSubjectID: "1001", Email: "alice@x.com"})
	resp, err := env.service.OAuthCallback(ctx, "github", "gh", "")
	if err != nil {
		t.Fatalf("callback: %v", err)
	}
	if resp.ID != alice.ID || resp.Username != "alice" {
		t.Errorf("expected existing user alice, got %+v", resp)
	}
}

func TestOAuthCallbackFailures(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.gateway.failCodes["no-token"] = taskauth.GatewayError(taskauth.CodeTokenExchangeFailed, "provider response has no access_token", nil)
	env.gateway.failCodes["down"] = taskauth.GatewayError(taskauth.CodeProviderUnreachable, "identity provider is unreachable", nil)
	env.gateway.failCodes["raw"] = errors.New("connection reset")
	env.gateway.onCode("no-email", &taskauth.Profile{ProviderSubjectID: "5"})

	tests := []struct {
		name, provider, code string
		kind                 taskauth.Kind
		errCode              string
		status               int
	}{
		{"missing code", "google", "", taskauth.KindValidation, taskauth.CodeInvalidRequest, 400},
		{"missing provider", "", "c", taskauth.KindValidation, taskauth.CodeInvalidRequest, 400},
		{"unsupported provider", "myspace", "c", taskauth.KindUpstreamUnavailable, taskauth.CodeUnsupportedProvider, 400},
		{"no access token", "google", "no-token", taskauth.KindUpstreamUnavailable, taskauth.CodeTokenExchangeFailed, 400},
		{"provider down", "google", "down", taskauth.KindUpstreamUnavailable, taskauth.CodeProviderUnreachable, 502},
		{"untyped gateway error", "google", "raw", taskauth.KindUpstreamUnavailable, taskauth.CodeProviderUnreachable, 502},
		{"profile refused", "github", "unknown", taskauth.KindUpstreamUnavailable, taskauth.CodeProfileFetchFailed, 400},
		{"profile without email", "github", "no-email", taskauth.KindUnauthorized, taskauth.CodeMissingEmail, 401},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := env.service.OAuthCallback(ctx, tt.provider, tt.code, "")
			expectCode(t, err, tt.kind, tt.errCode)
			if got := taskauth.StatusCode(err); got != tt.status {
				t.Errorf("status = %d, want %d", got, tt.status)
			}
		})
	}
}

func TestOAuthCallbackWithoutGateway(t *testing.T) {
	env := newTestEnv(t)
	service := taskauth.NewService(env.store, env.tokens, nil)

	_, err := service.OAuthCallback(context.Background(), "google", "c", "")
	expectCode(t, err, taskauth.KindUpstreamUnavailable, taskauth.CodeUnsupportedProvider)
}

func TestCurrentUser(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	alice := env.signup(t, "alice", "alice@x.com", "pw1")

	user, err := env.service.CurrentUser(ctx, &taskauth.Principal{ID: alice.ID})
	if err != nil {
		t.Fatalf("CurrentUser: %v", err)
	}
	if user.Username != "alice" {
		t.Errorf("unexpected user %+v", user)
	}

	_, err = env.service.CurrentUser(ctx, &taskauth.Principal{ID: 999})
	expectCode(t, err, taskauth.KindNotFound, taskauth.CodeUserNotFound)

	_, err = env.service.CurrentUser(ctx, nil)
	if !taskauth.IsKind(err, taskauth.KindUnauthorized) {
		t.Errorf("nil principal should be unauthorized, got %v", err)
	}
}

func TestServiceMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	env := newTestEnv(t, taskauth.WithMetrics(taskauth.NewMetrics(reg)))
	ctx := context.Background()

	env.signup(t, "alice", "alice@x.com", "pw1")
	env.service.Signup(ctx, "alice", "dup@x.com", "pw1")
	env.service.Login(ctx, "alice", "pw1")
	env.service.Login(ctx, "alice", "nope")
	env.gateway.onCode("c", &taskauth.Profile{ProviderSubjectID: "g", Email: "z@x.com"})
	env.service.OAuthCallback(ctx, "google", "c", "")
	env.service.OAuthCallback(ctx, "google", "", "")

	checks := []struct {
		name   string
		labels map[string]string
		want   float64
	}{
		{"taskauth_signups_total", map[string]string{"outcome": "success"}, 1},
		{"taskauth_signups_total", map[string]string{"outcome": "conflict"}, 1},
		{"taskauth_logins_total", map[string]string{"method": "password", "outcome": "success"}, 1},
		{"taskauth_logins_total", map[string]string{"method": "password", "outcome": "unauthorized"}, 1},
		{"taskauth_logins_total", map[string]string{"method": "oauth2", "outcome": "success"}, 1},
		{"taskauth_logins_total", map[string]string{"method": "oauth2", "outcome": "validation"}, 1},
		{"taskauth_oauth_users_created_total", map[string]string{"provider": "google"}, 1},
	}
	for _, c := range checks {
		if got := counterValue(t, reg, c.name, c.labels); got != c.want {
			t.Errorf("%s%v = %v, want %v", c.name, c.labels, got, c.want)
		}
	}
}
