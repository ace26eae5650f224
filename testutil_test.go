package taskauth_test

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/panyam/taskauth"
	"github.com/panyam/taskauth/stores/fs"
)

var testSecret = []byte("test-secret-key-for-testing-only!")

// fakeGateway maps codes to access tokens ("at-<code>") and access tokens to
// canned profiles. Failures are injected per code.
type fakeGateway struct {
	mu        sync.Mutex
	profiles  map[string]*taskauth.Profile
	failCodes map[string]error
	exchanges int
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{
		profiles:  make(map[string]*taskauth.Profile),
		failCodes: make(map[string]error),
	}
}

// onCode makes code resolve to profile.
func (g *fakeGateway) onCode(code string, profile *taskauth.Profile) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.profiles["at-"+code] = profile
}

func (g *fakeGateway) ExchangeCode(ctx context.Context, provider, code, redirectURI string) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.exchanges++
	if provider != "google" && provider != "github" {
		return "", taskauth.GatewayError(taskauth.CodeUnsupportedProvider, "unsupported provider: "+provider, nil)
	}
	if err := g.failCodes[code]; err != nil {
		return "", err
	}
	return "at-" + code, nil
}

func (g *fakeGateway) FetchProfile(ctx context.Context, provider, accessToken string) (*taskauth.Profile, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	p, ok := g.profiles[accessToken]
	if !ok {
		return nil, taskauth.GatewayError(taskauth.CodeProfileFetchFailed, "profile endpoint returned 401", nil)
	}
	cp := *p
	cp.Provider = provider
	return &cp, nil
}

type testEnv struct {
	store   *fs.FSUserStore
	tokens  *taskauth.TokenIssuer
	gateway *fakeGateway
	service *taskauth.Service
}

func newTestEnv(t *testing.T, opts ...taskauth.ServiceOption) *testEnv {
	t.Helper()
	store, err := fs.NewFSUserStore(filepath.Join(t.TempDir(), "users"))
	if err != nil {
		t.Fatalf("NewFSUserStore: %v", err)
	}
	tokens, err := taskauth.NewTokenIssuer(testSecret, taskauth.WithIssuer("taskauth-test"), taskauth.WithExpiry(time.Hour))
	if err != nil {
		t.Fatalf("NewTokenIssuer: %v", err)
	}
	gateway := newFakeGateway()
	opts = append([]taskauth.ServiceOption{taskauth.WithHasher(taskauth.NewBcryptHasher(4))}, opts...)
	return &testEnv{
		store:   store,
		tokens:  tokens,
		gateway: gateway,
		service: taskauth.NewService(store, tokens, gateway, opts...),
	}
}

func (e *testEnv) signup(t *testing.T, username, email, password string) *taskauth.User {
	t.Helper()
	user, err := e.service.Signup(context.Background(), username, email, password)
	if err != nil {
		t.Fatalf("Signup(%s): %v", username, err)
	}
	return user
}

func expectCode(t *testing.T, err error, kind taskauth.Kind, code string) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected %s/%s, got nil", kind, code)
	}
	e, ok := taskauth.AsError(err)
	if !ok {
		t.Fatalf("expected *taskauth.Error, got %T: %v", err, err)
	}
	if e.Kind != kind || e.Code != code {
		t.Errorf("expected %s/%s, got %s/%s (%v)", kind, code, e.Kind, e.Code, err)
	}
}
