package taskauth_test

import (
	"context"
	"sync"
	"testing"

	"github.com/panyam/taskauth"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

// counterValue sums the counter series of name whose labels include labels.
func counterValue(t *testing.T, reg *prometheus.Registry, name string, labels map[string]string) float64 {
	t.Helper()
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	var total float64
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.GetMetric() {
			if hasLabels(m, labels) {
				total += m.GetCounter().GetValue()
			}
		}
	}
	return total
}

func hasLabels(m *dto.Metric, want map[string]string) bool {
	matched := 0
	for _, lp := range m.GetLabel() {
		if v, ok := want[lp.GetName()]; ok {
			if v != lp.GetValue() {
				return false
			}
			matched++
		}
	}
	return matched == len(want)
}

func newReconciler(t *testing.T) (*taskauth.Reconciler, *testEnv, *prometheus.Registry) {
	t.Helper()
	env := newTestEnv(t)
	reg := prometheus.NewRegistry()
	return taskauth.NewReconciler(env.store, nil, taskauth.NewMetrics(reg)), env, reg
}

func TestReconcileCreatesUser(t *testing.T) {
	r, env, reg := newReconciler(t)
	ctx := context.Background()

	user, err := r.Reconcile(ctx, &taskauth.Profile{
		Provider: "Google", ProviderSubjectID: "g-1", Email: "bob@x.com", DisplayName: "Bob",
	})
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if user.ID == 0 || user.Username != "bob@x.com" || user.Email != "bob@x.com" {
		t.Errorf("unexpected user %+v", user)
	}
	if user.HasPassword() {
		t.Error("oauth users have no password")
	}
	if len(user.Credentials) != 1 || user.Credentials[0].Provider != "google" {
		t.Fatalf("expected one google credential, got %+v", user.Credentials)
	}

	stored, err := env.store.GetUserByEmail(ctx, "bob@x.com")
	if err != nil {
		t.Fatalf("user not persisted: %v", err)
	}
	if cred := stored.FindCredential("google", "g-1"); cred == nil || cred.DisplayName != "Bob" {
		t.Errorf("credential not persisted: %+v", stored.Credentials)
	}
	if got := counterValue(t, reg, "taskauth_oauth_users_created_total", map[string]string{"provider": "google"}); got != 1 {
		t.Errorf("users created = %v, want 1", got)
	}
}

func TestReconcileIsIdempotent(t *testing.T) {
	r, env, reg := newReconciler(t)
	ctx := context.Background()
	profile := &taskauth.Profile{Provider: "github", ProviderSubjectID: "42", Email: "dev@x.com", DisplayName: "Dev"}

	first, err := r.Reconcile(ctx, profile)
	if err != nil {
		t.Fatal(err)
	}

	// renamed upstream, different provider spelling: still the same credential
	renamed := &taskauth.Profile{Provider: "GitHub", ProviderSubjectID: "42", Email: "dev@x.com", DisplayName: "Renamed"}
	second, err := r.Reconcile(ctx, renamed)
	if err != nil {
		t.Fatal(err)
	}
	if second.ID != first.ID {
		t.Errorf("second login resolved to user %d, want %d", second.ID, first.ID)
	}

	stored, _ := env.store.GetUserByID(ctx, first.ID)
	if len(stored.Credentials) != 1 {
		t.Errorf("expected one credential, got %d", len(stored.Credentials))
	}
	if stored.Credentials[0].DisplayName != "Dev" {
		t.Errorf("existing credential should not be refreshed, got %q", stored.Credentials[0].DisplayName)
	}
	if got := counterValue(t, reg, "taskauth_credentials_linked_total", nil); got != 0 {
		t.Errorf("no link expected, counted %v", got)
	}
	if got := counterValue(t, reg, "taskauth_oauth_users_created_total", nil); got != 1 {
		t.Errorf("one user expected, counted %v", got)
	}
}

func TestReconcileLinksExistingUser(t *testing.T) {
	r, env, reg := newReconciler(t)
	ctx := context.Background()
	alice := env.signup(t, "alice", "alice@x.com", "pw")

	user, err := r.Reconcile(ctx, &taskauth.Profile{Provider: "google", ProviderSubjectID: "g-a", Email: "alice@x.com"})
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if user.ID != alice.ID {
		t.Fatalf("expected user %d, got %d", alice.ID, user.ID)
	}

	// a second provider links to the same account
	user, err = r.Reconcile(ctx, &taskauth.Profile{Provider: "github", ProviderSubjectID: "7", Email: "alice@x.com"})
	if err != nil {
		t.Fatal(err)
	}
	if user.ID != alice.ID {
		t.Fatalf("expected user %d, got %d", alice.ID, user.ID)
	}

	stored, _ := env.store.GetUserByID(ctx, alice.ID)
	if len(stored.Credentials) != 2 || !stored.HasPassword() {
		t.Errorf("expected password plus two credentials, got %+v", stored)
	}
	if got := counterValue(t, reg, "taskauth_credentials_linked_total", nil); got != 2 {
		t.Errorf("links = %v, want 2", got)
	}

	// password login still works after linking
	if _, err := env.service.Login(ctx, "alice", "pw"); err != nil {
		t.Errorf("password login after linking: %v", err)
	}
}

func TestReconcileMissingEmail(t *testing.T) {
	r, env, _ := newReconciler(t)

	_, err := r.Reconcile(context.Background(), &taskauth.Profile{Provider: "github", ProviderSubjectID: "99"})
	expectCode(t, err, taskauth.KindUnauthorized, taskauth.CodeMissingEmail)

	_, err = r.Reconcile(context.Background(), nil)
	expectCode(t, err, taskauth.KindUnauthorized, taskauth.CodeMissingEmail)

	if _, err := env.store.GetUserByUsername(context.Background(), ""); err == nil {
		t.Error("no user should have been created")
	}
}

func TestReconcileSubjectBoundElsewhere(t *testing.T) {
	r, env, _ := newReconciler(t)
	ctx := context.Background()

	owner, err := r.Reconcile(ctx, &taskauth.Profile{Provider: "google", ProviderSubjectID: "g-1", Email: "a@x.com"})
	if err != nil {
		t.Fatal(err)
	}

	t.Run("existing user", func(t *testing.T) {
		b := env.signup(t, "b", "b@x.com", "pw")
		_, err := r.Reconcile(ctx, &taskauth.Profile{Provider: "google", ProviderSubjectID: "g-1", Email: "b@x.com"})
		expectCode(t, err, taskauth.KindConflict, taskauth.CodeCredentialConflict)

		stored, _ := env.store.GetUserByID(ctx, b.ID)
		if len(stored.Credentials) != 0 {
			t.Errorf("credential must not move to user b: %+v", stored.Credentials)
		}
	})

	t.Run("new email", func(t *testing.T) {
		_, err := r.Reconcile(ctx, &taskauth.Profile{Provider: "google", ProviderSubjectID: "g-1", Email: "new@x.com"})
		expectCode(t, err, taskauth.KindConflict, taskauth.CodeCredentialConflict)

		if _, err := env.store.GetUserByEmail(ctx, "new@x.com"); err == nil {
			t.Error("no user may be created for a conflicting credential")
		}
	})

	stored, _ := env.store.GetUserByID(ctx, owner.ID)
	if stored.FindCredential("google", "g-1") == nil {
		t.Error("original owner must keep the credential")
	}
}

func TestReconcileUsernameCollision(t *testing.T) {
	r, env, _ := newReconciler(t)
	ctx := context.Background()

	// someone signed up with carol's address as their username
	env.signup(t, "carol@x.com", "other@x.com", "pw")

	_, err := r.Reconcile(ctx, &taskauth.Profile{Provider: "google", ProviderSubjectID: "g-c", Email: "carol@x.com"})
	expectCode(t, err, taskauth.KindConflict, taskauth.CodeCredentialConflict)
}

func TestReconcileConcurrentFirstLogin(t *testing.T) {
	r, _, _ := newReconciler(t)
	ctx := context.Background()
	const n = 8

	var wg sync.WaitGroup
	ids := make([]int64, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			user, err := r.Reconcile(ctx, &taskauth.Profile{Provider: "google", ProviderSubjectID: "g-race", Email: "race@x.com"})
			errs[i] = err
			if user != nil {
				ids[i] = user.ID
			}
		}(i)
	}
	wg.Wait()

	for i := range errs {
		if errs[i] != nil {
			t.Fatalf("reconcile %d: %v", i, errs[i])
		}
		if ids[i] != ids[0] {
			t.Fatalf("logins resolved to different users: %v", ids)
		}
	}
}
