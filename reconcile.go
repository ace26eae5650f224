package taskauth

import (
	"context"
	"errors"
	"log/slog"
)

// Reconciler maps an external provider profile onto exactly one local User.
// It is the only place in the module that creates users from OAuth profiles
// or links credentials to existing users.
type Reconciler struct {
	store   UserStore
	logger  *slog.Logger
	metrics *Metrics
}

// NewReconciler creates a Reconciler over store. logger and metrics may be nil.
func NewReconciler(store UserStore, logger *slog.Logger, metrics *Metrics) *Reconciler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{store: store, logger: logger, metrics: metrics}
}

// Reconcile finds or creates the user owning profile.Email and makes sure the
// (provider, subject) credential is attached to it.
//
// An existing matching credential is left untouched, even when the profile's
// email or display name has changed since it was linked. A unique constraint
// violation that persists after one re-read is returned as a Conflict error;
// identities are never merged silently.
func (r *Reconciler) Reconcile(ctx context.Context, profile *Profile) (*User, error) {
	if profile == nil || profile.Email == "" {
		return nil, UnauthorizedError(CodeMissingEmail, "identity provider did not return an email address", nil)
	}
	p := *profile
	p.Provider = NormalizeProvider(p.Provider)

	user, err := r.reconcileOnce(ctx, &p)
	if errors.Is(err, ErrConflict) {
		// Another request created the user or credential between our read
		// and our write. Re-read once and try again.
		r.logger.Info("reconcile lost a race, retrying", "provider", p.Provider, "subject", p.ProviderSubjectID)
		user, err = r.reconcileOnce(ctx, &p)
	}
	if err == nil {
		return user, nil
	}
	if errors.Is(err, ErrConflict) {
		r.logger.Warn("reconcile conflict", "provider", p.Provider, "subject", p.ProviderSubjectID, "err", err)
		return nil, ConflictError(CodeCredentialConflict, "this identity conflicts with an existing account", err)
	}
	return nil, InternalError("failed to reconcile identity", err)
}

func (r *Reconciler) reconcileOnce(ctx context.Context, p *Profile) (*User, error) {
	user, err := r.store.GetUserByEmail(ctx, p.Email)
	if errors.Is(err, ErrNotFound) {
		return r.createUser(ctx, p)
	}
	if err != nil {
		return nil, err
	}

	if user.FindCredential(p.Provider, p.ProviderSubjectID) != nil {
		return user, nil
	}

	cred := newCredential(p)
	cred.UserID = user.ID
	if err := r.store.LinkCredential(ctx, cred); err != nil {
		return nil, err
	}
	user.Credentials = append(user.Credentials, cred)
	r.metrics.credentialLinked(p.Provider)
	r.logger.Info("linked credential", "user_id", user.ID, "provider", p.Provider)
	return user, nil
}

func (r *Reconciler) createUser(ctx context.Context, p *Profile) (*User, error) {
	user := &User{
		Username:    p.Email,
		Email:       p.Email,
		Credentials: []*OAuthCredential{newCredential(p)},
	}
	if err := r.store.CreateUser(ctx, user); err != nil {
		return nil, err
	}
	r.metrics.userCreated(p.Provider)
	r.logger.Info("created user from oauth profile", "user_id", user.ID, "provider", p.Provider)
	return user, nil
}

func newCredential(p *Profile) *OAuthCredential {
	return &OAuthCredential{
		Provider:          p.Provider,
		ProviderSubjectID: p.ProviderSubjectID,
		Email:             p.Email,
		DisplayName:       p.DisplayName,
	}
}
