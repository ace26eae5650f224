package taskauth

import (
	"context"
	"errors"
	"log/slog"
	"sync"
)

// ProviderGateway performs the two outbound calls of the OAuth2
// authorization-code flow for a named provider. Implementations return
// *Error values of kind KindUpstreamUnavailable.
type ProviderGateway interface {
	// ExchangeCode trades an authorization code for a provider access token.
	// An empty redirectURI selects the configured default.
	ExchangeCode(ctx context.Context, provider, code, redirectURI string) (string, error)

	// FetchProfile loads and normalizes the user's provider profile.
	FetchProfile(ctx context.Context, provider, accessToken string) (*Profile, error)
}

// Service is the auth orchestrator: password login, signup and OAuth2
// callback. It holds no per-request state and is safe for concurrent use.
type Service struct {
	store      UserStore
	hasher     PasswordHasher
	tokens     *TokenIssuer
	gateway    ProviderGateway
	reconciler *Reconciler
	logger     *slog.Logger
	metrics    *Metrics

	// dummyHash is verified against when there is no stored hash, so a
	// failed login costs the same whether or not the account exists.
	dummyHash func() string
}

// ServiceOption configures a Service.
type ServiceOption func(*Service)

// WithHasher replaces the default bcrypt hasher.
func WithHasher(h PasswordHasher) ServiceOption {
	return func(s *Service) { s.hasher = h }
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) ServiceOption {
	return func(s *Service) { s.logger = l }
}

// WithMetrics enables outcome counters.
func WithMetrics(m *Metrics) ServiceOption {
	return func(s *Service) { s.metrics = m }
}

// NewService wires the orchestrator. gateway may be nil when no OAuth2
// provider is configured; OAuthCallback then fails with unsupported_provider.
func NewService(store UserStore, tokens *TokenIssuer, gateway ProviderGateway, opts ...ServiceOption) *Service {
	s := &Service{
		store:   store,
		tokens:  tokens,
		gateway: gateway,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.hasher == nil {
		s.hasher = NewBcryptHasher(0)
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	s.reconciler = NewReconciler(store, s.logger, s.metrics)
	s.dummyHash = sync.OnceValue(func() string {
		hash, err := s.hasher.Hash("taskauth-dummy-password")
		if err != nil {
			s.logger.Error("failed to compute dummy password hash", "err", err)
		}
		return hash
	})
	return s
}

// Tokens returns the issuer used to sign session tokens.
func (s *Service) Tokens() *TokenIssuer {
	return s.tokens
}

// Login authenticates identifier (a username or an email) with password.
// Every failure, whether the user is unknown, has no password, or supplied
// the wrong one, is the same Unauthorized error.
func (s *Service) Login(ctx context.Context, identifier, password string) (resp *AuthResponse, err error) {
	defer func() { s.metrics.login(MethodPassword, err) }()

	req := LoginRequest{Identifier: identifier, Password: password}
	if err := req.Validate(); err != nil {
		return nil, err
	}

	user, err := s.findByIdentifier(ctx, req.Identifier)
	if errors.Is(err, ErrNotFound) {
		s.hasher.Verify(req.Password, s.dummyHash())
		return nil, errInvalidCredentials()
	}
	if err != nil {
		s.logger.Error("login lookup failed", "err", err)
		return nil, InternalError("failed to load user", err)
	}

	if !user.HasPassword() {
		s.hasher.Verify(req.Password, s.dummyHash())
		return nil, errInvalidCredentials()
	}
	if !s.hasher.Verify(req.Password, user.PasswordHash) {
		return nil, errInvalidCredentials()
	}

	return s.issue(user)
}

// findByIdentifier resolves identifier as a username first, then as an email.
func (s *Service) findByIdentifier(ctx context.Context, identifier string) (*User, error) {
	user, err := s.store.GetUserByUsername(ctx, identifier)
	if !errors.Is(err, ErrNotFound) {
		return user, err
	}
	return s.store.GetUserByEmail(ctx, identifier)
}

// Signup creates a password user. It does not log the user in.
func (s *Service) Signup(ctx context.Context, username, email, password string) (user *User, err error) {
	defer func() { s.metrics.signup(err) }()

	req := SignupRequest{Username: username, Email: email, Password: password}
	if err := req.Validate(); err != nil {
		return nil, err
	}

	if err := s.checkAvailable(ctx, req.Username, req.Email); err != nil {
		return nil, err
	}

	hash, err := s.hasher.Hash(req.Password)
	if err != nil {
		return nil, InternalError("failed to hash password", err)
	}

	user = &User{
		Username:     req.Username,
		Email:        req.Email,
		PasswordHash: hash,
	}
	if err := s.store.CreateUser(ctx, user); err != nil {
		if errors.Is(err, ErrConflict) {
			// lost a race with a concurrent signup; report which field collided
			if cerr := s.checkAvailable(ctx, req.Username, req.Email); cerr != nil {
				return nil, cerr
			}
			return nil, ConflictError(CodeUsernameTaken, "username or email already in use", err)
		}
		s.logger.Error("signup failed", "username", req.Username, "err", err)
		return nil, InternalError("failed to create user", err)
	}

	s.logger.Info("user signed up", "user_id", user.ID, "username", user.Username)
	return user, nil
}

// checkAvailable returns a Conflict error when username or email is in use.
// Uniqueness is enforced by the store; this only picks a precise code.
func (s *Service) checkAvailable(ctx context.Context, username, email string) error {
	if _, err := s.store.GetUserByUsername(ctx, username); err == nil {
		return ConflictError(CodeUsernameTaken, "username is already taken", nil)
	} else if !errors.Is(err, ErrNotFound) {
		return InternalError("failed to check username", err)
	}
	if _, err := s.store.GetUserByEmail(ctx, email); err == nil {
		return ConflictError(CodeEmailTaken, "email is already registered", nil)
	} else if !errors.Is(err, ErrNotFound) {
		return InternalError("failed to check email", err)
	}
	return nil
}

// OAuthCallback completes the authorization-code flow for provider: it
// exchanges code for an access token, fetches the profile, reconciles it to a
// local user and issues a session token.
func (s *Service) OAuthCallback(ctx context.Context, provider, code, redirectURI string) (resp *AuthResponse, err error) {
	req := OAuthCallbackRequest{Code: code, Provider: provider, RedirectURI: redirectURI}
	if err := req.Validate(); err != nil {
		s.metrics.login(MethodOAuth2, err)
		return nil, err
	}
	if s.gateway == nil {
		err := GatewayError(CodeUnsupportedProvider, "no identity providers are configured", nil)
		s.metrics.login(MethodOAuth2, err)
		return nil, err
	}

	accessToken, err := s.gateway.ExchangeCode(ctx, req.Provider, req.Code, req.RedirectURI)
	if err != nil {
		s.metrics.login(MethodOAuth2, err)
		return nil, s.gatewayFailure(req.Provider, err)
	}

	profile, err := s.gateway.FetchProfile(ctx, req.Provider, accessToken)
	if err != nil {
		s.metrics.login(MethodOAuth2, err)
		return nil, s.gatewayFailure(req.Provider, err)
	}

	return s.LoginWithProfile(ctx, profile)
}

// LoginWithProfile reconciles an already fetched provider profile and issues
// a session token. The browser redirect flow enters here after its own code
// exchange.
func (s *Service) LoginWithProfile(ctx context.Context, profile *Profile) (resp *AuthResponse, err error) {
	defer func() { s.metrics.login(MethodOAuth2, err) }()

	user, err := s.reconciler.Reconcile(ctx, profile)
	if err != nil {
		return nil, err
	}
	return s.issue(user)
}

// CurrentUser reloads the user a verified principal refers to.
func (s *Service) CurrentUser(ctx context.Context, principal *Principal) (*User, error) {
	if principal == nil {
		return nil, UnauthorizedError(CodeTokenMalformed, "invalid or expired token", nil)
	}
	user, err := s.store.GetUserByID(ctx, principal.ID)
	if errors.Is(err, ErrNotFound) {
		return nil, NewError(KindNotFound, CodeUserNotFound, "user not found", err)
	}
	if err != nil {
		return nil, InternalError("failed to load user", err)
	}
	return user, nil
}

func (s *Service) issue(user *User) (*AuthResponse, error) {
	roles := []string{RoleUser}
	token, err := s.tokens.Issue(user, roles)
	if err != nil {
		s.logger.Error("failed to issue token", "user_id", user.ID, "err", err)
		return nil, err
	}
	return &AuthResponse{
		Token:    token,
		ID:       user.ID,
		Username: user.Username,
		Email:    user.Email,
		Roles:    roles,
	}, nil
}

// gatewayFailure logs err and makes sure the caller sees a typed error.
func (s *Service) gatewayFailure(provider string, err error) error {
	s.logger.Warn("identity provider call failed", "provider", provider, "err", err)
	if _, ok := AsError(err); ok {
		return err
	}
	return GatewayError(CodeProviderUnreachable, "identity provider is unavailable", err)
}

func errInvalidCredentials() *Error {
	return UnauthorizedError(CodeInvalidCredentials, "invalid username or password", nil)
}
