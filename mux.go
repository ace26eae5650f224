package taskauth

import (
	"log/slog"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/gorilla/mux"
)

// DefaultAuthTokenCookieName is the cookie set by browser logins.
const DefaultAuthTokenCookieName = "taskauthToken"

// TaskAuth assembles the HTTP surface of the module: JSON endpoints under
// /api/auth, the bearer middleware, and the landing point of browser
// redirect logins.
type TaskAuth struct {
	router *mux.Router

	Service    *Service
	API        *APIAuth
	Middleware Middleware

	// Name of the cookie the session token is stored in after a browser login
	AuthTokenCookieName string

	// All the domains where the auth token cookie will be set on login or cleared on logout
	CookieDomains []string

	// Base URL relative return URLs are resolved against. Absolute return
	// URLs must share its host.
	BaseURL string

	// TokenInRedirect appends the session token to the post-login redirect
	// as ?token=, for frontends on another origin that cannot read the
	// cookie. The token then shows up in browser history, access logs and
	// Referer headers. Off by default.
	TokenInRedirect bool

	Logger *slog.Logger
}

// New creates a TaskAuth serving service.
func New(service *Service, logger *slog.Logger) *TaskAuth {
	if logger == nil {
		logger = slog.Default()
	}
	a := &TaskAuth{
		Service:             service,
		API:                 NewAPIAuth(service, logger),
		AuthTokenCookieName: DefaultAuthTokenCookieName,
		Logger:              logger,
	}
	a.Middleware = Middleware{
		Tokens:              service.Tokens(),
		AuthTokenCookieName: a.AuthTokenCookieName,
		Logger:              logger,
	}
	return a
}

// Handler returns the root HTTP handler.
func (a *TaskAuth) Handler() http.Handler {
	return a.Router()
}

// Router returns the gorilla router, creating the auth routes on first use.
// Callers may register further routes on it.
func (a *TaskAuth) Router() *mux.Router {
	if a.router == nil {
		a.setupRoutes()
	}
	return a.router
}

func (a *TaskAuth) setupRoutes() {
	r := mux.NewRouter()
	api := r.PathPrefix("/api/auth").Subrouter()
	api.HandleFunc("/login", a.API.HandleLogin).Methods(http.MethodPost)
	api.HandleFunc("/signup", a.API.HandleSignup).Methods(http.MethodPost)
	api.HandleFunc("/oauth2/callback", a.API.HandleOAuthCallback).Methods(http.MethodPost)
	api.Handle("/me", a.Middleware.ValidateToken(http.HandlerFunc(a.API.HandleMe))).Methods(http.MethodGet)
	r.HandleFunc("/logout", a.onLogout).Methods(http.MethodGet, http.MethodPost)
	a.router = r
}

// AddAuth mounts handler under prefix with the prefix stripped, the way the
// browser redirect flow is attached.
func (a *TaskAuth) AddAuth(prefix string, handler http.Handler) *TaskAuth {
	prefix = strings.TrimSuffix(prefix, "/")
	a.Logger.Info("adding auth handler", "prefix", prefix)
	a.Router().PathPrefix(prefix + "/").Handler(http.StripPrefix(prefix, handler))
	return a
}

// CompleteLogin finishes a browser login: the profile is reconciled, the
// session token is stored in an HttpOnly cookie and the browser is sent to
// returnURL. With TokenInRedirect the token is also appended as ?token=.
func (a *TaskAuth) CompleteLogin(w http.ResponseWriter, r *http.Request, profile *Profile, returnURL string) {
	resp, err := a.Service.LoginWithProfile(r.Context(), profile)
	if err != nil {
		a.API.writeError(w, r, err)
		return
	}
	a.setTokenCookie(w, r, resp.Token, int(a.Service.Tokens().Expiry().Seconds()))

	target := a.resolveReturnURL(returnURL)
	if a.TokenInRedirect {
		q := target.Query()
		q.Set("token", resp.Token)
		target.RawQuery = q.Encode()
	}

	a.Logger.Info("browser login complete", "user_id", resp.ID, "provider", profile.Provider)
	http.Redirect(w, r, target.String(), http.StatusFound)
}

// resolveReturnURL turns a stored return URL into an absolute target. URLs
// pointing at other hosts fall back to the base URL.
func (a *TaskAuth) resolveReturnURL(returnURL string) *url.URL {
	base, err := url.Parse(a.BaseURL)
	if err != nil || a.BaseURL == "" {
		base = &url.URL{Path: "/"}
	}
	if returnURL == "" {
		return base
	}
	u, err := url.Parse(returnURL)
	if err != nil {
		return base
	}
	if u.IsAbs() || u.Host != "" {
		if base.Host == "" || !strings.EqualFold(u.Host, base.Host) {
			a.Logger.Warn("ignoring foreign return url", "url", returnURL)
			return base
		}
		return u
	}
	return base.ResolveReference(u)
}

func (a *TaskAuth) onLogout(w http.ResponseWriter, r *http.Request) {
	a.setTokenCookie(w, r, "", -1)
	to := r.URL.Query().Get("to")
	if to == "" {
		writeJSON(w, http.StatusOK, map[string]string{"message": "Logged out"})
		return
	}
	http.Redirect(w, r, a.resolveReturnURL(to).String(), http.StatusFound)
}

// setTokenCookie sets, or with maxAge < 0 clears, the auth token cookie on
// every configured domain.
func (a *TaskAuth) setTokenCookie(w http.ResponseWriter, r *http.Request, token string, maxAge int) {
	domains := a.CookieDomains
	if slices.Index(domains, "") < 0 { // default domain
		domains = append(slices.Clone(domains), "")
	}
	expires := time.Now().Add(time.Duration(maxAge) * time.Second)
	if maxAge < 0 {
		expires = time.Unix(0, 0)
	}
	for _, domain := range domains {
		http.SetCookie(w, &http.Cookie{
			Name:     a.AuthTokenCookieName,
			Value:    token,
			Domain:   domain,
			Path:     "/",
			MaxAge:   maxAge,
			Expires:  expires,
			HttpOnly: true,
			Secure:   r.TLS != nil,
			SameSite: http.SameSiteLaxMode,
		})
	}
}
