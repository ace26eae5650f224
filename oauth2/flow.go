package oauth2

import (
	"crypto/rand"
	"encoding/base64"
	"log/slog"
	"net/http"
	"strings"

	"github.com/alexedwards/scs/v2"
	"github.com/gorilla/mux"
	"github.com/panyam/taskauth"
	"golang.org/x/oauth2"
)

// HandleProfileFunc receives the normalized profile at the end of a
// successful browser redirect login, together with the return URL the login
// was started with.
type HandleProfileFunc func(w http.ResponseWriter, r *http.Request, profile *taskauth.Profile, returnURL string)

const (
	sessionStateKey     = "oauthState"
	sessionReturnURLKey = "oauthCallbackURL"
)

// RedirectFlow drives the browser side of the authorization-code flow:
//
//	GET /authorize/{provider}?callbackURL=...  redirects to the provider
//	GET /callback/{provider}?code=...&state=... completes the login
//
// The state and return URL live in the scs session. Code exchange and profile
// fetch go through the Gateway; the profile is then handed to HandleProfile.
type RedirectFlow struct {
	Gateway       *Gateway
	Session       *scs.SessionManager
	HandleProfile HandleProfileFunc
	Logger        *slog.Logger

	// CallbackBase is the absolute URL the flow is mounted at, for example
	// "https://auth.example.com/oauth2". When set, the provider is asked to
	// redirect to CallbackBase + "/callback/{provider}"; otherwise the
	// provider's configured RedirectURL is used.
	CallbackBase string

	router *mux.Router
}

// NewRedirectFlow creates the flow. The returned value is an http.Handler
// that already loads and saves the session.
func NewRedirectFlow(gateway *Gateway, session *scs.SessionManager, handleProfile HandleProfileFunc, logger *slog.Logger) *RedirectFlow {
	if logger == nil {
		logger = slog.Default()
	}
	f := &RedirectFlow{
		Gateway:       gateway,
		Session:       session,
		HandleProfile: handleProfile,
		Logger:        logger,
	}
	r := mux.NewRouter()
	r.HandleFunc("/authorize/{provider}", f.handleAuthorize).Methods(http.MethodGet)
	r.HandleFunc("/callback/{provider}", f.handleCallback).Methods(http.MethodGet)
	f.router = r
	return f
}

func (f *RedirectFlow) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.Session.LoadAndSave(f.router).ServeHTTP(w, r)
}

func (f *RedirectFlow) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	p, err := f.Gateway.Provider(mux.Vars(r)["provider"])
	if err != nil {
		taskauth.WriteError(w, r, f.Logger, err)
		return
	}

	state, err := generateState()
	if err != nil {
		taskauth.WriteError(w, r, f.Logger, taskauth.InternalError("failed to generate state", err))
		return
	}

	ctx := r.Context()
	f.Session.Put(ctx, stateKey(p.Name), state)
	if callbackURL := r.URL.Query().Get("callbackURL"); callbackURL != "" {
		f.Session.Put(ctx, sessionReturnURLKey, callbackURL)
	} else {
		f.Session.Remove(ctx, sessionReturnURLKey)
	}

	var opts []oauth2.AuthCodeOption
	if redirect := f.redirectURI(p); redirect != "" {
		opts = append(opts, oauth2.SetAuthURLParam("redirect_uri", redirect))
	}
	http.Redirect(w, r, p.Config.AuthCodeURL(state, opts...), http.StatusFound)
}

func (f *RedirectFlow) handleCallback(w http.ResponseWriter, r *http.Request) {
	p, err := f.Gateway.Provider(mux.Vars(r)["provider"])
	if err != nil {
		taskauth.WriteError(w, r, f.Logger, err)
		return
	}

	ctx := r.Context()
	expected := f.Session.PopString(ctx, stateKey(p.Name))
	if expected == "" || r.FormValue("state") != expected {
		f.Logger.Warn("invalid oauth state", "provider", p.Name)
		taskauth.WriteError(w, r, f.Logger, taskauth.ValidationError("invalid or expired oauth state"))
		return
	}

	if providerErr := r.FormValue("error"); providerErr != "" {
		f.Logger.Info("provider denied authorization", "provider", p.Name, "error", providerErr)
		taskauth.WriteError(w, r, f.Logger,
			taskauth.UnauthorizedError("access_denied", "authorization was not granted", nil))
		return
	}

	code := r.FormValue("code")
	if code == "" {
		taskauth.WriteError(w, r, f.Logger, taskauth.ValidationError("code is required"))
		return
	}

	accessToken, err := f.Gateway.ExchangeCode(ctx, p.Name, code, f.redirectURI(p))
	if err != nil {
		taskauth.WriteError(w, r, f.Logger, err)
		return
	}
	profile, err := f.Gateway.FetchProfile(ctx, p.Name, accessToken)
	if err != nil {
		taskauth.WriteError(w, r, f.Logger, err)
		return
	}

	returnURL := f.Session.PopString(ctx, sessionReturnURLKey)
	f.HandleProfile(w, r, profile, returnURL)
}

// redirectURI is the callback URL for p, or "" for the provider default.
func (f *RedirectFlow) redirectURI(p *Provider) string {
	if f.CallbackBase == "" {
		return ""
	}
	return strings.TrimSuffix(f.CallbackBase, "/") + "/callback/" + taskauth.NormalizeProvider(p.Name)
}

func stateKey(provider string) string {
	return sessionStateKey + ":" + provider
}

func generateState() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
