package taskauth

import (
	"encoding/json"
	"log/slog"
	"net/http"
)

// maxBodyBytes bounds JSON request bodies.
const maxBodyBytes = 1 << 20

// APIAuth serves the JSON authentication endpoints.
type APIAuth struct {
	Service *Service
	Logger  *slog.Logger
}

// NewAPIAuth creates the JSON handlers for service.
func NewAPIAuth(service *Service, logger *slog.Logger) *APIAuth {
	if logger == nil {
		logger = slog.Default()
	}
	return &APIAuth{Service: service, Logger: logger}
}

// HandleLogin handles POST /api/auth/login.
func (a *APIAuth) HandleLogin(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if !a.decode(w, r, &req) {
		return
	}
	resp, err := a.Service.Login(r.Context(), req.Identifier, req.Password)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	a.tokenResponse(w, resp)
}

// HandleSignup handles POST /api/auth/signup. A successful signup answers 200
// with a short confirmation; the caller logs in separately.
func (a *APIAuth) HandleSignup(w http.ResponseWriter, r *http.Request) {
	var req SignupRequest
	if !a.decode(w, r, &req) {
		return
	}
	if _, err := a.Service.Signup(r.Context(), req.Username, req.Email, req.Password); err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "User registered successfully"})
}

// HandleOAuthCallback handles POST /api/auth/oauth2/callback.
func (a *APIAuth) HandleOAuthCallback(w http.ResponseWriter, r *http.Request) {
	var req OAuthCallbackRequest
	if !a.decode(w, r, &req) {
		return
	}
	resp, err := a.Service.OAuthCallback(r.Context(), req.Provider, req.Code, req.RedirectURI)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	a.tokenResponse(w, resp)
}

// HandleMe handles GET /api/auth/me. It must run behind Middleware.ValidateToken.
func (a *APIAuth) HandleMe(w http.ResponseWriter, r *http.Request) {
	principal := PrincipalFromContext(r.Context())
	user, err := a.Service.CurrentUser(r.Context(), principal)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, user)
}

func (a *APIAuth) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		errorResponse(w, CodeInvalidRequest, "Invalid request body", http.StatusBadRequest)
		return false
	}
	return true
}

// tokenResponse sends a successful login response
func (a *APIAuth) tokenResponse(w http.ResponseWriter, resp *AuthResponse) {
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Pragma", "no-cache")
	writeJSON(w, http.StatusOK, resp)
}

func (a *APIAuth) writeError(w http.ResponseWriter, r *http.Request, err error) {
	WriteError(w, r, a.Logger, err)
}

// WriteError maps err onto a status code and JSON body. Internal errors are
// logged in full and answered with a generic description.
func WriteError(w http.ResponseWriter, r *http.Request, logger *slog.Logger, err error) {
	if logger == nil {
		logger = slog.Default()
	}
	status := StatusCode(err)
	e, ok := AsError(err)
	if !ok || e.Kind == KindInternal {
		logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "err", err)
		errorResponse(w, CodeInternal, "Internal server error", http.StatusInternalServerError)
		return
	}
	if e.Kind == KindUnauthorized {
		w.Header().Set("WWW-Authenticate", `Bearer realm="api"`)
	}
	errorResponse(w, e.Code, e.Message, status)
}

// errorResponse sends a JSON error body
func errorResponse(w http.ResponseWriter, code, description string, statusCode int) {
	writeJSON(w, statusCode, ErrorResponse{Error: code, ErrorDescription: description})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("error writing response", "err", err)
	}
}
