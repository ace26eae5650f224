// Package taskauth authenticates users of the task API and issues the session
// tokens the rest of the API trusts.
//
// Users log in with a password (by username or email) or through an OAuth2
// identity provider. Every provider identity is reconciled onto a single
// local account keyed by email, so signing in with Google and later with
// GitHub under the same address lands on the same user.
//
// # Architecture
//
// User: the local account. It has a unique username and a unique email, and
// optionally a bcrypt password hash.
//
// OAuthCredential: a (provider, subject id) pair bound to exactly one User.
// A user may hold any number of credentials, at most one per provider
// identity.
//
// Principal: what a verified session token says about its bearer (id,
// username, email, roles). Handlers behind Middleware find it with
// PrincipalFromContext.
//
// # Basic Usage
//
//	store, _ := fs.NewFSUserStore("/var/lib/taskauth")
//	tokens, _ := taskauth.NewTokenIssuer(secret, taskauth.WithIssuer("tasks"))
//	gateway := oauth2.NewGateway(logger,
//	    oauth2.NewGoogleProvider(googleID, googleSecret, redirectURI),
//	    oauth2.NewGithubProvider(githubID, githubSecret, redirectURI))
//
//	service := taskauth.NewService(store, tokens, gateway, taskauth.WithLogger(logger))
//	auth := taskauth.New(service, logger)
//	http.ListenAndServe(":8080", auth.Handler())
//
// This serves:
//
//	POST /api/auth/signup           {username, email, password}
//	POST /api/auth/login            {identifier, password}
//	POST /api/auth/oauth2/callback  {code, provider, redirectUri?}
//	GET  /api/auth/me               bearer token required
//	GET|POST /logout
//
// Browser logins that start at the server rather than a frontend are served
// by oauth2.RedirectFlow, mounted with AddAuth and finished by CompleteLogin.
// The session token is delivered in an HttpOnly cookie. Set TokenInRedirect
// only for frontends on another origin that must read it from the URL.
//
// # Store Implementations
//
// UserStore is implemented by stores/gorm (SQLite, Postgres), stores/gae
// (Cloud Datastore) and stores/fs (JSON files, for development). All of them
// enforce unique usernames, emails and credentials in the store itself; the
// Reconciler relies on that and retries once when it loses a race.
//
// # Errors
//
// Operations return *Error. Its Kind decides the HTTP status (see
// StatusCode) and its Code is the stable "error" field of JSON error bodies.
// Password failures never reveal whether the user exists.
package taskauth
