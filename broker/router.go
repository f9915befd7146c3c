package broker

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// Routes builds the HTTP router: shared middleware plus one endpoint group
// per successfully registered provider, mounted at its endpoint_url.
func (a *App) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(a.Logger))
	r.Use(RecoveryMiddleware(a.Logger))
	if !a.Config.Server.DevMode {
		r.Use(SecurityHeadersMiddleware())
	}

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "providers": a.Mounted})
	})

	for _, name := range a.Mounted {
		p := a.Config.Provider(name)
		if p == nil {
			continue
		}
		a.mountProvider(r, p)
	}

	return r
}

func (a *App) mountProvider(r chi.Router, p *ProviderConfig) {
	r.Route(p.EndpointURL, func(r chi.Router) {
		r.Get("/.well-known/openid-configuration", a.handleDiscovery(p))
		r.Get("/jwks", a.handleJWKS)
		r.Get("/authorize", a.handleAuthorize(p))
		r.Get("/callback", a.handleCallback(p))
		r.Post("/token", a.handleToken(p))
		r.Get("/userinfo", a.handleUserInfo(p))
		r.Post("/userinfo", a.handleUserInfo(p))
		r.Get("/logout", a.handleLogout(p))
		r.Post("/logout", a.handleLogout(p))
	})
	a.Logger.Info("provider mounted", "provider", p.Name, "path", p.EndpointURL)
}
