package main

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/hostdeck/hostdeck/internal/auth"
	"github.com/hostdeck/hostdeck/internal/handlers"
	"github.com/hostdeck/hostdeck/internal/middleware"
	"github.com/hostdeck/hostdeck/internal/rbac"
)

func newRouter(sessionStore *auth.SessionStore, checker *rbac.Checker, staticDir string) http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.Logger)
	r.Use(chimw.Recoverer)
	r.Use(chimw.RealIP)

	// Health (no auth)
	r.Get("/health", handlers.HealthCheck)

	r.Route("/api/v1", func(r chi.Router) {
		// Auth endpoints (no auth required)
		r.Post("/auth/login", handlers.Login)
		r.Get("/auth/setup-required", handlers.SetupRequired)
		r.Post("/auth/setup", handlers.SetupCreateAdmin)
		r.Post("/auth/webauthn/login/begin", handlers.WebAuthnLoginBegin)
		r.Post("/auth/webauthn/login/finish", handlers.WebAuthnLoginFinish)

		// The terminal socket authenticates itself so it can answer with
		// an error event before closing.
		r.Get("/terminal/ws", handlers.TerminalWS)

		r.Group(func(r chi.Router) {
			r.Use(middleware.RequireAuth(sessionStore))

			r.Post("/auth/logout", handlers.Logout)
			r.Get("/auth/me", handlers.GetCurrentUser)
			r.Get("/me/quota", handlers.GetMyQuota)
			r.Post("/auth/webauthn/register/begin", handlers.WebAuthnRegisterBegin)
			r.Post("/auth/webauthn/register/finish", handlers.WebAuthnRegisterFinish)
			r.Get("/auth/webauthn/credentials", handlers.ListWebAuthnCredentials)
			r.Delete("/auth/webauthn/credentials/{credId}", handlers.DeleteWebAuthnCredential)

			r.Group(func(r chi.Router) {
				r.Use(middleware.RequireCapability(checker, rbac.CapTerminalAccess))

				r.Post("/terminal/ticket", handlers.IssueTerminalTicket)
				r.Get("/terminal/sessions", handlers.ListTerminalSessions)
				r.Post("/terminal/sessions/{sessionId}/close", handlers.CloseTerminalSession)
				r.Delete("/terminal/sessions/{sessionId}", handlers.DeleteTerminalSession)
				r.Get("/terminal/sessions/{sessionId}/transcript", handlers.GetTerminalTranscript)
			})

			r.Group(func(r chi.Router) {
				r.Use(middleware.RequireCapability(checker, rbac.CapContainersManage))

				r.Get("/containers", handlers.ListContainers)
				r.Post("/containers/{name}/{action}", handlers.ContainerAction)
			})

			// Admin-only routes
			r.Group(func(r chi.Router) {
				r.Use(middleware.RequireAdmin)

				r.Get("/users", handlers.ListUsers)
				r.Post("/users", handlers.CreateUser)
				r.Delete("/users/{userId}", handlers.DeleteUser)
				r.Put("/users/{userId}/role", handlers.UpdateUserRole)
				r.Post("/users/{userId}/reset-password", handlers.ResetUserPassword)
				r.Get("/users/{userId}/quota", handlers.GetUserQuota)
				r.Put("/users/{userId}/quota", handlers.SetUserQuota)
				r.Post("/users/{userId}/quota/reset", handlers.ResetUserQuota)

				r.Get("/audit", handlers.GetAuditLogs)
				r.Get("/logs", handlers.GetServerLogs)
				r.Delete("/logs", handlers.ClearServerLogs)
			})
		})
	})

	if staticDir != "" {
		spa := middleware.NewSPAHandlerDir(staticDir)
		r.NotFound(spa.ServeHTTP)
	}
	return r
}
