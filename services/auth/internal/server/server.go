package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"bookloan/internal/ratelimit"
	"bookloan/internal/util"
	"bookloan/internal/validation"
	"bookloan/pkg/domain"
	"bookloan/services/auth/internal/app"
	"bookloan/services/auth/internal/security"
)

// Config wires required dependencies for the HTTP server.
type Config struct {
	App *app.App
	// Limiters are optional; a nil limiter leaves the endpoint unthrottled.
	RegisterLimiter ratelimit.Limiter
	TokenLimiter    ratelimit.Limiter
	RefreshLimiter  ratelimit.Limiter
	TrustedProxies  *util.TrustedProxies
	AllowedOrigins  []string
	// Alerter is optional; failed and throttled attempts are counted per IP.
	Alerter *security.AuditAlerter
}

// Server exposes HTTP endpoints for the auth service.
type Server struct {
	app             *app.App
	registerLimiter ratelimit.Limiter
	tokenLimiter    ratelimit.Limiter
	refreshLimiter  ratelimit.Limiter
	trusted         *util.TrustedProxies
	origins         []string
	alerter         *security.AuditAlerter
	mux             *http.ServeMux
}

// New constructs the server with routes configured.
func New(cfg Config) (*Server, error) {
	if cfg.App == nil {
		return nil, errors.New("server: app is required")
	}
	s := &Server{
		app:             cfg.App,
		registerLimiter: cfg.RegisterLimiter,
		tokenLimiter:    cfg.TokenLimiter,
		refreshLimiter:  cfg.RefreshLimiter,
		trusted:         cfg.TrustedProxies,
		origins:         cfg.AllowedOrigins,
		alerter:         cfg.Alerter,
		mux:             http.NewServeMux(),
	}
	s.routes()
	return s, nil
}

// Router returns the configured handler.
func (s *Server) Router() http.Handler {
	return util.WithRequestID(util.WithRequestLog("auth", util.WithSecurityHeaders(util.WithCORS(s.origins, s.mux))))
}

func (s *Server) routes() {
	s.mux.HandleFunc("/healthz", s.handleHealth)

	s.mux.HandleFunc("/auth/register", s.handleRegister)
	s.mux.HandleFunc("/auth/token", s.handleToken)
	s.mux.HandleFunc("/auth/token/refresh", s.handleRefresh)
	s.mux.HandleFunc("/auth/logout", s.handleLogout)
	s.mux.Handle("/auth/ping", s.authenticated(s.handlePing))
	s.mux.HandleFunc("/auth/jwks", s.handleJWKS)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type authHandler func(http.ResponseWriter, *http.Request, domain.User)

func (s *Server) authenticated(next authHandler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := bearerToken(r)
		if !ok {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		user, ok := s.app.UserFromToken(r.Context(), token)
		if !ok {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next(w, r, user)
	})
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	if !s.allowRate(w, r, s.registerLimiter, security.EventRegister) {
		return
	}
	var creds app.Credentials
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&creds); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	pair, err := s.app.SignUp(r.Context(), creds)
	if err != nil {
		if isClientError(err) {
			s.audit(r, security.EventRegister, security.OutcomeFail)
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		internalError(w, r, err)
		return
	}
	s.audit(r, security.EventRegister, security.OutcomeSuccess, "username", creds.Username)
	writeJSON(w, http.StatusCreated, pair)
}

func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	if !s.allowRate(w, r, s.tokenLimiter, security.EventToken) {
		return
	}
	var creds app.Credentials
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&creds); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	pair, err := s.app.Login(r.Context(), creds)
	switch {
	case err == nil:
		s.audit(r, security.EventToken, security.OutcomeSuccess)
		writeJSON(w, http.StatusOK, pair)
	case isClientError(err):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, app.ErrInvalidCredentials), errors.Is(err, app.ErrUserDisabled):
		s.audit(r, security.EventToken, security.OutcomeFail)
		writeError(w, http.StatusUnauthorized, app.ErrInvalidCredentials.Error())
	default:
		internalError(w, r, err)
	}
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	if !s.allowRate(w, r, s.refreshLimiter, security.EventRefresh) {
		return
	}
	var req refreshRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	pair, err := s.app.Refresh(r.Context(), req.Refresh)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, pair)
	case errors.Is(err, app.ErrRefreshTokenRequired):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, app.ErrInvalidRefreshToken):
		s.audit(r, security.EventRefresh, security.OutcomeFail)
		writeError(w, http.StatusUnauthorized, err.Error())
	default:
		internalError(w, r, err)
	}
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	token, ok := bearerToken(r)
	if !ok {
		s.audit(r, security.EventLogout, security.OutcomeFail)
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	var req refreshRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if err := s.app.Logout(token, req.Refresh); err != nil {
		internalError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handlePing(w http.ResponseWriter, r *http.Request, _ domain.User) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "pong"})
}

func (s *Server) handleJWKS(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	w.Header().Set("Cache-Control", "public, max-age=300")
	writeJSON(w, http.StatusOK, map[string]any{"keys": s.app.JWKS()})
}

func (s *Server) allowRate(w http.ResponseWriter, r *http.Request, limiter ratelimit.Limiter, event string) bool {
	if limiter == nil {
		return true
	}
	key := r.URL.Path + "|" + util.ClientIP(r, s.trusted)
	if limiter.Allow(r.Context(), key) {
		return true
	}
	s.audit(r, event, security.OutcomeRateLimited)
	w.Header().Set("Retry-After", "60")
	writeError(w, http.StatusTooManyRequests, "too many requests")
	return false
}

// audit logs a security event and feeds failures to the alerter.
func (s *Server) audit(r *http.Request, event, outcome string, attrs ...any) {
	ip := util.ClientIP(r, s.trusted)
	logger := util.LoggerFromContext(r.Context())
	logAttrs := append([]any{"event", event, "outcome", outcome, "ip", ip}, attrs...)
	if outcome == security.OutcomeSuccess {
		logger.Info("security_event", logAttrs...)
		return
	}
	logger.Warn("security_event", logAttrs...)
	result, err := s.alerter.Observe(r.Context(), event, outcome, ip)
	if err != nil {
		logger.Error("security alert observe failed", "event", event, "err", err)
		return
	}
	if result.Triggered {
		logger.Error("security_alert", "event", event, "outcome", outcome, "ip", ip,
			"count", result.Count, "threshold", result.Threshold, "window", result.Window.String())
	}
}

func isClientError(err error) bool {
	var fieldErr *validation.FieldError
	return errors.As(err, &fieldErr) ||
		errors.Is(err, app.ErrUsernameRequired) ||
		errors.Is(err, app.ErrPasswordRequired) ||
		errors.Is(err, app.ErrUsernameTooLong) ||
		errors.Is(err, app.ErrWeakPassword) ||
		errors.Is(err, app.ErrUserAlreadyExists)
}

func internalError(w http.ResponseWriter, r *http.Request, err error) {
	util.LoggerFromContext(r.Context()).Error("request failed", "path", r.URL.Path, "err", err)
	writeError(w, http.StatusInternalServerError, "internal error")
}

func methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

type refreshRequest struct {
	Refresh string `json:"refresh"`
}

func bearerToken(r *http.Request) (string, bool) {
	scheme, token, ok := strings.Cut(strings.TrimSpace(r.Header.Get("Authorization")), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
