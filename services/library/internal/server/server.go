package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"

	"bookloan/internal/usertoken"
	"bookloan/internal/util"
	"bookloan/pkg/domain"
	"bookloan/services/library/internal/app"
)

const maxBodyBytes = 1 << 20

// IdentityVerifier resolves a bearer token to the caller identity.
type IdentityVerifier interface {
	VerifyIdentity(ctx context.Context, token string) (domain.Identity, error)
}

// Config wires required dependencies for the HTTP server.
type Config struct {
	App            *app.App
	Verifier       IdentityVerifier
	Metrics        http.Handler
	AllowedOrigins []string
}

// Server exposes the lending API.
type Server struct {
	app      *app.App
	verifier IdentityVerifier
	origins  []string
	mux      *http.ServeMux
}

// New constructs the server with routes configured.
func New(cfg Config) (*Server, error) {
	if cfg.App == nil {
		return nil, errors.New("server: app is required")
	}
	if cfg.Verifier == nil {
		return nil, errors.New("server: token verifier is required")
	}
	s := &Server{
		app:      cfg.App,
		verifier: cfg.Verifier,
		origins:  cfg.AllowedOrigins,
		mux:      http.NewServeMux(),
	}
	s.routes(cfg.Metrics)
	return s, nil
}

// Router returns the configured handler.
func (s *Server) Router() http.Handler {
	return util.WithRequestID(util.WithRequestLog("library", util.WithSecurityHeaders(util.WithCORS(s.origins, s.mux))))
}

func (s *Server) routes(metricsHandler http.Handler) {
	s.mux.HandleFunc("/healthz", s.handleHealth)
	if metricsHandler != nil {
		s.mux.Handle("/metrics", metricsHandler)
	}
	for _, path := range []string{"/books", "/books/{$}"} {
		s.mux.Handle(path, s.withIdentity(s.handleBooks))
	}
	for _, path := range []string{"/borrow", "/borrow/{$}"} {
		s.mux.Handle(path, s.withIdentity(s.handleBorrow))
	}
	for _, path := range []string{"/return", "/return/{$}"} {
		s.mux.Handle(path, s.withIdentity(s.handleReturn))
	}
	for _, path := range []string{"/borrows", "/borrows/{$}"} {
		s.mux.Handle(path, s.withIdentity(s.handleBorrows))
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type identityHandler func(http.ResponseWriter, *http.Request, domain.Identity)

// withIdentity resolves the caller. No Authorization header means anonymous;
// a header that fails verification is rejected outright. Verifier outages
// surface as 500.
func (s *Server) withIdentity(next identityHandler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.TrimSpace(r.Header.Get("Authorization")) == "" {
			next(w, r, domain.Identity{})
			return
		}
		token, ok := bearerToken(r)
		if !ok {
			writeMessage(w, http.StatusUnauthorized, "Invalid token")
			return
		}
		identity, err := s.verifier.VerifyIdentity(r.Context(), token)
		if errors.Is(err, usertoken.ErrInvalidToken) {
			writeMessage(w, http.StatusUnauthorized, "Invalid token")
			return
		}
		if err != nil {
			util.LoggerFromContext(r.Context()).Error("verify token failed", "err", err)
			writeMessage(w, http.StatusInternalServerError, "Internal error")
			return
		}
		next(w, r, identity)
	})
}

func (s *Server) handleBooks(w http.ResponseWriter, r *http.Request, caller domain.Identity) {
	switch r.Method {
	case http.MethodGet:
		books, err := s.app.ListBooks(r.Context())
		if err != nil {
			writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string][]string{"books": books})
	case http.MethodPost:
		if err := app.RequireAdmin(caller); err != nil {
			writeAppError(w, r, err)
			return
		}
		form, err := readForm(w, r)
		if err != nil {
			writeMessage(w, http.StatusBadRequest, "Invalid request body")
			return
		}
		_, err = s.app.AddBook(r.Context(), caller, app.BookInput{
			Title:           form["title"],
			Author:          form["author"],
			ISBN:            form["isbn"],
			AvailableCopies: form["available_copies"],
		})
		if err != nil {
			writeAppError(w, r, err)
			return
		}
		writeMessage(w, http.StatusOK, "ok")
	default:
		methodNotAllowed(w)
	}
}

func (s *Server) handleBorrow(w http.ResponseWriter, r *http.Request, caller domain.Identity) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	if err := app.RequireAuthenticated(caller); err != nil {
		writeAppError(w, r, err)
		return
	}
	form, err := readForm(w, r)
	if err != nil {
		writeMessage(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	out, err := s.app.Borrow(r.Context(), caller, form["isbn"])
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeMessage(w, http.StatusOK, out.Message)
}

func (s *Server) handleReturn(w http.ResponseWriter, r *http.Request, caller domain.Identity) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	if err := app.RequireAuthenticated(caller); err != nil {
		writeAppError(w, r, err)
		return
	}
	form, err := readForm(w, r)
	if err != nil {
		writeMessage(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if _, err := s.app.Return(r.Context(), caller, form["isbn"]); err != nil {
		writeAppError(w, r, err)
		return
	}
	writeMessage(w, http.StatusOK, "ok")
}

func (s *Server) handleBorrows(w http.ResponseWriter, r *http.Request, caller domain.Identity) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	list, err := s.app.ListOpenBorrows(r.Context(), caller)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string][]string{"list": list})
}

// readForm reads a JSON object or an urlencoded/multipart form into flat
// string fields. JSON numbers keep their literal text.
func readForm(w http.ResponseWriter, r *http.Request) (map[string]string, error) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType == "application/json" {
		dec := json.NewDecoder(r.Body)
		dec.UseNumber()
		var raw map[string]any
		if err := dec.Decode(&raw); err != nil {
			if errors.Is(err, io.EOF) {
				return map[string]string{}, nil
			}
			return nil, err
		}
		out := make(map[string]string, len(raw))
		for k, v := range raw {
			switch val := v.(type) {
			case nil:
			case string:
				out[k] = val
			case json.Number:
				out[k] = val.String()
			default:
				out[k] = fmt.Sprint(val)
			}
		}
		return out, nil
	}
	if mediaType == "multipart/form-data" {
		if err := r.ParseMultipartForm(maxBodyBytes); err != nil {
			return nil, err
		}
	} else if err := r.ParseForm(); err != nil {
		return nil, err
	}
	out := make(map[string]string, len(r.PostForm))
	for k := range r.PostForm {
		out[k] = r.PostForm.Get(k)
	}
	return out, nil
}

func writeAppError(w http.ResponseWriter, r *http.Request, err error) {
	var verr *app.ValidationError
	switch {
	case errors.As(err, &verr):
		writeMessage(w, http.StatusBadRequest, verr.Message)
	case errors.Is(err, app.ErrUnauthenticated):
		writeMessage(w, http.StatusUnauthorized, err.Error())
	case errors.Is(err, app.ErrForbidden):
		writeMessage(w, http.StatusForbidden, err.Error())
	case errors.Is(err, app.ErrBookNotFound), errors.Is(err, app.ErrNotBorrowed):
		writeMessage(w, http.StatusNotFound, err.Error())
	case errors.Is(err, app.ErrAlreadyReturned):
		writeMessage(w, http.StatusBadRequest, err.Error())
	default:
		util.LoggerFromContext(r.Context()).Error("request failed", "path", r.URL.Path, "err", err)
		writeMessage(w, http.StatusInternalServerError, "Internal error")
	}
}

func bearerToken(r *http.Request) (string, bool) {
	scheme, token, ok := strings.Cut(strings.TrimSpace(r.Header.Get("Authorization")), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

func methodNotAllowed(w http.ResponseWriter) {
	writeMessage(w, http.StatusMethodNotAllowed, "Method not allowed")
}

func writeMessage(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"message": msg})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
