package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"libraryhub/internal/metrics"
	"libraryhub/internal/util"
	"libraryhub/services/library/internal/app"
)

const (
	maxBodyBytes   = 1 << 20
	retryAfterSecs = "60"
	healthTimeout  = 2 * time.Second
)

// RateLimiter decides whether a write request may proceed.
type RateLimiter interface {
	Allow(ctx context.Context, key string) (bool, error)
}

// Config wires required dependencies for the HTTP server.
type Config struct {
	App *app.App
	// Limiter is optional; nil disables write rate limiting.
	Limiter        RateLimiter
	TrustedProxies *util.TrustedProxies
	CORSOrigins    []string
	Metrics        *metrics.Metrics
}

// Server exposes the library HTTP API.
type Server struct {
	app         *app.App
	limiter     RateLimiter
	trusted     *util.TrustedProxies
	corsOrigins []string
	metrics     *metrics.Metrics
	mux         *http.ServeMux
}

// New constructs the server with routes configured.
func New(cfg Config) (*Server, error) {
	if cfg.App == nil {
		return nil, errors.New("app required")
	}
	s := &Server{
		app:         cfg.App,
		limiter:     cfg.Limiter,
		trusted:     cfg.TrustedProxies,
		corsOrigins: cfg.CORSOrigins,
		metrics:     cfg.Metrics,
		mux:         http.NewServeMux(),
	}
	s.routes()
	return s, nil
}

// Router returns the configured handler.
func (s *Server) Router() http.Handler {
	return util.WithRequestID(util.WithRequestLog("library", s.metrics.ObserveRequest, util.WithSecurityHeaders(util.WithCORS(s.corsOrigins, s.mux))))
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /healthz", s.handleHealth)
	if s.metrics != nil {
		s.mux.Handle("GET /metrics", s.metrics.Handler())
	}

	// members
	s.mux.Handle("POST /api/members", s.withRateLimit(s.handleRegisterMember))
	s.mux.HandleFunc("GET /api/members", s.handleListMembers)
	s.mux.HandleFunc("GET /api/members/current-borrowed-books", s.handleBorrowingMembers)

	// books
	s.mux.Handle("POST /api/books", s.withRateLimit(s.handleRegisterBook))
	s.mux.HandleFunc("GET /api/books", s.handleListBooks)
	s.mux.Handle("POST /api/books/borrow", s.withRateLimit(s.handleBorrow))
	s.mux.Handle("POST /api/books/return", s.withRateLimit(s.handleReturn))

	s.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusNotFound, "not found")
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
	defer cancel()
	if err := s.app.Ready(ctx); err != nil {
		util.LoggerFromContext(r.Context()).Warn("health check failed", "err", err)
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) withRateLimit(next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.limiter != nil {
			key := r.Pattern + "|" + util.ClientIP(r, s.trusted)
			ok, err := s.limiter.Allow(r.Context(), key)
			if err != nil {
				util.LoggerFromContext(r.Context()).Warn("rate limiter unavailable", "allowed", ok, "err", err)
			}
			if !ok {
				s.metrics.RateLimited()
				w.Header().Set("Retry-After", retryAfterSecs)
				writeError(w, r, http.StatusTooManyRequests, "too many requests")
				return
			}
		}
		next(w, r)
	})
}

type memberRequest struct {
	Code string `json:"code"`
	Name string `json:"name"`
}

func (s *Server) handleRegisterMember(w http.ResponseWriter, r *http.Request) {
	var req memberRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	member, err := s.app.Members.Register(r.Context(), req.Code, req.Name)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeData(w, http.StatusCreated, member)
}

func (s *Server) handleListMembers(w http.ResponseWriter, r *http.Request) {
	members, err := s.app.Members.List(r.Context())
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, members)
}

func (s *Server) handleBorrowingMembers(w http.ResponseWriter, r *http.Request) {
	members, err := s.app.Members.ListWithOpenLoans(r.Context())
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, members)
}

type bookRequest struct {
	Code   string `json:"code"`
	Title  string `json:"title"`
	Author string `json:"author"`
	Stock  *int   `json:"stock"`
}

func (s *Server) handleRegisterBook(w http.ResponseWriter, r *http.Request) {
	var req bookRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Stock == nil {
		writeError(w, r, http.StatusBadRequest, app.ErrNegativeStock.Message)
		return
	}
	book, err := s.app.Books.Register(r.Context(), req.Code, req.Title, req.Author, *req.Stock)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeData(w, http.StatusCreated, book)
}

func (s *Server) handleListBooks(w http.ResponseWriter, r *http.Request) {
	books, err := s.app.Books.ListAvailable(r.Context())
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, books)
}

type loanRequest struct {
	MemberCode string `json:"member_code"`
	BookCode   string `json:"book_code"`
}

func (s *Server) handleBorrow(w http.ResponseWriter, r *http.Request) {
	var req loanRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	loan, err := s.app.Loans.Borrow(r.Context(), req.MemberCode, req.BookCode)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeData(w, http.StatusCreated, loan)
}

func (s *Server) handleReturn(w http.ResponseWriter, r *http.Request) {
	var req loanRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	loan, err := s.app.Loans.Return(r.Context(), req.MemberCode, req.BookCode)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeData(w, http.StatusCreated, loan)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(dst)
	if err == nil {
		return true
	}
	var typeErr *json.UnmarshalTypeError
	var tooLarge *http.MaxBytesError
	switch {
	case errors.As(err, &typeErr) && typeErr.Field == "stock":
		writeError(w, r, http.StatusBadRequest, app.ErrNegativeStock.Message)
	case errors.As(err, &typeErr):
		writeError(w, r, http.StatusBadRequest, typeErr.Field+" must be a "+typeErr.Type.String())
	case errors.As(err, &tooLarge):
		writeError(w, r, http.StatusRequestEntityTooLarge, "request body too large")
	default:
		writeError(w, r, http.StatusBadRequest, "invalid JSON body")
	}
	return false
}

func statusForKind(kind app.Kind) int {
	switch kind {
	case app.KindNotFound:
		return http.StatusNotFound
	case app.KindConflict:
		return http.StatusConflict
	case app.KindDuplicateKey, app.KindForbidden, app.KindBadRequest:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func writeAppError(w http.ResponseWriter, r *http.Request, err error) {
	var appErr *app.Error
	if errors.As(err, &appErr) {
		writeError(w, r, statusForKind(appErr.Kind), appErr.Message)
		return
	}
	util.LoggerFromContext(r.Context()).Error("request failed", "path", r.URL.Path, "err", err)
	writeError(w, r, http.StatusInternalServerError, "internal error")
}

type dataResponse struct {
	Data any `json:"data"`
}

func writeData(w http.ResponseWriter, status int, payload any) {
	writeJSON(w, status, dataResponse{Data: payload})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

type errorResponse struct {
	StatusCode int    `json:"statusCode"`
	Error      string `json:"error"`
	Message    string `json:"message"`
	RequestID  string `json:"requestId,omitempty"`
}

func writeError(w http.ResponseWriter, r *http.Request, status int, msg string) {
	requestID := util.RequestIDFromRequest(r)
	if requestID == "" {
		requestID = strings.TrimSpace(w.Header().Get(util.RequestIDHeader))
	}
	writeJSON(w, status, errorResponse{
		StatusCode: status,
		Error:      http.StatusText(status),
		Message:    msg,
		RequestID:  requestID,
	})
}
