// Package server exposes one accelerator Context over HTTP.
package server

import (
	"errors"
	"io"
	"net/http"
	"sync"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/labstack/echo/v5"
	"golang.org/x/time/rate"

	"github.com/samcharles93/blasrt/internal/logger"
	"github.com/samcharles93/blasrt/pkg/accel"
)

const headerRequestID = "X-Request-Id"

// Config tunes a Server.
type Config struct {
	// RequestsPerSecond limits dispatch endpoints. Zero disables limiting.
	RequestsPerSecond float64
	Burst             int

	// MaxBodyBytes caps request bodies; zero selects 64 MiB.
	MaxBodyBytes int64
	Logger       logger.Logger
}

// Server serialises every request onto a single Context.
type Server struct {
	mu      sync.Mutex
	accel   *accel.Context
	limiter *rate.Limiter
	maxBody int64
	log     logger.Logger
}

// New wraps c. The Server owns access to c from then on; callers must not
// use it concurrently.
func New(c *accel.Context, cfg Config) *Server {
	s := &Server{
		accel:   c,
		maxBody: cfg.MaxBodyBytes,
		log:     cfg.Logger,
	}
	if s.maxBody <= 0 {
		s.maxBody = 64 << 20
	}
	if s.log == nil {
		s.log = logger.Discard()
	}
	if cfg.RequestsPerSecond > 0 {
		burst := max(cfg.Burst, 1)
		s.limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
	}
	return s
}

// Register mounts the /v1 routes and the request ID middleware on e.
func (s *Server) Register(e *echo.Echo) {
	e.Use(s.requestID)
	e.GET("/v1/device", s.handleDevice)
	e.POST("/v1/gemm", s.handleGemm, s.rateLimit)
	e.POST("/v1/dequantize", s.handleDequantize, s.rateLimit)
}

func (s *Server) requestID(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c *echo.Context) error {
		id := c.Request().Header.Get(headerRequestID)
		if id == "" {
			id = uuid.NewString()
		}
		c.Response().Header().Set(headerRequestID, id)
		return next(c)
	}
}

func (s *Server) rateLimit(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c *echo.Context) error {
		if s.limiter != nil && !s.limiter.Allow() {
			return writeError(c, http.StatusTooManyRequests, "rate_limited", "too many requests")
		}
		return next(c)
	}
}

// withContext runs fn with exclusive use of the Context.
func (s *Server) withContext(fn func(*accel.Context) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fn(s.accel)
}

func decodeJSON[T any](r io.Reader, limit int64) (T, error) {
	var out T
	dec := json.NewDecoder(io.LimitReader(r, limit))
	if err := dec.Decode(&out); err != nil {
		return out, err
	}
	return out, nil
}

func writeJSON(c *echo.Context, status int, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	res := c.Response()
	res.Header().Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	res.WriteHeader(status)
	_, err = res.Write(b)
	return err
}

type ErrorBody struct {
	Error ErrorDetail `json:"error"`
}

type ErrorDetail struct {
	Message string `json:"message"`
	Status  string `json:"status"`
}

func writeError(c *echo.Context, code int, status, msg string) error {
	return writeJSON(c, code, ErrorBody{Error: ErrorDetail{Message: msg, Status: status}})
}

func writeBadRequest(c *echo.Context, msg string) error {
	return writeError(c, http.StatusBadRequest, accel.StatusInvalidValue.String(), msg)
}

// writeAccelError maps a runtime status onto an HTTP status.
func (s *Server) writeAccelError(c *echo.Context, err error) error {
	st := accel.StatusOf(err)
	code := http.StatusInternalServerError
	switch st {
	case accel.StatusInvalidValue, accel.StatusAllocFailed:
		code = http.StatusBadRequest
	case accel.StatusNotInitialized:
		code = http.StatusServiceUnavailable
	}
	if code >= 500 {
		s.log.Error("request failed",
			"request_id", c.Response().Header().Get(headerRequestID),
			"status", st.String(),
			"error", err,
		)
	}
	var e *accel.Error
	msg := err.Error()
	if errors.As(err, &e) && e.Err != nil {
		msg = e.Op + ": " + e.Err.Error()
	}
	return writeError(c, code, st.String(), msg)
}
