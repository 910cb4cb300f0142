package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	cmtlog "github.com/cometbft/cometbft/libs/log"
	"github.com/google/uuid"
	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"

	"github.com/Poly-pay/polypay-app-sub000/apperrors"
	"github.com/Poly-pay/polypay-app-sub000/metrics"
	service_registry "github.com/Poly-pay/polypay-app-sub000/srvreg"
)

// RequestIDHeader carries the request id in both directions
const RequestIDHeader = "X-Request-ID"

// HealthCheck reports whether a dependency is usable
type HealthCheck func(ctx context.Context) error

// WebServer handles HTTP requests
type WebServer struct {
	httpAddr        string
	server          *http.Server
	router          *mux.Router
	logger          cmtlog.Logger
	startTime       time.Time
	serviceRegistry *service_registry.ServiceRegistry
	checks          map[string]HealthCheck
}

// ErrorResponse is the body of every failed request
type ErrorResponse struct {
	Error  string      `json:"error"`
	Code   string      `json:"code,omitempty"`
	Detail string      `json:"detail,omitempty"`
	Data   interface{} `json:"data,omitempty"`
}

// NewWebServer creates a new web server. m may be nil, in which case
// /metrics is not served.
func NewWebServer(
	httpPort string,
	logger cmtlog.Logger,
	serviceRegistry *service_registry.ServiceRegistry,
	m *metrics.Metrics,
	checks map[string]HealthCheck,
) *WebServer {
	router := mux.NewRouter()

	ws := &WebServer{
		httpAddr:        ":" + httpPort,
		router:          router,
		logger:          logger.With("module", "server"),
		startTime:       time.Now(),
		serviceRegistry: serviceRegistry,
		checks:          checks,
	}

	// Register routes
	router.HandleFunc("/health", ws.handleHealth).Methods(http.MethodGet)
	if m != nil {
		router.Handle("/metrics", m.Handler()).Methods(http.MethodGet)
	}
	serviceRegistry.Mount(router, ws.serve)
	router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		JSONError(w, fmt.Sprintf("Service not found for %s %s", r.Method, r.URL.Path), http.StatusNotFound)
	})
	router.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		JSONError(w, "Method not allowed", http.StatusMethodNotAllowed)
	})

	ws.server = &http.Server{
		Addr:              ws.httpAddr,
		Handler:           ws.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return ws
}

// Handler is the full middleware chain: request id, access log, recovery
func (ws *WebServer) Handler() http.Handler {
	var h http.Handler = ws.router
	h = handlers.RecoveryHandler(
		handlers.RecoveryLogger(recoveryLogger{ws.logger}),
		handlers.PrintRecoveryStack(true),
	)(h)
	h = handlers.CustomLoggingHandler(io.Discard, h, ws.logRequest)
	return withRequestID(h)
}

// Start starts the web server
func (ws *WebServer) Start() error {
	ws.logger.Info("Starting web server", "addr", ws.httpAddr)
	go func() {
		if err := ws.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			ws.logger.Error("web server error: ", "err", err)
		}
	}()
	return nil
}

// Shutdown gracefully shuts down the web server
func (ws *WebServer) Shutdown(ctx context.Context) error {
	ws.logger.Info("Shutting down web server")
	return ws.server.Shutdown(ctx)
}

// serve adapts a service handler to net/http
func (ws *WebServer) serve(handler service_registry.ServiceHandler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get(RequestIDHeader)
		req, err := service_registry.ConvertHttpRequestToRequest(r, requestID)
		if err != nil {
			ws.writeError(w, r, err, nil)
			return
		}

		resp, err := handler(req)
		if err != nil {
			var data interface{}
			if resp != nil {
				data = resp.Body
			}
			ws.writeError(w, r, err, data)
			return
		}
		if resp == nil {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		writeJSON(w, resp.StatusCode, resp.Body)
	})
}

func (ws *WebServer) writeError(w http.ResponseWriter, r *http.Request, err error, data interface{}) {
	status := StatusFor(err)
	body := ErrorResponse{Error: "Internal server error", Data: data}

	var appErr *apperrors.Error
	if errors.As(err, &appErr) {
		body.Code = string(appErr.Code)
		body.Error = appErr.Message
		body.Detail = appErr.Detail
		if body.Error == "" {
			body.Error = string(appErr.Code)
		}
	}

	if status >= http.StatusInternalServerError {
		ws.logger.Error("Request failed", "method", r.Method, "path", r.URL.Path, "status", status, "err", err)
	} else {
		ws.logger.Info("Request rejected", "method", r.Method, "path", r.URL.Path, "status", status, "err", err)
	}
	writeJSON(w, status, body)
}

// StatusFor maps an error to the HTTP status surfaced to callers
func StatusFor(err error) int {
	switch apperrors.CodeOf(err) {
	case apperrors.CodeNotFound:
		return http.StatusNotFound
	case apperrors.CodeConflict:
		return http.StatusConflict
	case apperrors.CodeInvalidArgument:
		return http.StatusBadRequest
	case apperrors.CodeVerificationRejected, apperrors.CodeExecutionReverted:
		return http.StatusUnprocessableEntity
	case apperrors.CodeVerificationTimeout:
		return http.StatusGatewayTimeout
	case apperrors.CodeTransientNetwork, apperrors.CodeUpstream, apperrors.CodeVKRegistration:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// handleHealth runs every registered check
func (ws *WebServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := http.StatusOK
	results := make(map[string]string, len(ws.checks))
	for name, check := range ws.checks {
		if err := check(ctx); err != nil {
			results[name] = err.Error()
			status = http.StatusServiceUnavailable
			continue
		}
		results[name] = "ok"
	}

	state := "ok"
	if status != http.StatusOK {
		state = "degraded"
	}
	writeJSON(w, status, map[string]interface{}{
		"status": state,
		"checks": results,
		"uptime": time.Since(ws.startTime).String(),
	})
}

func (ws *WebServer) logRequest(_ io.Writer, p handlers.LogFormatterParams) {
	ws.logger.Info("HTTP request",
		"method", p.Request.Method,
		"path", p.URL.Path,
		"status", p.StatusCode,
		"size", p.Size,
		"duration", time.Since(p.TimeStamp).String(),
		"request_id", p.Request.Header.Get(RequestIDHeader),
	)
}

// withRequestID keeps a caller supplied request id or generates one
func withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(RequestIDHeader)
		if id == "" {
			id = uuid.NewString()
			r.Header.Set(RequestIDHeader, id)
		}
		w.Header().Set(RequestIDHeader, id)
		next.ServeHTTP(w, r)
	})
}

type recoveryLogger struct {
	logger cmtlog.Logger
}

func (l recoveryLogger) Println(v ...interface{}) {
	l.logger.Error("Recovered from panic", "panic", fmt.Sprint(v...))
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	encoder.Encode(body)
}

// JSONError sends a JSON formatted error response with the given status code and message
func JSONError(w http.ResponseWriter, message string, statusCode int) {
	writeJSON(w, statusCode, ErrorResponse{Error: message})
}
