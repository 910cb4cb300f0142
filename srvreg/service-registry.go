package srvreg

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	cmtlog "github.com/cometbft/cometbft/libs/log"
	"github.com/gorilla/mux"

	"github.com/Poly-pay/polypay-app-sub000/apperrors"
	"github.com/Poly-pay/polypay-app-sub000/consensus"
	"github.com/Poly-pay/polypay-app-sub000/repository/models"
)

// maxBodyBytes bounds request bodies; proofs are a few kilobytes
const maxBodyBytes = 4 << 20

// Request represents the client's HTTP request as seen by a service handler
type Request struct {
	Method     string            `json:"method"`
	Path       string            `json:"path"`
	Params     map[string]string `json:"params"`
	Body       []byte            `json:"-"`
	RemoteAddr string            `json:"remote_addr"`
	RequestID  string            `json:"request_id"`
	Timestamp  time.Time         `json:"timestamp"`

	ctx context.Context
}

// Context is the request's context; it is cancelled when the client goes away
func (r *Request) Context() context.Context {
	if r.ctx == nil {
		return context.Background()
	}
	return r.ctx
}

// Decode unmarshals the JSON body into v, rejecting unknown fields
func (r *Request) Decode(v interface{}) error {
	if len(bytes.TrimSpace(r.Body)) == 0 {
		return apperrors.InvalidArgument("request body is required")
	}
	dec := json.NewDecoder(bytes.NewReader(r.Body))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return apperrors.InvalidArgument("malformed JSON body: " + err.Error())
	}
	return nil
}

// Response represents the computed response of a service handler
type Response struct {
	StatusCode int         `json:"status_code"`
	Body       interface{} `json:"body"`
}

// ConvertHttpRequestToRequest converts an http.Request to Request
func ConvertHttpRequestToRequest(r *http.Request, requestID string) (*Request, error) {
	var body []byte
	if r.Body != nil {
		b, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes+1))
		if err != nil {
			return nil, err
		}
		if len(b) > maxBodyBytes {
			return nil, apperrors.InvalidArgument(fmt.Sprintf("request body exceeds %d bytes", maxBodyBytes))
		}
		body = b
	}

	return &Request{
		Method:     r.Method,
		Path:       r.URL.Path,
		Params:     mux.Vars(r),
		Body:       body,
		RemoteAddr: r.RemoteAddr,
		RequestID:  requestID,
		Timestamp:  time.Now(),
		ctx:        r.Context(),
	}, nil
}

// ServiceHandler is a function type for service handlers
type ServiceHandler func(*Request) (*Response, error)

// RouteKey is used to uniquely identify a route. Path uses gorilla/mux
// templates, e.g. /transactions/{txId}.
type RouteKey struct {
	Method string
	Path   string
}

// Engine is the consensus service as the HTTP surface uses it
type Engine interface {
	ProposeAndVote(ctx context.Context, req *consensus.ProposeRequest) (*consensus.VoteOutcome, error)
	AddVote(ctx context.Context, req *consensus.VoteRequest) (*consensus.VoteOutcome, error)
	GetTransaction(ctx context.Context, txID string) (*models.Transaction, error)
	GetExecutionData(ctx context.Context, txID string) (*consensus.ExecutionData, error)
	MarkExecuted(ctx context.Context, txID, txHash string) (*models.Transaction, error)
}

// ServiceRegistry manages all service handlers
type ServiceRegistry struct {
	handlers map[RouteKey]ServiceHandler
	mu       sync.RWMutex
	engine   Engine
	logger   cmtlog.Logger
}

// NewServiceRegistry creates a new service registry
func NewServiceRegistry(engine Engine, logger cmtlog.Logger) *ServiceRegistry {
	return &ServiceRegistry{
		handlers: make(map[RouteKey]ServiceHandler),
		engine:   engine,
		logger:   logger.With("module", "srvreg"),
	}
}

// RegisterHandler registers a new service handler
func (sr *ServiceRegistry) RegisterHandler(method, path string, handler ServiceHandler) {
	sr.mu.Lock()
	defer sr.mu.Unlock()

	key := RouteKey{Method: strings.ToUpper(method), Path: path}
	sr.handlers[key] = handler
}

// GetHandler returns the handler registered for a route template
func (sr *ServiceRegistry) GetHandler(method, path string) (ServiceHandler, bool) {
	sr.mu.RLock()
	defer sr.mu.RUnlock()

	h, ok := sr.handlers[RouteKey{Method: strings.ToUpper(method), Path: path}]
	return h, ok
}

// Routes lists the registered routes in a stable order
func (sr *ServiceRegistry) Routes() []RouteKey {
	sr.mu.RLock()
	defer sr.mu.RUnlock()

	keys := make([]RouteKey, 0, len(sr.handlers))
	for k := range sr.handlers {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].Path != keys[j].Path {
			return keys[i].Path < keys[j].Path
		}
		return keys[i].Method < keys[j].Method
	})
	return keys
}

// Mount registers every route on router, adapting handlers with wrap
func (sr *ServiceRegistry) Mount(router *mux.Router, wrap func(ServiceHandler) http.Handler) {
	for _, key := range sr.Routes() {
		h, _ := sr.GetHandler(key.Method, key.Path)
		router.Handle(key.Path, wrap(h)).Methods(key.Method)
	}
}

// RegisterDefaultServices sets up the transaction endpoints
func (sr *ServiceRegistry) RegisterDefaultServices() {
	// Propose a transaction with the proposer's approval
	sr.RegisterHandler(
		"POST",
		"/transactions",
		sr.ProposeHandler,
	)
	// Vote on a transaction
	sr.RegisterHandler(
		"POST",
		"/transactions/{txId}/votes",
		sr.VoteHandler,
	)
	sr.RegisterHandler(
		"GET",
		"/transactions/{txId}",
		sr.GetTransactionHandler,
	)
	sr.RegisterHandler(
		"GET",
		"/transactions/{txId}/execution-data",
		sr.ExecutionDataHandler,
	)
	// Executor callback once the transaction is mined
	sr.RegisterHandler(
		"POST",
		"/transactions/{txId}/executed",
		sr.MarkExecutedHandler,
	)
}
