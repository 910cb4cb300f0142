// Package client is a typed HTTP client for the transaction API. Errors
// returned by the server come back as *apperrors.Error with their code intact.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/Poly-pay/polypay-app-sub000/apperrors"
	"github.com/Poly-pay/polypay-app-sub000/consensus"
	"github.com/Poly-pay/polypay-app-sub000/srvreg"
)

type RequestOptions struct {
	Headers map[string]string
}

type Response struct {
	StatusCode int
	Headers    http.Header
	Body       []byte
}

type HTTPClient struct {
	BaseURL     string
	Client      *http.Client
	DefaultOpts RequestOptions
}

// NewHTTPClient creates a client. Votes block until the verifier finishes,
// so timeout should cover a full poll cycle.
func NewHTTPClient(baseURL string, timeout time.Duration) *HTTPClient {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPClient{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Client: &http.Client{
			Timeout: timeout,
		},
		DefaultOpts: RequestOptions{
			Headers: map[string]string{},
		},
	}
}

// Call sends body as JSON and returns the raw response. Non-2xx responses are
// returned as errors.
func (c *HTTPClient) Call(ctx context.Context, method, endpoint string, body interface{}, opts *RequestOptions) (*Response, error) {
	if opts == nil {
		opts = &c.DefaultOpts
	}

	var bodyReader io.Reader
	if body != nil {
		bodyJSON, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		bodyReader = bytes.NewBuffer(bodyJSON)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+endpoint, bodyReader)
	if err != nil {
		return nil, err
	}
	for key, value := range opts.Headers {
		req.Header.Set(key, value)
	}
	if body != nil && req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.Client.Do(req)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeTransientNetwork, fmt.Sprintf("%s %s failed", method, endpoint), err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeTransientNetwork, "Failed to read response", err)
	}

	out := &Response{
		StatusCode: resp.StatusCode,
		Headers:    resp.Header,
		Body:       respBody,
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return out, decodeError(out)
	}
	return out, nil
}

func (c *HTTPClient) GET(ctx context.Context, endpoint string, opts *RequestOptions) (*Response, error) {
	return c.Call(ctx, http.MethodGet, endpoint, nil, opts)
}

func (c *HTTPClient) POST(ctx context.Context, endpoint string, body interface{}, opts *RequestOptions) (*Response, error) {
	return c.Call(ctx, http.MethodPost, endpoint, body, opts)
}

// Propose creates a transaction with the proposer's vote
func (c *HTTPClient) Propose(ctx context.Context, req *consensus.ProposeRequest) (*consensus.VoteOutcome, error) {
	resp, err := c.POST(ctx, "/transactions", req, nil)
	if err != nil {
		return nil, err
	}
	var out consensus.VoteOutcome
	return &out, UnmarshalBody(resp, &out)
}

// Vote adds a vote to req.TxID. When the proof fails final verification the
// outcome is returned along with the error.
func (c *HTTPClient) Vote(ctx context.Context, req *consensus.VoteRequest) (*consensus.VoteOutcome, error) {
	resp, err := c.POST(ctx, txPath(req.TxID, "votes"), req, nil)
	if err != nil {
		if resp != nil {
			var body struct {
				Data *consensus.VoteOutcome `json:"data"`
			}
			if json.Unmarshal(resp.Body, &body) == nil && body.Data != nil {
				return body.Data, err
			}
		}
		return nil, err
	}
	var out consensus.VoteOutcome
	return &out, UnmarshalBody(resp, &out)
}

func (c *HTTPClient) GetTransaction(ctx context.Context, txID string) (*srvreg.TransactionView, error) {
	resp, err := c.GET(ctx, txPath(txID, ""), nil)
	if err != nil {
		return nil, err
	}
	var out srvreg.TransactionView
	return &out, UnmarshalBody(resp, &out)
}

func (c *HTTPClient) GetExecutionData(ctx context.Context, txID string) (*consensus.ExecutionData, error) {
	resp, err := c.GET(ctx, txPath(txID, "execution-data"), nil)
	if err != nil {
		return nil, err
	}
	var out consensus.ExecutionData
	return &out, UnmarshalBody(resp, &out)
}

func (c *HTTPClient) MarkExecuted(ctx context.Context, txID, txHash string) error {
	_, err := c.POST(ctx, txPath(txID, "executed"), map[string]string{"txHash": txHash}, nil)
	return err
}

func txPath(txID, sub string) string {
	p := "/transactions/" + url.PathEscape(txID)
	if sub != "" {
		p += "/" + sub
	}
	return p
}

func UnmarshalBody(resp *Response, target interface{}) error {
	if len(resp.Body) == 0 {
		return fmt.Errorf("empty response body")
	}
	if err := json.Unmarshal(resp.Body, target); err != nil {
		return fmt.Errorf("failed to unmarshal response body: %w", err)
	}
	return nil
}

// decodeError rebuilds the server's error. Bodies without a code are
// classified by status.
func decodeError(resp *Response) error {
	var body struct {
		Error  string `json:"error"`
		Code   string `json:"code"`
		Detail string `json:"detail"`
	}
	_ = json.Unmarshal(resp.Body, &body)

	code := apperrors.Code(body.Code)
	if code == "" {
		code = codeForStatus(resp.StatusCode)
	}
	message := body.Error
	if message == "" {
		message = http.StatusText(resp.StatusCode)
	}
	return apperrors.New(code, message, body.Detail)
}

func codeForStatus(status int) apperrors.Code {
	switch status {
	case http.StatusNotFound:
		return apperrors.CodeNotFound
	case http.StatusConflict:
		return apperrors.CodeConflict
	case http.StatusBadRequest:
		return apperrors.CodeInvalidArgument
	case http.StatusGatewayTimeout:
		return apperrors.CodeVerificationTimeout
	case http.StatusUnprocessableEntity:
		return apperrors.CodeVerificationRejected
	default:
		return apperrors.CodeUpstream
	}
}
