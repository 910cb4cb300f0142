// Package verifier talks to the external asynchronous proof-verification
// service: register a verification key, submit a proof, poll its job until the
// service reports a final status.
package verifier

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	cmtlog "github.com/cometbft/cometbft/libs/log"
	"github.com/sethvargo/go-retry"

	"github.com/Poly-pay/polypay-app-sub000/apperrors"
	"github.com/Poly-pay/polypay-app-sub000/metrics"
)

// maxBodyBytes bounds how much of a verifier response is read
const maxBodyBytes = 1 << 20

var errNotFinal = errors.New("job not final yet")

// Client is a ProofVerificationClient. It has no local state besides its
// configuration; all state lives in the external service.
type Client struct {
	config     Config
	httpClient *http.Client
	logger     cmtlog.Logger
	metrics    *metrics.Metrics
}

// NewClient creates a verification client. m may be nil.
func NewClient(config Config, logger cmtlog.Logger, m *metrics.Metrics) *Client {
	if config.RequestTimeout <= 0 {
		config.RequestTimeout = DefaultConfig().RequestTimeout
	}
	if config.SubmitBackoff <= 0 {
		config.SubmitBackoff = DefaultConfig().SubmitBackoff
	}
	if config.PollInterval <= 0 {
		config.PollInterval = DefaultConfig().PollInterval
	}
	if config.MaxPollAttempts <= 0 {
		config.MaxPollAttempts = DefaultConfig().MaxPollAttempts
	}
	if config.TerminalStatus == "" {
		config.TerminalStatus = DefaultConfig().TerminalStatus
	}
	config.BaseURL = strings.TrimRight(config.BaseURL, "/")

	return &Client{
		config: config,
		httpClient: &http.Client{
			Timeout: config.RequestTimeout,
		},
		logger:  logger.With("module", "verifier"),
		metrics: m,
	}
}

// Config returns the effective configuration
func (c *Client) Config() Config {
	return c.config
}

// Submit sends a proof for verification and returns the job handle with the
// verifier's optimistic judgment. Network-level failures are retried with
// exponential backoff; anything else is returned immediately.
func (c *Client) Submit(ctx context.Context, proof []byte, publicInputs [][32]byte, vkHash string) (*SubmitResult, error) {
	payload := submitProofRequest{
		ProofType:    c.config.ProofType,
		VKRegistered: true,
		ChainID:      c.config.ChainID,
		ProofOptions: proofOptions{NumberOfPublicInputs: len(publicInputs)},
		ProofData: proofData{
			Proof: EncodeProofData(proof, publicInputs),
			VK:    vkHash,
		},
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize proof submission: %w", err)
	}

	backoff := c.submitBackoff()

	var result *SubmitResult
	attempt := 0
	err = retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempt++
		res, err := c.submitOnce(ctx, body)
		if err != nil {
			if ctx.Err() == nil && IsTransient(err) {
				c.logger.Info("Proof submission failed, retrying", "attempt", attempt, "err", err)
				c.metrics.SubmitRetry()
				return retry.RetryableError(err)
			}
			return err
		}
		result = res
		return nil
	})
	if err != nil {
		// The caller's own deadline looks like a network timeout
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, fmt.Errorf("submitting proof: %w", ctxErr)
		}
		if IsTransient(err) {
			return nil, apperrors.Wrap(
				apperrors.CodeTransientNetwork,
				fmt.Sprintf("Verifier unreachable after %d attempts", attempt),
				err,
			)
		}
		return nil, err
	}

	c.logger.Debug("Proof submitted", "job_id", result.JobID, "optimistic", result.OptimisticVerify)
	return result, nil
}

// submitBackoff is the schedule between submit attempts: SubmitBackoff,
// doubling, for at most SubmitRetries retries
func (c *Client) submitBackoff() retry.Backoff {
	return retry.WithMaxRetries(c.config.SubmitRetries, retry.NewExponential(c.config.SubmitBackoff))
}

func (c *Client) submitOnce(ctx context.Context, body []byte) (*SubmitResult, error) {
	status, respBody, err := c.do(ctx, http.MethodPost, c.endpoint("submit-proof"), body)
	if err != nil {
		return nil, err
	}

	var result SubmitResult
	decodeErr := json.Unmarshal(respBody, &result)

	// A negative optimistic judgment may come back with a client error status
	if decodeErr == nil && result.OptimisticVerify == OptimisticFailed {
		return &result, nil
	}
	if status < 200 || status >= 300 {
		return nil, apperrors.Newf(apperrors.CodeUpstream, "Verifier rejected submission", "status %d: %s", status, truncate(respBody))
	}
	if decodeErr != nil {
		return nil, apperrors.Wrap(apperrors.CodeUpstream, "Failed to parse submit-proof response", decodeErr)
	}
	if result.JobID == "" && result.Accepted() {
		return nil, apperrors.New(apperrors.CodeUpstream, "Verifier returned no job id", truncate(respBody))
	}
	return &result, nil
}

// GetStatus fetches the current status of a verification job
func (c *Client) GetStatus(ctx context.Context, jobID string) (*JobStatus, error) {
	status, respBody, err := c.do(ctx, http.MethodGet, c.endpoint("job-status", jobID), nil)
	if err != nil {
		return nil, err
	}
	if status < 200 || status >= 300 {
		return nil, apperrors.Newf(apperrors.CodeUpstream, "Job status request failed", "status %d: %s", status, truncate(respBody))
	}

	var js JobStatus
	if err := json.Unmarshal(respBody, &js); err != nil {
		return nil, apperrors.Wrap(apperrors.CodeUpstream, "Failed to parse job-status response", err)
	}
	if js.JobID == "" {
		js.JobID = jobID
	}
	return &js, nil
}

// PollUntilFinalized polls the job every interval until it reaches the
// configured terminal status or fails, for at most maxAttempts polls. A
// status request that errors counts as one attempt and as "not yet". Running
// out of attempts is a VerificationTimeout, never a rejection. A declared
// failure is returned as a status with Failed() true.
//
// Giving up here does not cancel the job on the verifier side.
func (c *Client) PollUntilFinalized(ctx context.Context, jobID string, maxAttempts int, interval time.Duration) (*JobStatus, error) {
	if maxAttempts <= 0 {
		maxAttempts = c.config.MaxPollAttempts
	}
	if interval <= 0 {
		interval = c.config.PollInterval
	}

	backoff := retry.WithMaxRetries(uint64(maxAttempts-1), retry.NewConstant(interval))

	started := time.Now()
	attempts := 0
	var final *JobStatus
	var last string
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempts++
		c.metrics.PollAttempt()

		js, err := c.GetStatus(ctx, jobID)
		if err != nil {
			c.metrics.PollError()
			c.logger.Error("Job status poll failed", "job_id", jobID, "attempt", attempts, "err", err)
			return retry.RetryableError(errNotFinal)
		}
		last = js.Status
		if js.Failed() || js.Reached(c.config.TerminalStatus) {
			final = js
			return nil
		}
		return retry.RetryableError(errNotFinal)
	})
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, apperrors.Wrap(
				apperrors.CodeVerificationTimeout,
				fmt.Sprintf("Stopped polling job %s after %d attempts", jobID, attempts),
				ctxErr,
			)
		}
		return nil, apperrors.Newf(
			apperrors.CodeVerificationTimeout,
			"Verification did not finish in time",
			"job %s still %q after %d attempts", jobID, last, attempts,
		)
	}

	c.metrics.VerificationFinished(time.Since(started))
	c.logger.Info("Verification job finished", "job_id", jobID, "status", final.Status, "attempts", attempts)
	return final, nil
}

// RegisterVK registers a verification key. The returned Registration carries
// the raw response whenever one was read, including on failure.
func (c *Client) RegisterVK(ctx context.Context, vk string, numberOfPublicInputs int) (*Registration, error) {
	body, err := json.Marshal(registerVKRequest{
		ProofType:    c.config.ProofType,
		VK:           vk,
		ProofOptions: proofOptions{NumberOfPublicInputs: numberOfPublicInputs},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to serialize vk registration: %w", err)
	}

	status, respBody, err := c.do(ctx, http.MethodPost, c.endpoint("register-vk"), body)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeVKRegistration, "Failed to reach verifier", err)
	}
	reg := &Registration{StatusCode: status, Raw: respBody}

	if status < 200 || status >= 300 {
		return reg, apperrors.Newf(apperrors.CodeVKRegistration, "Verifier refused verification key", "status %d: %s", status, truncate(respBody))
	}

	hash, err := ExtractVKHash(respBody)
	if err != nil {
		return reg, apperrors.Wrap(apperrors.CodeVKRegistration, "Unexpected register-vk response", err)
	}
	reg.VKHash = hash
	return reg, nil
}

// ExtractVKHash reads vkHash from a register-vk response, either at the top
// level or nested under meta
func ExtractVKHash(body []byte) (string, error) {
	var resp struct {
		VKHash string `json:"vkHash"`
		Meta   struct {
			VKHash string `json:"vkHash"`
		} `json:"meta"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", err
	}
	if resp.VKHash != "" {
		return resp.VKHash, nil
	}
	if resp.Meta.VKHash != "" {
		return resp.Meta.VKHash, nil
	}
	return "", errors.New("response has no vkHash")
}

func (c *Client) endpoint(parts ...string) string {
	segments := []string{c.config.BaseURL, parts[0], url.PathEscape(c.config.APIKey)}
	for _, p := range parts[1:] {
		segments = append(segments, url.PathEscape(p))
	}
	return strings.Join(segments, "/")
}

func (c *Client) do(ctx context.Context, method, endpoint string, body []byte) (int, []byte, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return resp.StatusCode, nil, err
	}
	return resp.StatusCode, respBody, nil
}

func truncate(b []byte) string {
	const max = 512
	if len(b) > max {
		return string(b[:max]) + "..."
	}
	return string(b)
}
