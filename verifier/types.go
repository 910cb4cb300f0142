package verifier

import "time"

// Optimistic verification results returned by submit-proof
const (
	OptimisticSuccess = "success"
	OptimisticFailed  = "failed"
)

// Job statuses reported by job-status, in lifecycle order
const (
	JobQueued             = "Queued"
	JobValid              = "Valid"
	JobSubmitted          = "Submitted"
	JobIncludedInBlock    = "IncludedInBlock"
	JobFinalized          = "Finalized"
	JobAggregationPending = "AggregationPending"
	JobAggregated         = "Aggregated"
	JobFailed             = "Failed"
)

var jobStatusRank = map[string]int{
	JobQueued:             1,
	JobValid:              2,
	JobSubmitted:          3,
	JobIncludedInBlock:    4,
	JobFinalized:          5,
	JobAggregationPending: 6,
	JobAggregated:         7,
}

// Config contains the verifier endpoint and the retry/poll policy
type Config struct {
	BaseURL   string
	APIKey    string
	ProofType string
	ChainID   int64

	// Network errors on submit are retried SubmitRetries times with
	// exponential backoff starting at SubmitBackoff.
	SubmitRetries uint64
	SubmitBackoff time.Duration

	// PollUntilFinalized defaults
	PollInterval    time.Duration
	MaxPollAttempts int

	// TerminalStatus is the first job status treated as final. Later
	// lifecycle statuses are final too.
	TerminalStatus string

	RequestTimeout time.Duration
}

// DefaultConfig returns the policy the verifier is tuned for
func DefaultConfig() Config {
	return Config{
		ProofType:       "groth16",
		SubmitRetries:   3,
		SubmitBackoff:   time.Second,
		PollInterval:    5 * time.Second,
		MaxPollAttempts: 30,
		TerminalStatus:  JobIncludedInBlock,
		RequestTimeout:  30 * time.Second,
	}
}

type proofOptions struct {
	NumberOfPublicInputs int `json:"numberOfPublicInputs"`
}

type proofData struct {
	Proof string `json:"proof"`
	VK    string `json:"vk"`
}

type submitProofRequest struct {
	ProofType    string       `json:"proofType"`
	VKRegistered bool         `json:"vkRegistered"`
	ChainID      int64        `json:"chainId,omitempty"`
	ProofOptions proofOptions `json:"proofOptions"`
	ProofData    proofData    `json:"proofData"`
}

type registerVKRequest struct {
	ProofType    string       `json:"proofType"`
	VK           string       `json:"vk"`
	ProofOptions proofOptions `json:"proofOptions"`
}

// SubmitResult is the verifier's immediate, unconfirmed answer
type SubmitResult struct {
	JobID            string `json:"jobId"`
	OptimisticVerify string `json:"optimisticVerify"`
	Error            string `json:"error,omitempty"`
}

// Accepted reports whether the optimistic judgment was positive
func (r *SubmitResult) Accepted() bool {
	return r.OptimisticVerify == OptimisticSuccess
}

// AggregationDetails carries what the on-chain verifier needs to check the
// proof's inclusion in an aggregation
type AggregationDetails struct {
	Receipt     string   `json:"receipt,omitempty"`
	Root        string   `json:"root,omitempty"`
	Leaf        string   `json:"leaf,omitempty"`
	LeafIndex   uint64   `json:"leafIndex"`
	LeafCount   uint64   `json:"numberOfLeaves"`
	MerkleProof []string `json:"merkleProof"`
}

// JobStatus is a job-status response
type JobStatus struct {
	JobID              string              `json:"jobId"`
	Status             string              `json:"status"`
	TxHash             string              `json:"txHash,omitempty"`
	AggregationID      *uint64             `json:"aggregationId,omitempty"`
	AggregationDetails *AggregationDetails `json:"aggregationDetails,omitempty"`
	Error              string              `json:"error,omitempty"`
}

// Failed reports whether the verifier declared the proof invalid
func (s *JobStatus) Failed() bool {
	return s.Status == JobFailed
}

// Reached reports whether the job is at or past the given lifecycle status
func (s *JobStatus) Reached(status string) bool {
	rank, ok := jobStatusRank[s.Status]
	if !ok {
		return false
	}
	target, ok := jobStatusRank[status]
	if !ok {
		target = jobStatusRank[JobIncludedInBlock]
	}
	return rank >= target
}

// Registration is the outcome of register-vk. Raw holds the verifier's
// response body, also when registration failed.
type Registration struct {
	VKHash     string
	StatusCode int
	Raw        []byte
}
