// Package verifiertest runs an in-process stand-in for the external proof
// verification service. The last byte of a submitted proof selects how the
// fake treats it.
package verifiertest

import (
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Poly-pay/polypay-app-sub000/verifier"
)

// Proof behaviours
const (
	Valid          byte = 0x01
	OptimisticFail byte = 0x02
	NeverFinal     byte = 0x03
	FinalFail      byte = 0x04
)

const (
	VKHash = "0x5ee0fdc1b1a0b2a1d3a1f5d3b2c1a0f9e8d7c6b5a4f3e2d1c0b9a8f7e6d5c4b3"
	APIKey = "test-key"

	proofBodyPrefix = "0xdeadbeef"
)

type job struct {
	behaviour byte
	index     int
}

// Proof returns a hex proof the fake handles with the given behaviour
func Proof(behaviour byte) string {
	return proofBodyPrefix + hex.EncodeToString([]byte{behaviour})
}

// Fake is the fake verifier
type Fake struct {
	Server *httptest.Server

	mu            sync.Mutex
	jobs          map[string]job
	submits       int
	registrations int
	polls         int
	nextJob       int
	onStatus      func()
}

func New(t testing.TB) *Fake {
	f := &Fake{jobs: make(map[string]job)}
	mux := http.NewServeMux()
	mux.HandleFunc("/register-vk/"+APIKey, f.handleRegister)
	mux.HandleFunc("/submit-proof/"+APIKey, f.handleSubmit)
	mux.HandleFunc("/job-status/"+APIKey+"/", f.handleStatus)
	f.Server = httptest.NewServer(mux)
	t.Cleanup(f.Server.Close)
	return f
}

// Config returns a client configuration pointed at the fake with
// millisecond poll intervals and a three-poll budget
func (f *Fake) Config() verifier.Config {
	cfg := verifier.DefaultConfig()
	cfg.BaseURL = f.Server.URL
	cfg.APIKey = APIKey
	cfg.SubmitBackoff = time.Millisecond
	cfg.PollInterval = time.Millisecond
	cfg.MaxPollAttempts = 3
	cfg.RequestTimeout = 2 * time.Second
	return cfg
}

func (f *Fake) Submits() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.submits
}

func (f *Fake) Registrations() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.registrations
}

func (f *Fake) Polls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.polls
}

// OnStatus installs fn to run on every status request before it is answered
func (f *Fake) OnStatus(fn func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onStatus = fn
}

// AddJob registers a job as if a proof with the given behaviour had been
// submitted earlier, without counting a submit
func (f *Fake) AddJob(behaviour byte) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.addJobLocked(behaviour)
}

func (f *Fake) addJobLocked(behaviour byte) string {
	f.nextJob++
	jobID := fmt.Sprintf("job-%d", f.nextJob)
	f.jobs[jobID] = job{behaviour: behaviour, index: f.nextJob - 1}
	return jobID
}

func (f *Fake) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req struct {
		VK string `json:"vk"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.VK == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid vk"})
		return
	}
	f.mu.Lock()
	f.registrations++
	f.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]string{"vkHash": VKHash})
}

func (f *Fake) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ProofData struct {
			Proof string `json:"proof"`
			VK    string `json:"vk"`
		} `json:"proofData"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	raw, err := base64.StdEncoding.DecodeString(req.ProofData.Proof)
	if err != nil || len(raw) == 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "bad proof encoding"})
		return
	}
	if req.ProofData.VK != VKHash {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "unknown vk"})
		return
	}

	f.mu.Lock()
	f.submits++
	behaviour := raw[len(raw)-1]
	jobID := f.addJobLocked(behaviour)
	f.mu.Unlock()

	result := verifier.OptimisticSuccess
	if behaviour == OptimisticFail {
		result = verifier.OptimisticFailed
	}
	writeJSON(w, http.StatusOK, verifier.SubmitResult{JobID: jobID, OptimisticVerify: result})
}

func (f *Fake) handleStatus(w http.ResponseWriter, r *http.Request) {
	jobID := strings.TrimPrefix(r.URL.Path, "/job-status/"+APIKey+"/")

	f.mu.Lock()
	f.polls++
	j, ok := f.jobs[jobID]
	hook := f.onStatus
	f.mu.Unlock()

	if hook != nil {
		hook()
	}

	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown job"})
		return
	}

	switch j.behaviour {
	case NeverFinal:
		writeJSON(w, http.StatusOK, verifier.JobStatus{JobID: jobID, Status: verifier.JobQueued})
	case FinalFail:
		writeJSON(w, http.StatusOK, verifier.JobStatus{JobID: jobID, Status: verifier.JobFailed, Error: "invalid proof"})
	default:
		aggregationID := uint64(42)
		writeJSON(w, http.StatusOK, verifier.JobStatus{
			JobID:         jobID,
			Status:        verifier.JobAggregated,
			AggregationID: &aggregationID,
			AggregationDetails: &verifier.AggregationDetails{
				Root:        "0xroot",
				Leaf:        "0xleaf-" + jobID,
				LeafIndex:   uint64(j.index),
				LeafCount:   8,
				MerkleProof: []string{"0xaa", "0xbb", "0xcc"},
			},
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
