package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Poly-pay/polypay-app-sub000/apperrors"
	"github.com/Poly-pay/polypay-app-sub000/consensus"
	"github.com/Poly-pay/polypay-app-sub000/repository/models"
)

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func newAPI(t *testing.T) (*HTTPClient, *string) {
	t.Helper()
	marked := new(string)

	router := mux.NewRouter()
	router.HandleFunc("/transactions", func(w http.ResponseWriter, r *http.Request) {
		var req consensus.ProposeRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		writeJSON(w, http.StatusCreated, consensus.VoteOutcome{TxID: req.TxID, Status: models.StatusPending, ApproveCount: 1, Required: req.SignaturesRequired})
	}).Methods("POST")
	router.HandleFunc("/transactions/{txId}/votes", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]interface{}{
			"error": "Proof rejected by verifier",
			"code":  "VERIFICATION_REJECTED",
			"data":  consensus.VoteOutcome{TxID: mux.Vars(r)["txId"], Status: models.StatusPending, Required: 2},
		})
	}).Methods("POST")
	router.HandleFunc("/transactions/{txId}/execution-data", func(w http.ResponseWriter, r *http.Request) {
		if mux.Vars(r)["txId"] != "tx 1" {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "Transaction does not exist", "code": "NOT_FOUND"})
			return
		}
		writeJSON(w, http.StatusOK, consensus.ExecutionData{
			TxID:   "tx 1",
			Status: models.StatusReady,
			Proofs: []consensus.ExecutionProof{{Nullifier: "0x01", AggregationID: 42, MerkleProof: []string{"0xaa"}}},
		})
	}).Methods("GET")
	router.HandleFunc("/transactions/{txId}/executed", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		*marked = body["txHash"]
		writeJSON(w, http.StatusOK, map[string]string{"txId": mux.Vars(r)["txId"], "status": "EXECUTED"})
	}).Methods("POST")
	router.HandleFunc("/transactions/{txId}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}).Methods("GET")

	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	return NewHTTPClient(srv.URL+"/", 0), marked
}

func TestPropose(t *testing.T) {
	c, _ := newAPI(t)

	out, err := c.Propose(context.Background(), &consensus.ProposeRequest{TxID: "tx-1", SignaturesRequired: 3})
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, out.Status)
	assert.Equal(t, 3, out.Required)
}

func TestVoteRejectionKeepsOutcome(t *testing.T) {
	c, _ := newAPI(t)

	out, err := c.Vote(context.Background(), &consensus.VoteRequest{TxID: "tx-1"})
	require.ErrorIs(t, err, apperrors.ErrVerificationRejected)
	require.NotNil(t, out)
	assert.Equal(t, "tx-1", out.TxID)
}

func TestExecutionDataEscapesTxID(t *testing.T) {
	c, _ := newAPI(t)

	data, err := c.GetExecutionData(context.Background(), "tx 1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusReady, data.Status)
	require.Len(t, data.Proofs, 1)
	assert.Equal(t, uint64(42), data.Proofs[0].AggregationID)

	_, err = c.GetExecutionData(context.Background(), "other")
	require.ErrorIs(t, err, apperrors.ErrNotFound)
}

func TestMarkExecuted(t *testing.T) {
	c, marked := newAPI(t)

	require.NoError(t, c.MarkExecuted(context.Background(), "tx-1", "0xfeed"))
	assert.Equal(t, "0xfeed", *marked)
}

func TestStatusWithoutBodyIsClassified(t *testing.T) {
	c, _ := newAPI(t)

	_, err := c.GetTransaction(context.Background(), "tx-1")
	require.ErrorIs(t, err, apperrors.ErrUpstream)
}

func TestUnreachableServer(t *testing.T) {
	c := NewHTTPClient("http://127.0.0.1:1", 0)

	_, err := c.GetTransaction(context.Background(), "tx-1")
	require.ErrorIs(t, err, apperrors.ErrTransientNetwork)
}
