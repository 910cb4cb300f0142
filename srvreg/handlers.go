package srvreg

import (
	"net/http"
	"strings"
	"time"

	"github.com/Poly-pay/polypay-app-sub000/apperrors"
	"github.com/Poly-pay/polypay-app-sub000/consensus"
	"github.com/Poly-pay/polypay-app-sub000/repository/models"
)

// VoteView is a recorded vote as returned by GET /transactions/{txId}
type VoteView struct {
	Nullifier     string                `json:"nullifier"`
	VoterIdentity string                `json:"voterIdentity,omitempty"`
	Decision      models.Decision       `json:"decision"`
	JobID         string                `json:"jobId"`
	Status        models.ProofJobStatus `json:"status"`
	AggregationID *uint64               `json:"aggregationId,omitempty"`
	CreatedAt     time.Time             `json:"createdAt"`
}

// TransactionView is the read model of a transaction
type TransactionView struct {
	TxID               string                   `json:"txId"`
	To                 string                   `json:"to"`
	Value              string                   `json:"value"`
	CallData           string                   `json:"callData"`
	SignaturesRequired int                      `json:"signaturesRequired"`
	Status             models.TransactionStatus `json:"status"`
	ApproveCount       int                      `json:"approveCount"`
	DenyCount          int                      `json:"denyCount"`
	TxHash             *string                  `json:"txHash,omitempty"`
	ExecutedAt         *time.Time               `json:"executedAt,omitempty"`
	CreatedAt          time.Time                `json:"createdAt"`
	Votes              []VoteView               `json:"votes"`
}

// NewTransactionView converts a stored transaction
func NewTransactionView(tx *models.Transaction) *TransactionView {
	view := &TransactionView{
		TxID:               tx.ID,
		To:                 tx.To,
		Value:              tx.Value,
		CallData:           tx.CallData,
		SignaturesRequired: tx.SignaturesRequired,
		Status:             tx.Status,
		ApproveCount:       tx.ApproveCount,
		DenyCount:          tx.DenyCount,
		TxHash:             tx.TxHash,
		ExecutedAt:         tx.ExecutedAt,
		CreatedAt:          tx.CreatedAt,
		Votes:              make([]VoteView, 0, len(tx.ProofJobs)),
	}
	for _, job := range tx.ProofJobs {
		view.Votes = append(view.Votes, VoteView{
			Nullifier:     job.Nullifier,
			VoterIdentity: job.VoterIdentity,
			Decision:      job.Decision,
			JobID:         job.JobID,
			Status:        job.Status,
			AggregationID: job.AggregationID,
			CreatedAt:     job.CreatedAt,
		})
	}
	return view
}

type markExecutedBody struct {
	TxHash string `json:"txHash"`
}

func (sr *ServiceRegistry) ProposeHandler(req *Request) (*Response, error) {
	var body consensus.ProposeRequest
	if err := req.Decode(&body); err != nil {
		return nil, err
	}

	out, err := sr.engine.ProposeAndVote(req.Context(), &body)
	if err != nil {
		return nil, err
	}
	return &Response{StatusCode: http.StatusCreated, Body: out}, nil
}

// VoteHandler records a vote. A proof that fails final verification is still
// reported with the transaction's state next to the error.
func (sr *ServiceRegistry) VoteHandler(req *Request) (*Response, error) {
	txID, err := pathTxID(req)
	if err != nil {
		return nil, err
	}
	var body consensus.VoteRequest
	if err := req.Decode(&body); err != nil {
		return nil, err
	}
	if body.TxID != "" && body.TxID != txID {
		return nil, apperrors.InvalidArgument("txId in body does not match the path")
	}
	body.TxID = txID

	out, err := sr.engine.AddVote(req.Context(), &body)
	if err != nil {
		if out != nil {
			return &Response{Body: out}, err
		}
		return nil, err
	}
	return &Response{StatusCode: http.StatusOK, Body: out}, nil
}

func (sr *ServiceRegistry) GetTransactionHandler(req *Request) (*Response, error) {
	txID, err := pathTxID(req)
	if err != nil {
		return nil, err
	}
	tx, err := sr.engine.GetTransaction(req.Context(), txID)
	if err != nil {
		return nil, err
	}
	return &Response{StatusCode: http.StatusOK, Body: NewTransactionView(tx)}, nil
}

func (sr *ServiceRegistry) ExecutionDataHandler(req *Request) (*Response, error) {
	txID, err := pathTxID(req)
	if err != nil {
		return nil, err
	}
	data, err := sr.engine.GetExecutionData(req.Context(), txID)
	if err != nil {
		return nil, err
	}
	return &Response{StatusCode: http.StatusOK, Body: data}, nil
}

func (sr *ServiceRegistry) MarkExecutedHandler(req *Request) (*Response, error) {
	txID, err := pathTxID(req)
	if err != nil {
		return nil, err
	}
	var body markExecutedBody
	if err := req.Decode(&body); err != nil {
		return nil, err
	}
	if strings.TrimSpace(body.TxHash) == "" {
		return nil, apperrors.InvalidArgument("txHash is required")
	}

	tx, err := sr.engine.MarkExecuted(req.Context(), txID, body.TxHash)
	if err != nil {
		return nil, err
	}
	return &Response{StatusCode: http.StatusOK, Body: NewTransactionView(tx)}, nil
}

func pathTxID(req *Request) (string, error) {
	txID := strings.TrimSpace(req.Params["txId"])
	if txID == "" {
		return "", apperrors.InvalidArgument("txId is required")
	}
	return txID, nil
}
