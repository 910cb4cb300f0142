package consensus

import (
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/Poly-pay/polypay-app-sub000/apperrors"
	"github.com/Poly-pay/polypay-app-sub000/nullifier"
	"github.com/Poly-pay/polypay-app-sub000/repository/models"
	"github.com/Poly-pay/polypay-app-sub000/verifier"
)

// ProposeRequest proposes a transaction and carries the proposer's approval
type ProposeRequest struct {
	TxID               string   `json:"txId"`
	To                 string   `json:"to"`
	Value              string   `json:"value"`
	CallData           string   `json:"callData,omitempty"`
	SignaturesRequired int      `json:"signaturesRequired"`
	Proof              string   `json:"proof"`
	PublicInputs       []string `json:"publicInputs"`
	Nullifier          string   `json:"nullifier"`
	VK                 string   `json:"vk,omitempty"`
	VoterIdentity      string   `json:"voterIdentity,omitempty"`
}

// VoteRequest is one signer's vote on an existing transaction
type VoteRequest struct {
	TxID          string          `json:"txId"`
	Proof         string          `json:"proof"`
	PublicInputs  []string        `json:"publicInputs"`
	Nullifier     string          `json:"nullifier"`
	VK            string          `json:"vk,omitempty"`
	VoterIdentity string          `json:"voterIdentity,omitempty"`
	Decision      models.Decision `json:"decision,omitempty"`
}

// VoteOutcome is the transaction's state after a vote was recorded
type VoteOutcome struct {
	TxID         string                   `json:"txId"`
	Status       models.TransactionStatus `json:"status"`
	ApproveCount int                      `json:"approveCount"`
	DenyCount    int                      `json:"denyCount"`
	Required     int                      `json:"required"`
}

// ExecutionProof is the on-chain material of one aggregated approval
type ExecutionProof struct {
	Nullifier     string   `json:"nullifier"`
	AggregationID uint64   `json:"aggregationId"`
	MerkleProof   []string `json:"merkleProof"`
	LeafCount     uint64   `json:"leafCount"`
	Index         uint64   `json:"index"`
	MerkleRoot    string   `json:"merkleRoot,omitempty"`
}

// ExecutionData is everything the executor needs to submit the transaction
type ExecutionData struct {
	TxID     string                   `json:"txId"`
	To       string                   `json:"to"`
	Value    string                   `json:"value"`
	CallData string                   `json:"callData"`
	Status   models.TransactionStatus `json:"status"`
	Proofs   []ExecutionProof         `json:"proofs"`
}

// vote is a validated vote ready for verification
type vote struct {
	txID          string
	proof         []byte
	publicInputs  [][32]byte
	nullifier     string
	vk            string
	voterIdentity string
	decision      models.Decision
}

func (r *VoteRequest) parse() (*vote, error) {
	if strings.TrimSpace(r.TxID) == "" {
		return nil, apperrors.InvalidArgument("txId is required")
	}
	decision := r.Decision
	if decision == "" {
		decision = models.DecisionApprove
	}
	if decision != models.DecisionApprove && decision != models.DecisionDeny {
		return nil, apperrors.InvalidArgument("decision must be approve or deny")
	}
	return parseVote(r.TxID, r.Proof, r.PublicInputs, r.Nullifier, r.VK, r.VoterIdentity, decision)
}

func (r *ProposeRequest) parse() (*models.Transaction, *vote, error) {
	txID := strings.TrimSpace(r.TxID)
	if txID == "" {
		return nil, nil, apperrors.InvalidArgument("txId is required")
	}
	if !common.IsHexAddress(r.To) {
		return nil, nil, apperrors.InvalidArgument("to must be a hex address")
	}
	value, ok := new(big.Int).SetString(strings.TrimSpace(r.Value), 10)
	if !ok || value.Sign() < 0 {
		return nil, nil, apperrors.InvalidArgument("value must be a non-negative decimal integer")
	}
	if r.SignaturesRequired < 1 {
		return nil, nil, apperrors.InvalidArgument("signaturesRequired must be at least 1")
	}
	callData := strings.TrimSpace(r.CallData)
	if callData != "" {
		if _, err := hexutil.Decode(callData); err != nil {
			return nil, nil, apperrors.InvalidArgument("callData must be 0x-prefixed hex")
		}
	}

	v, err := parseVote(txID, r.Proof, r.PublicInputs, r.Nullifier, r.VK, r.VoterIdentity, models.DecisionApprove)
	if err != nil {
		return nil, nil, err
	}

	tx := &models.Transaction{
		ID:                 txID,
		To:                 common.HexToAddress(r.To).Hex(),
		Value:              value.String(),
		CallData:           callData,
		SignaturesRequired: r.SignaturesRequired,
		Status:             models.StatusPending,
	}
	return tx, v, nil
}

func parseVote(txID, proof string, publicInputs []string, nullifierValue, vk, voterIdentity string, decision models.Decision) (*vote, error) {
	if strings.TrimSpace(nullifierValue) == "" {
		return nil, apperrors.InvalidArgument("nullifier is required")
	}
	proofBytes, err := verifier.DecodeProof(proof)
	if err != nil {
		return nil, apperrors.InvalidArgument(err.Error())
	}
	if len(publicInputs) == 0 {
		return nil, apperrors.InvalidArgument("publicInputs are required")
	}
	inputs, err := verifier.ParsePublicInputs(publicInputs)
	if err != nil {
		return nil, apperrors.InvalidArgument(err.Error())
	}
	return &vote{
		txID:          strings.TrimSpace(txID),
		proof:         proofBytes,
		publicInputs:  inputs,
		nullifier:     nullifier.Normalize(nullifierValue),
		vk:            vk,
		voterIdentity: strings.TrimSpace(voterIdentity),
		decision:      decision,
	}, nil
}
