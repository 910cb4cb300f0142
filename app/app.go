package app

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	abcitypes "github.com/cometbft/cometbft/abci/types"
	cmtlog "github.com/cometbft/cometbft/libs/log"
	"github.com/dgraph-io/badger/v4"

	"github.com/Poly-pay/polypay-app-sub000/audit"
)

// ABCI response codes
const (
	CodeOK uint32 = iota
	CodeInvalidEvent
	CodeDatabaseError
)

var (
	keyLastBlockHeight  = []byte("last_block_height")
	keyLastBlockAppHash = []byte("last_block_app_hash")
	keyEventSeq         = []byte("audit_seq")
	auditPrefix         = []byte("audit:")
)

// Application is the ABCI application replicating the audit ledger. Each
// block's events are stored in badger under audit:<hex txId>:<seq>.
type Application struct {
	badgerDB     *badger.DB
	onGoingBlock *badger.Txn
	mu           sync.Mutex
	seq          uint64
	logger       cmtlog.Logger
}

// NewABCIApplication creates the application, resuming the event sequence
// from badger
func NewABCIApplication(badgerDB *badger.DB, logger cmtlog.Logger) (*Application, error) {
	app := &Application{
		badgerDB: badgerDB,
		logger:   logger.With("module", "abci-app"),
	}
	err := badgerDB.View(func(txn *badger.Txn) error {
		v, err := getValue(txn, keyEventSeq)
		if err != nil || v == nil {
			return err
		}
		app.seq = bytesToUint64(v)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("loading audit sequence: %w", err)
	}
	return app, nil
}

// Info implements the ABCI Info method
func (app *Application) Info(_ context.Context, info *abcitypes.InfoRequest) (*abcitypes.InfoResponse, error) {
	var lastBlockHeight int64
	var lastBlockAppHash []byte

	err := app.badgerDB.View(func(txn *badger.Txn) error {
		height, err := getValue(txn, keyLastBlockHeight)
		if err != nil {
			return err
		}
		if height != nil {
			lastBlockHeight = int64(bytesToUint64(height))
		}
		lastBlockAppHash, err = getValue(txn, keyLastBlockAppHash)
		return err
	})
	if err != nil {
		app.logger.Error("Error getting last block info", "err", err)
	}

	return &abcitypes.InfoResponse{
		LastBlockHeight:  lastBlockHeight,
		LastBlockAppHash: lastBlockAppHash,
	}, nil
}

// Query implements the ABCI Query method. "audit:<txId>" returns the
// transaction's events as a JSON array; any other data is a raw key lookup.
func (app *Application) Query(_ context.Context, req *abcitypes.QueryRequest) (*abcitypes.QueryResponse, error) {
	if len(req.Data) == 0 {
		return &abcitypes.QueryResponse{
			Code: CodeInvalidEvent,
			Log:  "Empty query data",
		}, nil
	}

	if bytes.HasPrefix(req.Data, auditPrefix) {
		return app.queryHistory(req.Data[len(auditPrefix):])
	}

	resp := abcitypes.QueryResponse{Key: req.Data}
	dbErr := app.badgerDB.View(func(txn *badger.Txn) error {
		val, err := getValue(txn, req.Data)
		if err != nil {
			return err
		}
		if val == nil {
			resp.Log = "key doesn't exist"
			return nil
		}
		resp.Log = "exists"
		resp.Value = val
		return nil
	})
	if dbErr != nil {
		app.logger.Error("Error reading database, unable to execute query", "err", dbErr)
		return &abcitypes.QueryResponse{
			Code: CodeDatabaseError,
			Log:  fmt.Sprintf("Database error: %v", dbErr),
		}, nil
	}
	return &resp, nil
}

func (app *Application) queryHistory(txID []byte) (*abcitypes.QueryResponse, error) {
	if len(txID) == 0 {
		return &abcitypes.QueryResponse{Code: CodeInvalidEvent, Log: "Missing transaction id"}, nil
	}

	events := make([]json.RawMessage, 0)
	err := app.badgerDB.View(func(txn *badger.Txn) error {
		prefix := eventPrefix(string(txID))
		it := txn.NewIterator(badger.IteratorOptions{PrefetchValues: true, Prefix: prefix})
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			val, err := it.Item().ValueCopy(nil)
			if err != nil {
				return err
			}
			events = append(events, json.RawMessage(val))
		}
		return nil
	})
	if err != nil {
		return &abcitypes.QueryResponse{
			Code: CodeDatabaseError,
			Log:  fmt.Sprintf("Database error: %v", err),
		}, nil
	}

	value, err := json.Marshal(events)
	if err != nil {
		return nil, err
	}
	return &abcitypes.QueryResponse{
		Key:   append(append([]byte{}, auditPrefix...), txID...),
		Value: value,
		Log:   fmt.Sprintf("%d events", len(events)),
	}, nil
}

// CheckTx implements the ABCI CheckTx method
func (app *Application) CheckTx(_ context.Context, check *abcitypes.CheckTxRequest) (*abcitypes.CheckTxResponse, error) {
	if _, err := audit.Decode(check.Tx); err != nil {
		return &abcitypes.CheckTxResponse{Code: CodeInvalidEvent, Log: err.Error()}, nil
	}
	return &abcitypes.CheckTxResponse{Code: CodeOK}, nil
}

// InitChain implements the ABCI InitChain method
func (app *Application) InitChain(_ context.Context, chain *abcitypes.InitChainRequest) (*abcitypes.InitChainResponse, error) {
	return &abcitypes.InitChainResponse{}, nil
}

// PrepareProposal implements the ABCI PrepareProposal method
func (app *Application) PrepareProposal(_ context.Context, proposal *abcitypes.PrepareProposalRequest) (*abcitypes.PrepareProposalResponse, error) {
	txs := make([][]byte, 0, len(proposal.Txs))
	for _, tx := range proposal.Txs {
		if _, err := audit.Decode(tx); err != nil {
			continue
		}
		txs = append(txs, tx)
	}
	return &abcitypes.PrepareProposalResponse{Txs: txs}, nil
}

// ProcessProposal implements the ABCI ProcessProposal method. A block with
// an undecodable event is rejected.
func (app *Application) ProcessProposal(_ context.Context, proposal *abcitypes.ProcessProposalRequest) (*abcitypes.ProcessProposalResponse, error) {
	for _, tx := range proposal.Txs {
		if _, err := audit.Decode(tx); err != nil {
			app.logger.Error("Voted invalid", "err", err)
			return &abcitypes.ProcessProposalResponse{
				Status: abcitypes.PROCESS_PROPOSAL_STATUS_REJECT,
			}, nil
		}
	}
	return &abcitypes.ProcessProposalResponse{
		Status: abcitypes.PROCESS_PROPOSAL_STATUS_ACCEPT,
	}, nil
}

// FinalizeBlock implements the ABCI FinalizeBlock method
func (app *Application) FinalizeBlock(_ context.Context, req *abcitypes.FinalizeBlockRequest) (*abcitypes.FinalizeBlockResponse, error) {
	txResults := make([]*abcitypes.ExecTxResult, len(req.Txs))

	app.mu.Lock()
	defer app.mu.Unlock()

	if app.onGoingBlock != nil {
		app.onGoingBlock.Discard()
	}
	app.onGoingBlock = app.badgerDB.NewTransaction(true)

	var prevAppHash []byte
	err := app.badgerDB.View(func(txn *badger.Txn) error {
		var err error
		prevAppHash, err = getValue(txn, keyLastBlockAppHash)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("loading previous app hash: %w", err)
	}

	for i, txBytes := range req.Txs {
		ev, err := audit.Decode(txBytes)
		if err != nil {
			txResults[i] = &abcitypes.ExecTxResult{
				Code: CodeInvalidEvent,
				Log:  "Invalid audit event",
			}
			continue
		}
		txResults[i] = app.storeEvent(ev, txBytes)
	}

	appHash := calculateAppHash(prevAppHash, req.Txs, txResults)

	if err := app.onGoingBlock.Set(keyEventSeq, uint64ToBytes(app.seq)); err != nil {
		return nil, fmt.Errorf("storing audit sequence: %w", err)
	}
	if err := app.onGoingBlock.Set(keyLastBlockHeight, uint64ToBytes(uint64(req.Height))); err != nil {
		return nil, fmt.Errorf("storing block height: %w", err)
	}
	if err := app.onGoingBlock.Set(keyLastBlockAppHash, appHash); err != nil {
		return nil, fmt.Errorf("storing app hash: %w", err)
	}

	return &abcitypes.FinalizeBlockResponse{
		TxResults: txResults,
		AppHash:   appHash,
	}, nil
}

// Commit implements the ABCI Commit method
func (app *Application) Commit(_ context.Context, commit *abcitypes.CommitRequest) (*abcitypes.CommitResponse, error) {
	app.mu.Lock()
	defer app.mu.Unlock()

	if app.onGoingBlock == nil {
		return &abcitypes.CommitResponse{}, nil
	}
	err := app.onGoingBlock.Commit()
	app.onGoingBlock = nil
	if err != nil {
		app.logger.Error("Error committing block", "err", err)
		return nil, err
	}
	return &abcitypes.CommitResponse{}, nil
}

// ListSnapshots implements the ABCI ListSnapshots method
func (app *Application) ListSnapshots(_ context.Context, snapshots *abcitypes.ListSnapshotsRequest) (*abcitypes.ListSnapshotsResponse, error) {
	return &abcitypes.ListSnapshotsResponse{}, nil
}

// OfferSnapshot implements the ABCI OfferSnapshot method
func (app *Application) OfferSnapshot(_ context.Context, snapshot *abcitypes.OfferSnapshotRequest) (*abcitypes.OfferSnapshotResponse, error) {
	return &abcitypes.OfferSnapshotResponse{}, nil
}

// LoadSnapshotChunk implements the ABCI LoadSnapshotChunk method
func (app *Application) LoadSnapshotChunk(_ context.Context, chunk *abcitypes.LoadSnapshotChunkRequest) (*abcitypes.LoadSnapshotChunkResponse, error) {
	return &abcitypes.LoadSnapshotChunkResponse{}, nil
}

// ApplySnapshotChunk implements the ABCI ApplySnapshotChunk method
func (app *Application) ApplySnapshotChunk(_ context.Context, chunk *abcitypes.ApplySnapshotChunkRequest) (*abcitypes.ApplySnapshotChunkResponse, error) {
	return &abcitypes.ApplySnapshotChunkResponse{
		Result: abcitypes.APPLY_SNAPSHOT_CHUNK_RESULT_ACCEPT,
	}, nil
}

// ExtendVote implements the ABCI ExtendVote method
func (app *Application) ExtendVote(_ context.Context, extend *abcitypes.ExtendVoteRequest) (*abcitypes.ExtendVoteResponse, error) {
	return &abcitypes.ExtendVoteResponse{}, nil
}

// VerifyVoteExtension implements the ABCI VerifyVoteExtension method
func (app *Application) VerifyVoteExtension(_ context.Context, verify *abcitypes.VerifyVoteExtensionRequest) (*abcitypes.VerifyVoteExtensionResponse, error) {
	return &abcitypes.VerifyVoteExtensionResponse{}, nil
}

// storeEvent appends ev to its transaction's history in the ongoing block
func (app *Application) storeEvent(ev *audit.Event, raw []byte) *abcitypes.ExecTxResult {
	app.seq++
	key := eventKey(ev.TxID, app.seq)
	if err := app.onGoingBlock.Set(key, raw); err != nil {
		app.seq--
		app.logger.Error("Error storing audit event", "tx_id", ev.TxID, "err", err)
		return &abcitypes.ExecTxResult{
			Code: CodeDatabaseError,
			Log:  fmt.Sprintf("Database error: %v", err),
		}
	}

	return &abcitypes.ExecTxResult{
		Code: CodeOK,
		Data: key,
		Log:  string(ev.Kind),
		Events: []abcitypes.Event{
			{
				Type: "audit",
				Attributes: []abcitypes.EventAttribute{
					{Key: "tx_id", Value: ev.TxID, Index: true},
					{Key: "kind", Value: string(ev.Kind), Index: true},
					{Key: "status", Value: ev.Status, Index: true},
					{Key: "event_id", Value: ev.ID, Index: false},
				},
			},
		},
	}
}

// The tx id is hex encoded so ids containing ':' cannot share a prefix
func eventPrefix(txID string) []byte {
	return []byte(fmt.Sprintf("%s%x:", auditPrefix, txID))
}

// eventKey zero-pads seq so badger's key order is insertion order
func eventKey(txID string, seq uint64) []byte {
	return []byte(fmt.Sprintf("%s%x:%020d", auditPrefix, txID, seq))
}

// calculateAppHash chains the previous app hash with this block's accepted
// events
func calculateAppHash(prev []byte, txs [][]byte, results []*abcitypes.ExecTxResult) []byte {
	h := sha256.New()
	h.Write(prev)
	for i, tx := range txs {
		if results[i].Code != CodeOK {
			continue
		}
		h.Write(tx)
	}
	return h.Sum(nil)
}

func getValue(txn *badger.Txn, key []byte) ([]byte, error) {
	item, err := txn.Get(key)
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return item.ValueCopy(nil)
}

func uint64ToBytes(i uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, i)
	return buf
}

func bytesToUint64(buf []byte) uint64 {
	if len(buf) < 8 {
		return 0
	}
	return binary.BigEndian.Uint64(buf)
}
