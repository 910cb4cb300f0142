package audit

import (
	"context"
	"sync"
	"time"

	cmtlog "github.com/cometbft/cometbft/libs/log"
	cmtrpctypes "github.com/cometbft/cometbft/rpc/core/types"
	cmttypes "github.com/cometbft/cometbft/types"
	"github.com/google/uuid"
)

// Broadcaster submits a transaction to the CometBFT mempool. Both the local
// and the HTTP rpc clients satisfy it.
type Broadcaster interface {
	BroadcastTxSync(ctx context.Context, tx cmttypes.Tx) (*cmtrpctypes.ResultBroadcastTx, error)
}

// queueSize bounds how many events may wait for the node before new ones are
// dropped
const queueSize = 256

// Recorder broadcasts audit events from a single background worker, in the
// order they were recorded. Failures are logged and never returned: the audit
// trail must not block or fail a vote.
type Recorder struct {
	client  Broadcaster
	timeout time.Duration
	logger  cmtlog.Logger
	now     func() time.Time

	mu     sync.RWMutex
	closed bool
	queue  chan Event
	done   chan struct{}
}

// NewRecorder starts the broadcast worker. Close stops it.
func NewRecorder(client Broadcaster, timeout time.Duration, logger cmtlog.Logger) *Recorder {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	r := &Recorder{
		client:  client,
		timeout: timeout,
		logger:  logger.With("module", "audit"),
		now:     time.Now,
		queue:   make(chan Event, queueSize),
		done:    make(chan struct{}),
	}
	go r.run()
	return r
}

// Record stamps ev and queues it for broadcast without waiting for the node.
// The caller's cancellation does not abort the broadcast, since the event
// describes a change that already happened.
func (r *Recorder) Record(_ context.Context, ev Event) {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.Time.IsZero() {
		ev.Time = r.now().UTC()
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		r.logger.Error("Audit recorder closed, dropping event", "tx_id", ev.TxID, "kind", ev.Kind)
		return
	}
	select {
	case r.queue <- ev:
	default:
		r.logger.Error("Audit queue full, dropping event", "tx_id", ev.TxID, "kind", ev.Kind)
	}
}

// Close broadcasts what is still queued and stops the worker
func (r *Recorder) Close() {
	r.mu.Lock()
	if !r.closed {
		r.closed = true
		close(r.queue)
	}
	r.mu.Unlock()
	<-r.done
}

func (r *Recorder) run() {
	defer close(r.done)
	for ev := range r.queue {
		r.broadcast(ev)
	}
}

func (r *Recorder) broadcast(ev Event) {
	payload, err := ev.Encode()
	if err != nil {
		r.logger.Error("Failed to encode audit event", "tx_id", ev.TxID, "kind", ev.Kind, "err", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()

	res, err := r.client.BroadcastTxSync(ctx, cmttypes.Tx(payload))
	if err != nil {
		r.logger.Error("Failed to broadcast audit event", "tx_id", ev.TxID, "kind", ev.Kind, "err", err)
		return
	}
	if res.Code != 0 {
		r.logger.Error("Audit event rejected", "tx_id", ev.TxID, "kind", ev.Kind, "code", res.Code, "log", res.Log)
		return
	}
	r.logger.Debug("Audit event broadcast", "tx_id", ev.TxID, "kind", ev.Kind, "hash", res.Hash.String())
}

// Nop discards events. It is used when the audit ledger is disabled.
type Nop struct{}

func (Nop) Record(context.Context, Event) {}
