package audit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	cmtlog "github.com/cometbft/cometbft/libs/log"
	cmtrpctypes "github.com/cometbft/cometbft/rpc/core/types"
	cmttypes "github.com/cometbft/cometbft/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeBroadcaster struct {
	mu      sync.Mutex
	txs     []cmttypes.Tx
	err     error
	code    uint32
	ctxErr  error
	release chan struct{}
}

func (f *fakeBroadcaster) BroadcastTxSync(ctx context.Context, tx cmttypes.Tx) (*cmtrpctypes.ResultBroadcastTx, error) {
	if f.release != nil {
		<-f.release
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ctxErr = ctx.Err()
	f.txs = append(f.txs, tx)
	if f.err != nil {
		return nil, f.err
	}
	return &cmtrpctypes.ResultBroadcastTx{Code: f.code, Hash: tx.Hash()}, nil
}

func (f *fakeBroadcaster) sent() []cmttypes.Tx {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]cmttypes.Tx(nil), f.txs...)
}

func TestRecordBroadcastsEncodedEvent(t *testing.T) {
	b := &fakeBroadcaster{}
	r := NewRecorder(b, 0, cmtlog.NewNopLogger())

	r.Record(context.Background(), Event{Kind: KindVoteRecorded, TxID: "1", Nullifier: "n1", ApproveCount: 1})
	r.Close()

	txs := b.sent()
	require.Len(t, txs, 1)
	ev, err := Decode(txs[0])
	require.NoError(t, err)
	assert.Equal(t, KindVoteRecorded, ev.Kind)
	assert.Equal(t, "1", ev.TxID)
	assert.Equal(t, "n1", ev.Nullifier)
	assert.NotEmpty(t, ev.ID)
	assert.False(t, ev.Time.IsZero())
}

func TestRecordIgnoresCallerCancellation(t *testing.T) {
	b := &fakeBroadcaster{}
	r := NewRecorder(b, 0, cmtlog.NewNopLogger())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	r.Record(ctx, Event{Kind: KindExecuted, TxID: "1", TxHash: "0xabc"})
	r.Close()

	require.Len(t, b.sent(), 1)
	assert.NoError(t, b.ctxErr)
}

func TestRecordDoesNotWaitForNode(t *testing.T) {
	b := &fakeBroadcaster{release: make(chan struct{})}
	r := NewRecorder(b, 0, cmtlog.NewNopLogger())

	done := make(chan struct{})
	go func() {
		defer close(done)
		r.Record(context.Background(), Event{Kind: KindProposed, TxID: "1"})
		r.Record(context.Background(), Event{Kind: KindVoteRecorded, TxID: "1"})
		r.Record(context.Background(), Event{Kind: KindStatusChanged, TxID: "1"})
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Record blocked on a stalled node")
	}
	assert.Empty(t, b.sent())

	close(b.release)
	r.Close()

	var kinds []Kind
	for _, tx := range b.sent() {
		ev, err := Decode(tx)
		require.NoError(t, err)
		kinds = append(kinds, ev.Kind)
	}
	assert.Equal(t, []Kind{KindProposed, KindVoteRecorded, KindStatusChanged}, kinds)
}

func TestRecordDropsWhenQueueIsFull(t *testing.T) {
	b := &fakeBroadcaster{release: make(chan struct{})}
	r := NewRecorder(b, 0, cmtlog.NewNopLogger())

	// one event is held by the worker, queueSize more fit in the queue
	for i := 0; i < queueSize+10; i++ {
		r.Record(context.Background(), Event{Kind: KindProposed, TxID: "1"})
	}
	close(b.release)
	r.Close()

	n := len(b.sent())
	assert.LessOrEqual(t, n, queueSize+1)
	assert.GreaterOrEqual(t, n, queueSize)
}

func TestRecordAfterClose(t *testing.T) {
	b := &fakeBroadcaster{}
	r := NewRecorder(b, 0, cmtlog.NewNopLogger())
	r.Close()
	r.Close()

	assert.NotPanics(t, func() {
		r.Record(context.Background(), Event{Kind: KindProposed, TxID: "1"})
	})
	assert.Empty(t, b.sent())
}

func TestRecordSwallowsFailures(t *testing.T) {
	r := NewRecorder(&fakeBroadcaster{err: errors.New("node down")}, 0, cmtlog.NewNopLogger())
	assert.NotPanics(t, func() {
		r.Record(context.Background(), Event{Kind: KindProposed, TxID: "1"})
		r.Close()
	})

	r = NewRecorder(&fakeBroadcaster{code: 1}, 0, cmtlog.NewNopLogger())
	assert.NotPanics(t, func() {
		r.Record(context.Background(), Event{Kind: KindProposed, TxID: "1"})
		r.Close()
	})
}

func TestDecodeRejectsInvalidEvents(t *testing.T) {
	_, err := Decode([]byte("not json"))
	assert.Error(t, err)

	_, err = Decode([]byte(`{"id":"x","kind":"proposed"}`))
	assert.ErrorContains(t, err, "tx_id")

	_, err = Decode([]byte(`{"id":"x","kind":"teleported","tx_id":"1"}`))
	assert.ErrorContains(t, err, "unknown event kind")
}
