// Package executor submits READY multisig transactions to the chain and
// reports the resulting hash back to the consensus engine.
package executor

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"time"

	cmtlog "github.com/cometbft/cometbft/libs/log"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/sethvargo/go-retry"

	"github.com/Poly-pay/polypay-app-sub000/apperrors"
	"github.com/Poly-pay/polypay-app-sub000/consensus"
	"github.com/Poly-pay/polypay-app-sub000/repository/models"
)

// ChainClient is the subset of ethclient.Client the executor needs
type ChainClient interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

// Engine is where execution data comes from and where results are reported
type Engine interface {
	GetExecutionData(ctx context.Context, txID string) (*consensus.ExecutionData, error)
	MarkExecuted(ctx context.Context, txID, txHash string) error
}

// Config describes the multisig contract and the executing account
type Config struct {
	Contract       common.Address
	ChainID        *big.Int
	PrivateKey     *ecdsa.PrivateKey
	GasLimit       uint64 // 0 estimates gas
	ReceiptPoll    time.Duration
	ReceiptTimeout time.Duration
}

// Result is a confirmed execution
type Result struct {
	TxID    string `json:"txId"`
	TxHash  string `json:"txHash"`
	Block   uint64 `json:"block"`
	GasUsed uint64 `json:"gasUsed"`
}

type Executor struct {
	chain  ChainClient
	engine Engine
	config Config
	from   common.Address
	opts   *bind.TransactOpts
	logger cmtlog.Logger
}

func New(chain ChainClient, engine Engine, config Config, logger cmtlog.Logger) (*Executor, error) {
	if config.PrivateKey == nil {
		return nil, errors.New("executor private key is required")
	}
	if config.ChainID == nil {
		return nil, errors.New("executor chain id is required")
	}
	if config.ReceiptPoll <= 0 {
		config.ReceiptPoll = 2 * time.Second
	}
	if config.ReceiptTimeout <= 0 {
		config.ReceiptTimeout = 5 * time.Minute
	}
	opts, err := bind.NewKeyedTransactorWithChainID(config.PrivateKey, config.ChainID)
	if err != nil {
		return nil, fmt.Errorf("creating transactor: %w", err)
	}
	return &Executor{
		chain:  chain,
		engine: engine,
		config: config,
		from:   crypto.PubkeyToAddress(config.PrivateKey.PublicKey),
		opts:   opts,
		logger: logger.With("module", "executor"),
	}, nil
}

// From is the executing account
func (e *Executor) From() common.Address {
	return e.from
}

// Execute submits txID on chain. Only READY transactions are executed, and the
// engine is told about the hash only once the receipt shows success.
func (e *Executor) Execute(ctx context.Context, txID string) (*Result, error) {
	data, err := e.engine.GetExecutionData(ctx, txID)
	if err != nil {
		return nil, err
	}
	if data.Status != models.StatusReady {
		return nil, apperrors.Conflict(
			"Transaction is not ready for execution",
			fmt.Sprintf("transaction %s is %s", txID, data.Status),
		)
	}

	input, err := PackExecute(data)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeInvalidArgument, "Failed to encode execute call", err)
	}

	signed, err := e.buildTransaction(ctx, input)
	if err != nil {
		return nil, err
	}
	if err := e.chain.SendTransaction(ctx, signed); err != nil {
		return nil, apperrors.Wrap(apperrors.CodeUpstream, "Failed to send transaction", err)
	}
	hash := signed.Hash()
	e.logger.Info("Execution submitted", "tx_id", txID, "tx_hash", hash.Hex(), "proofs", len(data.Proofs))

	receipt, err := e.waitReceipt(ctx, hash)
	if err != nil {
		return nil, err
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		e.logger.Error("Execution reverted", "tx_id", txID, "tx_hash", hash.Hex(), "block", receipt.BlockNumber)
		return nil, apperrors.Newf(
			apperrors.CodeExecutionReverted,
			"Execution reverted on chain",
			"transaction %s reverted in %s", txID, hash.Hex(),
		)
	}

	if err := e.engine.MarkExecuted(ctx, txID, hash.Hex()); err != nil {
		// The chain already executed it; marking is safe to retry with the same hash
		e.logger.Error("Executed on chain but failed to report", "tx_id", txID, "tx_hash", hash.Hex(), "err", err)
		return nil, err
	}

	res := &Result{TxID: txID, TxHash: hash.Hex(), GasUsed: receipt.GasUsed}
	if receipt.BlockNumber != nil {
		res.Block = receipt.BlockNumber.Uint64()
	}
	return res, nil
}

func (e *Executor) buildTransaction(ctx context.Context, input []byte) (*types.Transaction, error) {
	nonce, err := e.chain.PendingNonceAt(ctx, e.from)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeUpstream, "Failed to fetch nonce", err)
	}
	gasPrice, err := e.chain.SuggestGasPrice(ctx)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeUpstream, "Failed to fetch gas price", err)
	}

	gas := e.config.GasLimit
	if gas == 0 {
		contract := e.config.Contract
		gas, err = e.chain.EstimateGas(ctx, ethereum.CallMsg{
			From:     e.from,
			To:       &contract,
			GasPrice: gasPrice,
			Data:     input,
		})
		if err != nil {
			// A failing estimate usually means the call would revert
			return nil, apperrors.Wrap(apperrors.CodeExecutionReverted, "Gas estimation failed", err)
		}
	}

	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		To:       &e.config.Contract,
		Value:    big.NewInt(0),
		Gas:      gas,
		GasPrice: gasPrice,
		Data:     input,
	})
	signed, err := e.opts.Signer(e.from, tx)
	if err != nil {
		return nil, fmt.Errorf("signing transaction: %w", err)
	}
	return signed, nil
}

func (e *Executor) waitReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	ctx, cancel := context.WithTimeout(ctx, e.config.ReceiptTimeout)
	defer cancel()

	backoff := retry.NewConstant(e.config.ReceiptPoll)

	var receipt *types.Receipt
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		r, err := e.chain.TransactionReceipt(ctx, hash)
		if err != nil {
			if errors.Is(err, ethereum.NotFound) {
				return retry.RetryableError(err)
			}
			e.logger.Error("Receipt lookup failed", "tx_hash", hash.Hex(), "err", err)
			return retry.RetryableError(err)
		}
		receipt = r
		return nil
	})
	if err != nil {
		return nil, apperrors.Wrap(
			apperrors.CodeVerificationTimeout,
			fmt.Sprintf("No receipt for %s", hash.Hex()),
			err,
		)
	}
	return receipt, nil
}
