package chain

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/sphinx-labs/deployer/internal/logger"
)

type (
	// Call is a contract call to be simulated or sent.
	Call struct {
		To    common.Address
		Data  []byte
		Value *big.Int
		// Gas of zero means estimate.
		Gas uint64
	}

	TransactorConfig struct {
		ConfirmationTimeout time.Duration
		PollInterval        time.Duration
	}

	// Transactor signs and broadcasts transactions from one key on one chain.
	Transactor struct {
		client  Client
		key     *ecdsa.PrivateKey
		from    common.Address
		chainID *big.Int
		config  TransactorConfig
		logger  *slog.Logger
	}
)

func NewTransactor(client Client, key *ecdsa.PrivateKey, chainID uint64, config TransactorConfig) *Transactor {
	if config.PollInterval <= 0 {
		config.PollInterval = time.Second
	}
	if config.ConfirmationTimeout <= 0 {
		config.ConfirmationTimeout = 2 * time.Minute
	}

	return &Transactor{
		client:  client,
		key:     key,
		from:    crypto.PubkeyToAddress(key.PublicKey),
		chainID: new(big.Int).SetUint64(chainID),
		config:  config,
		logger:  logger.Named("transactor").With("chain_id", chainID),
	}
}

func (t *Transactor) From() common.Address {
	return t.from
}

// Simulate runs call against the latest state. Reverts come back as
// *RevertError.
func (t *Transactor) Simulate(ctx context.Context, call Call) ([]byte, error) {
	out, err := t.client.CallContract(ctx, t.callMsg(call), nil)
	if err != nil {
		return nil, AsRevert(err)
	}
	return out, nil
}

// Send signs call as a dynamic fee transaction and broadcasts it.
func (t *Transactor) Send(ctx context.Context, call Call) (*types.Transaction, error) {
	nonce, err := t.client.PendingNonceAt(ctx, t.from)
	if err != nil {
		return nil, fmt.Errorf("failed to get pending nonce: %w", err)
	}

	gas := call.Gas
	if gas == 0 {
		gas, err = t.client.EstimateGas(ctx, t.callMsg(call))
		if err != nil {
			return nil, fmt.Errorf("failed to estimate gas: %w", AsRevert(err))
		}
	}

	tipCap, err := t.client.SuggestGasTipCap(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get gas tip cap: %w", err)
	}
	header, err := t.client.HeaderByNumber(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to get latest header: %w", err)
	}
	feeCap := new(big.Int).Add(tipCap, new(big.Int).Mul(baseFee(header), big.NewInt(2)))

	to := call.To
	tx, err := types.SignTx(types.NewTx(&types.DynamicFeeTx{
		ChainID:   t.chainID,
		Nonce:     nonce,
		GasTipCap: tipCap,
		GasFeeCap: feeCap,
		Gas:       gas,
		To:        &to,
		Value:     valueOrZero(call.Value),
		Data:      call.Data,
	}), types.NewLondonSigner(t.chainID), t.key)
	if err != nil {
		return nil, fmt.Errorf("failed to sign transaction: %w", err)
	}

	if err := t.client.SendTransaction(ctx, tx); err != nil {
		return nil, fmt.Errorf("failed to send transaction: %w", err)
	}

	t.logger.
		With("tx_hash", tx.Hash().Hex()).
		With("nonce", nonce).
		With("gas", gas).
		Debug("transaction sent")

	return tx, nil
}

// Wait polls for the receipt of tx. When the confirmation timeout passes
// without a receipt it returns ErrConfirmationUnknown; the caller must then
// re-read on-chain state before deciding to resubmit.
func (t *Transactor) Wait(ctx context.Context, tx *types.Transaction) (*types.Receipt, error) {
	waitCtx, cancel := context.WithTimeout(ctx, t.config.ConfirmationTimeout)
	defer cancel()

	ticker := time.NewTicker(t.config.PollInterval)
	defer ticker.Stop()

	for {
		receipt, err := t.client.TransactionReceipt(waitCtx, tx.Hash())
		if err == nil {
			return receipt, nil
		}
		if !errors.Is(err, ethereum.NotFound) && !errors.Is(err, context.DeadlineExceeded) {
			t.logger.With("tx_hash", tx.Hash().Hex()).With("err", err.Error()).Warn("failed to fetch receipt, will retry")
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-waitCtx.Done():
			// waitCtx also ends with its parent
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			return nil, fmt.Errorf("%w: %s after %s", ErrConfirmationUnknown, tx.Hash().Hex(), t.config.ConfirmationTimeout)
		case <-ticker.C:
		}
	}
}

// RevertReason replays call at blockNumber to recover why it reverted.
func (t *Transactor) RevertReason(ctx context.Context, call Call, blockNumber *big.Int) string {
	msg := t.callMsg(call)
	if blockNumber != nil {
		// state before the reverted transaction's block
		blockNumber = new(big.Int).Sub(blockNumber, big.NewInt(1))
	}

	_, err := t.client.CallContract(ctx, msg, blockNumber)
	var revert *RevertError
	if errors.As(AsRevert(err), &revert) {
		return revert.Reason
	}
	return ""
}

func (t *Transactor) callMsg(call Call) ethereum.CallMsg {
	return ethereum.CallMsg{
		From:  t.from,
		To:    &call.To,
		Gas:   call.Gas,
		Value: valueOrZero(call.Value),
		Data:  call.Data,
	}
}

func baseFee(header *types.Header) *big.Int {
	if header.BaseFee == nil {
		return big.NewInt(0)
	}
	return header.BaseFee
}

func valueOrZero(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return v
}
