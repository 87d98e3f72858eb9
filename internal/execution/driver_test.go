package execution

import (
	"context"
	"errors"
	"math/big"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sphinx-labs/deployer/internal/bundle"
	"github.com/sphinx-labs/deployer/internal/chain"
	"github.com/sphinx-labs/deployer/internal/funding"
	"github.com/sphinx-labs/deployer/internal/leaf"
)

// fakeChain models the manager contract of one chain: executeActions only
// succeeds for the next unexecuted index and completes the deployment after
// the last action.
type fakeChain struct {
	mu sync.Mutex

	deploymentID common.Hash
	activeID     common.Hash
	status       chain.DeploymentStatus
	executed     uint64
	total        uint64
	gasLimit     uint64

	revertAt    map[uint64]string
	revertOnce  map[uint64]string // cleared after the first revert
	sendErrs    []error
	lostReceipt int // receipts hidden behind ErrConfirmationUnknown
	failReceipt int // receipts reported failed although the batch landed
	afterBatch  func(f *fakeChain)

	history []uint64
	batches [][]uint64
	nonce   uint64
}

func newFakeChain(id common.Hash, total uint64) *fakeChain {
	return &fakeChain{
		deploymentID: id,
		activeID:     id,
		status:       chain.DeploymentApproved,
		total:        total,
		gasLimit:     30_000_000,
		revertAt:     map[uint64]string{},
		revertOnce:   map[uint64]string{},
	}
}

func (f *fakeChain) Address() common.Address { return common.HexToAddress("0x3a") }

func (f *fakeChain) ActiveDeploymentID(context.Context) (common.Hash, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.activeID, nil
}

func (f *fakeChain) DeploymentState(_ context.Context, id common.Hash) (chain.DeploymentState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if id != f.deploymentID {
		return chain.DeploymentState{}, nil
	}
	return chain.DeploymentState{Status: f.status, ActionsExecuted: f.executed}, nil
}

func (f *fakeChain) PackExecuteActions(actions []bundle.LeafWithProof) ([]byte, error) {
	data := make([]byte, 0, len(actions))
	for _, a := range actions {
		data = append(data, byte(a.Leaf.Index))
	}
	return data, nil
}

func (f *fakeChain) HeaderByNumber(context.Context, *big.Int) (*types.Header, error) {
	return &types.Header{GasLimit: f.gasLimit}, nil
}

func (f *fakeChain) check(data []byte) error {
	if len(data) == 0 || uint64(data[0]) != f.executed {
		return &chain.RevertError{Reason: "invalid leaf index"}
	}
	for _, idx := range data {
		if reason, ok := f.revertAt[uint64(idx)]; ok {
			return &chain.RevertError{Reason: reason}
		}
		if reason, ok := f.revertOnce[uint64(idx)]; ok {
			delete(f.revertOnce, uint64(idx))
			return &chain.RevertError{Reason: reason}
		}
	}
	return nil
}

func (f *fakeChain) Simulate(_ context.Context, call chain.Call) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return nil, f.check(call.Data)
}

func (f *fakeChain) Send(_ context.Context, call chain.Call) (*types.Transaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.sendErrs) > 0 {
		err := f.sendErrs[0]
		if len(f.sendErrs) > 1 || !errors.Is(err, errSticky) {
			f.sendErrs = f.sendErrs[1:]
		}
		return nil, err
	}
	f.nonce++
	return types.NewTx(&types.LegacyTx{Nonce: f.nonce, Data: slices.Clone(call.Data)}), nil
}

func (f *fakeChain) Wait(_ context.Context, tx *types.Transaction) (*types.Receipt, error) {
	f.mu.Lock()

	receipt := &types.Receipt{Status: types.ReceiptStatusSuccessful, BlockNumber: big.NewInt(1)}
	if err := f.check(tx.Data()); err != nil {
		receipt.Status = types.ReceiptStatusFailed
		f.mu.Unlock()
		return receipt, nil
	}

	var batch []uint64
	for _, idx := range tx.Data() {
		batch = append(batch, uint64(idx))
		f.history = append(f.history, uint64(idx))
	}
	f.batches = append(f.batches, batch)
	f.executed += uint64(len(batch))
	if f.executed == f.total {
		f.status = chain.DeploymentCompleted
		f.activeID = common.Hash{}
	}

	var err error
	switch {
	case f.lostReceipt > 0:
		f.lostReceipt--
		err = chain.ErrConfirmationUnknown
	case f.failReceipt > 0:
		f.failReceipt--
		receipt.Status = types.ReceiptStatusFailed
	}
	hook := f.afterBatch
	f.mu.Unlock()

	if hook != nil {
		hook(f)
	}
	if err != nil {
		return nil, err
	}
	return receipt, nil
}

func (f *fakeChain) RevertReason(_ context.Context, call chain.Call, _ *big.Int) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var revert *chain.RevertError
	if errors.As(f.check(call.Data), &revert) {
		return revert.Reason
	}
	return ""
}

var errSticky = errors.New("connection refused")

type fakeFunds struct{ available *big.Int }

func (f fakeFunds) Available(context.Context, common.Address) (*big.Int, error) {
	return f.available, nil
}

func deploymentData(chainID uint64, gas ...uint64) leaf.NetworkDeploymentData {
	txs := make([]leaf.Transaction, 0, len(gas))
	for i, g := range gas {
		txs = append(txs, leaf.Transaction{
			To:             common.BigToAddress(big.NewInt(int64(0x100 + i))),
			Value:          big.NewInt(10),
			Data:           []byte{byte(i)},
			Gas:            g,
			RequireSuccess: true,
		})
	}
	return leaf.NetworkDeploymentData{
		ChainID:      chainID,
		Executor:     common.HexToAddress("0xe0"),
		Safe:         common.HexToAddress("0x5afe"),
		Module:       common.HexToAddress("0x0d"),
		URI:          "ipfs://deployment",
		Transactions: txs,
	}
}

func setup(t *testing.T, data ...leaf.NetworkDeploymentData) (bundle.Bundle, common.Hash) {
	t.Helper()
	input := make(map[uint64]leaf.NetworkDeploymentData)
	for _, d := range data {
		input[d.ChainID] = d
	}
	b, err := bundle.BuildDeploymentBundle(input)
	require.NoError(t, err)
	id, err := bundle.DeploymentID(b.Root, "ipfs://deployment")
	require.NoError(t, err)
	return b, id
}

var testConfig = Config{GasSafetyMarginPercent: 80, MaxRetries: 3, RetryBackoff: time.Millisecond}

func newDriver(t *testing.T, chainID uint64, b bundle.Bundle, f *fakeChain) *Driver {
	t.Helper()
	d, err := NewDriver(chainID, b, Dependencies{Manager: f, Sender: f, Headers: f}, testConfig)
	require.NoError(t, err)
	return d
}

func TestExecutesEveryActionInOrder(t *testing.T) {
	b, id := setup(t, deploymentData(1, 100_000, 100_000, 100_000, 100_000))
	f := newFakeChain(id, 5)

	result, err := newDriver(t, 1, b, f).ExecuteApprovedDeployment(context.Background(), id)
	require.NoError(t, err)

	assert.Equal(t, chain.DeploymentCompleted, result.Status)
	assert.Equal(t, uint64(5), result.ActionsExecuted)
	assert.Equal(t, []uint64{0, 1, 2, 3, 4}, f.history)
	require.Len(t, result.TxHashes, 1)
	assert.Equal(t, result.TxHashes[0], result.FinalTxHash)
}

func TestResumesFromActionsExecuted(t *testing.T) {
	b, id := setup(t, deploymentData(1, 100_000, 100_000, 100_000, 100_000))
	f := newFakeChain(id, 5)
	f.executed = 3

	result, err := newDriver(t, 1, b, f).ExecuteApprovedDeployment(context.Background(), id)
	require.NoError(t, err)

	assert.Equal(t, []uint64{3, 4}, f.history)
	assert.Equal(t, chain.DeploymentCompleted, result.Status)
}

func TestAlreadyCompletedIsNoop(t *testing.T) {
	b, id := setup(t, deploymentData(1, 100_000))
	f := newFakeChain(id, 2)
	f.executed = 2
	f.status = chain.DeploymentCompleted

	result, err := newDriver(t, 1, b, f).ExecuteApprovedDeployment(context.Background(), id)
	require.NoError(t, err)
	assert.Empty(t, f.history)
	assert.Empty(t, result.TxHashes)
}

func TestBatchesRespectGasBudget(t *testing.T) {
	// budget is 800k: the approve leaf (150k) plus two 300k actions fit,
	// the next two go in a second batch
	b, id := setup(t, deploymentData(1, 300_000, 300_000, 300_000, 300_000))
	f := newFakeChain(id, 5)
	f.gasLimit = 1_000_000

	result, err := newDriver(t, 1, b, f).ExecuteApprovedDeployment(context.Background(), id)
	require.NoError(t, err)

	assert.Equal(t, [][]uint64{{0, 1, 2}, {3, 4}}, f.batches)
	assert.Len(t, result.TxHashes, 2)
}

func TestOversizedActionGoesAlone(t *testing.T) {
	b, id := setup(t, deploymentData(1, 100_000, 5_000_000, 100_000))
	f := newFakeChain(id, 4)
	f.gasLimit = 1_000_000

	_, err := newDriver(t, 1, b, f).ExecuteApprovedDeployment(context.Background(), id)
	require.NoError(t, err)

	assert.Equal(t, [][]uint64{{0, 1}, {2}, {3}}, f.batches)
}

func TestRevertIsContained(t *testing.T) {
	b, id := setup(t, deploymentData(1, 100_000, 100_000, 100_000, 100_000))
	f := newFakeChain(id, 5)
	f.revertAt[2] = "boom"

	result, err := newDriver(t, 1, b, f).ExecuteApprovedDeployment(context.Background(), id)
	require.ErrorIs(t, err, ErrActionReverted)

	var actionErr *ActionError
	require.ErrorAs(t, err, &actionErr)
	assert.Equal(t, uint64(1), actionErr.ChainID)
	assert.Equal(t, uint64(2), actionErr.ActionIndex)
	assert.Equal(t, "boom", actionErr.Reason)

	assert.Equal(t, []uint64{0, 1}, f.history)
	assert.Equal(t, chain.DeploymentApproved, result.Status, "status is left for the caller to cancel")
}

func TestRerunAfterCrashMatchesUninterruptedRun(t *testing.T) {
	data := deploymentData(1, 300_000, 300_000, 300_000, 300_000)
	b, id := setup(t, data)

	clean := newFakeChain(id, 5)
	clean.gasLimit = 1_000_000
	want, err := newDriver(t, 1, b, clean).ExecuteApprovedDeployment(context.Background(), id)
	require.NoError(t, err)

	f := newFakeChain(id, 5)
	f.gasLimit = 1_000_000
	ctx, cancel := context.WithCancel(context.Background())
	f.afterBatch = func(*fakeChain) { cancel() }

	_, err = newDriver(t, 1, b, f).ExecuteApprovedDeployment(ctx, id)
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, []uint64{0, 1, 2}, f.history)

	f.afterBatch = nil
	got, err := newDriver(t, 1, b, f).ExecuteApprovedDeployment(context.Background(), id)
	require.NoError(t, err)

	assert.Equal(t, want.Status, got.Status)
	assert.Equal(t, want.ActionsExecuted, got.ActionsExecuted)
	assert.Equal(t, clean.history, f.history)
}

func TestUnknownConfirmationRereadsState(t *testing.T) {
	b, id := setup(t, deploymentData(1, 300_000, 300_000, 300_000, 300_000))
	f := newFakeChain(id, 5)
	f.gasLimit = 1_000_000
	f.lostReceipt = 1

	result, err := newDriver(t, 1, b, f).ExecuteApprovedDeployment(context.Background(), id)
	require.NoError(t, err)

	assert.Equal(t, []uint64{0, 1, 2, 3, 4}, f.history, "the lost batch is not resubmitted")
	assert.Equal(t, chain.DeploymentCompleted, result.Status)
	require.Len(t, result.TxHashes, 2)
	assert.Equal(t, result.TxHashes[1], result.FinalTxHash)

	// the only transaction loses its receipt and the re-read finds the
	// deployment completed
	b, id = setup(t, deploymentData(1, 100_000))
	f = newFakeChain(id, 2)
	f.lostReceipt = 1

	result, err = newDriver(t, 1, b, f).ExecuteApprovedDeployment(context.Background(), id)
	require.NoError(t, err)

	assert.Equal(t, chain.DeploymentCompleted, result.Status)
	require.Len(t, result.TxHashes, 1)
	assert.NotEqual(t, common.Hash{}, result.FinalTxHash)
	assert.Equal(t, result.TxHashes[0], result.FinalTxHash)
}

func TestFailedReceiptAfterProgressElsewhere(t *testing.T) {
	b, id := setup(t, deploymentData(1, 100_000))
	f := newFakeChain(id, 2)
	f.failReceipt = 1

	result, err := newDriver(t, 1, b, f).ExecuteApprovedDeployment(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, chain.DeploymentCompleted, result.Status)
	assert.Equal(t, []uint64{0, 1}, f.history)
}

func TestTransientErrorsAreRetried(t *testing.T) {
	b, id := setup(t, deploymentData(1, 100_000))
	f := newFakeChain(id, 2)
	f.sendErrs = []error{errors.New("nonce too low"), errors.New("replacement transaction underpriced")}

	result, err := newDriver(t, 1, b, f).ExecuteApprovedDeployment(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, chain.DeploymentCompleted, result.Status)
}

func TestTransientErrorsGiveUp(t *testing.T) {
	b, id := setup(t, deploymentData(1, 100_000))
	f := newFakeChain(id, 2)
	f.sendErrs = []error{errSticky}

	_, err := newDriver(t, 1, b, f).ExecuteApprovedDeployment(context.Background(), id)
	require.ErrorIs(t, err, ErrTransient)
	assert.Empty(t, f.history)
}

func TestInactiveDeploymentStops(t *testing.T) {
	b, id := setup(t, deploymentData(1, 100_000))

	f := newFakeChain(id, 2)
	f.status = chain.DeploymentCancelled
	_, err := newDriver(t, 1, b, f).ExecuteApprovedDeployment(context.Background(), id)
	require.ErrorIs(t, err, ErrDeploymentNotActive)

	f = newFakeChain(id, 2)
	f.activeID = common.HexToHash("0xbeef")
	_, err = newDriver(t, 1, b, f).ExecuteApprovedDeployment(context.Background(), id)
	require.ErrorIs(t, err, ErrDeploymentNotActive)
	assert.Empty(t, f.history)
}

func TestCancellationIsObservedAtBatchBoundary(t *testing.T) {
	b, id := setup(t, deploymentData(1, 300_000, 300_000, 300_000, 300_000))
	f := newFakeChain(id, 5)
	f.gasLimit = 1_000_000
	f.afterBatch = func(f *fakeChain) {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.status = chain.DeploymentCancelled
	}

	result, err := newDriver(t, 1, b, f).ExecuteApprovedDeployment(context.Background(), id)
	require.ErrorIs(t, err, ErrDeploymentNotActive)
	assert.Equal(t, chain.DeploymentCancelled, result.Status)
	assert.Equal(t, []uint64{0, 1, 2}, f.history)
}

func TestInsufficientFundsIsDistinct(t *testing.T) {
	b, id := setup(t, deploymentData(1, 100_000, 100_000))
	f := newFakeChain(id, 3)
	f.sendErrs = []error{errors.New("insufficient funds for gas * price + value")}

	d, err := NewDriver(1, b, Dependencies{Manager: f, Sender: f, Headers: f, Funds: fakeFunds{available: big.NewInt(5)}}, testConfig)
	require.NoError(t, err)

	_, err = d.ExecuteApprovedDeployment(context.Background(), id)
	require.ErrorIs(t, err, funding.ErrInsufficientFunds)
	assert.NotErrorIs(t, err, ErrActionReverted)

	var fundsErr *funding.InsufficientFundsError
	require.ErrorAs(t, err, &fundsErr)
	assert.Equal(t, uint64(1), fundsErr.ChainID)
	assert.Equal(t, int64(15), fundsErr.Shortfall.Int64())
}

func TestUnderfundedRevertIsFundingError(t *testing.T) {
	b, id := setup(t, deploymentData(1, 100_000, 100_000))
	f := newFakeChain(id, 3)
	f.revertAt[1] = "insufficient balance"

	d, err := NewDriver(1, b, Dependencies{Manager: f, Sender: f, Headers: f, Funds: fakeFunds{available: big.NewInt(5)}}, testConfig)
	require.NoError(t, err)

	_, err = d.ExecuteApprovedDeployment(context.Background(), id)
	require.ErrorIs(t, err, funding.ErrInsufficientFunds)
	assert.NotErrorIs(t, err, ErrActionReverted)

	var fundsErr *funding.InsufficientFundsError
	require.ErrorAs(t, err, &fundsErr)
	assert.Equal(t, int64(5), fundsErr.Shortfall.Int64())
	assert.Equal(t, []uint64{0}, f.history)
}

func TestFundedRevertIsActionError(t *testing.T) {
	b, id := setup(t, deploymentData(1, 100_000, 100_000))
	f := newFakeChain(id, 3)
	f.revertAt[1] = "boom"

	d, err := NewDriver(1, b, Dependencies{Manager: f, Sender: f, Headers: f, Funds: fakeFunds{available: big.NewInt(100)}}, testConfig)
	require.NoError(t, err)

	_, err = d.ExecuteApprovedDeployment(context.Background(), id)
	require.ErrorIs(t, err, ErrActionReverted)
	assert.NotErrorIs(t, err, funding.ErrInsufficientFunds)
}

func TestRevertOfOptionalActionIsNotActionError(t *testing.T) {
	data := deploymentData(1, 100_000, 100_000)
	data.Transactions[0].RequireSuccess = false
	b, id := setup(t, data)
	f := newFakeChain(id, 3)
	f.revertAt[1] = "out of gas"

	_, err := newDriver(t, 1, b, f).ExecuteApprovedDeployment(context.Background(), id)
	require.ErrorIs(t, err, ErrManagerReverted)
	assert.NotErrorIs(t, err, ErrActionReverted)

	var revert *chain.RevertError
	require.ErrorAs(t, err, &revert)
	assert.Equal(t, "out of gas", revert.Reason)
}

func TestBatchingResumesAfterRevertedBatch(t *testing.T) {
	b, id := setup(t, deploymentData(1, 300_000, 300_000, 300_000, 300_000))
	f := newFakeChain(id, 5)
	f.gasLimit = 1_000_000
	f.revertOnce[1] = "flaky"

	result, err := newDriver(t, 1, b, f).ExecuteApprovedDeployment(context.Background(), id)
	require.NoError(t, err)

	assert.Equal(t, chain.DeploymentCompleted, result.Status)
	assert.Equal(t, [][]uint64{{0}, {1}, {2}, {3, 4}}, f.batches)
}

func TestChainsExecuteIndependently(t *testing.T) {
	// chain 10 has one transaction, chain 20 has two: five leaves, one root
	b, id := setup(t, deploymentData(10, 21_000), deploymentData(20, 100_000, 100_000))
	require.Len(t, b.Leaves, 5)

	a := newFakeChain(id, 2)
	c := newFakeChain(id, 3)

	result, err := newDriver(t, 10, b, a).ExecuteApprovedDeployment(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, chain.DeploymentCompleted, result.Status)

	state, err := c.DeploymentState(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, chain.DeploymentState{Status: chain.DeploymentApproved}, state)

	result, err = newDriver(t, 20, b, c).ExecuteApprovedDeployment(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), result.ActionsExecuted)
	assert.Equal(t, []uint64{0, 1}, a.history)
	assert.Equal(t, []uint64{0, 1, 2}, c.history)
}

func TestNewDriverValidation(t *testing.T) {
	b, _ := setup(t, deploymentData(1, 100_000))

	_, err := NewDriver(2, b, Dependencies{}, testConfig)
	require.Error(t, err)

	bad := testConfig
	bad.GasSafetyMarginPercent = 0
	_, err = NewDriver(1, b, Dependencies{}, bad)
	require.Error(t, err)
}
