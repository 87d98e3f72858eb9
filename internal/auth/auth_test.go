package auth

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sphinx-labs/deployer/internal/bundle"
	"github.com/sphinx-labs/deployer/internal/chain"
	"github.com/sphinx-labs/deployer/internal/leaf"
)

func keys(t *testing.T, n int) ([]*ecdsa.PrivateKey, []common.Address) {
	t.Helper()
	var (
		ks    []*ecdsa.PrivateKey
		addrs []common.Address
	)
	for range n {
		k, err := crypto.GenerateKey()
		require.NoError(t, err)
		ks = append(ks, k)
		addrs = append(addrs, crypto.PubkeyToAddress(k.PublicKey))
	}
	return ks, addrs
}

func signAll(t *testing.T, root common.Hash, ks []*ecdsa.PrivateKey) []Signature {
	t.Helper()
	var sigs []Signature
	for _, k := range ks {
		sig, err := Sign(root, k)
		require.NoError(t, err)
		sigs = append(sigs, sig)
	}
	return sigs
}

func TestSignAndRecover(t *testing.T) {
	ks, addrs := keys(t, 1)
	root := common.HexToHash("0x1234")

	sig, err := Sign(root, ks[0])
	require.NoError(t, err)
	assert.Equal(t, addrs[0], sig.Signer)
	assert.Contains(t, []byte{27, 28}, sig.Data[crypto.RecoveryIDOffset])

	recovered, err := RecoverSigner(root, sig.Data)
	require.NoError(t, err)
	assert.Equal(t, addrs[0], recovered)

	_, err = RecoverSigner(root, sig.Data[:10])
	require.ErrorIs(t, err, ErrInvalidSignature)
}

func TestThresholdEnforcement(t *testing.T) {
	ks, owners := keys(t, 3)
	root := common.HexToHash("0xabcd")
	sigs := RawSignatures(signAll(t, root, ks))

	_, err := VerifySignatures(root, sigs[:1], owners, 2)
	require.ErrorIs(t, err, ErrThresholdNotMet)
	require.ErrorIs(t, err, ErrUnauthorized)

	signers, err := VerifySignatures(root, sigs[:2], owners, 2)
	require.NoError(t, err)
	assert.Len(t, signers, 2)
	assert.True(t, signers[0].Cmp(signers[1]) < 0)
}

func TestDuplicateAndUnknownSigners(t *testing.T) {
	ks, owners := keys(t, 2)
	root := common.HexToHash("0xabcd")
	sigs := RawSignatures(signAll(t, root, ks))

	_, err := VerifySignatures(root, [][]byte{sigs[0], sigs[0]}, owners, 2)
	require.ErrorIs(t, err, ErrDuplicateSigner)

	outsider, _ := keys(t, 1)
	foreign := RawSignatures(signAll(t, root, outsider))
	_, err = VerifySignatures(root, [][]byte{sigs[0], foreign[0]}, owners, 2)
	require.ErrorIs(t, err, ErrUnknownSigner)
}

func TestSignatureOverWrongRootIsRejected(t *testing.T) {
	ks, owners := keys(t, 2)
	signedRoot := common.HexToHash("0x01")
	sigs := RawSignatures(signAll(t, signedRoot, ks))

	_, err := VerifySignatures(common.HexToHash("0x02"), sigs, owners, 2)
	require.ErrorIs(t, err, ErrUnauthorized)

	_, err = VerifySignatures(signedRoot, sigs, owners, 0)
	require.ErrorIs(t, err, ErrUnauthorized)
}

func TestPolicySelectsSignerSetByMode(t *testing.T) {
	owners := []common.Address{common.HexToAddress("0x0a")}
	proposers := []common.Address{common.HexToAddress("0x0b")}

	p := Policy{Owners: owners, Proposers: proposers, Threshold: 1, Mode: ModeProposers}
	assert.Equal(t, proposers, p.Signers(leaf.TypePropose))
	assert.Equal(t, owners, p.Signers(leaf.TypeApproveDeployment))

	p.Mode = ModeOwners
	assert.Equal(t, owners, p.Signers(leaf.TypePropose))

	execute, err := leaf.NewLeaf(1, 1, leaf.CancelActiveDeploymentPayload{})
	require.NoError(t, err)
	execute.LeafType = leaf.TypeExecute
	_, err = p.Authorize(common.Hash{}, execute, nil)
	require.ErrorIs(t, err, ErrUnauthorized)
}

func TestBuildLeaves(t *testing.T) {
	member := common.HexToAddress("0x0c")
	proposals := []ChainProposal{
		{
			ChainID:    20,
			Deployment: &DeploymentApproval{Root: common.HexToHash("0xd0"), NumActions: 3, URI: "ipfs://d"},
		},
		{
			ChainID:       10,
			FirstProposal: true,
			Proposers:     []leaf.RoleDelta{{Member: member, Add: true}},
			CancelActive:  true,
			Upgrade:       &leaf.UpgradePayload{ManagerImpl: member},
			Deployment:    &DeploymentApproval{Root: common.HexToHash("0xd0"), NumActions: 3, URI: "ipfs://d"},
		},
	}

	leaves, err := BuildLeaves(proposals)
	require.NoError(t, err)

	var types10, types20 []leaf.LeafType
	for _, l := range leaves {
		switch l.ChainID {
		case 10:
			types10 = append(types10, l.LeafType)
		case 20:
			types20 = append(types20, l.LeafType)
		}
	}
	assert.Equal(t, []leaf.LeafType{leaf.TypeSetup, leaf.TypePropose, leaf.TypeCancelActiveDeployment, leaf.TypeUpgradeManagerAndAuthImpl, leaf.TypeApproveDeployment}, types10)
	assert.Equal(t, []leaf.LeafType{leaf.TypePropose, leaf.TypeApproveDeployment}, types20)

	require.NoError(t, leaf.CheckContiguous(10, leaves[:5]))
	setup, err := leaves[0].Payload()
	require.NoError(t, err)
	assert.Equal(t, uint64(5), setup.(leaf.SetupPayload).NumLeaves)

	b, err := bundle.BuildAuthBundle(leaves)
	require.NoError(t, err)
	require.NoError(t, b.Validate())
}

func TestBuildLeavesRejectsInvalidProposals(t *testing.T) {
	member := common.HexToAddress("0x0c")

	_, err := BuildLeaves([]ChainProposal{{ChainID: 1}})
	require.ErrorIs(t, err, leaf.ErrEncoding)

	_, err = BuildLeaves([]ChainProposal{{ChainID: 1, CancelActive: true}, {ChainID: 1, CancelActive: true}})
	require.ErrorIs(t, err, leaf.ErrEncoding)

	_, err = BuildLeaves([]ChainProposal{{ChainID: 1, Proposers: []leaf.RoleDelta{{Member: member, Add: true}}, CancelActive: true}})
	require.ErrorIs(t, err, leaf.ErrEncoding)
}

func mustLeaves(t *testing.T, p ChainProposal) []leaf.Leaf {
	t.Helper()
	leaves, err := BuildLeaves([]ChainProposal{p})
	require.NoError(t, err)
	return leaves
}

func TestStateMachineFullLifecycle(t *testing.T) {
	leaves := mustLeaves(t, ChainProposal{
		ChainID:       1,
		FirstProposal: true,
		Managers:      []leaf.RoleDelta{{Member: common.HexToAddress("0x01"), Add: true}},
		Deployment:    &DeploymentApproval{Root: common.HexToHash("0x0d"), NumActions: 2},
	})

	m := NewStateMachine(1, State{}, false, false)
	require.NoError(t, m.Apply(leaves[0]))
	assert.Equal(t, State{Status: StatusSetup, NumLeafs: 3, LeafsExecuted: 1}, m.State())

	require.NoError(t, m.Apply(leaves[1]))
	assert.Equal(t, StatusProposed, m.State().Status)

	require.NoError(t, m.Apply(leaves[2]))
	assert.Equal(t, State{Status: StatusCompleted, NumLeafs: 3, LeafsExecuted: 3}, m.State())
	assert.True(t, m.DeploymentActive())

	require.ErrorIs(t, m.Apply(leaves[2]), ErrInvalidTransition)
}

func TestStateMachineRejectsOutOfOrderLeaves(t *testing.T) {
	leaves := mustLeaves(t, ChainProposal{
		ChainID:      1,
		CancelActive: true,
		Deployment:   &DeploymentApproval{Root: common.HexToHash("0x0d"), NumActions: 2},
	})

	m := NewStateMachine(1, State{}, true, true)
	require.ErrorIs(t, m.Apply(leaves[1]), ErrInvalidTransition)
	require.NoError(t, m.Apply(leaves[0]))
	require.ErrorIs(t, m.Apply(leaves[2]), ErrInvalidTransition)

	require.NoError(t, m.Apply(leaves[1]))
	assert.Equal(t, StatusProposed, m.State().Status)
	assert.False(t, m.DeploymentActive())

	require.NoError(t, m.Apply(leaves[2]))
	assert.Equal(t, StatusCompleted, m.State().Status)
}

func TestStateMachineGuards(t *testing.T) {
	setup := mustLeaves(t, ChainProposal{
		ChainID:       1,
		FirstProposal: true,
		Proposers:     []leaf.RoleDelta{{Member: common.HexToAddress("0x01"), Add: true}},
		CancelActive:  true,
	})
	// the chain has already seen a proposal
	m := NewStateMachine(1, State{}, true, false)
	require.ErrorIs(t, m.Apply(setup[0]), ErrInvalidTransition)

	cancel := mustLeaves(t, ChainProposal{ChainID: 1, CancelActive: true})
	m = NewStateMachine(1, State{}, true, false)
	require.NoError(t, m.Apply(cancel[0]))
	require.ErrorIs(t, m.Apply(cancel[1]), ErrInvalidTransition, "nothing to cancel")

	approve := mustLeaves(t, ChainProposal{ChainID: 1, Deployment: &DeploymentApproval{Root: common.HexToHash("0x0d"), NumActions: 1}})
	m = NewStateMachine(1, State{}, true, true)
	require.NoError(t, m.Apply(approve[0]))
	require.ErrorIs(t, m.Apply(approve[1]), ErrInvalidTransition, "another deployment is active")

	m = NewStateMachine(2, State{}, true, false)
	require.ErrorIs(t, m.Apply(approve[0]), ErrInvalidTransition)
}

type fakeContract struct {
	state    chain.AuthState
	proposed bool
	packed   []bundle.LeafWithProof
}

func (f *fakeContract) Address() common.Address { return common.HexToAddress("0xa117") }
func (f *fakeContract) AuthState(context.Context, common.Hash) (chain.AuthState, error) {
	return f.state, nil
}
func (f *fakeContract) FirstProposalOccurred(context.Context) (bool, error) { return f.proposed, nil }
func (f *fakeContract) PackSubmission(_ common.Hash, lp bundle.LeafWithProof, sigs [][]byte) ([]byte, error) {
	f.packed = append(f.packed, lp)
	return []byte{byte(lp.Leaf.Index), byte(len(sigs))}, nil
}

type fakeDeployments struct{ active common.Hash }

func (f fakeDeployments) ActiveDeploymentID(context.Context) (common.Hash, error) {
	return f.active, nil
}

type fakeSender struct {
	sent   []chain.Call
	status uint64
	err    error
}

func (f *fakeSender) Send(_ context.Context, call chain.Call) (*types.Transaction, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.sent = append(f.sent, call)
	return types.NewTx(&types.LegacyTx{Nonce: uint64(len(f.sent)), Data: call.Data}), nil
}

func (f *fakeSender) Wait(context.Context, *types.Transaction) (*types.Receipt, error) {
	return &types.Receipt{Status: f.status}, nil
}

func TestSubmitterResumesAndSubmitsInOrder(t *testing.T) {
	ownerKeys, owners := keys(t, 2)
	proposerKeys, proposers := keys(t, 1)

	leaves := mustLeaves(t, ChainProposal{
		ChainID:      7,
		CancelActive: true,
		Deployment:   &DeploymentApproval{Root: common.HexToHash("0x0d"), NumActions: 4},
	})
	b, err := bundle.BuildAuthBundle(leaves)
	require.NoError(t, err)

	sigs := append(signAll(t, b.Root, ownerKeys), signAll(t, b.Root, proposerKeys)...)
	policy := Policy{Owners: owners, Proposers: proposers, Threshold: 1, Mode: ModeProposers}

	contract := &fakeContract{
		state:    chain.AuthState{Status: uint8(StatusProposed), NumLeafs: 3, LeafsExecuted: 1},
		proposed: true,
	}
	sender := &fakeSender{status: types.ReceiptStatusSuccessful}
	s := NewSubmitter(7, contract, fakeDeployments{active: common.HexToHash("0xac")}, sender, policy)

	hashes, err := s.Submit(context.Background(), b, sigs)
	require.NoError(t, err)
	assert.Len(t, hashes, 2)

	require.Len(t, contract.packed, 2)
	assert.Equal(t, uint64(1), contract.packed[0].Leaf.Index)
	assert.Equal(t, uint64(2), contract.packed[1].Leaf.Index)
	// two owner signatures forwarded, the proposer signature dropped
	assert.Equal(t, []byte{1, 2}, sender.sent[0].Data)
}

func TestSubmitterRejectsBeforeSending(t *testing.T) {
	ownerKeys, owners := keys(t, 3)

	leaves := mustLeaves(t, ChainProposal{ChainID: 7, CancelActive: true})
	b, err := bundle.BuildAuthBundle(leaves)
	require.NoError(t, err)

	policy := Policy{Owners: owners, Threshold: 2, Mode: ModeOwners}
	sender := &fakeSender{status: types.ReceiptStatusSuccessful}

	s := NewSubmitter(7, &fakeContract{proposed: true}, fakeDeployments{active: common.HexToHash("0xac")}, sender, policy)
	_, err = s.Submit(context.Background(), b, signAll(t, b.Root, ownerKeys[:1]))
	require.ErrorIs(t, err, ErrThresholdNotMet)
	assert.Empty(t, sender.sent)

	// no active deployment, so the cancel leaf is invalid
	s = NewSubmitter(7, &fakeContract{proposed: true}, fakeDeployments{}, sender, policy)
	hashes, err := s.Submit(context.Background(), b, signAll(t, b.Root, ownerKeys))
	require.ErrorIs(t, err, ErrInvalidTransition)
	assert.Len(t, hashes, 1, "propose was sent before the cancel was rejected")
}

func TestSubmitterReportsRevert(t *testing.T) {
	ownerKeys, owners := keys(t, 1)
	leaves := mustLeaves(t, ChainProposal{ChainID: 7, CancelActive: true})
	b, err := bundle.BuildAuthBundle(leaves)
	require.NoError(t, err)

	sender := &fakeSender{status: types.ReceiptStatusFailed}
	s := NewSubmitter(7, &fakeContract{proposed: true}, fakeDeployments{active: common.HexToHash("0xac")}, sender, Policy{Owners: owners, Threshold: 1})
	_, err = s.Submit(context.Background(), b, signAll(t, b.Root, ownerKeys))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "reverted")

	sender = &fakeSender{err: errors.New("insufficient funds for gas * price + value")}
	s = NewSubmitter(7, &fakeContract{proposed: true}, fakeDeployments{active: common.HexToHash("0xac")}, sender, Policy{Owners: owners, Threshold: 1})
	_, err = s.Submit(context.Background(), b, signAll(t, b.Root, ownerKeys))
	require.True(t, chain.IsInsufficientFunds(err))
}
