// Package rollout runs the execution drivers of every chain in a bundle in
// parallel. Chains share nothing but the signed root, so one chain failing
// never stops the others.
package rollout

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/sync/errgroup"

	"github.com/sphinx-labs/deployer/internal/execution"
	"github.com/sphinx-labs/deployer/internal/logger"
)

type (
	Executor interface {
		ExecuteApprovedDeployment(ctx context.Context, deploymentID common.Hash) (execution.Result, error)
	}

	Target struct {
		ChainID      uint64
		DeploymentID common.Hash
		Executor     Executor
	}

	// ChainOutcome is the result of one chain. Err is nil on success.
	ChainOutcome struct {
		Result execution.Result
		Err    error
	}

	Service struct {
		maxParallel int
		logger      *slog.Logger
	}
)

// NewService creates a rollout service. maxParallel <= 0 means no limit.
func NewService(maxParallel int) *Service {
	return &Service{
		maxParallel: maxParallel,
		logger:      logger.Named("rollout"),
	}
}

// ExecuteAll runs every target and returns the outcomes in ascending chain id
// order together with the joined errors of the chains that failed.
func (s *Service) ExecuteAll(ctx context.Context, targets []Target) ([]ChainOutcome, error) {
	var (
		mu       sync.Mutex
		outcomes = make(map[uint64]ChainOutcome, len(targets))
		group    errgroup.Group
	)
	if s.maxParallel > 0 {
		group.SetLimit(s.maxParallel)
	}

	for _, target := range targets {
		group.Go(func() error {
			log := s.logger.With("chain_id", target.ChainID).With("deployment_id", target.DeploymentID.Hex())
			log.Info("executing deployment")

			result, err := target.Executor.ExecuteApprovedDeployment(ctx, target.DeploymentID)
			result.ChainID = target.ChainID
			if err != nil {
				log.With("err", err.Error()).Error("deployment failed")
				err = fmt.Errorf("chain %d: %w", target.ChainID, err)
			} else {
				log.With("status", result.Status.String()).Info("deployment finished")
			}

			mu.Lock()
			outcomes[target.ChainID] = ChainOutcome{Result: result, Err: err}
			mu.Unlock()

			// failures are reported through the outcomes, never through the
			// group, so that no chain cancels another
			return nil
		})
	}
	_ = group.Wait()

	chainIDs := make([]uint64, 0, len(outcomes))
	for id := range outcomes {
		chainIDs = append(chainIDs, id)
	}
	slices.Sort(chainIDs)

	ordered := make([]ChainOutcome, 0, len(chainIDs))
	var errs []error
	for _, id := range chainIDs {
		ordered = append(ordered, outcomes[id])
		if outcomes[id].Err != nil {
			errs = append(errs, outcomes[id].Err)
		}
	}

	return ordered, errors.Join(errs...)
}
