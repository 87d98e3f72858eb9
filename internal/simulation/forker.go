// Package simulation runs a throwaway anvil fork of a live chain in Docker
// so that gas estimates and dry runs never touch the real network.
package simulation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/sphinx-labs/deployer/internal/chain"
	"github.com/sphinx-labs/deployer/internal/logger"
)

const anvilPort = "8545/tcp"

type (
	Runtime interface {
		EnsureImage(ctx context.Context, imageName string) error
		StartContainer(ctx context.Context, opts ContainerOptions) (string, error)
		Logs(ctx context.Context, containerID string) (string, error)
		RemoveContainer(ctx context.Context, containerID string) error
	}

	// ReadyFunc reports whether the fork at url answers with chainID.
	ReadyFunc func(ctx context.Context, url string, chainID uint64) error

	Config struct {
		Image        string
		HostPort     int
		ReadyTimeout time.Duration
	}

	Forker struct {
		runtime Runtime
		ready   ReadyFunc
		config  Config
		logger  *slog.Logger
	}
)

// NewForker creates a forker. A nil ready func dials the fork and checks
// its chain id.
func NewForker(runtime Runtime, config Config, ready ReadyFunc) *Forker {
	if ready == nil {
		ready = dialReady
	}
	if config.ReadyTimeout == 0 {
		config.ReadyTimeout = 30 * time.Second
	}

	return &Forker{
		runtime: runtime,
		ready:   ready,
		config:  config,
		logger:  logger.Named("forker"),
	}
}

// Fork starts an anvil fork of rpcURL and returns its local URL. cleanup
// removes the container and must be called once the fork is no longer
// needed.
func (f *Forker) Fork(ctx context.Context, chainID uint64, rpcURL string) (string, func(), error) {
	log := f.logger.With("chain_id", chainID, "image", f.config.Image)

	if err := f.runtime.EnsureImage(ctx, f.config.Image); err != nil {
		return "", nil, err
	}

	hostPort := strconv.Itoa(f.config.HostPort)
	containerID, err := f.runtime.StartContainer(ctx, ContainerOptions{
		Name:  fmt.Sprintf("deployer-fork-%d", chainID),
		Image: f.config.Image,
		Cmd: []string{
			"anvil",
			"--fork-url", rpcURL,
			"--host", "0.0.0.0",
			"--port", "8545",
			"--chain-id", strconv.FormatUint(chainID, 10),
		},
		Ports: map[string]string{anvilPort: hostPort},
	})
	if err != nil {
		return "", nil, err
	}

	cleanup := func() {
		if err := f.runtime.RemoveContainer(context.Background(), containerID); err != nil {
			log.With("err", err.Error(), "container_id", containerID).Warn("failed to remove fork container")
		}
	}

	url := "http://127.0.0.1:" + hostPort
	readyCtx, cancel := context.WithTimeout(ctx, f.config.ReadyTimeout)
	defer cancel()

	policy := backoff.WithContext(backoff.NewConstantBackOff(500*time.Millisecond), readyCtx)
	if err := backoff.Retry(func() error { return f.ready(readyCtx, url, chainID) }, policy); err != nil {
		if logs, logErr := f.runtime.Logs(ctx, containerID); logErr == nil && logs != "" {
			err = errors.Join(err, fmt.Errorf("fork logs: %s", logs))
		}
		cleanup()
		return "", nil, fmt.Errorf("fork of chain %d did not become ready: %w", chainID, err)
	}

	log.With("url", url).Info("fork ready")
	return url, cleanup, nil
}

func dialReady(ctx context.Context, url string, chainID uint64) error {
	client, err := chain.Dial(ctx, url, chainID)
	if err != nil {
		return err
	}
	client.Close()
	return nil
}
