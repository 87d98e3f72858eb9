package chain

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"syscall"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/rpc"
)

// ErrConfirmationUnknown means a transaction was broadcast but no receipt was
// seen before the confirmation timeout. It may or may not have been included.
var ErrConfirmationUnknown = errors.New("transaction confirmation outcome unknown")

// RevertError is a call that the EVM reverted.
type RevertError struct {
	Reason string
	Data   []byte
}

func (e *RevertError) Error() string {
	if e.Reason == "" {
		return "execution reverted"
	}
	return "execution reverted: " + e.Reason
}

// Messages returned by geth-compatible nodes for conditions that clear up on
// their own after re-reading state.
var transientMessages = []string{
	"nonce too low",
	"replacement transaction underpriced",
	"already known",
	"transaction underpriced",
	"timeout",
	"connection reset",
	"connection refused",
	"too many requests",
	"header not found",
}

const insufficientFundsMessage = "insufficient funds"

// IsTransient reports whether err is worth retrying after re-reading
// on-chain state.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrConfirmationUnknown) || errors.Is(err, io.EOF) || errors.Is(err, syscall.ECONNREFUSED) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	var revert *RevertError
	if errors.As(err, &revert) {
		return false
	}

	msg := strings.ToLower(err.Error())
	for _, m := range transientMessages {
		if strings.Contains(msg, m) {
			return true
		}
	}
	return false
}

// IsInsufficientFunds reports whether err was caused by a balance too low to
// cover gas or value.
func IsInsufficientFunds(err error) bool {
	return err != nil && strings.Contains(strings.ToLower(err.Error()), insufficientFundsMessage)
}

// AsRevert converts a node error carrying revert data into a *RevertError.
// Other errors are returned unchanged.
func AsRevert(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	var dataErr rpc.DataError
	if !errors.As(err, &dataErr) {
		if strings.Contains(err.Error(), "execution reverted") {
			return &RevertError{Reason: strings.TrimPrefix(strings.TrimPrefix(err.Error(), "execution reverted"), ": ")}
		}
		return err
	}

	encoded, ok := dataErr.ErrorData().(string)
	if !ok {
		return &RevertError{}
	}
	data, decodeErr := hexutil.Decode(encoded)
	if decodeErr != nil {
		return fmt.Errorf("failed to decode revert data %q: %w", encoded, decodeErr)
	}

	reason, unpackErr := abi.UnpackRevert(data)
	if unpackErr != nil {
		reason = hexutil.Encode(data)
	}
	return &RevertError{Reason: reason, Data: data}
}
