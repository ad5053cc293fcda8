package gas

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/rpc"
)

// SimulationRevertError reports that the dry run of an operation's callData
// reverted. The node's revert reason is preserved so the caller can surface it
// verbatim instead of retrying.
type SimulationRevertError struct {
	Reason string
	Data   interface{}
	err    error
}

func (e *SimulationRevertError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("execution reverted: %s", e.Reason)
	}
	return "execution reverted"
}

func (e *SimulationRevertError) Unwrap() error {
	return e.err
}

// newSimulationRevertError extracts whatever diagnostic the node attached to
// the estimate failure. geth-style nodes implement rpc.DataError carrying the
// raw revert data alongside the message.
func newSimulationRevertError(err error) *SimulationRevertError {
	out := &SimulationRevertError{Reason: err.Error(), err: err}
	var dataErr rpc.DataError
	if errors.As(err, &dataErr) {
		out.Data = dataErr.ErrorData()
	}
	return out
}
