package executor

import (
	"context"
	"errors"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/rpc"
)

// revertReason replays a reverted transaction as an eth_call and digs the
// Error(string) payload out of the RPC error chain. Empty when the node does
// not surface revert data or the payload is not the standard encoding.
func (e *Executor) revertReason(ctx context.Context, msg ethereum.CallMsg) string {
	_, err := e.chain.ReplayCall(ctx, msg)
	if err == nil {
		return ""
	}
	if reason := decodeRevert(err); reason != "" {
		return reason
	}
	return err.Error()
}

func decodeRevert(err error) string {
	var de rpc.DataError
	if !errors.As(err, &de) {
		return ""
	}
	payload, ok := de.ErrorData().(string)
	if !ok {
		return ""
	}
	raw, err2 := hexutil.Decode(payload)
	if err2 != nil {
		return ""
	}
	reason, err2 := abi.UnpackRevert(raw)
	if err2 != nil {
		return ""
	}
	return reason
}
