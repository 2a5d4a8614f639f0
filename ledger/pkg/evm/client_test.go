package evm_test

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/rpc"
	"github.com/giftlane/relay/ledger/pkg/evm"
	"github.com/giftlane/relay/ledger/pkg/evm/evmtest"
	"github.com/giftlane/relay/utils/pkg/retry"
	"github.com/stretchr/testify/require"
)

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

const (
	txHash    = "0x000000000000000000000000000000000000000000000000000000000000dead"
	topicA    = "0x00000000000000000000000000000000000000000000000000000000000000aa"
	topicB    = "0x0000000000000000000000000000000000000000000000000000000000000001"
	emptyHash = "0x0000000000000000000000000000000000000000000000000000000000000000"
)

var emptyBloom = "0x" + strings.Repeat("00", 256)

func rpcLog(block, index string) map[string]any {
	return map[string]any{
		"address":          "0x00000000000000000000000000000000000000C1",
		"topics":           []string{"0x" + strings.ToUpper(topicA[2:]), topicB},
		"data":             "0x" + hex.EncodeToString(evmtest.Uint(5)),
		"blockNumber":      block,
		"blockHash":        emptyHash,
		"transactionHash":  txHash,
		"transactionIndex": "0x0",
		"logIndex":         index,
		"removed":          false,
	}
}

type rpcCall struct {
	Method string            `json:"method"`
	Params []json.RawMessage `json:"params"`
	ID     int64             `json:"id"`
}

func newRPCServer(t *testing.T, handle func(call rpcCall) (any, *rpcError)) *evm.Client {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var call rpcCall
		require.NoError(t, json.NewDecoder(r.Body).Decode(&call))
		result, rpcErr := handle(call)
		resp := map[string]any{"jsonrpc": "2.0", "id": call.ID}
		if rpcErr != nil {
			resp["error"] = rpcErr
		} else {
			resp["result"] = result
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	}))
	t.Cleanup(srv.Close)

	client, err := evm.NewClient(evm.ClientConfig{URL: srv.URL})
	require.NoError(t, err)
	t.Cleanup(client.Close)
	return client
}

func TestRelay_EVM_Client_BlockNumber(t *testing.T) {
	t.Parallel()

	client := newRPCServer(t, func(call rpcCall) (any, *rpcError) {
		require.Equal(t, "eth_blockNumber", call.Method)
		return "0x1b4", nil
	})
	head, err := client.BlockNumber(context.Background())
	require.NoError(t, err)
	require.Equal(t, uint64(436), head)
}

func TestRelay_EVM_Client_GetLogs(t *testing.T) {
	t.Parallel()

	var filter map[string]any
	client := newRPCServer(t, func(call rpcCall) (any, *rpcError) {
		require.Equal(t, "eth_getLogs", call.Method)
		require.NoError(t, json.Unmarshal(call.Params[0], &filter))
		return []map[string]any{rpcLog("0x10", "0x2")}, nil
	})

	logs, err := client.GetLogs(context.Background(), evm.FilterQuery{
		FromBlock: 16,
		ToBlock:   32,
		Addresses: []string{"0x00000000000000000000000000000000000000c1"},
		Topics:    []string{topicA},
	})
	require.NoError(t, err)
	require.Equal(t, "0x10", filter["fromBlock"])
	require.Equal(t, "0x20", filter["toBlock"])
	require.Len(t, logs, 1)
	require.Equal(t, "0x00000000000000000000000000000000000000c1", logs[0].Address)
	require.Equal(t, []any{[]any{topicA}}, filter["topics"])
	require.Equal(t, []string{topicA, topicB}, logs[0].Topics)
	require.Equal(t, uint64(16), logs[0].BlockNumber)
	require.Equal(t, uint64(2), logs[0].LogIndex)
	require.Equal(t, txHash, logs[0].TxHash)
	require.Len(t, logs[0].Data, 32)
}

func TestRelay_EVM_Client_RPCError(t *testing.T) {
	t.Parallel()

	client := newRPCServer(t, func(call rpcCall) (any, *rpcError) {
		return nil, &rpcError{Code: -32005, Message: "query returned more than 10000 results"}
	})
	_, err := client.GetLogs(context.Background(), evm.FilterQuery{FromBlock: 1, ToBlock: 2})
	var rpcErr rpc.Error
	require.ErrorAs(t, err, &rpcErr)
	require.Equal(t, -32005, rpcErr.ErrorCode())
	require.False(t, retry.IsRetryable(err))
}

func TestRelay_EVM_Client_HTTPStatus(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "slow down", http.StatusTooManyRequests)
	}))
	t.Cleanup(srv.Close)

	client, err := evm.NewClient(evm.ClientConfig{URL: srv.URL})
	require.NoError(t, err)
	_, err = client.BlockNumber(context.Background())
	require.Error(t, err)
	require.True(t, retry.IsRetryable(err))
}

func TestRelay_EVM_TokenMetadata(t *testing.T) {
	t.Parallel()

	client := newRPCServer(t, func(call rpcCall) (any, *rpcError) {
		require.Equal(t, "eth_call", call.Method)
		var msg map[string]any
		require.NoError(t, json.Unmarshal(call.Params[0], &msg))
		input, _ := msg["input"].(string)
		if input == "" {
			input, _ = msg["data"].(string)
		}
		switch input {
		case "0x95d89b41":
			return "0x" + hex.EncodeToString(evmtest.StringReturn("USDC")), nil
		case "0x313ce567":
			return "0x" + hex.EncodeToString(evmtest.Uint(6)), nil
		case "0x06fdde03":
			// bytes32-style name
			b := make([]byte, 32)
			copy(b, "USD Coin")
			return "0x" + hex.EncodeToString(b), nil
		}
		return nil, &rpcError{Code: 3, Message: "execution reverted"}
	})

	ctx := context.Background()
	symbol, err := evm.TokenSymbol(ctx, client, token)
	require.NoError(t, err)
	require.Equal(t, "USDC", symbol)

	decimals, err := evm.TokenDecimals(ctx, client, token)
	require.NoError(t, err)
	require.Equal(t, int32(6), decimals)

	name, err := evm.TokenName(ctx, client, token)
	require.NoError(t, err)
	require.Equal(t, "USD Coin", name)
}

func TestRelay_EVM_Client_Receipt(t *testing.T) {
	t.Parallel()

	t.Run("decodes gas and logs", func(t *testing.T) {
		t.Parallel()
		client := newRPCServer(t, func(call rpcCall) (any, *rpcError) {
			require.Equal(t, "eth_getTransactionReceipt", call.Method)
			return map[string]any{
				"type":              "0x2",
				"transactionHash":   txHash,
				"transactionIndex":  "0x0",
				"blockHash":         emptyHash,
				"blockNumber":       "0x2a",
				"cumulativeGasUsed": "0x5208",
				"gasUsed":           "0x5208",
				"effectiveGasPrice": "0x3b9aca00",
				"status":            "0x1",
				"logsBloom":         emptyBloom,
				"logs":              []map[string]any{rpcLog("0x2a", "0x0")},
			}, nil
		})
		r, err := client.Receipt(context.Background(), txHash)
		require.NoError(t, err)
		require.Equal(t, uint64(42), r.BlockNumber)
		require.Equal(t, uint64(21000), r.GasUsed)
		require.Equal(t, "1000000000", r.EffectiveGasPrice.String())
		require.Equal(t, uint64(1), r.Status)
		require.Len(t, r.Logs, 1)
		require.Equal(t, txHash, r.Logs[0].TxHash)
		require.Equal(t, "0x00000000000000000000000000000000000000c1", r.Logs[0].Address)
	})

	t.Run("pending transaction", func(t *testing.T) {
		t.Parallel()
		client := newRPCServer(t, func(call rpcCall) (any, *rpcError) {
			return nil, nil
		})
		_, err := client.Receipt(context.Background(), txHash)
		require.ErrorIs(t, err, evm.ErrNotMined)
	})
}
