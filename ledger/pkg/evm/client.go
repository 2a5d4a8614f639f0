package evm

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/giftlane/relay/utils/pkg/retry"
	"github.com/shopspring/decimal"
)

// ErrNotMined is returned for transactions without a receipt yet.
var ErrNotMined = errors.New("transaction not mined")

// Log is a contract event log. Hex fields are lower-case.
type Log struct {
	Address     string
	Topics      []string
	Data        []byte
	BlockNumber uint64
	TxHash      string
	LogIndex    uint64
	Removed     bool
}

// FilterQuery selects logs for eth_getLogs. Topics is matched against
// topic0 only.
type FilterQuery struct {
	FromBlock uint64
	ToBlock   uint64
	Addresses []string
	Topics    []string
}

// Receipt is a mined transaction's outcome. Status 1 means success.
type Receipt struct {
	BlockNumber       uint64
	GasUsed           uint64
	EffectiveGasPrice decimal.Decimal
	Status            uint64
	Logs              []Log
}

type ClientConfig struct {
	URL        string
	HTTPClient *http.Client
	Timeout    time.Duration
}

func (cfg *ClientConfig) Validate() error {
	if cfg.URL == "" {
		return errors.New("rpc url is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: cfg.Timeout}
	}
	return nil
}

// Client reads an EVM-compatible ledger over JSON-RPC.
type Client struct {
	rpc *rpc.Client
	eth *ethclient.Client
}

func NewClient(cfg ClientConfig) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	rc, err := rpc.DialOptions(context.Background(), cfg.URL, rpc.WithHTTPClient(cfg.HTTPClient))
	if err != nil {
		return nil, fmt.Errorf("failed to dial rpc: %w", err)
	}
	return &Client{rpc: rc, eth: ethclient.NewClient(rc)}, nil
}

func (c *Client) Close() {
	c.rpc.Close()
}

// wrap tags transport failures with the method and exposes HTTP status
// codes to the retry classifier.
func wrap(method string, err error) error {
	var httpErr rpc.HTTPError
	if errors.As(err, &httpErr) {
		return fmt.Errorf("%s: %w", method, &retry.StatusError{Code: httpErr.StatusCode, Body: string(httpErr.Body)})
	}
	return fmt.Errorf("%s: %w", method, err)
}

// BlockNumber returns the current head height.
func (c *Client) BlockNumber(ctx context.Context) (uint64, error) {
	n, err := c.eth.BlockNumber(ctx)
	if err != nil {
		return 0, wrap("eth_blockNumber", err)
	}
	return n, nil
}

// ChainID returns the ledger's chain id.
func (c *Client) ChainID(ctx context.Context) (int64, error) {
	id, err := c.eth.ChainID(ctx)
	if err != nil {
		return 0, wrap("eth_chainId", err)
	}
	if !id.IsInt64() {
		return 0, fmt.Errorf("chain id %s out of range", id)
	}
	return id.Int64(), nil
}

// GetLogs returns logs in [FromBlock, ToBlock] in ledger order.
func (c *Client) GetLogs(ctx context.Context, q FilterQuery) ([]Log, error) {
	filter := ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(q.FromBlock),
		ToBlock:   new(big.Int).SetUint64(q.ToBlock),
	}
	for _, a := range q.Addresses {
		filter.Addresses = append(filter.Addresses, common.HexToAddress(a))
	}
	if len(q.Topics) > 0 {
		topic0 := make([]common.Hash, len(q.Topics))
		for i, t := range q.Topics {
			topic0[i] = common.HexToHash(t)
		}
		filter.Topics = [][]common.Hash{topic0}
	}

	raw, err := c.eth.FilterLogs(ctx, filter)
	if err != nil {
		return nil, wrap("eth_getLogs", err)
	}
	logs := make([]Log, len(raw))
	for i := range raw {
		logs[i] = fromLog(&raw[i])
	}
	return logs, nil
}

func fromLog(l *types.Log) Log {
	topics := make([]string, len(l.Topics))
	for i, t := range l.Topics {
		topics[i] = t.Hex()
	}
	return Log{
		Address:     strings.ToLower(l.Address.Hex()),
		Topics:      topics,
		Data:        l.Data,
		BlockNumber: l.BlockNumber,
		TxHash:      l.TxHash.Hex(),
		LogIndex:    uint64(l.Index),
		Removed:     l.Removed,
	}
}

// Call executes eth_call against the latest block.
func (c *Client) Call(ctx context.Context, to string, data []byte) ([]byte, error) {
	addr := common.HexToAddress(to)
	ret, err := c.eth.CallContract(ctx, ethereum.CallMsg{To: &addr, Data: data}, nil)
	if err != nil {
		return nil, wrap("eth_call", err)
	}
	return ret, nil
}

// BlockTime returns the timestamp of block n. Only the header timestamp
// is decoded so chains with non-standard header fields still work.
func (c *Client) BlockTime(ctx context.Context, n uint64) (time.Time, error) {
	var block *struct {
		Timestamp hexutil.Uint64 `json:"timestamp"`
	}
	if err := c.rpc.CallContext(ctx, &block, "eth_getBlockByNumber", hexutil.EncodeUint64(n), false); err != nil {
		return time.Time{}, wrap("eth_getBlockByNumber", err)
	}
	if block == nil {
		return time.Time{}, fmt.Errorf("block %d not found", n)
	}
	return time.Unix(int64(block.Timestamp), 0).UTC(), nil
}

// Receipt returns the receipt of a mined transaction.
func (c *Client) Receipt(ctx context.Context, txHash string) (*Receipt, error) {
	r, err := c.eth.TransactionReceipt(ctx, common.HexToHash(txHash))
	if errors.Is(err, ethereum.NotFound) {
		return nil, fmt.Errorf("receipt for %s: %w", txHash, ErrNotMined)
	}
	if err != nil {
		return nil, wrap("eth_getTransactionReceipt", err)
	}

	out := &Receipt{
		GasUsed:           r.GasUsed,
		EffectiveGasPrice: decimal.Zero,
		Status:            r.Status,
		Logs:              make([]Log, len(r.Logs)),
	}
	if r.BlockNumber != nil {
		out.BlockNumber = r.BlockNumber.Uint64()
	}
	if r.EffectiveGasPrice != nil {
		out.EffectiveGasPrice = decimal.NewFromBigInt(r.EffectiveGasPrice, 0)
	}
	for i, l := range r.Logs {
		out.Logs[i] = fromLog(l)
	}
	return out, nil
}
