package fetcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"protocol-metrics/internal/source"
)

// Zero-argument uint256 views read from the protocol contracts.
var uintViews = []string{
	"totalSupply",
	"getEntireSystemColl",
	"getEntireSystemDebt",
	"lastGoodPrice",
	"getTotalDebtTokenDeposits",
	"getTroveOwnersCount",
}

var viewsABI abi.ABI

func init() {
	entries := make([]string, 0, len(uintViews))
	for _, name := range uintViews {
		entries = append(entries, fmt.Sprintf(
			`{"inputs":[],"name":%q,"outputs":[{"internalType":"uint256","name":"","type":"uint256"}],"stateMutability":"view","type":"function"}`,
			name,
		))
	}
	parsed, err := abi.JSON(strings.NewReader("[" + strings.Join(entries, ",") + "]"))
	if err != nil {
		panic("failed to parse view ABI: " + err.Error())
	}
	viewsABI = parsed
}

const defaultDecimals = 18

// EVMRPC calls uint256 view functions over JSON-RPC. Query.Method is the function name,
// Query.Target the contract address and Params["decimals"] the fixed-point scale.
// The response body is {"value": "<decimal>", "block": <number>}.
type EVMRPC struct {
	opts      Options
	logger    zerolog.Logger
	limiter   *rate.Limiter
	client    *ethclient.Client
	clientMux sync.Mutex
}

// NewEVMRPC builds a chain adapter. The RPC client is dialed lazily.
func NewEVMRPC(opts Options, logger zerolog.Logger) *EVMRPC {
	return &EVMRPC{
		opts:    opts,
		logger:  logger.With().Str("component", "evm_fetcher").Str("source", string(opts.ID)).Logger(),
		limiter: newLimiter(opts.RPS, opts.Burst),
	}
}

// ID implements source.Adapter.
func (e *EVMRPC) ID() source.ID {
	return e.opts.ID
}

type evmReading struct {
	Value string `json:"value"`
	Block uint64 `json:"block"`
}

// Fetch implements source.Adapter.
func (e *EVMRPC) Fetch(ctx context.Context, q source.Query) (source.Response, error) {
	if e.opts.URL == "" {
		return source.Response{}, errors.New("rpc url not configured")
	}
	if !common.IsHexAddress(q.Target) {
		return source.Response{}, fmt.Errorf("invalid contract address %q", q.Target)
	}
	if _, ok := viewsABI.Methods[q.Method]; !ok {
		return source.Response{}, fmt.Errorf("unsupported view %q", q.Method)
	}

	decimals := int32(defaultDecimals)
	if raw, ok := q.Params["decimals"]; ok {
		parsed, err := strconv.ParseInt(raw, 10, 32)
		if err != nil || parsed < 0 {
			return source.Response{}, fmt.Errorf("invalid decimals %q", raw)
		}
		decimals = int32(parsed)
	}

	if err := e.limiter.Wait(ctx); err != nil {
		return source.Response{}, fmt.Errorf("rate limit wait: %w", err)
	}

	client, err := e.getClient(ctx)
	if err != nil {
		return source.Response{}, err
	}

	payload, err := viewsABI.Pack(q.Method)
	if err != nil {
		return source.Response{}, err
	}

	addr := common.HexToAddress(q.Target)
	res, err := client.CallContract(ctx, ethereum.CallMsg{To: &addr, Data: payload}, nil)
	if err != nil {
		return source.Response{}, fmt.Errorf("call %s: %w", q.Method, err)
	}

	outputs, err := viewsABI.Unpack(q.Method, res)
	if err != nil {
		return source.Response{}, fmt.Errorf("unpack %s: %w", q.Method, err)
	}
	if len(outputs) != 1 {
		return source.Response{}, fmt.Errorf("unexpected %s response", q.Method)
	}
	raw, ok := outputs[0].(*big.Int)
	if !ok {
		return source.Response{}, fmt.Errorf("failed to decode %s output", q.Method)
	}

	blockNumber, err := client.BlockNumber(ctx)
	if err != nil {
		return source.Response{}, fmt.Errorf("block number: %w", err)
	}

	value := decimal.NewFromBigInt(raw, -decimals)
	body, err := json.Marshal(evmReading{Value: value.String(), Block: blockNumber})
	if err != nil {
		return source.Response{}, err
	}

	e.logger.Debug().Str("method", q.Method).Str("value", value.String()).Uint64("block", blockNumber).Msg("view call")
	return source.Response{Body: body, ReceivedAt: time.Now().UTC()}, nil
}

func (e *EVMRPC) getClient(ctx context.Context) (*ethclient.Client, error) {
	e.clientMux.Lock()
	defer e.clientMux.Unlock()

	if e.client != nil {
		return e.client, nil
	}

	client, err := ethclient.DialContext(ctx, e.opts.URL)
	if err != nil {
		return nil, err
	}
	e.client = client
	return client, nil
}

// Close releases the RPC client.
func (e *EVMRPC) Close() {
	e.clientMux.Lock()
	defer e.clientMux.Unlock()
	if e.client != nil {
		e.client.Close()
		e.client = nil
	}
}

var _ source.Adapter = (*EVMRPC)(nil)
