package chain

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/flashbots/go-bundle-client/spike"
	"go.uber.org/zap"
)

const (
	defaultBlockNumberCacheTime = time.Second
	defaultBlockCacheTime       = 12 * time.Second
	defaultHeadPollInterval     = 2 * time.Second
)

type EthClientOpts struct {
	// BlockNumberCacheTime is how long BlockNumber results are reused
	BlockNumberCacheTime time.Duration
	// BlockCacheTime is how long block summaries are reused
	BlockCacheTime time.Duration
	// HeadPollInterval is used when the endpoint does not support subscriptions (plain http)
	HeadPollInterval time.Duration
}

// EthClient implements Client on top of go-ethereum's rpc client.
// Concurrent lookups of the same block are served by a single request.
type EthClient struct {
	log    *zap.Logger
	rpc    *rpc.Client
	eth    *ethclient.Client
	blocks *spike.Manager[*BlockSummary]
	poller *HeadPoller

	blockNumberCacheTime time.Duration
	mu                   sync.RWMutex
	blockNumber          uint64
	lastUpdate           time.Time
}

func Dial(ctx context.Context, log *zap.Logger, url string, opts EthClientOpts) (*EthClient, error) {
	rpcClient, err := rpc.DialContext(ctx, url)
	if err != nil {
		return nil, err
	}
	return NewEthClient(log, rpcClient, opts), nil
}

func NewEthClient(log *zap.Logger, rpcClient *rpc.Client, opts EthClientOpts) *EthClient {
	if opts.BlockNumberCacheTime == 0 {
		opts.BlockNumberCacheTime = defaultBlockNumberCacheTime
	}
	if opts.BlockCacheTime == 0 {
		opts.BlockCacheTime = defaultBlockCacheTime
	}
	if opts.HeadPollInterval == 0 {
		opts.HeadPollInterval = defaultHeadPollInterval
	}

	log = log.Named("chain")
	eth := ethclient.NewClient(rpcClient)
	c := &EthClient{
		log:                  log,
		rpc:                  rpcClient,
		eth:                  eth,
		poller:               NewHeadPoller(log, eth, opts.HeadPollInterval),
		blockNumberCacheTime: opts.BlockNumberCacheTime,
		lastUpdate:           time.Now().Add(-opts.BlockNumberCacheTime),
	}
	c.blocks = spike.NewManager(c.fetchBlockSummary, opts.BlockCacheTime)
	return c
}

// Eth exposes the full ethclient API of the wrapped endpoint
func (c *EthClient) Eth() *ethclient.Client {
	return c.eth
}

// BlockNumber returns the most recent block number, cached for BlockNumberCacheTime
func (c *EthClient) BlockNumber(ctx context.Context) (uint64, error) {
	c.mu.RLock()
	if time.Since(c.lastUpdate) < c.blockNumberCacheTime {
		number := c.blockNumber
		c.mu.RUnlock()
		return number, nil
	}
	c.mu.RUnlock()

	c.mu.Lock()
	defer c.mu.Unlock()
	if time.Since(c.lastUpdate) < c.blockNumberCacheTime {
		return c.blockNumber, nil
	}

	number, err := c.eth.BlockNumber(ctx)
	if err != nil {
		return 0, err
	}
	c.blockNumber = number
	c.lastUpdate = time.Now()
	return number, nil
}

func (c *EthClient) BlockSummary(ctx context.Context, number uint64) (*BlockSummary, error) {
	return c.blocks.GetResult(ctx, strconv.FormatUint(number, 10))
}

type blockSummaryJSON struct {
	Number       hexutil.Uint64 `json:"number"`
	Hash         common.Hash    `json:"hash"`
	Transactions []common.Hash  `json:"transactions"`
}

func (c *EthClient) fetchBlockSummary(ctx context.Context, key string) (*BlockSummary, error) {
	number, err := strconv.ParseUint(key, 10, 64)
	if err != nil {
		return nil, err
	}

	var raw *blockSummaryJSON
	if err := c.rpc.CallContext(ctx, &raw, "eth_getBlockByNumber", hexutil.EncodeUint64(number), false); err != nil {
		return nil, err
	}
	if raw == nil {
		return nil, ethereum.NotFound
	}
	return &BlockSummary{
		Number:       uint64(raw.Number),
		Hash:         raw.Hash,
		Transactions: raw.Transactions,
	}, nil
}

// SubscribeNewHead uses a node subscription when the transport supports it and falls back to polling otherwise
func (c *EthClient) SubscribeNewHead(ctx context.Context, ch chan<- *types.Header) (ethereum.Subscription, error) {
	sub, err := c.eth.SubscribeNewHead(ctx, ch)
	if errors.Is(err, rpc.ErrNotificationsUnsupported) {
		c.log.Debug("Endpoint does not support subscriptions, polling for new heads")
		return c.poller.SubscribeNewHead(ctx, ch)
	}
	return sub, err
}

func (c *EthClient) CallContext(ctx context.Context, result any, method string, args ...any) error {
	return c.rpc.CallContext(ctx, result, method, args...)
}

func (c *EthClient) Close() {
	c.rpc.Close()
}
