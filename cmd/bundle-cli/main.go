package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/VictoriaMetrics/metrics"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/flashbots/go-bundle-client/bundle"
	"github.com/flashbots/go-bundle-client/chain"
	"github.com/flashbots/go-bundle-client/flashbots"
	"github.com/flashbots/go-bundle-client/inclusion"
	"github.com/flashbots/go-bundle-client/journal"
	"github.com/flashbots/go-bundle-client/relay"
	"github.com/flashbots/go-bundle-client/signature"
	"github.com/flashbots/go-utils/cli"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/time/rate"
)

var (
	version = "dev" // is set during build process

	// Default values
	defaultDebug            = os.Getenv("DEBUG") == "1"
	defaultLogProd          = os.Getenv("LOG_PROD") == "1"
	defaultLogService       = os.Getenv("LOG_SERVICE")
	defaultEthEndpoint      = cli.GetEnv("ETH_ENDPOINT", "http://127.0.0.1:8545")
	defaultRelayEndpoint    = cli.GetEnv("RELAY_ENDPOINT", "https://relay.flashbots.net")
	defaultRelaysConfig     = cli.GetEnv("RELAYS_CONFIG", "")
	defaultSignerKey        = cli.GetEnv("SIGNER_KEY", "")
	defaultPostgresDSN      = cli.GetEnv("POSTGRES_DSN", "")
	defaultRedisEndpoint    = cli.GetEnv("REDIS_ENDPOINT", "")
	defaultMetricsPort      = cli.GetEnv("METRICS_PORT", "")
	defaultRateLimit        = cli.GetEnv("RELAY_RATE_LIMIT", "0")
	defaultMaxQueryFailures = cli.GetEnv("MAX_QUERY_FAILURES", "3")
	defaultTimeout          = cli.GetEnv("TIMEOUT", "2m")

	// Flags
	debugPtr            = flag.Bool("debug", defaultDebug, "print debug output")
	logProdPtr          = flag.Bool("log-prod", defaultLogProd, "log in production mode (json)")
	logServicePtr       = flag.String("log-service", defaultLogService, "'service' tag to logs")
	ethPtr              = flag.String("eth", defaultEthEndpoint, "eth endpoint")
	relayPtr            = flag.String("relay", defaultRelayEndpoint, "relay endpoint, ignored if relays-config is set")
	relaysConfigPtr     = flag.String("relays-config", defaultRelaysConfig, "relays config file, bundles are broadcast to every relay")
	signerKeyPtr        = flag.String("signer-key", defaultSignerKey, "hex private key of the relay identity (random if empty)")
	postgresDSNPtr      = flag.String("postgres-dsn", defaultPostgresDSN, "postgres dsn of the submission journal (disabled if empty)")
	redisPtr            = flag.String("redis", defaultRedisEndpoint, "redis url of the submission journal (disabled if empty)")
	metricsPortPtr      = flag.String("metrics-port", defaultMetricsPort, "serve /metrics on this port while running (disabled if empty)")
	rateLimitPtr        = flag.String("rate-limit", defaultRateLimit, "relay calls per second (0 means unlimited)")
	maxQueryFailuresPtr = flag.String("max-query-failures", defaultMaxQueryFailures, "consecutive failed block queries before giving up on a bundle")
	timeoutPtr          = flag.String("timeout", defaultTimeout, "overall command timeout")
	blockOffsetPtr      = flag.Uint64("block-offset", 1, "target block relative to the current head")
	waitPtr             = flag.Bool("wait", false, "wait for the bundle to be resolved after sending")
	replacementPtr      = flag.String("replacement-uuid", "", "replacement uuid of the bundle, 'new' generates one")
)

const usage = `Usage: bundle-cli [flags] <command> [args]

Commands:
  simulate <raw tx>...          simulate a bundle on top of the current head
  send <raw tx>...              send a bundle targeting head + block-offset
  send-raw <raw tx>             send a single transaction for the next block
  user-stats                    show the relay stats of the signer
  bundle-stats <hash> <block>   show the relay stats of a bundle
  cancel <replacement uuid>     cancel bundles with the replacement uuid
`

func main() {
	flag.Usage = func() {
		fmt.Fprint(flag.CommandLine.Output(), usage)
		flag.PrintDefaults()
	}
	flag.Parse()
	if flag.NArg() == 0 {
		flag.Usage()
		os.Exit(2)
	}

	logger, _ := zap.NewDevelopment()
	if *logProdPtr {
		atom := zap.NewAtomicLevel()
		if *debugPtr {
			atom.SetLevel(zap.DebugLevel)
		}

		encoderCfg := zap.NewProductionEncoderConfig()
		encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder
		logger = zap.New(zapcore.NewCore(
			zapcore.NewJSONEncoder(encoderCfg),
			zapcore.Lock(os.Stderr),
			atom,
		))
	}
	defer func() { _ = logger.Sync() }()
	if *logServicePtr != "" {
		logger = logger.With(zap.String("service", *logServicePtr))
	}

	timeout, err := time.ParseDuration(*timeoutPtr)
	if err != nil {
		logger.Fatal("Failed to parse timeout", zap.Error(err))
	}
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	ctx, cancelTimeout := context.WithTimeout(ctx, timeout)
	defer cancelTimeout()

	logger.Debug("Starting bundle-cli", zap.String("version", version))

	if *metricsPortPtr != "" {
		go serveMetrics(logger, *metricsPortPtr)
	}

	app, err := newApp(ctx, logger)
	if err != nil {
		logger.Fatal("Failed to initialize", zap.Error(err))
	}
	defer app.close()

	if err := app.run(ctx, flag.Arg(0), flag.Args()[1:]); err != nil {
		logger.Error("Command failed", zap.String("command", flag.Arg(0)), zap.Error(err))
		app.close()
		os.Exit(1) //nolint:gocritic
	}
}

func serveMetrics(logger *zap.Logger, port string) {
	metricsMux := http.NewServeMux()
	metricsMux.HandleFunc("/metrics", func(w http.ResponseWriter, r *http.Request) {
		metrics.WritePrometheus(w, true)
	})
	metricsServer := &http.Server{
		Addr:              fmt.Sprintf("0.0.0.0:%s", port),
		ReadHeaderTimeout: 5 * time.Second,
		Handler:           metricsMux,
	}
	if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("Metrics server failed", zap.Error(err))
	}
}

type app struct {
	log         *zap.Logger
	eth         *chain.EthClient
	middleware  *flashbots.Middleware
	broadcaster *flashbots.Broadcaster
	closers     []func()
}

func newApp(ctx context.Context, logger *zap.Logger) (*app, error) {
	a := &app{log: logger}

	var (
		signer *signature.Signer
		err    error
	)
	if *signerKeyPtr != "" {
		signer, err = signature.NewSignerFromHexKey(*signerKeyPtr)
	} else {
		signer, err = signature.NewRandomSigner()
	}
	if err != nil {
		return nil, err
	}
	logger.Info("Relay identity", zap.String("address", signer.Address().Hex()))

	rateLimit, err := strconv.ParseFloat(*rateLimitPtr, 64)
	if err != nil {
		return nil, fmt.Errorf("parse rate limit: %w", err)
	}
	maxQueryFailures, err := strconv.Atoi(*maxQueryFailuresPtr)
	if err != nil {
		return nil, fmt.Errorf("parse max query failures: %w", err)
	}

	a.eth, err = chain.Dial(ctx, logger, *ethPtr, chain.EthClientOpts{})
	if err != nil {
		return nil, fmt.Errorf("connect to eth endpoint: %w", err)
	}
	a.closers = append(a.closers, a.eth.Close)

	j, err := a.openJournal(ctx)
	if err != nil {
		a.close()
		return nil, err
	}

	var relayOpts []relay.Option
	if rateLimit > 0 {
		relayOpts = append(relayOpts, relay.WithRateLimit(rate.Limit(rateLimit), 1))
	}

	cfg := flashbots.Config{RelayURL: *relayPtr}
	if *relaysConfigPtr != "" {
		relays, err := flashbots.LoadRelayConfig(*relaysConfigPtr)
		if err != nil {
			a.close()
			return nil, fmt.Errorf("load relays config: %w", err)
		}
		a.broadcaster, err = flashbots.NewBroadcaster(logger, a.eth, signer, relays, flashbots.BroadcasterOpts{
			MaxQueryFailures: maxQueryFailures,
			Journal:          j,
			RelayOptions:     relayOpts,
		})
		if err != nil {
			a.close()
			return nil, err
		}
		cfg, err = flashbots.MiddlewareConfig(relays)
		if err != nil {
			a.close()
			return nil, err
		}
	}
	cfg.MaxQueryFailures = maxQueryFailures
	cfg.Journal = j
	cfg.RelayOptions = append(cfg.RelayOptions, relayOpts...)

	a.middleware, err = flashbots.NewMiddleware(logger, a.eth, signer, cfg)
	if err != nil {
		a.close()
		return nil, err
	}
	return a, nil
}

func (a *app) openJournal(ctx context.Context) (journal.Journal, error) {
	var journals journal.Multi
	if *postgresDSNPtr != "" {
		pg, err := journal.NewPostgresJournal(*postgresDSNPtr)
		if err != nil {
			return nil, fmt.Errorf("create postgres journal: %w", err)
		}
		a.closers = append(a.closers, func() { _ = pg.Close() })
		journals = append(journals, pg)
	}
	if *redisPtr != "" {
		redisOpts, err := redis.ParseURL(*redisPtr)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		redisClient := redis.NewClient(redisOpts)
		if err := redisClient.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("connect to redis: %w", err)
		}
		a.closers = append(a.closers, func() { _ = redisClient.Close() })
		// keep recent submissions for a 30-block window
		journals = append(journals, journal.NewRedisJournal(redisClient, 30*12*time.Second, "bundle-cli:"))
	}
	if len(journals) == 0 {
		return nil, nil
	}
	return journals, nil
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

var errUsage = errors.New("invalid arguments")

func (a *app) run(ctx context.Context, command string, args []string) error {
	switch command {
	case "simulate":
		req, err := a.buildRequest(ctx, args)
		if err != nil {
			return err
		}
		sim, err := a.middleware.SimulateBundle(ctx, req)
		if err != nil {
			return err
		}
		return printJSON(simulationOutput(sim))
	case "send":
		req, err := a.buildRequest(ctx, args)
		if err != nil {
			return err
		}
		return a.send(ctx, req)
	case "send-raw":
		if len(args) != 1 {
			return errUsage
		}
		raw, err := hexutil.Decode(args[0])
		if err != nil {
			return fmt.Errorf("decode transaction: %w", err)
		}
		pending, err := a.middleware.SendRawTransaction(ctx, raw)
		if err != nil {
			return err
		}
		return a.report(ctx, pending)
	case "user-stats":
		stats, err := a.middleware.GetUserStats(ctx)
		if err != nil {
			return err
		}
		return printJSON(stats)
	case "bundle-stats":
		if len(args) != 2 {
			return errUsage
		}
		block, err := strconv.ParseUint(args[1], 0, 64)
		if err != nil {
			return fmt.Errorf("parse block: %w", err)
		}
		stats, err := a.middleware.GetBundleStats(ctx, common.HexToHash(args[0]), block)
		if err != nil {
			return err
		}
		return printJSON(stats)
	case "cancel":
		if len(args) != 1 {
			return errUsage
		}
		id, err := uuid.Parse(args[0])
		if err != nil {
			return fmt.Errorf("parse replacement uuid: %w", err)
		}
		return a.middleware.CancelBundle(ctx, id)
	default:
		return fmt.Errorf("%w: unknown command %q", errUsage, command)
	}
}

// buildRequest targets head + block-offset and simulates on top of head
func (a *app) buildRequest(ctx context.Context, rawTxs []string) (*bundle.Request, error) {
	if len(rawTxs) == 0 {
		return nil, bundle.ErrEmptyBundle
	}
	head, err := a.eth.BlockNumber(ctx)
	if err != nil {
		return nil, fmt.Errorf("get block number: %w", err)
	}

	req := bundle.NewRequest().
		SetTargetBlock(head + *blockOffsetPtr).
		SetSimulationBlock(head)
	for _, rawTx := range rawTxs {
		raw, err := hexutil.Decode(rawTx)
		if err != nil {
			return nil, fmt.Errorf("decode transaction: %w", err)
		}
		req.AddRawTransaction(raw)
	}

	switch *replacementPtr {
	case "":
	case "new":
		id := uuid.New()
		req.SetReplacementUUID(id)
		a.log.Info("Generated replacement uuid", zap.String("uuid", id.String()))
	default:
		id, err := uuid.Parse(*replacementPtr)
		if err != nil {
			return nil, fmt.Errorf("parse replacement uuid: %w", err)
		}
		req.SetReplacementUUID(id)
	}
	return req, nil
}

func (a *app) send(ctx context.Context, req *bundle.Request) error {
	if a.broadcaster == nil {
		pending, err := a.middleware.SendBundle(ctx, req)
		if err != nil {
			return err
		}
		return a.report(ctx, pending)
	}

	results, pending, err := a.broadcaster.SendBundle(ctx, req)
	for _, res := range results {
		if res.Err != nil {
			a.log.Warn("Relay rejected bundle", zap.String("relay", res.Relay), zap.Error(res.Err))
			continue
		}
		fields := []zap.Field{zap.String("relay", res.Relay)}
		if res.BundleHash != nil {
			fields = append(fields, zap.String("bundleHash", res.BundleHash.Hex()))
		}
		a.log.Info("Relay accepted bundle", fields...)
	}
	if err != nil {
		return err
	}
	return a.report(ctx, pending)
}

type pendingOutput struct {
	TargetBlock uint64        `json:"targetBlock"`
	BundleHash  *common.Hash  `json:"bundleHash,omitempty"`
	TxHashes    []common.Hash `json:"txHashes"`
	Outcome     string        `json:"outcome,omitempty"`
	Block       *common.Hash  `json:"block,omitempty"`
}

func (a *app) report(ctx context.Context, pending *inclusion.PendingBundle) error {
	out := pendingOutput{
		TargetBlock: pending.TargetBlock(),
		BundleHash:  pending.BundleHash(),
		TxHashes:    pending.TransactionHashes(),
	}
	if *waitPtr {
		res, err := pending.Wait(ctx)
		if err != nil {
			return err
		}
		out.Outcome = res.State.String()
		if res.Block != nil {
			out.Block = &res.Block.Hash
		}
	}
	return printJSON(out)
}

type simulatedTxOutput struct {
	Hash              common.Hash     `json:"txHash"`
	GasUsed           *uint64         `json:"gasUsed,omitempty"`
	EffectiveGasPrice *hexutil.Big    `json:"effectiveGasPrice,omitempty"`
	Error             *string         `json:"error,omitempty"`
	RevertReason      *string         `json:"revertReason,omitempty"`
	To                *common.Address `json:"to,omitempty"`
}

type simulationOutputJSON struct {
	BundleHash        *common.Hash        `json:"bundleHash,omitempty"`
	StateBlockNumber  *uint64             `json:"stateBlockNumber,omitempty"`
	TotalGasUsed      *uint64             `json:"totalGasUsed,omitempty"`
	CoinbaseDiff      *hexutil.Big        `json:"coinbaseDiff,omitempty"`
	EffectiveGasPrice *hexutil.Big        `json:"effectiveGasPrice,omitempty"`
	FirstFailed       *int                `json:"firstFailed,omitempty"`
	Transactions      []simulatedTxOutput `json:"transactions"`
}

func simulationOutput(sim *bundle.SimulatedBundle) simulationOutputJSON {
	out := simulationOutputJSON{
		BundleHash:        sim.BundleHash,
		StateBlockNumber:  sim.StateBlockNumber,
		TotalGasUsed:      sim.TotalGasUsed,
		CoinbaseDiff:      (*hexutil.Big)(sim.CoinbaseDiff),
		EffectiveGasPrice: (*hexutil.Big)(sim.EffectiveGasPrice()),
		Transactions:      make([]simulatedTxOutput, 0, len(sim.Transactions)),
	}
	if idx := sim.FirstFailed(); idx >= 0 {
		out.FirstFailed = &idx
	}
	for i := range sim.Transactions {
		tx := &sim.Transactions[i]
		out.Transactions = append(out.Transactions, simulatedTxOutput{
			Hash:              tx.Hash,
			GasUsed:           tx.GasUsed,
			EffectiveGasPrice: (*hexutil.Big)(tx.EffectiveGasPrice()),
			Error:             tx.Error,
			RevertReason:      tx.RevertReason,
			To:                tx.To,
		})
	}
	return out
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
