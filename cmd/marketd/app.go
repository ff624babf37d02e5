package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"agentmarket/internal/api"
	"agentmarket/internal/claim"
	"agentmarket/internal/config"
	"agentmarket/internal/execution"
	"agentmarket/internal/observability/alerting"
	"agentmarket/internal/observability/metrics"
	"agentmarket/internal/payment"
	"agentmarket/internal/queue"
	"agentmarket/internal/ratelimit"
	"agentmarket/internal/registry"
	"agentmarket/internal/storage/mysql"
	"agentmarket/internal/storage/redis"
	"agentmarket/internal/task"
	"agentmarket/internal/web3"
	"agentmarket/internal/web3/provider"
	"agentmarket/internal/webhook"
	"agentmarket/internal/worker"
	"agentmarket/pkg/logger"
)

// components 汇总一次运行中构造的全部服务，closers 按逆序释放。
type components struct {
	db    *sql.DB
	redis *goredis.Client

	registry   *registry.Service
	tasks      *task.Service
	claims     *claim.Aggregator
	dispatcher *webhook.Dispatcher
	prices     *payment.PriceBook
	gate       *payment.Gate
	machine    *execution.Machine
	processor  *execution.Processor
	limits     *ratelimit.Set
	pruned     []*ratelimit.MemoryLimiter
	checks     map[string]func(ctx context.Context) error

	closers []func() error
}

func (c *components) onClose(fn func() error) {
	c.closers = append(c.closers, fn)
}

// track 记录内存限流器，运行期间周期性清理空闲窗口。
func (c *components) track(factory ratelimit.Factory) ratelimit.Factory {
	return func(op string, policy ratelimit.Policy) ratelimit.Limiter {
		limiter := factory(op, policy)
		if memory, ok := limiter.(*ratelimit.MemoryLimiter); ok {
			c.pruned = append(c.pruned, memory)
		}
		return limiter
	}
}

func (c *components) close() {
	for i := len(c.closers) - 1; i >= 0; i-- {
		if err := c.closers[i](); err != nil {
			logger.L().Warn("释放资源失败", slog.Any("error", err))
		}
	}
}

// run 构造全部组件并运行，直到 ctx 结束。
func run(ctx context.Context, cfg *config.Config) error {
	comps, err := build(ctx, cfg)
	if err != nil {
		return err
	}
	defer comps.close()

	server := api.NewServer(cfg.Server.Address, api.Deps{
		Registry:      comps.registry,
		Tasks:         comps.tasks,
		Claims:        comps.claims,
		Subscriptions: comps.dispatcher.Subscriptions(),
		Webhooks:      comps.dispatcher,
		Gate:          comps.gate,
		Machine:       comps.machine,
		Limits:        comps.limits,
		Checks:        comps.checks,
	},
		api.WithCORSOrigins(cfg.Server.CORSOrigins...),
		api.WithTimeouts(
			time.Duration(cfg.Server.ReadHeaderTimeoutSeconds)*time.Second,
			time.Duration(cfg.Server.ShutdownTimeoutSeconds)*time.Second,
		),
		api.WithMetrics(cfg.Metrics.Enabled && cfg.Metrics.Address == ""),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return server.Start(gctx) })
	if cfg.Metrics.Enabled && cfg.Metrics.Address != "" {
		g.Go(func() error { return ignoreCanceled(metrics.StartServer(gctx, cfg.Metrics.Address)) })
	}
	for _, limiter := range comps.pruned {
		g.Go(func() error {
			limiter.RunPruner(gctx, time.Minute)
			return nil
		})
	}
	g.Go(func() error { return ignoreCanceled(comps.dispatcher.Start(gctx)) })
	// 截止时间在读取时惰性检查，清扫器只负责推送过期事件。
	if interval := cfg.Tasks.SweepInterval(); interval > 0 {
		g.Go(func() error { return ignoreCanceled(task.NewSweeper(comps.tasks, interval).Run(gctx)) })
	}
	if comps.prices != nil {
		if err := comps.prices.Watch(gctx); err != nil {
			logger.L().Warn("定价文件热加载未启用", slog.Any("error", err))
		}
	}
	if comps.machine != nil {
		g.Go(func() error { return ignoreCanceled(comps.processor.Start(gctx)) })
		if interval := cfg.Execution.SweepInterval(); interval > 0 {
			g.Go(func() error { return ignoreCanceled(execution.NewSweeper(comps.machine, interval).Run(gctx)) })
		}
	}
	if cfg.Seller.RegisterOnStart {
		g.Go(func() error {
			if err := registerSeller(gctx, cfg.Seller); err != nil {
				logger.L().Error("卖方自注册失败", slog.Any("error", err))
			}
			return nil
		})
	}

	logger.L().Info("marketd 已启动",
		slog.String("address", cfg.Server.Address),
		slog.String("storage", cfg.Storage.Driver),
		slog.Bool("seller", comps.machine != nil))
	return g.Wait()
}

func build(ctx context.Context, cfg *config.Config) (*components, error) {
	comps := &components{checks: make(map[string]func(ctx context.Context) error)}
	if err := assemble(ctx, cfg, comps); err != nil {
		comps.close()
		return nil, err
	}
	return comps, nil
}

func assemble(ctx context.Context, cfg *config.Config, comps *components) error {
	if err := openBackends(ctx, cfg, comps); err != nil {
		return err
	}

	comps.limits = ratelimit.NewSet(ratePolicies(cfg.RateLimit), comps.track(limiterFactory(cfg.RateLimit, comps.redis)))

	webhookQueue, err := buildQueue(cfg.Webhook.Queue, cfg.Webhook.QueueName, cfg, comps)
	if err != nil {
		return err
	}
	subs, err := seedSubscriptions(cfg.Webhook.Subscriptions)
	if err != nil {
		return err
	}
	comps.dispatcher, err = webhook.NewDispatcher(subs, webhookQueue,
		webhook.WithHTTPClient(&http.Client{Timeout: time.Duration(cfg.Webhook.TimeoutSeconds) * time.Second}),
		webhook.WithRetryPolicy(webhook.RetryPolicy{
			MaxAttempts: cfg.Webhook.MaxAttempts,
			BaseDelay:   time.Duration(cfg.Webhook.BaseDelayMS) * time.Millisecond,
			MaxDelay:    time.Duration(cfg.Webhook.MaxDelayMS) * time.Millisecond,
		}),
		webhook.WithRateLimit(cfg.Webhook.RatePerSecond, int(cfg.Webhook.RatePerSecond)+1),
		webhook.WithWorkers(cfg.Webhook.Workers),
	)
	if err != nil {
		return err
	}

	if err := buildMarket(cfg, comps); err != nil {
		return err
	}
	return buildSeller(ctx, cfg, comps)
}

func openBackends(ctx context.Context, cfg *config.Config, comps *components) error {
	if cfg.Storage.Driver == "mysql" {
		db, err := mysql.Open(ctx, mysqlConfig(cfg.Storage.MySQL))
		if err != nil {
			return err
		}
		comps.db = db
		comps.onClose(db.Close)
		comps.checks["mysql"] = db.PingContext
	}
	if cfg.Redis.Address != "" {
		client, err := redis.NewClient(ctx, redis.Config{
			Address:  cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err != nil {
			return err
		}
		comps.redis = client
		comps.onClose(client.Close)
		comps.checks["redis"] = func(ctx context.Context) error { return client.Ping(ctx).Err() }
	}
	return nil
}

func buildMarket(cfg *config.Config, comps *components) error {
	var (
		agentStore registry.Store
		taskStore  task.Store
	)
	if comps.db != nil {
		rs, err := registry.NewMySQLStore(comps.db)
		if err != nil {
			return err
		}
		ts, err := task.NewMySQLStore(comps.db)
		if err != nil {
			return err
		}
		agentStore, taskStore = rs, ts
	} else {
		agentStore, taskStore = registry.NewMemoryStore(), task.NewMemoryStore()
	}

	profileLimiter := comps.track(limiterFactory(cfg.RateLimit, comps.redis))("register_profile", ratePolicies(cfg.RateLimit)[ratelimit.OpRegister])
	comps.registry = registry.NewService(agentStore,
		registry.WithLimiter(profileLimiter),
		registry.WithNotifier(comps.dispatcher),
	)

	policy := task.NewDeadlinePolicy(cfg.Tasks.DeadlineBuckets, cfg.Tasks.DefaultComplexity, cfg.Tasks.ClaimWindow())
	comps.tasks = task.NewService(taskStore, policy, task.WithNotifier(comps.dispatcher))

	selection, err := claim.PolicyByName(cfg.Tasks.SelectionPolicy)
	if err != nil {
		return err
	}
	comps.claims = claim.NewAggregator(comps.tasks, claim.WithDefaultPolicy(selection))
	return nil
}

// buildSeller 组装付费执行链路。未配置 pay_to 时节点只提供市场功能。
func buildSeller(ctx context.Context, cfg *config.Config, comps *components) error {
	if cfg.Payment.PayTo == "" {
		logger.L().Warn("未配置 payment.pay_to，/execute 与 /tasks/{id} 不会挂载")
		return nil
	}
	chains, err := web3.LoadChainDefinitions(cfg.Web3.ChainConfig)
	if err != nil {
		return err
	}

	prices, err := loadPrices(cfg, chains)
	if err != nil {
		return err
	}
	comps.prices = prices

	verifier, err := buildVerifier(ctx, cfg, chains, comps)
	if err != nil {
		return err
	}
	ledger, err := buildLedger(cfg, comps)
	if err != nil {
		return err
	}
	comps.gate, err = payment.NewGate(payment.GateConfig{
		PayTo:             cfg.Payment.PayTo,
		Resource:          cfg.Payment.Resource,
		Description:       cfg.Payment.Description,
		MaxTimeoutSeconds: cfg.Payment.MaxTimeoutSeconds,
		ReservationTTL:    cfg.Payment.ReservationTTL(),
	}, chains, ledger, verifier, payment.WithPriceBook(prices))
	if err != nil {
		return err
	}

	var store execution.Store = execution.NewMemoryStore()
	if comps.db != nil {
		ms, err := execution.NewMySQLStore(comps.db)
		if err != nil {
			return err
		}
		store = ms
	}
	execQueue, err := buildQueue(cfg.Execution.Queue, cfg.Execution.QueueName, cfg, comps)
	if err != nil {
		return err
	}
	comps.machine = execution.NewMachine(store, execution.NewVault(), execQueue,
		execution.WithDeadlinePolicy(comps.tasks.Policy()),
		execution.WithNotifier(comps.dispatcher),
		execution.WithTracker(comps.tasks),
	)

	unit, err := worker.FromConfig(cfg.Execution.Worker)
	if err != nil {
		return err
	}
	alerts := alerting.NewFanout(alerting.LogNotifier{}, &alerting.WebhookNotifier{Events: comps.dispatcher})
	comps.processor = execution.NewProcessor(comps.machine, unit, execQueue,
		execution.WithWorkerCount(cfg.Execution.Workers),
		execution.WithProcessorLogger(logger.Named("execution")),
		execution.WithAlertDispatcher(alerts),
	)
	return nil
}

func loadPrices(cfg *config.Config, chains web3.ChainDefinitions) (*payment.PriceBook, error) {
	if cfg.Payment.PricingFile != "" {
		return payment.LoadPriceBook(cfg.Payment.PricingFile)
	}
	network := cfg.Web3.DefaultNetwork
	if network == "" {
		network = "base-sepolia"
	}
	chain, ok := chains.Network(network)
	if !ok {
		return nil, fmt.Errorf("默认网络 %s 不在链定义中", network)
	}
	token, ok := chain.Tokens["usdc"]
	if !ok {
		return nil, fmt.Errorf("网络 %s 未定义 usdc，需要配置 payment.pricing_file", network)
	}
	logger.L().Warn("未配置定价文件，使用默认报价", slog.String("network", network))
	return payment.NewStaticPriceBook(map[string][]payment.PriceOption{
		api.OperationExecute: {{ChainID: chain.ChainID, TokenAddress: token.Address, TokenAmount: "10000"}},
	}), nil
}

func buildVerifier(ctx context.Context, cfg *config.Config, chains web3.ChainDefinitions, comps *components) (payment.Verifier, error) {
	if cfg.Payment.Verifier == "facilitator" {
		return payment.NewFacilitatorClient(cfg.Payment.FacilitatorURL, payment.WithRetry(3, 500*time.Millisecond))
	}
	if !cfg.Payment.OnChainChecks {
		return payment.NewSignatureVerifier(chains, nil), nil
	}
	clients, err := provider.NewRegistry(ctx, chains, cfg.Web3.DefaultNetwork)
	if err != nil {
		return nil, err
	}
	comps.onClose(func() error { clients.Close(); return nil })
	return payment.NewSignatureVerifier(chains, clients), nil
}

func buildLedger(cfg *config.Config, comps *components) (payment.Ledger, error) {
	switch cfg.Payment.Ledger {
	case "redis":
		return payment.NewRedisLedger(comps.redis, "agentmarket:payments"), nil
	case "mysql":
		return payment.NewMySQLLedger(comps.db)
	default:
		return payment.NewMemoryLedger(), nil
	}
}

func buildQueue(kind, name string, cfg *config.Config, comps *components) (queue.Queue, error) {
	var (
		q   queue.Queue
		err error
	)
	switch kind {
	case "redis":
		q, err = queue.NewRedisQueue(comps.redis, name)
	case "rabbitmq":
		q, err = queue.NewRabbitMQQueue(queue.RabbitMQConfig{
			URL:      cfg.RabbitMQ.URL,
			Queue:    name,
			Prefetch: cfg.RabbitMQ.Prefetch,
			Durable:  cfg.RabbitMQ.Durable,
		})
	default:
		q = queue.NewMemoryQueue(1024)
	}
	if err != nil {
		return nil, err
	}
	comps.onClose(q.Close)
	return q, nil
}

func ratePolicies(cfg config.RateLimitConfig) map[string]ratelimit.Policy {
	policies := ratelimit.DefaultPolicies()
	for op, p := range cfg.Policies {
		policies[op] = ratelimit.Policy{Limit: p.Limit, Window: p.Window()}
	}
	return policies
}

func limiterFactory(cfg config.RateLimitConfig, client *goredis.Client) ratelimit.Factory {
	if cfg.Driver == "redis" && client != nil {
		return func(op string, policy ratelimit.Policy) ratelimit.Limiter {
			return ratelimit.NewRedisLimiter(client, cfg.Prefix, op, policy)
		}
	}
	return func(_ string, policy ratelimit.Policy) ratelimit.Limiter {
		return ratelimit.NewMemoryLimiter(policy)
	}
}

func seedSubscriptions(seeds []config.SubscriptionConfig) (*webhook.MemorySubscriptionStore, error) {
	subs := make([]*webhook.Subscription, 0, len(seeds))
	for _, seed := range seeds {
		subs = append(subs, &webhook.Subscription{TargetURL: seed.TargetURL, Events: seed.Events, Secret: seed.Secret})
	}
	return webhook.NewMemorySubscriptionStore(subs...)
}

func ignoreCanceled(err error) error {
	if err == nil || errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
