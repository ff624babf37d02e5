package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"

	"agentmarket/internal/config"
	"agentmarket/internal/storage/mysql"
	"agentmarket/pkg/logger"
	"agentmarket/sdk/go/market"
)

// main 是市场守护进程的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newApp().RunContext(ctx, os.Args); err != nil {
		log.Fatalf("marketd 运行失败: %v", err)
	}
}

func newApp() *cli.App {
	configFlag := &cli.StringFlag{
		Name:    "config",
		Aliases: []string{"c"},
		Usage:   "JSON 配置文件路径",
		EnvVars: []string{config.EnvConfigPath},
		Value:   config.DefaultPath(),
	}
	return &cli.App{
		Name:   "marketd",
		Usage:  "智能体市场：注册中心、任务撮合与 x402 付费执行",
		Flags:  []cli.Flag{configFlag},
		Action: serveAction,
		Commands: []*cli.Command{
			{
				Name:   "serve",
				Usage:  "启动 HTTP 服务与后台处理器",
				Action: serveAction,
			},
			{
				Name:   "migrate",
				Usage:  "执行嵌入的 MySQL 迁移",
				Action: migrateAction,
			},
			{
				Name:   "register",
				Usage:  "按 seller 配置向注册中心登记本节点",
				Action: registerAction,
			},
			agentsCommand(),
		},
	}
}

func loadConfig(c *cli.Context) (*config.Config, error) {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return nil, err
	}
	if err := logger.Init(cfg.Logging); err != nil {
		return nil, fmt.Errorf("初始化日志失败: %w", err)
	}
	return cfg, nil
}

func serveAction(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	defer logger.Sync()
	return run(c.Context, cfg)
}

func migrateAction(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	defer logger.Sync()
	if cfg.Storage.Driver != "mysql" {
		return fmt.Errorf("migrate 需要 storage.driver=mysql，当前为 %s", cfg.Storage.Driver)
	}
	db, err := mysql.Open(c.Context, mysqlConfig(cfg.Storage.MySQL))
	if err != nil {
		return err
	}
	defer db.Close()
	applied, err := mysql.Migrate(c.Context, db)
	if err != nil {
		return err
	}
	logger.L().Info("迁移完成", slog.Any("applied", applied))
	return nil
}

func registerAction(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	defer logger.Sync()
	if cfg.Seller.RegistryURL == "" || cfg.Seller.AgentID == "" || cfg.Seller.BaseURL == "" {
		return fmt.Errorf("register 需要 seller.registry_url、seller.agent_id 与 seller.base_url")
	}
	return registerSeller(c.Context, cfg.Seller)
}

// registerSeller 使用 SDK 向注册中心登记，409 视为已存在。
func registerSeller(ctx context.Context, seller config.SellerConfig) error {
	client, err := market.NewClient(seller.RegistryURL, nil)
	if err != nil {
		return err
	}
	client.SetAgentID(seller.AgentID)
	res, err := client.RegisterWithRetry(ctx, market.Registration{
		AgentID:     seller.AgentID,
		AgentName:   seller.AgentName,
		BaseURL:     seller.BaseURL,
		Description: seller.Description,
		Tags:        seller.Tags,
		Update:      true,
	}, market.RetryPolicy{Attempts: seller.RegisterRetries, BaseDelay: time.Second, MaxDelay: 30 * time.Second})
	if err != nil {
		return fmt.Errorf("卖方自注册失败: %w", err)
	}
	logger.L().Info("卖方已登记",
		slog.String("agent_id", res.AgentID),
		slog.String("registry", seller.RegistryURL),
		slog.Int64("version", res.Version))
	return nil
}

func mysqlConfig(cfg config.MySQLConfig) mysql.Config {
	return mysql.Config{
		DSN:             cfg.DSN,
		MaxOpenConns:    cfg.MaxOpenConns,
		MaxIdleConns:    cfg.MaxIdleConns,
		ConnMaxLifetime: time.Duration(cfg.ConnMaxLifetimeSeconds) * time.Second,
	}
}
