package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/urfave/cli/v2"

	"agentmarket/internal/config"
	"agentmarket/internal/registry"
	"agentmarket/internal/storage/mysql"
	"agentmarket/pkg/logger"
)

func agentsCommand() *cli.Command {
	return &cli.Command{
		Name:  "agents",
		Usage: "管理 MySQL 中登记的智能体",
		Subcommands: []*cli.Command{
			{
				Name:  "export",
				Usage: "以 JSON Lines 输出全部匹配的智能体",
				Flags: []cli.Flag{
					&cli.StringSliceFlag{Name: "tag", Usage: "只导出带有全部指定标签的智能体"},
					&cli.StringFlag{Name: "query", Usage: "按名称或描述过滤"},
					&cli.BoolFlag{Name: "inactive", Usage: "包含已停用的智能体"},
				},
				Action: exportAgentsAction,
			},
			{
				Name:      "deactivate",
				Usage:     "停用智能体，记录保留",
				ArgsUsage: "<agent_id>",
				Action:    deactivateAgentAction,
			},
		},
	}
}

// withRegistry 以 MySQL 存储打开注册中心并执行 fn。内存存储在进程之间不共享，因此不受支持。
func withRegistry(c *cli.Context, fn func(svc *registry.Service) error) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	defer logger.Sync()
	if cfg.Storage.Driver != "mysql" {
		return fmt.Errorf("%s 需要 storage.driver=mysql，当前为 %s", c.Command.FullName(), cfg.Storage.Driver)
	}
	svc, closeFn, err := openRegistry(c.Context, cfg)
	if err != nil {
		return err
	}
	defer closeFn()
	return fn(svc)
}

func openRegistry(ctx context.Context, cfg *config.Config) (*registry.Service, func(), error) {
	db, err := mysql.Open(ctx, mysqlConfig(cfg.Storage.MySQL))
	if err != nil {
		return nil, nil, err
	}
	store, err := registry.NewMySQLStore(db)
	if err != nil {
		db.Close()
		return nil, nil, err
	}
	return registry.NewService(store), func() { db.Close() }, nil
}

func exportAgentsAction(c *cli.Context) error {
	opts := []registry.ListOption{registry.WithLimit(100)}
	if tags := c.StringSlice("tag"); len(tags) > 0 {
		opts = append(opts, registry.WithTags(tags...))
	}
	if query := c.String("query"); query != "" {
		opts = append(opts, registry.WithQuery(query))
	}
	if c.Bool("inactive") {
		opts = append(opts, registry.WithInactive())
	}
	return withRegistry(c, func(svc *registry.Service) error {
		n, err := exportAgents(c.Context, svc, c.App.Writer, opts...)
		if err != nil {
			return err
		}
		logger.L().Info("智能体导出完成", slog.Int("count", n))
		return nil
	})
}

// exportAgents 逐页遍历注册中心，每个智能体输出一行 JSON。
func exportAgents(ctx context.Context, svc *registry.Service, w io.Writer, opts ...registry.ListOption) (int, error) {
	enc := json.NewEncoder(w)
	n := 0
	for agent, err := range svc.Iterate(ctx, opts...) {
		if err != nil {
			return n, err
		}
		if err := enc.Encode(agent); err != nil {
			return n, fmt.Errorf("写出智能体失败: %w", err)
		}
		n++
	}
	return n, nil
}

func deactivateAgentAction(c *cli.Context) error {
	agentID := strings.TrimSpace(c.Args().First())
	if agentID == "" {
		return fmt.Errorf("deactivate 需要 agent_id 参数")
	}
	return withRegistry(c, func(svc *registry.Service) error {
		profile, err := svc.Deactivate(c.Context, agentID)
		if err != nil {
			return err
		}
		logger.Audit().Info("智能体已停用",
			slog.String("agent_id", profile.AgentID),
			slog.Int64("version", profile.Version))
		return nil
	})
}
