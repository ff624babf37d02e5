package worker

import (
	"strings"

	"agentmarket/internal/config"
	xerrors "agentmarket/internal/errors"
	"agentmarket/internal/execution"
)

// FromConfig 根据配置构造工作单元。
func FromConfig(cfg config.WorkerConfig) (execution.Worker, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Kind)) {
	case "", "echo":
		return Echo{}, nil
	case "openai":
		return NewOpenAI(OpenAIConfig{
			APIKey:  cfg.OpenAI.ResolveAPIKey(),
			BaseURL: cfg.OpenAI.BaseURL,
			Model:   cfg.OpenAI.Model,
			Timeout: cfg.OpenAI.Timeout(),
		})
	case "command":
		return NewCommand(cfg.Command.Executable, cfg.Command.Args, cfg.Command.WorkingDir)
	default:
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "未知的 worker 类型").With(xerrors.WithMetadata("kind", cfg.Kind))
	}
}
