package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"

	xerrors "agentmarket/internal/errors"
	"agentmarket/internal/execution"
	"agentmarket/pkg/logger"
)

// Command 通过外部进程执行任务。任务以 JSON 写入 stdin，进程在 stdout 输出 JSON 结果。
type Command struct {
	executable string
	args       []string
	workingDir string
}

// NewCommand 创建外部进程工作单元。
func NewCommand(executable string, args []string, workingDir string) (*Command, error) {
	if strings.TrimSpace(executable) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "未指定外部命令")
	}
	return &Command{
		executable: ResolvePath(workingDir, executable),
		args:       append([]string(nil), args...),
		workingDir: workingDir,
	}, nil
}

type commandInput struct {
	TaskID      string            `json:"task_id"`
	Description string            `json:"task_description"`
	Context     map[string]any    `json:"context,omitempty"`
	Complexity  string            `json:"complexity,omitempty"`
	Secrets     map[string]string `json:"secrets,omitempty"`
	DeadlineAt  int64             `json:"deadline_at"`
}

type commandOutput struct {
	Data      any      `json:"data"`
	ToolsUsed []string `json:"tools_used"`
	Error     string   `json:"error"`
}

// Run 实现 execution.Worker。
func (c *Command) Run(ctx context.Context, job execution.Job) (*execution.Result, error) {
	// Secrets 的 MarshalJSON 会脱敏，这里显式转换为普通 map 交给子进程。
	encoded, err := json.Marshal(commandInput{
		TaskID:      job.TaskID,
		Description: job.Description,
		Context:     job.Context,
		Complexity:  job.Complexity,
		Secrets:     map[string]string(job.Secrets),
		DeadlineAt:  job.DeadlineAt.Unix(),
	})
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeExecutorFailure, err, "序列化任务失败")
	}

	command := exec.CommandContext(ctx, c.executable, c.args...)
	if c.workingDir != "" {
		command.Dir = c.workingDir
	}
	command.Stdin = bytes.NewReader(encoded)

	var stdout, stderr bytes.Buffer
	command.Stdout = &stdout
	command.Stderr = &stderr

	secrets := job.Secrets.Values()
	if err := command.Run(); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		detail := logger.RedactValues(strings.TrimSpace(stderr.String()), secrets...)
		return nil, xerrors.New(xerrors.CodeExecutorFailure, fmt.Sprintf("外部命令执行失败: %v, stderr=%s", err, truncate(detail, 1000)))
	}

	var out commandOutput
	if err := json.Unmarshal(stdout.Bytes(), &out); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeExecutorFailure, err, "解析外部命令输出失败")
	}
	if out.Error != "" {
		return nil, xerrors.New(xerrors.CodeExecutorFailure, logger.RedactValues(out.Error, secrets...))
	}
	return &execution.Result{Data: out.Data, ToolsUsed: out.ToolsUsed}, nil
}

// ResolvePath 根据工作目录推导可执行文件或脚本的绝对路径。
func ResolvePath(baseDir, path string) string {
	if path == "" || filepath.IsAbs(path) || baseDir == "" {
		return path
	}
	if !strings.ContainsRune(path, filepath.Separator) {
		return path
	}
	return filepath.Join(baseDir, path)
}

var _ execution.Worker = (*Command)(nil)
