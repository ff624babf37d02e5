package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	xerrors "agentmarket/internal/errors"
	"agentmarket/internal/execution"
)

const (
	defaultBaseURL   = "https://api.openai.com/v1"
	defaultModelName = "gpt-4o-mini"
	defaultTimeout   = 60 * time.Second
)

// OpenAIConfig 描述调用 OpenAI 兼容 Chat Completions 接口所需的信息。
type OpenAIConfig struct {
	APIKey  string
	BaseURL string
	Model   string
	Timeout time.Duration
}

// OpenAI 通过 HTTP 调用大模型完成任务。
type OpenAI struct {
	apiKey     string
	baseURL    string
	model      string
	httpClient *http.Client
}

// NewOpenAI 根据配置创建 OpenAI 工作单元。
func NewOpenAI(cfg OpenAIConfig) (*OpenAI, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "未提供 OpenAI API Key")
	}

	baseURL := strings.TrimSpace(cfg.BaseURL)
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	baseURL = strings.TrimRight(baseURL, "/")

	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = defaultModelName
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	return &OpenAI{
		apiKey:  apiKey,
		baseURL: baseURL,
		model:   model,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}, nil
}

// Run 实现 execution.Worker。
func (c *OpenAI) Run(ctx context.Context, job execution.Job) (*execution.Result, error) {
	payload, err := c.buildPayload(job)
	if err != nil {
		return nil, err
	}

	endpoint := c.baseURL + "/chat/completions"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeExecutorFailure, err, "构建 OpenAI 请求失败")
	}

	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeUnavailable, err, "请求 OpenAI 失败")
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		code := xerrors.CodeExecutorFailure
		if resp.StatusCode >= http.StatusInternalServerError || resp.StatusCode == http.StatusTooManyRequests {
			code = xerrors.CodeUnavailable
		}
		return nil, xerrors.New(code, fmt.Sprintf("OpenAI 返回错误状态 %d: %s", resp.StatusCode, strings.TrimSpace(string(body))))
	}

	var decoded struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeExecutorFailure, err, "解析 OpenAI 响应失败")
	}
	if len(decoded.Choices) == 0 {
		return nil, xerrors.New(xerrors.CodeExecutorFailure, "OpenAI 响应中没有有效的 choices")
	}

	content := strings.TrimSpace(decoded.Choices[0].Message.Content)
	if content == "" {
		return nil, xerrors.New(xerrors.CodeExecutorFailure, "OpenAI 响应内容为空")
	}

	var structured struct {
		Thought string `json:"thought"`
		Reply   string `json:"reply"`
	}
	if err := json.Unmarshal([]byte(content), &structured); err != nil || strings.TrimSpace(structured.Reply) == "" {
		structured.Reply = content
	}

	return &execution.Result{
		Data: map[string]any{
			"reply":   structured.Reply,
			"thought": structured.Thought,
			"model":   c.model,
		},
		ToolsUsed: []string{"llm:" + c.model},
	}, nil
}

func (c *OpenAI) buildPayload(job execution.Job) ([]byte, error) {
	type message struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	}

	messages := []message{
		{Role: "system", Content: systemPrompt},
		{Role: "user", Content: buildUserPrompt(job)},
	}

	body := map[string]any{
		"model":       c.model,
		"messages":    messages,
		"temperature": 0.2,
	}

	encoded, err := json.Marshal(body)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeExecutorFailure, err, "序列化 OpenAI 请求失败")
	}
	return encoded, nil
}

const systemPrompt = "" +
	"You are a seller agent completing a paid task. " +
	"Always respond with a compact JSON object: {\"thought\": string, \"reply\": string}. " +
	"Summarise the reasoning in \"thought\" and put the deliverable in \"reply\"."

// buildUserPrompt 只包含任务描述与上下文，密钥不会进入提示词。
func buildUserPrompt(job execution.Job) string {
	var builder strings.Builder
	builder.WriteString("## Task\n")
	builder.WriteString(strings.TrimSpace(job.Description))
	builder.WriteString("\n")
	if len(job.Context) > 0 {
		if encoded, err := json.Marshal(job.Context); err == nil {
			builder.WriteString("\n## Context\n")
			builder.WriteString(truncate(string(encoded), 4000))
			builder.WriteString("\n")
		}
	}
	if !job.DeadlineAt.IsZero() {
		builder.WriteString(fmt.Sprintf("\nDeadline: %s\n", job.DeadlineAt.UTC().Format(time.RFC3339)))
	}
	return builder.String()
}

func truncate(text string, limit int) string {
	text = strings.TrimSpace(text)
	if runes := []rune(text); len(runes) > limit {
		return string(runes[:limit]) + "..."
	}
	return text
}

var _ execution.Worker = (*OpenAI)(nil)
