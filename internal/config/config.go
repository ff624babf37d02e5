package config

import (
	"encoding/json"
	stdErrors "errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"

	xerrors "agentmarket/internal/errors"
	"agentmarket/pkg/logger"
)

// Config 描述了市场守护进程启动阶段需要加载的全部配置。
type Config struct {
	Server    ServerConfig    `json:"server"`
	Logging   logger.Config   `json:"logging"`
	Storage   StorageConfig   `json:"storage"`
	Redis     RedisConfig     `json:"redis"`
	RabbitMQ  RabbitMQConfig  `json:"rabbitmq"`
	RateLimit RateLimitConfig `json:"rate_limit"`
	Tasks     TasksConfig     `json:"tasks"`
	Payment   PaymentConfig   `json:"payment"`
	Web3      Web3Config      `json:"web3"`
	Execution ExecutionConfig `json:"execution"`
	Webhook   WebhookConfig   `json:"webhook"`
	Seller    SellerConfig    `json:"seller"`
	Metrics   MetricsConfig   `json:"metrics"`
}

// ServerConfig 控制 HTTP 服务的监听地址与超时。
type ServerConfig struct {
	Address                  string   `json:"address" validate:"required"`
	ReadHeaderTimeoutSeconds int      `json:"read_header_timeout_seconds" validate:"gte=0"`
	ShutdownTimeoutSeconds   int      `json:"shutdown_timeout_seconds" validate:"gte=0"`
	CORSOrigins              []string `json:"cors_origins"`
}

// StorageConfig 选择持久化驱动。
type StorageConfig struct {
	Driver string      `json:"driver" validate:"oneof=memory mysql"`
	MySQL  MySQLConfig `json:"mysql"`
}

// MySQLConfig 描述 MySQL 连接池参数。
type MySQLConfig struct {
	DSN                    string `json:"dsn"`
	MaxOpenConns           int    `json:"max_open_conns" validate:"gte=0"`
	MaxIdleConns           int    `json:"max_idle_conns" validate:"gte=0"`
	ConnMaxLifetimeSeconds int    `json:"conn_max_lifetime_seconds" validate:"gte=0"`
}

// RedisConfig 描述共享 Redis 的连接信息。
type RedisConfig struct {
	Address  string `json:"address"`
	Password string `json:"password"`
	DB       int    `json:"db" validate:"gte=0"`
}

// RabbitMQConfig 描述 RabbitMQ 的连接信息。
type RabbitMQConfig struct {
	URL      string `json:"url"`
	Prefetch int    `json:"prefetch" validate:"gte=0"`
	Durable  bool   `json:"durable"`
}

// RateLimitConfig 选择限流器实现并配置各操作的额度。
type RateLimitConfig struct {
	Driver   string                  `json:"driver" validate:"oneof=memory redis"`
	Prefix   string                  `json:"prefix"`
	Policies map[string]PolicyConfig `json:"policies" validate:"dive"`
}

// PolicyConfig 表示固定窗口内允许的请求数。
type PolicyConfig struct {
	Limit         int `json:"limit" validate:"gt=0"`
	WindowSeconds int `json:"window_seconds" validate:"gt=0"`
}

// Window 返回窗口长度。
func (p PolicyConfig) Window() time.Duration {
	return time.Duration(p.WindowSeconds) * time.Second
}

// TasksConfig 控制任务的报价窗口与截止时间档位。
type TasksConfig struct {
	ClaimWindowSeconds   int            `json:"claim_window_seconds" validate:"gt=0"`
	DeadlineBuckets      map[string]int `json:"deadline_buckets" validate:"required,dive,gt=0"`
	DefaultComplexity    string         `json:"default_complexity" validate:"required"`
	SweepIntervalSeconds int            `json:"sweep_interval_seconds" validate:"gte=0"`
	SelectionPolicy      string         `json:"selection_policy" validate:"oneof=first_arrival lowest_price"`
}

// ClaimWindow 返回报价窗口长度。
func (t TasksConfig) ClaimWindow() time.Duration {
	return time.Duration(t.ClaimWindowSeconds) * time.Second
}

// SweepInterval 返回过期清扫间隔，0 表示关闭。
func (t TasksConfig) SweepInterval() time.Duration {
	return time.Duration(t.SweepIntervalSeconds) * time.Second
}

// PaymentConfig 描述支付网关的账本、校验方式与报价来源。
type PaymentConfig struct {
	Ledger                string `json:"ledger" validate:"oneof=memory redis mysql"`
	Verifier              string `json:"verifier" validate:"oneof=signature facilitator"`
	FacilitatorURL        string `json:"facilitator_url" validate:"omitempty,url"`
	PricingFile           string `json:"pricing_file"`
	PayTo                 string `json:"pay_to" validate:"omitempty,eth_addr"`
	Resource              string `json:"resource"`
	Description           string `json:"description"`
	MaxTimeoutSeconds     int    `json:"max_timeout_seconds" validate:"gt=0"`
	ReservationTTLSeconds int    `json:"reservation_ttl_seconds" validate:"gt=0"`
	OnChainChecks         bool   `json:"onchain_checks"`
}

// ReservationTTL 返回预占凭证的过期时间。
func (p PaymentConfig) ReservationTTL() time.Duration {
	return time.Duration(p.ReservationTTLSeconds) * time.Second
}

// Web3Config 指向链定义文件。
type Web3Config struct {
	ChainConfig    string `json:"chain_config"`
	DefaultNetwork string `json:"default_network"`
}

// ExecutionConfig 控制卖方执行队列与工作单元。
type ExecutionConfig struct {
	Queue                string       `json:"queue" validate:"oneof=memory redis rabbitmq"`
	QueueName            string       `json:"queue_name"`
	Workers              int          `json:"workers" validate:"gt=0"`
	SweepIntervalSeconds int          `json:"sweep_interval_seconds" validate:"gte=0"`
	Worker               WorkerConfig `json:"worker"`
}

// SweepInterval 返回执行记录清扫间隔，0 表示关闭。
func (e ExecutionConfig) SweepInterval() time.Duration {
	return time.Duration(e.SweepIntervalSeconds) * time.Second
}

// WorkerConfig 选择具体的任务执行方式。
type WorkerConfig struct {
	Kind    string        `json:"kind" validate:"oneof=echo openai command"`
	OpenAI  OpenAIConfig  `json:"openai"`
	Command CommandConfig `json:"command"`
}

// OpenAIConfig 描述 OpenAI 兼容接口的调用参数。
type OpenAIConfig struct {
	APIKey         string `json:"api_key"`
	APIKeyEnv      string `json:"api_key_env"`
	BaseURL        string `json:"base_url"`
	Model          string `json:"model"`
	TimeoutSeconds int    `json:"timeout_seconds" validate:"gte=0"`
}

// Timeout 返回单次请求超时时间。
func (o OpenAIConfig) Timeout() time.Duration {
	if o.TimeoutSeconds <= 0 {
		return 0
	}
	return time.Duration(o.TimeoutSeconds) * time.Second
}

// ResolveAPIKey 优先使用显式配置的 api_key，其次读取 api_key_env 指定的环境变量。
func (o OpenAIConfig) ResolveAPIKey() string {
	if key := strings.TrimSpace(o.APIKey); key != "" {
		return key
	}
	if o.APIKeyEnv != "" {
		return strings.TrimSpace(os.Getenv(o.APIKeyEnv))
	}
	return ""
}

// CommandConfig 描述通过外部进程执行任务时的参数。
type CommandConfig struct {
	Executable string   `json:"executable"`
	Args       []string `json:"args"`
	WorkingDir string   `json:"working_dir"`
}

// WebhookConfig 控制 Webhook 投递。
type WebhookConfig struct {
	Queue          string               `json:"queue" validate:"oneof=memory redis rabbitmq"`
	QueueName      string               `json:"queue_name"`
	Workers        int                  `json:"workers" validate:"gt=0"`
	MaxAttempts    int                  `json:"max_attempts" validate:"gt=0"`
	BaseDelayMS    int                  `json:"base_delay_ms" validate:"gt=0"`
	MaxDelayMS     int                  `json:"max_delay_ms" validate:"gtefield=BaseDelayMS"`
	TimeoutSeconds int                  `json:"timeout_seconds" validate:"gt=0"`
	RatePerSecond  float64              `json:"rate_per_second" validate:"gt=0"`
	Subscriptions  []SubscriptionConfig `json:"subscriptions" validate:"dive"`
}

// SubscriptionConfig 是启动时预置的订阅。
type SubscriptionConfig struct {
	TargetURL string   `json:"target_url" validate:"required,url"`
	Events    []string `json:"events"`
	Secret    string   `json:"secret"`
}

// SellerConfig 描述卖方在启动时向注册中心自注册的信息。
type SellerConfig struct {
	AgentID         string   `json:"agent_id" validate:"omitempty,uuid"`
	AgentName       string   `json:"agent_name"`
	BaseURL         string   `json:"base_url"`
	Description     string   `json:"description"`
	Tags            []string `json:"tags"`
	RegistryURL     string   `json:"registry_url" validate:"omitempty,url"`
	RegisterOnStart bool     `json:"register_on_start"`
	RegisterRetries int      `json:"register_retries" validate:"gte=0"`
}

// MetricsConfig 控制 /metrics 端点。Address 非空时使用独立端口，不挂载到业务路由。
type MetricsConfig struct {
	Enabled bool   `json:"enabled"`
	Address string `json:"address"`
}

// 环境变量覆盖的键名。
const (
	EnvConfigPath     = "MARKET_CONFIG"
	EnvAddress        = "MARKET_ADDRESS"
	EnvMySQLDSN       = "MARKET_MYSQL_DSN"
	EnvRedisAddress   = "MARKET_REDIS_ADDR"
	EnvRedisPassword  = "MARKET_REDIS_PASSWORD"
	EnvRabbitMQURL    = "MARKET_RABBITMQ_URL"
	EnvFacilitatorURL = "MARKET_FACILITATOR_URL"
	EnvOpenAIAPIKey   = "MARKET_OPENAI_API_KEY"
)

// DefaultPath 返回配置文件路径：优先 MARKET_CONFIG，否则 configs/market.json。
func DefaultPath() string {
	if path := strings.TrimSpace(os.Getenv(EnvConfigPath)); path != "" {
		return path
	}
	return filepath.Join("configs", "market.json")
}

// Load 负责解析指定路径的 JSON 配置文件。
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "配置文件路径为空")
	}
	baseDir := filepath.Dir(path)
	if err := loadDotEnv(baseDir); err != nil {
		return nil, err
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "读取配置文件失败")
	}

	var cfg Config
	if err := json.Unmarshal(content, &cfg); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "解析配置失败")
	}

	cfg.applyDefaults(baseDir)
	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default 返回只包含默认值的配置，适用于测试和无配置文件的本地运行。
func Default() *Config {
	var cfg Config
	cfg.applyDefaults(".")
	return &cfg
}

// loadDotEnv 依次加载配置目录与工作目录下的 .env，已存在的环境变量不会被覆盖。
func loadDotEnv(baseDir string) error {
	candidates := []string{filepath.Join(baseDir, ".env"), ".env"}
	seen := make(map[string]struct{}, len(candidates))
	for _, candidate := range candidates {
		abs, err := filepath.Abs(candidate)
		if err != nil {
			abs = candidate
		}
		if _, ok := seen[abs]; ok {
			continue
		}
		seen[abs] = struct{}{}
		if err := godotenv.Load(candidate); err != nil {
			if stdErrors.Is(err, fs.ErrNotExist) {
				continue
			}
			return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "加载 .env 失败")
		}
	}
	return nil
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults(baseDir string) {
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}
	if c.Server.ReadHeaderTimeoutSeconds == 0 {
		c.Server.ReadHeaderTimeoutSeconds = 5
	}
	if c.Server.ShutdownTimeoutSeconds == 0 {
		c.Server.ShutdownTimeoutSeconds = 10
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if c.Logging.Audit.Enabled && c.Logging.Audit.Path != "" {
		c.Logging.Audit.Path = resolvePath(baseDir, c.Logging.Audit.Path)
	}

	if c.Storage.Driver == "" {
		c.Storage.Driver = "memory"
	}

	if c.RabbitMQ.Prefetch == 0 {
		c.RabbitMQ.Prefetch = 16
	}

	if c.RateLimit.Driver == "" {
		c.RateLimit.Driver = "memory"
	}
	if c.RateLimit.Prefix == "" {
		c.RateLimit.Prefix = "agentmarket:ratelimit"
	}
	if c.RateLimit.Policies == nil {
		c.RateLimit.Policies = make(map[string]PolicyConfig)
	}
	for op, limit := range DefaultRateLimits {
		if _, ok := c.RateLimit.Policies[op]; !ok {
			c.RateLimit.Policies[op] = PolicyConfig{Limit: limit, WindowSeconds: 60}
		}
	}

	if c.Tasks.ClaimWindowSeconds == 0 {
		c.Tasks.ClaimWindowSeconds = 30
	}
	if len(c.Tasks.DeadlineBuckets) == 0 {
		c.Tasks.DeadlineBuckets = map[string]int{"short": 60, "standard": 300, "complex": 1800}
	}
	if c.Tasks.DefaultComplexity == "" {
		c.Tasks.DefaultComplexity = "standard"
	}
	if c.Tasks.SelectionPolicy == "" {
		c.Tasks.SelectionPolicy = "first_arrival"
	}

	if c.Payment.Ledger == "" {
		c.Payment.Ledger = "memory"
	}
	if c.Payment.Verifier == "" {
		c.Payment.Verifier = "signature"
	}
	if c.Payment.MaxTimeoutSeconds == 0 {
		c.Payment.MaxTimeoutSeconds = 60
	}
	if c.Payment.ReservationTTLSeconds == 0 {
		c.Payment.ReservationTTLSeconds = 120
	}
	if c.Payment.Resource == "" {
		c.Payment.Resource = "/execute"
	}
	if c.Payment.Description == "" {
		c.Payment.Description = "Agent task execution"
	}
	if c.Payment.PricingFile != "" {
		c.Payment.PricingFile = resolvePath(baseDir, c.Payment.PricingFile)
	}

	if c.Web3.ChainConfig != "" {
		c.Web3.ChainConfig = resolvePath(baseDir, c.Web3.ChainConfig)
	}

	if c.Execution.Queue == "" {
		c.Execution.Queue = "memory"
	}
	if c.Execution.QueueName == "" {
		c.Execution.QueueName = "agentmarket:executions"
	}
	if c.Execution.Workers == 0 {
		c.Execution.Workers = 4
	}
	if c.Execution.Worker.Kind == "" {
		c.Execution.Worker.Kind = "echo"
	}
	if c.Execution.Worker.OpenAI.Model == "" {
		c.Execution.Worker.OpenAI.Model = "gpt-4o-mini"
	}
	if c.Execution.Worker.Command.WorkingDir == "" {
		c.Execution.Worker.Command.WorkingDir = baseDir
	} else {
		c.Execution.Worker.Command.WorkingDir = resolvePath(baseDir, c.Execution.Worker.Command.WorkingDir)
	}

	if c.Webhook.Queue == "" {
		c.Webhook.Queue = "memory"
	}
	if c.Webhook.QueueName == "" {
		c.Webhook.QueueName = "agentmarket:webhooks"
	}
	if c.Webhook.Workers == 0 {
		c.Webhook.Workers = 2
	}
	if c.Webhook.MaxAttempts == 0 {
		c.Webhook.MaxAttempts = 5
	}
	if c.Webhook.BaseDelayMS == 0 {
		c.Webhook.BaseDelayMS = 500
	}
	if c.Webhook.MaxDelayMS == 0 {
		c.Webhook.MaxDelayMS = 30_000
	}
	if c.Webhook.TimeoutSeconds == 0 {
		c.Webhook.TimeoutSeconds = 10
	}
	if c.Webhook.RatePerSecond == 0 {
		c.Webhook.RatePerSecond = 20
	}

	if c.Seller.RegisterRetries == 0 {
		c.Seller.RegisterRetries = 5
	}
}

// DefaultRateLimits 是每分钟的默认请求额度。
var DefaultRateLimits = map[string]int{
	"register":  10,
	"discovery": 60,
	"tasks":     60,
	"claims":    60,
	"execute":   100,
	"poll":      30,
}

func (c *Config) applyEnv() {
	override := func(target *string, key string) {
		if value := strings.TrimSpace(os.Getenv(key)); value != "" {
			*target = value
		}
	}
	override(&c.Server.Address, EnvAddress)
	override(&c.Storage.MySQL.DSN, EnvMySQLDSN)
	override(&c.Redis.Address, EnvRedisAddress)
	override(&c.Redis.Password, EnvRedisPassword)
	override(&c.RabbitMQ.URL, EnvRabbitMQURL)
	override(&c.Payment.FacilitatorURL, EnvFacilitatorURL)
	override(&c.Execution.Worker.OpenAI.APIKey, EnvOpenAIAPIKey)
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate 校验字段格式以及跨字段的依赖关系。
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "配置校验失败")
	}

	if c.Storage.Driver == "mysql" && strings.TrimSpace(c.Storage.MySQL.DSN) == "" {
		return invalid("storage.mysql.dsn", "使用 mysql 存储时必须配置 DSN")
	}
	if c.Payment.Ledger == "mysql" && c.Storage.Driver != "mysql" {
		return invalid("payment.ledger", "mysql 账本需要 storage.driver=mysql")
	}
	needsRedis := c.RateLimit.Driver == "redis" || c.Payment.Ledger == "redis" ||
		c.Execution.Queue == "redis" || c.Webhook.Queue == "redis"
	if needsRedis && strings.TrimSpace(c.Redis.Address) == "" {
		return invalid("redis.address", "启用了 redis 组件但未配置地址")
	}
	needsRabbit := c.Execution.Queue == "rabbitmq" || c.Webhook.Queue == "rabbitmq"
	if needsRabbit && strings.TrimSpace(c.RabbitMQ.URL) == "" {
		return invalid("rabbitmq.url", "启用了 rabbitmq 队列但未配置 URL")
	}
	if c.Payment.Verifier == "facilitator" && strings.TrimSpace(c.Payment.FacilitatorURL) == "" {
		return invalid("payment.facilitator_url", "facilitator 校验方式需要配置 URL")
	}
	if _, ok := c.Tasks.DeadlineBuckets[c.Tasks.DefaultComplexity]; !ok {
		return invalid("tasks.default_complexity", "默认复杂度不在截止时间档位中")
	}
	if c.Execution.Worker.Kind == "command" && strings.TrimSpace(c.Execution.Worker.Command.Executable) == "" {
		return invalid("execution.worker.command.executable", "command 工作单元需要配置可执行文件")
	}
	if c.Seller.RegisterOnStart && (c.Seller.RegistryURL == "" || c.Seller.AgentID == "" || c.Seller.BaseURL == "") {
		return invalid("seller", "自注册需要 registry_url、agent_id 与 base_url")
	}
	return nil
}

func invalid(field, message string) error {
	return xerrors.New(xerrors.CodeInvalidArgument, message, xerrors.WithMetadata("field", field))
}

func resolvePath(baseDir, path string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(baseDir, path)
}
