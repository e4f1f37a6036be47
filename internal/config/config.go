package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// 默认值与原有部署保持一致。
const (
	DefaultAddress         = ":8001"
	DefaultAppName         = "banking_ai_runtime"
	DefaultRoutingNumber   = "883745000"
	DefaultBackendTimeout  = 10
	DefaultMaxToolCalls    = 8
	DefaultMaxParallel     = 4
	DefaultOpenAIModel     = "gpt-4o-mini"
	DefaultSessionIdleTTL  = 1800
	DefaultSessionSweepSec = 60
)

// Config 描述了 airuntimed 在启动阶段需要加载的全部配置，构造一次后以只读方式传递给各组件。
type Config struct {
	Server   ServerConfig   `json:"server" yaml:"server"`
	Auth     AuthConfig     `json:"auth" yaml:"auth"`
	Backends BackendsConfig `json:"backends" yaml:"backends"`
	Agent    AgentConfig    `json:"agent" yaml:"agent"`
	LLM      LLMConfig      `json:"llm" yaml:"llm"`
	Session  SessionConfig  `json:"session" yaml:"session"`
	Payments PaymentsConfig `json:"payments" yaml:"payments"`
	Events   EventsConfig   `json:"events" yaml:"events"`
	Storage  StorageConfig  `json:"storage" yaml:"storage"`
	Logging  LoggingConfig  `json:"logging" yaml:"logging"`
	Metrics  MetricsConfig  `json:"metrics" yaml:"metrics"`
	Alerting AlertingConfig `json:"alerting" yaml:"alerting"`
	MCP      MCPConfig      `json:"mcp" yaml:"mcp"`
}

// ServerConfig 控制 HTTP 服务的监听地址与超时。
type ServerConfig struct {
	Address                string `json:"address" yaml:"address"`
	ReadHeaderTimeoutSecs  int    `json:"read_header_timeout_seconds" yaml:"read_header_timeout_seconds"`
	ShutdownTimeoutSeconds int    `json:"shutdown_timeout_seconds" yaml:"shutdown_timeout_seconds"`
}

// AuthConfig 描述 RS256 公钥的来源以及可选的 iss/aud 校验。
type AuthConfig struct {
	PublicKeyPath string   `json:"public_key_path" yaml:"public_key_path"`
	PublicKeyPEM  string   `json:"public_key_pem" yaml:"public_key_pem"`
	Issuer        string   `json:"issuer" yaml:"issuer"`
	Audience      []string `json:"audience" yaml:"audience"`
	LeewaySeconds int      `json:"leeway_seconds" yaml:"leeway_seconds"`
}

// BackendsConfig 列出各银行微服务的地址。
type BackendsConfig struct {
	Scheme           string `json:"scheme" yaml:"scheme"`
	ContactsAddr     string `json:"contacts_addr" yaml:"contacts_addr"`
	BalancesAddr     string `json:"balances_addr" yaml:"balances_addr"`
	HistoryAddr      string `json:"history_addr" yaml:"history_addr"`
	TransactionsAddr string `json:"transactions_addr" yaml:"transactions_addr"`
	LocalRoutingNum  string `json:"local_routing_num" yaml:"local_routing_num"`
	TimeoutSeconds   int    `json:"timeout_seconds" yaml:"timeout_seconds"`
	Retries          int    `json:"retries" yaml:"retries"`
}

// Timeout 返回单次后端调用的超时时间。
func (b BackendsConfig) Timeout() time.Duration {
	return time.Duration(b.TimeoutSeconds) * time.Second
}

// AgentConfig 约束一次对话轮次的执行边界。
type AgentConfig struct {
	AppName            string `json:"app_name" yaml:"app_name"`
	MaxToolCalls       int    `json:"max_tool_calls" yaml:"max_tool_calls"`
	MaxParallel        int    `json:"max_parallel" yaml:"max_parallel"`
	TurnTimeoutSeconds int    `json:"turn_timeout_seconds" yaml:"turn_timeout_seconds"`
}

// LLMConfig 用于配置推理引擎。
type LLMConfig struct {
	Provider string       `json:"provider" yaml:"provider"`
	OpenAI   OpenAIConfig `json:"openai" yaml:"openai"`
}

// OpenAIConfig 描述 OpenAI 兼容接口。
type OpenAIConfig struct {
	APIKey         string `json:"api_key" yaml:"api_key"`
	APIKeyEnv      string `json:"api_key_env" yaml:"api_key_env"`
	BaseURL        string `json:"base_url" yaml:"base_url"`
	Model          string `json:"model" yaml:"model"`
	TimeoutSeconds int    `json:"timeout_seconds" yaml:"timeout_seconds"`
}

// Timeout 返回单次推理请求的超时时间。
func (o OpenAIConfig) Timeout() time.Duration {
	if o.TimeoutSeconds <= 0 {
		return 0
	}
	return time.Duration(o.TimeoutSeconds) * time.Second
}

// SessionConfig 控制内存会话的回收。
type SessionConfig struct {
	IdleTTLSeconds       int `json:"idle_ttl_seconds" yaml:"idle_ttl_seconds"`
	SweepIntervalSeconds int `json:"sweep_interval_seconds" yaml:"sweep_interval_seconds"`
}

// PaymentsConfig 控制支付尝试日志。
type PaymentsConfig struct {
	Journal JournalConfig `json:"journal" yaml:"journal"`
}

// JournalConfig 支持 memory 与 redis 两种驱动。
type JournalConfig struct {
	Driver     string      `json:"driver" yaml:"driver"`
	TTLSeconds int         `json:"ttl_seconds" yaml:"ttl_seconds"`
	Redis      RedisConfig `json:"redis" yaml:"redis"`
}

// RedisConfig 描述 Redis 连接参数。
type RedisConfig struct {
	Address  string `json:"address" yaml:"address"`
	Password string `json:"password" yaml:"password"`
	DB       int    `json:"db" yaml:"db"`
	Key      string `json:"key" yaml:"key"`
}

// EventsConfig 控制轮次事件的投递方式。
type EventsConfig struct {
	Driver   string         `json:"driver" yaml:"driver"`
	Redis    RedisConfig    `json:"redis" yaml:"redis"`
	RabbitMQ RabbitMQConfig `json:"rabbitmq" yaml:"rabbitmq"`
}

// RabbitMQConfig 描述 RabbitMQ 连接参数。
type RabbitMQConfig struct {
	URL        string `json:"url" yaml:"url"`
	Queue      string `json:"queue" yaml:"queue"`
	Durable    bool   `json:"durable" yaml:"durable"`
	AutoDelete bool   `json:"auto_delete" yaml:"auto_delete"`
}

// StorageConfig 统一描述轮次审计记录的存储。
type StorageConfig struct {
	TurnStore TurnStoreConfig `json:"turn_store" yaml:"turn_store"`
}

// TurnStoreConfig 支持 memory 与 mysql 两种驱动。
type TurnStoreConfig struct {
	Driver                 string `json:"driver" yaml:"driver"`
	DSN                    string `json:"dsn" yaml:"dsn"`
	MaxOpenConns           int    `json:"max_open_conns" yaml:"max_open_conns"`
	MaxIdleConns           int    `json:"max_idle_conns" yaml:"max_idle_conns"`
	ConnMaxLifetimeSeconds int    `json:"conn_max_lifetime_seconds" yaml:"conn_max_lifetime_seconds"`
	ConnMaxIdleTimeSeconds int    `json:"conn_max_idle_time_seconds" yaml:"conn_max_idle_time_seconds"`
	Capacity               int    `json:"capacity" yaml:"capacity"`
}

// LoggingConfig 对应 pkg/logger 的配置。
type LoggingConfig struct {
	Level   string         `json:"level" yaml:"level"`
	Format  string         `json:"format" yaml:"format"`
	Outputs []string       `json:"outputs" yaml:"outputs"`
	Audit   AuditLogConfig `json:"audit" yaml:"audit"`
}

// AuditLogConfig 控制审计日志的落盘与滚动。
type AuditLogConfig struct {
	Enabled    bool   `json:"enabled" yaml:"enabled"`
	Path       string `json:"path" yaml:"path"`
	MaxSizeMB  int    `json:"max_size_mb" yaml:"max_size_mb"`
	MaxBackups int    `json:"max_backups" yaml:"max_backups"`
	MaxAgeDays int    `json:"max_age_days" yaml:"max_age_days"`
	Compress   bool   `json:"compress" yaml:"compress"`
}

// MetricsConfig 控制 Prometheus 指标的暴露路径。
type MetricsConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Path    string `json:"path" yaml:"path"`
}

// AlertingConfig 控制基础设施故障告警。
type AlertingConfig struct {
	WebhookURL string `json:"webhook_url" yaml:"webhook_url"`
	Channel    string `json:"channel" yaml:"channel"`
}

// MCPConfig 控制 MCP 工具服务。
type MCPConfig struct {
	Transport string `json:"transport" yaml:"transport"`
	Address   string `json:"address" yaml:"address"`
	BaseURL   string `json:"base_url" yaml:"base_url"`
	TokenEnv  string `json:"token_env" yaml:"token_env"`
}

// envOverrides 对应容器部署时使用的环境变量，非空时覆盖配置文件。
type envOverrides struct {
	Address          string `envconfig:"AIRUNTIME_ADDR"`
	LogLevel         string `envconfig:"AIRUNTIME_LOG_LEVEL"`
	PublicKeyPath    string `envconfig:"PUB_KEY_PATH"`
	ContactsAddr     string `envconfig:"CONTACTS_API_ADDR"`
	BalancesAddr     string `envconfig:"BALANCES_API_ADDR"`
	HistoryAddr      string `envconfig:"HISTORY_API_ADDR"`
	TransactionsAddr string `envconfig:"TRANSACTIONS_API_ADDR"`
	LocalRoutingNum  string `envconfig:"LOCAL_ROUTING_NUM"`
	OpenAIAPIKey     string `envconfig:"OPENAI_API_KEY"`
	OpenAIBaseURL    string `envconfig:"OPENAI_BASE_URL"`
	OpenAIModel      string `envconfig:"OPENAI_MODEL"`
	TurnStoreDSN     string `envconfig:"AIRUNTIME_MYSQL_DSN"`
	RedisAddress     string `envconfig:"AIRUNTIME_REDIS_ADDR"`
	RabbitMQURL      string `envconfig:"AIRUNTIME_RABBITMQ_URL"`
}

// Load 解析配置文件（.yaml/.yml 使用 YAML，其余按 JSON 处理），随后叠加环境变量并补全默认值。
// path 为空时仅使用环境变量与默认值。
func Load(path string) (*Config, error) {
	var cfg Config
	baseDir := "."

	if path != "" {
		content, err := readFile(path)
		if err != nil {
			return nil, err
		}
		if err := decode(path, content, &cfg); err != nil {
			return nil, err
		}
		baseDir = filepath.Dir(path)
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	cfg.applyDefaults(baseDir)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func readFile(path string) ([]byte, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("打开配置文件失败: %w", err)
	}
	defer file.Close()

	content, err := io.ReadAll(file)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}
	return content, nil
}

func decode(path string, content []byte, cfg *Config) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(content, cfg); err != nil {
			return fmt.Errorf("解析 YAML 配置失败: %w", err)
		}
	default:
		if err := json.Unmarshal(content, cfg); err != nil {
			return fmt.Errorf("解析配置失败: %w", err)
		}
	}
	return nil
}

// applyEnv 读取环境变量覆盖项。
func (c *Config) applyEnv() error {
	var env envOverrides
	if err := envconfig.Process("", &env); err != nil {
		return fmt.Errorf("解析环境变量失败: %w", err)
	}

	override(&c.Server.Address, env.Address)
	override(&c.Logging.Level, env.LogLevel)
	override(&c.Auth.PublicKeyPath, env.PublicKeyPath)
	override(&c.Backends.ContactsAddr, env.ContactsAddr)
	override(&c.Backends.BalancesAddr, env.BalancesAddr)
	override(&c.Backends.HistoryAddr, env.HistoryAddr)
	override(&c.Backends.TransactionsAddr, env.TransactionsAddr)
	override(&c.Backends.LocalRoutingNum, env.LocalRoutingNum)
	override(&c.LLM.OpenAI.APIKey, env.OpenAIAPIKey)
	override(&c.LLM.OpenAI.BaseURL, env.OpenAIBaseURL)
	override(&c.LLM.OpenAI.Model, env.OpenAIModel)
	override(&c.Storage.TurnStore.DSN, env.TurnStoreDSN)
	if env.RedisAddress != "" {
		c.Payments.Journal.Redis.Address = env.RedisAddress
		c.Events.Redis.Address = env.RedisAddress
	}
	override(&c.Events.RabbitMQ.URL, env.RabbitMQURL)
	return nil
}

func override(dst *string, value string) {
	if value = strings.TrimSpace(value); value != "" {
		*dst = value
	}
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults(baseDir string) {
	if c.Server.Address == "" {
		c.Server.Address = DefaultAddress
	}
	if c.Server.ReadHeaderTimeoutSecs <= 0 {
		c.Server.ReadHeaderTimeoutSecs = 5
	}
	if c.Server.ShutdownTimeoutSeconds <= 0 {
		c.Server.ShutdownTimeoutSeconds = 5
	}

	if c.Auth.PublicKeyPath != "" && !filepath.IsAbs(c.Auth.PublicKeyPath) {
		c.Auth.PublicKeyPath = filepath.Join(baseDir, c.Auth.PublicKeyPath)
	}

	if c.Backends.Scheme == "" {
		c.Backends.Scheme = "http"
	}
	if c.Backends.ContactsAddr == "" {
		c.Backends.ContactsAddr = "contacts:8080"
	}
	if c.Backends.BalancesAddr == "" {
		c.Backends.BalancesAddr = "balancereader:8080"
	}
	if c.Backends.HistoryAddr == "" {
		c.Backends.HistoryAddr = "transactionhistory:8080"
	}
	if c.Backends.TransactionsAddr == "" {
		c.Backends.TransactionsAddr = "ledgerwriter:8080"
	}
	if c.Backends.LocalRoutingNum == "" {
		c.Backends.LocalRoutingNum = DefaultRoutingNumber
	}
	if c.Backends.TimeoutSeconds <= 0 {
		c.Backends.TimeoutSeconds = DefaultBackendTimeout
	}
	if c.Backends.Retries < 0 {
		c.Backends.Retries = 0
	}

	if c.Agent.AppName == "" {
		c.Agent.AppName = DefaultAppName
	}
	if c.Agent.MaxToolCalls <= 0 {
		c.Agent.MaxToolCalls = DefaultMaxToolCalls
	}
	if c.Agent.MaxParallel <= 0 {
		c.Agent.MaxParallel = DefaultMaxParallel
	}

	if c.LLM.Provider == "" {
		c.LLM.Provider = "openai"
	}
	if c.LLM.OpenAI.Model == "" {
		c.LLM.OpenAI.Model = DefaultOpenAIModel
	}
	if c.LLM.OpenAI.APIKey == "" && c.LLM.OpenAI.APIKeyEnv != "" {
		c.LLM.OpenAI.APIKey = strings.TrimSpace(os.Getenv(c.LLM.OpenAI.APIKeyEnv))
	}

	if c.Session.IdleTTLSeconds <= 0 {
		c.Session.IdleTTLSeconds = DefaultSessionIdleTTL
	}
	if c.Session.SweepIntervalSeconds <= 0 {
		c.Session.SweepIntervalSeconds = DefaultSessionSweepSec
	}

	if c.Payments.Journal.Driver == "" {
		c.Payments.Journal.Driver = "memory"
	}
	if c.Payments.Journal.TTLSeconds <= 0 {
		c.Payments.Journal.TTLSeconds = 86400
	}
	if c.Events.Driver == "" {
		c.Events.Driver = "none"
	}
	if c.Storage.TurnStore.Driver == "" {
		c.Storage.TurnStore.Driver = "memory"
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if c.Logging.Audit.Enabled && c.Logging.Audit.Path != "" && !filepath.IsAbs(c.Logging.Audit.Path) {
		c.Logging.Audit.Path = filepath.Join(baseDir, c.Logging.Audit.Path)
	}

	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}

	if c.MCP.Transport == "" {
		c.MCP.Transport = "stdio"
	}
	if c.MCP.Address == "" {
		c.MCP.Address = ":8090"
	}
	if c.MCP.TokenEnv == "" {
		c.MCP.TokenEnv = "AIRUNTIME_MCP_TOKEN"
	}
}

// Validate 检查互相依赖的配置项。
func (c *Config) Validate() error {
	var errs []error
	if c.Auth.PublicKeyPath == "" && strings.TrimSpace(c.Auth.PublicKeyPEM) == "" {
		errs = append(errs, errors.New("auth: 必须配置 public_key_path 或 public_key_pem"))
	}
	switch c.Payments.Journal.Driver {
	case "memory":
	case "redis":
		if c.Payments.Journal.Redis.Address == "" {
			errs = append(errs, errors.New("payments.journal: redis 驱动需要 address"))
		}
	default:
		errs = append(errs, fmt.Errorf("payments.journal: 未知驱动 %q", c.Payments.Journal.Driver))
	}
	switch c.Events.Driver {
	case "none", "memory":
	case "redis":
		if c.Events.Redis.Address == "" {
			errs = append(errs, errors.New("events: redis 驱动需要 address"))
		}
	case "rabbitmq":
		if c.Events.RabbitMQ.URL == "" {
			errs = append(errs, errors.New("events: rabbitmq 驱动需要 url"))
		}
	default:
		errs = append(errs, fmt.Errorf("events: 未知驱动 %q", c.Events.Driver))
	}
	switch c.Storage.TurnStore.Driver {
	case "memory":
	case "mysql":
		if c.Storage.TurnStore.DSN == "" {
			errs = append(errs, errors.New("storage.turn_store: mysql 驱动需要 dsn"))
		}
	default:
		errs = append(errs, fmt.Errorf("storage.turn_store: 未知驱动 %q", c.Storage.TurnStore.Driver))
	}
	return errors.Join(errs...)
}
