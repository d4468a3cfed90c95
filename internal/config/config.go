package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config 配置
type Config struct {
	Service   ServiceConfig   `yaml:"service" json:"service"`
	Postgres  PostgresConfig  `yaml:"postgres" json:"postgres"`
	Redis     RedisConfig     `yaml:"redis" json:"redis"`
	Kafka     KafkaConfig     `yaml:"kafka" json:"kafka"`
	RPC       RPCConfig       `yaml:"rpc" json:"rpc"`
	Session   SessionConfig   `yaml:"session" json:"session"`
	Signing   SigningConfig   `yaml:"signing" json:"signing"`
	Broker    BrokerConfig    `yaml:"broker" json:"broker"`
	Scheduler SchedulerConfig `yaml:"scheduler" json:"scheduler"`
	Signer    SignerConfig    `yaml:"signer" json:"signer"`
	Log       LogConfig       `yaml:"log" json:"log"`
}

// ServiceConfig 服务配置
type ServiceConfig struct {
	Name         string `yaml:"name" json:"name"`
	HTTPPort     int    `yaml:"http_port" json:"http_port"`
	DecisionHost string `yaml:"decision_host" json:"decision_host"`
	DecisionPort int    `yaml:"decision_port" json:"decision_port"`
	GRPCPort     int    `yaml:"grpc_port" json:"grpc_port"`
	Env          string `yaml:"env" json:"env"`
}

// PostgresConfig PostgreSQL 配置，Host 为空时不持久化
type PostgresConfig struct {
	Host            string `yaml:"host" json:"host"`
	Port            int    `yaml:"port" json:"port"`
	Database        string `yaml:"database" json:"database"`
	User            string `yaml:"user" json:"user"`
	Password        string `yaml:"password" json:"password"`
	MaxConnections  int    `yaml:"max_connections" json:"max_connections"`
	MaxIdleConns    int    `yaml:"max_idle_conns" json:"max_idle_conns"`
	ConnMaxLifetime int    `yaml:"conn_max_lifetime" json:"conn_max_lifetime"`
	AutoMigrate     bool   `yaml:"auto_migrate" json:"auto_migrate"`
}

// Enabled 是否配置了数据库
func (c PostgresConfig) Enabled() bool {
	return c.Host != ""
}

// DSN 返回连接串
func (c PostgresConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=disable",
		c.Host, c.Port, c.User, c.Password, c.Database)
}

// RedisConfig Redis 配置，未配置地址时幂等记录保存在内存中
type RedisConfig struct {
	Addresses []string `yaml:"addresses" json:"addresses"`
	Password  string   `yaml:"password" json:"password"`
	DB        int      `yaml:"db" json:"db"`
	PoolSize  int      `yaml:"pool_size" json:"pool_size"`
	KeyPrefix string   `yaml:"key_prefix" json:"key_prefix"`
	KeyTTL    int      `yaml:"key_ttl" json:"key_ttl"` // 秒
}

// KeyTTLDuration 幂等记录过期时间
func (c RedisConfig) KeyTTLDuration() time.Duration {
	return time.Duration(c.KeyTTL) * time.Second
}

// KafkaConfig Kafka 配置，未配置 broker 时不导出事件
type KafkaConfig struct {
	Brokers  []string `yaml:"brokers" json:"brokers"`
	ClientID string   `yaml:"client_id" json:"client_id"`
	Topic    string   `yaml:"topic" json:"topic"`
}

// EndpointConfig 单个 RPC 节点
type EndpointConfig struct {
	URL      string `yaml:"url" json:"url"`
	Priority int    `yaml:"priority" json:"priority"`
}

// RPCConfig 节点池及网关配置
type RPCConfig struct {
	Endpoints        []EndpointConfig `yaml:"endpoints" json:"endpoints"`
	FailureThreshold int              `yaml:"failure_threshold" json:"failure_threshold"`
	BaseCooldown     int              `yaml:"base_cooldown" json:"base_cooldown"` // 秒
	MaxCooldown      int              `yaml:"max_cooldown" json:"max_cooldown"`   // 秒
	CallTimeoutMs    int              `yaml:"call_timeout_ms" json:"call_timeout_ms"`
	MaxRetries       int              `yaml:"max_retries" json:"max_retries"`
	ProbeInterval    int              `yaml:"probe_interval" json:"probe_interval"` // 秒
	ProbeMethod      string           `yaml:"probe_method" json:"probe_method"`
}

// BaseCooldownDuration 首次冷却时长
func (c RPCConfig) BaseCooldownDuration() time.Duration {
	return time.Duration(c.BaseCooldown) * time.Second
}

// MaxCooldownDuration 冷却上限
func (c RPCConfig) MaxCooldownDuration() time.Duration {
	return time.Duration(c.MaxCooldown) * time.Second
}

// CallTimeout 单次调用超时
func (c RPCConfig) CallTimeout() time.Duration {
	return time.Duration(c.CallTimeoutMs) * time.Millisecond
}

// ProbeIntervalDuration 探活间隔
func (c RPCConfig) ProbeIntervalDuration() time.Duration {
	return time.Duration(c.ProbeInterval) * time.Second
}

// SessionConfig 会话配置
type SessionConfig struct {
	TTL           int `yaml:"ttl" json:"ttl"`                 // 秒，0 表示不过期
	RequestTTL    int `yaml:"request_ttl" json:"request_ttl"` // 秒，待审批连接请求的有效期
	SweepInterval int `yaml:"sweep_interval" json:"sweep_interval"`
}

// TTLDuration 会话有效期
func (c SessionConfig) TTLDuration() time.Duration {
	return time.Duration(c.TTL) * time.Second
}

// RequestTTLDuration 连接请求有效期
func (c SessionConfig) RequestTTLDuration() time.Duration {
	return time.Duration(c.RequestTTL) * time.Second
}

// SweepIntervalDuration 过期扫描间隔
func (c SessionConfig) SweepIntervalDuration() time.Duration {
	return time.Duration(c.SweepInterval) * time.Second
}

// SigningConfig 签名队列配置
type SigningConfig struct {
	RequestTTL    int `yaml:"request_ttl" json:"request_ttl"`       // 秒
	SubmitTimeout int `yaml:"submit_timeout" json:"submit_timeout"` // 秒
}

// RequestTTLDuration 签名请求审批有效期
func (c SigningConfig) RequestTTLDuration() time.Duration {
	return time.Duration(c.RequestTTL) * time.Second
}

// SubmitTimeoutDuration 单笔提交超时
func (c SigningConfig) SubmitTimeoutDuration() time.Duration {
	return time.Duration(c.SubmitTimeout) * time.Second
}

// BrokerConfig 编排层配置
type BrokerConfig struct {
	DefaultAccount   string  `yaml:"default_account" json:"default_account"`
	SubscriberBuffer int     `yaml:"subscriber_buffer" json:"subscriber_buffer"`
	RateLimit        float64 `yaml:"rate_limit" json:"rate_limit"` // 每个 origin 每秒请求数
	RateBurst        int     `yaml:"rate_burst" json:"rate_burst"`
	LimiterIdle      int     `yaml:"limiter_idle" json:"limiter_idle"` // 秒，闲置限流器的回收时间
}

// LimiterIdleDuration 限流器闲置回收时间
func (c BrokerConfig) LimiterIdleDuration() time.Duration {
	return time.Duration(c.LimiterIdle) * time.Second
}

// SchedulerConfig 周期任务配置，cron 表达式支持秒级字段和 @every
type SchedulerConfig struct {
	MaxConcurrentJobs int    `yaml:"max_concurrent_jobs" json:"max_concurrent_jobs"`
	SweepCron         string `yaml:"sweep_cron" json:"sweep_cron"` // 默认按 session.sweep_interval
	ProbeCron         string `yaml:"probe_cron" json:"probe_cron"` // 默认按 rpc.probe_interval
}

// SignerConfig 签名器配置
type SignerConfig struct {
	KeystoreDir string `yaml:"keystore_dir" json:"keystore_dir"`
	Passphrase  string `yaml:"passphrase" json:"passphrase"`
}

// LogConfig 日志配置
type LogConfig struct {
	Level  string `yaml:"level" json:"level"`
	Format string `yaml:"format" json:"format"`
	Output string `yaml:"output" json:"output"` // stdout, stderr
}

// Load 加载配置
func Load(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, err
	}

	content := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(content), &cfg); err != nil {
		return nil, err
	}

	setDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate 校验必填项
func (c *Config) Validate() error {
	if len(c.RPC.Endpoints) == 0 {
		return fmt.Errorf("rpc.endpoints must not be empty")
	}
	for i, ep := range c.RPC.Endpoints {
		if ep.URL == "" {
			return fmt.Errorf("rpc.endpoints[%d].url is empty", i)
		}
	}
	if c.Service.HTTPPort == c.Service.DecisionPort {
		return fmt.Errorf("service.decision_port must differ from service.http_port")
	}
	return nil
}

// expandEnvVars 展开环境变量 ${VAR:default}
func expandEnvVars(s string) string {
	result := s
	for {
		start := strings.Index(result, "${")
		if start == -1 {
			break
		}
		end := strings.Index(result[start:], "}")
		if end == -1 {
			break
		}
		end += start

		parts := strings.SplitN(result[start+2:end], ":", 2)
		value := os.Getenv(parts[0])
		if value == "" && len(parts) > 1 {
			value = parts[1]
		}

		result = result[:start] + value + result[end+1:]
	}
	return result
}

// setDefaults 设置默认值
func setDefaults(cfg *Config) {
	if cfg.Service.Name == "" {
		cfg.Service.Name = "eidos-dapp"
	}
	if cfg.Service.HTTPPort == 0 {
		cfg.Service.HTTPPort = 8090
	}
	if cfg.Service.DecisionHost == "" {
		cfg.Service.DecisionHost = "127.0.0.1"
	}
	if cfg.Service.DecisionPort == 0 {
		cfg.Service.DecisionPort = 8091
	}
	if cfg.Service.GRPCPort == 0 {
		cfg.Service.GRPCPort = 50060
	}
	if cfg.Service.Env == "" {
		cfg.Service.Env = "dev"
	}

	if cfg.Postgres.Port == 0 {
		cfg.Postgres.Port = 5432
	}
	if cfg.Postgres.MaxConnections == 0 {
		cfg.Postgres.MaxConnections = 20
	}
	if cfg.Postgres.MaxIdleConns == 0 {
		cfg.Postgres.MaxIdleConns = 5
	}
	if cfg.Postgres.ConnMaxLifetime == 0 {
		cfg.Postgres.ConnMaxLifetime = 3600
	}

	if cfg.Redis.PoolSize == 0 {
		cfg.Redis.PoolSize = 20
	}
	if cfg.Redis.KeyPrefix == "" {
		cfg.Redis.KeyPrefix = "eidos:dapp:submit:"
	}
	if cfg.Redis.KeyTTL == 0 {
		cfg.Redis.KeyTTL = 86400
	}

	if cfg.Kafka.ClientID == "" {
		cfg.Kafka.ClientID = "eidos-dapp"
	}
	if cfg.Kafka.Topic == "" {
		cfg.Kafka.Topic = "dapp-status-events"
	}

	if cfg.RPC.FailureThreshold == 0 {
		cfg.RPC.FailureThreshold = 3
	}
	if cfg.RPC.BaseCooldown == 0 {
		cfg.RPC.BaseCooldown = 5
	}
	if cfg.RPC.MaxCooldown == 0 {
		cfg.RPC.MaxCooldown = 300
	}
	if cfg.RPC.CallTimeoutMs == 0 {
		cfg.RPC.CallTimeoutMs = 10000
	}
	if cfg.RPC.MaxRetries == 0 {
		cfg.RPC.MaxRetries = 2
	}
	if cfg.RPC.ProbeInterval == 0 {
		cfg.RPC.ProbeInterval = 30
	}
	if cfg.RPC.ProbeMethod == "" {
		cfg.RPC.ProbeMethod = "latest/height"
	}

	if cfg.Session.RequestTTL == 0 {
		cfg.Session.RequestTTL = 300
	}
	if cfg.Session.SweepInterval == 0 {
		cfg.Session.SweepInterval = 10
	}

	if cfg.Signing.RequestTTL == 0 {
		cfg.Signing.RequestTTL = 120
	}
	if cfg.Signing.SubmitTimeout == 0 {
		cfg.Signing.SubmitTimeout = 60
	}

	if cfg.Broker.SubscriberBuffer == 0 {
		cfg.Broker.SubscriberBuffer = 64
	}
	if cfg.Broker.RateLimit == 0 {
		cfg.Broker.RateLimit = 5
	}
	if cfg.Broker.RateBurst == 0 {
		cfg.Broker.RateBurst = 10
	}
	if cfg.Broker.LimiterIdle == 0 {
		cfg.Broker.LimiterIdle = 600
	}

	if cfg.Scheduler.MaxConcurrentJobs == 0 {
		cfg.Scheduler.MaxConcurrentJobs = 2
	}
	if cfg.Scheduler.SweepCron == "" {
		cfg.Scheduler.SweepCron = "@every " + cfg.Session.SweepIntervalDuration().String()
	}
	if cfg.Scheduler.ProbeCron == "" {
		cfg.Scheduler.ProbeCron = "@every " + cfg.RPC.ProbeIntervalDuration().String()
	}

	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "json"
	}
}

// GetEnvInt 获取环境变量整数值
func GetEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}
