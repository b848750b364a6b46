package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// RedisConfig 定义了 Redis（派发代理）的连接配置。
type RedisConfig struct {
	Address  string `yaml:"address"`  // Redis 服务器地址 (例如: "localhost:6379")
	Password string `yaml:"password"` // Redis 密码
	DB       int    `yaml:"db"`       // Redis 数据库编号
}

// MySQLConfig 定义了 MySQL 数据库的连接配置。
type MySQLConfig struct {
	Address         string `yaml:"address"`         // MySQL 服务器地址
	Username        string `yaml:"username"`        // 用户名
	Password        string `yaml:"password"`        // 密码
	Database        string `yaml:"database"`        // 数据库名称
	MaxOpenConns    int    `yaml:"maxOpenConns"`    // 最大打开连接数
	MaxIdleConns    int    `yaml:"maxIdleConns"`    // 最大空闲连接数
	ConnMaxLifetime int    `yaml:"connMaxLifetime"` // 连接最大生命周期 (秒)
}

// KafkaConfig 定义了 Kafka 事件总线的连接配置。
type KafkaConfig struct {
	Brokers []string `yaml:"brokers"` // Kafka Broker 地址列表
	Topics  []string `yaml:"topics"`  // Kafka 主题列表
}

// EtcdConfig 定义了 Etcd 服务注册的连接配置。
type EtcdConfig struct {
	Endpoints []string `yaml:"endpoints"` // Etcd 节点地址列表
	Username  string   `yaml:"username"`  // 用户名
	Password  string   `yaml:"password"`  // 密码
}

// SigningConfig 用于配置任务信封的签名与可选加密。
type SigningConfig struct {
	Enabled       bool   `yaml:"enabled"`       // 是否启用签名（禁用时以非签名模式派发并告警）
	Secret        string `yaml:"secret"`        // HMAC/JWT 密钥
	EncryptionKey string `yaml:"encryptionKey"` // 可选的信封加密密钥（64 位十六进制 = 32 字节）
	NonceTTL      int    `yaml:"nonceTTL"`      // 重放保护 nonce 的有效期（秒）
}

// AuthConfig 用于配置管理 API 的认证。
type AuthConfig struct {
	JwtSecret string `yaml:"jwtSecret"` // 管理 API JWT 密钥
}

// DispatchConfig 定义了任务派发器的行为参数。
type DispatchConfig struct {
	ResultChannel    string `yaml:"resultChannel"`    // 结果订阅通道
	StatusTTLDays    int    `yaml:"statusTTLDays"`    // 任务状态记录保留天数
	MaxRetries       int    `yaml:"maxRetries"`       // 任务最大重试次数
	HeartbeatWindow  int    `yaml:"heartbeatWindow"`  // 判定 worker 存活的心跳窗口（秒）
	CleanupBatchSize int    `yaml:"cleanupBatchSize"` // 单次清理扫描的记录上限
	EventsTopic      string `yaml:"eventsTopic"`      // 任务生命周期事件的 Kafka 主题
}

// RegistryConfig 定义了模式注册表的行为参数。
type RegistryConfig struct {
	DefaultTimeoutMs int     `yaml:"defaultTimeoutMs"` // 模式执行的默认超时
	RandomBias       float64 `yaml:"randomBias"`       // random 策略偏向默认模式的概率
}

// DatabaseConfigs 包含所有外部存储的配置。
type DatabaseConfigs struct {
	Redis RedisConfig `yaml:"redis"` // Redis 配置
	MySQL MySQLConfig `yaml:"mysql"` // MySQL 配置
	Kafka KafkaConfig `yaml:"kafka"` // Kafka 配置
	Etcd  EtcdConfig  `yaml:"etcd"`  // Etcd 配置
}

// AppInfo 对应 'app' 部分，包含应用程序的基本信息。
type AppInfo struct {
	Name          string `yaml:"name"`          // 应用程序名称
	Version       string `yaml:"version"`       // 应用程序版本
	Environment   string `yaml:"environment"`   // 运行环境 (例如: "development", "production")
	ServerAddress string `yaml:"serverAddress"` // HTTP 服务监听地址
}

// LoggerConfig 定义了日志记录器的配置。
type LoggerConfig struct {
	Level string `yaml:"level"` // 日志级别 (例如: "info", "debug", "warn", "error")
}

// MiddlewareConfig 包含所有中间件的配置。
type MiddlewareConfig struct {
	RateLimiter    RateLimiterConfig    `yaml:"rateLimiter"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuitBreaker"`
}

// RateLimiterConfig 定义了限流器的配置。
type RateLimiterConfig struct {
	Enabled     bool              `yaml:"enabled"`
	Algorithm   string            `yaml:"algorithm"` // 支持: "fixedWindow", "tokenBucket"
	FixedWindow FixedWindowConfig `yaml:"fixedWindow"`
	TokenBucket TokenBucketConfig `yaml:"tokenBucket"`
}

// FixedWindowConfig 定义了固定窗口计数器算法的配置。
type FixedWindowConfig struct {
	Limit  int    `yaml:"limit"`
	Window string `yaml:"window"` // 例如: "1m", "30s"
}

// TokenBucketConfig 定义了令牌桶算法的配置。
type TokenBucketConfig struct {
	Rate     float64 `yaml:"rate"` // 每秒速率
	Capacity int     `yaml:"capacity"`
}

// CircuitBreakerConfig 定义了熔断器的配置。
type CircuitBreakerConfig struct {
	Enabled          bool   `yaml:"enabled"`
	FailureThreshold uint32 `yaml:"failureThreshold"`
	SuccessThreshold uint32 `yaml:"successThreshold"`
	Timeout          string `yaml:"timeout"` // 例如: "30s"
}

// AppConfig 是整个 YAML 文件的根结构，包含了应用程序的所有配置。
type AppConfig struct {
	App        AppInfo          `yaml:"app"`        // 应用程序信息
	Auth       AuthConfig       `yaml:"auth"`       // 管理 API 认证配置
	Signing    SigningConfig    `yaml:"signing"`    // 任务信封签名配置
	Logger     LoggerConfig     `yaml:"logger"`     // 日志记录器配置
	Databases  DatabaseConfigs  `yaml:"databases"`  // 外部存储配置
	Dispatch   DispatchConfig   `yaml:"dispatch"`   // 任务派发配置
	Registry   RegistryConfig   `yaml:"registry"`   // 模式注册表配置
	Middleware MiddlewareConfig `yaml:"middleware"` // 中间件配置
}

// LoadConfig 函数从指定路径加载并解析 YAML 配置文件。
func LoadConfig(path string) (*AppConfig, error) {
	yamlFile, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("无法读取 YAML 文件 '%s': %w", path, err)
	}
	var cfg AppConfig
	if err := yaml.Unmarshal(yamlFile, &cfg); err != nil {
		return nil, fmt.Errorf("解析 YAML 文件失败: %w", err)
	}
	cfg.applyDefaults()
	return &cfg, nil
}

// applyDefaults 为缺省字段填充默认值。
func (c *AppConfig) applyDefaults() {
	if c.Dispatch.ResultChannel == "" {
		c.Dispatch.ResultChannel = "lotpilot:results"
	}
	if c.Dispatch.StatusTTLDays <= 0 {
		c.Dispatch.StatusTTLDays = 7
	}
	if c.Dispatch.MaxRetries <= 0 {
		c.Dispatch.MaxRetries = 3
	}
	if c.Dispatch.HeartbeatWindow <= 0 {
		c.Dispatch.HeartbeatWindow = 90
	}
	if c.Dispatch.CleanupBatchSize <= 0 {
		c.Dispatch.CleanupBatchSize = 1000
	}
	if c.Dispatch.EventsTopic == "" {
		c.Dispatch.EventsTopic = "lotpilot-task-events"
	}
	if c.Registry.DefaultTimeoutMs <= 0 {
		c.Registry.DefaultTimeoutMs = 30000
	}
	if c.Registry.RandomBias <= 0 || c.Registry.RandomBias >= 1 {
		c.Registry.RandomBias = 0.3
	}
	if c.Signing.NonceTTL <= 0 {
		c.Signing.NonceTTL = 24 * 3600
	}
}
