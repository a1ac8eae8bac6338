package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	JWT       JWTConfig `mapstructure:"jwt"`
	Log       LogConfig
	Redis     RedisConfig
	Gate      GateConfig
	RateLimit RateLimitConfig
	Storage   StorageConfig
	Scheduler SchedulerConfig
	CORS      CORSConfig
}

type ServerConfig struct {
	Port           string
	Mode           string
	SeedDemo       bool     // 启动时创建演示租户并输出管理员JWT
	TrustedProxies []string // 可信反向代理（IP或CIDR），为空时只使用连接的对端地址
}

type DatabaseConfig struct {
	Host     string
	Port     string
	User     string
	Password string
	DBName   string
	SSLMode  string
}

// DefaultJWTSecret 开发环境的默认JWT密钥，release 模式下禁止使用
const DefaultJWTSecret = "default-secret-change-me"

type JWTConfig struct {
	SecretKey     string `mapstructure:"secret_key"`     // 运营人员JWT密钥
	TokenDuration string `mapstructure:"token_duration"` // 令牌有效期，如 "24h"
	Issuer        string `mapstructure:"issuer"`
}

type LogConfig struct {
	Level      string
	FilePath   string
	MaxSize    int    // MB
	MaxBackups int    // 保留的备份文件数
	MaxAge     int    // 保留天数
	Compress   bool   // 是否压缩
	Format     string // json 或 text
}

type RedisConfig struct {
	Host     string // Redis主机地址
	Port     int    // Redis端口
	Password string // Redis密码
	DB       int    // Redis数据库编号
	Prefix   string // 计数器键前缀
}

// GateConfig 认证网关配置
type GateConfig struct {
	RequireSubscription bool   // 是否要求租户持有有效订阅
	Timezone            string // 日计数器按哪个时区切日
	TokenDigestKey      string // 令牌摘要HMAC密钥，变更后所有已签发令牌失效
	TokenPrefix         string // 令牌明文前缀
	AllowQueryToken     bool   // 是否允许 ?api_token= 传递令牌
}

// RateLimitConfig 限流配置
type RateLimitConfig struct {
	MinuteBackend string  // redis 或 memory
	IPRate        float64 // 网关前置的单IP每秒请求数，0表示关闭
	IPBurst       int
}

// StorageConfig 存储配置
type StorageConfig struct {
	Driver         string   // postgres 或 memory
	DocumentTables []string // 统计月度单据数量的业务表
}

// SchedulerConfig 定时任务配置
type SchedulerConfig struct {
	SubscriptionExpiryCron string
}

type CORSConfig struct {
	AllowOrigins     []string // 允许的源
	AllowMethods     []string // 允许的HTTP方法
	AllowHeaders     []string // 允许的请求头
	ExposeHeaders    []string // 暴露的响应头
	AllowCredentials bool     // 是否允许携带凭证
	MaxAge           int      // 预检请求缓存时间（小时）
}

// 全局配置实例和同步锁
var (
	globalConfig *Config
	once         sync.Once
)

func GetConfig() *Config {
	once.Do(func() {
		var err error
		globalConfig, err = LoadConfig()
		if err != nil {
			panic("Failed to load config: " + err.Error())
		}
	})
	return globalConfig
}

// Location 解析网关时区，非法值回退到UTC
func (g GateConfig) Location() *time.Location {
	if g.Timezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(g.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// 获取环境变量，如果不存在则使用默认值
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// 获取环境变量转换为int
func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

// 获取环境变量转换为bool
func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return strings.ToLower(value) == "true"
	}
	return defaultValue
}

// 获取环境变量转换为字符串数组（逗号分隔）
func getEnvAsStringArray(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		parts := strings.Split(value, ",")
		result := make([]string, 0, len(parts))
		for _, part := range parts {
			trimmed := strings.TrimSpace(part)
			if trimmed != "" {
				result = append(result, trimmed)
			}
		}
		return result
	}
	return defaultValue
}

func LoadConfig() (*Config, error) {
	// .env 文件可选，不存在时直接读取进程环境变量
	_ = godotenv.Load()

	config := &Config{
		Server: ServerConfig{
			Port:           getEnv("SERVER_PORT", "8080"),
			Mode:           getEnv("SERVER_MODE", "debug"),
			SeedDemo:       getEnvAsBool("SEED_DEMO", false),
			TrustedProxies: getEnvAsStringArray("TRUSTED_PROXIES", nil), // 逗号分隔，如 "10.0.0.0/8,172.16.0.1"
		},
		Database: DatabaseConfig{
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnv("DB_PORT", "5432"),
			User:     getEnv("DB_USER", "postgres"),
			Password: getEnv("DB_PASSWORD", ""),
			DBName:   getEnv("DB_NAME", "invoicegate"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),
		},
		JWT: JWTConfig{
			SecretKey:     getEnv("JWT_SECRET_KEY", DefaultJWTSecret),
			TokenDuration: getEnv("JWT_TOKEN_DURATION", "24h"),
			Issuer:        getEnv("JWT_ISSUER", "invoicegate"),
		},
		Log: LogConfig{
			Level:      getEnv("LOG_LEVEL", "info"),
			FilePath:   getEnv("LOG_FILE_PATH", "logs/app.log"),
			MaxSize:    getEnvAsInt("LOG_MAX_SIZE", 100),
			MaxBackups: getEnvAsInt("LOG_MAX_BACKUPS", 7),
			MaxAge:     getEnvAsInt("LOG_MAX_AGE", 30),
			Compress:   getEnvAsBool("LOG_COMPRESS", true),
			Format:     getEnv("LOG_FORMAT", "json"),
		},
		Redis: RedisConfig{
			Host:     getEnv("REDIS_HOST", "localhost"),
			Port:     getEnvAsInt("REDIS_PORT", 6379),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvAsInt("REDIS_DB", 0),
			Prefix:   getEnv("REDIS_PREFIX", "invoicegate:rl"),
		},
		Gate: GateConfig{
			RequireSubscription: getEnvAsBool("REQUIRE_SUBSCRIPTION", false),
			Timezone:            getEnv("GATE_TIMEZONE", "UTC"),
			TokenDigestKey:      getEnv("TOKEN_DIGEST_KEY", "invoicegate-token-digest-key-32b"),
			TokenPrefix:         getEnv("TOKEN_PREFIX", "igk_"),
			AllowQueryToken:     getEnvAsBool("ALLOW_QUERY_TOKEN", true),
		},
		RateLimit: RateLimitConfig{
			MinuteBackend: getEnv("MINUTE_LIMITER_BACKEND", "memory"),
			IPRate:        getEnvAsFloat("IP_THROTTLE_RPS", 50),
			IPBurst:       getEnvAsInt("IP_THROTTLE_BURST", 100),
		},
		Storage: StorageConfig{
			Driver:         getEnv("STORAGE_DRIVER", "postgres"),
			DocumentTables: getEnvAsStringArray("DOCUMENT_TABLES", []string{"invoices", "boletas"}),
		},
		Scheduler: SchedulerConfig{
			SubscriptionExpiryCron: getEnv("SUBSCRIPTION_EXPIRY_CRON", "*/10 * * * *"),
		},
		CORS: CORSConfig{
			AllowOrigins:     getEnvAsStringArray("CORS_ALLOW_ORIGINS", []string{"*"}),
			AllowMethods:     getEnvAsStringArray("CORS_ALLOW_METHODS", []string{"GET", "POST", "PUT", "DELETE", "OPTIONS", "PATCH"}),
			AllowHeaders:     getEnvAsStringArray("CORS_ALLOW_HEADERS", []string{"Origin", "Content-Type", "Authorization", "Accept", "X-Requested-With", "X-API-Key", "X-Request-ID"}),
			ExposeHeaders:    getEnvAsStringArray("CORS_EXPOSE_HEADERS", []string{"Content-Length", "Content-Type", "X-Request-ID", "X-RateLimit-Limit", "X-RateLimit-Remaining"}),
			AllowCredentials: getEnvAsBool("CORS_ALLOW_CREDENTIALS", false),
			MaxAge:           getEnvAsInt("CORS_MAX_AGE", 12),
		},
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// Validate 启动前检查不安全的配置
func (c *Config) Validate() error {
	if c.Server.Mode == "release" && c.JWT.UsesDefaultSecret() {
		return fmt.Errorf("release 模式必须设置 JWT_SECRET_KEY，不能使用默认值")
	}
	return nil
}

// UsesDefaultSecret 是否仍在使用默认或空密钥
func (j JWTConfig) UsesDefaultSecret() bool {
	return j.SecretKey == "" || j.SecretKey == DefaultJWTSecret
}
