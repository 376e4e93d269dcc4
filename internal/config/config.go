package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/user/moovie-etl/internal/utils"
	"gopkg.in/yaml.v3"
)

// Config 应用配置
type Config struct {
	Env      string `yaml:"env"`
	LogLevel string `yaml:"log_level"`
	Port     string `yaml:"port"`

	// OpsSecret 运维接口（手动触发同步、重置水位）的 JWT 密钥
	OpsSecret string `yaml:"ops_secret"`

	DatabaseURL   string `yaml:"database_url"`
	ContentSchema string `yaml:"content_schema"`

	ElasticURL     string        `yaml:"elastic_url"`
	ElasticTimeout time.Duration `yaml:"elastic_timeout"`
	MoviesIndex    string        `yaml:"movies_index"`
	PersonsIndex   string        `yaml:"persons_index"`

	StateBackend string `yaml:"state_backend"` // file | memory
	StateFile    string `yaml:"state_file"`
	StateKey     string `yaml:"state_key"`

	SyncInterval time.Duration `yaml:"sync_interval"`
	CycleTimeout time.Duration `yaml:"cycle_timeout"` // 0 表示不限制
	PageSize     int           `yaml:"page_size"`
	IDChunkSize  int           `yaml:"id_chunk_size"`
	BulkSize     int           `yaml:"bulk_size"`
	BulkWorkers  int           `yaml:"bulk_workers"`

	Retry RetryConfig `yaml:"retry"`
}

// RetryConfig 网络调用重试参数（指数退避）
type RetryConfig struct {
	MaxAttempts int           `yaml:"max_attempts"`
	BaseDelay   time.Duration `yaml:"base_delay"`
	Multiplier  float64       `yaml:"multiplier"`
	MaxDelay    time.Duration `yaml:"max_delay"`
}

// Load 加载配置
func Load() *Config {
	dbUser := getEnv("DB_USER", "postgres")
	dbPass := getEnv("DB_PASSWORD", "postgres")
	dbHost := getEnv("DB_HOST", "localhost")
	dbPort := getEnv("DB_PORT", "5432")
	dbName := getEnv("DB_NAME", "movies_database")
	dbSSL := getEnv("DB_SSLMODE", "disable")

	dbURL := fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s",
		dbUser, dbPass, dbHost, dbPort, dbName, dbSSL)

	esURL := fmt.Sprintf("http://%s:%s",
		getEnv("ELASTIC_HOST", "localhost"), getEnv("ELASTIC_PORT", "9200"))

	opsSecret := getEnv("OPS_SECRET", "your-secret-key-change-in-production")
	if getEnv("APP_ENV", "development") == "production" && opsSecret == "your-secret-key-change-in-production" {
		fmt.Println("【严重警告】生产环境正在使用默认运维密钥！请立即设置 OPS_SECRET 环境变量。")
	}

	return &Config{
		Env:            getEnv("APP_ENV", "development"),
		LogLevel:       getEnv("LOG_LEVEL", "info"),
		Port:           getEnv("PORT", "5008"),
		OpsSecret:      opsSecret,
		DatabaseURL:    getEnv("DATABASE_URL", dbURL),
		ContentSchema:  getEnv("CONTENT_SCHEMA", "content"),
		ElasticURL:     getEnv("ELASTIC_URL", esURL),
		ElasticTimeout: getDuration("ELASTIC_TIMEOUT", 60*time.Second),
		MoviesIndex:    getEnv("MOVIES_INDEX", "movies"),
		PersonsIndex:   getEnv("PERSONS_INDEX", "persons"),
		StateBackend:   getEnv("STATE_BACKEND", "file"),
		StateFile:      getEnv("STATE_FILE", "state_file.json"),
		StateKey:       getEnv("STATE_KEY", "state_key"),
		SyncInterval:   getDuration("SYNC_INTERVAL", time.Hour),
		CycleTimeout:   getDuration("CYCLE_TIMEOUT", 0),
		PageSize:       getInt("PAGE_SIZE", 1000),
		IDChunkSize:    getInt("ID_CHUNK_SIZE", 5000),
		BulkSize:       getInt("BULK_SIZE", 500),
		BulkWorkers:    getInt("BULK_WORKERS", 2),
		Retry: RetryConfig{
			MaxAttempts: getInt("RETRY_MAX_ATTEMPTS", 10),
			BaseDelay:   getDuration("RETRY_BASE_DELAY", 100*time.Millisecond),
			Multiplier:  getFloat("RETRY_MULTIPLIER", 2),
			MaxDelay:    getDuration("RETRY_MAX_DELAY", 30*time.Second),
		},
	}
}

// LoadFile 在环境变量配置的基础上叠加 YAML 文件中的配置
func LoadFile(path string) (*Config, error) {
	cfg := Load()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("解析配置文件失败: %w", err)
	}
	return cfg, nil
}

// RetryPolicy 转换为重试策略
func (c *Config) RetryPolicy() utils.RetryPolicy {
	return utils.RetryPolicy{
		MaxAttempts: c.Retry.MaxAttempts,
		BaseDelay:   c.Retry.BaseDelay,
		Multiplier:  c.Retry.Multiplier,
		MaxDelay:    c.Retry.MaxDelay,
	}
}

// Validate 校验配置
func (c *Config) Validate() error {
	if c.SyncInterval < time.Second {
		return fmt.Errorf("sync_interval 至少为 1s")
	}
	if c.PageSize < 1 {
		return fmt.Errorf("page_size 必须大于 0")
	}
	if c.IDChunkSize < 1 {
		return fmt.Errorf("id_chunk_size 必须大于 0")
	}
	if c.BulkSize < 1 {
		return fmt.Errorf("bulk_size 必须大于 0")
	}
	if c.BulkWorkers < 1 {
		return fmt.Errorf("bulk_workers 必须大于 0")
	}
	if c.Retry.MaxAttempts < 1 {
		return fmt.Errorf("retry.max_attempts 必须大于 0")
	}
	if c.Retry.Multiplier < 1 {
		return fmt.Errorf("retry.multiplier 不能小于 1")
	}
	switch c.StateBackend {
	case "file", "memory":
	default:
		return fmt.Errorf("未知的 state_backend: %s", c.StateBackend)
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getInt(key string, defaultValue int) int {
	v, err := strconv.Atoi(getEnv(key, ""))
	if err != nil {
		return defaultValue
	}
	return v
}

func getFloat(key string, defaultValue float64) float64 {
	v, err := strconv.ParseFloat(getEnv(key, ""), 64)
	if err != nil {
		return defaultValue
	}
	return v
}

func getDuration(key string, defaultValue time.Duration) time.Duration {
	v, err := time.ParseDuration(getEnv(key, ""))
	if err != nil {
		return defaultValue
	}
	return v
}
