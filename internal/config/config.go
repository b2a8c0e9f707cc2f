package config

import (
	"strings"
	"sync"
	"time"

	"github.com/spf13/viper"
)

// Config 应用配置
type Config struct {
	Server         ServerConfig         `mapstructure:"server"`
	Log            LogConfig            `mapstructure:"log"`
	Database       DatabaseConfig       `mapstructure:"database"`
	Redis          RedisConfig          `mapstructure:"redis"`
	Ticket         TicketConfig         `mapstructure:"ticket"`
	Registry       RegistryConfig       `mapstructure:"registry"`
	Cleaner        CleanerConfig        `mapstructure:"cleaner"`
	Authentication AuthenticationConfig `mapstructure:"authentication"`
	MFA            MFAConfig            `mapstructure:"mfa"`
	JWT            JWTConfig            `mapstructure:"jwt"`
	Cookie         CookieConfig         `mapstructure:"cookie"`
}

// ServerConfig 服务器配置
type ServerConfig struct {
	Addr         string        `mapstructure:"addr"`
	Mode         string        `mapstructure:"mode"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// LogConfig 日志配置
type LogConfig struct {
	Level string `mapstructure:"level"`
}

// DatabaseConfig 数据库配置
type DatabaseConfig struct {
	Driver   string         `mapstructure:"driver"`
	LogLevel string         `mapstructure:"log_level"`
	Postgres PostgresConfig `mapstructure:"postgres"`
	MySQL    MySQLConfig    `mapstructure:"mysql"`
}

// PostgresConfig PostgreSQL 配置
type PostgresConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbname"`
	SSLMode  string `mapstructure:"sslmode"`
}

// MySQLConfig MySQL 配置
type MySQLConfig struct {
	Host      string `mapstructure:"host"`
	Port      int    `mapstructure:"port"`
	User      string `mapstructure:"user"`
	Password  string `mapstructure:"password"`
	DBName    string `mapstructure:"dbname"`
	Charset   string `mapstructure:"charset"`
	ParseTime bool   `mapstructure:"parse_time"`
	Loc       string `mapstructure:"loc"`
}

// RedisConfig Redis 配置
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// TicketConfig 票据配置
type TicketConfig struct {
	HostName                   string          `mapstructure:"host_name"`
	MaxLength                  int             `mapstructure:"max_length"` // 票据 ID 随机部分长度
	OnlyTrackMostRecentSession bool            `mapstructure:"only_track_most_recent_session"`
	TGT                        TGTPolicyConfig `mapstructure:"tgt"`
	ST                         UsePolicyConfig `mapstructure:"st"`
	PT                         UsePolicyConfig `mapstructure:"pt"`
	PGT                        PGTPolicyConfig `mapstructure:"pgt"`
	Throttle                   ThrottleConfig  `mapstructure:"throttle"`
}

// TGTPolicyConfig TGT 过期策略配置
// Policy 取值：default、timeout、hard、throttled、never、remember_me
type TGTPolicyConfig struct {
	Policy               string        `mapstructure:"policy"`
	MaxTimeToLive        time.Duration `mapstructure:"max_time_to_live"`
	TimeToKill           time.Duration `mapstructure:"time_to_kill"`
	RememberMeTimeToKill time.Duration `mapstructure:"remember_me_time_to_kill"`
}

// UsePolicyConfig 按次数 + 超时的过期策略配置（ST/PT）
type UsePolicyConfig struct {
	NumberOfUses int           `mapstructure:"number_of_uses"`
	TimeToKill   time.Duration `mapstructure:"time_to_kill"`
}

// PGTPolicyConfig PGT 过期策略配置
type PGTPolicyConfig struct {
	MaxTimeToLive time.Duration `mapstructure:"max_time_to_live"`
	TimeToKill    time.Duration `mapstructure:"time_to_kill"`
}

// ThrottleConfig 节流过期策略配置
type ThrottleConfig struct {
	TimeInBetweenUses time.Duration `mapstructure:"time_in_between_uses"`
	TimeToKill        time.Duration `mapstructure:"time_to_kill"`
}

// RegistryConfig 票据注册表配置
// Type 取值：memory、redis、gorm、leveldb、sqlite
type RegistryConfig struct {
	Type            string       `mapstructure:"type"`
	InitialCapacity int          `mapstructure:"initial_capacity"`
	KeyPrefix       string       `mapstructure:"key_prefix"`
	LevelDBPath     string       `mapstructure:"leveldb_path"`
	SQLitePath      string       `mapstructure:"sqlite_path"`
	Cipher          CipherConfig `mapstructure:"cipher"`
}

// CipherConfig 票据加密配置，Key 为 base64 编码的 32 字节密钥
type CipherConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Key     string `mapstructure:"key"`
}

// CleanerConfig 注册表清理任务配置
// Locking 取值：none、redis
type CleanerConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	StartDelay     time.Duration `mapstructure:"start_delay"`
	RepeatInterval time.Duration `mapstructure:"repeat_interval"`
	Locking        string        `mapstructure:"locking"`
	LockTimeout    time.Duration `mapstructure:"lock_timeout"`
}

// AuthenticationConfig 认证策略配置
// Policy 取值：any、all、required、not_prevented
type AuthenticationConfig struct {
	Policy          string            `mapstructure:"policy"`
	TryAll          bool              `mapstructure:"try_all"`
	RequiredHandler string            `mapstructure:"required_handler"`
	AcceptUsers     map[string]string `mapstructure:"accept_users"`
	PasswordHandler bool              `mapstructure:"password_handler"`
}

// MFAConfig 多因素认证配置
type MFAConfig struct {
	GlobalFailureMode string              `mapstructure:"global_failure_mode"`
	ContextAttribute  string              `mapstructure:"context_attribute"`
	Providers         []MFAProviderConfig `mapstructure:"providers"`
}

// MFAProviderConfig 多因素认证提供者配置
type MFAProviderConfig struct {
	ID          string `mapstructure:"id"`
	FailureMode string `mapstructure:"failure_mode"`
	Available   bool   `mapstructure:"available"`
	HealthURL   string `mapstructure:"health_url"`
}

// JWTConfig JWT 断言配置
// 配置 PrivateKeyPath 时使用 RS256，否则使用 Secret 做 HS256 签名
type JWTConfig struct {
	Issuer         string        `mapstructure:"issuer"`
	Expiry         time.Duration `mapstructure:"expiry"`
	Secret         string        `mapstructure:"secret"`
	PrivateKeyPath string        `mapstructure:"private_key_path"`
	KeyID          string        `mapstructure:"key_id"`
}

// CookieConfig 票据授予 Cookie（TGC）配置
type CookieConfig struct {
	Name   string        `mapstructure:"name"`
	Path   string        `mapstructure:"path"`
	Domain string        `mapstructure:"domain"`
	Secure bool          `mapstructure:"secure"`
	MaxAge time.Duration `mapstructure:"max_age"`
}

var (
	current *Config
	mu      sync.RWMutex

	envKeyReplacer = strings.NewReplacer(".", "_")
)

// Load 加载配置
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath("./configs")
	v.AddConfigPath(".")

	if err := v.ReadInConfig(); err != nil {
		// 配置文件不存在时使用默认值
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}
	return build(v)
}

// LoadFromFile 从指定文件加载配置
func LoadFromFile(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}
	return build(v)
}

// Get 获取最近一次加载的配置
func Get() *Config {
	mu.RLock()
	defer mu.RUnlock()
	return current
}

func build(v *viper.Viper) (*Config, error) {
	// 支持环境变量覆盖，例如 CAS_REGISTRY_TYPE
	v.SetEnvPrefix("cas")
	v.SetEnvKeyReplacer(envKeyReplacer)
	v.AutomaticEnv()

	setDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	mu.Lock()
	current = &cfg
	mu.Unlock()
	return &cfg, nil
}

// setDefaults 设置默认值
func setDefaults(v *viper.Viper) {
	// 服务器默认配置
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.mode", "debug")
	v.SetDefault("server.read_timeout", "10s")
	v.SetDefault("server.write_timeout", "10s")
	v.SetDefault("log.level", "info")

	// 数据库默认配置
	v.SetDefault("database.driver", "postgres")
	v.SetDefault("database.log_level", "warn")
	v.SetDefault("database.postgres.host", "localhost")
	v.SetDefault("database.postgres.port", 5432)
	v.SetDefault("database.postgres.user", "postgres")
	v.SetDefault("database.postgres.password", "")
	v.SetDefault("database.postgres.dbname", "cas")
	v.SetDefault("database.postgres.sslmode", "disable")

	// Redis 默认配置
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	// 票据默认配置
	v.SetDefault("ticket.host_name", "")
	v.SetDefault("ticket.max_length", 50)
	v.SetDefault("ticket.only_track_most_recent_session", true)
	v.SetDefault("ticket.tgt.policy", "default")
	v.SetDefault("ticket.tgt.max_time_to_live", "8h")
	v.SetDefault("ticket.tgt.time_to_kill", "2h")
	v.SetDefault("ticket.tgt.remember_me_time_to_kill", "336h")
	v.SetDefault("ticket.st.number_of_uses", 1)
	v.SetDefault("ticket.st.time_to_kill", "10s")
	v.SetDefault("ticket.pt.number_of_uses", 1)
	v.SetDefault("ticket.pt.time_to_kill", "10s")
	v.SetDefault("ticket.pgt.max_time_to_live", "8h")
	v.SetDefault("ticket.pgt.time_to_kill", "2h")
	v.SetDefault("ticket.throttle.time_in_between_uses", "5s")
	v.SetDefault("ticket.throttle.time_to_kill", "2h")

	// 注册表默认配置
	v.SetDefault("registry.type", "memory")
	v.SetDefault("registry.initial_capacity", 1000)
	v.SetDefault("registry.key_prefix", "cas:ticket:")
	v.SetDefault("registry.leveldb_path", "./data/tickets.ldb")
	v.SetDefault("registry.sqlite_path", "./data/tickets.db")
	v.SetDefault("registry.cipher.enabled", false)

	// 清理任务默认配置
	v.SetDefault("cleaner.enabled", true)
	v.SetDefault("cleaner.start_delay", "20s")
	v.SetDefault("cleaner.repeat_interval", "120s")
	v.SetDefault("cleaner.locking", "none")
	v.SetDefault("cleaner.lock_timeout", "60s")

	// 认证默认配置
	v.SetDefault("authentication.policy", "any")
	v.SetDefault("authentication.try_all", false)
	v.SetDefault("authentication.password_handler", false)

	// 多因素认证默认配置
	v.SetDefault("mfa.global_failure_mode", "closed")
	v.SetDefault("mfa.context_attribute", "authnContextClass")

	// JWT 默认配置
	v.SetDefault("jwt.issuer", "cas")
	v.SetDefault("jwt.expiry", "5m")
	v.SetDefault("jwt.key_id", "cas")

	// TGC 默认配置，MaxAge 为 0 表示会话 Cookie
	v.SetDefault("cookie.name", "TGC")
	v.SetDefault("cookie.path", "/cas")
	v.SetDefault("cookie.secure", true)
	v.SetDefault("cookie.max_age", "0s")
}
