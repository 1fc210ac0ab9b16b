package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// StorageMode define onde o tier secundário do auth store vive
type StorageMode string

const (
	// StorageFile desliga o backup relacional; só o tier de arquivos
	StorageFile StorageMode = "file"
	// StoragePostgres liga o backup assíncrono no Postgres
	StoragePostgres StorageMode = "postgres"
)

type Config struct {
	App struct {
		Env  string
		Port string
		Host string
	}

	Database struct {
		Host     string
		Port     string
		User     string
		Password string
		Name     string
		SSLMode  string
	}

	Auth struct {
		StorageMode StorageMode
		BaseDir     string
	}

	WhatsApp struct {
		DebugLevel    string
		ChannelJID    string
		Enable515Flow bool
		SendGap       time.Duration
	}

	Dispatch struct {
		Prefix          string
		PluginConfigDir string
		AutoReload      bool
	}

	Logging struct {
		Level          string
		Output         string
		ConsoleFormat  string
		FilePath       string
		FileMaxSize    int
		FileMaxBackups int
		FileMaxAge     int
		FileCompress   bool
		ConsoleColors  bool
	}

	RateLimit struct {
		Requests int
		Window   time.Duration
	}

	CORS struct {
		AllowedOrigins string
	}
}

func LoadConfig() (*Config, error) {
	// Carregar .env se existir
	_ = godotenv.Load()

	cfg := &Config{}

	// App
	cfg.App.Env = getEnv("APP_ENV", "development")
	cfg.App.Port = getEnv("APP_PORT", "8080")
	cfg.App.Host = getEnv("APP_HOST", "0.0.0.0")

	// Database
	cfg.Database.Host = getEnv("DB_HOST", "localhost")
	cfg.Database.Port = getEnv("DB_PORT", "5432")
	cfg.Database.User = getEnv("DB_USER", "nexusbot")
	cfg.Database.Password = getEnv("DB_PASSWORD", "nexusbot123")
	cfg.Database.Name = getEnv("DB_NAME", "nexusbot")
	cfg.Database.SSLMode = getEnv("DB_SSL_MODE", "disable")

	// Auth store
	mode := StorageMode(getEnv("STORAGE_MODE", string(StoragePostgres)))
	if mode != StorageFile && mode != StoragePostgres {
		mode = StoragePostgres
	}
	cfg.Auth.StorageMode = mode
	cfg.Auth.BaseDir = getEnv("AUTH_BASE_DIR", "data/auth")

	// WhatsApp
	cfg.WhatsApp.DebugLevel = getEnv("WA_DEBUG_LEVEL", "INFO")
	cfg.WhatsApp.ChannelJID = getEnv("WA_CHANNEL_JID", "")
	cfg.WhatsApp.Enable515Flow = getEnvAsBool("WA_ENABLE_515_FLOW", false)
	cfg.WhatsApp.SendGap = getEnvAsDuration("WA_SEND_GAP", 500*time.Millisecond)

	// Dispatch
	cfg.Dispatch.Prefix = getEnv("DISPATCH_PREFIX", "!")
	cfg.Dispatch.PluginConfigDir = getEnv("PLUGIN_CONFIG_DIR", "data/plugins")
	cfg.Dispatch.AutoReload = getEnvAsBool("PLUGIN_AUTO_RELOAD", true)

	// Logging
	cfg.Logging.Level = getEnv("LOG_LEVEL", "info")
	cfg.Logging.Output = getEnv("LOG_OUTPUT", "dual")
	cfg.Logging.ConsoleFormat = getEnv("LOG_CONSOLE_FORMAT", "console")
	cfg.Logging.FilePath = getEnv("LOG_FILE_PATH", "logs/nexusbot.log")
	cfg.Logging.FileMaxSize = getEnvAsInt("LOG_FILE_MAX_SIZE", 100)
	cfg.Logging.FileMaxBackups = getEnvAsInt("LOG_FILE_MAX_BACKUPS", 3)
	cfg.Logging.FileMaxAge = getEnvAsInt("LOG_FILE_MAX_AGE", 28)
	cfg.Logging.FileCompress = getEnvAsBool("LOG_FILE_COMPRESS", true)
	cfg.Logging.ConsoleColors = getEnvAsBool("LOG_CONSOLE_COLORS", true)

	// Rate Limit
	cfg.RateLimit.Requests = getEnvAsInt("RATE_LIMIT_REQUESTS", 100)
	cfg.RateLimit.Window = getEnvAsDuration("RATE_LIMIT_WINDOW", time.Minute)

	// CORS
	cfg.CORS.AllowedOrigins = getEnv("CORS_ALLOWED_ORIGINS", "*")

	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func (c *Config) GetDatabaseDSN() string {
	return "postgres://" + c.Database.User + ":" + c.Database.Password +
		"@" + c.Database.Host + ":" + c.Database.Port +
		"/" + c.Database.Name + "?sslmode=" + c.Database.SSLMode
}

// AllowedOrigins separa a lista de origens permitidas do CORS
func (c *Config) AllowedOrigins() []string {
	parts := strings.Split(c.CORS.AllowedOrigins, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

// Implementação da interface ConfigProvider do logger
func (c *Config) GetLogLevel() string         { return c.Logging.Level }
func (c *Config) GetLogOutput() string        { return c.Logging.Output }
func (c *Config) GetLogConsoleFormat() string { return c.Logging.ConsoleFormat }
func (c *Config) GetLogFilePath() string      { return c.Logging.FilePath }
func (c *Config) GetLogFileMaxSize() int      { return c.Logging.FileMaxSize }
func (c *Config) GetLogFileMaxBackups() int   { return c.Logging.FileMaxBackups }
func (c *Config) GetLogFileMaxAge() int       { return c.Logging.FileMaxAge }
func (c *Config) GetLogFileCompress() bool    { return c.Logging.FileCompress }
func (c *Config) GetLogConsoleColors() bool   { return c.Logging.ConsoleColors }
