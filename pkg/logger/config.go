package logger

import (
	"os"
	"strconv"
	"strings"
)

// LogConfig configuração para o logger
type LogConfig struct {
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

// DefaultConfig retorna configuração padrão
func DefaultConfig() *LogConfig {
	return &LogConfig{
		Level:          "info",
		Output:         "dual",
		ConsoleFormat:  "console",
		FilePath:       "logs/nexusbot.log",
		FileMaxSize:    100,
		FileMaxBackups: 3,
		FileMaxAge:     28,
		FileCompress:   true,
		ConsoleColors:  true,
	}
}

// LoadFromEnv carrega configuração das variáveis de ambiente
func LoadFromEnv() *LogConfig {
	config := DefaultConfig()

	if val := os.Getenv("LOG_LEVEL"); val != "" {
		config.Level = val
	}
	if val := os.Getenv("LOG_OUTPUT"); val != "" {
		config.Output = val
	}
	if val := os.Getenv("LOG_CONSOLE_FORMAT"); val != "" {
		config.ConsoleFormat = val
	}
	if val := os.Getenv("LOG_FILE_PATH"); val != "" {
		config.FilePath = val
	}
	if val := os.Getenv("LOG_FILE_MAX_SIZE"); val != "" {
		if size, err := strconv.Atoi(val); err == nil {
			config.FileMaxSize = size
		}
	}
	if val := os.Getenv("LOG_FILE_MAX_BACKUPS"); val != "" {
		if backups, err := strconv.Atoi(val); err == nil {
			config.FileMaxBackups = backups
		}
	}
	if val := os.Getenv("LOG_FILE_MAX_AGE"); val != "" {
		if age, err := strconv.Atoi(val); err == nil {
			config.FileMaxAge = age
		}
	}
	if val := os.Getenv("LOG_FILE_COMPRESS"); val != "" {
		config.FileCompress = strings.ToLower(val) == "true"
	}
	if val := os.Getenv("LOG_CONSOLE_COLORS"); val != "" {
		config.ConsoleColors = strings.ToLower(val) == "true"
	}

	return config
}

// Implementação da interface ConfigProvider
func (c *LogConfig) GetLogLevel() string         { return c.Level }
func (c *LogConfig) GetLogOutput() string        { return c.Output }
func (c *LogConfig) GetLogConsoleFormat() string { return c.ConsoleFormat }
func (c *LogConfig) GetLogFilePath() string      { return c.FilePath }
func (c *LogConfig) GetLogFileMaxSize() int      { return c.FileMaxSize }
func (c *LogConfig) GetLogFileMaxBackups() int   { return c.FileMaxBackups }
func (c *LogConfig) GetLogFileMaxAge() int       { return c.FileMaxAge }
func (c *LogConfig) GetLogFileCompress() bool    { return c.FileCompress }
func (c *LogConfig) GetLogConsoleColors() bool   { return c.ConsoleColors }

// SetupFromEnv configura logger a partir das variáveis de ambiente
func SetupFromEnv() Logger {
	return Setup(LoadFromEnv())
}
