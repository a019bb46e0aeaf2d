package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the application
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Log       LogConfig       `mapstructure:"log"`
	Mailbox   MailboxConfig   `mapstructure:"mailbox"`
	Gmail     GmailConfig     `mapstructure:"gmail"`
	Directory DirectoryConfig `mapstructure:"directory"`
	Dedup     DedupConfig     `mapstructure:"dedup"`
	Ingest    IngestConfig    `mapstructure:"ingest"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port         string        `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// DatabaseConfig holds database connection configuration
type DatabaseConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbname"`
}

// LogConfig holds logging configuration
type LogConfig struct {
	Level string `mapstructure:"level"`
}

// MailboxConfig holds mailbox listener configuration
type MailboxConfig struct {
	Provider       string        `mapstructure:"provider"` // imap or gmail
	Host           string        `mapstructure:"host"`
	Port           int           `mapstructure:"port"`
	Username       string        `mapstructure:"username"`
	Password       string        `mapstructure:"password"`
	Folder         string        `mapstructure:"folder"`
	WindowDays     int           `mapstructure:"window_days"`
	ReconnectDelay time.Duration `mapstructure:"reconnect_delay"`
	MaxReconnects  int           `mapstructure:"max_reconnects"`
	PollInterval   time.Duration `mapstructure:"poll_interval"`
	Autostart      bool          `mapstructure:"autostart"`
}

// GmailConfig holds Gmail API configuration for the gmail provider
type GmailConfig struct {
	ClientID     string `mapstructure:"client_id"`
	ClientSecret string `mapstructure:"client_secret"`
	RefreshToken string `mapstructure:"refresh_token"`
	UserEmail    string `mapstructure:"user_email"`
}

// DirectoryConfig holds user directory cache configuration
type DirectoryConfig struct {
	RefreshMinutes int `mapstructure:"refresh_minutes"`
}

// DedupConfig holds message dedup configuration
type DedupConfig struct {
	MaxEntries int `mapstructure:"max_entries"`
}

// IngestConfig holds ingestion pipeline configuration
type IngestConfig struct {
	FallbackEmail string `mapstructure:"fallback_email"`
}

// LoadConfig loads configuration from environment variables and config file
func LoadConfig() (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")

	setDefaults()

	// Read config file if it exists
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	// Environment variables override config file
	viper.AutomaticEnv()
	bindEnvVars()

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	return &config, nil
}

// setDefaults sets default configuration values
func setDefaults() {
	viper.SetDefault("server.port", "8080")
	viper.SetDefault("server.read_timeout", "30s")
	viper.SetDefault("server.write_timeout", "30s")

	viper.SetDefault("database.host", "localhost")
	viper.SetDefault("database.port", 3306)

	viper.SetDefault("log.level", "info")

	viper.SetDefault("mailbox.provider", "imap")
	viper.SetDefault("mailbox.port", 993)
	viper.SetDefault("mailbox.folder", "INBOX")
	viper.SetDefault("mailbox.window_days", 7)
	viper.SetDefault("mailbox.reconnect_delay", "30s")
	viper.SetDefault("mailbox.max_reconnects", 5)
	viper.SetDefault("mailbox.poll_interval", "60s")
	viper.SetDefault("mailbox.autostart", true)

	viper.SetDefault("directory.refresh_minutes", 15)
	viper.SetDefault("dedup.max_entries", 10000)
	viper.SetDefault("ingest.fallback_email", "ops@localhost")
}

// bindEnvVars binds environment variables to configuration keys
func bindEnvVars() {
	// Server
	viper.BindEnv("server.port", "SERVER_PORT")
	viper.BindEnv("server.read_timeout", "SERVER_READ_TIMEOUT")
	viper.BindEnv("server.write_timeout", "SERVER_WRITE_TIMEOUT")

	// Database
	viper.BindEnv("database.host", "DB_HOST")
	viper.BindEnv("database.port", "DB_PORT")
	viper.BindEnv("database.user", "DB_USER")
	viper.BindEnv("database.password", "DB_PASSWORD")
	viper.BindEnv("database.dbname", "DB_NAME")

	// Logging
	viper.BindEnv("log.level", "LOG_LEVEL")

	// Mailbox
	viper.BindEnv("mailbox.provider", "MAILBOX_PROVIDER")
	viper.BindEnv("mailbox.host", "MAILBOX_HOST")
	viper.BindEnv("mailbox.port", "MAILBOX_PORT")
	viper.BindEnv("mailbox.username", "MAILBOX_USERNAME")
	viper.BindEnv("mailbox.password", "MAILBOX_PASSWORD")
	viper.BindEnv("mailbox.folder", "MAILBOX_FOLDER")
	viper.BindEnv("mailbox.window_days", "MAILBOX_WINDOW_DAYS")
	viper.BindEnv("mailbox.reconnect_delay", "MAILBOX_RECONNECT_DELAY")
	viper.BindEnv("mailbox.max_reconnects", "MAILBOX_MAX_RECONNECTS")
	viper.BindEnv("mailbox.poll_interval", "MAILBOX_POLL_INTERVAL")
	viper.BindEnv("mailbox.autostart", "MAILBOX_AUTOSTART")

	// Gmail
	viper.BindEnv("gmail.client_id", "GMAIL_CLIENT_ID")
	viper.BindEnv("gmail.client_secret", "GMAIL_CLIENT_SECRET")
	viper.BindEnv("gmail.refresh_token", "GMAIL_REFRESH_TOKEN")
	viper.BindEnv("gmail.user_email", "GMAIL_USER_EMAIL")

	// Caches and pipeline
	viper.BindEnv("directory.refresh_minutes", "DIRECTORY_REFRESH_MINUTES")
	viper.BindEnv("dedup.max_entries", "DEDUP_MAX_ENTRIES")
	viper.BindEnv("ingest.fallback_email", "INGEST_FALLBACK_EMAIL")
}

// GetDSN returns the database connection string
func (c *DatabaseConfig) GetDSN() string {
	return fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?charset=utf8mb4&parseTime=True&loc=Local",
		c.User, c.Password, c.Host, c.Port, c.DBName)
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Server.Port == "" {
		return fmt.Errorf("server port is required")
	}

	if c.Database.Host == "" || c.Database.User == "" || c.Database.DBName == "" {
		return fmt.Errorf("database host, user, and dbname are required")
	}

	switch c.Mailbox.Provider {
	case "imap":
		if c.Mailbox.Host == "" || c.Mailbox.Username == "" || c.Mailbox.Password == "" {
			return fmt.Errorf("mailbox host, username, and password are required for the imap provider")
		}
	case "gmail":
		if c.Gmail.ClientID == "" || c.Gmail.ClientSecret == "" || c.Gmail.RefreshToken == "" {
			return fmt.Errorf("Gmail OAuth2 credentials are required for the gmail provider")
		}
		if c.Gmail.UserEmail == "" {
			return fmt.Errorf("gmail user_email is required for the gmail provider")
		}
	default:
		return fmt.Errorf("unknown mailbox provider %q", c.Mailbox.Provider)
	}

	if c.Mailbox.WindowDays <= 0 {
		return fmt.Errorf("mailbox window_days must be greater than 0")
	}
	if c.Mailbox.MaxReconnects <= 0 {
		return fmt.Errorf("mailbox max_reconnects must be greater than 0")
	}
	if c.Mailbox.ReconnectDelay <= 0 {
		return fmt.Errorf("mailbox reconnect_delay must be greater than 0")
	}
	if c.Dedup.MaxEntries <= 0 {
		return fmt.Errorf("dedup max_entries must be greater than 0")
	}
	if c.Ingest.FallbackEmail == "" {
		return fmt.Errorf("ingest fallback_email is required")
	}

	return nil
}
