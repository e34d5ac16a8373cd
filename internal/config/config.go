// File: internal/config/config.go
package config

import (
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/viper"

	"github.com/smartdevs17/eas-logbook/internal/models"
)

// Config holds all configuration for the application
type Config struct {
	App           AppConfig                `mapstructure:"app"`
	ActiveNetwork uint64                   `mapstructure:"active_network"`
	Networks      map[string]NetworkConfig `mapstructure:"networks"`
	Wallet        WalletConfig             `mapstructure:"wallet"`
	Upload        UploadConfig             `mapstructure:"upload"`
	Storage       StorageConfig            `mapstructure:"storage"`
	Notifications NotificationConfig       `mapstructure:"notifications"`
	Server        ServerConfig             `mapstructure:"server"`
	Logging       LoggingConfig            `mapstructure:"logging"`
	Telemetry     TelemetryConfig          `mapstructure:"telemetry"`
	Watcher       WatcherConfig            `mapstructure:"watcher"`
}

// AppConfig contains application-level configuration
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Version     string `mapstructure:"version"`
	Environment string `mapstructure:"environment"`
	Debug       bool   `mapstructure:"debug"`
}

// NetworkConfig describes one chain the logbook can attest on
type NetworkConfig struct {
	Name            string        `mapstructure:"name"`
	RPCURL          string        `mapstructure:"rpc_url"`
	BackupRPCURLs   []string      `mapstructure:"backup_rpc_urls"`
	IndexerURL      string        `mapstructure:"indexer_url"`
	ContractAddress string        `mapstructure:"contract_address"`
	SchemaUID       string        `mapstructure:"schema_uid"`
	SchemaString    string        `mapstructure:"schema_string"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout"`
	RetryAttempts   int           `mapstructure:"retry_attempts"`
	RetryDelay      time.Duration `mapstructure:"retry_delay"`
	PollInterval    time.Duration `mapstructure:"poll_interval"`
}

// WalletConfig contains the signer used for attestations
type WalletConfig struct {
	PrivateKey string `mapstructure:"private_key"`
	Recipient  string `mapstructure:"recipient"`
	Revocable  bool   `mapstructure:"revocable"`
}

// UploadConfig contains media upload configuration
type UploadConfig struct {
	Backend      string        `mapstructure:"backend"` // pinata, s3
	MaxFileSize  int64         `mapstructure:"max_file_size"`
	AllowedTypes []string      `mapstructure:"allowed_types"`
	Timeout      time.Duration `mapstructure:"timeout"`
	Pinata       PinataConfig  `mapstructure:"pinata"`
	S3           S3Config      `mapstructure:"s3"`
}

// PinataConfig contains Pinata pinning service settings
type PinataConfig struct {
	APIURL     string `mapstructure:"api_url"`
	JWT        string `mapstructure:"jwt"`
	GatewayURL string `mapstructure:"gateway_url"`
}

// S3Config contains S3-compatible object storage settings
type S3Config struct {
	Endpoint   string `mapstructure:"endpoint"`
	Region     string `mapstructure:"region"`
	Bucket     string `mapstructure:"bucket"`
	AccessKey  string `mapstructure:"access_key"`
	SecretKey  string `mapstructure:"secret_key"`
	PublicBase string `mapstructure:"public_base"`
}

// StorageConfig contains database configuration
type StorageConfig struct {
	Type             string        `mapstructure:"type"` // sqlite, postgres
	ConnectionString string        `mapstructure:"connection_string"`
	MaxConnections   int           `mapstructure:"max_connections"`
	MaxIdleTime      time.Duration `mapstructure:"max_idle_time"`
}

// NotificationConfig contains notification fan-out configuration
type NotificationConfig struct {
	Enabled       bool          `mapstructure:"enabled"`
	Webhooks      []string      `mapstructure:"webhooks"`
	NATSURL       string        `mapstructure:"nats_url"`
	NATSSubject   string        `mapstructure:"nats_subject"`
	Timeout       time.Duration `mapstructure:"timeout"`
	RetryAttempts int           `mapstructure:"retry_attempts"`
	RetryDelay    time.Duration `mapstructure:"retry_delay"`
}

// ServerConfig contains HTTP server configuration
type ServerConfig struct {
	Port          int           `mapstructure:"port"`
	Host          string        `mapstructure:"host"`
	ReadTimeout   time.Duration `mapstructure:"read_timeout"`
	WriteTimeout  time.Duration `mapstructure:"write_timeout"`
	EnableMetrics bool          `mapstructure:"enable_metrics"`
	EnableHealth  bool          `mapstructure:"enable_health"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // json, text
	Output string `mapstructure:"output"` // stdout, file
	File   string `mapstructure:"file"`
}

// TelemetryConfig contains tracing configuration
type TelemetryConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	ServiceName string `mapstructure:"service_name"`
}

// WatcherConfig controls journaling of Attested logs of the schema
type WatcherConfig struct {
	Enabled       bool          `mapstructure:"enabled"`
	PollInterval  time.Duration `mapstructure:"poll_interval"`
	BatchSize     uint64        `mapstructure:"batch_size"`
	Confirmations uint64        `mapstructure:"confirmations"`
	StartBlock    uint64        `mapstructure:"start_block"`
	Lookback      uint64        `mapstructure:"lookback"`
}

// SepoliaChainID is the default network
const SepoliaChainID = 11155111

// Load loads configuration from file and environment variables
func Load(configPath string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
	}

	v.SetEnvPrefix("LOGBOOK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			fmt.Println("Config file not found, using defaults and environment variables")
		} else {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	// Secrets usually come from the environment
	if key := os.Getenv("LOGBOOK_PRIVATE_KEY"); key != "" {
		config.Wallet.PrivateKey = key
	}
	if jwt := os.Getenv("PINATA_JWT"); jwt != "" {
		config.Upload.Pinata.JWT = jwt
	}
	if dbURL := os.Getenv("DATABASE_URL"); dbURL != "" {
		config.Storage.ConnectionString = dbURL
	}

	config.applyNetworkDefaults()
	return &config, nil
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "eas-logbook")
	v.SetDefault("app.version", "1.0.0")
	v.SetDefault("app.environment", "development")
	v.SetDefault("app.debug", false)

	v.SetDefault("active_network", SepoliaChainID)
	v.SetDefault("networks", map[string]interface{}{
		strconv.Itoa(SepoliaChainID): map[string]interface{}{
			"name":             "sepolia",
			"rpc_url":          "https://ethereum-sepolia-rpc.publicnode.com",
			"indexer_url":      "https://sepolia.easscan.org/graphql",
			"contract_address": "0xC2679fBD37d54388Ce493F1DB75320D236e1815e",
			"schema_uid":       "0x6e0109ece55132d0ee54ae63837b21f666fc3d44c55659fd8030f6c1825c8966",
			"schema_string":    models.DefaultSchemaString,
		},
	})

	v.SetDefault("wallet.revocable", true)

	v.SetDefault("upload.backend", "pinata")
	v.SetDefault("upload.max_file_size", 10*1024*1024)
	v.SetDefault("upload.allowed_types", []string{"image/jpeg", "image/png", "image/gif"})
	v.SetDefault("upload.timeout", "30s")
	v.SetDefault("upload.pinata.api_url", "https://api.pinata.cloud")
	v.SetDefault("upload.pinata.gateway_url", "https://gateway.pinata.cloud")
	v.SetDefault("upload.s3.region", "us-east-1")

	v.SetDefault("storage.type", "sqlite")
	v.SetDefault("storage.connection_string", "./data/logbook.db")
	v.SetDefault("storage.max_connections", 10)
	v.SetDefault("storage.max_idle_time", "15m")

	v.SetDefault("notifications.enabled", false)
	v.SetDefault("notifications.nats_subject", "logbook.attestations.recorded")
	v.SetDefault("notifications.timeout", "10s")
	v.SetDefault("notifications.retry_attempts", 3)
	v.SetDefault("notifications.retry_delay", "2s")

	v.SetDefault("server.port", 8081)
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.read_timeout", "45s")
	v.SetDefault("server.write_timeout", "10m")
	v.SetDefault("server.enable_metrics", true)
	v.SetDefault("server.enable_health", true)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output", "stdout")

	v.SetDefault("watcher.enabled", false)
	v.SetDefault("watcher.poll_interval", "15s")
	v.SetDefault("watcher.batch_size", 500)
	v.SetDefault("watcher.confirmations", 2)
	v.SetDefault("watcher.lookback", 5000)

	v.SetDefault("telemetry.enabled", false)
	v.SetDefault("telemetry.service_name", "eas-logbook")
}

// applyNetworkDefaults fills per-network fields left empty in the file
func (c *Config) applyNetworkDefaults() {
	for id, n := range c.Networks {
		if n.SchemaString == "" {
			n.SchemaString = models.DefaultSchemaString
		}
		if n.RequestTimeout <= 0 {
			n.RequestTimeout = 30 * time.Second
		}
		if n.RetryAttempts <= 0 {
			n.RetryAttempts = 3
		}
		if n.RetryDelay <= 0 {
			n.RetryDelay = 5 * time.Second
		}
		if n.PollInterval <= 0 {
			n.PollInterval = 4 * time.Second
		}
		c.Networks[id] = n
	}
}

// Network resolves the configuration of the given chain id
func (c *Config) Network(id uint64) (NetworkConfig, error) {
	n, ok := c.Networks[strconv.FormatUint(id, 10)]
	if !ok {
		return NetworkConfig{}, fmt.Errorf("network %d is not configured", id)
	}
	return n, nil
}

// NetworkIDs returns the configured chain ids in ascending order
func (c *Config) NetworkIDs() []uint64 {
	ids := make([]uint64, 0, len(c.Networks))
	for key := range c.Networks {
		id, err := strconv.ParseUint(key, 10, 64)
		if err != nil {
			continue
		}
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if len(c.Networks) == 0 {
		return fmt.Errorf("at least one network must be configured")
	}
	if _, err := c.Network(c.ActiveNetwork); err != nil {
		return fmt.Errorf("active network: %w", err)
	}
	for key, n := range c.Networks {
		if _, err := strconv.ParseUint(key, 10, 64); err != nil {
			return fmt.Errorf("network key %q is not a chain id", key)
		}
		if n.RPCURL == "" {
			return fmt.Errorf("network %s: rpc_url is required", key)
		}
		if !common.IsHexAddress(n.ContractAddress) {
			return fmt.Errorf("network %s: invalid contract_address %q", key, n.ContractAddress)
		}
		if len(strings.TrimPrefix(n.SchemaUID, "0x")) != 64 {
			return fmt.Errorf("network %s: schema_uid must be 32 bytes hex", key)
		}
	}
	if c.Upload.MaxFileSize <= 0 {
		return fmt.Errorf("upload max_file_size must be positive")
	}
	if c.Storage.ConnectionString == "" {
		return fmt.Errorf("storage connection string is required")
	}
	return nil
}
