package go_otdoa

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/samber/lo"
	"github.com/samber/oops"
	"gopkg.in/yaml.v3"
)

const defaultConfigFile = "/.otdoa.conf"

// Config holds every tunable of the transfer engine.
type Config struct {
	// Server endpoints
	DownloadHost    string `yaml:"download_host"`
	UploadURL       string `yaml:"upload_url"`
	HTTPSPort       int    `yaml:"https_port"`
	HTTPPort        int    `yaml:"http_port"`
	FirmwareVersion string `yaml:"firmware_version"`

	// Transport security
	DisableTLS  bool   `yaml:"disable_tls"`
	TLSCAFile   string `yaml:"tls_ca_file"`
	TLSInsecure bool   `yaml:"tls_insecure"`

	// Transfer behaviour
	DisableEncryption  bool    `yaml:"disable_encryption"`
	EncryptAtRest      bool    `yaml:"encrypt_at_rest"`
	Compress           bool    `yaml:"compress"`
	SkipConfigDownload bool    `yaml:"skip_config_download"`
	ConfigInterval     int     `yaml:"config_interval"`
	BlacklistTimeout   int     `yaml:"blacklist_timeout"`
	MaxAttempts        int     `yaml:"max_attempts"` // 0 retries without bound
	RequestsPerSecond  float64 `yaml:"requests_per_second"`

	// Receive polling
	RecvRetryInterval time.Duration `yaml:"recv_retry_interval"`
	RecvRetryLimit    int           `yaml:"recv_retry_limit"`

	// Storage
	StorageURL  string `yaml:"storage_url"`
	AlmanacPath string `yaml:"almanac_path"`
	ConfigPath  string `yaml:"config_path"`

	// Upload identity
	IMEI           string `yaml:"imei"`
	UploadPassword string `yaml:"upload_password"`
	VersionID      string `yaml:"version_id"`
}

// DefaultConfig returns the configuration used when no file is present.
func DefaultConfig() *Config {
	return &Config{
		DownloadHost:      DEFAULT_DOWNLOAD_HOST,
		UploadURL:         DEFAULT_UPLOAD_URL,
		HTTPSPort:         HTTPS_PORT,
		HTTPPort:          HTTP_PORT,
		FirmwareVersion:   DEFAULT_FIRMWARE_VERSION,
		Compress:          true,
		ConfigInterval:    DEFAULT_CONFIG_INTERVAL,
		BlacklistTimeout:  DEFAULT_BLACKLIST_TIMEOUT,
		RecvRetryInterval: DEFAULT_RECV_RETRY_INTERVAL,
		RecvRetryLimit:    DEFAULT_RECV_RETRY_LIMIT,
		StorageURL:        DEFAULT_STORAGE_URL,
		AlmanacPath:       DEFAULT_ALMANAC_PATH,
		ConfigPath:        DEFAULT_CONFIG_PATH,
		VersionID:         LIBRARY_VERSION,
	}
}

// LoadConfig reads path over the defaults. Files ending in .yaml or .yml are
// decoded as YAML; anything else is read as `otdoa.key=value;` properties.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, oops.In("config").With("path", path).Wrapf(err, "read config")
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, oops.In("config").With("path", path).Wrapf(err, "decode yaml")
		}
	default:
		if _, err := os.Stat(path); err != nil {
			return nil, oops.In("config").With("path", path).Wrapf(err, "stat config")
		}
		ParseConfig(path, func(name, value string) {
			if err := cfg.SetProperty(name, value); err != nil {
				Warning("config %s: %v", path, err)
			}
		})
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadDefaultConfig loads $OTDOA_HOME$GO_OTDOA_CONF, falling back to the
// defaults when the file does not exist.
func LoadDefaultConfig() (*Config, error) {
	conf := os.Getenv("GO_OTDOA_CONF")
	if len(conf) == 0 {
		conf = defaultConfigFile
	}
	path := os.Getenv("OTDOA_HOME") + conf
	Debug("Loading config file %s", path)
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return DefaultConfig(), nil
	}
	return LoadConfig(path)
}

// SetProperty applies a single `otdoa.*` property. Unknown names are an error.
func (c *Config) SetProperty(name, value string) error {
	switch name {
	case "otdoa.host":
		c.DownloadHost = value
	case "otdoa.upload.url":
		c.UploadURL = value
	case "otdoa.https.port":
		c.HTTPSPort = parseIntWithDefault(value, c.HTTPSPort)
	case "otdoa.http.port":
		c.HTTPPort = parseIntWithDefault(value, c.HTTPPort)
	case "otdoa.firmware":
		c.FirmwareVersion = value
	case "otdoa.tls.disable":
		c.DisableTLS = parseBool(value, c.DisableTLS)
	case "otdoa.tls.caFile":
		c.TLSCAFile = value
	case "otdoa.tls.insecure":
		c.TLSInsecure = parseBool(value, c.TLSInsecure)
	case "otdoa.encryption.disable":
		c.DisableEncryption = parseBool(value, c.DisableEncryption)
	case "otdoa.encryption.atRest":
		c.EncryptAtRest = parseBool(value, c.EncryptAtRest)
	case "otdoa.compress":
		c.Compress = parseBool(value, c.Compress)
	case "otdoa.config.skip":
		c.SkipConfigDownload = parseBool(value, c.SkipConfigDownload)
	case "otdoa.config.interval":
		c.ConfigInterval = parseIntWithDefault(value, c.ConfigInterval)
	case "otdoa.blacklist.timeout":
		c.BlacklistTimeout = parseIntWithDefault(value, c.BlacklistTimeout)
	case "otdoa.attempts.max":
		c.MaxAttempts = parseIntWithDefault(value, c.MaxAttempts)
	case "otdoa.rate":
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return oops.In("config").With("property", name).Wrapf(err, "parse rate")
		}
		c.RequestsPerSecond = f
	case "otdoa.recv.interval":
		d, err := time.ParseDuration(value)
		if err != nil {
			return oops.In("config").With("property", name).Wrapf(err, "parse interval")
		}
		c.RecvRetryInterval = d
	case "otdoa.recv.limit":
		c.RecvRetryLimit = parseIntWithDefault(value, c.RecvRetryLimit)
	case "otdoa.storage.url":
		c.StorageURL = value
	case "otdoa.storage.almanac":
		c.AlmanacPath = value
	case "otdoa.storage.config":
		c.ConfigPath = value
	case "otdoa.imei":
		c.IMEI = value
	case "otdoa.upload.password":
		c.UploadPassword = value
	case "otdoa.version":
		c.VersionID = value
	default:
		return fmt.Errorf("%w: unknown property %q", ErrInvalidConfiguration, name)
	}
	return nil
}

// Validate checks ranges and required fields.
func (c *Config) Validate() error {
	problems := lo.Compact([]string{
		lo.Ternary(c.DownloadHost == "", "download_host is empty", ""),
		lo.Ternary(len(c.DownloadHost) > URL_MAX_LEN, "download_host longer than 32", ""),
		lo.Ternary(len(c.UploadURL) > URL_MAX_LEN, "upload_url longer than 32", ""),
		lo.Ternary(c.HTTPSPort <= 0 || c.HTTPSPort > 65535, "https_port out of range", ""),
		lo.Ternary(c.HTTPPort <= 0 || c.HTTPPort > 65535, "http_port out of range", ""),
		lo.Ternary(c.ConfigInterval <= 0, "config_interval must be positive", ""),
		lo.Ternary(c.BlacklistTimeout <= 0, "blacklist_timeout must be positive", ""),
		lo.Ternary(c.MaxAttempts < 0, "max_attempts must not be negative", ""),
		lo.Ternary(c.RequestsPerSecond < 0, "requests_per_second must not be negative", ""),
		lo.Ternary(c.RecvRetryInterval <= 0, "recv_retry_interval must be positive", ""),
		lo.Ternary(c.RecvRetryLimit <= 0, "recv_retry_limit must be positive", ""),
		lo.Ternary(c.AlmanacPath == "", "almanac_path is empty", ""),
		lo.Ternary(c.ConfigPath == "", "config_path is empty", ""),
	})
	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidConfiguration, strings.Join(problems, "; "))
	}
	return nil
}
