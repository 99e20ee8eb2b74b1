package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

type Config struct {
	HTTP     HTTPConfig     `yaml:"http" toml:"http"`
	GRPC     GRPCConfig     `yaml:"grpc" toml:"grpc"`
	Relay    RelayConfig    `yaml:"relay" toml:"relay"`
	Database DatabaseConfig `yaml:"database" toml:"database"`
	RabbitMQ RabbitMQConfig `yaml:"rabbitmq" toml:"rabbitmq"`
	MinIO    MinIOConfig    `yaml:"minio" toml:"minio"`
	Jenkins  JenkinsConfig  `yaml:"jenkins" toml:"jenkins"`
	GitHub   GitHubConfig   `yaml:"github" toml:"github"`
	Log      LogConfig      `yaml:"log" toml:"log"`
}

type HTTPConfig struct {
	Addr string `yaml:"addr" toml:"addr"`
}

type GRPCConfig struct {
	Addr string `yaml:"addr" toml:"addr"` // empty disables the runner ingest
}

type RelayConfig struct {
	SendTimeout  time.Duration `yaml:"send_timeout" toml:"send_timeout"`
	PollInterval time.Duration `yaml:"poll_interval" toml:"poll_interval"`
	PollTimeout  time.Duration `yaml:"poll_timeout" toml:"poll_timeout"`
	MaxWait      time.Duration `yaml:"max_wait" toml:"max_wait"`
	PollConsole  bool          `yaml:"poll_console" toml:"poll_console"`
}

type DatabaseConfig struct {
	URL string `yaml:"url" toml:"url"`
}

type RabbitMQConfig struct {
	URL      string `yaml:"url" toml:"url"` // empty keeps fan-out in-process
	Exchange string `yaml:"exchange" toml:"exchange"`
}

type MinIOConfig struct {
	Endpoint  string `yaml:"endpoint" toml:"endpoint"` // empty disables log archiving
	AccessKey string `yaml:"access_key" toml:"access_key"`
	SecretKey string `yaml:"secret_key" toml:"secret_key"`
	Bucket    string `yaml:"bucket" toml:"bucket"`
	Secure    bool   `yaml:"secure" toml:"secure"`
}

type JenkinsConfig struct {
	URL     string `yaml:"url" toml:"url"`
	User    string `yaml:"user" toml:"user"`
	Token   string `yaml:"token" toml:"token"`
	JobName string `yaml:"job_name" toml:"job_name"`
}

type GitHubConfig struct {
	APIURL        string `yaml:"api_url" toml:"api_url"`
	WebhookSecret string `yaml:"webhook_secret" toml:"webhook_secret"`
}

type LogConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"` // text or json
}

func Default() *Config {
	return &Config{
		HTTP: HTTPConfig{Addr: ":8080"},
		GRPC: GRPCConfig{Addr: ":9090"},
		Relay: RelayConfig{
			SendTimeout:  10 * time.Second,
			PollInterval: 2 * time.Second,
			PollTimeout:  10 * time.Second,
			MaxWait:      5 * time.Minute,
			PollConsole:  true,
		},
		RabbitMQ: RabbitMQConfig{Exchange: "deploy.logs"},
		MinIO:    MinIOConfig{Bucket: "deploy-logs"},
		Jenkins:  JenkinsConfig{JobName: "yoitang-autodeploy"},
		GitHub:   GitHubConfig{APIURL: "https://api.github.com"},
		Log:      LogConfig{Level: "info", Format: "text"},
	}
}

// Load layers defaults, then the file at path (if any, .yaml/.yml or .toml),
// then environment overrides.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		switch strings.ToLower(filepath.Ext(path)) {
		case ".yaml", ".yml":
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("config: parse %s: %w", path, err)
			}
		case ".toml":
			if _, err := toml.Decode(string(data), cfg); err != nil {
				return nil, fmt.Errorf("config: parse %s: %w", path, err)
			}
		default:
			return nil, fmt.Errorf("config: unsupported file type %q", filepath.Ext(path))
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	c.HTTP.Addr = getEnv("HTTP_ADDR", c.HTTP.Addr)
	c.GRPC.Addr = getEnv("GRPC_ADDR", c.GRPC.Addr)
	c.Database.URL = getEnv("DATABASE_URL", c.Database.URL)
	c.RabbitMQ.URL = getEnv("RABBITMQ_URL", c.RabbitMQ.URL)
	c.RabbitMQ.Exchange = getEnv("RABBITMQ_EXCHANGE", c.RabbitMQ.Exchange)
	c.MinIO.Endpoint = getEnv("MINIO_ENDPOINT", c.MinIO.Endpoint)
	c.MinIO.AccessKey = getEnv("MINIO_ACCESS_KEY", c.MinIO.AccessKey)
	c.MinIO.SecretKey = getEnv("MINIO_SECRET_KEY", c.MinIO.SecretKey)
	c.MinIO.Bucket = getEnv("MINIO_BUCKET", c.MinIO.Bucket)
	c.Jenkins.URL = strings.TrimRight(getEnv("JENKINS_URL", c.Jenkins.URL), "/")
	c.Jenkins.User = getEnv("JENKINS_USER", c.Jenkins.User)
	c.Jenkins.Token = getEnv("JENKINS_TOKEN", c.Jenkins.Token)
	c.Jenkins.JobName = getEnv("JENKINS_JOB_NAME", c.Jenkins.JobName)
	c.GitHub.WebhookSecret = getEnv("GITHUB_WEBHOOK_SECRET", c.GitHub.WebhookSecret)
	c.Log.Level = getEnv("LOG_LEVEL", c.Log.Level)

	if v := os.Getenv("RELAY_SEND_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("config: RELAY_SEND_TIMEOUT: %w", err)
		}
		c.Relay.SendTimeout = d
	}
	if v := os.Getenv("RELAY_POLL_CONSOLE"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("config: RELAY_POLL_CONSOLE: %w", err)
		}
		c.Relay.PollConsole = b
	}
	return nil
}

func (c *Config) Validate() error {
	var errs []error
	if c.HTTP.Addr == "" {
		errs = append(errs, errors.New("http.addr is required"))
	}
	if c.Relay.PollInterval <= 0 {
		errs = append(errs, errors.New("relay.poll_interval must be positive"))
	}
	if c.Relay.PollTimeout <= 0 {
		errs = append(errs, errors.New("relay.poll_timeout must be positive"))
	}
	if c.Relay.MaxWait < c.Relay.PollInterval {
		errs = append(errs, errors.New("relay.max_wait must be at least relay.poll_interval"))
	}
	if c.MinIO.Endpoint != "" && c.MinIO.Bucket == "" {
		errs = append(errs, errors.New("minio.bucket is required when minio.endpoint is set"))
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format must be text or json, got %q", c.Log.Format))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}

// JenkinsEnabled reports whether enough Jenkins settings are present to
// trigger builds.
func (c *Config) JenkinsEnabled() bool {
	return c.Jenkins.URL != "" && c.Jenkins.User != "" && c.Jenkins.Token != ""
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
