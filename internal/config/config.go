package config

import (
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/nimbusworks/taskpipe/internal/logging"
)

type ServerConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	GracefulTimeout time.Duration `yaml:"graceful_timeout"`
}

func (s ServerConfig) Address() string { return s.Host + ":" + strconv.FormatInt(int64(s.Port), 10) }

type MySQLConfig struct {
	DSN            string `yaml:"dsn"`
	MaxOpenConns   int    `yaml:"max_open_conns"`
	MaxIdleConns   int    `yaml:"max_idle_conns"`
	ConnMaxLifeSec int    `yaml:"conn_max_lifetime"`
}

type RedisConfig struct {
	Addresses    []string      `yaml:"addresses"`
	Username     string        `yaml:"username"`
	Password     string        `yaml:"password"`
	DB           int           `yaml:"db"`
	PoolSize     int           `yaml:"pool_size"`
	DialTimeout  time.Duration `yaml:"dial_timeout"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

type QueueConfig struct {
	// KeyPrefix namespaces every redis key the queue touches.
	KeyPrefix string `yaml:"key_prefix"`
	// VisibilityTimeout bounds how long a dequeued message may stay
	// unacknowledged before the reaper requeues it.
	VisibilityTimeout time.Duration `yaml:"visibility_timeout"`
	// ReapInterval is the promotion/requeue poll period.
	ReapInterval time.Duration `yaml:"reap_interval"`
}

type PipelineConfig struct {
	WorkerPoolSize int           `yaml:"worker_pool_size"`
	StepTimeout    time.Duration `yaml:"step_timeout"`
	MaxAttempts    int           `yaml:"max_attempts"`
	BackoffBase    time.Duration `yaml:"backoff_base"`
	BackoffCap     time.Duration `yaml:"backoff_cap"`
	LeaseTTL       time.Duration `yaml:"lease_ttl"`
}

type GitHubConfig struct {
	// Token empty means repo hosting steps are skipped and the pipeline
	// succeeds with a null artifact result.
	Token    string `yaml:"token"`
	Owner    string `yaml:"owner"`
	APIBase  string `yaml:"api_base"`
	PagesTLD string `yaml:"pages_tld"`
}

type EvaluatorConfig struct {
	RequestTimeout time.Duration `yaml:"request_timeout"`
	RetryMaxWait   time.Duration `yaml:"retry_max_wait"`
}

type IntakeConfig struct {
	// ExpectedSecret is injected here rather than read from ambient state;
	// intake rejects requests whose secret does not match.
	ExpectedSecret string `yaml:"expected_secret"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
	Path    string `yaml:"path"`
}

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	MySQL     MySQLConfig     `yaml:"mysql"`
	Redis     RedisConfig     `yaml:"redis"`
	Queue     QueueConfig     `yaml:"queue"`
	Pipeline  PipelineConfig  `yaml:"pipeline"`
	GitHub    GitHubConfig    `yaml:"github"`
	Evaluator EvaluatorConfig `yaml:"evaluator"`
	Intake    IntakeConfig    `yaml:"intake"`
	Logging   logging.Config  `yaml:"logging"`
	Metrics   MetricsConfig   `yaml:"metrics"`
}

func Load(path string) (*Config, error) {
	cfg := defaultConfig()
	if b, err := os.ReadFile(path); err == nil {
		if err := yaml.Unmarshal(b, cfg); err != nil {
			return nil, err
		}
	}
	// env overrides apply with or without a config file; credentials usually
	// arrive through the environment in file-less deployments
	if v := os.Getenv("TASKPIPE_EXPECTED_SECRET"); v != "" {
		cfg.Intake.ExpectedSecret = v
	}
	if v := os.Getenv("TASKPIPE_GITHUB_TOKEN"); v != "" {
		cfg.GitHub.Token = v
	}
	return cfg, nil
}

func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{Host: "0.0.0.0", Port: 8080, GracefulTimeout: 10 * time.Second},
		MySQL:  MySQLConfig{DSN: "root:root@tcp(127.0.0.1:3306)/taskpipe?parseTime=true&loc=Local", MaxOpenConns: 50, MaxIdleConns: 10, ConnMaxLifeSec: 300},
		Redis: RedisConfig{
			Addresses:    []string{"127.0.0.1:6379"},
			PoolSize:     16,
			DialTimeout:  5 * time.Second,
			ReadTimeout:  3 * time.Second,
			WriteTimeout: 3 * time.Second,
		},
		Queue: QueueConfig{
			KeyPrefix:         "taskpipe",
			VisibilityTimeout: 5 * time.Minute,
			ReapInterval:      time.Second,
		},
		Pipeline: PipelineConfig{
			WorkerPoolSize: 8,
			StepTimeout:    30 * time.Second,
			MaxAttempts:    6,
			BackoffBase:    2 * time.Second,
			BackoffCap:     2 * time.Minute,
			LeaseTTL:       5 * time.Minute,
		},
		GitHub: GitHubConfig{
			APIBase:  "https://api.github.com",
			PagesTLD: "github.io",
		},
		Evaluator: EvaluatorConfig{
			RequestTimeout: 10 * time.Second,
			RetryMaxWait:   16 * time.Second,
		},
		Logging: logging.Config{Level: "INFO", Format: "console", Output: "stdout"},
		Metrics: MetricsConfig{Enabled: true, Address: ":9091", Path: "/metrics"},
	}
}
