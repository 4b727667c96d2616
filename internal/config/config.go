package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds the configuration for the application.
type Config struct {
	Environment   string `mapstructure:"environment"`
	DevModeBypass bool   `mapstructure:"dev_mode_bypass"`
	LogLevel      string `mapstructure:"log_level"`
	Store         string `mapstructure:"store"`
	HTTP          struct {
		Addr            string        `mapstructure:"addr"`
		ReadTimeout     time.Duration `mapstructure:"read_timeout"`
		WriteTimeout    time.Duration `mapstructure:"write_timeout"`
		IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
		ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	} `mapstructure:"http"`
	DB struct {
		Host     string `mapstructure:"host"`
		Port     int    `mapstructure:"port"`
		User     string `mapstructure:"user"`
		Password string `mapstructure:"password"`
		Name     string `mapstructure:"name"`
		SSLMode  string `mapstructure:"sslmode"`
		MaxConns int32  `mapstructure:"max_conns"`
	} `mapstructure:"db"`
	LLM struct {
		Provider    string        `mapstructure:"provider"`
		APIKey      string        `mapstructure:"api_key"`
		BaseURL     string        `mapstructure:"base_url"`
		Model       string        `mapstructure:"model"`
		MaxTokens   int           `mapstructure:"max_tokens"`
		Temperature float64       `mapstructure:"temperature"`
		MaxRetries  int           `mapstructure:"max_retries"`
		Timeout     time.Duration `mapstructure:"timeout"`
	} `mapstructure:"llm"`
	Embeddings struct {
		Provider   string `mapstructure:"provider"`
		Model      string `mapstructure:"model"`
		SidecarURL string `mapstructure:"sidecar_url"`
		BatchSize  int    `mapstructure:"batch_size"`
	} `mapstructure:"embeddings"`
	Workflow struct {
		RetryCount      int           `mapstructure:"retry_count"`
		StepTimeout     time.Duration `mapstructure:"step_timeout"`
		CriticThreshold float64       `mapstructure:"critic_threshold"`
		MaxRevisions    int           `mapstructure:"max_revisions"`
	} `mapstructure:"workflow"`
	Vault struct {
		ChunkSize         int   `mapstructure:"chunk_size"`
		ChunkOverlap      int   `mapstructure:"chunk_overlap"`
		MaxChunks         int   `mapstructure:"max_chunks"`
		ZeroMatchFallback bool  `mapstructure:"zero_match_fallback"`
		IngestConcurrency int   `mapstructure:"ingest_concurrency"`
		MaxUploadBytes    int64 `mapstructure:"max_upload_bytes"`
	} `mapstructure:"vault"`
	Blob struct {
		Dir string `mapstructure:"dir"`
	} `mapstructure:"blob"`
	NATS struct {
		URL           string `mapstructure:"url"`
		SubjectPrefix string `mapstructure:"subject_prefix"`
	} `mapstructure:"nats"`
	Auth struct {
		OktaDomain      string `mapstructure:"okta_domain"`
		ClientID        string `mapstructure:"client_id"`
		ClientSecret    string `mapstructure:"client_secret"`
		RedirectURL     string `mapstructure:"redirect_url"`
		SwaggerClientID string `mapstructure:"swagger_client_id"`
	} `mapstructure:"auth"`
	TLS struct {
		Enable    bool     `mapstructure:"enable"`
		CertFile  string   `mapstructure:"cert_file"`
		KeyFile   string   `mapstructure:"key_file"`
		Hostnames []string `mapstructure:"hostnames"`
	} `mapstructure:"tls"`
}

func setDefaults() {
	viper.SetDefault("environment", "DEV")
	viper.SetDefault("dev_mode_bypass", false)
	viper.SetDefault("log_level", "info")
	viper.SetDefault("store", "postgres")

	viper.SetDefault("http.addr", ":8080")
	viper.SetDefault("http.read_timeout", 15*time.Second)
	// run requests block until the step finishes
	viper.SetDefault("http.write_timeout", 5*time.Minute)
	viper.SetDefault("http.idle_timeout", 60*time.Second)
	viper.SetDefault("http.shutdown_timeout", 30*time.Second)

	viper.SetDefault("db.host", "localhost")
	viper.SetDefault("db.port", 5432)
	viper.SetDefault("db.user", "postgres")
	viper.SetDefault("db.password", "")
	viper.SetDefault("db.name", "consultflow")
	viper.SetDefault("db.sslmode", "disable")
	viper.SetDefault("db.max_conns", 10)

	viper.SetDefault("llm.provider", "openai")
	viper.SetDefault("llm.api_key", "")
	viper.SetDefault("llm.base_url", "")
	viper.SetDefault("llm.model", "gpt-5-nano")
	viper.SetDefault("llm.max_tokens", 8192)
	viper.SetDefault("llm.temperature", 0)
	viper.SetDefault("llm.max_retries", 2)
	viper.SetDefault("llm.timeout", 3*time.Minute)

	viper.SetDefault("embeddings.provider", "openai")
	viper.SetDefault("embeddings.model", "text-embedding-3-small")
	viper.SetDefault("embeddings.sidecar_url", "")
	viper.SetDefault("embeddings.batch_size", 64)

	viper.SetDefault("workflow.retry_count", 1)
	viper.SetDefault("workflow.step_timeout", 10*time.Minute)
	viper.SetDefault("workflow.critic_threshold", 4.0)
	viper.SetDefault("workflow.max_revisions", 2)

	viper.SetDefault("vault.chunk_size", 800)
	viper.SetDefault("vault.chunk_overlap", 100)
	viper.SetDefault("vault.max_chunks", 10)
	viper.SetDefault("vault.zero_match_fallback", true)
	viper.SetDefault("vault.ingest_concurrency", 4)
	viper.SetDefault("vault.max_upload_bytes", 25<<20)

	viper.SetDefault("blob.dir", "./data/vault")

	viper.SetDefault("nats.url", "")
	viper.SetDefault("nats.subject_prefix", "consultflow.steps")

	viper.SetDefault("auth.okta_domain", "")
	viper.SetDefault("auth.client_id", "")
	viper.SetDefault("auth.client_secret", "")
	viper.SetDefault("auth.redirect_url", "")
	viper.SetDefault("auth.swagger_client_id", "")

	viper.SetDefault("tls.enable", false)
	viper.SetDefault("tls.cert_file", "")
	viper.SetDefault("tls.key_file", "")
	viper.SetDefault("tls.hostnames", []string{"localhost"})
}

// LoadConfig loads the configuration from a file and the environment.
// When path is empty config.yaml is looked up in . and ./config; a missing
// file is not an error. Environment variables use the CONSULTFLOW_ prefix,
// e.g. CONSULTFLOW_LLM_API_KEY.
func LoadConfig(path string) (*Config, error) {
	setDefaults()

	if path != "" {
		viper.SetConfigFile(path)
	} else {
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(".")
		viper.AddConfigPath("./config")
	}
	viper.SetEnvPrefix("CONSULTFLOW")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	// normalize OKTA issuer url (strip trailing slash if any)
	config.Auth.OktaDomain = normalizeOktaIssuer(config.Auth.OktaDomain)

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

// Validate rejects settings the orchestrator cannot run with.
func (c *Config) Validate() error {
	switch c.Store {
	case "postgres", "memory":
	default:
		return fmt.Errorf("store must be postgres or memory, got %q", c.Store)
	}
	if c.Workflow.RetryCount < 0 {
		return fmt.Errorf("workflow.retry_count must not be negative")
	}
	if c.Workflow.MaxRevisions < 0 {
		return fmt.Errorf("workflow.max_revisions must not be negative")
	}
	if c.Workflow.CriticThreshold < 1 || c.Workflow.CriticThreshold > 5 {
		return fmt.Errorf("workflow.critic_threshold must be between 1 and 5")
	}
	if c.Vault.ChunkSize <= 0 || c.Vault.ChunkOverlap < 0 || c.Vault.ChunkOverlap >= c.Vault.ChunkSize {
		return fmt.Errorf("vault.chunk_overlap must be smaller than vault.chunk_size")
	}
	if c.Vault.MaxChunks <= 0 {
		return fmt.Errorf("vault.max_chunks must be positive")
	}
	return nil
}

// DSN returns the pgx connection string for the DB section.
func (c *Config) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.DB.Host, c.DB.Port, c.DB.User, c.DB.Password, c.DB.Name, c.DB.SSLMode,
	)
}

// normalizeOktaIssuer ensures the provided Okta issuer string is in a
// predictable form. It removes any trailing slash and leaves the scheme and
// path intact.
func normalizeOktaIssuer(input string) string {
	return strings.TrimRight(strings.TrimSpace(input), "/")
}
