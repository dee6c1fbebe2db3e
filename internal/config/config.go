package config

import (
	"fmt"
	"net/url"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

// Config captures the runtime configuration for the generator service.
type Config struct {
	Server        ServerConfig        `mapstructure:"server"`
	OpenAI        OpenAIConfig        `mapstructure:"openai"`
	MusicGen      MusicGenConfig      `mapstructure:"musicgen"`
	Redis         RedisConfig         `mapstructure:"redis"`
	Database      DatabaseConfig      `mapstructure:"database"`
	Storage       StorageConfig       `mapstructure:"storage"`
	Clips         ClipsConfig         `mapstructure:"clips"`
	Sessions      SessionsConfig      `mapstructure:"sessions"`
	RateLimits    RateLimitConfig     `mapstructure:"rate_limits"`
	Observability ObservabilityConfig `mapstructure:"observability"`
	Health        HealthConfig        `mapstructure:"health"`
	Guardrails    GuardrailsConfig    `mapstructure:"guardrails"`
}

type ServerConfig struct {
	ListenAddr            string        `mapstructure:"listen_addr"`
	BodyLimitMB           int           `mapstructure:"body_limit_mb"`
	ReadTimeout           time.Duration `mapstructure:"read_timeout"`
	WriteTimeout          time.Duration `mapstructure:"write_timeout"`
	IdleTimeout           time.Duration `mapstructure:"idle_timeout"`
	GracefulShutdownDelay time.Duration `mapstructure:"graceful_shutdown_delay"`
	TrustProxyHeaders     bool          `mapstructure:"trust_proxy_headers"`
	IdempotencyTTL        time.Duration `mapstructure:"idempotency_ttl"`
}

type OpenAIConfig struct {
	// APIKey probes upstream health. Completions use it only when
	// AllowServerKey is set and the JSON caller opts in.
	APIKey         string        `mapstructure:"api_key"`
	AllowServerKey bool          `mapstructure:"allow_server_key"`
	BaseURL        string        `mapstructure:"base_url"`
	Organization   string        `mapstructure:"organization"`
	Models         []string      `mapstructure:"models"`
	PromptTemplate string        `mapstructure:"prompt_template"`
	Temperature    *float64      `mapstructure:"temperature"`
	MaxTokens      int           `mapstructure:"max_tokens"`
	Timeout        time.Duration `mapstructure:"timeout"`
}

// DefaultModel returns the first configured chat model.
func (o OpenAIConfig) DefaultModel() string {
	if len(o.Models) == 0 {
		return ""
	}
	return o.Models[0]
}

// IsModelAllowed reports whether model is in the configured list.
func (o OpenAIConfig) IsModelAllowed(model string) bool {
	for _, m := range o.Models {
		if m == model {
			return true
		}
	}
	return false
}

type MusicGenConfig struct {
	Endpoint     string        `mapstructure:"endpoint"`
	Token        string        `mapstructure:"token"`
	MaxNewTokens int           `mapstructure:"max_new_tokens"`
	WaitForModel bool          `mapstructure:"wait_for_model"`
	Timeout      time.Duration `mapstructure:"timeout"`
	MaxAudioMB   int           `mapstructure:"max_audio_mb"`
}

type RedisConfig struct {
	URL      string `mapstructure:"url"`
	DB       int    `mapstructure:"db"`
	PoolSize int    `mapstructure:"pool_size"`
}

type DatabaseConfig struct {
	URL             string        `mapstructure:"url"`
	RunMigrations   bool          `mapstructure:"run_migrations"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnIdleTime time.Duration `mapstructure:"max_conn_idle_time"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
}

// Enabled reports whether generation history should be persisted.
func (d DatabaseConfig) Enabled() bool {
	return strings.TrimSpace(d.URL) != ""
}

type StorageConfig struct {
	Backend       string             `mapstructure:"backend"`
	EncryptionKey string             `mapstructure:"encryption_key"`
	S3            StorageS3Config    `mapstructure:"s3"`
	Local         StorageLocalConfig `mapstructure:"local"`
}

type StorageS3Config struct {
	Bucket          string `mapstructure:"bucket"`
	Prefix          string `mapstructure:"prefix"`
	Region          string `mapstructure:"region"`
	Endpoint        string `mapstructure:"endpoint"`
	UsePathStyle    bool   `mapstructure:"use_path_style"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
}

type StorageLocalConfig struct {
	Directory string `mapstructure:"directory"`
}

type ClipsConfig struct {
	TTL            time.Duration `mapstructure:"ttl"`
	SweepInterval  time.Duration `mapstructure:"sweep_interval"`
	SweepBatchSize int           `mapstructure:"sweep_batch_size"`
}

type SessionsConfig struct {
	CookieName   string        `mapstructure:"cookie_name"`
	TTL          time.Duration `mapstructure:"ttl"`
	SecureCookie bool          `mapstructure:"secure_cookie"`
}

type RateLimitConfig struct {
	RequestsPerMinute int `mapstructure:"requests_per_minute"`
	ParallelRequests  int `mapstructure:"parallel_requests"`
}

type ObservabilityConfig struct {
	OTLPEndpoint  string `mapstructure:"otlp_endpoint"`
	EnableOTLP    bool   `mapstructure:"enable_otlp"`
	EnableMetrics bool   `mapstructure:"enable_metrics"`
}

type GuardrailsConfig struct {
	Enabled                    bool     `mapstructure:"enabled"`
	BlockedPromptKeywords      []string `mapstructure:"blocked_prompt_keywords"`
	BlockedDescriptionKeywords []string `mapstructure:"blocked_description_keywords"`
}

type HealthConfig struct {
	CheckInterval time.Duration `mapstructure:"check_interval"`
	Timeout       time.Duration `mapstructure:"timeout"`
}

// Options controls the config loader behavior.
type Options struct {
	ConfigFile string
	EnvFile    string
}

// Load returns the merged configuration sourced from YAML and environment variables.
func Load(opts Options) (*Config, error) {
	if opts.EnvFile != "" {
		_ = godotenv.Load(opts.EnvFile)
	} else {
		_ = godotenv.Load()
	}

	v := viper.New()
	setDefaults(v)

	explicitFile := false
	if opts.ConfigFile != "" {
		v.SetConfigFile(opts.ConfigFile)
		explicitFile = true
	} else if cfg := os.Getenv("RADIO_CONFIG_FILE"); cfg != "" {
		v.SetConfigFile(cfg)
		explicitFile = true
	}

	if !explicitFile {
		v.SetConfigName("radio")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	v.SetEnvPrefix("RADIO")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(timeStringToDurationHook())); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate ensures required values are set and fills derived defaults.
func (c *Config) Validate() error {
	var missing []string
	if strings.TrimSpace(c.Redis.URL) == "" {
		missing = append(missing, "RADIO_REDIS_URL")
	}
	if strings.TrimSpace(c.MusicGen.Endpoint) == "" {
		missing = append(missing, "RADIO_MUSICGEN_ENDPOINT")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required configuration: %s", strings.Join(missing, ", "))
	}

	if c.Server.BodyLimitMB <= 0 {
		c.Server.BodyLimitMB = 1
	}
	if c.Redis.PoolSize < 0 {
		return fmt.Errorf("redis.pool_size must be >= 0")
	}
	if c.Database.MaxConns < 0 {
		return fmt.Errorf("database.max_conns must be >= 0")
	}

	if err := c.OpenAI.validate(); err != nil {
		return err
	}
	if err := c.MusicGen.validate(); err != nil {
		return err
	}
	if err := c.Storage.validate(); err != nil {
		return err
	}
	if err := c.Clips.validate(); err != nil {
		return err
	}
	if err := c.Sessions.validate(); err != nil {
		return err
	}
	if c.RateLimits.RequestsPerMinute < 0 {
		return fmt.Errorf("rate_limits.requests_per_minute must be >= 0")
	}
	if c.RateLimits.ParallelRequests < 0 {
		return fmt.Errorf("rate_limits.parallel_requests must be >= 0")
	}
	if c.Health.CheckInterval <= 0 {
		c.Health.CheckInterval = time.Minute
	}
	if c.Health.Timeout <= 0 || c.Health.Timeout > c.Health.CheckInterval {
		c.Health.Timeout = 5 * time.Second
	}
	c.Guardrails.BlockedPromptKeywords = normalizeStringSlice(c.Guardrails.BlockedPromptKeywords)
	c.Guardrails.BlockedDescriptionKeywords = normalizeStringSlice(c.Guardrails.BlockedDescriptionKeywords)
	return nil
}

func (o *OpenAIConfig) validate() error {
	o.Models = normalizeStringSlice(o.Models)
	if len(o.Models) == 0 {
		return fmt.Errorf("openai.models must list at least one chat model")
	}
	if strings.TrimSpace(o.PromptTemplate) == "" {
		o.PromptTemplate = DefaultPromptTemplate
	}
	if strings.Count(o.PromptTemplate, "%s") != 1 {
		return fmt.Errorf("openai.prompt_template must contain exactly one %%s placeholder")
	}
	if o.Temperature != nil && (*o.Temperature < 0 || *o.Temperature > 2) {
		return fmt.Errorf("openai.temperature must be between 0 and 2")
	}
	if o.MaxTokens < 0 {
		return fmt.Errorf("openai.max_tokens must be >= 0")
	}
	if o.AllowServerKey && strings.TrimSpace(o.APIKey) == "" {
		return fmt.Errorf("openai.allow_server_key requires openai.api_key")
	}
	if o.Timeout <= 0 {
		o.Timeout = 60 * time.Second
	}
	return nil
}

func (m *MusicGenConfig) validate() error {
	u, err := url.Parse(strings.TrimSpace(m.Endpoint))
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("musicgen.endpoint must be an absolute URL")
	}
	if m.MaxNewTokens <= 0 {
		m.MaxNewTokens = 512
	}
	if m.Timeout <= 0 {
		m.Timeout = 5 * time.Minute
	}
	if m.MaxAudioMB <= 0 {
		m.MaxAudioMB = 32
	}
	return nil
}

func (s *StorageConfig) validate() error {
	backend := strings.ToLower(strings.TrimSpace(s.Backend))
	if backend == "" {
		backend = "local"
	}
	switch backend {
	case "local":
		if strings.TrimSpace(s.Local.Directory) == "" {
			s.Local.Directory = "./data/clips"
		}
	case "s3":
		if strings.TrimSpace(s.S3.Bucket) == "" {
			return fmt.Errorf("storage.s3.bucket must be provided for s3 storage")
		}
		if (s.S3.AccessKeyID == "") != (s.S3.SecretAccessKey == "") {
			return fmt.Errorf("storage.s3.access_key_id and storage.s3.secret_access_key must be set together")
		}
	default:
		return fmt.Errorf("storage.backend must be local or s3")
	}
	s.Backend = backend
	return nil
}

func (c *ClipsConfig) validate() error {
	if c.TTL <= 0 {
		c.TTL = 24 * time.Hour
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = 15 * time.Minute
	}
	if c.SweepBatchSize <= 0 {
		c.SweepBatchSize = 200
	}
	return nil
}

func (s *SessionsConfig) validate() error {
	if strings.TrimSpace(s.CookieName) == "" {
		s.CookieName = "radio_session"
	}
	if s.TTL <= 0 {
		return fmt.Errorf("sessions.ttl must be > 0")
	}
	return nil
}

// DefaultPromptTemplate wraps the user's prompt before it is sent to the chat model.
const DefaultPromptTemplate = "Describe a radio imaging audio piece based on: %s"

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.listen_addr", ":8080")
	v.SetDefault("server.body_limit_mb", 1)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "330s")
	v.SetDefault("server.idle_timeout", "120s")
	v.SetDefault("server.graceful_shutdown_delay", "5s")
	v.SetDefault("server.trust_proxy_headers", false)
	v.SetDefault("server.idempotency_ttl", "30m")

	v.SetDefault("openai.api_key", "")
	v.SetDefault("openai.allow_server_key", false)
	v.SetDefault("openai.base_url", "")
	v.SetDefault("openai.organization", "")
	v.SetDefault("openai.max_tokens", 0)
	_ = v.BindEnv("openai.temperature", "RADIO_OPENAI_TEMPERATURE")
	v.SetDefault("openai.models", []string{"gpt-3.5-turbo", "gpt-3.5-turbo-16k"})
	v.SetDefault("openai.prompt_template", DefaultPromptTemplate)
	v.SetDefault("openai.timeout", "60s")

	v.SetDefault("musicgen.endpoint", "https://api-inference.huggingface.co/models/facebook/musicgen-small")
	v.SetDefault("musicgen.token", "")
	v.SetDefault("musicgen.max_new_tokens", 512)
	v.SetDefault("musicgen.wait_for_model", true)
	v.SetDefault("musicgen.timeout", "300s")
	v.SetDefault("musicgen.max_audio_mb", 32)

	v.SetDefault("redis.url", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.pool_size", 20)

	v.SetDefault("database.url", "")
	v.SetDefault("database.run_migrations", true)
	v.SetDefault("database.max_conns", 10)
	v.SetDefault("database.min_conns", 1)
	v.SetDefault("database.max_conn_idle_time", "10m")
	v.SetDefault("database.max_conn_lifetime", "1h")

	v.SetDefault("storage.backend", "local")
	v.SetDefault("storage.encryption_key", "")
	v.SetDefault("storage.local.directory", "./data/clips")
	v.SetDefault("storage.s3.bucket", "")
	v.SetDefault("storage.s3.prefix", "")
	v.SetDefault("storage.s3.region", "")
	v.SetDefault("storage.s3.endpoint", "")
	v.SetDefault("storage.s3.use_path_style", false)
	v.SetDefault("storage.s3.access_key_id", "")
	v.SetDefault("storage.s3.secret_access_key", "")

	v.SetDefault("clips.ttl", "24h")
	v.SetDefault("clips.sweep_interval", "15m")
	v.SetDefault("clips.sweep_batch_size", 200)

	v.SetDefault("sessions.cookie_name", "radio_session")
	v.SetDefault("sessions.ttl", "1h")
	v.SetDefault("sessions.secure_cookie", false)

	v.SetDefault("rate_limits.requests_per_minute", 10)
	v.SetDefault("rate_limits.parallel_requests", 2)

	v.SetDefault("observability.enable_otlp", false)
	v.SetDefault("observability.enable_metrics", true)
	v.SetDefault("observability.otlp_endpoint", "http://localhost:4317")

	v.SetDefault("health.check_interval", "60s")
	v.SetDefault("health.timeout", "5s")

	v.SetDefault("guardrails.enabled", false)
	v.SetDefault("guardrails.blocked_prompt_keywords", []string{})
	v.SetDefault("guardrails.blocked_description_keywords", []string{})
}

func normalizeStringSlice(values []string) []string {
	if len(values) == 0 {
		return nil
	}
	clean := make([]string, 0, len(values))
	seen := make(map[string]struct{}, len(values))
	for _, v := range values {
		// RADIO_OPENAI_MODELS arrives as a single comma separated value.
		for _, part := range strings.Split(v, ",") {
			trimmed := strings.TrimSpace(part)
			if trimmed == "" {
				continue
			}
			if _, dup := seen[trimmed]; dup {
				continue
			}
			seen[trimmed] = struct{}{}
			clean = append(clean, trimmed)
		}
	}
	if len(clean) == 0 {
		return nil
	}
	return clean
}

func timeStringToDurationHook() mapstructure.DecodeHookFunc {
	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != reflect.TypeOf(time.Duration(0)) {
			return data, nil
		}

		switch v := data.(type) {
		case time.Duration:
			return v, nil
		case string:
			d, err := time.ParseDuration(v)
			if err != nil {
				return nil, err
			}
			return d, nil
		case int:
			return time.Duration(v), nil
		case int64:
			return time.Duration(v), nil
		default:
			return nil, fmt.Errorf("cannot decode %T into time.Duration", data)
		}
	}
}

const redactedValue = "[redacted]"

// Redacted returns a copy of the config with credentials masked.
func (c Config) Redacted() Config {
	out := c
	mask := func(s *string) {
		if strings.TrimSpace(*s) != "" {
			*s = redactedValue
		}
	}
	mask(&out.OpenAI.APIKey)
	mask(&out.MusicGen.Token)
	mask(&out.Storage.EncryptionKey)
	mask(&out.Storage.S3.AccessKeyID)
	mask(&out.Storage.S3.SecretAccessKey)
	out.Redis.URL = redactURL(out.Redis.URL)
	out.Database.URL = redactURL(out.Database.URL)
	out.OpenAI.Models = append([]string(nil), c.OpenAI.Models...)
	return out
}

func redactURL(raw string) string {
	if raw == "" {
		return raw
	}
	parsed, err := url.Parse(raw)
	if err != nil || parsed.User == nil {
		return raw
	}
	if _, ok := parsed.User.Password(); ok {
		parsed.User = url.UserPassword(parsed.User.Username(), "xxxxx")
	}
	return parsed.String()
}
