package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/poly-workshop/go-webmods/app"
	"github.com/spf13/viper"
)

const (
	QueueMemory = "memory"
	QueueRedis  = "redis"

	KindOpenAICompat = "openai_compat"
	KindAIGateway    = "ai_gateway"
)

var defaultBaseURLs = map[string]string{
	"openai":     "https://api.openai.com/v1",
	"dashscope":  "https://dashscope.aliyuncs.com/compatible-mode/v1",
	"openrouter": "https://openrouter.ai/api/v1",
}

type ProviderConfig struct {
	Name          string        `mapstructure:"name"`
	Kind          string        `mapstructure:"kind"`
	BaseURL       string        `mapstructure:"base_url"`
	APIKey        string        `mapstructure:"api_key"`
	Timeout       time.Duration `mapstructure:"timeout"`
	StreamTimeout time.Duration `mapstructure:"stream_timeout"`
}

// Backends is shared by the API server and the worker.
type Backends struct {
	Database struct {
		DSN          string `mapstructure:"dsn"`
		MaxOpenConns int    `mapstructure:"max_open_conns"`
		Migrate      bool   `mapstructure:"migrate"`
	} `mapstructure:"database"`

	Redis struct {
		URL string `mapstructure:"url"`
	} `mapstructure:"redis"`

	Queue struct {
		Driver       string        `mapstructure:"driver"`
		Key          string        `mapstructure:"key"`
		BlockTimeout time.Duration `mapstructure:"block_timeout"`
		LeaseTTL     time.Duration `mapstructure:"lease_ttl"`
	} `mapstructure:"queue"`

	Policy struct {
		SeedFile  string        `mapstructure:"seed_file"`
		CacheSize int           `mapstructure:"cache_size"`
		CacheTTL  time.Duration `mapstructure:"cache_ttl"`
	} `mapstructure:"policy"`

	Gateway struct {
		Providers []ProviderConfig `mapstructure:"providers"`
	} `mapstructure:"gateway"`

	Notify struct {
		URL         string        `mapstructure:"url"`
		Secret      string        `mapstructure:"secret"`
		Timeout     time.Duration `mapstructure:"timeout"`
		MaxInflight int           `mapstructure:"max_inflight"`
	} `mapstructure:"notify"`

	Tracing struct {
		Exporter    string  `mapstructure:"exporter"`
		Endpoint    string  `mapstructure:"endpoint"`
		Insecure    bool    `mapstructure:"insecure"`
		SampleRatio float64 `mapstructure:"sample_ratio"`
		Environment string  `mapstructure:"environment"`
	} `mapstructure:"tracing"`

	Worker struct {
		Concurrency int `mapstructure:"concurrency"`
	} `mapstructure:"worker"`
}

type ServerConfig struct {
	HTTP struct {
		Listen string `mapstructure:"listen"`
	} `mapstructure:"http"`

	GRPC struct {
		Listen string `mapstructure:"listen"`
	} `mapstructure:"grpc"`

	Health struct {
		Listen string `mapstructure:"listen"`
	} `mapstructure:"health"`

	Auth struct {
		ServiceTokens []struct {
			Name  string `mapstructure:"name"`
			Token string `mapstructure:"token"`
		} `mapstructure:"service_tokens"`
		JWTSecret string `mapstructure:"jwt_secret"`
		JWTIssuer string `mapstructure:"jwt_issuer"`
	} `mapstructure:"auth"`

	CORS struct {
		AllowedOrigins   []string `mapstructure:"allowed_origins"`
		AllowCredentials bool     `mapstructure:"allow_credentials"`
	} `mapstructure:"cors"`

	Backends `mapstructure:",squash"`
}

func LoadServer() (ServerConfig, error) {
	cfg := ServerConfig{}

	v := app.Config()
	if v == nil {
		return cfg, fmt.Errorf("app.Config() is nil: did you call app.Init(...) first?")
	}
	if err := unmarshalViper(v, &cfg); err != nil {
		return cfg, err
	}

	if cfg.HTTP.Listen == "" {
		return cfg, fmt.Errorf("missing config: http.listen")
	}
	if cfg.Health.Listen == "" {
		return cfg, fmt.Errorf("missing config: health.listen")
	}
	if len(cfg.CORS.AllowedOrigins) == 0 {
		cfg.CORS.AllowedOrigins = []string{"*"}
	}
	if err := cfg.Backends.normalize(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

type WorkerConfig struct {
	Health struct {
		Listen string `mapstructure:"listen"`
	} `mapstructure:"health"`

	Backends `mapstructure:",squash"`
}

// LoadWorker requires shared storage: a worker process cannot see the API
// server's in-memory queue or store.
func LoadWorker() (WorkerConfig, error) {
	cfg := WorkerConfig{}

	v := app.Config()
	if v == nil {
		return cfg, fmt.Errorf("app.Config() is nil: did you call app.Init(...) first?")
	}
	if err := unmarshalViper(v, &cfg); err != nil {
		return cfg, err
	}

	if cfg.Health.Listen == "" {
		return cfg, fmt.Errorf("missing config: health.listen")
	}
	if err := cfg.Backends.normalize(); err != nil {
		return cfg, err
	}
	if cfg.Queue.Driver != QueueRedis {
		return cfg, fmt.Errorf("worker requires queue.driver=%s", QueueRedis)
	}
	if cfg.Database.DSN == "" {
		return cfg, fmt.Errorf("missing config: database.dsn")
	}
	return cfg, nil
}

func (b *Backends) normalize() error {
	if b.Queue.Driver == "" {
		b.Queue.Driver = QueueMemory
	}
	switch b.Queue.Driver {
	case QueueMemory:
	case QueueRedis:
		if b.Redis.URL == "" {
			return fmt.Errorf("missing config: redis.url")
		}
	default:
		return fmt.Errorf("unknown queue driver %q", b.Queue.Driver)
	}
	if b.Queue.Key == "" {
		b.Queue.Key = "orchestrator:jobs"
	}
	if b.Queue.BlockTimeout == 0 {
		b.Queue.BlockTimeout = 5 * time.Second
	}
	if b.Queue.LeaseTTL == 0 {
		b.Queue.LeaseTTL = 60 * time.Second
	}
	if b.Database.MaxOpenConns == 0 {
		b.Database.MaxOpenConns = 10
	}
	if b.Policy.CacheSize == 0 {
		b.Policy.CacheSize = 1024
	}
	if b.Policy.CacheTTL == 0 {
		b.Policy.CacheTTL = 30 * time.Second
	}
	if b.Notify.Timeout == 0 {
		b.Notify.Timeout = 5 * time.Second
	}
	if b.Notify.MaxInflight == 0 {
		b.Notify.MaxInflight = 64
	}
	if b.Tracing.Exporter == "" {
		b.Tracing.Exporter = "none"
	}
	if b.Worker.Concurrency == 0 {
		b.Worker.Concurrency = 4
	}

	if len(b.Gateway.Providers) == 0 {
		return fmt.Errorf("missing config: gateway.providers")
	}
	seen := make(map[string]bool, len(b.Gateway.Providers))
	for i := range b.Gateway.Providers {
		p := &b.Gateway.Providers[i]
		p.Name = strings.ToLower(strings.TrimSpace(p.Name))
		if p.Name == "" {
			return fmt.Errorf("missing config: gateway.providers[%d].name", i)
		}
		if seen[p.Name] {
			return fmt.Errorf("duplicate gateway provider %q", p.Name)
		}
		seen[p.Name] = true
		if p.Kind == "" {
			p.Kind = KindOpenAICompat
			if p.Name == "anthropic" {
				p.Kind = KindAIGateway
			}
		}
		if p.BaseURL == "" {
			p.BaseURL = defaultBaseURLs[p.Name]
		}
		if p.BaseURL == "" {
			return fmt.Errorf("missing config: gateway.providers[%d].base_url", i)
		}
		switch p.Kind {
		case KindOpenAICompat, KindAIGateway:
		default:
			return fmt.Errorf("unknown gateway kind %q for provider %q", p.Kind, p.Name)
		}
	}
	return nil
}

func unmarshalViper(v *viper.Viper, out any) error {
	if err := v.Unmarshal(out); err != nil {
		return fmt.Errorf("unmarshal config: %w", err)
	}
	return nil
}
