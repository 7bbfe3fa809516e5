package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const envPrefix = "WEB3CHAT_"

type GlobalFlags struct {
	ConfigPath      string
	JSON            bool
	Plain           bool
	Select          string
	ResultsOnly     bool
	EnableCommands  string
	EnableFunctions string
	Timeout         string
	Retries         int
	ChainBackend    string
	ChainID         int64
	RPCURL          string
	Wallet          string
	LogLevel        string
	NoStore         bool
}

type ProviderSettings struct {
	APIKey  string
	BaseURL string
	Model   string
}

type SensaySettings struct {
	ProviderSettings
	ReplicaID  string
	UserID     string
	APIVersion string
}

type ReplicateSettings struct {
	ProviderSettings
	Version string
}

type Settings struct {
	OutputMode      string
	SelectFields    []string
	ResultsOnly     bool
	EnableCommands  []string
	EnableFunctions []string

	Timeout     time.Duration
	Retries     int
	RateLimit   float64
	RateBurst   int
	Temperature float64
	TopP        float64
	MaxTokens   int

	CompletionTimeout time.Duration
	DetectProvider    string
	ReplyProvider     string
	ResolveProvider   string
	InterpretProvider string
	Gemini            ProviderSettings
	OpenAI            ProviderSettings
	Sensay            SensaySettings
	Replicate         ReplicateSettings

	BreakerMaxFailures uint32
	BreakerTimeout     time.Duration
	BreakerInterval    time.Duration

	ChainBackend   string
	ChainID        int64
	RPCURL         string
	RouterAddress  string
	WalletAddress  string
	KeySource      string
	GasMultiplier  float64
	ReceiptTimeout time.Duration
	ExecTimeout    time.Duration

	QueueExpiry time.Duration

	StoreEnabled  bool
	StorePath     string
	StoreLockPath string
	CacheEnabled  bool
	CachePath     string
	CacheLockPath string
	PriceTTL      time.Duration
	MaxStale      time.Duration

	LogLevel     string
	LogFormat    string
	LogOutput    string
	TraceEnabled bool
	TraceExport  string
}

type fileProvider struct {
	APIKey    string `yaml:"api_key"`
	APIKeyEnv string `yaml:"api_key_env"`
	BaseURL   string `yaml:"base_url"`
	Model     string `yaml:"model"`
}

type fileConfig struct {
	Output    string `yaml:"output"`
	Timeout   string `yaml:"timeout"`
	Retries   *int   `yaml:"retries"`
	RateLimit struct {
		RPS   *float64 `yaml:"rps"`
		Burst *int     `yaml:"burst"`
	} `yaml:"rate_limit"`
	Completion struct {
		Timeout     string   `yaml:"timeout"`
		Temperature *float64 `yaml:"temperature"`
		TopP        *float64 `yaml:"top_p"`
		MaxTokens   *int     `yaml:"max_tokens"`
	} `yaml:"completion"`
	Providers struct {
		Detect    string       `yaml:"detect"`
		Reply     string       `yaml:"reply"`
		Resolve   string       `yaml:"resolve"`
		Interpret string       `yaml:"interpret"`
		Gemini    fileProvider `yaml:"gemini"`
		OpenAI    fileProvider `yaml:"openai"`
		Sensay    struct {
			fileProvider `yaml:",inline"`
			ReplicaID    string `yaml:"replica_id"`
			UserID       string `yaml:"user_id"`
			APIVersion   string `yaml:"api_version"`
		} `yaml:"sensay"`
		Replicate struct {
			fileProvider `yaml:",inline"`
			Version      string `yaml:"version"`
		} `yaml:"replicate"`
	} `yaml:"providers"`
	Breaker struct {
		MaxFailures *uint32 `yaml:"max_failures"`
		Timeout     string  `yaml:"timeout"`
		Interval    string  `yaml:"interval"`
	} `yaml:"breaker"`
	Chain struct {
		Backend        string   `yaml:"backend"`
		ID             *int64   `yaml:"id"`
		RPCURL         string   `yaml:"rpc_url"`
		Router         string   `yaml:"router"`
		GasMultiplier  *float64 `yaml:"gas_multiplier"`
		ReceiptTimeout string   `yaml:"receipt_timeout"`
		ExecTimeout    string   `yaml:"exec_timeout"`
	} `yaml:"chain"`
	Wallet struct {
		Address string `yaml:"address"`
	} `yaml:"wallet"`
	Signer struct {
		KeySource string `yaml:"key_source"`
	} `yaml:"signer"`
	Queue struct {
		Expiry string `yaml:"expiry"`
	} `yaml:"queue"`
	Store struct {
		Enabled  *bool  `yaml:"enabled"`
		Path     string `yaml:"path"`
		LockPath string `yaml:"lock_path"`
	} `yaml:"store"`
	Cache struct {
		Enabled  *bool  `yaml:"enabled"`
		Path     string `yaml:"path"`
		LockPath string `yaml:"lock_path"`
		PriceTTL string `yaml:"price_ttl"`
		MaxStale string `yaml:"max_stale"`
	} `yaml:"cache"`
	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
		Output string `yaml:"output"`
	} `yaml:"log"`
	Trace struct {
		Enabled  *bool  `yaml:"enabled"`
		Exporter string `yaml:"exporter"`
	} `yaml:"trace"`
}

func Load(flags GlobalFlags) (Settings, error) {
	settings, err := defaultSettings()
	if err != nil {
		return Settings{}, err
	}

	cfgPath, err := resolveConfigPath(flags.ConfigPath)
	if err != nil {
		return Settings{}, err
	}

	if err := applyFileConfig(cfgPath, &settings); err != nil {
		return Settings{}, err
	}

	applyEnv(&settings)

	if err := applyFlags(flags, &settings); err != nil {
		return Settings{}, err
	}

	if settings.Timeout <= 0 {
		settings.Timeout = 10 * time.Second
	}
	if settings.CompletionTimeout <= 0 {
		settings.CompletionTimeout = 30 * time.Second
	}
	if settings.Retries < 0 {
		settings.Retries = 0
	}
	if settings.QueueExpiry <= 0 {
		settings.QueueExpiry = 30 * time.Second
	}
	if settings.GasMultiplier <= 1 {
		settings.GasMultiplier = 1.2
	}

	return settings, nil
}

func defaultSettings() (Settings, error) {
	dir, err := defaultDataDir()
	if err != nil {
		return Settings{}, err
	}
	return Settings{
		OutputMode:        "json",
		Timeout:           10 * time.Second,
		Retries:           2,
		RateLimit:         5,
		RateBurst:         5,
		Temperature:       0.7,
		TopP:              0.9,
		MaxTokens:         2000,
		CompletionTimeout: 30 * time.Second,
		DetectProvider:    "gemini",
		ResolveProvider:   "openai",
		InterpretProvider: "gemini",
		Gemini: ProviderSettings{
			BaseURL: "https://generativelanguage.googleapis.com",
			Model:   "gemini-2.0-flash",
		},
		OpenAI: ProviderSettings{
			BaseURL: "https://generativelanguage.googleapis.com/v1beta/openai/",
			Model:   "gemini-2.0-flash",
		},
		Sensay: SensaySettings{
			ProviderSettings: ProviderSettings{BaseURL: "https://api.sensay.io"},
			UserID:           "web3chat-user",
			APIVersion:       "2025-03-25",
		},
		Replicate: ReplicateSettings{
			ProviderSettings: ProviderSettings{BaseURL: "https://api.replicate.com/v1/predictions"},
			Version:          "3babfa32ab245cf8e047ff7366bcb4d5a2b4f0f108f504c47d5a84e23c02ff5f",
		},
		BreakerMaxFailures: 5,
		BreakerTimeout:     30 * time.Second,
		BreakerInterval:    60 * time.Second,
		ChainBackend:       "simulated",
		ChainID:            56,
		KeySource:          "auto",
		GasMultiplier:      1.2,
		ReceiptTimeout:     2 * time.Minute,
		ExecTimeout:        3 * time.Minute,
		QueueExpiry:        30 * time.Second,
		StoreEnabled:       true,
		StorePath:          filepath.Join(dir, "state.db"),
		StoreLockPath:      filepath.Join(dir, "state.lock"),
		CacheEnabled:       true,
		CachePath:          filepath.Join(dir, "cache.db"),
		CacheLockPath:      filepath.Join(dir, "cache.lock"),
		PriceTTL:           time.Minute,
		MaxStale:           5 * time.Minute,
		LogLevel:           "warn",
		LogFormat:          "text",
		LogOutput:          "stderr",
		TraceExport:        "noop",
	}, nil
}

func resolveConfigPath(input string) (string, error) {
	if strings.TrimSpace(input) != "" {
		return input, nil
	}
	base := os.Getenv("XDG_CONFIG_HOME")
	if base == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		base = filepath.Join(home, ".config")
	}
	return filepath.Join(base, "web3chat", "config.yaml"), nil
}

func defaultDataDir() (string, error) {
	base := os.Getenv("XDG_CACHE_HOME")
	if base == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		base = filepath.Join(home, ".cache")
	}
	return filepath.Join(base, "web3chat"), nil
}

func applyFileConfig(path string, settings *Settings) error {
	buf, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}

	var cfg fileConfig
	if err := yaml.Unmarshal(buf, &cfg); err != nil {
		return fmt.Errorf("parse config yaml: %w", err)
	}

	if cfg.Output != "" {
		settings.OutputMode = strings.ToLower(cfg.Output)
	}
	if err := setDuration(&settings.Timeout, cfg.Timeout, "timeout"); err != nil {
		return err
	}
	if cfg.Retries != nil {
		settings.Retries = *cfg.Retries
	}
	if cfg.RateLimit.RPS != nil {
		settings.RateLimit = *cfg.RateLimit.RPS
	}
	if cfg.RateLimit.Burst != nil {
		settings.RateBurst = *cfg.RateLimit.Burst
	}

	if err := setDuration(&settings.CompletionTimeout, cfg.Completion.Timeout, "completion.timeout"); err != nil {
		return err
	}
	if cfg.Completion.Temperature != nil {
		settings.Temperature = *cfg.Completion.Temperature
	}
	if cfg.Completion.TopP != nil {
		settings.TopP = *cfg.Completion.TopP
	}
	if cfg.Completion.MaxTokens != nil {
		settings.MaxTokens = *cfg.Completion.MaxTokens
	}

	setString(&settings.DetectProvider, strings.ToLower(cfg.Providers.Detect))
	setString(&settings.ReplyProvider, strings.ToLower(cfg.Providers.Reply))
	setString(&settings.ResolveProvider, strings.ToLower(cfg.Providers.Resolve))
	setString(&settings.InterpretProvider, strings.ToLower(cfg.Providers.Interpret))
	applyFileProvider(&settings.Gemini, cfg.Providers.Gemini)
	applyFileProvider(&settings.OpenAI, cfg.Providers.OpenAI)
	applyFileProvider(&settings.Sensay.ProviderSettings, cfg.Providers.Sensay.fileProvider)
	setString(&settings.Sensay.ReplicaID, cfg.Providers.Sensay.ReplicaID)
	setString(&settings.Sensay.UserID, cfg.Providers.Sensay.UserID)
	setString(&settings.Sensay.APIVersion, cfg.Providers.Sensay.APIVersion)
	applyFileProvider(&settings.Replicate.ProviderSettings, cfg.Providers.Replicate.fileProvider)
	setString(&settings.Replicate.Version, cfg.Providers.Replicate.Version)

	if cfg.Breaker.MaxFailures != nil {
		settings.BreakerMaxFailures = *cfg.Breaker.MaxFailures
	}
	if err := setDuration(&settings.BreakerTimeout, cfg.Breaker.Timeout, "breaker.timeout"); err != nil {
		return err
	}
	if err := setDuration(&settings.BreakerInterval, cfg.Breaker.Interval, "breaker.interval"); err != nil {
		return err
	}

	setString(&settings.ChainBackend, strings.ToLower(cfg.Chain.Backend))
	if cfg.Chain.ID != nil {
		settings.ChainID = *cfg.Chain.ID
	}
	setString(&settings.RPCURL, cfg.Chain.RPCURL)
	setString(&settings.RouterAddress, cfg.Chain.Router)
	if cfg.Chain.GasMultiplier != nil {
		settings.GasMultiplier = *cfg.Chain.GasMultiplier
	}
	if err := setDuration(&settings.ReceiptTimeout, cfg.Chain.ReceiptTimeout, "chain.receipt_timeout"); err != nil {
		return err
	}
	if err := setDuration(&settings.ExecTimeout, cfg.Chain.ExecTimeout, "chain.exec_timeout"); err != nil {
		return err
	}
	setString(&settings.WalletAddress, cfg.Wallet.Address)
	setString(&settings.KeySource, cfg.Signer.KeySource)

	if err := setDuration(&settings.QueueExpiry, cfg.Queue.Expiry, "queue.expiry"); err != nil {
		return err
	}

	if cfg.Store.Enabled != nil {
		settings.StoreEnabled = *cfg.Store.Enabled
	}
	setString(&settings.StorePath, cfg.Store.Path)
	setString(&settings.StoreLockPath, cfg.Store.LockPath)
	if cfg.Cache.Enabled != nil {
		settings.CacheEnabled = *cfg.Cache.Enabled
	}
	setString(&settings.CachePath, cfg.Cache.Path)
	setString(&settings.CacheLockPath, cfg.Cache.LockPath)
	if err := setDuration(&settings.PriceTTL, cfg.Cache.PriceTTL, "cache.price_ttl"); err != nil {
		return err
	}
	if err := setDuration(&settings.MaxStale, cfg.Cache.MaxStale, "cache.max_stale"); err != nil {
		return err
	}

	setString(&settings.LogLevel, cfg.Log.Level)
	setString(&settings.LogFormat, cfg.Log.Format)
	setString(&settings.LogOutput, cfg.Log.Output)
	if cfg.Trace.Enabled != nil {
		settings.TraceEnabled = *cfg.Trace.Enabled
	}
	setString(&settings.TraceExport, cfg.Trace.Exporter)

	return nil
}

func applyFileProvider(dst *ProviderSettings, src fileProvider) {
	setString(&dst.APIKey, src.APIKey)
	if src.APIKeyEnv != "" {
		dst.APIKey = os.Getenv(src.APIKeyEnv)
	}
	setString(&dst.BaseURL, src.BaseURL)
	setString(&dst.Model, src.Model)
}

func applyEnv(settings *Settings) {
	if v := env("OUTPUT"); v != "" {
		settings.OutputMode = strings.ToLower(v)
	}
	if v := env("TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			settings.Timeout = d
		}
	}
	if v := env("RETRIES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			settings.Retries = n
		}
	}
	if v := env("COMPLETION_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			settings.CompletionTimeout = d
		}
	}
	if v := env("QUEUE_EXPIRY"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			settings.QueueExpiry = d
		}
	}
	if v := env("GEMINI_API_KEY"); v != "" {
		settings.Gemini.APIKey = v
	}
	if v := env("OPENAI_API_KEY"); v != "" {
		settings.OpenAI.APIKey = v
	}
	if v := env("OPENAI_BASE_URL"); v != "" {
		settings.OpenAI.BaseURL = v
	}
	if v := env("SENSAY_API_KEY"); v != "" {
		settings.Sensay.APIKey = v
	}
	if v := env("SENSAY_REPLICA_ID"); v != "" {
		settings.Sensay.ReplicaID = v
	}
	if v := env("REPLICATE_API_TOKEN"); v != "" {
		settings.Replicate.APIKey = v
	}
	if v := env("CHAIN_BACKEND"); v != "" {
		settings.ChainBackend = strings.ToLower(v)
	}
	if v := env("CHAIN_ID"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			settings.ChainID = n
		}
	}
	if v := env("RPC_URL"); v != "" {
		settings.RPCURL = v
	}
	if v := env("WALLET"); v != "" {
		settings.WalletAddress = v
	}
	if v := env("KEY_SOURCE"); v != "" {
		settings.KeySource = v
	}
	if v := env("STORE_PATH"); v != "" {
		settings.StorePath = v
	}
	if v := env("STORE_LOCK_PATH"); v != "" {
		settings.StoreLockPath = v
	}
	if v := env("NO_STORE"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			settings.StoreEnabled = !b
		}
	}
	if v := env("CACHE_PATH"); v != "" {
		settings.CachePath = v
	}
	if v := env("CACHE_LOCK_PATH"); v != "" {
		settings.CacheLockPath = v
	}
	if v := env("NO_CACHE"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			settings.CacheEnabled = !b
		}
	}
	if v := env("LOG_LEVEL"); v != "" {
		settings.LogLevel = v
	}
	if v := env("LOG_FORMAT"); v != "" {
		settings.LogFormat = v
	}
	if v := env("TRACE"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			settings.TraceEnabled = b
			if b && settings.TraceExport == "noop" {
				settings.TraceExport = "stdout"
			}
		}
	}
}

func applyFlags(flags GlobalFlags, settings *Settings) error {
	if flags.JSON && flags.Plain {
		return fmt.Errorf("cannot use --json and --plain together")
	}
	if flags.JSON {
		settings.OutputMode = "json"
	}
	if flags.Plain {
		settings.OutputMode = "plain"
	}
	if fields := splitList(flags.Select); len(fields) > 0 {
		settings.SelectFields = fields
	}
	settings.ResultsOnly = flags.ResultsOnly
	if allowed := splitList(flags.EnableCommands); len(allowed) > 0 {
		settings.EnableCommands = allowed
	}
	if allowed := splitList(flags.EnableFunctions); len(allowed) > 0 {
		settings.EnableFunctions = allowed
	}

	if flags.Timeout != "" {
		d, err := time.ParseDuration(flags.Timeout)
		if err != nil {
			return fmt.Errorf("parse --timeout: %w", err)
		}
		settings.Timeout = d
	}
	if flags.Retries >= 0 {
		settings.Retries = flags.Retries
	}
	if flags.ChainBackend != "" {
		settings.ChainBackend = strings.ToLower(flags.ChainBackend)
	}
	if flags.ChainID > 0 {
		settings.ChainID = flags.ChainID
	}
	if flags.RPCURL != "" {
		settings.RPCURL = flags.RPCURL
	}
	if flags.Wallet != "" {
		settings.WalletAddress = flags.Wallet
	}
	if flags.LogLevel != "" {
		settings.LogLevel = flags.LogLevel
	}
	if flags.NoStore {
		settings.StoreEnabled = false
	}

	if settings.OutputMode != "json" && settings.OutputMode != "plain" {
		return fmt.Errorf("output must be json or plain")
	}
	switch settings.ChainBackend {
	case "simulated", "evm":
	default:
		return fmt.Errorf("chain backend must be simulated or evm, got %q", settings.ChainBackend)
	}

	return nil
}

func env(name string) string {
	return os.Getenv(envPrefix + name)
}

func setString(dst *string, v string) {
	if strings.TrimSpace(v) != "" {
		*dst = strings.TrimSpace(v)
	}
}

func setDuration(dst *time.Duration, v, field string) error {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("config %s: %w", field, err)
	}
	*dst = d
	return nil
}

func splitList(v string) []string {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if item := strings.TrimSpace(part); item != "" {
			out = append(out, item)
		}
	}
	return out
}
