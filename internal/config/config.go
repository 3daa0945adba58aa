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

type GlobalFlags struct {
	ConfigPath  string
	JSON        bool
	Plain       bool
	Select      string
	ResultsOnly bool
	Timeout     string
	Retries     int
	Network     string
	RPCURL      string
	EnvFile     string
	LogLevel    string
	LogFile     string
	MetricsFile string
	NoCache     bool

	EnableCommands string
	ReadOnly       bool
}

type Settings struct {
	OutputMode         string
	SelectFields       []string
	ResultsOnly        bool
	Timeout            time.Duration
	Retries            int
	Network            string
	RPCURL             string
	EnvFile            string
	CacheEnabled       bool
	CachePath          string
	CacheLockPath      string
	MetadataTTL        time.Duration
	OperationStorePath string
	OperationLockPath  string
	LogLevel           string
	LogPretty          bool
	LogFile            string
	MetricsFile        string
	ReadsPerSecond     float64
	ReadConcurrency    int
	PollInterval       time.Duration
	SettlementTimeout  time.Duration
	EnableCommands     []string
	ReadOnly           bool
}

type fileConfig struct {
	Output  string `yaml:"output"`
	Timeout string `yaml:"timeout"`
	Retries *int   `yaml:"retries"`
	Network string `yaml:"network"`
	RPCURL  string `yaml:"rpc_url"`
	EnvFile string `yaml:"env_file"`
	Cache   struct {
		Enabled     *bool  `yaml:"enabled"`
		Path        string `yaml:"path"`
		LockPath    string `yaml:"lock_path"`
		MetadataTTL string `yaml:"metadata_ttl"`
	} `yaml:"cache"`
	Operations struct {
		Path     string `yaml:"path"`
		LockPath string `yaml:"lock_path"`
	} `yaml:"operations"`
	Log struct {
		Level  string `yaml:"level"`
		Pretty *bool  `yaml:"pretty"`
		File   string `yaml:"file"`
	} `yaml:"log"`
	Metrics struct {
		File string `yaml:"file"`
	} `yaml:"metrics"`
	RPC struct {
		ReadsPerSecond  *float64 `yaml:"reads_per_second"`
		ReadConcurrency *int     `yaml:"read_concurrency"`
	} `yaml:"rpc"`
	Settlement struct {
		PollInterval string `yaml:"poll_interval"`
		Timeout      string `yaml:"timeout"`
	} `yaml:"settlement"`
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

	if settings.OutputMode == "" {
		settings.OutputMode = "json"
	}
	if settings.Timeout <= 0 {
		settings.Timeout = 30 * time.Second
	}
	if settings.Retries < 0 {
		settings.Retries = 0
	}
	if settings.ReadConcurrency <= 0 {
		settings.ReadConcurrency = 4
	}
	if settings.PollInterval <= 0 {
		settings.PollInterval = 2 * time.Second
	}
	if settings.SettlementTimeout <= 0 {
		settings.SettlementTimeout = 2 * time.Minute
	}

	return settings, nil
}

func defaultSettings() (Settings, error) {
	cachePath, lockPath, err := defaultCachePaths()
	if err != nil {
		return Settings{}, err
	}
	cacheDir := filepath.Dir(cachePath)
	return Settings{
		OutputMode:         "json",
		Timeout:            30 * time.Second,
		Retries:            2,
		EnvFile:            ".env",
		CacheEnabled:       true,
		CachePath:          cachePath,
		CacheLockPath:      lockPath,
		MetadataTTL:        24 * time.Hour,
		OperationStorePath: filepath.Join(cacheDir, "operations.db"),
		OperationLockPath:  filepath.Join(cacheDir, "operations.lock"),
		LogLevel:           "warn",
		ReadsPerSecond:     20,
		ReadConcurrency:    4,
		PollInterval:       2 * time.Second,
		SettlementTimeout:  2 * time.Minute,
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
	return filepath.Join(base, "lendpool", "config.yaml"), nil
}

func defaultCachePaths() (string, string, error) {
	base := os.Getenv("XDG_CACHE_HOME")
	if base == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", "", err
		}
		base = filepath.Join(home, ".cache")
	}
	dir := filepath.Join(base, "lendpool")
	return filepath.Join(dir, "cache.db"), filepath.Join(dir, "cache.lock"), nil
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
	if cfg.Timeout != "" {
		d, err := time.ParseDuration(cfg.Timeout)
		if err != nil {
			return fmt.Errorf("config timeout: %w", err)
		}
		settings.Timeout = d
	}
	if cfg.Retries != nil {
		settings.Retries = *cfg.Retries
	}
	if cfg.Network != "" {
		settings.Network = cfg.Network
	}
	if cfg.RPCURL != "" {
		settings.RPCURL = cfg.RPCURL
	}
	if cfg.EnvFile != "" {
		settings.EnvFile = cfg.EnvFile
	}
	if cfg.Cache.Enabled != nil {
		settings.CacheEnabled = *cfg.Cache.Enabled
	}
	if cfg.Cache.Path != "" {
		settings.CachePath = cfg.Cache.Path
	}
	if cfg.Cache.LockPath != "" {
		settings.CacheLockPath = cfg.Cache.LockPath
	}
	if cfg.Cache.MetadataTTL != "" {
		d, err := time.ParseDuration(cfg.Cache.MetadataTTL)
		if err != nil {
			return fmt.Errorf("config cache.metadata_ttl: %w", err)
		}
		settings.MetadataTTL = d
	}
	if cfg.Operations.Path != "" {
		settings.OperationStorePath = cfg.Operations.Path
	}
	if cfg.Operations.LockPath != "" {
		settings.OperationLockPath = cfg.Operations.LockPath
	}
	if cfg.Log.Level != "" {
		settings.LogLevel = strings.ToLower(cfg.Log.Level)
	}
	if cfg.Log.Pretty != nil {
		settings.LogPretty = *cfg.Log.Pretty
	}
	if cfg.Log.File != "" {
		settings.LogFile = cfg.Log.File
	}
	if cfg.Metrics.File != "" {
		settings.MetricsFile = cfg.Metrics.File
	}
	if cfg.RPC.ReadsPerSecond != nil {
		settings.ReadsPerSecond = *cfg.RPC.ReadsPerSecond
	}
	if cfg.RPC.ReadConcurrency != nil {
		settings.ReadConcurrency = *cfg.RPC.ReadConcurrency
	}
	if cfg.Settlement.PollInterval != "" {
		d, err := time.ParseDuration(cfg.Settlement.PollInterval)
		if err != nil {
			return fmt.Errorf("config settlement.poll_interval: %w", err)
		}
		settings.PollInterval = d
	}
	if cfg.Settlement.Timeout != "" {
		d, err := time.ParseDuration(cfg.Settlement.Timeout)
		if err != nil {
			return fmt.Errorf("config settlement.timeout: %w", err)
		}
		settings.SettlementTimeout = d
	}

	return nil
}

func applyEnv(settings *Settings) {
	if v := os.Getenv("LENDPOOL_OUTPUT"); v != "" {
		settings.OutputMode = strings.ToLower(v)
	}
	if v := os.Getenv("LENDPOOL_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			settings.Timeout = d
		}
	}
	if v := os.Getenv("LENDPOOL_RETRIES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			settings.Retries = n
		}
	}
	if v := os.Getenv("LENDPOOL_ENV_FILE"); v != "" {
		settings.EnvFile = v
	}
	if v := os.Getenv("LENDPOOL_NO_CACHE"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			settings.CacheEnabled = !b
		}
	}
	if v := os.Getenv("LENDPOOL_CACHE_PATH"); v != "" {
		settings.CachePath = v
	}
	if v := os.Getenv("LENDPOOL_CACHE_LOCK_PATH"); v != "" {
		settings.CacheLockPath = v
	}
	if v := os.Getenv("LENDPOOL_OPERATIONS_PATH"); v != "" {
		settings.OperationStorePath = v
	}
	if v := os.Getenv("LENDPOOL_OPERATIONS_LOCK_PATH"); v != "" {
		settings.OperationLockPath = v
	}
	if v := os.Getenv("LENDPOOL_LOG_LEVEL"); v != "" {
		settings.LogLevel = strings.ToLower(v)
	}
	if v := os.Getenv("LENDPOOL_LOG_FILE"); v != "" {
		settings.LogFile = v
	}
	if v := os.Getenv("LENDPOOL_METRICS_FILE"); v != "" {
		settings.MetricsFile = v
	}
	if v := os.Getenv("LENDPOOL_READS_PER_SECOND"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			settings.ReadsPerSecond = f
		}
	}
	if v := os.Getenv("LENDPOOL_ENABLE_COMMANDS"); v != "" {
		settings.EnableCommands = splitList(v)
	}
	if v := os.Getenv("LENDPOOL_READ_ONLY"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			settings.ReadOnly = b
		}
	}
	if v := os.Getenv("LENDPOOL_SETTLEMENT_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			settings.SettlementTimeout = d
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
	if strings.TrimSpace(flags.Select) != "" {
		parts := strings.Split(flags.Select, ",")
		fields := make([]string, 0, len(parts))
		for _, part := range parts {
			f := strings.TrimSpace(part)
			if f != "" {
				fields = append(fields, f)
			}
		}
		settings.SelectFields = fields
	}
	settings.ResultsOnly = flags.ResultsOnly

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
	if strings.TrimSpace(flags.Network) != "" {
		settings.Network = strings.TrimSpace(flags.Network)
	}
	if strings.TrimSpace(flags.RPCURL) != "" {
		settings.RPCURL = strings.TrimSpace(flags.RPCURL)
	}
	if strings.TrimSpace(flags.EnvFile) != "" {
		settings.EnvFile = strings.TrimSpace(flags.EnvFile)
	}
	if flags.LogLevel != "" {
		settings.LogLevel = strings.ToLower(flags.LogLevel)
	}
	if flags.LogFile != "" {
		settings.LogFile = flags.LogFile
	}
	if flags.MetricsFile != "" {
		settings.MetricsFile = flags.MetricsFile
	}
	if flags.NoCache {
		settings.CacheEnabled = false
	}
	if strings.TrimSpace(flags.EnableCommands) != "" {
		settings.EnableCommands = splitList(flags.EnableCommands)
	}
	if flags.ReadOnly {
		settings.ReadOnly = true
	}

	if settings.OutputMode != "json" && settings.OutputMode != "plain" {
		return fmt.Errorf("output must be json or plain")
	}
	switch settings.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log level must be debug, info, warn or error")
	}

	return nil
}

func splitList(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
