package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/parsers/toml"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env/v2"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

const (
	envPrefix = "BLOCKMIRROR_"
	// ConfigFileEnv names an optional YAML, JSON or TOML file loaded between defaults and env.
	ConfigFileEnv = envPrefix + "CONFIG"
)

// AppConfig holds configuration values parsed from defaults, an optional file and the environment.
type AppConfig struct {
	// Env is the runtime environment, either "dev" or "prod".
	Env string `koanf:"env" validate:"required,oneof=dev prod"`

	// LogLevel controls log verbosity: "debug", "info", "warn", or "error".
	LogLevel string `koanf:"log_level" validate:"required,oneof=debug info warn error"`

	// DBPath is the bbolt database file holding every mirrored list.
	DBPath string `koanf:"db_path" validate:"required"`

	// ServiceURL is the base URL of the XRPC service, e.g. https://bsky.social.
	ServiceURL string `koanf:"service_url" validate:"required,xrpc_url"`

	// AccessToken is the bearer token of the session. Reads of public lists work without one.
	AccessToken string `koanf:"access_token"`

	// RepoDID is the repository that owns list item records; defaults to the list owner.
	RepoDID string `koanf:"repo_did" validate:"omitempty,startswith=did:"`

	PageSize  int `koanf:"page_size" validate:"gte=1,lte=1000"`
	ChunkSize int `koanf:"chunk_size" validate:"gte=1,lte=100"`
	NgramSize int `koanf:"ngram_size" validate:"gte=2,lte=8"`

	FetchTimeout     time.Duration `koanf:"fetch_timeout" validate:"gt=0"`
	RetryMaxAttempts int           `koanf:"retry_max_attempts" validate:"gte=1,lte=20"`
	RetryBaseDelay   time.Duration `koanf:"retry_base_delay" validate:"gt=0"`
	RetryMaxDelay    time.Duration `koanf:"retry_max_delay" validate:"gtefield=RetryBaseDelay"`

	// CacheSize is the record cache capacity; 0 disables the cache.
	CacheSize   int     `koanf:"cache_size" validate:"gte=0"`
	BloomFPRate float64 `koanf:"bloom_fp_rate" validate:"gt=0,lt=1"`
}

// DEFAULT_APP_CONFIG defines the default application configuration settings for the mirror.
var DEFAULT_APP_CONFIG = AppConfig{
	Env:              "prod",
	LogLevel:         "info",
	DBPath:           "blockmirror.db",
	ServiceURL:       "https://public.api.bsky.app",
	PageSize:         50,
	ChunkSize:        100,
	NgramSize:        3,
	FetchTimeout:     5 * time.Second,
	RetryMaxAttempts: 5,
	RetryBaseDelay:   time.Second,
	RetryMaxDelay:    30 * time.Second,
	CacheSize:        2048,
	BloomFPRate:      0.01,
}

// validHTTPURL accepts absolute http and https URLs with a host.
func validHTTPURL(fl validator.FieldLevel) bool {
	u, err := url.Parse(fl.Field().String())
	if err != nil || u.Host == "" {
		return false
	}
	return u.Scheme == "http" || u.Scheme == "https"
}

// envLoader loads environment variables with the prefix "BLOCKMIRROR_".
// It transforms the keys to lowercase and removes the prefix,
// and can be mocked in tests.
var envLoader = func(k *koanf.Koanf) error {
	return k.Load(env.Provider(".", env.Opt{
		Prefix: envPrefix,
		TransformFunc: func(key, value string) (string, any) {
			key = strings.ToLower(strings.TrimPrefix(key, envPrefix))
			return key, strings.TrimSpace(value)
		},
	}), nil)
}

// defaultLoader loads DEFAULT_APP_CONFIG through the structs provider.
var defaultLoader = func(k *koanf.Koanf) error {
	return k.Load(structs.Provider(DEFAULT_APP_CONFIG, "koanf"), nil)
}

// fileLoader loads the file named by BLOCKMIRROR_CONFIG, if set. The parser
// is picked by extension.
var fileLoader = func(k *koanf.Koanf) error {
	path := strings.TrimSpace(os.Getenv(ConfigFileEnv))
	if path == "" {
		return nil
	}
	parser, err := parserFor(path)
	if err != nil {
		return err
	}
	return k.Load(file.Provider(path), parser)
}

func parserFor(path string) (koanf.Parser, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return yaml.Parser(), nil
	case ".json":
		return json.Parser(), nil
	case ".toml":
		return toml.Parser(), nil
	default:
		return nil, fmt.Errorf("unsupported config file type %q", filepath.Ext(path))
	}
}

// registerValidation registers the "xrpc_url" tag with the provided validator.
var registerValidation = func(v *validator.Validate) error {
	return v.RegisterValidation("xrpc_url", validHTTPURL)
}

// Load applies defaults, then the optional config file, then environment
// variables, and validates the result.
func Load() (*AppConfig, error) {
	k := koanf.New(".")

	if err := defaultLoader(k); err != nil {
		return nil, fmt.Errorf("error loading default config: %w", err)
	}

	if err := fileLoader(k); err != nil {
		return nil, fmt.Errorf("error loading config file: %w", err)
	}

	if err := envLoader(k); err != nil {
		return nil, fmt.Errorf("error loading env: %w", err)
	}

	var cfg AppConfig

	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("error unmarshalling config: %w", err)
	}

	validate := validator.New(validator.WithRequiredStructEnabled())

	if err := registerValidation(validate); err != nil {
		return nil, fmt.Errorf("error registering validation: %w", err)
	}

	if err := validate.Struct(&cfg); err != nil {
		return nil, fmt.Errorf("validation failed: %w", err)
	}

	return &cfg, nil
}
