package config

import (
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/aceeric/ocisync/impl/auth"
	"github.com/aceeric/ocisync/impl/globals"
	"github.com/aceeric/ocisync/impl/registry"

	"gopkg.in/yaml.v3"
)

// authCfg holds registry credentials. A provider (like ecr) takes precedence
// over user and password.
type authCfg struct {
	User            string `yaml:"user"`
	Password        string `yaml:"password"`
	PasswordFromEnv string `yaml:"passwordFromEnv"`
	Provider        string `yaml:"provider"`
	ProviderOpts    string `yaml:"providerOpts"`
	Expiry          string `yaml:"expiry"`
}

// tlsCfg holds TLS configuration for registry access
type tlsCfg struct {
	Cert               string `yaml:"cert"`
	Key                string `yaml:"key"`
	CA                 string `yaml:"ca"`
	InsecureSkipVerify bool   `yaml:"insecureSkipVerify"`
}

// RegistryConfig combines authCfg and tlsCfg and configures the client for
// access to one registry
type RegistryConfig struct {
	Name        string  `yaml:"name"`
	Description string  `yaml:"description"`
	Auth        authCfg `yaml:"auth"`
	Tls         tlsCfg  `yaml:"tls"`
	Scheme      string  `yaml:"scheme"`
}

// Configuration represents the totality of configuration knobs and dials.
type Configuration struct {
	LogLevel     string           `yaml:"logLevel"`
	LogFile      string           `yaml:"logFile"`
	ConfigFile   string           `yaml:"configFile"`
	Workers      int              `yaml:"workers"`
	TagFilter    string           `yaml:"tagFilter"`
	Metrics      int              `yaml:"metrics"`
	Interval     string           `yaml:"interval"`
	PrefixDomain bool             `yaml:"prefixDomain"`
	Catalog      string           `yaml:"catalog"`
	Timeout      string           `yaml:"timeout"`
	Registries   []RegistryConfig `yaml:"registries"`
}

// FromCmdLine has a flag for every command-line option. The parsing code
// sets the flag to true if the option was explicitly provided on the command
// line by the user.
type FromCmdLine struct {
	Command      string
	LogLevel     bool
	LogFile      bool
	ConfigFile   bool
	Workers      bool
	TagFilter    bool
	Metrics      bool
	Interval     bool
	PrefixDomain bool
	Catalog      bool
	Timeout      bool
}

var (
	mu        sync.Mutex
	config    Configuration
	emptyAuth = authCfg{}
	emptyTls  = tlsCfg{}
)

func GetLogLevel() string {
	return config.LogLevel
}

func GetLogFile() string {
	return config.LogFile
}

func GetConfigFile() string {
	return config.ConfigFile
}

func GetWorkers() int {
	return config.Workers
}

func GetTagFilter() string {
	return config.TagFilter
}

func GetMetrics() int {
	return config.Metrics
}

func GetInterval() string {
	return config.Interval
}

func GetPrefixDomain() bool {
	return config.PrefixDomain
}

func GetCatalog() string {
	return config.Catalog
}

func GetTimeout() string {
	return config.Timeout
}

func GetRegistries() []RegistryConfig {
	return config.Registries
}

// Load loads the passed configuration file into the configuration struct
func Load(configFile string) error {
	if _, err := os.Stat(configFile); err != nil {
		return fmt.Errorf("unable to stat configuration file: %s", configFile)
	}
	if contents, err := os.ReadFile(configFile); err != nil {
		return fmt.Errorf("error reading configuration file: %s", configFile)
	} else if err := SetConfigFromStr(contents); err != nil {
		return fmt.Errorf("error parsing configuration file: %s, the error was: %s", configFile, err)
	}
	return nil
}

// Get gets the current configuration
func Get() Configuration {
	mu.Lock()
	defer mu.Unlock()
	return config
}

// Set replaces the configuration with the passed configuration
func Set(cfg Configuration) {
	mu.Lock()
	defer mu.Unlock()
	config = cfg
}

// SetConfigFromStr parses the yaml input and sets the configuration from it
func SetConfigFromStr(configBytes []byte) error {
	var cfg Configuration
	if err := yaml.Unmarshal(configBytes, &cfg); err != nil {
		return err
	}
	Set(cfg)
	return nil
}

// ConfigFor looks for a configuration entry keyed by the passed 'reg' arg (e.g.
// 'quay.io') and returns the registry client options from it. If no matching
// entry is found then only the timeout is set, meaning anonymous access with
// https tried before http and the OS trust store.
func ConfigFor(reg string) (registry.Opts, error) {
	opts := registry.Opts{}
	if timeout := Get().Timeout; timeout != "" {
		d, err := time.ParseDuration(timeout)
		if err != nil {
			return opts, fmt.Errorf("invalid timeout %q: %w", timeout, err)
		}
		opts.Timeout = d
	}
	found, ok := registryConfig(reg)
	if !ok {
		return opts, nil
	}
	opts.Scheme = found.Scheme
	if found.Auth != emptyAuth {
		if found.Auth.Provider != "" {
			creds, err := auth.Credentials(found.Auth.Provider, found.Auth.ProviderOpts, found.Auth.Expiry)
			if err != nil {
				return opts, fmt.Errorf("config entry %s: %w", reg, err)
			}
			opts.Credentials = registry.CredentialFunc(creds)
		}
		opts.Username = found.Auth.User
		opts.Password = found.Auth.Password
		if found.Auth.PasswordFromEnv != "" {
			opts.Password = os.Getenv(found.Auth.PasswordFromEnv)
		}
	}
	if found.Tls != emptyTls {
		cfg, err := globals.ClientTls(found.Tls.CA, found.Tls.Cert, found.Tls.Key, found.Tls.InsecureSkipVerify)
		if err != nil {
			return opts, fmt.Errorf("config entry %s: %w", reg, err)
		}
		opts.TlsConfig = cfg
	}
	return opts, nil
}

func registryConfig(reg string) (RegistryConfig, bool) {
	mu.Lock()
	defer mu.Unlock()
	for _, r := range config.Registries {
		if r.Name == reg {
			return r, true
		}
	}
	return RegistryConfig{}, false
}
