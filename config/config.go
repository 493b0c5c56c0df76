// Package config resolves the service settings from defaults, an optional
// YAML file, a dotenv file, the process environment and command line flags,
// in increasing order of precedence.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/agentuity/respcache/cache"
	"github.com/agentuity/respcache/env"
	"github.com/cockroachdb/errors"
	"github.com/spf13/pflag"
	"github.com/xhit/go-str2duration/v2"
	"gopkg.in/yaml.v3"
)

// Settings is the resolved, immutable startup configuration.
type Settings struct {
	EnableCache    bool
	CacheBackend   cache.Kind
	BackendHost    string
	BackendPort    int
	CachePrefix    string
	QueryTimeout   time.Duration
	ExpiryCheck    time.Duration
	MaxIdleConns   int
	LocalTier      bool
	CircuitBreaker bool
	SQLitePath     string
	RedisDB        int
	Port           int
	WorkDelay      time.Duration
	LogLevel       string
}

type field struct {
	env     string
	aliases []string
	flag    string
	def     string
	usage   string
	apply   func(s *Settings, v string) error
}

func (f field) yamlKey() string { return strings.ToLower(f.env) }

var fields = []field{
	{env: "ENABLE_CACHE", flag: "enable-cache", def: "true", usage: "cache decorated responses",
		apply: func(s *Settings, v string) (err error) { s.EnableCache, err = ParseBool(v); return }},
	{env: "CACHE_BACKEND", flag: "cache-backend", def: "memory", usage: "memory, networked, memcached, redis or sqlite",
		apply: func(s *Settings, v string) (err error) { s.CacheBackend, err = cache.ParseKind(v); return }},
	{env: "BACKEND_HOST", aliases: []string{"MEMCACHED_HOST"}, flag: "backend-host", def: "localhost", usage: "networked backend host",
		apply: func(s *Settings, v string) error { s.BackendHost = v; return nil }},
	{env: "BACKEND_PORT", aliases: []string{"MEMCACHED_PORT"}, flag: "backend-port", def: "11211", usage: "networked backend port",
		apply: func(s *Settings, v string) (err error) { s.BackendPort, err = strconv.Atoi(v); return }},
	{env: "CACHE_PREFIX", flag: "cache-prefix", def: "respcache", usage: "key namespace",
		apply: func(s *Settings, v string) error { s.CachePrefix = v; return nil }},
	{env: "CACHE_QUERY_TIMEOUT", flag: "cache-query-timeout", def: "5s", usage: "per-call backend timeout",
		apply: func(s *Settings, v string) (err error) { s.QueryTimeout, err = str2duration.ParseDuration(v); return }},
	{env: "CACHE_EXPIRY_CHECK", flag: "cache-expiry-check", def: "1m", usage: "sweep interval for local backends",
		apply: func(s *Settings, v string) (err error) { s.ExpiryCheck, err = str2duration.ParseDuration(v); return }},
	{env: "CACHE_LOCAL_TIER", flag: "cache-local-tier", def: "false", usage: "keep an in-memory tier in front of a networked backend",
		apply: func(s *Settings, v string) (err error) { s.LocalTier, err = ParseBool(v); return }},
	{env: "CACHE_MAX_IDLE_CONNS", flag: "cache-max-idle-conns", def: "16", usage: "idle connections kept per networked backend server",
		apply: func(s *Settings, v string) (err error) { s.MaxIdleConns, err = strconv.Atoi(v); return }},
	{env: "CACHE_CIRCUIT_BREAKER", flag: "cache-circuit-breaker", def: "true", usage: "fail fast while a networked backend is down",
		apply: func(s *Settings, v string) (err error) { s.CircuitBreaker, err = ParseBool(v); return }},
	{env: "CACHE_SQLITE_PATH", flag: "cache-sqlite-path", def: "cache.db", usage: "sqlite database file",
		apply: func(s *Settings, v string) error { s.SQLitePath = v; return nil }},
	{env: "REDIS_DB", flag: "redis-db", def: "0", usage: "redis database index",
		apply: func(s *Settings, v string) (err error) { s.RedisDB, err = strconv.Atoi(v); return }},
	{env: "PORT", flag: "port", def: "8000", usage: "HTTP listen port",
		apply: func(s *Settings, v string) (err error) { s.Port, err = strconv.Atoi(v); return }},
	{env: "WORK_DELAY", flag: "work-delay", def: "2s", usage: "simulated handler work",
		apply: func(s *Settings, v string) (err error) { s.WorkDelay, err = str2duration.ParseDuration(v); return }},
	{env: "RESPCACHE_LOG_LEVEL", flag: "log-level", def: "info", usage: "trace, debug, info, warn or error",
		apply: func(s *Settings, v string) error { s.LogLevel = strings.ToLower(v); return nil }},
}

// ParseBool accepts 1/0, true/false, yes/no and on/off in any case.
func ParseBool(v string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	}
	return false, errors.Newf("invalid boolean %q", v)
}

// RegisterFlags adds a flag for every setting to fs. Only flags the user
// actually sets override the other sources.
func RegisterFlags(fs *pflag.FlagSet) {
	for _, f := range fields {
		if fs.Lookup(f.flag) != nil {
			continue
		}
		fs.String(f.flag, "", fmt.Sprintf("%s (env %s, default %q)", f.usage, f.env, f.def))
	}
	fs.String("config", "", "YAML settings file")
	fs.String("env-file", ".env", "dotenv settings file, ignored when missing")
}

// LoadOptions names the sources Load reads.
type LoadOptions struct {
	// ConfigFile is an optional YAML file of lowercase setting names.
	ConfigFile string
	// EnvFile is an optional dotenv file. A missing file is not an error.
	EnvFile string
	// LookupEnv reads the process environment; os.LookupEnv when nil.
	LookupEnv func(string) (string, bool)
	// Flags, when set, supplies command line overrides.
	Flags *pflag.FlagSet
}

// LoadOptionsFromFlags reads --config and --env-file from fs.
func LoadOptionsFromFlags(fs *pflag.FlagSet) LoadOptions {
	opts := LoadOptions{Flags: fs}
	opts.ConfigFile, _ = fs.GetString("config")
	opts.EnvFile, _ = fs.GetString("env-file")
	return opts
}

type source func(f field) (string, bool)

func lookupKeys(lookup func(string) (string, bool)) source {
	return func(f field) (string, bool) {
		for _, key := range append([]string{f.env}, f.aliases...) {
			if v, ok := lookup(key); ok && v != "" {
				return v, true
			}
		}
		return "", false
	}
}

func yamlSource(filename string) (source, error) {
	buf, err := os.ReadFile(filename)
	if err != nil {
		return nil, errors.Wrapf(err, "read config file %s", filename)
	}
	raw := make(map[string]interface{})
	if err := yaml.Unmarshal(buf, &raw); err != nil {
		return nil, cache.Categorize(errors.Wrapf(err, "parse config file %s", filename), cache.ErrConfigurationInvalid)
	}
	values := make(map[string]string, len(raw))
	for k, v := range raw {
		if v == nil {
			continue
		}
		values[strings.ToUpper(k)] = fmt.Sprint(v)
	}
	return lookupKeys(func(k string) (string, bool) {
		v, ok := values[k]
		return v, ok
	}), nil
}

func flagSource(fs *pflag.FlagSet) source {
	return func(f field) (string, bool) {
		flag := fs.Lookup(f.flag)
		if flag == nil || !flag.Changed {
			return "", false
		}
		return flag.Value.String(), true
	}
}

// Load resolves Settings from every source in opts and validates them.
// Every failure is marked cache.ErrConfigurationInvalid.
func Load(opts LoadOptions) (Settings, error) {
	lookupEnv := opts.LookupEnv
	if lookupEnv == nil {
		lookupEnv = os.LookupEnv
	}
	var sources []source
	if opts.ConfigFile != "" {
		src, err := yamlSource(opts.ConfigFile)
		if err != nil {
			return Settings{}, cache.Categorize(err, cache.ErrConfigurationInvalid)
		}
		sources = append(sources, src)
	}
	if opts.EnvFile != "" {
		lines, err := env.ParseEnvFile(opts.EnvFile)
		if err != nil {
			return Settings{}, cache.Categorize(err, cache.ErrConfigurationInvalid)
		}
		dotenv := env.ToMap(lines)
		sources = append(sources, lookupKeys(func(k string) (string, bool) {
			v, ok := dotenv[k]
			return v, ok
		}))
	}
	sources = append(sources, lookupKeys(lookupEnv))
	if opts.Flags != nil {
		sources = append(sources, flagSource(opts.Flags))
	}

	var s Settings
	for _, f := range fields {
		val := f.def
		for _, src := range sources {
			if v, ok := src(f); ok {
				val = v
			}
		}
		if err := f.apply(&s, strings.TrimSpace(val)); err != nil {
			return Settings{}, cache.Categorize(errors.Wrapf(err, "invalid %s", f.env), cache.ErrConfigurationInvalid)
		}
	}
	if err := s.Validate(); err != nil {
		return Settings{}, err
	}
	return s, nil
}

// Default returns the settings used when no source overrides anything.
func Default() Settings {
	s, err := Load(LoadOptions{LookupEnv: func(string) (string, bool) { return "", false }})
	if err != nil {
		panic(err)
	}
	return s
}

func invalid(format string, args ...interface{}) error {
	return cache.Categorize(errors.Newf(format, args...), cache.ErrConfigurationInvalid)
}

// Validate checks ranges that parsing alone cannot.
func (s Settings) Validate() error {
	if _, err := cache.ParseKind(string(s.CacheBackend)); err != nil {
		return err
	}
	if s.Port < 1 || s.Port > 65535 {
		return invalid("PORT %d out of range 1-65535", s.Port)
	}
	if s.CacheBackend.Networked() {
		if s.BackendPort < 1 || s.BackendPort > 65535 {
			return invalid("BACKEND_PORT %d out of range 1-65535", s.BackendPort)
		}
		if s.BackendHost == "" {
			return invalid("BACKEND_HOST is required for the %s backend", s.CacheBackend)
		}
	}
	if s.QueryTimeout <= 0 {
		return invalid("CACHE_QUERY_TIMEOUT must be positive, got %s", s.QueryTimeout)
	}
	if s.ExpiryCheck <= 0 {
		return invalid("CACHE_EXPIRY_CHECK must be positive, got %s", s.ExpiryCheck)
	}
	if s.MaxIdleConns < 1 {
		return invalid("CACHE_MAX_IDLE_CONNS must be positive, got %d", s.MaxIdleConns)
	}
	if s.WorkDelay < 0 {
		return invalid("WORK_DELAY must not be negative, got %s", s.WorkDelay)
	}
	if s.RedisDB < 0 {
		return invalid("REDIS_DB must not be negative, got %d", s.RedisDB)
	}
	return nil
}

// BackendConfig converts the cache settings into a cache.BackendConfig.
func (s Settings) BackendConfig() cache.BackendConfig {
	return cache.BackendConfig{
		Kind:         s.CacheBackend,
		Host:         s.BackendHost,
		Port:         s.BackendPort,
		RedisDB:      s.RedisDB,
		SQLitePath:   s.SQLitePath,
		Prefix:       s.CachePrefix,
		QueryTimeout: s.QueryTimeout,
		ExpiryCheck:  s.ExpiryCheck,
		MaxIdleConns: s.MaxIdleConns,
		LocalTier:    s.LocalTier,
		Breaker:      s.CircuitBreaker,
	}
}
