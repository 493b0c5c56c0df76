package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/agentuity/respcache/cache"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func environ(kv map[string]string) func(string) (string, bool) {
	return func(k string) (string, bool) {
		v, ok := kv[k]
		return v, ok
	}
}

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestDefaults(t *testing.T) {
	s := Default()
	assert.True(t, s.EnableCache)
	assert.Equal(t, cache.KindMemory, s.CacheBackend)
	assert.Equal(t, "localhost", s.BackendHost)
	assert.Equal(t, 11211, s.BackendPort)
	assert.Equal(t, "respcache", s.CachePrefix)
	assert.Equal(t, 5*time.Second, s.QueryTimeout)
	assert.Equal(t, time.Minute, s.ExpiryCheck)
	assert.Equal(t, 16, s.MaxIdleConns)
	assert.False(t, s.LocalTier)
	assert.True(t, s.CircuitBreaker)
	assert.Equal(t, "cache.db", s.SQLitePath)
	assert.Equal(t, 8000, s.Port)
	assert.Equal(t, 2*time.Second, s.WorkDelay)
	assert.Equal(t, "info", s.LogLevel)
}

func TestLoadFromEnvironment(t *testing.T) {
	s, err := Load(LoadOptions{LookupEnv: environ(map[string]string{
		"ENABLE_CACHE":        "no",
		"CACHE_BACKEND":       "networked",
		"MEMCACHED_HOST":      "cache.internal",
		"MEMCACHED_PORT":      "11311",
		"CACHE_QUERY_TIMEOUT": "250ms",
		"CACHE_EXPIRY_CHECK":  "1d",
		"WORK_DELAY":          "0s",
	})})
	require.NoError(t, err)
	assert.False(t, s.EnableCache)
	assert.Equal(t, cache.KindMemcached, s.CacheBackend)
	assert.Equal(t, "cache.internal", s.BackendHost)
	assert.Equal(t, 11311, s.BackendPort)
	assert.Equal(t, 250*time.Millisecond, s.QueryTimeout)
	assert.Equal(t, 24*time.Hour, s.ExpiryCheck)
	assert.Equal(t, time.Duration(0), s.WorkDelay)
}

func TestPrimaryNameBeatsAlias(t *testing.T) {
	s, err := Load(LoadOptions{LookupEnv: environ(map[string]string{
		"BACKEND_HOST":   "primary",
		"MEMCACHED_HOST": "alias",
	})})
	require.NoError(t, err)
	assert.Equal(t, "primary", s.BackendHost)
}

func TestPrecedence(t *testing.T) {
	yamlFile := writeFile(t, "respcache.yaml", `
cache_backend: redis
backend_port: 6379
cache_prefix: from-yaml
redis_db: 2
work_delay: 3s
`)
	envFile := writeFile(t, ".env", `
CACHE_PREFIX=from-dotenv
WORK_DELAY=4s
PORT=9000
`)
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	RegisterFlags(fs)
	require.NoError(t, fs.Parse([]string{"--port", "9100"}))

	s, err := Load(LoadOptions{
		ConfigFile: yamlFile,
		EnvFile:    envFile,
		LookupEnv:  environ(map[string]string{"WORK_DELAY": "5s", "PORT": "9050"}),
		Flags:      fs,
	})
	require.NoError(t, err)
	assert.Equal(t, cache.KindRedis, s.CacheBackend) // yaml
	assert.Equal(t, 6379, s.BackendPort)             // yaml
	assert.Equal(t, 2, s.RedisDB)                    // yaml
	assert.Equal(t, "from-dotenv", s.CachePrefix)    // dotenv beats yaml
	assert.Equal(t, 5*time.Second, s.WorkDelay)      // env beats dotenv
	assert.Equal(t, 9100, s.Port)                    // flag beats env
}

func TestLoadOptionsFromFlags(t *testing.T) {
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	RegisterFlags(fs)
	require.NoError(t, fs.Parse([]string{"--config", "settings.yaml"}))

	opts := LoadOptionsFromFlags(fs)
	assert.Equal(t, "settings.yaml", opts.ConfigFile)
	assert.Equal(t, ".env", opts.EnvFile)
	assert.Same(t, fs, opts.Flags)
}

func TestMissingEnvFileIgnored(t *testing.T) {
	_, err := Load(LoadOptions{
		EnvFile:   filepath.Join(t.TempDir(), "missing.env"),
		LookupEnv: environ(nil),
	})
	assert.NoError(t, err)
}

func TestInvalidSettings(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{"unknown backend", map[string]string{"CACHE_BACKEND": "dynamo"}},
		{"bad bool", map[string]string{"ENABLE_CACHE": "maybe"}},
		{"port too high", map[string]string{"PORT": "70000"}},
		{"port not a number", map[string]string{"PORT": "http"}},
		{"backend port zero", map[string]string{"CACHE_BACKEND": "memcached", "BACKEND_PORT": "0"}},
		{"zero timeout", map[string]string{"CACHE_QUERY_TIMEOUT": "0s"}},
		{"negative timeout", map[string]string{"CACHE_QUERY_TIMEOUT": "-1s"}},
		{"garbage duration", map[string]string{"CACHE_EXPIRY_CHECK": "soon"}},
		{"negative work delay", map[string]string{"WORK_DELAY": "-2s"}},
		{"zero idle connections", map[string]string{"CACHE_MAX_IDLE_CONNS": "0"}},
		{"idle connections not a number", map[string]string{"CACHE_MAX_IDLE_CONNS": "many"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(LoadOptions{LookupEnv: environ(tt.env)})
			assert.ErrorIs(t, err, cache.ErrConfigurationInvalid)
		})
	}
}

func TestMissingConfigFile(t *testing.T) {
	_, err := Load(LoadOptions{ConfigFile: filepath.Join(t.TempDir(), "nope.yaml"), LookupEnv: environ(nil)})
	assert.ErrorIs(t, err, cache.ErrConfigurationInvalid)
}

func TestMalformedConfigFile(t *testing.T) {
	_, err := Load(LoadOptions{ConfigFile: writeFile(t, "bad.yaml", "cache_backend: [unclosed"), LookupEnv: environ(nil)})
	assert.ErrorIs(t, err, cache.ErrConfigurationInvalid)
}

func TestParseBool(t *testing.T) {
	for _, v := range []string{"1", "true", "TRUE", "yes", "on", " On "} {
		b, err := ParseBool(v)
		assert.NoError(t, err, v)
		assert.True(t, b, v)
	}
	for _, v := range []string{"0", "false", "no", "off"} {
		b, err := ParseBool(v)
		assert.NoError(t, err, v)
		assert.False(t, b, v)
	}
	_, err := ParseBool("")
	assert.Error(t, err)
}

func TestBackendConfig(t *testing.T) {
	s, err := Load(LoadOptions{LookupEnv: environ(map[string]string{
		"CACHE_BACKEND":    "redis",
		"BACKEND_PORT":     "6379",
		"CACHE_LOCAL_TIER": "on",
	})})
	require.NoError(t, err)
	bc := s.BackendConfig()
	assert.Equal(t, cache.KindRedis, bc.Kind)
	assert.Equal(t, "localhost:6379", bc.Addr())
	assert.Equal(t, "respcache", bc.Prefix)
	assert.True(t, bc.LocalTier)
	assert.True(t, bc.Breaker)
	assert.Equal(t, 5*time.Second, bc.QueryTimeout)
	assert.Equal(t, cache.DefaultMaxIdleConns, bc.MaxIdleConns)

	s, err = Load(LoadOptions{LookupEnv: environ(map[string]string{"CACHE_MAX_IDLE_CONNS": "64"})})
	require.NoError(t, err)
	assert.Equal(t, 64, s.BackendConfig().MaxIdleConns)
}
