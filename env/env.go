package env

import (
	"bufio"
	"bytes"
	"log"
	"os"
	"strings"

	"github.com/agentuity/respcache/logger"
	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"
)

type EnvLine struct {
	Key string `json:"key"`
	Val string `json:"val"`
}

// ParseEnvFile parses a dotenv file. A missing file yields no lines and no error.
func ParseEnvFile(filename string) ([]EnvLine, error) {
	buf, err := os.ReadFile(filename)
	if errors.Is(err, os.ErrNotExist) {
		return []EnvLine{}, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "read env file %s", filename)
	}
	return ParseEnvBuffer(buf)
}

func dequote(s string) (string, bool) {
	if len(s) >= 2 {
		if q := s[0]; (q == '\'' || q == '"') && s[len(s)-1] == q {
			return s[1 : len(s)-1], true
		}
	}
	return s, false
}

// ProcessEnvLine splits KEY=VALUE, tolerating an "export " prefix, quotes and
// a trailing " # comment" on unquoted values.
func ProcessEnvLine(line string) EnvLine {
	line = strings.TrimPrefix(strings.TrimSpace(line), "export ")
	key, val, ok := strings.Cut(line, "=")
	if !ok {
		return EnvLine{Key: strings.TrimSpace(line)}
	}
	key = strings.TrimSpace(key)
	val = strings.TrimSpace(val)
	if v, quoted := dequote(val); quoted {
		return EnvLine{Key: key, Val: v}
	}
	if idx := strings.Index(val, " #"); idx >= 0 {
		val = strings.TrimSpace(val[:idx])
	}
	return EnvLine{Key: key, Val: val}
}

// interpolate expands ${VAR}, ${VAR:-default} and ${env:VAR} references.
// Unresolvable references without a default are kept verbatim.
func interpolate(input string, vars map[string]string) string {
	if !strings.Contains(input, "${") {
		return input
	}
	var out strings.Builder
	rest := input
	for {
		start := strings.Index(rest, "${")
		if start < 0 {
			out.WriteString(rest)
			return out.String()
		}
		end := strings.IndexByte(rest[start:], '}')
		if end < 0 {
			out.WriteString(rest)
			return out.String()
		}
		end += start
		out.WriteString(rest[:start])
		ref := rest[start : end+1]
		name, def, _ := strings.Cut(rest[start+2:end], ":-")
		var val string
		if envName, ok := strings.CutPrefix(name, "env:"); ok {
			val = os.Getenv(envName)
		} else {
			val = vars[name]
		}
		switch {
		case name == "":
			out.WriteString(ref)
		case val != "":
			out.WriteString(val)
		case def != "":
			out.WriteString(def)
		default:
			out.WriteString(ref)
		}
		rest = rest[end+1:]
	}
}

// ParseEnvBuffer parses dotenv content. References are resolved against
// every key in the buffer, so order does not matter.
func ParseEnvBuffer(buf []byte) ([]EnvLine, error) {
	envs := make([]EnvLine, 0)
	vars := make(map[string]string)
	scanner := bufio.NewScanner(bytes.NewReader(buf))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		env := ProcessEnvLine(line)
		if env.Key == "" {
			continue
		}
		env.Val = interpolate(env.Val, vars)
		vars[env.Key] = env.Val
		envs = append(envs, env)
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrap(err, "scan env buffer")
	}
	for i := range envs {
		envs[i].Val = interpolate(envs[i].Val, vars)
	}
	return envs, nil
}

// ToMap returns the lines as a map; later duplicates win.
func ToMap(envs []EnvLine) map[string]string {
	m := make(map[string]string, len(envs))
	for _, e := range envs {
		m[e.Key] = e.Val
	}
	return m
}

// FlagOrEnv will try and get a flag from the cobra.Command and if not found, look it up in the environment
// and fallback to defaultValue if non found
func FlagOrEnv(cmd *cobra.Command, flagName string, envName string, defaultValue string) string {
	if flag := cmd.Flags().Lookup(flagName); flag != nil && flag.Changed && flag.Value.String() != "" {
		return flag.Value.String()
	}
	if val, ok := os.LookupEnv(envName); ok && val != "" {
		return val
	}
	if flagValue, err := cmd.Flags().GetString(flagName); err == nil && flagValue != "" {
		return flagValue
	}
	return defaultValue
}

// LogLevel resolves --log-level, then RESPCACHE_LOG_LEVEL, then info.
func LogLevel(cmd *cobra.Command) logger.LogLevel {
	level, _ := logger.ParseLevel(FlagOrEnv(cmd, "log-level", logger.LevelEnv, "info"))
	return level
}

// NewLogger returns a logger honouring --log-level and --log-format
// (console or json, falling back to RESPCACHE_LOG_FORMAT).
func NewLogger(cmd *cobra.Command) logger.Logger {
	return NewLoggerAt(cmd, LogLevel(cmd))
}

// NewLoggerAt is NewLogger with an already resolved level.
func NewLoggerAt(cmd *cobra.Command, level logger.LogLevel) logger.Logger {
	log.SetFlags(0)
	if strings.EqualFold(FlagOrEnv(cmd, "log-format", "RESPCACHE_LOG_FORMAT", "console"), "json") {
		return logger.NewJSONLogger(level)
	}
	return logger.NewConsoleLogger(level)
}
