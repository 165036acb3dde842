package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
)

// ModeDevelopment is the mode in which upstream TLS verification is relaxed
// and the Host header is rewritten to the target.
const ModeDevelopment = "development"

// Env is the environment a configuration is built from: env file values
// layered under the process environment.
type Env map[string]string

// Get returns the value for key, or "" when unset.
func (e Env) Get(key string) string {
	return e[key]
}

// Lookup returns the value for key and whether it is set.
func (e Env) Lookup(key string) (string, bool) {
	v, ok := e[key]
	return v, ok
}

// EnvFiles lists the env files consulted for mode, lowest precedence first.
func EnvFiles(dir, mode string) []string {
	files := []string{".env", ".env.local"}
	if mode != "" {
		files = append(files, ".env."+mode, ".env."+mode+".local")
	}
	for i, f := range files {
		files[i] = filepath.Join(dir, f)
	}
	return files
}

// LoadEnv reads the env files for mode from dir and overlays the process
// environment on top. Missing files are skipped; a file that exists but
// cannot be parsed is an error.
func LoadEnv(dir, mode string) (Env, error) {
	env := Env{}
	for _, path := range EnvFiles(dir, mode) {
		values, err := godotenv.Read(path)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return nil, fmt.Errorf("failed to read env file %s: %w", path, err)
		}
		for k, v := range values {
			env[k] = v
		}
	}
	for _, kv := range os.Environ() {
		if k, v, ok := strings.Cut(kv, "="); ok {
			env[k] = v
		}
	}
	return env, nil
}

// Expand substitutes ${VAR}, ${VAR:-default} and $VAR references in s.
// Unset variables without a default are reported as errors.
func (e Env) Expand(s string) (string, error) {
	var missing []string
	out := os.Expand(s, func(ref string) string {
		name, def, hasDefault := strings.Cut(ref, ":-")
		if v, ok := e[name]; ok && v != "" {
			return v
		}
		if hasDefault {
			return def
		}
		missing = append(missing, name)
		return ""
	})
	if len(missing) > 0 {
		return "", fmt.Errorf("undefined variable(s) %s in %q", strings.Join(missing, ", "), s)
	}
	return out, nil
}
