package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// Loader loads and holds the active configuration. Get is safe to call
// from any goroutine; Load and Reload swap the config atomically after
// a successful parse and validation, so a bad file never replaces a
// good config.
type Loader struct {
	mu       sync.RWMutex
	cfg      *Config
	filePath string
}

// NewLoader returns a Loader holding DefaultConfig.
func NewLoader() *Loader {
	return &Loader{cfg: DefaultConfig()}
}

// Load reads the YAML file at path, substitutes ${ENV_VAR} references,
// merges it over the defaults, and validates the result.
func (l *Loader) Load(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal([]byte(substituteEnvVars(string(data))), cfg); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("config %s: %w", path, err)
	}

	l.mu.Lock()
	l.cfg = cfg
	l.filePath = path
	l.mu.Unlock()
	return nil
}

// Reload re-reads the file from the last successful Load.
func (l *Loader) Reload() error {
	l.mu.RLock()
	path := l.filePath
	l.mu.RUnlock()

	if path == "" {
		return fmt.Errorf("reload: no config file loaded")
	}
	return l.Load(path)
}

// Get returns the active config. The returned pointer must be treated
// as read-only.
func (l *Loader) Get() *Config {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.cfg
}

// FilePath returns the path of the last loaded file, or "" before the
// first Load.
func (l *Loader) FilePath() string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.filePath
}

// envVarPattern matches ${VAR} and ${VAR:-default}.
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(:-([^}]*))?\}`)

// substituteEnvVars expands ${VAR} references in the raw YAML text.
// ${VAR:-default} falls back to default when VAR is unset.
func substituteEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(m string) string {
		parts := envVarPattern.FindStringSubmatch(m)
		name := parts[1]
		if v, ok := os.LookupEnv(name); ok {
			return v
		}
		if strings.HasPrefix(parts[2], ":-") {
			return parts[3]
		}
		return ""
	})
}

// GenerateDefault writes a commented default config file to path.
func GenerateDefault(path string) error {
	data, err := yaml.Marshal(DefaultConfig())
	if err != nil {
		return fmt.Errorf("marshal default config: %w", err)
	}

	header := "# querytrace configuration\n# Values shown are the defaults.\n"
	if err := os.WriteFile(path, append([]byte(header), data...), 0644); err != nil {
		return fmt.Errorf("write default config: %w", err)
	}
	return nil
}
