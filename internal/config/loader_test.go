package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoader_LoadValidConfig(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "querytrace.yaml")

	yamlContent := `
trace_level: 12
trace_directory: /var/log/querytrace
trace_waits: true
trace_bind_variables: false
os_cache_threshold_us: 750
trace_file_max_size_kb: 2048
statement_filter: 'sql.contains("orders")'
attribution_slots: 32

storage:
  enabled: true
  path: ./summaries.db

live:
  enabled: true
  addr: 127.0.0.1:7000
`
	if err := os.WriteFile(configPath, []byte(yamlContent), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}

	loader := NewLoader()
	if err := loader.Load(configPath); err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	cfg := loader.Get()
	if cfg.TraceLevel != 12 {
		t.Errorf("TraceLevel = %d, want 12", cfg.TraceLevel)
	}
	if cfg.TraceDirectory != "/var/log/querytrace" {
		t.Errorf("TraceDirectory = %q", cfg.TraceDirectory)
	}
	if cfg.TraceBindVariables {
		t.Error("TraceBindVariables = true, want false")
	}
	if cfg.OsCacheThresholdUS != 750 {
		t.Errorf("OsCacheThresholdUS = %d, want 750", cfg.OsCacheThresholdUS)
	}
	if cfg.TraceFileMaxSizeKB != 2048 {
		t.Errorf("TraceFileMaxSizeKB = %d, want 2048", cfg.TraceFileMaxSizeKB)
	}
	if cfg.StatementFilter != `sql.contains("orders")` {
		t.Errorf("StatementFilter = %q", cfg.StatementFilter)
	}
	if cfg.AttributionSlots != 32 {
		t.Errorf("AttributionSlots = %d, want 32", cfg.AttributionSlots)
	}
	if !cfg.Storage.Enabled || cfg.Storage.Path != "./summaries.db" {
		t.Errorf("Storage = %+v", cfg.Storage)
	}
	if !cfg.Live.Enabled || cfg.Live.Addr != "127.0.0.1:7000" {
		t.Errorf("Live = %+v", cfg.Live)
	}
}

func TestLoader_DefaultConfig(t *testing.T) {
	cfg := NewLoader().Get()

	if cfg.TraceLevel != 0 {
		t.Errorf("default TraceLevel = %d, want 0 (tracing off)", cfg.TraceLevel)
	}
	if cfg.OsCacheThresholdUS != 500 {
		t.Errorf("default OsCacheThresholdUS = %d, want 500", cfg.OsCacheThresholdUS)
	}
	if cfg.TraceFileMaxSizeKB != 10*1024 {
		t.Errorf("default TraceFileMaxSizeKB = %d, want 10240", cfg.TraceFileMaxSizeKB)
	}
	if !cfg.TraceWaits || !cfg.TraceBindVariables || !cfg.TraceBufferStats {
		t.Error("wait, bind, and buffer tracing should default on")
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config does not validate: %v", err)
	}
}

func TestLoader_PartialFileKeepsDefaults(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "querytrace.yaml")
	if err := os.WriteFile(configPath, []byte("trace_level: 4\n"), 0644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	loader := NewLoader()
	if err := loader.Load(configPath); err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	cfg := loader.Get()
	if cfg.TraceLevel != 4 {
		t.Errorf("TraceLevel = %d, want 4", cfg.TraceLevel)
	}
	if cfg.OsCacheThresholdUS != 500 {
		t.Errorf("unset field lost its default: OsCacheThresholdUS = %d", cfg.OsCacheThresholdUS)
	}
}

func TestLoader_LoadNonExistentFile(t *testing.T) {
	if err := NewLoader().Load("/nonexistent/path/querytrace.yaml"); err == nil {
		t.Error("Load() with nonexistent file should return error")
	}
}

func TestLoader_LoadInvalidYAML(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "bad.yaml")
	if err := os.WriteFile(configPath, []byte(`{{{invalid yaml`), 0644); err != nil {
		t.Fatalf("failed to write bad config: %v", err)
	}

	if err := NewLoader().Load(configPath); err == nil {
		t.Error("Load() with invalid YAML should return error")
	}
}

func TestLoader_OutOfRangeRejectedAndPreviousKept(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "querytrace.yaml")
	if err := os.WriteFile(configPath, []byte("trace_level: 8\n"), 0644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	loader := NewLoader()
	if err := loader.Load(configPath); err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	if err := os.WriteFile(configPath, []byte("trace_level: 17\n"), 0644); err != nil {
		t.Fatalf("failed to overwrite config: %v", err)
	}
	err := loader.Reload()
	if !errors.Is(err, ErrInvalidParameter) {
		t.Errorf("Reload() error = %v, want ErrInvalidParameter", err)
	}
	if loader.Get().TraceLevel != 8 {
		t.Errorf("rejected reload replaced config: TraceLevel = %d, want 8", loader.Get().TraceLevel)
	}
}

func TestValidate_Bounds(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"trace_level negative", func(c *Config) { c.TraceLevel = -1 }},
		{"trace_level too high", func(c *Config) { c.TraceLevel = 17 }},
		{"threshold too low", func(c *Config) { c.OsCacheThresholdUS = 9 }},
		{"threshold too high", func(c *Config) { c.OsCacheThresholdUS = 10001 }},
		{"file size too small", func(c *Config) { c.TraceFileMaxSizeKB = 63 }},
		{"no attribution slots", func(c *Config) { c.AttributionSlots = 0 }},
		{"empty trace directory", func(c *Config) { c.TraceDirectory = "" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			if err := cfg.Validate(); !errors.Is(err, ErrInvalidParameter) {
				t.Errorf("Validate() = %v, want ErrInvalidParameter", err)
			}
		})
	}
}

func TestLoader_ReloadWithoutLoad(t *testing.T) {
	if err := NewLoader().Reload(); err == nil {
		t.Error("Reload() without prior Load() should return error")
	}
}

func TestSubstituteEnvVars(t *testing.T) {
	os.Setenv("TEST_QT_LEVEL", "12")
	defer os.Unsetenv("TEST_QT_LEVEL")

	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"simple substitution", "trace_level: ${TEST_QT_LEVEL}", "trace_level: 12"},
		{"undefined variable", "value: ${UNDEFINED_TEST_VAR_XYZ}", "value: "},
		{"default value syntax", "value: ${UNDEFINED_TEST_VAR_XYZ:-/tmp}", "value: /tmp"},
		{"default not used when set", "trace_level: ${TEST_QT_LEVEL:-1}", "trace_level: 12"},
		{"no env vars", "trace_level: 8", "trace_level: 8"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := substituteEnvVars(tt.input); got != tt.want {
				t.Errorf("substituteEnvVars(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

func TestGenerateDefault(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "querytrace.yaml")

	if err := GenerateDefault(configPath); err != nil {
		t.Fatalf("GenerateDefault() error: %v", err)
	}

	loader := NewLoader()
	if err := loader.Load(configPath); err != nil {
		t.Fatalf("generated config is not valid: %v", err)
	}
	if loader.Get().OsCacheThresholdUS != 500 {
		t.Errorf("generated threshold = %d, want 500", loader.Get().OsCacheThresholdUS)
	}
}

func TestWatcher_ReloadsOnWrite(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "querytrace.yaml")
	if err := os.WriteFile(configPath, []byte("trace_level: 1\n"), 0644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	loader := NewLoader()
	if err := loader.Load(configPath); err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	w, err := NewWatcher(loader, nil)
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	defer w.Stop()

	reloaded := make(chan *Config, 1)
	w.OnReload(func(c *Config) {
		select {
		case reloaded <- c:
		default:
		}
	})
	w.Start()

	if err := os.WriteFile(configPath, []byte("trace_level: 8\n"), 0644); err != nil {
		t.Fatalf("failed to overwrite config: %v", err)
	}

	select {
	case cfg := <-reloaded:
		if cfg.TraceLevel != 8 {
			t.Errorf("reloaded TraceLevel = %d, want 8", cfg.TraceLevel)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("watcher did not observe config write")
	}
}
