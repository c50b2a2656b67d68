package config

import (
	"os"
	"testing"
	"time"
)

func TestLoadAndValidate(t *testing.T) {
	// Create temp config file
	content := `
api:
  base_url: "https://chemdash.example.com"
  timeout: 10s
  user_agent: "chemdash-test"

storage:
  file_path: "./state/test.json"
  file_permissions: 0600
  dir_permissions: 0700

logging:
  level: "debug"
  format: "text"
`
	tmpfile, err := os.CreateTemp("", "config-*.yaml")
	if err != nil {
		t.Fatal(err)
	}
	defer os.Remove(tmpfile.Name())

	if _, err := tmpfile.Write([]byte(content)); err != nil {
		t.Fatal(err)
	}
	if err := tmpfile.Close(); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(tmpfile.Name())
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.API.BaseURL != "https://chemdash.example.com" {
		t.Errorf("Unexpected base URL: %s", cfg.API.BaseURL)
	}
	if cfg.API.Timeout != 10*time.Second {
		t.Errorf("Unexpected timeout: %v", cfg.API.Timeout)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("Unexpected log level: %s", cfg.Logging.Level)
	}

	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate failed: %v", err)
	}
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load("/nonexistent/chemdash-config.yaml")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.API.BaseURL == "" {
		t.Error("Expected default base URL, got empty string")
	}
	if cfg.API.Timeout != 30*time.Second {
		t.Errorf("Expected default 30s timeout, got %v", cfg.API.Timeout)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Defaults should validate: %v", err)
	}
}

func TestValidateErrors(t *testing.T) {
	valid := func() *Config {
		return &Config{
			API: APIConfig{
				BaseURL:   "https://chemdash.example.com",
				Timeout:   30 * time.Second,
				UserAgent: "chemdash-test",
			},
			Storage: StorageConfig{
				FilePath:        "./state/test.json",
				FilePermissions: 0o600,
				DirPermissions:  0o700,
			},
			Logging: LoggingConfig{
				Level:  "info",
				Format: "text",
			},
		}
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{
			name:    "valid config",
			mutate:  func(*Config) {},
			wantErr: false,
		},
		{
			name:    "missing base URL",
			mutate:  func(c *Config) { c.API.BaseURL = "" },
			wantErr: true,
		},
		{
			name:    "base URL without scheme",
			mutate:  func(c *Config) { c.API.BaseURL = "chemdash.example.com" },
			wantErr: true,
		},
		{
			name:    "timeout too short",
			mutate:  func(c *Config) { c.API.Timeout = 100 * time.Millisecond },
			wantErr: true,
		},
		{
			name:    "zero file permissions",
			mutate:  func(c *Config) { c.Storage.FilePermissions = 0 },
			wantErr: true,
		},
		{
			name:    "invalid log level",
			mutate:  func(c *Config) { c.Logging.Level = "verbose" },
			wantErr: true,
		},
		{
			name:    "invalid log format",
			mutate:  func(c *Config) { c.Logging.Format = "xml" },
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
