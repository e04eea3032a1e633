package config

import (
	"strings"
	"testing"
)

func TestValidate_ValidConfig(t *testing.T) {
	if err := Validate(GetDefaultConfig()); err != nil {
		t.Errorf("Expected valid config to pass validation, got error: %v", err)
	}
}

func TestValidate_InvalidLogLevel(t *testing.T) {
	cfg := GetDefaultConfig()
	cfg.Logging.Level = "INVALID"

	err := Validate(cfg)
	if err == nil {
		t.Fatal("Expected validation error for invalid log level")
	}
	if !strings.Contains(err.Error(), "oneof") {
		t.Errorf("Expected 'oneof' validation error, got: %v", err)
	}
}

func TestValidate_PostgresRequiresHost(t *testing.T) {
	cfg := GetDefaultConfig()
	cfg.Database.Driver = "postgres"
	cfg.Database.Database = "deals"

	err := Validate(cfg)
	if err == nil {
		t.Fatal("Expected validation error for missing host")
	}
	if !strings.Contains(err.Error(), "Host") {
		t.Errorf("Expected error about Host, got: %v", err)
	}
}

func TestValidate_SQLiteRequiresPath(t *testing.T) {
	cfg := GetDefaultConfig()
	cfg.Database.Path = ""

	if err := Validate(cfg); err == nil {
		t.Fatal("Expected validation error for missing sqlite path")
	}
}

func TestValidate_InvalidServerPort(t *testing.T) {
	cfg := GetDefaultConfig()
	cfg.Server.Port = 70000

	err := Validate(cfg)
	if err == nil {
		t.Fatal("Expected validation error for port out of range")
	}
	if !strings.Contains(err.Error(), "max") {
		t.Errorf("Expected 'max' validation error, got: %v", err)
	}
}

func TestDSN_SQLite(t *testing.T) {
	cfg := GetDefaultConfig()
	if got := cfg.Database.DSN(); got != "sessionpool.db" {
		t.Errorf("Expected sqlite DSN to be the path, got %q", got)
	}
}
