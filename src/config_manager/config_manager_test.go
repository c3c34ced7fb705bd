package config_manager

import (
	"os"
	"path/filepath"
	"testing"
)

func TestEnsureDefaultConfig(t *testing.T) {
	tempDir, err := os.MkdirTemp("", "tollgate-test-config-*")
	if err != nil {
		t.Fatalf("Failed to create temp directory: %v", err)
	}
	defer os.RemoveAll(tempDir)

	configPath := filepath.Join(tempDir, "config.json")
	cm, err := NewConfigManager(configPath)
	if err != nil {
		t.Fatalf("NewConfigManager failed: %v", err)
	}

	config, err := cm.LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if config == nil {
		t.Fatal("Expected default config to be created")
	}
	if config.CustomerPrivateKey == "" {
		t.Error("Expected a generated customer private key")
	}
	if config.MintURL != "https://nofees.testnut.cashu.space" {
		t.Errorf("Unexpected default mint URL: %s", config.MintURL)
	}
	if config.SSIDPrefix != "TollGate-" {
		t.Errorf("Unexpected default SSID prefix: %s", config.SSIDPrefix)
	}
	if len(config.StationNetworks) != 2 {
		t.Errorf("Expected 2 default station networks, got %d", len(config.StationNetworks))
	}
	if len(config.Relays) == 0 {
		t.Error("Expected default relays")
	}
}

func TestSaveAndLoadConfig(t *testing.T) {
	tempDir, err := os.MkdirTemp("", "tollgate-test-config-*")
	if err != nil {
		t.Fatalf("Failed to create temp directory: %v", err)
	}
	defer os.RemoveAll(tempDir)

	configPath := filepath.Join(tempDir, "config.json")
	cm, err := NewConfigManager(configPath)
	if err != nil {
		t.Fatalf("NewConfigManager failed: %v", err)
	}

	config, err := cm.LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}

	config.RouterPassword = "hunter2"
	config.FundAmount = 5000
	if err := cm.SaveConfig(config); err != nil {
		t.Fatalf("SaveConfig failed: %v", err)
	}

	loaded, err := cm.LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig after save failed: %v", err)
	}
	if loaded.RouterPassword != "hunter2" {
		t.Errorf("RouterPassword not persisted, got %s", loaded.RouterPassword)
	}
	if loaded.FundAmount != 5000 {
		t.Errorf("FundAmount not persisted, got %d", loaded.FundAmount)
	}
}

func TestRigState(t *testing.T) {
	tempDir, err := os.MkdirTemp("", "tollgate-test-config-*")
	if err != nil {
		t.Fatalf("Failed to create temp directory: %v", err)
	}
	defer os.RemoveAll(tempDir)

	configPath := filepath.Join(tempDir, "config.json")
	cm, err := NewConfigManager(configPath)
	if err != nil {
		t.Fatalf("NewConfigManager failed: %v", err)
	}

	state, err := cm.EnsureDefaultState()
	if err != nil {
		t.Fatalf("EnsureDefaultState failed: %v", err)
	}
	if state.FlashedImages == nil {
		t.Fatal("Expected FlashedImages map to be initialized")
	}

	if err := cm.MarkFlashed("192.168.1.1", "abc123"); err != nil {
		t.Fatalf("MarkFlashed failed: %v", err)
	}

	state, err = cm.LoadState()
	if err != nil {
		t.Fatalf("LoadState failed: %v", err)
	}
	if state.FlashedImages["192.168.1.1"] != "abc123" {
		t.Errorf("Expected flashed image checksum to be recorded, got %v", state.FlashedImages)
	}
	if state.LastRunTimestamp == 0 {
		t.Error("Expected LastRunTimestamp to be set")
	}
}
