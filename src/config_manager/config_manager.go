package config_manager

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/nbd-wtf/go-nostr"
)

// StationNetwork describes an upstream access point that a router under test
// joins with one of its station interfaces.
type StationNetwork struct {
	Device   string `json:"device"`
	SSID     string `json:"ssid"`
	Key      string `json:"key"`
	Disabled bool   `json:"disabled"`
}

// IperfConfig points at the measurement server used for data allotment runs.
type IperfConfig struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	User     string `json:"user"`
	Password string `json:"password"`
}

// BraggingConfig holds the bragging configuration parameters
type BraggingConfig struct {
	Enabled bool     `json:"enabled"`
	Fields  []string `json:"fields"`
}

// Config holds the test rig configuration parameters
type Config struct {
	CustomerPrivateKey    string           `json:"customer_private_key"`
	RouterPassword        string           `json:"router_password"`
	FlashedRouterPassword string           `json:"flashed_router_password"`
	WifiInterface         string           `json:"wifi_interface"`
	EthernetInterface     string           `json:"ethernet_interface"`
	SSIDPrefix            string           `json:"ssid_prefix"`
	StationNetworks       []StationNetwork `json:"station_networks"`
	MintURL               string           `json:"mint_url"`
	FundAmount            uint64           `json:"fund_amount"`
	Relays                []string         `json:"relays"`
	TrustedMaintainers    []string         `json:"trusted_maintainers"`
	ReleaseChannel        string           `json:"release_channel"`
	Architecture          string           `json:"architecture"`
	Iperf                 IperfConfig      `json:"iperf"`
	Bragging              BraggingConfig   `json:"bragging"`
}

// RigState records what the harness has already done to the rig. It lives in
// a separate file from config.json because the harness rewrites it on every
// run while config.json is only edited by the operator.
type RigState struct {
	FlashedImages    map[string]string `json:"flashed_images"` // gateway IP -> image checksum
	LastRunTimestamp int64             `json:"last_run_timestamp"`
}

// ConfigManager manages the configuration and state files
type ConfigManager struct {
	FilePath  string
	RelayPool *nostr.SimplePool
}

// DefaultConfigPath returns the conventional location of the rig config.
func DefaultConfigPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		dir = "/etc"
	}
	return filepath.Join(dir, "tollgate-test", "config.json")
}

// NewConfigManager creates a new ConfigManager instance
func NewConfigManager(filePath string) (*ConfigManager, error) {
	relayPool := nostr.NewSimplePool(context.Background())
	cm := &ConfigManager{
		FilePath:  filePath,
		RelayPool: relayPool,
	}
	_, err := cm.EnsureDefaultConfig()
	if err != nil {
		return nil, err
	}
	_, err = cm.EnsureDefaultState()
	if err != nil {
		return nil, err
	}
	return cm, nil
}

// LoadConfig reads the configuration from the managed file
func (cm *ConfigManager) LoadConfig() (*Config, error) {
	data, err := os.ReadFile(cm.FilePath)
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, nil // Return nil config if file is empty
	}
	var config Config
	err = json.Unmarshal(data, &config)
	if err != nil {
		return nil, err
	}
	return &config, nil
}

// SaveConfig writes the configuration to the managed file
func (cm *ConfigManager) SaveConfig(config *Config) error {
	if err := os.MkdirAll(filepath.Dir(cm.FilePath), 0755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(config, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(cm.FilePath, data, 0644)
}

func (cm *ConfigManager) statePath() string {
	return filepath.Join(filepath.Dir(cm.FilePath), "state.json")
}

// LoadState reads the rig state from the managed file
func (cm *ConfigManager) LoadState() (*RigState, error) {
	data, err := os.ReadFile(cm.statePath())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil // Return nil state if file does not exist
		}
		return nil, err
	}
	var state RigState
	err = json.Unmarshal(data, &state)
	if err != nil {
		return nil, err
	}
	return &state, nil
}

// SaveState writes the rig state to the managed file
func (cm *ConfigManager) SaveState(state *RigState) error {
	if err := os.MkdirAll(filepath.Dir(cm.FilePath), 0755); err != nil {
		return err
	}
	state.LastRunTimestamp = time.Now().Unix()
	data, err := json.Marshal(state)
	if err != nil {
		return err
	}
	return os.WriteFile(cm.statePath(), data, 0644)
}

// EnsureDefaultState ensures a state file exists, creating it if necessary
func (cm *ConfigManager) EnsureDefaultState() (*RigState, error) {
	state, err := cm.LoadState()
	if err != nil {
		return nil, err
	}
	if state == nil {
		state = &RigState{
			FlashedImages: make(map[string]string),
		}
		err = cm.SaveState(state)
		if err != nil {
			return nil, err
		}
	}
	if state.FlashedImages == nil {
		state.FlashedImages = make(map[string]string)
	}
	return state, nil
}

// MarkFlashed records that a router was flashed with the given image checksum.
func (cm *ConfigManager) MarkFlashed(gatewayIP, checksum string) error {
	state, err := cm.EnsureDefaultState()
	if err != nil {
		return err
	}
	state.FlashedImages[gatewayIP] = checksum
	return cm.SaveState(state)
}

func (cm *ConfigManager) generatePrivateKey() (string, error) {
	privateKey := nostr.GeneratePrivateKey()
	if privateKey == "" {
		return "", fmt.Errorf("failed to generate private key")
	}
	return privateKey, nil
}

// EnsureDefaultConfig ensures a default configuration exists, creating it if necessary
func (cm *ConfigManager) EnsureDefaultConfig() (*Config, error) {
	config, err := cm.LoadConfig()
	if err != nil && !os.IsNotExist(err) {
		return nil, err
	}
	if config == nil {
		privateKey, err := cm.generatePrivateKey()
		if err != nil {
			return nil, err
		}

		defaultConfig := &Config{
			CustomerPrivateKey:    privateKey,
			RouterPassword:        "root",
			FlashedRouterPassword: "c03rad0r123",
			WifiInterface:         "wlp59s0",
			EthernetInterface:     "enx00e04c683d2d",
			SSIDPrefix:            "TollGate-",
			StationNetworks: []StationNetwork{
				{Device: "radio0", SSID: "GL-MT6000-e50", Key: "c03rad0r123", Disabled: true},
				{Device: "radio1", SSID: "GL-MT6000-e50-5G", Key: "c03rad0r123", Disabled: false},
			},
			MintURL:    "https://nofees.testnut.cashu.space",
			FundAmount: 1000,
			Relays: []string{
				"wss://relay.damus.io",
				"wss://nos.lol",
				"wss://nostr.mom",
			},
			TrustedMaintainers: []string{
				"5075e61f0b048148b60105c1dd72bbeae1957336ae5824087e52efa374f8416a",
			},
			ReleaseChannel: "stable",
			Architecture:   "aarch64_cortex-a53",
			Iperf: IperfConfig{
				Host: "188.40.151.90",
				Port: 5201,
				User: "root",
			},
			Bragging: BraggingConfig{
				Enabled: false,
				Fields:  []string{"network", "mint", "amount", "allotment"},
			},
		}
		err = cm.SaveConfig(defaultConfig)
		if err != nil {
			return nil, err
		}
		return defaultConfig, nil
	}
	return config, nil
}

// GetRelayPool exposes the shared relay pool for packages that publish or
// subscribe to nostr events.
func (cm *ConfigManager) GetRelayPool() *nostr.SimplePool {
	return cm.RelayPool
}
