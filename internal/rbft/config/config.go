// Package config loads and persists a node's configuration: cluster
// membership, storage paths, network tunables and the client keys file.
// A flat JSON file read on startup, with sensible defaults generated on
// first run.
package config

import (
	"crypto/ecdsa"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/sybtjp/plenum/internal/rbft/crypto"
	"github.com/sybtjp/plenum/internal/rbft/ledger"
	"github.com/sybtjp/plenum/internal/rbft/logging"
	"github.com/sybtjp/plenum/internal/rbft/monitor"
	"github.com/sybtjp/plenum/internal/rbft/types"
)

// DefaultP2pPort and DefaultMetricsPort are the node's two listening
// surfaces when the config doesn't say otherwise.
const (
	DefaultP2pPort     = 6116
	DefaultMetricsPort = 9116
)

// StorageConfig selects and configures the ledger's backing stores.
type StorageConfig struct {
	// Kind is "memory" or "file". "orientdb" is accepted but rejected at
	// construction time.
	Kind    string `json:"kind"`
	BaseDir string `json:"baseDir"`
}

// NetworkConfig holds this node's listening port and peer addresses.
type NetworkConfig struct {
	P2PPort     int      `json:"p2pPort"`
	MetricsPort int      `json:"metricsPort"`
	Bootstrap   []string `json:"bootstrap"`
	// Peers maps each cluster member's libp2p peer ID to its NodeName;
	// the gossip transport drops frames whose claimed name doesn't match
	// the authenticated sender.
	Peers map[string]string `json:"peers,omitempty"`
	// StunServer overrides the default STUN server for external address
	// discovery; "-" disables the lookup.
	StunServer string `json:"stunServer,omitempty"`
}

// PeerNames converts the Peers registry into the typed map transportp2p
// consumes.
func (n NetworkConfig) PeerNames() map[string]types.NodeName {
	out := make(map[string]types.NodeName, len(n.Peers))
	for id, name := range n.Peers {
		out[id] = types.NodeName(name)
	}
	return out
}

// MonitorConfig is the JSON-serializable form of monitor.Config.
type MonitorConfig struct {
	DeltaThroughputRatio float64       `json:"deltaThroughputRatio"`
	LambdaLatencySeconds float64       `json:"lambdaLatencySeconds"`
	OmegaWindow          time.Duration `json:"omegaWindow"`
	MinReqs              int           `json:"minReqs"`
}

func (m MonitorConfig) toMonitorConfig() monitor.Config {
	return monitor.Config{Delta: m.DeltaThroughputRatio, Lambda: m.LambdaLatencySeconds, Omega: m.OmegaWindow, MinReqs: m.MinReqs}
}

// LoggingConfig is the JSON-serializable form of logging.Config.
type LoggingConfig struct {
	Path    string `json:"path"`
	Level   string `json:"level"`
	Console bool   `json:"console"`
}

func (l LoggingConfig) toLoggingConfig() logging.Config {
	return logging.Config{Path: l.Path, Level: l.Level, Console: l.Console}
}

// Config is the node's complete on-disk configuration.
type Config struct {
	Self    string   `json:"self"`
	Names   []string `json:"names"`
	KeyPath string   `json:"keyPath"`
	KeysDir string   `json:"keysDir"`

	Network NetworkConfig `json:"network"`
	Store   StorageConfig `json:"storage"`
	Monitor MonitorConfig `json:"monitor"`
	Logging LoggingConfig `json:"logging"`

	TxnType         string        `json:"txnType"`
	OrderedRetryMax int           `json:"orderedRetryMax"`
	PerfCheckFreq   time.Duration `json:"perfCheckFreq"`
}

// Default returns a Config with conservative defaults for every tunable.
func Default() *Config {
	return &Config{
		Network:       NetworkConfig{P2PPort: DefaultP2pPort, MetricsPort: DefaultMetricsPort},
		Store:         StorageConfig{Kind: "memory", BaseDir: "data"},
		Monitor:       MonitorConfig{DeltaThroughputRatio: monitor.DefaultConfig.Delta, LambdaLatencySeconds: monitor.DefaultConfig.Lambda, OmegaWindow: monitor.DefaultConfig.Omega, MinReqs: monitor.DefaultConfig.MinReqs},
		Logging:       LoggingConfig{Level: "info", Console: true},
		TxnType:       "default",
		PerfCheckFreq: 5 * time.Second,
	}
}

// Load reads path if it exists, or builds and writes a Default config
// there otherwise.
func Load(path string) (*Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		cfg := Default()
		if err := cfg.Save(path); err != nil {
			return nil, err
		}
		return cfg, nil
	}
	return ReadConfig(path)
}

// ReadConfig parses path as JSON into a Config.
func ReadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal %s: %w", path, err)
	}
	return &cfg, nil
}

// Save writes cfg to path as indented JSON.
func (cfg *Config) Save(path string) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("config: marshal: %w", err)
	}
	return os.WriteFile(path, data, 0644)
}

// NodeNames converts the config's plain string names into types.NodeName.
func (cfg *Config) NodeNames() []types.NodeName {
	out := make([]types.NodeName, len(cfg.Names))
	for i, n := range cfg.Names {
		out[i] = types.NodeName(n)
	}
	return out
}

// MonitorSettings returns the monitor.Config this node's Monitor should use.
func (cfg *Config) MonitorSettings() monitor.Config {
	return cfg.Monitor.toMonitorConfig()
}

// LoggingSettings returns the logging.Config cmd/rbftnode should Init with.
func (cfg *Config) LoggingSettings() logging.Config {
	return cfg.Logging.toLoggingConfig()
}

// NewHashStore builds the ledger.HashStore cfg.Store names.
func (cfg *Config) NewHashStore(nodeName string) (ledger.HashStore, error) {
	path := cfg.Store.BaseDir + "/nodes/" + nodeName + "/leaves.dat"
	return ledger.NewHashStore(cfg.Store.Kind, path)
}

// NewRecordStore builds the ledger.RecordStore cfg.Store names.
func (cfg *Config) NewRecordStore(nodeName string) (ledger.RecordStore, error) {
	switch cfg.Store.Kind {
	case "", "memory":
		return ledger.NewMemoryRecordStore(), nil
	case "file":
		path := cfg.Store.BaseDir + "/nodes/" + nodeName + "/ledger.jsonl"
		return ledger.OpenFileRecordStore(path)
	case "orientdb":
		return nil, fmt.Errorf("config: recordStore kind %q is declared but not implemented in this repo", cfg.Store.Kind)
	default:
		return nil, fmt.Errorf("config: unknown recordStore kind %q", cfg.Store.Kind)
	}
}

// LoadKeyRing reads a JSON keys file (clientId -> hex-encoded public key)
// into a crypto.MapKeyRing.
func LoadKeyRing(path string) (crypto.MapKeyRing, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read keys file %s: %w", path, err)
	}
	var raw map[string]string
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("config: unmarshal keys file: %w", err)
	}
	ring := make(crypto.MapKeyRing, len(raw))
	for clientId, hexKey := range raw {
		pub, err := crypto.DecodePublicKey(hexKey)
		if err != nil {
			return nil, fmt.Errorf("config: decode key for %s: %w", clientId, err)
		}
		ring[types.ClientId(clientId)] = pub
	}
	return ring, nil
}

// SaveKeyRing writes a keys file in the format LoadKeyRing reads.
func SaveKeyRing(path string, keys map[types.ClientId]*ecdsa.PublicKey) error {
	raw := make(map[string]string, len(keys))
	for clientId, pub := range keys {
		raw[string(clientId)] = crypto.EncodePublicKey(pub)
	}
	data, err := json.MarshalIndent(raw, "", "  ")
	if err != nil {
		return fmt.Errorf("config: marshal keys file: %w", err)
	}
	return os.WriteFile(path, data, 0644)
}
