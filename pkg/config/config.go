// Package config defines the farm's node-local configuration surface: a
// single JSON document loaded once at startup, with no third-party
// config/viper layer involved.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// Protocol version embedded in the sync-root directory name, so nodes
// running incompatible schema versions never share a mount.
const ProtocolVersion = 1

const (
	// DefaultHTTPPort is the node's MeshAPI listen port when not overridden.
	DefaultHTTPPort = 8420
	// DefaultUDPPort is the shared multicast port used for heartbeat/goodbye
	// datagrams when UDP discovery is enabled.
	DefaultUDPPort = 4243

	// TagLeaderBias and TagNoLeaderBias are the reserved election tags.
	TagLeaderBias   = "leader"
	TagNoLeaderBias = "noleader"
)

// Config is the per-node configuration, persisted as JSON at the path passed
// to Load and reloaded verbatim on the next start.
type Config struct {
	NodeID         string   `json:"node_id"`
	SyncRoot       string   `json:"sync_root"`
	Priority       int      `json:"priority"`
	HTTPPort       int      `json:"http_port"`
	IPOverride     string   `json:"ip_override,omitempty"`
	Tags           []string `json:"tags"`
	AutoStartAgent bool     `json:"auto_start_agent"`
	UDPEnabled     bool     `json:"udp_enabled"`
	UDPPort        int      `json:"udp_port"`
	// NodeStopped is the persisted last node_state: true means the node
	// should come up stopped rather than active.
	NodeStopped bool `json:"node_stopped"`
}

// applyDefaults fills in zero-valued fields with their operational defaults.
func (c *Config) applyDefaults() {
	if c.HTTPPort == 0 {
		c.HTTPPort = DefaultHTTPPort
	}
	if c.UDPPort == 0 {
		c.UDPPort = DefaultUDPPort
	}
	if c.Tags == nil {
		c.Tags = []string{}
	}
}

// Validate reports whether the config has the minimum fields required to
// start a farm.
func (c *Config) Validate() error {
	if c.NodeID == "" {
		return fmt.Errorf("config: node_id is required")
	}
	if c.SyncRoot == "" {
		return fmt.Errorf("config: sync_root is required")
	}
	return nil
}

// Load reads and unmarshals the config file at path, applying defaults to
// any field the file leaves zero-valued.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Save writes cfg to path as indented JSON via write-temp-then-rename, the
// same atomic-write discipline used for endpoint descriptors and snapshots
// elsewhere in the farm.
func Save(path string, cfg *Config) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("config: marshal: %w", err)
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("config: mkdir %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, ".config-*.tmp")
	if err != nil {
		return fmt.Errorf("config: create temp: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("config: write temp: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("config: sync temp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("config: close temp: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("config: rename temp to %s: %w", path, err)
	}
	return nil
}

// FarmDir returns the sync root's versioned farm directory, the root of the
// filesystem layout every other component reads and writes under.
func FarmDir(syncRoot string) string {
	return filepath.Join(syncRoot, fmt.Sprintf("MidRender-v%d", ProtocolVersion))
}

// NodesDir returns the directory holding every node's endpoint descriptor.
func NodesDir(syncRoot string) string {
	return filepath.Join(FarmDir(syncRoot), "nodes")
}

// EndpointPath returns the path a given node writes its endpoint descriptor
// to.
func EndpointPath(syncRoot, nodeID string) string {
	return filepath.Join(NodesDir(syncRoot), nodeID, "endpoint.json")
}

// StateDir returns the directory holding the leader's snapshot database.
func StateDir(syncRoot string) string {
	return filepath.Join(FarmDir(syncRoot), "state")
}

// SnapshotPath returns the shared snapshot file path a new leader restores
// from and the current leader periodically overwrites.
func SnapshotPath(syncRoot string) string {
	return filepath.Join(StateDir(syncRoot), "snapshot.db")
}

// FarmMetaPath returns the path to the sync root's top-level farm.json
// descriptor.
func FarmMetaPath(syncRoot string) string {
	return filepath.Join(FarmDir(syncRoot), "farm.json")
}

// LocalDataDir returns the node-local (never shared-mount) directory the
// farm keeps its private leader database copy under, one level per node id
// so multiple nodes can share a machine in development.
func LocalDataDir(nodeID string) string {
	base, err := os.UserCacheDir()
	if err != nil {
		base = os.TempDir()
	}
	return filepath.Join(base, "meshrender-farm", nodeID)
}

// FarmMeta is the top-level marker file written once when a sync root is
// first initialized.
type FarmMeta struct {
	Version          string `json:"_version"`
	ProtocolVersion  int    `json:"protocol_version"`
	CreatedBy        string `json:"created_by"`
	CreatedAtMs      int64  `json:"created_at_ms"`
	LastExampleState string `json:"last_example_update,omitempty"`
}
