package consensus

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the identity, peer map, and protocol timing for one node.
type Config struct {
	// NodeID uniquely identifies this node in the cluster.
	// Environment: ALTHING_NODE_ID
	NodeID string

	// Host is the interface to bind the RPC server on.
	// Environment: ALTHING_HOST
	Host string

	// Port is the TCP port to bind.
	// Environment: ALTHING_PORT
	Port int

	// Peers maps peer_id -> "host:port" for every other cluster member.
	// The map excludes this node.
	// Environment: ALTHING_PEERS (format: "id=host:port,id=host:port")
	Peers map[string]string

	// VoteCommit controls how this node votes during the 2PC voting phase.
	// Environment: ALTHING_VOTE_COMMIT
	VoteCommit bool

	// ElectionTimeoutMin and ElectionTimeoutMax bound the randomized
	// election timeout drawn for each timer cycle.
	// Environment: ALTHING_ELECTION_TIMEOUT_MIN / _MAX
	ElectionTimeoutMin time.Duration
	ElectionTimeoutMax time.Duration

	// HeartbeatInterval is the leader's replication cadence.
	// Environment: ALTHING_HEARTBEAT_INTERVAL
	HeartbeatInterval time.Duration
}

// DefaultConfig returns a Config with the standard protocol timings.
func DefaultConfig() *Config {
	return &Config{
		Host:               "127.0.0.1",
		Peers:              make(map[string]string),
		VoteCommit:         true,
		ElectionTimeoutMin: 1500 * time.Millisecond,
		ElectionTimeoutMax: 3 * time.Second,
		HeartbeatInterval:  time.Second,
	}
}

// LoadFromEnv loads node configuration from ALTHING_* environment variables,
// falling back to defaults for anything unset.
func LoadFromEnv() *Config {
	config := DefaultConfig()
	config.NodeID = getEnv("ALTHING_NODE_ID", "")
	config.Host = getEnv("ALTHING_HOST", config.Host)
	config.Port = getEnvInt("ALTHING_PORT", config.Port)
	config.Peers = parsePeers(getEnv("ALTHING_PEERS", ""))
	config.VoteCommit = getEnvBool("ALTHING_VOTE_COMMIT", true)
	config.ElectionTimeoutMin = getEnvDuration("ALTHING_ELECTION_TIMEOUT_MIN", config.ElectionTimeoutMin)
	config.ElectionTimeoutMax = getEnvDuration("ALTHING_ELECTION_TIMEOUT_MAX", config.ElectionTimeoutMax)
	config.HeartbeatInterval = getEnvDuration("ALTHING_HEARTBEAT_INTERVAL", config.HeartbeatInterval)
	return config
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.NodeID == "" {
		return fmt.Errorf("node id is required")
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Port)
	}
	if c.ElectionTimeoutMin <= 0 || c.ElectionTimeoutMax < c.ElectionTimeoutMin {
		return fmt.Errorf("invalid election timeout range [%s, %s]", c.ElectionTimeoutMin, c.ElectionTimeoutMax)
	}
	if c.HeartbeatInterval <= 0 {
		return fmt.Errorf("invalid heartbeat interval %s", c.HeartbeatInterval)
	}
	for peerID, target := range c.Peers {
		if peerID == c.NodeID {
			continue
		}
		if _, _, err := net.SplitHostPort(target); err != nil {
			return fmt.Errorf("invalid peer address %q for %s: %w", target, peerID, err)
		}
	}
	return nil
}

// Address returns this node's own "host:port" string.
func (c *Config) Address() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// String returns a short description of the config.
func (c *Config) String() string {
	return fmt.Sprintf("Config{NodeID: %s, Bind: %s, Peers: %d}", c.NodeID, c.Address(), len(c.Peers))
}

// ClusterFile is the on-disk YAML cluster description accepted by
// `althing serve --config`. Durations are Go duration strings ("1500ms").
type ClusterFile struct {
	// Nodes maps node_id -> "host:port" for every cluster member,
	// this node included.
	Nodes map[string]string `yaml:"nodes"`

	ElectionTimeoutMin string `yaml:"election_timeout_min"`
	ElectionTimeoutMax string `yaml:"election_timeout_max"`
	HeartbeatInterval  string `yaml:"heartbeat_interval"`
}

// LoadClusterFile reads and parses a cluster description file.
func LoadClusterFile(path string) (*ClusterFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read cluster file: %w", err)
	}
	var file ClusterFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse cluster file %s: %w", path, err)
	}
	return &file, nil
}

// ApplyTo merges the cluster file into config. File nodes become peers for
// ids not already present (this node's own id is skipped); timing fields
// override the config when set.
func (f *ClusterFile) ApplyTo(config *Config) error {
	if config.Peers == nil {
		config.Peers = make(map[string]string)
	}
	for nodeID, target := range f.Nodes {
		if nodeID == config.NodeID {
			continue
		}
		if _, ok := config.Peers[nodeID]; !ok {
			config.Peers[nodeID] = target
		}
	}

	var err error
	if config.ElectionTimeoutMin, err = overrideDuration(f.ElectionTimeoutMin, config.ElectionTimeoutMin); err != nil {
		return fmt.Errorf("election_timeout_min: %w", err)
	}
	if config.ElectionTimeoutMax, err = overrideDuration(f.ElectionTimeoutMax, config.ElectionTimeoutMax); err != nil {
		return fmt.Errorf("election_timeout_max: %w", err)
	}
	if config.HeartbeatInterval, err = overrideDuration(f.HeartbeatInterval, config.HeartbeatInterval); err != nil {
		return fmt.Errorf("heartbeat_interval: %w", err)
	}
	return nil
}

func overrideDuration(value string, fallback time.Duration) (time.Duration, error) {
	if value == "" {
		return fallback, nil
	}
	return time.ParseDuration(value)
}

// Helper functions

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		val = strings.ToLower(val)
		return val == "true" || val == "1" || val == "yes" || val == "on"
	}
	return defaultVal
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
	}
	return defaultVal
}

// parsePeers parses a peer map string of the form "id=host:port,id=host:port".
func parsePeers(s string) map[string]string {
	peers := make(map[string]string)
	if s == "" {
		return peers
	}
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		eq := strings.Index(part, "=")
		if eq <= 0 {
			continue
		}
		peers[part[:eq]] = part[eq+1:]
	}
	return peers
}
