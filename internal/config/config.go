package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ryandielhenn/zephyrnews/pkg/gossip"
)

const (
	DefaultListenAddr        = ":8080"
	DefaultPort              = "8080"
	DefaultRegistryTTL int64 = 10
)

// Peer is a statically configured peer.
type Peer struct {
	ID   string
	Addr string
}

// Config holds the node configuration.
type Config struct {
	NodeID        string
	ListenAddr    string
	AdvertiseAddr string

	// Bootstrap: etcd when endpoints are given, otherwise static peers.
	EtcdEndpoints []string
	Peers         []Peer
	RegistryTTL   int64

	// Failure monitor
	BaseDelta time.Duration

	// Overlay
	SamplePeriod time.Duration
	Fanout       int

	// Leader election
	WarmupSamples         int
	SessionTimeoutSamples int

	// News
	Originate       bool
	MaxOriginations int
	NewsTTL         int
	ViewBias        int
	Observer        bool
	Population      int

	LogLevel string
	LogDev   bool
}

// Default returns a config with sensible defaults.
func Default() Config {
	return Config{
		ListenAddr:            DefaultListenAddr,
		RegistryTTL:           DefaultRegistryTTL,
		BaseDelta:             2 * time.Second,
		SamplePeriod:          time.Second,
		Fanout:                4,
		WarmupSamples:         5,
		SessionTimeoutSamples: 5,
		MaxOriginations:       100,
		NewsTTL:               10,
		LogLevel:              "info",
	}
}

// FromEnv overrides c with the environment variables that are set.
func FromEnv(c *Config) error {
	if v := os.Getenv("SELF_ID"); v != "" {
		c.NodeID = v
	}
	if v := os.Getenv("SELF_ADDR"); v != "" {
		c.AdvertiseAddr = v
	}
	if v := os.Getenv("ETCD_ENDPOINTS"); v != "" {
		c.EtcdEndpoints = splitList(v)
	}
	if v := os.Getenv("PEERS"); v != "" {
		peers, err := ParsePeers(v)
		if err != nil {
			return fmt.Errorf("PEERS: %w", err)
		}
		c.Peers = peers
	}
	if v := os.Getenv("ORIGINATE"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("ORIGINATE: %w", err)
		}
		c.Originate = b
	}
	if v := os.Getenv("OBSERVER"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("OBSERVER: %w", err)
		}
		c.Observer = b
	}
	if v := os.Getenv("VIEW_BIAS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("VIEW_BIAS: %w", err)
		}
		c.ViewBias = n
	}
	return nil
}

// Validate checks if the config is valid.
func (c Config) Validate() error {
	switch {
	case c.NodeID == "":
		return ErrNodeIDRequired
	case c.ListenAddr == "":
		return ErrListenAddrRequired
	case c.BaseDelta <= 0:
		return ErrInvalidBaseDelta
	case c.SamplePeriod <= 0:
		return ErrInvalidSamplePeriod
	case c.Fanout <= 0:
		return ErrInvalidFanout
	case c.WarmupSamples < 0, c.SessionTimeoutSamples <= 0:
		return ErrInvalidSampleCount
	case len(c.EtcdEndpoints) > 0 && c.RegistryTTL <= 0:
		return ErrInvalidRegistryTTL
	}
	return nil
}

// Endpoint is the host:port other nodes use to reach this one.
func (c Config) Endpoint() string {
	addr := c.AdvertiseAddr
	if addr == "" {
		addr = c.ListenAddr
	}
	if strings.HasPrefix(addr, ":") {
		addr = "127.0.0.1" + addr
	}
	return addr
}

func (c Config) SelfAddr() gossip.Addr {
	return gossip.Addr{ID: gossip.NodeID(c.NodeID), Endpoint: c.Endpoint()}
}

// PeerAddrs converts the static peers, skipping the local node.
func (c Config) PeerAddrs() []gossip.Addr {
	out := make([]gossip.Addr, 0, len(c.Peers))
	for _, p := range c.Peers {
		if p.ID == c.NodeID {
			continue
		}
		out = append(out, gossip.Addr{ID: gossip.NodeID(p.ID), Endpoint: p.Addr})
	}
	return out
}

// ParsePeers parses a comma-separated list of peers in the format:
// "id1=addr1,id2=addr2,id3=addr3"
func ParsePeers(peersStr string) ([]Peer, error) {
	if peersStr == "" {
		return []Peer{}, nil
	}
	parts := strings.Split(peersStr, ",")
	peers := make([]Peer, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		kv := strings.SplitN(part, "=", 2)
		if len(kv) != 2 {
			return nil, fmt.Errorf("%w: %s (expected id=addr)", ErrInvalidPeer, part)
		}
		id, addr := strings.TrimSpace(kv[0]), strings.TrimSpace(kv[1])
		if id == "" || addr == "" {
			return nil, fmt.Errorf("%w: empty id or address in %s", ErrInvalidPeer, part)
		}
		peers = append(peers, Peer{ID: id, Addr: addr})
	}
	return peers, nil
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
