// Package config loads and validates the node configuration file.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/riversync/riversync/internal/chunk"
	"github.com/riversync/riversync/internal/session"
)

// Duration is a time.Duration that unmarshals from YAML strings like
// "30s" or "5m".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("config: bad duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the standard-library value.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Peer is one remote node this node synchronizes with.
type Peer struct {
	Name string `yaml:"name"`
	URL  string `yaml:"url"`
	// Master marks the clock-calibration master. At most one peer.
	Master bool `yaml:"master"`
}

// Table is one synchronized table and its policy.
type Table struct {
	Name      string  `yaml:"name"`
	Direction string  `yaml:"direction"`
	MinChunk  int     `yaml:"min_chunk"`
	MaxChunk  int     `yaml:"max_chunk"`
	Alpha     float64 `yaml:"alpha"`
}

// SyncDirection parses the table's direction. Empty means bidirectional.
func (t Table) SyncDirection() (session.Direction, error) {
	switch t.Direction {
	case "", "bidirectional":
		return session.Bidirectional, nil
	case "pull":
		return session.Pull, nil
	case "push":
		return session.Push, nil
	default:
		return 0, fmt.Errorf("config: table %s: unknown direction %q", t.Name, t.Direction)
	}
}

// ChunkOptions returns the table's chunker tuning; zero fields fall back
// to defaults.
func (t Table) ChunkOptions() chunk.Options {
	return chunk.Options{MinSize: t.MinChunk, MaxSize: t.MaxChunk, Alpha: t.Alpha}
}

// Sync tunes the background scheduler.
type Sync struct {
	Interval        Duration `yaml:"interval"`
	MaxConcurrent   int64    `yaml:"max_concurrent"`
	ExchangeTimeout Duration `yaml:"exchange_timeout"`
	BackoffBase     Duration `yaml:"backoff_base"`
	BackoffMax      Duration `yaml:"backoff_max"`
}

// Config is the node configuration.
type Config struct {
	NodeID  string  `yaml:"node_id"`
	DataDB  string  `yaml:"data_db"`
	StateDB string  `yaml:"state_db"`
	Listen  string  `yaml:"listen"`
	Peers   []Peer  `yaml:"peers"`
	Tables  []Table `yaml:"tables"`
	Sync    Sync    `yaml:"sync"`
}

// Load reads, parses and validates a configuration file.
func Load(path string) (Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: read %s: %w", path, err)
	}
	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Node returns the parsed node identifier.
func (c Config) Node() (uuid.UUID, error) {
	id, err := uuid.Parse(c.NodeID)
	if err != nil {
		return uuid.Nil, fmt.Errorf("config: node_id: %w", err)
	}
	return id, nil
}

// Validate checks the configuration for contradictions.
func (c Config) Validate() error {
	if _, err := c.Node(); err != nil {
		return err
	}
	if c.DataDB == "" {
		return errors.New("config: data_db required")
	}
	if c.StateDB == "" {
		return errors.New("config: state_db required")
	}
	if len(c.Tables) == 0 {
		return errors.New("config: at least one table required")
	}

	masters := 0
	seen := make(map[string]bool, len(c.Peers))
	for _, p := range c.Peers {
		if p.Name == "" || p.URL == "" {
			return fmt.Errorf("config: peer needs name and url: %+v", p)
		}
		if seen[p.Name] {
			return fmt.Errorf("config: duplicate peer %q", p.Name)
		}
		seen[p.Name] = true
		if p.Master {
			masters++
		}
	}
	if masters > 1 {
		return errors.New("config: at most one master peer")
	}

	names := make(map[string]bool, len(c.Tables))
	for _, t := range c.Tables {
		if t.Name == "" {
			return errors.New("config: table without name")
		}
		if names[t.Name] {
			return fmt.Errorf("config: duplicate table %q", t.Name)
		}
		names[t.Name] = true
		if _, err := t.SyncDirection(); err != nil {
			return err
		}
		// Zero means "use the default"; anything else must stay in [0, 1).
		if t.Alpha < 0 || t.Alpha >= 1 {
			return fmt.Errorf("config: table %s: alpha %v out of [0, 1)", t.Name, t.Alpha)
		}
		if t.MinChunk < 0 || (t.MaxChunk > 0 && t.MaxChunk < t.MinChunk) {
			return fmt.Errorf("config: table %s: bad chunk bounds [%d, %d]", t.Name, t.MinChunk, t.MaxChunk)
		}
	}
	return nil
}
