package config

import (
	"fmt"
	"os"
	"time"

	"github.com/quietlog/taildir/internal/framing"
	"gopkg.in/yaml.v3"
)

// Duration parses YAML scalars like "250ms" or "1s".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	dur, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(dur)
	return nil
}

// Framing selects a record framing strategy for one group. Mode decides
// the variant; only the fields that variant needs are read.
type Framing struct {
	Mode         string `yaml:"mode"` // line, tagged_block, delimited, fixed_width, regex_pair
	FlushPartial bool   `yaml:"flush_partial"`
	CloseTag     string `yaml:"close_tag"`
	Separator    string `yaml:"separator"`
	Leader       string `yaml:"leader"`
	Width        int    `yaml:"width"`
	Start        string `yaml:"start"`
	Continue     string `yaml:"continue"`
}

// Strategy converts the YAML block into the framing strategy value.
func (f Framing) Strategy() (framing.Strategy, error) {
	switch f.Mode {
	case "", "line":
		return framing.Line{FlushPartial: f.FlushPartial}, nil
	case "tagged_block":
		return framing.TaggedBlock{CloseTag: f.CloseTag}, nil
	case "delimited":
		return framing.Delimited{Separator: f.Separator, Leader: f.Leader}, nil
	case "fixed_width":
		return framing.FixedWidth{Width: f.Width}, nil
	case "regex_pair":
		return framing.RegexPair{Start: f.Start, Continue: f.Continue}, nil
	default:
		return nil, fmt.Errorf("unknown framing mode %q", f.Mode)
	}
}

// Group configures one file group.
type Group struct {
	Name                 string            `yaml:"name"`
	Pattern              string            `yaml:"pattern"`
	Headers              map[string]string `yaml:"headers"`
	Framing              *Framing          `yaml:"framing"`
	CachePatternMatching bool              `yaml:"cache_pattern_matching"`
	DateDirectory        bool              `yaml:"date_directory"`
	Prefix               string            `yaml:"prefix"`
}

// Config holds all configuration for the taildir host.
type Config struct {
	Groups []Group `yaml:"groups"`

	// Checkpoint storage
	PositionFile      string `yaml:"position_file"`
	CheckpointBackend string `yaml:"checkpoint_backend"` // "file" or "bolt"

	// Poll loop
	PollInterval       Duration `yaml:"poll_interval"`
	CheckpointInterval Duration `yaml:"checkpoint_interval"`
	BatchSize          int      `yaml:"batch_size"`
	IdleTimeout        Duration `yaml:"idle_timeout"`

	// Engine behavior
	SkipToEnd          bool   `yaml:"skip_to_end"`
	AnnotateFileName   bool   `yaml:"annotate_file_name"`
	FileNameHeader     string `yaml:"file_name_header"`
	AnnotateByteOffset bool   `yaml:"annotate_byte_offset"`

	// Observability
	LogLevel string `yaml:"log_level"`
}

// Load reads and validates the YAML configuration at path. The log level
// can be overridden with the TAILDIR_LOG_LEVEL environment variable.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}

	cfg.applyDefaults()
	if level := os.Getenv("TAILDIR_LOG_LEVEL"); level != "" {
		cfg.LogLevel = level
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.PositionFile == "" {
		c.PositionFile = "taildir_position.json"
	}
	if c.CheckpointBackend == "" {
		c.CheckpointBackend = "file"
	}
	if c.PollInterval == 0 {
		c.PollInterval = Duration(time.Second)
	}
	if c.CheckpointInterval == 0 {
		c.CheckpointInterval = Duration(10 * time.Second)
	}
	if c.BatchSize == 0 {
		c.BatchSize = 100
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if len(c.Groups) == 0 {
		return fmt.Errorf("at least one group must be configured")
	}
	seen := make(map[string]struct{}, len(c.Groups))
	for i, g := range c.Groups {
		if g.Name == "" {
			return fmt.Errorf("group %d: name is required", i)
		}
		if _, dup := seen[g.Name]; dup {
			return fmt.Errorf("group %q is configured twice", g.Name)
		}
		seen[g.Name] = struct{}{}
		if g.Pattern == "" {
			return fmt.Errorf("group %q: pattern is required", g.Name)
		}
		if g.Framing != nil {
			strategy, err := g.Framing.Strategy()
			if err != nil {
				return fmt.Errorf("group %q: %w", g.Name, err)
			}
			if _, err := strategy.NewFramer(); err != nil {
				return fmt.Errorf("group %q: %w", g.Name, err)
			}
		}
	}
	if c.CheckpointBackend != "file" && c.CheckpointBackend != "bolt" {
		return fmt.Errorf("checkpoint_backend must be \"file\" or \"bolt\", got %q", c.CheckpointBackend)
	}
	if c.BatchSize < 1 {
		return fmt.Errorf("batch_size must be at least 1")
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("poll_interval must be positive")
	}
	if c.CheckpointInterval <= 0 {
		return fmt.Errorf("checkpoint_interval must be positive")
	}
	return nil
}
