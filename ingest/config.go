package ingest

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration decodes "30s"/"5m" style values from yaml.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil || value.Value == "" {
		return nil
	}
	parsed, err := time.ParseDuration(value.Value)
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) Std() time.Duration { return time.Duration(d) }

// RootsConfig overrides the assistant install locations. Empty fields fall
// back to the conventional directories under $HOME.
type RootsConfig struct {
	Claude string `yaml:"claude"`
	Codex  string `yaml:"codex"`
}

// DialectsConfig enables or disables a dialect entirely. Both default to on;
// a disabled dialect's root is never scanned.
type DialectsConfig struct {
	Claude *bool `yaml:"claude"`
	Codex  *bool `yaml:"codex"`
}

func (d DialectsConfig) ClaudeEnabled() bool { return d.Claude == nil || *d.Claude }
func (d DialectsConfig) CodexEnabled() bool  { return d.Codex == nil || *d.Codex }

type PublisherConfig struct {
	Addr      string `yaml:"addr"`
	BatchSize int    `yaml:"batch_size"`
}

type FileConfig struct {
	DB    string `yaml:"db"`
	Debug bool   `yaml:"debug"`

	Roots    RootsConfig    `yaml:"roots"`
	Dialects DialectsConfig `yaml:"dialects"`

	Publisher PublisherConfig `yaml:"publisher"`

	// PollInterval accepts Go duration syntax, e.g. "30s".
	PollInterval Duration `yaml:"poll_interval"`
	Timeout      Duration `yaml:"timeout"`
}

func LoadConfig(path string) (*FileConfig, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg FileConfig
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}
