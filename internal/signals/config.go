package signals

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/imaging-rag-mcp-server/internal/domain"
)

// ProjectConfigPath is consulted when no explicit path is given or the explicit file is unusable.
const ProjectConfigPath = "config/signals.yaml"

//go:embed default_signals.yaml
var embeddedDefault []byte

// Rule describes one named signal and its pattern lists.
type Rule struct {
	Name     string   `yaml:"name" json:"name"`
	Value    string   `yaml:"value" json:"value"`
	Positive []string `yaml:"positive" json:"positive"`
	Negative []string `yaml:"negative" json:"negative"`
}

// Config is the signal pattern file.
type Config struct {
	Signals  []Rule   `yaml:"signals" json:"signals"`
	Keywords []string `yaml:"keywords" json:"keywords"`
}

// Validate rejects configs that could not drive extraction.
func (c Config) Validate() error {
	if len(c.Signals) == 0 && len(c.Keywords) == 0 {
		return errors.New("no signals or keywords defined")
	}
	seen := make(map[string]bool, len(c.Signals))
	for i, r := range c.Signals {
		if strings.TrimSpace(r.Name) == "" {
			return fmt.Errorf("signal %d has no name", i)
		}
		if seen[r.Name] {
			return fmt.Errorf("duplicate signal %q", r.Name)
		}
		seen[r.Name] = true
		if len(r.Positive) == 0 {
			return fmt.Errorf("signal %q has no positive patterns", r.Name)
		}
	}
	return nil
}

// MinimalConfig is the last-resort default used when every source fails.
func MinimalConfig() Config {
	return Config{
		Signals: []Rule{
			{
				Name:     "pregnancy_status",
				Value:    "妊娠/围产",
				Positive: []string{"怀孕", "妊娠", "孕期", "pregnant"},
				Negative: []string{"未孕", "未怀孕", "否认妊娠", "not pregnant"},
			},
		},
	}
}

// ParseConfig decodes and validates a YAML signal config.
func ParseConfig(data []byte) (Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("%w: %v", domain.ErrConfigLoadFailed, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("%w: %v", domain.ErrConfigLoadFailed, err)
	}
	return cfg, nil
}

// LoadConfig resolves the signal config through the fallback chain:
// explicit path, project config, embedded default, then MinimalConfig.
// It never fails; each unusable source is logged and skipped. The returned
// string names the source that was used.
func LoadConfig(explicitPath string, logger *logrus.Logger) (Config, string) {
	type source struct {
		name string
		load func() ([]byte, error)
	}

	var sources []source
	if explicitPath != "" {
		sources = append(sources, source{explicitPath, func() ([]byte, error) { return os.ReadFile(explicitPath) }})
	}
	if explicitPath != ProjectConfigPath {
		sources = append(sources, source{ProjectConfigPath, func() ([]byte, error) { return os.ReadFile(ProjectConfigPath) }})
	}
	sources = append(sources, source{"embedded", func() ([]byte, error) { return embeddedDefault, nil }})

	for _, src := range sources {
		data, err := src.load()
		if err != nil {
			if !errors.Is(err, os.ErrNotExist) || src.name == explicitPath {
				logger.WithFields(logrus.Fields{"source": src.name, "error": err}).Warn("Signal config unreadable, trying next source")
			}
			continue
		}
		cfg, err := ParseConfig(data)
		if err != nil {
			logger.WithFields(logrus.Fields{"source": src.name, "error": err}).Warn("Signal config malformed, trying next source")
			continue
		}
		return cfg, src.name
	}

	logger.Warn("No usable signal config, using minimal built-in patterns")
	return MinimalConfig(), "minimal"
}
