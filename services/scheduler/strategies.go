package scheduler

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"llvmsnapshots/pkg/snapshot"
)

const (
	defaultSchedule       = "0 * * * *"
	defaultGitHubTokenEnv = "GITHUB_TOKEN"
)

var defaultDayOffsets = []int{0, 1, 2}

// Strategy is a named build configuration whose snapshots are checked every day.
type Strategy struct {
	Name             string   `yaml:"name"`
	MaintainerHandle string   `yaml:"maintainer_handle"`
	CoprOwnername    string   `yaml:"copr_ownername"`
	CoprProjectTpl   string   `yaml:"copr_project_tpl"`
	CoprMonitorTpl   string   `yaml:"copr_monitor_tpl"`
	ChrootPattern    string   `yaml:"chroot_pattern,omitempty"`
	Packages         []string `yaml:"packages"`
}

// ProjectTemplate returns the owner-qualified Copr project template.
func (s Strategy) ProjectTemplate() string {
	if strings.Contains(s.CoprProjectTpl, "/") || s.CoprOwnername == "" {
		return s.CoprProjectTpl
	}
	return s.CoprOwnername + "/" + s.CoprProjectTpl
}

// Config is the matrix definition: which strategies are checked for which past days.
type Config struct {
	GitHubRepo     string     `yaml:"github_repo"`
	GitHubTokenEnv string     `yaml:"github_token_env"`
	Schedule       string     `yaml:"schedule"`
	DayOffsets     []int      `yaml:"day_offsets"`
	Strategies     []Strategy `yaml:"strategies"`
}

// LoadStrategies reads and validates a matrix definition from a YAML file.
func LoadStrategies(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read strategies: %w", err)
	}
	return ParseStrategies(data)
}

// ParseStrategies decodes a matrix definition and applies defaults.
func ParseStrategies(data []byte) (Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse strategies: %w", err)
	}
	if cfg.Schedule == "" {
		cfg.Schedule = defaultSchedule
	}
	if cfg.GitHubTokenEnv == "" {
		cfg.GitHubTokenEnv = defaultGitHubTokenEnv
	}
	if len(cfg.DayOffsets) == 0 {
		cfg.DayOffsets = append([]int(nil), defaultDayOffsets...)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports every problem of the definition at once.
func (c Config) Validate() error {
	var errs []error
	if _, _, ok := strings.Cut(c.GitHubRepo, "/"); !ok {
		errs = append(errs, fmt.Errorf("github_repo %q must be owner/name", c.GitHubRepo))
	}
	if len(c.Strategies) == 0 {
		errs = append(errs, errors.New("at least one strategy is required"))
	}
	for _, off := range c.DayOffsets {
		if off < 0 {
			errs = append(errs, fmt.Errorf("day offset %d must not be negative", off))
		}
	}

	seen := map[string]struct{}{}
	for i, s := range c.Strategies {
		label := s.Name
		if label == "" {
			label = fmt.Sprintf("#%d", i)
			errs = append(errs, fmt.Errorf("strategy %s: name is required", label))
		}
		if _, dup := seen[s.Name]; dup && s.Name != "" {
			errs = append(errs, fmt.Errorf("strategy %s: duplicate name", label))
		}
		seen[s.Name] = struct{}{}

		if s.MaintainerHandle == "" {
			errs = append(errs, fmt.Errorf("strategy %s: maintainer_handle is required", label))
		}
		if len(s.Packages) == 0 {
			errs = append(errs, fmt.Errorf("strategy %s: packages must not be empty", label))
		}
		if !strings.Contains(s.CoprProjectTpl, snapshot.DatePlaceholder) {
			errs = append(errs, fmt.Errorf("strategy %s: copr_project_tpl must contain %s", label, snapshot.DatePlaceholder))
		}
		if !strings.Contains(s.ProjectTemplate(), "/") {
			errs = append(errs, fmt.Errorf("strategy %s: copr_ownername or an owner-qualified copr_project_tpl is required", label))
		}
		if !strings.Contains(s.CoprMonitorTpl, snapshot.DatePlaceholder) {
			errs = append(errs, fmt.Errorf("strategy %s: copr_monitor_tpl must contain %s", label, snapshot.DatePlaceholder))
		}
	}
	return errors.Join(errs...)
}
