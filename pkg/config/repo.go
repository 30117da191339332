package config

import (
	"fmt"
	"path"
	"strings"

	"gopkg.in/yaml.v3"
)

// RepoConfigFileName is the recognized per-repository configuration file,
// read from the repository root at most once per invocation.
const RepoConfigFileName = ".daiv.yml"

// DefaultContextFileName is the repo-specific instruction file injected
// into the system prompt when present.
const DefaultContextFileName = "AGENTS.md"

// FeatureToggle enables or disables one addressor feature. The zero value
// unmarshals to enabled so that an absent section keeps features on.
type FeatureToggle struct {
	Enabled *bool `yaml:"enabled"`
}

// IsEnabled treats an absent toggle as enabled.
func (f FeatureToggle) IsEnabled() bool {
	return f.Enabled == nil || *f.Enabled
}

// RepoSandbox configures the optional format step.
type RepoSandbox struct {
	BaseImage  string   `yaml:"base_image"`
	FormatCode []string `yaml:"format_code"`
}

// RepoPullRequest configures MR/PR creation behavior.
type RepoPullRequest struct {
	BranchNameConvention string `yaml:"branch_name_convention"`
}

// RepoModelOverride overrides the model used for one agent role.
type RepoModelOverride struct {
	Name          string `yaml:"name,omitempty"`
	ThinkingLevel string `yaml:"thinking_level,omitempty"`
}

// RepoConfig is the parsed .daiv.yml. Unknown keys are ignored so repos can
// carry forward-compatible configuration.
//
//nolint:govet // fieldalignment: mirrors the YAML document layout
type RepoConfig struct {
	DefaultBranch         string                       `yaml:"default_branch,omitempty"`
	ContextFileName       string                       `yaml:"context_file_name,omitempty"`
	ExcludePatterns       []string                     `yaml:"exclude_patterns,omitempty"`
	ExtendExcludePatterns []string                     `yaml:"extend_exclude_patterns,omitempty"`
	OmitContentPatterns   []string                     `yaml:"omit_content_patterns,omitempty"`
	IssueAddressing       FeatureToggle                `yaml:"issue_addressing,omitempty"`
	CodeReview            FeatureToggle                `yaml:"code_review,omitempty"`
	QuickActions          FeatureToggle                `yaml:"quick_actions,omitempty"`
	PullRequest           RepoPullRequest              `yaml:"pull_request,omitempty"`
	Sandbox               RepoSandbox                  `yaml:"sandbox,omitempty"`
	Models                map[string]RepoModelOverride `yaml:"models,omitempty"`
}

// baseExcludePatterns are always hidden from every tool regardless of repo
// configuration. extend_exclude_patterns appends to these; exclude_patterns
// replaces only the configurable part.
//
//nolint:gochecknoglobals // Static pattern list
var baseExcludePatterns = []string{
	".git/**",
	"**/.git/**",
	"**/node_modules/**",
	"**/vendor/**",
	"**/__pycache__/**",
}

// defaultOmitContentPatterns hide the contents of files that are visible in
// listings but should never be fed to a model.
//
//nolint:gochecknoglobals // Static pattern list
var defaultOmitContentPatterns = []string{
	"**/*.lock",
	"**/package-lock.json",
	"**/*.min.js",
	"**/*.min.css",
}

// ParseRepoConfig parses .daiv.yml content. A nil or empty document yields
// the defaults.
func ParseRepoConfig(data []byte) (*RepoConfig, error) {
	var cfg RepoConfig
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", RepoConfigFileName, err)
		}
	}
	cfg.applyDefaults()
	return &cfg, nil
}

func (c *RepoConfig) applyDefaults() {
	if c.ContextFileName == "" {
		c.ContextFileName = DefaultContextFileName
	}
}

// AllExcludePatterns returns the effective exclusion set: the immutable
// base, plus either the replacement exclude_patterns or the defaults, plus
// any extend_exclude_patterns.
func (c *RepoConfig) AllExcludePatterns() []string {
	out := make([]string, 0, len(baseExcludePatterns)+len(c.ExcludePatterns)+len(c.ExtendExcludePatterns))
	out = append(out, baseExcludePatterns...)
	out = append(out, c.ExcludePatterns...)
	out = append(out, c.ExtendExcludePatterns...)
	return out
}

// AllOmitContentPatterns returns the effective content-withholding set.
func (c *RepoConfig) AllOmitContentPatterns() []string {
	out := make([]string, 0, len(defaultOmitContentPatterns)+len(c.OmitContentPatterns))
	out = append(out, defaultOmitContentPatterns...)
	out = append(out, c.OmitContentPatterns...)
	return out
}

// IsExcluded reports whether a repository-relative path is hidden from all
// tools.
func (c *RepoConfig) IsExcluded(rel string) bool {
	return matchAny(c.AllExcludePatterns(), rel)
}

// IsContentOmitted reports whether a path is visible in listings but has
// its content withheld from read.
func (c *RepoConfig) IsContentOmitted(rel string) bool {
	return matchAny(c.AllOmitContentPatterns(), rel)
}

// matchAny matches rel against glob patterns. "**" matches any number of
// path segments (including none); other segments match with path.Match.
func matchAny(patterns []string, rel string) bool {
	for _, pattern := range patterns {
		if MatchGlob(pattern, rel) {
			return true
		}
	}
	return false
}

// MatchGlob reports whether a repository-relative path matches a glob
// pattern with "**" double-star support.
func MatchGlob(pattern, rel string) bool {
	return matchSegments(strings.Split(pattern, "/"), strings.Split(rel, "/"))
}

func matchSegments(pattern, segs []string) bool {
	if len(pattern) == 0 {
		return len(segs) == 0
	}
	if pattern[0] == "**" {
		// "**" matches zero or more leading segments.
		for skip := 0; skip <= len(segs); skip++ {
			if matchSegments(pattern[1:], segs[skip:]) {
				return true
			}
		}
		return false
	}
	if len(segs) == 0 {
		return false
	}
	if ok, err := path.Match(pattern[0], segs[0]); err != nil || !ok {
		return false
	}
	return matchSegments(pattern[1:], segs[1:])
}
