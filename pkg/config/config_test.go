package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "daiv.config.yml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

const minimalConfig = `
platform:
  kind: gitlab
  token: glpat-test
  bot_username: daiv
models:
  primary:
    provider: anthropic
    name: claude-sonnet-4-5
  classifier:
    provider: anthropic
    name: claude-haiku-4-5
`

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimalConfig))
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.ListenAddr)
	assert.Equal(t, "daiv.db", cfg.StorePath)
	assert.Equal(t, 2*time.Second, cfg.Debounce)
	assert.Equal(t, 40, cfg.Limits.PlanningRecursion)
	assert.Equal(t, 80, cfg.Limits.ExecutionRecursion)
	assert.Equal(t, 5*time.Minute, cfg.Limits.ModelCallTimeout)
	assert.Equal(t, "daiv", cfg.GitIdentity)
}

func TestLoadResolvesSecretsFromEnv(t *testing.T) {
	t.Setenv("DAIV_TEST_TOKEN", "from-env")
	cfg, err := Load(writeConfig(t, `
platform:
  kind: github
  token_env: DAIV_TEST_TOKEN
  bot_username: daiv-bot
models:
  primary:
    provider: openai
    name: gpt-5
  classifier:
    provider: openai
    name: gpt-5-mini
`))
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.Platform.Token)
}

func TestLoadRejectsInvalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"bad platform kind", `
platform: {kind: bitbucket, token: x, bot_username: daiv}
models:
  primary: {provider: anthropic, name: m}
  classifier: {provider: anthropic, name: m}
`},
		{"missing token", `
platform: {kind: gitlab, bot_username: daiv}
models:
  primary: {provider: anthropic, name: m}
  classifier: {provider: anthropic, name: m}
`},
		{"bad provider", `
platform: {kind: gitlab, token: x, bot_username: daiv}
models:
  primary: {provider: mistral, name: m}
  classifier: {provider: anthropic, name: m}
`},
		{"missing model name", `
platform: {kind: gitlab, token: x, bot_username: daiv}
models:
  primary: {provider: anthropic}
  classifier: {provider: anthropic, name: m}
`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.content))
			assert.Error(t, err)
		})
	}
}

func TestParseRepoConfig(t *testing.T) {
	cfg, err := ParseRepoConfig([]byte(`
default_branch: develop
context_file_name: CONTRIBUTING.md
extend_exclude_patterns:
  - "docs/generated/**"
omit_content_patterns:
  - "**/*.snap"
issue_addressing:
  enabled: false
sandbox:
  base_image: python:3.12
  format_code: ["ruff format ."]
pull_request:
  branch_name_convention: "always prefix with daiv/"
models:
  planner:
    name: claude-opus-4-5
    thinking_level: high
`))
	require.NoError(t, err)

	assert.Equal(t, "develop", cfg.DefaultBranch)
	assert.Equal(t, "CONTRIBUTING.md", cfg.ContextFileName)
	assert.False(t, cfg.IssueAddressing.IsEnabled())
	assert.True(t, cfg.CodeReview.IsEnabled(), "absent toggle defaults to enabled")
	assert.Equal(t, "python:3.12", cfg.Sandbox.BaseImage)
	assert.Equal(t, []string{"ruff format ."}, cfg.Sandbox.FormatCode)
	assert.Equal(t, "always prefix with daiv/", cfg.PullRequest.BranchNameConvention)
	assert.Equal(t, "claude-opus-4-5", cfg.Models["planner"].Name)
}

func TestParseRepoConfigEmpty(t *testing.T) {
	cfg, err := ParseRepoConfig(nil)
	require.NoError(t, err)
	assert.Equal(t, DefaultContextFileName, cfg.ContextFileName)
	assert.True(t, cfg.IssueAddressing.IsEnabled())
	assert.True(t, cfg.QuickActions.IsEnabled())
}

func TestParseRepoConfigInvalidYAML(t *testing.T) {
	_, err := ParseRepoConfig([]byte("{{not yaml"))
	assert.Error(t, err)
}

func TestIsExcluded(t *testing.T) {
	cfg, err := ParseRepoConfig([]byte(`
extend_exclude_patterns:
  - "secrets/**"
`))
	require.NoError(t, err)

	assert.True(t, cfg.IsExcluded(".git/config"))
	assert.True(t, cfg.IsExcluded("sub/.git/HEAD"))
	assert.True(t, cfg.IsExcluded("web/node_modules/react/index.js"))
	assert.True(t, cfg.IsExcluded("secrets/prod.env"))
	assert.True(t, cfg.IsExcluded("secrets/nested/deep.txt"))
	assert.False(t, cfg.IsExcluded("src/main.go"))
	assert.False(t, cfg.IsExcluded("secretsfile.txt"))
}

func TestIsContentOmitted(t *testing.T) {
	cfg, err := ParseRepoConfig([]byte(`
omit_content_patterns:
  - "assets/**/*.svg"
`))
	require.NoError(t, err)

	assert.True(t, cfg.IsContentOmitted("poetry.lock"))
	assert.True(t, cfg.IsContentOmitted("web/package-lock.json"))
	assert.True(t, cfg.IsContentOmitted("assets/icons/logo.svg"))
	assert.False(t, cfg.IsContentOmitted("assets/readme.md"))
	assert.False(t, cfg.IsContentOmitted("main.py"))
}

func TestMatchGlob(t *testing.T) {
	tests := []struct {
		pattern string
		rel     string
		want    bool
	}{
		{"*.go", "main.go", true},
		{"*.go", "pkg/main.go", false},
		{"**/*.go", "pkg/deep/main.go", true},
		{"**/*.go", "main.go", true},
		{"pkg/**", "pkg/a/b/c.go", true},
		{"pkg/**", "other/a.go", false},
		{"**/.git/**", "a/b/.git/objects/ab", true},
		{"a/*/c", "a/b/c", true},
		{"a/*/c", "a/b/d/c", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, MatchGlob(tt.pattern, tt.rel), "%s vs %s", tt.pattern, tt.rel)
	}
}
