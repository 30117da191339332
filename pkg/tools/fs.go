package tools

import (
	"bufio"
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"unicode/utf8"

	"daiv/pkg/config"
	"daiv/pkg/proto"
)

const (
	defaultReadLines = 2000 // Default window for read
	maxLineLength    = 2000 // Truncate lines longer than this
	maxGlobResults   = 1000
	maxGrepResults   = 200
	contentWithheld  = "content withheld"
)

// FSContext scopes the file tools to one working copy and carries the
// repository's visibility rules. Mutation tools report each applied change
// through Record so the executor can persist the pending working set.
//
//nolint:govet // fieldalignment: logical grouping preferred
type FSContext struct {
	Root   string
	Repo   *config.RepoConfig
	Record func(proto.FileChange)
}

// resolve maps a repository-relative path onto the working copy, rejecting
// traversal outside the root.
func (f *FSContext) resolve(rel string) (abs, clean string, err error) {
	clean = filepath.ToSlash(filepath.Clean(rel))
	if clean == "." {
		clean = ""
	}
	if strings.HasPrefix(clean, "..") || filepath.IsAbs(rel) {
		return "", "", fmt.Errorf("path %q escapes the repository", rel)
	}
	return filepath.Join(f.Root, filepath.FromSlash(clean)), clean, nil
}

func (f *FSContext) excluded(rel string) bool {
	return f.Repo != nil && f.Repo.IsExcluded(rel)
}

func (f *FSContext) omitted(rel string) bool {
	return f.Repo != nil && f.Repo.IsContentOmitted(rel)
}

func (f *FSContext) record(change proto.FileChange) {
	if f.Record != nil {
		f.Record(change)
	}
}

// truncateLine cuts s at limit bytes, stepping back so a multi-byte rune
// is never split.
func truncateLine(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	for limit > 0 && !utf8.RuneStart(s[limit]) {
		limit--
	}
	return s[:limit]
}

// GlobTool returns paths matching a glob pattern under the working copy.
type GlobTool struct {
	fsctx *FSContext
}

// NewGlobTool creates a glob tool bound to a working copy.
func NewGlobTool(fsctx *FSContext) *GlobTool { return &GlobTool{fsctx: fsctx} }

// Name returns the tool identifier.
func (t *GlobTool) Name() string { return ToolGlob }

// SideEffect returns the tool's side-effect class.
func (t *GlobTool) SideEffect() SideEffect { return SideEffectRead }

// Definition returns the tool definition for the LLM.
func (t *GlobTool) Definition() ToolDefinition {
	return ToolDefinition{
		Name:        ToolGlob,
		Description: "Find files matching a glob pattern. Supports ** for recursive matching (e.g. 'src/**/*.py'). Results are sorted and bounded.",
		InputSchema: InputSchema{
			Type: "object",
			Properties: map[string]Property{
				"pattern": {Type: "string", Description: "Glob pattern to match against repository-relative paths"},
				"path":    {Type: "string", Description: "Directory to search under. Defaults to the repository root."},
			},
			Required: []string{"pattern"},
		},
	}
}

// Exec executes the glob search.
func (t *GlobTool) Exec(_ context.Context, args map[string]any) (any, error) {
	pattern, ok := stringArg(args, "pattern")
	if !ok || pattern == "" {
		return ErrorResult("pattern is required"), nil
	}

	base := ""
	if p, ok := stringArg(args, "path"); ok && p != "" {
		_, clean, err := t.fsctx.resolve(p)
		if err != nil {
			return ErrorResult("%v", err), nil
		}
		base = clean
	}

	var matches []string
	truncated := false
	root := filepath.Join(t.fsctx.Root, filepath.FromSlash(base))
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil //nolint:nilerr // unreadable entries are skipped, not fatal
		}
		rel, relErr := filepath.Rel(t.fsctx.Root, path)
		if relErr != nil {
			return nil //nolint:nilerr // outside root, skip
		}
		rel = filepath.ToSlash(rel)
		if rel == "." {
			return nil
		}
		if t.fsctx.excluded(rel) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			return nil
		}
		if config.MatchGlob(pattern, rel) {
			if len(matches) >= maxGlobResults {
				truncated = true
				return filepath.SkipAll
			}
			matches = append(matches, rel)
		}
		return nil
	})
	if err != nil {
		return ErrorResult("glob walk failed: %v", err), nil
	}

	sort.Strings(matches)
	return OkResult(fmt.Sprintf("%d files matched", len(matches)), map[string]any{
		"paths":     matches,
		"truncated": truncated,
	}), nil
}

// GrepTool searches file contents for a literal string or regular
// expression.
type GrepTool struct {
	fsctx *FSContext
}

// NewGrepTool creates a grep tool bound to a working copy.
func NewGrepTool(fsctx *FSContext) *GrepTool { return &GrepTool{fsctx: fsctx} }

// Name returns the tool identifier.
func (t *GrepTool) Name() string { return ToolGrep }

// SideEffect returns the tool's side-effect class.
func (t *GrepTool) SideEffect() SideEffect { return SideEffectRead }

// Definition returns the tool definition for the LLM.
func (t *GrepTool) Definition() ToolDefinition {
	return ToolDefinition{
		Name:        ToolGrep,
		Description: "Search file contents for a pattern. Returns matching locations with line numbers. Result count is bounded; narrow the search with path or glob when it truncates.",
		InputSchema: InputSchema{
			Type: "object",
			Properties: map[string]Property{
				"pattern": {Type: "string", Description: "Pattern to search for. Treated as a Go regular expression; invalid expressions fall back to a literal search."},
				"path":    {Type: "string", Description: "Directory to search under. Defaults to the repository root."},
				"glob":    {Type: "string", Description: "Restrict the search to files matching this glob pattern."},
			},
			Required: []string{"pattern"},
		},
	}
}

// GrepMatch is one search hit.
type GrepMatch struct {
	Path string `json:"path"`
	Line int    `json:"line"`
	Text string `json:"text"`
}

// Exec executes the content search.
func (t *GrepTool) Exec(_ context.Context, args map[string]any) (any, error) {
	pattern, ok := stringArg(args, "pattern")
	if !ok || pattern == "" {
		return ErrorResult("pattern is required"), nil
	}

	re, reErr := regexp.Compile(pattern)
	matchLine := func(line string) bool {
		if reErr == nil {
			return re.MatchString(line)
		}
		return strings.Contains(line, pattern)
	}

	base := ""
	if p, ok := stringArg(args, "path"); ok && p != "" {
		_, clean, err := t.fsctx.resolve(p)
		if err != nil {
			return ErrorResult("%v", err), nil
		}
		base = clean
	}
	globFilter, _ := stringArg(args, "glob")

	var matches []GrepMatch
	truncated := false
	root := filepath.Join(t.fsctx.Root, filepath.FromSlash(base))
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil //nolint:nilerr // unreadable entries are skipped
		}
		rel, relErr := filepath.Rel(t.fsctx.Root, path)
		if relErr != nil {
			return nil //nolint:nilerr // outside root, skip
		}
		rel = filepath.ToSlash(rel)
		if rel == "." {
			return nil
		}
		if t.fsctx.excluded(rel) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			return nil
		}
		if globFilter != "" && !config.MatchGlob(globFilter, rel) {
			return nil
		}
		if t.fsctx.omitted(rel) {
			return nil
		}

		file, openErr := os.Open(path)
		if openErr != nil {
			return nil //nolint:nilerr // unreadable file, skip
		}
		defer file.Close()

		scanner := bufio.NewScanner(file)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		lineNo := 0
		for scanner.Scan() {
			lineNo++
			line := scanner.Text()
			if strings.ContainsRune(line, 0) {
				// Binary file, stop scanning it.
				return nil
			}
			if matchLine(line) {
				if len(matches) >= maxGrepResults {
					truncated = true
					return filepath.SkipAll
				}
				line = truncateLine(line, maxLineLength)
				matches = append(matches, GrepMatch{Path: rel, Line: lineNo, Text: line})
			}
		}
		return nil
	})
	if err != nil {
		return ErrorResult("grep walk failed: %v", err), nil
	}

	return OkResult(fmt.Sprintf("%d matches", len(matches)), map[string]any{
		"matches":   matches,
		"truncated": truncated,
	}), nil
}

// LsTool lists a single directory level.
type LsTool struct {
	fsctx *FSContext
}

// NewLsTool creates an ls tool bound to a working copy.
func NewLsTool(fsctx *FSContext) *LsTool { return &LsTool{fsctx: fsctx} }

// Name returns the tool identifier.
func (t *LsTool) Name() string { return ToolLs }

// SideEffect returns the tool's side-effect class.
func (t *LsTool) SideEffect() SideEffect { return SideEffectRead }

// Definition returns the tool definition for the LLM.
func (t *LsTool) Definition() ToolDefinition {
	return ToolDefinition{
		Name:        ToolLs,
		Description: "List the entries of a directory (depth 1). Directories are suffixed with '/'.",
		InputSchema: InputSchema{
			Type: "object",
			Properties: map[string]Property{
				"path": {Type: "string", Description: "Directory to list, relative to the repository root. Defaults to the root."},
			},
			Required: []string{},
		},
	}
}

// Exec executes the directory listing.
func (t *LsTool) Exec(_ context.Context, args map[string]any) (any, error) {
	rel := ""
	if p, ok := stringArg(args, "path"); ok && p != "" {
		_, clean, err := t.fsctx.resolve(p)
		if err != nil {
			return ErrorResult("%v", err), nil
		}
		rel = clean
	}

	abs := filepath.Join(t.fsctx.Root, filepath.FromSlash(rel))
	entries, err := os.ReadDir(abs)
	if err != nil {
		return ErrorResult("cannot list %s: %v", displayPath(rel), err), nil
	}

	var names []string
	for _, entry := range entries {
		entryRel := entry.Name()
		if rel != "" {
			entryRel = rel + "/" + entry.Name()
		}
		if t.fsctx.excluded(entryRel) {
			continue
		}
		name := entry.Name()
		if entry.IsDir() {
			name += "/"
		}
		names = append(names, name)
	}
	sort.Strings(names)

	return OkResult(fmt.Sprintf("%d entries in %s", len(names), displayPath(rel)), map[string]any{
		"entries": names,
	}), nil
}

// ReadTool returns a bounded window of a file's contents with numbered
// lines.
type ReadTool struct {
	fsctx *FSContext
}

// NewReadTool creates a read tool bound to a working copy.
func NewReadTool(fsctx *FSContext) *ReadTool { return &ReadTool{fsctx: fsctx} }

// Name returns the tool identifier.
func (t *ReadTool) Name() string { return ToolRead }

// SideEffect returns the tool's side-effect class.
func (t *ReadTool) SideEffect() SideEffect { return SideEffectRead }

// Definition returns the tool definition for the LLM.
func (t *ReadTool) Definition() ToolDefinition {
	return ToolDefinition{
		Name:        ToolRead,
		Description: "Read a file from the repository. Output uses numbered lines; for large files use start_line and max_lines to read specific sections.",
		InputSchema: InputSchema{
			Type: "object",
			Properties: map[string]Property{
				"path":       {Type: "string", Description: "Repository-relative path to the file"},
				"start_line": {Type: "integer", Description: "Line to start reading from (1-based). Defaults to 1."},
				"max_lines":  {Type: "integer", Description: "Maximum lines to return. Defaults to 2000."},
			},
			Required: []string{"path"},
		},
	}
}

// Exec executes the read.
func (t *ReadTool) Exec(_ context.Context, args map[string]any) (any, error) {
	rel, ok := stringArg(args, "path")
	if !ok || rel == "" {
		return ErrorResult("path is required"), nil
	}
	abs, clean, err := t.fsctx.resolve(rel)
	if err != nil {
		return ErrorResult("%v", err), nil
	}
	if t.fsctx.excluded(clean) {
		return ErrorResult("file not found: %s", clean), nil
	}
	if t.fsctx.omitted(clean) {
		return OkResult(contentWithheld, map[string]any{
			"path":    clean,
			"content": contentWithheld,
		}), nil
	}

	startLine := intArgOrDefault(args, "start_line", 1)
	if startLine < 1 {
		startLine = 1
	}
	maxLines := intArgOrDefault(args, "max_lines", defaultReadLines)
	if maxLines < 1 {
		maxLines = defaultReadLines
	}

	file, err := os.Open(abs)
	if err != nil {
		return ErrorResult("file not found or not readable: %s", clean), nil
	}
	defer file.Close()

	var out strings.Builder
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	total := 0
	shown := 0
	firstShown := 0
	for scanner.Scan() {
		total++
		if total < startLine || shown >= maxLines {
			continue
		}
		if firstShown == 0 {
			firstShown = total
		}
		line := scanner.Text()
		if len(line) > maxLineLength {
			line = truncateLine(line, maxLineLength) + "…"
		}
		fmt.Fprintf(&out, "%6d\t%s\n", total, line)
		shown++
	}
	if err := scanner.Err(); err != nil {
		return ErrorResult("failed reading %s: %v", clean, err), nil
	}

	header := fmt.Sprintf("%s: showing lines %d-%d of %d", clean, firstShown, firstShown+shown-1, total)
	if shown == 0 {
		header = fmt.Sprintf("%s: empty range (file has %d lines)", clean, total)
	}

	return OkResult(header, map[string]any{
		"path":        clean,
		"content":     out.String(),
		"total_lines": total,
	}), nil
}

func displayPath(rel string) string {
	if rel == "" {
		return "."
	}
	return rel
}
