package chat

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/jellydator/ttlcache/v3"
)

const (
	workspaceTTL     = 1 * time.Hour
	manifestMaxBytes = 512
)

// WorkspaceContext holds extracted project metadata for the directory that
// contains a notebook.
type WorkspaceContext struct {
	Dir       string
	Manifests map[string]string // label -> extracted content
}

// WorkspaceCache is a TTL cache of WorkspaceContext entries keyed by
// directory path.
type WorkspaceCache struct {
	cache *ttlcache.Cache[string, *WorkspaceContext]
}

// NewWorkspaceCache creates a WorkspaceCache with TTL-based expiration.
func NewWorkspaceCache() *WorkspaceCache {
	c := ttlcache.New[string, *WorkspaceContext](
		ttlcache.WithTTL[string, *WorkspaceContext](workspaceTTL),
		ttlcache.WithDisableTouchOnHit[string, *WorkspaceContext](),
	)
	go c.Start()
	return &WorkspaceCache{cache: c}
}

// Close stops the cache expiration loop.
func (wc *WorkspaceCache) Close() {
	wc.cache.Stop()
}

// Lookup returns the workspace context for the directory containing
// notebookPath, gathering and caching it on first use. Returns nil for an
// empty path.
func (wc *WorkspaceCache) Lookup(notebookPath string) *WorkspaceContext {
	if notebookPath == "" {
		return nil
	}
	dir := filepath.Dir(notebookPath)
	if item := wc.cache.Get(dir); item != nil {
		return item.Value()
	}
	entry := gatherWorkspace(dir)
	wc.cache.Set(dir, entry, ttlcache.DefaultTTL)
	return entry
}

// workspaceManifests lists the manifest filenames to look for next to a
// notebook.
var workspaceManifests = []string{
	"pyproject.toml",
	"requirements.txt",
	"environment.yml",
}

func gatherWorkspace(dir string) *WorkspaceContext {
	entry := &WorkspaceContext{
		Dir:       dir,
		Manifests: make(map[string]string),
	}

	for _, name := range workspaceManifests {
		path := filepath.Join(dir, name)
		info, err := os.Stat(path)
		if err != nil || info.IsDir() {
			continue
		}

		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}

		var extracted string
		switch name {
		case "pyproject.toml":
			extracted = extractPyprojectInfo(string(data))
		case "requirements.txt":
			extracted = extractRequirements(string(data))
		case "environment.yml":
			extracted = extractEnvironmentName(string(data))
		}

		if extracted != "" {
			entry.Manifests[name] = extracted
		}
	}

	return entry
}

type pyprojectToml struct {
	Project struct {
		Name         string   `toml:"name"`
		Dependencies []string `toml:"dependencies"`
	} `toml:"project"`
}

// extractPyprojectInfo extracts the project name and dependency list from
// pyproject.toml.
func extractPyprojectInfo(content string) string {
	var pyproject pyprojectToml
	if _, err := toml.Decode(content, &pyproject); err != nil {
		return ""
	}
	if pyproject.Project.Name == "" && len(pyproject.Project.Dependencies) == 0 {
		return ""
	}
	var parts []string
	if pyproject.Project.Name != "" {
		parts = append(parts, fmt.Sprintf(`name = "%s"`, pyproject.Project.Name))
	}
	if len(pyproject.Project.Dependencies) > 0 {
		parts = append(parts, "deps: "+strings.Join(pyproject.Project.Dependencies, ", "))
	}
	return truncate(strings.Join(parts, "; "), manifestMaxBytes)
}

// extractRequirements returns the non-comment requirement lines joined on
// one line.
func extractRequirements(content string) string {
	var reqs []string
	scanner := bufio.NewScanner(strings.NewReader(content))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, "-") {
			continue
		}
		reqs = append(reqs, line)
	}
	return truncate(strings.Join(reqs, ", "), manifestMaxBytes)
}

// extractEnvironmentName extracts the "name:" line from a conda
// environment.yml.
func extractEnvironmentName(content string) string {
	scanner := bufio.NewScanner(strings.NewReader(content))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if strings.HasPrefix(line, "name:") {
			return truncate(strings.TrimSpace(strings.TrimPrefix(line, "name:")), manifestMaxBytes)
		}
	}
	return ""
}

// truncate truncates s to maxBytes, appending "..." if truncated.
func truncate(s string, maxBytes int) string {
	if len(s) <= maxBytes {
		return s
	}
	return s[:maxBytes] + "..."
}
