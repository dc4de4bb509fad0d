package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// WorkspaceDirName is the directory name for project-level resolver config.
	WorkspaceDirName = ".browsernerd"
	// WorkspaceConfigFile is the config file name inside the workspace directory.
	WorkspaceConfigFile = "config.yaml"
	// MaxSearchDepth limits how many parent directories to walk when discovering a workspace.
	MaxSearchDepth = 10
)

// WorkspaceOptions controls workspace discovery behavior.
type WorkspaceOptions struct {
	// Disable skips workspace discovery entirely (--no-workspace flag).
	Disable bool
	// ExplicitDir uses this directory as workspace root instead of walking up (--workspace-dir flag).
	ExplicitDir string
}

// Config captures all tunable settings for the resolver server.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Browser  BrowserConfig  `yaml:"browser"`
	MCP      MCPConfig      `yaml:"mcp"`
	Mangle   MangleConfig   `yaml:"mangle"`
	Resolver ResolverConfig `yaml:"resolver"`
	Patterns PatternsConfig `yaml:"patterns"`
	Logging  LoggingConfig  `yaml:"logging"`
	Recorder RecorderConfig `yaml:"recorder"`
}

type ServerConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

// BrowserConfig configures how we attach to or launch Chrome for Rod.
type BrowserConfig struct {
	// Control endpoint for Rod (e.g., ws://localhost:9222). Required when launch is empty.
	DebuggerURL string `yaml:"debugger_url"`
	// Optional launch command (e.g., ["chrome", "--remote-debugging-port=9222"]).
	Launch []string `yaml:"launch"`
	// AutoStart controls whether the server launches/attaches to Chrome at startup.
	AutoStart bool `yaml:"auto_start"`
	// Headless controls whether Chrome runs in headless mode (default: true).
	Headless *bool `yaml:"headless"`
	// Default navigation timeout (e.g., "15s").
	DefaultNavigationTimeout string `yaml:"default_navigation_timeout"`
	// Default timeout for a single element action (e.g., "5s").
	DefaultActionTimeout string `yaml:"default_action_timeout"`
	// Optional path to persist session metadata between server restarts.
	SessionStore string `yaml:"session_store"`
	// Window (ms) in which DOM mutations are coalesced before the epoch advances.
	MutationThrottleMs int `yaml:"mutation_throttle_ms"`
	// Number of child-node insertions within the window that counts as a large burst.
	MutationBurst int `yaml:"mutation_burst"`
	// Upper bound on nodes captured per snapshot.
	MaxSnapshotNodes int `yaml:"max_snapshot_nodes"`
	// Viewport width for new sessions (default: 1920).
	ViewportWidth int `yaml:"viewport_width"`
	// Viewport height for new sessions (default: 1080).
	ViewportHeight int `yaml:"viewport_height"`
}

type MCPConfig struct {
	// When set, starts an SSE server on this port instead of stdio-only.
	SSEPort int `yaml:"sse_port"`
}

// MangleConfig controls the embedded deductive engine that stores resolution outcomes.
type MangleConfig struct {
	Enable bool `yaml:"enable"`
	// Optional extra schema appended to the built-in resolution schema.
	SchemaPath      string `yaml:"schema_path"`
	FactBufferLimit int    `yaml:"fact_buffer_limit"`
}

// ResolverConfig tunes the resolution cascade and the speculative pipeline.
type ResolverConfig struct {
	SequentialTimeout string   `yaml:"sequential_timeout"`
	ParallelTimeout   string   `yaml:"parallel_timeout"`
	DynamicTimeout    string   `yaml:"dynamic_timeout"`
	// Share of the dynamic budget kept for fuzzy scoring and the LLM
	// after backoff re-queries.
	FallbackTimeout string   `yaml:"fallback_timeout"`
	Backoff           []string `yaml:"backoff"`
	MaxBackoff        string   `yaml:"max_backoff"`
	// Minimum fuzzy score accepted as a match.
	FuzzyThreshold float64 `yaml:"fuzzy_threshold"`
	// Scores within this margin of the best fuzzy score are treated as tied.
	FuzzyTieMargin float64 `yaml:"fuzzy_tie_margin"`
	NearDistance   float64 `yaml:"near_distance"`
	MaxParallel    int     `yaml:"max_parallel"`
	// Number of upcoming steps resolved speculatively.
	Lookahead int `yaml:"lookahead"`
	// How often a stale resolution is retried before giving up.
	StaleRetries int  `yaml:"stale_retries"`
	EnableLLM    bool `yaml:"enable_llm"`
}

// PatternsConfig selects the persistence backend of the pattern store.
type PatternsConfig struct {
	// Backend is one of memory, json, sqlite.
	Backend string `yaml:"backend"`
	Path    string `yaml:"path"`
}

// LoggingConfig configures the zap logger.
type LoggingConfig struct {
	Level       string `yaml:"level"`
	File        string `yaml:"file"`
	Development bool   `yaml:"development"`
}

// RecorderConfig configures the rotating resolution trace recorder.
type RecorderConfig struct {
	Enable bool   `yaml:"enable"`
	Dir    string `yaml:"dir"`
}

// DefaultConfig provides reasonable defaults for local development.
func DefaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Name:    "browsernerd-resolver",
			Version: "0.1.0",
		},
		Browser: BrowserConfig{
			AutoStart:                true,
			DefaultNavigationTimeout: "15s",
			DefaultActionTimeout:     "5s",
			SessionStore:             "sessions.json",
			MutationThrottleMs:       250,
			MutationBurst:            25,
			MaxSnapshotNodes:         1500,
			ViewportWidth:            1920,
			ViewportHeight:           1080,
		},
		MCP: MCPConfig{
			SSEPort: 0,
		},
		Mangle: MangleConfig{
			Enable:          true,
			FactBufferLimit: 4096,
		},
		Resolver: ResolverConfig{
			SequentialTimeout: "200ms",
			ParallelTimeout:   "400ms",
			DynamicTimeout:    "6s",
			FallbackTimeout:   "1500ms",
			Backoff:           []string{"100ms", "300ms", "1s", "3s"},
			MaxBackoff:        "3s",
			FuzzyThreshold:    0.6,
			FuzzyTieMargin:    0.05,
			NearDistance:      500,
			MaxParallel:       4,
			Lookahead:         2,
			StaleRetries:      3,
		},
		Patterns: PatternsConfig{
			Backend: "json",
			Path:    "patterns.json",
		},
		Logging: LoggingConfig{
			Level: "info",
			File:  "browsernerd-resolver.log",
		},
		Recorder: RecorderConfig{
			Enable: false,
			Dir:    "data/traces",
		},
	}
}

// Load reads YAML config from disk and overlays defaults.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()

	if path == "" {
		return cfg, errors.New("config path is required")
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}

	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, err
	}

	return cfg, cfg.Validate()
}

// DiscoverWorkspace walks up from startDir looking for a .browsernerd/config.yaml file.
// Returns the workspace root directory (parent of .browsernerd/) or empty string if not found.
func DiscoverWorkspace(startDir string) (string, error) {
	dir, err := filepath.Abs(startDir)
	if err != nil {
		return "", fmt.Errorf("resolving start directory: %w", err)
	}

	for i := 0; i < MaxSearchDepth; i++ {
		candidate := filepath.Join(dir, WorkspaceDirName, WorkspaceConfigFile)
		if _, err := os.Stat(candidate); err == nil {
			return dir, nil
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}

	return "", nil
}

// LoadWithWorkspace implements multi-layer config merge:
//
//	DefaultConfig() <- .browsernerd/config.yaml <- explicit --config <- CLI flags
//
// Returns the merged config and the workspace directory (empty if none found).
func LoadWithWorkspace(explicitConfig string, opts WorkspaceOptions) (Config, string, error) {
	cfg := DefaultConfig()
	wsDir := ""

	if !opts.Disable {
		var err error
		if opts.ExplicitDir != "" {
			candidate := filepath.Join(opts.ExplicitDir, WorkspaceDirName, WorkspaceConfigFile)
			if _, statErr := os.Stat(candidate); statErr == nil {
				wsDir = opts.ExplicitDir
			}
		} else {
			cwd, cwdErr := os.Getwd()
			if cwdErr != nil {
				return cfg, "", fmt.Errorf("getting working directory: %w", cwdErr)
			}
			wsDir, err = DiscoverWorkspace(cwd)
			if err != nil {
				return cfg, "", fmt.Errorf("discovering workspace: %w", err)
			}
		}

		if wsDir != "" {
			wsConfigPath := filepath.Join(wsDir, WorkspaceDirName, WorkspaceConfigFile)
			raw, err := os.ReadFile(wsConfigPath)
			if err != nil {
				return cfg, "", fmt.Errorf("reading workspace config %s: %w", wsConfigPath, err)
			}
			if err := yaml.Unmarshal(raw, &cfg); err != nil {
				return cfg, "", fmt.Errorf("parsing workspace config %s: %w", wsConfigPath, err)
			}
			cfg = resolveWorkspacePaths(cfg, wsDir)
		}
	}

	if explicitConfig != "" {
		raw, err := os.ReadFile(explicitConfig)
		if err != nil {
			return cfg, wsDir, fmt.Errorf("reading explicit config %s: %w", explicitConfig, err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return cfg, wsDir, fmt.Errorf("parsing explicit config %s: %w", explicitConfig, err)
		}
	}

	return cfg, wsDir, cfg.Validate()
}

// InitWorkspace creates a .browsernerd/ directory with template files at root.
func InitWorkspace(root string) error {
	wsDir := filepath.Join(root, WorkspaceDirName)

	if _, err := os.Stat(wsDir); err == nil {
		return fmt.Errorf("workspace directory already exists: %s", wsDir)
	}

	dirs := []string{
		wsDir,
		filepath.Join(wsDir, "schemas"),
		filepath.Join(wsDir, "data"),
	}
	for _, d := range dirs {
		if err := os.MkdirAll(d, 0755); err != nil {
			return fmt.Errorf("creating directory %s: %w", d, err)
		}
	}

	templateConfig := `# Project-level resolver configuration.
# Values here override defaults but are overridden by --config and CLI flags.

# patterns:
#   backend: sqlite
#   path: "data/patterns.db"

# resolver:
#   fuzzy_threshold: 0.6
#   fuzzy_tie_margin: 0.05
#   backoff: ["100ms", "300ms", "1s", "3s"]

# browser:
#   headless: false
#   viewport_width: 1280
#   viewport_height: 720
`
	configPath := filepath.Join(wsDir, WorkspaceConfigFile)
	if err := os.WriteFile(configPath, []byte(templateConfig), 0644); err != nil {
		return fmt.Errorf("writing config template: %w", err)
	}

	gitignoreContent := "# Runtime data (logs, sessions, learned patterns) - do not version control\ndata/\n"
	gitignorePath := filepath.Join(wsDir, ".gitignore")
	if err := os.WriteFile(gitignorePath, []byte(gitignoreContent), 0644); err != nil {
		return fmt.Errorf("writing .gitignore: %w", err)
	}

	return nil
}

// resolveWorkspacePaths resolves relative paths in the config against the workspace directory.
func resolveWorkspacePaths(cfg Config, wsDir string) Config {
	resolve := func(p string) string {
		if p == "" || filepath.IsAbs(p) {
			return p
		}
		return filepath.Join(wsDir, p)
	}

	cfg.Logging.File = resolve(cfg.Logging.File)
	cfg.Browser.SessionStore = resolve(cfg.Browser.SessionStore)
	cfg.Mangle.SchemaPath = resolve(cfg.Mangle.SchemaPath)
	cfg.Patterns.Path = resolve(cfg.Patterns.Path)
	cfg.Recorder.Dir = resolve(cfg.Recorder.Dir)
	return cfg
}

// Validate ensures required fields exist so the server can start deterministically.
func (c *Config) Validate() error {
	if c.Server.Name == "" {
		return errors.New("server.name is required")
	}
	if c.Browser.AutoStart {
		if c.Browser.DebuggerURL == "" && len(c.Browser.Launch) == 0 {
			return errors.New("browser.debugger_url or browser.launch must be provided")
		}
	}
	switch c.Patterns.Backend {
	case "", "memory":
	case "json", "sqlite":
		if c.Patterns.Path == "" {
			return fmt.Errorf("patterns.path is required for the %s backend", c.Patterns.Backend)
		}
	default:
		return fmt.Errorf("unknown patterns.backend %q", c.Patterns.Backend)
	}
	if c.Resolver.FuzzyThreshold < 0 || c.Resolver.FuzzyThreshold > 1 {
		return errors.New("resolver.fuzzy_threshold must be within [0,1]")
	}
	if c.Resolver.FuzzyTieMargin < 0 {
		return errors.New("resolver.fuzzy_tie_margin must not be negative")
	}
	for _, b := range c.Resolver.Backoff {
		if _, err := time.ParseDuration(b); err != nil {
			return fmt.Errorf("resolver.backoff: %w", err)
		}
	}
	return nil
}

func parseDuration(raw string, fallback time.Duration) time.Duration {
	if raw == "" {
		return fallback
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

// NavigationTimeout returns the parsed navigation timeout with a sane default.
func (b BrowserConfig) NavigationTimeout() time.Duration {
	return parseDuration(b.DefaultNavigationTimeout, 15*time.Second)
}

// ActionTimeout returns the parsed per-action timeout with a sane default.
func (b BrowserConfig) ActionTimeout() time.Duration {
	return parseDuration(b.DefaultActionTimeout, 5*time.Second)
}

// MutationThrottle returns the mutation coalescing window.
func (b BrowserConfig) MutationThrottle() time.Duration {
	if b.MutationThrottleMs <= 0 {
		return 250 * time.Millisecond
	}
	return time.Duration(b.MutationThrottleMs) * time.Millisecond
}

// GetMutationBurst returns the insertion count that advances the epoch.
func (b BrowserConfig) GetMutationBurst() int {
	if b.MutationBurst <= 0 {
		return 25
	}
	return b.MutationBurst
}

// GetMaxSnapshotNodes returns the snapshot node cap with a sane default.
func (b BrowserConfig) GetMaxSnapshotNodes() int {
	if b.MaxSnapshotNodes <= 0 {
		return 1500
	}
	return b.MaxSnapshotNodes
}

// IsHeadless returns whether Chrome should run in headless mode (default: true).
func (b BrowserConfig) IsHeadless() bool {
	if b.Headless == nil {
		return true
	}
	return *b.Headless
}

// GetViewportWidth returns the viewport width with a sane default.
func (b BrowserConfig) GetViewportWidth() int {
	if b.ViewportWidth <= 0 {
		return 1920
	}
	return b.ViewportWidth
}

// GetViewportHeight returns the viewport height with a sane default.
func (b BrowserConfig) GetViewportHeight() int {
	if b.ViewportHeight <= 0 {
		return 1080
	}
	return b.ViewportHeight
}

// SequentialBudget bounds the sequential tier.
func (r ResolverConfig) SequentialBudget() time.Duration {
	return parseDuration(r.SequentialTimeout, 200*time.Millisecond)
}

// ParallelBudget bounds the parallel tier.
func (r ResolverConfig) ParallelBudget() time.Duration {
	return parseDuration(r.ParallelTimeout, 400*time.Millisecond)
}

// DynamicBudget bounds the whole dynamic tier, backoff included.
func (r ResolverConfig) DynamicBudget() time.Duration {
	return parseDuration(r.DynamicTimeout, 6*time.Second)
}

// FallbackBudget is the part of the dynamic budget reserved for the
// fuzzy and LLM strategies.
func (r ResolverConfig) FallbackBudget() time.Duration {
	return parseDuration(r.FallbackTimeout, 1500*time.Millisecond)
}

// BackoffSchedule returns the re-query delays, each capped at MaxBackoff.
func (r ResolverConfig) BackoffSchedule() []time.Duration {
	limit := parseDuration(r.MaxBackoff, 3*time.Second)
	raw := r.Backoff
	if raw == nil {
		raw = []string{"100ms", "300ms", "1s", "3s"}
	}
	out := make([]time.Duration, 0, len(raw))
	for _, s := range raw {
		d := parseDuration(s, 0)
		if d <= 0 {
			continue
		}
		if d > limit {
			d = limit
		}
		out = append(out, d)
	}
	return out
}

// GetFuzzyThreshold returns the fuzzy acceptance threshold (default 0.6).
func (r ResolverConfig) GetFuzzyThreshold() float64 {
	if r.FuzzyThreshold <= 0 {
		return 0.6
	}
	return r.FuzzyThreshold
}

// GetNearDistance returns the "near X" radius in pixels (default 500).
func (r ResolverConfig) GetNearDistance() float64 {
	if r.NearDistance <= 0 {
		return 500
	}
	return r.NearDistance
}

// GetMaxParallel returns the parallel tier's concurrency limit.
func (r ResolverConfig) GetMaxParallel() int {
	if r.MaxParallel <= 0 {
		return 4
	}
	return r.MaxParallel
}

// GetLookahead returns how many upcoming steps are prefetched (default 2).
func (r ResolverConfig) GetLookahead() int {
	if r.Lookahead < 0 {
		return 0
	}
	if r.Lookahead == 0 {
		return 2
	}
	return r.Lookahead
}

// GetStaleRetries returns how often a stale resolution is retried.
func (r ResolverConfig) GetStaleRetries() int {
	if r.StaleRetries <= 0 {
		return 3
	}
	return r.StaleRetries
}
