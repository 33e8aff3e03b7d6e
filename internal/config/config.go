// Package config loads the control plane's configuration: a JSON file
// overlaid by environment variables, in that priority order (env wins),
// following the same shape as the teacher's configuration loader.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"
)

// DaytimeWindow is an alternative timeout interval that applies only while
// the wall clock falls within [Start, Stop), per spec §5/§6 "build-alt-*"
// options. Start/Stop are standard 5-field cron expressions (e.g. "0 22 *
// * *"/"0 6 * * *" for a nightly 22:00-06:00 window) rather than bare
// "HH:MM" strings, parsed by internal/buildtask via robfig/cron.
type DaytimeWindow struct {
	Start   string        `json:"start,omitempty"`
	Stop    string        `json:"stop,omitempty"`
	Timeout time.Duration `json:"timeout,omitempty"`
}

// BuildTimeouts carries the task-scheduler's orthogonal expirations
// (spec §5 "Cancellation and timeouts", §6).
type BuildTimeouts struct {
	Result              time.Duration  `json:"result"`
	ResultAlt           *DaytimeWindow `json:"result_alt,omitempty"`
	ForcedRebuild        time.Duration  `json:"forced_rebuild"`
	ForcedRebuildAlt    *DaytimeWindow `json:"forced_rebuild_alt,omitempty"`
	SoftRebuild         time.Duration  `json:"soft_rebuild"`
	SoftRebuildAlt      *DaytimeWindow `json:"soft_rebuild_alt,omitempty"`
	HardRebuild         time.Duration  `json:"hard_rebuild"`
	HardRebuildAlt      *DaytimeWindow `json:"hard_rebuild_alt,omitempty"`
	Queued              time.Duration  `json:"queued"`
}

// RetryPolicy configures the exponential-backoff retry loop used around
// recoverable database errors (spec §4.4, §5).
type RetryPolicy struct {
	MaxAttempts    int           `json:"max_attempts"`
	InitialBackoff time.Duration `json:"initial_backoff"`
	Multiplier     float64       `json:"multiplier"`
	MaxBackoff     time.Duration `json:"max_backoff"`
}

// UnresolvedDependencyPolicy controls how missing dependency resolutions
// are handled by the loader (spec §4.1, §9 Open Question #2).
type UnresolvedDependencyPolicy struct {
	IgnoreUnresolved          bool `json:"ignore_unresolved"`
	IgnoreUnresolvedConditional bool `json:"ignore_unresolved_conditional"`
	IgnoreUnresolvedTest      bool `json:"ignore_unresolved_test"`
}

// Config holds all control plane configuration.
type Config struct {
	ListenAddr string `json:"listen_addr"`
	DatabaseURL string `json:"database_url"`

	// LoadTab is the path to the loadtab file (spec §6).
	LoadTab string `json:"loadtab,omitempty"`
	// MetaDir is the optional reviews-metadata directory (spec §4.1).
	MetaDir string `json:"meta_dir,omitempty"`

	// CIData is the on-disk root for CI submission manifests
	// ("ci-data/<uuid>/..."), spec §6.
	CIData        string        `json:"ci_data,omitempty"`
	CIHandler     string        `json:"ci_handler,omitempty"`
	CIHandlerTimeout time.Duration `json:"ci_handler_timeout,omitempty"`

	// BuildConfig is the target-config table path; required to enable the
	// build endpoints (spec §6).
	BuildConfig string `json:"build_config,omitempty"`
	// BotAgentKeys is the agent-key directory; its presence enables
	// challenge authentication (spec §4.2, §6).
	BotAgentKeys string `json:"bot_agent_keys,omitempty"`

	BuildTimeouts BuildTimeouts `json:"build_timeouts"`

	// BuildInteractiveLogin is a sequence of regex-rewrite pairs applied to
	// the interactive login template (spec §6).
	BuildInteractiveLogin [][2]string `json:"build_interactive_login,omitempty"`

	// BuildToolchainEmail maps toolchain name to whether email
	// notifications are enabled for it (spec §4.3, §6).
	BuildToolchainEmail map[string]bool `json:"build_toolchain_email,omitempty"`

	// UploadData is a filesystem root or an OCI registry reference
	// (oras.land) for finished build artifacts (SPEC_FULL.md §6).
	UploadData         string        `json:"upload_data,omitempty"`
	UploadHandler       string        `json:"upload_handler,omitempty"`
	UploadHandlerArgument string      `json:"upload_handler_argument,omitempty"`
	UploadHandlerTimeout time.Duration `json:"upload_handler_timeout,omitempty"`
	UploadEmail          *string       `json:"upload_email,omitempty"`

	// UploadToolchainExclude/UploadRepositoryExclude filter which upload
	// URLs are offered in a task response (spec §4.2 "Session and
	// response").
	UploadToolchainExclude  []string `json:"upload_toolchain_exclude,omitempty"`
	UploadRepositoryExclude []string `json:"upload_repository_exclude,omitempty"`

	FetchTimeout    time.Duration `json:"fetch_timeout"`
	FetchMaxRetries int           `json:"fetch_max_retries"`

	TenantRetry RetryPolicy `json:"tenant_retry"`

	UnresolvedDependencies UnresolvedDependencyPolicy `json:"unresolved_dependencies"`

	AuxiliaryMachineLimit int `json:"auxiliary_machine_limit"`

	LogLevel string `json:"log_level"`

	OTLPEndpoint string `json:"otlp_endpoint,omitempty"`
	MetricsAddr  string `json:"metrics_addr,omitempty"`
}

// Default returns configuration with sensible defaults, mirroring the
// shape of the teacher's config.Default().
func Default() Config {
	return Config{
		ListenAddr: ":8080",
		FetchTimeout:    30 * time.Second,
		FetchMaxRetries: 3,
		BuildTimeouts: BuildTimeouts{
			Result:       2 * time.Hour,
			ForcedRebuild: 10 * time.Minute,
			SoftRebuild:  7 * 24 * time.Hour,
			HardRebuild:  30 * 24 * time.Hour,
			Queued:       10 * time.Minute,
		},
		TenantRetry: RetryPolicy{
			MaxAttempts:    10,
			InitialBackoff: 100 * time.Millisecond,
			Multiplier:     2,
			MaxBackoff:     5 * time.Second,
		},
		AuxiliaryMachineLimit: 9,
		LogLevel:              "info",
	}
}

// Load reads configuration from a file, then overlays environment
// variables (env wins), following the teacher's config.Load shape.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		if err := json.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config: %w", err)
		}
	}

	if v := os.Getenv("BREPD_LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv("BREPD_DATABASE_URL"); v != "" {
		cfg.DatabaseURL = v
	}
	if v := os.Getenv("BREPD_LOADTAB"); v != "" {
		cfg.LoadTab = v
	}
	if v := os.Getenv("BREPD_CI_DATA"); v != "" {
		cfg.CIData = v
	}
	if v := os.Getenv("BREPD_CI_HANDLER"); v != "" {
		cfg.CIHandler = v
	}
	if v := os.Getenv("BREPD_BUILD_CONFIG"); v != "" {
		cfg.BuildConfig = v
	}
	if v := os.Getenv("BREPD_BOT_AGENT_KEYS"); v != "" {
		cfg.BotAgentKeys = v
	}
	if v := os.Getenv("BREPD_UPLOAD_DATA"); v != "" {
		cfg.UploadData = v
	}
	if v := os.Getenv("BREPD_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("BREPD_OTLP_ENDPOINT"); v != "" {
		cfg.OTLPEndpoint = v
	}
	if v := os.Getenv("BREPD_METRICS_ADDR"); v != "" {
		cfg.MetricsAddr = v
	}
	if v := os.Getenv("BREPD_AUXILIARY_MACHINE_LIMIT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.AuxiliaryMachineLimit = n
		}
	}

	return cfg, nil
}

// LoadFromEnv loads configuration from environment variables only.
func LoadFromEnv() Config {
	cfg, _ := Load("")
	return cfg
}

// Save writes configuration to a file.
func (c Config) Save(path string) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0640)
}

// HasBuildEndpoints reports whether the build-config table is configured,
// which spec §6 requires to enable the build endpoints.
func (c Config) HasBuildEndpoints() bool { return c.BuildConfig != "" }

// HasAgentAuth reports whether challenge authentication is enabled
// (spec §4.2 "Pre-checks").
func (c Config) HasAgentAuth() bool { return c.BotAgentKeys != "" }
