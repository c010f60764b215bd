// Package config loads and validates the docket TOML configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Duration is a time.Duration that unmarshals from TOML strings like "60s" or "2m".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", string(text), err)
	}
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

type Config struct {
	General    General     `toml:"general"`
	Server     Server      `toml:"server"`
	Database   Database    `toml:"database"`
	Pipeline   Pipeline    `toml:"pipeline"`
	Validation Validation  `toml:"validation"`
	OCR        OCR         `toml:"ocr"`
	LLM        LLM         `toml:"llm"`
	Outputs    Outputs     `toml:"outputs"`
	Review     Review      `toml:"review"`
	SLA        SLA         `toml:"sla"`
	Temporal   Temporal    `toml:"temporal"`
	Health     Health      `toml:"health"`
	Security   APISecurity `toml:"api_security"`
}

type General struct {
	LogLevel string `toml:"log_level"`
	LockFile string `toml:"lock_file"`
}

type Server struct {
	Bind           string `toml:"bind"`
	MaxUploadBytes int64  `toml:"max_upload_bytes"`
	CORSOrigin     string `toml:"cors_origin"`
}

type Database struct {
	Path string `toml:"path"`
}

// Pipeline declares the step DAG the runner executes. An empty steps table
// selects the built-in seven-step invoice pipeline.
type Pipeline struct {
	Steps map[string]Step `toml:"steps"`
}

// Step is one node of the DAG: what handler runs it, what it waits on, and
// how it is retried and rate limited.
type Step struct {
	Kind           string   `toml:"kind"`
	DependsOn      []string `toml:"depends_on"`
	Retries        int      `toml:"retries"`
	RateLimitRPS   float64  `toml:"rate_limit_rps"`
	RateLimitBurst int      `toml:"rate_limit_burst"`
	MaxConcurrency int      `toml:"max_concurrency"`
}

type Validation struct {
	RequiredFields      []string   `toml:"required_fields"`
	SupportedCurrencies []string   `toml:"supported_currencies"`
	Confidence          Confidence `toml:"confidence"`
}

type Confidence struct {
	DefaultThreshold float64            `toml:"default_threshold"`
	FieldThresholds  map[string]float64 `toml:"field_thresholds"`
}

type OCR struct {
	Endpoint       string   `toml:"endpoint"`
	APIKey         string   `toml:"api_key"`
	RequestTimeout Duration `toml:"request_timeout"`
	PollInterval   Duration `toml:"poll_interval"`
	PollAttempts   int      `toml:"poll_attempts"`
}

type LLM struct {
	Provider       string   `toml:"provider"`
	BaseURL        string   `toml:"base_url"`
	APIKey         string   `toml:"api_key"`
	Model          string   `toml:"model"`
	MaxTextChars   int      `toml:"max_text_chars"`
	RequestTimeout Duration `toml:"request_timeout"`
}

type Outputs struct {
	Dir string `toml:"dir"`
}

type Review struct {
	SLAMinutes int `toml:"sla_minutes"`
}

type SLA struct {
	EvalInterval Duration    `toml:"eval_interval"`
	Targets      []SLATarget `toml:"targets"`
}

type SLATarget struct {
	Name        string  `toml:"name"`
	Threshold   float64 `toml:"threshold"`
	Comparator  string  `toml:"comparator"`
	Window      string  `toml:"window"`
	Severity    string  `toml:"severity"`
	Description string  `toml:"description"`
}

type Temporal struct {
	HostPort        string   `toml:"host_port"`
	Namespace       string   `toml:"namespace"`
	TaskQueue       string   `toml:"task_queue"`
	WorkflowTimeout Duration `toml:"workflow_timeout"`
}

// Health tunes the stuck-job sweeper.
type Health struct {
	CheckInterval   Duration `toml:"check_interval"`
	StuckJobTimeout Duration `toml:"stuck_job_timeout"`
}

type APISecurity struct {
	Enabled          bool     `toml:"enabled"`
	AllowedTokens    []string `toml:"allowed_tokens"`
	RequireLocalOnly bool     `toml:"require_local_only"`
	AuditLog         string   `toml:"audit_log"`
}

// Load reads and validates a docket TOML configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	applyDefaults(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// Default returns the configuration used when no config file is given.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

// DefaultSteps is the built-in invoice pipeline: a linear chain from OCR to
// the review gate.
func DefaultSteps() map[string]Step {
	return map[string]Step{
		"ocr":                  {Kind: "ocr", Retries: 2, RateLimitRPS: 2.0, RateLimitBurst: 4},
		"llm_extract":          {Kind: "llm_extract", DependsOn: []string{"ocr"}, Retries: 2, RateLimitRPS: 1.0, RateLimitBurst: 2},
		"normalize_line_items": {Kind: "normalize_line_items", DependsOn: []string{"llm_extract"}, MaxConcurrency: 10},
		"validate":             {Kind: "validate", DependsOn: []string{"normalize_line_items"}},
		"write_outputs":        {Kind: "write_outputs", DependsOn: []string{"validate"}, Retries: 1},
		"persist":              {Kind: "persist", DependsOn: []string{"write_outputs"}, Retries: 1},
		"review_gate":          {Kind: "review_gate", DependsOn: []string{"persist"}},
	}
}

// DefaultSLATargets mirrors the operational targets the evaluator watches
// when the config does not override them.
func DefaultSLATargets() []SLATarget {
	return []SLATarget{
		{Name: "p95_latency_seconds", Threshold: 30, Comparator: "lt", Window: "5m", Severity: "critical", Description: "p95 end-to-end processing latency"},
		{Name: "docs_per_hour", Threshold: 10, Comparator: "gt", Window: "15m", Severity: "warning", Description: "sustained document throughput"},
		{Name: "error_rate_percent", Threshold: 5, Comparator: "lt", Window: "5m", Severity: "critical", Description: "failed share of terminal jobs"},
		{Name: "review_queue_depth", Threshold: 50, Comparator: "lt", Window: "5m", Severity: "warning", Description: "pending human review items"},
		{Name: "sla_breach_percent", Threshold: 10, Comparator: "lt", Window: "1h", Severity: "critical", Description: "jobs failed or slower than 30s"},
	}
}

func applyDefaults(cfg *Config) {
	if cfg.General.LogLevel == "" {
		cfg.General.LogLevel = "info"
	}
	if cfg.General.LockFile == "" {
		cfg.General.LockFile = "~/.docket/docket.lock"
	}
	if cfg.Server.Bind == "" {
		cfg.Server.Bind = "127.0.0.1:8000"
	}
	if cfg.Server.MaxUploadBytes == 0 {
		cfg.Server.MaxUploadBytes = 32 << 20
	}
	if cfg.Database.Path == "" {
		cfg.Database.Path = "~/.docket/docket.db"
	}
	if len(cfg.Pipeline.Steps) == 0 {
		cfg.Pipeline.Steps = DefaultSteps()
	}
	if len(cfg.Validation.RequiredFields) == 0 {
		cfg.Validation.RequiredFields = []string{"invoice_number", "vendor_name", "total_amount", "currency", "invoice_date"}
	}
	if len(cfg.Validation.SupportedCurrencies) == 0 {
		cfg.Validation.SupportedCurrencies = []string{"USD", "EUR", "GBP", "CAD"}
	}
	if cfg.Validation.Confidence.DefaultThreshold == 0 {
		cfg.Validation.Confidence.DefaultThreshold = 0.75
	}
	if cfg.OCR.RequestTimeout.Duration == 0 {
		cfg.OCR.RequestTimeout.Duration = 30 * time.Second
	}
	if cfg.OCR.PollInterval.Duration == 0 {
		cfg.OCR.PollInterval.Duration = time.Second
	}
	if cfg.OCR.PollAttempts == 0 {
		cfg.OCR.PollAttempts = 120
	}
	if cfg.LLM.Provider == "" {
		cfg.LLM.Provider = "openai"
	}
	if cfg.LLM.BaseURL == "" {
		cfg.LLM.BaseURL = "https://api.openai.com/v1"
	}
	if cfg.LLM.Model == "" {
		cfg.LLM.Model = "gpt-4.1-mini"
	}
	if cfg.LLM.MaxTextChars == 0 {
		cfg.LLM.MaxTextChars = 20000
	}
	if cfg.LLM.RequestTimeout.Duration == 0 {
		cfg.LLM.RequestTimeout.Duration = 60 * time.Second
	}
	if cfg.Outputs.Dir == "" {
		cfg.Outputs.Dir = "outputs"
	}
	if cfg.Review.SLAMinutes == 0 {
		cfg.Review.SLAMinutes = 240
	}
	if cfg.SLA.EvalInterval.Duration == 0 {
		cfg.SLA.EvalInterval.Duration = 60 * time.Second
	}
	if len(cfg.SLA.Targets) == 0 {
		cfg.SLA.Targets = DefaultSLATargets()
	}
	if cfg.Temporal.HostPort == "" {
		cfg.Temporal.HostPort = "localhost:7233"
	}
	if cfg.Temporal.Namespace == "" {
		cfg.Temporal.Namespace = "default"
	}
	if cfg.Temporal.TaskQueue == "" {
		cfg.Temporal.TaskQueue = "docket-documents"
	}
	if cfg.Temporal.WorkflowTimeout.Duration == 0 {
		// Covers five 10-minute activity attempts plus backoff.
		cfg.Temporal.WorkflowTimeout.Duration = time.Hour
	}
	if cfg.Health.CheckInterval.Duration == 0 {
		cfg.Health.CheckInterval.Duration = time.Minute
	}
	if cfg.Health.StuckJobTimeout.Duration == 0 {
		// Longer than the broker's full retry budget, so only jobs every
		// attempt abandoned get swept.
		cfg.Health.StuckJobTimeout.Duration = 30 * time.Minute
	}
}

func validate(cfg *Config) error {
	knownKinds := map[string]struct{}{
		"ocr":                  {},
		"llm_extract":          {},
		"normalize_line_items": {},
		"validate":             {},
		"write_outputs":        {},
		"persist":              {},
		"review_gate":          {},
	}

	for name, step := range cfg.Pipeline.Steps {
		if step.Kind == "" {
			return fmt.Errorf("pipeline step %q missing kind", name)
		}
		if _, ok := knownKinds[step.Kind]; !ok {
			return fmt.Errorf("pipeline step %q references unknown kind %q", name, step.Kind)
		}
		for _, dep := range step.DependsOn {
			if _, ok := cfg.Pipeline.Steps[dep]; !ok {
				return fmt.Errorf("pipeline step %q depends on unknown step %q", name, dep)
			}
		}
		if step.Retries < 0 {
			return fmt.Errorf("pipeline step %q has negative retries", name)
		}
		if step.RateLimitRPS < 0 || step.RateLimitBurst < 0 {
			return fmt.Errorf("pipeline step %q has negative rate limit", name)
		}
		if (step.RateLimitRPS > 0) != (step.RateLimitBurst > 0) {
			return fmt.Errorf("pipeline step %q must set rate_limit_rps and rate_limit_burst together", name)
		}
	}

	for i, t := range cfg.SLA.Targets {
		if t.Name == "" {
			return fmt.Errorf("sla target %d missing name", i)
		}
		if t.Comparator != "lt" && t.Comparator != "gt" {
			return fmt.Errorf("sla target %q has bad comparator %q (want lt or gt)", t.Name, t.Comparator)
		}
		if _, err := ParseWindow(t.Window); err != nil {
			return fmt.Errorf("sla target %q: %w", t.Name, err)
		}
	}

	for field, threshold := range cfg.Validation.Confidence.FieldThresholds {
		if threshold < 0 || threshold > 1 {
			return fmt.Errorf("confidence threshold for %q out of range: %v", field, threshold)
		}
	}

	if cfg.Health.CheckInterval.Duration < 0 || cfg.Health.StuckJobTimeout.Duration < 0 {
		return fmt.Errorf("health intervals must be positive")
	}
	if th := cfg.Validation.Confidence.DefaultThreshold; th < 0 || th > 1 {
		return fmt.Errorf("default confidence threshold out of range: %v", th)
	}

	if cfg.Database.Path != ":memory:" {
		dir := ExpandHome(filepath.Dir(cfg.Database.Path))
		if info, err := os.Stat(dir); err == nil && !info.IsDir() {
			return fmt.Errorf("database parent path %q is not a directory", dir)
		}
	}

	return nil
}

// ParseWindow parses an SLA window such as "5m" or "1h". Only minute and
// hour windows are supported.
func ParseWindow(s string) (time.Duration, error) {
	trimmed := strings.ToLower(strings.TrimSpace(s))
	if len(trimmed) < 2 {
		return 0, fmt.Errorf("unsupported_window:%s", s)
	}
	n, err := strconv.Atoi(trimmed[:len(trimmed)-1])
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("unsupported_window:%s", s)
	}
	switch trimmed[len(trimmed)-1] {
	case 'm':
		return time.Duration(n) * time.Minute, nil
	case 'h':
		return time.Duration(n) * time.Hour, nil
	default:
		return 0, fmt.Errorf("unsupported_window:%s", s)
	}
}

// ExpandHome replaces a leading ~ with the user's home directory.
func ExpandHome(path string) string {
	if len(path) == 0 {
		return path
	}
	if path[0] == '~' {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[1:])
	}
	return path
}
