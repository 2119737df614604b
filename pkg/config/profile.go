package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/Waypoint-Systems/keel/core/pkg/compliance"
	"github.com/Waypoint-Systems/keel/core/pkg/integration"
	"github.com/Waypoint-Systems/keel/core/pkg/retry"
)

// Profile is the per-deployment workflow tuning: tier ordering and
// breaker settings, approval window, and the compliance rule set. The
// circuit thresholds and timeouts are deliberately configuration, never
// hard-coded call sites.
type Profile struct {
	Name     string            `yaml:"name" json:"name"`
	Tiers    []TierProfile     `yaml:"tiers" json:"tiers"`
	Approval ApprovalProfile   `yaml:"approval" json:"approval"`
	Rules    []compliance.Rule `yaml:"rules" json:"rules"`
	// ExecuteOperation names the backend operation approved actions are
	// applied through; RetrieveOperation and SynthesizeOperation are the
	// operations the data-retrieval and synthesis stages call.
	ExecuteOperation    string `yaml:"execute_operation" json:"execute_operation"`
	RetrieveOperation   string `yaml:"retrieve_operation" json:"retrieve_operation"`
	SynthesizeOperation string `yaml:"synthesize_operation" json:"synthesize_operation"`
}

// TierProfile configures one backend tier in preference order.
type TierProfile struct {
	ID               string   `yaml:"id" json:"id"`
	Endpoint         string   `yaml:"endpoint" json:"endpoint"`
	FailureThreshold int      `yaml:"failure_threshold" json:"failure_threshold"`
	RecoveryTimeout  Duration `yaml:"recovery_timeout" json:"recovery_timeout"`
	InvokeTimeout    Duration `yaml:"invoke_timeout" json:"invoke_timeout"`
	MaxAttempts      int      `yaml:"max_attempts" json:"max_attempts"`
	BackoffBaseMs    int64    `yaml:"backoff_base_ms" json:"backoff_base_ms"`
	BackoffMaxMs     int64    `yaml:"backoff_max_ms" json:"backoff_max_ms"`
	BackoffJitterMs  int64    `yaml:"backoff_jitter_ms" json:"backoff_jitter_ms"`
	RateLimit        float64  `yaml:"rate_limit" json:"rate_limit"`
	RateBurst        int      `yaml:"rate_burst" json:"rate_burst"`
}

// ApprovalProfile configures the approval gate.
type ApprovalProfile struct {
	Timeout Duration `yaml:"timeout" json:"timeout"`
	// RequiredRole must be present on the actor token of a resolution.
	RequiredRole string `yaml:"required_role" json:"required_role"`
}

// Duration parses YAML strings like "30s" and "5m".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("config: bad duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) Std() time.Duration { return time.Duration(d) }

// DefaultProfile is used when no profile file is configured.
func DefaultProfile() *Profile {
	return &Profile{
		Name: "default",
		Tiers: []TierProfile{
			{ID: "realtime", FailureThreshold: 5, RecoveryTimeout: Duration(30 * time.Second),
				InvokeTimeout: Duration(10 * time.Second), MaxAttempts: 3,
				BackoffBaseMs: 100, BackoffMaxMs: 5000, BackoffJitterMs: 250},
			{ID: "batch", FailureThreshold: 5, RecoveryTimeout: Duration(60 * time.Second),
				InvokeTimeout: Duration(30 * time.Second), MaxAttempts: 3,
				BackoffBaseMs: 250, BackoffMaxMs: 10000, BackoffJitterMs: 500},
			{ID: "fallback", FailureThreshold: 3, RecoveryTimeout: Duration(120 * time.Second),
				InvokeTimeout: Duration(30 * time.Second), MaxAttempts: 2,
				BackoffBaseMs: 500, BackoffMaxMs: 10000, BackoffJitterMs: 500},
		},
		Approval: ApprovalProfile{
			Timeout:      Duration(30 * time.Minute),
			RequiredRole: "approver",
		},
		ExecuteOperation:    "entity.action.apply",
		RetrieveOperation:   "entity.records.fetch",
		SynthesizeOperation: "entity.context.synthesize",
	}
}

// LoadProfile reads a Profile YAML from path. Missing fields fall back
// to the defaults tier-by-tier only when the file omits tiers entirely.
func LoadProfile(path string) (*Profile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read profile: %w", err)
	}
	p := &Profile{}
	if err := yaml.Unmarshal(data, p); err != nil {
		return nil, fmt.Errorf("config: parse profile %s: %w", path, err)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	def := DefaultProfile()
	if len(p.Tiers) == 0 {
		p.Tiers = def.Tiers
	}
	if p.Approval.Timeout == 0 {
		p.Approval.Timeout = def.Approval.Timeout
	}
	if p.ExecuteOperation == "" {
		p.ExecuteOperation = def.ExecuteOperation
	}
	if p.RetrieveOperation == "" {
		p.RetrieveOperation = def.RetrieveOperation
	}
	if p.SynthesizeOperation == "" {
		p.SynthesizeOperation = def.SynthesizeOperation
	}
	return p, nil
}

// ClientConfig converts the tier profile to the integration client's
// runtime settings.
func (t TierProfile) ClientConfig() integration.TierConfig {
	return integration.TierConfig{
		FailureThreshold: t.FailureThreshold,
		RecoveryTimeout:  t.RecoveryTimeout.Std(),
		InvokeTimeout:    t.InvokeTimeout.Std(),
		Backoff: retry.BackoffPolicy{
			BaseMs:      t.BackoffBaseMs,
			MaxMs:       t.BackoffMaxMs,
			MaxJitterMs: t.BackoffJitterMs,
			MaxAttempts: t.MaxAttempts,
		},
		RateLimit: t.RateLimit,
		RateBurst: t.RateBurst,
	}
}

// TierConfigs maps tier id to client configuration for every tier in
// the profile.
func (p *Profile) TierConfigs() map[string]integration.TierConfig {
	out := make(map[string]integration.TierConfig, len(p.Tiers))
	for _, t := range p.Tiers {
		out[t.ID] = t.ClientConfig()
	}
	return out
}

// Validate rejects profiles that would misconfigure the breakers.
func (p *Profile) Validate() error {
	seen := make(map[string]struct{}, len(p.Tiers))
	for _, t := range p.Tiers {
		if t.ID == "" {
			return fmt.Errorf("config: tier with empty id")
		}
		if _, dup := seen[t.ID]; dup {
			return fmt.Errorf("config: duplicate tier id %q", t.ID)
		}
		seen[t.ID] = struct{}{}
		if t.FailureThreshold < 0 || t.MaxAttempts < 0 {
			return fmt.Errorf("config: tier %q has negative limits", t.ID)
		}
	}
	return nil
}
