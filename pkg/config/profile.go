package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// GovernanceProfile is the declarative half of a kernel deployment: who may
// endorse transitions, which policy rules veto, and how the risk margin is
// sourced. The operational half (stores, endpoints) comes from Load.
type GovernanceProfile struct {
	Name       string          `yaml:"name" json:"name"`
	Version    string          `yaml:"version" json:"version"`
	Quorum     QuorumConfig    `yaml:"quorum" json:"quorum"`
	Electorate []ElectorRecord `yaml:"electorate" json:"electorate"`
	VetoRules  []string        `yaml:"veto_rules" json:"veto_rules"`
	Risk       RiskConfig      `yaml:"risk" json:"risk"`
	Authority  AuthorityConfig `yaml:"authority" json:"authority"`

	// MaxProposalAgeMs rejects stale proposals at initiation. Zero disables.
	MaxProposalAgeMs int `yaml:"max_proposal_age_ms,omitempty" json:"max_proposal_age_ms,omitempty"`
}

// QuorumConfig sets the weighted consensus requirement.
type QuorumConfig struct {
	Threshold float64 `yaml:"threshold" json:"threshold"` // fraction of total weight in (0,1]
}

// ElectorRecord declares one voting identity.
type ElectorRecord struct {
	ID        string  `yaml:"id" json:"id"`
	KeyID     string  `yaml:"key_id" json:"key_id"`
	PublicKey string  `yaml:"public_key" json:"public_key"` // hex Ed25519
	Weight    float64 `yaml:"weight" json:"weight"`
}

// RiskConfig tunes the viability margin client.
type RiskConfig struct {
	SafeDefaultMargin float64 `yaml:"safe_default_margin" json:"safe_default_margin"`
	ServiceURL        string  `yaml:"service_url,omitempty" json:"service_url,omitempty"`
	TimeoutMs         int     `yaml:"timeout_ms,omitempty" json:"timeout_ms,omitempty"`
	RatePerSecond     float64 `yaml:"rate_per_second,omitempty" json:"rate_per_second,omitempty"`
	BreakerTrips      int     `yaml:"breaker_trips,omitempty" json:"breaker_trips,omitempty"`
	BreakerResetMs    int     `yaml:"breaker_reset_ms,omitempty" json:"breaker_reset_ms,omitempty"`
}

// Timeout converts TimeoutMs to a duration.
func (r RiskConfig) Timeout() time.Duration {
	return time.Duration(r.TimeoutMs) * time.Millisecond
}

// BreakerReset converts BreakerResetMs to a duration.
func (r RiskConfig) BreakerReset() time.Duration {
	return time.Duration(r.BreakerResetMs) * time.Millisecond
}

// AuthorityConfig identifies the ledger signing authority.
type AuthorityConfig struct {
	KeyID     string `yaml:"key_id" json:"key_id"`
	PublicKey string `yaml:"public_key,omitempty" json:"public_key,omitempty"` // for verification-only deployments
	KeyFile   string `yaml:"key_file,omitempty" json:"key_file,omitempty"`     // hex seed file for signing deployments
}

// MaxProposalAge converts MaxProposalAgeMs to a duration.
func (p *GovernanceProfile) MaxProposalAge() time.Duration {
	return time.Duration(p.MaxProposalAgeMs) * time.Millisecond
}

// Validate rejects profiles that a kernel must not start with.
func (p *GovernanceProfile) Validate() error {
	if p.Name == "" {
		return fmt.Errorf("config: profile name is empty")
	}
	if p.Quorum.Threshold <= 0 || p.Quorum.Threshold > 1 {
		return fmt.Errorf("config: quorum threshold %v out of range (0,1]", p.Quorum.Threshold)
	}
	if len(p.Electorate) == 0 {
		return fmt.Errorf("config: electorate is empty")
	}
	seen := make(map[string]struct{}, len(p.Electorate))
	for _, e := range p.Electorate {
		if e.ID == "" || e.PublicKey == "" {
			return fmt.Errorf("config: elector %q missing id or public key", e.ID)
		}
		if e.Weight <= 0 {
			return fmt.Errorf("config: elector %q has non-positive weight %v", e.ID, e.Weight)
		}
		if _, dup := seen[e.ID]; dup {
			return fmt.Errorf("config: duplicate elector id %q", e.ID)
		}
		seen[e.ID] = struct{}{}
	}
	if p.Risk.SafeDefaultMargin < 0 {
		return fmt.Errorf("config: safe default margin %v is negative", p.Risk.SafeDefaultMargin)
	}
	return nil
}

// LoadProfile reads and validates a governance profile YAML.
func LoadProfile(path string) (*GovernanceProfile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load profile %q: %w", path, err)
	}

	var profile GovernanceProfile
	if err := yaml.Unmarshal(data, &profile); err != nil {
		return nil, fmt.Errorf("parse profile %q: %w", path, err)
	}
	if err := profile.Validate(); err != nil {
		return nil, err
	}
	return &profile, nil
}
