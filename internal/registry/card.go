// Package registry holds the in-memory capability registry the router
// selects recipients from.
package registry

import "fmt"

// Capability is a tagged skill an agent declares. Tools lists the tool or
// server names the capability lets the agent use.
type Capability struct {
	ID      string   `yaml:"id" json:"id"`
	Version string   `yaml:"version,omitempty" json:"version,omitempty"`
	Tags    []string `yaml:"tags,omitempty" json:"tags,omitempty"`
	Tools   []string `yaml:"tools,omitempty" json:"tools,omitempty"`
}

// Limits bounds the work an agent accepts.
type Limits struct {
	MaxConcurrency int      `yaml:"max_concurrency" json:"max_concurrency"`
	MaxRuntimeSec  int      `yaml:"max_runtime_sec,omitempty" json:"max_runtime_sec,omitempty"`
	MaxTokens      *int     `yaml:"max_tokens,omitempty" json:"max_tokens,omitempty"`
	MaxCost        *float64 `yaml:"max_cost,omitempty" json:"max_cost,omitempty"`
}

// Security describes an agent's isolation posture.
type Security struct {
	Sandbox      bool     `yaml:"sandbox" json:"sandbox"`
	Network      string   `yaml:"network,omitempty" json:"network,omitempty"`
	SecretScopes []string `yaml:"secret_scopes,omitempty" json:"secret_scopes,omitempty"`
}

// AgentCard is the capability manifest of a registered agent.
type AgentCard struct {
	ID           string       `yaml:"id" json:"id"`
	Name         string       `yaml:"name,omitempty" json:"name,omitempty"`
	Description  string       `yaml:"description,omitempty" json:"description,omitempty"`
	Version      string       `yaml:"version,omitempty" json:"version,omitempty"`
	Capabilities []Capability `yaml:"capabilities" json:"capabilities"`
	Limits       Limits       `yaml:"limits" json:"limits"`
	Security     Security     `yaml:"security" json:"security"`

	// Soft attributes, only consulted for fallback routing.
	Strengths              []string `yaml:"strengths,omitempty" json:"strengths,omitempty"`
	Personality            string   `yaml:"personality,omitempty" json:"personality,omitempty"`
	PreferredCollaborators []string `yaml:"preferred_collaborators,omitempty" json:"preferred_collaborators,omitempty"`
}

// Validate checks the fields the registry depends on.
func (c AgentCard) Validate() error {
	if c.ID == "" {
		return fmt.Errorf("registry: agent card: id is required")
	}
	seen := make(map[string]bool, len(c.Capabilities))
	for i, cp := range c.Capabilities {
		if cp.ID == "" {
			return fmt.Errorf("registry: agent card %s: capabilities[%d].id is required", c.ID, i)
		}
		if seen[cp.ID] {
			return fmt.Errorf("registry: agent card %s: duplicate capability %q", c.ID, cp.ID)
		}
		seen[cp.ID] = true
	}
	if c.Limits.MaxConcurrency < 0 {
		return fmt.Errorf("registry: agent card %s: max_concurrency must not be negative", c.ID)
	}
	return nil
}

// CapabilityIDs returns the card's capability IDs in declaration order.
func (c AgentCard) CapabilityIDs() []string {
	ids := make([]string, 0, len(c.Capabilities))
	for _, cp := range c.Capabilities {
		ids = append(ids, cp.ID)
	}
	return ids
}

// Tools returns the union of tools across all capabilities.
func (c AgentCard) Tools() map[string]bool {
	tools := make(map[string]bool)
	for _, cp := range c.Capabilities {
		for _, t := range cp.Tools {
			tools[t] = true
		}
	}
	return tools
}

// maxConcurrency treats an unset limit as one task at a time.
func (c AgentCard) maxConcurrency() int {
	if c.Limits.MaxConcurrency <= 0 {
		return 1
	}
	return c.Limits.MaxConcurrency
}
