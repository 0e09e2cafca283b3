// Package manifest implements the ASAP C3 component: the self-describing
// agent document, its well-known HTTP exposure, and a client-side fetcher
// with conditional GET, an LRU cache, and singleflight-deduped concurrent
// fetches.
package manifest

import "time"

// Skill describes one capability an agent exposes.
type Skill struct {
	ID           string `json:"id"`
	Description  string `json:"description"`
	InputSchema  any    `json:"input_schema,omitempty"`
	OutputSchema any    `json:"output_schema,omitempty"`
}

// Capabilities describes the protocol surface an agent supports.
type Capabilities struct {
	ProtocolVersion  string   `json:"protocol_version"`
	Skills           []Skill  `json:"skills,omitempty"`
	StatePersistence bool     `json:"state_persistence"`
	Streaming        bool     `json:"streaming"`
	MCPTools         []string `json:"mcp_tools,omitempty"`
}

// Auth describes the authentication scheme a manifest's endpoints require.
type Auth struct {
	Schemes       []string `json:"schemes"` // "bearer", "oauth2"
	TokenURL      string   `json:"token_url,omitempty"`
	AuthorizeURL  string   `json:"authorize_url,omitempty"`
	Scopes        []string `json:"scopes,omitempty"`
}

// Manifest is the self-describing agent document published at
// /.well-known/asap/manifest.json, per spec.md's Manifest (C3) data model.
type Manifest struct {
	ID            string            `json:"id"`
	Name          string            `json:"name"`
	Version       string            `json:"version"`
	Description   string            `json:"description,omitempty"`
	TTLSeconds    int                `json:"ttl_seconds"`
	Endpoints     map[string]string `json:"endpoints"`
	Capabilities  Capabilities      `json:"capabilities"`
	Auth          *Auth             `json:"auth,omitempty"`
	SLA           map[string]any    `json:"sla,omitempty"`
	Verification  map[string]any    `json:"verification,omitempty"`
}

// TTL returns the manifest's freshness window, defaulting to 5 minutes
// when TTLSeconds is unset, per spec.md §4.3.
func (m Manifest) TTL() time.Duration {
	if m.TTLSeconds <= 0 {
		return 5 * time.Minute
	}
	return time.Duration(m.TTLSeconds) * time.Second
}

// RequiresAuth reports whether any non-public endpoint needs a bearer
// token, per the manifest invariant in spec.md's Manifest (C3) section.
func (m Manifest) RequiresAuth() bool {
	return m.Auth != nil && len(m.Auth.Schemes) > 0
}
