// Package policy models the hot-swappable PrivExecPolicy document: the
// allowed-command catalog, its security parameters, and the per-parameter
// validation rules each command declares.
package policy

import (
	"encoding/json"
	"strings"
)

// Document is the root policy object persisted at policy.json.
type Document struct {
	SchemaVersion   int       `json:"schemaVersion"`
	PolicyName      string    `json:"policyName"`
	Version         int64     `json:"version"`
	DefaultAction   string    `json:"defaultAction"`
	Security        Security  `json:"security"`
	AllowedCommands []Command `json:"allowedCommands"`
}

// DefaultActionDeny is the only value the loader accepts for DefaultAction.
const DefaultActionDeny = "Deny"

// Security holds the signature, device-binding, nonce, skew, and session
// parameters. The zero value of each bool is false, the permissive choice,
// so the structural schema requires requireSignature, requireDeviceBinding
// and requireNonce to be present: a policy author must state each one, and
// a document that omits any of them is rejected as POLICY_INVALID.
type Security struct {
	RequireSignature     bool              `json:"requireSignature"`
	SignatureAlgorithm   string            `json:"signatureAlgorithm"`
	RequireDeviceBinding bool              `json:"requireDeviceBinding"`
	RequireNonce         bool              `json:"requireNonce"`
	NonceTTLSeconds      int64             `json:"nonceTtlSeconds"`
	MaxClockSkewSeconds  int64             `json:"maxClockSkewSeconds"`
	SessionTTLSeconds    int64             `json:"sessionTtlSeconds"`
	PublicKeys           map[string]string `json:"publicKeys"`
}

// Command is one entry in AllowedCommands.
type Command struct {
	Name            string              `json:"name"`
	Enabled         bool                `json:"enabled"`
	RequiresSession bool                `json:"requiresSession"`
	RiskLevel       string              `json:"riskLevel"`
	Params          map[string]ParamRule `json:"params"`
}

// ParamRuleType is the discriminator of the ParamRule tagged union.
type ParamRuleType string

const (
	ParamString ParamRuleType = "string"
	ParamBool   ParamRuleType = "bool"
	ParamInt    ParamRuleType = "int"
	ParamPath   ParamRuleType = "path"
)

// ParamRule is the tagged-union parameter validation rule described in
// §3/§4.5. Type selects which of the type-specific fields apply; fields
// outside the selected variant are ignored rather than rejected, matching
// the original's permissive JSON shape.
type ParamRule struct {
	Type     ParamRuleType   `json:"type"`
	Required bool            `json:"required"`
	Default  json.RawMessage `json:"default,omitempty"`

	// string
	AllowValues []string `json:"allowValues,omitempty"`

	// int
	Min *int64 `json:"min,omitempty"`
	Max *int64 `json:"max,omitempty"`

	// path
	AllowRoots      []string `json:"allowRoots,omitempty"`
	AllowExtensions []string `json:"allowExtensions,omitempty"`

	FixedValue json.RawMessage `json:"fixedValue,omitempty"`
}

// FindCommand returns the first command whose Name equals name
// case-insensitively, matching §4.4 step 8's lookup rule.
func (d *Document) FindCommand(name string) (*Command, bool) {
	for i := range d.AllowedCommands {
		if strings.EqualFold(d.AllowedCommands[i].Name, name) {
			return &d.AllowedCommands[i], true
		}
	}
	return nil, false
}
