package policy

import (
	"encoding/json"
	"os"

	perr "reach/services/privexecd/internal/errors"
)

// Load reads and validates the policy document at path. It returns
// PolicyNotFound if the file is absent and PolicyInvalid on any parse,
// schema, or defaultAction failure, matching §4.1.
func Load(path string) (*Document, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, perr.New(perr.PolicyNotFound)
		}
		return nil, perr.New(perr.PolicyInvalid)
	}
	return Parse(raw)
}

// Parse validates raw against the structural schema and the
// defaultAction==Deny invariant, returning a Document. Used both by Load
// (reading policy.json from disk) and by the policy-update pipeline
// (validating the new policy embedded in a signed update payload before
// it is ever written to disk).
func Parse(raw []byte) (*Document, error) {
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, perr.New(perr.PolicyInvalid)
	}
	if err := validateShape(generic); err != nil {
		return nil, perr.New(perr.PolicyInvalid)
	}

	var doc Document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, perr.New(perr.PolicyInvalid)
	}
	if doc.DefaultAction != DefaultActionDeny {
		return nil, perr.New(perr.PolicyInvalid)
	}
	return &doc, nil
}
