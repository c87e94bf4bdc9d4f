package broker

import (
	"encoding/json"

	"reach/services/privexecd/internal/api"
	"reach/services/privexecd/internal/atomicfile"
	"reach/services/privexecd/internal/canon"
	perr "reach/services/privexecd/internal/errors"
	"reach/services/privexecd/internal/policy"
)

// ApplyPolicyUpdate implements §4.7 under the core lock. Steps 2 and 3
// validate the *new* policy document embedded in the update payload
// (payload.Policy), not the policy currently on disk — the on-disk policy
// is only consulted starting at step 5, matching
// original_source/privexec.rs's apply_policy_update_locked.
func (c *Core) ApplyPolicyUpdate(req api.SignedPolicyUpdateRequest) api.PolicyUpdateResponse {
	c.mu.Lock()
	defer c.mu.Unlock()

	payload := req.Payload

	// Step 1: schema check.
	if payload.SchemaVersion != 1 {
		return updateErrorResponse(perr.InvalidSchema, 0)
	}

	// Steps 2 & 3: the embedded policy must itself be default-deny and
	// its own version field must agree with the envelope's version.
	newPolicy, nerr := policy.Parse(payload.Policy)
	if nerr != nil {
		return updateErrorResponse(perr.CodeOf(nerr), 0)
	}
	if newPolicy.Version != payload.Version {
		return updateErrorResponse(perr.PolicyInvalid, 0)
	}

	// Step 4: compute canonical bytes of the update payload (for
	// signature verification).
	signingBytes, serr := canon.SigningBytes(payload)
	if serr != nil {
		return updateErrorResponse(perr.InvalidSchema, 0)
	}

	// Step 5: load the current on-disk policy, if any. Any load failure
	// (missing or corrupt) is treated as "no current policy" — the
	// original discards the load error entirely (`load_policy().ok()`)
	// and falls through to the bootstrap path.
	current, loadErr := policy.Load(c.policyPath())
	notFound := loadErr != nil
	if !notFound && payload.Version <= current.Version {
		return updateErrorResponse(perr.PolicyUpdateVersionRejected, current.Version)
	}

	// Step 6: determine effective signing keys and verify.
	keys := c.bootstrapKeys
	if !notFound && len(current.Security.PublicKeys) > 0 {
		keys = current.Security.PublicKeys
	}
	if len(keys) == 0 {
		return updateErrorResponse(perr.PolicyUpdateInvalidSignature, versionOf(notFound, current))
	}
	pubKey, ok := keys[req.Signature.KeyID]
	if !ok {
		return updateErrorResponse(perr.PolicyUpdateInvalidSignature, versionOf(notFound, current))
	}
	verifier, ok := c.verifiers.Lookup(req.Signature.Algorithm)
	if !ok {
		return updateErrorResponse(perr.PolicyUpdateInvalidSignature, versionOf(notFound, current))
	}
	if !verifier.Verify(pubKey, signingBytes, req.Signature.Signature) {
		return updateErrorResponse(perr.PolicyUpdateInvalidSignature, versionOf(notFound, current))
	}

	// Step 7: atomic replace. The on-disk bytes are the re-marshaled
	// parsed document (matching serde_json::to_vec_pretty(&payload.policy)
	// in the original), not the raw bytes as received.
	nextBytes, merr := json.MarshalIndent(newPolicy, "", "  ")
	if merr != nil {
		return updateErrorResponse(perr.InternalError, versionOf(notFound, current))
	}
	rolledBack, rerr := atomicfile.Replace(c.policyPath(), nextBytes, c.fault)
	if rerr != nil {
		c.logger.Warn("policy update rolled back", "version", payload.Version, "rolledBack", rolledBack)
		return api.PolicyUpdateResponse{
			OK:         false,
			Code:       string(perr.PolicyUpdateRollback),
			Message:    perr.Message(perr.PolicyUpdateRollback),
			Version:    versionOf(notFound, current),
			RolledBack: rolledBack,
		}
	}

	c.logger.Info("policy updated", "version", payload.Version)
	return api.PolicyUpdateResponse{
		OK:         true,
		Code:       string(perr.OK),
		Message:    perr.Message(perr.OK),
		Version:    payload.Version,
		RolledBack: false,
	}
}

func versionOf(notFound bool, current *policy.Document) int64 {
	if notFound || current == nil {
		return 0
	}
	return current.Version
}

func updateErrorResponse(code perr.Code, version int64) api.PolicyUpdateResponse {
	return api.PolicyUpdateResponse{
		OK:      false,
		Code:    string(code),
		Message: perr.Message(code),
		Version: version,
	}
}
