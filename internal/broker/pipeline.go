package broker

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"reach/services/privexecd/internal/api"
	"reach/services/privexecd/internal/canon"
	perr "reach/services/privexecd/internal/errors"
	"reach/services/privexecd/internal/policy"
)

// Execute runs req through the full request pipeline (§4.4). Step numbers
// in comments are normative and match the component design.
func (c *Core) Execute(ctx context.Context, req api.SignedCommandRequest) api.CommandResponse {
	start := time.Now()
	payload := req.Payload

	// Step 1: schema check.
	if verr := checkSchema(payload); verr != nil {
		entry := buildAuditEntry(payload, "", start, verr)
		c.audit.Append(entry)
		c.logInvocation(entry)
		return errorResponse(payload.CommandID, verr)
	}

	// Step 2: canonicalize & hash.
	requestHash, hashErr := canon.RequestHash(payload)
	if hashErr != nil {
		verr := perr.New(perr.InvalidSchema)
		entry := buildAuditEntry(payload, "", start, verr)
		c.audit.Append(entry)
		c.logInvocation(entry)
		return errorResponse(payload.CommandID, verr)
	}

	// Step 3: acquire the core lock; everything below runs serialized.
	resp := func() api.CommandResponse {
		c.mu.Lock()
		defer c.mu.Unlock()
		return c.executeLocked(ctx, req, requestHash)
	}()

	// Step 15: release the lock, then append the audit line.
	entry := buildAuditEntryFromResponse(payload, requestHash, start, resp)
	c.audit.Append(entry)
	c.logInvocation(entry)
	return resp
}

// logInvocation emits the operator-facing slog line for one pipeline
// invocation. It must never block or fail the pipeline (best-effort,
// matching the audit log's own contract in §4.9).
func (c *Core) logInvocation(entry api.AuditLogEntry) {
	level := slog.LevelInfo
	if !entry.OK {
		level = slog.LevelWarn
	}
	c.logger.Log(context.Background(), level, "command executed",
		"commandId", entry.CommandID,
		"command", entry.Command,
		"ok", entry.OK,
		"code", entry.Code,
		"idempotentReplay", entry.IdempotentReplay,
		"durationMs", entry.DurationMs,
	)
}

// executeLocked is steps 4-14, always called with c.mu held.
func (c *Core) executeLocked(ctx context.Context, req api.SignedCommandRequest, requestHash string) api.CommandResponse {
	payload := req.Payload
	now := c.now()

	// Step 4: policy load.
	pol, err := policy.Load(c.policyPath())
	if err != nil {
		return errorResponse(payload.CommandID, err.(*perr.Err))
	}

	// Step 5a: signature.
	if pol.Security.RequireSignature {
		if verr := c.verifySignature(pol, req, requestHash); verr != nil {
			return errorResponse(payload.CommandID, verr)
		}
	}

	// Step 5b: device binding.
	if pol.Security.RequireDeviceBinding && payload.DeviceID != c.deviceID {
		return errorResponse(payload.CommandID, perr.New(perr.DeviceIDMismatch))
	}

	// Step 5c: freshness.
	if verr := checkFreshness(payload, now, pol.Security.MaxClockSkewSeconds); verr != nil {
		return errorResponse(payload.CommandID, verr)
	}

	// Step 6: idempotency check.
	stored, found, serr := c.commands.Get(payload.CommandID)
	if serr != nil {
		return errorResponse(payload.CommandID, perr.New(perr.InternalError))
	}
	if found {
		if stored.RequestHash == requestHash {
			resp := stored.Response
			resp.IdempotentReplay = true
			return resp
		}
		return errorResponse(payload.CommandID, perr.New(perr.CommandIDConflict))
	}

	// Step 7: nonce reservation.
	if pol.Security.RequireNonce {
		ok, nerr := c.nonces.Reserve(payload.Nonce, now.Unix(), pol.Security.NonceTTLSeconds)
		if nerr != nil {
			return errorResponse(payload.CommandID, perr.New(perr.InternalError))
		}
		if !ok {
			return errorResponse(payload.CommandID, perr.New(perr.NonceReplay))
		}
	}

	// Step 8: command match. restart_service is always treated as
	// disabled even if policy marks it enabled (§4.6).
	cmd, matched := pol.FindCommand(payload.Command)
	var resp api.CommandResponse
	switch {
	case !matched:
		resp = errorResponse(payload.CommandID, perr.New(perr.PolicyDeny))
	case strings.EqualFold(cmd.Name, restartServiceHandler):
		resp = errorResponse(payload.CommandID, perr.New(perr.CommandDisabled))
	case !cmd.Enabled:
		resp = errorResponse(payload.CommandID, perr.New(perr.CommandDisabled))
	default:
		resp = c.executeCommand(ctx, pol, cmd, payload, now)
	}

	// Step 14: persist command record for every terminal outcome from
	// step 8 onward.
	if putErr := c.commands.Put(payload.CommandID, api.StoredCommandRecord{
		RequestHash: requestHash,
		Response:    resp,
	}); putErr != nil {
		resp = errorResponse(payload.CommandID, perr.New(perr.InternalError))
	}

	return resp
}

// executeCommand is steps 9-13 once a command has matched and is enabled.
func (c *Core) executeCommand(ctx context.Context, pol *policy.Document, cmd *policy.Command, payload api.CommandRequestPayload, now time.Time) api.CommandResponse {
	// Step 9: session gate pre-validate.
	if cmd.RequiresSession {
		if _, ok := payload.Params["sessionId"]; !ok {
			return errorResponse(payload.CommandID, perr.New(perr.SessionRequired))
		}
	}

	// Step 10: parameter validation.
	validated, verr := validateParams(cmd.Params, payload.Params)
	if verr != nil {
		return errorResponse(payload.CommandID, verr)
	}

	// Step 11: session touch.
	if cmd.RequiresSession {
		sessionID, _ := validated["sessionId"].(string)
		hc := &handlerContext{ctx: ctx, core: c, policy: pol, payload: payload, params: validated, now: now}
		if _, serr := touchSession(hc, sessionID); serr != nil {
			return errorResponse(payload.CommandID, serr)
		}
	}

	// Step 12: dispatch.
	handler, ok := lookupHandler(payload.Command)
	if !ok {
		return errorResponse(payload.CommandID, perr.New(perr.PolicyDeny))
	}
	hc := &handlerContext{ctx: ctx, core: c, policy: pol, payload: payload, params: validated, now: now}
	result, herr := handler(hc)
	if herr != nil {
		return errorResponse(payload.CommandID, herr)
	}

	// Step 13: build success response.
	return successResponse(payload.CommandID, now, result)
}

func checkSchema(p api.CommandRequestPayload) *perr.Err {
	if p.SchemaVersion != 1 {
		return perr.New(perr.InvalidSchema)
	}
	required := []string{
		strings.TrimSpace(p.CommandID),
		strings.TrimSpace(p.Nonce),
		strings.TrimSpace(p.IssuedAt),
		strings.TrimSpace(p.ExpiresAt),
		strings.TrimSpace(p.DeviceID),
		strings.TrimSpace(p.Command),
	}
	for _, f := range required {
		if f == "" {
			return perr.New(perr.InvalidSchema)
		}
	}
	if len(p.CommandID) > 128 {
		return perr.New(perr.InvalidSchema)
	}
	return nil
}

func checkFreshness(p api.CommandRequestPayload, now time.Time, maxSkewSeconds int64) *perr.Err {
	issuedAt, err1 := parseTimestamp(p.IssuedAt)
	expiresAt, err2 := parseTimestamp(p.ExpiresAt)
	if err1 != nil || err2 != nil {
		return perr.New(perr.InvalidSchema)
	}
	if expiresAt.Before(issuedAt) {
		return perr.New(perr.InvalidSchema)
	}
	skew := maxSkewSeconds
	if skew < 0 {
		skew = 0
	}
	skewDur := time.Duration(skew) * time.Second
	if now.Before(issuedAt.Add(-skewDur)) {
		return perr.New(perr.RequestNotYetValid)
	}
	if now.After(expiresAt.Add(skewDur)) {
		return perr.New(perr.RequestExpired)
	}
	return nil
}

func (c *Core) verifySignature(pol *policy.Document, req api.SignedCommandRequest, requestHash string) *perr.Err {
	keys := pol.Security.PublicKeys
	if len(keys) == 0 {
		keys = c.bootstrapKeys
	}
	if len(keys) == 0 {
		return perr.New(perr.InvalidSignature)
	}
	pubKey, ok := keys[req.Signature.KeyID]
	if !ok {
		return perr.New(perr.InvalidSignature)
	}
	if pol.Security.SignatureAlgorithm != "" &&
		!strings.EqualFold(pol.Security.SignatureAlgorithm, req.Signature.Algorithm) {
		return perr.New(perr.UnsupportedSignatureAlgorithm)
	}
	verifier, ok := c.verifiers.Lookup(req.Signature.Algorithm)
	if !ok {
		return perr.New(perr.UnsupportedSignatureAlgorithm)
	}
	signingBytes, err := canon.SigningBytes(req.Payload)
	if err != nil {
		return perr.New(perr.InvalidSignature)
	}
	if !verifier.Verify(pubKey, signingBytes, req.Signature.Signature) {
		return perr.New(perr.InvalidSignature)
	}
	return nil
}

func errorResponse(commandID string, e *perr.Err) api.CommandResponse {
	return api.CommandResponse{
		SchemaVersion:    1,
		CommandID:        commandID,
		OK:               false,
		Code:             string(e.Code),
		Message:          perr.Message(e.Code),
		ExecutedAt:       formatTimestamp(time.Now().UTC()),
		IdempotentReplay: false,
	}
}

func successResponse(commandID string, now time.Time, result any) api.CommandResponse {
	resp := api.CommandResponse{
		SchemaVersion:    1,
		CommandID:        commandID,
		OK:               true,
		Code:             string(perr.OK),
		Message:          perr.Message(perr.OK),
		ExecutedAt:       formatTimestamp(now),
		IdempotentReplay: false,
	}
	if result != nil {
		if raw, err := marshalResult(result); err == nil {
			resp.Result = raw
		}
	}
	return resp
}
