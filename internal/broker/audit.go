package broker

import (
	"encoding/json"
	"time"

	"reach/services/privexecd/internal/api"
	perr "reach/services/privexecd/internal/errors"
)

// buildAuditEntry constructs the AuditLogEntry for a pipeline invocation
// that failed before a CommandResponse existed (steps 1-2). The caller
// appends it and logs the operator-facing slog line.
func buildAuditEntry(p api.CommandRequestPayload, requestHash string, start time.Time, e *perr.Err) api.AuditLogEntry {
	entry := api.AuditLogEntry{
		SchemaVersion:    1,
		Timestamp:        formatTimestamp(time.Now().UTC()),
		CommandID:        p.CommandID,
		Command:          p.Command,
		OK:               false,
		Code:             string(e.Code),
		IdempotentReplay: false,
		DurationMs:       time.Since(start).Milliseconds(),
		RequestHash:      requestHash,
	}
	return entry
}

// buildAuditEntryFromResponse constructs the AuditLogEntry for a
// CommandResponse produced by the locked portion of the pipeline.
func buildAuditEntryFromResponse(p api.CommandRequestPayload, requestHash string, start time.Time, resp api.CommandResponse) api.AuditLogEntry {
	return api.AuditLogEntry{
		SchemaVersion:    1,
		Timestamp:        formatTimestamp(time.Now().UTC()),
		CommandID:        p.CommandID,
		Command:          p.Command,
		OK:               resp.OK,
		Code:             resp.Code,
		IdempotentReplay: resp.IdempotentReplay,
		DurationMs:       time.Since(start).Milliseconds(),
		RequestHash:      requestHash,
	}
}

func marshalResult(v any) (json.RawMessage, error) {
	return json.Marshal(v)
}
