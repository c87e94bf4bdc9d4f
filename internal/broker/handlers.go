package broker

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"
	"unicode/utf8"

	"reach/services/privexecd/internal/api"
	perr "reach/services/privexecd/internal/errors"
	"reach/services/privexecd/internal/policy"
)

// handlerContext is everything a handler needs; it may not reread state
// files or the policy (§4.6) — everything it needs is passed in.
type handlerContext struct {
	ctx     context.Context
	core    *Core
	policy  *policy.Document
	payload api.CommandRequestPayload
	params  map[string]any
	now     time.Time
}

type handlerFunc func(hc *handlerContext) (any, *perr.Err)

// restartServiceHandler is always treated as disabled at step 8 even if
// policy marks it enabled (§4.6, kept per the original's hard-coded
// conflation of data and code — see DESIGN.md).
const restartServiceHandler = "restart_service"

var catalog = map[string]handlerFunc{
	"begin_session":          handleBeginSession,
	"heartbeat":              handleHeartbeat,
	"end_session":            handleEndSession,
	"mount_vhd":               handleMountVHD,
	"unmount_vhd":             handleUnmountVHD,
	"query_bitlocker_status":  handleQueryBitlockerStatus,
	"lock_bitlocker":          handleLockBitlocker,
	"unlock_bitlocker":        handleUnlockBitlocker,
	"query_disk":              handleQueryDisk,
	"query_service_status":    handleQueryServiceStatus,
	"collect_log":             handleCollectLog,
}

func lookupHandler(name string) (handlerFunc, bool) {
	lower := strings.ToLower(name)
	if lower == restartServiceHandler {
		return nil, false
	}
	h, ok := catalog[lower]
	return h, ok
}

func sessionTTL(pol *policy.Document) int64 {
	ttl := pol.Security.SessionTTLSeconds
	if ttl < 1 {
		ttl = 1
	}
	return ttl
}

func handleBeginSession(hc *handlerContext) (any, *perr.Err) {
	ttl := sessionTTL(hc.policy)
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s:%s:%s:%d",
		hc.payload.DeviceID, hc.payload.CommandID, hc.payload.Nonce, hc.now.UnixNano())))
	sessionID := hex.EncodeToString(sum[:])

	issuedAt := hc.now.UTC()
	expiresAt := issuedAt.Add(time.Duration(ttl) * time.Second)
	rec := api.SessionRecord{
		DeviceID:        hc.payload.DeviceID,
		IssuedAt:        formatTimestamp(issuedAt),
		ExpiresAt:       formatTimestamp(expiresAt),
		LastHeartbeatAt: formatTimestamp(issuedAt),
		TTLSeconds:      ttl,
	}
	if err := hc.core.sessions.Put(sessionID, rec, hc.now.Unix(), secondsOf); err != nil {
		return nil, perr.New(perr.InternalError)
	}
	return map[string]any{
		"sessionId": sessionID,
		"issuedAt":  rec.IssuedAt,
		"expiresAt": rec.ExpiresAt,
		"ttlSeconds": ttl,
	}, nil
}

func secondsOf(s string) (int64, bool) {
	t, err := parseTimestamp(s)
	if err != nil {
		return 0, false
	}
	return t.Unix(), true
}

// touchSession extends an existing session's expiry, rejecting unknown or
// device-mismatched sessions (§4.4 step 11, reused by the heartbeat
// handler for §4.6).
func touchSession(hc *handlerContext, sessionID string) (api.SessionRecord, *perr.Err) {
	rec, ok, err := hc.core.sessions.Get(sessionID, hc.now.Unix(), secondsOf)
	if err != nil {
		return api.SessionRecord{}, perr.New(perr.InternalError)
	}
	if !ok || rec.DeviceID != hc.payload.DeviceID {
		return api.SessionRecord{}, perr.New(perr.SessionNotFound)
	}
	if expiresAt, ok := secondsOf(rec.ExpiresAt); ok && hc.now.Unix() > expiresAt {
		return api.SessionRecord{}, perr.New(perr.SessionExpired)
	}

	ttl := rec.TTLSeconds
	if ttl < 1 {
		ttl = 1
	}
	rec.LastHeartbeatAt = formatTimestamp(hc.now.UTC())
	rec.ExpiresAt = formatTimestamp(hc.now.UTC().Add(time.Duration(ttl) * time.Second))
	if err := hc.core.sessions.Put(sessionID, rec, hc.now.Unix(), secondsOf); err != nil {
		return api.SessionRecord{}, perr.New(perr.InternalError)
	}
	return rec, nil
}

func handleHeartbeat(hc *handlerContext) (any, *perr.Err) {
	sessionID, _ := hc.params["sessionId"].(string)
	rec, verr := touchSession(hc, sessionID)
	if verr != nil {
		return nil, verr
	}
	return map[string]any{
		"sessionId":  sessionID,
		"expiresAt":  rec.ExpiresAt,
		"ttlSeconds": rec.TTLSeconds,
	}, nil
}

func handleEndSession(hc *handlerContext) (any, *perr.Err) {
	sessionID, _ := hc.params["sessionId"].(string)
	rec, ok, err := hc.core.sessions.Get(sessionID, hc.now.Unix(), secondsOf)
	if err != nil {
		return nil, perr.New(perr.InternalError)
	}
	if !ok || rec.DeviceID != hc.payload.DeviceID {
		return nil, perr.New(perr.SessionNotFound)
	}
	if _, err := hc.core.sessions.Delete(sessionID); err != nil {
		return nil, perr.New(perr.InternalError)
	}
	return map[string]any{"ended": true, "sessionId": sessionID}, nil
}

func handleMountVHD(hc *handlerContext) (any, *perr.Err) {
	path, _ := hc.params["path"].(string)
	script := fmt.Sprintf(
		`$img = Mount-DiskImage -ImagePath %s -PassThru; $vol = $img | Get-Volume; `+
			`[PSCustomObject]@{mounted=$true; path=%s; driveLetter=$vol.DriveLetter} | ConvertTo-Json -Compress`,
		psQuote(path), psQuote(path))
	return dispatchScript(hc, script, nil)
}

func handleUnmountVHD(hc *handlerContext) (any, *perr.Err) {
	path, _ := hc.params["path"].(string)
	script := fmt.Sprintf(
		`Dismount-DiskImage -ImagePath %s; [PSCustomObject]@{unmounted=$true; path=%s} | ConvertTo-Json -Compress`,
		psQuote(path), psQuote(path))
	return dispatchScript(hc, script, nil)
}

func handleQueryBitlockerStatus(hc *handlerContext) (any, *perr.Err) {
	drive, _ := hc.params["drive"].(string)
	script := fmt.Sprintf(
		`Get-BitLockerVolume -MountPoint %s | Select-Object MountPoint,VolumeStatus,ProtectionStatus,EncryptionPercentage | ConvertTo-Json -Compress`,
		psQuote(drive))
	return dispatchScript(hc, script, nil)
}

func handleLockBitlocker(hc *handlerContext) (any, *perr.Err) {
	drive, _ := hc.params["drive"].(string)
	script := fmt.Sprintf(
		`Lock-BitLocker -MountPoint %s -ForceDismount; [PSCustomObject]@{locked=$true; drive=%s} | ConvertTo-Json -Compress`,
		psQuote(drive), psQuote(drive))
	return dispatchScript(hc, script, nil)
}

func handleUnlockBitlocker(hc *handlerContext) (any, *perr.Err) {
	drive, _ := hc.params["drive"].(string)
	recoveryPassword, hasRecovery := hc.params["recoveryPassword"].(string)
	password, hasPassword := hc.params["password"].(string)
	if hasRecovery == hasPassword {
		return nil, perr.New(perr.InvalidParameter)
	}

	env := map[string]string{}
	var script string
	if hasRecovery {
		env["PRIVEXEC_SECRET"] = recoveryPassword
		script = fmt.Sprintf(
			`Unlock-BitLocker -MountPoint %s -RecoveryPassword $env:PRIVEXEC_SECRET; `+
				`[PSCustomObject]@{unlocked=$true; drive=%s} | ConvertTo-Json -Compress`,
			psQuote(drive), psQuote(drive))
	} else {
		env["PRIVEXEC_SECRET"] = password
		script = fmt.Sprintf(
			`$sec = ConvertTo-SecureString -String $env:PRIVEXEC_SECRET -AsPlainText -Force; `+
				`Unlock-BitLocker -MountPoint %s -Password $sec; `+
				`[PSCustomObject]@{unlocked=$true; drive=%s} | ConvertTo-Json -Compress`,
			psQuote(drive), psQuote(drive))
	}
	return dispatchScript(hc, script, env)
}

func handleQueryDisk(hc *handlerContext) (any, *perr.Err) {
	script := `Get-Disk | Select-Object Number,FriendlyName,Size,PartitionStyle,OperationalStatus | ConvertTo-Json -Compress`
	return dispatchScript(hc, script, nil)
}

func handleQueryServiceStatus(hc *handlerContext) (any, *perr.Err) {
	name, _ := hc.params["name"].(string)
	script := fmt.Sprintf(
		`Get-Service -Name %s | Select-Object Name,Status,StartType | ConvertTo-Json -Compress`,
		psQuote(name))
	return dispatchScript(hc, script, nil)
}

// dispatchScript runs script (optionally with env) and interprets the
// result per §4.6.
func dispatchScript(hc *handlerContext, script string, env map[string]string) (any, *perr.Err) {
	var (
		stdout     string
		statusCode int
		runErr     error
	)
	if env != nil {
		res, err := hc.core.cmdRunner.RunScriptWithEnv(hc.ctx, script, env)
		stdout, statusCode, runErr = res.Stdout, res.StatusCode, err
	} else {
		res, err := hc.core.cmdRunner.RunScript(hc.ctx, script)
		stdout, statusCode, runErr = res.Stdout, res.StatusCode, err
	}
	if runErr != nil {
		return nil, perr.New(perr.CommandExecutionFailed)
	}
	if statusCode != 0 {
		return nil, perr.New(perr.CommandExecutionFailed)
	}

	trimmed := strings.TrimSpace(stdout)
	if trimmed == "" {
		return nil, nil
	}
	var parsed any
	if err := json.Unmarshal([]byte(trimmed), &parsed); err == nil {
		return parsed, nil
	}
	return trimmed, nil
}

func psQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

func handleCollectLog(hc *handlerContext) (any, *perr.Err) {
	path, _ := hc.params["path"].(string)
	maxBytesVal, _ := hc.params["maxBytes"].(int64)
	maxBytes := maxBytesVal
	if maxBytes < 1 {
		maxBytes = 1
	}

	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, perr.New(perr.PathNotFound)
		}
		return nil, perr.New(perr.CommandExecutionFailed)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, perr.New(perr.CommandExecutionFailed)
	}

	size := info.Size()
	truncated := size > maxBytes
	readLen := size
	var offset int64
	if truncated {
		readLen = maxBytes
		offset = size - maxBytes
	}

	buf := make([]byte, readLen)
	if _, err := f.ReadAt(buf, offset); err != nil {
		return nil, perr.New(perr.CommandExecutionFailed)
	}

	return map[string]any{
		"path":      path,
		"bytes":     readLen,
		"truncated": truncated,
		"content":   utf8Lossy(buf),
	}, nil
}

// utf8Lossy decodes buf as UTF-8, substituting the replacement rune for
// any invalid byte sequence rather than failing, matching the tail-read
// contract in §4.6.
func utf8Lossy(buf []byte) string {
	var b strings.Builder
	b.Grow(len(buf))
	for len(buf) > 0 {
		r, size := utf8.DecodeRune(buf)
		b.WriteRune(r)
		buf = buf[size:]
	}
	return b.String()
}
