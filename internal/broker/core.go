// Package broker implements the request pipeline (§4.4) and the policy
// update pipeline (§4.7): the single owned Core object that holds the root
// directory, the CommandRunner capability, the verifier registry, and the
// core mutex serializing every pipeline invocation and policy update.
// Tests instantiate a fresh Core per scenario inside a temporary
// directory; nothing here is process-global except the independently
// locked verifier registry, and even that is per-Core (§9 "Global mutable
// state -> owned core object").
package broker

import (
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"reach/services/privexecd/internal/auditlog"
	"reach/services/privexecd/internal/config"
	"reach/services/privexecd/internal/runner"
	"reach/services/privexecd/internal/signing"
	"reach/services/privexecd/internal/store"
)

// Core is the single owned broker object. The zero value is not usable;
// construct with NewCore.
type Core struct {
	rootDir  string
	deviceID string
	fault    bool

	bootstrapKeys map[string]string

	verifiers *signing.Registry
	cmdRunner runner.CommandRunner
	audit     *auditlog.Writer
	logger    *slog.Logger

	nonces   *store.NonceStore
	commands *store.CommandStore
	sessions *store.SessionStore

	mu  sync.Mutex // the core lock (§5)
	now func() time.Time
}

// NewCore builds a Core rooted at cfg.RootDir, creating the state and log
// subdirectories if they do not already exist.
func NewCore(cfg *config.Config, cmdRunner runner.CommandRunner) (*Core, error) {
	bootstrapKeys, err := cfg.BootstrapPublicKeys()
	if err != nil {
		return nil, err
	}
	for _, dir := range []string{
		cfg.RootDir,
		filepath.Join(cfg.RootDir, "state"),
		filepath.Join(cfg.RootDir, "logs"),
	} {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, err
		}
	}

	logger := slog.New(slog.NewJSONHandler(os.Stderr, nil))

	c := &Core{
		rootDir:       cfg.RootDir,
		deviceID:      cfg.DeviceID,
		fault:         cfg.PolicyReplaceFailAfterBackup,
		bootstrapKeys: bootstrapKeys,
		verifiers:     signing.NewRegistry(),
		cmdRunner:     cmdRunner,
		audit:         auditlog.NewWriter(filepath.Join(cfg.RootDir, "logs", "audit.jsonl")),
		logger:        logger,
		nonces:        store.NewNonceStore(filepath.Join(cfg.RootDir, "state", "nonces.json")),
		commands:      store.NewCommandStore(filepath.Join(cfg.RootDir, "state", "commands.json")),
		sessions:      store.NewSessionStore(filepath.Join(cfg.RootDir, "state", "sessions.json")),
		now:           time.Now,
	}
	return c, nil
}

// Verifiers exposes the registry so operators can register additional
// signature algorithms at init (§4.3).
func (c *Core) Verifiers() *signing.Registry { return c.verifiers }

// SetClock overrides the core's time source. Tests use this to control
// freshness checks, nonce TTLs, and session expiry deterministically;
// production never calls it and keeps the time.Now default.
func (c *Core) SetClock(now func() time.Time) { c.now = now }

func (c *Core) policyPath() string { return filepath.Join(c.rootDir, "policy.json") }

func parseTimestamp(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

func formatTimestamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}
