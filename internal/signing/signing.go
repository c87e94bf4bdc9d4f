// Package signing implements the signature verifier registry described in
// component 4.3: a lowercased-algorithm-name map to a pluggable Verifier,
// with ed25519 registered by default. Each broker Core owns its own
// Registry. Registration is
// rare, so the registry is guarded by its own RWMutex independent of the
// broker's core lock — lookups never block pipeline execution.
package signing

import (
	"crypto/ed25519"
	"encoding/base64"
	"strings"
	"sync"
)

// Verifier checks a signature over message bytes using a base64-encoded
// public key. Implementations must treat any malformed input as a
// verification failure, never a panic.
type Verifier interface {
	Verify(publicKeyB64 string, message []byte, signatureB64 string) bool
}

// Registry maps lowercased algorithm name to Verifier.
type Registry struct {
	mu        sync.RWMutex
	verifiers map[string]Verifier
}

// NewRegistry returns a Registry with the built-in ed25519 verifier
// already registered.
func NewRegistry() *Registry {
	r := &Registry{verifiers: make(map[string]Verifier)}
	r.Register("ed25519", Ed25519Verifier{})
	return r
}

// Register adds or replaces the verifier for algorithm (case-insensitive).
func (r *Registry) Register(algorithm string, v Verifier) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.verifiers[strings.ToLower(algorithm)] = v
}

// Lookup returns the verifier for algorithm and whether it was found.
func (r *Registry) Lookup(algorithm string) (Verifier, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	v, ok := r.verifiers[strings.ToLower(algorithm)]
	return v, ok
}

// Ed25519Verifier verifies signatures with a 32-byte ed25519 public key,
// both key and signature base64-encoded, over the supplied message bytes.
type Ed25519Verifier struct{}

func (Ed25519Verifier) Verify(publicKeyB64 string, message []byte, signatureB64 string) bool {
	pub, err := base64.StdEncoding.DecodeString(publicKeyB64)
	if err != nil || len(pub) != ed25519.PublicKeySize {
		return false
	}
	sig, err := base64.StdEncoding.DecodeString(signatureB64)
	if err != nil || len(sig) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(pub), message, sig)
}
