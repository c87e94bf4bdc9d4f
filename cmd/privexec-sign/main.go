// Command privexec-sign is an operator helper that signs a draft command or
// policy-update payload into the envelope privexecd expects, for manual
// testing against a running broker. Grounded on the teacher's
// tools/packkit-sign (flag-driven, read key + document from disk, a
// must(err) helper, write signed JSON to stdout or a file).
package main

import (
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/google/uuid"

	"reach/services/privexecd/internal/api"
	"reach/services/privexecd/internal/canon"
)

func main() {
	payloadPath := flag.String("payload", "", "path to a draft CommandRequestPayload or PolicyUpdatePayload JSON file")
	keyPath := flag.String("key", "", "path to a base64-encoded ed25519 private key (seed or full key)")
	keyID := flag.String("key-id", "default", "signing key id to embed in the signature envelope")
	kind := flag.String("kind", "command", `"command" or "policy-update"`)
	outPath := flag.String("out", "", "output path (default: stdout)")
	flag.Parse()

	if *payloadPath == "" || *keyPath == "" {
		fmt.Fprintln(os.Stderr, "-payload and -key are required")
		os.Exit(2)
	}

	priv := mustLoadKey(*keyPath)

	raw, err := os.ReadFile(*payloadPath)
	must(err)

	var signed any
	switch *kind {
	case "command":
		signed = signCommand(raw, priv, *keyID)
	case "policy-update":
		signed = signPolicyUpdate(raw, priv, *keyID)
	default:
		fmt.Fprintf(os.Stderr, "unknown -kind %q\n", *kind)
		os.Exit(2)
	}

	out, err := json.MarshalIndent(signed, "", "  ")
	must(err)
	out = append(out, '\n')

	if *outPath == "" {
		os.Stdout.Write(out)
		return
	}
	must(os.WriteFile(*outPath, out, 0o600))
	fmt.Fprintf(os.Stderr, "wrote %s\n", *outPath)
}

func signCommand(raw []byte, priv ed25519.PrivateKey, keyID string) api.SignedCommandRequest {
	var payload api.CommandRequestPayload
	must(json.Unmarshal(raw, &payload))
	if payload.SchemaVersion == 0 {
		payload.SchemaVersion = 1
	}
	if strings.TrimSpace(payload.Nonce) == "" {
		payload.Nonce = uuid.New().String()
	}
	if strings.TrimSpace(payload.CommandID) == "" {
		payload.CommandID = uuid.New().String()
	}

	signingBytes, err := canon.SigningBytes(payload)
	must(err)
	return api.SignedCommandRequest{
		Payload: payload,
		Signature: api.SignatureEnvelope{
			Algorithm: "ed25519",
			KeyID:     keyID,
			Signature: base64.StdEncoding.EncodeToString(ed25519.Sign(priv, signingBytes)),
		},
	}
}

func signPolicyUpdate(raw []byte, priv ed25519.PrivateKey, keyID string) api.SignedPolicyUpdateRequest {
	var payload api.PolicyUpdatePayload
	must(json.Unmarshal(raw, &payload))
	if payload.SchemaVersion == 0 {
		payload.SchemaVersion = 1
	}

	signingBytes, err := canon.SigningBytes(payload)
	must(err)
	return api.SignedPolicyUpdateRequest{
		Payload: payload,
		Signature: api.SignatureEnvelope{
			Algorithm: "ed25519",
			KeyID:     keyID,
			Signature: base64.StdEncoding.EncodeToString(ed25519.Sign(priv, signingBytes)),
		},
	}
}

// mustLoadKey reads a base64-encoded ed25519 private key, accepting either
// a 32-byte seed or the full 64-byte private key, matching the teacher's
// NormalizeEd25519PrivateKey.
func mustLoadKey(path string) ed25519.PrivateKey {
	raw, err := os.ReadFile(path)
	must(err)
	decoded, err := base64.StdEncoding.DecodeString(strings.TrimSpace(string(raw)))
	must(err)
	switch len(decoded) {
	case ed25519.PrivateKeySize:
		return ed25519.PrivateKey(decoded)
	case ed25519.SeedSize:
		return ed25519.NewKeyFromSeed(decoded)
	default:
		fmt.Fprintf(os.Stderr, "invalid ed25519 private key length: %d\n", len(decoded))
		os.Exit(1)
		return nil
	}
}

func must(err error) {
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
