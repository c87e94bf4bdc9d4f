package policy

import (
	"os"
	"path/filepath"
	"testing"

	perr "reach/services/privexecd/internal/errors"
)

func writePolicy(t *testing.T, dir string, body string) string {
	t.Helper()
	path := filepath.Join(dir, "policy.json")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return path
}

const validPolicyJSON = `{
  "schemaVersion": 1,
  "policyName": "default",
  "version": 1,
  "defaultAction": "Deny",
  "security": {
    "requireSignature": true,
    "signatureAlgorithm": "ed25519",
    "requireDeviceBinding": true,
    "requireNonce": true,
    "nonceTtlSeconds": 300,
    "maxClockSkewSeconds": 30,
    "sessionTtlSeconds": 600,
    "publicKeys": {"k1": "AAAA"}
  },
  "allowedCommands": [
    {
      "name": "query_disk",
      "enabled": true,
      "requiresSession": false,
      "riskLevel": "low",
      "params": {}
    },
    {
      "name": "Query_Disk",
      "enabled": false,
      "requiresSession": false,
      "riskLevel": "low",
      "params": {}
    }
  ]
}`

func TestLoadReturnsPolicyNotFoundWhenAbsent(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.json"))
	if perr.CodeOf(err) != perr.PolicyNotFound {
		t.Fatalf("expected PolicyNotFound, got %v", err)
	}
}

func TestLoadRejectsMalformedJSON(t *testing.T) {
	path := writePolicy(t, t.TempDir(), `{not json`)
	_, err := Load(path)
	if perr.CodeOf(err) != perr.PolicyInvalid {
		t.Fatalf("expected PolicyInvalid, got %v", err)
	}
}

func TestLoadRejectsMissingRequiredField(t *testing.T) {
	path := writePolicy(t, t.TempDir(), `{"schemaVersion":1,"policyName":"p","version":1,"defaultAction":"Deny"}`)
	_, err := Load(path)
	if perr.CodeOf(err) != perr.PolicyInvalid {
		t.Fatalf("expected PolicyInvalid for missing security/allowedCommands, got %v", err)
	}
}

func TestLoadRejectsNonDenyDefaultAction(t *testing.T) {
	body := `{
		"schemaVersion": 1, "policyName": "p", "version": 1, "defaultAction": "Allow",
		"security": {"requireSignature": false, "requireDeviceBinding": false, "requireNonce": false},
		"allowedCommands": []
	}`
	path := writePolicy(t, t.TempDir(), body)
	_, err := Load(path)
	if perr.CodeOf(err) != perr.PolicyInvalid {
		t.Fatalf("expected PolicyInvalid for defaultAction != Deny, got %v", err)
	}
}

func TestLoadAcceptsValidPolicy(t *testing.T) {
	path := writePolicy(t, t.TempDir(), validPolicyJSON)
	doc, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if doc.Version != 1 || doc.PolicyName != "default" {
		t.Fatalf("unexpected document: %+v", doc)
	}
}

func TestFindCommandIsCaseInsensitiveAndFirstMatchWins(t *testing.T) {
	path := writePolicy(t, t.TempDir(), validPolicyJSON)
	doc, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	cmd, ok := doc.FindCommand("QUERY_DISK")
	if !ok {
		t.Fatalf("expected case-insensitive match")
	}
	if !cmd.Enabled {
		t.Fatalf("expected the first matching entry (enabled=true) to win, got %+v", cmd)
	}

	if _, ok := doc.FindCommand("mount_vhd"); ok {
		t.Fatalf("did not expect mount_vhd to match")
	}
}
