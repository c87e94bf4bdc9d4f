package signing

import (
	"crypto/ed25519"
	"encoding/base64"
	"testing"
)

func TestEd25519VerifierRoundTrip(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	msg := []byte("canonical signing bytes")
	sig := ed25519.Sign(priv, msg)

	v := Ed25519Verifier{}
	if !v.Verify(base64.StdEncoding.EncodeToString(pub), msg, base64.StdEncoding.EncodeToString(sig)) {
		t.Fatalf("expected signature to verify")
	}
}

func TestEd25519VerifierRejectsTamperedMessage(t *testing.T) {
	pub, priv, _ := ed25519.GenerateKey(nil)
	sig := ed25519.Sign(priv, []byte("original"))

	v := Ed25519Verifier{}
	if v.Verify(base64.StdEncoding.EncodeToString(pub), []byte("tampered"), base64.StdEncoding.EncodeToString(sig)) {
		t.Fatalf("expected verification to fail for a tampered message")
	}
}

func TestEd25519VerifierRejectsMalformedInputWithoutPanicking(t *testing.T) {
	v := Ed25519Verifier{}
	if v.Verify("not-base64!!", []byte("m"), "also-not-base64!!") {
		t.Fatalf("expected malformed input to fail verification")
	}
	if v.Verify(base64.StdEncoding.EncodeToString([]byte("too-short")), []byte("m"), base64.StdEncoding.EncodeToString([]byte("also-too-short"))) {
		t.Fatalf("expected wrong-length key/signature to fail verification")
	}
}

func TestRegistryLookupIsCaseInsensitive(t *testing.T) {
	r := NewRegistry()
	if _, ok := r.Lookup("ED25519"); !ok {
		t.Fatalf("expected uppercase lookup to find the registered ed25519 verifier")
	}
	if _, ok := r.Lookup("unknown-algo"); ok {
		t.Fatalf("expected unknown algorithm lookup to miss")
	}
}

func TestRegistryRegisterOverridesAndIsThreadSafeForLookups(t *testing.T) {
	r := NewRegistry()
	calls := 0
	r.Register("custom", verifierFunc(func(string, []byte, string) bool {
		t.Fatalf("expected the first registration to have been replaced")
		return false
	}))
	r.Register("Custom", verifierFunc(func(string, []byte, string) bool {
		calls++
		return true
	}))

	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			r.Lookup("custom")
		}
		close(done)
	}()
	for i := 0; i < 100; i++ {
		r.Lookup("custom")
	}
	<-done

	v, ok := r.Lookup("custom")
	if !ok {
		t.Fatalf("expected registered verifier to be found")
	}
	v.Verify("", nil, "")
	if calls != 1 {
		t.Fatalf("expected the registered verifier to be invoked once, got %d", calls)
	}
}

type verifierFunc func(publicKeyB64 string, message []byte, signatureB64 string) bool

func (f verifierFunc) Verify(publicKeyB64 string, message []byte, signatureB64 string) bool {
	return f(publicKeyB64, message, signatureB64)
}
