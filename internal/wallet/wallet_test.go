package wallet

import (
	"strings"
	"testing"
)

const testWIF = "KwdMAjGmerYanjeui5SHS7JkmpZvVipYvB2LJGU1ZxJwYvP98617"

func TestLoad(t *testing.T) {
	w, err := Load(testWIF)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if w.Address != "1LoVGDgRs9hTfTNJNuXKSpywcbdvwRXpmK" {
		t.Errorf("address = %s", w.Address)
	}
	if len(w.PublicKey) != 33 {
		t.Errorf("pubkey length = %d, want 33 (compressed)", len(w.PublicKey))
	}

	for _, bad := range []string{"", "notavalidwif"} {
		if _, err := Load(bad); err == nil {
			t.Errorf("Load(%q) succeeded", bad)
		}
	}
}

func TestGenerateReloads(t *testing.T) {
	w, err := Generate()
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if w.PrivateKey == nil || !strings.HasPrefix(w.Address, "1") {
		t.Fatalf("wallet = %+v", w)
	}
	again, err := Load(w.WIF)
	if err != nil {
		t.Fatalf("Load(generated WIF): %v", err)
	}
	if again.Address != w.Address {
		t.Errorf("reloaded address %s != %s", again.Address, w.Address)
	}
	if other, _ := Generate(); other.Address == w.Address {
		t.Error("two generated wallets share an address")
	}
}

func TestSign(t *testing.T) {
	w, err := Generate()
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}

	sig, err := w.Sign([]byte("test data"))
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	if len(sig) == 0 || sig[0] != 0x30 {
		t.Errorf("signature %x is not DER", sig)
	}
}

func TestAttest(t *testing.T) {
	w, err := Load(testWIF)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	payload := []byte(`{"drawNumber":1,"winner":101}`)
	a, err := w.Attest(payload)
	if err != nil {
		t.Fatalf("Attest: %v", err)
	}
	if a.Address != w.Address || len(a.PublicKey) != 66 || len(a.Digest) != 64 {
		t.Errorf("attestation = %+v", a)
	}
	if err := VerifyAttestation(a, payload); err != nil {
		t.Errorf("VerifyAttestation: %v", err)
	}
}

func TestVerifyAttestation_Rejects(t *testing.T) {
	w, _ := Generate()
	other, _ := Generate()
	payload := []byte("draw 7")
	a, _ := w.Attest(payload)

	if err := VerifyAttestation(a, []byte("draw 8")); err == nil {
		t.Error("changed payload verified")
	}

	wrongAddr := *a
	wrongAddr.Address = other.Address
	if err := VerifyAttestation(&wrongAddr, payload); err == nil {
		t.Error("foreign address verified")
	}

	forged, _ := other.Attest(payload)
	swapped := *a
	swapped.Signature = forged.Signature
	if err := VerifyAttestation(&swapped, payload); err == nil {
		t.Error("signature from another key verified")
	}
}
