package crypto

import "testing"

func TestKeyGenRoundTrip(t *testing.T) {
	priv, pub, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair: %v", err)
	}
	if len(pub.Hex()) != 64 {
		t.Errorf("pubkey hex length: got %d want 64", len(pub.Hex()))
	}
	if priv.Public().Hex() != pub.Hex() {
		t.Error("derived public key does not match")
	}
}

func TestSignVerify(t *testing.T) {
	priv, pub, err := GenerateKeyPair()
	if err != nil {
		t.Fatal(err)
	}
	data := []byte("hello proof-of-turn")
	sig := Sign(priv, data)
	if err := Verify(pub, data, sig); err != nil {
		t.Errorf("valid signature failed: %v", err)
	}
	if err := Verify(pub, []byte("tampered"), sig); err == nil {
		t.Error("tampered data should fail verification")
	}
}

func TestPubKeyFromHexRoundTrip(t *testing.T) {
	_, pub, err := GenerateKeyPair()
	if err != nil {
		t.Fatal(err)
	}
	decoded, err := PubKeyFromHex(pub.Hex())
	if err != nil {
		t.Fatal(err)
	}
	if decoded.Hex() != pub.Hex() {
		t.Error("round trip through hex should preserve the public key")
	}
}

func TestPubKeyFromHexRejectsWrongLength(t *testing.T) {
	if _, err := PubKeyFromHex("deadbeef"); err == nil {
		t.Error("short hex should be rejected")
	}
}

func TestHashDeterministic(t *testing.T) {
	if Hash([]byte("a")) != Hash([]byte("a")) {
		t.Error("Hash should be deterministic")
	}
	if Hash([]byte("a")) == Hash([]byte("b")) {
		t.Error("Hash should differ for different inputs")
	}
}
