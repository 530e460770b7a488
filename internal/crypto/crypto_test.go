package crypto

import (
	"bytes"
	"testing"
)

func TestSignVerify(t *testing.T) {
	pub, priv, err := GenKeypair()
	if err != nil {
		t.Fatalf("keygen failed: %v", err)
	}
	msg := []byte("reconcile me")
	sig, err := Sign(priv, msg)
	if err != nil {
		t.Fatalf("sign failed: %v", err)
	}
	if !Verify(pub, msg, sig) {
		t.Fatalf("valid signature rejected")
	}
	if Verify(pub, []byte("other"), sig) {
		t.Fatalf("signature verified for a different message")
	}
	if _, err := Sign([]byte("short"), msg); err == nil {
		t.Fatalf("malformed private key must be rejected")
	}
}

func TestKeypairPersistence(t *testing.T) {
	dir := t.TempDir()
	pub, priv, err := GenKeypair()
	if err != nil {
		t.Fatalf("keygen failed: %v", err)
	}
	if err := SaveKeypair(dir, pub, priv); err != nil {
		t.Fatalf("save failed: %v", err)
	}
	gotPub, gotPriv, err := LoadKeypair(dir)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if !bytes.Equal(gotPub, pub) || !bytes.Equal(gotPriv, priv) {
		t.Fatalf("round-tripped keypair differs")
	}
}

func TestSHA3Stable(t *testing.T) {
	a := SHA3_256([]byte("x"))
	b := SHA3_256([]byte("x"))
	if !bytes.Equal(a, b) || len(a) != 32 {
		t.Fatalf("SHA3_256 unstable or wrong size")
	}
}
