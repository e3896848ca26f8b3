package signedsrc

import (
	"crypto/ed25519"
	"crypto/sha256"
	"testing"
)

type fakeInner map[string][]byte

func (f fakeInner) TryLoad(binaryName string) ([]byte, error) {
	b, ok := f[binaryName]
	if !ok {
		return nil, nil
	}
	return b, nil
}

func sign(priv ed25519.PrivateKey, raw []byte, digest DigestAlgorithm) []byte {
	var msg []byte
	if digest == SHA3_256 {
		panic("test helper only covers SHA256, add a case if SHA3_256 is needed")
	}
	sum := sha256.Sum256(raw)
	msg = sum[:]
	return ed25519.Sign(priv, msg)
}

func TestTryLoadAcceptsValidSignature(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatal(err)
	}
	classBytes := []byte{0xCA, 0xFE, 0xBA, 0xBE, 0x01}
	inner := fakeInner{"com/example/Hello": classBytes}
	sigs := MapSignatures{"com/example/Hello": sign(priv, classBytes, SHA256)}

	src, err := New(inner, pub, SHA256, sigs)
	if err != nil {
		t.Fatal(err)
	}

	got, err := src.TryLoad("com/example/Hello")
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != string(classBytes) {
		t.Fatalf("got %x, want %x", got, classBytes)
	}
}

func TestTryLoadRejectsTamperedBytes(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatal(err)
	}
	classBytes := []byte{0xCA, 0xFE, 0xBA, 0xBE, 0x01}
	sigs := MapSignatures{"com/example/Hello": sign(priv, classBytes, SHA256)}

	tampered := append([]byte{}, classBytes...)
	tampered[0] ^= 0xFF
	inner := fakeInner{"com/example/Hello": tampered}

	src, err := New(inner, pub, SHA256, sigs)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := src.TryLoad("com/example/Hello"); err == nil {
		t.Fatal("expected a signature-verification error for tampered bytes")
	}
}

func TestTryLoadRejectsMissingSignature(t *testing.T) {
	pub, _, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatal(err)
	}
	inner := fakeInner{"com/example/Hello": {0x01}}
	src, err := New(inner, pub, SHA256, MapSignatures{})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := src.TryLoad("com/example/Hello"); err == nil {
		t.Fatal("expected an error when no signature was published")
	}
}

func TestTryLoadPassesThroughMiss(t *testing.T) {
	pub, _, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatal(err)
	}
	src, err := New(fakeInner{}, pub, SHA256, MapSignatures{})
	if err != nil {
		t.Fatal(err)
	}
	b, err := src.TryLoad("does/not/Exist")
	if err != nil {
		t.Fatal(err)
	}
	if b != nil {
		t.Fatalf("expected nil bytes on a miss, got %x", b)
	}
}

func TestNewRejectsWrongSizedPublicKey(t *testing.T) {
	if _, err := New(fakeInner{}, make(ed25519.PublicKey, 16), SHA256, MapSignatures{}); err == nil {
		t.Fatal("expected an error for a short public key")
	}
}
