package keys

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDumpParseRoundTrip(t *testing.T) {
	key, err := GenerateKey()
	if err != nil {
		t.Fatal(err)
	}

	raw := DumpPrivateKey(key)
	parsed, err := ParsePrivateKey(raw)
	if err != nil {
		t.Fatal(err)
	}

	if parsed.D.Cmp(key.D) != 0 {
		t.Fatal("round trip changed the key")
	}
	if parsed.PublicKey.X.Cmp(key.PublicKey.X) != 0 {
		t.Fatal("round trip changed the public key")
	}
}

func TestParsePrivateKeyRejectsInvalid(t *testing.T) {
	if _, err := ParsePrivateKey([]byte{1, 2, 3}); err == nil {
		t.Fatal("short key should be rejected")
	}

	zero := make([]byte, 32)
	if _, err := ParsePrivateKey(zero); err == nil {
		t.Fatal("zero key should be rejected")
	}
}

func TestPublicKeyRoundTrip(t *testing.T) {
	key, err := GenerateKey()
	if err != nil {
		t.Fatal(err)
	}

	raw := FromPublicKey(&key.PublicKey)
	pub := ToPublicKey(raw)

	if pub.X.Cmp(key.PublicKey.X) != 0 || pub.Y.Cmp(key.PublicKey.Y) != 0 {
		t.Fatal("round trip changed the public key")
	}

	if PublicKeyID(raw) == 0 {
		//FNV of a valid key is almost surely nonzero; a zero here most
		//likely means the bytes were empty
		t.Fatal("node id should not be zero")
	}
}

func TestSimpleKeyfile(t *testing.T) {
	dir := t.TempDir()
	keyfile := NewSimpleKeyfile(filepath.Join(dir, "priv_key"))

	key, err := GenerateKey()
	if err != nil {
		t.Fatal(err)
	}

	if err := keyfile.WriteKey(key); err != nil {
		t.Fatal(err)
	}

	read, err := keyfile.ReadKey()
	if err != nil {
		t.Fatal(err)
	}
	if read.D.Cmp(key.D) != 0 {
		t.Fatal("file round trip changed the key")
	}
}

func TestSimpleKeyfilePermissions(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "priv_key")

	keyfile := NewSimpleKeyfile(path)
	key, err := GenerateKey()
	if err != nil {
		t.Fatal(err)
	}
	if err := keyfile.WriteKey(key); err != nil {
		t.Fatal(err)
	}

	//Loosening the permissions makes the key unreadable
	if err := os.Chmod(path, 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := keyfile.ReadKey(); err == nil {
		t.Fatal("world-readable key file should be refused")
	}
}
