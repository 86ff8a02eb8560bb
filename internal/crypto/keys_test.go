package crypto

import (
	"bytes"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func TestLoadOrCreateSecret(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "mdmkeeper", "control.key")
	first, err := LoadOrCreateSecret(path)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if len(first) != SecretLen {
		t.Fatalf("len=%d", len(first))
	}
	st, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if st.Mode().Perm() != 0o600 {
		t.Fatalf("perm=%v", st.Mode().Perm())
	}

	again, err := LoadOrCreateSecret(path)
	if err != nil || !bytes.Equal(first, again) {
		t.Fatalf("reload: %v equal=%v", err, bytes.Equal(first, again))
	}
}

func TestLoadOrCreateSecret_ConcurrentCreatorsAgree(t *testing.T) {
	t.Parallel()

	dir := filepath.Join(t.TempDir(), "mdmkeeper")
	path := filepath.Join(dir, "control.key")

	const n = 16
	var wg sync.WaitGroup
	got := make([][]byte, n)
	errCh := make(chan error, n)
	for i := 0; i < n; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			b, err := LoadOrCreateSecret(path)
			if err != nil {
				errCh <- err
				return
			}
			got[i] = b
		}()
	}
	wg.Wait()
	close(errCh)
	for err := range errCh {
		t.Fatalf("LoadOrCreateSecret: %v", err)
	}
	for i := 1; i < n; i++ {
		if !bytes.Equal(got[0], got[i]) {
			t.Fatalf("creator %d saw a different secret", i)
		}
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].Name() != "control.key" {
		t.Fatalf("temp files left behind: %v", entries)
	}
}

func TestLoadOrCreateSecret_RejectsWrongSize(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "control.key")
	if err := os.WriteFile(path, []byte("short"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadOrCreateSecret(path); err == nil {
		t.Fatalf("want size error")
	}
}

func TestDeriveSigningKey(t *testing.T) {
	t.Parallel()

	secret := bytes.Repeat([]byte{7}, SecretLen)
	k1, err := DeriveSigningKey(secret)
	if err != nil {
		t.Fatalf("derive: %v", err)
	}
	k2, _ := DeriveSigningKey(secret)
	if !bytes.Equal(k1, k2) || len(k1) != 32 {
		t.Fatalf("derivation not deterministic")
	}
	if bytes.Equal(k1, secret) {
		t.Fatalf("raw secret used as key")
	}
	if _, err := DeriveSigningKey(nil); err == nil {
		t.Fatalf("want error on empty secret")
	}
}

func TestOperatorToken(t *testing.T) {
	t.Parallel()

	key := bytes.Repeat([]byte{1}, 32)
	tok, err := SignOperatorToken(key, "alice", time.Minute)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	op, err := ParseOperatorToken(key, tok, time.Second)
	if err != nil || op != "alice" {
		t.Fatalf("parse: %q %v", op, err)
	}

	if _, err := ParseOperatorToken(bytes.Repeat([]byte{2}, 32), tok, time.Second); err == nil {
		t.Fatalf("wrong key accepted")
	}

	expired, _ := SignOperatorToken(key, "alice", -time.Hour)
	if _, err := ParseOperatorToken(key, expired, time.Second); err == nil {
		t.Fatalf("expired token accepted")
	}

	if _, err := SignOperatorToken(key, "  ", time.Minute); err == nil {
		t.Fatalf("empty operator accepted")
	}

	none, _ := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.RegisteredClaims{Subject: "mallory"}).SignedString(jwt.UnsafeAllowNoneSignatureType)
	if _, err := ParseOperatorToken(key, none, time.Second); err == nil {
		t.Fatalf("alg none accepted")
	}
}
