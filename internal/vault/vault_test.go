package vault

import (
	"bytes"
	"encoding/hex"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func testKey(t *testing.T) []byte {
	t.Helper()
	key, err := hex.DecodeString(strings.Repeat("ab", 32))
	if err != nil {
		t.Fatalf("decode key: %v", err)
	}
	return key
}

func TestNew_RejectsBadKeySize(t *testing.T) {
	for _, n := range []int{0, 16, 31, 33, 64} {
		if _, err := New(make([]byte, n)); !errors.Is(err, ErrInvalidKey) {
			t.Errorf("New with %d-byte key: err = %v, want ErrInvalidKey", n, err)
		}
	}
}

func TestSealOpen_RoundTrip(t *testing.T) {
	v, err := New(testKey(t))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	plaintext := []byte(`[{"name":"li_at","value":"AQEDAxyz"}]`)

	sealed, err := v.Seal(LabelCookies, plaintext)
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	if !strings.HasPrefix(sealed, "v1:") {
		t.Errorf("sealed envelope should have version prefix, got %q", sealed[:8])
	}
	if strings.Contains(sealed, "li_at") {
		t.Error("sealed value leaks plaintext")
	}

	got, err := v.Open(LabelCookies, sealed)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if !bytes.Equal(got, plaintext) {
		t.Errorf("Open = %q, want %q", got, plaintext)
	}
}

func TestSeal_NonDeterministic(t *testing.T) {
	v, _ := New(testKey(t))
	a, err := v.Seal(LabelCookies, []byte("secret"))
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	b, err := v.Seal(LabelCookies, []byte("secret"))
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	if a == b {
		t.Error("two seals of the same plaintext must not be identical")
	}
}

func TestOpen_WrongLabel(t *testing.T) {
	v, _ := New(testKey(t))
	sealed, err := v.Seal(LabelCookies, []byte("secret"))
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	if _, err := v.Open(LabelProxyCred, sealed); !errors.Is(err, ErrInvalidCiphertext) {
		t.Errorf("Open with wrong label: err = %v, want ErrInvalidCiphertext", err)
	}
}

func TestOpen_Malformed(t *testing.T) {
	v, _ := New(testKey(t))
	tests := []struct {
		name   string
		sealed string
	}{
		{"empty", ""},
		{"no prefix", "YWJjZGVm"},
		{"bad base64", "v1:%%%"},
		{"too short", "v1:YWI="},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := v.Open(LabelCookies, tt.sealed); !errors.Is(err, ErrInvalidCiphertext) {
				t.Errorf("Open(%q): err = %v, want ErrInvalidCiphertext", tt.sealed, err)
			}
		})
	}
}

func TestOpen_Tampered(t *testing.T) {
	v, _ := New(testKey(t))
	sealed, err := v.Seal(LabelCookies, []byte("secret"))
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	// Flip a character near the end of the envelope.
	b := []byte(sealed)
	if b[len(b)-2] == 'A' {
		b[len(b)-2] = 'B'
	} else {
		b[len(b)-2] = 'A'
	}
	if _, err := v.Open(LabelCookies, string(b)); !errors.Is(err, ErrInvalidCiphertext) {
		t.Errorf("Open tampered: err = %v, want ErrInvalidCiphertext", err)
	}
}

func TestLoadKey_InlineHex(t *testing.T) {
	key, err := LoadKey(strings.Repeat("0f", 32))
	if err != nil {
		t.Fatalf("LoadKey: %v", err)
	}
	if len(key) != 32 {
		t.Errorf("key length = %d, want 32", len(key))
	}
}

func TestLoadKey_FromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vault.key")
	if err := os.WriteFile(path, []byte(strings.Repeat("0f", 32)+"\n"), 0o600); err != nil {
		t.Fatalf("write key file: %v", err)
	}
	key, err := LoadKey(path)
	if err != nil {
		t.Fatalf("LoadKey: %v", err)
	}
	if len(key) != 32 {
		t.Errorf("key length = %d, want 32", len(key))
	}
}

func TestLoadKey_Invalid(t *testing.T) {
	for _, s := range []string{"", "zz", strings.Repeat("0f", 16)} {
		if _, err := LoadKey(s); !errors.Is(err, ErrInvalidKey) {
			t.Errorf("LoadKey(%q): err = %v, want ErrInvalidKey", s, err)
		}
	}
}
