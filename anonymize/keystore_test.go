package anonymize

import (
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
)

var tokenPattern = regexp.MustCompile(`^A[0-9A-F]{8}$`)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func readKeyFile(t *testing.T, path string) map[string]string {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("reading key file: %v", err)
	}
	var file keyFile
	if err := json.Unmarshal(data, &file); err != nil {
		t.Fatalf("decoding key file: %v", err)
	}
	return file.Mappings
}

func TestHashToken(t *testing.T) {
	token := HashToken(PurposePatientID, "99999", "salt")
	if !tokenPattern.MatchString(token) {
		t.Errorf("token %q does not match %s", token, tokenPattern)
	}
	if again := HashToken(PurposePatientID, "99999", "salt"); again != token {
		t.Errorf("hash not deterministic: %q != %q", again, token)
	}

	for _, other := range []string{
		HashToken("PatientName", "99999", "salt"),
		HashToken(PurposePatientID, "99998", "salt"),
		HashToken(PurposePatientID, "99999", "pepper"),
	} {
		if other == token {
			t.Errorf("expected %q to differ from %q", other, token)
		}
	}
}

func TestKeyStore_NewPatientPersisted(t *testing.T) {
	path := filepath.Join(t.TempDir(), "AnonymizationKey.json")

	first, err := NewKeyStore(path, "salt", quietLogger()).Token("99999")
	if err != nil {
		t.Fatalf("Token: %v", err)
	}
	if !tokenPattern.MatchString(first) {
		t.Fatalf("token %q does not match %s", first, tokenPattern)
	}
	if diff := cmp.Diff(map[string]string{"99999": first}, readKeyFile(t, path)); diff != "" {
		t.Errorf("key file mismatch (-want +got):\n%s", diff)
	}

	// A second run reads the same file.
	second, err := NewKeyStore(path, "salt", quietLogger()).Token("99999")
	if err != nil {
		t.Fatalf("Token: %v", err)
	}
	if second != first {
		t.Errorf("second run token = %q, want %q", second, first)
	}
}

func TestKeyStore_Idempotent(t *testing.T) {
	store := NewKeyStore(filepath.Join(t.TempDir(), "keys.json"), "salt", quietLogger())

	a, err := store.Token("12345")
	if err != nil {
		t.Fatal(err)
	}
	b, err := store.Token("12345")
	if err != nil {
		t.Fatal(err)
	}
	if a != b {
		t.Errorf("tokens differ: %q vs %q", a, b)
	}
}

// The persisted mapping is what keeps a token stable: once the file is gone,
// a store configured differently derives a different token.
func TestKeyStore_PersistedFileOutlivesSaltChange(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys.json")

	original, err := NewKeyStore(path, "site-a", quietLogger()).Token("99999")
	if err != nil {
		t.Fatal(err)
	}

	withFile, err := NewKeyStore(path, "site-b", quietLogger()).Token("99999")
	if err != nil {
		t.Fatal(err)
	}
	if withFile != original {
		t.Errorf("with key file: token = %q, want persisted %q", withFile, original)
	}

	if err := os.Remove(path); err != nil {
		t.Fatal(err)
	}
	withoutFile, err := NewKeyStore(path, "site-b", quietLogger()).Token("99999")
	if err != nil {
		t.Fatal(err)
	}
	if withoutFile == original {
		t.Errorf("without key file: token %q unexpectedly matches the persisted one", withoutFile)
	}
}

func TestKeyStore_UnreadableFileFallsBack(t *testing.T) {
	// A directory where the file should be cannot be read.
	path := t.TempDir()

	token, err := NewKeyStore(path, "salt", quietLogger()).Token("99999")
	if err != nil {
		t.Fatalf("Token: %v", err)
	}
	if want := HashToken(PurposePatientID, "99999", "salt"); token != want {
		t.Errorf("fallback token = %q, want %q", token, want)
	}
}

func TestKeyStore_CorruptFileNotOverwritten(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o644); err != nil {
		t.Fatal(err)
	}

	if _, err := NewKeyStore(path, "salt", quietLogger()).Token("99999"); err != nil {
		t.Fatalf("Token: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "{not json" {
		t.Errorf("corrupt key file was overwritten: %q", data)
	}
}

func TestKeyStore_EmptyID(t *testing.T) {
	store := NewKeyStore(filepath.Join(t.TempDir(), "keys.json"), "salt", quietLogger())
	if _, err := store.Token("  "); err == nil {
		t.Error("expected error for empty id")
	}
}

func TestKeyStore_ConcurrentTokens(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys.json")
	store := NewKeyStore(path, "salt", quietLogger())

	ids := []string{"1", "2", "3", "4", "5", "6", "7", "8"}
	var wg sync.WaitGroup
	for _, id := range ids {
		for i := 0; i < 4; i++ {
			wg.Add(1)
			go func(id string) {
				defer wg.Done()
				if _, err := store.Token(id); err != nil {
					t.Errorf("Token(%s): %v", id, err)
				}
			}(id)
		}
	}
	wg.Wait()

	mappings := readKeyFile(t, path)
	if len(mappings) != len(ids) {
		t.Fatalf("key file has %d mappings, want %d", len(mappings), len(ids))
	}
	for _, id := range ids {
		if want := HashToken(PurposePatientID, id, "salt"); mappings[id] != want {
			t.Errorf("mapping[%s] = %q, want %q", id, mappings[id], want)
		}
	}
}
