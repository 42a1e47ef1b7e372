package phonebook

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/alihamza79/custom-voice-agent-sub003/internal/session"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

const bookYAML = `
"+4915110001111":
  name: Hamza
  role: teammate
"+4915110002222":
  name: Clara
  role: customer
`

func writeBook(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "phonebook.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLookup(t *testing.T) {
	b, err := Load(testLogger(), writeBook(t, bookYAML))
	if err != nil {
		t.Fatal(err)
	}

	teammate := b.Lookup("+4915110001111")
	if teammate.Name != "Hamza" || teammate.Role != session.RoleTeammate {
		t.Fatalf("teammate lookup = %+v", teammate)
	}

	customer := b.Lookup("+4915110002222")
	if customer.Role != session.RoleCustomer {
		t.Fatalf("customer lookup = %+v", customer)
	}

	unknown := b.Lookup("+10000000000")
	if unknown.Role != session.RoleCustomer || unknown.Name != "" || unknown.Phone != "+10000000000" {
		t.Fatalf("unknown lookup = %+v, want anonymous customer", unknown)
	}
}

func TestMissingFileStartsEmpty(t *testing.T) {
	b, err := Load(testLogger(), filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if b.Len() != 0 {
		t.Fatalf("Len() = %d, want 0", b.Len())
	}
	if got := b.Lookup("+123"); got.Role != session.RoleCustomer {
		t.Fatalf("lookup on empty book = %+v", got)
	}
}

func TestReloadOnChange(t *testing.T) {
	path := writeBook(t, bookYAML)
	b, err := Load(testLogger(), path)
	if err != nil {
		t.Fatal(err)
	}

	updated := `
"+4915110001111":
  name: Hamza
  role: customer
`
	if err := os.WriteFile(path, []byte(updated), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := b.reloadIfChanged(); err != nil {
		t.Fatalf("reloadIfChanged: %v", err)
	}

	if got := b.Lookup("+4915110001111"); got.Role != session.RoleCustomer {
		t.Fatalf("role after reload = %q, want customer", got.Role)
	}
	if b.Len() != 1 {
		t.Fatalf("Len() = %d, want 1", b.Len())
	}
}

func TestReloadSkipsUnchangedContent(t *testing.T) {
	path := writeBook(t, bookYAML)
	b, err := Load(testLogger(), path)
	if err != nil {
		t.Fatal(err)
	}
	before := b.Len()

	if err := b.reloadIfChanged(); err != nil {
		t.Fatalf("reloadIfChanged: %v", err)
	}
	if b.Len() != before {
		t.Fatalf("Len() changed on identical content")
	}
}

func TestBadYAMLKeepsOldEntries(t *testing.T) {
	path := writeBook(t, bookYAML)
	b, err := Load(testLogger(), path)
	if err != nil {
		t.Fatal(err)
	}

	if err := os.WriteFile(path, []byte("::: not yaml"), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := b.reloadIfChanged(); err == nil {
		t.Fatal("expected parse error")
	}
	if got := b.Lookup("+4915110001111"); got.Name != "Hamza" {
		t.Fatalf("entries lost after bad reload: %+v", got)
	}
}
