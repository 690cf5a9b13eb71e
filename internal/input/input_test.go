package input

import (
	"os"
	"path/filepath"
	"testing"
)

func TestExpandValueLiteral(t *testing.T) {
	got, err := ExpandValue(`{"name":"Espresso"}`)
	if err != nil {
		t.Fatalf("expand: %v", err)
	}
	if got != `{"name":"Espresso"}` {
		t.Errorf("got %q", got)
	}
}

func TestExpandValueFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fields.json")
	os.WriteFile(path, []byte("{\"price\":2.5}\n"), 0644)

	got, err := ExpandValue("@" + path)
	if err != nil {
		t.Fatalf("expand: %v", err)
	}
	if got != `{"price":2.5}` {
		t.Errorf("got %q", got)
	}
}

func TestExpandValueFileMissing(t *testing.T) {
	if _, err := ExpandValue("@/nonexistent/fields.json"); err == nil {
		t.Fatal("missing file should error")
	}
}
