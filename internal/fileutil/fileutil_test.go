package fileutil

import (
	"os"
	"path/filepath"
	"testing"
)

type testDoc struct {
	Name  string `json:"name"`
	Value int    `json:"value"`
}

func TestWriteJSONAtomicAndReadJSON(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "doc.json")

	want := testDoc{Name: "session", Value: 42}
	if err := WriteJSONAtomic(path, want, 0644); err != nil {
		t.Fatalf("WriteJSONAtomic failed: %v", err)
	}

	// No temp file left behind
	if _, err := os.Stat(path + ".tmp"); !os.IsNotExist(err) {
		t.Error("temp file was not cleaned up")
	}

	var got testDoc
	if err := ReadJSON(path, &got); err != nil {
		t.Fatalf("ReadJSON failed: %v", err)
	}
	if got != want {
		t.Errorf("round-trip mismatch: got %+v, want %+v", got, want)
	}
}

func TestWriteJSONAtomicReplaces(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "doc.json")

	if err := WriteJSONAtomic(path, testDoc{Name: "first"}, 0644); err != nil {
		t.Fatalf("first write failed: %v", err)
	}
	if err := WriteJSONAtomic(path, testDoc{Name: "second"}, 0644); err != nil {
		t.Fatalf("second write failed: %v", err)
	}

	var got testDoc
	if err := ReadJSON(path, &got); err != nil {
		t.Fatalf("ReadJSON failed: %v", err)
	}
	if got.Name != "second" {
		t.Errorf("Name = %q, want %q", got.Name, "second")
	}
}

func TestReadJSONMissingFile(t *testing.T) {
	var got testDoc
	err := ReadJSON(filepath.Join(t.TempDir(), "missing.json"), &got)
	if !os.IsNotExist(err) {
		t.Errorf("expected IsNotExist error, got %v", err)
	}
}

func TestReadJSONInvalid(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.json")
	if err := os.WriteFile(path, []byte("{not json"), 0644); err != nil {
		t.Fatal(err)
	}

	var got testDoc
	if err := ReadJSON(path, &got); err == nil {
		t.Error("expected parse error for invalid JSON")
	}
}
