package broker

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestDirResolver(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "upstream-secret"), []byte("s3cret\n"), 0o600); err != nil {
		t.Fatalf("write secret: %v", err)
	}

	r := DirResolver{Dir: dir}
	got, err := r.GetSecret("upstream-secret")
	if err != nil {
		t.Fatalf("GetSecret: %v", err)
	}
	if got != "s3cret" {
		t.Fatalf("secret not trimmed: %q", got)
	}

	if _, err := r.GetSecret("missing"); !errors.Is(err, ErrSecretNotFound) {
		t.Fatalf("expected ErrSecretNotFound, got %v", err)
	}
	if _, err := r.GetSecret("../escape"); err == nil {
		t.Fatalf("path traversal accepted")
	}
}

func TestStaticResolver(t *testing.T) {
	r := StaticResolver{"a": "1"}
	if got, err := r.GetSecret("a"); err != nil || got != "1" {
		t.Fatalf("GetSecret: %v %q", err, got)
	}
	if _, err := r.GetSecret("b"); !errors.Is(err, ErrSecretNotFound) {
		t.Fatalf("expected ErrSecretNotFound, got %v", err)
	}
}
