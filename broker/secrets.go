package broker

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// SecretResolver supplies upstream client secrets by reference. The broker
// core treats secret storage as an external collaborator; this interface is
// the whole boundary.
type SecretResolver interface {
	GetSecret(name string) (string, error)
}

// DirResolver resolves secrets from files under a directory, one secret per
// file named after the reference. Trailing whitespace is trimmed so secrets
// written with a newline resolve cleanly.
type DirResolver struct {
	Dir string
}

// GetSecret reads the named secret file.
func (r DirResolver) GetSecret(name string) (string, error) {
	if name == "" || strings.ContainsAny(name, "/\\") {
		return "", fmt.Errorf("%w: invalid secret name %q", ErrSecretNotFound, name)
	}
	b, err := os.ReadFile(filepath.Join(r.Dir, name))
	if err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("%w: %s", ErrSecretNotFound, name)
		}
		return "", fmt.Errorf("read secret %s: %w", name, err)
	}
	return strings.TrimSpace(string(b)), nil
}

// StaticResolver resolves from an in-memory map. Used in tests and for
// configurations that inline secrets.
type StaticResolver map[string]string

// GetSecret looks the name up in the map.
func (r StaticResolver) GetSecret(name string) (string, error) {
	if v, ok := r[name]; ok {
		return v, nil
	}
	return "", fmt.Errorf("%w: %s", ErrSecretNotFound, name)
}
