package provision

import (
	"bufio"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"github.com/opsforge/secstack/internal/core/catalog"
)

// =============================================================================
// Secret Store
// =============================================================================

// secretBytes is the entropy per generated secret (hex-encoded on disk).
const secretBytes = 24

// hashSuffix marks the derived bcrypt digest entry for a hashed slot.
const hashSuffix = "_HASH"

// EnsureSecrets populates the single secret store at path. Each named slot
// gets a cryptographically random value only when the store has no existing
// entry; existing values are never regenerated, so repeated runs are
// byte-identical. Slots marked hashed additionally get a bcrypt digest
// stored under <NAME>_HASH.
//
// The full set is written atomically with 0600 permissions.
func EnsureSecrets(path string, slots []catalog.SecretSlot) (map[string]string, bool, error) {
	existing, err := readSecretStore(path)
	if err != nil {
		return nil, false, err
	}

	values := make(map[string]string, len(existing))
	for k, v := range existing {
		values[k] = v
	}

	changed := false
	for _, slot := range slots {
		key := storeKey(slot.Name)
		if _, ok := values[key]; !ok {
			secret, err := randomSecret()
			if err != nil {
				return nil, false, fmt.Errorf("generating secret %s: %w", slot.Name, err)
			}
			values[key] = secret
			changed = true
		}
		if slot.Hashed {
			if _, ok := values[key+hashSuffix]; !ok {
				digest, err := bcrypt.GenerateFromPassword([]byte(values[key]), bcrypt.DefaultCost)
				if err != nil {
					return nil, false, fmt.Errorf("hashing secret %s: %w", slot.Name, err)
				}
				values[key+hashSuffix] = string(digest)
				changed = true
			}
		}
	}

	if changed || !fileExists(path) {
		if err := writeSecretStore(path, values); err != nil {
			return nil, false, err
		}
	}

	reused := len(existing) > 0 && !changed
	return values, reused, nil
}

func randomSecret() (string, error) {
	buf := make([]byte, secretBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

// storeKey converts a slot name to its env-style store key.
func storeKey(name string) string {
	return strings.ToUpper(name)
}

// =============================================================================
// Store File Format
// =============================================================================

// The store is a flat KEY=VALUE file. Lines starting with # are comments.

func readSecretStore(path string) (map[string]string, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]string{}, nil
		}
		return nil, err
	}
	defer f.Close()

	values := map[string]string{}
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 64*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, found := strings.Cut(line, "=")
		if !found {
			continue
		}
		values[strings.TrimSpace(key)] = value
	}
	return values, scanner.Err()
}

// writeSecretStore writes the full set atomically: temp file in the same
// directory, restrictive permissions, then rename over the target.
func writeSecretStore(path string, values map[string]string) error {
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString("# secstack secret store. Generated values are never rotated here.\n")
	for _, k := range keys {
		fmt.Fprintf(&b, "%s=%s\n", k, values[k])
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".secrets-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return err
	}
	if _, err := tmp.WriteString(b.String()); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
