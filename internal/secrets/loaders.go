package secrets

import (
	"fmt"
	"maps"
	"os"
	"strings"
)

// Static returns a Loader over fixed values. Empty values are omitted.
func Static(values map[string]string) Loader {
	return func() (map[string]string, error) {
		out := make(map[string]string, len(values))
		for k, v := range values {
			if v != "" {
				out[k] = v
			}
		}
		return out, nil
	}
}

// FileLoader reads each secret from the file at paths[name], trimming
// surrounding whitespace. Names with an empty path are skipped; a file that
// cannot be read fails the load.
func FileLoader(paths map[string]string) Loader {
	return func() (map[string]string, error) {
		out := make(map[string]string, len(paths))
		for name, path := range paths {
			if path == "" {
				continue
			}
			data, err := os.ReadFile(path) //nolint:gosec // G304: operator-configured path
			if err != nil {
				return nil, fmt.Errorf("secret %s: %w", name, err)
			}
			if v := strings.TrimSpace(string(data)); v != "" {
				out[name] = v
			}
		}
		return out, nil
	}
}

// Chain merges loaders in order; later loaders override earlier ones.
func Chain(loaders ...Loader) Loader {
	return func() (map[string]string, error) {
		out := make(map[string]string)
		for _, l := range loaders {
			vals, err := l()
			if err != nil {
				return nil, err
			}
			maps.Copy(out, vals)
		}
		return out, nil
	}
}
