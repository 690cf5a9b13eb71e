// Package input provides helpers for reading flag values from stdin and
// files (@file syntax).
package input

import (
	"fmt"
	"io"
	"os"
	"strings"
)

// ExpandValue resolves a flag value that may be literal text, "-" for
// stdin, or "@path" for file contents.
func ExpandValue(v string) (string, error) {
	if v == "-" {
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			return "", fmt.Errorf("read stdin: %w", err)
		}
		return strings.TrimSpace(string(data)), nil
	}
	if path, ok := strings.CutPrefix(v, "@"); ok {
		data, err := os.ReadFile(path)
		if err != nil {
			return "", fmt.Errorf("read %s: %w", path, err)
		}
		return strings.TrimSpace(string(data)), nil
	}
	return v, nil
}
