// Package traceid validates trace identifiers and maps them to per-trace files.
package traceid

import (
	"path/filepath"
	"regexp"

	"warden/internal/reason"
)

var validID = regexp.MustCompile(`^[A-Za-z0-9._-]+$`)

// Validate rejects ids that are empty, contain path separators or other
// characters outside [A-Za-z0-9._-], or are the dot entries.
func Validate(id string) error {
	if id == "" || id == "." || id == ".." || !validID.MatchString(id) {
		return reason.New(reason.TraceIDInvalid, "invalid trace id %q", id)
	}
	return nil
}

// Path returns <dir>/<id><suffix> after validating id.
func Path(dir, id, suffix string) (string, error) {
	if err := Validate(id); err != nil {
		return "", err
	}
	return filepath.Join(dir, id+suffix), nil
}
