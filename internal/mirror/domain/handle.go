package domain

import (
	"fmt"
	"strings"

	"golang.org/x/net/idna"
)

// NormalizeHandle returns a handle in its lookup form:
// - Trimmed of surrounding whitespace
// - Leading "@" removed
// - Lowercased
// - No trailing dot
func NormalizeHandle(handle string) string {
	h := strings.TrimSpace(handle)
	h = strings.TrimPrefix(h, "@")
	h = strings.ToLower(h)
	for strings.HasSuffix(h, ".") {
		h = strings.TrimSuffix(h, ".")
	}
	return h
}

// ValidateHandle checks that an already-normalized handle is usable as a key.
// Handles follow hostname syntax, so the IDNA lookup profile is applied.
func ValidateHandle(handle string) error {
	if handle == "" {
		return fmt.Errorf("%w: empty", ErrInvalidHandle)
	}
	if strings.ContainsAny(handle, "\x00#") {
		return fmt.Errorf("%w: %q contains a reserved character", ErrInvalidHandle, handle)
	}
	if _, err := idna.Lookup.ToASCII(handle); err != nil {
		return fmt.Errorf("%w: %q: %v", ErrInvalidHandle, handle, err)
	}
	return nil
}

// ValidateListURI rejects list identifiers that cannot be used as key prefixes.
func ValidateListURI(listURI string) error {
	if strings.TrimSpace(listURI) == "" {
		return fmt.Errorf("%w: empty", ErrInvalidList)
	}
	if strings.ContainsRune(listURI, 0) {
		return fmt.Errorf("%w: %q contains NUL", ErrInvalidList, listURI)
	}
	return nil
}

// RecordID derives the primary key of a membership record.
func RecordID(listURI, handle string) string {
	return listURI + "#" + NormalizeHandle(handle)
}
