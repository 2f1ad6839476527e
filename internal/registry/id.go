package registry

import (
	"fmt"
	"regexp"

	"golang.org/x/text/unicode/norm"
)

var instanceIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.-]{0,63}$`)

// NormalizeID returns the NFC form of id, or ErrInvalidInstanceID when it
// is not a safe directory name.
func NormalizeID(id string) (string, error) {
	id = norm.NFC.String(id)
	if !instanceIDPattern.MatchString(id) {
		return "", fmt.Errorf("%w: %q", ErrInvalidInstanceID, id)
	}
	return id, nil
}
