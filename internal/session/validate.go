package session

import (
	"fmt"
	"regexp"
)

var profileRegexp = regexp.MustCompile(`^[a-z0-9_-]{1,64}$`)

// ValidateProfile checks that a profile name conforms to naming rules.
func ValidateProfile(name string) error {
	if !profileRegexp.MatchString(name) {
		return fmt.Errorf("invalid profile name %q: must match ^[a-z0-9_-]{1,64}$", name)
	}
	return nil
}
