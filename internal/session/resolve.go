package session

import (
	"fmt"
	"regexp"

	"github.com/campusline/chatsync/internal/config"
)

const DefaultProfileName = "main"

var nameRegexp = regexp.MustCompile(`^[a-z0-9_-]{1,64}$`)

// ValidateName checks that name is usable as a profile directory.
func ValidateName(name string) error {
	if !nameRegexp.MatchString(name) {
		return fmt.Errorf("invalid profile name %q: must match ^[a-z0-9_-]{1,64}$", name)
	}
	return nil
}

// Resolve determines the active profile name using precedence:
// 1. flagOverride (--profile flag)
// 2. config.toml default_profile
// 3. "main"
// The result is validated.
func Resolve(flagOverride string) (string, error) {
	name := DefaultProfileName
	if flagOverride != "" {
		name = flagOverride
	} else if cfg, err := config.Load(ConfigPath()); err == nil && cfg.DefaultProfile != "" {
		name = cfg.DefaultProfile
	}
	if err := ValidateName(name); err != nil {
		return "", err
	}
	return name, nil
}
