package executor

import (
	"strings"

	"draftline/internal/config"
	"draftline/internal/fault"
)

// ResolveStage maps a human-entered label to a catalog stage. Precedence:
// exact alias match first, then case-insensitive canonical name match; the
// first catalog entry that matches wins. No match is a USER_INPUT rejection,
// never a silent no-op.
func ResolveStage(catalog []config.Stage, label string) (config.Stage, error) {
	for _, s := range catalog {
		for _, alias := range s.Aliases {
			if alias == label {
				return s, nil
			}
		}
	}
	for _, s := range catalog {
		if strings.EqualFold(s.Name, label) {
			return s, nil
		}
	}
	return config.Stage{}, fault.Newf(fault.UserInput, "unknown_stage", "stage %q does not match any pipeline stage", label)
}

// StageByKey returns the catalog entry for a canonical stage key.
func StageByKey(catalog []config.Stage, key string) (config.Stage, bool) {
	for _, s := range catalog {
		if s.Key == key {
			return s, true
		}
	}
	return config.Stage{}, false
}
