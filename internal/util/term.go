package util

import (
	"os"
	"strings"

	"github.com/mattn/go-isatty"
)

// IsTerminal reports whether stdout is an interactive terminal.
func IsTerminal() bool {
	return isatty.IsTerminal(os.Stdout.Fd())
}

// ShouldUseColors honours NO_COLOR and FORCE_COLOR (https://no-color.org/)
// before the LunaRoute-specific override, falling back to a TTY check.
func ShouldUseColors() bool {
	if noColor := os.Getenv("NO_COLOR"); noColor != "" {
		return false
	}

	if forceColor := os.Getenv("FORCE_COLOR"); forceColor != "" {
		return forceColor != "0"
	}

	if lunaColors := os.Getenv("LUNAROUTE_FORCE_COLORS"); lunaColors != "" {
		return strings.ToLower(lunaColors) == "true"
	}

	return IsTerminal()
}
