// Package theme provides the small set of pterm colour helpers used for the
// startup banner, kept separate from internal/logger's StyledLogger theme
// since the splash only runs once at boot, before the logger is constructed.
package theme

import (
	"github.com/pterm/pterm"
)

// ColourSplash colours the splash screen ASCII art.
func ColourSplash(message ...any) string {
	return pterm.LightMagenta(message...)
}

// ColourVersion colours version numbers on the splash screen.
func ColourVersion(message ...any) string {
	return pterm.LightYellow(message...)
}

// StyleUrl colours URLs and hyperlinks.
func StyleUrl(message ...any) string {
	return pterm.LightBlue(message...)
}

const ansiReset = "[0m"

// Hyperlink creates a clickable terminal hyperlink.
func Hyperlink(uri string, text string) string {
	return "\x1b]8;;" + uri + "\x07" + text + "\x1b]8;;\x07" + ansiReset
}
