package logger

import "github.com/pterm/pterm"

// Theme defines the pterm styling used by StyledLogger's convenience
// methods. The startup banner takes its colours from internal/theme, which
// does not use this type.
type Theme struct {
	Info  *pterm.Style
	Muted *pterm.Style

	Counts      *pterm.Style
	Endpoint    *pterm.Style
	HealthCheck *pterm.Style
	Numbers     *pterm.Style

	HealthHealthy   pterm.Color
	HealthBusy      pterm.Color
	HealthWarming   pterm.Color
	HealthOffline   pterm.Color
	HealthUnhealthy pterm.Color
	HealthUnknown   pterm.Color
}

func defaultTheme() *Theme {
	return &Theme{
		Info:  pterm.NewStyle(pterm.FgGreen),
		Muted: pterm.NewStyle(pterm.FgGray),

		Counts:      pterm.NewStyle(pterm.FgCyan),
		Endpoint:    pterm.NewStyle(pterm.FgMagenta, pterm.Bold),
		HealthCheck: pterm.NewStyle(pterm.FgLightBlue),
		Numbers:     pterm.NewStyle(pterm.FgYellow),

		HealthHealthy:   pterm.FgGreen,
		HealthBusy:      pterm.FgYellow,
		HealthWarming:   pterm.FgLightYellow,
		HealthOffline:   pterm.FgGray,
		HealthUnhealthy: pterm.FgRed,
		HealthUnknown:   pterm.FgGray,
	}
}

// GetTheme returns the application theme. LunaRoute ships only the default
// palette; the name parameter is kept so config files that still set
// logging.theme don't need editing.
func GetTheme(name string) *Theme {
	return defaultTheme()
}
