package version

import (
	"fmt"
	"log"
	"strings"

	"github.com/lunaroute/lunaroute/internal/theme"
)

var (
	Name        = "lunaroute"
	Authors     = "LunaRoute Contributors"
	Description = "Dialect-translating reverse proxy for OpenAI and Anthropic-compatible clients"
	Version     = "v0.0.1"
	Commit      = "none"
	Date        = "nowish"
	User        = "local"
)

const (
	GithubHomeText  = "github.com/lunaroute/lunaroute"
	GithubHomeUri   = "https://github.com/lunaroute/lunaroute"
	GithubLatestUri = "https://github.com/lunaroute/lunaroute/releases/latest"
)

func PrintVersionInfo(extendedInfo bool, vlog *log.Logger) {
	githubUri := theme.Hyperlink(GithubHomeUri, GithubHomeText)
	latestUri := theme.Hyperlink(GithubLatestUri, Version)
	padLatest := fmt.Sprintf("%*s", 1-len(Version), "")
	padBuffer := fmt.Sprintf("%*s", 2, "")

	var b strings.Builder

	b.WriteString(theme.ColourSplash(`
╔────────────────────────────────────────────────────────╗
│   _                   ____              _               │
│  | |   _   _ _ __   __|  _ \ ___  _   _| |_ ___         │
│  | |  | | | | '_ \ / _\ |_) / _ \| | | | __/ _ \        │
│  | |__| |_| | | | | (_|  _ < (_) | |_| | ||  __/        │
│  |_____\__,_|_| |_|\__,_| \_\___/ \__,_|\__\___|        │` + "\n"))

	b.WriteString(theme.ColourSplash("│ "))
	b.WriteString(theme.StyleUrl(githubUri))
	b.WriteString(padLatest)
	b.WriteString(theme.ColourVersion(latestUri))
	b.WriteString(padBuffer)
	b.WriteString(theme.ColourSplash("     │\n"))
	b.WriteString(theme.ColourSplash("╚────────────────────────────────────────────────────────╝"))

	if extendedInfo {
		b.WriteString("\n")
		b.WriteString(fmt.Sprintf(" Commit: %s\n", Commit))
		b.WriteString(fmt.Sprintf("  Built: %s\n", Date))
		b.WriteString(fmt.Sprintf("  Using: %s\n", User))
	}

	vlog.Println(b.String())
}
