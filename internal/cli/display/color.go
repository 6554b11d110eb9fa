// Package display renders server output for the terminal.
package display

import (
	"strings"

	"github.com/muesli/termenv"
)

// Colorizer styles chat lines according to the terminal's color profile.
type Colorizer struct {
	profile termenv.Profile
}

// NewColorizer detects the terminal color profile.
func NewColorizer() *Colorizer {
	return &Colorizer{profile: termenv.ColorProfile()}
}

// Info styles connection status lines.
func (c *Colorizer) Info(text string) string {
	return termenv.String(text).Foreground(c.profile.Color("14")).String()
}

// Error styles failure lines.
func (c *Colorizer) Error(text string) string {
	return termenv.String(text).Foreground(c.profile.Color("9")).String()
}

// System styles quiet status output.
func (c *Colorizer) System(text string) string {
	return termenv.String(text).Faint().String()
}

// Line styles one server line: timestamps are dimmed, private messages
// highlighted, everything else passes through.
func (c *Colorizer) Line(s string) string {
	if strings.HasPrefix(s, "(private from ") {
		return termenv.String(s).Foreground(c.profile.Color("13")).String()
	}
	if strings.HasPrefix(s, "[") {
		if end := strings.Index(s, "] "); end > 0 {
			stamp := termenv.String(s[:end+1]).Faint().String()
			return stamp + s[end+1:]
		}
	}
	return s
}
