package main

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/charmbracelet/lipgloss"
)

// Palette
var (
	LightForeground = lipgloss.Color("#101F38")
	LightPrimary    = lipgloss.Color("#101F38")
	LightMuted      = lipgloss.Color("#6a7385")
	LightBorder     = lipgloss.Color("#dce0e5")

	DarkForeground = lipgloss.Color("#f2f2f2")
	DarkPrimary    = lipgloss.Color("#8BC34A")
	DarkMuted      = lipgloss.Color("#8a96aa")
	DarkBorder     = lipgloss.Color("#2a3850")

	Destructive = lipgloss.Color("#e53935")
	Success     = lipgloss.Color("#8BC34A")
	Warning     = lipgloss.Color("#FFC107")
	Info        = lipgloss.Color("#2196F3")
)

// Theme holds the current color scheme
type Theme struct {
	Foreground lipgloss.Color
	Primary    lipgloss.Color
	Muted      lipgloss.Color
	Border     lipgloss.Color
	IsDark     bool
}

func LightTheme() Theme {
	return Theme{Foreground: LightForeground, Primary: LightPrimary, Muted: LightMuted, Border: LightBorder}
}

func DarkTheme() Theme {
	return Theme{Foreground: DarkForeground, Primary: DarkPrimary, Muted: DarkMuted, Border: DarkBorder, IsDark: true}
}

// DetectTheme picks dark mode from COLORFGBG or WARDEN_DARK_MODE=1, light
// otherwise.
func DetectTheme() Theme {
	if parts := strings.Split(os.Getenv("COLORFGBG"), ";"); len(parts) == 2 {
		// 0-6 and 8 (dark grey) are dark backgrounds
		if bg, err := strconv.Atoi(parts[1]); err == nil && ((bg >= 0 && bg <= 6) || bg == 8) {
			return DarkTheme()
		}
	}
	if os.Getenv("WARDEN_DARK_MODE") == "1" {
		return DarkTheme()
	}
	return LightTheme()
}

// Styles holds the styles the CLI renders with.
type Styles struct {
	Theme Theme

	Title lipgloss.Style
	Key   lipgloss.Style
	Muted lipgloss.Style

	Allowed lipgloss.Style
	Refused lipgloss.Style
	Pending lipgloss.Style
	Info    lipgloss.Style

	Divider lipgloss.Style
}

func NewStyles(theme Theme) Styles {
	return Styles{
		Theme: theme,

		Title: lipgloss.NewStyle().
			Foreground(theme.Primary).
			Bold(true),

		Key: lipgloss.NewStyle().
			Foreground(theme.Muted).
			Width(14),

		Muted: lipgloss.NewStyle().
			Foreground(theme.Muted),

		Allowed: lipgloss.NewStyle().
			Foreground(Success).
			Bold(true),

		Refused: lipgloss.NewStyle().
			Foreground(Destructive).
			Bold(true),

		Pending: lipgloss.NewStyle().
			Foreground(Warning).
			Bold(true),

		Info: lipgloss.NewStyle().
			Foreground(Info),

		Divider: lipgloss.NewStyle().
			Foreground(theme.Border),
	}
}

// Badge renders a verdict word: green when ok, red otherwise.
func (s Styles) Badge(ok bool, word string) string {
	if ok {
		return s.Allowed.Render(word)
	}
	return s.Refused.Render(word)
}

// RenderDivider returns a horizontal divider
func (s Styles) RenderDivider(width int) string {
	return s.Divider.Render(strings.Repeat("─", width))
}

// printer writes styled key/value output to a command's stdout.
type printer struct {
	w io.Writer
	s Styles
}

func (p printer) title(format string, args ...interface{}) {
	fmt.Fprintln(p.w, p.s.Title.Render(fmt.Sprintf(format, args...)))
}

func (p printer) kv(key string, value interface{}) {
	fmt.Fprintf(p.w, "%s %v\n", p.s.Key.Render(key), value)
}

func (p printer) line(format string, args ...interface{}) {
	fmt.Fprintf(p.w, format+"\n", args...)
}

func (p printer) divider() {
	fmt.Fprintln(p.w, p.s.RenderDivider(48))
}
