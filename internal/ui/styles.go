// Package ui renders CLI output with lipgloss styles.
//
// Color is dropped automatically when stdout is not a terminal or NO_COLOR
// is set, so piped output stays plain.
package ui

import (
	"fmt"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"
	"golang.org/x/term"

	"github.com/koinelab/trilha/internal/progress/schema"
)

const (
	IconPass  = "✓"
	IconWarn  = "⚠"
	IconFail  = "✗"
	IconSync  = "⟳"
	IconCloud = "☁"
	IconStar  = "★"
)

var (
	ColorAccent = lipgloss.AdaptiveColor{Light: "#0D5C63", Dark: "#44A1A0"}
	ColorPass   = lipgloss.AdaptiveColor{Light: "#2E7D32", Dark: "#81C784"}
	ColorWarn   = lipgloss.AdaptiveColor{Light: "#B26A00", Dark: "#FFB74D"}
	ColorFail   = lipgloss.AdaptiveColor{Light: "#C62828", Dark: "#E57373"}
	ColorMuted  = lipgloss.AdaptiveColor{Light: "#6B6B6B", Dark: "#9E9E9E"}
)

var (
	AccentStyle = lipgloss.NewStyle().Foreground(ColorAccent)
	PassStyle   = lipgloss.NewStyle().Foreground(ColorPass)
	WarnStyle   = lipgloss.NewStyle().Foreground(ColorWarn)
	FailStyle   = lipgloss.NewStyle().Foreground(ColorFail).Bold(true)
	MutedStyle  = lipgloss.NewStyle().Foreground(ColorMuted)
	BoldStyle   = lipgloss.NewStyle().Bold(true)
	KeyStyle    = lipgloss.NewStyle().Foreground(ColorAccent).Bold(true)
	PanelStyle  = lipgloss.NewStyle().BorderStyle(lipgloss.RoundedBorder()).BorderForeground(ColorMuted).Padding(0, 1)
)

func init() {
	if !ShouldUseColor() {
		DisableColor()
	}
}

// ShouldUseColor reports whether stdout should get ANSI colors.
func ShouldUseColor() bool {
	if _, ok := os.LookupEnv("NO_COLOR"); ok {
		return false
	}
	if os.Getenv("CLICOLOR_FORCE") != "" {
		return true
	}
	return termenv.NewOutput(os.Stdout).Profile != termenv.Ascii
}

// DisableColor switches every style to plain text.
func DisableColor() {
	lipgloss.SetColorProfile(termenv.Ascii)
}

// IsInteractive reports whether stdin and stdout are both terminals, so a
// prompt can be shown.
func IsInteractive() bool {
	return term.IsTerminal(int(os.Stdin.Fd())) && term.IsTerminal(int(os.Stdout.Fd()))
}

func RenderAccent(s string) string { return AccentStyle.Render(s) }
func RenderPass(s string) string   { return PassStyle.Render(s) }
func RenderWarn(s string) string   { return WarnStyle.Render(s) }
func RenderFail(s string) string   { return FailStyle.Render(s) }
func RenderMuted(s string) string  { return MutedStyle.Render(s) }
func RenderBold(s string) string   { return BoldStyle.Render(s) }

// LabelValue renders "label: value".
func LabelValue(label string, value any) string {
	return fmt.Sprintf("%s %v", KeyStyle.Render(label+":"), value)
}

// RenderState colors a record's sync state.
func RenderState(state schema.SyncState) string {
	switch state {
	case schema.StateSynced:
		return RenderPass(string(state))
	case schema.StateQueued:
		return RenderAccent(string(state))
	case schema.StateMergeConflict:
		return RenderWarn(string(state))
	default:
		return RenderMuted(string(state))
	}
}

// ProgressBar renders pct (0-100) as a bar of width cells.
func ProgressBar(pct, width int) string {
	if width <= 0 {
		return ""
	}
	if pct < 0 {
		pct = 0
	}
	if pct > 100 {
		pct = 100
	}
	filled := pct * width / 100
	return PassStyle.Render(strings.Repeat("█", filled)) +
		MutedStyle.Render(strings.Repeat("░", width-filled)) +
		fmt.Sprintf(" %3d%%", pct)
}
