package cli

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/glamour"
)

// Renderer turns final assistant markdown into styled terminal output and
// formats tool and status lines. Falls back to plain text when styling
// cannot initialize (dumb terminals, pipes).
type Renderer struct {
	glamour *glamour.TermRenderer
}

func NewRenderer(width int) *Renderer {
	if width <= 0 {
		width = 80
	}
	r, _ := glamour.NewTermRenderer(
		glamour.WithAutoStyle(),
		glamour.WithWordWrap(width-4),
	)
	return &Renderer{glamour: r}
}

// Markdown renders assistant output.
func (r *Renderer) Markdown(md string) string {
	if r.glamour == nil {
		return md
	}
	out, err := r.glamour.Render(md)
	if err != nil {
		return md
	}
	return strings.TrimSpace(out)
}

// ToolCall formats the running-tool status line.
func (r *Renderer) ToolCall(name string) string {
	return fmt.Sprintf("  \x1b[36m⚙ %s\x1b[0m", name)
}

// System formats a dim status line (retries, trimming, rate limits).
func (r *Renderer) System(text string) string {
	return fmt.Sprintf("  \x1b[90m%s\x1b[0m", text)
}

// Error formats a terminal failure.
func (r *Renderer) Error(text string) string {
	return fmt.Sprintf("\x1b[31m✗ %s\x1b[0m", text)
}
