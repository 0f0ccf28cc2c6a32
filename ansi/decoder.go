// Package ansi turns terminal output carrying SGR escape sequences into styled segments.
package ansi

import (
	"strings"

	"github.com/charmbracelet/x/ansi"

	"termlink/models"
)

// Decode splits text into styled segments.
//
// Style accumulates across the SGR sequences of one call and starts from the
// default style on every call. Unknown codes and absent parameters are
// ignored. Other escape and control sequences stay in the segment text. Text
// without any SGR sequence comes back as one unstyled segment; segments never
// carry empty text, so input made only of SGR sequences yields an empty list.
func Decode(text string) []models.StyledSegment {
	if text == "" {
		return nil
	}

	var (
		segments []models.StyledSegment
		style    models.Style
		pending  strings.Builder
		state    byte
	)
	flush := func() {
		if pending.Len() > 0 {
			segments = append(segments, models.StyledSegment{Text: pending.String(), Style: style})
			pending.Reset()
		}
	}

	parser := ansi.NewParser()
	remaining := text
	for len(remaining) > 0 {
		sequence, width, n, newState := ansi.DecodeSequence(remaining, state, parser)
		state = newState
		remaining = remaining[n:]

		if width == 0 && isSGR(sequence, parser) {
			flush()
			applyParams(&style, parser.Params())
			continue
		}
		pending.WriteString(sequence)
	}
	flush()

	return segments
}

// isSGR reports whether sequence is a plain "CSI <params> m" the parser has
// just consumed. Private-prefixed and intermediate forms do not count.
func isSGR(sequence string, parser *ansi.Parser) bool {
	if !ansi.HasCsiPrefix(sequence) {
		return false
	}
	cmd := ansi.Cmd(parser.Command())
	return cmd.Final() == 'm' && cmd.Prefix() == 0 && cmd.Intermediate() == 0
}

func applyParams(style *models.Style, params ansi.Params) {
	subParam := false
	for _, param := range params {
		code := param.Param(-1)
		// Colon-separated sub-parameters belong to the code before them.
		if !subParam && code >= 0 {
			applyCode(style, code)
		}
		subParam = param.HasMore()
	}
}

func applyCode(style *models.Style, code int) {
	switch {
	case code == 0:
		*style = models.Style{}
	case code == 1:
		style.Bold = true
	case code == 22:
		style.Bold = false
	case code == 3:
		style.Italic = true
	case code == 23:
		style.Italic = false
	case code == 4:
		style.Underline = true
	case code == 24:
		style.Underline = false
	case code >= 30 && code <= 37:
		style.Foreground = models.ColorBlack + models.Color(code-30)
	case code >= 90 && code <= 97:
		style.Foreground = models.ColorBrightBlack + models.Color(code-90)
	case code == 39:
		style.Foreground = models.ColorUnset
	case code >= 40 && code <= 47:
		style.Background = models.ColorBlack + models.Color(code-40)
	case code == 49:
		style.Background = models.ColorUnset
	}
}
