package models

// Color is one of the sixteen named terminal colors. The zero value means unset.
type Color uint8

const (
	ColorUnset Color = iota
	ColorBlack
	ColorRed
	ColorGreen
	ColorYellow
	ColorBlue
	ColorMagenta
	ColorCyan
	ColorWhite
	ColorBrightBlack
	ColorBrightRed
	ColorBrightGreen
	ColorBrightYellow
	ColorBrightBlue
	ColorBrightMagenta
	ColorBrightCyan
	ColorBrightWhite
)

var colorNames = [...]string{
	"unset",
	"black", "red", "green", "yellow", "blue", "magenta", "cyan", "white",
	"bright_black", "bright_red", "bright_green", "bright_yellow",
	"bright_blue", "bright_magenta", "bright_cyan", "bright_white",
}

func (c Color) String() string {
	if int(c) < len(colorNames) {
		return colorNames[c]
	}
	return "unknown"
}

// Style is the rendition state shared by one run of text.
type Style struct {
	Foreground Color `json:"foreground,omitempty"`
	Background Color `json:"background,omitempty"`
	Bold       bool  `json:"bold,omitempty"`
	Italic     bool  `json:"italic,omitempty"`
	Underline  bool  `json:"underline,omitempty"`
}

// StyledSegment is a contiguous run of text with one style.
type StyledSegment struct {
	Text string `json:"text"`
	Style
}

// TerminalLine is one decoded output fragment. It is never mutated after creation.
type TerminalLine struct {
	ID        uint64          `json:"id"`
	Raw       string          `json:"raw"`
	Timestamp int64           `json:"timestamp"`
	Segments  []StyledSegment `json:"segments"`
}

// PlainText concatenates the segment texts without styling.
func (l TerminalLine) PlainText() string {
	n := 0
	for _, seg := range l.Segments {
		n += len(seg.Text)
	}
	out := make([]byte, 0, n)
	for _, seg := range l.Segments {
		out = append(out, seg.Text...)
	}
	return string(out)
}
