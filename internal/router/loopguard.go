package router

import "strings"

// DefaultMarker prefixes every reply the bridge sends.
const DefaultMarker = "🤖 "

// LoopGuard recognises the bridge's own replies when the transport
// echoes them back through the self-created path.
//
// The marker can be typed by the owner too. A message that starts with
// it is never forwarded.
type LoopGuard struct {
	marker string
	// bare is the marker without surrounding whitespace, so an echo
	// still matches if the transport trims the separator.
	bare string
}

// NewLoopGuard returns a guard for marker, or DefaultMarker if empty.
func NewLoopGuard(marker string) LoopGuard {
	if strings.TrimSpace(marker) == "" {
		marker = DefaultMarker
	}
	return LoopGuard{marker: marker, bare: strings.TrimSpace(marker)}
}

// IsEcho reports whether body carries the reply marker.
func (g LoopGuard) IsEcho(body string) bool {
	return strings.HasPrefix(strings.TrimLeft(body, " \t\r\n"), g.bare)
}

// Mark prepends the reply marker to text.
func (g LoopGuard) Mark(text string) string {
	return g.marker + text
}
