package board

import "fmt"

// NotePalette is the fixed background palette cycled through as notes are
// created.
var NotePalette = []string{
	"#fff9b1",
	"#f5d128",
	"#d5f692",
	"#93d275",
	"#67c6c0",
	"#6cd8fa",
	"#a6ccf5",
	"#be9cf5",
	"#f5a6c8",
	"#ff9d48",
}

// PaletteColor returns the palette entry for the nth created note.
func PaletteColor(sequence int) string {
	if sequence < 0 {
		sequence = 0
	}
	return NotePalette[sequence%len(NotePalette)]
}

// ActorColor derives a stable display color from an identity string via
// polynomial hashing into the 24-bit color space. Not cryptographic;
// collisions between identities are acceptable.
func ActorColor(identity string) string {
	var hash uint32
	for _, ch := range identity {
		hash = hash*31 + uint32(ch)
	}
	return fmt.Sprintf("#%06x", hash&0xffffff)
}
