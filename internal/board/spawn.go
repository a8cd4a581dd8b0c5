package board

// Viewport describes the client's current visible region of the board, used
// to place new notes near what the user is looking at.
type Viewport struct {
	ScrollX float64
	ScrollY float64
	Width   float64
	Height  float64
}

const (
	fallbackSpawnBaseX = 160.0
	fallbackSpawnBaseY = 120.0
)

// spawnOffsets is the cycling pattern applied to repeated creations so rapid
// new notes do not stack exactly on top of each other.
var spawnOffsets = [][2]float64{
	{0, 0},
	{32, 32},
	{64, 64},
	{96, 32},
	{32, 96},
	{128, 0},
	{0, 128},
	{96, 96},
}

// SpawnPosition computes the top-left coordinates for the nth created note.
// With a viewport, notes spawn around the viewport center; without one, a
// deterministic fallback grid is used so placement stays stable in tests and
// headless callers.
func SpawnPosition(viewport *Viewport, sequence int) (float64, float64) {
	if sequence < 0 {
		sequence = 0
	}
	offset := spawnOffsets[sequence%len(spawnOffsets)]
	if viewport != nil && viewport.Width > 0 && viewport.Height > 0 {
		centerX := viewport.ScrollX + viewport.Width/2 - DefaultNoteWidth/2
		centerY := viewport.ScrollY + viewport.Height/2 - DefaultNoteHeight/2
		return centerX + offset[0], centerY + offset[1]
	}
	return fallbackSpawnBaseX + offset[0], fallbackSpawnBaseY + offset[1]
}
