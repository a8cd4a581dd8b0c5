package board

// Rect is an axis-aligned rectangle in board coordinates.
type Rect struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// Contains reports whether the point (x, y) lies inside the rectangle.
func (r Rect) Contains(x, y float64) bool {
	return x >= r.X && x <= r.X+r.Width && y >= r.Y && y <= r.Y+r.Height
}

// Center returns the rectangle's center point.
func (r Rect) Center() (float64, float64) {
	return r.X + r.Width/2, r.Y + r.Height/2
}

// ResolveContainment derives section membership for an entity rectangle: the
// id of the section whose rectangle contains the entity's center, or nil when
// no section does. When overlapping sections both contain the center, the one
// with the highest stacking order wins.
func ResolveContainment(entityRect Rect, sections []Section) *string {
	centerX, centerY := entityRect.Center()
	var winner *Section
	for i := range sections {
		section := &sections[i]
		if !section.Rect().Contains(centerX, centerY) {
			continue
		}
		if winner == nil || section.ZIndex > winner.ZIndex {
			winner = section
		}
	}
	if winner == nil {
		return nil
	}
	sectionID := winner.ID
	return &sectionID
}
