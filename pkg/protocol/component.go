package protocol

// GridPosition places a component on the collaborative canvas in whole
// grid units. A valid position satisfies 0 <= X, 0 <= Y,
// X+W <= columns and Y+H <= rows, with W and H at least 1.
type GridPosition struct {
	X int `json:"x"`
	Y int `json:"y"`
	W int `json:"w"`
	H int `json:"h"`
}

// ComponentConfig is one positioned element on the canvas. Config is an
// opaque bag owned by the component renderer; the transport never
// inspects it.
type ComponentConfig struct {
	ID       string                 `json:"id"`
	Type     string                 `json:"type"`
	Position GridPosition           `json:"position"`
	Config   map[string]interface{} `json:"config,omitempty"`
}

// Clamp forces the position inside a cols x rows grid, preserving as
// much of the requested extent as fits. Extent never drops below one
// grid unit in either dimension. Positions are clamped at the point of
// mutation; remote updates are applied as received.
func (p GridPosition) Clamp(cols, rows int) GridPosition {
	out := p
	if out.W < 1 {
		out.W = 1
	}
	if out.H < 1 {
		out.H = 1
	}
	if out.W > cols {
		out.W = cols
	}
	if out.H > rows {
		out.H = rows
	}
	if out.X < 0 {
		out.X = 0
	}
	if out.Y < 0 {
		out.Y = 0
	}
	if out.X+out.W > cols {
		out.X = cols - out.W
	}
	if out.Y+out.H > rows {
		out.Y = rows - out.H
	}
	return out
}

// Valid reports whether the position lies fully inside a cols x rows grid.
func (p GridPosition) Valid(cols, rows int) bool {
	return p.X >= 0 && p.Y >= 0 && p.W >= 1 && p.H >= 1 &&
		p.X+p.W <= cols && p.Y+p.H <= rows
}
