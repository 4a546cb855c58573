package document

import "github.com/zeusync/zeuscollab/internal/core/protocol"

// Cursor is a user's caret position in code points.
type Cursor struct {
	Position    int   `json:"position"`
	LastUpdated int64 `json:"lastUpdated"`
}

// Range is a half-open selection [Start, End).
type Range struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

type Selection struct {
	Range       Range `json:"range"`
	LastUpdated int64 `json:"lastUpdated"`
}

func copyCursors(in map[protocol.UserID]Cursor) map[protocol.UserID]Cursor {
	out := make(map[protocol.UserID]Cursor, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func copySelections(in map[protocol.UserID]Selection) map[protocol.UserID]Selection {
	out := make(map[protocol.UserID]Selection, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
