// Package ot is a position-based operational transform engine for flat text.
// Positions and lengths count Unicode code points.
package ot

import (
	"unicode/utf8"

	"github.com/zeusync/zeuscollab/internal/core/protocol"
)

type Kind string

const (
	Insert  Kind = "insert"
	Delete  Kind = "delete"
	Replace Kind = "replace"
)

func (k Kind) Valid() bool {
	switch k {
	case Insert, Delete, Replace:
		return true
	}
	return false
}

// spans reports whether the kind removes a range of Length code points.
func (k Kind) spans() bool {
	return k == Delete || k == Replace
}

// Operation is one edit. BaseVersion is the document version the author saw.
// ID, Version and AppliedAt are filled in on commit; Version is the document
// version the operation was applied on top of.
type Operation struct {
	ID          string          `json:"id,omitempty"`
	Kind        Kind            `json:"type"`
	Position    int             `json:"position"`
	Length      int             `json:"length,omitempty"`
	Text        string          `json:"text,omitempty"`
	BaseVersion uint64          `json:"baseVersion"`
	UserID      protocol.UserID `json:"userId,omitempty"`
	Version     uint64          `json:"version,omitempty"`
	AppliedAt   int64           `json:"appliedAt,omitempty"`
}

func NewInsert(pos int, text string, base uint64) Operation {
	return Operation{Kind: Insert, Position: pos, Text: text, BaseVersion: base}
}

func NewDelete(pos, length int, base uint64) Operation {
	return Operation{Kind: Delete, Position: pos, Length: length, BaseVersion: base}
}

func NewReplace(pos, length int, text string, base uint64) Operation {
	return Operation{Kind: Replace, Position: pos, Length: length, Text: text, BaseVersion: base}
}

// Validate checks the shape of op against a document of length code points.
// A range running past the end is accepted: a concurrent operation may have
// been computed against a longer document, and Rebase clamps it.
func Validate(op Operation, length int) error {
	if !op.Kind.Valid() {
		return invalid(op, "unknown operation type %q", string(op.Kind))
	}
	if op.Position < 0 || op.Position > length {
		return invalid(op, "position out of range [0, %d]", length)
	}
	if op.Kind.spans() {
		if op.Length <= 0 {
			return invalid(op, "length must be positive")
		}
	}
	return nil
}

// TextLen returns the length of s in code points.
func TextLen(s string) int {
	return utf8.RuneCountInString(s)
}

// Apply returns content with op applied. op must already be valid for
// content.
func Apply(content string, op Operation) (string, error) {
	runes := []rune(content)
	n := len(runes)
	if op.Position < 0 || op.Position > n {
		return content, invalid(op, "position out of range [0, %d]", n)
	}

	switch op.Kind {
	case Insert:
		return string(runes[:op.Position]) + op.Text + string(runes[op.Position:]), nil
	case Delete, Replace:
		end := op.Position + op.Length
		if op.Length < 0 || end > n {
			return content, invalid(op, "range [%d, %d) exceeds document length %d", op.Position, end, n)
		}
		text := ""
		if op.Kind == Replace {
			text = op.Text
		}
		return string(runes[:op.Position]) + text + string(runes[end:]), nil
	default:
		return content, invalid(op, "unknown operation type %q", string(op.Kind))
	}
}
