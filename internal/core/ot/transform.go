package ot

// Transform rewrites b, concurrent with the already applied a, so it can be
// applied after a. Only b's position moves:
//
//	insert:  b.Position += len(a.Text)             when b.Position >= a.Position
//	delete:  b.Position -= min(a.Length, b-a)      when b.Position >  a.Position
//	replace: b.Position += len(a.Text) - a.Length  when b.Position >  a.Position
//
// An insert tie moves b to the right, so the text committed first stays
// first. Negative results are floored at zero.
func Transform(b, a Operation) Operation {
	switch a.Kind {
	case Insert:
		if b.Position >= a.Position {
			b.Position += TextLen(a.Text)
		}
	case Delete:
		if b.Position > a.Position {
			b.Position -= min(a.Length, b.Position-a.Position)
		}
	case Replace:
		if b.Position > a.Position {
			b.Position += TextLen(a.Text) - a.Length
		}
	}
	if b.Position < 0 {
		b.Position = 0
	}
	return b
}

// Rebase transforms op against every committed operation it has not seen
// (Version >= op.BaseVersion), oldest first, then clamps the result into a
// document of length code points. history must be in commit order. The
// second result reports whether any transform was applied.
func Rebase(op Operation, history []Operation, length int) (Operation, bool) {
	rebased := false
	for _, applied := range history {
		if applied.Version < op.BaseVersion {
			continue
		}
		op = Transform(op, applied)
		rebased = true
	}
	return Clamp(op, length), rebased
}

// Clamp keeps op inside a document of length code points. A range that runs
// past the end is shortened; it may become empty.
func Clamp(op Operation, length int) Operation {
	if op.Position < 0 {
		op.Position = 0
	}
	if op.Position > length {
		op.Position = length
	}
	if op.Kind.spans() && op.Position+op.Length > length {
		op.Length = length - op.Position
	}
	return op
}
