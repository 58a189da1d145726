package ot

// Transform takes two concurrent operations a and b (both applied to the same
// document state) and returns aPrime and bPrime such that:
//
//	Apply(Apply(doc, a), bPrime) == Apply(Apply(doc, b), aPrime)
//
// When both insert at the same position, a's text ends up first.
// Both operations must already be valid against the shared base text.
func Transform(a, b Operation) (aPrime, bPrime Operation) {
	switch {
	case a.Kind == Retain:
		return NewRetain(transformPosition(a.Position, b)), b
	case b.Kind == Retain:
		return a, NewRetain(transformPosition(b.Position, a))
	case a.Kind == Insert && b.Kind == Insert:
		return transformInsertInsert(a, b)
	case a.Kind == Insert && b.Kind == Delete:
		return transformInsertDelete(a, b)
	case a.Kind == Delete && b.Kind == Insert:
		del, ins := transformInsertDelete(b, a)
		return ins, del
	case a.Kind == Delete && b.Kind == Delete:
		return transformDeleteDelete(a, b)
	}
	return a, b
}

// TransformAuthored is Transform with the equal-position insert tie broken by
// author: the lexicographically smaller AuthorID goes first. Peers computing
// the transform in either argument order therefore agree on the result.
func TransformAuthored(a, b VersionedOperation) (aPrime, bPrime VersionedOperation) {
	if b.AuthorID < a.AuthorID {
		bp, ap := Transform(b.Operation, a.Operation)
		return a.WithOperation(ap), b.WithOperation(bp)
	}
	ap, bp := Transform(a.Operation, b.Operation)
	return a.WithOperation(ap), b.WithOperation(bp)
}

func transformInsertInsert(a, b Operation) (Operation, Operation) {
	if b.Position < a.Position {
		return shift(a, b.Len()), b
	}
	// b.Position >= a.Position: b lands after a's text, including ties.
	return a, shift(b, a.Len())
}

// transformInsertDelete derives both sides of the diamond for an insert and a
// delete composed against the same text.
func transformInsertDelete(ins, del Operation) (Operation, Operation) {
	switch {
	case ins.Position <= del.Position:
		// Insert before delete. Delete shifts forward.
		return ins, shift(del, ins.Len())
	case ins.Position >= del.End():
		// Insert after delete. Insert shifts backward.
		return shift(ins, -del.Length), del
	default:
		// Insert inside the deleted range: the delete swallows it.
		return NewInsert(del.Position, ""), NewDelete(del.Position, del.Length+ins.Len())
	}
}

func transformDeleteDelete(a, b Operation) (Operation, Operation) {
	aEnd, bEnd := a.End(), b.End()
	if aEnd <= b.Position {
		return a, shift(b, -a.Length)
	}
	if bEnd <= a.Position {
		return shift(a, -b.Length), b
	}
	// Overlap: each side only removes what the other left behind.
	pos := min(a.Position, b.Position)
	overlap := min(aEnd, bEnd) - max(a.Position, b.Position)
	return NewDelete(pos, a.Length-overlap), NewDelete(pos, b.Length-overlap)
}

// transformPosition maps a cursor position in the base text to the text
// produced by applying other.
func transformPosition(pos int, other Operation) int {
	switch other.Kind {
	case Insert:
		if other.Position < pos {
			return pos + other.Len()
		}
	case Delete:
		if pos >= other.End() {
			return pos - other.Length
		}
		if pos > other.Position {
			return other.Position
		}
	}
	return pos
}

// shift returns op moved by delta characters.
func shift(op Operation, delta int) Operation {
	op.Position += delta
	return op
}
