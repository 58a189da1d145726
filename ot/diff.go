package ot

import (
	"unicode/utf8"

	diffpatch "github.com/sergi/go-diff/diffmatchpatch"
)

// Diff returns the operations that turn from into to when applied in order.
// Each operation is positioned against the text produced by the ones before it.
func Diff(from, to string) []Operation {
	if from == to {
		return nil
	}
	dmp := diffpatch.New()
	diffs := dmp.DiffCleanupSemantic(dmp.DiffMain(from, to, false))

	var ops []Operation
	cursor := 0
	for _, d := range diffs {
		n := utf8.RuneCountInString(d.Text)
		switch d.Type {
		case diffpatch.DiffEqual:
			cursor += n
		case diffpatch.DiffDelete:
			ops = append(ops, NewDelete(cursor, n))
		case diffpatch.DiffInsert:
			ops = append(ops, NewInsert(cursor, d.Text))
			cursor += n
		}
	}
	return ops
}
