package ot

import (
	"math"
	"sort"
	"time"
)

// ConflictType classifies how two concurrent operations collide.
type ConflictType int

const (
	ConflictNone ConflictType = iota
	ConflictConcurrentInsert
	ConflictInsertInDelete
	ConflictOverlappingDelete
	// ConflictDivergent marks a three-way merge where both sides changed.
	ConflictDivergent
)

func (t ConflictType) String() string {
	switch t {
	case ConflictNone:
		return "none"
	case ConflictConcurrentInsert:
		return "concurrent_insert"
	case ConflictInsertInDelete:
		return "insert_in_delete"
	case ConflictOverlappingDelete:
		return "overlapping_delete"
	case ConflictDivergent:
		return "divergent"
	}
	return "unknown"
}

func (t ConflictType) MarshalText() ([]byte, error) { return []byte(t.String()), nil }

// Resolve orders a batch of concurrent operations by timestamp and rebases
// each one over every operation resolved before it. All input operations
// must be composed against the same base text. The result can be applied in
// order.
func Resolve(ops []VersionedOperation) []VersionedOperation {
	sorted := make([]VersionedOperation, len(ops))
	copy(sorted, ops)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Timestamp.Before(sorted[j].Timestamp)
	})

	resolved := make([]VersionedOperation, 0, len(sorted))
	for _, op := range sorted {
		for _, prior := range resolved {
			op, _ = TransformAuthored(op, prior)
		}
		resolved = append(resolved, op)
	}
	return resolved
}

// Classify reports how a and b, composed against the same text, overlap.
func Classify(a, b Operation) ConflictType {
	switch {
	case a.Kind == Insert && b.Kind == Insert:
		if a.Position == b.Position {
			return ConflictConcurrentInsert
		}
	case a.Kind == Insert && b.Kind == Delete:
		if insideDelete(a, b) {
			return ConflictInsertInDelete
		}
	case a.Kind == Delete && b.Kind == Insert:
		if insideDelete(b, a) {
			return ConflictInsertInDelete
		}
	case a.Kind == Delete && b.Kind == Delete:
		if a.Position < b.End() && b.Position < a.End() {
			return ConflictOverlappingDelete
		}
	}
	return ConflictNone
}

func insideDelete(ins, del Operation) bool {
	return ins.Position > del.Position && ins.Position < del.End()
}

// DetectConflict returns true when the affected ranges of a and b overlap.
func DetectConflict(a, b Operation) bool {
	return Classify(a, b) != ConflictNone
}

// Merge compacts two sequential operations into one when that loses nothing:
// adjacent inserts are concatenated, adjacent deletes summed and retains
// collapsed. It returns false when the operations cannot be merged.
func Merge(a, b Operation) (Operation, bool) {
	switch {
	case a.Kind == Retain && b.Kind == Retain:
		return a, true
	case a.Kind == Insert && b.Kind == Insert:
		switch b.Position {
		case a.Position + a.Len():
			return NewInsert(a.Position, a.Content+b.Content), true
		case a.Position:
			return NewInsert(a.Position, b.Content+a.Content), true
		}
	case a.Kind == Delete && b.Kind == Delete:
		switch {
		case b.Position == a.Position:
			// forward delete
			return NewDelete(a.Position, a.Length+b.Length), true
		case b.End() == a.Position:
			// backspace
			return NewDelete(b.Position, a.Length+b.Length), true
		}
	}
	return Operation{}, false
}

// Compose combines two sequential operations by the same author into one
// equivalent operation. Beyond what Merge handles, an insert followed by a
// delete of exactly the inserted span cancels out, and a delete lying wholly
// inside a just-inserted span trims the insert.
func Compose(a, b Operation) (Operation, bool) {
	if op, ok := Merge(a, b); ok {
		return op, true
	}
	if a.IsNoop() {
		return b, true
	}
	if b.IsNoop() {
		return a, true
	}
	if a.Kind == Insert && b.Kind == Delete {
		n := a.Len()
		if b.Position == a.Position && b.Length == n {
			return NewRetain(a.Position), true
		}
		if b.Position >= a.Position && b.End() <= a.Position+n {
			runes := []rune(a.Content)
			from, to := b.Position-a.Position, b.End()-a.Position
			return NewInsert(a.Position, string(runes[:from])+string(runes[to:])), true
		}
	}
	return Operation{}, false
}

// Invert returns the operation that undoes op, given the text op was applied to.
func Invert(op Operation, originalText string) (Operation, error) {
	runes := []rune(originalText)
	if err := Validate(op, len(runes)); err != nil {
		return Operation{}, err
	}
	switch op.Kind {
	case Insert:
		return NewDelete(op.Position, op.Len()), nil
	case Delete:
		return NewInsert(op.Position, string(runes[op.Position:op.End()])), nil
	}
	return op, nil
}

// Conflict describes a three-way merge where local and remote both diverged
// from base. Resolution is the local operation rebased over remote, ready to
// apply after remote.
type Conflict struct {
	Type       ConflictType `json:"type"`
	Base       Operation    `json:"base"`
	Local      Operation    `json:"local"`
	Remote     Operation    `json:"remote"`
	Resolution Operation    `json:"resolution"`
}

// MergeResult is the outcome of ThreeWayMerge. Conflict is nil when one side
// was unchanged or both sides agree.
type MergeResult struct {
	Operation Operation `json:"operation"`
	Conflict  *Conflict `json:"conflict,omitempty"`
}

// ThreeWayMerge reconciles a local and a remote operation that both started
// from base.
func ThreeWayMerge(base, local, remote Operation) MergeResult {
	switch {
	case remote == base:
		return MergeResult{Operation: local}
	case local == base:
		return MergeResult{Operation: remote}
	case local == remote:
		return MergeResult{Operation: local}
	}
	localPrime, _ := Transform(local, remote)
	typ := Classify(local, remote)
	if typ == ConflictNone {
		typ = ConflictDivergent
	}
	return MergeResult{
		Operation: localPrime,
		Conflict: &Conflict{
			Type:       typ,
			Base:       base,
			Local:      local,
			Remote:     remote,
			Resolution: localPrime,
		},
	}
}

// PriorityContext carries what Priority needs to rank an operation.
type PriorityContext struct {
	OwnerID string
	Now     time.Time
	// HalfLife is how long it takes the recency bonus to halve.
	// Zero means one minute.
	HalfLife time.Duration
}

// Priority ranks an operation for display. Owners, recent edits and small
// edits rank higher. It has no bearing on how operations are transformed.
func Priority(op VersionedOperation, pc PriorityContext) float64 {
	score := 1.0
	if pc.OwnerID != "" && op.AuthorID == pc.OwnerID {
		score += 2
	}

	halfLife := pc.HalfLife
	if halfLife <= 0 {
		halfLife = time.Minute
	}
	if !op.Timestamp.IsZero() && !pc.Now.IsZero() {
		age := pc.Now.Sub(op.Timestamp)
		if age < 0 {
			age = 0
		}
		score += math.Exp2(-age.Seconds() / halfLife.Seconds())
	}

	score += 1 / float64(1+op.Len())
	return score
}

// SortByPriority returns ops ordered from highest to lowest priority.
func SortByPriority(ops []VersionedOperation, pc PriorityContext) []VersionedOperation {
	out := make([]VersionedOperation, len(ops))
	copy(out, ops)
	sort.SliceStable(out, func(i, j int) bool {
		return Priority(out[i], pc) > Priority(out[j], pc)
	})
	return out
}
