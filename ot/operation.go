package ot

import (
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"
)

var (
	ErrInvalidPosition   = errors.New("invalid position")
	ErrDeleteOutOfBounds = errors.New("delete out of bounds")
	ErrUnknownKind       = errors.New("unknown operation kind")
)

// Kind identifies what an Operation does to the text.
type Kind int

const (
	Retain Kind = iota
	Insert
	Delete
)

func (k Kind) String() string {
	switch k {
	case Retain:
		return "retain"
	case Insert:
		return "insert"
	case Delete:
		return "delete"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

func (k Kind) MarshalText() ([]byte, error) {
	if k < Retain || k > Delete {
		return nil, fmt.Errorf("%w: %d", ErrUnknownKind, int(k))
	}
	return []byte(k.String()), nil
}

func (k *Kind) UnmarshalText(b []byte) error {
	kind, err := ParseKind(string(b))
	if err != nil {
		return err
	}
	*k = kind
	return nil
}

// ParseKind parses the wire name of an operation kind.
func ParseKind(s string) (Kind, error) {
	switch s {
	case "retain":
		return Retain, nil
	case "insert":
		return Insert, nil
	case "delete":
		return Delete, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownKind, s)
}

// Operation is a single edit to a flat text document. Positions and lengths
// count characters (runes). Operations are values: nothing in this package
// mutates one in place.
type Operation struct {
	Kind     Kind   `json:"kind"`
	Position int    `json:"position"`
	Content  string `json:"content,omitempty"` // Insert only
	Length   int    `json:"length,omitempty"`  // Delete only
}

// NewInsert creates an operation that inserts text at pos.
func NewInsert(pos int, text string) Operation {
	return Operation{Kind: Insert, Position: pos, Content: text}
}

// NewDelete creates an operation that removes count characters starting at pos.
func NewDelete(pos, count int) Operation {
	return Operation{Kind: Delete, Position: pos, Length: count}
}

// NewRetain creates an operation that leaves the text unchanged.
func NewRetain(pos int) Operation {
	return Operation{Kind: Retain, Position: pos}
}

// Len returns the number of characters the operation inserts or removes.
func (op Operation) Len() int {
	switch op.Kind {
	case Insert:
		return utf8.RuneCountInString(op.Content)
	case Delete:
		return op.Length
	}
	return 0
}

// End returns the position just past the affected range in the base text.
// For inserts this equals Position, since nothing in the base text is consumed.
func (op Operation) End() int {
	if op.Kind == Delete {
		return op.Position + op.Length
	}
	return op.Position
}

// IsNoop returns true if the operation makes no changes.
func (op Operation) IsNoop() bool {
	return op.Kind == Retain || op.Len() == 0
}

func (op Operation) String() string {
	switch op.Kind {
	case Insert:
		return fmt.Sprintf("insert(%d, %q)", op.Position, op.Content)
	case Delete:
		return fmt.Sprintf("delete(%d, %d)", op.Position, op.Length)
	case Retain:
		return fmt.Sprintf("retain(%d)", op.Position)
	}
	return op.Kind.String()
}

// Validate checks op against a document of textLength characters.
func Validate(op Operation, textLength int) error {
	if op.Position < 0 || op.Position > textLength {
		return fmt.Errorf("%w: %d not in [0, %d]", ErrInvalidPosition, op.Position, textLength)
	}
	switch op.Kind {
	case Retain, Insert:
		return nil
	case Delete:
		if op.Length < 0 || op.Position+op.Length > textLength {
			return fmt.Errorf("%w: [%d, %d) exceeds length %d",
				ErrDeleteOutOfBounds, op.Position, op.Position+op.Length, textLength)
		}
		return nil
	}
	return fmt.Errorf("%w: %d", ErrUnknownKind, int(op.Kind))
}

// ValidateShape checks the parts of op that do not depend on the text:
// a known kind, a non-negative position and a non-negative delete length.
func ValidateShape(op Operation) error {
	switch {
	case op.Kind != Retain && op.Kind != Insert && op.Kind != Delete:
		return fmt.Errorf("%w: %d", ErrUnknownKind, int(op.Kind))
	case op.Position < 0:
		return fmt.Errorf("%w: %d is negative", ErrInvalidPosition, op.Position)
	case op.Kind == Delete && op.Length < 0:
		return fmt.Errorf("%w: negative length %d", ErrDeleteOutOfBounds, op.Length)
	}
	return nil
}

// Apply applies the operation to a document string.
func Apply(doc string, op Operation) (string, error) {
	if op.Kind == Retain {
		// Retain never reads the text, but a bad position is still a bug upstream.
		if err := Validate(op, utf8.RuneCountInString(doc)); err != nil {
			return "", err
		}
		return doc, nil
	}
	runes := []rune(doc)
	if err := Validate(op, len(runes)); err != nil {
		return "", err
	}

	var b strings.Builder
	b.Grow(len(doc) + len(op.Content))
	b.WriteString(string(runes[:op.Position]))
	switch op.Kind {
	case Insert:
		b.WriteString(op.Content)
		b.WriteString(string(runes[op.Position:]))
	case Delete:
		b.WriteString(string(runes[op.Position+op.Length:]))
	}
	return b.String(), nil
}

// VersionedOperation is an operation as recorded in a session's history.
// Version is zero until the orchestrator accepts the operation.
type VersionedOperation struct {
	Operation
	AuthorID    string    `json:"authorId"`
	Timestamp   time.Time `json:"timestamp"`
	BaseVersion int       `json:"baseVersion"`
	Version     int       `json:"version,omitempty"`
}

// WithOperation returns a copy of v carrying op instead of v.Operation.
func (v VersionedOperation) WithOperation(op Operation) VersionedOperation {
	v.Operation = op
	return v
}
