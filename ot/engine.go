package ot

import "fmt"

// Engine abstracts the OT collaboration algorithm.
// Different algorithms (Jupiter, Wave, etc.) implement this interface.
type Engine interface {
	// TransformIncoming rebases a client operation, composed against
	// op.BaseVersion, over every operation accepted since then. pending must
	// be ordered by version and contain only versions newer than the base.
	// Returns the operation transformed to apply at the current server state.
	TransformIncoming(op VersionedOperation, pending []VersionedOperation) (VersionedOperation, error)
}

// JupiterEngine implements the Jupiter OT algorithm.
// It sequentially transforms the incoming operation against each
// server operation the client hasn't seen.
type JupiterEngine struct{}

func (e *JupiterEngine) TransformIncoming(op VersionedOperation, pending []VersionedOperation) (VersionedOperation, error) {
	prev := op.BaseVersion
	transformed := op
	for i, p := range pending {
		if p.Version <= prev {
			return VersionedOperation{}, fmt.Errorf(
				"pending[%d] has version %d, want > %d", i, p.Version, prev)
		}
		prev = p.Version
		transformed, _ = TransformAuthored(transformed, p)
	}
	return transformed, nil
}
