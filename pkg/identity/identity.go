package identity

import (
	"context"
	"crypto/ed25519"

	"github.com/RhizApp/rhizproto/pkg/common"
)

// Identity is the result of resolving a DID: the current signing key and the
// location of the entity's profile repository.
type Identity struct {
	DID             string
	Handle          string
	SigningKey      ed25519.PublicKey
	ProfileLocation string
}

// Resolver resolves a DID to its current signing key. Implementations must
// return common.ErrUnknownIdentity (possibly wrapped) when the DID cannot be
// resolved. Resolution is the injected collaborator boundary: the engine
// never implements key derivation or storage itself.
type Resolver interface {
	Resolve(ctx context.Context, did string) (Identity, error)
}

// StaticResolver resolves DIDs from a fixed in-memory key set. Used for
// local development and tests.
type StaticResolver struct {
	Keys map[string]ed25519.PublicKey
}

func (r *StaticResolver) Resolve(_ context.Context, did string) (Identity, error) {
	key, ok := r.Keys[did]
	if !ok {
		return Identity{}, common.ErrUnknownIdentity
	}
	return Identity{DID: did, SigningKey: key}, nil
}
