package signature

import (
	"context"
	"crypto/ed25519"
	"fmt"

	"github.com/RhizApp/rhizproto/pkg/common"
	"github.com/RhizApp/rhizproto/pkg/identity"
)

// Verifier checks record signatures against keys resolved through the
// injected identity resolver. It is purely functional: no state beyond the
// resolver's own caching.
type Verifier struct {
	resolver identity.Resolver
}

// NewVerifier creates a Verifier that resolves signing keys via resolver.
func NewVerifier(resolver identity.Resolver) *Verifier {
	return &Verifier{resolver: resolver}
}

// RelationshipResult reports which participants produced a valid signature.
type RelationshipResult struct {
	SignedBy    []string
	FullySigned bool
}

// Active reports whether the record may contribute a graph edge: at least
// one listed participant has validly signed it.
func (r RelationshipResult) Active() bool {
	return len(r.SignedBy) > 0
}

// VerifyRelationship checks every signature on rec against the resolved keys
// of its participants. Signatures from DIDs not listed as participants are
// rejected. Returns common.ErrSignatureInvalid (wrapped) when no listed
// participant has a valid signature.
func (v *Verifier) VerifyRelationship(ctx context.Context, rec common.RelationshipRecord) (RelationshipResult, error) {
	digest := RelationshipDigest(rec)

	seen := make(map[string]bool, 2)
	var result RelationshipResult
	for _, sig := range rec.Signatures {
		if sig.DID != rec.Participants[0] && sig.DID != rec.Participants[1] {
			continue
		}
		if seen[sig.DID] {
			continue
		}
		ident, err := v.resolver.Resolve(ctx, sig.DID)
		if err != nil {
			return RelationshipResult{}, fmt.Errorf("resolving signer %s: %w", sig.DID, err)
		}
		if !ed25519.Verify(ident.SigningKey, digest[:], sig.Bytes) {
			continue
		}
		seen[sig.DID] = true
		result.SignedBy = append(result.SignedBy, sig.DID)
	}

	result.FullySigned = seen[rec.Participants[0]] && seen[rec.Participants[1]]
	if !result.Active() {
		return RelationshipResult{}, fmt.Errorf("%w: relationship %s has no valid participant signature", common.ErrSignatureInvalid, rec.RID)
	}
	return result, nil
}

// VerifyAttestation checks that rec carries exactly one valid signature from
// the declared attester.
func (v *Verifier) VerifyAttestation(ctx context.Context, rec common.AttestationRecord) error {
	if rec.Signature.DID != rec.Attester {
		return fmt.Errorf("%w: attestation %s signed by %s, declared attester %s",
			common.ErrSignatureInvalid, rec.AID, rec.Signature.DID, rec.Attester)
	}

	ident, err := v.resolver.Resolve(ctx, rec.Attester)
	if err != nil {
		return fmt.Errorf("resolving attester %s: %w", rec.Attester, err)
	}

	digest := AttestationDigest(rec)
	if !ed25519.Verify(ident.SigningKey, digest[:], rec.Signature.Bytes) {
		return fmt.Errorf("%w: attestation %s", common.ErrSignatureInvalid, rec.AID)
	}
	return nil
}
