package signature

import (
	"crypto/sha256"
	"encoding/json"
	"sort"
	"time"

	"github.com/RhizApp/rhizproto/pkg/common"
)

// The signable subset of a record is serialized as compact JSON with a fixed
// field order and sorted participants, then hashed. Both parties must be able
// to reproduce the exact bytes, so nothing outside these fields may leak in.

type relationshipPayload struct {
	Participants []string `json:"participants"`
	Type         string   `json:"type"`
	Strength     int      `json:"strength"`
	Context      string   `json:"context"`
	CreatedAt    string   `json:"created_at"`
}

type attestationPayload struct {
	Target     string `json:"target"`
	Attester   string `json:"attester"`
	Type       string `json:"type"`
	Confidence int    `json:"confidence"`
	CreatedAt  string `json:"created_at"`
}

// RelationshipDigest returns the SHA-256 digest of the canonical signable
// payload of a relationship record.
func RelationshipDigest(rec common.RelationshipRecord) [sha256.Size]byte {
	participants := []string{rec.Participants[0], rec.Participants[1]}
	sort.Strings(participants)

	payload := relationshipPayload{
		Participants: participants,
		Type:         string(rec.Type),
		Strength:     rec.Strength,
		Context:      rec.Context,
		CreatedAt:    rec.CreatedAt.UTC().Format(time.RFC3339),
	}
	raw, _ := json.Marshal(payload)
	return sha256.Sum256(raw)
}

// AttestationDigest returns the SHA-256 digest of the canonical signable
// payload of an attestation record.
func AttestationDigest(rec common.AttestationRecord) [sha256.Size]byte {
	payload := attestationPayload{
		Target:     rec.TargetRID,
		Attester:   rec.Attester,
		Type:       string(rec.Type),
		Confidence: rec.Confidence,
		CreatedAt:  rec.CreatedAt.UTC().Format(time.RFC3339),
	}
	raw, _ := json.Marshal(payload)
	return sha256.Sum256(raw)
}
