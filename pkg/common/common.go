package common

import "time"

// Entity represents a node in the trust graph: a person, organization, or
// agent identified by its DID. Entities are created as placeholders on first
// reference from a relationship or attestation and enriched when their
// profile record is indexed. They are never deleted, only marked inactive.
//
// Reputation is an externally supplied input (0-100). It feeds conviction
// weighting but is never recomputed here; conviction must not feed back into
// reputation inside this system.
type Entity struct {
	DID        string    `json:"did"`
	Name       string    `json:"name"`
	Type       string    `json:"type"`
	Bio        string    `json:"bio,omitempty"`
	Reputation int       `json:"reputation"`
	Active     bool      `json:"active"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// RelationshipType tags the nature of a claimed relationship.
type RelationshipType string

const (
	RelationshipProfessional RelationshipType = "professional"
	RelationshipPersonal     RelationshipType = "personal"
	RelationshipFamily       RelationshipType = "family"
	RelationshipSocial       RelationshipType = "social"
	RelationshipCivic        RelationshipType = "civic"
	RelationshipEducational  RelationshipType = "educational"
)

// ValidRelationshipType reports whether t is one of the known type tags.
func ValidRelationshipType(t RelationshipType) bool {
	switch t {
	case RelationshipProfessional, RelationshipPersonal, RelationshipFamily,
		RelationshipSocial, RelationshipCivic, RelationshipEducational:
		return true
	}
	return false
}

// Signature is a single participant signature over a record's canonical
// payload. Bytes is the raw ed25519 signature.
type Signature struct {
	DID   string `json:"did"`
	Bytes []byte `json:"sig"`
}

// Verification holds third-party consensus state for a relationship record.
type Verification struct {
	ConsensusScore int       `json:"consensus_score"`
	VerifierCount  int       `json:"verifier_count"`
	Confidence     int       `json:"confidence"`
	LastVerified   time.Time `json:"last_verified"`
}

// Privacy holds the visibility and consent settings of a relationship record.
type Privacy struct {
	Visibility string `json:"visibility"`
	Consent    string `json:"consent"`
}

// StrengthPoint is one historical strength observation.
type StrengthPoint struct {
	At       time.Time `json:"at"`
	Strength int       `json:"strength"`
}

// Temporal holds the time dimension of a relationship record.
type Temporal struct {
	Start           time.Time       `json:"start"`
	LastInteraction time.Time       `json:"last_interaction"`
	History         []StrengthPoint `json:"history,omitempty"`
}

// RelationshipRecord is a signed claim of a bidirectional relationship
// between exactly two entities. The record is owned by its creator's
// repository; this system only holds an indexed copy keyed by the stable
// record identifier RID, with CID as the content hash of the payload.
//
// A record contributes a graph edge once it carries at least one valid
// participant signature. Dual-signed is the target state; a single-signed
// record is provisional but still active.
type RelationshipRecord struct {
	RID          string           `json:"rid"`
	CID          string           `json:"cid"`
	Participants [2]string        `json:"participants"`
	Type         RelationshipType `json:"type"`
	Strength     int              `json:"strength"`
	Context      string           `json:"context"`
	Verification Verification     `json:"verification"`
	Privacy      Privacy          `json:"privacy"`
	Temporal     Temporal         `json:"temporal"`
	Signatures   []Signature      `json:"signatures"`
	CreatedAt    time.Time        `json:"created_at"`
}

// AttestationType classifies a third-party attestation.
type AttestationType string

const (
	AttestVerify     AttestationType = "verify"
	AttestDispute    AttestationType = "dispute"
	AttestStrengthen AttestationType = "strengthen"
	AttestWeaken     AttestationType = "weaken"
)

// ValidAttestationType reports whether t is a known attestation type.
func ValidAttestationType(t AttestationType) bool {
	switch t {
	case AttestVerify, AttestDispute, AttestStrengthen, AttestWeaken:
		return true
	}
	return false
}

// AttestationRecord is an immutable third-party claim about one relationship
// record, identified by the target's RID. Attestations are append-only: they
// are never edited, only superseded or logically retracted by deletion.
type AttestationRecord struct {
	AID               string          `json:"aid"`
	CID               string          `json:"cid"`
	TargetRID         string          `json:"target_rid"`
	Attester          string          `json:"attester"`
	Type              AttestationType `json:"type"`
	Confidence        int             `json:"confidence"`
	Evidence          string          `json:"evidence,omitempty"`
	SuggestedStrength *int            `json:"suggested_strength,omitempty"`
	Signature         Signature       `json:"signature"`
	CreatedAt         time.Time       `json:"created_at"`
}

// Trend labels the direction of a conviction score over time.
type Trend string

const (
	TrendIncreasing Trend = "increasing"
	TrendStable     Trend = "stable"
	TrendDecreasing Trend = "decreasing"
)

// ConvictionScore is the derived aggregate of all attestations targeting one
// relationship. It is a cache: entirely recomputable from the attestation set
// plus the current time, never independently authoritative.
type ConvictionScore struct {
	TargetRID             string    `json:"target_rid"`
	Score                 int       `json:"score"`
	AttestationCount      int       `json:"attestation_count"`
	VerifyCount           int       `json:"verify_count"`
	DisputeCount          int       `json:"dispute_count"`
	StrengthenCount       int       `json:"strengthen_count"`
	WeakenCount           int       `json:"weaken_count"`
	Trend                 Trend     `json:"trend"`
	TopAttesterReputation int       `json:"top_attester_reputation"`
	LastUpdated           time.Time `json:"last_updated"`
}

// PathHop is one traversed edge within a path result.
type PathHop struct {
	From     string `json:"from"`
	To       string `json:"to"`
	EdgeID   string `json:"edge_id"`
	Strength int    `json:"strength"`
}

// GraphPath is one ranked result of a path query. TotalStrength is the
// product of per-hop effective weights, so trust attenuates with distance.
type GraphPath struct {
	From          string    `json:"from"`
	To            string    `json:"to"`
	Hops          []PathHop `json:"hops"`
	TotalStrength float64   `json:"total_strength"`
	Distance      int       `json:"distance"`
}
