package pgx

import "time"

type Entity struct {
	Did        string    `json:"did"`
	Name       string    `json:"name"`
	Type       string    `json:"type"`
	Bio        string    `json:"bio"`
	Reputation int32     `json:"reputation"`
	Active     bool      `json:"active"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

type Relationship struct {
	Rid             string    `json:"rid"`
	Cid             string    `json:"cid"`
	ParticipantA    string    `json:"participant_a"`
	ParticipantB    string    `json:"participant_b"`
	Type            string    `json:"type"`
	Strength        int32     `json:"strength"`
	Context         string    `json:"context"`
	SignatureCount  int32     `json:"signature_count"`
	FullySigned     bool      `json:"fully_signed"`
	Visibility      string    `json:"visibility"`
	Seq             int64     `json:"seq"`
	CreatedAt       time.Time `json:"created_at"`
	LastInteraction time.Time `json:"last_interaction"`
	IndexedAt       time.Time `json:"indexed_at"`
}

type Attestation struct {
	Aid               string    `json:"aid"`
	Cid               string    `json:"cid"`
	TargetRid         string    `json:"target_rid"`
	Attester          string    `json:"attester"`
	Type              string    `json:"type"`
	Confidence        int32     `json:"confidence"`
	Evidence          string    `json:"evidence"`
	SuggestedStrength *int32    `json:"suggested_strength"`
	CreatedAt         time.Time `json:"created_at"`
	IndexedAt         time.Time `json:"indexed_at"`
}

type ConvictionScore struct {
	TargetRid             string    `json:"target_rid"`
	Score                 int32     `json:"score"`
	AttestationCount      int32     `json:"attestation_count"`
	VerifyCount           int32     `json:"verify_count"`
	DisputeCount          int32     `json:"dispute_count"`
	StrengthenCount       int32     `json:"strengthen_count"`
	WeakenCount           int32     `json:"weaken_count"`
	Trend                 string    `json:"trend"`
	TopAttesterReputation int32     `json:"top_attester_reputation"`
	LastUpdated           time.Time `json:"last_updated"`
}

type IngestCursor struct {
	Source    string    `json:"source"`
	Seq       int64     `json:"seq"`
	UpdatedAt time.Time `json:"updated_at"`
}

type DeadLetter struct {
	ID         int64     `json:"id"`
	Source     string    `json:"source"`
	Seq        int64     `json:"seq"`
	Collection string    `json:"collection"`
	Rid        string    `json:"rid"`
	Cid        string    `json:"cid"`
	Reason     string    `json:"reason"`
	Payload    []byte    `json:"payload"`
	ArchiveKey string    `json:"archive_key"`
	CreatedAt  time.Time `json:"created_at"`
}
