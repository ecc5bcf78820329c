package dataType

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"

	"github.com/pkg/errors"
)

const MeshBeaconVersion = "0.4.2"

type BroadcastType string

const (
	BroadcastEmergency    BroadcastType = "emergency"
	BroadcastAlert        BroadcastType = "alert"
	BroadcastAnnouncement BroadcastType = "announcement"
	BroadcastUpdate       BroadcastType = "update"
	BroadcastAllClear     BroadcastType = "all_clear"
)

type Severity string

const (
	SeverityInfo            Severity = "info"
	SeverityWarning         Severity = "warning"
	SeverityCritical        Severity = "critical"
	SeverityLifeThreatening Severity = "life_threatening"
)

const MaxTitleLength = 100

// BroadcastAttestation is a secondary endorsement: a peer's signature over
// the raw broadcast id bytes. TrustLevel records the attester's own trust
// toward the broadcaster at attest time; verifiers ignore it and recompute
// trust toward the attester from their own graph.
type BroadcastAttestation struct {
	AttesterID   string     `json:"attester_id"`
	AttesterName string     `json:"attester_name,omitempty"`
	Signature    []byte     `json:"signature"`
	AttestedAt   int64      `json:"attested_at"`
	TrustLevel   TrustLevel `json:"trust_level"`
}

// EmergencyBroadcast is the unit of propagation. There is no update in
// place: an "update" is a new broadcast whose Supersedes field references
// the prior id.
type EmergencyBroadcast struct {
	ID              string                 `json:"id"`
	Type            BroadcastType          `json:"type"`
	Severity        Severity               `json:"severity"`
	Title           string                 `json:"title"`
	Body            string                 `json:"body"`
	ActionURL       string                 `json:"action_url,omitempty"`
	ImageHash       string                 `json:"image_hash,omitempty"`
	Supersedes      string                 `json:"supersedes,omitempty"`
	BroadcasterID   string                 `json:"broadcaster_id"`
	BroadcasterName string                 `json:"broadcaster_name,omitempty"`
	Signature       []byte                 `json:"signature,omitempty"`
	Attestations    []BroadcastAttestation `json:"attestations,omitempty"`
	TargetZones     []string               `json:"target_zones,omitempty"`
	RadiusKm        float64                `json:"radius_km,omitempty"`
	CreatedAt       int64                  `json:"created_at"`
	ExpiresAt       int64                  `json:"expires_at"`
	HopCount        int                    `json:"hop_count"`
	MaxHops         int                    `json:"max_hops"`
}

// GeoZone is owned by the geo subsystem; the trust core only ever compares
// zone identity, never geometry.
type GeoZone interface {
	ZoneID() string
}

// VerificationResult is ephemeral, it is never persisted.
type VerificationResult struct {
	Valid                   bool       `json:"valid"`
	SignatureValid          bool       `json:"signature_valid"`
	SenderTrustLevel        TrustLevel `json:"sender_trust_level"`
	AttestationCount        int        `json:"attestation_count"`
	HighestAttestationTrust TrustLevel `json:"highest_attestation_trust"`
	Reasons                 []string   `json:"reasons,omitempty"`
}

type broadcastIDPayload struct {
	V             int           `json:"v"`
	Type          BroadcastType `json:"type"`
	Title         string        `json:"title"`
	Body          string        `json:"body"`
	BroadcasterID string        `json:"broadcaster_id"`
	CreatedAt     int64         `json:"created_at"`
}

const SigningPayloadVersion = 1

// signingPayload is the canonical byte serialization covered by the
// broadcaster's signature. Field order is fixed by the struct; changing it
// breaks signature compatibility across nodes.
type signingPayload struct {
	V             int           `json:"v"`
	ID            string        `json:"id"`
	Type          BroadcastType `json:"type"`
	Severity      Severity      `json:"severity"`
	Title         string        `json:"title"`
	Body          string        `json:"body"`
	BroadcasterID string        `json:"broadcaster_id"`
	TargetZones   []string      `json:"target_zones"`
	CreatedAt     int64         `json:"created_at"`
	ExpiresAt     int64         `json:"expires_at"`
}

// GenerateBroadcastID derives the broadcast id from its content, so two
// nodes constructing the same logical broadcast agree on identity before a
// signature even exists.
func GenerateBroadcastID(typ BroadcastType, title, body, broadcasterID string, createdAt int64) string {
	data, err := json.Marshal(broadcastIDPayload{
		V:             SigningPayloadVersion,
		Type:          typ,
		Title:         title,
		Body:          body,
		BroadcasterID: broadcasterID,
		CreatedAt:     createdAt,
	})
	if err != nil {
		// struct of scalars, cannot fail
		panic(err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// SigningPayload returns the canonical bytes both signer and verifier run
// the signature algorithm over.
func (b *EmergencyBroadcast) SigningPayload() ([]byte, error) {
	zones := b.TargetZones
	if zones == nil {
		zones = []string{}
	}
	data, err := json.Marshal(signingPayload{
		V:             SigningPayloadVersion,
		ID:            b.ID,
		Type:          b.Type,
		Severity:      b.Severity,
		Title:         b.Title,
		Body:          b.Body,
		BroadcasterID: b.BroadcasterID,
		TargetZones:   zones,
		CreatedAt:     b.CreatedAt,
		ExpiresAt:     b.ExpiresAt,
	})
	if err != nil {
		return nil, errors.Wrap(err, "marshal signing payload")
	}
	return data, nil
}

func (b *EmergencyBroadcast) IsExpired(now int64) bool {
	return now > b.ExpiresAt
}

func (b *EmergencyBroadcast) CanPropagate(now int64) bool {
	return !b.IsExpired(now) && b.HopCount < b.MaxHops
}

// IncrementHop returns a copy with the hop count advanced by one. The
// receiver is left untouched; the copy is what goes to the transport.
func (b *EmergencyBroadcast) IncrementHop() *EmergencyBroadcast {
	nb := *b
	nb.HopCount = b.HopCount + 1
	if b.Attestations != nil {
		nb.Attestations = make([]BroadcastAttestation, len(b.Attestations))
		copy(nb.Attestations, b.Attestations)
	}
	if b.TargetZones != nil {
		nb.TargetZones = make([]string, len(b.TargetZones))
		copy(nb.TargetZones, b.TargetZones)
	}
	return &nb
}

// TruncateTitle enforces the 100 character title cap applied at creation.
func TruncateTitle(title string) string {
	runes := []rune(title)
	if len(runes) <= MaxTitleLength {
		return title
	}
	return string(runes[:MaxTitleLength])
}
