package packet

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
)

type hashedSection struct {
	Type        string       `json:"type"`
	Title       string       `json:"title"`
	Content     string       `json:"content"`
	Facts       []hashedFact `json:"facts"`
	Required    bool         `json:"required"`
	Weight      int          `json:"weight"`
	MissingData bool         `json:"missingData"`
}

type hashedFact struct {
	Key   string `json:"k"`
	Value string `json:"v"`
}

type hashedAttachment struct {
	Type    string `json:"type"`
	Path    string `json:"path"`
	Present bool   `json:"present"`
}

type hashedPacket struct {
	DisputeID      string             `json:"disputeId"`
	Classification string             `json:"classification"`
	Amount         string             `json:"amount"`
	Currency       string             `json:"currency"`
	Sections       []hashedSection    `json:"sections"`
	Attachments    []hashedAttachment `json:"attachments"`
}

// ContentHash is the SHA-256 of the packet's submittable content in canonical JSON.
// Gaps, readiness, guidance and status metadata are excluded so the hash tracks evidence only.
func ContentHash(p Packet) string {
	canonical := hashedPacket{
		DisputeID:      p.DisputeID,
		Classification: p.Classification,
		Amount:         p.Amount.StringFixed(2),
		Currency:       p.Currency,
		Sections:       make([]hashedSection, 0, len(p.Sections)),
		Attachments:    make([]hashedAttachment, 0, len(p.Attachments)),
	}
	for _, s := range p.Sections {
		facts := make([]hashedFact, 0, len(s.Facts))
		for _, f := range s.Facts {
			facts = append(facts, hashedFact{Key: f.Key, Value: f.Value})
		}
		canonical.Sections = append(canonical.Sections, hashedSection{
			Type:        s.Type,
			Title:       s.Title,
			Content:     s.Content,
			Facts:       facts,
			Required:    s.Required,
			Weight:      s.Weight,
			MissingData: s.MissingData,
		})
	}
	for _, a := range p.Attachments {
		canonical.Attachments = append(canonical.Attachments, hashedAttachment{Type: a.Type, Path: a.Path, Present: a.Present})
	}

	// Marshal of these plain structs cannot fail.
	body, _ := json.Marshal(canonical)
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}
