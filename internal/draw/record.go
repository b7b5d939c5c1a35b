package draw

import (
	"encoding/json"
	"sort"

	"github.com/BitOpenCode/MRKT/internal/db"
	"github.com/BitOpenCode/MRKT/internal/lottery"
	"github.com/BitOpenCode/MRKT/internal/wallet"
)

// Record is the public shape of a draw.
type Record struct {
	ID                 string              `json:"id"`
	DrawNumber         int64               `json:"drawNumber"`
	Status             string              `json:"status"`
	Tickets            []int64             `json:"tickets"`
	BlockHeights       []int64             `json:"blockHeights"`
	BlockHashes        []string            `json:"blockHashes"`
	CommittedTipHeight int64               `json:"committedTipHeight"`
	SeedHex            string              `json:"seedHex,omitempty"`
	Winner             *int64              `json:"winner,omitempty"`
	Verified           bool                `json:"verified"`
	Proof              *lottery.Proof      `json:"proof,omitempty"`
	AllScores          map[string]string   `json:"allScores,omitempty"`
	PrizeContractID    *string             `json:"prizeContractId,omitempty"`
	Attestation        *wallet.Attestation `json:"attestation,omitempty"`
	CommitTxid         *string             `json:"commitTxid,omitempty"`
	RevealTxid         *string             `json:"revealTxid,omitempty"`
	CreatedAt          int64               `json:"createdAt"`
	DrawDate           *int64              `json:"drawDate,omitempty"`
}

// TicketRecord is the public shape of a ticket.
type TicketRecord struct {
	ID              string  `json:"id"`
	TicketNumber    int64   `json:"ticketNumber"`
	OwnerID         string  `json:"ownerId"`
	DrawID          *string `json:"drawId"`
	DrawNumber      *int64  `json:"drawNumber,omitempty"`
	Status          string  `json:"status"`
	Claimed         bool    `json:"claimed"`
	PrizeContractID *string `json:"prizeContractId"`
	CreatedAt       int64   `json:"createdAt"`
}

// NewRecord converts a stored draw. Malformed proof or attestation JSON is
// left out rather than failing the whole record.
func NewRecord(d *db.Draw) Record {
	r := Record{
		ID:                 d.ID,
		DrawNumber:         d.DrawNumber,
		Status:             d.Status,
		Tickets:            d.Tickets,
		BlockHeights:       d.BlockHeights,
		BlockHashes:        d.BlockHashes,
		CommittedTipHeight: d.CommittedTip,
		Winner:             d.Winner,
		Verified:           d.Verified,
		PrizeContractID:    d.PrizeContractID,
		CommitTxid:         d.CommitTxid,
		RevealTxid:         d.RevealTxid,
		CreatedAt:          d.CreatedAt,
		DrawDate:           d.CompletedAt,
	}
	if r.BlockHashes == nil {
		r.BlockHashes = []string{}
	}
	if d.SeedHex != nil {
		r.SeedHex = *d.SeedHex
	}
	if d.ProofJSON != nil {
		var res lottery.Result
		if err := json.Unmarshal([]byte(*d.ProofJSON), &res); err == nil {
			r.Proof = &res.Proof
			r.AllScores = res.Scores
		}
	}
	if d.AttestationJSON != nil {
		var a wallet.Attestation
		if err := json.Unmarshal([]byte(*d.AttestationJSON), &a); err == nil {
			r.Attestation = &a
		}
	}
	return r
}

// NewTicketRecord converts a stored ticket.
func NewTicketRecord(t *db.Ticket) TicketRecord {
	return TicketRecord{
		ID:              t.ID,
		TicketNumber:    t.TicketNumber,
		OwnerID:         t.OwnerID,
		DrawID:          t.DrawID,
		DrawNumber:      t.DrawNumber,
		Status:          t.Status,
		Claimed:         t.Claimed,
		PrizeContractID: t.PrizeContractID,
		CreatedAt:       t.CreatedAt,
	}
}

// Claim returns the auditable claim of a completed draw.
func (r Record) Claim() lottery.Claim {
	c := lottery.Claim{
		SeedHex:      r.SeedHex,
		Tickets:      r.Tickets,
		BlockHashes:  r.BlockHashes,
		BlockHeights: r.BlockHeights,
	}
	if r.Winner != nil {
		c.Winner = *r.Winner
	}
	return c
}

// attestedDraw is the payload the operator signs. Field order is fixed by
// the struct and tickets are sorted, so any node can rebuild it.
type attestedDraw struct {
	DrawNumber   int64    `json:"drawNumber"`
	Tickets      []int64  `json:"tickets"`
	BlockHeights []int64  `json:"blockHeights"`
	BlockHashes  []string `json:"blockHashes"`
	SeedHex      string   `json:"seedHex"`
	Winner       int64    `json:"winner"`
}

// AttestationPayload returns the canonical bytes signed for a draw result.
func AttestationPayload(drawNumber int64, tickets, heights []int64, hashes []string, seedHex string, winner int64) []byte {
	sorted := append([]int64(nil), tickets...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	b, _ := json.Marshal(attestedDraw{
		DrawNumber:   drawNumber,
		Tickets:      sorted,
		BlockHeights: heights,
		BlockHashes:  hashes,
		SeedHex:      seedHex,
		Winner:       winner,
	})
	return b
}
