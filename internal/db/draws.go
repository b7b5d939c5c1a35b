package db

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Draw statuses.
const (
	DrawPending   = "pending"
	DrawCompleted = "completed"
)

// Draw is a row of the append-only draws table.
type Draw struct {
	ID              string   `json:"id"`
	DrawNumber      int64    `json:"draw_number"`
	Status          string   `json:"status"`
	Tickets         []int64  `json:"tickets"`
	BlockHeights    []int64  `json:"block_heights"`
	BlockHashes     []string `json:"block_hashes,omitempty"`
	CommittedTip    int64    `json:"committed_tip"`
	SeedHex         *string  `json:"seed_hex,omitempty"`
	Winner          *int64   `json:"winner,omitempty"`
	Verified        bool     `json:"verified"`
	ProofJSON       *string  `json:"proof_json,omitempty"`
	PrizeContractID *string  `json:"prize_contract_id,omitempty"`
	AttestationJSON *string  `json:"attestation_json,omitempty"`
	CommitTxid      *string  `json:"commit_txid,omitempty"`
	RevealTxid      *string  `json:"reveal_txid,omitempty"`
	CreatedAt       int64    `json:"created_at"`
	CompletedAt     *int64   `json:"completed_at,omitempty"`
}

// DrawResult is what CompleteDraw writes when a pending draw is revealed.
type DrawResult struct {
	BlockHashes     []string
	SeedHex         string
	Winner          int64
	ProofJSON       string
	AttestationJSON *string
}

const drawColumns = `id, draw_number, status, tickets_json, block_heights_json, block_hashes_json,
	committed_tip, seed_hex, winner, verified, proof_json, prize_contract_id,
	attestation_json, commit_txid, reveal_txid, created_at, completed_at`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanDraw(row rowScanner) (*Draw, error) {
	var (
		d                        Draw
		ticketsJSON, heightsJSON string
		hashesJSON               sql.NullString
	)
	err := row.Scan(&d.ID, &d.DrawNumber, &d.Status, &ticketsJSON, &heightsJSON, &hashesJSON,
		&d.CommittedTip, &d.SeedHex, &d.Winner, &d.Verified, &d.ProofJSON, &d.PrizeContractID,
		&d.AttestationJSON, &d.CommitTxid, &d.RevealTxid, &d.CreatedAt, &d.CompletedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(ticketsJSON), &d.Tickets); err != nil {
		return nil, fmt.Errorf("draw %s tickets: %w", d.ID, err)
	}
	if err := json.Unmarshal([]byte(heightsJSON), &d.BlockHeights); err != nil {
		return nil, fmt.Errorf("draw %s heights: %w", d.ID, err)
	}
	if hashesJSON.Valid && hashesJSON.String != "" {
		if err := json.Unmarshal([]byte(hashesJSON.String), &d.BlockHashes); err != nil {
			return nil, fmt.Errorf("draw %s hashes: %w", d.ID, err)
		}
	}
	return &d, nil
}

// CreatePendingDraw assigns the next draw number, inserts the draw and
// freezes the given open-pool tickets into it, all in one transaction. It
// fails with ErrConflict if any ticket is no longer in the open pool.
func CreatePendingDraw(d *Draw, ticketIDs []string) error {
	ticketsJSON, err := json.Marshal(d.Tickets)
	if err != nil {
		return err
	}
	heightsJSON, err := json.Marshal(d.BlockHeights)
	if err != nil {
		return err
	}

	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var next int64
	if err := tx.QueryRow(`SELECT COALESCE(MAX(draw_number), 0) + 1 FROM draws`).Scan(&next); err != nil {
		return fmt.Errorf("next draw number: %w", err)
	}
	if d.CreatedAt == 0 {
		d.CreatedAt = time.Now().Unix()
	}

	if _, err := tx.Exec(`
		INSERT INTO draws (id, draw_number, status, tickets_json, block_heights_json,
			committed_tip, prize_contract_id, created_at)
		VALUES (?, ?, 'pending', ?, ?, ?, ?, ?)`,
		d.ID, next, string(ticketsJSON), string(heightsJSON),
		d.CommittedTip, d.PrizeContractID, d.CreatedAt); err != nil {
		return fmt.Errorf("insert draw: %w", err)
	}

	stmt, err := tx.Prepare(`UPDATE tickets SET draw_id = ? WHERE id = ? AND draw_id IS NULL AND status = 'pending'`)
	if err != nil {
		return fmt.Errorf("prepare: %w", err)
	}
	defer stmt.Close()
	for _, id := range ticketIDs {
		res, err := stmt.Exec(d.ID, id)
		if err != nil {
			return fmt.Errorf("freeze ticket %s: %w", id, err)
		}
		if n, _ := res.RowsAffected(); n != 1 {
			return fmt.Errorf("ticket %s left the open pool: %w", id, ErrConflict)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	d.DrawNumber = next
	d.Status = DrawPending
	return nil
}

// CompleteDraw writes the revealed result and settles every ticket of the
// draw in one transaction: exactly one ticket becomes won, the rest lost.
func CompleteDraw(id string, r DrawResult) error {
	hashesJSON, err := json.Marshal(r.BlockHashes)
	if err != nil {
		return err
	}

	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.Exec(`
		UPDATE draws SET status = 'completed', block_hashes_json = ?, seed_hex = ?, winner = ?,
			verified = 1, proof_json = ?, attestation_json = ?, completed_at = ?
		WHERE id = ? AND status = 'pending'`,
		string(hashesJSON), r.SeedHex, r.Winner, r.ProofJSON, r.AttestationJSON, time.Now().Unix(), id)
	if err != nil {
		return fmt.Errorf("complete draw: %w", err)
	}
	if n, _ := res.RowsAffected(); n != 1 {
		return fmt.Errorf("draw %s is not pending: %w", id, ErrConflict)
	}

	if _, err := tx.Exec(`
		UPDATE tickets SET status = CASE WHEN ticket_number = ? THEN 'won' ELSE 'lost' END
		WHERE draw_id = ? AND status = 'pending'`, r.Winner, id); err != nil {
		return fmt.Errorf("settle tickets: %w", err)
	}

	var won int
	if err := tx.QueryRow(`SELECT COUNT(*) FROM tickets WHERE draw_id = ? AND status = 'won'`, id).Scan(&won); err != nil {
		return fmt.Errorf("count winners: %w", err)
	}
	if won != 1 {
		return fmt.Errorf("draw %s settled %d winning tickets: %w", id, won, ErrConflict)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// GetDrawByID returns a draw by id.
func GetDrawByID(id string) (*Draw, error) {
	return scanDraw(db.QueryRow(`SELECT `+drawColumns+` FROM draws WHERE id = ?`, id))
}

// GetDrawByNumber returns a draw by draw number.
func GetDrawByNumber(n int64) (*Draw, error) {
	return scanDraw(db.QueryRow(`SELECT `+drawColumns+` FROM draws WHERE draw_number = ?`, n))
}

// GetLatestDraw returns the draw with the highest number.
func GetLatestDraw() (*Draw, error) {
	return scanDraw(db.QueryRow(`SELECT ` + drawColumns + ` FROM draws ORDER BY draw_number DESC LIMIT 1`))
}

// ListDraws returns draws newest first.
func ListDraws(limit, offset int) ([]Draw, error) {
	return queryDraws(`SELECT `+drawColumns+` FROM draws ORDER BY draw_number DESC LIMIT ? OFFSET ?`, limit, offset)
}

// GetPendingDraws returns draws waiting for their blocks, oldest first.
func GetPendingDraws() ([]Draw, error) {
	return queryDraws(`SELECT ` + drawColumns + ` FROM draws WHERE status = 'pending' ORDER BY draw_number ASC`)
}

// CountDraws returns the number of draws, optionally filtered by status.
func CountDraws(status string) (int, error) {
	var count int
	var err error
	if status == "" {
		err = db.QueryRow(`SELECT COUNT(*) FROM draws`).Scan(&count)
	} else {
		err = db.QueryRow(`SELECT COUNT(*) FROM draws WHERE status = ?`, status).Scan(&count)
	}
	return count, err
}

// SetDrawCommitTxid records the anchoring transaction of a draw commitment.
func SetDrawCommitTxid(id, txid string) error {
	_, err := db.Exec(`UPDATE draws SET commit_txid = ? WHERE id = ? AND commit_txid IS NULL`, txid, id)
	return err
}

// SetDrawRevealTxid records the anchoring transaction of a draw result.
func SetDrawRevealTxid(id, txid string) error {
	_, err := db.Exec(`UPDATE draws SET reveal_txid = ? WHERE id = ? AND reveal_txid IS NULL`, txid, id)
	return err
}

func queryDraws(query string, args ...interface{}) ([]Draw, error) {
	rows, err := db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var draws []Draw
	for rows.Next() {
		d, err := scanDraw(rows)
		if err != nil {
			return nil, err
		}
		draws = append(draws, *d)
	}
	return draws, rows.Err()
}
