package db

import (
	"fmt"
	"time"
)

// Ticket statuses.
const (
	TicketPending = "pending"
	TicketWon     = "won"
	TicketLost    = "lost"
)

type Ticket struct {
	ID              string  `json:"id"`
	TicketNumber    int64   `json:"ticket_number"`
	OwnerID         string  `json:"owner_id"`
	DrawID          *string `json:"draw_id,omitempty"`
	DrawNumber      *int64  `json:"draw_number,omitempty"`
	Status          string  `json:"status"`
	Claimed         bool    `json:"claimed"`
	PrizeContractID *string `json:"prize_contract_id,omitempty"`
	CreatedAt       int64   `json:"created_at"`
}

const ticketColumns = `t.id, t.ticket_number, t.owner_id, t.draw_id, d.draw_number,
	t.status, t.claimed, t.prize_contract_id, t.created_at`

const ticketFrom = ` FROM tickets t LEFT JOIN draws d ON d.id = t.draw_id`

func scanTicket(row rowScanner) (*Ticket, error) {
	var t Ticket
	if err := row.Scan(&t.ID, &t.TicketNumber, &t.OwnerID, &t.DrawID, &t.DrawNumber,
		&t.Status, &t.Claimed, &t.PrizeContractID, &t.CreatedAt); err != nil {
		return nil, err
	}
	return &t, nil
}

// InsertTicket adds a ticket to the open pool. A number already in the open
// pool yields ErrConflict.
func InsertTicket(t *Ticket) error {
	if t.CreatedAt == 0 {
		t.CreatedAt = time.Now().Unix()
	}
	t.Status = TicketPending
	_, err := db.Exec(`
		INSERT INTO tickets (id, ticket_number, owner_id, status, created_at)
		VALUES (?, ?, ?, 'pending', ?)`,
		t.ID, t.TicketNumber, t.OwnerID, t.CreatedAt)
	if isUniqueViolation(err) {
		return fmt.Errorf("ticket number %d already in the open pool: %w", t.TicketNumber, ErrConflict)
	}
	return err
}

// OpenPool returns the tickets not yet frozen into a draw.
func OpenPool() ([]Ticket, error) {
	return queryTickets(`SELECT ` + ticketColumns + ticketFrom + ` WHERE t.draw_id IS NULL ORDER BY t.ticket_number ASC`)
}

// TicketsForDraw returns the tickets frozen into a draw.
func TicketsForDraw(drawID string) ([]Ticket, error) {
	return queryTickets(`SELECT `+ticketColumns+ticketFrom+` WHERE t.draw_id = ? ORDER BY t.ticket_number ASC`, drawID)
}

// TicketsByOwner returns a user's tickets, newest first.
func TicketsByOwner(ownerID string, limit int) ([]Ticket, error) {
	if limit <= 0 {
		limit = 100
	}
	return queryTickets(`SELECT `+ticketColumns+ticketFrom+` WHERE t.owner_id = ? ORDER BY t.created_at DESC, t.ticket_number ASC LIMIT ?`,
		ownerID, limit)
}

// GetTicket returns a ticket by id.
func GetTicket(id string) (*Ticket, error) {
	return scanTicket(db.QueryRow(`SELECT `+ticketColumns+ticketFrom+` WHERE t.id = ?`, id))
}

// ClaimTicket marks a won ticket claimed. Only the first claim succeeds; a
// second returns ErrConflict.
func ClaimTicket(id, prizeContractID string) error {
	res, err := db.Exec(`
		UPDATE tickets SET claimed = 1, prize_contract_id = ?
		WHERE id = ? AND status = 'won' AND claimed = 0`, prizeContractID, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n != 1 {
		return fmt.Errorf("ticket %s not claimable: %w", id, ErrConflict)
	}
	return nil
}

// CountTickets returns the number of tickets with the given status, or all
// tickets when status is empty.
func CountTickets(status string) (int, error) {
	var count int
	var err error
	if status == "" {
		err = db.QueryRow(`SELECT COUNT(*) FROM tickets`).Scan(&count)
	} else {
		err = db.QueryRow(`SELECT COUNT(*) FROM tickets WHERE status = ?`, status).Scan(&count)
	}
	return count, err
}

func queryTickets(query string, args ...interface{}) ([]Ticket, error) {
	rows, err := db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tickets []Ticket
	for rows.Next() {
		t, err := scanTicket(rows)
		if err != nil {
			return nil, err
		}
		tickets = append(tickets, *t)
	}
	return tickets, rows.Err()
}
