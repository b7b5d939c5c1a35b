package db

import "time"

// Peer is a gossip peer and its draw-verification record.
type Peer struct {
	PeerID          string `json:"peer_id"`
	Status          string `json:"status"`
	FirstSeenAt     int64  `json:"first_seen_at"`
	LastSeenAt      int64  `json:"last_seen_at"`
	ReputationScore int    `json:"reputation_score"`
	ValidDraws      int    `json:"valid_draws"`
	InvalidDraws    int    `json:"invalid_draws"`
}

func UpsertPeer(peerID string) error {
	now := time.Now().Unix()
	_, err := db.Exec(`
		INSERT INTO peers (peer_id, status, first_seen_at, last_seen_at)
		VALUES (?, 'active', ?, ?)
		ON CONFLICT(peer_id) DO UPDATE SET
			status = 'active',
			last_seen_at = excluded.last_seen_at`,
		peerID, now, now)
	return err
}

func MarkPeerInactive(peerID string) error {
	_, err := db.Exec(`UPDATE peers SET status = 'inactive' WHERE peer_id = ?`, peerID)
	return err
}

func GetActivePeers() ([]Peer, error) {
	rows, err := db.Query(`
		SELECT peer_id, status, first_seen_at, last_seen_at, reputation_score,
			valid_draws, invalid_draws
		FROM peers
		WHERE status = 'active'
		ORDER BY reputation_score DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var peers []Peer
	for rows.Next() {
		var p Peer
		if err := rows.Scan(&p.PeerID, &p.Status, &p.FirstSeenAt, &p.LastSeenAt,
			&p.ReputationScore, &p.ValidDraws, &p.InvalidDraws); err != nil {
			return nil, err
		}
		peers = append(peers, p)
	}
	return peers, rows.Err()
}

// RecordDrawVerdict adjusts a peer's reputation after re-verifying a draw it
// announced. Scores are clamped to [0, 100].
func RecordDrawVerdict(peerID string, valid bool) error {
	delta, col := 1, "valid_draws"
	if !valid {
		delta, col = -10, "invalid_draws"
	}
	_, err := db.Exec(`
		UPDATE peers SET
			reputation_score = MAX(0, MIN(100, reputation_score + ?)),
			`+col+` = `+col+` + 1
		WHERE peer_id = ?`, delta, peerID)
	return err
}
