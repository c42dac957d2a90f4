package db

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/energizer-project/linkproxy/internal/events"
	"github.com/energizer-project/linkproxy/internal/protocol"
)

// LinkRecord is one finished link.
type LinkRecord struct {
	ID                 int64            `json:"id"`
	LinkID             string           `json:"link_id"`
	Player             string           `json:"player"`
	PlayerAddr         string           `json:"player_addr"`
	Backend            string           `json:"backend"`
	PlayerVersion      protocol.Version `json:"player_version"`
	ServerVersion      protocol.Version `json:"server_version"`
	Reason             string           `json:"reason"`
	Error              string           `json:"error,omitempty"`
	StartedAt          time.Time        `json:"started_at"`
	EndedAt            time.Time        `json:"ended_at"`
	PacketsServerbound uint64           `json:"packets_serverbound"`
	PacketsClientbound uint64           `json:"packets_clientbound"`
}

// Duration returns how long the link ran.
func (r LinkRecord) Duration() time.Duration {
	return r.EndedAt.Sub(r.StartedAt)
}

// HistoryFilter narrows Recent.
type HistoryFilter struct {
	Backend string
	Player  string
	Reason  string
	Limit   int
}

// LinkStore persists finished links.
type LinkStore struct {
	db     *Database
	logger zerolog.Logger
}

// NewLinkStore opens the database at path and migrates the schema.
func NewLinkStore(path string) (*LinkStore, error) {
	database, err := NewDatabase(path)
	if err != nil {
		return nil, err
	}
	s := &LinkStore{
		db:     database,
		logger: log.With().Str("component", "history").Logger(),
	}
	if err := s.migrate(context.Background()); err != nil {
		database.Close()
		return nil, fmt.Errorf("failed to migrate link history: %w", err)
	}
	return s, nil
}

func (s *LinkStore) migrate(ctx context.Context) error {
	return s.db.Transaction(ctx, func(tx *sql.Tx) error {
		stmts := []string{
			`CREATE TABLE IF NOT EXISTS link_history (
				id                  INTEGER PRIMARY KEY AUTOINCREMENT,
				link_id             TEXT NOT NULL UNIQUE,
				player              TEXT NOT NULL DEFAULT '',
				player_addr         TEXT NOT NULL DEFAULT '',
				backend             TEXT NOT NULL DEFAULT '',
				player_version      INTEGER NOT NULL,
				server_version      INTEGER NOT NULL,
				reason              TEXT NOT NULL,
				error               TEXT NOT NULL DEFAULT '',
				started_at          INTEGER NOT NULL,
				ended_at            INTEGER NOT NULL,
				packets_serverbound INTEGER NOT NULL DEFAULT 0,
				packets_clientbound INTEGER NOT NULL DEFAULT 0
			)`,
			`CREATE INDEX IF NOT EXISTS idx_link_history_ended ON link_history(ended_at)`,
			`CREATE INDEX IF NOT EXISTS idx_link_history_backend ON link_history(backend)`,
		}
		for _, stmt := range stmts {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				return err
			}
		}
		return nil
	})
}

// Close closes the underlying database.
func (s *LinkStore) Close() error {
	return s.db.Close()
}

// Record stores rec. Recording the same link twice keeps the first row.
func (s *LinkStore) Record(ctx context.Context, rec LinkRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO link_history (
			link_id, player, player_addr, backend, player_version, server_version,
			reason, error, started_at, ended_at, packets_serverbound, packets_clientbound
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.LinkID, rec.Player, rec.PlayerAddr, rec.Backend,
		int32(rec.PlayerVersion), int32(rec.ServerVersion),
		rec.Reason, rec.Error,
		rec.StartedAt.UnixMilli(), rec.EndedAt.UnixMilli(),
		int64(rec.PacketsServerbound), int64(rec.PacketsClientbound),
	)
	if err != nil {
		return fmt.Errorf("failed to record link %s: %w", rec.LinkID, err)
	}
	return nil
}

// Recent returns finished links matching f, newest first.
func (s *LinkStore) Recent(ctx context.Context, f HistoryFilter) ([]LinkRecord, error) {
	var (
		where []string
		args  []interface{}
	)
	if f.Backend != "" {
		where = append(where, "backend = ?")
		args = append(args, f.Backend)
	}
	if f.Player != "" {
		where = append(where, "player = ? COLLATE NOCASE")
		args = append(args, f.Player)
	}
	if f.Reason != "" {
		where = append(where, "reason = ?")
		args = append(args, f.Reason)
	}
	limit := f.Limit
	if limit <= 0 || limit > 1000 {
		limit = 100
	}

	query := `SELECT id, link_id, player, player_addr, backend, player_version, server_version,
		reason, error, started_at, ended_at, packets_serverbound, packets_clientbound
		FROM link_history`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY ended_at DESC, id DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query link history: %w", err)
	}
	defer rows.Close()

	var out []LinkRecord
	for rows.Next() {
		var (
			rec                      LinkRecord
			pv, sv                   int32
			started, ended           int64
			serverbound, clientbound int64
		)
		if err := rows.Scan(&rec.ID, &rec.LinkID, &rec.Player, &rec.PlayerAddr, &rec.Backend, &pv, &sv,
			&rec.Reason, &rec.Error, &started, &ended, &serverbound, &clientbound); err != nil {
			return nil, fmt.Errorf("failed to scan link history: %w", err)
		}
		rec.PlayerVersion = protocol.Version(pv)
		rec.ServerVersion = protocol.Version(sv)
		rec.StartedAt = time.UnixMilli(started)
		rec.EndedAt = time.UnixMilli(ended)
		rec.PacketsServerbound = uint64(serverbound)
		rec.PacketsClientbound = uint64(clientbound)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// CountByReason returns how many links ended for each stop reason.
func (s *LinkStore) CountByReason(ctx context.Context) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT reason, COUNT(*) FROM link_history GROUP BY reason`)
	if err != nil {
		return nil, fmt.Errorf("failed to count link history: %w", err)
	}
	defer rows.Close()

	out := make(map[string]int)
	for rows.Next() {
		var (
			reason string
			n      int
		)
		if err := rows.Scan(&reason, &n); err != nil {
			return nil, err
		}
		out[reason] = n
	}
	return out, rows.Err()
}

// Prune deletes links that ended before cutoff and returns how many rows
// were removed.
func (s *LinkStore) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM link_history WHERE ended_at < ?`, cutoff.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("failed to prune link history: %w", err)
	}
	n, _ := res.RowsAffected()
	s.logger.Info().Int64("rows", n).Time("cutoff", cutoff).Msg("link history pruned")
	return n, nil
}

// Subscribe records every link_stopped event published on bus.
func (s *LinkStore) Subscribe(bus *events.EventBus) {
	bus.Subscribe(events.EventLinkStopped, "history", func(ctx context.Context, e events.Event) error {
		p, ok := e.Payload.(events.LinkStoppedPayload)
		if !ok {
			return fmt.Errorf("unexpected payload %T", e.Payload)
		}
		return s.Record(ctx, RecordFromEvent(p, e.Time))
	})
}

// RecordFromEvent converts a link_stopped payload emitted at endedAt.
func RecordFromEvent(p events.LinkStoppedPayload, endedAt time.Time) LinkRecord {
	return LinkRecord{
		LinkID:             p.LinkID,
		Player:             p.Player,
		PlayerAddr:         p.PlayerAddr,
		Backend:            p.Backend,
		PlayerVersion:      p.PlayerVersion,
		ServerVersion:      p.ServerVersion,
		Reason:             p.Reason,
		Error:              p.Error,
		StartedAt:          p.StartedAt,
		EndedAt:            endedAt,
		PacketsServerbound: p.PacketsIn,
		PacketsClientbound: p.PacketsOut,
	}
}
