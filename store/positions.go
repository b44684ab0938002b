package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/timzifer/fleetreplay/fleet"
)

// InsertPositions stores snapshots for an enterprise. A snapshot already
// stored under the same timestamp is replaced. Snapshots without records are
// kept as empty frames. It returns the number of records written.
func (s *Store) InsertPositions(ctx context.Context, enterpriseID string, snapshots []fleet.PositionSnapshot) (int, error) {
	enterpriseID = strings.TrimSpace(enterpriseID)
	if enterpriseID == "" {
		return 0, errors.New("enterprise id must not be empty")
	}
	written := 0
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		written = 0
		stmt, err := tx.PrepareContext(ctx, `INSERT INTO positions (enterprise_id, snapshot_ms, position, vessel_id, record_json) VALUES (?, ?, ?, ?, ?)`)
		if err != nil {
			return fmt.Errorf("prepare position insert: %w", err)
		}
		defer stmt.Close()

		for _, snapshot := range snapshots {
			if _, err := tx.ExecContext(ctx, `DELETE FROM positions WHERE enterprise_id = ? AND snapshot_ms = ?`, enterpriseID, snapshot.Timestamp); err != nil {
				return fmt.Errorf("replace snapshot %d: %w", snapshot.Timestamp, err)
			}
			if _, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO snapshots (enterprise_id, snapshot_ms) VALUES (?, ?)`, enterpriseID, snapshot.Timestamp); err != nil {
				return fmt.Errorf("insert snapshot %d: %w", snapshot.Timestamp, err)
			}
			for idx, record := range snapshot.Records {
				data, err := json.Marshal(record)
				if err != nil {
					return fmt.Errorf("encode record %s: %w", record.VesselID, err)
				}
				if _, err := stmt.ExecContext(ctx, enterpriseID, snapshot.Timestamp, idx, record.VesselID, string(data)); err != nil {
					return fmt.Errorf("insert record %s: %w", record.VesselID, err)
				}
				written++
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return written, nil
}

// Playback returns the snapshots of the last hours, newest first, the way
// the upstream playback endpoint delivers them. It implements fleet.Source.
func (s *Store) Playback(ctx context.Context, enterpriseID string, hours int) ([]fleet.PositionSnapshot, error) {
	if hours <= 0 {
		return nil, fmt.Errorf("hours must be positive, got %d", hours)
	}
	since := s.now().Add(-time.Duration(hours) * time.Hour).UnixMilli()
	rows, err := s.db.QueryContext(ctx,
		`SELECT s.snapshot_ms, p.record_json FROM snapshots s
         LEFT JOIN positions p ON p.enterprise_id = s.enterprise_id AND p.snapshot_ms = s.snapshot_ms
         WHERE s.enterprise_id = ? AND s.snapshot_ms >= ?
         ORDER BY s.snapshot_ms DESC, p.position ASC`,
		enterpriseID, since)
	if err != nil {
		return nil, fmt.Errorf("query playback: %w", err)
	}
	defer rows.Close()

	snapshots := make([]fleet.PositionSnapshot, 0)
	for rows.Next() {
		var (
			ts   int64
			data sql.NullString
		)
		if err := rows.Scan(&ts, &data); err != nil {
			return nil, fmt.Errorf("scan position: %w", err)
		}
		if n := len(snapshots); n == 0 || snapshots[n-1].Timestamp != ts {
			snapshots = append(snapshots, fleet.PositionSnapshot{Timestamp: ts, Records: []fleet.VesselRecord{}})
		}
		if !data.Valid {
			continue
		}
		var record fleet.VesselRecord
		if err := json.Unmarshal([]byte(data.String), &record); err != nil {
			return nil, fmt.Errorf("decode stored record: %w", err)
		}
		last := &snapshots[len(snapshots)-1]
		last.Records = append(last.Records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate positions: %w", err)
	}
	return snapshots, nil
}

// Enterprises lists the enterprises with stored positions.
func (s *Store) Enterprises(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT enterprise_id FROM snapshots ORDER BY enterprise_id`)
	if err != nil {
		return nil, fmt.Errorf("query enterprises: %w", err)
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan enterprise: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
