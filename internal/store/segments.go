package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/BTreeMap/PolarisCRM/internal/models"
)

// CreateSegment inserts a segment. A duplicate name yields models.ErrConflict.
func (s *sqlStore) CreateSegment(ctx context.Context, in models.SegmentInput) (*models.Segment, error) {
	desc := ""
	if in.Description != nil {
		desc = strings.TrimSpace(*in.Description)
	}
	ts := nowFunc()
	var id int64
	err := s.db.QueryRowContext(ctx,
		s.q(`INSERT INTO segments (name, description, created_at) VALUES (?, ?, ?) RETURNING id`),
		in.Name, desc, ts,
	).Scan(&id)
	if err != nil {
		if s.d.isUnique(err) {
			return nil, fmt.Errorf("segment %q: %w", in.Name, models.ErrConflict)
		}
		slog.Error(s.d.name+" CreateSegment failed", "error", err, "name", in.Name)
		return nil, fmt.Errorf("failed to insert segment %q: %w", in.Name, err)
	}
	slog.Debug(s.d.name+" CreateSegment succeeded", "segmentID", id, "name", in.Name)
	return &models.Segment{ID: id, Name: in.Name, Description: desc, CreatedAt: ts}, nil
}

// GetSegment returns a segment with its members, or nil if it does not exist.
func (s *sqlStore) GetSegment(ctx context.Context, id int64) (*models.Segment, error) {
	var seg models.Segment
	err := s.db.QueryRowContext(ctx, s.q(`SELECT id, name, description, created_at FROM segments WHERE id = ?`), id).
		Scan(&seg.ID, &seg.Name, &seg.Description, &seg.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		slog.Debug(s.d.name+" GetSegment not found", "segmentID", id)
		return nil, nil
	}
	if err != nil {
		slog.Error(s.d.name+" GetSegment failed", "error", err, "segmentID", id)
		return nil, fmt.Errorf("failed to get segment %d: %w", id, err)
	}

	members, err := s.queryMembers(ctx, "GetSegment members", `
		SELECT m.id, m.first_name, m.last_name, m.phone, m.created_at, m.updated_at
		FROM members m
		JOIN segment_members sm ON sm.member_id = m.id
		WHERE sm.segment_id = ?
		ORDER BY m.last_name, m.first_name`, id)
	if err != nil {
		return nil, err
	}
	seg.Members = members
	seg.MemberCount = len(members)
	return &seg, nil
}

// ListSegments returns every segment with its member count.
func (s *sqlStore) ListSegments(ctx context.Context) ([]models.Segment, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT s.id, s.name, s.description, s.created_at, COUNT(sm.member_id)
		FROM segments s
		LEFT JOIN segment_members sm ON sm.segment_id = s.id
		GROUP BY s.id, s.name, s.description, s.created_at
		ORDER BY s.name`)
	if err != nil {
		slog.Error(s.d.name+" ListSegments query failed", "error", err)
		return nil, fmt.Errorf("failed to query segments: %w", err)
	}
	defer rows.Close()

	segments := []models.Segment{}
	for rows.Next() {
		var seg models.Segment
		if err := rows.Scan(&seg.ID, &seg.Name, &seg.Description, &seg.CreatedAt, &seg.MemberCount); err != nil {
			slog.Error(s.d.name+" ListSegments scan failed", "error", err)
			return nil, fmt.Errorf("failed to scan segment row: %w", err)
		}
		segments = append(segments, seg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate segment rows: %w", err)
	}
	slog.Debug(s.d.name+" ListSegments succeeded", "count", len(segments))
	return segments, nil
}

// UpdateSegment renames a segment and/or replaces its description.
func (s *sqlStore) UpdateSegment(ctx context.Context, id int64, in models.SegmentInput) (*models.Segment, error) {
	var sets []string
	var args []any
	if in.Name != "" {
		sets = append(sets, "name = ?")
		args = append(args, in.Name)
	}
	if in.Description != nil {
		sets = append(sets, "description = ?")
		args = append(args, strings.TrimSpace(*in.Description))
	}
	if len(sets) == 0 {
		return nil, models.ErrEmptyUpdate
	}
	args = append(args, id)

	res, err := s.db.ExecContext(ctx, s.q(`UPDATE segments SET `+strings.Join(sets, ", ")+` WHERE id = ?`), args...)
	if err != nil {
		if s.d.isUnique(err) {
			return nil, fmt.Errorf("segment %q: %w", in.Name, models.ErrConflict)
		}
		slog.Error(s.d.name+" UpdateSegment failed", "error", err, "segmentID", id)
		return nil, fmt.Errorf("failed to update segment %d: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, fmt.Errorf("segment %d: %w", id, models.ErrNotFound)
	}
	slog.Debug(s.d.name+" UpdateSegment succeeded", "segmentID", id)
	return s.GetSegment(ctx, id)
}

// DeleteSegment removes a segment; memberships cascade.
func (s *sqlStore) DeleteSegment(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, s.q(`DELETE FROM segments WHERE id = ?`), id)
	if err != nil {
		slog.Error(s.d.name+" DeleteSegment failed", "error", err, "segmentID", id)
		return fmt.Errorf("failed to delete segment %d: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("segment %d: %w", id, models.ErrNotFound)
	}
	slog.Debug(s.d.name+" DeleteSegment succeeded", "segmentID", id)
	return nil
}

// AddMemberToSegment links a member to a segment.
// Either side missing yields models.ErrNotFound; an existing link models.ErrConflict.
func (s *sqlStore) AddMemberToSegment(ctx context.Context, segmentID, memberID int64) error {
	if ok, err := s.exists(ctx, `SELECT 1 FROM segments WHERE id = ?`, segmentID); err != nil {
		return err
	} else if !ok {
		return fmt.Errorf("segment %d: %w", segmentID, models.ErrNotFound)
	}
	if ok, err := s.exists(ctx, `SELECT 1 FROM members WHERE id = ?`, memberID); err != nil {
		return err
	} else if !ok {
		return fmt.Errorf("member %d: %w", memberID, models.ErrNotFound)
	}

	_, err := s.db.ExecContext(ctx,
		s.q(`INSERT INTO segment_members (segment_id, member_id, added_at) VALUES (?, ?, ?)`),
		segmentID, memberID, nowFunc())
	if err != nil {
		switch {
		case s.d.isUnique(err):
			return fmt.Errorf("member %d in segment %d: %w", memberID, segmentID, models.ErrConflict)
		case s.d.isForeignKey(err):
			// Deleted between the existence checks and the insert.
			return fmt.Errorf("segment %d or member %d: %w", segmentID, memberID, models.ErrNotFound)
		}
		slog.Error(s.d.name+" AddMemberToSegment failed", "error", err, "segmentID", segmentID, "memberID", memberID)
		return fmt.Errorf("failed to add member %d to segment %d: %w", memberID, segmentID, err)
	}
	slog.Debug(s.d.name+" AddMemberToSegment succeeded", "segmentID", segmentID, "memberID", memberID)
	return nil
}

// RemoveMemberFromSegment unlinks a member; a missing link yields models.ErrNotFound.
func (s *sqlStore) RemoveMemberFromSegment(ctx context.Context, segmentID, memberID int64) error {
	res, err := s.db.ExecContext(ctx,
		s.q(`DELETE FROM segment_members WHERE segment_id = ? AND member_id = ?`), segmentID, memberID)
	if err != nil {
		slog.Error(s.d.name+" RemoveMemberFromSegment failed", "error", err, "segmentID", segmentID, "memberID", memberID)
		return fmt.Errorf("failed to remove member %d from segment %d: %w", memberID, segmentID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("member %d in segment %d: %w", memberID, segmentID, models.ErrNotFound)
	}
	slog.Debug(s.d.name+" RemoveMemberFromSegment succeeded", "segmentID", segmentID, "memberID", memberID)
	return nil
}

func (s *sqlStore) exists(ctx context.Context, query string, args ...any) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, s.q(query), args...).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		slog.Error(s.d.name+" existence check failed", "error", err)
		return false, fmt.Errorf("existence check failed: %w", err)
	}
	return true, nil
}
