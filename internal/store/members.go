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

// CreateMember inserts a member. A duplicate phone yields models.ErrConflict.
func (s *sqlStore) CreateMember(ctx context.Context, in models.MemberInput) (*models.Member, error) {
	ts := nowFunc()
	var id int64
	err := s.db.QueryRowContext(ctx,
		s.q(`INSERT INTO members (first_name, last_name, phone, created_at, updated_at) VALUES (?, ?, ?, ?, ?) RETURNING id`),
		in.FirstName, in.LastName, in.Phone, ts, ts,
	).Scan(&id)
	if err != nil {
		if s.d.isUnique(err) {
			slog.Debug(s.d.name+" CreateMember duplicate phone", "phone", in.Phone)
			return nil, fmt.Errorf("member with phone %s: %w", in.Phone, models.ErrConflict)
		}
		slog.Error(s.d.name+" CreateMember failed", "error", err, "phone", in.Phone)
		return nil, fmt.Errorf("failed to insert member %s: %w", in.Phone, err)
	}
	slog.Debug(s.d.name+" CreateMember succeeded", "memberID", id, "phone", in.Phone)
	return &models.Member{
		ID:        id,
		FirstName: in.FirstName,
		LastName:  in.LastName,
		Phone:     in.Phone,
		CreatedAt: ts,
		UpdatedAt: ts,
	}, nil
}

// GetMember returns a member with its segments, or nil if it does not exist.
func (s *sqlStore) GetMember(ctx context.Context, id int64) (*models.Member, error) {
	m, err := scanMember(s.db.QueryRowContext(ctx, s.q(`SELECT `+memberColumns+` FROM members WHERE id = ?`), id))
	if errors.Is(err, sql.ErrNoRows) {
		slog.Debug(s.d.name+" GetMember not found", "memberID", id)
		return nil, nil
	}
	if err != nil {
		slog.Error(s.d.name+" GetMember failed", "error", err, "memberID", id)
		return nil, fmt.Errorf("failed to get member %d: %w", id, err)
	}

	rows, err := s.db.QueryContext(ctx, s.q(`
		SELECT s.id, s.name, s.description, s.created_at
		FROM segments s
		JOIN segment_members sm ON sm.segment_id = s.id
		WHERE sm.member_id = ?
		ORDER BY s.name`), id)
	if err != nil {
		slog.Error(s.d.name+" GetMember segments query failed", "error", err, "memberID", id)
		return nil, fmt.Errorf("failed to query segments of member %d: %w", id, err)
	}
	defer rows.Close()
	for rows.Next() {
		var seg models.Segment
		if err := rows.Scan(&seg.ID, &seg.Name, &seg.Description, &seg.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan segment row: %w", err)
		}
		m.Segments = append(m.Segments, seg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate segment rows: %w", err)
	}
	return &m, nil
}

// GetMemberByPhone looks a member up by canonical phone; nil if absent.
func (s *sqlStore) GetMemberByPhone(ctx context.Context, phone string) (*models.Member, error) {
	m, err := scanMember(s.db.QueryRowContext(ctx, s.q(`SELECT `+memberColumns+` FROM members WHERE phone = ?`), phone))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		slog.Error(s.d.name+" GetMemberByPhone failed", "error", err, "phone", phone)
		return nil, fmt.Errorf("failed to get member by phone %s: %w", phone, err)
	}
	return &m, nil
}

// ListMembers returns every member ordered by last then first name.
func (s *sqlStore) ListMembers(ctx context.Context) ([]models.Member, error) {
	return s.queryMembers(ctx, "ListMembers", `SELECT `+memberColumns+` FROM members ORDER BY last_name, first_name`)
}

// SearchMembers matches the query against names and phone. An empty query lists everyone.
func (s *sqlStore) SearchMembers(ctx context.Context, query string) ([]models.Member, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return s.ListMembers(ctx)
	}
	term := "%" + query + "%"
	like := s.d.like
	return s.queryMembers(ctx, "SearchMembers",
		`SELECT `+memberColumns+` FROM members
		WHERE first_name `+like+` ? OR last_name `+like+` ? OR phone `+like+` ?
		ORDER BY last_name, first_name`,
		term, term, term)
}

func (s *sqlStore) queryMembers(ctx context.Context, op, query string, args ...any) ([]models.Member, error) {
	rows, err := s.db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		slog.Error(s.d.name+" "+op+" query failed", "error", err)
		return nil, fmt.Errorf("failed to query members: %w", err)
	}
	defer rows.Close()

	members := []models.Member{}
	for rows.Next() {
		m, err := scanMember(rows)
		if err != nil {
			slog.Error(s.d.name+" "+op+" scan failed", "error", err)
			return nil, fmt.Errorf("failed to scan member row: %w", err)
		}
		members = append(members, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate member rows: %w", err)
	}
	slog.Debug(s.d.name+" "+op+" succeeded", "count", len(members))
	return members, nil
}

// UpdateMember applies the non-empty fields of in.
func (s *sqlStore) UpdateMember(ctx context.Context, id int64, in models.MemberInput) (*models.Member, error) {
	var sets []string
	var args []any
	if in.FirstName != "" {
		sets = append(sets, "first_name = ?")
		args = append(args, in.FirstName)
	}
	if in.LastName != "" {
		sets = append(sets, "last_name = ?")
		args = append(args, in.LastName)
	}
	if in.Phone != "" {
		sets = append(sets, "phone = ?")
		args = append(args, in.Phone)
	}
	if len(sets) == 0 {
		return nil, models.ErrEmptyUpdate
	}
	sets = append(sets, "updated_at = ?")
	args = append(args, nowFunc(), id)

	res, err := s.db.ExecContext(ctx, s.q(`UPDATE members SET `+strings.Join(sets, ", ")+` WHERE id = ?`), args...)
	if err != nil {
		if s.d.isUnique(err) {
			return nil, fmt.Errorf("member with phone %s: %w", in.Phone, models.ErrConflict)
		}
		slog.Error(s.d.name+" UpdateMember failed", "error", err, "memberID", id)
		return nil, fmt.Errorf("failed to update member %d: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, fmt.Errorf("member %d: %w", id, models.ErrNotFound)
	}
	slog.Debug(s.d.name+" UpdateMember succeeded", "memberID", id)
	return s.GetMember(ctx, id)
}

// DeleteMember removes a member; memberships and messages cascade.
func (s *sqlStore) DeleteMember(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, s.q(`DELETE FROM members WHERE id = ?`), id)
	if err != nil {
		slog.Error(s.d.name+" DeleteMember failed", "error", err, "memberID", id)
		return fmt.Errorf("failed to delete member %d: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("member %d: %w", id, models.ErrNotFound)
	}
	slog.Debug(s.d.name+" DeleteMember succeeded", "memberID", id)
	return nil
}
