package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/BTreeMap/PolarisCRM/internal/models"
)

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

const memberColumns = `id, first_name, last_name, phone, created_at, updated_at`

const messageColumns = `m.id, m.member_id, m.kind, m.content, m.status, m.external_message_id, m.metadata, m.created_at, m.updated_at`

// nilIfEmpty returns nil if s is empty, otherwise returns s.
// Used for nullable database columns.
func nilIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// scanMember scans a member row selected with memberColumns.
func scanMember(row rowScanner) (models.Member, error) {
	var m models.Member
	err := row.Scan(&m.ID, &m.FirstName, &m.LastName, &m.Phone, &m.CreatedAt, &m.UpdatedAt)
	return m, err
}

// scanMessage scans a message row selected with messageColumns, followed by any extra destinations.
func scanMessage(row rowScanner, extra ...any) (models.Message, error) {
	var m models.Message
	var externalID, metadataJSON sql.NullString
	var kind, status string
	dest := append([]any{
		&m.ID, &m.MemberID, &kind, &m.Content, &status, &externalID, &metadataJSON, &m.CreatedAt, &m.UpdatedAt,
	}, extra...)
	if err := row.Scan(dest...); err != nil {
		return m, err
	}
	m.Kind = models.MessageKind(kind)
	m.Status = models.MessageStatus(status)
	m.ExternalID = externalID.String
	if metadataJSON.Valid && metadataJSON.String != "" {
		if err := json.Unmarshal([]byte(metadataJSON.String), &m.Metadata); err != nil {
			// Keep the row readable even if an old metadata blob is corrupt.
			slog.Warn("scanMessage: metadata unmarshal failed", "error", err, "messageID", m.ID)
			m.Metadata = nil
		}
	}
	return m, nil
}

// scanMessages drains rows into a slice of messages.
func scanMessages(rows *sql.Rows, withMember bool) ([]models.Message, error) {
	defer rows.Close()
	var out []models.Message
	for rows.Next() {
		var first, last, phone string
		var extra []any
		if withMember {
			extra = []any{&first, &last, &phone}
		}
		m, err := scanMessage(rows, extra...)
		if err != nil {
			return nil, fmt.Errorf("failed to scan message row: %w", err)
		}
		m.MemberFirstName, m.MemberLastName, m.MemberPhone = first, last, phone
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate message rows: %w", err)
	}
	return out, nil
}

// marshalMetadata encodes message metadata for the metadata column.
func marshalMetadata(md map[string]any) (interface{}, error) {
	if len(md) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(md)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}
