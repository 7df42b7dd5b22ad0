package service

import (
	"encoding/base64"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/septivank/energy-telemetry-service/internal/apperror"
	"github.com/septivank/energy-telemetry-service/internal/db"
)

const (
	defaultPageSize = 100
	maxPageSize     = 1000
)

type cursor struct {
	ObservedAt string `json:"observed_at"`
	ID         string `json:"id"`
}

// EncodeCursor renders the position after reading as an opaque page token
func EncodeCursor(pos db.ReadingCursor) string {
	b, err := json.Marshal(cursor{
		ObservedAt: pos.ObservedAt.UTC().Format(time.RFC3339Nano),
		ID:         pos.ID.String(),
	})
	if err != nil {
		return ""
	}
	return base64.RawURLEncoding.EncodeToString(b)
}

// DecodeCursor parses a page token produced by EncodeCursor
func DecodeCursor(token string) (*db.ReadingCursor, error) {
	invalid := apperror.NewValidationError("cursor", "invalid_cursor", "cursor is malformed")

	b, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return nil, invalid
	}

	var c cursor
	if err := json.Unmarshal(b, &c); err != nil {
		return nil, invalid
	}

	observedAt, err := time.Parse(time.RFC3339Nano, c.ObservedAt)
	if err != nil {
		return nil, invalid
	}
	id, err := uuid.Parse(c.ID)
	if err != nil {
		return nil, invalid
	}

	return &db.ReadingCursor{ObservedAt: observedAt.UTC(), ID: id}, nil
}

func pageSize(requested int) (int, error) {
	switch {
	case requested == 0:
		return defaultPageSize, nil
	case requested < 0 || requested > maxPageSize:
		return 0, apperror.NewValidationError("limit", "out_of_range", "limit must be between 1 and 1000")
	}
	return requested, nil
}
