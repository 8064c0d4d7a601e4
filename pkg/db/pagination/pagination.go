package pagination

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"strings"
)

const (
	DefaultPageSize = 20
	MaxPageSize     = 100
)

var ErrInvalidPageToken = errors.New("invalid_page_token")

type Pagination struct {
	PageToken string `form:"page_token"`
	PageSize  int    `form:"page_size"`
}

// Limit clamps the requested page size.
func (p Pagination) Limit() int {
	switch {
	case p.PageSize <= 0:
		return DefaultPageSize
	case p.PageSize > MaxPageSize:
		return MaxPageSize
	default:
		return p.PageSize
	}
}

// Cursor points at the last row of the previous page. Listings order by id descending.
type Cursor struct {
	ID string `json:"id"`
}

type PageInfo struct {
	NextPageToken string `json:"next_page_token,omitempty"`
	HasMore       bool   `json:"has_more"`
}

func EncodeCursor(data Cursor) (string, error) {
	b, err := json.Marshal(data)
	if err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

func DecodeCursor(data string) (*Cursor, error) {
	data = strings.TrimSpace(data)
	if data == "" {
		return nil, nil
	}
	b, err := base64.RawURLEncoding.DecodeString(data)
	if err != nil {
		return nil, ErrInvalidPageToken
	}

	var cursor Cursor
	if err := json.Unmarshal(b, &cursor); err != nil || cursor.ID == "" {
		return nil, ErrInvalidPageToken
	}
	return &cursor, nil
}

// Page trims a result fetched with limit+1 rows and builds the page info.
func Page[T any](rows []T, limit int, cursorID func(T) string) ([]T, PageInfo) {
	if len(rows) <= limit {
		return rows, PageInfo{}
	}
	rows = rows[:limit]
	token, err := EncodeCursor(Cursor{ID: cursorID(rows[len(rows)-1])})
	if err != nil {
		return rows, PageInfo{}
	}
	return rows, PageInfo{NextPageToken: token, HasMore: true}
}
