// Package pagination normalizes page/limit query parameters.
package pagination

const (
	DefaultPage  = 1
	DefaultLimit = 10
	MaxLimit     = 100
)

// Request is a one-based page request.
type Request struct {
	Page  int `form:"page" json:"page"`
	Limit int `form:"limit" json:"limit"`
}

// Normalize clamps the page to at least 1 and the limit to [1, MaxLimit],
// substituting defaults for zero values.
func (r Request) Normalize() Request {
	page := r.Page
	if page < 1 {
		page = DefaultPage
	}
	limit := r.Limit
	switch {
	case limit <= 0:
		limit = DefaultLimit
	case limit > MaxLimit:
		limit = MaxLimit
	}
	return Request{Page: page, Limit: limit}
}

// Offset returns the number of rows to skip.
func (r Request) Offset() int {
	normalized := r.Normalize()
	return (normalized.Page - 1) * normalized.Limit
}

// Meta describes the position of a page within the full result set.
type Meta struct {
	Page       int   `json:"page"`
	Limit      int   `json:"limit"`
	Total      int64 `json:"total"`
	TotalPages int   `json:"total_pages"`
}

// Page is a slice of results with its metadata.
type Page[T any] struct {
	Data []T `json:"data"`
	Meta Meta `json:"meta"`
}

// NewPage builds a page envelope for the request.
func NewPage[T any](request Request, data []T, total int64) Page[T] {
	normalized := request.Normalize()
	if data == nil {
		data = []T{}
	}
	totalPages := int((total + int64(normalized.Limit) - 1) / int64(normalized.Limit))
	return Page[T]{
		Data: data,
		Meta: Meta{
			Page:       normalized.Page,
			Limit:      normalized.Limit,
			Total:      total,
			TotalPages: totalPages,
		},
	}
}
