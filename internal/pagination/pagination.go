// Package pagination reads optional page/limit windows from query strings.
// A request that names neither parameter is unpaged and callers return the
// whole collection.
package pagination

import (
	"net/url"
	"strconv"
)

// Params is the window of one listing request.
type Params struct {
	Page   int32 // 1-based
	Limit  int32
	Offset int32
	// Requested reports whether the caller asked for a window at all.
	Requested bool
}

const (
	// MaxLimit caps the number of items per page.
	MaxLimit     int32 = 100
	DefaultPage  int32 = 1
	DefaultLimit int32 = 20
)

func calculateOffset(page, limit int32) int32 {
	if page < 1 {
		page = 1
	}
	return (page - 1) * limit
}

type PaginationOption func(*Params)

// WithDefaultLimit overrides DefaultLimit. Non-positive values are ignored.
func WithDefaultLimit(limit int32) PaginationOption {
	return func(p *Params) {
		if limit > 0 {
			p.Limit = limit
		}
	}
}

// GetPaginationParams extracts page and limit from q. Invalid or
// non-positive values fall back to the defaults; limit is capped at MaxLimit.
func GetPaginationParams(q url.Values, opts ...PaginationOption) Params {
	params := Params{
		Page:  DefaultPage,
		Limit: DefaultLimit,
	}
	for _, opt := range opts {
		opt(&params)
	}

	if pageStr := q.Get("page"); pageStr != "" {
		params.Requested = true
		if val, err := strconv.ParseInt(pageStr, 10, 32); err == nil && val > 0 {
			params.Page = int32(val)
		}
	}
	if limitStr := q.Get("limit"); limitStr != "" {
		params.Requested = true
		if val, err := strconv.ParseInt(limitStr, 10, 32); err == nil && val > 0 {
			params.Limit = int32(val)
		}
	}

	if params.Limit > MaxLimit {
		params.Limit = MaxLimit
	}
	params.Offset = calculateOffset(params.Page, params.Limit)
	return params
}

// GetHasNext reports whether items remain after the current window.
func GetHasNext(offset, limit, count int32) bool {
	return int64(offset)+int64(limit) < int64(count)
}
