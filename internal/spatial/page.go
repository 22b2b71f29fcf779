// Package spatial answers region inclusion queries over the annotations
// of an image, with author and term filtering and offset pagination.
package spatial

import "slidewell/api/internal/store"

// Page is the paged collection envelope returned by listing endpoints.
type Page struct {
	Items      []store.AnnotationSummary `json:"collection"`
	Offset     int                       `json:"offset"`
	PerPage    int                       `json:"perPage"`
	TotalSize  int                       `json:"size"`
	TotalPages int                       `json:"totalPages"`
}

// NewPage slices items at offset. A limit of zero or less means
// everything from offset on, reported as a single page.
func NewPage(items []store.AnnotationSummary, offset, limit int) Page {
	total := len(items)
	if offset < 0 {
		offset = 0
	}
	if offset > total {
		offset = total
	}

	if limit <= 0 {
		slice := items[offset:]
		return Page{Items: slice, Offset: offset, PerPage: len(slice), TotalSize: total, TotalPages: 1}
	}

	end := offset + limit
	if end > total {
		end = total
	}
	slice := items[offset:end]
	return Page{
		Items:      slice,
		Offset:     offset,
		PerPage:    len(slice),
		TotalSize:  total,
		TotalPages: (total + limit - 1) / limit,
	}
}
