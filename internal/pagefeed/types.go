// Package pagefeed defines core types shared across subsystems.
package pagefeed

import (
	"encoding/json"
	"time"
)

// Query parameter names understood by the upstream pagination contract.
const (
	ParamLimit  = "_limit"
	ParamOffset = "_offset"
	// ParamPage is the legacy pagination parameter. It is always stripped
	// and replaced by ParamLimit/ParamOffset.
	ParamPage = "_page"
)

// Page size bounds enforced by the upstream service.
const (
	MinPageLimit = 1
	MaxPageLimit = 50

	// DefaultPageLimit applies when a request URL carries no _limit.
	DefaultPageLimit = 10

	// StreamPageLimit is the limit drivers default to for orchestrated
	// fetches; larger pages mean fewer round trips.
	StreamPageLimit = 50
)

// PageResult is the classified outcome of a single page fetch.
type PageResult struct {
	// Body is the raw response body.
	Body []byte

	// Items holds the records found under the response envelope key. When
	// the endpoint is not paginated it contains the payload verbatim as a
	// single logical item.
	Items []json.RawMessage

	RequestedLimit  int
	RequestedOffset int

	// LooksPaginated is true when the envelope payload is array-shaped.
	LooksPaginated bool

	// LooksLikeLastPage is true iff the payload is array-shaped and holds
	// fewer items than the requested limit. Non-array payloads are never
	// flagged by length.
	LooksLikeLastPage bool
}

// PageEvent is one page emitted by a page driver, annotated with the slot
// that produced it.
type PageEvent struct {
	Items             []json.RawMessage `json:"page"`
	Limit             int               `json:"limit"`
	Offset            int               `json:"offset"`
	Slot              int               `json:"slot"`
	SlotOffset        int               `json:"slot_offset"`
	LooksLikeLastPage bool              `json:"looks_like_last_page"`
	LooksPaginated    bool              `json:"looks_paginated"`
}

// AnnotatedItem is a single record flattened out of a PageEvent. Ownership
// transfers to the consumer on emission; the engine keeps no reference.
type AnnotatedItem struct {
	Item              json.RawMessage `json:"item"`
	ItemOffset        int             `json:"item_offset"`
	PageLimit         int             `json:"page_limit"`
	PageOffset        int             `json:"page_offset"`
	Slot              int             `json:"slot"`
	SlotOffset        int             `json:"slot_offset"`
	LooksLikeLastPage bool            `json:"looks_like_last_page"`
	LooksPaginated    bool            `json:"looks_paginated"`
}

// RetryNotification describes one retry attempt. It is emitted to observers
// (logging, metrics) and carries no lifecycle beyond that.
type RetryNotification struct {
	Attempt           int
	AttemptsRemaining int
	NextDelay         time.Duration
	ErrorStatus       int
	ErrorStatusText   string
	ErrorMessage      string
	URL               string
}

// AnnotateItems flattens a PageEvent into one AnnotatedItem per record,
// assigning each item its absolute offset. Empty pages yield nil.
func AnnotateItems(ev PageEvent) []AnnotatedItem {
	if len(ev.Items) == 0 {
		return nil
	}
	items := make([]AnnotatedItem, 0, len(ev.Items))
	for i, raw := range ev.Items {
		items = append(items, AnnotatedItem{
			Item:              append(json.RawMessage(nil), raw...),
			ItemOffset:        ev.Offset + i,
			PageLimit:         ev.Limit,
			PageOffset:        ev.Offset,
			Slot:              ev.Slot,
			SlotOffset:        ev.SlotOffset,
			LooksLikeLastPage: ev.LooksLikeLastPage,
			LooksPaginated:    ev.LooksPaginated,
		})
	}
	return items
}
