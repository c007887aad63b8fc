package audit

import "time"

// TimelineFilters menampung filter dasar untuk audit timeline.
type TimelineFilters struct {
	From     time.Time
	To       time.Time
	Actor    string
	Entity   string
	EntityID string
	Action   string
	Page     int
	PageSize int
}

func (f TimelineFilters) match(row TimelineRow) bool {
	if !f.From.IsZero() && row.At.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && !row.At.Before(f.To) {
		return false
	}
	if f.Actor != "" && row.Actor != f.Actor {
		return false
	}
	if f.Entity != "" && row.Entity != f.Entity {
		return false
	}
	if f.EntityID != "" && row.EntityID != f.EntityID {
		return false
	}
	if f.Action != "" && row.Action != f.Action {
		return false
	}
	return true
}

// TimelineRow mewakili satu baris audit timeline.
type TimelineRow struct {
	ID       string         `json:"id"`
	At       time.Time      `json:"at"`
	Actor    string         `json:"actorId"`
	Action   string         `json:"action"`
	Entity   string         `json:"entity"`
	EntityID string         `json:"entityId"`
	Meta     map[string]any `json:"meta,omitempty"`
}

// PagingInfo menyimpan metadata pagination sederhana.
type PagingInfo struct {
	Page     int  `json:"page"`
	HasNext  bool `json:"hasNext"`
	PageSize int  `json:"pageSize"`
	PrevPage int  `json:"prevPage,omitempty"`
	NextPage int  `json:"nextPage,omitempty"`
}

// Result membungkus hasil timeline dengan informasi paging.
type Result struct {
	Rows   []TimelineRow `json:"items"`
	Paging PagingInfo    `json:"paging"`
}
