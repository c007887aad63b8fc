package audit

import (
	"context"
	"fmt"
	"strings"

	"github.com/penbosso/IntLearn-sub000/internal/docstore"
	"github.com/penbosso/IntLearn-sub000/internal/shared"
)

const (
	// Collection holds every audit record written by shared.AuditLogger.
	Collection = "auditLogs"

	defaultPageSize = 20
	maxPageSize     = 50
)

// Service mengoordinasikan pengambilan data audit.
type Service struct {
	store docstore.Reader
}

// NewService membuat service audit timeline baru.
func NewService(store docstore.Reader) *Service {
	return &Service{store: store}
}

// Timeline mengambil data audit dengan paging, terbaru lebih dulu.
func (s *Service) Timeline(ctx context.Context, filters TimelineFilters) (Result, error) {
	pageSize := filters.PageSize
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}
	if pageSize > maxPageSize {
		pageSize = maxPageSize
	}
	page := filters.Page
	if page <= 0 {
		page = 1
	}
	rows, err := s.load(ctx, filters)
	if err != nil {
		return Result{}, err
	}
	offset := len(rows)
	if page-1 <= len(rows)/pageSize {
		offset = min((page-1)*pageSize, len(rows))
	}
	end := offset + pageSize
	hasNext := end < len(rows)
	if end > len(rows) {
		end = len(rows)
	}
	paging := PagingInfo{Page: page, PageSize: pageSize, HasNext: hasNext}
	if page > 1 {
		paging.PrevPage = page - 1
	}
	if hasNext {
		paging.NextPage = page + 1
	}
	return Result{Rows: rows[offset:end], Paging: paging}, nil
}

// Export mengambil seluruh data timeline tanpa paging.
func (s *Service) Export(ctx context.Context, filters TimelineFilters) ([]TimelineRow, error) {
	return s.load(ctx, filters)
}

func (s *Service) load(ctx context.Context, filters TimelineFilters) ([]TimelineRow, error) {
	if s == nil || s.store == nil {
		return nil, fmt.Errorf("audit: store not configured")
	}
	filters.Actor = strings.TrimSpace(filters.Actor)
	filters.Entity = strings.TrimSpace(filters.Entity)
	filters.EntityID = strings.TrimSpace(filters.EntityID)
	filters.Action = strings.TrimSpace(filters.Action)

	snaps, err := s.store.List(ctx, docstore.Query{Collection: Collection, Descending: true})
	if err != nil {
		return nil, err
	}
	rows := make([]TimelineRow, 0, len(snaps))
	for _, snap := range snaps {
		var log shared.AuditLog
		if err := snap.DataTo(&log); err != nil {
			return nil, fmt.Errorf("audit: decode %s: %w", snap.Key, err)
		}
		row := TimelineRow{
			ID:       snap.Key.ID(),
			At:       log.At,
			Actor:    log.ActorID,
			Action:   log.Action,
			Entity:   log.Entity,
			EntityID: log.EntityID,
			Meta:     log.Meta,
		}
		if row.At.IsZero() {
			row.At = snap.CreateTime
		}
		if filters.match(row) {
			rows = append(rows, row)
		}
	}
	return rows, nil
}
