// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides small aggregate queries over the outbox
// used by the stats endpoint and the backlog gauge.
package repo

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/tbourn/command-relay/internal/domain"
)

// OutboxStats summarises the outbox table.
type OutboxStats struct {
	Counts        map[domain.OutboxStatus]int64 `json:"counts"`
	OldestPending *time.Time                    `json:"oldest_pending,omitempty"`
}

// Backlog is the number of rows still awaiting a terminal outcome.
func (s OutboxStats) Backlog() int64 {
	return s.Counts[domain.OutboxPending] + s.Counts[domain.OutboxFailed]
}

// CollectOutboxStats returns row counts per status and the creation time of
// the oldest PENDING row (nil when none).
func CollectOutboxStats(ctx context.Context, db *gorm.DB) (OutboxStats, error) {
	stats := OutboxStats{Counts: map[domain.OutboxStatus]int64{
		domain.OutboxPending:   0,
		domain.OutboxDelivered: 0,
		domain.OutboxFailed:    0,
		domain.OutboxDLQ:       0,
	}}

	var rows []struct {
		Status domain.OutboxStatus
		N      int64
	}
	if err := db.WithContext(ctx).
		Model(&domain.OutboxRecord{}).
		Select("status, COUNT(*) AS n").
		Group("status").
		Scan(&rows).Error; err != nil {
		return stats, err
	}
	for _, r := range rows {
		stats.Counts[r.Status] = r.N
	}
	if stats.Counts[domain.OutboxPending] == 0 {
		return stats, nil
	}

	// Oldest pending created_at (avoid MIN() -> TEXT in SQLite)
	var oldest struct {
		CreatedAt time.Time
	}
	if err := db.WithContext(ctx).
		Model(&domain.OutboxRecord{}).
		Where("status = ?", domain.OutboxPending).
		Select("created_at").
		Order("created_at ASC").
		Limit(1).
		Scan(&oldest).Error; err != nil {
		return stats, err
	}
	stats.OldestPending = &oldest.CreatedAt
	return stats, nil
}
