package application

import (
	"codeforge-sync/internal/domain/ports/adapter"
	"codeforge-sync/internal/infra/cache"
)

// ---- small interfaces to decouple the facade from concrete infra types ----

type NotificationFeed interface {
	Recent(n int) []adapter.Notification
	Subscribe() (<-chan adapter.Notification, func())
}

type CacheInspector interface {
	Snapshot() []cache.EntryInfo
}
