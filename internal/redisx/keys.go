package redisx

import "time"

const (
	// Order snapshot cache: order:snapshot:{order_id} -> JSON snapshot
	KeyOrderSnapshot = "order:snapshot:%s"

	// Webhook delivery dedup: dedup:payments:{payment_id}:{status}
	KeyWebhookDedup = "dedup:payments:%s:%s"

	// Notifier event dedup: dedup:notify:{event_id}
	KeyNotifyDedup = "dedup:notify:%s"
)

var (
	TTLSnapshotCache = 5 * time.Minute
	TTLDedup         = 48 * time.Hour
)
