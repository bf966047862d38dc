package redisx

import "time"

const (
	// Guard checkout yang sedang jalan: idem:checkout:{idempotency_key} -> "1"
	KeyIdemCheckout = "idem:checkout:%s"

	// Cache projection order: order:{order_id} -> order JSON
	KeyOrder = "order:%s"

	// Dedup webhook / event consumer: dedup:{service}:{id}
	KeyDedup = "dedup:%s:%s"
)

var (
	// a checkout that crashed mid-flight unblocks its key after this
	TTLCheckoutGuard = 2 * time.Minute
	TTLOrderCache    = 5 * time.Minute
	TTLDedup         = 48 * time.Hour
)
