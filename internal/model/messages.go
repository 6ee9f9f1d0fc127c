package model

import "time"

// Kind identifies which extraction worker pool should handle a file.
// The set is closed: anything the dispatcher cannot classify stays KindNone
// and is ignored, never routed.
type Kind string

const (
	KindNone          Kind = ""
	KindMbox          Kind = "mbox"
	KindAmazonHistory Kind = "amazon_history"
)

// RoutingKey returns the routing key work messages of this kind are
// published under, so per-kind worker pools can bind selectively.
func (k Kind) RoutingKey() string {
	return "work." + string(k)
}

// StorageEvent is an "object created" notification from the staging bucket
type StorageEvent struct {
	Bucket      string    `json:"bucket"`
	Key         string    `json:"name"`
	Size        int64     `json:"size"`
	ContentType string    `json:"contentType"`
	CreatedAt   time.Time `json:"timeCreated"`
}

// WorkMessage names exactly one classified file and the worker kind that
// should process it. Immutable once published; redelivery is expected.
type WorkMessage struct {
	Bucket      string    `json:"bucket"`
	ObjectKey   string    `json:"objectKey"`
	OwnerID     string    `json:"ownerId"`
	JobID       string    `json:"jobId"`
	Size        int64     `json:"size"`
	ContentType string    `json:"contentType"`
	CreatedAt   time.Time `json:"createdAt"`
	Kind        Kind      `json:"kind"`
}
