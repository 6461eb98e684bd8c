package tracking

import (
	"context"

	"github.com/dishlens/dishlens/pkg/kv"
)

const recordKeyPrefix = "dishlens_order_tracking:"

// Record is what a device remembers about its last submitted order.
type Record struct {
	OrderID    string `json:"orderId"`
	OrderToken string `json:"orderToken"`
}

func RecordKey(slug string) string {
	return recordKeyPrefix + slug
}

func LoadRecord(ctx context.Context, store kv.Store, slug string) (*Record, error) {
	var rec Record
	found, err := kv.GetJSON(ctx, store, RecordKey(slug), &rec)
	if err != nil || !found {
		return nil, err
	}
	if rec.OrderID == "" || rec.OrderToken == "" {
		return nil, nil
	}
	return &rec, nil
}

func SaveRecord(ctx context.Context, store kv.Store, slug string, rec Record) error {
	return kv.SetJSON(ctx, store, RecordKey(slug), rec)
}

func ClearRecord(ctx context.Context, store kv.Store, slug string) error {
	return store.Delete(ctx, RecordKey(slug))
}
