package storage

import (
	"context"

	"wagate/internal/dispatch"
)

// Sink adapts a Store to the dispatcher's audit interface.
type Sink struct {
	store Store
}

func NewSink(store Store) *Sink { return &Sink{store: store} }

var _ dispatch.AuditSink = (*Sink)(nil)

func (s *Sink) RecordDelivery(ctx context.Context, d dispatch.Delivery) error {
	if s == nil || s.store == nil {
		return nil
	}
	return s.store.AppendDelivery(ctx, DeliveryEntry{
		At:          d.At,
		Tenant:      d.Tenant,
		Recipient:   d.Recipient,
		Success:     d.Success,
		Attempts:    d.Attempts,
		Attachments: d.Attachments,
		Detail:      d.Detail,
	})
}
