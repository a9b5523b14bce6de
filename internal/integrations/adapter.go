// Package integrations adapts external order feeds into pooling batches.
package integrations

import (
	"context"

	"concretepool/internal/model"
)

// OrderSource is an external feed of delivery orders.
type OrderSource interface {
	Name() string
	FetchOrders(ctx context.Context) (OrderBatch, error)
}

// OrderBatch is what a source produced. Rows the source could not decode are reported in
// Diagnostics and left out of Orders.
type OrderBatch struct {
	Source      string             `json:"source"`
	Orders      []model.Order      `json:"orders"`
	Diagnostics []model.Diagnostic `json:"diagnostics,omitempty"`
}

// Len is the number of rows seen, decoded or not.
func (b OrderBatch) Len() int { return len(b.Orders) + len(b.Diagnostics) }
