package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ethmarket/orderwatch/internal/domain"
)

// Archiver implements domain.Archiver: it serializes the batch to JSONL and
// uploads it before the pruning task deletes the rows. Deletion is the
// caller's explicit second step, never performed here.
type Archiver struct {
	writer *Writer
	now    func() time.Time
}

// NewArchiver creates an Archiver.
func NewArchiver(writer *Writer) *Archiver {
	return &Archiver{writer: writer, now: time.Now}
}

// ArchiveOrders uploads an order batch and returns the object key.
func (a *Archiver) ArchiveOrders(ctx context.Context, reason string, orders []domain.Order) (string, error) {
	if len(orders) == 0 {
		return "", nil
	}
	buf, err := marshalJSONL(orders)
	if err != nil {
		return "", fmt.Errorf("s3blob: archive orders marshal: %w", err)
	}
	path := archivePath("orders", reason, a.now())
	if err := a.writer.Put(ctx, path, bytes.NewReader(buf), "application/x-ndjson"); err != nil {
		return "", fmt.Errorf("s3blob: archive orders upload: %w", err)
	}
	return path, nil
}

// ArchiveHistory uploads an exchange history batch and returns the object key.
func (a *Archiver) ArchiveHistory(ctx context.Context, reason string, events []domain.ExchangeEvent) (string, error) {
	if len(events) == 0 {
		return "", nil
	}
	buf, err := marshalJSONL(events)
	if err != nil {
		return "", fmt.Errorf("s3blob: archive history marshal: %w", err)
	}
	path := archivePath("exchange_history", reason, a.now())
	if err := a.writer.Put(ctx, path, bytes.NewReader(buf), "application/x-ndjson"); err != nil {
		return "", fmt.Errorf("s3blob: archive history upload: %w", err)
	}
	return path, nil
}

// archivePath partitions archive objects by kind, reason and day:
//
//	archive/orders/opensea_retired/2025-01-17/<uuid>.jsonl
func archivePath(kind, reason string, at time.Time) string {
	return fmt.Sprintf("archive/%s/%s/%s/%s.jsonl",
		kind, reason, at.UTC().Format("2006-01-02"), uuid.New().String())
}

// marshalJSONL serializes records as newline-delimited JSON.
func marshalJSONL[T any](records []T) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	for i, rec := range records {
		if err := enc.Encode(rec); err != nil {
			return nil, fmt.Errorf("jsonl encode record %d: %w", i, err)
		}
	}
	return buf.Bytes(), nil
}

var _ domain.Archiver = (*Archiver)(nil)
