package store

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/rollbook/rollbook/internal/protocol"
)

// ExportRecord is one line of a queue export.
type ExportRecord struct {
	Seq             int64               `json:"seq"`
	OpID            string              `json:"op_id"`
	Entity          protocol.EntityKind `json:"entity"`
	Action          protocol.Action     `json:"action"`
	RecordID        int64               `json:"record_id"`
	ClientUpdatedAt string              `json:"client_updated_at"`
	CreatedAt       time.Time           `json:"created_at"`
	Attempts        int                 `json:"attempts,omitempty"`
	NeedsAttention  bool                `json:"needs_attention,omitempty"`
	LastError       string              `json:"last_error,omitempty"`
	ServerUpdatedAt string              `json:"server_updated_at,omitempty"`
	Data            json.RawMessage     `json:"data"`
}

// ExportQueue writes the operations matching filter to w as JSON lines,
// oldest first, and returns how many were written.
func (s *Store) ExportQueue(ctx context.Context, w io.Writer, filter QueueFilter) (int, error) {
	deviceID, err := s.DeviceID(ctx)
	if err != nil {
		return 0, err
	}
	ops, err := s.ListOperations(ctx, filter)
	if err != nil {
		return 0, err
	}

	encoder := json.NewEncoder(w)
	for i, op := range ops {
		wire := op.Wire(deviceID)
		rec := ExportRecord{
			Seq:             op.Seq,
			OpID:            wire.OpID,
			Entity:          op.Entity,
			Action:          op.Action,
			RecordID:        op.RecordID,
			ClientUpdatedAt: wire.ClientUpdatedAt,
			CreatedAt:       op.CreatedAt,
			Attempts:        op.Attempts,
			NeedsAttention:  op.NeedsAttention,
			LastError:       op.LastError,
			ServerUpdatedAt: op.ServerUpdatedAt,
			Data:            op.Payload,
		}
		if err := encoder.Encode(&rec); err != nil {
			return i, fmt.Errorf("failed to write operation %d: %w", op.Seq, err)
		}
	}
	return len(ops), nil
}
