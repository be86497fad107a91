package protocol

import (
	"fmt"

	"github.com/google/uuid"
)

// opNamespace seeds op_id derivation. Changing it would make every queued
// operation look new to the server's dedupe ledger.
var opNamespace = uuid.MustParse("6f1d0c2e-61a4-4e49-9d6b-6a0c1d3a9f57")

// DeriveOpID returns the op_id for a queue row. It is a name-based (v5) UUID
// over the installation id, the row's sequence number and its target record,
// so every replay of one row yields the same op_id.
func DeriveOpID(deviceID string, seq int64, entity EntityKind, recordID int64) string {
	name := fmt.Sprintf("%s/%d/%s/%d", deviceID, seq, entity, recordID)
	return uuid.NewSHA1(opNamespace, []byte(name)).String()
}
