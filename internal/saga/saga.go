// Package saga implements the SAGA compensation batch log from spec.md
// §4.13: compensation records are appended per transaction, then
// periodically finalized into a signed, hashed batch. Signing is
// grounded on the teacher's security/jwt.go JWTService, which signs
// with HMAC-SHA256 via lestrrat-go/jwx/v2 — generalized here from
// signing claims-bearing JWTs to signing a batch's content hash via
// the same library's compact JWS primitive, since a SAGA batch is a
// log record, not an auth token.
package saga

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jws"

	"go.themisdb.dev/internal/errs"
)

// Entry is one compensation record appended as a transaction issues
// mutations with effects outside the KV write batch.
type Entry struct {
	TxID        string `json:"txid"`
	Seq         uint64 `json:"seq"`
	Description string `json:"description"`
}

// Batch is a finalized, signed window of Entries (spec.md §4.13).
type Batch struct {
	BatchID    string  `json:"batch_id"`
	Timestamp  int64   `json:"timestamp"`
	EntryCount int     `json:"entry_count"`
	Entries    []Entry `json:"entries"`
	Hash       string  `json:"hash"`
	Signature  string  `json:"signature"`
}

// Signer finalizes batches of pending entries with HMAC-SHA256.
type Signer struct {
	key []byte
}

func NewSigner(key string) *Signer {
	return &Signer{key: []byte(key)}
}

// contentHash hashes the batch's deterministic content (everything but
// Hash/Signature themselves) so Verify can recompute and compare it.
func contentHash(batchID string, timestamp int64, entries []Entry) (string, []byte, error) {
	payload := struct {
		BatchID   string  `json:"batch_id"`
		Timestamp int64   `json:"timestamp"`
		Entries   []Entry `json:"entries"`
	}{BatchID: batchID, Timestamp: timestamp, Entries: entries}

	raw, err := json.Marshal(payload)
	if err != nil {
		return "", nil, err
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:]), raw, nil
}

// Finalize builds a Batch{batch_id, timestamp, entry_count, signature,
// hash} from pending entries, signing the content hash.
func (s *Signer) Finalize(batchID string, timestamp int64, entries []Entry) (Batch, error) {
	hash, raw, err := contentHash(batchID, timestamp, entries)
	if err != nil {
		return Batch{}, errs.Wrap(errs.Internal, err, "hash saga batch %s", batchID)
	}

	signed, err := jws.Sign(raw, jws.WithKey(jwa.HS256, s.key))
	if err != nil {
		return Batch{}, errs.Wrap(errs.Internal, err, "sign saga batch %s", batchID)
	}

	return Batch{
		BatchID:    batchID,
		Timestamp:  timestamp,
		EntryCount: len(entries),
		Entries:    entries,
		Hash:       hash,
		Signature:  string(signed),
	}, nil
}

// Verify recomputes the batch's content hash and checks both the hash
// and the HMAC signature (spec.md §4.13: "recomputes hash and checks signature").
func (s *Signer) Verify(b Batch) error {
	hash, _, err := contentHash(b.BatchID, b.Timestamp, b.Entries)
	if err != nil {
		return errs.Wrap(errs.Internal, err, "hash saga batch %s", b.BatchID)
	}
	if hash != b.Hash {
		return errs.New(errs.SchemaViolation, "saga batch %s: hash mismatch", b.BatchID)
	}

	payload, err := jws.Verify([]byte(b.Signature), jws.WithKey(jwa.HS256, s.key))
	if err != nil {
		return errs.Wrap(errs.SchemaViolation, err, "saga batch %s: signature verification failed", b.BatchID)
	}

	var recomputed struct {
		BatchID   string          `json:"batch_id"`
		Timestamp int64           `json:"timestamp"`
		Entries   json.RawMessage `json:"entries"`
	}
	if err := json.Unmarshal(payload, &recomputed); err != nil {
		return errs.Wrap(errs.Internal, err, "saga batch %s: decode signed payload", b.BatchID)
	}
	if recomputed.BatchID != b.BatchID || recomputed.Timestamp != b.Timestamp {
		return fmt.Errorf("saga batch %s: signed payload does not match batch metadata", b.BatchID)
	}
	return nil
}
