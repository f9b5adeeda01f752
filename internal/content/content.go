// Package content implements the content/chunk subsystem from
// SPEC_FULL.md §4.15: content blobs, chunk records, and edges linking
// chunks to their parent content and to graph vertices. Validation is
// grounded on the teacher's db/couchdb_jsonld.go ValidateJSONLD: the
// same "check required shape fields before accepting the document"
// discipline, generalized from JSON-LD's @context/@type/@id triad to
// ThemisDB's content_id/mime_type/chunks[].{text,seq} minimums.
package content

import (
	"go.themisdb.dev/internal/codec"
	"go.themisdb.dev/internal/errs"
)

// Chunk is one segment of a content blob, produced upstream by an
// out-of-scope ingestion adapter.
type Chunk struct {
	Seq  int64
	Text string
}

// Payload is the shape ThemisDB requires before handing a content
// document to the Entity Store (the one place schema validation
// happens ahead of the generic Entity.Fields map).
type Payload struct {
	ContentID string
	MimeType  string
	Chunks    []Chunk
}

// Validate enforces the required fields (SPEC_FULL.md §4.15):
// content_id, mime_type, and chunks[].{text, seq} — warnings-only
// fields from JSON-LD validation (like @type in the teacher) have no
// equivalent here because every field in Payload is required.
func Validate(p Payload) error {
	if p.ContentID == "" {
		return errs.New(errs.SchemaViolation, "content payload missing content_id")
	}
	if p.MimeType == "" {
		return errs.New(errs.SchemaViolation, "content payload %s missing mime_type", p.ContentID)
	}
	if len(p.Chunks) == 0 {
		return errs.New(errs.SchemaViolation, "content payload %s has no chunks", p.ContentID)
	}
	seen := map[int64]bool{}
	for _, c := range p.Chunks {
		if c.Text == "" {
			return errs.New(errs.SchemaViolation, "content payload %s: chunk seq %d has empty text", p.ContentID, c.Seq)
		}
		if seen[c.Seq] {
			return errs.New(errs.SchemaViolation, "content payload %s: duplicate chunk seq %d", p.ContentID, c.Seq)
		}
		seen[c.Seq] = true
	}
	return nil
}

// Fields converts a validated Payload into the codec.Value map the
// Entity Store stores, one "chunks" array of chunk objects.
func Fields(p Payload) map[string]codec.Value {
	chunks := make([]codec.Value, len(p.Chunks))
	for i, c := range p.Chunks {
		chunks[i] = codec.FromObject(map[string]codec.Value{
			"seq":  codec.FromInt64(c.Seq),
			"text": codec.FromString(c.Text),
		})
	}
	return map[string]codec.Value{
		"content_id": codec.FromString(p.ContentID),
		"mime_type":  codec.FromString(p.MimeType),
		"chunks":     codec.FromArray(chunks),
	}
}

// EdgeType enumerates the two link kinds a content chunk participates in.
type EdgeType string

const (
	// EdgeChunkOfContent links a chunk entity to its parent content entity.
	EdgeChunkOfContent EdgeType = "chunk_of"
	// EdgeChunkMentionsVertex links a chunk entity to a graph vertex it references.
	EdgeChunkMentionsVertex EdgeType = "mentions"
)
