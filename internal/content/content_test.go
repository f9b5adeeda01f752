package content

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"go.themisdb.dev/internal/errs"
)

func TestValidateAcceptsWellFormedPayload(t *testing.T) {
	p := Payload{
		ContentID: "doc-1",
		MimeType:  "text/plain",
		Chunks:    []Chunk{{Seq: 0, Text: "hello"}, {Seq: 1, Text: "world"}},
	}
	assert.NoError(t, Validate(p))
}

func TestValidateRejectsMissingContentID(t *testing.T) {
	p := Payload{MimeType: "text/plain", Chunks: []Chunk{{Seq: 0, Text: "hi"}}}
	err := Validate(p)
	assert.Error(t, err)
	assert.True(t, errs.Is(err, errs.SchemaViolation))
}

func TestValidateRejectsEmptyChunks(t *testing.T) {
	p := Payload{ContentID: "doc-1", MimeType: "text/plain"}
	assert.Error(t, Validate(p))
}

func TestValidateRejectsDuplicateSeq(t *testing.T) {
	p := Payload{
		ContentID: "doc-1",
		MimeType:  "text/plain",
		Chunks:    []Chunk{{Seq: 0, Text: "a"}, {Seq: 0, Text: "b"}},
	}
	assert.Error(t, Validate(p))
}

func TestFieldsProducesChunkArray(t *testing.T) {
	p := Payload{ContentID: "doc-1", MimeType: "text/plain", Chunks: []Chunk{{Seq: 0, Text: "hi"}}}
	fields := Fields(p)
	assert.Equal(t, "doc-1", fields["content_id"].String)
	require := fields["chunks"]
	assert.Len(t, require.Array, 1)
}
