package ku

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// validNote is a minimal well-formed KU document.
func validNote() []byte {
	return []byte(`{
		"schema_id": "ku.v1",
		"type": "ku.note",
		"content_type": "application/json",
		"payload": {"text": "hello"},
		"parents": [],
		"sources": [],
		"tests": [],
		"provenance": {"agent_id": "test"},
		"tags": ["demo"]
	}`)
}

func TestValidateAcceptsWellFormedKU(t *testing.T) {
	assert.Empty(t, Validate(validNote()))
}

func TestValidateMissingFields(t *testing.T) {
	details := Validate([]byte(`{"type":"ku.note"}`))
	require.NotEmpty(t, details)
	assert.Contains(t, details, "missing field: schema_id")
	assert.Contains(t, details, "missing field: payload")
	assert.Contains(t, details, "missing field: provenance")
}

func TestValidateFieldTypes(t *testing.T) {
	tests := []struct {
		name   string
		doc    string
		detail string
	}{
		{
			name:   "payload must be an object",
			doc:    `{"schema_id":"a","type":"b","content_type":"c","payload":[],"parents":[],"sources":[],"tests":[],"provenance":{},"tags":[]}`,
			detail: "field is not an object: payload",
		},
		{
			name:   "tags must be an array",
			doc:    `{"schema_id":"a","type":"b","content_type":"c","payload":{},"parents":[],"sources":[],"tests":[],"provenance":{},"tags":"x"}`,
			detail: "field is not an array: tags",
		},
		{
			name:   "type must be a string",
			doc:    `{"schema_id":"a","type":7,"content_type":"c","payload":{},"parents":[],"sources":[],"tests":[],"provenance":{},"tags":[]}`,
			detail: "field is not a string: type",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Contains(t, Validate([]byte(tt.doc)), tt.detail)
		})
	}
}

func TestValidateNonObject(t *testing.T) {
	assert.Equal(t, []string{"ku is not a JSON object"}, Validate([]byte(`[1,2]`)))
	assert.Equal(t, []string{"ku is not a JSON object"}, Validate([]byte(`garbage`)))
}

func TestParse(t *testing.T) {
	k, err := Parse(validNote())
	require.NoError(t, err)
	assert.Equal(t, "ku.note", k.Type)
	assert.Equal(t, "ku.v1", k.SchemaID)
	assert.Equal(t, "hello", k.Payload["text"])
	assert.Nil(t, k.Sig)
}
