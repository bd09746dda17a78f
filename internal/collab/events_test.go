package collab

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"collabcore/internal/crdt"
)

func intp(v int) *int       { return &v }
func strp(v string) *string { return &v }

func TestDecodeInsert(t *testing.T) {
	w := WireOperation{ID: "op1", Type: "insert", Position: intp(3), Content: strp("abc")}
	op, err := w.decode("alice", "doc1", 7)
	require.NoError(t, err)
	assert.Equal(t, "op1", op.ID)
	assert.Equal(t, crdt.OpInsert, op.Type)
	assert.Equal(t, 3, op.Position)
	assert.Equal(t, "abc", op.Content)
	assert.Equal(t, "alice", op.UserID)
	assert.Equal(t, "doc1", op.DocumentID)
	assert.Equal(t, int64(7), op.BaseVersion)
	assert.False(t, op.Timestamp.IsZero())
}

func TestDecodeGeneratesMissingID(t *testing.T) {
	w := WireOperation{Type: "insert", Position: intp(0), Content: strp("x")}
	op, err := w.decode("alice", "doc1", 0)
	require.NoError(t, err)
	assert.NotEmpty(t, op.ID)
}

func TestDecodeVariantFieldsAreClosed(t *testing.T) {
	cases := []struct {
		name string
		op   WireOperation
	}{
		{"insert without content", WireOperation{Type: "insert", Position: intp(0)}},
		{"insert with empty content", WireOperation{Type: "insert", Position: intp(0), Content: strp("")}},
		{"insert with length", WireOperation{Type: "insert", Position: intp(0), Content: strp("x"), Length: intp(1)}},
		{"insert with attributes", WireOperation{Type: "insert", Position: intp(0), Content: strp("x"), Attributes: map[string]string{"bold": "true"}}},
		{"delete without length", WireOperation{Type: "delete", Position: intp(0)}},
		{"delete with zero length", WireOperation{Type: "delete", Position: intp(0), Length: intp(0)}},
		{"delete with content", WireOperation{Type: "delete", Position: intp(0), Length: intp(1), Content: strp("x")}},
		{"retain without length", WireOperation{Type: "retain", Position: intp(0)}},
		{"retain with attributes", WireOperation{Type: "retain", Position: intp(0), Length: intp(1), Attributes: map[string]string{"k": "v"}}},
		{"format without length", WireOperation{Type: "format", Position: intp(0)}},
		{"format with content", WireOperation{Type: "format", Position: intp(0), Length: intp(1), Content: strp("x")}},
		{"missing position", WireOperation{Type: "insert", Content: strp("x")}},
		{"unknown type", WireOperation{Type: "paint", Position: intp(0)}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := tc.op.decode("alice", "doc1", 0)
			assert.Error(t, err)
		})
	}
}

func TestDecodeFormatAllowsAttributes(t *testing.T) {
	w := WireOperation{ID: "f1", Type: "format", Position: intp(2), Length: intp(4),
		Attributes: map[string]string{"bold": "true"}}
	op, err := w.decode("alice", "doc1", 1)
	require.NoError(t, err)
	assert.Equal(t, crdt.OpFormat, op.Type)
	assert.Equal(t, 4, op.Length)
}

func TestEncodeWrapsEventEnvelope(t *testing.T) {
	frame := encode(EventOperationAck, OperationAck{DocumentID: "doc1", AcceptedIDs: []string{"op1"}, Version: 2})
	require.NotNil(t, frame)

	var msg Message
	require.NoError(t, json.Unmarshal(frame, &msg))
	assert.Equal(t, EventOperationAck, msg.Event)

	var ack OperationAck
	require.NoError(t, json.Unmarshal(msg.Data, &ack))
	assert.Equal(t, int64(2), ack.Version)
}
