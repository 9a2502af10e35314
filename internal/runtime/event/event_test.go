package event

import (
	"bytes"
	"context"
	"io"
	"strings"
	"testing"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewAssignsID(t *testing.T) {
	a := New("payload")
	b := New("payload")
	assert.Len(t, a.ID, 26)
	assert.NotEqual(t, a.ID, b.ID)
	assert.NotNil(t, a.Metadata)
}

func TestMessageRoundTrip(t *testing.T) {
	msg := message.NewMessage("msg-1", []byte(`{"order":1}`))
	msg.Metadata.Set("source", "orders")

	ev := FromMessage(msg)
	assert.Equal(t, "msg-1", ev.ID)
	assert.Equal(t, "orders", ev.Metadata["source"])

	out, err := ev.ToMessage()
	require.NoError(t, err)
	assert.Equal(t, "msg-1", out.UUID)
	assert.Equal(t, `{"order":1}`, string(out.Payload))
	assert.Equal(t, "orders", out.Metadata.Get("source"))
}

func TestPayloadBytes(t *testing.T) {
	tests := []struct {
		name    string
		payload any
		want    string
		wantErr bool
	}{
		{"nil", nil, "", false},
		{"bytes", []byte("abc"), "abc", false},
		{"string", "abc", "abc", false},
		{"reader", strings.NewReader("streamed"), "streamed", false},
		{"unsupported", 42, "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := (&Event{ID: "x", Payload: tt.payload}).PayloadBytes()
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, string(got))
		})
	}
}

func TestWithPayloadClonesMetadata(t *testing.T) {
	ev := New("a")
	ev.Metadata["k"] = "v"
	next := ev.WithPayload("b")
	next.Metadata["k"] = "changed"

	assert.Equal(t, ev.ID, next.ID)
	assert.Equal(t, "v", ev.Metadata["k"])
	assert.Equal(t, "b", next.Payload)
}

func TestStream(t *testing.T) {
	length, known, ok := Stream([]byte("abc"))
	assert.False(t, ok)
	assert.False(t, known)
	assert.Zero(t, length)

	length, known, ok = Stream(bytes.NewReader(make([]byte, 10)))
	assert.True(t, ok)
	assert.True(t, known)
	assert.EqualValues(t, 10, length)

	_, known, ok = Stream(io.MultiReader(strings.NewReader("a")))
	assert.True(t, ok)
	assert.False(t, known)
}

func TestTransactionContext(t *testing.T) {
	_, ok := TransactionFrom(context.Background())
	assert.False(t, ok)

	tx := &Transaction{ID: "tx-1"}
	got, ok := TransactionFrom(WithTransaction(context.Background(), tx))
	require.True(t, ok)
	assert.Same(t, tx, got)

	_, ok = TransactionFrom(WithTransaction(context.Background(), nil))
	assert.False(t, ok)
}
