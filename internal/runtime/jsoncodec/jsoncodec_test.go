package jsoncodec

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type poolSnapshot struct {
	Name    string `json:"name"`
	Workers int    `json:"workers"`
	Queued  int    `json:"queued"`
}

func TestMarshalAndUnmarshal(t *testing.T) {
	in := poolSnapshot{Name: "flow.io", Workers: 4, Queued: 2}
	data, err := Marshal(in)
	require.NoError(t, err)
	assert.JSONEq(t, `{"name":"flow.io","workers":4,"queued":2}`, string(data))

	var out poolSnapshot
	require.NoError(t, Unmarshal(data, &out))
	assert.Equal(t, in, out)

	indented, err := MarshalIndent(in, "", "  ")
	require.NoError(t, err)
	assert.Contains(t, string(indented), "\n  \"name\"")
}

func TestEncodeDecode(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Encode(&buf, poolSnapshot{Name: "flow.cpuLight", Workers: 2}))

	var out poolSnapshot
	require.NoError(t, Decode(strings.NewReader(buf.String()), &out))
	assert.Equal(t, "flow.cpuLight", out.Name)

	assert.Error(t, Decode(strings.NewReader("{"), &out))
}
