package protocol

import (
	"bytes"
	"encoding/binary"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRequestRoundTrip(t *testing.T) {
	req := NewExecute("/var/www/index.php")
	req.Method = "POST"
	req.URI = "/index.php?a=1"
	req.Headers = map[string][]string{"Accept": {"text/html"}}
	req.Body = []byte("name=velo")
	req.QueryParams = map[string]string{"a": "1"}
	req.Env = map[string]string{"REQUEST_METHOD": "POST"}
	req.Timeout = 10 * time.Second

	var buf bytes.Buffer
	require.NoError(t, WriteMessage(&buf, req))

	var got Request
	require.NoError(t, ReadMessage(&buf, &got))
	assert.Equal(t, *req, got)
}

func TestResponseRoundTrip(t *testing.T) {
	resp := &Response{
		OK:         true,
		StatusCode: 302,
		Headers: []Header{
			{Name: "Location", Value: "/next"},
			{Name: "Set-Cookie", Value: "a=1"},
			{Name: "Set-Cookie", Value: "b=2"},
		},
		Body:    []byte("redirecting"),
		Elapsed: 42 * time.Millisecond,
		Queued:  true,
	}

	var buf bytes.Buffer
	require.NoError(t, WriteMessage(&buf, resp))

	var got Response
	require.NoError(t, ReadMessage(&buf, &got))
	assert.Equal(t, *resp, got)
}

func TestLargeBodySurvives(t *testing.T) {
	// Well past any fixed receive buffer a naive implementation would use.
	body := bytes.Repeat([]byte("0123456789abcdef"), 1<<16) // 1 MiB
	req := NewExecute("/big.php")
	req.Body = body

	var buf bytes.Buffer
	require.NoError(t, WriteMessage(&buf, req))

	var got Request
	require.NoError(t, ReadMessage(&buf, &got))
	assert.Equal(t, body, got.Body)
}

func TestMultipleFramesOnOneStream(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteMessage(&buf, NewHealthCheck()))
	require.NoError(t, WriteMessage(&buf, NewStatus()))

	var first, second Request
	require.NoError(t, ReadMessage(&buf, &first))
	require.NoError(t, ReadMessage(&buf, &second))
	assert.Equal(t, KindHealthCheck, first.Kind)
	assert.Equal(t, KindStatus, second.Kind)
}

func TestReadRejectsOversizeFrame(t *testing.T) {
	var buf bytes.Buffer
	var prefix [4]byte
	binary.BigEndian.PutUint32(prefix[:], MaxFrameSize+1)
	buf.Write(prefix[:])

	var got Request
	err := ReadMessage(&buf, &got)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exceeds limit")
}

func TestReadRejectsTruncatedFrame(t *testing.T) {
	var full bytes.Buffer
	require.NoError(t, WriteMessage(&full, NewHealthCheck()))

	truncated := bytes.NewReader(full.Bytes()[:full.Len()-3])
	var got Request
	require.Error(t, ReadMessage(truncated, &got))
}

func TestReadRejectsGarbage(t *testing.T) {
	var buf bytes.Buffer
	var prefix [4]byte
	binary.BigEndian.PutUint32(prefix[:], 8)
	buf.Write(prefix[:])
	buf.WriteString("notagob!")

	var got Request
	require.Error(t, ReadMessage(&buf, &got))
}

func TestCorrelationIDsAreUnique(t *testing.T) {
	a := NewExecute("/a.php")
	b := NewExecute("/b.php")
	assert.NotEmpty(t, a.ID)
	assert.NotEqual(t, a.ID, b.ID)
}

func TestKindString(t *testing.T) {
	assert.Equal(t, "execute", KindExecute.String())
	assert.Equal(t, "health-check", KindHealthCheck.String())
	assert.Equal(t, "status", KindStatus.String())
	assert.Equal(t, "kind(9)", Kind(9).String())
}
