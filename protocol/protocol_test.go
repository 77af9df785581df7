package protocol

import (
	"bytes"
	"encoding/json"
	"io"
	"strings"
	"sync"
	"testing"
	"testing/iotest"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFindMessageEnd(t *testing.T) {
	cases := []struct {
		name string
		in   string
		end  int
		ok   bool
	}{
		{"empty", "", 0, false},
		{"whitespace only", " \r\n\t ", 0, false},
		{"simple", `{"a":1}`, 7, true},
		{"nested", `{"a":{"b":{}}}`, 14, true},
		{"leading whitespace", "  \n{}", 5, true},
		{"trailing data", `{"a":1}{"b":2}`, 7, true},
		{"incomplete", `{"a":{"b":1}`, 0, false},
		{"braces in string", `{"s":"}{"}`, 10, true},
		{"escaped quote", `{"s":"\"}"}`, 11, true},
		{"escaped backslash before quote", `{"s":"\\"}`, 10, true},
		{"open string", `{"s":"}`, 0, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			end, ok := FindMessageEnd([]byte(tc.in))
			assert.Equal(t, tc.ok, ok)
			assert.Equal(t, tc.end, end)
		})
	}
}

func TestReaderOneByteAtATime(t *testing.T) {
	original := map[string]any{
		"jsonrpc": "2.0",
		"id":      "42",
		"method":  "create_wall",
		"params": map[string]any{
			"name":   `weird } { "quoted" \ name`,
			"points": []any{1.5, 2.5, map[string]any{"z": "{"}},
		},
	}
	data, err := json.Marshal(original)
	require.NoError(t, err)

	r := NewReader(iotest.OneByteReader(bytes.NewReader(data)), 0)
	msg, err := r.Next()
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(msg, &decoded))
	assert.Equal(t, roundTrip(t, original), decoded)

	_, err = r.Next()
	assert.Equal(t, io.EOF, err)
}

func TestReaderArbitraryChunks(t *testing.T) {
	stream := `{"id":"1","method":"a"}` + "\n\n" + `{"id":"2","params":{"s":"}}}"}}` + `   {"id":"3"}`

	for _, size := range []int{1, 2, 3, 5, 7, 16, 1024} {
		r := NewReader(&chunkedReader{data: []byte(stream), size: size}, 0)
		var got []string
		for {
			msg, err := r.Next()
			if err == io.EOF {
				break
			}
			require.NoError(t, err, "chunk size %d", size)
			got = append(got, string(msg))
		}
		assert.Equal(t, []string{
			`{"id":"1","method":"a"}`,
			`{"id":"2","params":{"s":"}}}"}}`,
			`{"id":"3"}`,
		}, got, "chunk size %d", size)
		assert.Equal(t, 0, r.Buffered())
	}
}

func TestReaderConcatenatedWithoutSeparator(t *testing.T) {
	r := NewReader(strings.NewReader(`{"id":"1"}{"id":"2"}`), 0)

	first, err := r.Next()
	require.NoError(t, err)
	second, err := r.Next()
	require.NoError(t, err)

	assert.Equal(t, `{"id":"1"}`, string(first))
	assert.Equal(t, `{"id":"2"}`, string(second))
}

func TestReaderEOFInsideMessage(t *testing.T) {
	r := NewReader(strings.NewReader(`{"id":"1","method":`), 0)
	_, err := r.Next()
	assert.Equal(t, io.ErrUnexpectedEOF, err)
}

func TestReaderDropsStrayBytes(t *testing.T) {
	r := NewReader(strings.NewReader(`]] {"id":"1"} xx`), 0)

	msg, err := r.Next()
	require.NoError(t, err)
	assert.Equal(t, `{"id":"1"}`, string(msg))

	_, err = r.Next()
	assert.Equal(t, io.EOF, err)
	assert.Equal(t, 4, r.Discarded())
}

func TestReaderRejectsOversizedStream(t *testing.T) {
	payload := `{"blob":"` + strings.Repeat("x", 4096)
	r := NewReader(iotest.HalfReader(strings.NewReader(payload)), 1024)

	_, err := r.Next()
	assert.ErrorIs(t, err, ErrMessageTooLarge)
}

func TestReaderLargeMessageInSmallChunks(t *testing.T) {
	// Each read must only scan the new bytes, or this takes minutes.
	payload := `{"blob":"` + strings.Repeat("a", 8<<20) + `","s":"}{\""}`
	r := NewReader(&chunkedReader{data: []byte(payload + `{"id":"2"}`), size: 1024}, 0)

	start := time.Now()
	msg, err := r.Next()
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Equal(t, len(payload), len(msg))

	next, err := r.Next()
	require.NoError(t, err)
	assert.Equal(t, `{"id":"2"}`, string(next))
}

func TestReaderResumesAcrossSplitString(t *testing.T) {
	// Splits land inside strings, right after escapes and between nested braces.
	stream := `{"a":{"s":"x\"}{"},"b":"\\"}  ]{"c":{}}`
	for size := 1; size <= 7; size++ {
		r := NewReader(&chunkedReader{data: []byte(stream), size: size}, 0)

		first, err := r.Next()
		require.NoError(t, err, "size %d", size)
		assert.Equal(t, `{"a":{"s":"x\"}{"},"b":"\\"}`, string(first), "size %d", size)

		second, err := r.Next()
		require.NoError(t, err, "size %d", size)
		assert.Equal(t, `{"c":{}}`, string(second), "size %d", size)
		assert.Equal(t, 1, r.Discarded(), "size %d", size)
	}
}

func TestWriterDoesNotInterleave(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, w.WriteMessage([]byte(`{"id":"x","result":"`+strings.Repeat("y", 512)+`"}`)))
		}()
	}
	wg.Wait()

	r := NewReader(&buf, 0)
	count := 0
	for {
		msg, err := r.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		assert.True(t, json.Valid(msg))
		count++
	}
	assert.Equal(t, 20, count)
}

type chunkedReader struct {
	data []byte
	size int
}

func (c *chunkedReader) Read(p []byte) (int, error) {
	if len(c.data) == 0 {
		return 0, io.EOF
	}
	n := c.size
	if n > len(c.data) {
		n = len(c.data)
	}
	if n > len(p) {
		n = len(p)
	}
	copy(p, c.data[:n])
	c.data = c.data[n:]
	return n, nil
}

func roundTrip(t *testing.T, v any) map[string]any {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	var out map[string]any
	require.NoError(t, json.Unmarshal(data, &out))
	return out
}
