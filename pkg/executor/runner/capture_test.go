package runner

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCaptureBuffer_UnderLimit(t *testing.T) {
	buf := NewCaptureBuffer(64)
	_, _ = buf.Write([]byte("hello "))
	_, _ = buf.Write([]byte("world"))

	assert.False(t, buf.Truncated())
	assert.Equal(t, "hello world", buf.String())
}

func TestCaptureBuffer_DropsOldestFirst(t *testing.T) {
	buf := NewCaptureBuffer(48)
	for i := 0; i < 10; i++ {
		_, _ = buf.Write([]byte("0123456789"))
	}

	assert.True(t, buf.Truncated())
	out := buf.Bytes()
	assert.LessOrEqual(t, len(out), 48)
	assert.True(t, strings.HasPrefix(string(out), "[truncated:"))
	// The retained tail is the most recent output.
	assert.True(t, bytes.HasSuffix(out, []byte("789")))
}

func TestCaptureBuffer_OversizedSingleWrite(t *testing.T) {
	buf := NewCaptureBuffer(64)
	big := bytes.Repeat([]byte("ab"), 1024)
	n, err := buf.Write(big)

	assert.NoError(t, err)
	assert.Equal(t, len(big), n)
	assert.True(t, buf.Truncated())
	assert.LessOrEqual(t, len(buf.Bytes()), 64)
}

func TestCaptureBuffer_BoundHolds(t *testing.T) {
	buf := NewCaptureBuffer(128)
	for i := 0; i < 1000; i++ {
		_, _ = buf.Write([]byte("some repeated process output line\n"))
	}
	assert.LessOrEqual(t, len(buf.Bytes()), 128)
}
