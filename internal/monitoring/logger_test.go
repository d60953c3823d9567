package monitoring

import (
	"bytes"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSetLogger(t *testing.T) {
	original := Logf
	t.Cleanup(func() { Logf = original })

	var got []string
	SetLogger(func(format string, v ...interface{}) {
		got = append(got, fmt.Sprintf(format, v...))
	})
	Logf("tracking at %d Hz", 100)
	assert.Equal(t, []string{"tracking at 100 Hz"}, got)

	SetLogger(nil)
	assert.NotPanics(t, func() { Logf("dropped") })
	assert.Len(t, got, 1)
}

func TestNewStreams(t *testing.T) {
	var buf bytes.Buffer

	s := NewStreams(&buf, false, false)
	assert.Equal(t, &buf, s.Ops)
	assert.Nil(t, s.Diag)
	assert.Nil(t, s.Trace)

	s = NewStreams(&buf, true, false)
	assert.Equal(t, &buf, s.Diag)
	assert.Nil(t, s.Trace)

	s = NewStreams(&buf, true, true)
	assert.Equal(t, &buf, s.Trace)
}
