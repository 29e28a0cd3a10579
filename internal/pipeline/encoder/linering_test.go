// SPDX-License-Identifier: MIT

package encoder

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLineRing(t *testing.T) {
	r := NewLineRing(3)

	_, _ = fmt.Fprintf(r, "line1\n")
	_, _ = fmt.Fprintf(r, "line2\n")

	last := r.LastN(10)
	assert.Equal(t, []string{"line1", "line2"}, last)

	_, _ = fmt.Fprintf(r, "line3\n")
	last = r.LastN(10)
	assert.Equal(t, []string{"line1", "line2", "line3"}, last)

	// Wrap
	_, _ = fmt.Fprintf(r, "line4\n")
	last = r.LastN(10)
	assert.Equal(t, []string{"line2", "line3", "line4"}, last)

	last = r.LastN(2)
	assert.Equal(t, []string{"line3", "line4"}, last)
}

func TestLineRing_MultiLineWrite(t *testing.T) {
	r := NewLineRing(5)
	_, _ = r.Write([]byte("foo\nbar\n"))

	last := r.LastN(10)
	assert.Equal(t, []string{"foo", "bar"}, last)
}

func TestLineRing_NoTrailingNewline(t *testing.T) {
	r := NewLineRing(5)
	_, _ = r.Write([]byte("scanner line"))

	assert.Equal(t, []string{"scanner line"}, r.LastN(10))
}

func TestLineRing_DefaultCapacity(t *testing.T) {
	r := NewLineRing(0)
	for i := 0; i < 60; i++ {
		_, _ = fmt.Fprintf(r, "l%d\n", i)
	}
	last := r.LastN(100)
	assert.Len(t, last, 50)
	assert.Equal(t, "l10", last[0])
	assert.Equal(t, "l59", last[49])
}
