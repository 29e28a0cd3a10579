// SPDX-License-Identifier: MIT

package encoder

import (
	"path/filepath"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/labrig/labrig/internal/csvspec"
	"github.com/labrig/labrig/internal/pipeline"
)

func TestRows_WriteAndRead(t *testing.T) {
	schema := csvspec.Schema{Name: "probe", Columns: []string{"frame", "bytes"}}
	path := filepath.Join(t.TempDir(), "probe.csv")

	r, err := NewRows(path, schema, func(f pipeline.Frame) []string {
		return []string{
			strconv.FormatInt(f.DisplayFrameIndex, 10),
			strconv.Itoa(len(f.Payload)),
		}
	})
	require.NoError(t, err)

	require.NoError(t, r.WriteFrame(pipeline.Frame{DisplayFrameIndex: 0, Payload: []byte{1}}))
	require.NoError(t, r.WriteFrame(pipeline.Frame{DisplayFrameIndex: 1, Payload: []byte{1, 2}}))
	assert.Equal(t, int64(2), r.Count())

	require.NoError(t, r.Close())
	require.NoError(t, r.Close())

	header, rows, err := csvspec.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"frame", "bytes"}, header)
	require.Len(t, rows, 2)
	assert.Equal(t, []string{"0", "1"}, rows[0])
	assert.Equal(t, []string{"1", "2"}, rows[1])
}

func TestRows_RejectsWrongWidth(t *testing.T) {
	schema := csvspec.Schema{Name: "probe", Columns: []string{"a", "b"}}
	r, err := NewRows(filepath.Join(t.TempDir(), "probe.csv"), schema, func(pipeline.Frame) []string {
		return []string{"only one"}
	})
	require.NoError(t, err)
	defer r.Close() //nolint:errcheck

	err = r.WriteFrame(pipeline.Frame{})
	require.Error(t, err)
	assert.Zero(t, r.Count())
}

func TestRows_RequiresRowFunc(t *testing.T) {
	_, err := NewRows(filepath.Join(t.TempDir(), "probe.csv"), csvspec.Schema{}, nil)
	require.Error(t, err)
}
