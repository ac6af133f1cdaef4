package gcode

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSanitizeStripsCommentsAndTrims(t *testing.T) {
	assert.Equal(t, "G28 X  Y", Sanitize("G28 X (inline) Y; end"))
	assert.Equal(t, "", Sanitize("  ; just a comment"))
	assert.Equal(t, "G1 X10 Y10", Sanitize("  G1 X10 Y10  "))
}

func TestSanitizeIsIdempotent(t *testing.T) {
	cases := []string{
		"G28 X (inline) Y; end",
		"M104 S210",
		"  ; comment only  ",
		"",
		"G1 (a) (b) X1 ;c",
	}
	for _, c := range cases {
		once := Sanitize(c)
		twice := Sanitize(once)
		assert.Equal(t, once, twice, "not idempotent for %q", c)
	}
}

func TestCommandCode(t *testing.T) {
	assert.Equal(t, "M104", CommandCode("M104 S210"))
	assert.Equal(t, "", CommandCode("; comment"))
	assert.Equal(t, "G28", CommandCode("G28"))
}

func TestPreprocessParsesHeaderThenFirstLine(t *testing.T) {
	input := ";FLAVOR:Marlin\n;TIME:67\n;Filament used: 24.2886 m, 5.10839 m\nG28\nG1 X10\n"
	r := NewReader(strings.NewReader(input))

	h, err := r.Preprocess()
	require.NoError(t, err)
	assert.Equal(t, "Marlin", h.Flavor)
	assert.Equal(t, 67, h.TotalTime)
	require.Len(t, h.MaterialAmounts, 2)
	assert.InDelta(t, 24.2886, h.MaterialAmounts[0].Amount, 0.0001)
	assert.Equal(t, Length, h.MaterialAmounts[0].Kind)
	assert.InDelta(t, 5.10839, h.MaterialAmounts[1].Amount, 0.0001)
	assert.Equal(t, Length, h.MaterialAmounts[1].Kind)

	line, ok := r.Next()
	require.True(t, ok)
	assert.Equal(t, "G28", line)

	line, ok = r.Next()
	require.True(t, ok)
	assert.Equal(t, "G1 X10", line)

	_, ok = r.Next()
	assert.False(t, ok)
	assert.NoError(t, r.Err())
}

func TestPreprocessParsesVolumeMaterials(t *testing.T) {
	input := ";FLAVOR:UltiGCode\n;MATERIAL:123\n;MATERIAL2:456\nG28\n"
	r := NewReader(strings.NewReader(input))
	h, err := r.Preprocess()
	require.NoError(t, err)
	require.Len(t, h.MaterialAmounts, 2)
	assert.Equal(t, Volume, h.MaterialAmounts[0].Kind)
	assert.InDelta(t, 123, h.MaterialAmounts[0].Amount, 0.0001)
	assert.Equal(t, Volume, h.MaterialAmounts[1].Kind)
	assert.InDelta(t, 456, h.MaterialAmounts[1].Amount, 0.0001)
}

func TestNextSkipsBlankAndCommentLinesAfterHeader(t *testing.T) {
	input := ";FLAVOR:Marlin\nG28\n\n; a mid-file comment\nG1 X1\n"
	r := NewReader(strings.NewReader(input))
	_, err := r.Preprocess()
	require.NoError(t, err)

	var lines []string
	for {
		l, ok := r.Next()
		if !ok {
			break
		}
		lines = append(lines, l)
	}
	assert.Equal(t, []string{"G28", "G1 X1"}, lines)
	assert.NoError(t, r.Err())
}

func TestPreprocessWithNoHeaderLeavesDefaults(t *testing.T) {
	input := "G28\nG1 X1\n"
	r := NewReader(strings.NewReader(input))
	h, err := r.Preprocess()
	require.NoError(t, err)
	assert.Equal(t, Header{}, h)

	line, ok := r.Next()
	require.True(t, ok)
	assert.Equal(t, "G28", line)
}
