package util

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"munet/api"
)

func TestConvertNumber(t *testing.T) {
	cases := []struct {
		in   string
		want int64
	}{
		{"55", 55},
		{"100K", 100 * 1000},
		{"100k", 100 * 1024},
		{"100Ki", 100 * 1024},
		{"100M", 100 * 1000 * 1000},
		{"100Mi", 100 * 1024 * 1024},
		{"2G", 2 * 1000 * 1000 * 1000},
		{"1Gi", 1024 * 1024 * 1024},
		{"3T", 3_000_000_000_000},
		{"1P", 1_000_000_000_000_000},
		{"1E", 1_000_000_000_000_000_000},
		{" 10 ", 10},
	}
	for _, c := range cases {
		got, err := ConvertNumber(c.in)
		require.NoError(t, err, c.in)
		assert.Equal(t, c.want, got, c.in)
	}
}

func TestConvertNumberInvalid(t *testing.T) {
	for _, in := range []string{"", "abc", "10X", "i", "K"} {
		_, err := ConvertNumber(in)
		assert.Error(t, err, in)
	}
}

func TestNumberOr(t *testing.T) {
	got, err := NumberOr(api.Number{}, 42)
	require.NoError(t, err)
	assert.Equal(t, int64(42), got)

	got, err = NumberOr(api.Num("10k"), 42)
	require.NoError(t, err)
	assert.Equal(t, int64(10*1024), got)
}

func TestCheckName(t *testing.T) {
	assert.True(t, CheckName("r1"))
	assert.True(t, CheckName("net0"))
	assert.True(t, CheckName("a-b_C9"))
	assert.False(t, CheckName(""))
	assert.False(t, CheckName("waytoolongname"))
	assert.False(t, CheckName("bad.name"))
	assert.False(t, CheckName("sp ace"))
}
