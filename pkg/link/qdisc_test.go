package link

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"munet/api"
)

func TestParseNetemDefaults(t *testing.T) {
	p, err := parseNetem(api.Constraints{
		Delay:  api.Num("10000"),
		Jitter: api.Num("2000"),
		Loss:   api.Num("5"),
	})
	require.NoError(t, err)
	assert.Equal(t, uint32(10000), p.latencyUsec)
	assert.Equal(t, uint32(2000), p.jitterUsec)
	assert.Equal(t, float32(defJitterCorr), p.jitterCorr)
	assert.Equal(t, float32(5), p.loss)
	assert.Equal(t, float32(defLossCorr), p.lossCorr)
}

func TestParseNetemExplicitCorrelations(t *testing.T) {
	p, err := parseNetem(api.Constraints{
		Delay:             api.Num("1000"),
		Jitter:            api.Num("100"),
		JitterCorrelation: api.Num("50"),
		Loss:              api.Num("1"),
		LossCorrelation:   api.Num("75"),
	})
	require.NoError(t, err)
	assert.Equal(t, float32(50), p.jitterCorr)
	assert.Equal(t, float32(75), p.lossCorr)
}

func TestParseNetemJitterNeedsDelay(t *testing.T) {
	_, err := parseNetem(api.Constraints{Jitter: api.Num("100")})
	require.Error(t, err)
	assert.Equal(t, api.ErrConfigInvalid, api.KindOf(err))
}

func TestParseNetemSuffixes(t *testing.T) {
	p, err := parseNetem(api.Constraints{Delay: api.Num("10K")})
	require.NoError(t, err)
	assert.Equal(t, uint32(10000), p.latencyUsec)
}

func TestParseTbf(t *testing.T) {
	p, err := parseTbf(&api.Rate{Rate: api.Num("8M")})
	require.NoError(t, err)
	// 8 Mbit/s declared, bytes on the wire
	assert.Equal(t, uint64(1_000_000), p.rateBps)
	assert.Equal(t, uint32(defTbfLimit), p.limit)
	assert.Equal(t, uint32(defTbfBurst), p.burst)

	p, err = parseTbf(&api.Rate{
		Rate:  api.Num("8M"),
		Limit: api.Num("3036"),
		Burst: api.Num("6072"),
	})
	require.NoError(t, err)
	assert.Equal(t, uint32(3036), p.limit)
	assert.Equal(t, uint32(6072), p.burst)
}

func TestParseTbfAbsent(t *testing.T) {
	p, err := parseTbf(nil)
	require.NoError(t, err)
	assert.Zero(t, p.rateBps)
}
