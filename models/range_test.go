package models_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/walletscope/wallet-reporter/models"
)

func TestSegmentsInPartitionsExactly(t *testing.T) {
	segs := models.SegmentsIn(0, 500_000, 100_000)
	require.Len(t, segs, 5)
	require.Equal(t, models.BlockRange{Start: 0, End: 100_000}, segs[0])
	require.Equal(t, models.BlockRange{Start: 400_000, End: 500_000}, segs[4])

	// Adjacent, non-overlapping, union is the full interval.
	for i := 1; i < len(segs); i++ {
		require.Equal(t, segs[i-1].End, segs[i].Start)
	}
}

func TestSegmentsInUnevenTail(t *testing.T) {
	segs := models.SegmentsIn(0, 250_001, 100_000)
	require.Len(t, segs, 3)
	require.Equal(t, models.BlockRange{Start: 200_000, End: 250_001}, segs[2])

	var total int64
	for _, seg := range segs {
		total += seg.Len()
	}
	require.Equal(t, int64(250_001), total)
}

func TestSegmentsInOffsetStart(t *testing.T) {
	segs := models.SegmentsIn(150_000, 400_000, 100_000)
	require.Len(t, segs, 3)
	require.Equal(t, int64(150_000), segs[0].Start)
	require.Equal(t, int64(400_000), segs[2].End)
}

func TestSegmentsInDegenerate(t *testing.T) {
	require.Nil(t, models.SegmentsIn(0, 0, 100_000))
	require.Nil(t, models.SegmentsIn(100, 50, 100_000))
	require.Nil(t, models.SegmentsIn(0, 100, 0))
}

func TestOpenRangeNeverEmpty(t *testing.T) {
	rng := models.OpenRange()
	require.Equal(t, int64(0), rng.Start)
	require.Equal(t, int64(models.OpenEndBlock), rng.End)
	require.Equal(t, "[0,99999999)", rng.String())
}
