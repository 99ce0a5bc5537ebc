package source

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gocv.io/x/gocv"
)

// scripted replays a fixed list of frames; a nil entry is an empty frame
type scripted struct {
	levels []*float64
	pos    int
	closed bool
}

func level(v float64) *float64 { return &v }

func (s *scripted) Read(m *gocv.Mat) bool {
	if s.pos >= len(s.levels) {
		return false
	}
	l := s.levels[s.pos]
	s.pos++
	if l == nil {
		empty := gocv.NewMat()
		defer empty.Close()
		empty.CopyTo(m)
		return true
	}
	frame := gocv.NewMatWithSizeFromScalar(gocv.NewScalar(*l, *l, *l, 0), 12, 16, gocv.MatTypeCV8UC3)
	defer frame.Close()
	frame.CopyTo(m)
	return true
}

func (s *scripted) Close() error {
	s.closed = true
	return nil
}

func TestReadCountsFramesAndStops(t *testing.T) {
	r := &scripted{levels: []*float64{level(10), level(20)}}
	src := New(r, "scripted")
	assert.Equal(t, "scripted", src.Name())

	frame := gocv.NewMat()
	defer frame.Close()

	require.NoError(t, src.Read(&frame))
	require.NoError(t, src.Read(&frame))
	assert.Equal(t, 2, src.Frames())
	assert.Equal(t, 20.0, frame.Mean().Val1)

	err := src.Read(&frame)
	assert.True(t, errors.Is(err, ErrReadFailed))
	assert.Contains(t, err.Error(), src.Name())

	require.NoError(t, src.Close())
	assert.True(t, r.closed)
}

func TestReadRecoversWithLastGoodFrame(t *testing.T) {
	levels := []*float64{level(42)}
	for i := 0; i < 6; i++ {
		levels = append(levels, nil)
	}
	src := New(&scripted{levels: levels}, "flaky")
	defer src.Close()

	frame := gocv.NewMat()
	defer frame.Close()
	require.NoError(t, src.Read(&frame))

	for i := 0; i < 4; i++ {
		assert.ErrorIs(t, src.Read(&frame), ErrInvalidFrame, "bad frame %d", i+1)
	}
	require.NoError(t, src.Read(&frame), "fifth bad frame repeats the last good one")
	assert.Equal(t, 42.0, frame.Mean().Val1)
	assert.Equal(t, 2, src.Frames())
}

func TestIsValidFrame(t *testing.T) {
	empty := gocv.NewMat()
	defer empty.Close()
	assert.False(t, IsValidFrame(empty))

	gray := gocv.NewMatWithSize(4, 4, gocv.MatTypeCV8U)
	defer gray.Close()
	assert.False(t, IsValidFrame(gray))

	bgr := gocv.NewMatWithSize(4, 4, gocv.MatTypeCV8UC3)
	defer bgr.Close()
	assert.True(t, IsValidFrame(bgr))
}

func TestOpenRejectsEmptyTarget(t *testing.T) {
	_, err := Open("  ")
	assert.Error(t, err)
}
