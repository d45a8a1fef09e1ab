package workhours

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func at(h, m int) time.Time { return time.Date(2024, 3, 4, h, m, 0, 0, time.UTC) }

func TestAllowed(t *testing.T) {
	t.Parallel()

	dayShift := Window{Start: Clock{8, 0}, End: Clock{20, 0}, Location: time.UTC}
	nightShift := Window{Start: Clock{22, 0}, End: Clock{6, 0}, Location: time.UTC}

	tests := []struct {
		name string
		w    Window
		now  time.Time
		want bool
	}{
		{"same-day at start", dayShift, at(8, 0), true},
		{"same-day inside", dayShift, at(12, 30), true},
		{"same-day at end", dayShift, at(20, 0), false},
		{"same-day before", dayShift, at(7, 59), false},
		{"wrap 23:00", nightShift, at(23, 0), true},
		{"wrap 07:00", nightShift, at(7, 0), false},
		{"wrap 05:59", nightShift, at(5, 59), true},
		{"wrap 06:00", nightShift, at(6, 0), false},
		{"wrap 22:00", nightShift, at(22, 0), true},
		{"empty window", Window{Start: Clock{9, 0}, End: Clock{9, 0}, Location: time.UTC}, at(9, 0), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, Allowed(tt.now, tt.w))
		})
	}
}

func TestAllowedUsesWindowLocation(t *testing.T) {
	t.Parallel()

	loc := time.FixedZone("UTC+3", 3*60*60)
	w := Window{Start: Clock{8, 0}, End: Clock{10, 0}, Location: loc}
	// 06:30 UTC is 09:30 in UTC+3.
	assert.True(t, Allowed(at(6, 30), w))
	assert.False(t, Allowed(at(9, 30), w))
}

func TestParseClock(t *testing.T) {
	t.Parallel()

	c, err := ParseClock(" 7:05 ")
	require.NoError(t, err)
	assert.Equal(t, Clock{7, 5}, c)
	assert.Equal(t, "07:05", c.String())

	for _, bad := range []string{"24:00", "12:60", "-1:00", "12", "ab:cd", "12:5"} {
		_, err := ParseClock(bad)
		assert.ErrorIs(t, err, ErrInvalidClock, bad)
	}
}

func TestGateSetStartEnd(t *testing.T) {
	t.Parallel()

	g := NewGate(Window{Start: Clock{8, 0}, End: Clock{20, 0}, Location: time.UTC})
	g.now = func() time.Time { return at(23, 0) }
	assert.False(t, g.Allowed())

	w, err := g.SetStart("22:00")
	require.NoError(t, err)
	assert.True(t, w.WrapsMidnight())
	_, err = g.SetEnd("06:00")
	require.NoError(t, err)
	assert.True(t, g.Allowed())

	_, err = g.SetEnd("25:00")
	require.ErrorIs(t, err, ErrInvalidClock)
	assert.Equal(t, Clock{6, 0}, g.Window().End)
}

func TestNewWindow(t *testing.T) {
	t.Parallel()

	w, err := NewWindow("22:00", "06:00", "Europe/Berlin")
	require.NoError(t, err)
	assert.Equal(t, "Europe/Berlin", w.Location.String())

	_, err = NewWindow("22:00", "06:00", "Nowhere/Else")
	require.Error(t, err)
}
