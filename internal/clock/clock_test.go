package clock

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

func TestLoadLocation_Chain(t *testing.T) {
	var tried []string
	load := func(name string) (*time.Location, error) {
		tried = append(tried, name)
		if name == "Asia/Bangkok" {
			return time.FixedZone("ICT", 7*3600), nil
		}
		return nil, errors.New("unknown time zone")
	}

	loc := loadLocation("Mars/Olympus", load, zap.NewNop())
	assert.Equal(t, "ICT", loc.String())
	assert.Equal(t, []string{"Mars/Olympus", "Asia/Ho_Chi_Minh", "Asia/Bangkok"}, tried)
}

func TestLoadLocation_FixedFallback(t *testing.T) {
	load := func(string) (*time.Location, error) { return nil, errors.New("no tzdata") }

	loc := loadLocation("", load, nil)
	assert.Same(t, FixedUTC7, loc)

	_, offset := time.Date(2024, 1, 1, 0, 0, 0, 0, loc).Zone()
	assert.Equal(t, 7*3600, offset)
}

func TestFixed(t *testing.T) {
	start := time.Date(2024, 5, 1, 10, 0, 0, 0, FixedUTC7)
	c := &Fixed{T: start}
	c.Advance(20 * time.Second)
	assert.Equal(t, start.Add(20*time.Second), c.Now())
}
