package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestFakeClock(t *testing.T) {
	start := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	t.Run("advance", func(t *testing.T) {
		c := Fake(start)
		assert.Equal(t, start, c.Now())
		c.Advance(time.Minute)
		assert.Equal(t, start.Add(time.Minute), c.Now())
		c.Set(start)
		assert.Equal(t, start, c.Now())
	})

	t.Run("ticker", func(t *testing.T) {
		c := Fake(start)
		ticker := c.NewTicker(10 * time.Second)
		defer ticker.Stop()

		c.Advance(5 * time.Second)
		select {
		case <-ticker.C:
			t.Fatal("ticked early")
		default:
		}

		c.Advance(5 * time.Second)
		select {
		case tick := <-ticker.C:
			assert.Equal(t, start.Add(10*time.Second), tick)
		default:
			t.Fatal("expected tick")
		}

		// falling behind drops ticks instead of queueing them
		c.Advance(time.Minute)
		<-ticker.C
		select {
		case <-ticker.C:
			t.Fatal("expected dropped ticks")
		default:
		}
	})

	t.Run("stopped ticker", func(t *testing.T) {
		c := Fake(start)
		ticker := c.NewTicker(time.Second)
		ticker.Stop()
		c.Advance(time.Minute)
		select {
		case <-ticker.C:
			t.Fatal("stopped ticker fired")
		default:
		}
	})
}
