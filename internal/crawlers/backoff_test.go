package crawlers

import (
	"math/rand"
	"testing"
	"time"

	"github.com/RecoveryAshes/shelfscout/internal/models"
	"github.com/stretchr/testify/assert"
)

func TestBackoffRetryExponential(t *testing.T) {
	b := NewBackoff(models.BackoffConfig{
		Transient: models.RetryBackoff{Base: time.Second, Max: 5 * time.Second, Multiplier: 2},
	}, rand.New(rand.NewSource(1)))

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, time.Second},
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{4, 5 * time.Second}, // 上限
		{10, 5 * time.Second},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, b.Retry(DelayTransient, tt.attempt), "attempt=%d", tt.attempt)
	}
}

func TestBackoffRetryJitterWithinBounds(t *testing.T) {
	b := NewBackoff(models.BackoffConfig{
		Bot: models.RetryBackoff{Base: 10 * time.Second, Max: time.Minute, Multiplier: 2, Jitter: 0.3},
	}, rand.New(rand.NewSource(7)))

	for i := 0; i < 200; i++ {
		d := b.Retry(DelayBot, 1)
		assert.GreaterOrEqual(t, d, 7*time.Second)
		assert.LessOrEqual(t, d, 13*time.Second)
	}
}

func TestBackoffJitterRange(t *testing.T) {
	b := NewBackoff(DefaultBackoffConfig(), rand.New(rand.NewSource(3)))
	for i := 0; i < 200; i++ {
		d := b.Jitter(DelayAdmission)
		assert.GreaterOrEqual(t, d, 2*time.Second)
		assert.LessOrEqual(t, d, 5*time.Second)
	}
	assert.Zero(t, b.Jitter("unknown"))
	assert.Equal(t, time.Second, b.Between(time.Second, time.Second))
}

func TestHumanizerReferrerDistribution(t *testing.T) {
	h := NewHumanizer(NewBackoff(DefaultBackoffConfig(), rand.New(rand.NewSource(11))))
	home := "https://shop.test/"

	counts := map[string]int{}
	for i := 0; i < 2000; i++ {
		counts[h.PickReferrer(home)]++
	}
	assert.InDelta(t, 0.3, float64(counts[""])/2000, 0.05)
	assert.InDelta(t, 0.4, float64(counts["https://www.google.com/"])/2000, 0.05)
	assert.InDelta(t, 0.2, float64(counts[home])/2000, 0.05)
}

func TestHumanizerMousePath(t *testing.T) {
	h := NewHumanizer(NewBackoff(DefaultBackoffConfig(), rand.New(rand.NewSource(5))))
	from, to := Point{X: 0, Y: 0}, Point{X: 400, Y: 200}

	path := h.MousePath(from, to, 5)
	assert.Len(t, path, 5)
	// 端点不偏移
	assert.Equal(t, from, path[0])
	assert.Equal(t, to, path[4])
	// 中间点偏离直线不超过50像素
	for i, p := range path[1:4] {
		lineX := from.X + (to.X-from.X)*float64(i+1)/4
		assert.InDelta(t, lineX, p.X, 50)
	}
}
