package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"buildline/internal/config"
	"buildline/internal/domain"
)

func TestDeriveStatus(t *testing.T) {
	const today = "2026-03-10"
	cases := []struct {
		name     string
		pct      float64
		complete bool
		start    string
		end      string
		want     string
	}{
		{"complete", 100, true, "2026-03-01", "2026-03-05", domain.WorkItemCompleted},
		{"rounded to hundred", 100, false, "2026-03-01", "2026-03-31", domain.WorkItemInProgress},
		{"before start", 40, false, "2026-03-11", "2026-03-31", domain.WorkItemNotStarted},
		{"past end", 40, false, "2026-03-01", "2026-03-09", domain.WorkItemDelayed},
		{"ends today", 40, false, "2026-03-01", today, domain.WorkItemInProgress},
		{"starts today at zero", 0, false, today, "2026-03-31", domain.WorkItemInProgress},
		{"undated at zero", 0, false, "", "", domain.WorkItemNotStarted},
		{"undated with progress", 10, false, "", "", domain.WorkItemInProgress},
		{"open ended and late", 10, false, "", "2026-03-01", domain.WorkItemDelayed},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, deriveStatus(tc.pct, tc.complete, tc.start, tc.end, today))
		})
	}
}

func TestBlend(t *testing.T) {
	signals := []signal{
		{domain.SourceLogs, 40},
		{domain.SourceSubcontractors, 60},
		{domain.SourceManual, 20},
	}

	v, src := blend(config.BlendPrecedence, signals)
	assert.Equal(t, 40.0, v)
	assert.Equal(t, domain.SourceLogs, src)

	v, src = blend(config.BlendMixed, signals)
	assert.Equal(t, 40.0, v)
	assert.Equal(t, domain.SourceMixed, src)

	v, src = blend(config.BlendMixed, signals[2:])
	assert.Equal(t, 20.0, v)
	assert.Equal(t, domain.SourceManual, src)

	v, src = blend(config.BlendPrecedence, nil)
	assert.Equal(t, 0.0, v)
	assert.Equal(t, domain.SourceManual, src)
}

func TestInclusiveDays(t *testing.T) {
	assert.Equal(t, 31, inclusiveDays("2026-03-01", "2026-03-31"))
	assert.Equal(t, 1, inclusiveDays("2026-03-01", "2026-03-01"))
	assert.Equal(t, 0, inclusiveDays("2026-03-02", "2026-03-01"))
	assert.Equal(t, 0, inclusiveDays("", "2026-03-01"))
}
