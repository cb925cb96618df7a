package evaluation

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHitRate(t *testing.T) {
	cases := []HitCase{
		{Recommended: []string{"MR 颅脑（平扫）", "CT颅脑(平扫)"}, Truth: "MR颅脑(平扫)"},
		{Recommended: []string{"胸部X线", "CT胸部", "CT肺动脉造影"}, Truth: "CT肺动脉造影"},
		{Recommended: []string{"超声腹部"}, Truth: "MR腹部"},
		{Recommended: []string{"超声腹部"}, Truth: ""},
	}

	res := HitRate(cases, []int{3, 1})

	assert.Equal(t, 3, res.Total)
	assert.Equal(t, 1, res.Hits[1])
	assert.Equal(t, 2, res.Hits[3])
	assert.InDelta(t, 1.0/3.0, res.Rates[1], 1e-9)
	assert.InDelta(t, 2.0/3.0, res.Rates[3], 1e-9)
}

func TestHitRate_DefaultsAndEmpty(t *testing.T) {
	res := HitRate(nil, nil)

	assert.Equal(t, 0, res.Total)
	assert.Len(t, res.Rates, len(DefaultHitKs))
	assert.Equal(t, 0.0, res.Rates[1])
}
