package evaluation

import (
	"sort"

	"github.com/imaging-rag-mcp-server/internal/domain"
	"github.com/imaging-rag-mcp-server/pkg/procname"
)

// HitCase pairs a ranked recommendation list with the clinician-chosen procedure.
type HitCase struct {
	Recommended []string `json:"recommended"`
	Truth       string   `json:"truth"`
}

// DefaultHitKs are the cutoffs reported when none are given.
var DefaultHitKs = []int{1, 3, 5}

// HitRate counts cases whose truth appears within the top k recommendations,
// comparing normalized procedure names. Cases with an empty truth are skipped.
func HitRate(cases []HitCase, ks []int) domain.HitRateResult {
	if len(ks) == 0 {
		ks = DefaultHitKs
	}
	ks = append([]int(nil), ks...)
	sort.Ints(ks)

	res := domain.HitRateResult{Hits: map[int]int{}, Rates: map[int]float64{}}
	for _, k := range ks {
		res.Hits[k] = 0
	}
	for _, c := range cases {
		if procname.Normalize(c.Truth) == "" {
			continue
		}
		res.Total++
		rank := procname.RankOf(c.Recommended, c.Truth)
		if rank == 0 {
			continue
		}
		for _, k := range ks {
			if rank <= k {
				res.Hits[k]++
			}
		}
	}
	for _, k := range ks {
		if res.Total > 0 {
			res.Rates[k] = float64(res.Hits[k]) / float64(res.Total)
		} else {
			res.Rates[k] = 0
		}
	}
	return res
}
