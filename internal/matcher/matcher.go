package matcher

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/example/errand-dispatch/internal/geo"
	"github.com/example/errand-dispatch/internal/models"
	"github.com/example/errand-dispatch/internal/observability"
)

// tieWindowKm is the distance band inside which two candidates are considered
// equally close and ranked by rating instead.
const tieWindowKm = 0.1

// Source is the registry view the matcher reads. It returns runners near the
// origin, nearest first; full eligibility filtering happens here.
type Source interface {
	Near(ctx context.Context, origin models.GeoPoint, radiusKm float64, limit int) ([]models.Runner, error)
}

type Config struct {
	MaxDistanceKm      float64
	MinRating          float64
	AvailabilityWindow time.Duration
	SnapshotLimit      int
}

func DefaultConfig() Config {
	return Config{
		MaxDistanceKm:      10,
		MinRating:          3.5,
		AvailabilityWindow: 300 * time.Second,
		SnapshotLimit:      64,
	}
}

type Service struct {
	Reg Source
	Cfg Config
	Now func() time.Time // test hook; nil means time.Now
}

func NewService(reg Source, cfg Config) *Service {
	return &Service{Reg: reg, Cfg: cfg}
}

// Candidates returns eligible runners for a pickup point ranked nearest
// first, rating breaking near-ties. An empty list is a normal "no runners
// available" result, not an error. declined lists runner ids that just
// turned the job down and should not be re-offered in this pass.
func (s *Service) Candidates(ctx context.Context, pickup models.GeoPoint, declined map[string]bool) ([]models.MatchCandidate, error) {
	if !geo.ValidPoint(pickup) {
		return nil, fmt.Errorf("invalid pickup coordinate (%f, %f)", pickup.Lat, pickup.Lon)
	}
	now := time.Now()
	if s.Now != nil {
		now = s.Now()
	}
	cfg := s.Cfg
	if cfg.MaxDistanceKm <= 0 {
		cfg = DefaultConfig()
	}
	runners, err := s.Reg.Near(ctx, pickup, cfg.MaxDistanceKm, cfg.SnapshotLimit)
	if err != nil {
		return nil, err
	}
	cands := make([]models.MatchCandidate, 0, len(runners))
	for _, r := range runners {
		if !r.Online || r.CurrentJobID != "" {
			continue
		}
		if declined[r.ID] {
			continue
		}
		if !geo.ValidPoint(r.Loc) {
			continue
		}
		dist := geo.DistanceKm(pickup, r.Loc)
		if dist > cfg.MaxDistanceKm {
			continue
		}
		if r.Rating < cfg.MinRating {
			continue
		}
		if now.Sub(r.LastSeen) > cfg.AvailabilityWindow {
			continue
		}
		cands = append(cands, models.MatchCandidate{Runner: r, DistanceKm: dist, RankScore: dist})
	}
	rank(cands)
	observability.MatchPassesTotal.Inc()
	if len(cands) == 0 {
		observability.MatchEmptyTotal.Inc()
	}
	return cands, nil
}

// rank orders candidates nearest first, then reorders each near-tie band by
// rating. Bands are anchored at the nearest unplaced candidate and extend
// tieWindowKm from that anchor, so the grouping stays transitive even when
// pairwise gaps chain past the window.
func rank(cands []models.MatchCandidate) {
	sort.SliceStable(cands, func(i, j int) bool {
		return cands[i].DistanceKm < cands[j].DistanceKm
	})
	for lo := 0; lo < len(cands); {
		hi := lo + 1
		for hi < len(cands) && cands[hi].DistanceKm-cands[lo].DistanceKm <= tieWindowKm {
			hi++
		}
		band := cands[lo:hi]
		sort.SliceStable(band, func(i, j int) bool {
			return band[i].Runner.Rating > band[j].Runner.Rating
		})
		lo = hi
	}
}
