package provider

import (
	"github.com/ent0n29/geotrack/internal/geo"
	"github.com/ent0n29/geotrack/internal/tracking"
)

// Rejection reasons reported by Filter.Accept.
const (
	RejectAccuracy = "accuracy"
	RejectInterval = "interval"
	RejectDistance = "distance"
)

// Filter enforces a TrackingConfig on raw fixes: the accuracy radius allowed
// by the tier, the minimum interval and the distance filter, both measured
// from the last accepted fix. It is not safe for concurrent use.
type Filter struct {
	cfg  tracking.TrackingConfig
	last *tracking.LocationSample
}

func NewFilter(cfg tracking.TrackingConfig) *Filter {
	return &Filter{cfg: cfg}
}

// Accept reports whether s passes the filter. Accepted fixes become the
// reference for the next call; rejected ones carry a reason.
func (f *Filter) Accept(s tracking.LocationSample) (bool, string) {
	if limit := f.cfg.Accuracy.MaxRadiusM(); limit > 0 && s.AccuracyM > limit {
		return false, RejectAccuracy
	}
	if f.last != nil {
		since := s.RecordedAt.Sub(f.last.RecordedAt)
		if s.Elapsed > 0 && f.last.Elapsed > 0 {
			since = s.Elapsed - f.last.Elapsed
		}
		if since < f.cfg.Interval {
			return false, RejectInterval
		}
		if f.cfg.DistanceFilterM > 0 && geo.DistanceMeters(f.last.Point(), s.Point()) < f.cfg.DistanceFilterM {
			return false, RejectDistance
		}
	}
	accepted := s
	f.last = &accepted
	return true, ""
}
