package slope

import (
	"github.com/bsaid97/go-slope-stats/config"
	"github.com/bsaid97/go-slope-stats/geoutil"
	"github.com/bsaid97/go-slope-stats/parcels"
)

// FailureReason says why a parcel came out zeroed. Empty means success; note
// that a parcel with no raster coverage is a success, not a failure.
type FailureReason string

const (
	FailureNone            FailureReason = ""
	FailureInvalidGeometry FailureReason = "invalid_geometry"
	FailureTransform       FailureReason = "transform_error"
	FailureRasterRead      FailureReason = "raster_read_error"
	FailurePanic           FailureReason = "panic"
	FailureGroupAborted    FailureReason = "group_aborted"
)

// Stats is one parcel's slope statistics. ClassPct and ClassAreaM2 are
// aligned with the configured class list.
type Stats struct {
	ShapeAreaM2   float64
	HasSlopeData  bool
	GeometryValid bool
	CoverageRatio float64
	ClassPct      []float64
	ClassAreaM2   []float64
	BelowMinPct   float64
	SteepPct      float64
	SteepAreaM2   float64
	AreaMismatch  bool // set by the aggregator, not the classifier
}

// Result is the classifier outcome for one parcel. Failures carry zeroed
// stats and a reason; they are data, not errors, so one bad parcel never
// aborts its group.
type Result struct {
	Stats    Stats
	Reason   FailureReason
	Warnings []string
}

// Failed returns a zeroed result for the given reason. GeometryValid stays
// true unless the geometry itself was the problem.
func Failed(reason FailureReason, numClasses int) Result {
	st := zeroStats(numClasses)
	st.GeometryValid = reason != FailureInvalidGeometry
	return Result{Stats: st, Reason: reason}
}

func zeroStats(numClasses int) Stats {
	return Stats{
		ClassPct:    make([]float64, numClasses),
		ClassAreaM2: make([]float64, numClasses),
	}
}

// Record is one output row: an input parcel plus its computed statistics.
type Record struct {
	Parcel  *parcels.Parcel
	Result  Result
	Seconds float64 // wall-clock processing time
}

// Properties flattens the record into output columns, keeping the parcel's
// own attributes.
func (r Record) Properties(pol config.Policy) map[string]interface{} {
	props := make(map[string]interface{}, len(r.Parcel.Attrs)+16)
	for k, v := range r.Parcel.Attrs {
		props[k] = v
	}
	st := r.Result.Stats
	props[ColParcelID] = r.Parcel.ID
	props[ColShapeAreaM2] = st.ShapeAreaM2
	props[ColHasSlopeData] = st.HasSlopeData
	props[ColGeometryValid] = st.GeometryValid
	props[ColCoverageRatio] = st.CoverageRatio
	for i, cls := range pol.Classes {
		props[PctColumn(cls)] = st.ClassPct[i]
		props[AreaColumn(cls)] = st.ClassAreaM2[i]
	}
	props[ColBelowMinPct] = st.BelowMinPct
	props[ColSteepPct] = st.SteepPct
	props[ColSteepAreaM2] = st.SteepAreaM2
	props[ColAreaMismatch] = st.AreaMismatch
	props[ColProcessingTime] = geoutil.Round(r.Seconds, 3)
	if r.Result.Reason != FailureNone {
		props[ColFailureReason] = string(r.Result.Reason)
	}
	return props
}

// StatsFromProperties rebuilds statistics from output columns, used when
// resuming from previously written group files.
func StatsFromProperties(props map[string]interface{}, pol config.Policy) (Stats, FailureReason) {
	st := zeroStats(len(pol.Classes))
	st.ShapeAreaM2 = floatProp(props, ColShapeAreaM2)
	st.HasSlopeData = boolProp(props, ColHasSlopeData)
	st.GeometryValid = boolProp(props, ColGeometryValid)
	st.CoverageRatio = floatProp(props, ColCoverageRatio)
	for i, cls := range pol.Classes {
		st.ClassPct[i] = floatProp(props, PctColumn(cls))
		st.ClassAreaM2[i] = floatProp(props, AreaColumn(cls))
	}
	st.BelowMinPct = floatProp(props, ColBelowMinPct)
	st.SteepPct = floatProp(props, ColSteepPct)
	st.SteepAreaM2 = floatProp(props, ColSteepAreaM2)
	st.AreaMismatch = boolProp(props, ColAreaMismatch)

	reason := FailureNone
	if s, ok := props[ColFailureReason].(string); ok {
		reason = FailureReason(s)
	}
	return st, reason
}

func floatProp(props map[string]interface{}, key string) float64 {
	switch v := props[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	default:
		return 0
	}
}

func boolProp(props map[string]interface{}, key string) bool {
	b, ok := props[key].(bool)
	return ok && b
}
