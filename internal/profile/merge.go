package profile

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/hpctoolkit/hpccct/internal/cct"
	"github.com/hpctoolkit/hpccct/internal/errorutil"
)

// MergePolicy selects how the metrics of the merged profile are mapped onto
// the metrics of the receiving one.
type MergePolicy int

const (
	// MergeByID maps metric i of y to metric Offset+i of x. Metrics of y
	// that fall past the end of x are appended.
	MergeByID MergePolicy = iota
	// MergeCreate appends every metric of y to x.
	MergeCreate
	// MergeByName looks for y's metrics, in order, among x's metrics and
	// falls back to MergeCreate.
	MergeByName
)

// ParseMergePolicy parses the names returned by MergePolicy.String.
func ParseMergePolicy(s string) (MergePolicy, error) {
	for _, p := range []MergePolicy{MergeByID, MergeCreate, MergeByName} {
		if p.String() == s {
			return p, nil
		}
	}
	return 0, fmt.Errorf("profile: %w: unknown merge policy %q", errorutil.ErrInvalidInput, s)
}

func (p MergePolicy) String() string {
	switch p {
	case MergeByID:
		return "by-id"
	case MergeCreate:
		return "create"
	case MergeByName:
		return "by-name"
	}
	return fmt.Sprintf("policy(%d)", int(p))
}

type MergeOptions struct {
	Policy MergePolicy
	// Offset is only used by MergeByID.
	Offset int
}

// Merge merges y into x and returns the id in x of y's first metric along
// with the retained call path ids that had to be renamed. y is consumed.
//
// Every check happens before x is modified: on error both profiles are
// left as they were.
func Merge(x, y *Profile, opts MergeOptions) (int, []cct.IDChange, error) {
	if x == y || x.CCT == y.CCT {
		return 0, nil, fmt.Errorf("profile: %w: cannot merge a profile into itself", errorutil.ErrInvalidInput)
	}
	if err := cct.Mergeable(x.CCT, y.CCT); err != nil {
		return 0, nil, fmt.Errorf("profile: merge %q into %q: %w", y.Name, x.Name, err)
	}
	if x.IsMetricsVirtual != y.IsMetricsVirtual {
		return 0, nil, fmt.Errorf("profile: %w: cannot merge virtual and materialized metrics", errorutil.ErrMetricMismatch)
	}
	if x.Metrics.Frozen() {
		return 0, nil, fmt.Errorf("profile: %w: metric registry of %q is frozen", errorutil.ErrInvalidInput, x.Name)
	}

	policy, off := opts.Policy, opts.Offset
	if policy == MergeByName {
		if found, ok := x.Metrics.FindGroup(y.Metrics); ok {
			policy, off = MergeByID, found
		} else {
			policy = MergeCreate
		}
	}
	switch policy {
	case MergeCreate:
		off = x.Metrics.Len()
	case MergeByID:
		if off < 0 || off > x.Metrics.Len() {
			return 0, nil, fmt.Errorf("profile: %w: metric offset %d out of range [0, %d]", errorutil.ErrInvalidInput, off, x.Metrics.Len())
		}
		for i := 0; i < y.Metrics.Len() && off+i < x.Metrics.Len(); i++ {
			xd, yd := x.Metrics.At(off+i), y.Metrics.At(i)
			if xd.Format != yd.Format {
				return 0, nil, fmt.Errorf("profile: %w: metric %d (%s, %s) cannot take metric %d (%s, %s)",
					errorutil.ErrMetricMismatch, off+i, xd.Name, xd.Format, i, yd.Name, yd.Format)
			}
		}
	default:
		return 0, nil, fmt.Errorf("profile: %w: unknown merge policy %v", errorutil.ErrInvalidInput, policy)
	}

	if x.CCT.IsCanonical() != y.CCT.IsCanonical() {
		x.Canonicalize()
		y.Canonicalize()
	}

	mergeMetadata(x, y)

	for i := x.Metrics.Len() - off; i < y.Metrics.Len(); i++ {
		if i < 0 {
			continue
		}
		// The registry is not frozen, so Insert cannot fail.
		_, _ = x.Metrics.Insert(y.Metrics.At(i).Clone())
	}

	effects := x.LoadMap.Merge(y.LoadMap)
	cct.FixLoadModules(y.CCT, effects)

	treeOff := off
	if x.IsMetricsVirtual {
		treeOff = 0
	}
	changes, err := cct.Merge(x.CCT, y.CCT, cct.MergeParams{MetricOffset: treeOff, Registry: x.Metrics})
	if err != nil {
		return 0, nil, err
	}
	return off, changes, nil
}

func mergeMetadata(x, y *Profile) {
	l := log.With().Str("profile", x.Name).Str("other", y.Name).Logger()
	if x.Name == "" {
		x.Name = y.Name
	}
	if x.Flags != y.Flags {
		l.Warn().Uint64("flags", x.Flags).Uint64("other_flags", y.Flags).Msg("merging profiles with different epoch flags")
		x.Flags |= y.Flags
	}
	switch {
	case x.MeasurementGranularity == 0:
		x.MeasurementGranularity = y.MeasurementGranularity
	case y.MeasurementGranularity != 0 && y.MeasurementGranularity != x.MeasurementGranularity:
		l.Warn().Uint64("granularity", x.MeasurementGranularity).Uint64("other_granularity", y.MeasurementGranularity).Msg("measurement granularity differs, keeping the first")
	}
	switch {
	case x.RAToCallsiteOfst == 0:
		x.RAToCallsiteOfst = y.RAToCallsiteOfst
	case y.RAToCallsiteOfst != 0 && y.RAToCallsiteOfst != x.RAToCallsiteOfst:
		l.Warn().Uint32("ra_offset", x.RAToCallsiteOfst).Uint32("other_ra_offset", y.RAToCallsiteOfst).Msg("return address offset differs, keeping the first")
	}
	for _, kv := range y.NVPairs {
		v, ok := x.NVPairs.Get(kv.Name)
		switch {
		case !ok || v == "":
			x.NVPairs.Set(kv.Name, kv.Value)
		case kv.Value != "" && kv.Value != v:
			l.Warn().Str("key", kv.Name).Str("value", v).Str("other_value", kv.Value).Msg("header value differs, keeping the first")
		}
	}
}

// MergeAll folds profiles into the first one, in order. ctx is checked
// between merges; on cancellation the partial result is discarded.
func MergeAll(ctx context.Context, profiles []*Profile, opts MergeOptions) (*Profile, error) {
	if len(profiles) == 0 {
		return nil, fmt.Errorf("profile: %w: nothing to merge", errorutil.ErrInvalidInput)
	}
	acc := profiles[0]
	for i, p := range profiles[1:] {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("profile: merge aborted after %d of %d profiles: %w", i+1, len(profiles), err)
		}
		first, _, err := Merge(acc, p, opts)
		if err != nil {
			return nil, fmt.Errorf("profile: merge %q: %w", p.Name, err)
		}
		log.Debug().Str("profile", p.Name).Int("first_metric", first).Strs("metrics", metricNames(acc.Metrics.Descriptors())).Msg("merged profile")
	}
	return acc, nil
}
