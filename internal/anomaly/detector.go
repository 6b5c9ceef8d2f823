package anomaly

import (
	"fmt"
	"reflect"
	"sort"

	"github.com/spf13/cast"

	"github.com/mrjoshuap/plc-remedy/internal/data"
)

// Verdict is the result of evaluating one value against its tag's failure condition.
type Verdict struct {
	Violated bool
	Reason   string
}

// Evaluate checks value against the tag's failure condition. Tags are
// validated at load time, so a missing threshold simply means "no bound".
func Evaluate(tag data.TagConfig, value any) Verdict {
	switch tag.Condition {
	case data.ConditionEquals:
		if equal(tag.Type, value, tag.FailureValue) {
			return Verdict{true, fmt.Sprintf("Value equals failure value: %s", data.FormatValue(tag.FailureValue))}
		}
	case data.ConditionNotEquals:
		if !equal(tag.Type, value, tag.Nominal) {
			return Verdict{true, fmt.Sprintf("Value %s does not equal nominal %s", data.FormatValue(value), data.FormatValue(tag.Nominal))}
		}
	case data.ConditionOutsideRange:
		if v := below(value, tag.ThresholdLow); v.Violated {
			return v
		}
		return above(value, tag.ThresholdHigh)
	case data.ConditionBelow:
		return below(value, tag.ThresholdLow)
	case data.ConditionAbove:
		return above(value, tag.ThresholdHigh)
	}
	return Verdict{}
}

func below(value any, low *float64) Verdict {
	if low == nil {
		return Verdict{}
	}
	f, err := cast.ToFloat64E(value)
	if err != nil || f >= *low {
		return Verdict{}
	}
	return Verdict{true, fmt.Sprintf("Value %s below threshold %s", data.FormatValue(value), data.FormatValue(*low))}
}

func above(value any, high *float64) Verdict {
	if high == nil {
		return Verdict{}
	}
	f, err := cast.ToFloat64E(value)
	if err != nil || f <= *high {
		return Verdict{}
	}
	return Verdict{true, fmt.Sprintf("Value %s above threshold %s", data.FormatValue(value), data.FormatValue(*high))}
}

// equal compares in the tag's declared type so that 1750, int64(1750) and
// 1750.0 are the same reading.
func equal(t data.ValueType, a, b any) bool {
	if t == data.TypeBool {
		x, errA := cast.ToBoolE(a)
		y, errB := cast.ToBoolE(b)
		return errA == nil && errB == nil && x == y
	}
	x, errA := cast.ToFloat64E(a)
	y, errB := cast.ToFloat64E(b)
	if errA != nil || errB != nil {
		return reflect.DeepEqual(a, b)
	}
	return x == y
}

// Detector evaluates readings for the configured tags.
type Detector struct {
	tags map[string]data.TagConfig
	keys []string
}

func NewDetector(tags map[string]data.TagConfig) *Detector {
	d := &Detector{tags: make(map[string]data.TagConfig, len(tags))}
	for k, t := range tags {
		d.tags[k] = t
		d.keys = append(d.keys, k)
	}
	sort.Strings(d.keys)
	return d
}

// Check evaluates value for tagKey. The second return is false for unknown tags.
func (d *Detector) Check(tagKey string, value any) (Verdict, bool) {
	tag, ok := d.tags[tagKey]
	if !ok {
		return Verdict{}, false
	}
	return Evaluate(tag, value), true
}

func (d *Detector) Tag(tagKey string) (data.TagConfig, bool) {
	tag, ok := d.tags[tagKey]
	return tag, ok
}

// Keys returns the configured tag keys in a stable order.
func (d *Detector) Keys() []string {
	out := make([]string, len(d.keys))
	copy(out, d.keys)
	return out
}
