package kstat

import (
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/google/pprof/profile"
)

// Counter is an atomically-updated statistical counter, adapted from
// biscuit's stats.Counter_t (which gates increments behind a
// compile-time `const Stats = false`; here counters are always live
// since this simulator has no hot interrupt path sensitive to their
// cost).
type Counter int64

// Inc increments the counter by one.
func (c *Counter) Inc() { atomic.AddInt64((*int64)(c), 1) }

// Add adds n to the counter.
func (c *Counter) Add(n int64) { atomic.AddInt64((*int64)(c), n) }

// Load returns the counter's current value.
func (c *Counter) Load() int64 { return atomic.LoadInt64((*int64)(c)) }

// String renders every Counter field of st as "name: value" lines,
// adapted from biscuit's stats.Stats2String.
func String(st interface{}) string {
	v := reflect.ValueOf(st)
	s := ""
	for i := 0; i < v.NumField(); i++ {
		if strings.HasSuffix(v.Field(i).Type().String(), "kstat.Counter") {
			n := v.Field(i).Interface().(Counter)
			s += "\n\t#" + v.Type().Field(i).Name + ": " + strconv.FormatInt(int64(n), 10)
		}
	}
	return s + "\n"
}

// Snapshot is a named-value pair sampled from a kernel subsystem
// (scheduler run-queue depth, page-allocator occupancy) for export.
type Snapshot struct {
	Name  string
	Value int64
}

// Profile packages a set of Snapshots into a pprof profile.Profile so
// `vkernel selftest --profile` can emit it with the standard pprof
// tooling, per SPEC_FULL.md's domain-stack table binding
// github.com/google/pprof to kstat.
func Profile(samples []Snapshot) *profile.Profile {
	p := &profile.Profile{
		SampleType: []*profile.ValueType{{Type: "gauge", Unit: "count"}},
		PeriodType: &profile.ValueType{Type: "snapshot", Unit: "count"},
		Period:     1,
	}
	byName := map[string]*profile.Function{}
	for i, s := range samples {
		fn, ok := byName[s.Name]
		if !ok {
			fn = &profile.Function{ID: uint64(len(byName) + 1), Name: s.Name}
			byName[s.Name] = fn
			p.Function = append(p.Function, fn)
		}
		loc := &profile.Location{
			ID:   uint64(i + 1),
			Line: []profile.Line{{Function: fn}},
		}
		p.Location = append(p.Location, loc)
		p.Sample = append(p.Sample, &profile.Sample{
			Location: []*profile.Location{loc},
			Value:    []int64{s.Value},
			Label:    map[string][]string{"subsystem": {s.Name}},
		})
	}
	return p
}

// Describe formats samples as plain text for non-profiling output.
func Describe(samples []Snapshot) string {
	s := ""
	for _, sm := range samples {
		s += fmt.Sprintf("%s: %d\n", sm.Name, sm.Value)
	}
	return s
}
