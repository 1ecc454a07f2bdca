// SPDX-License-Identifier: AGPL-3.0-only

package operators

import (
	"context"
	"math"

	"github.com/skydb/tsdbquery/pkg/execplan"
	"github.com/skydb/tsdbquery/pkg/qerrors"
	"github.com/skydb/tsdbquery/pkg/rangevector"
)

func (e *Executor) execBinaryJoin(ctx context.Context, n *execplan.Node) (*Result, error) {
	p, ok := n.Params.(execplan.BinaryJoinParams)
	if !ok {
		return nil, qerrors.New(qerrors.TypeInternal, "BinaryJoinExec missing BinaryJoinParams")
	}
	if len(n.Children) != 2 {
		return nil, qerrors.Newf(qerrors.TypeInternal, "BinaryJoinExec wants 2 children, got %d", len(n.Children))
	}

	left, err := e.Execute(ctx, n.Children[0])
	if err != nil {
		return nil, err
	}
	right, err := e.Execute(ctx, n.Children[1])
	if err != nil {
		return nil, err
	}

	fn := binaryOpFunc(p.Op)
	if fn == nil {
		return nil, qerrors.Newf(qerrors.TypeBadQuery, "unsupported binary operator %q", p.Op)
	}

	if p.ScalarOnRight || p.ScalarOnLeft {
		operand := right
		scalarLeft := p.ScalarOnLeft
		if scalarLeft {
			operand = left
		}
		return applyScalar(operand, p.ScalarValue, fn, scalarLeft, p.ReturnBool), nil
	}

	on, ignoring := joinOnLabels(p)
	rightByGroup := make(map[string]*SeriesEntry)
	for i := range right.Series {
		rightByGroup[groupLabelsKey(right.Series[i].Key, on, ignoring)] = &right.Series[i]
	}

	out := make([]SeriesEntry, 0, len(left.Series))
	for _, l := range left.Series {
		r, ok := rightByGroup[groupLabelsKey(l.Key, on, ignoring)]
		if !ok {
			continue
		}
		out = append(out, SeriesEntry{
			Key:     resultKey(l.Key, r.Key, p),
			Samples: zipApply(l.Samples, r.Samples, fn, p.ReturnBool),
		})
	}
	return &Result{Series: out}, nil
}

func (e *Executor) execSetOperator(ctx context.Context, n *execplan.Node) (*Result, error) {
	p, ok := n.Params.(execplan.SetOperatorParams)
	if !ok {
		return nil, qerrors.New(qerrors.TypeInternal, "SetOperatorExec missing SetOperatorParams")
	}
	if len(n.Children) != 2 {
		return nil, qerrors.Newf(qerrors.TypeInternal, "SetOperatorExec wants 2 children, got %d", len(n.Children))
	}

	left, err := e.Execute(ctx, n.Children[0])
	if err != nil {
		return nil, err
	}
	right, err := e.Execute(ctx, n.Children[1])
	if err != nil {
		return nil, err
	}

	on, ignoring := joinOnLabels(execplan.BinaryJoinParams{On: p.On, Ignoring: p.Ignoring})
	rightGroups := make(map[string]struct{}, len(right.Series))
	for _, r := range right.Series {
		rightGroups[groupLabelsKey(r.Key, on, ignoring)] = struct{}{}
	}

	var out []SeriesEntry
	switch p.Op {
	case "and":
		for _, l := range left.Series {
			if _, ok := rightGroups[groupLabelsKey(l.Key, on, ignoring)]; ok {
				out = append(out, l)
			}
		}
	case "unless":
		for _, l := range left.Series {
			if _, ok := rightGroups[groupLabelsKey(l.Key, on, ignoring)]; !ok {
				out = append(out, l)
			}
		}
	case "or":
		out = append(out, left.Series...)
		leftGroups := make(map[string]struct{}, len(left.Series))
		for _, l := range left.Series {
			leftGroups[groupLabelsKey(l.Key, on, ignoring)] = struct{}{}
		}
		for _, r := range right.Series {
			if _, ok := leftGroups[groupLabelsKey(r.Key, on, ignoring)]; !ok {
				out = append(out, r)
			}
		}
	default:
		return nil, qerrors.Newf(qerrors.TypeBadQuery, "unsupported set operator %q", p.Op)
	}
	return &Result{Series: out}, nil
}

// joinOnLabels splits p's vector-matching modifier into its on/ignoring
// halves for groupLabelsKey. On and Ignoring are mutually exclusive in
// PromQL: On means "match only on these", Ignoring means "match on
// everything except these".
func joinOnLabels(p execplan.BinaryJoinParams) (on, ignoring []string) {
	return p.On, p.Ignoring
}

func groupLabelsKey(key rangevector.SeriesKey, on, ignoring []string) string {
	switch {
	case len(on) > 0:
		retained := rangevector.SeriesKey{}
		for _, name := range on {
			if v, ok := key[name]; ok {
				retained[name] = v
			}
		}
		return (SeriesEntry{Key: retained}).sortKey()
	case len(ignoring) > 0:
		excluded := make(map[string]struct{}, len(ignoring))
		for _, n := range ignoring {
			excluded[n] = struct{}{}
		}
		retained := rangevector.SeriesKey{}
		for name, v := range key {
			if _, skip := excluded[name]; !skip {
				retained[name] = v
			}
		}
		return (SeriesEntry{Key: retained}).sortKey()
	default:
		return (SeriesEntry{Key: key}).sortKey()
	}
}

func resultKey(left, right rangevector.SeriesKey, p execplan.BinaryJoinParams) rangevector.SeriesKey {
	out := left.Clone()
	if p.GroupLeft {
		for _, name := range p.GroupLabels {
			if v, ok := right[name]; ok {
				out[name] = v
			}
		}
	}
	if p.GroupRight {
		out = right.Clone()
		for _, name := range p.GroupLabels {
			if v, ok := left[name]; ok {
				out[name] = v
			}
		}
	}
	return out
}

func binaryOpFunc(op string) func(l, r float64) float64 {
	switch op {
	case "+":
		return func(l, r float64) float64 { return l + r }
	case "-":
		return func(l, r float64) float64 { return l - r }
	case "*":
		return func(l, r float64) float64 { return l * r }
	case "/":
		return func(l, r float64) float64 { return l / r }
	case "%":
		return func(l, r float64) float64 { return math.Mod(l, r) }
	case "^":
		return func(l, r float64) float64 { return math.Pow(l, r) }
	case "==":
		return boolOp(func(l, r float64) bool { return l == r })
	case "!=":
		return boolOp(func(l, r float64) bool { return l != r })
	case ">":
		return boolOp(func(l, r float64) bool { return l > r })
	case "<":
		return boolOp(func(l, r float64) bool { return l < r })
	case ">=":
		return boolOp(func(l, r float64) bool { return l >= r })
	case "<=":
		return boolOp(func(l, r float64) bool { return l <= r })
	default:
		return nil
	}
}

func boolOp(cmp func(l, r float64) bool) func(l, r float64) float64 {
	return func(l, r float64) float64 {
		if cmp(l, r) {
			return 1
		}
		return 0
	}
}

func zipApply(left, right []rangevector.Sample, fn func(l, r float64) float64, filterFalse bool) []rangevector.Sample {
	rightByTs := make(map[int64]float64, len(right))
	for _, s := range right {
		rightByTs[s.TimestampMs] = s.Value
	}
	out := make([]rangevector.Sample, 0, len(left))
	for _, l := range left {
		r, ok := rightByTs[l.TimestampMs]
		if !ok {
			continue
		}
		v := fn(l.Value, r)
		if filterFalse && v == 0 {
			continue
		}
		out = append(out, rangevector.Sample{TimestampMs: l.TimestampMs, Value: v})
	}
	return out
}

func applyScalar(operand *Result, scalar float64, fn func(l, r float64) float64, scalarOnLeft, filterFalse bool) *Result {
	out := make([]SeriesEntry, 0, len(operand.Series))
	for _, s := range operand.Series {
		samples := make([]rangevector.Sample, 0, len(s.Samples))
		for _, smp := range s.Samples {
			var v float64
			if scalarOnLeft {
				v = fn(scalar, smp.Value)
			} else {
				v = fn(smp.Value, scalar)
			}
			if filterFalse && v == 0 {
				continue
			}
			samples = append(samples, rangevector.Sample{TimestampMs: smp.TimestampMs, Value: v})
		}
		out = append(out, SeriesEntry{Key: s.Key, Samples: samples})
	}
	return &Result{Series: out}
}
