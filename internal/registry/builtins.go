package registry

import (
	"fmt"
	"math/big"

	"github.com/zclconf/go-cty/cty"
	"github.com/zclconf/go-cty/cty/convert"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/dchambers/composer/internal/model"
)

// RegisterBuiltins installs the standard kinds. Scalar math kinds fold
// their present inputs; math.sum and math.count expect an aggregated
// (tuple) input. Absent and null inputs are ignored throughout, so
// handlers stay total over specialization holes and deferred edges.
func RegisterBuiltins(r *Registry) error {
	kinds := map[string]Kind{
		"math.add": {
			Doc: "sum of the present inputs",
			New: noParams("math.add", foldNumbers(func(acc, x *big.Float) { acc.Add(acc, x) }, 0)),
		},
		"math.mul": {
			Doc: "product of the present inputs",
			New: noParams("math.mul", foldNumbers(func(acc, x *big.Float) { acc.Mul(acc, x) }, 1)),
		},
		"math.sub": {
			Doc: "first present input minus the rest",
			New: noParams("math.sub", subFunc),
		},
		"math.sum": {
			Doc: "sum of the non-null elements of an aggregated input",
			New: noParams("math.sum", sumTupleFunc),
		},
		"math.count": {
			Doc: "number of non-null elements of an aggregated input",
			New: noParams("math.count", countTupleFunc),
		},
		"string.concat": {
			Doc: "present inputs joined in order, params.sep between them",
			New: concatKind,
		},
		"string.upper": {
			Doc: "the input uppercased",
			New: noParams("string.upper", caseFunc(cases.Upper(language.Und))),
		},
		"value.identity": {
			Doc: "forwards the input unchanged",
			New: noParams("value.identity", identityFunc),
		},
		"value.pick": {
			Doc: "forwards the input named by params.key",
			New: pickKind,
		},
		"value.const": {
			Doc: "always emits params.value",
			New: constKind,
		},
	}
	for name, k := range kinds {
		if err := r.Register(name, k); err != nil {
			return err
		}
	}
	return nil
}

// noParams wraps a fixed evaluable as a factory that rejects params.
func noParams(name string, fn model.Func) func(cty.Value) (model.Evaluable, error) {
	return func(params cty.Value) (model.Evaluable, error) {
		if !absent(params) {
			return nil, fmt.Errorf("%s: takes no params", name)
		}
		return fn, nil
	}
}

func absent(v cty.Value) bool {
	return v == cty.NilVal || v.IsNull()
}

// presentNumbers collects the non-null scalar inputs in declaration
// order.
func presentNumbers(inv *model.Invocation) ([]*big.Float, error) {
	var out []*big.Float
	for _, k := range inv.InputKeys {
		v, ok := inv.In[k]
		if !ok || v.IsNull() {
			continue
		}
		n, err := convert.Convert(v, cty.Number)
		if err != nil {
			return nil, fmt.Errorf("input %q: %w", k, err)
		}
		out = append(out, n.AsBigFloat())
	}
	return out, nil
}

func foldNumbers(step func(acc, x *big.Float), seed int64) model.Func {
	return func(inv *model.Invocation) (map[string]cty.Value, error) {
		nums, err := presentNumbers(inv)
		if err != nil {
			return nil, err
		}
		acc := big.NewFloat(0).SetInt64(seed)
		for _, n := range nums {
			step(acc, n)
		}
		return singleOut(inv, cty.NumberVal(acc))
	}
}

var subFunc model.Func = func(inv *model.Invocation) (map[string]cty.Value, error) {
	nums, err := presentNumbers(inv)
	if err != nil {
		return nil, err
	}
	acc := big.NewFloat(0)
	if len(nums) > 0 {
		acc.Set(nums[0])
		for _, n := range nums[1:] {
			acc.Sub(acc, n)
		}
	}
	return singleOut(inv, cty.NumberVal(acc))
}

var sumTupleFunc model.Func = func(inv *model.Invocation) (map[string]cty.Value, error) {
	items, err := tupleElems(inv)
	if err != nil {
		return nil, err
	}
	acc := big.NewFloat(0)
	for _, v := range items {
		if v.IsNull() {
			continue
		}
		n, err := convert.Convert(v, cty.Number)
		if err != nil {
			return nil, fmt.Errorf("element: %w", err)
		}
		acc.Add(acc, n.AsBigFloat())
	}
	return singleOut(inv, cty.NumberVal(acc))
}

var countTupleFunc model.Func = func(inv *model.Invocation) (map[string]cty.Value, error) {
	items, err := tupleElems(inv)
	if err != nil {
		return nil, err
	}
	n := 0
	for _, v := range items {
		if !v.IsNull() {
			n++
		}
	}
	return singleOut(inv, cty.NumberIntVal(int64(n)))
}

// tupleElems unpacks the single aggregated input. An absent input
// counts as an empty list.
func tupleElems(inv *model.Invocation) ([]cty.Value, error) {
	if len(inv.InputKeys) == 0 {
		return nil, nil
	}
	v, ok := inv.In[inv.InputKeys[0]]
	if !ok || v.IsNull() {
		return nil, nil
	}
	if !v.Type().IsTupleType() {
		return nil, fmt.Errorf("input %q: expected an aggregated (tuple) value, got %s",
			inv.InputKeys[0], v.Type().FriendlyName())
	}
	out := make([]cty.Value, 0, v.LengthInt())
	for it := v.ElementIterator(); it.Next(); {
		_, ev := it.Element()
		out = append(out, ev)
	}
	return out, nil
}

func concatKind(params cty.Value) (model.Evaluable, error) {
	sep := ""
	if !absent(params) {
		if !params.Type().IsObjectType() || !params.Type().HasAttribute("sep") {
			return nil, fmt.Errorf("string.concat: params must be an object with a sep attribute")
		}
		sv, err := convert.Convert(params.GetAttr("sep"), cty.String)
		if err != nil {
			return nil, fmt.Errorf("string.concat: sep: %w", err)
		}
		sep = sv.AsString()
	}
	var fn model.Func = func(inv *model.Invocation) (map[string]cty.Value, error) {
		joined := ""
		n := 0
		for _, k := range inv.InputKeys {
			v, ok := inv.In[k]
			if !ok || v.IsNull() {
				continue
			}
			sv, err := convert.Convert(v, cty.String)
			if err != nil {
				return nil, fmt.Errorf("input %q: %w", k, err)
			}
			if n > 0 {
				joined += sep
			}
			joined += sv.AsString()
			n++
		}
		return singleOut(inv, cty.StringVal(joined))
	}
	return fn, nil
}

func caseFunc(c cases.Caser) model.Func {
	return func(inv *model.Invocation) (map[string]cty.Value, error) {
		if len(inv.InputKeys) == 0 {
			return nil, nil
		}
		v, ok := inv.In[inv.InputKeys[0]]
		if !ok || v.IsNull() {
			return nil, nil
		}
		sv, err := convert.Convert(v, cty.String)
		if err != nil {
			return nil, fmt.Errorf("input %q: %w", inv.InputKeys[0], err)
		}
		return singleOut(inv, cty.StringVal(c.String(sv.AsString())))
	}
}

var identityFunc model.Func = func(inv *model.Invocation) (map[string]cty.Value, error) {
	if len(inv.InputKeys) == 0 {
		return nil, nil
	}
	v, ok := inv.In[inv.InputKeys[0]]
	if !ok {
		return nil, nil
	}
	return singleOut(inv, v)
}

func pickKind(params cty.Value) (model.Evaluable, error) {
	if absent(params) || !params.Type().IsObjectType() || !params.Type().HasAttribute("key") {
		return nil, fmt.Errorf("value.pick: params must be an object with a key attribute")
	}
	kv, err := convert.Convert(params.GetAttr("key"), cty.String)
	if err != nil {
		return nil, fmt.Errorf("value.pick: key: %w", err)
	}
	key := kv.AsString()
	var fn model.Func = func(inv *model.Invocation) (map[string]cty.Value, error) {
		v, ok := inv.In[key]
		if !ok {
			return nil, nil
		}
		return singleOut(inv, v)
	}
	return fn, nil
}

func constKind(params cty.Value) (model.Evaluable, error) {
	if absent(params) || !params.Type().IsObjectType() || !params.Type().HasAttribute("value") {
		return nil, fmt.Errorf("value.const: params must be an object with a value attribute")
	}
	v := params.GetAttr("value")
	var fn model.Func = func(inv *model.Invocation) (map[string]cty.Value, error) {
		return singleOut(inv, v)
	}
	return fn, nil
}

// singleOut emits v on the declaration's first output.
func singleOut(inv *model.Invocation, v cty.Value) (map[string]cty.Value, error) {
	if len(inv.OutputKeys) == 0 {
		return nil, nil
	}
	return map[string]cty.Value{inv.OutputKeys[0]: v}, nil
}
