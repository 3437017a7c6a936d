package filters

import "github.com/wudi/pdfshrink/ir/raw"

// Resolver dereferences indirect objects. A nil Resolver treats references
// as unresolvable.
type Resolver interface {
	Resolve(obj raw.Object) raw.Object
}

func resolve(r Resolver, obj raw.Object) raw.Object {
	if _, ok := obj.(raw.RefObj); ok {
		if r == nil {
			return nil
		}
		return r.Resolve(obj)
	}
	return obj
}

// ExtractFilters reads Filter and DecodeParms entries from a stream
// dictionary. Inline image abbreviations (F, DP) are accepted too.
func ExtractFilters(dict *raw.DictObj, r Resolver) []Spec {
	filterObj, ok := dict.Get("Filter")
	if !ok {
		filterObj, ok = dict.Get("F")
	}
	if !ok {
		return nil
	}
	var specs []Spec
	switch f := resolve(r, filterObj).(type) {
	case raw.NameObj:
		specs = append(specs, Spec{Name: Canonical(f.Val)})
	case *raw.ArrayObj:
		for _, item := range f.Items {
			if n, ok := resolve(r, item).(raw.NameObj); ok {
				specs = append(specs, Spec{Name: Canonical(n.Val)})
			}
		}
	}
	if len(specs) == 0 {
		return nil
	}
	pObj, ok := dict.Get("DecodeParms")
	if !ok {
		pObj, ok = dict.Get("DP")
	}
	if !ok {
		return specs
	}
	switch p := resolve(r, pObj).(type) {
	case *raw.DictObj:
		specs[0].Params = p
	case *raw.ArrayObj:
		for i, item := range p.Items {
			if i >= len(specs) {
				break
			}
			if d, ok := resolve(r, item).(*raw.DictObj); ok {
				specs[i].Params = d
			}
		}
	}
	return specs
}

func intParam(params *raw.DictObj, key string, def int) int {
	if params == nil {
		return def
	}
	o, ok := params.Get(key)
	if !ok {
		return def
	}
	v, ok := raw.AsInt(o)
	if !ok {
		return def
	}
	return int(v)
}

func boolParam(params *raw.DictObj, key string, def bool) bool {
	if params == nil {
		return def
	}
	o, ok := params.Get(key)
	if !ok {
		return def
	}
	b, ok := o.(raw.BoolObj)
	if !ok {
		return def
	}
	return b.V
}
