package writer

import (
	"encoding/binary"
	"sort"

	"github.com/bits-and-blooms/bitset"
	"golang.org/x/crypto/blake2b"

	"github.com/wudi/pdfshrink/ir/raw"
)

// cloneObject copies containers so the writer never mutates the caller's
// document. Stream payloads are shared; they are replaced, never edited.
func cloneObject(o raw.Object) raw.Object {
	switch v := o.(type) {
	case *raw.ArrayObj:
		items := make([]raw.Object, len(v.Items))
		for i, it := range v.Items {
			items[i] = cloneObject(it)
		}
		return raw.NewArray(items...)
	case *raw.DictObj:
		d := raw.Dict()
		for k, val := range v.KV {
			d.Set(k, cloneObject(val))
		}
		return d
	case *raw.StreamObj:
		dict := raw.Dict()
		if v.Dict != nil {
			dict = cloneObject(v.Dict).(*raw.DictObj)
		}
		return raw.NewStream(dict, v.Data)
	}
	return o
}

func cloneObjects(in map[raw.ObjectRef]raw.Object) map[raw.ObjectRef]raw.Object {
	out := make(map[raw.ObjectRef]raw.Object, len(in))
	for ref, obj := range in {
		out[ref] = cloneObject(obj)
	}
	return out
}

// rewriteRefs replaces every reference inside o in place and returns the
// (possibly replaced) object.
func rewriteRefs(o raw.Object, fn func(raw.ObjectRef) raw.Object) raw.Object {
	switch v := o.(type) {
	case raw.RefObj:
		return fn(v.R)
	case *raw.ArrayObj:
		for i, it := range v.Items {
			v.Items[i] = rewriteRefs(it, fn)
		}
	case *raw.DictObj:
		for k, val := range v.KV {
			nv := rewriteRefs(val, fn)
			if _, isNull := nv.(raw.NullObj); isNull {
				delete(v.KV, k)
				continue
			}
			v.KV[k] = nv
		}
	case *raw.StreamObj:
		rewriteRefs(v.Dict, fn)
	}
	return o
}

// liveSet holds the reachable object numbers. Bits index the distinct
// object numbers rather than the numbers themselves, so a document with a
// few huge numbers stays small.
type liveSet struct {
	index map[int]uint
	bits  *bitset.BitSet
}

func (s liveSet) has(num int) bool {
	i, ok := s.index[num]
	return ok && s.bits.Test(i)
}

// reachable marks every object number reachable from the trailer.
func reachable(objects map[raw.ObjectRef]raw.Object, trailer *raw.DictObj) liveSet {
	byNum := make(map[int]raw.Object, len(objects))
	index := make(map[int]uint, len(objects))
	for ref, obj := range objects {
		byNum[ref.Num] = obj
		if _, ok := index[ref.Num]; !ok {
			index[ref.Num] = uint(len(index))
		}
	}
	live := liveSet{index: index, bits: bitset.New(uint(len(index)))}
	stack := []raw.Object{trailer}
	for len(stack) > 0 {
		o := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		switch v := o.(type) {
		case raw.RefObj:
			i, ok := index[v.R.Num]
			if !ok || live.bits.Test(i) {
				continue
			}
			live.bits.Set(i)
			stack = append(stack, byNum[v.R.Num])
		case *raw.ArrayObj:
			stack = append(stack, v.Items...)
		case *raw.DictObj:
			for _, val := range v.KV {
				stack = append(stack, val)
			}
		case *raw.StreamObj:
			stack = append(stack, v.Dict)
		}
	}
	return live
}

// duplicateStreams maps each stream whose dictionary and payload equal an
// earlier stream's onto that earlier object.
func duplicateStreams(objects map[raw.ObjectRef]raw.Object) map[raw.ObjectRef]raw.ObjectRef {
	refs := make([]raw.ObjectRef, 0, len(objects))
	for ref, obj := range objects {
		if _, ok := obj.(*raw.StreamObj); ok {
			refs = append(refs, ref)
		}
	}
	sort.Slice(refs, func(i, j int) bool { return refs[i].Num < refs[j].Num })

	seen := make(map[[32]byte]raw.ObjectRef)
	remap := make(map[raw.ObjectRef]raw.ObjectRef)
	for _, ref := range refs {
		st := objects[ref].(*raw.StreamObj)
		key := streamDigest(st)
		if first, ok := seen[key]; ok {
			remap[ref] = first
			continue
		}
		seen[key] = ref
	}
	return remap
}

func streamDigest(st *raw.StreamObj) [32]byte {
	h, _ := blake2b.New256(nil)
	dict := st.Dict.Clone()
	dict.Delete("Length")
	h.Write(appendObject(nil, dict))
	var n [8]byte
	binary.BigEndian.PutUint64(n[:], uint64(len(st.Data)))
	h.Write(n[:])
	h.Write(st.Data)
	var sum [32]byte
	copy(sum[:], h.Sum(nil))
	return sum
}
