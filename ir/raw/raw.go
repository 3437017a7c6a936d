package raw

import (
	"fmt"
	"sort"
)

// ObjectRef uniquely identifies an indirect PDF object.
type ObjectRef struct {
	Num int
	Gen int
}

func (r ObjectRef) String() string { return fmt.Sprintf("%d %d R", r.Num, r.Gen) }

// Object is the base interface for all raw PDF objects.
type Object interface {
	Type() string
	IsIndirect() bool
}

// DocumentMetadata contains common PDF info fields.
type DocumentMetadata struct {
	Producer string
	Creator  string
	Title    string
	Author   string
	Subject  string
}

// Document is the root container for raw PDF objects.
type Document struct {
	Objects   map[ObjectRef]Object
	Trailer   *DictObj
	Version   string // e.g., "1.7"
	Metadata  DocumentMetadata
	Encrypted bool
}

// NewDocument returns an empty document with an initialized trailer.
func NewDocument(version string) *Document {
	if version == "" {
		version = "1.7"
	}
	return &Document{
		Objects: make(map[ObjectRef]Object),
		Trailer: Dict(),
		Version: version,
	}
}

// maxResolveDepth bounds chains of references pointing at references.
const maxResolveDepth = 32

// Resolve follows indirect references until a direct object is found.
// Dangling references resolve to nil.
func (d *Document) Resolve(obj Object) Object {
	for i := 0; i < maxResolveDepth; i++ {
		ref, ok := obj.(RefObj)
		if !ok {
			return obj
		}
		next, ok := d.Objects[ref.R]
		if !ok {
			return nil
		}
		obj = next
	}
	return nil
}

// Get returns the object stored under ref.
func (d *Document) Get(ref ObjectRef) (Object, bool) {
	o, ok := d.Objects[ref]
	return o, ok
}

// MaxObjectNumber returns the highest object number in use.
func (d *Document) MaxObjectNumber() int {
	max := 0
	for ref := range d.Objects {
		if ref.Num > max {
			max = ref.Num
		}
	}
	return max
}

// Add stores obj under the next free object number and returns its reference.
func (d *Document) Add(obj Object) ObjectRef {
	ref := ObjectRef{Num: d.MaxObjectNumber() + 1}
	d.Objects[ref] = obj
	return ref
}

// Refs returns every object reference sorted by number then generation.
func (d *Document) Refs() []ObjectRef {
	refs := make([]ObjectRef, 0, len(d.Objects))
	for ref := range d.Objects {
		refs = append(refs, ref)
	}
	sort.Slice(refs, func(i, j int) bool {
		if refs[i].Num != refs[j].Num {
			return refs[i].Num < refs[j].Num
		}
		return refs[i].Gen < refs[j].Gen
	})
	return refs
}

// Catalog resolves the trailer's /Root entry.
func (d *Document) Catalog() (*DictObj, bool) {
	if d.Trailer == nil {
		return nil, false
	}
	root, ok := d.Trailer.Get("Root")
	if !ok {
		return nil, false
	}
	return d.DictOf(root)
}

// DictOf resolves obj and returns it as a dictionary. Streams yield their
// dictionary.
func (d *Document) DictOf(obj Object) (*DictObj, bool) {
	switch v := d.Resolve(obj).(type) {
	case *DictObj:
		return v, true
	case *StreamObj:
		return v.Dict, v.Dict != nil
	}
	return nil, false
}

func (d *Document) StreamOf(obj Object) (*StreamObj, bool) {
	s, ok := d.Resolve(obj).(*StreamObj)
	return s, ok
}

func (d *Document) ArrayOf(obj Object) (*ArrayObj, bool) {
	a, ok := d.Resolve(obj).(*ArrayObj)
	return a, ok
}

func (d *Document) NameOf(obj Object) (string, bool) {
	return AsName(d.Resolve(obj))
}

func (d *Document) IntOf(obj Object) (int64, bool) {
	return AsInt(d.Resolve(obj))
}

func (d *Document) FloatOf(obj Object) (float64, bool) {
	return AsFloat(d.Resolve(obj))
}

// RectOf reads a four number array such as /MediaBox, normalizing the
// corners so that x0 <= x1 and y0 <= y1.
func (d *Document) RectOf(obj Object) (Rect, bool) {
	arr, ok := d.ArrayOf(obj)
	if !ok || arr.Len() != 4 {
		return Rect{}, false
	}
	var v [4]float64
	for i, item := range arr.Items {
		f, ok := d.FloatOf(item)
		if !ok {
			return Rect{}, false
		}
		v[i] = f
	}
	return Rect{LLX: v[0], LLY: v[1], URX: v[2], URY: v[3]}.Normalize(), true
}

// Rect is a PDF rectangle in default user space units.
type Rect struct {
	LLX, LLY, URX, URY float64
}

func (r Rect) Width() float64  { return r.URX - r.LLX }
func (r Rect) Height() float64 { return r.URY - r.LLY }

// Normalize orders the corners.
func (r Rect) Normalize() Rect {
	if r.LLX > r.URX {
		r.LLX, r.URX = r.URX, r.LLX
	}
	if r.LLY > r.URY {
		r.LLY, r.URY = r.URY, r.LLY
	}
	return r
}

// Array converts the rectangle back into a PDF array.
func (r Rect) Array() *ArrayObj {
	return NewArray(Number(r.LLX), Number(r.LLY), Number(r.URX), Number(r.URY))
}
