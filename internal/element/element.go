package element

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"
)

const (
	FieldID            = "id"
	FieldType          = "type"
	FieldPoints        = "points"
	FieldBoundElements = "boundElements"
	FieldGroupIDs      = "groupIds"
	FieldStart         = "start"
	FieldEnd           = "end"
	FieldStartBinding  = "startBinding"
	FieldEndBinding    = "endBinding"
	FieldIsDeleted     = "isDeleted"
	FieldUpdated       = "updated"
	FieldText          = "text"
	FieldFileID        = "fileId"
)

var ErrNotCollection = errors.New("element collection must be a json array")

var arrayFields = []string{
	FieldPoints,
	FieldBoundElements,
	FieldGroupIDs,
	FieldStart,
	FieldEnd,
	FieldStartBinding,
	FieldEndBinding,
}

// ArrayFields returns the field names that are always present as arrays on a
// cleaned element.
func ArrayFields() []string {
	return append([]string(nil), arrayFields...)
}

func IsArrayField(name string) bool {
	for _, candidate := range arrayFields {
		if candidate == name {
			return true
		}
	}
	return false
}

type Kind string

const (
	KindRectangle  Kind = "rectangle"
	KindEllipse    Kind = "ellipse"
	KindDiamond    Kind = "diamond"
	KindFrame      Kind = "frame"
	KindMagicFrame Kind = "magicframe"
	KindEmbeddable Kind = "embeddable"
	KindIframe     Kind = "iframe"
	KindArrow      Kind = "arrow"
	KindLine       Kind = "line"
	KindFreedraw   Kind = "freedraw"
	KindText       Kind = "text"
	KindImage      Kind = "image"
)

type Shape int

const (
	ShapeUnknown Shape = iota
	ShapeBox
	ShapeLinear
	ShapeFreedraw
	ShapeText
	ShapeImage
)

func (k Kind) Shape() Shape {
	switch k {
	case KindRectangle, KindEllipse, KindDiamond, KindFrame, KindMagicFrame, KindEmbeddable, KindIframe:
		return ShapeBox
	case KindArrow, KindLine:
		return ShapeLinear
	case KindFreedraw:
		return ShapeFreedraw
	case KindText:
		return ShapeText
	case KindImage:
		return ShapeImage
	default:
		return ShapeUnknown
	}
}

// Element is one drawable unit. Props holds the type-specific payload; the
// identity, the type tag and the must-be-array fields live in their own fields.
type Element struct {
	ID            string
	Type          Kind
	Points        []any
	BoundElements []any
	GroupIDs      []any
	Start         []any
	End           []any
	StartBinding  []any
	EndBinding    []any
	Props         map[string]any
}

type Collection []Element

func New(id string, kind Kind, props map[string]any) Element {
	raw := make(map[string]any, len(props)+2)
	for key, value := range props {
		raw[key] = value
	}
	raw[FieldID] = id
	raw[FieldType] = string(kind)
	e, _ := FromMap(raw)
	return e
}

// FromMap cleans raw and converts it to an Element. It reports false when raw
// has no usable string id.
func FromMap(raw map[string]any) (Element, bool) {
	cleaned, ok := cleanObject(raw, true)
	if !ok {
		return Element{}, false
	}
	id, _ := cleaned[FieldID].(string)
	if id == "" {
		return Element{}, false
	}
	e := Element{ID: id, Props: map[string]any{}}
	for key, value := range cleaned {
		switch {
		case key == FieldID:
		case key == FieldType:
			if kind, isString := value.(string); isString {
				e.Type = Kind(kind)
			} else {
				e.Props[key] = value
			}
		case IsArrayField(key):
			*e.arrayRef(key) = value.([]any)
		default:
			e.Props[key] = value
		}
	}
	return e, true
}

func (e *Element) arrayRef(name string) *[]any {
	switch name {
	case FieldPoints:
		return &e.Points
	case FieldBoundElements:
		return &e.BoundElements
	case FieldGroupIDs:
		return &e.GroupIDs
	case FieldStart:
		return &e.Start
	case FieldEnd:
		return &e.End
	case FieldStartBinding:
		return &e.StartBinding
	case FieldEndBinding:
		return &e.EndBinding
	default:
		panic(fmt.Sprintf("element: %s is not an array field", name))
	}
}

func (e Element) array(name string) []any {
	return *e.arrayRef(name)
}

// Map returns the flat wire form of e. Array fields are always present.
func (e Element) Map() map[string]any {
	out := make(map[string]any, len(e.Props)+len(arrayFields)+2)
	for key, value := range e.Props {
		out[key] = value
	}
	for _, name := range arrayFields {
		values := e.array(name)
		if values == nil {
			values = []any{}
		}
		out[name] = values
	}
	out[FieldID] = e.ID
	if e.Type != "" {
		out[FieldType] = string(e.Type)
	}
	return out
}

func (e Element) Prop(name string) (any, bool) {
	value, ok := e.Props[name]
	return value, ok
}

// With returns a copy of e with name set to value. A nil value removes the
// property.
func (e Element) With(name string, value any) Element {
	raw := e.Map()
	if value == nil {
		delete(raw, name)
	} else {
		raw[name] = value
	}
	next, ok := FromMap(raw)
	if !ok {
		return e
	}
	return next
}

func (e Element) Equal(other Element) bool {
	if e.ID != other.ID {
		return false
	}
	a, okA := FromMap(e.Map())
	b, okB := FromMap(other.Map())
	if !okA || !okB {
		return false
	}
	return deepEqual(a.Map(), b.Map())
}

func (e Element) IsDeleted() bool {
	deleted, ok := e.Props[FieldIsDeleted].(bool)
	return ok && deleted
}

func (e Element) UpdatedAt() (time.Time, bool) {
	millis, ok := e.Props[FieldUpdated].(float64)
	if !ok {
		return time.Time{}, false
	}
	return time.UnixMilli(int64(millis)), true
}

func (e Element) MarshalJSON() ([]byte, error) {
	return json.Marshal(e.Map())
}

func (e *Element) UnmarshalJSON(data []byte) error {
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	decoded, ok := FromMap(raw)
	if !ok {
		return fmt.Errorf("element without id")
	}
	*e = decoded
	return nil
}

func (c Collection) MarshalJSON() ([]byte, error) {
	if c == nil {
		return []byte("[]"), nil
	}
	items := make([]map[string]any, 0, len(c))
	for _, e := range c {
		items = append(items, e.Map())
	}
	return json.Marshal(items)
}

// UnmarshalJSON accepts any json array; malformed items are cleaned or dropped
// rather than failing the whole collection.
func (c *Collection) UnmarshalJSON(data []byte) error {
	decoded, err := Decode(data)
	if err != nil {
		return err
	}
	*c = decoded
	return nil
}

func Decode(data []byte) (Collection, error) {
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, err
	}
	switch typed := raw.(type) {
	case nil:
		return Collection{}, nil
	case []any:
		return CleanRaw(typed), nil
	default:
		return nil, ErrNotCollection
	}
}

func (c Collection) IDs() []string {
	ids := make([]string, 0, len(c))
	for _, e := range c {
		ids = append(ids, e.ID)
	}
	return ids
}

func (c Collection) Get(id string) (Element, bool) {
	for _, e := range c {
		if e.ID == id {
			return e, true
		}
	}
	return Element{}, false
}

func (c Collection) SortedByID() Collection {
	sorted := append(Collection(nil), c...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })
	return sorted
}

// Visible drops tombstoned elements.
func (c Collection) Visible() Collection {
	out := make(Collection, 0, len(c))
	for _, e := range c {
		if e.IsDeleted() {
			continue
		}
		out = append(out, e)
	}
	return out
}
