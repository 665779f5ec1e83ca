package element

import "fmt"

type ValidationError struct {
	ID     string
	Kind   Kind
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("element %s (%s): %s", e.ID, e.Kind, e.Reason)
}

func Validate(e Element) error {
	if e.Type == "" {
		return &ValidationError{ID: e.ID, Reason: "missing type"}
	}
	switch e.Type.Shape() {
	case ShapeText:
		if _, ok := e.Props[FieldText].(string); !ok {
			return &ValidationError{ID: e.ID, Kind: e.Type, Reason: "text element without text"}
		}
	case ShapeLinear, ShapeFreedraw:
		if len(e.Points) == 0 {
			return &ValidationError{ID: e.ID, Kind: e.Type, Reason: "no points"}
		}
	case ShapeImage:
		if _, ok := e.Props[FieldFileID].(string); !ok {
			return &ValidationError{ID: e.ID, Kind: e.Type, Reason: "image element without fileId"}
		}
	case ShapeBox, ShapeUnknown:
	}
	return nil
}

// ValidateAll returns one error per invalid element, in collection order.
func ValidateAll(c Collection) []error {
	var problems []error
	for _, e := range c {
		if err := Validate(e); err != nil {
			problems = append(problems, err)
		}
	}
	return problems
}
