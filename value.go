package docsync

import (
	"fmt"
	"strings"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

// a dotted path into document fields, e.g. "address.city"
type FieldPath []string

func ParseFieldPath(path string) (FieldPath, error) {
	if path == "" {
		return nil, fmt.Errorf("empty field path")
	}
	segments := strings.Split(path, ".")
	for _, segment := range segments {
		if segment == "" {
			return nil, fmt.Errorf("field path has an empty segment: %s", path)
		}
	}
	return FieldPath(segments), nil
}

func RequireFieldPath(path string) FieldPath {
	fieldPath, err := ParseFieldPath(path)
	if err != nil {
		panic(err)
	}
	return fieldPath
}

func (self FieldPath) String() string {
	return strings.Join(self, ".")
}

func (self FieldPath) Equal(b FieldPath) bool {
	return slices.Equal(self, b)
}

// cross-type ordering: null < bool < number < string < list < map
func valueTypeOrder(v *structpb.Value) int {
	switch v.GetKind().(type) {
	case *structpb.Value_BoolValue:
		return 1
	case *structpb.Value_NumberValue:
		return 2
	case *structpb.Value_StringValue:
		return 3
	case *structpb.Value_ListValue:
		return 4
	case *structpb.Value_StructValue:
		return 5
	default:
		// null or unset
		return 0
	}
}

func CompareValues(a *structpb.Value, b *structpb.Value) int {
	aOrder := valueTypeOrder(a)
	bOrder := valueTypeOrder(b)
	if aOrder != bOrder {
		if aOrder < bOrder {
			return -1
		}
		return 1
	}
	switch aOrder {
	case 0:
		return 0
	case 1:
		aBool := a.GetBoolValue()
		bBool := b.GetBoolValue()
		if aBool == bBool {
			return 0
		}
		if !aBool {
			return -1
		}
		return 1
	case 2:
		aNumber := a.GetNumberValue()
		bNumber := b.GetNumberValue()
		if aNumber < bNumber {
			return -1
		}
		if bNumber < aNumber {
			return 1
		}
		return 0
	case 3:
		return strings.Compare(a.GetStringValue(), b.GetStringValue())
	case 4:
		aValues := a.GetListValue().GetValues()
		bValues := b.GetListValue().GetValues()
		for i := 0; i < len(aValues) && i < len(bValues); i += 1 {
			if c := CompareValues(aValues[i], bValues[i]); c != 0 {
				return c
			}
		}
		return len(aValues) - len(bValues)
	default:
		aFields := a.GetStructValue().GetFields()
		bFields := b.GetStructValue().GetFields()
		aKeys := maps.Keys(aFields)
		bKeys := maps.Keys(bFields)
		slices.Sort(aKeys)
		slices.Sort(bKeys)
		for i := 0; i < len(aKeys) && i < len(bKeys); i += 1 {
			if c := strings.Compare(aKeys[i], bKeys[i]); c != 0 {
				return c
			}
			if c := CompareValues(aFields[aKeys[i]], bFields[bKeys[i]]); c != 0 {
				return c
			}
		}
		return len(aKeys) - len(bKeys)
	}
}

func ValuesEqual(a *structpb.Value, b *structpb.Value) bool {
	return CompareValues(a, b) == 0
}

func FieldsEqual(a *structpb.Struct, b *structpb.Struct) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return ValuesEqual(structpb.NewStructValue(a), structpb.NewStructValue(b))
}

func cloneFields(fields *structpb.Struct) *structpb.Struct {
	if fields == nil {
		return &structpb.Struct{Fields: map[string]*structpb.Value{}}
	}
	return proto.Clone(fields).(*structpb.Struct)
}

// nil if the path is absent or crosses a non-map value
func getFieldValue(fields *structpb.Struct, path FieldPath) *structpb.Value {
	if fields == nil {
		return nil
	}
	current := fields
	for i, segment := range path {
		value, ok := current.GetFields()[segment]
		if !ok {
			return nil
		}
		if i == len(path)-1 {
			return value
		}
		current = value.GetStructValue()
		if current == nil {
			return nil
		}
	}
	return nil
}

// creates intermediate maps, replacing non-map values on the way
func setFieldValue(fields *structpb.Struct, path FieldPath, value *structpb.Value) {
	current := fields
	for _, segment := range path[:len(path)-1] {
		if current.Fields == nil {
			current.Fields = map[string]*structpb.Value{}
		}
		next := current.Fields[segment].GetStructValue()
		if next == nil {
			next = &structpb.Struct{Fields: map[string]*structpb.Value{}}
			current.Fields[segment] = structpb.NewStructValue(next)
		}
		current = next
	}
	if current.Fields == nil {
		current.Fields = map[string]*structpb.Value{}
	}
	current.Fields[path[len(path)-1]] = value
}

func deleteFieldValue(fields *structpb.Struct, path FieldPath) {
	current := fields
	for _, segment := range path[:len(path)-1] {
		current = current.GetFields()[segment].GetStructValue()
		if current == nil {
			return
		}
	}
	if current.GetFields() != nil {
		delete(current.Fields, path[len(path)-1])
	}
}

func listContainsValue(list *structpb.ListValue, value *structpb.Value) bool {
	for _, element := range list.GetValues() {
		if ValuesEqual(element, value) {
			return true
		}
	}
	return false
}
