package docsync

import (
	"testing"

	"github.com/go-playground/assert/v2"
	"google.golang.org/protobuf/types/known/structpb"
)

func testFields(fields map[string]any) *structpb.Struct {
	s, err := structpb.NewStruct(fields)
	if err != nil {
		panic(err)
	}
	return s
}

func testValue(value any) *structpb.Value {
	v, err := structpb.NewValue(value)
	if err != nil {
		panic(err)
	}
	return v
}

func TestFieldPath(t *testing.T) {
	path, err := ParseFieldPath("address.city")
	assert.Equal(t, err, nil)
	assert.Equal(t, FieldPath{"address", "city"}, path)
	assert.Equal(t, "address.city", path.String())

	_, err = ParseFieldPath("")
	assert.NotEqual(t, err, nil)
	_, err = ParseFieldPath("address..city")
	assert.NotEqual(t, err, nil)
}

func TestCompareValuesCrossType(t *testing.T) {
	// null < bool < number < string < list < map
	ordered := []*structpb.Value{
		structpb.NewNullValue(),
		testValue(false),
		testValue(42.0),
		testValue("a"),
		testValue([]any{1.0}),
		testValue(map[string]any{"a": 1.0}),
	}
	for i := 0; i < len(ordered); i += 1 {
		for j := 0; j < len(ordered); j += 1 {
			c := CompareValues(ordered[i], ordered[j])
			if i < j {
				assert.Equal(t, true, c < 0)
			} else if j < i {
				assert.Equal(t, true, 0 < c)
			} else {
				assert.Equal(t, 0, c)
			}
		}
	}
}

func TestCompareValuesSameType(t *testing.T) {
	assert.Equal(t, true, CompareValues(testValue(1.0), testValue(2.0)) < 0)
	assert.Equal(t, true, CompareValues(testValue("b"), testValue("a")) > 0)
	assert.Equal(t, true, CompareValues(testValue(false), testValue(true)) < 0)
	assert.Equal(t, 0, CompareValues(testValue("x"), testValue("x")))

	// lists compare element-wise, then by length
	assert.Equal(t, true, CompareValues(testValue([]any{1.0, 2.0}), testValue([]any{1.0, 3.0})) < 0)
	assert.Equal(t, true, CompareValues(testValue([]any{1.0}), testValue([]any{1.0, 0.0})) < 0)

	// maps compare by sorted keys, pairwise
	assert.Equal(t, true, CompareValues(
		testValue(map[string]any{"a": 1.0}),
		testValue(map[string]any{"b": 1.0}),
	) < 0)
	assert.Equal(t, true, CompareValues(
		testValue(map[string]any{"a": 1.0}),
		testValue(map[string]any{"a": 2.0}),
	) < 0)
	assert.Equal(t, 0, CompareValues(
		testValue(map[string]any{"a": 1.0, "b": 2.0}),
		testValue(map[string]any{"b": 2.0, "a": 1.0}),
	))
}

func TestValuesEqual(t *testing.T) {
	assert.Equal(t, true, ValuesEqual(testValue(1.0), testValue(1.0)))
	assert.Equal(t, false, ValuesEqual(testValue(1.0), testValue("1")))
	assert.Equal(t, true, ValuesEqual(nil, nil))
	assert.Equal(t, false, ValuesEqual(testValue(1.0), nil))
}

func TestFieldValueAccess(t *testing.T) {
	fields := testFields(map[string]any{
		"name": "SF",
		"address": map[string]any{
			"state": "CA",
		},
	})

	value := getFieldValue(fields, RequireFieldPath("address.state"))
	assert.NotEqual(t, value, nil)
	assert.Equal(t, "CA", value.GetStringValue())

	assert.Equal(t, getFieldValue(fields, RequireFieldPath("address.zip")), nil)
	assert.Equal(t, getFieldValue(fields, RequireFieldPath("name.state")), nil)

	setFieldValue(fields, RequireFieldPath("address.zip"), testValue("94110"))
	value = getFieldValue(fields, RequireFieldPath("address.zip"))
	assert.Equal(t, "94110", value.GetStringValue())

	// intermediate maps are created on demand
	setFieldValue(fields, RequireFieldPath("stats.population"), testValue(800000.0))
	value = getFieldValue(fields, RequireFieldPath("stats.population"))
	assert.Equal(t, 800000.0, value.GetNumberValue())

	deleteFieldValue(fields, RequireFieldPath("address.state"))
	assert.Equal(t, getFieldValue(fields, RequireFieldPath("address.state")), nil)
}

func TestFieldsEqual(t *testing.T) {
	a := testFields(map[string]any{"name": "SF", "population": 800000.0})
	b := testFields(map[string]any{"population": 800000.0, "name": "SF"})
	c := testFields(map[string]any{"name": "LA", "population": 800000.0})

	assert.Equal(t, true, FieldsEqual(a, b))
	assert.Equal(t, false, FieldsEqual(a, c))
	assert.Equal(t, false, FieldsEqual(a, nil))
	assert.Equal(t, true, FieldsEqual(nil, nil))
}
