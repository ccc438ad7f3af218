package docsync

import (
	"time"

	"google.golang.org/protobuf/types/known/structpb"
)

// applies one mutation on top of a base version to produce the local
// view of the document. `base` may be nil (existence unknown) or a
// tombstone (`Fields == nil`).
func applyMutation(base *Document, mutation *Mutation, localWriteTime time.Time) *Document {
	return applyMutationWithResults(base, mutation, localWriteTime, nil)
}

// applies an acknowledged mutation using the server's write result,
// substituting server-computed transform values for local estimates.
func applyMutationResult(base *Document, mutation *Mutation, result *WriteResult, commitVersion time.Time) *Document {
	var transformResults []*structpb.Value
	updateTime := commitVersion
	if result != nil {
		transformResults = result.TransformResults
		if !result.UpdateTime.IsZero() {
			updateTime = result.UpdateTime
		}
	}
	return applyMutationWithResults(base, mutation, updateTime, transformResults)
}

func applyMutationWithResults(base *Document, mutation *Mutation, writeTime time.Time, transformResults []*structpb.Value) *Document {
	switch mutation.Kind {
	case MutationSet:
		var fields *structpb.Struct
		if mutation.FieldPaths == nil {
			fields = cloneFields(mutation.Fields)
		} else {
			// merge: only masked paths are written, the rest of the
			// base is preserved
			if base != nil && base.Exists() {
				fields = cloneFields(base.Fields)
			} else {
				fields = cloneFields(nil)
			}
			for _, path := range mutation.FieldPaths {
				if value := getFieldValue(mutation.Fields, path); value != nil {
					setFieldValue(fields, path, value)
				} else {
					deleteFieldValue(fields, path)
				}
			}
		}
		applyTransforms(fields, mutation.Transforms, writeTime, transformResults)
		return &Document{
			Key:        mutation.Key,
			Fields:     fields,
			UpdateTime: writeTime,
		}
	case MutationUpdate:
		// updates require the document to exist
		if base == nil || !base.Exists() {
			return base
		}
		fields := cloneFields(base.Fields)
		for _, path := range mutation.FieldPaths {
			if value := getFieldValue(mutation.Fields, path); value != nil {
				setFieldValue(fields, path, value)
			} else {
				deleteFieldValue(fields, path)
			}
		}
		applyTransforms(fields, mutation.Transforms, writeTime, transformResults)
		return &Document{
			Key:        mutation.Key,
			Fields:     fields,
			UpdateTime: writeTime,
			CreateTime: base.CreateTime,
		}
	case MutationDelete:
		return &Document{
			Key:        mutation.Key,
			UpdateTime: writeTime,
		}
	default:
		return base
	}
}

// `transformResults`, when non-nil, carries one server-computed value
// per transform in order and takes precedence over the local estimate
func applyTransforms(fields *structpb.Struct, transforms []FieldTransform, writeTime time.Time, transformResults []*structpb.Value) {
	for i, transform := range transforms {
		if transformResults != nil && i < len(transformResults) && transformResults[i] != nil {
			setFieldValue(fields, transform.Path, transformResults[i])
			continue
		}
		previous := getFieldValue(fields, transform.Path)
		setFieldValue(fields, transform.Path, transformValue(&transform, previous, writeTime))
	}
}

func transformValue(transform *FieldTransform, previous *structpb.Value, writeTime time.Time) *structpb.Value {
	switch transform.Type {
	case TransformServerTimestamp:
		// local estimate until the server result arrives
		return structpb.NewStringValue(writeTime.UTC().Format(time.RFC3339Nano))
	case TransformArrayUnion:
		values := []*structpb.Value{}
		if list := previous.GetListValue(); list != nil {
			values = append(values, list.GetValues()...)
		}
		for _, element := range transform.Elements {
			contained := false
			for _, value := range values {
				if ValuesEqual(value, element) {
					contained = true
					break
				}
			}
			if !contained {
				values = append(values, element)
			}
		}
		return structpb.NewListValue(&structpb.ListValue{Values: values})
	case TransformArrayRemove:
		values := []*structpb.Value{}
		if list := previous.GetListValue(); list != nil {
			for _, value := range list.GetValues() {
				removed := false
				for _, element := range transform.Elements {
					if ValuesEqual(value, element) {
						removed = true
						break
					}
				}
				if !removed {
					values = append(values, value)
				}
			}
		}
		return structpb.NewListValue(&structpb.ListValue{Values: values})
	case TransformIncrement:
		operand := transform.Operand.GetNumberValue()
		// a non-numeric previous value is replaced by the operand
		if previous == nil || valueTypeOrder(previous) != 2 {
			return structpb.NewNumberValue(operand)
		}
		return structpb.NewNumberValue(previous.GetNumberValue() + operand)
	default:
		return previous
	}
}
