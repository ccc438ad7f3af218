package docsync

import (
	"fmt"
	"time"

	"google.golang.org/protobuf/types/known/structpb"
)

type MutationKind int

const (
	MutationSet MutationKind = iota
	MutationUpdate
	MutationDelete
)

type TransformType int

const (
	TransformServerTimestamp TransformType = iota
	TransformArrayUnion
	TransformArrayRemove
	TransformIncrement
)

type FieldTransform struct {
	Path FieldPath
	Type TransformType
	// array-union / array-remove elements
	Elements []*structpb.Value
	// increment operand
	Operand *structpb.Value
}

// one write operation against a single document
type Mutation struct {
	Kind   MutationKind
	Key    DocumentKey
	Fields *structpb.Struct
	// set: non-nil restricts the write to these paths (merge)
	// update: the paths being written
	FieldPaths []FieldPath
	Transforms []FieldTransform
}

func NewSetMutation(key DocumentKey, fields *structpb.Struct) *Mutation {
	return &Mutation{
		Kind:   MutationSet,
		Key:    key,
		Fields: fields,
	}
}

func NewUpdateMutation(key DocumentKey, fields *structpb.Struct, fieldPaths []FieldPath) *Mutation {
	return &Mutation{
		Kind:       MutationUpdate,
		Key:        key,
		Fields:     fields,
		FieldPaths: fieldPaths,
	}
}

func NewDeleteMutation(key DocumentKey) *Mutation {
	return &Mutation{
		Kind: MutationDelete,
		Key:  key,
	}
}

func (self *Mutation) WithTransform(transform FieldTransform) *Mutation {
	self.Transforms = append(self.Transforms, transform)
	return self
}

func (self *Mutation) Validate() error {
	if self.Key == "" {
		return fmt.Errorf("mutation has no document key")
	}
	if self.Kind == MutationUpdate && len(self.FieldPaths) == 0 {
		return fmt.Errorf("update mutation for %s has no field paths", self.Key)
	}
	if self.Kind == MutationDelete && len(self.Transforms) != 0 {
		return fmt.Errorf("delete mutation for %s cannot carry transforms", self.Key)
	}
	for _, transform := range self.Transforms {
		if len(transform.Path) == 0 {
			return fmt.Errorf("transform for %s has an empty field path", self.Key)
		}
	}
	return nil
}

// mutations for one user write call, committed atomically
type MutationBatch struct {
	BatchId        int64
	LocalWriteTime time.Time
	Mutations      []*Mutation
}

func (self *MutationBatch) Keys() []DocumentKey {
	keys := []DocumentKey{}
	seen := map[DocumentKey]bool{}
	for _, mutation := range self.Mutations {
		if !seen[mutation.Key] {
			seen[mutation.Key] = true
			keys = append(keys, mutation.Key)
		}
	}
	return keys
}

type WriteResult struct {
	UpdateTime       time.Time
	TransformResults []*structpb.Value
}

type MutationBatchResult struct {
	Batch         *MutationBatch
	CommitVersion time.Time
	StreamToken   []byte
	// one per mutation, in batch order
	WriteResults []*WriteResult
}
