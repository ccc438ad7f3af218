package docsync

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"google.golang.org/protobuf/types/known/structpb"
)

// translates between the in-memory model and the JSON wire protocol.
// one message per data frame. Timestamps are RFC3339; binary tokens
// ride as std base64 (the encoding/json default for []byte).
type Codec struct {
	databaseName string
}

func NewCodec(projectId string, databaseId string) *Codec {
	return &Codec{
		databaseName: fmt.Sprintf("projects/%s/databases/%s", projectId, databaseId),
	}
}

func (self *Codec) DatabaseName() string {
	return self.databaseName
}

func (self *Codec) documentName(key DocumentKey) string {
	return self.databaseName + "/documents/" + key.Path()
}

func (self *Codec) documentKey(name string) (DocumentKey, error) {
	prefix := self.databaseName + "/documents/"
	if !strings.HasPrefix(name, prefix) {
		return "", fmt.Errorf("document name outside database: %s", name)
	}
	return NewDocumentKey(strings.TrimPrefix(name, prefix))
}

func formatTimestamp(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTimestamp(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

// wire message shapes

type wireListenRequest struct {
	Database     string      `json:"database"`
	AddTarget    *wireTarget `json:"addTarget,omitempty"`
	RemoveTarget int32       `json:"removeTarget,omitempty"`
}

type wireTarget struct {
	TargetId    int32                `json:"targetId"`
	Query       *wireQueryTarget     `json:"query,omitempty"`
	Documents   *wireDocumentsTarget `json:"documents,omitempty"`
	ResumeToken []byte               `json:"resumeToken,omitempty"`
}

type wireQueryTarget struct {
	Parent          string               `json:"parent"`
	StructuredQuery *wireStructuredQuery `json:"structuredQuery"`
}

type wireDocumentsTarget struct {
	Documents []string `json:"documents"`
}

type wireStructuredQuery struct {
	From    []wireCollectionSelector `json:"from"`
	Where   *wireFilter              `json:"where,omitempty"`
	OrderBy []wireOrder              `json:"orderBy,omitempty"`
	StartAt *wireCursor              `json:"startAt,omitempty"`
	EndAt   *wireCursor              `json:"endAt,omitempty"`
	Limit   int                      `json:"limit,omitempty"`
}

type wireCollectionSelector struct {
	CollectionId string `json:"collectionId"`
}

type wireFilter struct {
	CompositeFilter *wireCompositeFilter `json:"compositeFilter,omitempty"`
	FieldFilter     *wireFieldFilter     `json:"fieldFilter,omitempty"`
}

type wireCompositeFilter struct {
	Op      string       `json:"op"`
	Filters []wireFilter `json:"filters"`
}

type wireFieldFilter struct {
	Field wireFieldReference `json:"field"`
	Op    string             `json:"op"`
	Value *structpb.Value    `json:"value"`
}

type wireFieldReference struct {
	FieldPath string `json:"fieldPath"`
}

type wireOrder struct {
	Field     wireFieldReference `json:"field"`
	Direction string             `json:"direction"`
}

type wireCursor struct {
	Values []*structpb.Value `json:"values"`
	Before bool              `json:"before"`
}

type wireListenResponse struct {
	TargetChange   *wireTargetChange    `json:"targetChange,omitempty"`
	DocumentChange *wireDocumentChange  `json:"documentChange,omitempty"`
	DocumentDelete *wireDocumentDelete  `json:"documentDelete,omitempty"`
	DocumentRemove *wireDocumentDelete  `json:"documentRemove,omitempty"`
	Filter         *wireExistenceFilter `json:"filter,omitempty"`
}

type wireTargetChange struct {
	TargetChangeType string    `json:"targetChangeType,omitempty"`
	TargetIds        []int32   `json:"targetIds,omitempty"`
	ResumeToken      []byte    `json:"resumeToken,omitempty"`
	ReadTime         string    `json:"readTime,omitempty"`
	Cause            *RpcError `json:"cause,omitempty"`
}

type wireDocument struct {
	Name       string           `json:"name"`
	Fields     *structpb.Struct `json:"fields,omitempty"`
	CreateTime string           `json:"createTime,omitempty"`
	UpdateTime string           `json:"updateTime,omitempty"`
}

type wireDocumentChange struct {
	Document         *wireDocument `json:"document"`
	TargetIds        []int32       `json:"targetIds,omitempty"`
	RemovedTargetIds []int32       `json:"removedTargetIds,omitempty"`
}

type wireDocumentDelete struct {
	Document         string  `json:"document"`
	RemovedTargetIds []int32 `json:"removedTargetIds,omitempty"`
	ReadTime         string  `json:"readTime,omitempty"`
}

type wireExistenceFilter struct {
	TargetId int32 `json:"targetId"`
	Count    int32 `json:"count"`
}

type wireWriteRequest struct {
	Database    string       `json:"database"`
	StreamToken []byte       `json:"streamToken,omitempty"`
	Writes      []*wireWrite `json:"writes,omitempty"`
}

type wireWrite struct {
	Update           *wireDocument         `json:"update,omitempty"`
	Delete           string                `json:"delete,omitempty"`
	UpdateMask       *wireDocumentMask     `json:"updateMask,omitempty"`
	UpdateTransforms []*wireFieldTransform `json:"updateTransforms,omitempty"`
}

type wireDocumentMask struct {
	FieldPaths []string `json:"fieldPaths"`
}

type wireFieldTransform struct {
	FieldPath             string          `json:"fieldPath"`
	SetToServerValue      string          `json:"setToServerValue,omitempty"`
	Increment             *structpb.Value `json:"increment,omitempty"`
	AppendMissingElements *wireArrayValue `json:"appendMissingElements,omitempty"`
	RemoveAllFromArray    *wireArrayValue `json:"removeAllFromArray,omitempty"`
}

type wireArrayValue struct {
	Values []*structpb.Value `json:"values"`
}

type wireWriteResponse struct {
	StreamToken  []byte             `json:"streamToken,omitempty"`
	CommitTime   string             `json:"commitTime,omitempty"`
	WriteResults []*wireWriteResult `json:"writeResults,omitempty"`
}

type wireWriteResult struct {
	UpdateTime       string            `json:"updateTime,omitempty"`
	TransformResults []*structpb.Value `json:"transformResults,omitempty"`
}

// listen requests

func (self *Codec) EncodeAddTarget(target *ListenTarget) ([]byte, error) {
	wireTarget := &wireTarget{
		TargetId:    target.TargetId,
		ResumeToken: target.ResumeToken,
	}
	if target.Query != nil {
		wireTarget.Query = &wireQueryTarget{
			Parent:          self.databaseName + "/documents",
			StructuredQuery: encodeStructuredQuery(target.Query),
		}
	} else {
		documents := make([]string, 0, len(target.Documents))
		for _, key := range target.Documents {
			documents = append(documents, self.documentName(key))
		}
		wireTarget.Documents = &wireDocumentsTarget{
			Documents: documents,
		}
	}
	return json.Marshal(&wireListenRequest{
		Database:  self.databaseName,
		AddTarget: wireTarget,
	})
}

func (self *Codec) EncodeRemoveTarget(targetId int32) ([]byte, error) {
	return json.Marshal(&wireListenRequest{
		Database:     self.databaseName,
		RemoveTarget: targetId,
	})
}

// decoded form of a listen request, for servers
type ListenRequest struct {
	AddTarget      *ListenTarget
	RemoveTargetId int32
}

func (self *Codec) DecodeListenRequest(message []byte) (*ListenRequest, error) {
	request := &wireListenRequest{}
	if err := json.Unmarshal(message, request); err != nil {
		return nil, err
	}
	if request.AddTarget == nil {
		if request.RemoveTarget == 0 {
			return nil, fmt.Errorf("listen request has no target")
		}
		return &ListenRequest{
			RemoveTargetId: request.RemoveTarget,
		}, nil
	}

	target := &ListenTarget{
		TargetId:    request.AddTarget.TargetId,
		ResumeToken: request.AddTarget.ResumeToken,
	}
	if request.AddTarget.Query != nil {
		query, err := decodeStructuredQuery(request.AddTarget.Query.StructuredQuery)
		if err != nil {
			return nil, err
		}
		target.Query = query
	} else if request.AddTarget.Documents != nil {
		for _, name := range request.AddTarget.Documents.Documents {
			key, err := self.documentKey(name)
			if err != nil {
				return nil, err
			}
			target.Documents = append(target.Documents, key)
		}
	}
	return &ListenRequest{
		AddTarget: target,
	}, nil
}

var wireOperators = map[Operator]string{
	OperatorEqual:              "EQUAL",
	OperatorNotEqual:           "NOT_EQUAL",
	OperatorLessThan:           "LESS_THAN",
	OperatorLessThanOrEqual:    "LESS_THAN_OR_EQUAL",
	OperatorGreaterThan:        "GREATER_THAN",
	OperatorGreaterThanOrEqual: "GREATER_THAN_OR_EQUAL",
	OperatorArrayContains:      "ARRAY_CONTAINS",
	OperatorArrayContainsAny:   "ARRAY_CONTAINS_ANY",
	OperatorIn:                 "IN",
	OperatorNotIn:              "NOT_IN",
}

var modelOperators = invertOperators(wireOperators)

func invertOperators(wire map[Operator]string) map[string]Operator {
	model := map[string]Operator{}
	for op, name := range wire {
		model[name] = op
	}
	return model
}

func encodeStructuredQuery(query *QueryDefinition) *wireStructuredQuery {
	// the from selector names the last collection segment; nested
	// parents ride in the query target parent
	segments := strings.Split(query.CollectionPath, "/")
	structured := &wireStructuredQuery{
		From: []wireCollectionSelector{
			{CollectionId: segments[len(segments)-1]},
		},
	}

	filters := make([]wireFilter, 0, len(query.Filters))
	for _, filter := range query.Filters {
		filters = append(filters, wireFilter{
			FieldFilter: &wireFieldFilter{
				Field: wireFieldReference{FieldPath: filter.Field.String()},
				Op:    wireOperators[filter.Op],
				Value: filter.Value,
			},
		})
	}
	if len(filters) == 1 {
		structured.Where = &filters[0]
	} else if 1 < len(filters) {
		structured.Where = &wireFilter{
			CompositeFilter: &wireCompositeFilter{
				Op:      "AND",
				Filters: filters,
			},
		}
	}

	for _, orderBy := range query.OrderBy {
		direction := "ASCENDING"
		if orderBy.Descending {
			direction = "DESCENDING"
		}
		structured.OrderBy = append(structured.OrderBy, wireOrder{
			Field:     wireFieldReference{FieldPath: orderBy.Field.String()},
			Direction: direction,
		})
	}

	if query.StartAt != nil {
		structured.StartAt = &wireCursor{
			Values: query.StartAt.Values,
			Before: query.StartAt.Inclusive,
		}
	}
	if query.EndAt != nil {
		structured.EndAt = &wireCursor{
			Values: query.EndAt.Values,
			Before: !query.EndAt.Inclusive,
		}
	}
	if query.Limit > 0 {
		structured.Limit = query.Limit
	}
	return structured
}

func decodeStructuredQuery(structured *wireStructuredQuery) (*QueryDefinition, error) {
	if structured == nil || len(structured.From) == 0 {
		return nil, fmt.Errorf("structured query has no from selector")
	}
	query := &QueryDefinition{
		CollectionPath: structured.From[0].CollectionId,
		Limit:          structured.Limit,
	}

	var decodeFilter func(filter *wireFilter) error
	decodeFilter = func(filter *wireFilter) error {
		if filter.CompositeFilter != nil {
			for i := range filter.CompositeFilter.Filters {
				if err := decodeFilter(&filter.CompositeFilter.Filters[i]); err != nil {
					return err
				}
			}
			return nil
		}
		if filter.FieldFilter == nil {
			return fmt.Errorf("filter has no field filter")
		}
		op, ok := modelOperators[filter.FieldFilter.Op]
		if !ok {
			return fmt.Errorf("unknown wire operator %s", filter.FieldFilter.Op)
		}
		fieldPath, err := ParseFieldPath(filter.FieldFilter.Field.FieldPath)
		if err != nil {
			return err
		}
		query.Filters = append(query.Filters, Filter{
			Field: fieldPath,
			Op:    op,
			Value: filter.FieldFilter.Value,
		})
		return nil
	}
	if structured.Where != nil {
		if err := decodeFilter(structured.Where); err != nil {
			return nil, err
		}
	}

	for _, orderBy := range structured.OrderBy {
		fieldPath, err := ParseFieldPath(orderBy.Field.FieldPath)
		if err != nil {
			return nil, err
		}
		query.OrderBy = append(query.OrderBy, OrderBy{
			Field:      fieldPath,
			Descending: orderBy.Direction == "DESCENDING",
		})
	}

	if structured.StartAt != nil {
		query.StartAt = &Bound{
			Values:    structured.StartAt.Values,
			Inclusive: structured.StartAt.Before,
		}
	}
	if structured.EndAt != nil {
		query.EndAt = &Bound{
			Values:    structured.EndAt.Values,
			Inclusive: !structured.EndAt.Before,
		}
	}
	return query, nil
}

// listen responses

func (self *Codec) DecodeListenResponse(message []byte) (WatchChange, error) {
	response := &wireListenResponse{}
	if err := json.Unmarshal(message, response); err != nil {
		return nil, err
	}

	switch {
	case response.TargetChange != nil:
		change := &WatchTargetChange{
			TargetIds:   response.TargetChange.TargetIds,
			ResumeToken: response.TargetChange.ResumeToken,
			ReadTime:    parseTimestamp(response.TargetChange.ReadTime),
			Cause:       response.TargetChange.Cause,
		}
		switch response.TargetChange.TargetChangeType {
		case "", "NO_CHANGE":
			change.State = TargetNoChange
		case "ADD":
			change.State = TargetAdd
		case "REMOVE":
			change.State = TargetRemove
		case "CURRENT":
			change.State = TargetCurrent
		case "RESET":
			change.State = TargetReset
		default:
			return nil, fmt.Errorf("unknown target change type %s", response.TargetChange.TargetChangeType)
		}
		return change, nil
	case response.DocumentChange != nil:
		key, err := self.documentKey(response.DocumentChange.Document.Name)
		if err != nil {
			return nil, err
		}
		fields := response.DocumentChange.Document.Fields
		if fields == nil {
			fields = &structpb.Struct{Fields: map[string]*structpb.Value{}}
		}
		return &WatchDocumentChange{
			Document: &Document{
				Key:        key,
				Fields:     fields,
				CreateTime: parseTimestamp(response.DocumentChange.Document.CreateTime),
				UpdateTime: parseTimestamp(response.DocumentChange.Document.UpdateTime),
			},
			UpdatedTargetIds: response.DocumentChange.TargetIds,
			RemovedTargetIds: response.DocumentChange.RemovedTargetIds,
		}, nil
	case response.DocumentDelete != nil:
		key, err := self.documentKey(response.DocumentDelete.Document)
		if err != nil {
			return nil, err
		}
		return &WatchDocumentDelete{
			Key:              key,
			ReadTime:         parseTimestamp(response.DocumentDelete.ReadTime),
			RemovedTargetIds: response.DocumentDelete.RemovedTargetIds,
		}, nil
	case response.DocumentRemove != nil:
		key, err := self.documentKey(response.DocumentRemove.Document)
		if err != nil {
			return nil, err
		}
		return &WatchDocumentRemove{
			Key:              key,
			ReadTime:         parseTimestamp(response.DocumentRemove.ReadTime),
			RemovedTargetIds: response.DocumentRemove.RemovedTargetIds,
		}, nil
	case response.Filter != nil:
		return &WatchExistenceFilter{
			TargetId: response.Filter.TargetId,
			Count:    response.Filter.Count,
		}, nil
	default:
		return nil, fmt.Errorf("listen response has no change")
	}
}

func (self *Codec) EncodeListenResponse(change WatchChange) ([]byte, error) {
	response := &wireListenResponse{}
	switch c := change.(type) {
	case *WatchTargetChange:
		response.TargetChange = &wireTargetChange{
			TargetChangeType: c.State.String(),
			TargetIds:        c.TargetIds,
			ResumeToken:      c.ResumeToken,
			ReadTime:         formatTimestamp(c.ReadTime),
			Cause:            c.Cause,
		}
	case *WatchDocumentChange:
		response.DocumentChange = &wireDocumentChange{
			Document: &wireDocument{
				Name:       self.documentName(c.Document.Key),
				Fields:     c.Document.Fields,
				CreateTime: formatTimestamp(c.Document.CreateTime),
				UpdateTime: formatTimestamp(c.Document.UpdateTime),
			},
			TargetIds:        c.UpdatedTargetIds,
			RemovedTargetIds: c.RemovedTargetIds,
		}
	case *WatchDocumentDelete:
		response.DocumentDelete = &wireDocumentDelete{
			Document:         self.documentName(c.Key),
			ReadTime:         formatTimestamp(c.ReadTime),
			RemovedTargetIds: c.RemovedTargetIds,
		}
	case *WatchDocumentRemove:
		response.DocumentRemove = &wireDocumentDelete{
			Document:         self.documentName(c.Key),
			ReadTime:         formatTimestamp(c.ReadTime),
			RemovedTargetIds: c.RemovedTargetIds,
		}
	case *WatchExistenceFilter:
		response.Filter = &wireExistenceFilter{
			TargetId: c.TargetId,
			Count:    c.Count,
		}
	default:
		return nil, fmt.Errorf("unknown watch change %T", change)
	}
	return json.Marshal(response)
}

// write requests

func (self *Codec) EncodeWriteHandshake() ([]byte, error) {
	return json.Marshal(&wireWriteRequest{
		Database: self.databaseName,
	})
}

func (self *Codec) EncodeWriteRequest(streamToken []byte, mutations []*Mutation) ([]byte, error) {
	writes := make([]*wireWrite, 0, len(mutations))
	for _, mutation := range mutations {
		write, err := self.encodeMutation(mutation)
		if err != nil {
			return nil, err
		}
		writes = append(writes, write)
	}
	return json.Marshal(&wireWriteRequest{
		Database:    self.databaseName,
		StreamToken: streamToken,
		Writes:      writes,
	})
}

func (self *Codec) encodeMutation(mutation *Mutation) (*wireWrite, error) {
	write := &wireWrite{}
	switch mutation.Kind {
	case MutationSet, MutationUpdate:
		write.Update = &wireDocument{
			Name:   self.documentName(mutation.Key),
			Fields: mutation.Fields,
		}
		if mutation.FieldPaths != nil {
			paths := make([]string, 0, len(mutation.FieldPaths))
			for _, path := range mutation.FieldPaths {
				paths = append(paths, path.String())
			}
			write.UpdateMask = &wireDocumentMask{FieldPaths: paths}
		}
	case MutationDelete:
		write.Delete = self.documentName(mutation.Key)
	default:
		return nil, fmt.Errorf("unknown mutation kind %d", mutation.Kind)
	}

	for _, transform := range mutation.Transforms {
		wireTransform := &wireFieldTransform{
			FieldPath: transform.Path.String(),
		}
		switch transform.Type {
		case TransformServerTimestamp:
			wireTransform.SetToServerValue = "REQUEST_TIME"
		case TransformIncrement:
			wireTransform.Increment = transform.Operand
		case TransformArrayUnion:
			wireTransform.AppendMissingElements = &wireArrayValue{Values: transform.Elements}
		case TransformArrayRemove:
			wireTransform.RemoveAllFromArray = &wireArrayValue{Values: transform.Elements}
		default:
			return nil, fmt.Errorf("unknown transform type %d", transform.Type)
		}
		write.UpdateTransforms = append(write.UpdateTransforms, wireTransform)
	}
	return write, nil
}

// decoded form of a write request, for servers
type WriteRequest struct {
	StreamToken []byte
	Writes      []*Mutation
}

func (self *WriteRequest) IsHandshake() bool {
	return len(self.Writes) == 0
}

func (self *Codec) DecodeWriteRequest(message []byte) (*WriteRequest, error) {
	request := &wireWriteRequest{}
	if err := json.Unmarshal(message, request); err != nil {
		return nil, err
	}
	decoded := &WriteRequest{
		StreamToken: request.StreamToken,
	}
	for _, write := range request.Writes {
		mutation, err := self.decodeMutation(write)
		if err != nil {
			return nil, err
		}
		decoded.Writes = append(decoded.Writes, mutation)
	}
	return decoded, nil
}

func (self *Codec) decodeMutation(write *wireWrite) (*Mutation, error) {
	mutation := &Mutation{}
	switch {
	case write.Delete != "":
		key, err := self.documentKey(write.Delete)
		if err != nil {
			return nil, err
		}
		mutation.Kind = MutationDelete
		mutation.Key = key
	case write.Update != nil:
		key, err := self.documentKey(write.Update.Name)
		if err != nil {
			return nil, err
		}
		mutation.Key = key
		mutation.Fields = write.Update.Fields
		if write.UpdateMask != nil {
			mutation.Kind = MutationUpdate
			for _, path := range write.UpdateMask.FieldPaths {
				fieldPath, err := ParseFieldPath(path)
				if err != nil {
					return nil, err
				}
				mutation.FieldPaths = append(mutation.FieldPaths, fieldPath)
			}
		} else {
			mutation.Kind = MutationSet
		}
	default:
		return nil, fmt.Errorf("write has no operation")
	}

	for _, wireTransform := range write.UpdateTransforms {
		fieldPath, err := ParseFieldPath(wireTransform.FieldPath)
		if err != nil {
			return nil, err
		}
		transform := FieldTransform{
			Path: fieldPath,
		}
		switch {
		case wireTransform.SetToServerValue != "":
			transform.Type = TransformServerTimestamp
		case wireTransform.Increment != nil:
			transform.Type = TransformIncrement
			transform.Operand = wireTransform.Increment
		case wireTransform.AppendMissingElements != nil:
			transform.Type = TransformArrayUnion
			transform.Elements = wireTransform.AppendMissingElements.Values
		case wireTransform.RemoveAllFromArray != nil:
			transform.Type = TransformArrayRemove
			transform.Elements = wireTransform.RemoveAllFromArray.Values
		default:
			return nil, fmt.Errorf("transform on %s has no operation", wireTransform.FieldPath)
		}
		mutation.Transforms = append(mutation.Transforms, transform)
	}
	return mutation, nil
}

// write responses

type WriteResponse struct {
	StreamToken  []byte
	CommitTime   time.Time
	WriteResults []*WriteResult
}

func (self *Codec) DecodeWriteResponse(message []byte) (*WriteResponse, error) {
	response := &wireWriteResponse{}
	if err := json.Unmarshal(message, response); err != nil {
		return nil, err
	}
	decoded := &WriteResponse{
		StreamToken: response.StreamToken,
		CommitTime:  parseTimestamp(response.CommitTime),
	}
	for _, result := range response.WriteResults {
		decoded.WriteResults = append(decoded.WriteResults, &WriteResult{
			UpdateTime:       parseTimestamp(result.UpdateTime),
			TransformResults: result.TransformResults,
		})
	}
	return decoded, nil
}

func (self *Codec) EncodeWriteResponse(response *WriteResponse) ([]byte, error) {
	encoded := &wireWriteResponse{
		StreamToken: response.StreamToken,
		CommitTime:  formatTimestamp(response.CommitTime),
	}
	for _, result := range response.WriteResults {
		encoded.WriteResults = append(encoded.WriteResults, &wireWriteResult{
			UpdateTime:       formatTimestamp(result.UpdateTime),
			TransformResults: result.TransformResults,
		})
	}
	return json.Marshal(encoded)
}
