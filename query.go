package docsync

import (
	"fmt"
	"strings"

	"golang.org/x/exp/slices"
	"google.golang.org/protobuf/types/known/structpb"
)

type Operator string

const (
	OperatorEqual              Operator = "=="
	OperatorNotEqual           Operator = "!="
	OperatorLessThan           Operator = "<"
	OperatorLessThanOrEqual    Operator = "<="
	OperatorGreaterThan        Operator = ">"
	OperatorGreaterThanOrEqual Operator = ">="
	OperatorArrayContains      Operator = "array-contains"
	OperatorArrayContainsAny   Operator = "array-contains-any"
	OperatorIn                 Operator = "in"
	OperatorNotIn              Operator = "not-in"
)

type Filter struct {
	Field FieldPath
	Op    Operator
	Value *structpb.Value
}

type OrderBy struct {
	Field      FieldPath
	Descending bool
}

type Bound struct {
	Values    []*structpb.Value
	Inclusive bool
}

type LimitType int

const (
	LimitToFirst LimitType = iota
	LimitToLast
)

type QueryDefinition struct {
	CollectionPath string
	Filters        []Filter
	OrderBy        []OrderBy
	StartAt        *Bound
	EndAt          *Bound
	// 0 means no limit
	Limit     int
	LimitType LimitType
}

func NewCollectionQuery(collectionPath string) *QueryDefinition {
	return &QueryDefinition{
		CollectionPath: collectionPath,
	}
}

func (self *QueryDefinition) Where(field string, op Operator, value any) *QueryDefinition {
	fieldValue, err := structpb.NewValue(value)
	if err != nil {
		fieldValue = nil
	}
	self.Filters = append(self.Filters, Filter{
		Field: FieldPath(strings.Split(field, ".")),
		Op:    op,
		Value: fieldValue,
	})
	return self
}

func (self *QueryDefinition) OrderedBy(field string, descending bool) *QueryDefinition {
	self.OrderBy = append(self.OrderBy, OrderBy{
		Field:      FieldPath(strings.Split(field, ".")),
		Descending: descending,
	})
	return self
}

func (self *QueryDefinition) WithLimit(limit int) *QueryDefinition {
	self.Limit = limit
	return self
}

func (self *QueryDefinition) Validate() error {
	if self.CollectionPath == "" {
		return fmt.Errorf("query has an empty collection path")
	}
	if strings.Count(self.CollectionPath, "/")%2 != 0 {
		return fmt.Errorf("collection path must have an odd number of segments: %s", self.CollectionPath)
	}
	for _, filter := range self.Filters {
		if len(filter.Field) == 0 {
			return fmt.Errorf("filter has an empty field path")
		}
		if filter.Value == nil {
			return fmt.Errorf("filter on %s has no value", filter.Field)
		}
		switch filter.Op {
		case OperatorEqual, OperatorNotEqual,
			OperatorLessThan, OperatorLessThanOrEqual,
			OperatorGreaterThan, OperatorGreaterThanOrEqual,
			OperatorArrayContains:
		case OperatorArrayContainsAny, OperatorIn, OperatorNotIn:
			if filter.Value.GetListValue() == nil {
				return fmt.Errorf("filter %s on %s requires a list value", filter.Op, filter.Field)
			}
		default:
			return fmt.Errorf("unknown operator %s", filter.Op)
		}
	}
	if self.Limit < 0 {
		return fmt.Errorf("negative limit")
	}
	return nil
}

// the canonical form identifies a query for target reuse
func (self *QueryDefinition) CanonicalId() string {
	var b strings.Builder
	b.WriteString(self.CollectionPath)
	for _, filter := range self.Filters {
		fmt.Fprintf(&b, "|f:%s%s%s", filter.Field, filter.Op, valueCanonicalId(filter.Value))
	}
	for _, orderBy := range self.OrderBy {
		direction := "asc"
		if orderBy.Descending {
			direction = "desc"
		}
		fmt.Fprintf(&b, "|ob:%s%s", orderBy.Field, direction)
	}
	if self.Limit != 0 {
		fmt.Fprintf(&b, "|l:%d:%d", self.Limit, self.LimitType)
	}
	if self.StartAt != nil {
		fmt.Fprintf(&b, "|sa:%v", boundCanonicalId(self.StartAt))
	}
	if self.EndAt != nil {
		fmt.Fprintf(&b, "|ea:%v", boundCanonicalId(self.EndAt))
	}
	return b.String()
}

func valueCanonicalId(value *structpb.Value) string {
	if value == nil {
		return "nil"
	}
	b, err := value.MarshalJSON()
	if err != nil {
		return "nil"
	}
	return string(b)
}

func boundCanonicalId(bound *Bound) string {
	parts := []string{fmt.Sprintf("%t", bound.Inclusive)}
	for _, value := range bound.Values {
		parts = append(parts, valueCanonicalId(value))
	}
	return strings.Join(parts, ",")
}

func (self *QueryDefinition) MatchesKey(key DocumentKey) bool {
	return key.InCollection(self.CollectionPath)
}

func (self *QueryDefinition) Matches(doc *Document) bool {
	if doc == nil || !doc.Exists() {
		return false
	}
	if !self.MatchesKey(doc.Key) {
		return false
	}
	for _, filter := range self.Filters {
		if !filterMatches(&filter, doc.Fields) {
			return false
		}
	}
	// documents missing an explicit order-by field do not match
	for _, orderBy := range self.OrderBy {
		if getFieldValue(doc.Fields, orderBy.Field) == nil {
			return false
		}
	}
	return true
}

func filterMatches(filter *Filter, fields *structpb.Struct) bool {
	fieldValue := getFieldValue(fields, filter.Field)
	switch filter.Op {
	case OperatorEqual:
		return fieldValue != nil && ValuesEqual(fieldValue, filter.Value)
	case OperatorNotEqual:
		// never matches an absent or null field
		if fieldValue == nil || valueTypeOrder(fieldValue) == 0 {
			return false
		}
		return !ValuesEqual(fieldValue, filter.Value)
	case OperatorLessThan, OperatorLessThanOrEqual, OperatorGreaterThan, OperatorGreaterThanOrEqual:
		// range operators only match values of the same type
		if fieldValue == nil || valueTypeOrder(fieldValue) != valueTypeOrder(filter.Value) {
			return false
		}
		c := CompareValues(fieldValue, filter.Value)
		switch filter.Op {
		case OperatorLessThan:
			return c < 0
		case OperatorLessThanOrEqual:
			return c <= 0
		case OperatorGreaterThan:
			return c > 0
		default:
			return c >= 0
		}
	case OperatorArrayContains:
		list := fieldValue.GetListValue()
		return list != nil && listContainsValue(list, filter.Value)
	case OperatorArrayContainsAny:
		list := fieldValue.GetListValue()
		if list == nil {
			return false
		}
		for _, candidate := range filter.Value.GetListValue().GetValues() {
			if listContainsValue(list, candidate) {
				return true
			}
		}
		return false
	case OperatorIn:
		return fieldValue != nil && listContainsValue(filter.Value.GetListValue(), fieldValue)
	case OperatorNotIn:
		if fieldValue == nil || valueTypeOrder(fieldValue) == 0 {
			return false
		}
		return !listContainsValue(filter.Value.GetListValue(), fieldValue)
	default:
		return false
	}
}

// total order over matching documents: explicit order-bys, then key
func (self *QueryDefinition) CompareDocuments(a *Document, b *Document) int {
	for _, orderBy := range self.OrderBy {
		aValue := getFieldValue(a.Fields, orderBy.Field)
		bValue := getFieldValue(b.Fields, orderBy.Field)
		c := CompareValues(aValue, bValue)
		if orderBy.Descending {
			c = -c
		}
		if c != 0 {
			return c
		}
	}
	return strings.Compare(string(a.Key), string(b.Key))
}

func (self *QueryDefinition) withinBound(doc *Document, bound *Bound, isStart bool) bool {
	if bound == nil {
		return true
	}
	c := 0
	for i, value := range bound.Values {
		if i >= len(self.OrderBy) {
			break
		}
		orderBy := self.OrderBy[i]
		fieldValue := getFieldValue(doc.Fields, orderBy.Field)
		c = CompareValues(value, fieldValue)
		if orderBy.Descending {
			c = -c
		}
		if c != 0 {
			break
		}
	}
	if isStart {
		if bound.Inclusive {
			return c <= 0
		}
		return c < 0
	}
	if bound.Inclusive {
		return c >= 0
	}
	return c > 0
}

// filters, orders, bounds, and limits the candidate documents
func (self *QueryDefinition) Apply(docs []*Document) []*Document {
	matching := []*Document{}
	for _, doc := range docs {
		if self.Matches(doc) && self.withinBound(doc, self.StartAt, true) && self.withinBound(doc, self.EndAt, false) {
			matching = append(matching, doc)
		}
	}
	slices.SortStableFunc(matching, func(a *Document, b *Document) int {
		return self.CompareDocuments(a, b)
	})
	if self.Limit > 0 && self.Limit < len(matching) {
		if self.LimitType == LimitToLast {
			matching = matching[len(matching)-self.Limit:]
		} else {
			matching = matching[:self.Limit]
		}
	}
	return matching
}
