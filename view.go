package docsync

import (
	"google.golang.org/protobuf/types/known/structpb"
)

type DocumentChangeKind int

const (
	DocumentAdded DocumentChangeKind = iota
	DocumentModified
	DocumentRemoved
)

// a document as seen through a query view: server data with pending
// local writes applied
type DocumentSnapshot struct {
	Key              DocumentKey
	Fields           *structpb.Struct
	HasPendingWrites bool
}

type DocumentChange struct {
	Kind DocumentChangeKind
	Doc  *DocumentSnapshot
	// position in the previous snapshot, -1 if added
	OldIndex int
	// position in this snapshot, -1 if removed
	NewIndex int
}

// one consistent view of a query's results
type ViewSnapshot struct {
	Query     *QueryDefinition
	Documents []*DocumentSnapshot
	Changes   []DocumentChange
	// true until the target is marked current by the server
	FromCache bool
	// true while any document in the view has an unacknowledged write
	HasPendingWrites bool
	// true when FromCache flipped relative to the previous snapshot
	SyncStateChanged bool
}

// positional diff between two ordered document lists
func diffViewDocuments(oldDocs []*DocumentSnapshot, newDocs []*DocumentSnapshot) []DocumentChange {
	oldIndexes := map[DocumentKey]int{}
	for i, doc := range oldDocs {
		oldIndexes[doc.Key] = i
	}
	newIndexes := map[DocumentKey]int{}
	for i, doc := range newDocs {
		newIndexes[doc.Key] = i
	}

	changes := []DocumentChange{}
	for i, doc := range oldDocs {
		if _, ok := newIndexes[doc.Key]; !ok {
			changes = append(changes, DocumentChange{
				Kind:     DocumentRemoved,
				Doc:      doc,
				OldIndex: i,
				NewIndex: -1,
			})
		}
	}
	for i, doc := range newDocs {
		oldIndex, ok := oldIndexes[doc.Key]
		if !ok {
			changes = append(changes, DocumentChange{
				Kind:     DocumentAdded,
				Doc:      doc,
				OldIndex: -1,
				NewIndex: i,
			})
			continue
		}
		if !FieldsEqual(oldDocs[oldIndex].Fields, doc.Fields) {
			changes = append(changes, DocumentChange{
				Kind:     DocumentModified,
				Doc:      doc,
				OldIndex: oldIndex,
				NewIndex: i,
			})
		}
	}
	return changes
}
