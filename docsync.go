package docsync

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"google.golang.org/protobuf/types/known/structpb"
)

// comparable
type Id [16]byte

func NewId() Id {
	return Id(ulid.Make())
}

func IdFromBytes(idBytes []byte) (Id, error) {
	if len(idBytes) != 16 {
		return Id{}, errors.New("Id must be 16 bytes")
	}
	return Id(idBytes), nil
}

func ParseId(idStr string) (Id, error) {
	return parseUuid(idStr)
}

func (self Id) Bytes() []byte {
	return self[0:16]
}

func (self Id) LessThan(b Id) bool {
	return bytes.Compare(self[:], b[:]) < 0
}

func (self Id) String() string {
	return encodeUuid(self)
}

func (self *Id) MarshalJSON() ([]byte, error) {
	var buf [16]byte
	copy(buf[0:16], self[0:16])
	var buff bytes.Buffer
	buff.WriteByte('"')
	buff.WriteString(encodeUuid(buf))
	buff.WriteByte('"')
	return buff.Bytes(), nil
}

func (self *Id) UnmarshalJSON(src []byte) error {
	if len(src) != 38 {
		return fmt.Errorf("invalid length for UUID: %v", len(src))
	}
	buf, err := parseUuid(string(src[1 : len(src)-1]))
	if err != nil {
		return err
	}
	*self = buf
	return nil
}

func parseUuid(src string) (dst [16]byte, err error) {
	switch len(src) {
	case 36:
		src = src[0:8] + src[9:13] + src[14:18] + src[19:23] + src[24:]
	case 32:
		// dashes already stripped, assume valid
	default:
		return dst, fmt.Errorf("cannot parse UUID %v", src)
	}

	buf, err := hex.DecodeString(src)
	if err != nil {
		return dst, err
	}

	copy(dst[:], buf)
	return dst, err
}

func encodeUuid(src [16]byte) string {
	return fmt.Sprintf("%x-%x-%x-%x-%x", src[0:4], src[4:6], src[6:8], src[8:10], src[10:16])
}

// comparable
// a slash-separated resource path with an even number of segments,
// e.g. "cities/sf" or "cities/sf/landmarks/coit"
type DocumentKey string

func NewDocumentKey(path string) (DocumentKey, error) {
	segments := strings.Split(path, "/")
	if len(segments)%2 != 0 {
		return "", fmt.Errorf("document path must have an even number of segments: %s", path)
	}
	for _, segment := range segments {
		if segment == "" {
			return "", fmt.Errorf("document path has an empty segment: %s", path)
		}
	}
	return DocumentKey(path), nil
}

func RequireDocumentKey(path string) DocumentKey {
	key, err := NewDocumentKey(path)
	if err != nil {
		panic(err)
	}
	return key
}

func (self DocumentKey) Path() string {
	return string(self)
}

func (self DocumentKey) CollectionPath() string {
	i := strings.LastIndex(string(self), "/")
	return string(self)[:i]
}

func (self DocumentKey) DocumentId() string {
	i := strings.LastIndex(string(self), "/")
	return string(self)[i+1:]
}

// true if the key is a direct child of the collection path
func (self DocumentKey) InCollection(collectionPath string) bool {
	return self.CollectionPath() == collectionPath
}

// a server-known document version. `Fields == nil` means the server
// confirmed the document does not exist (a tombstone).
type Document struct {
	Key        DocumentKey
	Fields     *structpb.Struct
	UpdateTime time.Time
	CreateTime time.Time
	ReadTime   time.Time
}

func (self *Document) Exists() bool {
	return self.Fields != nil
}

type SyncSettings struct {
	// maximum mutation batches in flight on the write stream
	MaxPendingWrites int
	// delay before opening an auxiliary listen for a limbo document
	LimboResolutionTimeout time.Duration
	// buffered sends per stream while disconnected
	SendQueueSize int

	ListenBackoffSettings *BackoffSettings
	WriteBackoffSettings  *BackoffSettings
}

func DefaultSyncSettings() *SyncSettings {
	return &SyncSettings{
		MaxPendingWrites:       10,
		LimboResolutionTimeout: 1 * time.Second,
		SendQueueSize:          64,
		ListenBackoffSettings:  DefaultBackoffSettings(),
		WriteBackoffSettings:   DefaultBackoffSettings(),
	}
}
