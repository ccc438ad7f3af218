package docsync

import (
	"encoding/json"
	"flag"
	"testing"

	"github.com/go-playground/assert/v2"
)

func init() {
	initGlog()
}

func initGlog() {
	flag.Set("logtostderr", "true")
	flag.Set("stderrthreshold", "INFO")
	flag.Set("v", "0")
}

func TestIdOrder(t *testing.T) {
	// ulids are ordered by create time
	// listener ids from the same source can be ordered

	a := NewId()
	for i := 0; i < 16*1024; i++ {
		b := NewId()
		assert.Equal(t, a.LessThan(b), true)
		assert.Equal(t, b.LessThan(a), false)
		assert.Equal(t, b.LessThan(b), false)
		assert.Equal(t, b == a, false)
		assert.Equal(t, b == b, true)
		a = b
	}
}

func TestIdJsonCodec(t *testing.T) {
	type Test struct {
		A Id  `json:"a,omitempty"`
		B *Id `json:"b,omitempty"`
	}

	a := NewId()
	b := NewId()
	test := &Test{
		A: a,
		B: &b,
	}

	testJson, err := json.Marshal(test)
	assert.Equal(t, err, nil)

	test_ := &Test{}
	err = json.Unmarshal(testJson, test_)
	assert.Equal(t, err, nil)
	assert.Equal(t, a, test_.A)
	assert.Equal(t, b, *test_.B)

	parsed, err := ParseId(a.String())
	assert.Equal(t, err, nil)
	assert.Equal(t, a, parsed)
}

func TestDocumentKey(t *testing.T) {
	key, err := NewDocumentKey("cities/sf")
	assert.Equal(t, err, nil)
	assert.Equal(t, "cities/sf", key.Path())
	assert.Equal(t, "cities", key.CollectionPath())
	assert.Equal(t, "sf", key.DocumentId())
	assert.Equal(t, true, key.InCollection("cities"))
	assert.Equal(t, false, key.InCollection("countries"))

	nested, err := NewDocumentKey("cities/sf/landmarks/coit")
	assert.Equal(t, err, nil)
	assert.Equal(t, "cities/sf/landmarks", nested.CollectionPath())
	assert.Equal(t, "coit", nested.DocumentId())
	assert.Equal(t, false, nested.InCollection("cities"))
	assert.Equal(t, true, nested.InCollection("cities/sf/landmarks"))

	// odd segment counts and empty segments are rejected
	_, err = NewDocumentKey("cities")
	assert.NotEqual(t, err, nil)
	_, err = NewDocumentKey("cities/sf/landmarks")
	assert.NotEqual(t, err, nil)
	_, err = NewDocumentKey("cities//sf")
	assert.NotEqual(t, err, nil)
}

func TestDocumentExists(t *testing.T) {
	doc := &Document{
		Key: RequireDocumentKey("cities/sf"),
	}
	assert.Equal(t, false, doc.Exists())

	doc.Fields = testFields(map[string]any{"name": "SF"})
	assert.Equal(t, true, doc.Exists())
}
