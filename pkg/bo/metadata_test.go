package bo

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetadataKeepsOrder(t *testing.T) {
	m, err := ParseMetadata([]byte(`{"z":1,"a":"two","m":[1,"x"],"size":3}`))
	require.NoError(t, err)
	assert.Equal(t, []string{"z", "a", "m", "size"}, m.Keys())

	m.Set("a", "replaced")
	m.Set("new", true)
	assert.Equal(t, []string{"z", "a", "m", "size", "new"}, m.Keys())

	m.Delete("m")
	m.Delete("missing")
	assert.Equal(t, []string{"z", "a", "size", "new"}, m.Keys())
	assert.Equal(t, `{"z":1,"a":"replaced","size":3,"new":true}`, m.String())
}

func TestMetadataAccessors(t *testing.T) {
	m := NewMetadata()
	m.Set("count", 7)
	m.Set("ratio", 0.5)
	m.Set("flag", true)
	m.Set("tags", []string{"a", "b"})
	m.Set("one", "solo")
	m.Set("numeric", "42")

	n, ok := m.GetInt("count")
	assert.True(t, ok)
	assert.Equal(t, int64(7), n)

	n, ok = m.GetInt("numeric")
	assert.True(t, ok)
	assert.Equal(t, int64(42), n)

	_, ok = m.GetInt("tags")
	assert.False(t, ok)

	assert.Equal(t, "7", m.GetString("count"))
	assert.Equal(t, "0.5", m.GetString("ratio"))
	assert.Equal(t, "true", m.GetString("flag"))
	assert.Equal(t, "", m.GetString("tags"))
	assert.Equal(t, []string{"a", "b"}, m.GetStrings("tags"))
	assert.Equal(t, []string{"solo"}, m.GetStrings("one"))
	assert.Nil(t, m.GetStrings("missing"))
	assert.True(t, m.IsList("tags"))
	assert.False(t, m.IsList("one"))
}

func TestMetadataCloneIsDeep(t *testing.T) {
	m := NewMetadata()
	m.Set(KeyRoute, []string{"a"})
	c := m.Clone()

	obj := &BusinessObject{Metadata: c}
	obj.AppendRoute("b")

	assert.Equal(t, []string{"a"}, m.GetStrings(KeyRoute))
	assert.Equal(t, []string{"a", "b"}, c.GetStrings(KeyRoute))
}

func TestMetadataJSON(t *testing.T) {
	type wrapper struct {
		Meta *Metadata `json:"meta"`
	}
	in := wrapper{Meta: NewMetadata()}
	in.Meta.Set("b", 1)
	in.Meta.Set("a", "x")

	data, err := json.Marshal(in)
	require.NoError(t, err)
	assert.Equal(t, `{"meta":{"b":1,"a":"x"}}`, string(data))

	var out wrapper
	require.NoError(t, json.Unmarshal(data, &out))
	assert.Equal(t, in.Meta, out.Meta)
}
