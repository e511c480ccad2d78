package nullable

import (
	"testing"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
)

type patch struct {
	Pause       Nullable[string] `json:"pause"`
	Description Nullable[string] `json:"description"`
}

func TestAbsentNullAndValue(t *testing.T) {
	var p patch
	assert.NoError(t, json.Unmarshal([]byte(`{"pause":"00:30:00"}`), &p))

	// present with a value
	assert.True(t, p.Pause.Present())
	if assert.NotNil(t, p.Pause.Ptr()) {
		assert.Equal(t, "00:30:00", *p.Pause.Ptr())
	}

	// absent, leave the column alone
	assert.False(t, p.Description.Present())
	assert.Nil(t, p.Description.Ptr())

	// present but null, clear the column
	p = patch{}
	assert.NoError(t, json.Unmarshal([]byte(`{"pause":null}`), &p))
	assert.True(t, p.Pause.Present())
	assert.Nil(t, p.Pause.Ptr())
}

func TestDecodeError(t *testing.T) {
	var p patch
	assert.Error(t, json.Unmarshal([]byte(`{"pause":42}`), &p))
}

func TestConstructors(t *testing.T) {
	set := Set("value")
	assert.True(t, set.Present())
	if assert.NotNil(t, set.Ptr()) {
		assert.Equal(t, "value", *set.Ptr())
	}

	null := Null[string]()
	assert.True(t, null.Present())
	assert.Nil(t, null.Ptr())

	var absent Nullable[string]
	assert.False(t, absent.Present())
}

func TestMarshal(t *testing.T) {
	data, err := json.Marshal(Set(7))
	assert.NoError(t, err)
	assert.Equal(t, "7", string(data))

	data, err = json.Marshal(Null[int]())
	assert.NoError(t, err)
	assert.Equal(t, "null", string(data))
}
