package metadata

import (
	"testing"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValueAccessors(t *testing.T) {
	s, ok := String("hello").AsString()
	require.True(t, ok)
	assert.Equal(t, "hello", s)

	n, ok := Number(3.5).AsNumber()
	require.True(t, ok)
	assert.Equal(t, 3.5, n)

	b, ok := Bool(true).AsBool()
	require.True(t, ok)
	assert.True(t, b)

	_, ok = String("x").AsNumber()
	assert.False(t, ok)

	assert.True(t, Null().IsNull())
}

func TestValueJSONRoundTrip(t *testing.T) {
	doc := Document{
		"title":  String("intro"),
		"pages":  Int(42),
		"rating": Number(4.5),
		"draft":  Bool(false),
		"none":   Null(),
	}

	data, err := json.Marshal(doc)
	require.NoError(t, err)

	var got Document
	require.NoError(t, json.Unmarshal(data, &got))

	assert.True(t, doc.Equal(got), "got %v", got)
}

func TestFromMap(t *testing.T) {
	doc, err := FromMap(map[string]any{
		"s": "str",
		"i": 7,
		"f": 1.25,
		"b": true,
	})
	require.NoError(t, err)

	assert.True(t, doc["s"].Equal(String("str")))
	assert.True(t, doc["i"].Equal(Number(7)))
	assert.True(t, doc["f"].Equal(Number(1.25)))
	assert.True(t, doc["b"].Equal(Bool(true)))

	_, err = FromMap(map[string]any{"bad": []string{"nested"}})
	assert.Error(t, err)

	nilDoc, err := FromMap(nil)
	require.NoError(t, err)
	assert.Nil(t, nilDoc)
}

func TestDocumentEqual(t *testing.T) {
	a := Document{"k": String("v")}
	b := Document{"k": String("v")}
	c := Document{"k": String("w")}
	d := Document{"k": String("v"), "extra": Bool(true)}

	assert.True(t, a.Equal(b))
	assert.False(t, a.Equal(c))
	assert.False(t, a.Equal(d))
}

func TestSchemaValidate(t *testing.T) {
	s := Schema{
		"title": FieldTypeString,
		"count": FieldTypeNumber,
		"flag":  FieldTypeBool,
		"any":   FieldTypeAny,
	}

	tests := []struct {
		name    string
		doc     Document
		wantErr bool
	}{
		{
			"valid",
			Document{
				"title": String("t"),
				"count": Int(1),
				"flag":  Bool(true),
				"any":   Number(9),
			},
			false,
		},
		{
			"null allowed anywhere",
			Document{"title": Null()},
			false,
		},
		{
			"undeclared field passes",
			Document{"other": Bool(false)},
			false,
		},
		{
			"wrong type",
			Document{"count": String("nan")},
			true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := s.Validate(tt.doc)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}

	assert.NoError(t, Schema(nil).Validate(Document{"x": Bool(true)}))
}

func TestParseFieldType(t *testing.T) {
	for _, ft := range []FieldType{FieldTypeAny, FieldTypeString, FieldTypeNumber, FieldTypeBool} {
		got, err := ParseFieldType(ft.String())
		require.NoError(t, err)
		assert.Equal(t, ft, got)
	}

	_, err := ParseFieldType("array")
	assert.Error(t, err)
}
