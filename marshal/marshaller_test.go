package marshal

import (
	"context"
	"encoding/base64"
	"errors"
	"testing"

	"github.com/deepnoodle-ai/nodeflow/internal/xjson"
	"github.com/deepnoodle-ai/nodeflow/objectstore"
	"github.com/stretchr/testify/require"
)

var pngHeader = []byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n', 0x00, 0x00}

func newTestMarshaller() (*Marshaller, *objectstore.MemoryStore) {
	store := objectstore.NewMemoryStore()
	return New(Options{Store: store}), store
}

func TestBinaryRoundTrip(t *testing.T) {
	ctx := context.Background()
	m, store := newTestMarshaller()

	for _, typ := range []Type{TypeImage, TypeAudio, TypeVideo, TypeDocument, TypeBinary} {
		t.Run(string(typ), func(t *testing.T) {
			in := Binary{Data: []byte("payload-" + typ), MimeType: "application/x-test"}

			p, err := m.ToPortable(ctx, typ, in)
			require.NoError(t, err)
			require.Equal(t, KindBinary, p.Kind)
			require.NotNil(t, p.Ref)
			require.Nil(t, p.Value)
			require.Equal(t, "application/x-test", p.Ref.MimeType)

			out, err := m.FromPortable(ctx, typ, p)
			require.NoError(t, err)
			require.Equal(t, in, out)
		})
	}
	require.Equal(t, 5, store.Len())
}

func TestPortableValueNeverInlinesBytes(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestMarshaller()

	p, err := m.ToPortable(ctx, TypeImage, Binary{Data: pngHeader, MimeType: "image/png"})
	require.NoError(t, err)

	data, err := xjson.Marshal(p)
	require.NoError(t, err)
	require.NotContains(t, string(data), base64.StdEncoding.EncodeToString(pngHeader))

	var decoded PortableValue
	require.NoError(t, xjson.Unmarshal(data, &decoded))
	out, err := m.FromPortable(ctx, TypeImage, decoded)
	require.NoError(t, err)
	require.Equal(t, Binary{Data: pngHeader, MimeType: "image/png"}, out)
}

func TestAnyValuesOffloadBinary(t *testing.T) {
	ctx := context.Background()
	secret := []byte("secret-bytes")
	encoded := base64.StdEncoding.EncodeToString(secret)

	t.Run("raw bytes", func(t *testing.T) {
		m, store := newTestMarshaller()
		p, err := m.ToPortable(ctx, TypeAny, secret)
		require.NoError(t, err)
		require.Equal(t, KindBinary, p.Kind)
		require.Equal(t, 1, store.Len())

		out, err := m.FromPortable(ctx, TypeAny, p)
		require.NoError(t, err)
		require.Equal(t, secret, out.(Binary).Data)
	})

	t.Run("nested in structured values", func(t *testing.T) {
		for _, typ := range []Type{TypeAny, TypeObject, TypeJSON} {
			m, store := newTestMarshaller()
			p, err := m.ToPortable(ctx, typ, map[string]any{
				"img":   Binary{Data: secret, MimeType: "image/png"},
				"parts": []any{secret, "text"},
			})
			require.NoError(t, err, typ)
			require.Equal(t, KindJSON, p.Kind)
			require.Equal(t, 2, store.Len(), typ)

			data, err := xjson.Marshal(p)
			require.NoError(t, err)
			require.NotContains(t, string(data), encoded)

			value := p.Value.(map[string]any)
			img := value["img"].(map[string]any)
			require.Equal(t, objectstore.ContentID(secret, "image/png"), img[RefKey])
			require.Equal(t, "image/png", img["mime_type"])
			require.Equal(t, "text", value["parts"].([]any)[1])
		}
	})

	t.Run("binary inside a struct is rejected", func(t *testing.T) {
		m, _ := newTestMarshaller()
		type wrapper struct {
			Image Binary `json:"image"`
		}
		_, err := m.ToPortable(ctx, TypeAny, wrapper{Image: Binary{Data: secret}})
		require.Error(t, err)
		require.True(t, IsValueError(err))
	})
}

func TestBinaryDefaultMimeType(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestMarshaller()

	p, err := m.ToPortable(ctx, TypeImage, []byte{1, 2, 3})
	require.NoError(t, err)
	require.Equal(t, "image/png", p.Ref.MimeType)
}

func TestBinaryWithoutStore(t *testing.T) {
	m := New(Options{})
	_, err := m.ToPortable(context.Background(), TypeImage, Binary{Data: []byte{1}})
	require.ErrorIs(t, err, ErrNoStore)
}

func TestFromPortableMissingObject(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestMarshaller()

	ref := objectstore.NewReference([]byte("gone"), "image/png")
	_, err := m.FromPortable(ctx, TypeImage, PortableValue{Kind: KindBinary, Ref: &ref})
	require.ErrorIs(t, err, objectstore.ErrNotFound)
	require.False(t, IsValueError(err))
}

func TestToPortableScalars(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestMarshaller()

	tests := []struct {
		name string
		typ  Type
		in   any
		kind Kind
		want any
	}{
		{"string", TypeString, "hi", KindString, "hi"},
		{"number from int", TypeNumber, 3, KindNumber, 3.0},
		{"integer", TypeInteger, 4.0, KindNumber, int64(4)},
		{"boolean", TypeBoolean, true, KindBoolean, true},
		{"json string", TypeJSON, "raw", KindJSON, "raw"},
		{"object", TypeObject, map[string]int{"a": 1}, KindJSON, map[string]any{"a": 1.0}},
		{"array", TypeArray, []string{"x"}, KindJSON, []any{"x"}},
		{"geometry", TypeGeometry, map[string]any{"type": "Point", "coordinates": []any{1.0, 2.0}},
			KindJSON, map[string]any{"type": "Point", "coordinates": []any{1.0, 2.0}}},
		{"any string", TypeAny, "s", KindString, "s"},
		{"any number", TypeAny, int64(7), KindNumber, 7.0},
		{"any map", TypeAny, map[string]any{"k": "v"}, KindJSON, map[string]any{"k": "v"}},
		{"untyped", "", false, KindBoolean, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := m.ToPortable(ctx, tt.typ, tt.in)
			require.NoError(t, err)
			require.Equal(t, tt.kind, p.Kind)
			require.Equal(t, tt.want, p.Value)
		})
	}
}

func TestToPortableRejectsWrongShape(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestMarshaller()

	tests := []struct {
		name string
		typ  Type
		in   any
	}{
		{"string", TypeString, 12},
		{"number", TypeNumber, "12"},
		{"integer", TypeInteger, 1.5},
		{"boolean", TypeBoolean, "true"},
		{"object", TypeObject, []any{1}},
		{"array", TypeArray, map[string]any{}},
		{"geometry without type", TypeGeometry, map[string]any{"coordinates": []any{}}},
		{"image", TypeImage, "not bytes"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := m.ToPortable(ctx, tt.typ, tt.in)
			require.Error(t, err)
			var ve *ValueError
			require.True(t, errors.As(err, &ve))
			require.Equal(t, tt.typ, ve.Type)
		})
	}
}

func TestNullValues(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestMarshaller()

	p, err := m.ToPortable(ctx, TypeImage, nil)
	require.NoError(t, err)
	require.True(t, p.IsNull())

	v, err := m.FromPortable(ctx, TypeString, p)
	require.NoError(t, err)
	require.Nil(t, v)
	require.Nil(t, Export(p))
}

func TestExport(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestMarshaller()

	exported, err := m.ExportValue(ctx, TypeImage, Binary{Data: pngHeader, MimeType: "image/png"})
	require.NoError(t, err)
	require.Equal(t, map[string]any{
		"$ref":      objectstore.ContentID(pngHeader, "image/png"),
		"mime_type": "image/png",
	}, exported)

	exported, err = m.ExportValue(ctx, TypeObject, map[string]any{"a": 1})
	require.NoError(t, err)
	require.Equal(t, map[string]any{"a": 1.0}, exported)
}

func TestParseType(t *testing.T) {
	typ, err := ParseType(" Image ")
	require.NoError(t, err)
	require.Equal(t, TypeImage, typ)

	typ, err = ParseType("")
	require.NoError(t, err)
	require.Equal(t, TypeAny, typ)

	_, err = ParseType("tensor")
	require.Error(t, err)

	require.True(t, TypeDocument.IsBinary())
	require.False(t, TypeJSON.IsBinary())
	require.True(t, TypeGeometry.IsStructured())
}
