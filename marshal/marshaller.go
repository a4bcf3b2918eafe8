package marshal

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"

	"github.com/deepnoodle-ai/nodeflow/internal/xjson"
	"github.com/deepnoodle-ai/nodeflow/objectstore"
)

// ErrNoStore is returned when a binary value is marshalled without an object
// store configured.
var ErrNoStore = errors.New("no object store configured")

// ErrStore wraps object store failures met while marshalling.
var ErrStore = errors.New("object store failure")

// Options configures a Marshaller.
type Options struct {
	Store  objectstore.Store
	Logger *slog.Logger
}

// Marshaller converts values between their in-memory and portable forms.
// Construct one per process and pass it to the executor and tool bridge.
type Marshaller struct {
	store  objectstore.Store
	logger *slog.Logger
}

// New returns a Marshaller backed by the given object store.
func New(opts Options) *Marshaller {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Marshaller{
		store:  opts.Store,
		logger: logger.With("component", "marshaller"),
	}
}

// Store returns the object store used for binary values.
func (m *Marshaller) Store() objectstore.Store {
	return m.store
}

// ToPortable converts an in-memory value of the declared type to its portable
// form. Binary values are written to the object store.
func (m *Marshaller) ToPortable(ctx context.Context, t Type, v any) (PortableValue, error) {
	if v == nil {
		return Null(), nil
	}
	if t == "" {
		t = TypeAny
	}
	if t.IsBinary() {
		return m.binaryToPortable(ctx, t, v)
	}

	switch t {
	case TypeString:
		s, ok := v.(string)
		if !ok {
			return PortableValue{}, newValueError(t, "expected string, got %T", v)
		}
		return PortableValue{Kind: KindString, Value: s}, nil

	case TypeNumber:
		f, ok := toFloat(v)
		if !ok {
			return PortableValue{}, newValueError(t, "expected number, got %T", v)
		}
		return PortableValue{Kind: KindNumber, Value: f}, nil

	case TypeInteger:
		i, ok := toInt(v)
		if !ok {
			return PortableValue{}, newValueError(t, "expected integer, got %v", v)
		}
		return PortableValue{Kind: KindNumber, Value: i}, nil

	case TypeBoolean:
		b, ok := v.(bool)
		if !ok {
			return PortableValue{}, newValueError(t, "expected boolean, got %T", v)
		}
		return PortableValue{Kind: KindBoolean, Value: b}, nil

	case TypeJSON, TypeObject, TypeArray, TypeGeometry:
		v, err := m.offloadNested(ctx, v)
		if err != nil {
			return PortableValue{}, err
		}
		normalized, err := normalizeJSON(v)
		if err != nil {
			return PortableValue{}, newValueError(t, "not representable as JSON: %v", err)
		}
		if err := checkStructure(t, normalized); err != nil {
			return PortableValue{}, err
		}
		return PortableValue{Kind: KindJSON, Value: normalized}, nil
	}

	return m.anyToPortable(ctx, v)
}

func (m *Marshaller) anyToPortable(ctx context.Context, v any) (PortableValue, error) {
	switch val := v.(type) {
	case Binary, *Binary, []byte, objectstore.Reference, *objectstore.Reference:
		return m.binaryToPortable(ctx, TypeBinary, val)
	case string:
		return PortableValue{Kind: KindString, Value: val}, nil
	case bool:
		return PortableValue{Kind: KindBoolean, Value: val}, nil
	}
	if f, ok := toFloat(v); ok {
		return PortableValue{Kind: KindNumber, Value: f}, nil
	}
	v, err := m.offloadNested(ctx, v)
	if err != nil {
		return PortableValue{}, err
	}
	normalized, err := normalizeJSON(v)
	if err != nil {
		return PortableValue{}, newValueError(TypeAny, "not representable as JSON: %v", err)
	}
	return PortableValue{Kind: KindJSON, Value: normalized}, nil
}

// offloadNested replaces binary values found in maps and slices with their
// exported reference form, writing the bytes to the store.
func (m *Marshaller) offloadNested(ctx context.Context, v any) (any, error) {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for key, item := range val {
			walked, err := m.offloadNested(ctx, item)
			if err != nil {
				return nil, err
			}
			out[key] = walked
		}
		return out, nil
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			walked, err := m.offloadNested(ctx, item)
			if err != nil {
				return nil, err
			}
			out[i] = walked
		}
		return out, nil
	case Binary, *Binary, []byte, objectstore.Reference, *objectstore.Reference:
		p, err := m.binaryToPortable(ctx, TypeBinary, val)
		if err != nil {
			return nil, err
		}
		return Export(p), nil
	}
	return v, nil
}

func (m *Marshaller) binaryToPortable(ctx context.Context, t Type, v any) (PortableValue, error) {
	var bin Binary
	switch val := v.(type) {
	case Binary:
		bin = val
	case *Binary:
		if val == nil {
			return Null(), nil
		}
		bin = *val
	case []byte:
		bin = Binary{Data: val}
	case objectstore.Reference:
		return refToPortable(t, val)
	case *objectstore.Reference:
		if val == nil {
			return Null(), nil
		}
		return refToPortable(t, *val)
	default:
		return PortableValue{}, newValueError(t, "expected binary data, got %T", v)
	}

	if bin.MimeType == "" {
		bin.MimeType = t.DefaultMimeType()
	}
	if m.store == nil {
		return PortableValue{}, ErrNoStore
	}
	ref, err := m.store.Put(ctx, bin.Data, bin.MimeType)
	if err != nil {
		return PortableValue{}, fmt.Errorf("%w: failed to store %s value: %w", ErrStore, t, err)
	}
	m.logger.Debug("stored binary value",
		"object_id", ref.ID,
		"mime_type", ref.MimeType,
		"size", len(bin.Data))
	return PortableValue{Kind: KindBinary, Ref: &ref}, nil
}

func refToPortable(t Type, ref objectstore.Reference) (PortableValue, error) {
	if err := ref.Validate(); err != nil {
		return PortableValue{}, newValueError(t, "%v", err)
	}
	return PortableValue{Kind: KindBinary, Ref: &ref}, nil
}

// FromPortable converts a portable value back to its in-memory form. Binary
// references are read back from the object store.
func (m *Marshaller) FromPortable(ctx context.Context, t Type, p PortableValue) (any, error) {
	if p.IsNull() {
		return nil, nil
	}
	if p.Kind == KindBinary {
		if p.Ref == nil {
			return nil, newValueError(t, "binary value without reference")
		}
		if m.store == nil {
			return nil, ErrNoStore
		}
		data, err := m.store.Get(ctx, *p.Ref)
		if err != nil {
			return nil, fmt.Errorf("%w: failed to load %s value %s: %w", ErrStore, t, p.Ref.ID, err)
		}
		return Binary{Data: data, MimeType: p.Ref.MimeType}, nil
	}
	if t.IsBinary() {
		return nil, newValueError(t, "expected binary reference, got %s", p.Kind)
	}

	switch t {
	case TypeString:
		s, ok := p.Value.(string)
		if !ok {
			return nil, newValueError(t, "expected string, got %s", p.Kind)
		}
		return s, nil
	case TypeNumber:
		f, ok := toFloat(p.Value)
		if !ok {
			return nil, newValueError(t, "expected number, got %s", p.Kind)
		}
		return f, nil
	case TypeInteger:
		i, ok := toInt(p.Value)
		if !ok {
			return nil, newValueError(t, "expected integer, got %v", p.Value)
		}
		return i, nil
	case TypeBoolean:
		b, ok := p.Value.(bool)
		if !ok {
			return nil, newValueError(t, "expected boolean, got %s", p.Kind)
		}
		return b, nil
	}
	if p.Kind == KindNumber {
		if f, ok := toFloat(p.Value); ok {
			return f, nil
		}
	}
	return p.Value, nil
}

// ExportValue converts an in-memory value straight to its JSON-safe form.
func (m *Marshaller) ExportValue(ctx context.Context, t Type, v any) (any, error) {
	p, err := m.ToPortable(ctx, t, v)
	if err != nil {
		return nil, err
	}
	return Export(p), nil
}

// normalizeJSON round trips v through the JSON codec so structs and typed
// maps become plain map[string]any / []any trees.
func normalizeJSON(v any) (any, error) {
	switch v.(type) {
	case string, bool, float64, nil:
		return v, nil
	}
	data, err := xjson.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out any
	if err := xjson.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func checkStructure(t Type, v any) error {
	switch t {
	case TypeObject:
		if _, ok := v.(map[string]any); !ok {
			return newValueError(t, "expected object, got %s", jsonKind(v))
		}
	case TypeArray:
		if _, ok := v.([]any); !ok {
			return newValueError(t, "expected array, got %s", jsonKind(v))
		}
	case TypeGeometry:
		obj, ok := v.(map[string]any)
		if !ok {
			return newValueError(t, "expected object, got %s", jsonKind(v))
		}
		if kind, _ := obj["type"].(string); kind == "" {
			return newValueError(t, "geometry requires a \"type\" member")
		}
	}
	return nil
}

func jsonKind(v any) string {
	switch v.(type) {
	case nil:
		return "null"
	case string:
		return "string"
	case bool:
		return "boolean"
	case float64:
		return "number"
	case []any:
		return "array"
	case map[string]any:
		return "object"
	}
	return fmt.Sprintf("%T", v)
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case xjson.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

func toInt(v any) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int64:
		return n, true
	case int32:
		return int64(n), true
	}
	f, ok := toFloat(v)
	if !ok || math.IsNaN(f) || math.IsInf(f, 0) || f != math.Trunc(f) {
		return 0, false
	}
	return int64(f), true
}
