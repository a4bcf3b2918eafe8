package marshal

import (
	"context"
	"encoding/base64"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/deepnoodle-ai/nodeflow/internal/xjson"
	"github.com/deepnoodle-ai/nodeflow/objectstore"
)

var booleanTokens = map[string]bool{
	"true":  true,
	"1":     true,
	"yes":   true,
	"false": false,
	"0":     false,
	"no":    false,
}

// Coerce converts a loosely typed external value (for example a tool call
// argument) to the in-memory form of type t. Conversion is best effort: an
// unrecognized value is returned unchanged for later validation to reject.
// Only binary arguments that cannot be decoded at all return a *CoercionError.
func (m *Marshaller) Coerce(ctx context.Context, t Type, v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	if t.IsBinary() {
		return m.coerceBinary(ctx, t, v)
	}

	switch t {
	case TypeNumber:
		if s, ok := v.(string); ok {
			if f, err := strconv.ParseFloat(strings.TrimSpace(s), 64); err == nil {
				return f, nil
			}
			return v, nil
		}
		if f, ok := toFloat(v); ok {
			return f, nil
		}

	case TypeInteger:
		if s, ok := v.(string); ok {
			s = strings.TrimSpace(s)
			if i, err := strconv.ParseInt(s, 10, 64); err == nil {
				return i, nil
			}
			if f, err := strconv.ParseFloat(s, 64); err == nil {
				if i, ok := toInt(f); ok {
					return i, nil
				}
			}
			return v, nil
		}
		if i, ok := toInt(v); ok {
			return i, nil
		}

	case TypeBoolean:
		switch val := v.(type) {
		case string:
			if b, ok := booleanTokens[strings.ToLower(strings.TrimSpace(val))]; ok {
				return b, nil
			}
		case float64:
			if val == 1 {
				return true, nil
			}
			if val == 0 {
				return false, nil
			}
		}

	case TypeString:
		switch val := v.(type) {
		case string:
			return val, nil
		case bool:
			return strconv.FormatBool(val), nil
		case float64:
			return strconv.FormatFloat(val, 'f', -1, 64), nil
		case map[string]any, []any:
			if data, err := xjson.Marshal(val); err == nil {
				return string(data), nil
			}
		}

	case TypeJSON, TypeObject, TypeArray, TypeGeometry:
		if s, ok := v.(string); ok {
			var parsed any
			if err := xjson.Unmarshal([]byte(s), &parsed); err == nil {
				return parsed, nil
			}
			return s, nil
		}
	}
	return v, nil
}

func (m *Marshaller) coerceBinary(ctx context.Context, t Type, v any) (any, error) {
	switch val := v.(type) {
	case Binary:
		return val, nil
	case *Binary:
		if val == nil {
			return nil, nil
		}
		return *val, nil
	case []byte:
		return Binary{Data: val, MimeType: sniffMimeType(t, val)}, nil
	case objectstore.Reference:
		return m.loadReference(ctx, t, val)
	case map[string]any:
		if ref, ok := refFromExport(val); ok {
			return m.loadReference(ctx, t, ref)
		}
		return nil, &CoercionError{Type: t, Reason: "object is not a reference"}
	case string:
		if strings.HasPrefix(val, "data:") {
			return decodeDataURI(t, val)
		}
		data, err := decodeBase64(val)
		if err != nil {
			return nil, &CoercionError{Type: t, Reason: "invalid base64", Err: err}
		}
		return Binary{Data: data, MimeType: sniffMimeType(t, data)}, nil
	}
	return nil, &CoercionError{Type: t, Reason: "unsupported argument of type " + strings.TrimPrefix(jsonKind(v), "*")}
}

func (m *Marshaller) loadReference(ctx context.Context, t Type, ref objectstore.Reference) (any, error) {
	if err := ref.Validate(); err != nil {
		return nil, &CoercionError{Type: t, Reason: "invalid reference", Err: err}
	}
	if m.store == nil {
		return nil, &CoercionError{Type: t, Reason: "unknown reference", Err: ErrNoStore}
	}
	data, err := m.store.Get(ctx, ref)
	if err != nil {
		return nil, &CoercionError{Type: t, Reason: "unknown reference " + ref.ID, Err: err}
	}
	mimeType := ref.MimeType
	if mimeType == "" {
		mimeType = sniffMimeType(t, data)
	}
	return Binary{Data: data, MimeType: mimeType}, nil
}

// decodeDataURI handles data:[<mime>][;base64],<payload>.
func decodeDataURI(t Type, s string) (any, error) {
	header, payload, ok := strings.Cut(strings.TrimPrefix(s, "data:"), ",")
	if !ok {
		return nil, &CoercionError{Type: t, Reason: "malformed data URI"}
	}
	isBase64 := strings.HasSuffix(header, ";base64")
	mimeType := strings.TrimSuffix(header, ";base64")

	var data []byte
	if isBase64 {
		decoded, err := decodeBase64(payload)
		if err != nil {
			return nil, &CoercionError{Type: t, Reason: "invalid base64 in data URI", Err: err}
		}
		data = decoded
	} else {
		unescaped, err := url.PathUnescape(payload)
		if err != nil {
			return nil, &CoercionError{Type: t, Reason: "invalid data URI payload", Err: err}
		}
		data = []byte(unescaped)
	}
	if mimeType == "" {
		mimeType = sniffMimeType(t, data)
	}
	return Binary{Data: data, MimeType: mimeType}, nil
}

func decodeBase64(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	data, err := base64.StdEncoding.DecodeString(s)
	if err == nil {
		return data, nil
	}
	if data, rawErr := base64.RawStdEncoding.DecodeString(s); rawErr == nil {
		return data, nil
	}
	if data, urlErr := base64.URLEncoding.DecodeString(s); urlErr == nil {
		return data, nil
	}
	return nil, err
}

func sniffMimeType(t Type, data []byte) string {
	sniffed := http.DetectContentType(data)
	if sniffed == "application/octet-stream" {
		return t.DefaultMimeType()
	}
	return sniffed
}
