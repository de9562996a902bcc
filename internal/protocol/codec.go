package protocol

import (
	"errors"
	"fmt"
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

// ErrDecode marks bytes that are not a well-formed encoding of any
// variant. Callers drop the message and keep the connection.
var ErrDecode = errors.New("protocol: malformed message")

// encMode uses Core Deterministic Encoding so the same message always
// produces identical bytes.
var encMode cbor.EncMode

var decMode cbor.DecMode

func init() {
	var err error

	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("protocol: CBOR encoder initialization failed: " + err.Error())
	}

	decMode, err = cbor.DecOptions{
		// Variants arrive as single-key maps; decode them into
		// map[string]any rather than map[any]any.
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic("protocol: CBOR decoder initialization failed: " + err.Error())
	}
}

// Encode serializes m in the externally tagged shape: unit variants are
// a bare text string, every other variant is a one-entry map from the
// tag to its payload. Tuple payloads are arrays.
func Encode(m Message) ([]byte, error) {
	var value any
	switch m := m.(type) {
	case Text:
		value = map[string]any{KindText: m.Body}
	case File:
		value = map[string]any{KindFile: []any{m.Name, nonNil(m.Content)}}
	case Image:
		value = map[string]any{KindImage: []any{m.Name, nonNil(m.Content)}}
	case Login:
		value = map[string]any{KindLogin: []any{m.Username, m.Password}}
	case LoginResponse:
		value = map[string]any{KindLoginResponse: m.Success}
	case Quit:
		value = KindQuit
	default:
		return nil, fmt.Errorf("protocol: cannot encode %T", m)
	}
	return encMode.Marshal(value)
}

// Decode parses exactly one message from data. Trailing bytes are an
// error, so a buffer holding a truncated or concatenated encoding fails
// with ErrDecode.
func Decode(data []byte) (Message, error) {
	var value any
	if err := decMode.Unmarshal(data, &value); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDecode, err)
	}
	return fromValue(value)
}

// DecodeFirst parses the first message in data and returns the unread
// remainder. An incomplete encoding wraps io.ErrUnexpectedEOF so stream
// readers can wait for more bytes.
func DecodeFirst(data []byte) (Message, []byte, error) {
	var value any
	rest, err := decMode.UnmarshalFirst(data, &value)
	if err != nil {
		return nil, data, fmt.Errorf("%w: %w", ErrDecode, err)
	}
	m, err := fromValue(value)
	return m, rest, err
}

func fromValue(value any) (Message, error) {
	switch v := value.(type) {
	case string:
		if v == KindQuit {
			return Quit{}, nil
		}
		return nil, fmt.Errorf("%w: unknown unit variant %q", ErrDecode, v)
	case map[string]any:
		if len(v) != 1 {
			return nil, fmt.Errorf("%w: variant map has %d entries", ErrDecode, len(v))
		}
		for tag, payload := range v {
			return variant(tag, payload)
		}
	}
	return nil, fmt.Errorf("%w: unexpected top-level %T", ErrDecode, value)
}

func variant(tag string, payload any) (Message, error) {
	switch tag {
	case KindText:
		body, ok := payload.(string)
		if !ok {
			return nil, payloadError(tag, payload)
		}
		return Text{Body: body}, nil
	case KindLoginResponse:
		success, ok := payload.(bool)
		if !ok {
			return nil, payloadError(tag, payload)
		}
		return LoginResponse{Success: success}, nil
	case KindQuit:
		if payload != nil {
			return nil, payloadError(tag, payload)
		}
		return Quit{}, nil
	case KindFile, KindImage:
		fields, ok := payload.([]any)
		if !ok || len(fields) != 2 {
			return nil, payloadError(tag, payload)
		}
		name, ok := fields[0].(string)
		if !ok {
			return nil, payloadError(tag, payload)
		}
		content, err := toBytes(fields[1])
		if err != nil {
			return nil, err
		}
		if tag == KindFile {
			return File{Name: name, Content: content}, nil
		}
		return Image{Name: name, Content: content}, nil
	case KindLogin:
		fields, ok := payload.([]any)
		if !ok || len(fields) != 2 {
			return nil, payloadError(tag, payload)
		}
		username, ok1 := fields[0].(string)
		password, ok2 := fields[1].(string)
		if !ok1 || !ok2 {
			return nil, payloadError(tag, payload)
		}
		return Login{Username: username, Password: password}, nil
	}
	return nil, fmt.Errorf("%w: unknown variant %q", ErrDecode, tag)
}

// toBytes accepts a CBOR byte string or, for peers that serialize byte
// vectors as sequences, an array of integers in 0..255.
func toBytes(value any) ([]byte, error) {
	switch v := value.(type) {
	case []byte:
		return nonNil(v), nil
	case []any:
		out := make([]byte, len(v))
		for i, elem := range v {
			n, ok := elem.(uint64)
			if !ok || n > 0xff {
				return nil, fmt.Errorf("%w: byte array element %d is %v", ErrDecode, i, elem)
			}
			out[i] = byte(n)
		}
		return out, nil
	}
	return nil, fmt.Errorf("%w: expected bytes, got %T", ErrDecode, value)
}

func payloadError(tag string, payload any) error {
	return fmt.Errorf("%w: bad %s payload %T", ErrDecode, tag, payload)
}

// nonNil keeps empty content distinct from CBOR null on the wire.
func nonNil(b []byte) []byte {
	if b == nil {
		return []byte{}
	}
	return b
}
