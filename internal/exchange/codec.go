package exchange

import (
	"encoding"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"reflect"
	"time"
	"unicode/utf8"

	"github.com/roach88/corral/internal/errs"
)

// envelopeVersion is the schema version written into every envelope.
const envelopeVersion = 1

// Built-in value tags. Everything else is a registered custom type name.
const (
	tagNull   = "null"
	tagString = "string"
	tagBytes  = "bytes"
	tagInt    = "int"
	tagFloat  = "float"
	tagBool   = "bool"
	tagTime   = "time"
	tagJSON   = "json"

	// tagRawString holds a string that is not valid UTF-8 as base64 bytes,
	// since JSON strings would replace the invalid sequences.
	tagRawString = "rawstring"
)

var builtinTags = map[string]struct{}{
	tagNull: {}, tagString: {}, tagBytes: {}, tagInt: {},
	tagFloat: {}, tagBool: {}, tagTime: {}, tagJSON: {},
	tagRawString: {},
}

// envelope is the persisted form of one value: a type discriminator plus
// the JSON encoding of the value. Kind records the Go numeric kind when it
// is not int64 or float64. Zone records the IANA location of a time that is
// neither UTC nor a fixed offset.
type envelope struct {
	V     int             `json:"v"`
	Type  string          `json:"type"`
	Kind  string          `json:"kind,omitempty"`
	Zone  string          `json:"zone,omitempty"`
	Value json.RawMessage `json:"value,omitempty"`
}

// Payload is the persisted form of an exchange.
type Payload struct {
	ExchangeID string
	Body       []byte
	Headers    []byte
}

// Codec converts exchanges to and from Payloads.
//
// Properties are never written. Headers whose values cannot be encoded are
// dropped; a header name that is not valid UTF-8 fails the whole exchange.
// Decoding of custom types is gated by the TypeFilter and fails closed.
//
// Scalar bodies and headers come back with their Go type: every int, uint
// and float kind is restored, strings keep invalid UTF-8, and times keep
// their location when it can be loaded again. Values nested in JSON maps
// and slices follow encoding/json, so their numbers decode as float64.
//
// A Codec is read-only after construction and safe for concurrent use.
type Codec struct {
	filter   *TypeFilter
	registry *TypeRegistry
	logger   *slog.Logger
}

// CodecOption configures a Codec.
type CodecOption func(*Codec)

// WithTypeFilter sets the filter applied to custom type names on decode.
// Default: DenyAll.
func WithTypeFilter(f *TypeFilter) CodecOption {
	return func(c *Codec) {
		if f != nil {
			c.filter = f
		}
	}
}

// WithTypeRegistry sets the registry of custom types.
func WithTypeRegistry(r *TypeRegistry) CodecOption {
	return func(c *Codec) {
		if r != nil {
			c.registry = r
		}
	}
}

// WithCodecLogger sets the logger used to report dropped headers.
func WithCodecLogger(l *slog.Logger) CodecOption {
	return func(c *Codec) {
		if l != nil {
			c.logger = l
		}
	}
}

// NewCodec creates a codec. Without options only built-in value types can
// be decoded.
func NewCodec(opts ...CodecOption) *Codec {
	c := &Codec{
		filter:   DenyAll(),
		registry: NewTypeRegistry(),
		logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Filter returns the codec's type filter.
func (c *Codec) Filter() *TypeFilter { return c.filter }

// Marshal encodes the body and headers of ex.
//
// Bodies of unsupported types are converted to text when they implement
// encoding.TextMarshaler, error or fmt.Stringer; otherwise a serialization
// error is returned and nothing should be persisted.
func (c *Codec) Marshal(ex *Exchange) (Payload, error) {
	if ex == nil {
		return Payload{}, errs.Serialization("marshal", "nil exchange", nil)
	}

	body, err := c.encode(ex.Body, true)
	if err != nil {
		return Payload{}, errs.WithExchange(errs.Serialization("marshal body", "", err), ex.ID)
	}
	bodyJSON, err := json.Marshal(body)
	if err != nil {
		return Payload{}, errs.WithExchange(errs.Serialization("marshal body", "", err), ex.ID)
	}

	headers := make(map[string]envelope, len(ex.Headers))
	for name, v := range ex.Headers {
		if !utf8.ValidString(name) {
			return Payload{}, errs.WithExchange(errs.Serialization("marshal headers",
				fmt.Sprintf("header name %q is not valid UTF-8", name), nil), ex.ID)
		}
		env, err := c.encode(v, false)
		if err != nil {
			c.logger.Debug("dropping header that cannot be persisted",
				"exchange_id", ex.ID,
				"header", name,
				"error", err,
			)
			continue
		}
		headers[name] = env
	}
	headersJSON, err := json.Marshal(headers)
	if err != nil {
		return Payload{}, errs.WithExchange(errs.Serialization("marshal headers", "", err), ex.ID)
	}

	return Payload{ExchangeID: ex.ID, Body: bodyJSON, Headers: headersJSON}, nil
}

// Unmarshal decodes p into a new exchange.
//
// Custom type names are checked against the filter before any value is
// materialized; a rejected or unknown name yields a security error.
func (c *Codec) Unmarshal(p Payload) (*Exchange, error) {
	ex := New(p.ExchangeID, nil)

	if len(p.Body) > 0 {
		var env envelope
		if err := json.Unmarshal(p.Body, &env); err != nil {
			return nil, errs.WithExchange(errs.Serialization("unmarshal body", "", err), p.ExchangeID)
		}
		v, err := c.decode("unmarshal body", env)
		if err != nil {
			return nil, errs.WithExchange(err, p.ExchangeID)
		}
		ex.Body = v
	}

	if len(p.Headers) > 0 {
		var headers map[string]envelope
		if err := json.Unmarshal(p.Headers, &headers); err != nil {
			return nil, errs.WithExchange(errs.Serialization("unmarshal headers", "", err), p.ExchangeID)
		}
		for name, env := range headers {
			v, err := c.decode("unmarshal header "+name, env)
			if err != nil {
				return nil, errs.WithExchange(err, p.ExchangeID)
			}
			ex.Headers[name] = v
		}
	}

	return ex, nil
}

func (c *Codec) encode(v any, convert bool) (envelope, error) {
	switch x := v.(type) {
	case nil:
		return envelope{V: envelopeVersion, Type: tagNull}, nil
	case string:
		return stringEnvelope(x)
	case []byte:
		return rawEnvelope(tagBytes, x)
	case bool:
		return rawEnvelope(tagBool, x)
	case int, int8, int16, int32, int64:
		rv := reflect.ValueOf(x)
		return kindEnvelope(tagInt, rv.Kind(), reflect.Int64, rv.Int())
	case uint, uint8, uint16, uint32, uint64:
		rv := reflect.ValueOf(x)
		return kindEnvelope(tagInt, rv.Kind(), reflect.Invalid, rv.Uint())
	case float32:
		return kindEnvelope(tagFloat, reflect.Float32, reflect.Float64, float64(x))
	case float64:
		return rawEnvelope(tagFloat, x)
	case time.Time:
		return timeEnvelope(x)
	case map[string]any, []any:
		if err := checkJSON(x); err != nil {
			return envelope{}, err
		}
		return rawEnvelope(tagJSON, x)
	}

	if name, ok := c.registry.nameOf(v); ok {
		return rawEnvelope(name, v)
	}

	if !convert {
		return envelope{}, fmt.Errorf("unsupported type %T", v)
	}

	switch x := v.(type) {
	case encoding.TextMarshaler:
		b, err := x.MarshalText()
		if err != nil {
			return envelope{}, fmt.Errorf("convert %T to text: %w", v, err)
		}
		return stringEnvelope(string(b))
	case error:
		return stringEnvelope(x.Error())
	case fmt.Stringer:
		return stringEnvelope(x.String())
	}

	// Named string and byte slice types without a text form.
	rv := reflect.ValueOf(v)
	switch {
	case rv.Kind() == reflect.String:
		return stringEnvelope(rv.String())
	case rv.Kind() == reflect.Slice && rv.Type().Elem().Kind() == reflect.Uint8:
		return rawEnvelope(tagBytes, rv.Bytes())
	}
	return envelope{}, fmt.Errorf("unsupported type %T", v)
}

func (c *Codec) decode(op string, env envelope) (any, error) {
	if env.V != envelopeVersion {
		return nil, errs.Serialization(op, fmt.Sprintf("unsupported envelope version %d", env.V), nil)
	}

	var (
		out any
		err error
	)
	switch env.Type {
	case tagNull:
		return nil, nil
	case tagString:
		var s string
		err = json.Unmarshal(env.Value, &s)
		out = s
	case tagRawString:
		var b []byte
		err = json.Unmarshal(env.Value, &b)
		out = string(b)
	case tagBytes:
		var b []byte
		err = json.Unmarshal(env.Value, &b)
		out = b
	case tagInt:
		out, err = decodeInt(env)
	case tagFloat:
		var f float64
		if err = json.Unmarshal(env.Value, &f); err == nil {
			out, err = floatOfKind(env.Kind, f)
		}
	case tagBool:
		var b bool
		err = json.Unmarshal(env.Value, &b)
		out = b
	case tagTime:
		out, err = decodeTime(env)
	case tagJSON:
		var v any
		err = json.Unmarshal(env.Value, &v)
		out = v
	default:
		return c.decodeCustom(op, env)
	}
	if err != nil {
		return nil, errs.Serialization(op, "decode "+env.Type, err)
	}
	return out, nil
}

func (c *Codec) decodeCustom(op string, env envelope) (any, error) {
	if !c.filter.Allowed(env.Type) {
		return nil, errs.Security(op, env.Type)
	}
	t, ok := c.registry.typeOf(env.Type)
	if !ok {
		return nil, errs.Security(op, env.Type)
	}
	ptr := reflect.New(t)
	if err := json.Unmarshal(env.Value, ptr.Interface()); err != nil {
		return nil, errs.Serialization(op, "decode "+env.Type, err)
	}
	return ptr.Elem().Interface(), nil
}

func stringEnvelope(s string) (envelope, error) {
	if !utf8.ValidString(s) {
		return rawEnvelope(tagRawString, []byte(s))
	}
	return rawEnvelope(tagString, s)
}

// kindEnvelope encodes v and records kind unless it is the tag's default.
func kindEnvelope(tag string, kind, def reflect.Kind, v any) (envelope, error) {
	env, err := rawEnvelope(tag, v)
	if err != nil {
		return envelope{}, err
	}
	if kind != def {
		env.Kind = kind.String()
	}
	return env, nil
}

func timeEnvelope(t time.Time) (envelope, error) {
	env, err := rawEnvelope(tagTime, t.Format(time.RFC3339Nano))
	if err != nil {
		return envelope{}, err
	}
	loc := t.Location()
	if loc == time.UTC || loc.String() == "" {
		return env, nil
	}
	// Fixed zones may share a name with a database location that has a
	// different offset.
	loaded, err := time.LoadLocation(loc.String())
	if err != nil {
		return env, nil
	}
	_, want := t.Zone()
	if _, got := t.In(loaded).Zone(); got == want {
		env.Zone = loc.String()
	}
	return env, nil
}

func decodeTime(env envelope) (time.Time, error) {
	var s string
	if err := json.Unmarshal(env.Value, &s); err != nil {
		return time.Time{}, err
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil || env.Zone == "" {
		return t, err
	}
	// A location missing here keeps the parsed fixed offset.
	if loc, lerr := time.LoadLocation(env.Zone); lerr == nil {
		t = t.In(loc)
	}
	return t, nil
}

func decodeInt(env envelope) (any, error) {
	switch env.Kind {
	case "", "int64", "int", "int8", "int16", "int32":
		var i int64
		if err := json.Unmarshal(env.Value, &i); err != nil {
			return nil, err
		}
		switch env.Kind {
		case "int":
			return int(i), nil
		case "int8":
			return int8(i), nil
		case "int16":
			return int16(i), nil
		case "int32":
			return int32(i), nil
		}
		return i, nil
	case "uint", "uint8", "uint16", "uint32", "uint64":
		var u uint64
		if err := json.Unmarshal(env.Value, &u); err != nil {
			return nil, err
		}
		switch env.Kind {
		case "uint":
			return uint(u), nil
		case "uint8":
			return uint8(u), nil
		case "uint16":
			return uint16(u), nil
		case "uint32":
			return uint32(u), nil
		}
		return u, nil
	}
	return nil, fmt.Errorf("unknown int kind %q", env.Kind)
}

func floatOfKind(kind string, f float64) (any, error) {
	switch kind {
	case "", "float64":
		return f, nil
	case "float32":
		return float32(f), nil
	}
	return nil, fmt.Errorf("unknown float kind %q", kind)
}

func rawEnvelope(tag string, v any) (envelope, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return envelope{}, fmt.Errorf("encode %s: %w", tag, err)
	}
	return envelope{V: envelopeVersion, Type: tag, Value: raw}, nil
}

// checkJSON verifies that a map or slice body only holds plain JSON values.
func checkJSON(v any) error {
	switch x := v.(type) {
	case string:
		if !utf8.ValidString(x) {
			return fmt.Errorf("string %q is not valid UTF-8", x)
		}
		return nil
	case nil, bool, float64, float32, json.Number,
		int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return nil
	case map[string]any:
		for k, item := range x {
			if !utf8.ValidString(k) {
				return fmt.Errorf("key %q is not valid UTF-8", k)
			}
			if err := checkJSON(item); err != nil {
				return fmt.Errorf("key %q: %w", k, err)
			}
		}
		return nil
	case []any:
		for i, item := range x {
			if err := checkJSON(item); err != nil {
				return fmt.Errorf("index %d: %w", i, err)
			}
		}
		return nil
	}
	return fmt.Errorf("unsupported JSON value %T", v)
}
