package serversets

import (
	"io"
	"reflect"

	"github.com/apache/thrift/lib/go/thrift"
	"github.com/pkg/errors"
)

const thriftCodec = "thrift"

// Field ids of the instance struct.
const (
	fieldName                int16 = 1
	fieldID                  int16 = 2
	fieldAddress             int16 = 3
	fieldPort                int16 = 4
	fieldSSLPort             int16 = 5
	fieldPayload             int16 = 6
	fieldRegistrationTimeUTC int16 = 7
	fieldServiceType         int16 = 8
	fieldURISpec             int16 = 9
	fieldEnabled             int16 = 10
)

// Field ids of the payload union. Exactly one is set when a payload is present.
const (
	payloadString int16 = 1
	payloadBinary int16 = 2
	payloadBool   int16 = 3
	payloadInt    int16 = 4
	payloadDouble int16 = 5
	payloadMap    int16 = 6
)

// ThriftSerializer stores instances as a Thrift binary-protocol struct. The payload must be
// a string, []byte, bool, signed integer, float64 or map[string]string; a nil []byte, nil
// map or nil interface payload is stored as absent.
type ThriftSerializer[T any] struct{}

// Serialize encodes the instance with the Thrift binary protocol.
func (ThriftSerializer[T]) Serialize(instance *ServiceInstance[T]) ([]byte, error) {
	if err := instance.check(); err != nil {
		return nil, &EncodingError{Codec: thriftCodec, Err: err}
	}
	payload, err := payloadOf(any(instance.Payload))
	if err != nil {
		return nil, &EncodingError{Codec: thriftCodec, Err: err}
	}
	// An interface payload decodes as int64, so only int64 survives a round trip.
	if payload != nil && payload.id == payloadInt && reflect.TypeOf((*T)(nil)).Elem().Kind() == reflect.Interface {
		if _, ok := any(instance.Payload).(int64); !ok {
			return nil, &EncodingError{Codec: thriftCodec, Err: errors.Errorf("payload %T in an interface must be int64", instance.Payload)}
		}
	}

	buf := thrift.NewTMemoryBuffer()
	p := thrift.NewTBinaryProtocolTransport(buf)
	if err := writeInstance(p, instance.fields(), payload); err != nil {
		return nil, &EncodingError{Codec: thriftCodec, Err: err}
	}
	return append([]byte(nil), buf.Bytes()...), nil
}

// Deserialize decodes an instance written by Serialize.
func (ThriftSerializer[T]) Deserialize(data []byte) (*ServiceInstance[T], error) {
	buf := thrift.NewTMemoryBufferLen(len(data))
	if _, err := buf.Write(data); err != nil {
		return nil, &DecodingError{Codec: thriftCodec, Err: err}
	}
	p := thrift.NewTBinaryProtocolTransport(buf)

	instance := &ServiceInstance[T]{}
	if err := readInstance(p, instance, buf); err != nil {
		return nil, &DecodingError{Codec: thriftCodec, Err: err}
	}
	if buf.Len() > 0 {
		return nil, &DecodingError{Codec: thriftCodec, Err: errors.Errorf("%d bytes of trailing data", buf.Len())}
	}
	if err := instance.check(); err != nil {
		return nil, &DecodingError{Codec: thriftCodec, Err: err}
	}
	return instance, nil
}

// wirePayload is the union member a payload is written as.
type wirePayload struct {
	id  int16
	val interface{}
}

func payloadOf(v interface{}) (*wirePayload, error) {
	switch p := v.(type) {
	case nil:
		return nil, nil
	case string:
		return &wirePayload{payloadString, p}, nil
	case []byte:
		if p == nil {
			return nil, nil
		}
		return &wirePayload{payloadBinary, p}, nil
	case bool:
		return &wirePayload{payloadBool, p}, nil
	case int, int8, int16, int32, int64:
		return &wirePayload{payloadInt, reflect.ValueOf(p).Int()}, nil
	case float64:
		return &wirePayload{payloadDouble, p}, nil
	case map[string]string:
		if p == nil {
			return nil, nil
		}
		return &wirePayload{payloadMap, p}, nil
	}
	return nil, errors.Errorf("unsupported payload type %T", v)
}

func writeInstance(p *thrift.TBinaryProtocol, f instanceFields, payload *wirePayload) error {
	if err := p.WriteStructBegin("ServiceInstance"); err != nil {
		return err
	}
	writers := []func() error{
		func() error { return writeString(p, fieldName, "name", f.name) },
		func() error { return writeString(p, fieldID, "id", f.id) },
		func() error { return writeString(p, fieldAddress, "address", f.address) },
		func() error { return writeOptionalI32(p, fieldPort, "port", f.port) },
		func() error { return writeOptionalI32(p, fieldSSLPort, "sslPort", f.sslPort) },
		func() error { return writePayload(p, payload) },
		func() error {
			if err := p.WriteFieldBegin("registrationTimeUTC", thrift.I64, fieldRegistrationTimeUTC); err != nil {
				return err
			}
			if err := p.WriteI64(f.registrationTimeUTC); err != nil {
				return err
			}
			return p.WriteFieldEnd()
		},
		func() error {
			if err := p.WriteFieldBegin("serviceType", thrift.I32, fieldServiceType); err != nil {
				return err
			}
			if err := p.WriteI32(int32(f.serviceType.ordinal())); err != nil {
				return err
			}
			return p.WriteFieldEnd()
		},
		func() error { return writeString(p, fieldURISpec, "uriSpec", f.uriSpec) },
		func() error {
			if err := p.WriteFieldBegin("enabled", thrift.BOOL, fieldEnabled); err != nil {
				return err
			}
			if err := p.WriteBool(f.enabled); err != nil {
				return err
			}
			return p.WriteFieldEnd()
		},
	}
	for _, w := range writers {
		if err := w(); err != nil {
			return err
		}
	}
	if err := p.WriteFieldStop(); err != nil {
		return err
	}
	return p.WriteStructEnd()
}

func writeString(p *thrift.TBinaryProtocol, id int16, name, v string) error {
	if err := p.WriteFieldBegin(name, thrift.STRING, id); err != nil {
		return err
	}
	if err := p.WriteString(v); err != nil {
		return err
	}
	return p.WriteFieldEnd()
}

func writeOptionalI32(p *thrift.TBinaryProtocol, id int16, name string, v *int) error {
	if v == nil {
		return nil
	}
	if int(int32(*v)) != *v {
		return errors.Errorf("%s %d does not fit in 32 bits", name, *v)
	}
	if err := p.WriteFieldBegin(name, thrift.I32, id); err != nil {
		return err
	}
	if err := p.WriteI32(int32(*v)); err != nil {
		return err
	}
	return p.WriteFieldEnd()
}

func writePayload(p *thrift.TBinaryProtocol, payload *wirePayload) error {
	if payload == nil {
		return nil
	}
	if err := p.WriteFieldBegin("payload", thrift.STRUCT, fieldPayload); err != nil {
		return err
	}
	if err := p.WriteStructBegin("Payload"); err != nil {
		return err
	}
	var err error
	switch v := payload.val.(type) {
	case string:
		err = writeString(p, payload.id, "stringValue", v)
	case []byte:
		if err = p.WriteFieldBegin("binaryValue", thrift.STRING, payload.id); err == nil {
			if err = p.WriteBinary(v); err == nil {
				err = p.WriteFieldEnd()
			}
		}
	case bool:
		if err = p.WriteFieldBegin("boolValue", thrift.BOOL, payload.id); err == nil {
			if err = p.WriteBool(v); err == nil {
				err = p.WriteFieldEnd()
			}
		}
	case int64:
		if err = p.WriteFieldBegin("intValue", thrift.I64, payload.id); err == nil {
			if err = p.WriteI64(v); err == nil {
				err = p.WriteFieldEnd()
			}
		}
	case float64:
		if err = p.WriteFieldBegin("doubleValue", thrift.DOUBLE, payload.id); err == nil {
			if err = p.WriteDouble(v); err == nil {
				err = p.WriteFieldEnd()
			}
		}
	case map[string]string:
		err = writeStringMap(p, payload.id, v)
	}
	if err != nil {
		return err
	}
	if err := p.WriteFieldStop(); err != nil {
		return err
	}
	if err := p.WriteStructEnd(); err != nil {
		return err
	}
	return p.WriteFieldEnd()
}

func writeStringMap(p *thrift.TBinaryProtocol, id int16, m map[string]string) error {
	if err := p.WriteFieldBegin("mapValue", thrift.MAP, id); err != nil {
		return err
	}
	if err := p.WriteMapBegin(thrift.STRING, thrift.STRING, len(m)); err != nil {
		return err
	}
	for k, v := range m {
		if err := p.WriteString(k); err != nil {
			return err
		}
		if err := p.WriteString(v); err != nil {
			return err
		}
	}
	if err := p.WriteMapEnd(); err != nil {
		return err
	}
	return p.WriteFieldEnd()
}

// instanceFields is the payload independent part of an instance.
type instanceFields struct {
	name, id, address   string
	port, sslPort       *int
	registrationTimeUTC int64
	serviceType         ServiceType
	uriSpec             string
	enabled             bool
}

func (i *ServiceInstance[T]) fields() instanceFields {
	return instanceFields{
		name:                i.Name,
		id:                  i.ID,
		address:             i.Address,
		port:                i.Port,
		sslPort:             i.SSLPort,
		registrationTimeUTC: i.RegistrationTimeUTC,
		serviceType:         i.ServiceType,
		uriSpec:             i.URISpec,
		enabled:             i.Enabled,
	}
}

func readInstance[T any](p *thrift.TBinaryProtocol, instance *ServiceInstance[T], buf *thrift.TMemoryBuffer) error {
	if _, err := p.ReadStructBegin(); err != nil {
		return err
	}
	seen := map[int16]bool{}
	for {
		_, typ, id, err := p.ReadFieldBegin()
		if err != nil {
			return err
		}
		if typ == thrift.STOP {
			break
		}
		if seen[id] {
			return errors.Errorf("field %d repeated", id)
		}
		seen[id] = true

		switch id {
		case fieldName, fieldID, fieldAddress, fieldURISpec:
			if err := expectType(id, typ, thrift.STRING); err != nil {
				return err
			}
			s, err := p.ReadString()
			if err != nil {
				return err
			}
			switch id {
			case fieldName:
				instance.Name = s
			case fieldID:
				instance.ID = s
			case fieldAddress:
				instance.Address = s
			case fieldURISpec:
				instance.URISpec = s
			}
		case fieldPort, fieldSSLPort:
			if err := expectType(id, typ, thrift.I32); err != nil {
				return err
			}
			v, err := p.ReadI32()
			if err != nil {
				return err
			}
			port := int(v)
			if id == fieldPort {
				instance.Port = &port
			} else {
				instance.SSLPort = &port
			}
		case fieldPayload:
			if err := expectType(id, typ, thrift.STRUCT); err != nil {
				return err
			}
			if err := readPayload(p, &instance.Payload, buf); err != nil {
				return err
			}
		case fieldRegistrationTimeUTC:
			if err := expectType(id, typ, thrift.I64); err != nil {
				return err
			}
			if instance.RegistrationTimeUTC, err = p.ReadI64(); err != nil {
				return err
			}
		case fieldServiceType:
			if err := expectType(id, typ, thrift.I32); err != nil {
				return err
			}
			v, err := p.ReadI32()
			if err != nil {
				return err
			}
			if v < 0 || int(v) >= len(serviceTypes) {
				return errors.Errorf("unknown service type %d", v)
			}
			instance.ServiceType = serviceTypes[v]
		case fieldEnabled:
			if err := expectType(id, typ, thrift.BOOL); err != nil {
				return err
			}
			if instance.Enabled, err = p.ReadBool(); err != nil {
				return err
			}
		default:
			return errors.Errorf("unknown field %d of type %v", id, typ)
		}
		if err := p.ReadFieldEnd(); err != nil {
			return err
		}
	}
	if !seen[fieldServiceType] {
		return errors.New("missing service type")
	}
	return p.ReadStructEnd()
}

func expectType(id int16, got, want thrift.TType) error {
	if got != want {
		return errors.Errorf("field %d has type %v, expected %v", id, got, want)
	}
	return nil
}

func readPayload[T any](p *thrift.TBinaryProtocol, out *T, buf *thrift.TMemoryBuffer) error {
	if _, err := p.ReadStructBegin(); err != nil {
		return err
	}
	var value interface{}
	set := false
	for {
		_, typ, id, err := p.ReadFieldBegin()
		if err != nil {
			return err
		}
		if typ == thrift.STOP {
			break
		}
		if set {
			return errors.New("payload union has more than one value")
		}
		set = true

		switch {
		case id == payloadString && typ == thrift.STRING:
			value, err = p.ReadString()
		case id == payloadBinary && typ == thrift.STRING:
			value, err = readBinary(p, buf)
		case id == payloadBool && typ == thrift.BOOL:
			value, err = p.ReadBool()
		case id == payloadInt && typ == thrift.I64:
			value, err = p.ReadI64()
		case id == payloadDouble && typ == thrift.DOUBLE:
			value, err = p.ReadDouble()
		case id == payloadMap && typ == thrift.MAP:
			value, err = readStringMap(p, buf)
		default:
			return errors.Errorf("unknown payload field %d of type %v", id, typ)
		}
		if err != nil {
			return err
		}
		if err := p.ReadFieldEnd(); err != nil {
			return err
		}
	}
	if !set {
		return errors.New("empty payload union")
	}
	if err := assignPayload(out, value); err != nil {
		return err
	}
	return p.ReadStructEnd()
}

// readBinary reads a length prefixed byte string, refusing lengths past the end of the data.
func readBinary(p *thrift.TBinaryProtocol, buf *thrift.TMemoryBuffer) ([]byte, error) {
	size, err := p.ReadI32()
	if err != nil {
		return nil, err
	}
	if size < 0 || int(size) > buf.Len() {
		return nil, errors.Errorf("binary length %d exceeds the remaining data", size)
	}
	b := make([]byte, size)
	if _, err := io.ReadFull(buf, b); err != nil {
		return nil, err
	}
	return b, nil
}

func readStringMap(p *thrift.TBinaryProtocol, buf *thrift.TMemoryBuffer) (map[string]string, error) {
	kt, vt, size, err := p.ReadMapBegin()
	if err != nil {
		return nil, err
	}
	if size > 0 && (kt != thrift.STRING || vt != thrift.STRING) {
		return nil, errors.Errorf("map of %v to %v, expected strings", kt, vt)
	}
	// Every entry takes at least two length prefixes.
	if size < 0 || size > buf.Len()/8 {
		return nil, errors.Errorf("map size %d exceeds the remaining data", size)
	}
	m := make(map[string]string, size)
	for i := 0; i < size; i++ {
		k, err := p.ReadString()
		if err != nil {
			return nil, err
		}
		v, err := p.ReadString()
		if err != nil {
			return nil, err
		}
		m[k] = v
	}
	return m, p.ReadMapEnd()
}

// assignPayload stores a decoded union value in out, converting it to the payload type.
func assignPayload[T any](out *T, value interface{}) error {
	if v, ok := value.(T); ok {
		*out = v
		return nil
	}
	i, isInt := value.(int64)
	target := reflect.ValueOf(out).Elem()
	switch target.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32:
		if isInt && !target.OverflowInt(i) {
			target.SetInt(i)
			return nil
		}
	}
	return errors.Errorf("payload %T cannot be stored in %v", value, target.Type())
}
