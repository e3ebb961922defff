package serversets

import (
	"bytes"
	"encoding/json"
	"io"
	"reflect"
	"unicode/utf8"

	"github.com/pkg/errors"
)

const jsonCodec = "json"

// JSONSerializer stores instances as JSON documents. Unknown fields, trailing data and
// documents without a name or id are rejected.
//
// Strings must be valid UTF-8. A value held in an interface must be one encoding/json
// decodes back to itself: nil, bool, float64, string, []interface{} or
// map[string]interface{}.
type JSONSerializer[T any] struct{}

// Serialize encodes the instance in JSON format.
func (JSONSerializer[T]) Serialize(instance *ServiceInstance[T]) ([]byte, error) {
	if err := instance.check(); err != nil {
		return nil, &EncodingError{Codec: jsonCodec, Err: err}
	}
	for _, s := range []string{instance.Name, instance.ID, instance.Address, instance.URISpec} {
		if !utf8.ValidString(s) {
			return nil, &EncodingError{Codec: jsonCodec, Err: errors.Errorf("%q is not valid UTF-8", s)}
		}
	}
	if err := checkJSONValue(reflect.ValueOf(&instance.Payload).Elem(), false); err != nil {
		return nil, &EncodingError{Codec: jsonCodec, Err: errors.Wrap(err, "payload")}
	}
	data, err := json.Marshal(instance)
	if err != nil {
		return nil, &EncodingError{Codec: jsonCodec, Err: err}
	}
	return data, nil
}

// Deserialize decodes an instance from JSON format.
func (JSONSerializer[T]) Deserialize(data []byte) (*ServiceInstance[T], error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()

	instance := &ServiceInstance[T]{}
	if err := dec.Decode(instance); err != nil {
		return nil, &DecodingError{Codec: jsonCodec, Err: err}
	}
	if _, err := dec.Token(); err != io.EOF {
		return nil, &DecodingError{Codec: jsonCodec, Err: errors.New("trailing data after instance")}
	}
	if err := instance.check(); err != nil {
		return nil, &DecodingError{Codec: jsonCodec, Err: err}
	}
	return instance, nil
}

var (
	jsonBool   = reflect.TypeOf(false)
	jsonNumber = reflect.TypeOf(float64(0))
	jsonString = reflect.TypeOf("")
	jsonArray  = reflect.TypeOf([]interface{}(nil))
	jsonObject = reflect.TypeOf(map[string]interface{}(nil))
)

// checkJSONValue reports values encoding/json would not decode back unchanged.
// dynamic is set below an interface, where decoding picks the Go type.
func checkJSONValue(v reflect.Value, dynamic bool) error {
	if !v.IsValid() {
		return nil
	}
	if v.Kind() == reflect.Interface {
		if v.IsNil() {
			return nil
		}
		return checkJSONValue(v.Elem(), true)
	}
	if dynamic {
		switch v.Type() {
		case jsonBool, jsonNumber, jsonString, jsonArray, jsonObject:
		default:
			return errors.Errorf("%v in an interface does not decode as itself", v.Type())
		}
	}

	switch v.Kind() {
	case reflect.String:
		if !utf8.ValidString(v.String()) {
			return errors.Errorf("%q is not valid UTF-8", v.String())
		}
	case reflect.Ptr:
		if !v.IsNil() {
			return checkJSONValue(v.Elem(), false)
		}
	case reflect.Map:
		iter := v.MapRange()
		for iter.Next() {
			if iter.Key().Kind() == reflect.String && !utf8.ValidString(iter.Key().String()) {
				return errors.Errorf("key %q is not valid UTF-8", iter.Key().String())
			}
			if err := checkJSONValue(iter.Value(), false); err != nil {
				return err
			}
		}
	case reflect.Slice, reflect.Array:
		// []byte is written as base64.
		if v.Type().Elem().Kind() == reflect.Uint8 {
			return nil
		}
		for i := 0; i < v.Len(); i++ {
			if err := checkJSONValue(v.Index(i), false); err != nil {
				return err
			}
		}
	case reflect.Struct:
		for i := 0; i < v.NumField(); i++ {
			if v.Type().Field(i).IsExported() {
				if err := checkJSONValue(v.Field(i), false); err != nil {
					return err
				}
			}
		}
	}
	return nil
}
