package serversets

import "fmt"

// An EncodingError reports an instance the serializer cannot represent.
type EncodingError struct {
	Codec string
	Err   error
}

func (e *EncodingError) Error() string {
	return fmt.Sprintf("serversets: %s encode: %v", e.Codec, e.Err)
}

func (e *EncodingError) Unwrap() error { return e.Err }

// A DecodingError reports bytes the serializer cannot turn back into an instance.
type DecodingError struct {
	Codec string
	Err   error
}

func (e *DecodingError) Error() string {
	return fmt.Sprintf("serversets: %s decode: %v", e.Codec, e.Err)
}

func (e *DecodingError) Unwrap() error { return e.Err }
