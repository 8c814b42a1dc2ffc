// Copyright (C) 2023 Michael J. Fromberger. All Rights Reserved.

// Package codec provides typed adapters between application values and the
// opaque payloads carried by rtps writers and readers.
//
// Values may be []byte or string, or a type whose pointer supports one of
// the encoding.BinaryUnmarshaler or encoding.TextUnmarshaler interfaces for
// decoding, and one of encoding.BinaryMarshaler or encoding.TextMarshaler
// for encoding.
package codec

import (
	"bytes"
	"context"
	"encoding"
	"fmt"

	"github.com/creachadair/rtps"
	"github.com/creachadair/rtps/proto"
)

// sampleContextKey is a context key for the sample passed to a handler.
type sampleContextKey struct{}

// ContextSample returns the original sample passed to the handler, and
// reports whether ctx has one. The context passed to a handler returned by
// this package will have this value.
func ContextSample(ctx context.Context) (rtps.Sample, bool) {
	s, ok := ctx.Value(sampleContextKey{}).(rtps.Sample)
	return s, ok
}

// A Handler processes one sample taken from a reader.
type Handler func(context.Context, rtps.Sample) error

// Param adapts a function f that accepts values of type P to a Handler.
// Samples that do not carry data (disposals and unregistrations) are
// skipped.
func Param[P any](f func(context.Context, P) error) Handler {
	return func(ctx context.Context, s rtps.Sample) error {
		if s.Info.Kind != proto.Alive {
			return nil
		}
		var p P
		if err := Unmarshal(s.Data, &p); err != nil {
			return err
		}
		return f(context.WithValue(ctx, sampleContextKey{}, s), p)
	}
}

// ParamResult adapts a function f that accepts values of type P and returns
// a result of type R, to a Handler that publishes each result on w as a
// reply related to the sample that produced it. If f reports an error, no
// reply is published.
func ParamResult[P, R any](w *rtps.Writer, f func(context.Context, P) (R, error)) Handler {
	return Param(func(ctx context.Context, p P) error {
		r, err := f(ctx, p)
		if err != nil {
			return err
		}
		data, err := Marshal(r)
		if err != nil {
			return err
		}
		s, _ := ContextSample(ctx)
		_, err = w.WriteWithParams(ctx, data, rtps.WriteParams{
			Instance: s.Info.Instance,
			Related:  s.Info.Identity(),
		})
		return err
	})
}

// Decode decodes data as a value of type T.
func Decode[T any](data []byte) (T, error) {
	var v T
	err := Unmarshal(data, &v)
	return v, err
}

// Validator returns a function suitable for [rtps.ReaderOptions] that
// rejects payloads that do not decode as a value of type T.
func Validator[T any]() func([]byte) error {
	return func(data []byte) error {
		_, err := Decode[T](data)
		return err
	}
}

// Writer is a typed wrapper for an [rtps.Writer] that encodes values of
// type T.
type Writer[T any] struct {
	*rtps.Writer
}

// NewWriter returns a typed wrapper for w.
func NewWriter[T any](w *rtps.Writer) Writer[T] { return Writer[T]{Writer: w} }

// Write encodes v and publishes it as a new sample.
func (w Writer[T]) Write(ctx context.Context, v T) error {
	_, err := w.WriteWithParams(ctx, v, rtps.WriteParams{})
	return err
}

// WriteWithParams encodes v and publishes it with the given parameters.
func (w Writer[T]) WriteWithParams(ctx context.Context, v T, wp rtps.WriteParams) (proto.SampleIdentity, error) {
	data, err := Marshal(v)
	if err != nil {
		return proto.SampleIdentity{}, err
	}
	return w.Writer.WriteWithParams(ctx, data, wp)
}

// Unmarshal decodes data into v. The concrete type of v must be a pointer to
// a []byte or string, or must implement either the encoding.BinaryUnmarshaler
// interface or the encoding.TextUnmarshaler interface. If v implements both,
// BinaryUnmarshaler is preferred.
func Unmarshal(data []byte, v any) error {
	switch t := v.(type) {
	case *[]byte:
		*t = bytes.Clone(data)
	case *string:
		*t = string(data)
	case encoding.BinaryUnmarshaler:
		return t.UnmarshalBinary(data)
	case encoding.TextUnmarshaler:
		return t.UnmarshalText(data)
	default:
		return fmt.Errorf("cannot unmarshal into %T", v)
	}
	return nil
}

// Marshal encodes v into data. The concrete type of v must be a []byte or
// string (or a pointer to these); otherwise it must implement either the
// encoding.BinaryMarshaler interface or the encoding.TextMarshaler
// interface. If v implements both, BinaryMarshaler is preferred.
//
// As a special case if v is a nil pointer to a string or []byte, the result
// is nil without error.
func Marshal(v any) ([]byte, error) {
	switch t := v.(type) {
	case []byte:
		return t, nil
	case *[]byte:
		if t == nil {
			return nil, nil
		}
		return *t, nil
	case string:
		return []byte(t), nil
	case *string:
		if t == nil {
			return nil, nil
		}
		return []byte(*t), nil
	case encoding.BinaryMarshaler:
		return t.MarshalBinary()
	case encoding.TextMarshaler:
		return t.MarshalText()
	default:
		return nil, fmt.Errorf("cannot marshal %T", v)
	}
}
