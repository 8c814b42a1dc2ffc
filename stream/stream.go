// Package stream provides helpers for consuming and producing streams of
// samples with range-over-func iterators.
package stream

import (
	"context"
	"iter"

	"github.com/creachadair/rtps"
	"github.com/creachadair/rtps/codec"
	"github.com/creachadair/rtps/proto"
)

// Samples takes samples from r as they become deliverable, and yields them
// in delivery order. The stream ends when the consumer stops, or when ctx
// ends or r is closed, in which case the iterator ends the stream with a
// final (zero, err) tuple.
func Samples(ctx context.Context, r *rtps.Reader) iter.Seq2[rtps.Sample, error] {
	return func(yield func(rtps.Sample, error) bool) {
		for {
			if s, ok := r.TakeNextSample(); ok {
				if !yield(s, nil) {
					return
				}
				continue
			}
			if err := r.Wait(ctx); err != nil {
				yield(rtps.Sample{}, err)
				return
			}
		}
	}
}

// Values decodes the data of the live samples taken from r as values of type
// T, and yields them in delivery order. Disposals and unregistrations are
// skipped. A sample that does not decode is reported as an error without
// ending the stream; otherwise the stream ends as for [Samples].
func Values[T any](ctx context.Context, r *rtps.Reader) iter.Seq2[T, error] {
	return func(yield func(T, error) bool) {
		for s, err := range Samples(ctx, r) {
			if err != nil {
				var zero T
				yield(zero, err)
				return
			}
			if s.Info.Kind != proto.Alive {
				continue
			}
			if !yield(codec.Decode[T](s.Data)) {
				return
			}
		}
	}
}

// Publish writes each value yielded by vals to w, and reports the number of
// values written. Publishing stops at the first error, from either vals or w,
// and that error is returned.
func Publish(ctx context.Context, w *rtps.Writer, vals iter.Seq2[[]byte, error]) (int, error) {
	var n int
	for data, err := range vals {
		if err != nil {
			return n, err
		}
		// We hand the context to the iterator and hope it will stop on
		// cancellation itself, but cannot force it to.
		if err := ctx.Err(); err != nil {
			return n, err
		}
		if err := w.Write(ctx, data); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

// Serve invokes h for each sample taken from r until ctx ends, r is closed,
// or h reports an error. Serve returns the error that ended it.
func Serve(ctx context.Context, r *rtps.Reader, h codec.Handler) error {
	for s, err := range Samples(ctx, r) {
		if err != nil {
			return err
		}
		if err := h(ctx, s); err != nil {
			return err
		}
	}
	return ctx.Err()
}
