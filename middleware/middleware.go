// Package middleware is a small algebra for composing asynchronous, fallible
// steps that build a response through the phase-typed connections of package
// conn.
//
// A Middleware[I, O, E, A] takes a connection in phase I and either fails with
// an E or produces a value A together with a connection in phase O. Failures
// short-circuit Bind and are only seen by OrElse. The trailing error return is
// reserved for contract violations and context cancellation; it aborts the
// whole chain and is never recovered.
//
// Nothing here touches a real response. The adapter runs a chain, and only if
// it succeeds does it materialize the resulting connection's log.
package middleware

import (
	"context"
	"errors"
	"fmt"

	"code.hybscloud.com/kont"
	"github.com/mnehpets/sedate/conn"
)

// Out is the success value of a middleware: the produced value and the
// connection it left behind.
type Out[A any, P conn.Phase] struct {
	Value A
	Conn  conn.Conn[P]
}

// Middleware is one step of a response chain.
type Middleware[I, O conn.Phase, E, A any] func(ctx context.Context, c conn.Conn[I]) (kont.Either[E, Out[A, O]], error)

// Task is an asynchronous computation that may fail with an E. It should
// return promptly once ctx is done.
type Task[E, A any] func(ctx context.Context) kont.Either[E, A]

func right[E, A any, P conn.Phase](a A, c conn.Conn[P]) (kont.Either[E, Out[A, P]], error) {
	return kont.Right[E](Out[A, P]{Value: a, Conn: c}), nil
}

func left[E, A any, P conn.Phase](e E) (kont.Either[E, Out[A, P]], error) {
	return kont.Left[E, Out[A, P]](e), nil
}

func defect[E, A any, P conn.Phase](err error) (kont.Either[E, Out[A, P]], error) {
	var zero kont.Either[E, Out[A, P]]
	return zero, err
}

var errClosed = errors.New("channel closed without a result")

func cancelled(ctx context.Context) error {
	return fmt.Errorf("middleware: chain cancelled: %w", context.Cause(ctx))
}

// Pure succeeds with a and leaves the connection unchanged.
func Pure[P conn.Phase, E, A any](a A) Middleware[P, P, E, A] {
	return func(_ context.Context, c conn.Conn[P]) (kont.Either[E, Out[A, P]], error) {
		return right[E](a, c)
	}
}

// Fail fails with e and records nothing.
func Fail[P conn.Phase, E, A any](e E) Middleware[P, P, E, A] {
	return func(context.Context, conn.Conn[P]) (kont.Either[E, Out[A, P]], error) {
		return left[E, A, P](e)
	}
}

// FromEither lifts an already computed result.
func FromEither[P conn.Phase, E, A any](r kont.Either[E, A]) Middleware[P, P, E, A] {
	return func(_ context.Context, c conn.Conn[P]) (kont.Either[E, Out[A, P]], error) {
		if a, ok := r.GetRight(); ok {
			return right[E](a, c)
		}
		e, _ := r.GetLeft()
		return left[E, A, P](e)
	}
}

// FromTask lifts an asynchronous computation. The task is not started when
// ctx is already done, and its result is dropped when ctx ends while it runs.
func FromTask[P conn.Phase, E, A any](task Task[E, A]) Middleware[P, P, E, A] {
	return func(ctx context.Context, c conn.Conn[P]) (kont.Either[E, Out[A, P]], error) {
		if ctx.Err() != nil {
			return defect[E, A, P](cancelled(ctx))
		}
		r := task(ctx)
		if ctx.Err() != nil {
			return defect[E, A, P](cancelled(ctx))
		}
		return FromEither[P](r)(ctx, c)
	}
}

// TryCatch lifts a Go call returning (A, error), mapping a non-nil error
// with onErr.
func TryCatch[P conn.Phase, E, A any](f func(context.Context) (A, error), onErr func(error) E) Middleware[P, P, E, A] {
	return FromTask[P, E, A](func(ctx context.Context) kont.Either[E, A] {
		a, err := f(ctx)
		if err != nil {
			return kont.Left[E, A](onErr(err))
		}
		return kont.Right[E](a)
	})
}

// RightTask lifts a computation that cannot fail.
func RightTask[P conn.Phase, E, A any](f func(context.Context) A) Middleware[P, P, E, A] {
	return FromTask[P, E, A](func(ctx context.Context) kont.Either[E, A] {
		return kont.Right[E](f(ctx))
	})
}

// LeftTask lifts a computation that always fails.
func LeftTask[P conn.Phase, E, A any](f func(context.Context) E) Middleware[P, P, E, A] {
	return FromTask[P, E, A](func(ctx context.Context) kont.Either[E, A] {
		return kont.Left[E, A](f(ctx))
	})
}

// Await waits for one result on ch. It fails on the defect channel when ctx
// ends first or ch is closed without a value.
func Await[P conn.Phase, E, A any](ch <-chan kont.Either[E, A]) Middleware[P, P, E, A] {
	return func(ctx context.Context, c conn.Conn[P]) (kont.Either[E, Out[A, P]], error) {
		select {
		case <-ctx.Done():
			return defect[E, A, P](cancelled(ctx))
		case r, ok := <-ch:
			if !ok {
				return defect[E, A, P](&conn.ContractError{Op: "await", Err: errClosed})
			}
			return FromEither[P](r)(ctx, c)
		}
	}
}

// Gets projects a value from the connection.
func Gets[P conn.Phase, E, A any](f func(conn.Conn[P]) A) Middleware[P, P, E, A] {
	return func(_ context.Context, c conn.Conn[P]) (kont.Either[E, Out[A, P]], error) {
		return right[E](f(c), c)
	}
}

// FromConn projects a result from the connection.
func FromConn[P conn.Phase, E, A any](f func(conn.Conn[P]) kont.Either[E, A]) Middleware[P, P, E, A] {
	return func(ctx context.Context, c conn.Conn[P]) (kont.Either[E, Out[A, P]], error) {
		return FromEither[P](f(c))(ctx, c)
	}
}

// Modify replaces the connection with f(c). It is how the transition
// functions of package conn are lifted into a chain.
func Modify[I, O conn.Phase, E any](f func(conn.Conn[I]) conn.Conn[O]) Middleware[I, O, E, struct{}] {
	return func(_ context.Context, c conn.Conn[I]) (kont.Either[E, Out[struct{}, O]], error) {
		return right[E](struct{}{}, f(c))
	}
}

// Bind runs m and, on success, the middleware f builds from its value.
// A failure of m skips f entirely.
func Bind[I, M, O conn.Phase, E, A, B any](m Middleware[I, M, E, A], f func(A) Middleware[M, O, E, B]) Middleware[I, O, E, B] {
	return func(ctx context.Context, c conn.Conn[I]) (kont.Either[E, Out[B, O]], error) {
		r, err := m(ctx, c)
		if err != nil {
			return defect[E, B, O](err)
		}
		out, ok := r.GetRight()
		if !ok {
			e, _ := r.GetLeft()
			return left[E, B, O](e)
		}
		return f(out.Value)(ctx, out.Conn)
	}
}

// Then runs m and then next, discarding the value of m.
func Then[I, M, O conn.Phase, E, A, B any](m Middleware[I, M, E, A], next Middleware[M, O, E, B]) Middleware[I, O, E, B] {
	return Bind(m, func(A) Middleware[M, O, E, B] { return next })
}

// Map transforms the success value of m.
func Map[I, O conn.Phase, E, A, B any](m Middleware[I, O, E, A], f func(A) B) Middleware[I, O, E, B] {
	return func(ctx context.Context, c conn.Conn[I]) (kont.Either[E, Out[B, O]], error) {
		r, err := m(ctx, c)
		if err != nil {
			return defect[E, B, O](err)
		}
		out, ok := r.GetRight()
		if !ok {
			e, _ := r.GetLeft()
			return left[E, B, O](e)
		}
		return right[E](f(out.Value), out.Conn)
	}
}

// MapError transforms the failure of m.
func MapError[I, O conn.Phase, E, F, A any](m Middleware[I, O, E, A], f func(E) F) Middleware[I, O, F, A] {
	return OrElse(m, func(e E) Middleware[I, O, F, A] {
		return func(context.Context, conn.Conn[I]) (kont.Either[F, Out[A, O]], error) {
			return left[F, A, O](f(e))
		}
	})
}

// OrElse runs m and, if it fails, runs h(e) against the same connection m
// was given. Whatever m recorded before failing is discarded.
func OrElse[I, O conn.Phase, E, F, A any](m Middleware[I, O, E, A], h func(E) Middleware[I, O, F, A]) Middleware[I, O, F, A] {
	return func(ctx context.Context, c conn.Conn[I]) (kont.Either[F, Out[A, O]], error) {
		r, err := m(ctx, c)
		if err != nil {
			return defect[F, A, O](err)
		}
		if out, ok := r.GetRight(); ok {
			return right[F](out.Value, out.Conn)
		}
		e, _ := r.GetLeft()
		return h(e)(ctx, c)
	}
}

// Run executes m against c.
func Run[I, O conn.Phase, E, A any](ctx context.Context, m Middleware[I, O, E, A], c conn.Conn[I]) (kont.Either[E, Out[A, O]], error) {
	return m(ctx, c)
}

// Eval executes m and keeps only its value.
func Eval[I, O conn.Phase, E, A any](ctx context.Context, m Middleware[I, O, E, A], c conn.Conn[I]) (kont.Either[E, A], error) {
	r, err := m(ctx, c)
	if err != nil {
		var zero kont.Either[E, A]
		return zero, err
	}
	if out, ok := r.GetRight(); ok {
		return kont.Right[E](out.Value), nil
	}
	e, _ := r.GetLeft()
	return kont.Left[E, A](e), nil
}

// Exec executes m and keeps only the resulting connection.
func Exec[I, O conn.Phase, E, A any](ctx context.Context, m Middleware[I, O, E, A], c conn.Conn[I]) (kont.Either[E, conn.Conn[O]], error) {
	r, err := m(ctx, c)
	if err != nil {
		var zero kont.Either[E, conn.Conn[O]]
		return zero, err
	}
	if out, ok := r.GetRight(); ok {
		return kont.Right[E](out.Conn), nil
	}
	e, _ := r.GetLeft()
	return kont.Left[E, conn.Conn[O]](e), nil
}
