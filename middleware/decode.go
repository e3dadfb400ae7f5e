package middleware

import (
	"context"

	"code.hybscloud.com/kont"
	"github.com/mnehpets/sedate/conn"
)

// Decoder turns an untyped request value into an A or fails with an E.
//
// The input is nil when the value is absent, a string for a single path
// parameter or header, a map[string]string for all path parameters, a
// url.Values for the query and a []byte for the body.
//
// The Decode combinators run before the status is set, so a chain validates
// its input before it commits to a response.
type Decoder[E, A any] func(any) kont.Either[E, A]

// DecodeParam decodes the named path parameter.
func DecodeParam[E, A any](name string, d Decoder[E, A]) Middleware[conn.StatusOpen, conn.StatusOpen, E, A] {
	return func(ctx context.Context, c conn.Conn[conn.StatusOpen]) (kont.Either[E, Out[A, conn.StatusOpen]], error) {
		params, err := c.Params()
		if err != nil {
			return defect[E, A, conn.StatusOpen](err)
		}
		var in any
		if v, ok := params[name]; ok {
			in = v
		}
		return FromEither[conn.StatusOpen](d(in))(ctx, c)
	}
}

// DecodeParams decodes all path parameters at once.
func DecodeParams[E, A any](d Decoder[E, A]) Middleware[conn.StatusOpen, conn.StatusOpen, E, A] {
	return func(ctx context.Context, c conn.Conn[conn.StatusOpen]) (kont.Either[E, Out[A, conn.StatusOpen]], error) {
		params, err := c.Params()
		if err != nil {
			return defect[E, A, conn.StatusOpen](err)
		}
		return FromEither[conn.StatusOpen](d(params))(ctx, c)
	}
}

// DecodeQuery decodes the query parameters.
func DecodeQuery[E, A any](d Decoder[E, A]) Middleware[conn.StatusOpen, conn.StatusOpen, E, A] {
	return func(ctx context.Context, c conn.Conn[conn.StatusOpen]) (kont.Either[E, Out[A, conn.StatusOpen]], error) {
		q, err := c.Query()
		if err != nil {
			return defect[E, A, conn.StatusOpen](err)
		}
		return FromEither[conn.StatusOpen](d(q))(ctx, c)
	}
}

// DecodeBody decodes the raw request body.
func DecodeBody[E, A any](d Decoder[E, A]) Middleware[conn.StatusOpen, conn.StatusOpen, E, A] {
	return FromConn(func(c conn.Conn[conn.StatusOpen]) kont.Either[E, A] {
		return d(c.Body())
	})
}

// DecodeMethod decodes the request method.
func DecodeMethod[E, A any](f func(string) kont.Either[E, A]) Middleware[conn.StatusOpen, conn.StatusOpen, E, A] {
	return FromConn(func(c conn.Conn[conn.StatusOpen]) kont.Either[E, A] {
		return f(c.Method())
	})
}

// DecodeHeader decodes the first value of the named request header.
func DecodeHeader[E, A any](name string, d Decoder[E, A]) Middleware[conn.StatusOpen, conn.StatusOpen, E, A] {
	return FromConn(func(c conn.Conn[conn.StatusOpen]) kont.Either[E, A] {
		if v, ok := c.Header(name); ok {
			return d(v)
		}
		return d(nil)
	})
}

// String is a Decoder that accepts a present string value. Anything else is
// reported with onErr.
func String[E any](onErr func(any) E) Decoder[E, string] {
	return func(in any) kont.Either[E, string] {
		if s, ok := in.(string); ok {
			return kont.Right[E](s)
		}
		return kont.Left[E, string](onErr(in))
	}
}

// Method is a DecodeMethod function that accepts only the listed methods.
func Method[E any](onErr func(string) E, allowed ...string) func(string) kont.Either[E, string] {
	return func(m string) kont.Either[E, string] {
		for _, a := range allowed {
			if m == a {
				return kont.Right[E](m)
			}
		}
		return kont.Left[E, string](onErr(m))
	}
}
