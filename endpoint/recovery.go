package endpoint

import (
	"context"
	"fmt"

	"code.hybscloud.com/kont"
	"github.com/mnehpets/sedate/conn"
	"github.com/mnehpets/sedate/middleware"
)

// PanicError is the defect reported for a chain that panicked.
type PanicError struct {
	Value any
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("endpoint: chain panicked: %v", e.Value)
}

// Recover returns a chain that converts a panic in chain into a
// *PanicError defect. The handler keeps serving other requests.
func Recover[I, O conn.Phase, E, A any](chain middleware.Middleware[I, O, E, A]) middleware.Middleware[I, O, E, A] {
	return func(ctx context.Context, c conn.Conn[I]) (r kont.Either[E, middleware.Out[A, O]], err error) {
		defer func() {
			if v := recover(); v != nil {
				var zero kont.Either[E, middleware.Out[A, O]]
				r = zero
				err = &PanicError{Value: v}
			}
		}()
		return chain(ctx, c)
	}
}

func run[E any](ctx context.Context, chain Chain[E], c conn.Conn[conn.StatusOpen]) (kont.Either[E, middleware.Out[struct{}, conn.ResponseEnded]], error) {
	return middleware.Run(ctx, Recover(chain), c)
}
