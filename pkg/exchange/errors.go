package exchange

import (
	"fmt"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// driverError reports a failed driver call as codes.Unavailable while keeping the
// driver's error reachable through errors.Is / errors.As.
type driverError struct {
	op  string
	err error
}

func (e *driverError) Error() string {
	return fmt.Sprintf("%s: %v", e.op, e.err)
}

func (e *driverError) Unwrap() error {
	return e.err
}

func (e *driverError) GRPCStatus() *status.Status {
	return status.New(codes.Unavailable, e.Error())
}

func wrapDriverError(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return &driverError{op: fmt.Sprintf(format, args...), err: err}
}
