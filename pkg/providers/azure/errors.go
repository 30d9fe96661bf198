package azure

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"

	"github.com/cloudsaga/cloudsaga/pkg/engine"
)

// ARM error codes that signal a dependent resource is still attached or an
// operation on the same resource is in flight.
var conflictCodes = map[string]bool{
	"InUseSubnetCannotBeDeleted":               true,
	"InUseNetworkSecurityGroupCannotBeDeleted": true,
	"PublicIPAddressCannotBeDeleted":           true,
	"NicInUse":                                 true,
	"AnotherOperationInProgress":               true,
	"RetryableError":                           true,
}

// classify maps an ARM error onto the engine taxonomy by HTTP status and
// error code.
func classify(err error, kind engine.Kind, op string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var ee *engine.EngineError
	if errors.As(err, &ee) {
		return err
	}

	msg := fmt.Sprintf("%s %s", op, kind)
	var respErr *azcore.ResponseError
	if !errors.As(err, &respErr) {
		return engine.NewTransientError(msg, err).WithOperation(op)
	}

	code := respErr.ErrorCode
	var out *engine.EngineError
	switch {
	case respErr.StatusCode == http.StatusTooManyRequests:
		out = engine.NewThrottledError(msg, err)
	case conflictCodes[code]:
		out = engine.NewConflictError(msg, err)
	case respErr.StatusCode == http.StatusNotFound:
		out = engine.NewNotFoundError(msg, err)
	case strings.HasSuffix(code, "AlreadyExists"):
		out = engine.NewAlreadyExistsError(msg, err)
	case respErr.StatusCode == http.StatusConflict:
		out = engine.NewConflictError(msg, err)
	case respErr.StatusCode >= http.StatusInternalServerError:
		out = engine.NewTransientError(msg, err)
	case respErr.StatusCode == http.StatusUnauthorized, respErr.StatusCode == http.StatusForbidden:
		out = engine.NewPermanentError(msg, err).WithCode(engine.ErrCodePermissionDenied)
	default:
		out = engine.NewPermanentError(msg, err).WithCode(engine.ErrCodeProviderFailed)
	}
	return out.WithOperation(op).WithProviderCode(code)
}

func notFound(kind engine.Kind, id string) error {
	return engine.NewNotFoundError(fmt.Sprintf("%s %s not found", kind, id), nil)
}

func unsupported(kind engine.Kind) error {
	return engine.NewPermanentError(fmt.Sprintf("kind %s is not supported by azure", kind), nil).
		WithCode(engine.ErrCodeUnsupportedKind)
}
