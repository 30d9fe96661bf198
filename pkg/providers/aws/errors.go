package aws

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/smithy-go"

	"github.com/cloudsaga/cloudsaga/pkg/engine"
)

var throttleCodes = map[string]bool{
	"RequestLimitExceeded":       true,
	"Throttling":                 true,
	"ThrottlingException":        true,
	"TooManyRequestsException":   true,
	"PriorRequestNotComplete":    true,
	"ThrottledException":         true,
	"RequestThrottledException":  true,
	"ProvisionedThroughputError": true,
}

var conflictCodes = map[string]bool{
	"DependencyViolation":               true,
	"IncorrectState":                    true,
	"IncorrectInstanceState":            true,
	"InvalidIPAddress.InUse":            true,
	"FileSystemInUse":                   true,
	"IncorrectFileSystemLifeCycleState": true,
	"IncorrectMountTargetState":         true,
	"InvalidNetworkInterface.InUse":     true,
}

var transientCodes = map[string]bool{
	"InternalError":       true,
	"InternalFailure":     true,
	"InternalServerError": true,
	"ServiceUnavailable":  true,
	"Unavailable":         true,
	"RequestTimeout":      true,
}

var deniedCodes = map[string]bool{
	"UnauthorizedOperation": true,
	"AuthFailure":           true,
	"AccessDenied":          true,
	"AccessDeniedException": true,
}

var notFoundCodes = map[string]bool{
	"FileSystemNotFound":  true,
	"MountTargetNotFound": true,
	"NoSuchHostedZone":    true,
}

var existsCodes = map[string]bool{
	"FileSystemAlreadyExists": true,
	"MountTargetConflict":     true,
	"AlreadyExists":           true,
}

// classify maps an AWS SDK error onto the engine taxonomy. Context
// cancellation passes through untouched.
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
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		// transport level failures never reached the API
		return engine.NewTransientError(msg, err).WithOperation(op)
	}

	code := apiErr.ErrorCode()
	var out *engine.EngineError
	switch {
	case throttleCodes[code]:
		out = engine.NewThrottledError(msg, err)
	case conflictCodes[code]:
		out = engine.NewConflictError(msg, err)
	case transientCodes[code]:
		out = engine.NewTransientError(msg, err)
	case notFoundCodes[code], strings.HasSuffix(code, ".NotFound"):
		out = engine.NewNotFoundError(msg, err)
	case existsCodes[code], strings.HasSuffix(code, ".Duplicate"), isDuplicateRecord(code, apiErr.ErrorMessage()):
		out = engine.NewAlreadyExistsError(msg, err)
	case deniedCodes[code]:
		out = engine.NewPermanentError(msg, err).WithCode(engine.ErrCodePermissionDenied)
	default:
		out = engine.NewPermanentError(msg, err).WithCode(engine.ErrCodeProviderFailed)
	}
	return out.WithOperation(op).WithProviderCode(code)
}

// isDuplicateRecord matches Route53's InvalidChangeBatch for a CREATE of an
// existing record set.
func isDuplicateRecord(code, message string) bool {
	return code == "InvalidChangeBatch" && strings.Contains(message, "already exists")
}

func notFound(kind engine.Kind, id string) error {
	return engine.NewNotFoundError(fmt.Sprintf("%s %s not found", kind, id), nil)
}
