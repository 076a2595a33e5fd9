package daemon

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/javanstorm/vmd/internal/image"
	"github.com/javanstorm/vmd/internal/network"
	"github.com/javanstorm/vmd/internal/store"
	"github.com/javanstorm/vmd/internal/workflow"
	"github.com/javanstorm/vmd/pkg/hypervisor"
)

// Code classifies a command failure. The values are stable across the RPC
// boundary.
type Code int

const (
	CodeOK                 Code = 0
	CodeInvalidArgument    Code = 3
	CodeDeadlineExceeded   Code = 4
	CodeNotFound           Code = 5
	CodeAlreadyExists      Code = 6
	CodeResourceExhausted  Code = 8
	CodeFailedPrecondition Code = 9
	CodeInternal           Code = 13
	CodeUnavailable        Code = 14
)

var codeNames = map[Code]string{
	CodeOK:                 "OK",
	CodeInvalidArgument:    "InvalidArgument",
	CodeDeadlineExceeded:   "DeadlineExceeded",
	CodeNotFound:           "NotFound",
	CodeAlreadyExists:      "AlreadyExists",
	CodeResourceExhausted:  "ResourceExhausted",
	CodeFailedPrecondition: "FailedPrecondition",
	CodeInternal:           "Internal",
	CodeUnavailable:        "Unavailable",
}

func (c Code) String() string {
	if name, ok := codeNames[c]; ok {
		return name
	}
	return fmt.Sprintf("Code(%d)", int(c))
}

// Error is the only error type commands return.
type Error struct {
	Code    Code   `json:"code"`
	Message string `json:"message"`
	Details string `json:"data,omitempty"`
}

func (e *Error) Error() string {
	return e.Message
}

func errorf(code Code, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

func notFound(name string) *Error {
	return errorf(CodeNotFound, "instance %q does not exist", name)
}

// AsError converts any error into an *Error, classifying known causes.
func AsError(err error) *Error {
	return toError(err)
}

func toError(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}

	var (
		invalidNetwork   *network.InvalidNetworkError
		duplicateMAC     *network.DuplicateMACError
		invalidMAC       *network.InvalidMACError
		unsupportedImage *network.UnsupportedImageError
		unsupportedRem   *image.UnsupportedRemoteError
		workflowMin      *workflow.MinimumError
		invalidWorkflow  *workflow.InvalidWorkflowError
	)
	switch {
	case errors.As(err, &invalidNetwork):
		return &Error{Code: CodeInvalidArgument, Message: err.Error(), Details: invalidNetwork.Details()}
	case errors.As(err, &duplicateMAC), errors.As(err, &invalidMAC):
		return &Error{Code: CodeInvalidArgument, Message: err.Error()}
	case errors.As(err, &unsupportedImage), errors.Is(err, network.ErrBridgingNotImplemented):
		return &Error{Code: CodeFailedPrecondition, Message: err.Error()}
	case errors.As(err, &workflowMin), errors.As(err, &invalidWorkflow):
		return &Error{Code: CodeInvalidArgument, Message: err.Error()}
	case errors.As(err, &unsupportedRem), errors.Is(err, image.ErrFileNotFound):
		return &Error{Code: CodeInvalidArgument, Message: err.Error()}
	case errors.Is(err, image.ErrImageNotFound), errors.Is(err, store.ErrNotFound):
		return &Error{Code: CodeNotFound, Message: err.Error()}
	case errors.Is(err, hypervisor.ErrNotRunning), errors.Is(err, hypervisor.ErrNotImplemented):
		return &Error{Code: CodeFailedPrecondition, Message: err.Error()}
	case errors.Is(err, context.DeadlineExceeded):
		return &Error{Code: CodeDeadlineExceeded, Message: err.Error()}
	case errors.Is(err, context.Canceled):
		return &Error{Code: CodeUnavailable, Message: err.Error()}
	}
	return &Error{Code: CodeInternal, Message: err.Error()}
}

// failure is one name's error inside a batch command.
type failure struct {
	name string
	err  *Error
}

// batchError folds per-instance failures into one error. The code is the
// first failure's; Details has one line per instance.
func batchError(op string, failures []failure) error {
	if len(failures) == 0 {
		return nil
	}
	if len(failures) == 1 {
		f := failures[0]
		return &Error{Code: f.err.Code, Message: f.err.Message, Details: fmt.Sprintf("%s: %s", f.name, f.err.Message)}
	}
	lines := make([]string, len(failures))
	for i, f := range failures {
		lines[i] = fmt.Sprintf("%s: %s", f.name, f.err.Message)
	}
	return &Error{
		Code:    failures[0].err.Code,
		Message: fmt.Sprintf("%s failed for %d instances", op, len(failures)),
		Details: strings.Join(lines, "\n"),
	}
}
