// Package api exposes the daemon commands as JSON-RPC over HTTP.
package api

import (
	"context"
	"encoding/json"

	"github.com/javanstorm/vmd/internal/daemon"
)

// Method names, one per daemon command.
const (
	MethodCreate  = "create"
	MethodLaunch  = "launch"
	MethodStart   = "start"
	MethodStop    = "stop"
	MethodRestart = "restart"
	MethodSuspend = "suspend"
	MethodRecover = "recover"
	MethodDelete  = "delete"
	MethodPurge   = "purge"
	MethodList    = "list"
	MethodInfo    = "info"
	MethodFind    = "find"
	MethodSSHInfo = "ssh_info"
	MethodMount   = "mount"
	MethodUmount  = "umount"
	MethodVersion = "version"
)

// Request is the body of POST /api/v1/rpc.
type Request struct {
	// Method is one of the Method* constants.
	Method string `json:"method"`

	// Params holds the command's request document.
	Params json.RawMessage `json:"params,omitempty"`

	// ID is echoed back in the response.
	ID string `json:"id,omitempty"`
}

// Response is the body returned for every RPC.
type Response struct {
	Data    interface{}   `json:"data,omitempty"`
	Error   *daemon.Error `json:"error,omitempty"`
	ID      string        `json:"id,omitempty"`
	Success bool          `json:"success"`
}

// Commands is the set of operations the RPC surface dispatches to.
// *daemon.Daemon implements it.
type Commands interface {
	Create(ctx context.Context, req daemon.CreateRequest) (*daemon.CreateReply, error)
	Launch(ctx context.Context, req daemon.CreateRequest) (*daemon.CreateReply, error)
	Start(ctx context.Context, req daemon.InstanceNames) (*daemon.Empty, error)
	Stop(ctx context.Context, req daemon.StopRequest) (*daemon.Empty, error)
	Restart(ctx context.Context, req daemon.InstanceNames) (*daemon.Empty, error)
	Suspend(ctx context.Context, req daemon.InstanceNames) (*daemon.Empty, error)
	Recover(ctx context.Context, req daemon.InstanceNames) (*daemon.Empty, error)
	Delete(ctx context.Context, req daemon.DeleteRequest) (*daemon.Empty, error)
	Purge(ctx context.Context, req daemon.InstanceNames) (*daemon.Empty, error)
	List(ctx context.Context, req daemon.InstanceNames) (*daemon.ListReply, error)
	Info(ctx context.Context, req daemon.InstanceNames) (*daemon.InfoReply, error)
	Find(ctx context.Context, req daemon.FindRequest) (*daemon.FindReply, error)
	SSHInfo(ctx context.Context, req daemon.InstanceNames) (*daemon.SSHInfoReply, error)
	Mount(ctx context.Context, req daemon.MountRequest) (*daemon.Empty, error)
	Umount(ctx context.Context, req daemon.UmountRequest) (*daemon.Empty, error)
	Version(ctx context.Context) (*daemon.VersionReply, error)
}

var _ Commands = (*daemon.Daemon)(nil)

type handlerFunc func(ctx context.Context, params json.RawMessage) (interface{}, error)

// method adapts a typed command to a handlerFunc.
func method[T, R any](fn func(context.Context, T) (*R, error)) handlerFunc {
	return func(ctx context.Context, params json.RawMessage) (interface{}, error) {
		req, err := parseParams[T](params)
		if err != nil {
			return nil, &daemon.Error{Code: daemon.CodeInvalidArgument, Message: "Invalid params", Details: err.Error()}
		}
		reply, err := fn(ctx, req)
		if err != nil {
			return nil, err
		}
		return reply, nil
	}
}

// parseParams decodes params into T. Absent params decode to the zero value.
func parseParams[T any](params json.RawMessage) (T, error) {
	var req T
	if len(params) == 0 || string(params) == "null" {
		return req, nil
	}
	err := json.Unmarshal(params, &req)
	return req, err
}

func dispatchTable(c Commands) map[string]handlerFunc {
	return map[string]handlerFunc{
		MethodCreate:  method(c.Create),
		MethodLaunch:  method(c.Launch),
		MethodStart:   method(c.Start),
		MethodStop:    method(c.Stop),
		MethodRestart: method(c.Restart),
		MethodSuspend: method(c.Suspend),
		MethodRecover: method(c.Recover),
		MethodDelete:  method(c.Delete),
		MethodPurge:   method(c.Purge),
		MethodList:    method(c.List),
		MethodInfo:    method(c.Info),
		MethodFind:    method(c.Find),
		MethodSSHInfo: method(c.SSHInfo),
		MethodMount:   method(c.Mount),
		MethodUmount:  method(c.Umount),
		MethodVersion: func(ctx context.Context, _ json.RawMessage) (interface{}, error) {
			reply, err := c.Version(ctx)
			if err != nil {
				return nil, err
			}
			return reply, nil
		},
	}
}
