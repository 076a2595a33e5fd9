package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"github.com/javanstorm/vmd/internal/daemon"
)

// DefaultTimeout bounds a request when neither the context nor the
// options set a deadline.
const DefaultTimeout = 10 * time.Minute

// ClientOptions configures a Client.
type ClientOptions struct {
	// Address is host:port or a full http:// URL.
	Address string
	Timeout time.Duration
}

// Client calls a daemon over HTTP. It implements Commands.
type Client struct {
	baseURL string
	timeout time.Duration
}

var _ Commands = (*Client)(nil)

// NewClient returns a client for the daemon at opts.Address.
func NewClient(opts ClientOptions) (*Client, error) {
	base := opts.Address
	if !strings.Contains(base, "://") {
		base = "http://" + base
	}
	u, err := url.Parse(base)
	if err != nil || u.Host == "" {
		return nil, fmt.Errorf("invalid daemon address %q", opts.Address)
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{baseURL: strings.TrimSuffix(base, "/"), timeout: timeout}, nil
}

func (c *Client) agent(ctx context.Context, a *fiber.Agent) *fiber.Agent {
	if deadline, ok := ctx.Deadline(); ok {
		a.Timeout(time.Until(deadline))
	} else {
		a.Timeout(c.timeout)
	}
	a.Set("Accept", "application/json")
	return a
}

// Health reports whether the daemon answers.
func (c *Client) Health(ctx context.Context) error {
	status, body, errs := c.agent(ctx, fiber.Get(c.baseURL+HealthPath)).Bytes()
	if len(errs) > 0 {
		return fmt.Errorf("cannot connect to the daemon at %s: %w", c.baseURL, errs[0])
	}
	if status != fiber.StatusOK {
		return fmt.Errorf("daemon health check returned %d: %s", status, body)
	}
	return nil
}

// call performs one RPC and decodes its data into result. Daemon failures
// come back as *daemon.Error.
func (c *Client) call(ctx context.Context, method string, params, result interface{}) error {
	raw, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("encode %s params: %w", method, err)
	}
	req := Request{Method: method, Params: raw, ID: uuid.NewString()}

	a := c.agent(ctx, fiber.Post(c.baseURL+RPCPath)).JSON(req)
	status, body, errs := a.Bytes()
	if len(errs) > 0 {
		return fmt.Errorf("cannot connect to the daemon at %s: %w", c.baseURL, errs[0])
	}

	var resp struct {
		Data    json.RawMessage `json:"data"`
		Error   *daemon.Error   `json:"error"`
		ID      string          `json:"id"`
		Success bool            `json:"success"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return &fiber.Error{Code: status, Message: string(body)}
	}
	if resp.Error != nil {
		return resp.Error
	}
	if !resp.Success {
		return fmt.Errorf("%s failed without error details (HTTP %d)", method, status)
	}
	if result == nil || len(resp.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(resp.Data, result); err != nil {
		return fmt.Errorf("decode %s reply: %w", method, err)
	}
	return nil
}

func callFor[R any](ctx context.Context, c *Client, method string, params interface{}) (*R, error) {
	reply := new(R)
	if err := c.call(ctx, method, params, reply); err != nil {
		return nil, err
	}
	return reply, nil
}

func (c *Client) Create(ctx context.Context, req daemon.CreateRequest) (*daemon.CreateReply, error) {
	return callFor[daemon.CreateReply](ctx, c, MethodCreate, req)
}

func (c *Client) Launch(ctx context.Context, req daemon.CreateRequest) (*daemon.CreateReply, error) {
	return callFor[daemon.CreateReply](ctx, c, MethodLaunch, req)
}

func (c *Client) Start(ctx context.Context, req daemon.InstanceNames) (*daemon.Empty, error) {
	return callFor[daemon.Empty](ctx, c, MethodStart, req)
}

func (c *Client) Stop(ctx context.Context, req daemon.StopRequest) (*daemon.Empty, error) {
	return callFor[daemon.Empty](ctx, c, MethodStop, req)
}

func (c *Client) Restart(ctx context.Context, req daemon.InstanceNames) (*daemon.Empty, error) {
	return callFor[daemon.Empty](ctx, c, MethodRestart, req)
}

func (c *Client) Suspend(ctx context.Context, req daemon.InstanceNames) (*daemon.Empty, error) {
	return callFor[daemon.Empty](ctx, c, MethodSuspend, req)
}

func (c *Client) Recover(ctx context.Context, req daemon.InstanceNames) (*daemon.Empty, error) {
	return callFor[daemon.Empty](ctx, c, MethodRecover, req)
}

func (c *Client) Delete(ctx context.Context, req daemon.DeleteRequest) (*daemon.Empty, error) {
	return callFor[daemon.Empty](ctx, c, MethodDelete, req)
}

func (c *Client) Purge(ctx context.Context, req daemon.InstanceNames) (*daemon.Empty, error) {
	return callFor[daemon.Empty](ctx, c, MethodPurge, req)
}

func (c *Client) List(ctx context.Context, req daemon.InstanceNames) (*daemon.ListReply, error) {
	return callFor[daemon.ListReply](ctx, c, MethodList, req)
}

func (c *Client) Info(ctx context.Context, req daemon.InstanceNames) (*daemon.InfoReply, error) {
	return callFor[daemon.InfoReply](ctx, c, MethodInfo, req)
}

func (c *Client) Find(ctx context.Context, req daemon.FindRequest) (*daemon.FindReply, error) {
	return callFor[daemon.FindReply](ctx, c, MethodFind, req)
}

func (c *Client) SSHInfo(ctx context.Context, req daemon.InstanceNames) (*daemon.SSHInfoReply, error) {
	return callFor[daemon.SSHInfoReply](ctx, c, MethodSSHInfo, req)
}

func (c *Client) Mount(ctx context.Context, req daemon.MountRequest) (*daemon.Empty, error) {
	return callFor[daemon.Empty](ctx, c, MethodMount, req)
}

func (c *Client) Umount(ctx context.Context, req daemon.UmountRequest) (*daemon.Empty, error) {
	return callFor[daemon.Empty](ctx, c, MethodUmount, req)
}

func (c *Client) Version(ctx context.Context) (*daemon.VersionReply, error) {
	return callFor[daemon.VersionReply](ctx, c, MethodVersion, nil)
}
