package api

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	fiberrecover "github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/sirupsen/logrus"

	"github.com/javanstorm/vmd/internal/daemon"
	"github.com/javanstorm/vmd/internal/metrics"
)

// Routes.
const (
	APIv1Prefix = "/api/v1"
	RPCPath     = APIv1Prefix + "/rpc"
	HealthPath  = APIv1Prefix + "/healthz"
	MetricsPath = "/metrics"
)

// ServerOptions configures a Server.
type ServerOptions struct {
	// Metrics, when set, counts commands and is served on /metrics.
	Metrics *metrics.Metrics
	Log     logrus.FieldLogger
}

// Server serves the RPC surface over HTTP.
type Server struct {
	app      *fiber.App
	handlers map[string]handlerFunc
	metrics  *metrics.Metrics
	log      logrus.FieldLogger
}

// NewServer builds the fiber app and registers its routes.
func NewServer(commands Commands, opts ServerOptions) *Server {
	if opts.Log == nil {
		opts.Log = logrus.StandardLogger()
	}
	s := &Server{
		handlers: dispatchTable(commands),
		metrics:  opts.Metrics,
		log:      opts.Log.WithField("component", "api"),
	}

	s.app = fiber.New(fiber.Config{
		DisableStartupMessage: true,
		ErrorHandler:          s.handleError,
	})
	s.app.Use(fiberrecover.New())
	s.app.Use(s.logRequests)

	s.app.Get(HealthPath, func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})
	s.app.Post(RPCPath, s.handleRPC)
	if opts.Metrics != nil {
		s.app.Get(MetricsPath, adaptor.HTTPHandler(opts.Metrics.Handler()))
	}
	return s
}

// App returns the underlying fiber app.
func (s *Server) App() *fiber.App {
	return s.app
}

// Listen serves on addr until Shutdown.
func (s *Server) Listen(addr string) error {
	s.log.WithField("address", addr).Info("listening")
	return s.app.Listen(addr)
}

// Shutdown stops accepting connections and waits for in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.app.ShutdownWithContext(ctx)
}

func (s *Server) handleRPC(c *fiber.Ctx) error {
	var req Request
	if err := c.BodyParser(&req); err != nil {
		return s.respondError(c, req, &daemon.Error{Code: daemon.CodeInvalidArgument, Message: "Invalid request format", Details: err.Error()})
	}
	if req.Method == "" {
		return s.respondError(c, req, &daemon.Error{Code: daemon.CodeInvalidArgument, Message: "Method is required"})
	}

	handler, ok := s.handlers[req.Method]
	if !ok {
		return s.respondError(c, req, &daemon.Error{Code: daemon.CodeInvalidArgument, Message: fmt.Sprintf("Unknown method %q", req.Method)})
	}

	data, err := handler(c.UserContext(), req.Params)
	if err != nil {
		return s.respondError(c, req, daemon.AsError(err))
	}
	s.metrics.Command(req.Method, daemon.CodeOK.String())
	return c.JSON(Response{Data: data, ID: req.ID, Success: true})
}

func (s *Server) respondError(c *fiber.Ctx, req Request, e *daemon.Error) error {
	method := req.Method
	if _, ok := s.handlers[method]; !ok {
		method = "unknown"
	}
	s.metrics.Command(method, e.Code.String())
	s.log.WithField("method", req.Method).WithField("code", e.Code.String()).Debug(e.Message)
	return c.Status(httpStatus(e.Code)).JSON(Response{Error: e, ID: req.ID})
}

// handleError renders errors that escape a handler, recovered panics
// included, as RPC responses.
func (s *Server) handleError(c *fiber.Ctx, err error) error {
	status := fiber.StatusInternalServerError
	var fe *fiber.Error
	if errors.As(err, &fe) {
		status = fe.Code
	}
	s.log.WithError(err).WithField("path", c.Path()).Error("request failed")
	return c.Status(status).JSON(Response{Error: &daemon.Error{Code: daemon.CodeInternal, Message: err.Error()}})
}

func (s *Server) logRequests(c *fiber.Ctx) error {
	start := time.Now()
	err := c.Next()
	s.log.WithFields(logrus.Fields{
		"status":  c.Response().StatusCode(),
		"latency": time.Since(start),
		"method":  c.Method(),
		"path":    c.Path(),
	}).Debug("request")
	return err
}

func httpStatus(code daemon.Code) int {
	switch code {
	case daemon.CodeOK:
		return fiber.StatusOK
	case daemon.CodeInvalidArgument:
		return fiber.StatusBadRequest
	case daemon.CodeNotFound:
		return fiber.StatusNotFound
	case daemon.CodeAlreadyExists, daemon.CodeFailedPrecondition:
		return fiber.StatusConflict
	case daemon.CodeResourceExhausted:
		return fiber.StatusInsufficientStorage
	case daemon.CodeDeadlineExceeded:
		return fiber.StatusGatewayTimeout
	case daemon.CodeUnavailable:
		return fiber.StatusServiceUnavailable
	default:
		return fiber.StatusInternalServerError
	}
}
