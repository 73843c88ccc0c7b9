package gateway

import (
	"context"

	"github.com/craftcard/craftcard/runtime/craft/model"
)

type (
	// Server adapts a model.Client into a composable request handler with
	// middleware support.
	//
	// Middleware is applied in registration order: the first middleware
	// registered wraps all subsequent ones, and the innermost layer invokes
	// the provider client.
	Server struct {
		provider model.Client
		unary    UnaryHandler
	}

	// UnaryHandler processes a single completion request.
	UnaryHandler func(ctx context.Context, req *model.Request) (*model.Response, error)

	// UnaryMiddleware wraps a UnaryHandler to add behavior before, after, or
	// around the handler invocation.
	UnaryMiddleware func(next UnaryHandler) UnaryHandler

	// Option configures a Server during construction.
	Option func(*serverConfig)

	serverConfig struct {
		provider model.Client
		unaryMW  []UnaryMiddleware
	}
)

var _ model.Client = (*Server)(nil)

// WithProvider sets the model client at the core of the chain. Required.
func WithProvider(p model.Client) Option {
	return func(c *serverConfig) { c.provider = p }
}

// WithUnary appends middleware to the chain. Nil entries are skipped.
func WithUnary(mw ...UnaryMiddleware) Option {
	return func(c *serverConfig) {
		for _, m := range mw {
			if m != nil {
				c.unaryMW = append(c.unaryMW, m)
			}
		}
	}
}

// WithClient appends a client wrapper, such as a throttle, as middleware.
// wrap receives the rest of the chain as a model.Client.
func WithClient(wrap func(model.Client) model.Client) Option {
	return WithUnary(func(next UnaryHandler) UnaryHandler {
		return wrap(model.ClientFunc(next)).Complete
	})
}

// NewServer constructs a Server. It returns ErrProviderRequired when no
// provider is configured.
func NewServer(opts ...Option) (*Server, error) {
	var cfg serverConfig
	for _, o := range opts {
		o(&cfg)
	}
	if cfg.provider == nil {
		return nil, ErrProviderRequired
	}
	unary := UnaryHandler(cfg.provider.Complete)
	for i := len(cfg.unaryMW) - 1; i >= 0; i-- {
		unary = cfg.unaryMW[i](unary)
	}
	return &Server{provider: cfg.provider, unary: unary}, nil
}

// Complete runs req through the middleware chain.
func (s *Server) Complete(ctx context.Context, req *model.Request) (*model.Response, error) {
	return s.unary(ctx, req)
}

// Provider returns the client at the core of the chain.
func (s *Server) Provider() model.Client { return s.provider }
