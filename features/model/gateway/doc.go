// Package gateway composes provider clients with middleware. A Server wraps
// a model.Client in an onion of UnaryMiddleware and is itself a model.Client,
// so the catalog hands the composed chain to the stages unchanged.
package gateway
