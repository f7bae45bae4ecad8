package provider

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/cuongbtq/restora/internal/domain"
	"github.com/cuongbtq/restora/internal/metrics"
)

// Route selects the vendor and model that serve a job kind
type Route struct {
	Provider string
	Model    string
}

// Gateway dispatches jobs to vendor adapters by kind
type Gateway struct {
	adapters map[string]Adapter
	routes   map[domain.JobKind]Route
	logger   *slog.Logger
}

// NewGateway validates that every route points at a registered adapter
func NewGateway(adapters []Adapter, routes map[domain.JobKind]Route, logger *slog.Logger) (*Gateway, error) {
	byName := make(map[string]Adapter, len(adapters))
	for _, a := range adapters {
		byName[a.Name()] = a
	}

	for kind, route := range routes {
		if !kind.Valid() {
			return nil, fmt.Errorf("unknown job kind in routes: %q", kind)
		}
		if _, ok := byName[route.Provider]; !ok {
			return nil, fmt.Errorf("route for %s uses unknown provider %q", kind, route.Provider)
		}
	}

	return &Gateway{adapters: byName, routes: routes, logger: logger}, nil
}

// Route returns the route configured for kind
func (g *Gateway) Route(kind domain.JobKind) (Route, error) {
	route, ok := g.routes[kind]
	if !ok {
		return Route{}, fmt.Errorf("%w: job kind %q is not available", domain.ErrInvalidInput, kind)
	}
	return route, nil
}

// Submit hands the inputs to the kind's vendor and returns the vendor handle
func (g *Gateway) Submit(ctx context.Context, kind domain.JobKind, inputs domain.JobInputs, callbackURL string) (string, error) {
	route, err := g.Route(kind)
	if err != nil {
		return "", err
	}
	adapter := g.adapters[route.Provider]

	handle, err := adapter.Submit(ctx, Submission{
		Kind:        kind,
		Model:       route.Model,
		Inputs:      inputs,
		CallbackURL: callbackURL,
	})
	if err != nil {
		metrics.ProviderRequests.WithLabelValues(route.Provider, "submit", resultLabel(err)).Inc()
		g.logger.Error("Provider submit failed",
			slog.String("provider", route.Provider),
			slog.String("kind", string(kind)),
			slog.String("error", err.Error()),
		)
		return "", err
	}

	metrics.ProviderRequests.WithLabelValues(route.Provider, "submit", "ok").Inc()
	metrics.JobsSubmitted.WithLabelValues(string(kind), route.Provider).Inc()
	g.logger.Info("Provider accepted job",
		slog.String("provider", route.Provider),
		slog.String("kind", string(kind)),
		slog.String("handle", handle),
	)
	return handle, nil
}

// Poll asks the named vendor for the state of handle
func (g *Gateway) Poll(ctx context.Context, providerName, handle string) (Outcome, error) {
	adapter, err := g.adapter(providerName)
	if err != nil {
		return nil, err
	}

	outcome, err := adapter.Poll(ctx, handle)
	if err != nil {
		metrics.ProviderRequests.WithLabelValues(providerName, "poll", resultLabel(err)).Inc()
		return nil, err
	}
	metrics.ProviderRequests.WithLabelValues(providerName, "poll", "ok").Inc()
	return outcome, nil
}

// ParseWebhook normalizes a callback delivered for the named vendor
func (g *Gateway) ParseWebhook(providerName string, body []byte) (string, Outcome, error) {
	adapter, err := g.adapter(providerName)
	if err != nil {
		return "", nil, err
	}
	return adapter.ParseWebhook(body)
}

func (g *Gateway) adapter(name string) (Adapter, error) {
	adapter, ok := g.adapters[name]
	if !ok {
		return nil, fmt.Errorf("%w: unknown provider %q", domain.ErrInvalidInput, name)
	}
	return adapter, nil
}

func resultLabel(err error) string {
	switch {
	case errors.Is(err, domain.ErrProviderRejected):
		return "rejected"
	case errors.Is(err, domain.ErrProviderUnavailable):
		return "unavailable"
	default:
		return "error"
	}
}
