package ai

import (
	"context"
	"sync"
)

// Builder constructs the process-wide client from injected configuration.
type Builder func(ctx context.Context) (Client, error)

// Registry lazily builds the AI client once per process. A failed build is
// not cached so a later call can succeed once the backend is reachable.
type Registry struct {
	mu     sync.Mutex
	build  Builder
	client Client
}

// NewRegistry returns a registry that will build its client with build.
func NewRegistry(build Builder) *Registry {
	return &Registry{build: build}
}

// NewStaticRegistry returns a registry serving an already built client.
func NewStaticRegistry(client Client) *Registry {
	return &Registry{client: client}
}

// Client returns the shared client, building it on first use.
func (r *Registry) Client(ctx context.Context) (Client, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.client != nil {
		return r.client, nil
	}
	client, err := r.build(ctx)
	if err != nil {
		return nil, err
	}
	r.client = client
	return client, nil
}

// ForTokenCount returns the backend serving a record of tokenCount tokens.
func (r *Registry) ForTokenCount(ctx context.Context, tokenCount, threshold int) (Client, error) {
	client, err := r.Client(ctx)
	if err != nil {
		return nil, err
	}
	return client.GetModelFamily(SelectModelFamily(tokenCount, threshold))
}

// Close releases the shared client if it was built.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.client == nil {
		return nil
	}
	err := r.client.Close()
	r.client = nil
	return err
}
