package stt

import (
	"context"

	"github.com/arzhang/goftar/internal/config"
	"github.com/arzhang/goftar/internal/jobs"
)

// Client transcribes one audio file with one vendor. Implementations are
// pure functions of (credentials, file): they never touch job state.
type Client interface {
	Vendor() jobs.Vendor
	// Process returns the transcribed text. Failures are *Error values
	// classified by ErrorKind. An empty string with nil error means the
	// vendor produced no text for this audio.
	Process(ctx context.Context, filePath string) (string, error)
}

// Registry maps the closed vendor enumeration to client implementations.
// Adding a vendor is a registry entry, not a new conditional branch in the
// orchestrator.
type Registry struct {
	clients map[jobs.Vendor]Client
}

func NewRegistry(cfg config.VendorConfig) *Registry {
	r := &Registry{clients: make(map[jobs.Vendor]Client)}
	r.Register(NewEbooClient(cfg.EbooToken))
	r.Register(NewScribeClient(cfg.ScribeToken))
	r.Register(NewViraClient(cfg.ViraToken))
	return r
}

func (r *Registry) Register(c Client) {
	r.clients[c.Vendor()] = c
}

func (r *Registry) Client(v jobs.Vendor) (Client, bool) {
	c, ok := r.clients[v]
	return c, ok
}
