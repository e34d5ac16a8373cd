package media

import (
	"context"
	"strings"
	"sync"

	"github.com/smartdevs17/eas-logbook/internal/config"
	"github.com/smartdevs17/eas-logbook/pkg/utils"
)

// Pinner stores content and returns its content identifier and gateway URI
type Pinner interface {
	Name() string
	Pin(ctx context.Context, name, contentType string, data []byte) (string, string, error)
}

// NewPinner builds the pinning backend selected in cfg
func NewPinner(ctx context.Context, cfg config.UploadConfig) (Pinner, error) {
	switch strings.ToLower(cfg.Backend) {
	case "", "pinata":
		return NewPinataPinner(cfg.Pinata, cfg.Timeout)
	case "s3":
		return NewS3Pinner(ctx, cfg.S3)
	case "memory":
		return NewMemoryPinner("memory://"), nil
	default:
		return nil, utils.NewAppError(utils.ErrCodeConfiguration, "Unsupported upload backend", cfg.Backend)
	}
}

// MemoryPinner keeps pinned content in process. Used for development
// networks and tests.
type MemoryPinner struct {
	mu      sync.RWMutex
	base    string
	objects map[string][]byte

	// Err, when set, is returned by Pin
	Err error
}

// NewMemoryPinner creates an in-process pinner serving URIs under base
func NewMemoryPinner(base string) *MemoryPinner {
	if !strings.HasSuffix(base, "/") {
		base += "/"
	}
	return &MemoryPinner{base: base, objects: make(map[string][]byte)}
}

// Name returns the backend name
func (p *MemoryPinner) Name() string { return "memory" }

// Pin stores data under its content hash
func (p *MemoryPinner) Pin(ctx context.Context, name, contentType string, data []byte) (string, string, error) {
	if err := ctx.Err(); err != nil {
		return "", "", err
	}
	if p.Err != nil {
		return "", "", p.Err
	}
	cid := utils.ContentHash(data)

	p.mu.Lock()
	p.objects[cid] = append([]byte(nil), data...)
	p.mu.Unlock()

	return cid, p.base + cid + "/" + name, nil
}

// Get returns pinned content by identifier
func (p *MemoryPinner) Get(cid string) ([]byte, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	data, ok := p.objects[cid]
	return data, ok
}

// Count returns the number of pinned objects
func (p *MemoryPinner) Count() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.objects)
}
