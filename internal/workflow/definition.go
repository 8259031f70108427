package workflow

import (
	"bytes"
	"context"
	_ "embed"
	"fmt"
	"io"
	"os"
	"sync"

	"gopkg.in/yaml.v3"
)

//go:embed stages.yaml
var defaultDefinition []byte

// DecodeDefinition parses a YAML workflow document. Unknown keys are rejected.
func DecodeDefinition(r io.Reader) (Definition, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	var def Definition
	if err := dec.Decode(&def); err != nil {
		return Definition{}, fmt.Errorf("%w: decode: %v", ErrInvalidDefinition, err)
	}
	return def, nil
}

// DefaultDefinition returns the built-in purchase-order workflow.
func DefaultDefinition() (Definition, error) {
	return DecodeDefinition(bytes.NewReader(defaultDefinition))
}

// LoadFile reads a definition from path, or the built-in one when path is empty.
func LoadFile(path string) (Definition, error) {
	if path == "" {
		return DefaultDefinition()
	}
	f, err := os.Open(path)
	if err != nil {
		return Definition{}, fmt.Errorf("workflow: open definition: %w", err)
	}
	defer f.Close()
	return DecodeDefinition(f)
}

// Source loads a definition from wherever it is stored.
type Source interface {
	Load(ctx context.Context) (Definition, error)
}

// Provider compiles the definition once and serves the graph for the
// lifetime of the process.
type Provider struct {
	source Source
	mu     sync.Mutex
	graph  *Graph
}

// NewProvider constructs a Provider that loads lazily from source.
func NewProvider(source Source) *Provider {
	return &Provider{source: source}
}

// NewStaticProvider serves an already compiled graph.
func NewStaticProvider(g *Graph) *Provider {
	return &Provider{graph: g}
}

// Graph returns the compiled graph, loading it on first use. A failed load is
// not cached so the next call retries.
func (p *Provider) Graph(ctx context.Context) (*Graph, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.graph != nil {
		return p.graph, nil
	}
	if p.source == nil {
		return nil, fmt.Errorf("workflow: provider has no source")
	}
	def, err := p.source.Load(ctx)
	if err != nil {
		return nil, err
	}
	g, err := Compile(def)
	if err != nil {
		return nil, err
	}
	p.graph = g
	return g, nil
}
