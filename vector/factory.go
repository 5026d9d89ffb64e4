package vector

import (
	"context"
	"fmt"
	"log"
	"net/url"
	"strings"

	"github.com/hubenschmidt/go-ragstream/core"
)

// Options selects and configures a Gateway.
type Options struct {
	// DSN picks the backend by scheme:
	// - memory:// : in-process
	// - mongodb:// or mongodb+srv:// : MongoDB Atlas vector search
	// - postgres:// or postgresql:// : pgvector
	// - qdrant://host:port : Qdrant over gRPC
	DSN       string
	Database  string
	Index     string
	Dimension int
}

// Open returns the Gateway named by opts.DSN.
func Open(ctx context.Context, opts Options) (Gateway, error) {
	scheme, rest, ok := strings.Cut(opts.DSN, "://")
	if !ok {
		return nil, fmt.Errorf("%w: vector DSN %q has no scheme", core.ErrInvalidConfig, opts.DSN)
	}

	switch scheme {
	case "memory":
		log.Printf("[vector] Using in-memory vector store")
		return NewMemoryGateway(), nil

	case "mongodb", "mongodb+srv":
		g, err := NewMongoGateway(ctx, opts.DSN, opts.Database, opts.Index)
		if err != nil {
			return nil, err
		}
		log.Printf("[vector] Connected to MongoDB (db=%s, index=%s)", opts.Database, opts.Index)
		return g, nil

	case "postgres", "postgresql":
		g, err := NewPgVectorGateway(ctx, opts.DSN, opts.Dimension, opts.Index)
		if err != nil {
			return nil, err
		}
		log.Printf("[vector] Connected to pgvector (dimension=%d, index=%s)", opts.Dimension, opts.Index)
		return g, nil

	case "qdrant":
		u, err := url.Parse("qdrant://" + rest)
		if err != nil {
			return nil, fmt.Errorf("%w: parse qdrant DSN: %v", core.ErrInvalidConfig, err)
		}
		addr := u.Host
		if u.Port() == "" {
			addr += ":6334"
		}
		g, err := NewQdrantGateway(addr)
		if err != nil {
			return nil, err
		}
		log.Printf("[vector] Connected to Qdrant at %s", addr)
		return g, nil
	}

	return nil, fmt.Errorf("%w: unsupported vector DSN scheme %q", core.ErrInvalidConfig, scheme)
}
