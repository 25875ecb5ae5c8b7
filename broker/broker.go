// Package broker is the HTTP Broker: it exposes the
// core over loopback HTTP so heterogeneous UIs share a single contract.
//
// One handler per resource, switch r.Method inside it, streamed bodies
// via io.Copy, uniform JSON envelopes via the cmn package.
package broker

import (
	"net/http"
	"sync"
	"time"

	"github.com/cloudflare-r2-browser/core/cmn"
	"github.com/cloudflare-r2-browser/core/credstore"
	"github.com/cloudflare-r2-browser/core/foldercache"
	"github.com/cloudflare-r2-browser/core/middleware"
	"github.com/cloudflare-r2-browser/core/provider"
	"github.com/cloudflare-r2-browser/core/transfer"
)

// Version is stamped at build time in a real release; left as a constant
// here since packaging is an explicit Non-goal.
const Version = "0.1.0"

// Broker wires the Credential Store, Provider Client, Folder Cache, and
// Transfer Engine behind one http.Handler.
type Broker struct {
	credStore *credstore.Store
	cache     *foldercache.Cache
	engine    *transfer.Engine
	cfg       cmn.Config
	startedAt time.Time
	onShutdown func()

	providerMu sync.RWMutex
	provider   provider.Client

	mux *http.ServeMux
}

// New constructs a Broker and loads any persisted credentials, wiring a
// live Provider Client if present.
func New(credStore *credstore.Store, cache *foldercache.Cache, engine *transfer.Engine, cfg cmn.Config, onShutdown func()) (*Broker, error) {
	b := &Broker{
		credStore:  credStore,
		cache:      cache,
		engine:     engine,
		cfg:        cfg,
		startedAt:  time.Now(),
		onShutdown: onShutdown,
	}
	if err := b.reloadProvider(); err != nil {
		return nil, err
	}
	b.mux = b.routes()
	return b, nil
}

func (b *Broker) reloadProvider() error {
	creds, ok, err := b.credStore.Load()
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	client, err := provider.NewS3Client(creds, b.cfg)
	if err != nil {
		return err
	}
	b.providerMu.Lock()
	b.provider = client
	b.providerMu.Unlock()
	b.engine.SetProvider(client)
	return nil
}

func (b *Broker) currentProvider() (provider.Client, bool) {
	b.providerMu.RLock()
	defer b.providerMu.RUnlock()
	return b.provider, b.provider != nil
}

// Handler returns the fully wrapped http.Handler: RequestID, CORS,
// Logging, Recover around the route mux.
func (b *Broker) Handler() http.Handler {
	chain := middleware.Chain(middleware.RequestID, middleware.CORS(b.cfg.CORSAllowedOrigins), middleware.Logging, middleware.Recover)
	return chain(b.mux)
}
