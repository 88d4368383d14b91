package pluginhost

import (
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/roelfdiedericks/ssod/internal/errs"
	"github.com/roelfdiedericks/ssod/internal/eventloop"
	. "github.com/roelfdiedericks/ssod/internal/logging"
)

// MethodSpec is one loaded plugin: its advertised mechanisms and how to
// spawn its worker.
type MethodSpec struct {
	Mechanisms  []string
	Spawn       WorkerConfig
	IdleTimeout time.Duration
}

// Host is PluginHost: the registry of known methods and their live
// proxies, plus the periodic idle-eviction sweep.
type Host struct {
	loop *eventloop.Loop

	mu      sync.Mutex
	methods map[string]MethodSpec
	proxies map[string]*Proxy

	cron *cron.Cron
}

// New builds a Host driven by loop, which every proxy uses to dispatch
// inbound worker signals on the single-threaded execution model.
func New(loop *eventloop.Loop) *Host {
	return &Host{
		loop:    loop,
		methods: make(map[string]MethodSpec),
		proxies: make(map[string]*Proxy),
	}
}

// RegisterMethod adds or replaces a known plugin method. It does not
// spawn anything; a worker is only started the first time GetProxy
// schedules a request for it.
func (h *Host) RegisterMethod(method string, spec MethodSpec) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.methods[method] = spec
}

// Methods lists every registered method name.
func (h *Host) Methods() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]string, 0, len(h.methods))
	for m := range h.methods {
		out = append(out, m)
	}
	return out
}

// GetProxy returns the live Proxy for method, creating one (and its
// spec-declared idle timeout) on first use. A proxy that previously
// crashed or was idle-evicted is discarded and a fresh one built in its
// place, matching "any new request for the same method creates a fresh
// proxy and worker."
func (h *Host) GetProxy(method string) (*Proxy, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	spec, ok := h.methods[method]
	if !ok {
		return nil, fmt.Errorf("pluginhost: unknown method %q: %w", method, errs.ErrInvalidArgument)
	}

	if p, ok := h.proxies[method]; ok && !p.IsDead() {
		return p, nil
	}

	p := NewProxy(method, spec.Mechanisms, spec.Spawn, spec.IdleTimeout, h.loop)
	h.proxies[method] = p
	return p, nil
}

// StartSweep begins a periodic scan (via robfig/cron) that evicts any
// proxy that has been idle past its method's configured timeout.
// interval controls how often the sweep runs; a zero interval defaults
// to once per minute. Returns a stop function.
func (h *Host) StartSweep(interval time.Duration) func() {
	if interval <= 0 {
		interval = time.Minute
	}
	c := cron.New(cron.WithParser(cron.NewParser(
		cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow,
	)))
	spec := fmt.Sprintf("@every %s", interval)
	id, err := c.AddFunc(spec, h.sweep)
	if err != nil {
		L_error("pluginhost: could not schedule idle sweep", "err", err)
		return func() {}
	}
	h.cron = c
	c.Start()
	return func() {
		c.Remove(id)
		ctx := c.Stop()
		<-ctx.Done()
	}
}

func (h *Host) sweep() {
	h.mu.Lock()
	type candidate struct {
		method string
		proxy  *Proxy
		spec   MethodSpec
	}
	var candidates []candidate
	for method, p := range h.proxies {
		spec := h.methods[method]
		candidates = append(candidates, candidate{method, p, spec})
	}
	h.mu.Unlock()

	now := time.Now()
	for _, c := range candidates {
		if c.spec.IdleTimeout <= 0 {
			continue
		}
		since, idle := c.proxy.IdleSince()
		if !idle || now.Sub(since) < c.spec.IdleTimeout {
			continue
		}
		L_info("pluginhost: evicting idle plugin worker", "method", c.method, "idleFor", now.Sub(since))
		c.proxy.Evict()
	}
}

// Shutdown terminates every live worker. Intended for daemon shutdown.
func (h *Host) Shutdown() {
	h.mu.Lock()
	proxies := make([]*Proxy, 0, len(h.proxies))
	for _, p := range h.proxies {
		proxies = append(proxies, p)
	}
	h.mu.Unlock()

	for _, p := range proxies {
		p.Evict()
	}
}
