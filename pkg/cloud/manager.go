package cloud

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jpillora/backoff"
	"github.com/musterhq/muster/pkg/log"
	"github.com/musterhq/muster/pkg/metrics"
	"github.com/musterhq/muster/pkg/types"
	"github.com/rs/zerolog"
)

// provisionDeadline bounds how long a single host may take from API call to
// passed admission probe
const provisionDeadline = 15 * time.Minute

// NodeStore is the slice of the queue store the manager mutates
type NodeStore interface {
	AddNode(ctx context.Context, node types.Node) error
	ReplaceNodeIP(ctx context.Context, placeholder, ip string, ncpus int, enabled bool) error
	DeleteNode(ctx context.Context, ip string) error
}

// Admitter probes a host before it enters service
type Admitter interface {
	Admit(ip string) bool
}

// Manager is the provider-agnostic façade the scheduler talks to. Allocate
// and Deallocate return immediately; provisioning and teardown run in the
// background and publish their outcome through the node table.
type Manager struct {
	providers []Provider
	store     NodeStore
	admitter  Admitter
	logger    zerolog.Logger

	mu        sync.Mutex
	pending   map[int64]string // task id → placeholder ip, the reservation set
	resources []types.Node     // inventory seen at the last Capacity call

	wg sync.WaitGroup
}

// NewManager creates a cloud manager over the enabled providers
func NewManager(providers []Provider, store NodeStore, admitter Admitter) *Manager {
	return &Manager{
		providers: providers,
		store:     store,
		admitter:  admitter,
		logger:    log.WithComponent("cloud"),
		pending:   make(map[int64]string),
	}
}

// Capacity returns how many additional nodes the providers could allocate
// right now. Provider errors are logged and count as zero.
func (m *Manager) Capacity(resources []types.Node) int {
	m.mu.Lock()
	m.resources = resources
	m.mu.Unlock()

	total := 0
	for _, p := range m.providers {
		n, err := p.Capacity(resources)
		if err != nil {
			m.logger.Error().Err(err).Str("provider", p.Name()).Msg("Capacity query failed")
			continue
		}
		total += n
	}
	return total
}

// Allocate records the intent to provision a host for a pending task and
// returns. A placeholder node row (ip without '.') reserves the slot; the
// background worker swaps in the real address once the host passes admission.
// A task that already holds a reservation is not allocated for again.
func (m *Manager) Allocate(taskID int64) {
	m.mu.Lock()
	if _, reserved := m.pending[taskID]; reserved {
		m.mu.Unlock()
		return
	}

	provider := m.pickProviderLocked()
	if provider == nil {
		m.mu.Unlock()
		m.logger.Debug().Int64("task_id", taskID).Msg("No provider has spare capacity")
		return
	}

	placeholder := "pending-" + uuid.NewString()[:8]
	m.pending[taskID] = placeholder
	m.mu.Unlock()

	ctx := context.Background()
	if err := m.store.AddNode(ctx, types.Node{IP: placeholder, Cloud: provider.Name()}); err != nil {
		m.logger.Error().Err(err).Int64("task_id", taskID).Msg("Failed to insert placeholder node")
		m.release(taskID)
		return
	}

	m.logger.Info().
		Int64("task_id", taskID).
		Str("provider", provider.Name()).
		Str("placeholder", placeholder).
		Msg("Allocating cloud node")
	metrics.NodesAllocated.WithLabelValues(provider.Name()).Inc()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.provision(provider, taskID, placeholder)
	}()
}

// pickProviderLocked returns the first provider with spare capacity against
// the inventory seen at the last Capacity call
func (m *Manager) pickProviderLocked() Provider {
	for _, p := range m.providers {
		n, err := p.Capacity(m.resources)
		if err != nil {
			m.logger.Error().Err(err).Str("provider", p.Name()).Msg("Capacity query failed")
			continue
		}
		if n > 0 {
			return p
		}
	}
	return nil
}

func (m *Manager) provision(provider Provider, taskID int64, placeholder string) {
	defer m.release(taskID)

	ctx, cancel := context.WithTimeout(context.Background(), provisionDeadline)
	defer cancel()

	host, err := provider.Provision(ctx)
	if err != nil {
		m.logger.Error().Err(err).Str("provider", provider.Name()).Msg("Provisioning failed")
		if err := m.store.DeleteNode(context.Background(), placeholder); err != nil {
			m.logger.Error().Err(err).Str("placeholder", placeholder).Msg("Failed to delete placeholder")
		}
		return
	}

	if !m.waitAdmitted(ctx, host.IP) {
		m.logger.Error().Str("node", host.IP).Msg("Provisioned host never passed admission, tearing down")
		if err := provider.Teardown(context.Background(), host.IP); err != nil {
			m.logger.Error().Err(err).Str("node", host.IP).Msg("Teardown failed")
		}
		if err := m.store.DeleteNode(context.Background(), placeholder); err != nil {
			m.logger.Error().Err(err).Str("placeholder", placeholder).Msg("Failed to delete placeholder")
		}
		return
	}

	if err := m.store.ReplaceNodeIP(context.Background(), placeholder, host.IP, host.NCPUs, true); err != nil {
		m.logger.Error().Err(err).Str("node", host.IP).Msg("Failed to bring node online")
		return
	}

	m.logger.Info().
		Str("provider", provider.Name()).
		Str("node", host.IP).
		Int("ncpus", host.NCPUs).
		Msg("Cloud node online")
}

// waitAdmitted polls the admission probe with backoff until the fresh host
// accepts an SSH session and reports idle, or the provisioning deadline hits
func (m *Manager) waitAdmitted(ctx context.Context, ip string) bool {
	b := &backoff.Backoff{Min: 2 * time.Second, Max: 30 * time.Second, Factor: 2, Jitter: true}
	for {
		if m.admitter.Admit(ip) {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(b.Duration()):
		}
	}
}

func (m *Manager) release(taskID int64) {
	m.mu.Lock()
	delete(m.pending, taskID)
	m.mu.Unlock()
}

// Deallocate retires the listed hosts. Rows without a provider tag are left
// alone; they belong to an operator.
func (m *Manager) Deallocate(ips []string) {
	m.mu.Lock()
	tags := make(map[string]string, len(m.resources))
	for _, node := range m.resources {
		tags[node.IP] = node.Cloud
	}
	m.mu.Unlock()

	for _, ip := range ips {
		provider := m.providerByName(tags[ip])
		if provider == nil {
			m.logger.Debug().Str("node", ip).Msg("Not a cloud node, leaving in place")
			continue
		}

		m.logger.Info().Str("node", ip).Str("provider", provider.Name()).Msg("Reclaiming idle node")
		metrics.NodesReclaimed.Inc()

		m.wg.Add(1)
		go func(provider Provider, ip string) {
			defer m.wg.Done()
			if err := provider.Teardown(context.Background(), ip); err != nil {
				m.logger.Error().Err(err).Str("node", ip).Msg("Teardown failed")
			}
			if err := m.store.DeleteNode(context.Background(), ip); err != nil {
				m.logger.Error().Err(err).Str("node", ip).Msg("Failed to delete node row")
			}
		}(provider, ip)
	}
}

func (m *Manager) providerByName(name string) Provider {
	if name == "" {
		return nil
	}
	for _, p := range m.providers {
		if p.Name() == name {
			return p
		}
	}
	return nil
}

// Wait blocks until in-flight provisioning and teardown work finishes. Used
// on shutdown.
func (m *Manager) Wait() {
	m.wg.Wait()
}
