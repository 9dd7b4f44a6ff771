package cloud

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/musterhq/muster/pkg/log"
	"github.com/musterhq/muster/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	log.Init(log.Config{Level: log.ErrorLevel, JSONOutput: true})
}

type fakeProvider struct {
	name     string
	capacity int
	capErr   error
	host     Host
	provErr  error

	mu         sync.Mutex
	provisions int
	teardowns  []string
}

func (p *fakeProvider) Name() string { return p.name }

func (p *fakeProvider) Capacity(current []types.Node) (int, error) {
	if p.capErr != nil {
		return 0, p.capErr
	}
	free := p.capacity - countNodes(current, p.name)
	if free < 0 {
		free = 0
	}
	return free, nil
}

func (p *fakeProvider) Provision(ctx context.Context) (Host, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.provisions++
	if p.provErr != nil {
		return Host{}, p.provErr
	}
	return p.host, nil
}

func (p *fakeProvider) Teardown(ctx context.Context, ip string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.teardowns = append(p.teardowns, ip)
	return nil
}

type fakeNodeStore struct {
	mu       sync.Mutex
	added    []types.Node
	replaced map[string]string // placeholder → real ip
	deleted  []string
}

func newFakeNodeStore() *fakeNodeStore {
	return &fakeNodeStore{replaced: make(map[string]string)}
}

func (s *fakeNodeStore) AddNode(ctx context.Context, node types.Node) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.added = append(s.added, node)
	return nil
}

func (s *fakeNodeStore) ReplaceNodeIP(ctx context.Context, placeholder, ip string, ncpus int, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.replaced[placeholder] = ip
	return nil
}

func (s *fakeNodeStore) DeleteNode(ctx context.Context, ip string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deleted = append(s.deleted, ip)
	return nil
}

type fakeAdmitter struct {
	ok bool
}

func (a *fakeAdmitter) Admit(ip string) bool { return a.ok }

func TestCapacitySumsProviders(t *testing.T) {
	a := &fakeProvider{name: "ec2", capacity: 3}
	b := &fakeProvider{name: "openstack", capacity: 2}
	m := NewManager([]Provider{a, b}, newFakeNodeStore(), &fakeAdmitter{ok: true})

	nodes := []types.Node{
		{IP: "10.0.0.1", Enabled: true},             // operator node, not counted
		{IP: "10.0.0.2", Enabled: true, Cloud: "ec2"},
		{IP: "pending-ab12cd34", Cloud: "openstack"}, // provisioning counts as used
	}
	assert.Equal(t, 3, m.Capacity(nodes))
}

func TestCapacityProviderError(t *testing.T) {
	a := &fakeProvider{name: "ec2", capErr: errors.New("throttled")}
	b := &fakeProvider{name: "openstack", capacity: 1}
	m := NewManager([]Provider{a, b}, newFakeNodeStore(), &fakeAdmitter{ok: true})

	assert.Equal(t, 1, m.Capacity(nil))
}

func TestAllocateBringsNodeOnline(t *testing.T) {
	provider := &fakeProvider{name: "ec2", capacity: 2, host: Host{IP: "10.0.0.7", NCPUs: 8}}
	store := newFakeNodeStore()
	m := NewManager([]Provider{provider}, store, &fakeAdmitter{ok: true})

	m.Capacity(nil) // seed the inventory snapshot
	m.Allocate(42)
	m.Wait()

	require.Len(t, store.added, 1)
	placeholder := store.added[0]
	assert.True(t, strings.HasPrefix(placeholder.IP, "pending-"))
	assert.NotContains(t, placeholder.IP, ".")
	assert.False(t, placeholder.Enabled)
	assert.Equal(t, "ec2", placeholder.Cloud)

	assert.Equal(t, "10.0.0.7", store.replaced[placeholder.IP])
	assert.Empty(t, store.deleted)

	// The reservation is released once the node is online
	m.mu.Lock()
	assert.Empty(t, m.pending)
	m.mu.Unlock()
}

func TestAllocateIsIdempotentPerTask(t *testing.T) {
	provider := &fakeProvider{name: "ec2", capacity: 2, host: Host{IP: "10.0.0.7"}}
	store := newFakeNodeStore()
	admit := &fakeAdmitter{ok: true}

	m := NewManager([]Provider{provider}, store, admit)
	m.Capacity(nil)

	// Simulate the tick loop asking again while the first allocation is
	// still pending
	m.mu.Lock()
	m.pending[42] = "pending-deadbeef"
	m.mu.Unlock()

	m.Allocate(42)
	m.Wait()

	assert.Empty(t, store.added)
	assert.Equal(t, 0, provider.provisions)
}

func TestAllocateProvisionFailureCleansUp(t *testing.T) {
	provider := &fakeProvider{name: "ec2", capacity: 2, provErr: errors.New("quota exceeded")}
	store := newFakeNodeStore()
	m := NewManager([]Provider{provider}, store, &fakeAdmitter{ok: true})

	m.Capacity(nil)
	m.Allocate(7)
	m.Wait()

	require.Len(t, store.added, 1)
	assert.Equal(t, []string{store.added[0].IP}, store.deleted)
	assert.Empty(t, store.replaced)

	m.mu.Lock()
	assert.Empty(t, m.pending)
	m.mu.Unlock()
}

func TestAllocateNoCapacity(t *testing.T) {
	provider := &fakeProvider{name: "ec2", capacity: 0}
	store := newFakeNodeStore()
	m := NewManager([]Provider{provider}, store, &fakeAdmitter{ok: true})

	m.Capacity(nil)
	m.Allocate(1)
	m.Wait()

	assert.Empty(t, store.added)
	assert.Equal(t, 0, provider.provisions)
}

func TestDeallocate(t *testing.T) {
	provider := &fakeProvider{name: "ec2", capacity: 4}
	store := newFakeNodeStore()
	m := NewManager([]Provider{provider}, store, &fakeAdmitter{ok: true})

	m.Capacity([]types.Node{
		{IP: "10.0.0.2", Enabled: true, Cloud: "ec2"},
		{IP: "10.0.0.3", Enabled: true}, // operator node
	})

	m.Deallocate([]string{"10.0.0.2", "10.0.0.3"})
	m.Wait()

	assert.Equal(t, []string{"10.0.0.2"}, provider.teardowns)
	assert.Equal(t, []string{"10.0.0.2"}, store.deleted)
}
