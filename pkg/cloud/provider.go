package cloud

import (
	"context"
	"fmt"

	"github.com/musterhq/muster/pkg/config"
	"github.com/musterhq/muster/pkg/types"
)

// Host is a freshly provisioned worker returned by a provider
type Host struct {
	IP    string
	NCPUs int
}

// Provider is the capability set a cloud backend must offer: how many more
// nodes it could run, how to bring one up, and how to tear one down
type Provider interface {
	// Name is the provider tag written into node rows
	Name() string

	// Capacity returns how many additional nodes could be allocated right
	// now, counting rows already provisioning against the budget
	Capacity(current []types.Node) (int, error)

	// Provision brings up one host and blocks until it has an address
	Provision(ctx context.Context) (Host, error)

	// Teardown destroys the host behind the given address
	Teardown(ctx context.Context, ip string) error
}

// NewProviders builds the enabled backends from configuration
func NewProviders(ctx context.Context, configs []config.CloudConfig) ([]Provider, error) {
	providers := make([]Provider, 0, len(configs))
	for _, cc := range configs {
		switch cc.Provider {
		case "ec2":
			p, err := NewEC2Provider(ctx, cc)
			if err != nil {
				return nil, fmt.Errorf("ec2 provider: %w", err)
			}
			providers = append(providers, p)
		case "openstack":
			p, err := NewOpenStackProvider(cc)
			if err != nil {
				return nil, fmt.Errorf("openstack provider: %w", err)
			}
			providers = append(providers, p)
		default:
			return nil, fmt.Errorf("unsupported cloud provider %q", cc.Provider)
		}
	}
	return providers, nil
}

// countNodes tallies node rows carrying the given provider tag, placeholders
// included
func countNodes(current []types.Node, provider string) int {
	n := 0
	for _, node := range current {
		if node.Cloud == provider {
			n++
		}
	}
	return n
}
