package application

import (
	"github.com/arkade-os/custodyd/internal/core/domain"
	"github.com/arkade-os/custodyd/internal/core/ports"
	"github.com/arkade-os/custodyd/pkg/errors"
)

// ChainAdapters indexes adapters by network. The first adapter registered for a
// family is the one used for escrows of that family.
type ChainAdapters struct {
	byNetwork map[string]ports.ChainAdapter
	byFamily  map[domain.ChainFamily]ports.ChainAdapter
}

func NewChainAdapters(adapters ...ports.ChainAdapter) ChainAdapters {
	c := ChainAdapters{
		byNetwork: make(map[string]ports.ChainAdapter),
		byFamily:  make(map[domain.ChainFamily]ports.ChainAdapter),
	}
	for _, adapter := range adapters {
		if adapter == nil {
			continue
		}
		c.byNetwork[adapter.Network()] = adapter
		if _, ok := c.byFamily[adapter.Family()]; !ok {
			c.byFamily[adapter.Family()] = adapter
		}
	}
	return c
}

func (c ChainAdapters) ForAsset(asset domain.Asset) (ports.ChainAdapter, error) {
	adapter, ok := c.byNetwork[asset.Network]
	if !ok || adapter.Family() != asset.Family {
		return nil, errors.CONFIGURATION_ERROR.New(
			"no %s adapter configured for network %q", asset.Family, asset.Network,
		).WithMetadata(errors.ConfigurationMetadata{
			Asset: asset.Symbol, Chain: asset.Family.String(),
		})
	}
	return adapter, nil
}

func (c ChainAdapters) ForFamily(family domain.ChainFamily) (ports.ChainAdapter, error) {
	adapter, ok := c.byFamily[family]
	if !ok {
		return nil, errors.CONFIGURATION_ERROR.New("no adapter configured for %s", family).
			WithMetadata(errors.ConfigurationMetadata{Chain: family.String()})
	}
	return adapter, nil
}

func (c ChainAdapters) Families() []domain.ChainFamily {
	families := make([]domain.ChainFamily, 0, len(c.byFamily))
	for family := range c.byFamily {
		families = append(families, family)
	}
	return families
}
