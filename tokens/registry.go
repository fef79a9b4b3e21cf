// Package tokens holds the in-memory symbol registry. The registry is built
// once at startup from the quoting service (with a static Arbitrum fallback)
// and is read-mostly afterwards; Replace swaps the whole table under lock.
package tokens

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/log"

	"github.com/emberfi/dca-engine/core"
)

// Source produces token descriptors for a set of chains. Implemented by the
// quote client; failures fall back to the static table.
type Source interface {
	GetTokens(ctx context.Context, chainIDs []uint64) ([]core.TokenDescriptor, error)
}

// Registry maps uppercased symbols to their per-chain deployments. Lists keep
// insertion order; duplicate (symbol, chainId) pairs are rejected.
type Registry struct {
	mu       sync.RWMutex
	bySymbol map[string][]core.TokenDescriptor
}

func NewRegistry() *Registry {
	return &Registry{bySymbol: make(map[string][]core.TokenDescriptor)}
}

// Add inserts one descriptor, uppercasing the symbol.
func (r *Registry) Add(d core.TokenDescriptor) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.add(d)
}

func (r *Registry) add(d core.TokenDescriptor) error {
	d.Symbol = strings.ToUpper(d.Symbol)
	if d.Symbol == "" {
		return fmt.Errorf("%w: empty token symbol", core.ErrValidation)
	}
	for _, existing := range r.bySymbol[d.Symbol] {
		if existing.ChainID == d.ChainID {
			return fmt.Errorf("%w: duplicate token %s on chain %d", core.ErrValidation, d.Symbol, d.ChainID)
		}
	}
	r.bySymbol[d.Symbol] = append(r.bySymbol[d.Symbol], d)
	return nil
}

// Lookup resolves a symbol on one chain. The symbol is matched
// case-insensitively.
func (r *Registry) Lookup(symbol string, chainID uint64) (core.TokenDescriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, d := range r.bySymbol[strings.ToUpper(symbol)] {
		if d.ChainID == chainID {
			return d, true
		}
	}
	return core.TokenDescriptor{}, false
}

// Resolve is Lookup with the engine's error taxonomy.
func (r *Registry) Resolve(symbol string, chainID uint64) (core.TokenDescriptor, error) {
	d, ok := r.Lookup(symbol, chainID)
	if !ok {
		return core.TokenDescriptor{}, fmt.Errorf("%w: %s on chain %d", core.ErrTokenNotFound, symbol, chainID)
	}
	return d, nil
}

// Replace swaps in a new table all-or-nothing: if any descriptor is invalid
// the registry keeps its previous contents.
func (r *Registry) Replace(list []core.TokenDescriptor) error {
	next := NewRegistry()
	for _, d := range list {
		if err := next.add(d); err != nil {
			return err
		}
	}
	r.mu.Lock()
	r.bySymbol = next.bySymbol
	r.mu.Unlock()
	return nil
}

// Len returns the number of descriptors across all symbols.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, list := range r.bySymbol {
		n += len(list)
	}
	return n
}

// Bootstrap builds a registry from the quoting service, falling back to the
// static table when the service is unreachable after its own retries.
func Bootstrap(ctx context.Context, src Source, chainID uint64) *Registry {
	r := NewRegistry()
	if src != nil {
		if list, err := src.GetTokens(ctx, []uint64{chainID}); err == nil {
			if err := r.Replace(list); err == nil {
				log.Info("Token registry loaded from quote service", "tokens", r.Len(), "chain", chainID)
				return r
			}
			log.Warn("Quote service returned invalid token list, using fallback")
		} else {
			log.Warn("Token fetch failed, using fallback table", "err", err)
		}
	}
	if err := r.Replace(ArbitrumFallback()); err != nil {
		// The static table is checked by tests; this cannot happen at runtime.
		panic(err)
	}
	log.Info("Token registry loaded from static table", "tokens", r.Len())
	return r
}
