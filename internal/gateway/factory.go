package gateway

import (
	"fmt"

	"github.com/rs/zerolog"

	"xor-core/pkg/exchanges/binance"
	"xor-core/pkg/exchanges/bybit"
	"xor-core/pkg/exchanges/common"
)

// Factory builds an adapter from a resolved credential spec. Tests swap
// this out for a fake.
type Factory func(spec AdapterSpec, log zerolog.Logger) (common.Adapter, error)

// DefaultFactory builds the real venue clients.
func DefaultFactory(spec AdapterSpec, log zerolog.Logger) (common.Adapter, error) {
	switch spec.Exchange {
	case "binance":
		return binance.New(binance.Config{
			APIKey:    spec.APIKey,
			APISecret: spec.APISecret,
			Testnet:   spec.Testnet,
			Market:    spec.Market,
		}, log), nil
	case "bybit":
		return bybit.New(bybit.Config{
			APIKey:    spec.APIKey,
			APISecret: spec.APISecret,
			Testnet:   spec.Testnet,
			Market:    spec.Market,
		}, log), nil
	default:
		return nil, fmt.Errorf("unsupported exchange %q", spec.Exchange)
	}
}
