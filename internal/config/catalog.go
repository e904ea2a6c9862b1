package config

const lendingMarketsQuery = `query {
  lendingMarkets(first: 50, orderBy: maturity, orderDirection: asc) {
    id
    maturity
    isActive
    lastLendUnitPrice
    lastBorrowUnitPrice
  }
}`

// DefaultMetrics is the catalog used when the config lists none.
func DefaultMetrics(p ProtocolConfig) []MetricConfig {
	view := func(name, unit, target, method, class, desc string) MetricConfig {
		return MetricConfig{
			Name:        name,
			Kind:        "observed",
			Description: desc,
			Unit:        unit,
			Source:      "chain_rpc",
			Method:      method,
			Target:      target,
			Path:        "value",
			TTLClass:    class,
		}
	}

	troves := view("troves", "count", p.TroveManager, "getTroveOwnersCount", "slow", "Open troves")
	troves.Params = map[string]string{"decimals": "0"}

	apr := func(name, priceField, desc string) MetricConfig {
		return MetricConfig{
			Name:        name,
			Kind:        "observed",
			Description: desc,
			Unit:        "%",
			Source:      "subgraph",
			Target:      lendingMarketsQuery,
			Path:        "lendingMarkets",
			TTLClass:    "medium",
			BestAPR:     &BestAPRConfig{Price: priceField, Maturity: "maturity", Active: "isActive"},
		}
	}

	return []MetricConfig{
		view("supply", "USDFC", p.Token, "totalSupply", "medium", "Total token supply"),
		view("collateral", "FIL", p.TroveManager, "getEntireSystemColl", "medium", "Total collateral locked"),
		view("debt", "USDFC", p.TroveManager, "getEntireSystemDebt", "medium", "Total system debt"),
		view("collateral_price", "USD", p.PriceFeed, "lastGoodPrice", "fast", "Oracle collateral price"),
		view("stability_pool", "USDFC", p.StabilityPool, "getTotalDebtTokenDeposits", "medium", "Stability pool deposits"),
		troves,
		{
			Name:        "holders",
			Kind:        "observed",
			Description: "Token holder count",
			Unit:        "count",
			Source:      "explorer",
			Target:      "tokens/" + p.Token + "/counters",
			Path:        "token_holders_count",
			TTLClass:    "slow",
		},
		{
			Name:        "pool_reserve_usd",
			Kind:        "observed",
			Description: "DEX pool reserve",
			Unit:        "USD",
			Source:      "dex_aggregator",
			Target:      "pools/" + p.Pool,
			Path:        "data.attributes.reserve_in_usd",
			TTLClass:    "medium",
		},
		{
			Name:        "volume_24h",
			Kind:        "observed",
			Description: "DEX pool 24h volume",
			Unit:        "USD",
			Source:      "dex_aggregator",
			Target:      "pools/" + p.Pool,
			Path:        "data.attributes.volume_usd.h24",
			TTLClass:    "medium",
		},
		{
			Name:        "price_change_24h",
			Kind:        "observed",
			Description: "DEX pool 24h price change",
			Unit:        "%",
			Source:      "dex_aggregator",
			Target:      "pools/" + p.Pool,
			Path:        "data.attributes.price_change_percentage.h24",
			TTLClass:    "medium",
		},
		apr("lend_apr", "lastLendUnitPrice", "Best lend APR across active lending markets"),
		apr("borrow_apr", "lastBorrowUnitPrice", "Best borrow APR across active lending markets"),
		{
			Name:        "tcr",
			Kind:        "derived",
			Description: "Total collateral ratio",
			Unit:        "%",
			Formula:     "collateral_ratio",
			Inputs:      []string{"collateral", "collateral_price", "debt"},
		},
		{
			Name:        "liquidity_estimate",
			Kind:        "derived",
			Description: "Volume per unit of absolute price move",
			Unit:        "USD",
			Formula:     "liquidity_estimate",
			Inputs:      []string{"volume_24h", "price_change_24h"},
		},
		{
			Name:        "stability_coverage",
			Kind:        "derived",
			Description: "Share of debt covered by the stability pool",
			Unit:        "ratio",
			Formula:     "ratio",
			Inputs:      []string{"stability_pool", "debt"},
		},
	}
}

// DefaultRules alert when the collateral ratio falls under the danger line.
func DefaultRules() []RuleConfig {
	danger := 150.0
	return []RuleConfig{{Metric: "tcr", Below: &danger, Unit: "%"}}
}
