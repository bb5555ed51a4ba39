package config

import (
	"fmt"

	"github.com/marketmind/marketmind/internal/pair"
)

var validStrategies = map[string]bool{
	"single":   true,
	"weighted": true,
	"majority": true,
	"stacking": true,
	"debate":   true,
}

var validApprovalPolicies = map[string]bool{
	"always":       true,
	"never":        true,
	"on_new_asset": true,
}

// Validate checks the configuration for internal consistency. It is
// called during Load; construction-time errors here are fatal.
func (c *Config) Validate() error {
	if len(c.Agent.AssetPairs) == 0 {
		return fmt.Errorf("agent.asset_pairs must not be empty")
	}
	for _, raw := range c.Agent.AssetPairs {
		if _, err := pair.Parse(raw); err != nil {
			return fmt.Errorf("agent.asset_pairs: %w", err)
		}
	}
	if c.Agent.MinConfidence < 0 || c.Agent.MinConfidence > 100 {
		return fmt.Errorf("agent.min_confidence_threshold must be in [0,100], got %v", c.Agent.MinConfidence)
	}
	if c.Agent.MaxDailyTrades <= 0 {
		return fmt.Errorf("agent.max_daily_trades must be positive, got %d", c.Agent.MaxDailyTrades)
	}
	if c.Agent.KillSwitchLossPct <= 0 {
		return fmt.Errorf("agent.kill_switch_loss_pct must be positive, got %v", c.Agent.KillSwitchLossPct)
	}
	if !validApprovalPolicies[c.Agent.ApprovalPolicy] {
		return fmt.Errorf("agent.approval_policy must be one of always/never/on_new_asset, got %q", c.Agent.ApprovalPolicy)
	}

	if !validStrategies[c.Ensemble.Strategy] {
		return fmt.Errorf("ensemble.strategy must be one of single/weighted/majority/stacking/debate, got %q", c.Ensemble.Strategy)
	}
	if c.Ensemble.Strategy == "debate" {
		for _, role := range []string{"bull", "bear", "judge"} {
			if c.Ensemble.DebateRoles[role] == "" {
				return fmt.Errorf("ensemble.debate_roles must name a provider for role %q", role)
			}
		}
	}
	if c.Ensemble.OverallTimeout < c.Ensemble.ProviderTimeout {
		return fmt.Errorf("ensemble.overall_timeout (%v) must be >= ensemble.provider_timeout (%v)",
			c.Ensemble.OverallTimeout, c.Ensemble.ProviderTimeout)
	}
	for _, name := range c.Ensemble.Providers {
		pc, ok := c.Providers[name]
		if !ok {
			return fmt.Errorf("ensemble.providers names %q but no providers.%s block exists", name, name)
		}
		switch pc.Type {
		case "llm", "nats", "mock":
		default:
			return fmt.Errorf("providers.%s.type must be one of llm/nats/mock, got %q", name, pc.Type)
		}
	}

	if c.Risk.CrossCorrelationMode != "warn" && c.Risk.CrossCorrelationMode != "block" {
		return fmt.Errorf("risk.cross_correlation_mode must be warn or block, got %q", c.Risk.CrossCorrelationMode)
	}
	if c.Risk.MaxPositionFraction <= 0 || c.Risk.MaxPositionFraction > 1 {
		return fmt.Errorf("risk.max_position_fraction must be in (0,1], got %v", c.Risk.MaxPositionFraction)
	}
	if c.Risk.MaxLeverage < 1 {
		return fmt.Errorf("risk.max_leverage must be >= 1, got %v", c.Risk.MaxLeverage)
	}

	if c.Monitor.MaxConcurrentTrackers <= 0 {
		return fmt.Errorf("monitor.max_concurrent_trackers must be positive, got %d", c.Monitor.MaxConcurrentTrackers)
	}
	if c.Monitor.PnLCheckInterval <= 0 {
		return fmt.Errorf("monitor.pnl_check_interval must be positive")
	}
	if c.Monitor.PortfolioCheckInterval <= 0 {
		return fmt.Errorf("monitor.portfolio_check_interval must be positive")
	}

	if c.Breaker.FailureThreshold == 0 {
		return fmt.Errorf("breaker.failure_threshold must be positive")
	}
	if c.Breaker.RecoveryTimeout <= 0 {
		return fmt.Errorf("breaker.recovery_timeout must be positive")
	}

	if c.Memory.LearningRate <= 0 || c.Memory.LearningRate > 1 {
		return fmt.Errorf("memory.learning_rate must be in (0,1], got %v", c.Memory.LearningRate)
	}

	if c.Platform.Adapter == "binance" && c.Platform.APIKey == "" {
		return fmt.Errorf("platform.api_key required for binance adapter")
	}
	if c.Alerts.TelegramEnabled && c.Alerts.TelegramToken == "" {
		return fmt.Errorf("alerts.telegram_token required when telegram alerts enabled")
	}

	return nil
}
