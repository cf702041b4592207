package config

import (
	"fmt"
	"strings"
)

// ValidationError represents a configuration validation error
type ValidationError struct {
	Field   string
	Message string
}

// ValidationErrors is a collection of validation errors
type ValidationErrors []ValidationError

// Error implements the error interface
func (ve ValidationErrors) Error() string {
	if len(ve) == 0 {
		return ""
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("Configuration validation failed with %d error(s):\n\n", len(ve)))
	for i, err := range ve {
		sb.WriteString(fmt.Sprintf("  %d. %s: %s\n", i+1, err.Field, err.Message))
	}
	sb.WriteString("\nPlease fix the above errors and try again.\n")
	return sb.String()
}

// Validate performs comprehensive configuration validation
func (c *Config) Validate() error {
	var errors ValidationErrors

	errors = append(errors, c.validateApp()...)
	errors = append(errors, c.validateDatabase()...)
	errors = append(errors, c.validateLLM()...)
	errors = append(errors, c.validateBroker()...)
	errors = append(errors, c.validatePipeline()...)
	errors = append(errors, c.validateWarRoom()...)
	errors = append(errors, c.validateRisk()...)
	errors = append(errors, c.validateShadow()...)
	errors = append(errors, c.validateLearning()...)
	errors = append(errors, c.validateEnvironmentRequirements()...)

	if len(errors) > 0 {
		return errors
	}

	return nil
}

func (c *Config) validateApp() ValidationErrors {
	var errors ValidationErrors

	if c.App.Name == "" {
		errors = append(errors, ValidationError{
			Field:   "app.name",
			Message: "Application name is required",
		})
	}

	validEnvs := []string{"development", "staging", "production"}
	valid := false
	for _, env := range validEnvs {
		if c.App.Environment == env {
			valid = true
			break
		}
	}
	if !valid {
		errors = append(errors, ValidationError{
			Field:   "app.environment",
			Message: fmt.Sprintf("Invalid environment '%s'. Must be one of: %v", c.App.Environment, validEnvs),
		})
	}

	if c.App.LogLevel == "" {
		errors = append(errors, ValidationError{
			Field:   "app.log_level",
			Message: "Log level is required (debug, info, warn, error)",
		})
	}

	return errors
}

func (c *Config) validateDatabase() ValidationErrors {
	var errors ValidationErrors

	if c.Database.Host == "" {
		errors = append(errors, ValidationError{
			Field:   "database.host",
			Message: "Database host is required",
		})
	}
	if c.Database.Port <= 0 || c.Database.Port > 65535 {
		errors = append(errors, ValidationError{
			Field:   "database.port",
			Message: fmt.Sprintf("Invalid database port %d", c.Database.Port),
		})
	}
	if c.Database.Database == "" {
		errors = append(errors, ValidationError{
			Field:   "database.database",
			Message: "Database name is required",
		})
	}
	if c.Database.PoolSize <= 0 {
		errors = append(errors, ValidationError{
			Field:   "database.pool_size",
			Message: "Database pool size must be positive",
		})
	}

	return errors
}

func (c *Config) validateLLM() ValidationErrors {
	var errors ValidationErrors

	if c.LLM.Endpoint == "" {
		errors = append(errors, ValidationError{
			Field:   "llm.endpoint",
			Message: "LLM endpoint is required",
		})
	}
	if c.LLM.RequestsPerMin <= 0 {
		errors = append(errors, ValidationError{
			Field:   "llm.requests_per_minute",
			Message: "LLM rate limit must be positive",
		})
	}
	if c.LLM.AgentTimeout <= 0 {
		errors = append(errors, ValidationError{
			Field:   "llm.agent_timeout",
			Message: "Agent timeout must be positive",
		})
	}
	if c.LLM.Temperature < 0 || c.LLM.Temperature > 2 {
		errors = append(errors, ValidationError{
			Field:   "llm.temperature",
			Message: fmt.Sprintf("Temperature %.2f out of range [0, 2]", c.LLM.Temperature),
		})
	}

	return errors
}

func (c *Config) validateBroker() ValidationErrors {
	var errors ValidationErrors

	if c.Broker.Kind != "paper" {
		errors = append(errors, ValidationError{
			Field:   "broker.kind",
			Message: fmt.Sprintf("Unknown broker kind '%s' (only 'paper' is bundled)", c.Broker.Kind),
		})
	}
	if c.Broker.RetryMax < 0 {
		errors = append(errors, ValidationError{
			Field:   "broker.retry_max",
			Message: "Broker retry count cannot be negative",
		})
	}
	if c.Broker.Slippage < 0 || c.Broker.Slippage > 0.05 {
		errors = append(errors, ValidationError{
			Field:   "broker.slippage",
			Message: fmt.Sprintf("Slippage %.4f out of range [0, 0.05]", c.Broker.Slippage),
		})
	}

	return errors
}

func (c *Config) validatePipeline() ValidationErrors {
	var errors ValidationErrors

	if c.Pipeline.BatchSize <= 0 {
		errors = append(errors, ValidationError{
			Field:   "pipeline.batch_size",
			Message: "Pipeline batch size must be positive",
		})
	}
	if c.Pipeline.MinConfidence < 0 || c.Pipeline.MinConfidence > 1 {
		errors = append(errors, ValidationError{
			Field:   "pipeline.min_confidence",
			Message: fmt.Sprintf("Minimum confidence %.2f out of range [0, 1]", c.Pipeline.MinConfidence),
		})
	}
	if c.Pipeline.MinImpact < 1 || c.Pipeline.MinImpact > 10 {
		errors = append(errors, ValidationError{
			Field:   "pipeline.min_impact",
			Message: fmt.Sprintf("Minimum impact %d out of range [1, 10]", c.Pipeline.MinImpact),
		})
	}

	return errors
}

func (c *Config) validateWarRoom() ValidationErrors {
	var errors ValidationErrors

	if _, err := PersonaByName(c.WarRoom.Persona); err != nil {
		errors = append(errors, ValidationError{
			Field:   "war_room.persona",
			Message: err.Error(),
		})
	}
	if len(c.WarRoom.Agents) < 2 {
		errors = append(errors, ValidationError{
			Field:   "war_room.agents",
			Message: "At least two agents are required for deliberation",
		})
	}
	if c.WarRoom.ConsensusFloor < 0 || c.WarRoom.ConsensusFloor > 1 {
		errors = append(errors, ValidationError{
			Field:   "war_room.consensus_floor",
			Message: fmt.Sprintf("Consensus floor %.2f out of range [0, 1]", c.WarRoom.ConsensusFloor),
		})
	}

	return errors
}

func (c *Config) validateRisk() ValidationErrors {
	var errors ValidationErrors

	inUnit := func(field string, v float64) {
		if v <= 0 || v > 1 {
			errors = append(errors, ValidationError{
				Field:   field,
				Message: fmt.Sprintf("Value %.4f out of range (0, 1]", v),
			})
		}
	}
	inUnit("risk.max_position_pct", c.Risk.MaxPositionPct)
	inUnit("risk.max_aggregate_risk", c.Risk.MaxAggregateRisk)
	inUnit("risk.account_risk_pct", c.Risk.AccountRiskPct)
	inUnit("risk.notional_cap_pct", c.Risk.NotionalCapPct)

	if c.Risk.MaxOpenPositions <= 0 {
		errors = append(errors, ValidationError{
			Field:   "risk.max_open_positions",
			Message: "Open position limit must be positive",
		})
	}
	if c.Risk.DailyLossFastPct >= 0 {
		errors = append(errors, ValidationError{
			Field:   "risk.daily_loss_fast_pct",
			Message: "Daily loss fast-track threshold must be negative",
		})
	}
	if c.Risk.VolMidThreshold >= c.Risk.VolHighThreshold {
		errors = append(errors, ValidationError{
			Field:   "risk.vol_mid_threshold",
			Message: "Mid volatility threshold must be below the high threshold",
		})
	}

	return errors
}

func (c *Config) validateShadow() ValidationErrors {
	var errors ValidationErrors

	if c.Shadow.InitialCash <= 0 {
		errors = append(errors, ValidationError{
			Field:   "shadow.initial_cash",
			Message: "Initial cash must be positive",
		})
	}
	if c.Shadow.DriftTolerance <= 0 || c.Shadow.DriftTolerance > 0.1 {
		errors = append(errors, ValidationError{
			Field:   "shadow.drift_tolerance",
			Message: fmt.Sprintf("Drift tolerance %.4f out of range (0, 0.1]", c.Shadow.DriftTolerance),
		})
	}

	return errors
}

func (c *Config) validateLearning() ValidationErrors {
	var errors ValidationErrors

	if c.Learning.MinSamples <= 0 {
		errors = append(errors, ValidationError{
			Field:   "learning.min_samples",
			Message: "Minimum sample count must be positive",
		})
	}
	if c.Learning.FloorWeight >= c.Learning.CeilingWeight {
		errors = append(errors, ValidationError{
			Field:   "learning.floor_weight",
			Message: "Weight floor must be below the ceiling",
		})
	}
	if c.Learning.Step <= 0 || c.Learning.Step > c.Learning.DailyCap {
		errors = append(errors, ValidationError{
			Field:   "learning.step",
			Message: "Adjustment step must be positive and within the daily cap",
		})
	}
	if c.Learning.LowNIA >= c.Learning.HighNIA {
		errors = append(errors, ValidationError{
			Field:   "learning.low_nia",
			Message: "Low NIA threshold must be below the high threshold",
		})
	}

	return errors
}

// validateEnvironmentRequirements enforces stricter rules outside development
func (c *Config) validateEnvironmentRequirements() ValidationErrors {
	var errors ValidationErrors

	if c.App.Environment == "development" {
		return errors
	}

	if c.Database.Password == "" {
		errors = append(errors, ValidationError{
			Field:   "database.password",
			Message: fmt.Sprintf("Database password is required in %s", c.App.Environment),
		})
	}
	if c.LLM.APIKey == "" {
		errors = append(errors, ValidationError{
			Field:   "llm.api_key",
			Message: fmt.Sprintf("LLM API key is required in %s", c.App.Environment),
		})
	}
	if c.Alerts.TelegramEnabled && c.Alerts.TelegramToken == "" {
		errors = append(errors, ValidationError{
			Field:   "alerts.telegram_token",
			Message: "Telegram alerts enabled but no token configured",
		})
	}

	errors = append(errors, ValidateProductionSecrets(c)...)

	return errors
}
