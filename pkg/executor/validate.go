package executor

import (
	"fmt"
	"strings"

	"github.com/docarena/docarena/pkg/evaluation"
	"github.com/docarena/docarena/pkg/models"
)

// ConfigError reports an invalid RunConfig. Raised synchronously before any
// work is scheduled.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid run config: %s: %s", e.Field, e.Reason)
}

func configErr(field, reason string) *ConfigError {
	return &ConfigError{Field: field, Reason: reason}
}

// Validate checks every enforced RunConfig field. There are no silent
// defaults: anything the run needs must be present and in range.
func Validate(config *models.RunConfig) error {
	if config == nil {
		return configErr("config", "missing")
	}

	if len(config.SourceDocs) == 0 {
		return configErr("source_docs", "at least one source document required")
	}
	seen := make(map[string]bool)
	for _, doc := range config.SourceDocs {
		if doc.ID == "" {
			return configErr("source_docs", "document missing id")
		}
		if strings.TrimSpace(doc.Content) == "" {
			return configErr("source_docs", fmt.Sprintf("document %s has empty content", doc.ID))
		}
		if seen[doc.ID] {
			return configErr("source_docs", fmt.Sprintf("duplicate document id %s", doc.ID))
		}
		seen[doc.ID] = true
	}

	if len(config.Generators) == 0 {
		return configErr("generators", "at least one generator required")
	}
	for _, g := range config.Generators {
		switch g {
		case models.GeneratorTemplate, models.GeneratorResearcher, models.GeneratorDeepResearcher:
		default:
			return configErr("generators", fmt.Sprintf("unknown generator %q", g))
		}
		modelKeys := config.ModelsFor(g)
		if len(modelKeys) == 0 {
			return configErr("generator_models", fmt.Sprintf("no models configured for generator %s", g))
		}
		for _, key := range modelKeys {
			settings, ok := config.ModelSettings[key]
			if !ok {
				return configErr("model_settings", fmt.Sprintf("missing settings for model %s", key))
			}
			if settings.Provider == "" {
				return configErr("model_settings", fmt.Sprintf("provider not set for model %s", key))
			}
			if settings.MaxTokens < 1 {
				return configErr("model_settings", fmt.Sprintf("max_tokens missing for model %s", key))
			}
			if settings.Temperature < 0 || settings.Temperature > 2 {
				return configErr("model_settings", fmt.Sprintf("temperature out of range for model %s", key))
			}
		}
	}

	if config.Iterations < 1 {
		return configErr("iterations", "must be >= 1")
	}

	if config.EnableSingleEval {
		if config.EvalIterations < 0 {
			return configErr("eval_iterations", "must be >= 0")
		}
		if config.EvalIterations > 0 {
			if len(config.EvalJudgeModels) == 0 {
				return configErr("eval_judge_models", "single eval enabled but no judge models configured")
			}
			if strings.TrimSpace(config.EvalInstructions) == "" {
				return configErr("eval_instructions", "single eval enabled but no evaluation instructions provided")
			}
		}
	}

	if config.EnablePairwise {
		if len(config.EvalJudgeModels) == 0 {
			return configErr("eval_judge_models", "pairwise enabled but no judge models configured")
		}
		if strings.TrimSpace(config.PairwiseInstructions) == "" {
			return configErr("pairwise_instructions", "pairwise enabled but no pairwise instructions provided")
		}
		if config.EvalIterations < 1 {
			return configErr("eval_iterations", "pairwise enabled requires eval_iterations >= 1")
		}
	}

	if (config.EnableSingleEval || config.EnablePairwise) && config.EvalCriteria != "" {
		if _, err := evaluation.ParseCriteria(config.EvalCriteria); err != nil {
			return configErr("eval_criteria", err.Error())
		}
	}
	if (config.EnableSingleEval && config.EvalIterations > 0) || config.EnablePairwise {
		if strings.TrimSpace(config.EvalCriteria) == "" {
			return configErr("eval_criteria", "evaluation enabled but no criteria rubric provided")
		}
	}

	if config.EnableCombine {
		if len(config.CombineModels) == 0 {
			return configErr("combine_models", "combine enabled but no combine models configured")
		}
		for _, m := range config.CombineModels {
			if !strings.Contains(m, ":") {
				return configErr("combine_models", fmt.Sprintf("combine model %q must be provider:model", m))
			}
		}
		if strings.TrimSpace(config.CombineInstructions) == "" {
			return configErr("combine_instructions", "combine enabled but no combine instructions provided")
		}
		if config.CombineMaxTokens < 1 {
			return configErr("combine_max_tokens", "must be >= 1")
		}
	}

	if config.GenerationConcurrency < 1 {
		return configErr("generation_concurrency", "must be >= 1")
	}
	if config.EvalConcurrency < 1 {
		return configErr("eval_concurrency", "must be >= 1")
	}
	if config.RequestTimeout < 1 {
		return configErr("request_timeout", "must be >= 1 second")
	}
	if config.LogLevel == "" {
		return configErr("log_level", "missing")
	}
	return nil
}
