package executor

import (
	"testing"

	"github.com/docarena/docarena/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() *models.RunConfig {
	return &models.RunConfig{
		UserID: "u1",
		SourceDocs: []models.SourceDoc{
			{ID: "d1", Name: "Doc", Content: "text"},
		},
		Generators: []models.GeneratorKind{models.GeneratorTemplate},
		GeneratorModels: map[models.GeneratorKind][]string{
			models.GeneratorTemplate: {"m1"},
		},
		ModelSettings: map[string]models.ModelSettings{
			"m1": {Provider: "openai", Model: "m1", Temperature: 0.5, MaxTokens: 4096},
		},
		Instructions:          "write",
		Iterations:            1,
		EnableSingleEval:      true,
		EvalIterations:        1,
		EvalJudgeModels:       []string{"openai:j1"},
		EvalInstructions:      "score {document} {criteria}",
		EvalCriteria:          "criteria:\n  - factuality\n",
		GenerationConcurrency: 2,
		EvalConcurrency:       2,
		RequestTimeout:        60,
		LogLevel:              "INFO",
	}
}

func TestValidate_Valid(t *testing.T) {
	assert.NoError(t, Validate(validConfig()))
}

func TestValidate_Invalid(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*models.RunConfig)
		field  string
	}{
		{"nil source docs", func(c *models.RunConfig) { c.SourceDocs = nil }, "source_docs"},
		{"empty doc content", func(c *models.RunConfig) { c.SourceDocs[0].Content = "  " }, "source_docs"},
		{"duplicate doc ids", func(c *models.RunConfig) {
			c.SourceDocs = append(c.SourceDocs, models.SourceDoc{ID: "d1", Content: "x"})
		}, "source_docs"},
		{"no generators", func(c *models.RunConfig) { c.Generators = nil }, "generators"},
		{"unknown generator", func(c *models.RunConfig) { c.Generators = []models.GeneratorKind{"psychic"} }, "generators"},
		{"no models for generator", func(c *models.RunConfig) { c.GeneratorModels[models.GeneratorTemplate] = nil }, "generator_models"},
		{"missing model settings", func(c *models.RunConfig) { delete(c.ModelSettings, "m1") }, "model_settings"},
		{"missing provider", func(c *models.RunConfig) {
			s := c.ModelSettings["m1"]
			s.Provider = ""
			c.ModelSettings["m1"] = s
		}, "model_settings"},
		{"missing max tokens", func(c *models.RunConfig) {
			s := c.ModelSettings["m1"]
			s.MaxTokens = 0
			c.ModelSettings["m1"] = s
		}, "model_settings"},
		{"zero iterations", func(c *models.RunConfig) { c.Iterations = 0 }, "iterations"},
		{"single eval without judges", func(c *models.RunConfig) { c.EvalJudgeModels = nil }, "eval_judge_models"},
		{"single eval without instructions", func(c *models.RunConfig) { c.EvalInstructions = "" }, "eval_instructions"},
		{"eval without criteria", func(c *models.RunConfig) { c.EvalCriteria = "" }, "eval_criteria"},
		{"malformed criteria", func(c *models.RunConfig) { c.EvalCriteria = "criteria: {" }, "eval_criteria"},
		{"pairwise without instructions", func(c *models.RunConfig) {
			c.EnablePairwise = true
			c.PairwiseInstructions = ""
		}, "pairwise_instructions"},
		{"combine without models", func(c *models.RunConfig) {
			c.EnableCombine = true
			c.CombineModels = nil
			c.CombineInstructions = "merge"
			c.CombineMaxTokens = 1024
		}, "combine_models"},
		{"combine model without provider prefix", func(c *models.RunConfig) {
			c.EnableCombine = true
			c.CombineModels = []string{"bare-model"}
			c.CombineInstructions = "merge"
			c.CombineMaxTokens = 1024
		}, "combine_models"},
		{"combine without instructions", func(c *models.RunConfig) {
			c.EnableCombine = true
			c.CombineModels = []string{"openai:c1"}
			c.CombineMaxTokens = 1024
		}, "combine_instructions"},
		{"zero generation concurrency", func(c *models.RunConfig) { c.GenerationConcurrency = 0 }, "generation_concurrency"},
		{"zero eval concurrency", func(c *models.RunConfig) { c.EvalConcurrency = 0 }, "eval_concurrency"},
		{"zero request timeout", func(c *models.RunConfig) { c.RequestTimeout = 0 }, "request_timeout"},
		{"missing log level", func(c *models.RunConfig) { c.LogLevel = "" }, "log_level"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := validConfig()
			tt.mutate(config)

			err := Validate(config)
			require.Error(t, err)
			var cfgErr *ConfigError
			require.ErrorAs(t, err, &cfgErr)
			assert.Equal(t, tt.field, cfgErr.Field)
		})
	}
}

func TestValidate_SingleEvalDisabledNeedsNoJudges(t *testing.T) {
	config := validConfig()
	config.EnableSingleEval = false
	config.EvalIterations = 0
	config.EvalJudgeModels = nil
	config.EvalInstructions = ""
	config.EvalCriteria = ""
	assert.NoError(t, Validate(config))
}
