package forge

import (
	"fmt"
	"strings"
)

// ValidationError reports a response that lacked the mandatory grounding or
// reasoning signals. Carries enough structure for intelligent retry decisions
// and for the child process exit-code mapping.
type ValidationError struct {
	Message          string
	MissingGrounding bool
	MissingReasoning bool
}

func (e *ValidationError) Error() string { return e.Message }

// Category classifies the failure for logging and artifacts.
func (e *ValidationError) Category() string {
	switch {
	case e.MissingGrounding && e.MissingReasoning:
		return "validation_both"
	case e.MissingGrounding:
		return "validation_grounding"
	case e.MissingReasoning:
		return "validation_reasoning"
	}
	return "validation_unknown"
}

// DetectGrounding reports whether the payload carries evidence that
// provider-side retrieval happened. The checks are an OR across provider
// families: any single hit passes.
func DetectGrounding(raw map[string]any, rc *RunContext) bool {
	if raw == nil {
		return false
	}

	// Anthropic-style content blocks with tool use or search results.
	if blocks, ok := raw["content"].([]any); ok {
		for i, b := range blocks {
			bm, ok := b.(map[string]any)
			if !ok {
				continue
			}
			btype, _ := bm["type"].(string)
			name, _ := bm["name"].(string)
			hasTool := btype == "tool_use" || btype == "server_tool_use" || btype == "web_search_tool_result"
			hasWebName := strings.Contains(strings.ToLower(name), "web_search")
			_, hasResults := bm["results"].([]any)
			if !hasResults {
				_, hasResults = bm["search_results"].([]any)
			}
			rc.logCheck("grounding", fmt.Sprintf("content[%d]", i), hasTool || hasWebName || hasResults,
				map[string]any{"type": btype, "name": name})
			if hasTool || hasWebName || hasResults {
				return true
			}
		}
	}

	// Direct tool-call evidence.
	if tc, ok := raw["tool_calls"].([]any); ok && len(tc) > 0 {
		rc.logCheck("grounding", "tool_calls", true, map[string]any{"count": len(tc)})
		return true
	}
	if choices, ok := raw["choices"].([]any); ok {
		for _, c := range choices {
			cm, _ := c.(map[string]any)
			msg, _ := cm["message"].(map[string]any)
			if tc, ok := msg["tool_calls"].([]any); ok && len(tc) > 0 {
				rc.logCheck("grounding", "choices.message.tool_calls", true, map[string]any{"count": len(tc)})
				return true
			}
			if anns, ok := msg["annotations"].([]any); ok && annotationsCiteURL(anns) {
				rc.logCheck("grounding", "choices.message.annotations", true, nil)
				return true
			}
		}
	}

	// Output blocks containing URLs, citations, or named sources.
	for _, key := range []string{"output", "outputs"} {
		if out, ok := raw[key].([]any); ok && scanBlocksForCitations(out) {
			rc.logCheck("grounding", key+" citations", true, nil)
			return true
		}
	}

	// Google family: groundingMetadata / citationMetadata on a candidate.
	if candidates, ok := raw["candidates"].([]any); ok {
		for i, c := range candidates {
			cm, _ := c.(map[string]any)
			if gm, ok := cm["groundingMetadata"].(map[string]any); ok && groundingMetadataPresent(gm) {
				rc.logCheck("grounding", fmt.Sprintf("candidates[%d].groundingMetadata", i), true, nil)
				return true
			}
			if content, ok := cm["content"].(map[string]any); ok {
				if parts, ok := content["parts"].([]any); ok {
					for _, p := range parts {
						pm, _ := p.(map[string]any)
						if _, ok := pm["citationMetadata"]; ok {
							rc.logCheck("grounding", "candidates.parts.citationMetadata", true, nil)
							return true
						}
					}
				}
			}
		}
	}

	// Search-tool providers returning a flat sources array.
	if sources, ok := raw["sources"].([]any); ok {
		for _, s := range sources {
			sm, _ := s.(map[string]any)
			_, hasURL := sm["url"]
			_, hasTitle := sm["title"]
			if hasURL || hasTitle {
				rc.logCheck("grounding", "sources", true, map[string]any{"count": len(sources)})
				return true
			}
		}
	}

	rc.logCheck("grounding", "all_checks", false, map[string]any{"top_level_keys": topKeys(raw)})
	return false
}

// DetectReasoning reports whether the payload carries model rationale. The
// provider-specific extractor runs first; a generic sweep over known
// reasoning fields runs as fallback.
func DetectReasoning(raw map[string]any, provider Provider, rc *RunContext) bool {
	if raw == nil {
		return false
	}
	if provider != nil {
		if r := provider.ExtractReasoning(raw); strings.TrimSpace(r) != "" {
			rc.logCheck("reasoning", "provider_extractor", true, map[string]any{"provider": provider.Name()})
			return true
		}
	}
	if r := extractReasoningGeneric(raw); strings.TrimSpace(r) != "" {
		rc.logCheck("reasoning", "generic_extractor", true, nil)
		return true
	}
	rc.logCheck("reasoning", "all_checks", false, map[string]any{"top_level_keys": topKeys(raw)})
	return false
}

// AssertGroundingAndReasoning validates both signals and returns a
// ValidationError naming what is missing.
func AssertGroundingAndReasoning(raw map[string]any, provider Provider, rc *RunContext) error {
	g := DetectGrounding(raw, rc)
	r := DetectReasoning(raw, provider, rc)
	if g && r {
		return nil
	}
	var missing []string
	if !g {
		missing = append(missing, "grounding")
	}
	if !r {
		missing = append(missing, "reasoning")
	}
	return &ValidationError{
		Message:          fmt.Sprintf("response validation failed: missing %s", strings.Join(missing, " and ")),
		MissingGrounding: !g,
		MissingReasoning: !r,
	}
}

// extractReasoningGeneric sweeps provider-agnostic reasoning shapes: a
// top-level or message-level reasoning field, or reasoning-typed content
// blocks.
func extractReasoningGeneric(raw map[string]any) string {
	if r, ok := raw["reasoning"].(string); ok {
		return r
	}
	if choices, ok := raw["choices"].([]any); ok {
		for _, c := range choices {
			cm, _ := c.(map[string]any)
			msg, _ := cm["message"].(map[string]any)
			for _, key := range []string{"reasoning", "reasoning_content"} {
				if r, ok := msg[key].(string); ok && r != "" {
					return r
				}
			}
		}
	}
	if blocks, ok := raw["content"].([]any); ok {
		for _, b := range blocks {
			bm, _ := b.(map[string]any)
			btype, _ := bm["type"].(string)
			if btype == "thinking" || btype == "reasoning" {
				for _, key := range []string{"thinking", "reasoning", "text"} {
					if r, ok := bm[key].(string); ok && r != "" {
						return r
					}
				}
			}
		}
	}
	if out, ok := raw["output"].([]any); ok {
		for _, item := range out {
			im, _ := item.(map[string]any)
			if im["type"] == "reasoning" {
				if summary, ok := im["summary"].([]any); ok && len(summary) > 0 {
					if sm, ok := summary[0].(map[string]any); ok {
						if text, ok := sm["text"].(string); ok {
							return text
						}
					}
				}
			}
		}
	}
	return ""
}

func groundingMetadataPresent(gm map[string]any) bool {
	for _, key := range []string{"webSearchQueries", "groundingSupports", "groundingChunks"} {
		if v, ok := gm[key].([]any); ok && len(v) > 0 {
			return true
		}
	}
	if _, ok := gm["searchEntryPoint"]; ok {
		return true
	}
	if _, ok := gm["retrievalMetadata"]; ok {
		return true
	}
	return false
}

func scanBlocksForCitations(blocks []any) bool {
	for _, b := range blocks {
		bm, ok := b.(map[string]any)
		if !ok {
			continue
		}
		content, _ := bm["content"].([]any)
		if content == nil {
			content, _ = bm["contents"].([]any)
		}
		for _, c := range content {
			cm, ok := c.(map[string]any)
			if !ok {
				continue
			}
			if anns, ok := cm["annotations"].([]any); ok && annotationsCiteURL(anns) {
				return true
			}
			for _, key := range []string{"url", "uri", "citation", "citations", "source", "sources"} {
				if _, ok := cm[key]; ok {
					return true
				}
			}
		}
	}
	return false
}

func annotationsCiteURL(anns []any) bool {
	for _, a := range anns {
		am, ok := a.(map[string]any)
		if !ok {
			continue
		}
		atype, _ := am["type"].(string)
		if strings.Contains(atype, "citation") {
			return true
		}
		if _, ok := am["url"]; ok {
			return true
		}
		if uc, ok := am["url_citation"].(map[string]any); ok && uc != nil {
			return true
		}
	}
	return false
}

func topKeys(raw map[string]any) []string {
	keys := make([]string, 0, len(raw))
	for k := range raw {
		keys = append(keys, k)
	}
	return keys
}
