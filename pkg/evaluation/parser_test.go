package evaluation

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseJSONObject(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    map[string]any
		wantErr bool
	}{
		{
			name:  "raw object",
			input: `{"winner": "A", "reason": "clearer"}`,
			want:  map[string]any{"winner": "A", "reason": "clearer"},
		},
		{
			name:  "fenced json block",
			input: "Here is my verdict:\n```json\n{\"winner\": \"B\"}\n```\nDone.",
			want:  map[string]any{"winner": "B"},
		},
		{
			name:  "fenced block without tag",
			input: "```\n{\"winner\": \"A\"}\n```",
			want:  map[string]any{"winner": "A"},
		},
		{
			name:  "object embedded in prose",
			input: `After careful consideration {"winner": "A", "reason": "covers {nested} braces"} is my answer`,
			want:  map[string]any{"winner": "A", "reason": "covers {nested} braces"},
		},
		{
			name:  "braces inside string literals",
			input: `{"reason": "uses } and { inside", "winner": "B"}`,
			want:  map[string]any{"reason": "uses } and { inside", "winner": "B"},
		},
		{
			name:    "empty input",
			input:   "   ",
			wantErr: true,
		},
		{
			name:    "no json at all",
			input:   "I cannot decide between these documents.",
			wantErr: true,
		},
		{
			name:    "unbalanced object",
			input:   `{"winner": "A"`,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseJSONObject(tt.input)
			if tt.wantErr {
				require.Error(t, err)
				var perr *ParseError
				require.ErrorAs(t, err, &perr, "parse failures must be structured errors")
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseJSONObject_PrefersJSONTaggedFence(t *testing.T) {
	input := "```text\nnot json\n```\n```json\n{\"winner\": \"A\"}\n```"
	got, err := ParseJSONObject(input)
	require.NoError(t, err)
	assert.Equal(t, "A", got["winner"])
}

func TestFirstBalanced(t *testing.T) {
	assert.Equal(t, `{"a":1}`, firstBalanced(`junk {"a":1} junk`, '{', '}'))
	assert.Equal(t, "", firstBalanced("no braces here", '{', '}'))
	assert.Equal(t, `{"a":{"b":2}}`, firstBalanced(`{"a":{"b":2}} {"c":3}`, '{', '}'))
}
