package llm

import (
	"testing"

	"github.com/Veraticus/the-books-must-balance/internal/common"
	"github.com/Veraticus/the-books-must-balance/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParsePhaseResponse(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		phase   model.Phase
		want    model.PhaseResult
		wantErr bool
	}{
		{
			name:  "plain object",
			raw:   `{"code":"50","confidence":0.82,"explanation_short":"Raw material","explanation_detail":"Nuts are an ingredient"}`,
			phase: model.PhaseFamily,
			want: model.PhaseResult{
				Phase: model.PhaseFamily, Code: "50", Confidence: 0.82,
				Short: "Raw material", Detail: "Nuts are an ingredient", Source: model.SourceLLM,
			},
		},
		{
			name:  "markdown fenced with alternatives",
			raw:   "```json\n{\"code\":\"502\",\"confidence\":0.7,\"explanation_short\":\"Purchases\",\"explanation_detail\":\"\",\"alternatives\":[{\"code\":\"501\",\"confidence\":0.2}]}\n```",
			phase: model.PhaseSubfamily,
			want: model.PhaseResult{
				Phase: model.PhaseSubfamily, Code: "502", Confidence: 0.7, Short: "Purchases",
				Source: model.SourceLLM, Alternatives: []model.Alternative{{Code: "501", Confidence: 0.2}},
			},
		},
		{
			name:  "broaden in account phase",
			raw:   `{"code":"BROADEN","confidence":0.1,"explanation_short":"none fit"}`,
			phase: model.PhaseAccount,
			want: model.PhaseResult{
				Phase: model.PhaseAccount, Code: BroadenCode, Confidence: 0.1, Short: "none fit", Source: model.SourceLLM,
			},
		},
		{name: "broaden outside account phase", raw: `{"code":"BROADEN","confidence":0.1,"explanation_short":"x"}`, phase: model.PhaseFamily, wantErr: true},
		{name: "confidence above one", raw: `{"code":"60","confidence":1.2,"explanation_short":"x"}`, phase: model.PhaseFamily, wantErr: true},
		{name: "negative confidence", raw: `{"code":"60","confidence":-0.1,"explanation_short":"x"}`, phase: model.PhaseFamily, wantErr: true},
		{name: "missing confidence", raw: `{"code":"60","explanation_short":"x"}`, phase: model.PhaseFamily, wantErr: true},
		{name: "missing code", raw: `{"confidence":0.5,"explanation_short":"x"}`, phase: model.PhaseFamily, wantErr: true},
		{name: "missing explanation", raw: `{"code":"60","confidence":0.5}`, phase: model.PhaseFamily, wantErr: true},
		{name: "unknown field", raw: `{"code":"60","confidence":0.5,"explanation_short":"x","category":"y"}`, phase: model.PhaseFamily, wantErr: true},
		{name: "alternative out of range", raw: `{"code":"60","confidence":0.5,"explanation_short":"x","alternatives":[{"code":"50","confidence":3}]}`, phase: model.PhaseFamily, wantErr: true},
		{name: "not json", raw: `The answer is 60`, phase: model.PhaseFamily, wantErr: true},
		{name: "string confidence", raw: `{"code":"60","confidence":"high","explanation_short":"x"}`, phase: model.PhaseFamily, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParsePhaseResponse(tt.raw, tt.phase)
			if tt.wantErr {
				require.Error(t, err)
				assert.ErrorIs(t, err, common.ErrMalformedResponse)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestCleanMarkdownWrapper(t *testing.T) {
	assert.Equal(t, `{"a":1}`, cleanMarkdownWrapper("```\n{\"a\":1}\n```"))
	assert.Equal(t, `{"a":1}`, cleanMarkdownWrapper("Sure! {\"a\":1} Hope that helps."))
	assert.Equal(t, "nothing", cleanMarkdownWrapper("nothing"))
}
