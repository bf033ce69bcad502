package persona

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeRecord_DistinguishesKinds(t *testing.T) {
	tests := []struct {
		name      string
		record    string
		wantMicro bool
	}{
		{
			name:   "persona",
			record: `{"id":"coder","name":"Coder","systemPromptTemplate":"p","capabilities":["CODE_GENERATION"]}`,
		},
		{
			name:      "micro by fragment",
			record:    `{"id":"micro-1","name":"m","promptFragment":"x"}`,
			wantMicro: true,
		},
		{
			name:      "micro by parent",
			record:    `{"id":"micro-2","name":"m","parentPersonaId":"coder"}`,
			wantMicro: true,
		},
		{
			name:      "micro by traits",
			record:    `{"id":"micro-3","name":"m","microTraits":["terse"]}`,
			wantMicro: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e, err := DecodeRecord([]byte(tt.record))
			require.NoError(t, err)
			if tt.wantMicro {
				require.NotNil(t, e.Micro)
				assert.Nil(t, e.Persona)
			} else {
				require.NotNil(t, e.Persona)
				assert.Nil(t, e.Micro)
			}
		})
	}
}

func TestDecodeRecord_NormalizesCapabilities(t *testing.T) {
	e, err := DecodeRecord([]byte(`{"id":"coder","name":"Coder","systemPromptTemplate":"p","capabilities":["CODE_GENERATION"]}`))
	require.NoError(t, err)
	assert.Equal(t, []Capability{CapCodeGeneration}, e.Persona.Capabilities)
	assert.NoError(t, e.Validate())
}

func TestDecodeRecord_Malformed(t *testing.T) {
	for _, rec := range []string{`not json`, `{"name":"no id"}`, `[]`} {
		_, err := DecodeRecord([]byte(rec))
		assert.ErrorIs(t, err, ErrMalformedRecord, rec)
	}
}

func TestEncodeRecord_RoundTripsMicro(t *testing.T) {
	micro := MicroDefinition{ID: "micro-1", ParentPersonaID: "coder", Name: "m", PromptFragment: "x"}

	data, err := EncodeRecord(Entity{Micro: &micro})
	require.NoError(t, err)

	e, err := DecodeRecord(data)
	require.NoError(t, err)
	require.NotNil(t, e.Micro)
	assert.Equal(t, "micro-1", e.ID())
	assert.Equal(t, "coder", e.Micro.ParentPersonaID)
}
