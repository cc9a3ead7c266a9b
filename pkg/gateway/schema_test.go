package gateway

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChatSendSchema(t *testing.T) {
	schema, err := compileParamSchema(chatSendSchemaJSON)
	require.NoError(t, err)

	tests := []struct {
		name    string
		params  map[string]interface{}
		wantErr bool
	}{
		{
			name:   "prompt only",
			params: map[string]interface{}{"prompt": "hello"},
		},
		{
			name:   "prompt with session key",
			params: map[string]interface{}{"prompt": "hello", "sessionKey": "sess-1"},
		},
		{
			name:    "missing prompt",
			params:  map[string]interface{}{"sessionKey": "sess-1"},
			wantErr: true,
		},
		{
			name:    "empty prompt",
			params:  map[string]interface{}{"prompt": ""},
			wantErr: true,
		},
		{
			name:    "prompt of wrong type",
			params:  map[string]interface{}{"prompt": 42},
			wantErr: true,
		},
		{
			name:    "unknown parameter",
			params:  map[string]interface{}{"prompt": "hello", "model": "other"},
			wantErr: true,
		},
		{
			name:    "nil params",
			params:  nil,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := schema.validate(tt.params)
			if !tt.wantErr {
				assert.NoError(t, err)
				return
			}

			require.Error(t, err)
			rpcErr, ok := err.(*RPCError)
			require.True(t, ok, "schema violations surface as RPC errors")
			assert.Equal(t, InvalidParams, rpcErr.Code)
		})
	}
}
