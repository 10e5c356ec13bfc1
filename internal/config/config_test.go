package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

var keys = []string{
	"LOG_LEVEL", "PORT", "MAX_QUESTION_LENGTH", "MAX_RETRIES", "CHECKPOINT_BACKEND", "STATE_TABLE",
	"CHECKPOINT_TTL", "AZURE_OPENAI_ENDPOINT", "AZURE_OPENAI_API_KEY", "PARAM_PREFIX",
	"AZURE_SEARCH_ENDPOINT", "AZURE_SEARCH_INDEX_NAME", "SCOPE_REGISTRY_TTL",
	"SHIPMENT_QNA_BOT_ALLOW_UNSAFE_SCOPE", "CONSIGNEE_SCOPE_REGISTRY_PARAM", "TRUST_IDENTITY_HEADER",
}

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range keys {
		t.Setenv(k, "")
	}
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)
	cfg := Load()
	require.Equal(t, "8080", cfg.Port)
	require.Equal(t, 1000, cfg.MaxQuestionLength)
	require.Equal(t, 2, cfg.MaxRetries)
	require.Equal(t, BackendDynamo, cfg.CheckpointBackend)
	require.Equal(t, 720*time.Hour, cfg.CheckpointTTL)
	require.Equal(t, 5*time.Minute, cfg.ScopeRegistryTTL)
	require.Equal(t, "consignee_code_ids", cfg.SearchScopeField)
	require.False(t, cfg.AllowUnsafeScope)
	require.False(t, cfg.TrustIdentityHeader)
}

func TestLoadOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("PORT", "9090")
	t.Setenv("MAX_RETRIES", "4")
	t.Setenv("CHECKPOINT_BACKEND", "Redis")
	t.Setenv("CHECKPOINT_TTL", "24h")
	t.Setenv("PARAM_PREFIX", "/shipment-qna/")
	t.Setenv("SHIPMENT_QNA_BOT_ALLOW_UNSAFE_SCOPE", "true")
	t.Setenv("TRUST_IDENTITY_HEADER", "true")
	t.Setenv("MAX_QUESTION_LENGTH", "not-a-number")

	cfg := Load()
	require.Equal(t, "9090", cfg.Port)
	require.Equal(t, 4, cfg.MaxRetries)
	require.Equal(t, BackendRedis, cfg.CheckpointBackend)
	require.Equal(t, 24*time.Hour, cfg.CheckpointTTL)
	require.Equal(t, "/shipment-qna", cfg.ParamPrefix)
	require.True(t, cfg.AllowUnsafeScope)
	require.True(t, cfg.TrustIdentityHeader)
	require.Equal(t, 1000, cfg.MaxQuestionLength)
	require.True(t, cfg.NeedsParamStore())
}

func TestValidate(t *testing.T) {
	clearEnv(t)
	err := Load().Validate()
	require.Error(t, err)
	require.ErrorContains(t, err, "STATE_TABLE")
	require.ErrorContains(t, err, "AZURE_OPENAI_ENDPOINT")
	require.ErrorContains(t, err, "AZURE_SEARCH_ENDPOINT")

	t.Setenv("STATE_TABLE", "state")
	t.Setenv("AZURE_OPENAI_ENDPOINT", "https://example.openai.azure.com")
	t.Setenv("AZURE_OPENAI_API_KEY", "k")
	t.Setenv("AZURE_SEARCH_ENDPOINT", "https://example.search.windows.net")
	t.Setenv("AZURE_SEARCH_INDEX_NAME", "shipments")
	require.NoError(t, Load().Validate())
}
