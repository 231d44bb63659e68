package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	internal "github.com/ZanzyTHEbar/tars-case/tars"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
)

// ConfigTestSuite tests the config package functionality
type ConfigTestSuite struct {
	suite.Suite
	tempDir string
	origDir string
}

func TestConfigSuite(t *testing.T) {
	suite.Run(t, new(ConfigTestSuite))
}

func (suite *ConfigTestSuite) SetupTest() {
	var err error
	suite.origDir, err = os.Getwd()
	require.NoError(suite.T(), err)

	suite.tempDir = suite.T().TempDir()
	require.NoError(suite.T(), os.Chdir(suite.tempDir))
}

func (suite *ConfigTestSuite) TearDownTest() {
	if suite.origDir != "" {
		_ = os.Chdir(suite.origDir)
	}
}

func (suite *ConfigTestSuite) writeConfig(content string) string {
	path := filepath.Join(suite.tempDir, "config.yaml")
	require.NoError(suite.T(), os.WriteFile(path, []byte(content), 0o644))
	return path
}

func (suite *ConfigTestSuite) TestLoadConfigWithDefaults() {
	cfg, err := LoadConfig("")
	require.NoError(suite.T(), err)
	require.NotNil(suite.T(), cfg)

	assert.Equal(suite.T(), internal.DefaultDatabaseDSN, cfg.Database.DSN)
	assert.Equal(suite.T(), "libsql", cfg.Store.Backend)
	assert.Equal(suite.T(), "gpt-4-1106-preview", cfg.LLM.Model)
	assert.Equal(suite.T(), 4096, cfg.LLM.MaxTokens)
	assert.InDelta(suite.T(), 0.7, cfg.LLM.Temperature, 1e-6)
	assert.Equal(suite.T(), 1536, cfg.Embedding.Dims)
	assert.InDelta(suite.T(), 0.78, cfg.Conversation.MatchThreshold, 1e-9)
	assert.Equal(suite.T(), 5, cfg.Conversation.MatchCount)
	assert.Equal(suite.T(), 0, cfg.Conversation.MaxTurns)
	assert.Equal(suite.T(), internal.DefaultSeedPrompt, cfg.Conversation.SeedPrompt)
	assert.Equal(suite.T(), 0, cfg.Harness.RetryCount)
	assert.Equal(suite.T(), "match_tars_logs", cfg.Store.Supabase.MatchTarsFunction)
	assert.Equal(suite.T(), "match_case_logs", cfg.Store.Supabase.MatchCaseFunction)
	assert.Equal(suite.T(), int64(50<<20), cfg.Server.BodyLimitBytes)
	assert.Equal(suite.T(), 10*time.Minute, cfg.Server.RateLimitWindow)
	assert.False(suite.T(), cfg.Server.RateLimitEnabled)
}

func (suite *ConfigTestSuite) TestLoadConfigWithFile() {
	path := suite.writeConfig(`
store:
  backend: memory
conversation:
  max_turns: 4
  turn_timeout: 90s
  task: "mapping the AGI research landscape"
llm:
  model: gpt-4o
  temperature: 0.2
`)

	cfg, err := LoadConfig(path)
	require.NoError(suite.T(), err)

	assert.Equal(suite.T(), "memory", cfg.Store.Backend)
	assert.Equal(suite.T(), 4, cfg.Conversation.MaxTurns)
	assert.Equal(suite.T(), 90*time.Second, cfg.Conversation.TurnTimeout)
	assert.Equal(suite.T(), "mapping the AGI research landscape", cfg.Conversation.Task)
	assert.Equal(suite.T(), "gpt-4o", cfg.LLM.Model)
	assert.InDelta(suite.T(), 0.2, cfg.LLM.Temperature, 1e-6)
	// untouched keys keep defaults
	assert.Equal(suite.T(), 5, cfg.Conversation.MatchCount)
}

func (suite *ConfigTestSuite) TestLoadConfigInvalidFile() {
	cfg, err := LoadConfig("/nonexistent/path/config.yaml")
	assert.Error(suite.T(), err)
	assert.Nil(suite.T(), cfg)
}

func (suite *ConfigTestSuite) TestLoadConfigMalformedFile() {
	path := suite.writeConfig("conversation:\n  max_turns: [unclosed\n")
	cfg, err := LoadConfig(path)
	assert.Error(suite.T(), err)
	assert.Nil(suite.T(), cfg)
}

func (suite *ConfigTestSuite) TestEnvironmentOverrides() {
	suite.T().Setenv("OPENAI_API_KEY", "sk-test")
	suite.T().Setenv("SUPABASE_URL", "https://example.supabase.co")
	suite.T().Setenv("SUPABASE_API_KEY", "service-key")
	suite.T().Setenv("STORE_BACKEND", "supabase")
	suite.T().Setenv("CONVERSATION_MATCH_COUNT", "9")

	cfg, err := LoadConfig("")
	require.NoError(suite.T(), err)

	assert.Equal(suite.T(), "sk-test", cfg.OpenAI.APIKey)
	assert.Equal(suite.T(), "https://example.supabase.co", cfg.Store.Supabase.URL)
	assert.Equal(suite.T(), "service-key", cfg.Store.Supabase.APIKey)
	assert.Equal(suite.T(), "supabase", cfg.Store.Backend)
	assert.Equal(suite.T(), 9, cfg.Conversation.MatchCount)
}

func (suite *ConfigTestSuite) TestDotEnvFileIsRead() {
	require.NoError(suite.T(), os.WriteFile(filepath.Join(suite.tempDir, ".env"), []byte("CONVERSATION_MAX_TURNS=3\n"), 0o644))
	suite.T().Cleanup(func() { _ = os.Unsetenv("CONVERSATION_MAX_TURNS") })

	cfg, err := LoadConfig("")
	require.NoError(suite.T(), err)
	assert.Equal(suite.T(), 3, cfg.Conversation.MaxTurns)
}

func (suite *ConfigTestSuite) TestSupabaseBackendRequiresCredentials() {
	path := suite.writeConfig("store:\n  backend: supabase\n")
	cfg, err := LoadConfig(path)
	require.Error(suite.T(), err)
	assert.Nil(suite.T(), cfg)
	assert.Contains(suite.T(), err.Error(), "store.supabase.url")
}

func (suite *ConfigTestSuite) TestValidationRejectsBadValues() {
	path := suite.writeConfig("conversation:\n  match_threshold: 1.5\n")
	_, err := LoadConfig(path)
	require.Error(suite.T(), err)
	assert.Contains(suite.T(), err.Error(), "MatchThreshold")

	path = suite.writeConfig("store:\n  backend: postgres\n")
	_, err = LoadConfig(path)
	require.Error(suite.T(), err)
}

func (suite *ConfigTestSuite) TestFlagsOverrideFile() {
	path := suite.writeConfig("conversation:\n  max_turns: 4\n")

	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	flags.Int("conversation.max_turns", 0, "")
	require.NoError(suite.T(), flags.Parse([]string{"--conversation.max_turns=12"}))

	loader := NewLoader()
	require.NoError(suite.T(), loader.BindFlags(flags))
	cfg, err := loader.Load(path)
	require.NoError(suite.T(), err)
	assert.Equal(suite.T(), 12, cfg.Conversation.MaxTurns)
}

func (suite *ConfigTestSuite) TestUnsetFlagDoesNotOverrideFile() {
	path := suite.writeConfig("conversation:\n  max_turns: 4\n")

	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	flags.Int("conversation.max_turns", 0, "")
	require.NoError(suite.T(), flags.Parse(nil))

	loader := NewLoader()
	require.NoError(suite.T(), loader.BindFlags(flags))
	cfg, err := loader.Load(path)
	require.NoError(suite.T(), err)
	assert.Equal(suite.T(), 4, cfg.Conversation.MaxTurns)
}
