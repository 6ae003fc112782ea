package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

type ProviderConfig struct {
	BaseURL    string `json:"base_url"`
	Model      string `json:"model"`
	APIKey     string `json:"api_key"`
	TimeoutMS  int    `json:"timeout_ms"`
	MaxRetries int    `json:"max_retries"`
}

type ReasoningConfig struct {
	// MaxAttempts 单次解释/规划允许的推理服务调用次数（结构不合法时重试一次）。
	// MaxAttempts caps reasoning calls per interpret/plan request (one retry on an invalid payload).
	MaxAttempts     int `json:"max_attempts"`
	TimeoutMS       int `json:"timeout_ms"`
	MaxPromptTokens int `json:"max_prompt_tokens"`
}

type SelectorConfig struct {
	// Threshold 自动选择的默认置信度下限；PerAction 可按 backend action 覆盖。
	// Threshold is the default confidence floor for auto-selection; PerAction overrides it per backend action.
	Threshold      float64            `json:"threshold"`
	PerAction      map[string]float64 `json:"per_action"`
	ClarifyOptions int                `json:"clarify_options"`
}

type ExecutorConfig struct {
	StepTimeoutMS          int `json:"step_timeout_ms"`
	MaxConsecutiveFailures int `json:"max_consecutive_failures"`
	ProgressBuffer         int `json:"progress_buffer"`
}

type StorageConfig struct {
	BaseDir string `json:"base_dir"`
}

type LoggingConfig struct {
	Level string `json:"level"`
	Debug bool   `json:"debug"`
}

type Config struct {
	Provider  ProviderConfig  `json:"provider"`
	Reasoning ReasoningConfig `json:"reasoning"`
	Selector  SelectorConfig  `json:"selector"`
	Executor  ExecutorConfig  `json:"executor"`
	Storage   StorageConfig   `json:"storage"`
	Logging   LoggingConfig   `json:"logging"`
}

type fileReasoningConfig struct {
	MaxAttempts     *int `json:"max_attempts"`
	TimeoutMS       *int `json:"timeout_ms"`
	MaxPromptTokens *int `json:"max_prompt_tokens"`
}

type fileSelectorConfig struct {
	Threshold      *float64            `json:"threshold"`
	PerAction      *map[string]float64 `json:"per_action"`
	ClarifyOptions *int                `json:"clarify_options"`
}

type fileExecutorConfig struct {
	StepTimeoutMS          *int `json:"step_timeout_ms"`
	MaxConsecutiveFailures *int `json:"max_consecutive_failures"`
	ProgressBuffer         *int `json:"progress_buffer"`
}

type fileLoggingConfig struct {
	Level *string `json:"level"`
	Debug *bool   `json:"debug"`
}

type fileConfig struct {
	Provider  *ProviderConfig      `json:"provider"`
	Reasoning *fileReasoningConfig `json:"reasoning"`
	Selector  *fileSelectorConfig  `json:"selector"`
	Executor  *fileExecutorConfig  `json:"executor"`
	Storage   *StorageConfig       `json:"storage"`
	Logging   *fileLoggingConfig   `json:"logging"`
}

func Default() Config {
	return Config{
		Provider: ProviderConfig{
			BaseURL:    "https://api.openai.com/v1",
			Model:      "gpt-4o-mini",
			TimeoutMS:  60000,
			MaxRetries: 3,
		},
		Reasoning: ReasoningConfig{
			MaxAttempts:     2,
			TimeoutMS:       45000,
			MaxPromptTokens: 6000,
		},
		Selector: SelectorConfig{
			Threshold:      0.75,
			ClarifyOptions: 3,
		},
		Executor: ExecutorConfig{
			StepTimeoutMS:          30000,
			MaxConsecutiveFailures: 3,
			ProgressBuffer:         32,
		},
		Storage: StorageConfig{
			BaseDir: "~/.deckpilot",
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load 按 全局配置 → 项目配置 → 环境变量 的顺序叠加配置。
// Load layers configuration: global config file, then project config file, then env overrides.
func Load(path string) (Config, error) {
	cfg := Default()

	for _, globalPath := range globalConfigPaths() {
		if err := mergeFromFile(&cfg, globalPath); err != nil {
			return Config{}, err
		}
	}

	resolvedPath := strings.TrimSpace(path)
	if envPath := strings.TrimSpace(os.Getenv("DECKPILOT_CONFIG_PATH")); envPath != "" {
		resolvedPath = envPath
	}
	if resolvedPath == "" {
		resolvedPath = findProjectConfigPath()
	}
	if err := mergeFromFile(&cfg, resolvedPath); err != nil {
		return Config{}, err
	}

	if err := normalize(&cfg); err != nil {
		return Config{}, err
	}
	return applyEnv(cfg)
}

func globalConfigPaths() []string {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil
	}
	return []string{filepath.Join(home, ".deckpilot", "config.json")}
}

func findProjectConfigPath() string {
	candidates := []string{
		"deckpilot.config.json",
		".deckpilot/config.json",
	}
	for _, c := range candidates {
		if _, err := os.Stat(c); err == nil {
			return c
		}
	}
	return ""
}

func mergeFromFile(cfg *Config, path string) error {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil
	}

	resolved, err := expandPath(path)
	if err != nil {
		return fmt.Errorf("expand config path %q: %w", path, err)
	}

	data, err := os.ReadFile(resolved)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read config %q: %w", resolved, err)
	}

	cleaned := stripJSONComments(data)
	var fileCfg fileConfig
	if err := json.Unmarshal(cleaned, &fileCfg); err != nil {
		return fmt.Errorf("parse config %q: %w", resolved, err)
	}
	applyFileConfig(cfg, fileCfg)
	return nil
}

func applyFileConfig(cfg *Config, fc fileConfig) {
	if fc.Provider != nil {
		cfg.Provider = mergeProvider(cfg.Provider, *fc.Provider)
	}
	if fc.Reasoning != nil {
		if fc.Reasoning.MaxAttempts != nil {
			cfg.Reasoning.MaxAttempts = *fc.Reasoning.MaxAttempts
		}
		if fc.Reasoning.TimeoutMS != nil {
			cfg.Reasoning.TimeoutMS = *fc.Reasoning.TimeoutMS
		}
		if fc.Reasoning.MaxPromptTokens != nil {
			cfg.Reasoning.MaxPromptTokens = *fc.Reasoning.MaxPromptTokens
		}
	}
	if fc.Selector != nil {
		if fc.Selector.Threshold != nil {
			cfg.Selector.Threshold = *fc.Selector.Threshold
		}
		if fc.Selector.PerAction != nil {
			cfg.Selector.PerAction = map[string]float64{}
			for k, v := range *fc.Selector.PerAction {
				cfg.Selector.PerAction[k] = v
			}
		}
		if fc.Selector.ClarifyOptions != nil {
			cfg.Selector.ClarifyOptions = *fc.Selector.ClarifyOptions
		}
	}
	if fc.Executor != nil {
		if fc.Executor.StepTimeoutMS != nil {
			cfg.Executor.StepTimeoutMS = *fc.Executor.StepTimeoutMS
		}
		if fc.Executor.MaxConsecutiveFailures != nil {
			cfg.Executor.MaxConsecutiveFailures = *fc.Executor.MaxConsecutiveFailures
		}
		if fc.Executor.ProgressBuffer != nil {
			cfg.Executor.ProgressBuffer = *fc.Executor.ProgressBuffer
		}
	}
	if fc.Storage != nil {
		if strings.TrimSpace(fc.Storage.BaseDir) != "" {
			cfg.Storage.BaseDir = fc.Storage.BaseDir
		}
	}
	if fc.Logging != nil {
		if fc.Logging.Level != nil {
			cfg.Logging.Level = *fc.Logging.Level
		}
		if fc.Logging.Debug != nil {
			cfg.Logging.Debug = *fc.Logging.Debug
		}
	}
}

func mergeProvider(base ProviderConfig, override ProviderConfig) ProviderConfig {
	if strings.TrimSpace(override.BaseURL) != "" {
		base.BaseURL = override.BaseURL
	}
	if strings.TrimSpace(override.Model) != "" {
		base.Model = override.Model
	}
	if strings.TrimSpace(override.APIKey) != "" {
		base.APIKey = override.APIKey
	}
	if override.TimeoutMS > 0 {
		base.TimeoutMS = override.TimeoutMS
	}
	if override.MaxRetries > 0 {
		base.MaxRetries = override.MaxRetries
	}
	return base
}

func normalize(cfg *Config) error {
	def := Default()
	if strings.TrimSpace(cfg.Provider.BaseURL) == "" {
		cfg.Provider.BaseURL = def.Provider.BaseURL
	}
	if strings.TrimSpace(cfg.Provider.Model) == "" {
		cfg.Provider.Model = def.Provider.Model
	}
	if cfg.Provider.TimeoutMS <= 0 {
		cfg.Provider.TimeoutMS = def.Provider.TimeoutMS
	}
	if cfg.Provider.MaxRetries <= 0 {
		cfg.Provider.MaxRetries = def.Provider.MaxRetries
	}

	if cfg.Reasoning.MaxAttempts <= 0 {
		cfg.Reasoning.MaxAttempts = def.Reasoning.MaxAttempts
	}
	if cfg.Reasoning.TimeoutMS <= 0 {
		cfg.Reasoning.TimeoutMS = def.Reasoning.TimeoutMS
	}
	if cfg.Reasoning.MaxPromptTokens <= 0 {
		cfg.Reasoning.MaxPromptTokens = def.Reasoning.MaxPromptTokens
	}

	if cfg.Selector.Threshold <= 0 || cfg.Selector.Threshold > 1 {
		cfg.Selector.Threshold = def.Selector.Threshold
	}
	for action, th := range cfg.Selector.PerAction {
		if th <= 0 || th > 1 {
			delete(cfg.Selector.PerAction, action)
		}
	}
	if cfg.Selector.ClarifyOptions <= 0 {
		cfg.Selector.ClarifyOptions = def.Selector.ClarifyOptions
	}

	if cfg.Executor.StepTimeoutMS <= 0 {
		cfg.Executor.StepTimeoutMS = def.Executor.StepTimeoutMS
	}
	if cfg.Executor.MaxConsecutiveFailures <= 0 {
		cfg.Executor.MaxConsecutiveFailures = def.Executor.MaxConsecutiveFailures
	}
	if cfg.Executor.ProgressBuffer <= 0 {
		cfg.Executor.ProgressBuffer = def.Executor.ProgressBuffer
	}

	storageDir, err := expandPath(cfg.Storage.BaseDir)
	if err != nil {
		return err
	}
	cfg.Storage.BaseDir = storageDir

	if strings.TrimSpace(cfg.Logging.Level) == "" {
		cfg.Logging.Level = def.Logging.Level
	}
	return nil
}

func applyEnv(cfg Config) (Config, error) {
	if v := strings.TrimSpace(os.Getenv("DECKPILOT_BASE_URL")); v != "" {
		cfg.Provider.BaseURL = v
	}
	if v := strings.TrimSpace(os.Getenv("DECKPILOT_MODEL")); v != "" {
		cfg.Provider.Model = v
	}
	if v := strings.TrimSpace(os.Getenv("DECKPILOT_API_KEY")); v != "" {
		cfg.Provider.APIKey = v
	} else if v := strings.TrimSpace(os.Getenv("OPENAI_API_KEY")); v != "" {
		cfg.Provider.APIKey = v
	}
	if v := strings.TrimSpace(os.Getenv("DECKPILOT_DATA_DIR")); v != "" {
		cfg.Storage.BaseDir = v
	}

	return cfg, normalize(&cfg)
}

func expandPath(path string) (string, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return "", nil
	}
	if strings.HasPrefix(path, "~/") || path == "~" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home dir: %w", err)
		}
		if path == "~" {
			path = home
		} else {
			path = filepath.Join(home, strings.TrimPrefix(path, "~/"))
		}
	}
	return filepath.Abs(path)
}

func stripJSONComments(data []byte) []byte {
	const (
		stateNormal = iota
		stateString
		stateLineComment
		stateBlockComment
	)

	state := stateNormal
	escaped := false
	out := bytes.Buffer{}

	for i := 0; i < len(data); i++ {
		c := data[i]
		next := byte(0)
		if i+1 < len(data) {
			next = data[i+1]
		}

		switch state {
		case stateNormal:
			if c == '"' {
				state = stateString
				out.WriteByte(c)
				continue
			}
			if c == '/' && next == '/' {
				state = stateLineComment
				i++
				continue
			}
			if c == '/' && next == '*' {
				state = stateBlockComment
				i++
				continue
			}
			out.WriteByte(c)
		case stateString:
			out.WriteByte(c)
			if escaped {
				escaped = false
				continue
			}
			if c == '\\' {
				escaped = true
				continue
			}
			if c == '"' {
				state = stateNormal
			}
		case stateLineComment:
			if c == '\n' {
				state = stateNormal
				out.WriteByte(c)
			}
		case stateBlockComment:
			if c == '*' && next == '/' {
				state = stateNormal
				i++
			}
		}
	}

	return out.Bytes()
}
