package config

import (
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"golang.org/x/text/language"

	"voicecloner/internal/pkg/voicecloner/engine"
	"voicecloner/internal/pkg/voicecloner/llm"
)

// ErrHelp is returned by LoadAndParse after usage was printed.
var ErrHelp = errors.New("help requested")

type Config struct {
	LLM     LLMConfig     `mapstructure:"llm"`
	TTS     TTSConfig     `mapstructure:"tts"`
	Silence SilenceConfig `mapstructure:"silence"`

	DefaultLanguage string `mapstructure:"default_language"`
	OutputDir       string `mapstructure:"output_dir"`
	LogLevel        string `mapstructure:"log_level"`
	LogFile         string `mapstructure:"log_file"`

	// One invocation.
	Prompt    string        `mapstructure:"prompt"`
	Reference string        `mapstructure:"reference"`
	Language  string        `mapstructure:"language"`
	Tone      string        `mapstructure:"tone"`
	TrimStart time.Duration `mapstructure:"trim_start"`
	TrimEnd   time.Duration `mapstructure:"trim_end"`

	Serve        string `mapstructure:"serve"`
	ListOutputs  bool   `mapstructure:"list_outputs"`
	ListBackends bool   `mapstructure:"list_backends"`
}

type LLMConfig struct {
	Provider      string        `mapstructure:"provider"`
	OllamaBaseURL string        `mapstructure:"ollama_base_url"`
	OllamaModel   string        `mapstructure:"ollama_model"`
	OpenAIAPIKey  string        `mapstructure:"openai_api_key"`
	OpenAIModel   string        `mapstructure:"openai_model"`
	OpenAIBaseURL string        `mapstructure:"openai_base_url"`
	Timeout       time.Duration `mapstructure:"timeout"`
	MaxTokens     int           `mapstructure:"max_tokens"`
	Temperature   float64       `mapstructure:"temperature"`
}

type TTSConfig struct {
	Backend              string        `mapstructure:"backend"`
	Model                string        `mapstructure:"model"`
	Device               string        `mapstructure:"device"`
	ServerURL            string        `mapstructure:"server_url"`
	Temperature          float64       `mapstructure:"temperature"`
	Speed                float64       `mapstructure:"speed"`
	RepetitionPenalty    float64       `mapstructure:"repetition_penalty"`
	LengthPenalty        float64       `mapstructure:"length_penalty"`
	MinReferenceDuration time.Duration `mapstructure:"min_reference_duration"`
}

type SilenceConfig struct {
	Compaction  bool          `mapstructure:"compaction"`
	ThresholdDB float64       `mapstructure:"threshold_db"`
	MinSilence  time.Duration `mapstructure:"min_silence"`
	Keep        time.Duration `mapstructure:"keep"`
}

var defaults = map[string]any{
	"llm.provider":               "local",
	"llm.ollama_base_url":        "http://localhost:11434/v1",
	"llm.ollama_model":           "gpt-oss:20b",
	"llm.openai_model":           "gpt-4o",
	"llm.timeout":                "120s",
	"llm.max_tokens":             500,
	"llm.temperature":            0.7,
	"tts.backend":                "xtts",
	"tts.model":                  "tts_models/multilingual/multi-dataset/xtts_v2",
	"tts.device":                 "auto",
	"tts.server_url":             "http://localhost:8020",
	"tts.temperature":            0.8,
	"tts.speed":                  1.0,
	"tts.repetition_penalty":     1.2,
	"tts.length_penalty":         1.0,
	"tts.min_reference_duration": "3s",
	"silence.compaction":         true,
	"silence.threshold_db":       -40.0,
	"silence.min_silence":        "400ms",
	"silence.keep":               "250ms",
	"default_language":           "de",
	"output_dir":                 "outputs",
	"log_level":                  "info",
	"log_file":                   "",
}

// envBindings names the environment variable for each key.
var envBindings = map[string]string{
	"llm.provider":               "LLM_PROVIDER",
	"llm.ollama_base_url":        "OLLAMA_BASE_URL",
	"llm.ollama_model":           "OLLAMA_MODEL",
	"llm.openai_api_key":         "OPENAI_API_KEY",
	"llm.openai_model":           "OPENAI_MODEL",
	"llm.openai_base_url":        "OPENAI_BASE_URL",
	"llm.timeout":                "LLM_TIMEOUT",
	"llm.max_tokens":             "LLM_MAX_TOKENS",
	"llm.temperature":            "LLM_TEMPERATURE",
	"tts.backend":                "TTS_BACKEND",
	"tts.model":                  "TTS_MODEL",
	"tts.device":                 "TTS_DEVICE",
	"tts.server_url":             "TTS_SERVER_URL",
	"tts.temperature":            "TTS_TEMPERATURE",
	"tts.speed":                  "TTS_SPEED",
	"tts.repetition_penalty":     "TTS_REPETITION_PENALTY",
	"tts.length_penalty":         "TTS_LENGTH_PENALTY",
	"tts.min_reference_duration": "MIN_REFERENCE_DURATION",
	"silence.compaction":         "SILENCE_COMPACTION",
	"silence.threshold_db":       "SILENCE_THRESH_DB",
	"silence.min_silence":        "MIN_SILENCE_LEN",
	"silence.keep":               "KEEP_SILENCE",
	"default_language":           "DEFAULT_LANGUAGE",
	"output_dir":                 "OUTPUT_DIR",
	"log_level":                  "LOG_LEVEL",
	"log_file":                   "LOG_FILE",
}

// flagBindings maps flag names to the keys they override.
var flagBindings = map[string]string{
	"prompt":        "prompt",
	"reference":     "reference",
	"language":      "language",
	"tone":          "tone",
	"trim-start":    "trim_start",
	"trim-end":      "trim_end",
	"provider":      "llm.provider",
	"backend":       "tts.backend",
	"device":        "tts.device",
	"output-dir":    "output_dir",
	"log-level":     "log_level",
	"log-file":      "log_file",
	"serve":         "serve",
	"list-outputs":  "list_outputs",
	"list-backends": "list_backends",
}

// LoadAndParse resolves the configuration from defaults, an optional TOML
// file, the environment and args, in increasing precedence.
func LoadAndParse(args []string, stderr io.Writer) (*Config, error) {
	v := viper.New()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}

	flagSet := pflag.NewFlagSet("voicecloner", pflag.ContinueOnError)
	flagSet.SetOutput(stderr)
	configFile := flagSet.StringP("config", "c", "", "Path to config file")
	flagSet.StringP("prompt", "p", "", "Prompt to expand into speech (use '-' to read from stdin)")
	flagSet.StringP("reference", "r", "", "Reference voice sample (WAV)")
	flagSet.StringP("language", "L", "", "Language code, defaults to DEFAULT_LANGUAGE")
	flagSet.String("tone", "", "Tone of the generated text (neutral, happy, sad, angry, calm, excited)")
	flagSet.Duration("trim-start", 0, "Cut this much from the start of the result")
	flagSet.Duration("trim-end", 0, "Cut this much from the end of the result")
	flagSet.String("provider", "", "Text generation provider (local, cloud)")
	flagSet.String("backend", "", "Synthesis backend")
	flagSet.String("device", "", "Synthesis device (cpu, auto, cuda, coreml)")
	flagSet.String("output-dir", "", "Directory for generated audio")
	flagSet.StringP("log-level", "l", "", "Log level (debug, info, warning, error)")
	flagSet.String("log-file", "", "Log file path")
	flagSet.String("serve", "", "Serve the HTTP API on this address, e.g. :8080")
	flagSet.Bool("list-outputs", false, "List generated audio files and exit")
	flagSet.Bool("list-backends", false, "List synthesis backends and exit")
	helpFlag := flagSet.BoolP("help", "h", false, "Show help message")

	if err := flagSet.Parse(args); err != nil {
		return nil, fmt.Errorf("failed to parse flags: %w", err)
	}
	if *helpFlag {
		fmt.Fprintf(stderr, "Usage: voicecloner [options] [prompt]\n\nOptions:\n")
		flagSet.PrintDefaults()
		return nil, ErrHelp
	}

	for name, key := range flagBindings {
		if err := v.BindPFlag(key, flagSet.Lookup(name)); err != nil {
			return nil, err
		}
	}
	for key, env := range envBindings {
		if err := v.BindEnv(key, env); err != nil {
			return nil, err
		}
	}

	if *configFile != "" {
		v.SetConfigFile(*configFile)
	} else {
		v.SetConfigName("voicecloner")
		v.SetConfigType("toml")
		v.AddConfigPath(".")
		v.AddConfigPath("configs")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".config", "voicecloner"))
		}
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if cfg.Prompt == "-" {
		content, err := io.ReadAll(os.Stdin)
		if err != nil {
			return nil, fmt.Errorf("failed to read from stdin: %w", err)
		}
		cfg.Prompt = strings.TrimSpace(string(content))
	} else if cfg.Prompt == "" && flagSet.NArg() > 0 {
		cfg.Prompt = strings.Join(flagSet.Args(), " ")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the settings and canonicalises the provider, device and
// default language.
func (c *Config) Validate() error {
	choice, err := llm.ParseChoice(c.LLM.Provider)
	if err != nil {
		return fmt.Errorf("invalid LLM_PROVIDER: %w", err)
	}
	c.LLM.Provider = string(choice)

	if choice == llm.Local {
		if strings.TrimSpace(c.LLM.OllamaBaseURL) == "" {
			return fmt.Errorf("OLLAMA_BASE_URL is required for the local provider")
		}
		if err := checkURL(c.LLM.OllamaBaseURL); err != nil {
			return fmt.Errorf("invalid OLLAMA_BASE_URL: %w", err)
		}
	}
	if c.LLM.OpenAIBaseURL != "" {
		if err := checkURL(c.LLM.OpenAIBaseURL); err != nil {
			return fmt.Errorf("invalid OPENAI_BASE_URL: %w", err)
		}
	}
	if c.LLM.Timeout <= 0 {
		return fmt.Errorf("LLM_TIMEOUT must be positive")
	}
	if c.LLM.MaxTokens <= 0 {
		return fmt.Errorf("LLM_MAX_TOKENS must be positive")
	}

	device, err := engine.ParseDevice(c.TTS.Device)
	if err != nil {
		return fmt.Errorf("invalid TTS_DEVICE: %w", err)
	}
	c.TTS.Device = string(device)
	if strings.TrimSpace(c.TTS.Backend) == "" {
		return fmt.Errorf("TTS_BACKEND is required")
	}
	if c.TTS.Speed <= 0 {
		return fmt.Errorf("TTS_SPEED must be positive")
	}
	if c.TTS.MinReferenceDuration < 0 {
		return fmt.Errorf("MIN_REFERENCE_DURATION must not be negative")
	}
	if c.Silence.Compaction && (c.Silence.MinSilence <= 0 || c.Silence.Keep < 0) {
		return fmt.Errorf("MIN_SILENCE_LEN must be positive and KEEP_SILENCE not negative")
	}

	lang, err := baseLanguage(c.DefaultLanguage)
	if err != nil {
		return fmt.Errorf("invalid DEFAULT_LANGUAGE: %w", err)
	}
	c.DefaultLanguage = lang

	if strings.TrimSpace(c.OutputDir) == "" {
		return fmt.Errorf("OUTPUT_DIR must not be empty")
	}
	if c.TrimStart < 0 || c.TrimEnd < 0 {
		return fmt.Errorf("trim durations must not be negative")
	}
	return nil
}

// Warnings lists settings that are valid but will make some requests fail.
func (c *Config) Warnings() []string {
	var out []string
	if c.LLM.OpenAIAPIKey == "" {
		msg := "OPENAI_API_KEY is not set; requests to the cloud provider will fail"
		if c.LLM.Provider == string(llm.Cloud) {
			msg = "OPENAI_API_KEY is not set but the cloud provider is the default; generation will fail"
		}
		out = append(out, msg)
	}
	return out
}

func checkURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("scheme must be http or https, got %q", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("missing host")
	}
	return nil
}

func baseLanguage(code string) (string, error) {
	tag, err := language.Parse(strings.TrimSpace(code))
	if err != nil {
		return "", err
	}
	base, conf := tag.Base()
	if conf == language.No {
		return "", fmt.Errorf("unknown language %q", code)
	}
	return base.String(), nil
}
