package bot

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// FileConfig is the optional YAML configuration for the pagegrab binary.
// Secrets (bot token, API key) never live here; they come from the
// environment.
type FileConfig struct {
	// Model is the completion model identifier.
	Model string `yaml:"model"`
	// HistorySize is the conversation window H (system message included).
	HistorySize int `yaml:"history_size"`
	// ChunkLimit is the reply segment size in bytes.
	ChunkLimit int `yaml:"chunk_limit"`
	// Workers bounds concurrent asset fetches per capture.
	Workers int `yaml:"workers"`
	// OCR configures text recognition.
	OCR struct {
		// Languages is the tesseract -l argument, e.g. "rus+eng".
		Languages string `yaml:"languages"`
	} `yaml:"ocr"`
	// Ops configures the optional operations endpoint.
	Ops struct {
		// Listen is the address for /healthz and /status, e.g.
		// "127.0.0.1:8090". Empty disables the endpoint.
		Listen string `yaml:"listen"`
	} `yaml:"ops"`
}

// LoadConfig reads a YAML config file. Missing values keep their package
// defaults downstream.
func LoadConfig(path string) (*FileConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var cfg FileConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return &cfg, nil
}
