// Package core holds the run configuration shared by the model, the driver
// and the command line.
package core

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"gopkg.in/yaml.v3"
)

// Config represents the configuration of a RACL training or evaluation run
type Config struct {
	Task string `yaml:"task"`

	// Model architecture
	EmbDim         int `yaml:"emb_dim"`
	HopNum         int `yaml:"hop_num"`
	FilterNum      int `yaml:"filter_num"`
	KernelSize     int `yaml:"kernel_size"`
	ClassNum       int `yaml:"class_num"`
	MaxSentenceLen int `yaml:"max_sentence_len"`

	// Training parameters
	BatchSize     int     `yaml:"batch_size"`
	EvalBatchSize int     `yaml:"eval_batch_size"`
	LearningRate  float64 `yaml:"learning_rate"`
	NIter         int     `yaml:"n_iter"`
	KP1           float64 `yaml:"kp1"`
	KP2           float64 `yaml:"kp2"`
	RegScale      float64 `yaml:"reg_scale"`
	WarmupIter    int     `yaml:"warmup_iter"`
	ClipNorm      float64 `yaml:"clip_norm"`
	Seed          int64   `yaml:"seed"`
	Workers       int     `yaml:"workers"`

	// Load restores the newest checkpoint and only evaluates
	Load     bool `yaml:"load"`
	Progress bool `yaml:"progress"`

	// Paths; empty values are derived from Task by ResolvePaths
	TrainPath           string `yaml:"train_path"`
	DevPath             string `yaml:"dev_path"`
	TestPath            string `yaml:"test_path"`
	WordEmbeddingPath   string `yaml:"word_embedding_path"`
	DomainEmbeddingPath string `yaml:"domain_embedding_path"`
	CheckpointDir       string `yaml:"checkpoint_dir"`
	PredictionDir       string `yaml:"prediction_dir"`
	LogDir              string `yaml:"log_dir"`
	LogLevel            string `yaml:"log_level"`
	MaxToKeep           int    `yaml:"max_to_keep"`
}

// NewDefaultConfig creates a new configuration with default values
func NewDefaultConfig() *Config {
	return &Config{
		Task:           "res14",
		EmbDim:         400,
		HopNum:         4,
		FilterNum:      256,
		KernelSize:     3,
		ClassNum:       3,
		MaxSentenceLen: 106,
		BatchSize:      8,
		EvalBatchSize:  200,
		LearningRate:   1e-4,
		NIter:          80,
		KP1:            0.5,
		KP2:            0.5,
		RegScale:       1e-5,
		WarmupIter:     0,
		Seed:           1,
		Workers:        runtime.NumCPU(),
		Progress:       true,
		CheckpointDir:  "checkpoint",
		PredictionDir:  "predictions",
		LogDir:         "log",
		LogLevel:       "info",
		MaxToKeep:      10,
	}
}

// LoadConfig overlays a YAML file on the defaults
func LoadConfig(path string) (*Config, error) {
	cfg := NewDefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// Save writes the configuration as YAML
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	return os.WriteFile(path, data, 0o644)
}

// ResolvePaths fills empty data paths with the data/<task>/ layout
func (c *Config) ResolvePaths() {
	base := filepath.Join("data", c.Task)
	if c.TrainPath == "" {
		c.TrainPath = filepath.Join(base, "train")
	}
	if c.DevPath == "" {
		c.DevPath = filepath.Join(base, "dev")
	}
	if c.TestPath == "" {
		c.TestPath = filepath.Join(base, "test")
	}
	if c.WordEmbeddingPath == "" {
		c.WordEmbeddingPath = filepath.Join(base, "glove_embedding.txt")
	}
	if c.DomainEmbeddingPath == "" {
		c.DomainEmbeddingPath = filepath.Join(base, "domain_embedding.txt")
	}
}

// TaskCheckpointDir is where snapshots of the task are kept
func (c *Config) TaskCheckpointDir() string {
	return filepath.Join(c.CheckpointDir, c.Task)
}

// TaskPredictionDir is where predictions of a split are written
func (c *Config) TaskPredictionDir(split string) string {
	return filepath.Join(c.PredictionDir, c.Task, split)
}

// Validate rejects configurations the model cannot run with
func (c *Config) Validate() error {
	positive := map[string]int{
		"emb_dim":          c.EmbDim,
		"hop_num":          c.HopNum,
		"filter_num":       c.FilterNum,
		"kernel_size":      c.KernelSize,
		"class_num":        c.ClassNum,
		"max_sentence_len": c.MaxSentenceLen,
		"batch_size":       c.BatchSize,
		"eval_batch_size":  c.EvalBatchSize,
		"workers":          c.Workers,
		"max_to_keep":      c.MaxToKeep,
	}
	for name, v := range positive {
		if v <= 0 {
			return fmt.Errorf("%s must be positive, got %d", name, v)
		}
	}
	if c.NIter < 0 || c.WarmupIter < 0 {
		return fmt.Errorf("n_iter and warmup_iter must not be negative")
	}
	if c.KP1 <= 0 || c.KP1 > 1 || c.KP2 <= 0 || c.KP2 > 1 {
		return fmt.Errorf("keep probabilities must be in (0, 1], got kp1=%g kp2=%g", c.KP1, c.KP2)
	}
	if c.LearningRate <= 0 {
		return fmt.Errorf("learning_rate must be positive, got %g", c.LearningRate)
	}
	if c.ClassNum != 3 {
		return fmt.Errorf("class_num must be 3 (outside, begin, inside), got %d", c.ClassNum)
	}
	if c.Task == "" {
		return fmt.Errorf("task must be set")
	}
	return nil
}
