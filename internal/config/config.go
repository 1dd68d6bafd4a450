package config

import (
	"io"
	"os"
	"strings"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"tower-forge/internal/dataset"
	"tower-forge/internal/schedule"
)

// Config captures the runtime knobs for a fine-tuning run.
type Config struct {
	TaskName       string `yaml:"task_name"`
	DataDir        string `yaml:"data_dir"`
	ModelDir       string `yaml:"model_dir"`
	InitCheckpoint string `yaml:"init_checkpoint"`

	TrainSteps       int     `yaml:"train_steps"`
	WarmupSteps      int     `yaml:"warmup_steps"`
	LearningRate     float64 `yaml:"learning_rate"`
	MinLRRatio       float64 `yaml:"min_lr_ratio"`
	DecayMethod      string  `yaml:"decay_method"`
	LRLayerDecayRate float64 `yaml:"lr_layer_decay_rate"`
	Clip             float64 `yaml:"clip"`
	WeightDecay      float64 `yaml:"weight_decay"`
	AdamEpsilon      float64 `yaml:"adam_epsilon"`

	NumCorePerHost int `yaml:"num_core_per_host"`
	TrainBatchSize int `yaml:"train_batch_size"`
	SaveSteps      int `yaml:"save_steps"`
	MaxSave        int `yaml:"max_save"`
	Iterations     int `yaml:"iterations"`

	Seed         int64 `yaml:"seed"`
	NumWorkers   int   `yaml:"num_workers"`
	MaxSeqLength int   `yaml:"max_seq_length"`
	VocabSize    int   `yaml:"vocab_size"`
	HiddenSize   int   `yaml:"hidden_size"`
	NumLayers    int   `yaml:"n_layer"`
	Progress     bool  `yaml:"progress"`
}

// Overrides captures CLI supplied values.
type Overrides struct {
	TaskName       string
	DataDir        string
	ModelDir       string
	InitCheckpoint string
	TrainSteps     int
	LearningRate   float64
	NumCorePerHost int
	TrainBatchSize int
	SaveSteps      int
	Iterations     int
	NumWorkers     int
	Seed           int64
	Progress       bool
}

// Load decodes a YAML config. Unknown keys are rejected. Callers apply
// overrides and then Validate.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "open config")
	}
	defer f.Close()

	cfg, err := parse(f)
	if err != nil {
		return nil, errors.Wrap(err, "parse config")
	}
	return cfg, nil
}

func parse(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		if errors.Is(err, io.EOF) {
			return cfg, nil
		}
		return nil, err
	}
	return cfg, nil
}

// ApplyOverrides updates cfg using any non-zero override.
func (c *Config) ApplyOverrides(o Overrides) {
	if o.TaskName != "" {
		c.TaskName = o.TaskName
	}
	if o.DataDir != "" {
		c.DataDir = o.DataDir
	}
	if o.ModelDir != "" {
		c.ModelDir = o.ModelDir
	}
	if o.InitCheckpoint != "" {
		c.InitCheckpoint = o.InitCheckpoint
	}
	if o.TrainSteps > 0 {
		c.TrainSteps = o.TrainSteps
	}
	if o.LearningRate > 0 {
		c.LearningRate = o.LearningRate
	}
	if o.NumCorePerHost > 0 {
		c.NumCorePerHost = o.NumCorePerHost
	}
	if o.TrainBatchSize > 0 {
		c.TrainBatchSize = o.TrainBatchSize
	}
	if o.SaveSteps > 0 {
		c.SaveSteps = o.SaveSteps
	}
	if o.Iterations > 0 {
		c.Iterations = o.Iterations
	}
	if o.NumWorkers > 0 {
		c.NumWorkers = o.NumWorkers
	}
	if o.Seed != 0 {
		c.Seed = o.Seed
	}
	if o.Progress {
		c.Progress = true
	}
}

// DataRoots splits data_dir on commas.
func (c *Config) DataRoots() []string {
	var roots []string
	for _, r := range strings.Split(c.DataDir, ",") {
		if r = strings.TrimSpace(r); r != "" {
			roots = append(roots, r)
		}
	}
	return roots
}

// Policy is the parsed decay_method.
func (c *Config) Policy() schedule.Policy {
	p, _ := schedule.ParsePolicy(c.DecayMethod)
	return p
}

// Validate fills defaults and verifies the config is runnable.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}
	if c.TaskName == "" {
		return errors.New("task_name must be set")
	}
	if len(c.DataRoots()) == 0 {
		return errors.New("data_dir must be set")
	}
	if c.ModelDir == "" {
		return errors.New("model_dir must be set")
	}
	if c.TrainSteps <= 0 {
		return errors.Errorf("train_steps must be > 0 (got %d)", c.TrainSteps)
	}
	if c.WarmupSteps < 0 {
		return errors.Errorf("warmup_steps must be >= 0 (got %d)", c.WarmupSteps)
	}
	if c.LearningRate == 0 {
		c.LearningRate = 1e-5
	}
	if c.LearningRate < 0 {
		return errors.Errorf("learning_rate must be > 0 (got %v)", c.LearningRate)
	}
	if c.MinLRRatio < 0 || c.MinLRRatio > 1 {
		return errors.Errorf("min_lr_ratio must be in [0, 1] (got %v)", c.MinLRRatio)
	}
	if _, err := schedule.ParsePolicy(c.DecayMethod); err != nil {
		return err
	}
	if c.LRLayerDecayRate == 0 {
		c.LRLayerDecayRate = 1
	}
	if c.LRLayerDecayRate < 0 || c.LRLayerDecayRate > 1 {
		return errors.Errorf("lr_layer_decay_rate must be in (0, 1] (got %v)", c.LRLayerDecayRate)
	}
	if c.Clip < 0 {
		return errors.Errorf("clip must be >= 0 (got %v)", c.Clip)
	}
	if c.WeightDecay < 0 {
		return errors.Errorf("weight_decay must be >= 0 (got %v)", c.WeightDecay)
	}
	if c.AdamEpsilon == 0 {
		c.AdamEpsilon = 1e-8
	}
	if c.NumCorePerHost <= 0 {
		c.NumCorePerHost = 1
	}
	if c.TrainBatchSize <= 0 {
		return errors.Errorf("train_batch_size must be > 0 (got %d)", c.TrainBatchSize)
	}
	if err := dataset.CheckShardable(c.TrainBatchSize, c.NumCorePerHost); err != nil {
		return errors.Wrap(err, "train_batch_size over num_core_per_host")
	}
	if c.SaveSteps <= 0 {
		c.SaveSteps = 1000
	}
	if c.MaxSave < 0 {
		return errors.Errorf("max_save must be >= 0 (got %d)", c.MaxSave)
	}
	if c.Iterations <= 0 {
		c.Iterations = 1000
	}
	if c.Iterations > c.SaveSteps {
		c.Iterations = c.SaveSteps
	}
	if c.NumWorkers <= 0 {
		c.NumWorkers = 1
	}
	if c.MaxSeqLength <= 0 {
		c.MaxSeqLength = 128
	}
	if c.VocabSize <= 0 {
		c.VocabSize = 32000
	}
	if c.HiddenSize <= 0 {
		c.HiddenSize = 64
	}
	if c.NumLayers <= 0 {
		c.NumLayers = 1
	}
	return nil
}
