package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"k8s.io/klog/v2"

	"tower-forge/internal/checkpoint"
	"tower-forge/internal/config"
	"tower-forge/internal/dataset"
	"tower-forge/internal/device"
	"tower-forge/internal/metrics"
	"tower-forge/internal/model"
	"tower-forge/internal/optimizer"
	"tower-forge/internal/schedule"
	"tower-forge/internal/task"
	"tower-forge/internal/trainer"
)

func main() {
	klog.InitFlags(nil)
	cfgPath := flag.String("config", "configs/imdb.yaml", "Path to YAML config")
	taskName := flag.String("task-name", "", "Override task name")
	dataDir := flag.String("data-dir", "", "Override data roots (comma separated)")
	modelDir := flag.String("model-dir", "", "Override model directory")
	initCkpt := flag.String("init-checkpoint", "", "Warm-start checkpoint")
	trainSteps := flag.Int("train-steps", 0, "Number of optimizer updates")
	learningRate := flag.Float64("learning-rate", 0, "Base learning rate")
	numCores := flag.Int("num-core-per-host", 0, "Number of towers")
	batchSize := flag.Int("train-batch-size", 0, "Global batch size")
	saveSteps := flag.Int("save-steps", 0, "Checkpoint every N steps")
	iterations := flag.Int("iterations", 0, "Report every N steps")
	numWorkers := flag.Int("num-workers", 0, "Number of shard reader workers")
	seed := flag.Int64("seed", 0, "PRNG seed")
	progress := flag.Bool("progress", false, "Show a progress bar")

	flag.Parse()
	defer klog.Flush()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		exit(err, "failed to load config")
	}
	cfg.ApplyOverrides(config.Overrides{
		TaskName:       *taskName,
		DataDir:        *dataDir,
		ModelDir:       *modelDir,
		InitCheckpoint: *initCkpt,
		TrainSteps:     *trainSteps,
		LearningRate:   *learningRate,
		NumCorePerHost: *numCores,
		TrainBatchSize: *batchSize,
		SaveSteps:      *saveSteps,
		Iterations:     *iterations,
		NumWorkers:     *numWorkers,
		Seed:           *seed,
		Progress:       *progress,
	})
	if err := cfg.Validate(); err != nil {
		exit(err, "invalid config")
	}

	tk, err := task.Default().Lookup(cfg.TaskName)
	if err != nil {
		exit(err, "unknown task")
	}
	roots, err := tk.TrainShards(cfg.DataRoots())
	if err != nil {
		exit(err, "discover shards")
	}
	for root, shards := range roots {
		klog.InfoS("data root", "root", root, "shards", len(shards))
	}

	host := device.DescribeHost()
	devices, err := device.Table(cfg.NumCorePerHost)
	if err != nil {
		exit(err, "device table")
	}
	klog.InfoS("host", "cpu", host.Brand, "vendor", host.Vendor, "logical_cores", host.LogicalCores, "physical_cores", host.PhysicalCores, "wide_vectors", host.SupportsWideVectors(), "towers", len(devices))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	samples, sampleErrs, err := dataset.StartSampler(ctx, dataset.SamplerOptions{
		Roots:      roots,
		Seed:       cfg.Seed,
		NumWorkers: cfg.NumWorkers,
	})
	if err != nil {
		exit(err, "start sampler")
	}
	loader := dataset.NewLoader(samples, sampleErrs, cfg.TrainBatchSize, cfg.MaxSeqLength)

	clf, err := model.NewSequenceClassifier(model.ClassifierConfig{
		VocabSize:  cfg.VocabSize,
		HiddenSize: cfg.HiddenSize,
		NumLayers:  cfg.NumLayers,
		NumLabels:  tk.NumLabels(),
	})
	if err != nil {
		exit(err, "build model")
	}
	params, err := clf.InitParameters(cfg.Seed)
	if err != nil {
		exit(err, "init parameters")
	}
	opt := optimizer.New(params, optimizer.Options{
		Epsilon:    cfg.AdamEpsilon,
		NumLayers:  clf.NumLayers(),
		LayerDecay: cfg.LRLayerDecayRate,
	})

	ckpts := checkpoint.NewManager(cfg.ModelDir, cfg.MaxSave, checkpoint.Fingerprint{
		NumShards: cfg.NumCorePerHost,
		BatchSize: cfg.TrainBatchSize,
	})
	sinks := []metrics.Sink{metrics.LogSink{}}
	jsonl, err := metrics.OpenJSONL(filepath.Join(ckpts.Dir(), "metrics.jsonl"))
	if err != nil {
		exit(err, "open metrics file")
	}
	defer jsonl.Close()
	sinks = append(sinks, jsonl)
	var bar *metrics.ProgressSink
	if cfg.Progress {
		bar = metrics.NewProgressSink(os.Stderr, int64(cfg.TrainSteps))
		sinks = append(sinks, bar)
	}

	ctrl, err := trainer.New(trainer.Config{
		TotalSteps: int64(cfg.TrainSteps),
		BatchSize:  cfg.TrainBatchSize,
		Schedule: schedule.Schedule{
			BaseRate:    cfg.LearningRate,
			MinRatio:    cfg.MinLRRatio,
			WarmupSteps: cfg.WarmupSteps,
			TotalSteps:  cfg.TrainSteps,
			Policy:      cfg.Policy(),
		},
		Clip:        cfg.Clip,
		WeightDecay: cfg.WeightDecay,
		SaveSteps:   int64(cfg.SaveSteps),
	}, trainer.Options{
		Source:         loader,
		Engine:         clf,
		Devices:        devices,
		Optimizer:      opt,
		Checkpoints:    ckpts,
		Reporter:       metrics.NewReporter(int64(cfg.Iterations), int64(cfg.SaveSteps), sinks...),
		InitCheckpoint: cfg.InitCheckpoint,
		OnStart: func(ts checkpoint.TrainingState) {
			if bar != nil {
				bar.Resume(ts.Step)
			}
		},
		OnStep: func(s trainer.StepStats) {
			if bar != nil {
				bar.Advance(s.Step)
			}
		},
	})
	if err != nil {
		exit(err, "build trainer")
	}

	runErr := ctrl.Run(ctx)
	if bar != nil {
		_ = bar.Finish()
	}
	if loader.Skipped() > 0 {
		klog.InfoS("skipped malformed samples", "count", loader.Skipped())
	}
	if runErr != nil {
		jsonl.Close()
		exit(runErr, "training failed", "state", ctrl.State())
	}
}

func exit(err error, msg string, kv ...interface{}) {
	klog.ErrorS(err, msg, kv...)
	klog.FlushAndExit(klog.ExitFlushTimeout, 1)
}
