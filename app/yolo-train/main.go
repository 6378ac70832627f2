package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/pkg/errors"

	"github.com/tsawler/yolo-train/artifacts"
	"github.com/tsawler/yolo-train/collective"
	"github.com/tsawler/yolo-train/config"
	"github.com/tsawler/yolo-train/runlog"
	"github.com/tsawler/yolo-train/training"
)

const dialAttempts = 60

// intList is a comma separated list of integers, e.g. "640,640"
type intList []int

func (l *intList) String() string {
	parts := make([]string, len(*l))
	for i, v := range *l {
		parts[i] = strconv.Itoa(v)
	}
	return strings.Join(parts, ",")
}

func (l *intList) Set(s string) error {
	*l = (*l)[:0]
	for _, p := range strings.Split(s, ",") {
		v, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			return err
		}
		*l = append(*l, v)
	}
	return nil
}

func bindFlags(fs *flag.FlagSet, o *config.Options) {
	fs.StringVar(&o.Weights, "weights", o.Weights, "initial weights path (.ckpt or .json)")
	fs.StringVar(&o.EMAWeight, "ema-weight", o.EMAWeight, "initial EMA weights path")
	fs.StringVar(&o.Cfg, "cfg", o.Cfg, "model config path")
	fs.StringVar(&o.Data, "data", o.Data, "data.yaml path")
	fs.StringVar(&o.Hyp, "hyp", o.Hyp, "hyperparameters path")
	fs.IntVar(&o.Epochs, "epochs", o.Epochs, "number of epochs")
	fs.IntVar(&o.BatchSize, "batch-size", o.BatchSize, "total batch size for all devices")
	fs.Var((*intList)(&o.ImgSize), "img-size", "[train, test] image sizes")
	fs.Var((*intList)(&o.Freeze), "freeze", "freeze layers: backbone of yolov7=50, first3=0,1,2")
	fs.BoolVar(&o.SingleCls, "single-cls", o.SingleCls, "train multi-class data as single-class")
	fs.BoolVar(&o.MultiScale, "multi-scale", o.MultiScale, "vary img-size +/- 50%")
	fs.Float64Var(&o.LabelSmoothing, "label-smoothing", o.LabelSmoothing, "label smoothing epsilon")
	fs.BoolVar(&o.LinearLR, "linear-lr", o.LinearLR, "linear LR")
	fs.StringVar(&o.Optimizer, "optimizer", o.Optimizer, "sgd, momentum or adam")
	fs.BoolVar(&o.EMA, "ema", o.EMA, "keep an exponential moving average of the weights")
	fs.Int64Var(&o.Seed, "seed", o.Seed, "random seed")
	fs.IntVar(&o.MinWarmupSteps, "min-warmup-steps", o.MinWarmupSteps, "lower bound of the warmup length in steps")
	fs.StringVar(&o.Strategy, "ms-strategy", o.Strategy, "train strategy, StaticShape or StaticCell")
	fs.StringVar(&o.AmpLevel, "ms-amp-level", o.AmpLevel, "amp level, O0/O1/O2/O3")
	fs.StringVar(&o.LossScaler, "ms-loss-scaler", o.LossScaler, "loss scaler, dynamic/static/none")
	fs.Float64Var(&o.LossScalerValue, "ms-loss-scaler-value", o.LossScalerValue, "static loss scale value")
	fs.Float64Var(&o.GradSens, "ms-grad-sens", o.GradSens, "gradient sens for StaticCell")
	fs.Float64Var(&o.OptimLossScale, "ms-optim-loss-scale", o.OptimLossScale, "optimizer loss scale")
	fs.BoolVar(&o.OverflowStillUpdate, "overflow-still-update", o.OverflowStillUpdate, "apply updates on overflow")
	fs.BoolVar(&o.IsDistributed, "is-distributed", o.IsDistributed, "distributed training")
	fs.StringVar(&o.CollectiveAddr, "collective-addr", o.CollectiveAddr, "host:port of the gradient reduction hub (rank 0 listens)")
	fs.StringVar(&o.ReduceOp, "reduce-op", o.ReduceOp, "gradient reduction across devices, mean or sum")
	fs.BoolVar(&o.EnableSync, "enable-modelarts", o.EnableSync, "sync data and outputs with remote storage")
	fs.StringVar(&o.DataURL, "data-url", o.DataURL, "remote data location")
	fs.StringVar(&o.TrainURL, "train-url", o.TrainURL, "remote output location")
	fs.StringVar(&o.DataDir, "data-dir", o.DataDir, "local data directory")
	fs.StringVar(&o.Project, "project", o.Project, "save to project/name")
	fs.StringVar(&o.Name, "name", o.Name, "save to project/name")
	fs.BoolVar(&o.ExistOK, "exist-ok", o.ExistOK, "existing project/name ok, do not increment")
	fs.StringVar(&o.CkptFormat, "ckpt-format", o.CkptFormat, "checkpoint format, ckpt or json")
	fs.IntVar(&o.MaxCheckpoints, "max-checkpoints", o.MaxCheckpoints, "epochs of checkpoints to keep, 0 keeps all")
	fs.StringVar(&o.RunDB, "run-db", o.RunDB, "SQLite file recording per-step metrics")
	fs.StringVar(&o.LogLevel, "log-level", o.LogLevel, "debug, info, warn or error")
	fs.StringVar(&o.LogFormat, "log-format", o.LogFormat, "text or json")
	fs.BoolVar(&o.Evolve, "evolve", o.Evolve, "evolve hyperparameters")
	fs.IntVar(&o.SyntheticImages, "synthetic-images", o.SyntheticImages, "size of the synthetic train split")
}

func main() {
	opts := config.DefaultOptions()
	bindFlags(flag.CommandLine, opts)
	flag.Parse()

	logger, err := runlog.NewLogger(os.Stderr, opts.LogLevel, opts.LogFormat)
	if err != nil {
		log.Fatal(err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, opts, logger); err != nil {
		logger.Error("training failed", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, opts *config.Options, logger *slog.Logger) error {
	if err := opts.ApplyEnv(os.Getenv); err != nil {
		return err
	}
	if err := opts.Finalize(); err != nil {
		return err
	}
	saveDir, err := config.IncrementPath(filepath.Join(opts.Project, opts.Name), opts.ExistOK)
	if err != nil {
		return err
	}
	opts.SaveDir = saveDir
	runlog.Device(opts.DeviceID).Log(logger)

	hyp := config.DefaultHyp()
	if opts.Hyp != "" {
		if hyp, err = config.LoadHyp(opts.Hyp); err != nil {
			return err
		}
	}
	data := &config.Data{Nc: 1, Names: []string{"item"}, Train: config.SyntheticSplit}
	if opts.Data != "" {
		if data, err = config.LoadData(opts.Data); err != nil {
			return err
		}
	}

	var sink runlog.Sink = runlog.Nop{}
	runID := ""
	if opts.RunDB != "" {
		s, err := runlog.OpenSQLite(ctx, opts.RunDB, map[string]any{"save_dir": saveDir, "rank": opts.Rank, "cfg": opts.Cfg})
		if err != nil {
			return err
		}
		defer s.Close()
		sink, runID = s, s.RunID()
		logger.Info("run ledger", "path", opts.RunDB, "run_id", runID)
	}

	reducer, closeReducer, err := connect(ctx, opts, logger)
	if err != nil {
		return err
	}
	defer closeReducer()

	tr, err := training.Build(ctx, opts, hyp, data, training.Deps{
		Syncer:  artifacts.NewLocalSyncer(logger),
		Reducer: reducer,
		Sink:    sink,
		RunID:   runID,
		Logger:  logger,
	})
	if err != nil {
		return err
	}
	logger.Info(fmt.Sprintf("Training with %s, accumulate %d, img size %d, results saved to %s",
		tr.Strategy.Name(), tr.Accumulate, tr.ImgSize, saveDir))

	if err := tr.Loop.Run(ctx); err != nil {
		if errors.Cause(err) == context.Canceled {
			logger.Warn("training interrupted")
			return nil
		}
		return err
	}
	return nil
}

// connect sets up gradient reduction. Rank 0 hosts the hub; every rank,
// rank 0 included, joins it as a client.
func connect(ctx context.Context, opts *config.Options, logger *slog.Logger) (collective.Reducer, func(), error) {
	if opts.RankSize <= 1 {
		return collective.Identity{}, func() {}, nil
	}
	if opts.CollectiveAddr == "" {
		return nil, nil, config.Invalidf("distributed training needs a collective address")
	}

	op, err := collective.ParseOp(opts.ReduceOp)
	if err != nil {
		return nil, nil, config.Unsupportedf("%v", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	if opts.Rank == 0 {
		listener, err := net.Listen("tcp", opts.CollectiveAddr)
		if err != nil {
			cancel()
			return nil, nil, errors.Wrap(err, "listen for workers")
		}
		hub, err := collective.NewHub(listener, opts.RankSize, op, logger)
		if err != nil {
			cancel()
			listener.Close()
			return nil, nil, err
		}
		go func() {
			if err := hub.Serve(ctx); err != nil {
				logger.Error("collective hub", "error", err)
			}
		}()
	}

	// workers may start before rank 0 listens
	var client *collective.Client
	for attempt := 1; ; attempt++ {
		if client, err = collective.Dial(ctx, opts.CollectiveAddr, opts.Rank, opts.RankSize); err == nil {
			break
		}
		if attempt == dialAttempts {
			cancel()
			return nil, nil, err
		}
		logger.Debug("waiting for collective hub", "attempt", attempt, "error", err)
		select {
		case <-ctx.Done():
			cancel()
			return nil, nil, ctx.Err()
		case <-time.After(time.Second):
		}
	}
	logger.Info("joined collective", "rank", opts.Rank, "size", opts.RankSize, "addr", opts.CollectiveAddr)
	return client, func() { client.Close(); cancel() }, nil
}
