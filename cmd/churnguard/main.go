package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/modelops/churnguard/internal/config"
	"github.com/modelops/churnguard/internal/dataset"
	"github.com/modelops/churnguard/internal/drift"
	"github.com/modelops/churnguard/internal/policy"
	"github.com/modelops/churnguard/internal/registry"
	"github.com/modelops/churnguard/internal/scoring"
	"github.com/modelops/churnguard/internal/snapshot"
	"github.com/modelops/churnguard/internal/storage"
	"github.com/modelops/churnguard/pkg/logger"
)

const usage = `usage: churnguard <command> [flags]

commands:
  snapshot       build a reference feature snapshot from a CSV window
  drift-check    evaluate a current window against a stored snapshot
  decide-retrain run the retraining policy on the latest drift report
  register       register a trained model artifact
  promote        promote a registered version to an alias
  rollback       roll an alias back to its previous version
  batch-score    score a window with the production model
  status         print registry and job state
`

type app struct {
	cfg    *config.Config
	logger *zap.Logger
}

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("Warning: .env file not found, using environment variables")
	}

	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(1)
	}

	logLevel := os.Getenv("LOG_LEVEL")
	if logLevel == "" {
		logLevel = "info"
	}
	zapLogger, err := logger.NewLogger(logLevel)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer zapLogger.Sync()

	cfg, err := config.LoadConfig(os.Getenv("CHURNGUARD_CONFIG"))
	if err != nil {
		zapLogger.Fatal("Failed to load configuration", zap.Error(err))
	}

	a := &app{cfg: cfg, logger: zapLogger}

	var runErr error
	switch os.Args[1] {
	case "snapshot":
		runErr = a.runSnapshot(os.Args[2:])
	case "drift-check":
		runErr = a.runDriftCheck(os.Args[2:])
	case "decide-retrain":
		runErr = a.runDecideRetrain(os.Args[2:])
	case "register":
		runErr = a.runRegister(os.Args[2:])
	case "promote":
		runErr = a.runPromote(os.Args[2:])
	case "rollback":
		runErr = a.runRollback(os.Args[2:])
	case "batch-score":
		runErr = a.runBatchScore(os.Args[2:])
	case "status":
		runErr = a.runStatus(os.Args[2:])
	default:
		fmt.Fprint(os.Stderr, usage)
		os.Exit(1)
	}
	if runErr != nil {
		zapLogger.Fatal("Command failed", zap.String("command", os.Args[1]), zap.Error(runErr))
	}
}

// schemaFromFlags builds a CSV schema from --numeric/--categorical/--id-col.
func schemaFromFlags(numeric, categorical, idCol string) dataset.Schema {
	schema := dataset.Schema{}
	for _, name := range splitList(numeric) {
		schema[name] = dataset.ColumnNumeric
	}
	for _, name := range splitList(categorical) {
		schema[name] = dataset.ColumnCategorical
	}
	if idCol != "" {
		schema[idCol] = dataset.ColumnEntityID
	}
	return schema
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func (a *app) runSnapshot(args []string) error {
	fs := flag.NewFlagSet("snapshot", flag.ExitOnError)
	ref := fs.String("reference", "", "reference window CSV")
	lineage := fs.String("lineage", "", "lineage id of the reference dataset")
	numeric := fs.String("numeric", "", "comma-separated numeric columns")
	categorical := fs.String("categorical", "", "comma-separated categorical columns")
	idCol := fs.String("id-col", "", "entity id column")
	fs.Parse(args)

	if *ref == "" || *lineage == "" {
		return fmt.Errorf("snapshot requires --reference and --lineage")
	}

	window, err := dataset.FromCSV(*ref, *lineage, schemaFromFlags(*numeric, *categorical, *idCol))
	if err != nil {
		return err
	}

	db, err := storage.Open(a.cfg.Storage.StateDir)
	if err != nil {
		return err
	}
	defer db.Close()

	snap, err := snapshot.NewBuilder(a.cfg.Snapshot, a.logger).Build(window, *lineage)
	if err != nil {
		return err
	}
	return snapshot.NewStore(db, a.logger).Put(snap)
}

func (a *app) runDriftCheck(args []string) error {
	fs := flag.NewFlagSet("drift-check", flag.ExitOnError)
	lineage := fs.String("lineage", "", "lineage id of the reference snapshot")
	windowPath := fs.String("window", "", "current window CSV")
	windowID := fs.String("window-id", "", "identifier of the current window")
	numeric := fs.String("numeric", "", "comma-separated numeric columns")
	categorical := fs.String("categorical", "", "comma-separated categorical columns")
	idCol := fs.String("id-col", "", "entity id column")
	fs.Parse(args)

	if *lineage == "" || *windowPath == "" {
		return fmt.Errorf("drift-check requires --lineage and --window")
	}
	if *windowID == "" {
		*windowID = *windowPath
	}

	window, err := dataset.FromCSV(*windowPath, *windowID, schemaFromFlags(*numeric, *categorical, *idCol))
	if err != nil {
		return err
	}

	db, err := storage.Open(a.cfg.Storage.StateDir)
	if err != nil {
		return err
	}
	defer db.Close()

	snap, err := snapshot.NewStore(db, a.logger).Get(*lineage)
	if err != nil {
		return err
	}

	report, err := drift.NewDetector(a.cfg.Drift, a.logger).ComputeDrift(snap, window)
	if err != nil {
		return err
	}

	reportLog := drift.NewReportLog(db, a.logger)
	if err := reportLog.Append(report); err != nil {
		return err
	}
	if _, err := reportLog.Export(report, a.cfg.Storage.ReportsDir); err != nil {
		return err
	}

	printJSON(report)

	// Non-zero exit helps the CronJob alert pattern.
	if report.Status == drift.StatusFail {
		db.Close()
		a.logger.Sync()
		os.Exit(2)
	}
	return nil
}

func (a *app) runDecideRetrain(args []string) error {
	fs := flag.NewFlagSet("decide-retrain", flag.ExitOnError)
	recent := fs.Float64("recent-metric", 0, "primary metric on a recent labeled holdout")
	baseline := fs.Float64("baseline-metric", 0, "primary metric at training time")
	hasMetrics := fs.Bool("with-metrics", false, "whether holdout metrics are supplied")
	fs.Parse(args)

	db, err := storage.Open(a.cfg.Storage.StateDir)
	if err != nil {
		return err
	}
	defer db.Close()

	reg, err := registry.New(db, a.cfg.Storage.ArtifactsDir, a.cfg.Registry, a.logger)
	if err != nil {
		return err
	}

	report, err := drift.NewReportLog(db, a.logger).Latest()
	if err != nil {
		return err
	}

	in := policy.Inputs{
		DriftReport:    report,
		RecentMetric:   *recent,
		BaselineMetric: *baseline,
		HasMetrics:     *hasMetrics,
		Now:            time.Now().UTC(),
	}
	if art, _, err := reg.Get(registry.AliasProduction); err == nil {
		in.LastTrainedAt = art.TrainedAt
	}

	engine := policy.NewEngine(a.cfg.Policy, reg, nil, a.logger)
	decision, job, err := engine.Evaluate(context.Background(), in)
	if err != nil {
		return err
	}

	printJSON(decision)
	if job != nil {
		printJSON(job)
	}
	return nil
}

func (a *app) runRegister(args []string) error {
	fs := flag.NewFlagSet("register", flag.ExitOnError)
	modelPath := fs.String("model", "", "trained model artifact file")
	lineage := fs.String("lineage", "", "lineage id the model was trained on")
	metricsArg := fs.String("metrics", "", "comma-separated metric=value pairs")
	hyperArg := fs.String("hyperparameters", "", "comma-separated key=value pairs")
	fs.Parse(args)

	if *modelPath == "" || *lineage == "" {
		return fmt.Errorf("register requires --model and --lineage")
	}

	blob, err := os.ReadFile(*modelPath)
	if err != nil {
		return err
	}
	metricVals, err := parseFloatPairs(*metricsArg)
	if err != nil {
		return err
	}

	db, err := storage.Open(a.cfg.Storage.StateDir)
	if err != nil {
		return err
	}
	defer db.Close()

	reg, err := registry.New(db, a.cfg.Storage.ArtifactsDir, a.cfg.Registry, a.logger)
	if err != nil {
		return err
	}

	version, err := reg.Register(blob, registry.ArtifactMeta{
		LineageID:       *lineage,
		TrainedAt:       time.Now().UTC(),
		Hyperparameters: parsePairs(*hyperArg),
		Metrics:         metricVals,
	})
	if err != nil {
		return err
	}
	fmt.Printf("registered version %d\n", version)
	return nil
}

func (a *app) runPromote(args []string) error {
	fs := flag.NewFlagSet("promote", flag.ExitOnError)
	alias := fs.String("alias", registry.AliasProduction, "alias to promote to")
	version := fs.Int64("version", 0, "registered version id")
	fs.Parse(args)

	if *version == 0 {
		return fmt.Errorf("promote requires --version")
	}

	db, err := storage.Open(a.cfg.Storage.StateDir)
	if err != nil {
		return err
	}
	defer db.Close()

	reg, err := registry.New(db, a.cfg.Storage.ArtifactsDir, a.cfg.Registry, a.logger)
	if err != nil {
		return err
	}
	result, err := reg.Promote(*alias, *version)
	if err != nil {
		return err
	}
	printJSON(result)
	return nil
}

func (a *app) runRollback(args []string) error {
	fs := flag.NewFlagSet("rollback", flag.ExitOnError)
	alias := fs.String("alias", registry.AliasProduction, "alias to roll back")
	fs.Parse(args)

	db, err := storage.Open(a.cfg.Storage.StateDir)
	if err != nil {
		return err
	}
	defer db.Close()

	reg, err := registry.New(db, a.cfg.Storage.ArtifactsDir, a.cfg.Registry, a.logger)
	if err != nil {
		return err
	}
	result, err := reg.Rollback(*alias)
	if err != nil {
		return err
	}
	printJSON(result)
	return nil
}

func (a *app) runBatchScore(args []string) error {
	fs := flag.NewFlagSet("batch-score", flag.ExitOnError)
	windowPath := fs.String("window", "", "feature window CSV")
	windowID := fs.String("window-id", "", "identifier of the window")
	numeric := fs.String("numeric", "", "comma-separated numeric columns")
	categorical := fs.String("categorical", "", "comma-separated categorical columns")
	idCol := fs.String("id-col", "", "entity id column")
	fs.Parse(args)

	if *windowPath == "" {
		return fmt.Errorf("batch-score requires --window")
	}
	if *windowID == "" {
		*windowID = *windowPath
	}

	window, err := dataset.FromCSV(*windowPath, *windowID, schemaFromFlags(*numeric, *categorical, *idCol))
	if err != nil {
		return err
	}

	db, err := storage.Open(a.cfg.Storage.StateDir)
	if err != nil {
		return err
	}
	defer db.Close()

	reg, err := registry.New(db, a.cfg.Storage.ArtifactsDir, a.cfg.Registry, a.logger)
	if err != nil {
		return err
	}
	scorer, err := scoring.NewScorer(reg, a.cfg.Storage.PredictionsDir, a.cfg.Scorer, a.logger)
	if err != nil {
		return err
	}
	result, err := scorer.ScoreBatch(window)
	if err != nil {
		return err
	}
	printJSON(result)
	return nil
}

func (a *app) runStatus(args []string) error {
	db, err := storage.Open(a.cfg.Storage.StateDir)
	if err != nil {
		return err
	}
	defer db.Close()

	reg, err := registry.New(db, a.cfg.Storage.ArtifactsDir, a.cfg.Registry, a.logger)
	if err != nil {
		return err
	}

	status := map[string]any{}
	if art, state, err := reg.Get(registry.AliasProduction); err == nil {
		status["production"] = map[string]any{
			"version":    art.Version,
			"lineage_id": art.LineageID,
			"trained_at": art.TrainedAt,
			"metrics":    art.Metrics,
			"history":    state.History,
		}
	} else {
		status["production"] = err.Error()
	}
	if job, err := reg.TrainingJob(); err == nil && job != nil {
		status["training_job"] = job
	}
	if last, ok, err := reg.LastRetrainTrigger(); err == nil && ok {
		status["last_retrain_trigger"] = last
	}
	if report, err := drift.NewReportLog(db, a.logger).Latest(); err == nil && report != nil {
		status["last_drift_report"] = map[string]any{
			"id":           report.ID,
			"evaluated_at": report.EvaluatedAt,
			"status":       report.Status,
			"aggregate":    report.AggregateScore,
		}
	}
	printJSON(status)
	return nil
}

func parsePairs(s string) map[string]string {
	out := make(map[string]string)
	for _, pair := range splitList(s) {
		k, v, ok := strings.Cut(pair, "=")
		if ok {
			out[k] = v
		}
	}
	return out
}

func parseFloatPairs(s string) (map[string]float64, error) {
	out := make(map[string]float64)
	for _, pair := range splitList(s) {
		k, v, ok := strings.Cut(pair, "=")
		if !ok {
			return nil, fmt.Errorf("invalid metric pair %q", pair)
		}
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid metric value %q: %w", pair, err)
		}
		out[k] = f
	}
	return out, nil
}

func printJSON(v any) {
	payload, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return
	}
	fmt.Println(string(payload))
}
