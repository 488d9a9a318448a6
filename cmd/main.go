package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/docopt/docopt.go"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/schollz/progressbar/v3"
	"go.uber.org/zap"

	"github.com/TFMV/persona/classify"
	"github.com/TFMV/persona/config"
	"github.com/TFMV/persona/db"
	"github.com/TFMV/persona/export"
	"github.com/TFMV/persona/flight"
	"github.com/TFMV/persona/logging"
	"github.com/TFMV/persona/model"
	"github.com/TFMV/persona/pipeline"
	"github.com/TFMV/persona/rfm"
	"github.com/TFMV/persona/segment"
	"github.com/TFMV/persona/source"
)

const version = "1.0.0"

const usage = `Persona: RFM customer segmentation.

Usage:
  persona build [--config=<path>] [--clusters=<k>] [--seed=<n>] [--quiet]
  persona classify <recency> <frequency> <monetary> [--config=<path>]
  persona summary [--config=<path>]
  persona export [<persona>] [--config=<path>] [--out=<dir>]
  persona convert <csv> <arrow> [--config=<path>]
  persona serve [--config=<path>] [--addr=<addr>] [--load]
  persona (-h | --help)
  persona --version

Options:
  -h --help          Show this screen.
  --version          Show version.
  --config=<path>    YAML configuration file (defaults to $PERSONA_CONFIG).
  --clusters=<k>     Number of clusters, overrides the configuration.
  --seed=<n>         Clustering seed, overrides the configuration.
  --quiet            Do not draw a progress bar.
  --out=<dir>        Export directory, overrides the configuration.
  --addr=<addr>      Flight listen address, overrides the configuration.
  --load             Ingest the configured source before serving.

build saves the model before writing the export and the warehouse table. If
either output fails, the new model stays saved and the error names its
generation.
`

func main() {
	arguments, err := docopt.ParseArgs(usage, os.Args[1:], version)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error parsing arguments: %v\n", err)
		os.Exit(1)
	}

	path, _ := arguments.String("--config")
	cfg, err := config.Load(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.New(cfg.Log.Level)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	switch {
	case flag(arguments, "build"):
		err = runBuild(ctx, cfg, arguments, logger)
	case flag(arguments, "classify"):
		err = runClassify(ctx, cfg, arguments, logger)
	case flag(arguments, "summary"):
		err = runSummary(ctx, cfg, logger)
	case flag(arguments, "export"):
		err = runExport(ctx, cfg, arguments, logger)
	case flag(arguments, "convert"):
		err = runConvert(ctx, arguments, logger)
	case flag(arguments, "serve"):
		err = runServe(ctx, cfg, arguments, logger)
	}
	if err != nil {
		logger.Error("command failed", zap.Error(err))
		logger.Sync()
		os.Exit(1)
	}
}

func flag(args docopt.Opts, name string) bool {
	v, _ := args.Bool(name)
	return v
}

// runBuild segments the configured source and replaces the model store, then
// writes the CSV export and the warehouse table. The store is replaced first:
// if an output fails the command exits non-zero with the new model live.
func runBuild(ctx context.Context, cfg config.Config, args docopt.Opts, logger *zap.Logger) error {
	if v, err := args.Int("--clusters"); err == nil {
		cfg.Model.Clusters = v
	}
	if v, err := args.String("--seed"); err == nil && v != "" {
		seed, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("--seed: %w", err)
		}
		cfg.Model.Seed = seed
	}
	pcfg, err := cfg.Pipeline()
	if err != nil {
		return err
	}

	src, closeSrc, err := openSource(cfg, logger)
	if err != nil {
		return err
	}
	defer closeSrc()
	store, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	deps := pipeline.Deps{Source: src, Store: store, Logger: logger}
	if !flag(args, "--quiet") {
		deps.Progress = progressbar.NewOptions(len(pipeline.Stages),
			progressbar.OptionSetDescription("segmenting"),
			progressbar.OptionSetWriter(os.Stderr),
			progressbar.OptionShowCount(),
			progressbar.OptionClearOnFinish(),
		)
	}
	p, err := pipeline.New(pcfg, deps)
	if err != nil {
		return err
	}
	res, err := p.Run(ctx)
	if err != nil {
		return err
	}

	if err := writeOutputs(ctx, cfg, res, logger); err != nil {
		return err
	}

	fmt.Printf("Segmented %d customers (generation %s, snapshot %s)\n",
		res.Customers, res.Manifest.Generation, res.Aggregation.Snapshot.Format("2006-01-02"))
	printSummary(res.Personas)
	return nil
}

func loadSession(ctx context.Context, cfg config.Config, logger *zap.Logger) (*classify.Session, func(), error) {
	vocab, err := cfg.Vocabulary()
	if err != nil {
		return nil, nil, err
	}
	store, err := openStore(ctx, cfg, logger)
	if err != nil {
		return nil, nil, err
	}
	s := classify.NewSession(store, classify.Options{Vocabulary: vocab, Logger: logger})
	if err := s.Refresh(ctx); err != nil {
		store.Close()
		if errors.Is(err, model.ErrNotFitted) {
			return nil, nil, fmt.Errorf("%w: run `persona build` first", err)
		}
		return nil, nil, err
	}
	return s, func() { store.Close() }, nil
}

func runClassify(ctx context.Context, cfg config.Config, args docopt.Opts, logger *zap.Logger) error {
	var m rfm.Metrics
	for name, dst := range map[string]*float64{"<recency>": &m.Recency, "<frequency>": &m.Frequency, "<monetary>": &m.Monetary} {
		v, err := args.Float64(name)
		if err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		*dst = v
	}

	s, done, err := loadSession(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer done()

	res, err := s.Classify(ctx, m)
	if err != nil {
		return err
	}
	fmt.Printf("Persona: %s (%s value)\n", res.Persona, res.Persona.Tier())
	fmt.Printf("Recommended action: %s\n", res.Recommendation)
	fmt.Printf("Cluster %d averages: recency %.2f, frequency %.2f, monetary %.2f over %d customers\n",
		res.Cluster, res.Profile.Recency, res.Profile.Frequency, res.Profile.Monetary, res.Profile.Customers)
	return nil
}

func runSummary(ctx context.Context, cfg config.Config, logger *zap.Logger) error {
	s, done, err := loadSession(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer done()

	summary, err := s.Summary()
	if err != nil {
		return err
	}
	m, err := s.Manifest()
	if err != nil {
		return err
	}
	fmt.Printf("Generation %s: %d customers in %d clusters\n", m.Generation, m.Customers, m.K)
	printSummary(summary)
	return nil
}

func printSummary(rows []segment.PersonaSummary) {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "PERSONA\tCUSTOMERS\tRECENCY\tFREQUENCY\tMONETARY\tRECOMMENDED ACTION")
	for _, r := range rows {
		fmt.Fprintf(w, "%s\t%d\t%.2f\t%.2f\t%.2f\t%s\n", r.Persona, r.Customers, r.Recency, r.Frequency, r.Monetary, r.Recommendation)
	}
	w.Flush()
}

func runExport(ctx context.Context, cfg config.Config, args docopt.Opts, logger *zap.Logger) error {
	dir := cfg.Export.Dir
	if v, err := args.String("--out"); err == nil && v != "" {
		dir = v
	}
	s, done, err := loadSession(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer done()

	rows, err := s.Assignments()
	if err != nil {
		return err
	}
	w := export.NewWriter(logger)

	name, _ := args.String("<persona>")
	if name == "" {
		path := filepath.Join(dir, export.TableFileName)
		if err := w.File(path, rows); err != nil {
			return err
		}
		fmt.Printf("Wrote %d customers to %s\n", len(rows), path)
		return nil
	}

	p := segment.Normalize(name)
	path, err := w.PersonaFile(dir, rows, p)
	if err != nil {
		return err
	}
	fmt.Printf("Wrote %d %s customers to %s\n", len(segment.Filter(rows, p)), p, path)
	return nil
}

func runConvert(ctx context.Context, args docopt.Opts, logger *zap.Logger) error {
	in, _ := args.String("<csv>")
	out, _ := args.String("<arrow>")
	recs, err := source.NewCSVSource(in, logger).ReadAll(ctx)
	if err != nil {
		return err
	}
	defer source.Release(recs)
	if err := source.WriteIPCFile(out, recs); err != nil {
		return err
	}
	logger.Info("converted transactions", zap.String("from", in), zap.String("to", out), zap.Int("batches", len(recs)))
	return nil
}

func runServe(ctx context.Context, cfg config.Config, args docopt.Opts, logger *zap.Logger) error {
	addr := cfg.Server.Addr
	if v, err := args.String("--addr"); err == nil && v != "" {
		addr = v
	}
	pcfg, err := cfg.Pipeline()
	if err != nil {
		return err
	}
	store, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	// One breaker guards the source for the life of the server: preload and
	// every source retrain go through it.
	src, closeSrc, err := openSource(cfg, logger)
	if err != nil {
		return err
	}
	defer closeSrc()

	txs := db.NewDB()
	defer txs.Close()
	if flag(args, "--load") {
		if err := preload(ctx, src, txs, logger); err != nil {
			return err
		}
	}

	session := classify.NewSession(store, classify.Options{Vocabulary: pcfg.Vocabulary, Logger: logger})
	if err := session.Refresh(ctx); err != nil {
		if !errors.Is(err, model.ErrNotFitted) {
			return err
		}
		logger.Warn("no model artifacts yet; retrain after ingesting transactions")
	}

	svc := flight.NewService(txs, store, session, pcfg, logger).WithSource(src)
	if a := cfg.Server.Authenticator(); a != nil {
		svc.WithAuth(a)
	}
	srv, err := flight.NewServer(addr, svc)
	if err != nil {
		return err
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	metrics := &http.Server{Addr: cfg.Server.MetricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	errCh := make(chan error, 2)
	go func() {
		if err := metrics.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("metrics server: %w", err)
		}
	}()
	go func() {
		if err := srv.Serve(); err != nil {
			errCh <- fmt.Errorf("flight server: %w", err)
		}
	}()
	logger.Info("serving",
		zap.String("flight", srv.Addr().String()),
		zap.String("metrics", cfg.Server.MetricsAddr))

	select {
	case <-ctx.Done():
		logger.Info("shutting down", zap.Error(ctx.Err()))
	case err = <-errCh:
		logger.Error("server error", zap.Error(err))
	}

	srv.Shutdown()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if serr := metrics.Shutdown(shutdownCtx); serr != nil {
		logger.Warn("metrics shutdown", zap.Error(serr))
	}
	return err
}

// preload ingests the configured source into the served transaction table.
func preload(ctx context.Context, src source.Source, txs *db.DB, logger *zap.Logger) error {
	recs, err := src.ReadAll(ctx)
	if err != nil {
		return err
	}
	defer source.Release(recs)
	for _, rec := range recs {
		if err := txs.Ingest(rec); err != nil {
			return err
		}
	}
	logger.Info("preloaded transactions", zap.Int64("rows", txs.NumRows()))
	return nil
}
