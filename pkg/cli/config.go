package cli

import (
	"context"
	"io"
	"os"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/proofgate/pkg/adapter"
	"github.com/m-mizutani/proofgate/pkg/dedup"
	"github.com/m-mizutani/proofgate/pkg/extract"
	"github.com/m-mizutani/proofgate/pkg/idempotency"
	"github.com/m-mizutani/proofgate/pkg/interfaces"
	"github.com/m-mizutani/proofgate/pkg/model"
	"github.com/m-mizutani/proofgate/pkg/policy"
	"github.com/m-mizutani/proofgate/pkg/repository"
	"github.com/m-mizutani/proofgate/pkg/staging"
	"github.com/m-mizutani/proofgate/pkg/usecase/admission"
	"github.com/m-mizutani/proofgate/pkg/utils/logging"
	"github.com/m-mizutani/proofgate/pkg/workerpool"
	"github.com/urfave/cli/v3"
)

const (
	storeFirestore = "firestore"
	storeSQLite    = "sqlite"
	storeMemory    = "memory"
)

// config holds configuration values
type config struct {
	// Logging
	logLevel  string
	logFormat string

	// Repository
	store      string
	project    string
	database   string
	sqlitePath string

	// Adapters
	geminiProject  string
	geminiLocation string
	faceEndpoint   string
	archiveBucket  string
	auditDataset   string
	auditTable     string
	redisAddr      string
	presenceLabels []string

	// Pipeline
	policyDir           string
	tempDir             string
	workers             int64
	historyLimit        int64
	hashThreshold       int64
	embeddingThreshold  float64
	syntheticThreshold  float64
	identityErrorPolicy string
	batchInternalDedup  bool
	maxBatchSize        int64
	extractTimeout      time.Duration
	fetchTimeout        time.Duration
}

// globalFlags returns common flags used across commands with destination config
func globalFlags(cfg *config) []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "log-level",
			Usage:       "Log level (debug, info, warn, error)",
			Value:       "info",
			Sources:     cli.EnvVars("PROOFGATE_LOG_LEVEL"),
			Destination: &cfg.logLevel,
		},
		&cli.StringFlag{
			Name:        "log-format",
			Usage:       "Log format (console, json)",
			Value:       string(logging.FormatConsole),
			Sources:     cli.EnvVars("PROOFGATE_LOG_FORMAT"),
			Destination: &cfg.logFormat,
		},
		&cli.StringFlag{
			Name:        "store",
			Usage:       "Fingerprint store (firestore, sqlite, memory)",
			Value:       storeFirestore,
			Sources:     cli.EnvVars("PROOFGATE_STORE"),
			Destination: &cfg.store,
		},
		&cli.StringFlag{
			Name:        "project",
			Aliases:     []string{"p"},
			Usage:       "Google Cloud project ID",
			Sources:     cli.EnvVars("GOOGLE_CLOUD_PROJECT"),
			Destination: &cfg.project,
		},
		&cli.StringFlag{
			Name:        "database",
			Aliases:     []string{"d"},
			Usage:       "Firestore database ID",
			Value:       "(default)",
			Sources:     cli.EnvVars("FIRESTORE_DATABASE_ID"),
			Destination: &cfg.database,
		},
		&cli.StringFlag{
			Name:        "sqlite-path",
			Usage:       "SQLite database file for --store=sqlite",
			Value:       "proofgate.db",
			Sources:     cli.EnvVars("PROOFGATE_SQLITE_PATH"),
			Destination: &cfg.sqlitePath,
		},
	}
}

// llmFlags returns flags for Gemini configuration with destination config
func llmFlags(cfg *config) []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "gemini-project",
			Usage:       "Google Cloud project ID for Gemini",
			Sources:     cli.EnvVars("GEMINI_PROJECT_ID"),
			Destination: &cfg.geminiProject,
		},
		&cli.StringFlag{
			Name:        "gemini-location",
			Usage:       "Google Cloud location for Gemini",
			Value:       "us-central1",
			Sources:     cli.EnvVars("GEMINI_LOCATION"),
			Destination: &cfg.geminiLocation,
		},
	}
}

// pipelineFlags returns flags for the admission pipeline with destination config
func pipelineFlags(cfg *config) []cli.Flag {
	return []cli.Flag{
		&cli.StringSliceFlag{
			Name:        "presence-labels",
			Usage:       "Object and label names counted as the required object",
			Value:       adapter.DefaultPresenceLabels,
			Sources:     cli.EnvVars("PROOFGATE_PRESENCE_LABELS"),
			Destination: &cfg.presenceLabels,
		},
		&cli.StringFlag{
			Name:        "face-endpoint",
			Usage:       "Face verification service URL; enables the identity gate",
			Sources:     cli.EnvVars("PROOFGATE_FACE_ENDPOINT"),
			Destination: &cfg.faceEndpoint,
		},
		&cli.StringFlag{
			Name:        "archive-bucket",
			Usage:       "Cloud Storage bucket keeping uploaded images",
			Sources:     cli.EnvVars("PROOFGATE_ARCHIVE_BUCKET"),
			Destination: &cfg.archiveBucket,
		},
		&cli.StringFlag{
			Name:        "audit-dataset",
			Usage:       "BigQuery dataset receiving decision audit rows",
			Sources:     cli.EnvVars("PROOFGATE_AUDIT_DATASET"),
			Destination: &cfg.auditDataset,
		},
		&cli.StringFlag{
			Name:        "audit-table",
			Usage:       "BigQuery table receiving decision audit rows",
			Value:       "decisions",
			Sources:     cli.EnvVars("PROOFGATE_AUDIT_TABLE"),
			Destination: &cfg.auditTable,
		},
		&cli.StringFlag{
			Name:        "redis-addr",
			Usage:       "Redis address for idempotency keys (in-process store when empty)",
			Sources:     cli.EnvVars("PROOFGATE_REDIS_ADDR"),
			Destination: &cfg.redisAddr,
		},
		&cli.StringFlag{
			Name:        "policy-dir",
			Usage:       "Directory of Rego review policies",
			Sources:     cli.EnvVars("PROOFGATE_POLICY_DIR"),
			Destination: &cfg.policyDir,
		},
		&cli.StringFlag{
			Name:        "temp-dir",
			Usage:       "Directory for staged face images (system temp dir when empty)",
			Sources:     cli.EnvVars("PROOFGATE_TEMP_DIR"),
			Destination: &cfg.tempDir,
		},
		&cli.IntFlag{
			Name:        "workers",
			Usage:       "Size of the shared extraction pool",
			Value:       workerpool.DefaultSize,
			Sources:     cli.EnvVars("PROOFGATE_WORKERS"),
			Destination: &cfg.workers,
		},
		&cli.IntFlag{
			Name:        "history-limit",
			Usage:       "Number of newest fingerprints compared per submission",
			Value:       admission.DefaultHistoryLimit,
			Sources:     cli.EnvVars("PROOFGATE_HISTORY_LIMIT"),
			Destination: &cfg.historyLimit,
		},
		&cli.IntFlag{
			Name:        "hash-threshold",
			Usage:       "Maximum perceptual hash distance treated as duplicate",
			Value:       dedup.DefaultHashThreshold,
			Sources:     cli.EnvVars("PROOFGATE_HASH_THRESHOLD"),
			Destination: &cfg.hashThreshold,
		},
		&cli.FloatFlag{
			Name:        "embedding-threshold",
			Usage:       "Cosine similarity above which images are duplicates",
			Value:       dedup.DefaultEmbeddingThreshold,
			Sources:     cli.EnvVars("PROOFGATE_EMBEDDING_THRESHOLD"),
			Destination: &cfg.embeddingThreshold,
		},
		&cli.FloatFlag{
			Name:        "synthetic-threshold",
			Usage:       "Synthetic confidence above which images are rejected",
			Value:       admission.DefaultSyntheticThreshold,
			Sources:     cli.EnvVars("PROOFGATE_SYNTHETIC_THRESHOLD"),
			Destination: &cfg.syntheticThreshold,
		},
		&cli.StringFlag{
			Name:        "identity-error-policy",
			Usage:       "Outcome when face matching errors (allow, reject)",
			Value:       string(admission.IdentityErrorAllow),
			Sources:     cli.EnvVars("PROOFGATE_IDENTITY_ERROR_POLICY"),
			Destination: &cfg.identityErrorPolicy,
		},
		&cli.BoolFlag{
			Name:        "batch-internal-dedup",
			Usage:       "Compare batch images against images approved earlier in the same batch",
			Sources:     cli.EnvVars("PROOFGATE_BATCH_INTERNAL_DEDUP"),
			Destination: &cfg.batchInternalDedup,
		},
		&cli.IntFlag{
			Name:        "max-batch-size",
			Usage:       "Maximum number of images in one batch",
			Value:       admission.DefaultMaxBatchSize,
			Sources:     cli.EnvVars("PROOFGATE_MAX_BATCH_SIZE"),
			Destination: &cfg.maxBatchSize,
		},
		&cli.DurationFlag{
			Name:        "extract-timeout",
			Usage:       "Timeout of each feature extraction",
			Value:       admission.DefaultExtractTimeout,
			Sources:     cli.EnvVars("PROOFGATE_EXTRACT_TIMEOUT"),
			Destination: &cfg.extractTimeout,
		},
		&cli.DurationFlag{
			Name:        "fetch-timeout",
			Usage:       "Timeout of image URL downloads",
			Value:       adapter.DefaultFetchTimeout,
			Sources:     cli.EnvVars("PROOFGATE_FETCH_TIMEOUT"),
			Destination: &cfg.fetchTimeout,
		},
	}
}

// allFlags combines every flag group with the command specific flags
func allFlags(cfg *config, flags ...cli.Flag) []cli.Flag {
	flags = append(flags, globalFlags(cfg)...)
	flags = append(flags, llmFlags(cfg)...)
	flags = append(flags, pipelineFlags(cfg)...)
	return flags
}

// setupLogger installs the default logger and returns ctx carrying it
func (cfg *config) setupLogger(ctx context.Context, w io.Writer) context.Context {
	if w == nil {
		w = os.Stderr
	}
	logger := logging.New(cfg.logLevel, logging.Format(cfg.logFormat), w)
	logging.SetDefault(logger)
	return logging.With(ctx, logger)
}

// newRepository creates a new repository instance
func (cfg *config) newRepository(ctx context.Context) (repository.Repository, error) {
	switch cfg.store {
	case storeFirestore:
		if cfg.project == "" {
			return nil, goerr.New("project is required")
		}
		if cfg.database == "" {
			return nil, goerr.New("database is required")
		}
		repo, err := repository.NewFirestore(ctx, cfg.project, cfg.database)
		if err != nil {
			return nil, goerr.Wrap(err, "failed to create repository")
		}
		return repo, nil

	case storeSQLite:
		repo, err := repository.NewSQLite(ctx, cfg.sqlitePath)
		if err != nil {
			return nil, goerr.Wrap(err, "failed to create repository")
		}
		return repo, nil

	case storeMemory:
		return repository.NewMemory(), nil

	default:
		return nil, goerr.New("unknown store", goerr.V("store", cfg.store))
	}
}

// newGemini creates a Gemini adapter. It returns nil when no Gemini project
// is configured.
func (cfg *config) newGemini(ctx context.Context) (*adapter.Gemini, error) {
	if cfg.geminiProject == "" {
		return nil, nil
	}
	if cfg.geminiLocation == "" {
		return nil, goerr.New("gemini-location is required")
	}
	return adapter.NewGemini(ctx, cfg.geminiProject, cfg.geminiLocation,
		adapter.WithDescribeConcurrency(int(cfg.workers)),
		adapter.WithDescribeTimeout(cfg.extractTimeout),
	)
}

// newEnsemble builds the synthetic detector. Without Gemini only the local
// methods take part.
func newEnsemble(gemini *adapter.Gemini) (*extract.Ensemble, error) {
	methods := []extract.WeightedMethod{
		{Method: extract.NewStatisticalMethod(), Weight: 0.35},
		{Method: extract.NewFrequencyMethod(), Weight: 0.35},
		{Method: extract.NewMetadataMethod(), Weight: 0.3},
	}
	if gemini != nil {
		methods = []extract.WeightedMethod{
			{Method: gemini.Vision(), Weight: 0.4},
			{Method: extract.NewStatisticalMethod(), Weight: 0.2},
			{Method: extract.NewFrequencyMethod(), Weight: 0.2},
			{Method: extract.NewMetadataMethod(), Weight: 0.2},
		}
	}
	return extract.NewEnsemble(methods)
}

// buildUseCase wires every adapter into the admission use case. The returned
// cleanup closes the clients that hold connections. Commands that persist
// fingerprints set requireEmbedder.
func (cfg *config) buildUseCase(ctx context.Context, requireEmbedder bool) (*admission.UseCase, func(), error) {
	var closers []func() error
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			if err := closers[i](); err != nil {
				logging.From(ctx).Warn("failed to close client", "error", err)
			}
		}
	}
	fail := func(err error) (*admission.UseCase, func(), error) {
		cleanup()
		return nil, nil, err
	}

	if err := admission.IdentityErrorPolicy(cfg.identityErrorPolicy).Validate(); err != nil {
		return nil, nil, err
	}

	repo, err := cfg.newRepository(ctx)
	if err != nil {
		return fail(err)
	}
	closers = append(closers, repo.Close)

	gemini, err := cfg.newGemini(ctx)
	if err != nil {
		return fail(err)
	}
	var embedder interfaces.Embedder = noEmbedder{}
	if gemini != nil {
		embedder = gemini
	} else if requireEmbedder {
		return fail(goerr.New("gemini-project is required for image embeddings"))
	}

	ensemble, err := newEnsemble(gemini)
	if err != nil {
		return fail(err)
	}

	presence, err := adapter.NewVision(ctx, adapter.WithPresenceLabels(cfg.presenceLabels...))
	if err != nil {
		return fail(err)
	}
	closers = append(closers, presence.Close)

	opts := []admission.Option{
		admission.WithPool(workerpool.New(int(cfg.workers))),
		admission.WithLoader(adapter.NewLoader(adapter.WithFetchTimeout(cfg.fetchTimeout))),
		admission.WithStaging(staging.New(cfg.tempDir)),
		admission.WithDuplicateDetector(dedup.New(
			dedup.WithHashThreshold(int(cfg.hashThreshold)),
			dedup.WithEmbeddingThreshold(cfg.embeddingThreshold),
		)),
		admission.WithSyntheticThreshold(cfg.syntheticThreshold),
		admission.WithHistoryLimit(int(cfg.historyLimit)),
		admission.WithIdentityErrorPolicy(admission.IdentityErrorPolicy(cfg.identityErrorPolicy)),
		admission.WithBatchInternalDedup(cfg.batchInternalDedup),
		admission.WithExtractTimeout(cfg.extractTimeout),
		admission.WithEmbedParallelism(int(cfg.workers)),
		admission.WithMaxBatchSize(int(cfg.maxBatchSize)),
	}

	if cfg.faceEndpoint != "" {
		opts = append(opts, admission.WithFaceMatcher(adapter.NewFaceVerifier(cfg.faceEndpoint)))
	}

	if cfg.policyDir != "" {
		engine, err := policy.New(ctx, cfg.policyDir)
		if err != nil {
			return fail(err)
		}
		opts = append(opts, admission.WithPolicy(engine))
	}

	guard, closeGuard, err := cfg.newGuard(ctx)
	if err != nil {
		return fail(err)
	}
	if closeGuard != nil {
		closers = append(closers, closeGuard)
	}
	opts = append(opts, admission.WithIdempotency(guard))

	if cfg.archiveBucket != "" {
		archive, err := adapter.NewStorage(ctx, cfg.archiveBucket)
		if err != nil {
			return fail(err)
		}
		opts = append(opts, admission.WithUploadArchive(archive))
	}

	if cfg.auditDataset != "" {
		sink, err := cfg.newAudit(ctx)
		if err != nil {
			return fail(err)
		}
		closers = append(closers, sink.Close)
		opts = append(opts, admission.WithAuditSink(sink))
	}

	extractors := admission.Extractors{
		Hasher:    extract.NewPerceptionHasher(),
		Embedder:  embedder,
		Synthetic: ensemble,
		Presence:  presence,
	}
	return admission.New(repo, extractors, opts...), cleanup, nil
}

func (cfg *config) newGuard(ctx context.Context) (idempotency.Guard, func() error, error) {
	if cfg.redisAddr == "" {
		return idempotency.NewMemory(), nil, nil
	}
	guard, err := idempotency.NewRedis(ctx, cfg.redisAddr)
	if err != nil {
		return nil, nil, err
	}
	return guard, guard.Close, nil
}

func (cfg *config) newAudit(ctx context.Context) (*adapter.BigQueryAudit, error) {
	if cfg.project == "" {
		return nil, goerr.New("project is required for audit")
	}
	return adapter.NewBigQueryAudit(ctx, cfg.project, cfg.auditDataset, cfg.auditTable)
}

// noEmbedder stands in when Gemini is not configured for commands that never
// embed
type noEmbedder struct{}

func (noEmbedder) Embed(ctx context.Context, img *model.Image) ([]float32, error) {
	return nil, goerr.New("gemini-project is not configured")
}

func (noEmbedder) EmbedBatch(ctx context.Context, imgs []*model.Image) ([][]float32, error) {
	return nil, goerr.New("gemini-project is not configured")
}
