// Command GiftExplain runs the gift-explanation survey server and its offline
// data tools.
package main

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/BTreeMap/GiftExplain/internal/api"
	"github.com/BTreeMap/GiftExplain/internal/experiment"
	"github.com/BTreeMap/GiftExplain/internal/export"
	"github.com/BTreeMap/GiftExplain/internal/genai"
	"github.com/BTreeMap/GiftExplain/internal/lockfile"
	"github.com/BTreeMap/GiftExplain/internal/metrics"
	"github.com/BTreeMap/GiftExplain/internal/models"
	"github.com/BTreeMap/GiftExplain/internal/pii"
	"github.com/BTreeMap/GiftExplain/internal/store"
	"github.com/BTreeMap/GiftExplain/internal/util"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
)

const (
	// DefaultStateDir holds the SQLite database, lock file and debug logs.
	DefaultStateDir = "/var/lib/giftexplain"
	// DefaultDBFileName is the SQLite database filename inside the state directory.
	DefaultDBFileName = "giftexplain.db"
)

// Config is the environment-derived configuration. Flags default to these values.
type Config struct {
	StateDir           string
	DatabaseURL        string
	Memory             bool
	LogLevel           string
	APIAddr            string
	OpenAIKey          string
	OpenAIModel        string
	OpenAIImageModel   string
	GenAIDisabled      bool
	ImagesDisabled     bool
	GenAIDebug         bool
	PIIMasterKey       string
	StartRatePerMinute int
	RandomSource       string
	MetricsEnabled     bool
}

func main() {
	if err := newRootCommand(loadEnvironmentConfig()).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func loadEnvironmentConfig() Config {
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	}
	return Config{
		StateDir:           util.GetEnv("GIFTEXPLAIN_STATE_DIR", DefaultStateDir),
		DatabaseURL:        os.Getenv("DATABASE_URL"),
		Memory:             util.ParseBoolEnv("GIFTEXPLAIN_MEMORY_STORE", false),
		LogLevel:           util.GetEnv("LOG_LEVEL", "info"),
		APIAddr:            util.GetEnv("API_ADDR", api.DefaultAddr),
		OpenAIKey:          os.Getenv("OPENAI_API_KEY"),
		OpenAIModel:        os.Getenv("OPENAI_MODEL"),
		OpenAIImageModel:   os.Getenv("OPENAI_IMAGE_MODEL"),
		GenAIDisabled:      util.ParseBoolEnv("GENAI_DISABLED", false),
		ImagesDisabled:     util.ParseBoolEnv("GENAI_IMAGES_DISABLED", false),
		GenAIDebug:         util.ParseBoolEnv("GENAI_DEBUG", false),
		PIIMasterKey:       os.Getenv("PII_MASTER_KEY"),
		StartRatePerMinute: util.ParseIntEnv("START_RATE_PER_MINUTE", api.DefaultStartRatePerMinute),
		RandomSource:       util.GetEnv("RANDOM_SOURCE", "crypto"),
		MetricsEnabled:     util.ParseBoolEnv("METRICS_ENABLED", true),
	}
}

func newRootCommand(cfg Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "GiftExplain",
		Short:         "Within-subject survey server for AI gift recommendation explanations",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			level, err := parseLogLevel(cfg.LogLevel)
			if err != nil {
				return err
			}
			initializeLogger(cmd.ErrOrStderr(), level)
			return nil
		},
	}

	pf := cmd.PersistentFlags()
	pf.StringVar(&cfg.StateDir, "state-dir", cfg.StateDir, "state directory for the SQLite database, lock file and debug logs (overrides $GIFTEXPLAIN_STATE_DIR)")
	pf.StringVar(&cfg.DatabaseURL, "db-dsn", cfg.DatabaseURL, "database DSN, PostgreSQL URL or SQLite path (overrides $DATABASE_URL)")
	pf.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level: debug, info, warn or error (overrides $LOG_LEVEL)")

	cmd.AddCommand(newServeCommand(&cfg))
	cmd.AddCommand(newExportCommand(&cfg))
	cmd.AddCommand(newBalanceCommand(&cfg))
	cmd.AddCommand(newContactsCommand(&cfg))
	return cmd
}

func newServeCommand(cfg *Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServer(ctx, *cfg)
		},
	}
	f := cmd.Flags()
	f.StringVar(&cfg.APIAddr, "api-addr", cfg.APIAddr, "API server address (overrides $API_ADDR)")
	f.BoolVar(&cfg.Memory, "memory", cfg.Memory, "keep experiments in memory only (overrides $GIFTEXPLAIN_MEMORY_STORE)")
	f.StringVar(&cfg.OpenAIKey, "openai-api-key", cfg.OpenAIKey, "OpenAI API key (overrides $OPENAI_API_KEY)")
	f.StringVar(&cfg.OpenAIModel, "openai-model", cfg.OpenAIModel, "chat model for product and explanation text (overrides $OPENAI_MODEL)")
	f.StringVar(&cfg.OpenAIImageModel, "openai-image-model", cfg.OpenAIImageModel, "image model for product photos (overrides $OPENAI_IMAGE_MODEL)")
	f.BoolVar(&cfg.GenAIDisabled, "genai-disabled", cfg.GenAIDisabled, "serve fixed content instead of calling OpenAI (overrides $GENAI_DISABLED)")
	f.BoolVar(&cfg.ImagesDisabled, "images-disabled", cfg.ImagesDisabled, "skip product image generation (overrides $GENAI_IMAGES_DISABLED)")
	f.BoolVar(&cfg.GenAIDebug, "genai-debug", cfg.GenAIDebug, "write OpenAI requests and responses under the state directory (overrides $GENAI_DEBUG)")
	f.StringVar(&cfg.PIIMasterKey, "pii-master-key", cfg.PIIMasterKey, "hex-encoded 32-byte key for sealing phone numbers (overrides $PII_MASTER_KEY)")
	f.IntVar(&cfg.StartRatePerMinute, "start-rate", cfg.StartRatePerMinute, "experiment starts allowed per minute, 0 disables the limit (overrides $START_RATE_PER_MINUTE)")
	f.StringVar(&cfg.RandomSource, "random-source", cfg.RandomSource, "order assignment randomness: crypto or math (overrides $RANDOM_SOURCE)")
	f.BoolVar(&cfg.MetricsEnabled, "metrics", cfg.MetricsEnabled, "expose Prometheus metrics on /metrics (overrides $METRICS_ENABLED)")
	return cmd
}

func newExportCommand(cfg *Config) *cobra.Command {
	var format, output string
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Write every experiment as one row per survey response",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := export.ParseFormat(format)
			if err != nil {
				return err
			}
			recs, err := loadRecords(cmd.Context(), *cfg)
			if err != nil {
				return err
			}
			if output == "" || output == "-" {
				return export.Write(cmd.OutOrStdout(), f, recs)
			}
			file, err := os.Create(output)
			if err != nil {
				return fmt.Errorf("failed to create %s: %w", output, err)
			}
			if err := export.Write(file, f, recs); err != nil {
				file.Close()
				return err
			}
			slog.Info("Export.run: wrote export", "path", output, "format", f, "experiments", len(recs))
			return file.Close()
		},
	}
	cmd.Flags().StringVar(&format, "format", "csv", "output format: json, csv or xlsx")
	cmd.Flags().StringVarP(&output, "output", "o", "", "output file, stdout when empty")
	return cmd
}

func newBalanceCommand(cfg *Config) *cobra.Command {
	return &cobra.Command{
		Use:   "balance",
		Short: "Report how participants are spread across the six orders",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			recs, err := loadRecords(cmd.Context(), *cfg)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(experiment.ComputeBalance(recs))
		},
	}
}

func runServer(ctx context.Context, cfg Config) error {
	dsn := resolveDSN(cfg)
	if err := ensureStateDir(cfg); err != nil {
		return err
	}

	// Two servers sharing one SQLite file would interleave read-modify-write cycles.
	if !cfg.Memory && store.DetectDSNType(dsn) == "sqlite3" {
		lock, err := lockfile.Acquire(cfg.StateDir, cfg.APIAddr)
		if err != nil {
			return err
		}
		defer lock.Release()
	}

	st, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	random, err := buildRandomSource(cfg.RandomSource)
	if err != nil {
		return err
	}
	sealer, err := buildSealer(cfg.PIIMasterKey)
	if err != nil {
		return err
	}
	gen, err := buildGenerator(cfg)
	if err != nil {
		return err
	}

	svcOpts := []experiment.Option{
		experiment.WithStore(st),
		experiment.WithRandomSource(random),
		experiment.WithPhoneSealer(sealer),
	}
	var apiOpts []api.Option
	apiOpts = append(apiOpts, api.WithAddr(cfg.APIAddr), api.WithStartRate(cfg.StartRatePerMinute))
	if cfg.MetricsEnabled {
		m := metrics.New(prometheus.NewRegistry())
		svcOpts = append(svcOpts, experiment.WithGenerator(m.InstrumentGenerator(gen)), experiment.WithRecorder(m))
		apiOpts = append(apiOpts, api.WithMetrics(m))
	} else {
		svcOpts = append(svcOpts, experiment.WithGenerator(gen))
	}

	svc, err := experiment.NewService(svcOpts...)
	if err != nil {
		return err
	}
	slog.Info("GiftExplain.serve: starting", "addr", cfg.APIAddr, "store", storeKind(cfg), "random_source", cfg.RandomSource, "metrics", cfg.MetricsEnabled)
	return api.NewServer(svc, apiOpts...).Run(ctx)
}

// loadRecords reads every experiment from the configured store for the offline commands.
func loadRecords(ctx context.Context, cfg Config) ([]*models.ExperimentRecord, error) {
	if cfg.Memory {
		return nil, errors.New("offline commands need a persistent store")
	}
	st, err := openStore(cfg)
	if err != nil {
		return nil, err
	}
	defer st.Close()
	return st.ListExperiments(ctx)
}

func openStore(cfg Config) (store.Store, error) {
	if cfg.Memory {
		slog.Warn("GiftExplain.openStore: using in-memory store, experiments are lost on exit")
		return store.NewInMemoryStore(), nil
	}
	st, err := store.Open(resolveDSN(cfg))
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}
	return st, nil
}

// resolveDSN prefers an explicit DSN and falls back to SQLite in the state directory.
func resolveDSN(cfg Config) string {
	if dsn := strings.TrimSpace(cfg.DatabaseURL); dsn != "" {
		return dsn
	}
	return filepath.Join(cfg.StateDir, DefaultDBFileName)
}

func storeKind(cfg Config) string {
	if cfg.Memory {
		return "memory"
	}
	return store.DetectDSNType(resolveDSN(cfg))
}

func ensureStateDir(cfg Config) error {
	if cfg.Memory && !cfg.GenAIDebug {
		return nil
	}
	if err := os.MkdirAll(cfg.StateDir, 0o755); err != nil {
		return fmt.Errorf("failed to create state directory %s: %w", cfg.StateDir, err)
	}
	return nil
}

// newContactsCommand lists the phone numbers participants left for the gift
// draw, decrypting sealed numbers with the master key.
func newContactsCommand(cfg *Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "contacts",
		Short: "Write the decrypted phone number of every participant who left one",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if cfg.PIIMasterKey == "" {
				return fmt.Errorf("%w: contacts needs --pii-master-key or PII_MASTER_KEY", models.ErrValidation)
			}
			sealer, err := pii.NewSealer(cfg.PIIMasterKey)
			if err != nil {
				return fmt.Errorf("invalid PII master key: %w", err)
			}
			recs, err := loadRecords(cmd.Context(), *cfg)
			if err != nil {
				return err
			}
			return writeContacts(cmd.OutOrStdout(), sealer, recs)
		},
	}
	cmd.Flags().StringVar(&cfg.PIIMasterKey, "pii-master-key", cfg.PIIMasterKey, "hex-encoded 32-byte key the phone numbers were sealed with (overrides $PII_MASTER_KEY)")
	return cmd
}

func writeContacts(w io.Writer, sealer *pii.Sealer, recs []*models.ExperimentRecord) error {
	cw := csv.NewWriter(w)
	if err := cw.Write([]string{"experiment_id", "completed", "phone"}); err != nil {
		return err
	}
	for _, rec := range recs {
		if rec.Demographics == nil || rec.Demographics.Phone == "" {
			continue
		}
		phone := rec.Demographics.Phone
		if pii.IsSealed(phone) {
			plain, err := sealer.Open(phone)
			if err != nil {
				return fmt.Errorf("experiment %s: %w", rec.ID, err)
			}
			phone = plain
		} else {
			slog.Warn("GiftExplain.writeContacts: phone stored without sealing", "experimentID", rec.ID)
		}
		if err := cw.Write([]string{rec.ID, fmt.Sprint(rec.IsCompleted()), phone}); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

func buildRandomSource(name string) (experiment.RandomSource, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "crypto":
		return experiment.CryptoSource{}, nil
	case "math":
		return &experiment.MathSource{}, nil
	default:
		return nil, fmt.Errorf("unknown random source %q: must be crypto or math", name)
	}
}

// buildSealer seals phone numbers when a key is configured and otherwise masks
// all but the last four digits.
func buildSealer(masterKey string) (experiment.PhoneSealer, error) {
	if masterKey == "" {
		slog.Warn("GiftExplain.buildSealer: PII_MASTER_KEY not set, phone numbers will be stored redacted")
		return pii.Redactor{}, nil
	}
	s, err := pii.NewSealer(masterKey)
	if err != nil {
		return nil, fmt.Errorf("invalid PII master key: %w", err)
	}
	return s, nil
}

func buildGenerator(cfg Config) (experiment.Generator, error) {
	if cfg.GenAIDisabled {
		slog.Warn("GiftExplain.buildGenerator: generation disabled, serving fixed content")
		return genai.StaticGenerator{}, nil
	}
	if cfg.OpenAIKey == "" {
		return nil, errors.New("OPENAI_API_KEY is required unless --genai-disabled is set")
	}
	return genai.NewClient(buildGenAIOptions(cfg)...)
}

func buildGenAIOptions(cfg Config) []genai.Option {
	opts := []genai.Option{
		genai.WithAPIKey(cfg.OpenAIKey),
		genai.WithImagesDisabled(cfg.ImagesDisabled),
		genai.WithDebugMode(cfg.GenAIDebug, cfg.StateDir),
	}
	if cfg.OpenAIModel != "" {
		opts = append(opts, genai.WithModel(cfg.OpenAIModel))
	}
	if cfg.OpenAIImageModel != "" {
		opts = append(opts, genai.WithImageModel(cfg.OpenAIImageModel))
	}
	return opts
}

func parseLogLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(s))); err != nil {
		return 0, fmt.Errorf("invalid log level %q: %w", s, err)
	}
	return level, nil
}

func initializeLogger(w io.Writer, level slog.Level) {
	slog.SetDefault(slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level})))
}
