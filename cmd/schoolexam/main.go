package main

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/pavelanni/schoolexam/internal/assessment"
	"github.com/pavelanni/schoolexam/internal/handler"
	appI18n "github.com/pavelanni/schoolexam/internal/i18n"
	"github.com/pavelanni/schoolexam/internal/model"
	"github.com/pavelanni/schoolexam/internal/store"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "schoolexam",
		Short: "Online exam attempts, scoring and item analysis",
	}

	serve := serveCmd()
	root.AddCommand(serve, importCmd(), sweepCmd(), analyzeCmd(), exportCmd(), tokenCmd())

	// Make "serve" the default when no subcommand is given.
	root.RunE = serve.RunE
	root.Flags().AddFlagSet(serve.Flags())

	return root
}

func addStoreFlags(f *pflag.FlagSet) {
	f.String("db-driver", "sqlite", "Database driver (sqlite, postgres)")
	f.String("db", "schoolexam.db", "SQLite path or PostgreSQL DSN")
	f.String("log-level", "info", "Log level (debug, info, warn, error)")
	f.String("log-format", "text", "Log format (text, json)")
}

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API server",
		RunE:  runServe,
	}
	f := cmd.Flags()
	f.StringP("addr", "a", ":8080", "HTTP listen address")
	f.String("jwt-secret", "", "HS256 secret for bearer tokens (or set SCHOOLEXAM_JWT_SECRET)")
	f.StringP("lang", "l", "en", "Fallback message language (en, ru)")
	f.StringSlice("cors-origins", nil, "Allowed CORS origins (repeatable)")
	f.Duration("sweep-interval", time.Minute, "How often to expire overdue attempts (0 disables)")
	addStoreFlags(f)
	return cmd
}

func importCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Import an exam with its questions from a JSON file",
		RunE:  runImport,
	}
	f := cmd.Flags()
	f.StringP("file", "f", "", "Exam JSON file (required)")
	f.String("tenant", "", "Tenant the exam belongs to (required)")
	addStoreFlags(f)
	_ = cmd.MarkFlagRequired("file")
	_ = cmd.MarkFlagRequired("tenant")
	return cmd
}

func sweepCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Expire every in-progress attempt past its deadline",
		RunE:  runSweep,
	}
	f := cmd.Flags()
	f.Int("limit", 0, "Maximum attempts to expire (0 = all)")
	addStoreFlags(f)
	return cmd
}

func analyzeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "analyze",
		Short: "Run item analysis over the graded attempts of an exam",
		RunE:  runAnalyze,
	}
	f := cmd.Flags()
	f.String("exam-id", "", "Exam identifier (required)")
	f.String("tenant", "", "Tenant the exam belongs to (required)")
	addStoreFlags(f)
	_ = cmd.MarkFlagRequired("exam-id")
	_ = cmd.MarkFlagRequired("tenant")
	return cmd
}

func exportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export exam results as JSON",
		RunE:  runExport,
	}
	f := cmd.Flags()
	f.String("exam-id", "", "Exam identifier (required)")
	f.String("tenant", "", "Tenant the exam belongs to (required)")
	f.StringP("output", "o", "-", "Output file path (- for stdout)")
	addStoreFlags(f)
	_ = cmd.MarkFlagRequired("exam-id")
	_ = cmd.MarkFlagRequired("tenant")
	return cmd
}

func tokenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a bearer token for testing and scripting",
		RunE:  runToken,
	}
	f := cmd.Flags()
	f.String("sub", "", "Subject (student or staff id, required)")
	f.String("tenant", "", "Tenant (required)")
	f.String("role", string(model.UserRoleStudent), "Role (student, teacher, admin)")
	f.Duration("ttl", 12*time.Hour, "Token lifetime")
	f.String("jwt-secret", "", "HS256 secret for bearer tokens (or set SCHOOLEXAM_JWT_SECRET)")
	f.String("log-level", "info", "Log level (debug, info, warn, error)")
	f.String("log-format", "text", "Log format (text, json)")
	_ = cmd.MarkFlagRequired("sub")
	_ = cmd.MarkFlagRequired("tenant")
	return cmd
}

func setupLogging(v *viper.Viper) {
	var logLevel slog.Level
	switch strings.ToLower(v.GetString("log-level")) {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}
	handlerOpts := &slog.HandlerOptions{Level: logLevel}
	var logHandler slog.Handler
	switch strings.ToLower(v.GetString("log-format")) {
	case "json":
		logHandler = slog.NewJSONHandler(os.Stderr, handlerOpts)
	default:
		logHandler = slog.NewTextHandler(os.Stderr, handlerOpts)
	}
	slog.SetDefault(slog.New(logHandler))
}

// viperForCmd binds a command's flags and environment to a fresh viper instance.
func viperForCmd(cmd *cobra.Command) *viper.Viper {
	v := viper.New()
	_ = v.BindPFlags(cmd.Flags())

	v.SetEnvPrefix("SCHOOLEXAM")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	v.SetConfigName("schoolexam")
	v.AddConfigPath(".")
	v.AddConfigPath("$HOME/.config/schoolexam")
	v.AddConfigPath("/etc/schoolexam")
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			slog.Warn("error reading config file", "error", err)
		}
	} else {
		slog.Info("loaded config file", "path", v.ConfigFileUsed())
	}

	return v
}

// setup reads configuration, configures logging and opens the store.
func setup(cmd *cobra.Command) (*viper.Viper, *store.Store, error) {
	v := viperForCmd(cmd)
	setupLogging(v)

	db, err := store.Open(cmd.Context(), store.Driver(v.GetString("db-driver")), v.GetString("db"))
	if err != nil {
		return nil, nil, fmt.Errorf("open database: %w", err)
	}
	return v, db, nil
}

// operatorContext acts as an admin of tenant for offline commands.
func operatorContext(ctx context.Context, tenant string) context.Context {
	return model.ContextWithPrincipal(ctx, &model.Principal{
		Subject:  "cli",
		TenantID: tenant,
		Role:     model.UserRoleAdmin,
	})
}

func runServe(cmd *cobra.Command, _ []string) error {
	v, db, err := setup(cmd)
	if err != nil {
		return err
	}
	defer db.Close()

	secret := v.GetString("jwt-secret")
	if secret == "" {
		return errors.New("jwt secret is required: set --jwt-secret flag or SCHOOLEXAM_JWT_SECRET env var")
	}

	lang := v.GetString("lang")
	if err := appI18n.Init(lang); err != nil {
		return fmt.Errorf("init i18n: %w", err)
	}

	svc := assessment.New(db)
	h := handler.New(svc, handler.NewAuth(secret))

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	if origins := v.GetStringSlice("cors-origins"); len(origins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: origins,
			AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodOptions},
			AllowedHeaders: []string{"Authorization", "Content-Type", "Accept-Language"},
			MaxAge:         300,
		}))
	}
	r.Use(appI18n.Middleware(lang))
	h.Routes(r)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if interval := v.GetDuration("sweep-interval"); interval > 0 {
		go runSweeper(ctx, svc, interval)
	}

	addr := v.GetString("addr")
	srv := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		slog.Info("starting server",
			"addr", addr,
			"db_driver", db.Driver(),
			"lang", lang,
			"sweep_interval", v.GetDuration("sweep-interval"),
		)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	slog.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// runSweeper expires overdue attempts every interval until ctx is done.
func runSweeper(ctx context.Context, svc *assessment.Service, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := svc.SweepExpired(ctx, 0); err != nil {
				slog.Error("sweep expired attempts", "error", err)
			}
		}
	}
}

func runImport(cmd *cobra.Command, _ []string) error {
	v, db, err := setup(cmd)
	if err != nil {
		return err
	}
	defer db.Close()

	path := v.GetString("file")
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}

	ctx := cmd.Context()
	hash := sha256sum(data)
	examID, err := db.ImportedExamID(ctx, hash)
	if err != nil {
		return fmt.Errorf("check import status for %s: %w", path, err)
	}
	if examID != "" {
		slog.Info("exam file already imported, skipping", "path", path, "exam_id", examID)
		return nil
	}

	var in model.ExamImport
	if err := json.Unmarshal(data, &in); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}

	svc := assessment.New(db)
	out, err := svc.CreateExam(operatorContext(ctx, v.GetString("tenant")), in)
	if err != nil {
		return fmt.Errorf("import %s: %w", path, err)
	}
	if err := db.RecordImport(ctx, hash, out.Exam.ID); err != nil {
		return fmt.Errorf("record import for %s: %w", path, err)
	}
	slog.Info("imported exam", "path", path, "exam_id", out.Exam.ID, "questions", len(out.Questions))
	fmt.Fprintln(cmd.OutOrStdout(), out.Exam.ID)
	return nil
}

func runSweep(cmd *cobra.Command, _ []string) error {
	v, db, err := setup(cmd)
	if err != nil {
		return err
	}
	defer db.Close()

	n, err := assessment.New(db).SweepExpired(cmd.Context(), v.GetInt("limit"))
	fmt.Fprintf(cmd.OutOrStdout(), "expired %d attempts\n", n)
	return err
}

func runAnalyze(cmd *cobra.Command, _ []string) error {
	v, db, err := setup(cmd)
	if err != nil {
		return err
	}
	defer db.Close()

	ctx := operatorContext(cmd.Context(), v.GetString("tenant"))
	run, err := assessment.New(db).RunItemAnalysis(ctx, v.GetString("exam-id"))
	if err != nil {
		return fmt.Errorf("item analysis: %w", err)
	}
	slog.Info("item analysis stored", "exam_id", run.ExamID, "attempts", run.Attempts)
	return writeOutput(cmd.OutOrStdout(), "-", run.Items)
}

func runExport(cmd *cobra.Command, _ []string) error {
	v, db, err := setup(cmd)
	if err != nil {
		return err
	}
	defer db.Close()

	ctx := operatorContext(cmd.Context(), v.GetString("tenant"))
	export, err := assessment.New(db).Export(ctx, v.GetString("exam-id"))
	if err != nil {
		return fmt.Errorf("export exam: %w", err)
	}
	return writeOutput(cmd.OutOrStdout(), v.GetString("output"), export)
}

func runToken(cmd *cobra.Command, _ []string) error {
	v := viperForCmd(cmd)
	setupLogging(v)

	secret := v.GetString("jwt-secret")
	if secret == "" {
		return errors.New("jwt secret is required: set --jwt-secret flag or SCHOOLEXAM_JWT_SECRET env var")
	}
	tok, err := handler.NewAuth(secret).Issue(model.Principal{
		Subject:  v.GetString("sub"),
		TenantID: v.GetString("tenant"),
		Role:     model.UserRole(v.GetString("role")),
	}, v.GetDuration("ttl"))
	if err != nil {
		return fmt.Errorf("issue token: %w", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), tok)
	return nil
}

// writeOutput writes v as indented JSON to outPath, or to stdout when outPath
// is empty or "-".
func writeOutput(stdout io.Writer, outPath string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal JSON: %w", err)
	}

	w := stdout
	if outPath != "" && outPath != "-" {
		f, err := os.Create(outPath)
		if err != nil {
			return fmt.Errorf("create output file: %w", err)
		}
		defer f.Close()
		w = f
	}

	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("write output: %w", err)
	}
	// Ensure trailing newline.
	_, _ = fmt.Fprintln(w)
	return nil
}

func sha256sum(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}
