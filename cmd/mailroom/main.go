// Mailroom compiles per-business email classifier prompts, provisions
// the matching folder tree in Gmail, Outlook or IMAP mailboxes, and
// learns each business's writing voice from the edits made to AI drafts.
//
// Configuration is loaded from a single YAML file discovered
// automatically (see [config.DefaultSearchPaths]). Business
// configurations live one file per business under businesses_dir.
//
// Usage:
//
//	mailroom serve                          Start the API server
//	mailroom init [dir]                     Initialize a working directory with examples
//	mailroom compile <business>             Print the compiled classifier prompt
//	mailroom reconcile <business> <provider> Provision folders with configured credentials
//	mailroom classify <business> <file.eml> Classify one message
//	mailroom version                        Print version and build information
//	mailroom -o json version                Output version information as JSON
package main

import (
	"context"
	"database/sql"
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

	"github.com/nugget/mailroom/internal/api"
	"github.com/nugget/mailroom/internal/backoff"
	"github.com/nugget/mailroom/internal/buildinfo"
	"github.com/nugget/mailroom/internal/business"
	"github.com/nugget/mailroom/internal/config"
	"github.com/nugget/mailroom/internal/connwatch"
	"github.com/nugget/mailroom/internal/correction"
	"github.com/nugget/mailroom/internal/email"
	"github.com/nugget/mailroom/internal/events"
	"github.com/nugget/mailroom/internal/httpkit"
	"github.com/nugget/mailroom/internal/learning"
	"github.com/nugget/mailroom/internal/llm"
	"github.com/nugget/mailroom/internal/mailbox"
	"github.com/nugget/mailroom/internal/mqtt"
	"github.com/nugget/mailroom/internal/prompts"
	"github.com/nugget/mailroom/internal/reconcile"
	"github.com/nugget/mailroom/internal/usage"
	"github.com/nugget/mailroom/internal/voice"

	_ "github.com/mattn/go-sqlite3" // SQLite driver for database/sql
)

// main only builds the OS-level environment and hands off to [run], so
// the whole lifecycle can be driven from tests.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run is the real entry point. serve logs to stdout; the one-shot
// commands print results to stdout and log to stderr. args is
// os.Args[1:]. Arguments are parsed by hand so that run can be
// called concurrently from tests without flag.CommandLine.
func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	var configPath string
	var outputFmt string // "text" (default) or "json"
	var command string
	var cmdArgs []string

	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-config" && i+1 < len(args):
			configPath = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-config="):
			configPath = strings.TrimPrefix(args[i], "-config=")
		case (args[i] == "-o" || args[i] == "--output") && i+1 < len(args):
			outputFmt = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-o="):
			outputFmt = strings.TrimPrefix(args[i], "-o=")
		case strings.HasPrefix(args[i], "--output="):
			outputFmt = strings.TrimPrefix(args[i], "--output=")
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			return printUsage(stdout)
		case !strings.HasPrefix(args[i], "-") && command == "":
			command = args[i]
		default:
			if command != "" {
				cmdArgs = append(cmdArgs, args[i])
			} else {
				return fmt.Errorf("unknown flag: %s", args[i])
			}
		}
	}

	if outputFmt == "" {
		outputFmt = "text"
	}
	if outputFmt != "text" && outputFmt != "json" {
		return fmt.Errorf("unknown output format: %q (expected text or json)", outputFmt)
	}

	switch command {
	case "serve":
		return runServe(ctx, stdout, stderr, configPath)
	case "init":
		dir := "."
		if len(cmdArgs) > 0 {
			dir = cmdArgs[0]
		}
		return runInit(stdout, dir)
	case "compile":
		if len(cmdArgs) != 1 {
			return fmt.Errorf("usage: mailroom compile <business>")
		}
		return runCompile(ctx, stdout, stderr, configPath, outputFmt, cmdArgs[0])
	case "reconcile":
		if len(cmdArgs) != 2 {
			return fmt.Errorf("usage: mailroom reconcile <business> <gmail|outlook|imap>")
		}
		return runReconcile(ctx, stdout, stderr, configPath, outputFmt, cmdArgs[0], cmdArgs[1])
	case "classify":
		if len(cmdArgs) != 2 {
			return fmt.Errorf("usage: mailroom classify <business> <file.eml>")
		}
		return runClassify(ctx, stdout, stderr, configPath, outputFmt, cmdArgs[0], cmdArgs[1])
	case "version":
		return runVersion(stdout, outputFmt)
	case "":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

// runVersion prints build metadata in the requested output format.
func runVersion(w io.Writer, outputFmt string) error {
	info := buildinfo.Info()
	if outputFmt == "json" {
		return writeJSON(w, info)
	}
	fmt.Fprintln(w, buildinfo.String())
	for _, k := range []string{"version", "git_commit", "git_branch", "build_time", "go_version", "os", "arch"} {
		if v, ok := info[k]; ok {
			fmt.Fprintf(w, "  %-12s %s\n", k+":", v)
		}
	}
	return nil
}

// printUsage writes the top-level help text to w.
func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "Mailroom - email classification and voice learning for small businesses")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: mailroom [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve                           Start the API server")
	fmt.Fprintln(w, "  init [dir]                      Initialize a working directory (default: .)")
	fmt.Fprintln(w, "  compile <business>              Print the compiled classifier prompt")
	fmt.Fprintln(w, "  reconcile <business> <provider> Provision folders (gmail, outlook, imap)")
	fmt.Fprintln(w, "  classify <business> <file.eml>  Classify one message with the configured model")
	fmt.Fprintln(w, "  version                         Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	fmt.Fprintln(w, "  ./config.yaml, ~/.config/mailroom/config.yaml, /etc/mailroom/config.yaml")
	return nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// runCompile prints the classifier prompt for one business, applying
// its stored voice profile when the database already exists.
func runCompile(ctx context.Context, stdout, stderr io.Writer, configPath, outputFmt, businessID string) error {
	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	logger := newLogger(stderr, cfg)

	a, err := compileFor(ctx, cfg, logger, businessID)
	if err != nil {
		return err
	}
	if outputFmt == "json" {
		return writeJSON(stdout, a)
	}
	fmt.Fprintln(stdout, a.Text)
	return nil
}

// runReconcile provisions a business's folders using the credentials in
// the config file.
func runReconcile(ctx context.Context, stdout, stderr io.Writer, configPath, outputFmt, businessID, providerName string) error {
	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	logger := newLogger(stderr, cfg)

	provider, ok := mailbox.ParseProvider(providerName)
	if !ok {
		return fmt.Errorf("unknown provider %q (expected gmail, outlook or imap)", providerName)
	}
	bc, err := business.NewResolver(business.NewFileSource(cfg.BusinessesDir), logger).Load(ctx, businessID)
	if err != nil {
		return err
	}

	db, err := openDB(cfg)
	if err != nil {
		return err
	}
	defer db.Close()
	ledger, err := reconcile.NewStore(db)
	if err != nil {
		return fmt.Errorf("open folder ledger: %w", err)
	}

	mb := newMailboxes(cfg, logger)
	defer mb.Close()
	client, err := mb.open(provider, "")
	if err != nil {
		return err
	}

	res, err := reconcile.New(ledger, logger).Reconcile(ctx, businessID, bc.Taxonomy(), client)
	if err != nil {
		return fmt.Errorf("reconcile %s: %w", businessID, err)
	}

	if outputFmt == "json" {
		if err := writeJSON(stdout, res); err != nil {
			return err
		}
	} else {
		fmt.Fprintf(stdout, "%s on %s: %d required, %d created, %d matched, %d recreated\n",
			businessID, provider, len(res.Required), len(res.Created), len(res.Matched), len(res.Recreated))
		for _, f := range res.Errors {
			fmt.Fprintf(stdout, "  FAILED %s: %s\n", f.Path, f.Reason)
		}
	}
	if !res.OK() {
		return fmt.Errorf("%d folder(s) could not be provisioned", len(res.Errors))
	}
	return nil
}

// runClassify compiles the business's prompt and classifies one raw
// message file with the configured model.
func runClassify(ctx context.Context, stdout, stderr io.Writer, configPath, outputFmt, businessID, path string) error {
	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	logger := newLogger(stderr, cfg)

	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	msg, err := email.Parse(f, logger)
	if err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}

	a, err := compileFor(ctx, cfg, logger, businessID)
	if err != nil {
		return err
	}

	completer, model, err := newCompleter(cfg, logger)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, time.Duration(cfg.Timeouts.AISec)*time.Second)
	defer cancel()

	body, _ := msg.Body()
	var date string
	if !msg.Date.IsZero() {
		date = msg.Date.Format(time.RFC1123Z)
	}
	userPrompt := prompts.ClassifyEmailPrompt(msg.From, strings.Join(msg.To, ", "), msg.Subject, date, body)

	c, err := llm.NewClassifier(completer, model, retryConfig(cfg), logger).Classify(ctx, a, userPrompt)
	if err != nil {
		return err
	}
	if outputFmt == "json" {
		return writeJSON(stdout, c)
	}
	fmt.Fprintf(stdout, "%s (confidence %.2f)\n", c.Path(), c.Confidence)
	if c.Summary != "" {
		fmt.Fprintf(stdout, "  %s\n", c.Summary)
	}
	return nil
}

// runServe is the primary operating mode. It blocks until ctx is
// cancelled or SIGINT/SIGTERM arrives, then drains the HTTP server and
// disconnects from the broker.
func runServe(ctx context.Context, stdout io.Writer, stderr io.Writer, configPath string) error {
	logger := config.NewLogger(stdout, slog.LevelInfo)
	logger.Info("starting mailroom", "version", buildinfo.Version, "commit", buildinfo.GitCommit, "built", buildinfo.BuildTime)

	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	logger = newLogger(stdout, cfg)
	logger.Info("config loaded",
		"path", cfgPath,
		"port", cfg.Listen.Port,
		"data_dir", cfg.DataDir,
		"businesses_dir", cfg.BusinessesDir,
	)

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := openDB(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	ledger, err := reconcile.NewStore(db)
	if err != nil {
		return fmt.Errorf("open folder ledger: %w", err)
	}
	store, err := learning.NewStore(db, logger)
	if err != nil {
		return fmt.Errorf("open learning store: %w", err)
	}
	usageStore, err := usage.NewStore(db)
	if err != nil {
		return fmt.Errorf("open usage store: %w", err)
	}

	var classifier *llm.Classifier
	if completer, model, err := newCompleter(cfg, logger); err != nil {
		logger.Info("classification endpoint disabled", "reason", err)
	} else {
		classifier = llm.NewClassifier(completer, model, retryConfig(cfg), logger.With("component", "classifier"))
		logger.Info("classifier configured", "model", model)
	}

	analyzer := correction.NewAnalyzer(correction.Thresholds{
		Minor:    cfg.Learning.MinorThreshold,
		Moderate: cfg.Learning.ModerateThreshold,
		Major:    cfg.Learning.MajorThreshold,
	})
	refiner := learning.NewRefiner(store, learning.RefinerConfig{
		Threshold: cfg.Learning.RefinementThreshold,
		LockTTL:   cfg.Learning.LockTTL(),
	}, logger.With("component", "refiner"))
	pipeline := learning.NewPipeline(analyzer, store, refiner, logger.With("component", "learning"))

	bus := events.New()
	pipeline.OnRefined(func(ctx context.Context, p voice.Profile) {
		bus.Publish(events.Event{
			Source:     events.SourceLearning,
			Kind:       events.KindProfileRefined,
			BusinessID: p.BusinessID,
			Payload:    p,
			Retain:     true,
		})
	})

	services := connwatch.NewManager(logger.With("component", "connwatch"))

	mb := newMailboxes(cfg, logger)
	defer mb.Close()
	if mb.imap != nil {
		services.Watch(ctx, connwatch.Config{Name: "imap", Probe: mb.imap.Ping})
	}
	if cfg.Ollama.Configured() {
		ollama := llm.NewOllamaClient(cfg.Ollama.URL, logger)
		services.Watch(ctx, connwatch.Config{Name: "ollama", Probe: ollama.Ping})
	}

	var publisher *mqtt.Publisher
	if cfg.MQTT.Configured() {
		clientID, err := mqtt.ClientID(cfg.MQTT.ClientID, cfg.DataDir)
		if err != nil {
			return fmt.Errorf("mqtt client id: %w", err)
		}
		publisher = mqtt.New(cfg.MQTT, clientID, bus, logger)
		publisher.SetSendEventSink(pipeline)
		go func() {
			if err := publisher.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("mqtt publisher stopped", "error", err)
			}
		}()
		services.Watch(ctx, connwatch.Config{
			Name: "mqtt",
			Probe: func(ctx context.Context) error {
				ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
				defer cancel()
				return publisher.AwaitConnection(ctx)
			},
		})
	}

	server := api.NewServer(cfg.Listen.Address, cfg.Listen.Port, api.Deps{
		Resolver:   business.NewResolver(business.NewFileSource(cfg.BusinessesDir), logger),
		Reconciler: reconcile.New(ledger, logger.With("component", "reconcile")),
		Store:      store,
		Pipeline:   pipeline,
		Mailboxes:  mb.open,
		Bus:        bus,
		Services:   services,
		Classifier: classifier,
		Usage:      usageStore,
		Compile:    prompts.CompileOptions{MinStyleConfidence: cfg.Learning.MinStyleConfidence},
	}, logger.With("component", "api"))

	go func() {
		<-ctx.Done()
		logger.Info("shutdown signal received")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if publisher != nil {
			if err := publisher.Stop(shutdownCtx); err != nil {
				logger.Warn("mqtt disconnect failed", "error", err)
			}
		}
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("api server shutdown failed", "error", err)
		}
	}()

	if err := server.Start(ctx); err != nil {
		return err
	}
	services.Wait()
	logger.Info("mailroom stopped")
	return nil
}

// compileFor resolves a business and compiles its prompt, folding in
// the stored voice profile when one is available.
func compileFor(ctx context.Context, cfg *config.Config, logger *slog.Logger, businessID string) (*prompts.Artifact, error) {
	bc, err := business.NewResolver(business.NewFileSource(cfg.BusinessesDir), logger).Load(ctx, businessID)
	if err != nil {
		return nil, err
	}

	var profile *voice.Profile
	if _, statErr := os.Stat(cfg.DBPath()); statErr == nil {
		db, err := openDB(cfg)
		if err != nil {
			return nil, err
		}
		defer db.Close()
		store, err := learning.NewStore(db, logger)
		if err != nil {
			return nil, fmt.Errorf("open learning store: %w", err)
		}
		if profile, err = store.Profile(ctx, businessID); err != nil {
			logger.Warn("voice profile unavailable, compiling without style", "business_id", businessID, "error", err)
			profile = nil
		}
	}

	return prompts.Compile(bc, profile, prompts.CompileOptions{
		MinStyleConfidence: cfg.Learning.MinStyleConfidence,
		Now:                time.Now(),
	})
}

// sqliteParams are applied to every pooled connection. Writers from the
// HTTP and MQTT paths wait on the lock instead of failing, and
// transactions take it when they begin.
const sqliteParams = "?_journal_mode=WAL&_busy_timeout=5000&_txlock=immediate"

// openDB opens the shared SQLite database, creating DataDir if needed.
func openDB(cfg *config.Config) (*sql.DB, error) {
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}
	db, err := sql.Open("sqlite3", cfg.DBPath()+sqliteParams)
	if err != nil {
		return nil, fmt.Errorf("open database %s: %w", cfg.DBPath(), err)
	}
	return db, nil
}

func retryConfig(cfg *config.Config) backoff.Config {
	initial, maxDelay := cfg.RetryDelays()
	return backoff.Config{
		InitialDelay: initial,
		MaxDelay:     maxDelay,
		Multiplier:   cfg.Retry.Multiplier,
		MaxRetries:   cfg.Retry.MaxRetries,
	}
}

// mailboxes opens provider clients for the API and CLI. Gmail and
// Outlook prefer the caller's token over the one in config; the IMAP
// connection is shared.
type mailboxes struct {
	cfg        *config.Config
	retry      backoff.Config
	httpClient *http.Client
	imap       *mailbox.IMAPClient
	logger     *slog.Logger
}

func newMailboxes(cfg *config.Config, logger *slog.Logger) *mailboxes {
	m := &mailboxes{
		cfg:        cfg,
		retry:      retryConfig(cfg),
		httpClient: httpkit.NewClient(httpkit.WithTimeout(time.Duration(cfg.Timeouts.ProviderSec) * time.Second)),
		logger:     logger,
	}
	if cfg.IMAP.Configured() {
		m.imap = mailbox.NewIMAPClient(mailbox.IMAPConfig{
			Host:     cfg.IMAP.Host,
			Port:     cfg.IMAP.Port,
			Username: cfg.IMAP.Username,
			Password: cfg.IMAP.Password,
			TLS:      cfg.IMAP.TLS,
			Prefix:   cfg.IMAP.Prefix,
		}, logger)
	}
	return m
}

// open implements api.MailboxFactory.
func (m *mailboxes) open(p mailbox.Provider, token string) (mailbox.Client, error) {
	var c mailbox.Client
	switch p {
	case mailbox.ProviderGmail:
		if token == "" {
			token = m.cfg.Gmail.Token
		}
		if token == "" {
			return nil, fmt.Errorf("gmail needs a bearer token")
		}
		c = mailbox.NewGmailClient(m.httpClient, m.cfg.Gmail.BaseURL, token, m.logger)
	case mailbox.ProviderOutlook:
		if token == "" {
			token = m.cfg.Outlook.Token
		}
		if token == "" {
			return nil, fmt.Errorf("outlook needs a bearer token")
		}
		c = mailbox.NewOutlookClient(m.httpClient, m.cfg.Outlook.BaseURL, token, m.cfg.Outlook.Root, m.logger)
	case mailbox.ProviderIMAP:
		if m.imap == nil {
			return nil, fmt.Errorf("imap is not configured")
		}
		c = m.imap
	default:
		return nil, fmt.Errorf("unsupported provider %q", p)
	}
	return mailbox.WithRetry(c, m.retry, m.logger), nil
}

func (m *mailboxes) Close() {
	if m.imap == nil {
		return
	}
	if err := m.imap.Close(); err != nil {
		m.logger.Debug("imap close failed", "error", err)
	}
}

// newCompleter picks the completion backend: a local Ollama server when
// configured, otherwise Anthropic.
func newCompleter(cfg *config.Config, logger *slog.Logger) (llm.Completer, string, error) {
	if cfg.Ollama.Configured() {
		return llm.NewOllamaClient(cfg.Ollama.URL, logger), cfg.Ollama.Model, nil
	}
	if cfg.Anthropic.APIKey == "" {
		return nil, "", fmt.Errorf("no model configured: set anthropic.api_key or ollama.url")
	}
	return llm.NewAnthropicClient(cfg.Anthropic.APIKey, "", logger), cfg.Anthropic.Model, nil
}

// newLogger builds the configured process logger. The level was
// already validated by config.Validate.
func newLogger(w io.Writer, cfg *config.Config) *slog.Logger {
	level, _ := config.ParseLogLevel(cfg.LogLevel)
	return config.NewLogger(w, level)
}

// loadConfig locates and parses the YAML configuration file. An
// explicit path must exist; otherwise [config.FindConfig] searches the
// default locations.
func loadConfig(explicit string) (*config.Config, string, error) {
	cfgPath, err := config.FindConfig(explicit)
	if err != nil {
		return nil, "", err
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, cfgPath, fmt.Errorf("load config %s: %w", cfgPath, err)
	}
	return cfg, cfgPath, nil
}
