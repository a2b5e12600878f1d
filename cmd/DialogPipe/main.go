package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
	"github.com/joho/godotenv"

	"github.com/BTreeMap/DialogPipe/internal/api"
	"github.com/BTreeMap/DialogPipe/internal/genai"
	"github.com/BTreeMap/DialogPipe/internal/lockfile"
	"github.com/BTreeMap/DialogPipe/internal/store"
	"github.com/BTreeMap/DialogPipe/internal/twiliowhatsapp"
)

// Default configuration constants
const (
	// DefaultStateDir is the default directory for DialogPipe state data
	DefaultStateDir = "/var/lib/dialogpipe"
	// DefaultDBFileName is the default SQLite database filename
	DefaultDBFileName = "dialogpipe.db"
)

func main() {
	os.Exit(run())
}

func run() int {
	// Log at debug until the configured level is known
	initializeLogger(os.Stdout, "debug", "text")

	config, err := loadEnvironmentConfig()
	if err != nil {
		slog.Error("Failed to load environment configuration", "error", err)
		return 1
	}
	initializeLogger(os.Stdout, config.LogLevel, config.LogFormat)

	flags, err := parseCommandLineFlags(flag.CommandLine, os.Args[1:], config)
	if err != nil {
		slog.Error("Failed to parse command line flags", "error", err)
		return 2
	}

	if err := ensureDirectoriesExist(flags); err != nil {
		slog.Error("Failed to create required directories", "error", err)
		return 1
	}

	lock, err := lockfile.Acquire(*flags.stateDir)
	if err != nil {
		var lockErr *lockfile.LockError
		if errors.As(err, &lockErr) {
			slog.Error("Another DialogPipe instance is using the state directory", "lockPath", lockErr.LockPath, "holder", lockErr.Holder)
		} else {
			slog.Error("Failed to lock state directory", "error", err)
		}
		return 1
	}
	defer func() {
		if err := lock.Release(); err != nil {
			slog.Warn("Failed to release state directory lock", "error", err)
		}
	}()

	storeOpts := buildStoreOptions(flags)
	genaiOpts := buildGenAIOptions(flags)
	apiOpts := buildAPIOptions(flags)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	slog.Info("Bootstrapping DialogPipe with configured modules")
	slog.Debug("Module options counts", "store", len(storeOpts), "genai", len(genaiOpts), "api", len(apiOpts))
	slog.Debug("Final configuration", "state_dir", *flags.stateDir, "dsn_set", *flags.dbDSN != "", "redis_set", *flags.redisAddr != "", "mongo_set", *flags.mongoURI != "", "api_addr", *flags.apiAddr)
	if err := api.Run(ctx, storeOpts, genaiOpts, apiOpts); err != nil {
		slog.Error("DialogPipe failed to run", "error", err)
		return 1
	}
	slog.Info("DialogPipe exited successfully")
	return 0
}

// Config holds environment configuration
type Config struct {
	StateDir      string        `env:"DIALOGPIPE_STATE_DIR" env-default:"/var/lib/dialogpipe" env-description:"state directory (SQLite file and lock file)"`
	DatabaseURL   string        `env:"DATABASE_URL" env-description:"SQLite path or Postgres DSN"`
	RedisAddr     string        `env:"REDIS_ADDR" env-description:"Redis address for the session store"`
	RedisPassword string        `env:"REDIS_PASSWORD"`
	RedisDB       int           `env:"REDIS_DB" env-default:"0"`
	MongoURI      string        `env:"MONGO_URI" env-description:"MongoDB URI for the session store"`
	MongoDatabase string        `env:"MONGO_DATABASE" env-default:"dialogpipe"`
	OpenAIKey     string        `env:"OPENAI_API_KEY"`
	OpenAIModel   string        `env:"OPENAI_MODEL" env-default:"gpt-4o-mini"`
	OpenAIBaseURL string        `env:"OPENAI_BASE_URL"`
	GenAIDebug    bool          `env:"GENAI_DEBUG" env-default:"false" env-description:"write GenAI requests to <state-dir>/debug"`
	TwilioSID     string        `env:"TWILIO_ACCOUNT_SID" env-description:"Twilio account for OTP delivery over WhatsApp"`
	TwilioToken   string        `env:"TWILIO_AUTH_TOKEN"`
	TwilioFrom    string        `env:"TWILIO_FROM_NUMBER"`
	APIAddr       string        `env:"API_ADDR" env-default:":8080"`
	FlowsDir      string        `env:"FLOWS_DIR" env-description:"directory with extra JSON/YAML flow definitions"`
	MaxAttempts   int           `env:"MAX_ATTEMPTS" env-default:"3"`
	StepTimeout   time.Duration `env:"STEP_TIMEOUT" env-default:"10s"`
	StepRetries   int           `env:"STEP_RETRIES" env-default:"2"`
	DedupTTL      time.Duration `env:"DEDUP_TTL" env-default:"24h"`
	PurgeInterval time.Duration `env:"PURGE_INTERVAL" env-default:"1h"`
	ResetKeywords string        `env:"RESET_KEYWORDS" env-default:"reset"`
	LogLevel      string        `env:"LOG_LEVEL" env-default:"debug"`
	LogFormat     string        `env:"LOG_FORMAT" env-default:"text"`
}

// Flags holds command line flag values
type Flags struct {
	stateDir      *string
	dbDSN         *string
	redisAddr     *string
	redisPassword *string
	redisDB       *int
	mongoURI      *string
	mongoDatabase *string
	openaiKey     *string
	openaiModel   *string
	openaiBaseURL *string
	genaiDebug    *bool
	twilioSID     *string
	twilioToken   *string
	twilioFrom    *string
	apiAddr       *string
	flowsDir      *string
	maxAttempts   *int
	stepTimeout   *time.Duration
	stepRetries   *int
	dedupTTL      *time.Duration
	purgeInterval *time.Duration
	resetKeywords *string
}

// initializeLogger installs the default slog logger
func initializeLogger(w io.Writer, level, format string) {
	opts := &slog.HandlerOptions{Level: parseLogLevel(level)}
	var handler slog.Handler
	if strings.EqualFold(format, "json") {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	slog.SetDefault(slog.New(handler))
}

func parseLogLevel(level string) slog.Level {
	var l slog.Level
	if err := l.UnmarshalText([]byte(strings.TrimSpace(level))); err != nil {
		return slog.LevelDebug
	}
	return l
}

// loadEnvironmentConfig loads configuration from environment variables and .env file
func loadEnvironmentConfig() (Config, error) {
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	} else {
		slog.Debug("successfully loaded .env file")
	}

	var config Config
	if err := cleanenv.ReadEnv(&config); err != nil {
		return Config{}, fmt.Errorf("failed to read environment: %w", err)
	}

	if config.StateDir == "" {
		config.StateDir = DefaultStateDir
	}
	// If no database URL is provided, default to SQLite in the state directory
	databaseURLSet := config.DatabaseURL != ""
	if !databaseURLSet {
		config.DatabaseURL = filepath.Join(config.StateDir, DefaultDBFileName)
		slog.Debug("No DATABASE_URL provided, defaulting to SQLite", "sqlite_path", config.DatabaseURL)
	}

	slog.Debug("environment variables loaded",
		"DIALOGPIPE_STATE_DIR", config.StateDir,
		"DATABASE_URL_SET", databaseURLSet,
		"REDIS_ADDR", config.RedisAddr,
		"MONGO_URI_SET", config.MongoURI != "",
		"OPENAI_API_KEY_SET", config.OpenAIKey != "",
		"OPENAI_MODEL", config.OpenAIModel,
		"TWILIO_ACCOUNT_SID_SET", config.TwilioSID != "",
		"API_ADDR", config.APIAddr,
		"FLOWS_DIR", config.FlowsDir)

	return config, nil
}

// parseCommandLineFlags parses command line arguments with environment defaults
func parseCommandLineFlags(fs *flag.FlagSet, args []string, config Config) (Flags, error) {
	flags := Flags{
		stateDir:      fs.String("state-dir", config.StateDir, "state directory for DialogPipe data (overrides $DIALOGPIPE_STATE_DIR)"),
		dbDSN:         fs.String("db-dsn", config.DatabaseURL, "SQLite path or Postgres DSN (overrides $DATABASE_URL)"),
		redisAddr:     fs.String("redis-addr", config.RedisAddr, "Redis address for the session store (overrides $REDIS_ADDR)"),
		redisPassword: fs.String("redis-password", config.RedisPassword, "Redis password (overrides $REDIS_PASSWORD)"),
		redisDB:       fs.Int("redis-db", config.RedisDB, "Redis database number (overrides $REDIS_DB)"),
		mongoURI:      fs.String("mongo-uri", config.MongoURI, "MongoDB URI for the session store (overrides $MONGO_URI)"),
		mongoDatabase: fs.String("mongo-database", config.MongoDatabase, "MongoDB database name (overrides $MONGO_DATABASE)"),
		openaiKey:     fs.String("openai-api-key", config.OpenAIKey, "OpenAI API key (overrides $OPENAI_API_KEY)"),
		openaiModel:   fs.String("openai-model", config.OpenAIModel, "OpenAI model (overrides $OPENAI_MODEL)"),
		openaiBaseURL: fs.String("openai-base-url", config.OpenAIBaseURL, "OpenAI-compatible base URL (overrides $OPENAI_BASE_URL)"),
		genaiDebug:    fs.Bool("genai-debug", config.GenAIDebug, "log GenAI requests to <state-dir>/debug (overrides $GENAI_DEBUG)"),
		twilioSID:     fs.String("twilio-account-sid", config.TwilioSID, "Twilio account SID for OTP delivery (overrides $TWILIO_ACCOUNT_SID)"),
		twilioToken:   fs.String("twilio-auth-token", config.TwilioToken, "Twilio auth token (overrides $TWILIO_AUTH_TOKEN)"),
		twilioFrom:    fs.String("twilio-from", config.TwilioFrom, "Twilio WhatsApp sender number (overrides $TWILIO_FROM_NUMBER)"),
		apiAddr:       fs.String("api-addr", config.APIAddr, "API server address (overrides $API_ADDR)"),
		flowsDir:      fs.String("flows-dir", config.FlowsDir, "directory with extra flow definitions (overrides $FLOWS_DIR)"),
		maxAttempts:   fs.Int("max-attempts", config.MaxAttempts, "default attempts per wait state (overrides $MAX_ATTEMPTS)"),
		stepTimeout:   fs.Duration("step-timeout", config.StepTimeout, "per step timeout (overrides $STEP_TIMEOUT)"),
		stepRetries:   fs.Int("step-retries", config.StepRetries, "retries for idempotent steps (overrides $STEP_RETRIES)"),
		dedupTTL:      fs.Duration("dedup-ttl", config.DedupTTL, "retention of processed message ids (overrides $DEDUP_TTL)"),
		purgeInterval: fs.Duration("purge-interval", config.PurgeInterval, "how often expired dedup records are purged (overrides $PURGE_INTERVAL)"),
		resetKeywords: fs.String("reset-keywords", config.ResetKeywords, "comma separated reset words (overrides $RESET_KEYWORDS)"),
	}

	if err := fs.Parse(args); err != nil {
		return Flags{}, err
	}

	slog.Debug("flags parsed",
		"stateDir", *flags.stateDir,
		"dbDSN_set", *flags.dbDSN != "",
		"redisAddr", *flags.redisAddr,
		"mongoURI_set", *flags.mongoURI != "",
		"openaiKeySet", *flags.openaiKey != "",
		"openaiModel", *flags.openaiModel,
		"apiAddr", *flags.apiAddr,
		"flowsDir", *flags.flowsDir)

	// Follow a changed state directory when the DSN is the derived default
	if *flags.dbDSN == config.DatabaseURL && config.DatabaseURL == filepath.Join(config.StateDir, DefaultDBFileName) && *flags.stateDir != config.StateDir {
		*flags.dbDSN = filepath.Join(*flags.stateDir, DefaultDBFileName)
		slog.Debug("Updated dbDSN based on state directory", "old_state_dir", config.StateDir, "new_state_dir", *flags.stateDir)
	}

	return flags, nil
}

// ensureDirectoriesExist creates the state directory and, for SQLite, the database directory
func ensureDirectoriesExist(flags Flags) error {
	dirs := []string{*flags.stateDir}
	if *flags.dbDSN != "" && store.DetectDSNType(*flags.dbDSN) != "postgres" {
		dirs = append(dirs, filepath.Dir(*flags.dbDSN))
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0755); err != nil {
			slog.Error("Failed to create directory", "error", err, "dir", dir)
			return err
		}
	}
	return nil
}

// buildStoreOptions constructs store configuration options. store.Open prefers
// MongoDB, then Redis, then the DSN.
func buildStoreOptions(flags Flags) []store.Option {
	var storeOpts []store.Option
	if *flags.mongoURI != "" {
		slog.Debug("MongoDB URI provided, configuring MongoDB store", "database", *flags.mongoDatabase)
		storeOpts = append(storeOpts, store.WithMongo(*flags.mongoURI, *flags.mongoDatabase))
	}
	if *flags.redisAddr != "" {
		slog.Debug("Redis address provided, configuring Redis store", "addr", *flags.redisAddr)
		storeOpts = append(storeOpts, store.WithRedis(*flags.redisAddr, *flags.redisPassword, *flags.redisDB))
	}
	if *flags.dbDSN != "" {
		if store.DetectDSNType(*flags.dbDSN) == "postgres" {
			slog.Debug("Detected PostgreSQL DSN, configuring PostgreSQL store", "dsn_type", "postgresql")
			storeOpts = append(storeOpts, store.WithPostgresDSN(*flags.dbDSN))
		} else {
			slog.Debug("Detected SQLite DSN, configuring SQLite store", "dsn_type", "sqlite", "db_path", *flags.dbDSN)
			storeOpts = append(storeOpts, store.WithSQLiteDSN(*flags.dbDSN))
		}
	}
	if len(storeOpts) == 0 {
		slog.Debug("No store configured, will use in-memory store")
	}
	return storeOpts
}

// buildGenAIOptions constructs GenAI configuration options
func buildGenAIOptions(flags Flags) []genai.Option {
	var genaiOpts []genai.Option
	if *flags.openaiKey != "" {
		genaiOpts = append(genaiOpts, genai.WithAPIKey(*flags.openaiKey))
	}
	if *flags.openaiModel != "" {
		genaiOpts = append(genaiOpts, genai.WithModel(*flags.openaiModel))
	}
	if *flags.openaiBaseURL != "" {
		genaiOpts = append(genaiOpts, genai.WithBaseURL(*flags.openaiBaseURL))
	}
	if *flags.genaiDebug {
		genaiOpts = append(genaiOpts, genai.WithDebugMode(*flags.stateDir))
	}
	return genaiOpts
}

// buildAPIOptions constructs API server configuration options
func buildAPIOptions(flags Flags) []api.Option {
	var apiOpts []api.Option
	if *flags.apiAddr != "" {
		apiOpts = append(apiOpts, api.WithAddr(*flags.apiAddr))
	}
	if *flags.flowsDir != "" {
		apiOpts = append(apiOpts, api.WithFlowsDir(*flags.flowsDir))
	}
	if *flags.maxAttempts > 0 {
		apiOpts = append(apiOpts, api.WithMaxAttempts(*flags.maxAttempts))
	}
	if *flags.stepTimeout > 0 {
		apiOpts = append(apiOpts, api.WithStepTimeout(*flags.stepTimeout))
	}
	if *flags.stepRetries >= 0 {
		apiOpts = append(apiOpts, api.WithStepRetries(*flags.stepRetries))
	}
	if *flags.dedupTTL > 0 {
		apiOpts = append(apiOpts, api.WithDedupTTL(*flags.dedupTTL))
	}
	if *flags.purgeInterval > 0 {
		apiOpts = append(apiOpts, api.WithPurgeInterval(*flags.purgeInterval))
	}
	if words := splitList(*flags.resetKeywords); len(words) > 0 {
		apiOpts = append(apiOpts, api.WithResetKeywords(words))
	}
	if *flags.twilioSID != "" {
		client, err := twiliowhatsapp.NewClient(
			twiliowhatsapp.WithAccountSID(*flags.twilioSID),
			twiliowhatsapp.WithAuthToken(*flags.twilioToken),
			twiliowhatsapp.WithFromWhats(*flags.twilioFrom),
		)
		if err != nil {
			slog.Warn("Twilio client not configured, OTP codes will not be delivered", "error", err)
		} else {
			apiOpts = append(apiOpts, api.WithCodeSender(client))
		}
	}
	return apiOpts
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
