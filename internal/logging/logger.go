// Package logging provides config-driven categorized logging for helix.
// Every category shares one zap core; a category can be muted in config
// without touching call sites.
package logging

import (
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Category represents a log category/system
type Category string

const (
	CategoryBoot     Category = "boot"     // Boot/initialization
	CategoryCompiler Category = "compiler" // Toolchain invocation, artifact placement
	CategoryLoader   Category = "loader"   // dlopen, symbol resolution, hot-swap
	CategoryReview   Category = "review"   // Red-team reviewers and consensus
	CategoryApproval Category = "approval" // Approval state machine, overrides
	CategoryRollback Category = "rollback" // Promotion, rollback, bake monitor
	CategoryGenetics Category = "genetics" // Dead-end memory
	CategoryAudit    Category = "audit"    // Audit sink emission
	CategoryStore    Category = "store"    // SQLite version store
	CategoryPipeline Category = "pipeline" // Evolution loop stages
	CategoryInbox    Category = "inbox"    // Drop directory watcher
	CategoryMCP      Category = "mcp"      // MCP tool surface
	CategoryClassify Category = "classify" // Source capability scan and severity policy
)

// Config mirrors config.LoggingConfig to avoid an import cycle.
type Config struct {
	Level      string
	Format     string // json, console
	File       string // empty = stderr
	DebugMode  bool
	Categories map[string]bool
}

// Logger is a category-scoped, printf-style facade over zap.
type Logger struct {
	category Category
	sugar    *zap.SugaredLogger
}

var (
	mu         sync.RWMutex
	base       = zap.NewNop()
	categories map[string]bool
	debugMode  bool
	loggers    = make(map[Category]*Logger)
)

// Initialize builds the shared zap logger from cfg. Safe to call again;
// the previous logger is synced and replaced.
func Initialize(cfg Config) error {
	level := zapcore.InfoLevel
	if cfg.Level != "" {
		if err := level.UnmarshalText([]byte(strings.ToLower(cfg.Level))); err != nil {
			return fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
		}
	}
	if cfg.DebugMode {
		level = zapcore.DebugLevel
	}

	zcfg := zap.NewProductionConfig()
	if cfg.Format == "console" || cfg.Format == "text" {
		zcfg = zap.NewDevelopmentConfig()
	}
	zcfg.Level = zap.NewAtomicLevelAt(level)
	if cfg.File != "" {
		zcfg.OutputPaths = []string{cfg.File}
	}

	l, err := zcfg.Build(zap.AddCallerSkip(1))
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	UseLogger(l)

	mu.Lock()
	categories = cfg.Categories
	debugMode = cfg.DebugMode
	mu.Unlock()

	Get(CategoryBoot).Info("logging initialized (level=%s debug=%v)", level, cfg.DebugMode)
	return nil
}

// UseLogger installs l as the shared backend. Tests pass zaptest or zap.NewNop.
func UseLogger(l *zap.Logger) {
	mu.Lock()
	defer mu.Unlock()
	_ = base.Sync()
	base = l
	loggers = make(map[Category]*Logger)
}

// Base returns the shared zap logger for callers that want typed fields.
func Base() *zap.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return base
}

// IsDebugMode returns whether debug logging is enabled
func IsDebugMode() bool {
	mu.RLock()
	defer mu.RUnlock()
	return debugMode
}

// IsCategoryEnabled reports whether a category is enabled. Categories not
// named in config are enabled.
func IsCategoryEnabled(category Category) bool {
	mu.RLock()
	defer mu.RUnlock()
	if categories == nil {
		return true
	}
	enabled, ok := categories[string(category)]
	return !ok || enabled
}

// Get returns (or creates) a logger for the given category.
// Disabled categories get a no-op logger.
func Get(category Category) *Logger {
	if !IsCategoryEnabled(category) {
		return &Logger{category: category, sugar: zap.NewNop().Sugar()}
	}

	mu.RLock()
	if l, ok := loggers[category]; ok {
		mu.RUnlock()
		return l
	}
	mu.RUnlock()

	mu.Lock()
	defer mu.Unlock()
	if l, ok := loggers[category]; ok {
		return l
	}
	l := &Logger{
		category: category,
		sugar:    base.Named(string(category)).Sugar(),
	}
	loggers[category] = l
	return l
}

func (l *Logger) Debug(format string, args ...interface{}) { l.sugar.Debugf(format, args...) }
func (l *Logger) Info(format string, args ...interface{})  { l.sugar.Infof(format, args...) }
func (l *Logger) Warn(format string, args ...interface{})  { l.sugar.Warnf(format, args...) }
func (l *Logger) Error(format string, args ...interface{}) { l.sugar.Errorf(format, args...) }

// With returns a child logger carrying structured key/value context.
func (l *Logger) With(keysAndValues ...interface{}) *Logger {
	return &Logger{category: l.category, sugar: l.sugar.With(keysAndValues...)}
}

// Sync flushes buffered entries (call at shutdown).
func Sync() {
	mu.RLock()
	defer mu.RUnlock()
	_ = base.Sync()
}

// Shutdown flushes and detaches the shared logger.
func Shutdown() {
	Sync()
	UseLogger(zap.NewNop())
}

// DefaultConfig is used by commands that run before the config file is read.
func DefaultConfig() Config {
	return Config{Level: "info", Format: "json"}
}

// =============================================================================
// CONVENIENCE FUNCTIONS
// =============================================================================

func Boot(format string, args ...interface{})      { Get(CategoryBoot).Info(format, args...) }
func BootDebug(format string, args ...interface{}) { Get(CategoryBoot).Debug(format, args...) }
func BootWarn(format string, args ...interface{})  { Get(CategoryBoot).Warn(format, args...) }
func BootError(format string, args ...interface{}) { Get(CategoryBoot).Error(format, args...) }

func Compiler(format string, args ...interface{})      { Get(CategoryCompiler).Info(format, args...) }
func CompilerDebug(format string, args ...interface{}) { Get(CategoryCompiler).Debug(format, args...) }
func CompilerWarn(format string, args ...interface{})  { Get(CategoryCompiler).Warn(format, args...) }
func CompilerError(format string, args ...interface{}) { Get(CategoryCompiler).Error(format, args...) }

func Loader(format string, args ...interface{})      { Get(CategoryLoader).Info(format, args...) }
func LoaderDebug(format string, args ...interface{}) { Get(CategoryLoader).Debug(format, args...) }
func LoaderWarn(format string, args ...interface{})  { Get(CategoryLoader).Warn(format, args...) }
func LoaderError(format string, args ...interface{}) { Get(CategoryLoader).Error(format, args...) }

func Review(format string, args ...interface{})      { Get(CategoryReview).Info(format, args...) }
func ReviewDebug(format string, args ...interface{}) { Get(CategoryReview).Debug(format, args...) }
func ReviewWarn(format string, args ...interface{})  { Get(CategoryReview).Warn(format, args...) }
func ReviewError(format string, args ...interface{}) { Get(CategoryReview).Error(format, args...) }

func Approval(format string, args ...interface{})      { Get(CategoryApproval).Info(format, args...) }
func ApprovalDebug(format string, args ...interface{}) { Get(CategoryApproval).Debug(format, args...) }
func ApprovalWarn(format string, args ...interface{})  { Get(CategoryApproval).Warn(format, args...) }

func Rollback(format string, args ...interface{})      { Get(CategoryRollback).Info(format, args...) }
func RollbackDebug(format string, args ...interface{}) { Get(CategoryRollback).Debug(format, args...) }
func RollbackWarn(format string, args ...interface{})  { Get(CategoryRollback).Warn(format, args...) }
func RollbackError(format string, args ...interface{}) { Get(CategoryRollback).Error(format, args...) }

func Genetics(format string, args ...interface{})      { Get(CategoryGenetics).Info(format, args...) }
func GeneticsDebug(format string, args ...interface{}) { Get(CategoryGenetics).Debug(format, args...) }

func Audit(format string, args ...interface{})      { Get(CategoryAudit).Info(format, args...) }
func AuditDebug(format string, args ...interface{}) { Get(CategoryAudit).Debug(format, args...) }
func AuditWarn(format string, args ...interface{})  { Get(CategoryAudit).Warn(format, args...) }

func Store(format string, args ...interface{})      { Get(CategoryStore).Info(format, args...) }
func StoreDebug(format string, args ...interface{}) { Get(CategoryStore).Debug(format, args...) }
func StoreWarn(format string, args ...interface{})  { Get(CategoryStore).Warn(format, args...) }

func Pipeline(format string, args ...interface{})      { Get(CategoryPipeline).Info(format, args...) }
func PipelineDebug(format string, args ...interface{}) { Get(CategoryPipeline).Debug(format, args...) }
func PipelineWarn(format string, args ...interface{})  { Get(CategoryPipeline).Warn(format, args...) }

func Inbox(format string, args ...interface{})      { Get(CategoryInbox).Info(format, args...) }
func InboxDebug(format string, args ...interface{}) { Get(CategoryInbox).Debug(format, args...) }
func InboxWarn(format string, args ...interface{})  { Get(CategoryInbox).Warn(format, args...) }

func MCP(format string, args ...interface{})      { Get(CategoryMCP).Info(format, args...) }
func MCPDebug(format string, args ...interface{}) { Get(CategoryMCP).Debug(format, args...) }

func ClassifyDebug(format string, args ...interface{}) { Get(CategoryClassify).Debug(format, args...) }
func ClassifyWarn(format string, args ...interface{})  { Get(CategoryClassify).Warn(format, args...) }

// =============================================================================
// TIMING HELPERS
// =============================================================================

// Timer helps measure operation duration
type Timer struct {
	category Category
	op       string
	start    time.Time
}

// StartTimer begins timing an operation
func StartTimer(category Category, operation string) *Timer {
	return &Timer{category: category, op: operation, start: time.Now()}
}

// Stop ends the timer and logs the duration at debug level.
func (t *Timer) Stop() time.Duration {
	elapsed := time.Since(t.start)
	Get(t.category).Debug("%s completed in %v", t.op, elapsed)
	return elapsed
}

// StopWithInfo ends the timer and logs at info level
func (t *Timer) StopWithInfo() time.Duration {
	elapsed := time.Since(t.start)
	Get(t.category).Info("%s completed in %v", t.op, elapsed)
	return elapsed
}

// StopWithThreshold logs a warning if duration exceeds threshold
func (t *Timer) StopWithThreshold(threshold time.Duration) time.Duration {
	elapsed := time.Since(t.start)
	if elapsed > threshold {
		Get(t.category).Warn("%s took %v (threshold: %v)", t.op, elapsed, threshold)
	} else {
		Get(t.category).Debug("%s completed in %v", t.op, elapsed)
	}
	return elapsed
}

func init() {
	if os.Getenv("HELIX_LOG_STDERR") != "" {
		if l, err := zap.NewDevelopment(zap.AddCallerSkip(1)); err == nil {
			base = l
		}
	}
}
