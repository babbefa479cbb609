// Package logging provides config-driven categorized logging for warden.
// Each category gets its own zap logger writing to <logs>/<date>_<category>.log.
// Logging is controlled by debug_mode in the logging config - when false, no logs are written.
package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Category represents a log category/system
type Category string

const (
	CategoryBoot       Category = "boot"       // Boot/initialization
	CategoryEvidence   Category = "evidence"   // Evidence store appends and evaluations
	CategoryContracts  Category = "contracts"  // Capability contract loading
	CategoryTasks      Category = "tasks"      // Task graph mutations
	CategoryFailMode   Category = "failmode"   // Failure-mode cascade verdicts
	CategorySelector   Category = "selector"   // Next-task selection
	CategoryResolution Category = "resolution" // Resolution rule cascade
	CategoryCausal     Category = "causal"     // Causal trace appends and explanations
	CategorySimulate   Category = "simulate"   // Counterfactual simulation
	CategoryIntent     Category = "intent"     // ACI intent routing and phase gating
	CategoryLedger     Category = "ledger"     // Issuance ledger
	CategoryJournal    Category = "journal"    // Execution journal sink
	CategoryRuntime    Category = "runtime"    // Turn orchestration
	CategoryAudit      Category = "audit"      // Structured audit events
)

// Config mirrors the relevant parts of config.LoggingConfig
// to avoid circular imports
type Config struct {
	DebugMode  bool
	Level      string
	Format     string // json, text
	Categories map[string]bool
}

// Logger wraps a zap sugared logger bound to one category.
// A Logger with a nil sugar is a no-op.
type Logger struct {
	category Category
	sugar    *zap.SugaredLogger
	file     *os.File
}

var (
	loggers   = make(map[Category]*Logger)
	loggersMu sync.RWMutex
	logsDir   string
	config    Config
	configMu  sync.RWMutex
	level     = zapcore.InfoLevel
	shared    *zap.Logger // set by SetLogger; all categories derive from it
)

// Initialize sets up the logging directory and applies config.
// Should be called once at startup.
func Initialize(dir string, cfg Config) error {
	if dir == "" {
		return fmt.Errorf("logs directory required")
	}

	configMu.Lock()
	config = cfg
	level = parseLevel(cfg.Level)
	logsDir = dir
	configMu.Unlock()

	resetLoggers()

	if !cfg.DebugMode {
		return nil // Silent no-op in production mode
	}

	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create logs directory: %w", err)
	}

	boot := Get(CategoryBoot)
	boot.Info("=== warden logging initialized ===")
	boot.Info("Logs directory: %s", dir)
	boot.Info("Log level: %s", level)
	if len(cfg.Categories) > 0 {
		enabled := 0
		for _, on := range cfg.Categories {
			if on {
				enabled++
			}
		}
		boot.Info("Enabled categories: %d/%d", enabled, len(cfg.Categories))
	} else {
		boot.Info("All categories enabled (no category filter)")
	}
	return nil
}

// SetLogger routes every category to the given zap logger (named per category).
// Used by the CLI and by tests. Passing nil restores file-based loggers.
func SetLogger(l *zap.Logger) {
	configMu.Lock()
	shared = l
	if l != nil {
		config.DebugMode = true
		config.Categories = nil
		level = zapcore.DebugLevel
	}
	configMu.Unlock()
	resetLoggers()
}

func parseLevel(s string) zapcore.Level {
	switch strings.ToLower(s) {
	case "debug":
		return zapcore.DebugLevel
	case "warn", "warning":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

// IsDebugMode returns whether debug logging is enabled
func IsDebugMode() bool {
	configMu.RLock()
	defer configMu.RUnlock()
	return config.DebugMode
}

// IsCategoryEnabled returns whether a specific category is enabled
func IsCategoryEnabled(category Category) bool {
	configMu.RLock()
	defer configMu.RUnlock()

	if !config.DebugMode {
		return false
	}
	if config.Categories == nil {
		return true
	}
	enabled, exists := config.Categories[string(category)]
	if !exists {
		return true
	}
	return enabled
}

// Get returns (or creates) a logger for the given category.
// Returns a no-op logger if debug mode is disabled or category is disabled.
func Get(category Category) *Logger {
	if !IsCategoryEnabled(category) {
		return &Logger{category: category}
	}

	loggersMu.RLock()
	if l, ok := loggers[category]; ok {
		loggersMu.RUnlock()
		return l
	}
	loggersMu.RUnlock()

	loggersMu.Lock()
	defer loggersMu.Unlock()

	// Double-check after acquiring write lock
	if l, ok := loggers[category]; ok {
		return l
	}

	configMu.RLock()
	base, dir, lvl, format := shared, logsDir, level, config.Format
	configMu.RUnlock()

	if base != nil {
		l := &Logger{category: category, sugar: base.Named(string(category)).Sugar()}
		loggers[category] = l
		return l
	}
	if dir == "" {
		return &Logger{category: category}
	}

	date := time.Now().Format("2006-01-02")
	logPath := filepath.Join(dir, fmt.Sprintf("%s_%s.log", date, category))
	file, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		fmt.Fprintf(os.Stderr, "[logging] Warning: could not open log file %s: %v\n", logPath, err)
		return &Logger{category: category}
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	var enc zapcore.Encoder
	if format == "json" {
		enc = zapcore.NewJSONEncoder(encCfg)
	} else {
		enc = zapcore.NewConsoleEncoder(encCfg)
	}
	core := zapcore.NewCore(enc, zapcore.AddSync(file), lvl)

	l := &Logger{
		category: category,
		file:     file,
		sugar:    zap.New(core).Named(string(category)).Sugar(),
	}
	loggers[category] = l
	return l
}

func resetLoggers() {
	loggersMu.Lock()
	defer loggersMu.Unlock()
	for _, l := range loggers {
		if l.sugar != nil {
			_ = l.sugar.Sync()
		}
		if l.file != nil {
			_ = l.file.Close()
		}
	}
	loggers = make(map[Category]*Logger)
}

// Debug logs a debug message
func (l *Logger) Debug(format string, args ...interface{}) {
	if l.sugar == nil {
		return
	}
	l.sugar.Debugf(format, args...)
}

// Info logs an informational message
func (l *Logger) Info(format string, args ...interface{}) {
	if l.sugar == nil {
		return
	}
	l.sugar.Infof(format, args...)
}

// Warn logs a warning message
func (l *Logger) Warn(format string, args ...interface{}) {
	if l.sugar == nil {
		return
	}
	l.sugar.Warnf(format, args...)
}

// Error logs an error message
func (l *Logger) Error(format string, args ...interface{}) {
	if l.sugar == nil {
		return
	}
	l.sugar.Errorf(format, args...)
}

// StructuredLog writes a message with structured fields at the given level.
func (l *Logger) StructuredLog(lvl string, msg string, fields map[string]interface{}) {
	if l.sugar == nil {
		return
	}
	kv := make([]interface{}, 0, len(fields)*2)
	for k, v := range fields {
		kv = append(kv, k, v)
	}
	switch parseLevel(lvl) {
	case zapcore.DebugLevel:
		l.sugar.Debugw(msg, kv...)
	case zapcore.WarnLevel:
		l.sugar.Warnw(msg, kv...)
	case zapcore.ErrorLevel:
		l.sugar.Errorw(msg, kv...)
	default:
		l.sugar.Infow(msg, kv...)
	}
}

// WithContext returns a context logger for structured logging
func (l *Logger) WithContext(ctx map[string]interface{}) *ContextLogger {
	if l.sugar == nil {
		return &ContextLogger{}
	}
	kv := make([]interface{}, 0, len(ctx)*2)
	for k, v := range ctx {
		kv = append(kv, k, v)
	}
	return &ContextLogger{sugar: l.sugar.With(kv...)}
}

// ContextLogger provides structured logging with key-value context
type ContextLogger struct {
	sugar *zap.SugaredLogger
}

func (c *ContextLogger) Debug(format string, args ...interface{}) {
	if c.sugar != nil {
		c.sugar.Debugf(format, args...)
	}
}

func (c *ContextLogger) Info(format string, args ...interface{}) {
	if c.sugar != nil {
		c.sugar.Infof(format, args...)
	}
}

func (c *ContextLogger) Warn(format string, args ...interface{}) {
	if c.sugar != nil {
		c.sugar.Warnf(format, args...)
	}
}

func (c *ContextLogger) Error(format string, args ...interface{}) {
	if c.sugar != nil {
		c.sugar.Errorf(format, args...)
	}
}

// CloseAll flushes and closes all open log files (call at shutdown)
func CloseAll() {
	resetLoggers()
}

// =============================================================================
// CONVENIENCE FUNCTIONS - Quick logging without getting a logger first
// These are no-ops if the category is disabled
// =============================================================================

func Boot(format string, args ...interface{})      { Get(CategoryBoot).Info(format, args...) }
func BootDebug(format string, args ...interface{}) { Get(CategoryBoot).Debug(format, args...) }
func BootWarn(format string, args ...interface{})  { Get(CategoryBoot).Warn(format, args...) }

func Evidence(format string, args ...interface{})      { Get(CategoryEvidence).Info(format, args...) }
func EvidenceDebug(format string, args ...interface{}) { Get(CategoryEvidence).Debug(format, args...) }
func EvidenceWarn(format string, args ...interface{})  { Get(CategoryEvidence).Warn(format, args...) }

func Contracts(format string, args ...interface{})      { Get(CategoryContracts).Info(format, args...) }
func ContractsDebug(format string, args ...interface{}) { Get(CategoryContracts).Debug(format, args...) }
func ContractsWarn(format string, args ...interface{})  { Get(CategoryContracts).Warn(format, args...) }
func ContractsError(format string, args ...interface{}) { Get(CategoryContracts).Error(format, args...) }

func Tasks(format string, args ...interface{})      { Get(CategoryTasks).Info(format, args...) }
func TasksDebug(format string, args ...interface{}) { Get(CategoryTasks).Debug(format, args...) }
func TasksWarn(format string, args ...interface{})  { Get(CategoryTasks).Warn(format, args...) }

func FailMode(format string, args ...interface{})      { Get(CategoryFailMode).Info(format, args...) }
func FailModeDebug(format string, args ...interface{}) { Get(CategoryFailMode).Debug(format, args...) }

func Selector(format string, args ...interface{})      { Get(CategorySelector).Info(format, args...) }
func SelectorDebug(format string, args ...interface{}) { Get(CategorySelector).Debug(format, args...) }

func Resolution(format string, args ...interface{})      { Get(CategoryResolution).Info(format, args...) }
func ResolutionDebug(format string, args ...interface{}) { Get(CategoryResolution).Debug(format, args...) }
func ResolutionError(format string, args ...interface{}) { Get(CategoryResolution).Error(format, args...) }

func Causal(format string, args ...interface{})      { Get(CategoryCausal).Info(format, args...) }
func CausalDebug(format string, args ...interface{}) { Get(CategoryCausal).Debug(format, args...) }

func Simulate(format string, args ...interface{})      { Get(CategorySimulate).Info(format, args...) }
func SimulateDebug(format string, args ...interface{}) { Get(CategorySimulate).Debug(format, args...) }

func Intent(format string, args ...interface{})      { Get(CategoryIntent).Info(format, args...) }
func IntentDebug(format string, args ...interface{}) { Get(CategoryIntent).Debug(format, args...) }

func Ledger(format string, args ...interface{})      { Get(CategoryLedger).Info(format, args...) }
func LedgerDebug(format string, args ...interface{}) { Get(CategoryLedger).Debug(format, args...) }
func LedgerWarn(format string, args ...interface{})  { Get(CategoryLedger).Warn(format, args...) }
func LedgerError(format string, args ...interface{}) { Get(CategoryLedger).Error(format, args...) }

func Journal(format string, args ...interface{})      { Get(CategoryJournal).Info(format, args...) }
func JournalDebug(format string, args ...interface{}) { Get(CategoryJournal).Debug(format, args...) }
func JournalError(format string, args ...interface{}) { Get(CategoryJournal).Error(format, args...) }

func Runtime(format string, args ...interface{})      { Get(CategoryRuntime).Info(format, args...) }
func RuntimeDebug(format string, args ...interface{}) { Get(CategoryRuntime).Debug(format, args...) }
func RuntimeWarn(format string, args ...interface{})  { Get(CategoryRuntime).Warn(format, args...) }

// =============================================================================
// TIMERS
// =============================================================================

// Timer measures an operation and logs its duration on Stop.
type Timer struct {
	category Category
	op       string
	start    time.Time
}

// StartTimer begins timing an operation
func StartTimer(category Category, operation string) *Timer {
	return &Timer{
		category: category,
		op:       operation,
		start:    time.Now(),
	}
}

// Stop ends the timer and logs the duration
func (t *Timer) Stop() time.Duration {
	elapsed := time.Since(t.start)
	Get(t.category).Debug("%s completed in %v", t.op, elapsed)
	return elapsed
}

// StopWithThreshold logs warning if duration exceeds threshold
func (t *Timer) StopWithThreshold(threshold time.Duration) time.Duration {
	elapsed := time.Since(t.start)
	if elapsed > threshold {
		Get(t.category).Warn("%s took %v (threshold: %v)", t.op, elapsed, threshold)
	} else {
		Get(t.category).Debug("%s completed in %v", t.op, elapsed)
	}
	return elapsed
}
