package log

import (
	"fmt"
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/term"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Emojis for different log types
const (
	infoEmoji    = "ℹ️ "
	successEmoji = "✅ "
	errorEmoji   = "❌ "
	warnEmoji    = "⚠️ "
	stepEmoji    = "👉 "
	debugEmoji   = "🔍 "
	mrEmoji      = "🔄 "
	gitEmoji     = "📦 "
	branchEmoji  = "🌿 "
	diffEmoji    = "📝 "
)

// Options controls where and how log lines are written
type Options struct {
	Debug bool
	// Format is "console", "json" or empty to pick console on a terminal
	Format string
	// File enables a rotating JSON log file alongside the console
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
	// Output defaults to stdout
	Output zapcore.WriteSyncer
}

// Logger keeps the printf-style call surface on top of zap
type Logger struct {
	debug  bool
	pretty bool
	zl     *zap.Logger
}

// New creates a console logger on stdout
func New(debug bool) *Logger {
	l, err := NewWithOptions(Options{Debug: debug})
	if err != nil {
		// only file setup can fail and no file was requested
		panic(err)
	}
	return l
}

// NewWithOptions builds a logger from opts
func NewWithOptions(opts Options) (*Logger, error) {
	level := zap.NewAtomicLevelAt(zap.InfoLevel)
	if opts.Debug {
		level.SetLevel(zap.DebugLevel)
	}

	out := opts.Output
	tty := false
	if out == nil {
		out = zapcore.Lock(os.Stdout)
		tty = term.IsTerminal(int(os.Stdout.Fd()))
	}

	format := opts.Format
	if format == "" {
		format = "json"
		if tty {
			format = "console"
		}
	}

	var consoleEncoder zapcore.Encoder
	switch format {
	case "console":
		cfg := zap.NewDevelopmentEncoderConfig()
		cfg.EncodeTime = zapcore.TimeEncoderOfLayout("15:04:05")
		if tty {
			cfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
		}
		consoleEncoder = zapcore.NewConsoleEncoder(cfg)
	case "json":
		consoleEncoder = zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig())
	default:
		return nil, fmt.Errorf("unknown log format %q", opts.Format)
	}

	cores := []zapcore.Core{zapcore.NewCore(consoleEncoder, out, level)}

	if opts.File != "" {
		fileWriter := zapcore.AddSync(&lumberjack.Logger{
			Filename:   opts.File,
			MaxSize:    opts.MaxSizeMB,
			MaxBackups: opts.MaxBackups,
			MaxAge:     opts.MaxAgeDays,
			Compress:   opts.Compress,
		})
		cores = append(cores, zapcore.NewCore(zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig()), fileWriter, level))
	}

	zl := zap.New(zapcore.NewTee(cores...), zap.AddCaller(), zap.AddCallerSkip(2), zap.AddStacktrace(zap.ErrorLevel))
	return &Logger{debug: opts.Debug, pretty: format == "console", zl: zl}, nil
}

// FromZap wraps an existing zap logger
func FromZap(zl *zap.Logger, debug bool) *Logger {
	return &Logger{debug: debug, zl: zl.WithOptions(zap.AddCallerSkip(2))}
}

// NewNop returns a logger that discards everything
func NewNop() *Logger {
	return &Logger{zl: zap.NewNop()}
}

// Named returns a child logger scoped to a component
func (l *Logger) Named(name string) *Logger {
	return &Logger{debug: l.debug, pretty: l.pretty, zl: l.zl.Named(name)}
}

// Zap exposes the underlying logger for structured call sites
func (l *Logger) Zap() *zap.Logger {
	return l.zl.WithOptions(zap.AddCallerSkip(-2))
}

// Sync flushes buffered entries
func (l *Logger) Sync() error {
	return l.zl.Sync()
}

// formatMessage adds padding and wraps long lines
func formatMessage(msg string) string {
	width := 80
	lines := strings.Split(msg, "\n")
	var formatted []string

	for _, line := range lines {
		if len(line) <= width {
			formatted = append(formatted, line)
			continue
		}

		words := strings.Fields(line)
		current := ""
		for _, word := range words {
			if len(current)+len(word)+1 > width {
				formatted = append(formatted, current)
				current = word
			} else {
				if current == "" {
					current = word
				} else {
					current += " " + word
				}
			}
		}
		if current != "" {
			formatted = append(formatted, current)
		}
	}

	return strings.Join(formatted, "\n")
}

func (l *Logger) write(level zapcore.Level, kind, emoji, format string, args []interface{}) {
	if ce := l.zl.Check(level, ""); ce != nil {
		msg := fmt.Sprintf(format, args...)
		if l.pretty {
			msg = emoji + formatMessage(msg)
		}
		ce.Message = msg
		ce.Write(zap.String("kind", kind))
	}
}

// Info prints an info message
func (l *Logger) Info(format string, args ...interface{}) {
	l.write(zap.InfoLevel, "info", infoEmoji, format, args)
}

// Success prints a success message
func (l *Logger) Success(format string, args ...interface{}) {
	l.write(zap.InfoLevel, "success", successEmoji, format, args)
}

// Error prints an error message
func (l *Logger) Error(format string, args ...interface{}) {
	l.write(zap.ErrorLevel, "error", errorEmoji, format, args)
}

// Warning prints a warning message
func (l *Logger) Warning(format string, args ...interface{}) {
	l.write(zap.WarnLevel, "warning", warnEmoji, format, args)
}

// Step prints a step message
func (l *Logger) Step(format string, args ...interface{}) {
	l.write(zap.InfoLevel, "step", stepEmoji, format, args)
}

// Debug prints a debug message if debug is enabled
func (l *Logger) Debug(format string, args ...interface{}) {
	if !l.debug {
		return
	}
	l.write(zap.DebugLevel, "debug", debugEmoji, format, args)
}

// MR prints a merge-request message
func (l *Logger) MR(format string, args ...interface{}) {
	l.write(zap.InfoLevel, "mr", mrEmoji, format, args)
}

// Git prints a git-related message
func (l *Logger) Git(format string, args ...interface{}) {
	l.write(zap.InfoLevel, "git", gitEmoji, format, args)
}

// Branch prints a branch-related message
func (l *Logger) Branch(format string, args ...interface{}) {
	l.write(zap.InfoLevel, "branch", branchEmoji, format, args)
}

// Diff prints a diff-related message
func (l *Logger) Diff(format string, args ...interface{}) {
	l.write(zap.InfoLevel, "diff", diffEmoji, format, args)
}

// IsDebug returns whether debug logging is enabled
func (l *Logger) IsDebug() bool {
	return l.debug
}
