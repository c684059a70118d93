package logger

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"
)

// LogLevel represents the severity of a log message
type LogLevel int

const (
	TRACE LogLevel = iota // ATT packets, chunk headers
	DEBUG                 // Reassembly progress, dropped messages, state dumps
	INFO                  // Lifecycle, connections, subscriptions, deliveries
	WARN                  // Recoverable failures
	ERROR                 // Failures that abort an operation
)

var levelNames = map[LogLevel]string{
	TRACE: "TRACE",
	DEBUG: "DEBUG",
	INFO:  "INFO ",
	WARN:  "WARN ",
	ERROR: "ERROR",
}

var (
	currentLevel LogLevel  = INFO
	output       io.Writer = os.Stdout
	mu           sync.RWMutex
)

// SetLevel sets the global log level
func SetLevel(level LogLevel) {
	mu.Lock()
	defer mu.Unlock()
	currentLevel = level
}

// GetLevel returns the current log level
func GetLevel() LogLevel {
	mu.RLock()
	defer mu.RUnlock()
	return currentLevel
}

// SetOutput redirects all log lines to w. Passing nil restores stdout.
func SetOutput(w io.Writer) {
	mu.Lock()
	defer mu.Unlock()
	if w == nil {
		w = os.Stdout
	}
	output = w
}

// ParseLevel converts a string to a LogLevel, defaulting to INFO
func ParseLevel(level string) LogLevel {
	switch strings.ToUpper(strings.TrimSpace(level)) {
	case "TRACE":
		return TRACE
	case "DEBUG":
		return DEBUG
	case "WARN", "WARNING":
		return WARN
	case "ERROR":
		return ERROR
	default:
		return INFO
	}
}

// Prefix builds the "<short id> <component>" prefix used by every package.
func Prefix(id, component string) string {
	return Short(id) + " " + component
}

// Short returns up to the first 8 characters of an identifier.
func Short(id string) string {
	if len(id) <= 8 {
		return id
	}
	return id[:8]
}

func log(level LogLevel, prefix, format string, args ...interface{}) {
	mu.RLock()
	defer mu.RUnlock()
	if level < currentLevel {
		return
	}

	msg := fmt.Sprintf(format, args...)
	if prefix != "" {
		fmt.Fprintf(output, "[%s %s] %s\n", prefix, levelNames[level], msg)
	} else {
		fmt.Fprintf(output, "[%s] %s\n", levelNames[level], msg)
	}
}

func Trace(prefix, format string, args ...interface{}) {
	log(TRACE, prefix, format, args...)
}

func Debug(prefix, format string, args ...interface{}) {
	log(DEBUG, prefix, format, args...)
}

func Info(prefix, format string, args ...interface{}) {
	log(INFO, prefix, format, args...)
}

func Warn(prefix, format string, args ...interface{}) {
	log(WARN, prefix, format, args...)
}

func Error(prefix, format string, args ...interface{}) {
	log(ERROR, prefix, format, args...)
}

// ToJSON renders v for logging. Protobuf messages go through protojson so
// well-known types (structpb, timestamps) print in their canonical form.
func ToJSON(v interface{}) string {
	if msg, ok := v.(proto.Message); ok {
		marshaler := protojson.MarshalOptions{
			Multiline: true,
			Indent:    "  ",
		}
		jsonBytes, err := marshaler.Marshal(msg)
		if err != nil {
			return fmt.Sprintf("<error: %v>", err)
		}
		return string(jsonBytes)
	}

	jsonBytes, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Sprintf("<error: %v>", err)
	}
	return string(jsonBytes)
}

// DebugJSON logs label followed by the JSON form of v
func DebugJSON(prefix, label string, v interface{}) {
	if GetLevel() > DEBUG {
		return
	}
	log(DEBUG, prefix, "%s:\n%s", label, ToJSON(v))
}
