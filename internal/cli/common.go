// Package cli holds the ambient logging, configuration, and version-reporting
// conventions shared by the lspmux binary, independent of the dispatcher's
// own concerns.
package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"runtime"
	"time"
)

// Version information for the lspmux binary.
const (
	Version   = "0.1.0"
	BuildDate = "2026-07-31"
	CommitSHA = "unknown" // set during build via -ldflags
)

// VersionInfo is structured version and build information.
type VersionInfo struct {
	Version   string `json:"version"`
	BuildDate string `json:"build_date"`
	CommitSHA string `json:"commit_sha"`
	GoVersion string `json:"go_version"`
	Platform  string `json:"platform"`
	Arch      string `json:"arch"`
}

// GetVersionInfo returns structured version information.
func GetVersionInfo() *VersionInfo {
	return &VersionInfo{
		Version:   Version,
		BuildDate: BuildDate,
		CommitSHA: CommitSHA,
		GoVersion: runtime.Version(),
		Platform:  runtime.GOOS,
		Arch:      runtime.GOARCH,
	}
}

// PrintVersion prints version information in a consistent format.
func PrintVersion(toolName string, jsonOutput bool) {
	info := GetVersionInfo()

	if jsonOutput {
		data, err := json.MarshalIndent(map[string]any{
			"tool":         toolName,
			"version_info": info,
		}, "", "  ")
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: failed to marshal version info to JSON: %v\n", err)
		} else {
			fmt.Println(string(data))
			return
		}
	}

	fmt.Printf("%s v%s\n", toolName, info.Version)
	fmt.Printf("Build Date: %s\n", info.BuildDate)
	if info.CommitSHA != "unknown" && info.CommitSHA != "" {
		fmt.Printf("Commit: %s\n", info.CommitSHA)
	}
	fmt.Printf("Go Version: %s\n", info.GoVersion)
	fmt.Printf("Platform: %s/%s\n", info.Platform, info.Arch)
}

// ExitWithCode exits with the specified code and optional message.
func ExitWithCode(code int, format string, args ...any) {
	if format != "" {
		fmt.Fprintf(os.Stderr, format+"\n", args...)
	}
	os.Exit(code)
}

// Logger is a small structured logger for the multiplexer process; its
// Info/Debug output is opt-in since a language server's own stdout/stderr
// discipline must stay predictable for the editor and back-ends alike, so
// every line here goes to stderr rather than stdout.
type Logger struct {
	Verbose   bool
	DebugMode bool
}

// NewLogger creates a new logger instance.
func NewLogger(verbose, debug bool) *Logger {
	return &Logger{Verbose: verbose, DebugMode: debug}
}

// Info logs an info message when Verbose is set.
func (l *Logger) Info(format string, args ...any) {
	if l.Verbose {
		fmt.Fprintf(os.Stderr, "[INFO] %s: %s\n", time.Now().Format("15:04:05"), fmt.Sprintf(format, args...))
	}
}

// Debug logs a debug message when DebugMode is set.
func (l *Logger) Debug(format string, args ...any) {
	if l.DebugMode {
		fmt.Fprintf(os.Stderr, "[DEBUG] %s: %s\n", time.Now().Format("15:04:05"), fmt.Sprintf(format, args...))
	}
}

// Warn logs a warning message unconditionally.
func (l *Logger) Warn(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "[WARN] %s: %s\n", time.Now().Format("15:04:05"), fmt.Sprintf(format, args...))
}

// Error logs an error message unconditionally.
func (l *Logger) Error(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "[ERROR] %s: %s\n", time.Now().Format("15:04:05"), fmt.Sprintf(format, args...))
}

// Config is the on-disk configuration the multiplexer optionally loads via
// --config, layered underneath whatever flags the invocation also passed
// (flags always win; see cmd/lspmux).
type Config struct {
	Verbose     bool     `json:"verbose"`
	Debug       bool     `json:"debug"`
	QuietServer bool     `json:"quiet_server"`
	DropTardy   bool     `json:"drop_tardy"`
	DelayMS     int      `json:"delay_ms"`
	MetricsAddr string   `json:"metrics_addr"`
	Masked      []string `json:"masked_capabilities"`
}

// LoadConfig loads configuration from file, returning zero-value defaults if
// configPath is empty or the file does not exist.
func LoadConfig(configPath string) (*Config, error) {
	config := &Config{}
	if configPath == "" {
		return config, nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			return config, nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := json.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	return config, nil
}

// ValidateArgs checks that at least minArgs positional arguments were given.
func ValidateArgs(args []string, minArgs int, usage string) error {
	if len(args) < minArgs {
		return fmt.Errorf("insufficient arguments\nUsage: %s", usage)
	}
	return nil
}

// HandleError logs err (via logger if non-nil, else stderr directly) and
// exits the process with code 1. A no-op when err is nil.
func HandleError(err error, logger *Logger) {
	if err == nil {
		return
	}
	if logger != nil {
		logger.Error("%v", err)
	} else {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	}
	os.Exit(1)
}

// PrintUsage prints the single-command usage banner for lspmux.
func PrintUsage(tool string) {
	fmt.Printf("%s - a Language Server Protocol multiplexer\n\n", tool)
	fmt.Printf("USAGE:\n")
	fmt.Printf("    %s [OPTIONS] -- <backend argv> [-- <backend argv>...]\n\n", tool)
	fmt.Printf("OPTIONS:\n")
	fmt.Printf("    --quiet-server       suppress back-end stderr forwarding to the log\n")
	fmt.Printf("    --delay-ms N         fixed delay, in milliseconds, before every message sent to the editor\n")
	fmt.Printf("    --drop-tardy         drop a push diagnostic that arrives after its document's aggregation already published\n")
	fmt.Printf("    --metrics-addr ADDR  serve Prometheus metrics at ADDR/metrics\n")
	fmt.Printf("    --preset NAME        routing preset: default or strict (strict always drops tardy push diagnostics)\n")
	fmt.Printf("    --config PATH        load defaults for the options above from a JSON file\n")
	fmt.Printf("    --verbose, --debug   increase log verbosity\n")
	fmt.Printf("    --help               show this message\n")
	fmt.Printf("    --version            show version information\n")
	fmt.Printf("    --json               output version in JSON format (with --version)\n")
}
