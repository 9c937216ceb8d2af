package common

import (
	"bytes"
	"compress/gzip"
	"errors"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLogLevel_String(t *testing.T) {
	tests := []struct {
		level    LogLevel
		expected string
	}{
		{LevelDebug, "DEBUG"},
		{LevelInfo, "INFO"},
		{LevelWarn, "WARN"},
		{LevelError, "ERROR"},
		{LogLevel(99), "UNKNOWN"},
	}

	for _, tt := range tests {
		t.Run(tt.expected, func(t *testing.T) {
			if got := tt.level.String(); got != tt.expected {
				t.Errorf("LogLevel.String() = %v, want %v", got, tt.expected)
			}
		})
	}
}

func TestAppLogger_SetLevel(t *testing.T) {
	logger := &AppLogger{
		level: LevelInfo,
	}

	logger.SetLevel(LevelDebug)
	if logger.level != LevelDebug {
		t.Errorf("SetLevel did not update level, got %v, want %v", logger.level, LevelDebug)
	}
}

func TestAppLogger_LogFiltering(t *testing.T) {
	var buf bytes.Buffer

	logger := &AppLogger{
		level:  LevelWarn,
		output: &buf,
	}
	logger.logger = newTestLogger(&buf)

	// Debug and Info should be filtered
	logger.Debug("debug message")
	logger.Info("info message")

	if buf.Len() > 0 {
		t.Error("Debug/Info messages should be filtered when level is Warn")
	}

	// Warn and Error should pass
	logger.Warn("warn message")
	if !strings.Contains(buf.String(), "WARN") {
		t.Error("Warn message should be logged")
	}

	buf.Reset()
	logger.Error("error message")
	if !strings.Contains(buf.String(), "ERROR") {
		t.Error("Error message should be logged")
	}
}

func TestAppLogger_LogFormatting(t *testing.T) {
	var buf bytes.Buffer

	logger := &AppLogger{
		level:  LevelDebug,
		output: &buf,
	}
	logger.logger = newTestLogger(&buf)

	logger.Info("Test message with %s", "formatting")

	output := buf.String()

	// Check timestamp format (YYYY/MM/DD)
	if !strings.Contains(output, time.Now().Format("2006/01/02")) {
		t.Error("Log should contain date in YYYY/MM/DD format")
	}

	// Check level
	if !strings.Contains(output, "[INFO]") {
		t.Error("Log should contain level indicator")
	}

	// Check message
	if !strings.Contains(output, "Test message with formatting") {
		t.Error("Log should contain formatted message")
	}
}

func TestDefaultLogConfig(t *testing.T) {
	if defaultLogMaxSizeMB != 5 {
		t.Errorf("defaultLogMaxSizeMB = %v, want 5", defaultLogMaxSizeMB)
	}

	if defaultLogKeep != 5 {
		t.Errorf("defaultLogKeep = %v, want 5", defaultLogKeep)
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input    string
		expected LogLevel
	}{
		{"debug", LevelDebug},
		{"INFO", LevelInfo},
		{" warn ", LevelWarn},
		{"warning", LevelWarn},
		{"error", LevelError},
		{"verbose", LevelInfo},
		{"", LevelInfo},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			if got := ParseLevel(tt.input); got != tt.expected {
				t.Errorf("ParseLevel(%q) = %v, want %v", tt.input, got, tt.expected)
			}
		})
	}
}

func TestAppLogger_Named(t *testing.T) {
	var buf bytes.Buffer

	logger := &AppLogger{
		level:  LevelDebug,
		output: &buf,
	}
	logger.logger = newTestLogger(&buf)

	named := logger.Named("controller")
	named.Warn("retry %d", 3)

	output := buf.String()
	if !strings.Contains(output, "(controller)") {
		t.Errorf("Named logger should tag the component, got %q", output)
	}
	if !strings.Contains(output, "retry 3") {
		t.Errorf("Named logger should format the message, got %q", output)
	}
	if !strings.Contains(output, "logger_test.go") {
		t.Errorf("Named logger should report the caller's file, got %q", output)
	}
}

func TestGetConfigDir(t *testing.T) {
	t.Setenv("HOME", t.TempDir())

	dir, err := GetConfigDir()
	if err != nil {
		t.Fatalf("GetConfigDir() error = %v", err)
	}

	if !strings.HasSuffix(dir, ConfigDirName) {
		t.Errorf("GetConfigDir() = %v, should end with %v", dir, ConfigDirName)
	}

	if !FileExists(dir) {
		t.Error("GetConfigDir() should create the directory")
	}
}

func TestFileExists(t *testing.T) {
	tempFile, err := os.CreateTemp(t.TempDir(), "test")
	if err != nil {
		t.Fatal(err)
	}
	tempFile.Close()

	if !FileExists(tempFile.Name()) {
		t.Error("FileExists() should return true for existing file")
	}

	if FileExists("/nonexistent/path/to/file") {
		t.Error("FileExists() should return false for non-existing file")
	}
}

func TestCleanList(t *testing.T) {
	got := CleanList([]string{" 10.0.0.0/8", "", "10.0.0.0/8", "1.1.1.1 ", "  "})

	if len(got) != 2 {
		t.Fatalf("CleanList length = %v, want 2 (%v)", len(got), got)
	}
	if got[0] != "10.0.0.0/8" || got[1] != "1.1.1.1" {
		t.Errorf("CleanList = %v, want [10.0.0.0/8 1.1.1.1]", got)
	}
}

func TestWrapError(t *testing.T) {
	wrapped := WrapError(ErrTransport, "additional context")

	if wrapped == nil {
		t.Fatal("WrapError should return non-nil error")
	}

	if !strings.Contains(wrapped.Error(), "additional context") {
		t.Error("WrapError should include additional context")
	}

	if !errors.Is(wrapped, ErrTransport) {
		t.Error("WrapError should keep the original error in the chain")
	}

	if WrapError(nil, "context") != nil {
		t.Error("WrapError(nil) should return nil")
	}
}

func TestControllerError(t *testing.T) {
	cause := errors.New("broken pipe")
	err := NewControllerError("activate", cause)

	if !errors.Is(err, ErrTransport) {
		t.Error("ControllerError should match ErrTransport")
	}
	if !errors.Is(err, cause) {
		t.Error("ControllerError should unwrap to its cause")
	}
	if !strings.Contains(err.Error(), "activate") {
		t.Errorf("ControllerError message should name the operation, got %q", err.Error())
	}

	var ce *ControllerError
	if !errors.As(WrapError(err, "outer"), &ce) {
		t.Error("errors.As should find a wrapped ControllerError")
	}

	if NewControllerError("status", nil).Err != ErrTransport {
		t.Error("NewControllerError(nil) should default to ErrTransport")
	}
}

func TestLogFile_RollsOver(t *testing.T) {
	dir := t.TempDir()

	f, err := newLogFile(dir, 1, 2, 0)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	line := []byte(strings.Repeat("x", 1023) + "\n")
	for i := 0; i < 1536; i++ {
		if _, err := f.Write(line); err != nil {
			t.Fatalf("Write #%d error = %v", i, err)
		}
	}

	info, err := os.Stat(filepath.Join(dir, LogFileName))
	if err != nil {
		t.Fatal(err)
	}
	if info.Size() != 512*1024 {
		t.Errorf("live file size = %d, want the writes after the rollover", info.Size())
	}
	if info.Mode().Perm() != 0600 {
		t.Errorf("live file mode = %v, want 0600", info.Mode().Perm())
	}

	// Archives are compressed in the background.
	deadline := time.Now().Add(3 * time.Second)
	for {
		archives, _ := filepath.Glob(filepath.Join(dir, "tunnelctl-*.log.gz"))
		pending, _ := filepath.Glob(filepath.Join(dir, "tunnelctl-*.log"))
		if len(archives) == 1 && len(pending) == 0 {
			if got := gunzip(t, archives[0]); len(got) != 1024*1024 {
				t.Errorf("archive holds %d bytes, want 1MB", len(got))
			}
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("archives = %v, want one gzip archive", archives)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestLogFile_RefusesSymlink(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "elsewhere")
	if err := os.WriteFile(target, nil, 0600); err != nil {
		t.Fatal(err)
	}
	if err := os.Symlink(target, filepath.Join(dir, LogFileName)); err != nil {
		t.Skipf("symlinks unavailable: %v", err)
	}

	if _, err := newLogFile(dir, 1, 1, 0); err == nil {
		t.Error("newLogFile should refuse a symlinked log file")
	}
}

func TestAppLogger_LogToFile(t *testing.T) {
	dir := t.TempDir()
	logger := &AppLogger{level: LevelInfo}
	logger.logger = log.New(io.Discard, "", 0)

	f, err := newLogFile(dir, 1, 1, 0)
	if err != nil {
		t.Fatal(err)
	}
	logger.logToFile(f)
	logger.Named("daemon").Info("handshake from %s", "key-a")
	if err := logger.Close(); err != nil {
		t.Fatal(err)
	}

	data, err := os.ReadFile(filepath.Join(dir, LogFileName))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), "(daemon): handshake from key-a") {
		t.Errorf("log file = %q, want the tagged line", data)
	}

	// After Close nothing more reaches the file.
	logger.Info("after close")
	data, _ = os.ReadFile(filepath.Join(dir, LogFileName))
	if strings.Contains(string(data), "after close") {
		t.Error("Close should detach the log file")
	}
}

func gunzip(t *testing.T, path string) string {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	zr, err := gzip.NewReader(f)
	if err != nil {
		t.Fatal(err)
	}
	data, err := io.ReadAll(zr)
	if err != nil {
		t.Fatal(err)
	}
	return string(data)
}

// Helper to create a test logger
func newTestLogger(buf *bytes.Buffer) *log.Logger {
	return log.New(buf, "", 0)
}
