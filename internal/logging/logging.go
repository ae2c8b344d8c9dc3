// Package logging routes the standard logger for the CLI.
package logging

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sync"
)

var (
	logFile *os.File
	mu      sync.Mutex
)

// Init points the standard logger at stderr when verbose is set and at the
// file at path when path is non-empty. With neither, component logs are
// discarded so they do not mix with command output.
func Init(path string, verbose bool) error {
	mu.Lock()
	defer mu.Unlock()

	closeLocked()

	var writers []io.Writer
	if verbose {
		writers = append(writers, os.Stderr)
	}
	if path != "" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return fmt.Errorf("create log directory: %w", err)
		}
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return fmt.Errorf("open log file: %w", err)
		}
		logFile = f
		writers = append(writers, f)
	}

	switch len(writers) {
	case 0:
		log.SetOutput(io.Discard)
	case 1:
		log.SetOutput(writers[0])
	default:
		log.SetOutput(io.MultiWriter(writers...))
	}
	return nil
}

// Close releases the log file, if any, and restores stderr logging.
func Close() {
	mu.Lock()
	defer mu.Unlock()
	closeLocked()
	log.SetOutput(os.Stderr)
}

func closeLocked() {
	if logFile != nil {
		logFile.Close()
		logFile = nil
	}
}
