package recorder

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/willibrandon/ctutor/pkg/trace"
)

// FileRecorder appends steps to a JSON lines log with optional compression
type FileRecorder struct {
	file            *os.File
	writer          io.Writer
	bufWriter       *bufio.Writer
	path            string
	compressionType CompressionType
	runID           string
	stepCount       int
}

// FileRecorderOptions contains options for creating a file recorder
type FileRecorderOptions struct {
	CompressionType CompressionType
	// RunID is stamped on every entry
	RunID string
}

// DefaultFileRecorderOptions returns default options for file recorder
func DefaultFileRecorderOptions() FileRecorderOptions {
	return FileRecorderOptions{
		CompressionType: DefaultCompression,
	}
}

// NewFileRecorder creates a new file recorder with default options
func NewFileRecorder(path string) (*FileRecorder, error) {
	return NewFileRecorderWithOptions(path, DefaultFileRecorderOptions())
}

// NewFileRecorderWithOptions creates a new file recorder with the given options
func NewFileRecorderWithOptions(path string, options FileRecorderOptions) (*FileRecorder, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open step log: %w", err)
	}

	bufWriter := bufio.NewWriter(f)
	compressedWriter := NewCompressedWriter(bufWriter, options.CompressionType)

	return &FileRecorder{
		file:            f,
		writer:          compressedWriter,
		bufWriter:       bufWriter,
		path:            path,
		compressionType: options.CompressionType,
		runID:           options.RunID,
	}, nil
}

// RecordStep writes one entry to the log
func (fr *FileRecorder) RecordStep(s trace.Step) error {
	data, err := json.Marshal(Entry{
		Index:     fr.stepCount,
		Timestamp: CurrentTime(),
		RunID:     fr.runID,
		Step:      s,
	})
	if err != nil {
		return fmt.Errorf("failed to encode step %d: %w", fr.stepCount, err)
	}

	// Write the JSON data
	if _, err := fr.writer.Write(data); err != nil {
		return err
	}

	// Write a newline
	if _, err := fr.writer.Write([]byte{'\n'}); err != nil {
		return err
	}

	// Flush both layers so an interrupted run keeps its steps
	if err := FlushCompressedWriter(fr.writer); err != nil {
		return err
	}
	if err := fr.bufWriter.Flush(); err != nil {
		return err
	}

	fr.stepCount++
	return nil
}

// Steps reads all steps back from the file
func (fr *FileRecorder) Steps() []trace.Step {
	entries, err := fr.Entries()
	if err != nil {
		return nil
	}
	steps := make([]trace.Step, 0, len(entries))
	for _, e := range entries {
		steps = append(steps, e.Step)
	}
	return steps
}

// Entries reads all entries back from the file, decompressing if necessary
func (fr *FileRecorder) Entries() ([]Entry, error) {
	// Ensure data is flushed to disk
	CloseCompressedWriter(fr.writer, fr.compressionType)
	fr.bufWriter.Flush()

	// Reopen the writer since we closed it; a new zstd frame follows the old ones
	defer func() {
		fr.writer = NewCompressedWriter(fr.bufWriter, fr.compressionType)
	}()

	return ReadLog(fr.path, fr.compressionType)
}

// ReadLog reads every entry of a step log
func ReadLog(path string, compressionType CompressionType) ([]Entry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open step log: %w", err)
	}
	defer f.Close()

	// Create a reader with decompression if needed
	reader, err := NewCompressedReader(f, compressionType)
	if err != nil {
		return nil, fmt.Errorf("failed to read step log: %w", err)
	}
	defer CloseCompressedReader(reader)

	var entries []Entry
	scanner := bufio.NewScanner(reader)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		var entry Entry
		if err := json.Unmarshal(scanner.Bytes(), &entry); err != nil {
			return entries, fmt.Errorf("step log entry %d: %w", len(entries), err)
		}
		entries = append(entries, entry)
	}
	if err := scanner.Err(); err != nil {
		return entries, fmt.Errorf("failed to scan step log: %w", err)
	}
	return entries, nil
}

// Clear clears the file and resets the recorder
func (fr *FileRecorder) Clear() {
	// Ignore errors in Clear() as per interface
	CloseCompressedWriter(fr.writer, fr.compressionType)
	fr.bufWriter.Flush()
	fr.file.Close()
	os.Truncate(fr.path, 0)

	// Reopen the file
	f, err := os.OpenFile(fr.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err == nil {
		fr.file = f
		fr.bufWriter = bufio.NewWriter(f)
		fr.writer = NewCompressedWriter(fr.bufWriter, fr.compressionType)
		fr.stepCount = 0
	}
}

// Close flushes and closes the file
func (fr *FileRecorder) Close() error {
	// Close the compressed writer if needed
	if err := CloseCompressedWriter(fr.writer, fr.compressionType); err != nil {
		return err
	}

	if err := fr.bufWriter.Flush(); err != nil {
		return err
	}

	return fr.file.Close()
}
