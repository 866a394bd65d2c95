package recorder

import (
	"bytes"
	"io"
	"testing"
)

func TestUncompressedStreamsPassThrough(t *testing.T) {
	var buf bytes.Buffer
	testData := []byte(`{"line":3,"stdout":"hello\n","heap":{"4096":["LIST",1,2,3]}}`)

	writer := NewCompressedWriter(&buf, NoCompression)
	if writer != io.Writer(&buf) {
		t.Fatal("Expected the sink itself without compression")
	}
	if _, err := writer.Write(testData); err != nil {
		t.Fatalf("Failed to write: %v", err)
	}
	if err := FlushCompressedWriter(writer); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}
	if err := CloseCompressedWriter(writer, NoCompression); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if !bytes.Equal(buf.Bytes(), testData) {
		t.Fatal("Expected data written verbatim")
	}

	reader, err := NewCompressedReader(bytes.NewReader(buf.Bytes()), NoCompression)
	if err != nil {
		t.Fatalf("Failed to create reader: %v", err)
	}
	defer CloseCompressedReader(reader)
	got, err := io.ReadAll(reader)
	if err != nil || !bytes.Equal(got, testData) {
		t.Fatalf("Expected data read verbatim, got %q (%v)", got, err)
	}
}

func TestCompressedWriter(t *testing.T) {
	var buf bytes.Buffer

	writer := NewCompressedWriter(&buf, ZstdCompression)
	testData := []byte("This is test data for the compressed writer.")

	n, err := writer.Write(testData)
	if err != nil {
		t.Fatalf("Failed to write to compressed writer: %v", err)
	}
	if n != len(testData) {
		t.Fatalf("Expected to write %d bytes, wrote %d", len(testData), n)
	}

	// Flushing makes the data readable before close
	if err := FlushCompressedWriter(writer); err != nil {
		t.Fatalf("Failed to flush compressed writer: %v", err)
	}
	if buf.Len() == 0 {
		t.Fatal("No data was written to buffer after flush")
	}

	if err := CloseCompressedWriter(writer, ZstdCompression); err != nil {
		t.Fatalf("Failed to close compressed writer: %v", err)
	}

	reader, err := NewCompressedReader(bytes.NewReader(buf.Bytes()), ZstdCompression)
	if err != nil {
		t.Fatalf("Failed to create compressed reader: %v", err)
	}
	defer CloseCompressedReader(reader)

	decompressed, err := io.ReadAll(reader)
	if err != nil {
		t.Fatalf("Failed to read from compressed reader: %v", err)
	}
	if !bytes.Equal(decompressed, testData) {
		t.Fatalf("Decompressed data does not match original")
	}
}

func TestParseCompression(t *testing.T) {
	tests := []struct {
		in      string
		want    CompressionType
		wantErr bool
	}{
		{"", NoCompression, false},
		{"none", NoCompression, false},
		{"ZSTD", ZstdCompression, false},
		{"gzip", NoCompression, true},
	}
	for _, tt := range tests {
		got, err := ParseCompression(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseCompression(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseCompression(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}
