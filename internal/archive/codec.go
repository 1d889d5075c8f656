// Package archive turns an hour of log records into the bytes written to
// blob storage: NDJSON serialization plus optional compression.
package archive

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zip"
	"github.com/klauspost/compress/zstd"

	"logarchive/internal/config"
	"logarchive/internal/models"
)

// CodecConfig controls serialization and compression of a batch.
type CodecConfig struct {
	CompressionEnabled bool
	Format             string
	Level              int
	MinCompressBytes   int
}

// CodecConfigFrom extracts codec settings from runtime configuration.
func CodecConfigFrom(cfg config.Config) CodecConfig {
	return CodecConfig{
		CompressionEnabled: cfg.CompressionEnabled,
		Format:             cfg.CompressionFormat,
		Level:              cfg.CompressionLevel,
		MinCompressBytes:   cfg.MinCompressBytes,
	}
}

// Encode serializes records as newline-delimited JSON and compresses the
// result when compression is enabled and the payload is at least
// MinCompressBytes. It returns the body, the file extension (including the
// compression suffix), and the content type.
func Encode(records []models.LogRecord, name string, cfg CodecConfig) ([]byte, string, string, error) {
	var plain bytes.Buffer
	enc := json.NewEncoder(&plain)
	for _, rec := range records {
		if err := enc.Encode(rec); err != nil {
			return nil, "", "", fmt.Errorf("encode record %s: %w", rec.ID, err)
		}
	}

	if !cfg.CompressionEnabled || plain.Len() < cfg.MinCompressBytes {
		return plain.Bytes(), ".json", "application/json", nil
	}

	switch cfg.Format {
	case config.CompressZstd:
		body, err := encodeZstd(plain.Bytes(), cfg.Level)
		if err != nil {
			return nil, "", "", err
		}
		return body, ".json.zst", "application/zstd", nil
	case config.CompressZip:
		body, err := encodeZip(plain.Bytes(), name+".json")
		if err != nil {
			return nil, "", "", err
		}
		return body, ".zip", "application/zip", nil
	default:
		body, err := encodeGzip(plain.Bytes(), cfg.Level)
		if err != nil {
			return nil, "", "", err
		}
		return body, ".json.gz", "application/gzip", nil
	}
}

func encodeGzip(data []byte, level int) ([]byte, error) {
	if level < gzip.HuffmanOnly || level > gzip.BestCompression {
		level = gzip.DefaultCompression
	}
	var buf bytes.Buffer
	w, err := gzip.NewWriterLevel(&buf, level)
	if err != nil {
		return nil, fmt.Errorf("gzip writer: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		return nil, fmt.Errorf("gzip write: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("gzip close: %w", err)
	}
	return buf.Bytes(), nil
}

func encodeZstd(data []byte, level int) ([]byte, error) {
	var buf bytes.Buffer
	w, err := zstd.NewWriter(&buf, zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(level)))
	if err != nil {
		return nil, fmt.Errorf("zstd writer: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		return nil, fmt.Errorf("zstd write: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("zstd close: %w", err)
	}
	return buf.Bytes(), nil
}

func encodeZip(data []byte, entryName string) ([]byte, error) {
	var buf bytes.Buffer
	w := zip.NewWriter(&buf)
	entry, err := w.Create(entryName)
	if err != nil {
		return nil, fmt.Errorf("zip entry: %w", err)
	}
	if _, err := entry.Write(data); err != nil {
		return nil, fmt.Errorf("zip write: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("zip close: %w", err)
	}
	return buf.Bytes(), nil
}
