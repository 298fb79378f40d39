package storage

import (
	"bytes"
	"compress/gzip"
	"fmt"
	"io"
)

// compressPayload gzips payload when it is larger than threshold. It returns
// the bytes to store and whether they are compressed.
func compressPayload(payload string, threshold int) ([]byte, bool, error) {
	if threshold <= 0 || len(payload) <= threshold {
		return []byte(payload), false, nil
	}

	var buf bytes.Buffer
	zw, err := gzip.NewWriterLevel(&buf, gzip.BestSpeed)
	if err != nil {
		return nil, false, err
	}
	if _, err := zw.Write([]byte(payload)); err != nil {
		zw.Close()
		return nil, false, fmt.Errorf("compressing payload: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, false, fmt.Errorf("compressing payload: %w", err)
	}

	// Incompressible input is stored as-is.
	if buf.Len() >= len(payload) {
		return []byte(payload), false, nil
	}
	return buf.Bytes(), true, nil
}

func decompressPayload(data []byte, compressed bool) (string, error) {
	if !compressed {
		return string(data), nil
	}
	zr, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("decompressing payload: %w", err)
	}
	defer zr.Close()
	out, err := io.ReadAll(zr)
	if err != nil {
		return "", fmt.Errorf("decompressing payload: %w", err)
	}
	return string(out), nil
}
