package utils

import (
	"bytes"
	"compress/gzip"
	"io"
)

// Compress gzips a payload for an inter-hop POST body.
func Compress(data []byte) (bytes.Buffer, error) {
	var buf bytes.Buffer
	writer := gzip.NewWriter(&buf)
	if _, err := writer.Write(data); err != nil {
		return buf, err
	}
	if err := writer.Close(); err != nil {
		return buf, err
	}
	return buf, nil
}

// Decompress reads a gzipped body back into raw bytes.
func Decompress(r io.Reader) ([]byte, error) {
	reader, err := gzip.NewReader(r)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = reader.Close()
	}()
	return io.ReadAll(reader)
}
