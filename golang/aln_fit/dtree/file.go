package dtree

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/cespare/xxhash/v2"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// FormatVersion identifies the envelope written by Write.
const FormatVersion = "aln_fit.dtree/v1"

type envelope struct {
	Format   string          `json:"format"`
	Checksum uint64          `json:"checksum"`
	Tree     json.RawMessage `json:"tree"`
}

// Codec compresses whole export files.
type Codec interface {
	Compress(data []byte) ([]byte, error)
	Decompress(data []byte) ([]byte, error)
}

type noopCodec struct{}

func (noopCodec) Compress(data []byte) ([]byte, error)   { return data, nil }
func (noopCodec) Decompress(data []byte) ([]byte, error) { return data, nil }

type zstdCodec struct{}

func (zstdCodec) Compress(data []byte) ([]byte, error) {
	encoder, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, err
	}
	defer encoder.Close()
	return encoder.EncodeAll(data, nil), nil
}

func (zstdCodec) Decompress(data []byte) ([]byte, error) {
	decoder, err := zstd.NewReader(nil, zstd.WithDecoderConcurrency(1))
	if err != nil {
		return nil, err
	}
	defer decoder.Close()
	out, err := decoder.DecodeAll(data, nil)
	if err != nil {
		return nil, fmt.Errorf("zstd decompression failed: %w", err)
	}
	return out, nil
}

type lz4Codec struct{}

func (lz4Codec) Compress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := lz4.NewWriter(&buf)
	if _, err := w.Write(data); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (lz4Codec) Decompress(data []byte) ([]byte, error) {
	out, err := io.ReadAll(lz4.NewReader(bytes.NewReader(data)))
	if err != nil {
		return nil, fmt.Errorf("lz4 decompression failed: %w", err)
	}
	return out, nil
}

// CodecFor chooses the compression by file extension: .zst, .lz4 or none.
func CodecFor(path string) Codec {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".zst", ".zstd":
		return zstdCodec{}
	case ".lz4":
		return lz4Codec{}
	}
	return noopCodec{}
}

// Marshal encodes a tree into the checksummed envelope.
func Marshal(d *DTree) ([]byte, error) {
	payload, err := json.Marshal(d)
	if err != nil {
		return nil, err
	}
	return json.MarshalIndent(envelope{
		Format:   FormatVersion,
		Checksum: xxhash.Sum64(payload),
		Tree:     payload,
	}, "", "  ")
}

// Unmarshal decodes and verifies an envelope written by Marshal.
func Unmarshal(data []byte) (*DTree, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	if env.Format != FormatVersion {
		return nil, fmt.Errorf("%w: format %q", ErrCorrupt, env.Format)
	}
	var compact bytes.Buffer
	if err := json.Compact(&compact, env.Tree); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	if sum := xxhash.Sum64(compact.Bytes()); sum != env.Checksum {
		return nil, fmt.Errorf("%w: checksum %x, expected %x", ErrCorrupt, sum, env.Checksum)
	}
	var d DTree
	if err := json.Unmarshal(compact.Bytes(), &d); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	if err := d.Validate(); err != nil {
		return nil, err
	}
	return &d, nil
}

// Write stores the tree at path. Nothing is left behind when writing fails.
func Write(path string, d *DTree) error {
	data, err := Marshal(d)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrWrite, err)
	}
	data, err = CodecFor(path).Compress(data)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrWrite, err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("%w: %v", ErrWrite, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("%w: %v", ErrWrite, err)
	}
	return nil
}

// Read loads a tree written by Write.
func Read(path string) (*DTree, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	data, err = CodecFor(path).Decompress(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	return Unmarshal(data)
}
