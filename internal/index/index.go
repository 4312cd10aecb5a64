// Package index implements the append-only vector index: a tightly
// packed little-endian float32 matrix in vectors.bin, one metadata
// record per vector in metadata.jsonl, and a dim sidecar.
package index

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/membank/membank/internal/model"
)

// ErrDimMismatch marks an insert or query whose dimension disagrees with
// the index. Recoverable via rebuild.
var ErrDimMismatch = errors.New("index dimension mismatch")

// ErrCorruptMetadata marks an unreadable metadata line; forces rebuild.
var ErrCorruptMetadata = errors.New("index metadata corrupt")

const floatBytes = 4

// Index is a handle on one index directory. The mapped read view is
// created per search and never outlives a rebuild.
type Index struct {
	dir    string
	logger *slog.Logger
}

// Open returns a handle and runs crash recovery: a build interrupted
// between the vector write and the metadata append leaves vectors.bin
// long, so it is truncated back to len(metadata) x dim x 4 bytes.
func Open(dir string, logger *slog.Logger) (*Index, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create index dir: %w", err)
	}
	ix := &Index{dir: dir, logger: logger}
	if err := ix.recover(); err != nil {
		return nil, err
	}
	return ix, nil
}

func (ix *Index) vectorsPath() string  { return filepath.Join(ix.dir, "vectors.bin") }
func (ix *Index) metadataPath() string { return filepath.Join(ix.dir, "metadata.jsonl") }
func (ix *Index) dimPath() string      { return filepath.Join(ix.dir, "dim") }

// Dim returns the fixed vector dimension, or 0 before the first insert.
func (ix *Index) Dim() int {
	data, err := os.ReadFile(ix.dimPath())
	if err != nil {
		return 0
	}
	d, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0
	}
	return d
}

func (ix *Index) writeDim(d int) error {
	return os.WriteFile(ix.dimPath(), []byte(strconv.Itoa(d)+"\n"), 0o644)
}

// Count returns the number of indexed vectors.
func (ix *Index) Count() (int, error) {
	n := 0
	err := ix.iterMetadataLines(func(int, []byte) error {
		n++
		return nil
	})
	return n, err
}

// Keys returns the set of chunk keys present in the metadata log.
func (ix *Index) Keys() (map[model.ChunkKey]bool, error) {
	keys := map[model.ChunkKey]bool{}
	err := ix.iterMetadataLines(func(i int, line []byte) error {
		var c model.Chunk
		if err := json.Unmarshal(line, &c); err != nil {
			return fmt.Errorf("%w: line %d: %v", ErrCorruptMetadata, i, err)
		}
		keys[c.Key()] = true
		return nil
	})
	if err != nil {
		return nil, err
	}
	return keys, nil
}

// iterMetadataLines streams metadata.jsonl line by line. A missing file
// iterates zero lines.
func (ix *Index) iterMetadataLines(fn func(i int, line []byte) error) error {
	f, err := os.Open(ix.metadataPath())
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("open metadata: %w", err)
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 1<<20), 16<<20)
	i := 0
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		if err := fn(i, line); err != nil {
			return err
		}
		i++
	}
	return sc.Err()
}

// recover reconciles vectors.bin with metadata.jsonl after a crash.
func (ix *Index) recover() error {
	dim := ix.Dim()
	if dim == 0 {
		return nil
	}
	n, err := ix.Count()
	if err != nil {
		return err
	}
	want := int64(n) * int64(dim) * floatBytes
	fi, err := os.Stat(ix.vectorsPath())
	if err != nil {
		if os.IsNotExist(err) && n == 0 {
			return nil
		}
		return fmt.Errorf("stat vectors: %w", err)
	}
	if fi.Size() > want {
		if err := os.Truncate(ix.vectorsPath(), want); err != nil {
			return fmt.Errorf("truncate vectors: %w", err)
		}
		ix.logger.Warn("recovered index after interrupted build",
			"dropped_bytes", fi.Size()-want)
	}
	return nil
}

// Clear removes all index data, forcing the next build to start fresh.
func (ix *Index) Clear() error {
	for _, p := range []string{ix.vectorsPath(), ix.metadataPath(), ix.dimPath()} {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("clear index: %w", err)
		}
	}
	return nil
}

// normalize returns an L2-normalized copy of v.
func normalize(v []float32) []float32 {
	out := make([]float32, len(v))
	var norm float64
	for _, x := range v {
		norm += float64(x) * float64(x)
	}
	if norm == 0 {
		copy(out, v)
		return out
	}
	inv := float32(1 / math.Sqrt(norm))
	for i, x := range v {
		out[i] = x * inv
	}
	return out
}

func encodeVector(v []float32) []byte {
	buf := make([]byte, len(v)*floatBytes)
	for i, x := range v {
		binary.LittleEndian.PutUint32(buf[i*floatBytes:], math.Float32bits(x))
	}
	return buf
}
