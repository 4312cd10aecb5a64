package index

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sync/errgroup"

	"github.com/membank/membank/internal/model"
	"github.com/membank/membank/internal/oracle"
	"github.com/membank/membank/internal/storage"
)

const (
	// flushEvery bounds how many vector/metadata pairs may sit in OS
	// buffers before a durability point.
	flushEvery = 64
	// embedWorkers fans a batch's embedding requests out to the oracle.
	embedWorkers = 4
)

// appender holds the open log files during a build. Pairs are written
// vector first, fsync'd, then the metadata line; combined with
// truncate-on-open recovery this makes the pair durable as a unit.
type appender struct {
	ix       *Index
	vectors  *os.File
	metadata *os.File
	dim      int
	since    int // pairs since last flush
}

func (ix *Index) newAppender() (*appender, error) {
	vf, err := os.OpenFile(ix.vectorsPath(), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open vectors: %w", err)
	}
	mf, err := os.OpenFile(ix.metadataPath(), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		vf.Close()
		return nil, fmt.Errorf("open metadata: %w", err)
	}
	return &appender{ix: ix, vectors: vf, metadata: mf, dim: ix.Dim()}, nil
}

func (a *appender) append(vec []float32, meta model.Chunk) error {
	if a.dim == 0 {
		a.dim = len(vec)
		if err := a.ix.writeDim(a.dim); err != nil {
			return err
		}
	} else if len(vec) != a.dim {
		return fmt.Errorf("%w: got %d, index has %d", ErrDimMismatch, len(vec), a.dim)
	}

	if _, err := a.vectors.Write(encodeVector(normalize(vec))); err != nil {
		return fmt.Errorf("append vector: %w", err)
	}
	if err := a.vectors.Sync(); err != nil {
		return fmt.Errorf("sync vectors: %w", err)
	}
	line, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}
	if _, err := a.metadata.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("append metadata: %w", err)
	}

	a.since++
	if a.since >= flushEvery {
		a.since = 0
		return a.metadata.Sync()
	}
	return nil
}

func (a *appender) close() error {
	err1 := a.metadata.Sync()
	err2 := a.vectors.Close()
	err3 := a.metadata.Close()
	return errors.Join(err1, err2, err3)
}

// Build incrementally embeds and appends every chunk not yet present in
// the index, keyed by (session_id, chunk_index, source_type). On any
// oracle failure the build aborts with the error; the on-disk state
// stays consistent. Cancellation is honored between batches.
func (ix *Index) Build(ctx context.Context, st *storage.Store, orc oracle.Oracle) (added int, err error) {
	keys, err := ix.Keys()
	if err != nil {
		return 0, err
	}

	var missing []model.Chunk
	err = st.IterAllChunks(func(c model.Chunk) error {
		if !keys[c.Key()] {
			missing = append(missing, c)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	if len(missing) == 0 {
		return 0, nil
	}

	app, err := ix.newAppender()
	if err != nil {
		return 0, err
	}
	defer func() {
		if cerr := app.close(); err == nil {
			err = cerr
		}
	}()

	for start := 0; start < len(missing); start += flushEvery {
		if err := ctx.Err(); err != nil {
			return added, err
		}
		batch := missing[start:min(start+flushEvery, len(missing))]
		vectors, err := embedBatch(ctx, orc, batch)
		if err != nil {
			return added, err
		}
		for i, c := range batch {
			if err := app.append(vectors[i], c); err != nil {
				return added, err
			}
			added++
		}
	}
	return added, nil
}

// embedBatch requests embeddings for one batch, sharded across workers.
func embedBatch(ctx context.Context, orc oracle.Oracle, chunks []model.Chunk) ([][]float32, error) {
	vectors := make([][]float32, len(chunks))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(embedWorkers)

	shard := (len(chunks) + embedWorkers - 1) / embedWorkers
	for start := 0; start < len(chunks); start += shard {
		start := start
		end := min(start+shard, len(chunks))
		g.Go(func() error {
			texts := make([]string, end-start)
			for i, c := range chunks[start:end] {
				texts[i] = c.Text
			}
			vs, err := orc.Embed(gctx, texts)
			if err != nil {
				return err
			}
			copy(vectors[start:end], vs)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return vectors, nil
}

// Stale reports whether the index no longer reflects the chunk set: the
// newest chunk log is younger than the index, or a chunk key is missing
// from the metadata log.
func (ix *Index) Stale(st *storage.Store) (bool, error) {
	mfi, err := os.Stat(ix.metadataPath())
	if err != nil {
		if os.IsNotExist(err) {
			// No index yet: stale iff there is anything to index.
			n := 0
			st.IterAllChunks(func(model.Chunk) error { n++; return nil })
			return n > 0, nil
		}
		return false, err
	}
	if newest := st.ChunkLogMaxMtime(); newest.After(mfi.ModTime()) {
		return true, nil
	}

	keys, err := ix.Keys()
	if err != nil {
		return false, err
	}
	missing := false
	err = st.IterAllChunks(func(c model.Chunk) error {
		if !keys[c.Key()] {
			missing = true
		}
		return nil
	})
	return missing, err
}

// Rebuild regenerates the whole index into sibling .new files and swaps
// them in atomically. Used on dim mismatch, corrupt metadata, or
// operator request.
func (ix *Index) Rebuild(ctx context.Context, st *storage.Store, orc oracle.Oracle) (int, error) {
	tmpDir := ix.dir + ".new"
	if err := os.RemoveAll(tmpDir); err != nil {
		return 0, fmt.Errorf("clear rebuild dir: %w", err)
	}
	fresh, err := Open(tmpDir, ix.logger)
	if err != nil {
		return 0, err
	}
	added, err := fresh.Build(ctx, st, orc)
	if err != nil {
		os.RemoveAll(tmpDir)
		return 0, err
	}

	// Swap each file into place; the rename of metadata.jsonl is the
	// commit point (count is defined by metadata).
	for _, name := range []string{"vectors.bin", "dim", "metadata.jsonl"} {
		src := filepath.Join(tmpDir, name)
		dst := filepath.Join(ix.dir, name)
		if _, err := os.Stat(src); os.IsNotExist(err) {
			os.Remove(dst)
			continue
		}
		if err := os.Rename(src, dst); err != nil {
			return added, fmt.Errorf("swap %s: %w", name, err)
		}
	}
	os.RemoveAll(tmpDir)
	return added, nil
}
