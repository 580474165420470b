package localfs

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"

	"github.com/bizledger/intake/internal/core/domain"
)

// ChunkStore keeps raw chunk bodies on disk, one directory per upload, and
// concatenates them in index order on finalize.
type ChunkStore struct {
	basePath string
}

func New(basePath string) (*ChunkStore, error) {
	if basePath == "" {
		basePath = "./data/chunks"
	}
	if err := os.MkdirAll(basePath, 0o755); err != nil {
		return nil, fmt.Errorf("create chunk dir: %w", err)
	}
	return &ChunkStore{basePath: basePath}, nil
}

// SaveChunk is idempotent: re-sending an index overwrites the same part file.
func (s *ChunkStore) SaveChunk(_ context.Context, uploadID string, index int, data io.Reader) error {
	dir := filepath.Join(s.basePath, uploadID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create upload dir: %w", err)
	}

	path := filepath.Join(dir, strconv.Itoa(index)+".part")
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create chunk file: %w", err)
	}
	defer f.Close()

	if _, err := io.Copy(f, data); err != nil {
		return fmt.Errorf("write chunk file: %w", err)
	}
	return nil
}

// Assemble concatenates parts 0..totalChunks-1 into the final file and drops
// the part directory. A missing part aborts assembly with ErrInvalidInput so
// the client can re-send it.
func (s *ChunkStore) Assemble(_ context.Context, uploadID, fileName string, totalChunks int) (string, error) {
	dir := filepath.Join(s.basePath, uploadID)
	outDir := filepath.Join(s.basePath, "assembled")
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return "", fmt.Errorf("create assembled dir: %w", err)
	}

	outPath := filepath.Join(outDir, uploadID+"_"+filepath.Base(fileName))
	out, err := os.Create(outPath)
	if err != nil {
		return "", fmt.Errorf("create assembled file: %w", err)
	}
	defer out.Close()

	for index := 0; index < totalChunks; index++ {
		path := filepath.Join(dir, strconv.Itoa(index)+".part")
		part, err := os.Open(path)
		if err != nil {
			if os.IsNotExist(err) {
				return "", domain.WrapError(domain.ErrInvalidInput, "assemble upload",
					fmt.Errorf("chunk %d of %d missing", index, totalChunks))
			}
			return "", fmt.Errorf("open chunk %d: %w", index, err)
		}

		_, err = io.Copy(out, part)
		part.Close()
		if err != nil {
			return "", fmt.Errorf("append chunk %d: %w", index, err)
		}
	}

	if err := os.RemoveAll(dir); err != nil {
		return "", fmt.Errorf("remove chunk dir: %w", err)
	}
	return outPath, nil
}

// PruneSession drops all stored parts for an abandoned upload.
func (s *ChunkStore) PruneSession(_ context.Context, uploadID string) error {
	if err := os.RemoveAll(filepath.Join(s.basePath, uploadID)); err != nil {
		return fmt.Errorf("prune chunk dir: %w", err)
	}
	return nil
}
