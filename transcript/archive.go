package transcript

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/klauspost/compress/zstd"
)

// ArchiveExt is the file extension of archived transcripts.
const ArchiveExt = ".jsonl.zst"

// ErrEmptyArchive is returned by ReadArchive for a file without a header.
var ErrEmptyArchive = errors.New("archive has no header")

// Archive is an Analyzer that stores every transcript as zstd-compressed
// JSON lines: the Meta on the first line, one Entry per following line.
type Archive struct {
	dir string
	log *slog.Logger
}

// NewArchive creates an archive rooted at dir.
func NewArchive(dir string, log *slog.Logger) *Archive {
	if log == nil {
		log = slog.Default()
	}
	return &Archive{dir: dir, log: log}
}

// Dir returns the archive directory.
func (a *Archive) Dir() string {
	return a.dir
}

// Path returns where the transcript for meta is stored.
func (a *Archive) Path(meta Meta) string {
	name := meta.StartedAt.UTC().Format("20060102-150405") + "-" + meta.SessionRef + ArchiveExt
	return filepath.Join(a.dir, name)
}

// Analyze writes the transcript. The file appears atomically.
func (a *Archive) Analyze(ctx context.Context, entries []Entry, meta Meta) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := os.MkdirAll(a.dir, 0o755); err != nil {
		return fmt.Errorf("failed to create archive dir: %w", err)
	}

	path := a.Path(meta)
	tmp, err := os.CreateTemp(a.dir, ".transcript-*")
	if err != nil {
		return fmt.Errorf("failed to create archive file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if err := writeArchive(tmp, entries, meta); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write archive: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to write archive: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("failed to store archive: %w", err)
	}

	a.log.Info("transcript archived", "sessionRef", meta.SessionRef, "path", path, "entries", len(entries))
	return nil
}

func writeArchive(w io.Writer, entries []Entry, meta Meta) error {
	zw, err := zstd.NewWriter(w)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(zw)
	if err := enc.Encode(meta); err != nil {
		zw.Close()
		return err
	}
	for _, e := range entries {
		if err := enc.Encode(e); err != nil {
			zw.Close()
			return err
		}
	}
	return zw.Close()
}

// ReadArchive loads a transcript written by Archive.
func ReadArchive(path string) (Meta, []Entry, error) {
	f, err := os.Open(path)
	if err != nil {
		return Meta{}, nil, err
	}
	defer f.Close()

	zr, err := zstd.NewReader(f)
	if err != nil {
		return Meta{}, nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer zr.Close()

	scanner := bufio.NewScanner(zr)
	scanner.Buffer(make([]byte, 0, 64*1024), 16<<20)

	if !scanner.Scan() {
		if err := scanner.Err(); err != nil {
			return Meta{}, nil, fmt.Errorf("failed to read %s: %w", path, err)
		}
		return Meta{}, nil, ErrEmptyArchive
	}
	var meta Meta
	if err := json.Unmarshal(scanner.Bytes(), &meta); err != nil {
		return Meta{}, nil, fmt.Errorf("bad header in %s: %w", path, err)
	}

	var entries []Entry
	for scanner.Scan() {
		var e Entry
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			return meta, entries, fmt.Errorf("bad entry %d in %s: %w", len(entries)+1, path, err)
		}
		entries = append(entries, e)
	}
	if err := scanner.Err(); err != nil {
		return meta, entries, fmt.Errorf("failed to read %s: %w", path, err)
	}
	return meta, entries, nil
}

// List returns the archived transcript files in dir, oldest first.
func List(dir string) ([]string, error) {
	des, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var paths []string
	for _, de := range des {
		if de.IsDir() || !strings.HasSuffix(de.Name(), ArchiveExt) {
			continue
		}
		paths = append(paths, filepath.Join(dir, de.Name()))
	}
	sort.Strings(paths)
	return paths, nil
}

var _ Analyzer = (*Archive)(nil)
