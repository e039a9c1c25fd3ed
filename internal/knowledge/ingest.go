package knowledge

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/nugget/evchat/internal/embeddings"
)

// embedBatch bounds the texts sent to the embedder per call.
const embedBatch = 64

// Ingester parses documents, splits them into chunks, embeds the chunks
// and stores them. Re-ingesting a source replaces its chunks.
type Ingester struct {
	store    *Store
	embedder embeddings.Embedder
	splitter Splitter
	logger   *slog.Logger
}

// NewIngester creates an Ingester.
func NewIngester(store *Store, embedder embeddings.Embedder, splitter Splitter, logger *slog.Logger) *Ingester {
	return &Ingester{store: store, embedder: embedder, splitter: splitter, logger: logger}
}

// Stats summarises an ingestion run.
type Stats struct {
	Files   int
	Chunks  int
	Skipped int
}

// IngestPath ingests a single file or every supported file under a
// directory. Sources are recorded relative to the directory.
func (in *Ingester) IngestPath(ctx context.Context, path string) (Stats, error) {
	var st Stats

	info, err := os.Stat(path)
	if err != nil {
		return st, err
	}
	if !info.IsDir() {
		format, ok := FormatFor(path)
		if !ok {
			return st, fmt.Errorf("%s: unsupported file type", path)
		}
		n, err := in.ingestFile(ctx, filepath.Base(path), path, format)
		if err != nil {
			return st, err
		}
		return Stats{Files: 1, Chunks: n}, nil
	}

	err = filepath.WalkDir(path, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if p != path && strings.HasPrefix(d.Name(), ".") {
				return filepath.SkipDir
			}
			return nil
		}
		format, ok := FormatFor(p)
		if !ok {
			st.Skipped++
			return nil
		}
		rel, err := filepath.Rel(path, p)
		if err != nil {
			rel = p
		}
		n, err := in.ingestFile(ctx, filepath.ToSlash(rel), p, format)
		if err != nil {
			return err
		}
		st.Files++
		st.Chunks += n
		return nil
	})
	return st, err
}

func (in *Ingester) ingestFile(ctx context.Context, source, path string, format Format) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	return in.Ingest(ctx, source, format, f)
}

// Ingest reads one document and stores its chunks under source. It
// returns the number of chunks stored.
func (in *Ingester) Ingest(ctx context.Context, source string, format Format, r io.Reader) (int, error) {
	sections, err := Parse(format, r)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", source, err)
	}

	var chunks []Chunk
	var texts []string
	for _, sec := range sections {
		for _, body := range in.splitter.Split(sec.Text) {
			chunks = append(chunks, Chunk{Source: source, Heading: sec.Heading, Content: body})
			texts = append(texts, embeddingText(sec.Heading, body))
		}
	}

	for start := 0; start < len(texts); start += embedBatch {
		end := min(start+embedBatch, len(texts))
		vecs, err := in.embedder.Embed(ctx, texts[start:end])
		if err != nil {
			return 0, fmt.Errorf("%s: embed: %w", source, err)
		}
		if len(vecs) != end-start {
			return 0, fmt.Errorf("%s: embedder returned %d vectors for %d chunks", source, len(vecs), end-start)
		}
		for i, v := range vecs {
			chunks[start+i].Embedding = v
		}
	}

	if err := in.store.ReplaceSource(ctx, source, chunks); err != nil {
		return 0, fmt.Errorf("%s: %w", source, err)
	}

	in.logger.Info("document ingested", "source", source, "format", format, "sections", len(sections), "chunks", len(chunks))
	return len(chunks), nil
}

// embeddingText prefixes the heading so a chunk that never names its
// topic still lands near questions about it.
func embeddingText(heading, body string) string {
	if heading == "" {
		return body
	}
	return heading + "\n\n" + body
}
