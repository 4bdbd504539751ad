package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/scrypster/chronicle/internal/search"
)

const defaultIndexBatch = 64

// documentFile is the YAML layout accepted by `chronicle index`.
type documentFile struct {
	Documents []search.Document `yaml:"documents"`
}

type batchEmbedder interface {
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// collectionEnsurer is implemented by indexes that must create their
// collection before the first upsert.
type collectionEnsurer interface {
	EnsureCollection(ctx context.Context, vectorSize uint64) error
}

func newIndexCmd(opts *globalOptions) *cobra.Command {
	var batch int

	cmd := &cobra.Command{
		Use:   "index <documents.yaml>",
		Short: "Embed documents and upsert them into the similarity index",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			docs, err := loadDocuments(args[0])
			if err != nil {
				return err
			}

			return withEngine(cmd.Context(), opts, func(d *deps) error {
				if d.index == nil {
					return errors.New("no similarity index configured (set similarity.provider)")
				}
				if d.embedder == nil {
					return errors.New("no embedder configured (set embedder.provider)")
				}
				n, err := indexDocuments(cmd.Context(), docs, d.embedder, d.index, batch)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Indexed %d documents\n", n)
				return nil
			})
		},
	}

	cmd.Flags().IntVar(&batch, "batch", defaultIndexBatch, "Documents per embedding request")

	return cmd
}

// loadDocuments reads and validates a document file.
func loadDocuments(path string) ([]search.Document, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening documents: %w", err)
	}
	defer f.Close()

	var file documentFile
	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(&file); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}

	var errs []error
	seen := make(map[string]bool, len(file.Documents))
	for i, doc := range file.Documents {
		switch {
		case strings.TrimSpace(doc.ID) == "":
			errs = append(errs, fmt.Errorf("document %d: id is required", i))
		case seen[doc.ID]:
			errs = append(errs, fmt.Errorf("document %d: duplicate id %q", i, doc.ID))
		case strings.TrimSpace(doc.Content) == "":
			errs = append(errs, fmt.Errorf("document %q: content is required", doc.ID))
		}
		seen[doc.ID] = true
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return file.Documents, nil
}

// indexDocuments embeds docs in batches and upserts them into idx.
func indexDocuments(ctx context.Context, docs []search.Document, emb batchEmbedder, idx search.Indexer, batch int) (int, error) {
	if batch <= 0 {
		batch = defaultIndexBatch
	}

	indexed := 0
	for start := 0; start < len(docs); start += batch {
		end := min(start+batch, len(docs))
		chunk := docs[start:end]

		texts := make([]string, len(chunk))
		for i, doc := range chunk {
			texts[i] = doc.Content
		}
		vectors, err := emb.EmbedBatch(ctx, texts)
		if err != nil {
			return indexed, fmt.Errorf("embedding documents %d-%d: %w", start, end-1, err)
		}
		if len(vectors) != len(chunk) {
			return indexed, fmt.Errorf("embedder returned %d vectors for %d documents", len(vectors), len(chunk))
		}

		if ensurer, ok := idx.(collectionEnsurer); ok && start == 0 && len(vectors) > 0 {
			if err := ensurer.EnsureCollection(ctx, uint64(len(vectors[0]))); err != nil {
				return indexed, fmt.Errorf("ensuring collection: %w", err)
			}
		}

		if err := idx.Upsert(ctx, chunk, vectors); err != nil {
			return indexed, fmt.Errorf("upserting documents %d-%d: %w", start, end-1, err)
		}
		indexed += len(chunk)
	}
	return indexed, nil
}
