// Package app assembles a classifier from configuration.
package app

import (
	"context"
	"fmt"
	"slices"

	"github.com/rs/zerolog/log"

	"github.com/Brownie44l1/imagenet-classifier/internal/classifier"
	"github.com/Brownie44l1/imagenet-classifier/internal/config"
	"github.com/Brownie44l1/imagenet-classifier/internal/labels"
	"github.com/Brownie44l1/imagenet-classifier/internal/model"
	"github.com/Brownie44l1/imagenet-classifier/internal/preprocess"
)

type Components struct {
	Classifier *classifier.Classifier
	Labels     *labels.Table
	Metadata   model.Metadata
	Input      preprocess.Options
}

// Close releases the model and the onnxruntime environment.
func (c *Components) Close() {
	if err := c.Classifier.Close(); err != nil {
		log.Warn().Err(err).Msg("Failed to close classifier")
	}
	if err := model.DestroyRuntime(); err != nil {
		log.Warn().Err(err).Msg("Failed to destroy ONNX environment")
	}
}

// Build resolves metadata and labels and returns a classifier whose model is
// fetched and opened on first use.
func Build(cfg *config.Config) (*Components, error) {
	input := preprocess.Options{
		Size:          cfg.Model.ImageSize,
		Layout:        preprocess.Layout(cfg.Model.Layout),
		Normalization: preprocess.Normalization(cfg.Model.Normalization),
	}

	md := model.Metadata{
		InputName:   cfg.Model.InputName,
		OutputName:  cfg.Model.OutputName,
		InputShape:  input.Shape(),
		OutputShape: []int64{1, int64(cfg.Model.NumClasses)},
		ImageSize:   cfg.Model.ImageSize,
	}
	if cfg.Model.MetadataPath != "" {
		var err error
		md, err = model.LoadMetadata(cfg.Model.MetadataPath, md)
		if err != nil {
			return nil, err
		}
		input.Size = md.ImageSize
	}
	if !slices.Equal(md.InputShape, input.Shape()) {
		return nil, fmt.Errorf("model input shape %v does not match %s layout for a %dx%d image, want %v",
			md.InputShape, input.Layout, input.Size, input.Size, input.Shape())
	}

	table, err := labelTable(cfg, md)
	if err != nil {
		return nil, err
	}
	if table.Len() != md.OutputLen() {
		log.Warn().Int("labels", table.Len()).Int("scores", md.OutputLen()).Msg("Label table and model output sizes differ")
	}

	fetcher := model.NewFetcher(cfg.Model.CacheDir, cfg.Model.DownloadRetries)
	loader := func(ctx context.Context) (classifier.Model, error) {
		path, err := fetcher.Fetch(ctx, cfg.Model.URL)
		if err != nil {
			return nil, err
		}
		if err := model.InitRuntime(cfg.Model.ORTLibraryPath); err != nil {
			return nil, err
		}
		return model.NewSession(path, md)
	}

	clf := classifier.New(loader, table, classifier.Options{
		Source:       cfg.Model.URL,
		Input:        input,
		ApplySoftmax: cfg.Model.ApplySoftmax,
		LoadTimeout:  cfg.Model.LoadTimeout,
	})

	return &Components{
		Classifier: clf,
		Labels:     table,
		Metadata:   md,
		Input:      input,
	}, nil
}

func labelTable(cfg *config.Config, md model.Metadata) (*labels.Table, error) {
	switch {
	case len(md.Classes) > 0:
		return labels.New(md.Classes)
	case cfg.Model.LabelsPath != "":
		return labels.LoadFile(cfg.Model.LabelsPath)
	default:
		return labels.ImageNet(), nil
	}
}
