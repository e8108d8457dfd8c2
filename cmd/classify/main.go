// Command classify prints the top-K ImageNet classes for an image file or
// for frames sampled from an MJPEG stream.
package main

import (
	"context"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"os"
	"os/signal"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"

	"github.com/Brownie44l1/imagenet-classifier/internal/app"
	"github.com/Brownie44l1/imagenet-classifier/internal/classifier"
	"github.com/Brownie44l1/imagenet-classifier/internal/config"
	"github.com/Brownie44l1/imagenet-classifier/internal/frames"
	"github.com/Brownie44l1/imagenet-classifier/internal/logger"
)

func main() {
	var (
		configPath = pflag.String("config", os.Getenv("CONFIG_FILE"), "path to a YAML config file")
		imagePath  = pflag.String("image", "", "image file to classify")
		streamURL  = pflag.String("stream", "", "MJPEG stream URL to sample")
		k          = pflag.IntP("top", "k", 0, "number of classes to print (defaults to predict.default_top_k)")
		interval   = pflag.Duration("interval", time.Second, "delay between stream samples")
		count      = pflag.Int("count", 1, "number of stream samples, 0 for unlimited")
	)
	pflag.Parse()

	if (*imagePath == "") == (*streamURL == "") {
		fmt.Fprintln(os.Stderr, "exactly one of --image or --stream is required")
		pflag.Usage()
		os.Exit(2)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load config")
	}
	if err := logger.Init(cfg.App.LogLevel, cfg.App.Name); err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize logger")
	}
	if *k == 0 {
		*k = cfg.Predict.DefaultTopK
	}

	components, err := app.Build(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize classifier")
	}
	defer components.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if *imagePath != "" {
		err = classifyFile(ctx, components.Classifier, *imagePath, *k)
	} else {
		err = classifyStream(ctx, components.Classifier, *streamURL, *k, *interval, *count)
	}
	if err != nil {
		log.Error().Err(err).Msg("Classification failed")
		components.Close()
		os.Exit(1)
	}
}

func classifyFile(ctx context.Context, clf *classifier.Classifier, path string, k int) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	img, _, err := image.Decode(f)
	if err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}

	preds, err := clf.PredictFrame(ctx, frames.Still{Image: img}, k)
	if err != nil {
		return err
	}
	printPredictions(path, preds)
	return nil
}

func classifyStream(ctx context.Context, clf *classifier.Classifier, url string, k int, interval time.Duration, count int) error {
	src, err := frames.OpenMJPEG(ctx, nil, url)
	if err != nil {
		return err
	}
	defer src.Close()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for i := 1; count == 0 || i <= count; i++ {
		preds, err := clf.PredictFrame(ctx, src, k)
		if err != nil {
			return err
		}
		printPredictions(fmt.Sprintf("frame %d", src.Decoded()), preds)

		if count != 0 && i == count {
			break
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
	return nil
}

func printPredictions(title string, preds []classifier.Prediction) {
	fmt.Println(title)
	for i, p := range preds {
		fmt.Printf("%3d. %-40s %.4f\n", i+1, p.ClassName, p.Probability)
	}
}
