// Package config loads the service configuration from defaults, an optional
// YAML file and environment variables.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	// DefaultModelURL points at MobileNetV2 from the ONNX model zoo.
	DefaultModelURL = "https://github.com/onnx/models/raw/main/validated/vision/classification/mobilenet/model/mobilenetv2-12.onnx"

	LayoutNCHW = "nchw"
	LayoutNHWC = "nhwc"

	NormSymmetric = "symmetric"
	NormImageNet  = "imagenet"
	NormUnit      = "unit"
)

type Config struct {
	App     AppConfig     `mapstructure:"app"`
	Model   ModelConfig   `mapstructure:"model"`
	Predict PredictConfig `mapstructure:"predict"`
	Cache   CacheConfig   `mapstructure:"cache"`
	Metrics MetricsConfig `mapstructure:"metrics"`
}

type AppConfig struct {
	Name     string `mapstructure:"name"`
	Env      string `mapstructure:"env"`
	Port     string `mapstructure:"port"`
	LogLevel string `mapstructure:"log_level"`
}

// ModelConfig describes where the model lives and what input it expects.
type ModelConfig struct {
	URL             string        `mapstructure:"url"`
	CacheDir        string        `mapstructure:"cache_dir"`
	MetadataPath    string        `mapstructure:"metadata_path"`
	LabelsPath      string        `mapstructure:"labels_path"`
	ORTLibraryPath  string        `mapstructure:"ort_library_path"`
	InputName       string        `mapstructure:"input_name"`
	OutputName      string        `mapstructure:"output_name"`
	ImageSize       int           `mapstructure:"image_size"`
	NumClasses      int           `mapstructure:"num_classes"`
	Layout          string        `mapstructure:"layout"`
	Normalization   string        `mapstructure:"normalization"`
	ApplySoftmax    bool          `mapstructure:"apply_softmax"`
	LoadTimeout     time.Duration `mapstructure:"load_timeout"`
	DownloadRetries int           `mapstructure:"download_retries"`
}

type PredictConfig struct {
	DefaultTopK    int   `mapstructure:"default_top_k"`
	MaxUploadBytes int64 `mapstructure:"max_upload_bytes"`
}

// CacheConfig sizes the prediction cache. A zero size disables it.
type CacheConfig struct {
	SizeBytes int           `mapstructure:"size_bytes"`
	TTL       time.Duration `mapstructure:"ttl"`
}

type MetricsConfig struct {
	Enabled      bool    `mapstructure:"enabled"`
	TelegrafHost string  `mapstructure:"telegraf_host"`
	TelegrafPort string  `mapstructure:"telegraf_port"`
	SamplingRate float64 `mapstructure:"sampling_rate"`
}

// Load builds a Config. path may be empty, in which case only defaults and
// environment variables apply.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	if err := bindEnvVars(v); err != nil {
		return nil, fmt.Errorf("bind env: %w", err)
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.Model.Layout = strings.ToLower(cfg.Model.Layout)
	cfg.Model.Normalization = strings.ToLower(cfg.Model.Normalization)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "imagenet-classifier")
	v.SetDefault("app.env", "local")
	v.SetDefault("app.port", "8080")
	v.SetDefault("app.log_level", "INFO")

	v.SetDefault("model.url", DefaultModelURL)
	v.SetDefault("model.cache_dir", "models")
	v.SetDefault("model.metadata_path", "")
	v.SetDefault("model.labels_path", "")
	v.SetDefault("model.ort_library_path", "")
	v.SetDefault("model.input_name", "input")
	v.SetDefault("model.output_name", "output")
	v.SetDefault("model.image_size", 224)
	v.SetDefault("model.num_classes", 1000)
	v.SetDefault("model.layout", LayoutNCHW)
	v.SetDefault("model.normalization", NormSymmetric)
	v.SetDefault("model.apply_softmax", false)
	v.SetDefault("model.load_timeout", 2*time.Minute)
	v.SetDefault("model.download_retries", 3)

	v.SetDefault("predict.default_top_k", 10)
	v.SetDefault("predict.max_upload_bytes", 10<<20)

	v.SetDefault("cache.size_bytes", 0)
	v.SetDefault("cache.ttl", 10*time.Minute)

	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.telegraf_host", "localhost")
	v.SetDefault("metrics.telegraf_port", "8125")
	v.SetDefault("metrics.sampling_rate", 1.0)
}

func bindEnvVars(v *viper.Viper) error {
	bindings := [][2]string{
		{"app.name", "APP_NAME"},
		{"app.env", "APP_ENV"},
		{"app.port", "PORT"},
		{"app.log_level", "APP_LOG_LEVEL"},

		{"model.url", "MODEL_URL"},
		{"model.cache_dir", "MODEL_CACHE_DIR"},
		{"model.metadata_path", "MODEL_METADATA_PATH"},
		{"model.labels_path", "MODEL_LABELS_PATH"},
		{"model.ort_library_path", "ORT_LIBRARY_PATH"},
		{"model.input_name", "MODEL_INPUT_NAME"},
		{"model.output_name", "MODEL_OUTPUT_NAME"},
		{"model.image_size", "MODEL_IMAGE_SIZE"},
		{"model.num_classes", "MODEL_NUM_CLASSES"},
		{"model.layout", "MODEL_LAYOUT"},
		{"model.normalization", "MODEL_NORMALIZATION"},
		{"model.apply_softmax", "MODEL_APPLY_SOFTMAX"},
		{"model.load_timeout", "MODEL_LOAD_TIMEOUT"},
		{"model.download_retries", "MODEL_DOWNLOAD_RETRIES"},

		{"predict.default_top_k", "PREDICT_DEFAULT_TOP_K"},
		{"predict.max_upload_bytes", "PREDICT_MAX_UPLOAD_BYTES"},

		{"cache.size_bytes", "PREDICTION_CACHE_SIZE_BYTES"},
		{"cache.ttl", "PREDICTION_CACHE_TTL"},

		{"metrics.enabled", "METRICS_ENABLED"},
		{"metrics.telegraf_host", "TELEGRAF_HOST"},
		{"metrics.telegraf_port", "TELEGRAF_PORT"},
		{"metrics.sampling_rate", "METRIC_SAMPLING_RATE"},
	}
	for _, b := range bindings {
		if err := v.BindEnv(b[0], b[1]); err != nil {
			return err
		}
	}
	return nil
}

// Validate verifies the config is runnable.
func (c *Config) Validate() error {
	var errs []error
	if c.App.Port == "" {
		errs = append(errs, errors.New("app.port must be set"))
	}
	if c.Model.URL == "" {
		errs = append(errs, errors.New("model.url must be set"))
	}
	if c.Model.ImageSize <= 0 {
		errs = append(errs, fmt.Errorf("model.image_size must be positive, got %d", c.Model.ImageSize))
	}
	if c.Model.NumClasses <= 0 {
		errs = append(errs, fmt.Errorf("model.num_classes must be positive, got %d", c.Model.NumClasses))
	}
	switch c.Model.Layout {
	case LayoutNCHW, LayoutNHWC:
	default:
		errs = append(errs, fmt.Errorf("model.layout must be %q or %q, got %q", LayoutNCHW, LayoutNHWC, c.Model.Layout))
	}
	switch c.Model.Normalization {
	case NormSymmetric, NormImageNet, NormUnit:
	default:
		errs = append(errs, fmt.Errorf("model.normalization %q is not supported", c.Model.Normalization))
	}
	if c.Model.DownloadRetries < 0 {
		errs = append(errs, errors.New("model.download_retries must not be negative"))
	}
	if c.Model.LoadTimeout <= 0 {
		errs = append(errs, errors.New("model.load_timeout must be positive"))
	}
	if c.Predict.DefaultTopK <= 0 || c.Predict.DefaultTopK > c.Model.NumClasses {
		errs = append(errs, fmt.Errorf("predict.default_top_k must be in [1, %d], got %d", c.Model.NumClasses, c.Predict.DefaultTopK))
	}
	if c.Predict.MaxUploadBytes <= 0 {
		errs = append(errs, errors.New("predict.max_upload_bytes must be positive"))
	}
	if c.Cache.SizeBytes < 0 {
		errs = append(errs, errors.New("cache.size_bytes must not be negative"))
	}
	if c.Cache.TTL < 0 || (c.Cache.TTL > 0 && c.Cache.TTL < time.Second) {
		errs = append(errs, fmt.Errorf("cache.ttl must be 0 (no expiry) or at least 1s, got %s", c.Cache.TTL))
	}
	if c.Metrics.SamplingRate < 0 || c.Metrics.SamplingRate > 1 {
		errs = append(errs, fmt.Errorf("metrics.sampling_rate must be in [0, 1], got %v", c.Metrics.SamplingRate))
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}
