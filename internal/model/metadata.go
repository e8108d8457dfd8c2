package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
)

// Metadata describes the tensors a model consumes and produces.
type Metadata struct {
	InputName   string   `json:"input_name"`
	OutputName  string   `json:"output_name"`
	InputShape  []int64  `json:"input_shape"`
	OutputShape []int64  `json:"output_shape"`
	Classes     []string `json:"classes"`
	ImageSize   int      `json:"image_size"`
}

// LoadMetadata reads a metadata JSON file and fills unset fields from base.
func LoadMetadata(path string, base Metadata) (Metadata, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Metadata{}, fmt.Errorf("failed to read metadata: %w", err)
	}

	var md Metadata
	if err := json.Unmarshal(raw, &md); err != nil {
		return Metadata{}, fmt.Errorf("failed to parse metadata: %w", err)
	}

	if md.InputName == "" {
		md.InputName = base.InputName
	}
	if md.OutputName == "" {
		md.OutputName = base.OutputName
	}
	if len(md.InputShape) == 0 {
		md.InputShape = base.InputShape
	}
	if len(md.OutputShape) == 0 {
		md.OutputShape = base.OutputShape
	}
	if md.ImageSize == 0 {
		md.ImageSize = base.ImageSize
	}
	return md, md.Validate()
}

func (m Metadata) Validate() error {
	if m.InputName == "" || m.OutputName == "" {
		return errors.New("input and output names are required")
	}
	if err := checkShape(m.InputShape); err != nil {
		return fmt.Errorf("input shape: %w", err)
	}
	if err := checkShape(m.OutputShape); err != nil {
		return fmt.Errorf("output shape: %w", err)
	}
	if len(m.Classes) > 0 && int64(len(m.Classes)) != elements(m.OutputShape) {
		return fmt.Errorf("%d classes do not match output shape %v", len(m.Classes), m.OutputShape)
	}
	return nil
}

// InputLen is the number of values in one input tensor.
func (m Metadata) InputLen() int {
	return int(elements(m.InputShape))
}

// OutputLen is the number of scores produced per run.
func (m Metadata) OutputLen() int {
	return int(elements(m.OutputShape))
}

func checkShape(shape []int64) error {
	if len(shape) == 0 {
		return errors.New("empty shape")
	}
	for _, d := range shape {
		if d <= 0 {
			return fmt.Errorf("dimension %d in %v is not positive", d, shape)
		}
	}
	return nil
}

func elements(shape []int64) int64 {
	if len(shape) == 0 {
		return 0
	}
	n := int64(1)
	for _, d := range shape {
		n *= d
	}
	return n
}
