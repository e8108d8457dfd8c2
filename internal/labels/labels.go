// Package labels holds the class-index to class-name tables used to label
// classifier output.
package labels

import (
	"bufio"
	_ "embed"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
)

//go:embed imagenet_classes.txt
var imagenetClasses string

// ImageNetSize is the number of classes in the bundled ImageNet table.
const ImageNetSize = 1000

// ErrMissing is returned when an index has no entry in the table.
var ErrMissing = errors.New("label missing")

// Table is an immutable index -> name mapping.
type Table struct {
	names []string
}

// New builds a table from names. Empty names are rejected.
func New(names []string) (*Table, error) {
	if len(names) == 0 {
		return nil, errors.New("label table is empty")
	}
	cp := make([]string, len(names))
	for i, n := range names {
		n = strings.TrimSpace(n)
		if n == "" {
			return nil, fmt.Errorf("label %d is empty", i)
		}
		cp[i] = n
	}
	return &Table{names: cp}, nil
}

// ImageNet returns the bundled 1000-class ImageNet table.
func ImageNet() *Table {
	t, err := parse(strings.NewReader(imagenetClasses))
	if err != nil {
		panic(fmt.Sprintf("bundled imagenet labels: %v", err))
	}
	return t
}

// LoadFile reads a table from a newline separated text file.
func LoadFile(path string) (*Table, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open labels: %w", err)
	}
	defer f.Close()

	t, err := parse(f)
	if err != nil {
		return nil, fmt.Errorf("failed to parse labels %s: %w", path, err)
	}
	return t, nil
}

func parse(r io.Reader) (*Table, error) {
	var names []string
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		names = append(names, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return New(names)
}

// Len reports the number of classes.
func (t *Table) Len() int {
	return len(t.names)
}

// Lookup returns the name for index i.
func (t *Table) Lookup(i int) (string, error) {
	if i < 0 || i >= len(t.names) {
		return "", fmt.Errorf("index %d of %d: %w", i, len(t.names), ErrMissing)
	}
	return t.names[i], nil
}

// Names returns a copy of every name in index order.
func (t *Table) Names() []string {
	out := make([]string, len(t.names))
	copy(out, t.names)
	return out
}
