package partition

import (
	"fmt"
	"os"

	"github.com/arkilian/orderlake/internal/bloom"
	"github.com/arkilian/orderlake/pkg/types"
)

// WriteKeySidecar builds a bloom key set over one column of rows and writes
// it to path. Null values are not added.
func WriteKeySidecar(path string, rows []types.Row, column int, fpr float64) error {
	set := bloom.New(len(rows), fpr)
	for _, row := range rows {
		if v := row[column]; v != nil {
			set.Add(KeyString(v))
		}
	}
	if err := os.WriteFile(path, set.Marshal(), 0644); err != nil {
		return fmt.Errorf("partition: failed to write key sidecar: %w", err)
	}
	return nil
}

// ReadKeySidecar loads a key set written by WriteKeySidecar.
func ReadKeySidecar(path string) (*bloom.KeySet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("partition: failed to read key sidecar: %w", err)
	}
	set, err := bloom.Unmarshal(data)
	if err != nil {
		return nil, fmt.Errorf("partition: key sidecar %s: %w", path, err)
	}
	return set, nil
}

// KeyString renders a key value the same way for building and probing.
func KeyString(v any) string {
	return types.FormatPartitionValue(v)
}
