package json

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
)

// Reader loads JSON documents from disk
type Reader struct {
	strict bool
}

// NewReader creates a reader that tolerates unknown fields
func NewReader() *Reader {
	return &Reader{}
}

// NewStrictReader creates a reader that rejects unknown fields
func NewStrictReader() *Reader {
	return &Reader{strict: true}
}

// ReadJSON reads and unmarshals JSON from a file
func (r *Reader) ReadJSON(path string, target any) error {
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer file.Close()

	decoder := json.NewDecoder(file)
	if r.strict {
		decoder.DisallowUnknownFields()
	}

	if err := decoder.Decode(target); err != nil {
		return fmt.Errorf("failed to unmarshal %s: %w", path, err)
	}

	if decoder.More() {
		return errors.New("unexpected trailing data after JSON document in " + path)
	}

	return nil
}
