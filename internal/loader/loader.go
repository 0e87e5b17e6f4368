// Package loader resolves model packages: a YAML descriptor (model.yml) plus
// one weight artifact, optionally sealed in the encrypted envelope. The
// decrypt step runs exactly once per load and plaintext weight bytes are
// handed straight to a backend engine; they are never written back to disk.
package loader

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/percept-ml/percept/internal/crypt"
)

// Conventional file names inside a model directory.
const (
	DescriptorFile = "model.yml"
	WeightsFile    = "model.pmw"
)

// ErrMissingKey reports an encrypted artifact loaded without a key.
var ErrMissingKey = errors.New("model is encrypted but no key was supplied")

// Config carries the load-time options. The decryption key is an explicit
// value here, never read from ambient process state, so loads stay testable
// in isolation.
type Config struct {
	// Key decrypts encrypted weight artifacts. Empty means no key.
	Key string

	// EncryptionEnabled gates the decrypt-on-load path. When false every
	// artifact is treated as plaintext and the MissingKey/Decryption error
	// paths are unreachable.
	EncryptionEnabled bool
}

// Load reads a model package from a directory.
//
// The returned weight bytes are plaintext and must be handed directly to a
// backend engine's Load; when they came out of an encrypted envelope the
// caller is responsible for zeroing them afterwards (crypt.Zero), on every
// exit path.
func Load(dir string, cfg Config) (*Descriptor, []byte, error) {
	descBytes, err := os.ReadFile(filepath.Join(dir, DescriptorFile))
	if err != nil {
		return nil, nil, fmt.Errorf("%w: read descriptor: %v", ErrInvalidModel, err)
	}
	weightBytes, err := os.ReadFile(filepath.Join(dir, WeightsFile))
	if err != nil {
		return nil, nil, fmt.Errorf("%w: read weights: %v", ErrInvalidModel, err)
	}
	return LoadBytes(descBytes, weightBytes, cfg)
}

// LoadBytes resolves an in-memory model package. See Load.
func LoadBytes(descBytes, weightBytes []byte, cfg Config) (*Descriptor, []byte, error) {
	desc, err := ParseDescriptor(descBytes)
	if err != nil {
		return nil, nil, err
	}

	if !cfg.EncryptionEnabled {
		return desc, weightBytes, nil
	}

	if desc.Encrypted || crypt.IsEncrypted(weightBytes) {
		if cfg.Key == "" {
			return nil, nil, ErrMissingKey
		}
		plaintext, err := crypt.Decrypt(cfg.Key, weightBytes)
		if err != nil {
			return nil, nil, err
		}
		return desc, plaintext, nil
	}
	return desc, weightBytes, nil
}
