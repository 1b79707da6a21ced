package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Category is the upload policy for one class of files in the general
// uploads area.
type Category struct {
	MaxSize      int64    `yaml:"max_size" validate:"gt=0"`
	AllowedTypes []string `yaml:"allowed_types" validate:"min=1"`
}

// Allows reports whether the content type is on the allowlist. Entries may
// end in "/*" to match a whole family.
func (c Category) Allows(contentType string) bool {
	ct := strings.ToLower(strings.TrimSpace(contentType))
	if i := strings.IndexByte(ct, ';'); i >= 0 {
		ct = strings.TrimSpace(ct[:i])
	}
	for _, allowed := range c.AllowedTypes {
		allowed = strings.ToLower(allowed)
		if prefix, ok := strings.CutSuffix(allowed, "/*"); ok {
			if strings.HasPrefix(ct, prefix+"/") {
				return true
			}
			continue
		}
		if ct == allowed {
			return true
		}
	}
	return false
}

// DefaultCategories returns the built-in upload categories.
func DefaultCategories() map[string]Category {
	return map[string]Category{
		"images": {
			MaxSize:      10 << 20,
			AllowedTypes: []string{"image/jpeg", "image/png", "image/webp", "image/gif"},
		},
		"audio": {
			MaxSize:      200 << 20,
			AllowedTypes: []string{"audio/mpeg", "audio/wav", "audio/x-wav", "audio/flac", "audio/aiff", "audio/x-aiff"},
		},
		"documents": {
			MaxSize:      25 << 20,
			AllowedTypes: []string{"application/pdf", "text/plain"},
		},
	}
}

type policyFile struct {
	Categories map[string]Category `yaml:"categories"`
}

// LoadPolicyFile reads upload categories from a YAML file:
//
//	categories:
//	  images:
//	    max_size: 10485760
//	    allowed_types: [image/png, image/jpeg]
func LoadPolicyFile(path string) (map[string]Category, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read upload policy %s: %w", path, err)
	}
	var pf policyFile
	if err := yaml.Unmarshal(data, &pf); err != nil {
		return nil, fmt.Errorf("parse upload policy %s: %w", path, err)
	}
	if len(pf.Categories) == 0 {
		return nil, fmt.Errorf("upload policy %s defines no categories", path)
	}
	return pf.Categories, nil
}
