// Copyright 2025 Antfly, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package hub

import (
	"fmt"
	"path/filepath"
	"strings"
)

// ModelRef is a parsed model reference.
type ModelRef struct {
	// Owner is the namespace/organization (e.g., "google", "stabilityai").
	Owner string
	// Name is the model name (e.g., "flan-t5-small").
	Name string
	// Variant is the optional precision variant (e.g., "f16", "i8").
	Variant string
	// IsHuggingFace marks hf: prefixed references.
	IsHuggingFace bool
}

// FullName returns "owner/name", or just the name for legacy refs.
func (r ModelRef) FullName() string {
	if r.Owner == "" {
		return r.Name
	}
	return r.Owner + "/" + r.Name
}

// DirPath returns the model's directory path relative to the models root,
// with platform-appropriate separators.
func (r ModelRef) DirPath() string {
	if r.Owner == "" {
		return r.Name
	}
	return filepath.Join(r.Owner, r.Name)
}

// String renders the reference back to its canonical form.
func (r ModelRef) String() string {
	s := r.FullName()
	if r.Variant != "" {
		s += ":" + r.Variant
	}
	if r.IsHuggingFace {
		s = "hf:" + s
	}
	return s
}

// WithVariant returns a copy of the reference with the given variant.
func (r ModelRef) WithVariant(variant string) ModelRef {
	r.Variant = variant
	return r
}

// Validate checks that the reference is usable.
func (r ModelRef) Validate() error {
	if r.Name == "" {
		return fmt.Errorf("model name is required")
	}
	if r.Variant != "" && !isValidVariant(r.Variant) {
		return fmt.Errorf("invalid variant %q: valid variants are %v", r.Variant, validVariants())
	}
	return nil
}

// ParseRef parses model reference formats:
//
//	"google/flan-t5-small"        -> Owner: google, Name: flan-t5-small
//	"google/flan-t5-small:i8"     -> same, Variant: i8
//	"hf:google/flan-t5-small"     -> same, IsHuggingFace: true
//	"flan-t5-small"               -> Owner: "", Name: flan-t5-small (legacy)
func ParseRef(ref string) (ModelRef, error) {
	if ref == "" {
		return ModelRef{}, fmt.Errorf("empty model reference")
	}

	result := ModelRef{}
	if after, ok := strings.CutPrefix(ref, "hf:"); ok {
		result.IsHuggingFace = true
		ref = after
	}

	// Variant suffix is colon-separated, Docker/Ollama style.
	if idx := strings.LastIndex(ref, ":"); idx != -1 {
		result.Variant = ref[idx+1:]
		ref = ref[:idx]
		if result.Variant != "" && !isValidVariant(result.Variant) {
			return ModelRef{}, fmt.Errorf("invalid variant %q: valid variants are %v",
				result.Variant, validVariants())
		}
	}

	parts := strings.SplitN(ref, "/", 2)
	if len(parts) == 2 {
		result.Owner = parts[0]
		result.Name = parts[1]
	} else {
		result.Name = parts[0]
	}

	if result.Name == "" {
		return ModelRef{}, fmt.Errorf("model reference has empty name: %q", ref)
	}
	return result, nil
}

// MustParseRef parses a reference or panics. For tests and constants.
func MustParseRef(ref string) ModelRef {
	r, err := ParseRef(ref)
	if err != nil {
		panic(err)
	}
	return r
}
