// Package filemap defines the validated path-to-content table that the
// extractor produces and the materializer writes.
package filemap

import (
	"encoding/json"
	"fmt"
	"path"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"golang.org/x/text/unicode/norm"

	apperrors "github.com/kagent-dev/codegen/pkg/errors"
)

// Mapping maps a relative, forward-slash path to file content.
type Mapping map[string]string

// Keys returns the paths of the mapping in sorted order.
func (m Mapping) Keys() []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Warning records a mapping entry that was dropped or altered during validation.
type Warning struct {
	Path   string `json:"path"`
	Reason string `json:"reason"`
}

func (w Warning) String() string {
	return fmt.Sprintf("%s: %s", w.Path, w.Reason)
}

// NormalizePath converts a model-supplied key into a clean relative path.
// Absolute paths, drive letters, NUL bytes and any ".." segment are rejected.
func NormalizePath(key string) (string, error) {
	p := strings.TrimSpace(key)
	p = strings.ReplaceAll(p, `\`, "/")
	// Composed and decomposed spellings of a name must map to one file.
	p = norm.NFC.String(p)

	if p == "" {
		return "", apperrors.New(apperrors.ErrCodeUnsafePath, "path is empty", nil)
	}
	if strings.ContainsRune(p, 0) {
		return "", apperrors.New(apperrors.ErrCodeUnsafePath, "path contains NUL byte", nil)
	}
	if strings.HasPrefix(p, "/") {
		return "", apperrors.New(apperrors.ErrCodeUnsafePath, "absolute path not allowed", nil)
	}
	if len(p) >= 2 && p[1] == ':' {
		return "", apperrors.New(apperrors.ErrCodeUnsafePath, "drive-qualified path not allowed", nil)
	}

	for _, seg := range strings.Split(p, "/") {
		if seg == ".." {
			return "", apperrors.New(apperrors.ErrCodeUnsafePath, "parent directory segment not allowed", nil)
		}
	}

	cleaned := path.Clean(p)
	if cleaned == "." || cleaned == "" {
		return "", apperrors.New(apperrors.ErrCodeUnsafePath, "path resolves to the project root", nil)
	}
	return cleaned, nil
}

// ResolveWithin joins rel onto root and verifies the result lies strictly
// inside root.
func ResolveWithin(root, rel string) (string, error) {
	clean, err := NormalizePath(rel)
	if err != nil {
		return "", err
	}

	base := filepath.Clean(root)
	target := filepath.Join(base, filepath.FromSlash(clean))

	relToBase, err := filepath.Rel(base, target)
	if err != nil {
		return "", apperrors.New(apperrors.ErrCodeUnsafePath, "cannot relate path to root", err)
	}
	if relToBase == "." || relToBase == ".." || strings.HasPrefix(relToBase, ".."+string(filepath.Separator)) {
		return "", apperrors.New(apperrors.ErrCodeUnsafePath,
			fmt.Sprintf("path %q escapes project root", rel), nil)
	}
	return target, nil
}

// FromValue validates a parsed JSON value and converts it into a Mapping.
// Entries with unsafe keys or null values are dropped with a warning; the
// call only fails when the value is not an object or nothing usable remains.
func FromValue(v interface{}) (Mapping, []Warning, error) {
	obj, ok := v.(map[string]interface{})
	if !ok {
		return nil, nil, apperrors.New(apperrors.ErrCodeEmptyOrUnsafe,
			fmt.Sprintf("expected a JSON object, got %s", kindOf(v)), nil)
	}
	if len(obj) == 0 {
		return nil, nil, apperrors.New(apperrors.ErrCodeEmptyOrUnsafe, "JSON object has no entries", nil)
	}

	// Sorted iteration keeps "first wins" deterministic for colliding keys.
	keys := make([]string, 0, len(obj))
	for k := range obj {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var warnings []Warning
	files := make(Mapping, len(obj))
	for _, key := range keys {
		clean, err := NormalizePath(key)
		if err != nil {
			warnings = append(warnings, Warning{Path: key, Reason: err.Error()})
			continue
		}

		content, ok := asText(obj[key])
		if !ok {
			warnings = append(warnings, Warning{Path: key, Reason: "null content dropped"})
			continue
		}

		if _, dup := files[clean]; dup {
			warnings = append(warnings, Warning{Path: key, Reason: fmt.Sprintf("duplicates %q after normalization", clean)})
			continue
		}
		files[clean] = content
	}

	if len(files) == 0 {
		return nil, warnings, apperrors.New(apperrors.ErrCodeEmptyOrUnsafe,
			"no usable file entries after path-safety filtering", nil).
			WithDetail("dropped", len(warnings))
	}
	return files, warnings, nil
}

func asText(v interface{}) (string, bool) {
	switch val := v.(type) {
	case nil:
		return "", false
	case string:
		return val, true
	case bool:
		return strconv.FormatBool(val), true
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64), true
	case json.Number:
		return val.String(), true
	default:
		// Objects and arrays are kept as their JSON text (e.g. package.json
		// emitted as a nested object instead of a string).
		data, err := json.MarshalIndent(val, "", "  ")
		if err != nil {
			return "", false
		}
		return string(data), true
	}
}

func kindOf(v interface{}) string {
	switch v.(type) {
	case nil:
		return "null"
	case []interface{}:
		return "array"
	case string:
		return "string"
	case bool:
		return "boolean"
	case float64, json.Number:
		return "number"
	default:
		return fmt.Sprintf("%T", v)
	}
}
