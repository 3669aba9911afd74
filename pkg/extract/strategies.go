package extract

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"regexp"
	"strings"

	"github.com/kaptinlin/jsonrepair"
	"github.com/tidwall/gjson"

	apperrors "github.com/kagent-dev/codegen/pkg/errors"
	"github.com/kagent-dev/codegen/pkg/filemap"
)

// Strategy is one recovery attempt over the boundary-sliced candidate text.
// Apply returns the parsed JSON value, optional warnings, or an error when the
// strategy does not apply.
type Strategy struct {
	Name  string
	Apply func(candidate string) (interface{}, []filemap.Warning, error)
}

const (
	StrategyDirect       = "direct"
	StrategyNestedString = "nested-string"
	StrategyTargeted     = "targeted-unescape"
	StrategyBruteForce   = "brute-force-unescape"
	StrategyDumpedObject = "dumped-object-unescape"
	StrategyRepair       = "syntax-repair"
)

// DefaultStrategies returns the recovery chain in the order it is attempted.
func DefaultStrategies(repair bool) []Strategy {
	chain := []Strategy{
		{Name: StrategyDirect, Apply: parseDirect},
		{Name: StrategyNestedString, Apply: parseNestedStrings},
		{Name: StrategyTargeted, Apply: parseTargetedUnescape},
		{Name: StrategyBruteForce, Apply: parseBruteForceUnescape},
		{Name: StrategyDumpedObject, Apply: parseDumpedObject},
	}
	if repair {
		chain = append(chain, Strategy{Name: StrategyRepair, Apply: parseRepaired})
	}
	return chain
}

var (
	// A fence alone on its line, newline included.
	fenceLine = regexp.MustCompile("(?m)^[ \t]*```[A-Za-z0-9_+.-]*[ \t]*\r?\n")
	// A fence closing a line that also holds other text.
	fenceLineEnd = regexp.MustCompile("(?m)```[A-Za-z0-9_+.-]*[ \t]*\r?$")
	// A fence opening a line that also holds other text.
	fenceLineStart = regexp.MustCompile("(?m)^[ \t]*```[A-Za-z0-9_+.-]*")
)

// StripFences removes code fence delimiters and their language annotations.
// Fences inside JSON string values sit next to escaped newlines rather than
// real ones, so file content is left untouched.
func StripFences(text string) string {
	out := fenceLine.ReplaceAllString(text, "")
	out = fenceLineEnd.ReplaceAllString(out, "")
	return fenceLineStart.ReplaceAllString(out, "")
}

// SliceBoundary returns the text from the first '{' through the last '}'.
func SliceBoundary(text string) (string, error) {
	start := strings.IndexByte(text, '{')
	end := strings.LastIndexByte(text, '}')
	if start < 0 || end < 0 || end < start {
		return "", apperrors.New(apperrors.ErrCodeNoJSONBoundary,
			"no JSON object boundary found in model output", nil)
	}
	return text[start : end+1], nil
}

func parseDirect(candidate string) (interface{}, []filemap.Warning, error) {
	var v interface{}
	if err := json.Unmarshal([]byte(candidate), &v); err != nil {
		return nil, nil, err
	}
	return v, nil, nil
}

// parseNestedStrings decodes the first complete object in candidate, ignoring
// anything after it, and flags string values that are themselves JSON.
// Flagged values are kept byte-for-byte.
func parseNestedStrings(candidate string) (interface{}, []filemap.Warning, error) {
	dec := json.NewDecoder(strings.NewReader(candidate))
	var obj map[string]interface{}
	if err := dec.Decode(&obj); err != nil {
		return nil, nil, err
	}
	if obj == nil {
		return nil, nil, fmt.Errorf("outer value is not an object")
	}

	var warnings []filemap.Warning
	if rest, _ := io.ReadAll(dec.Buffered()); len(bytes.TrimSpace(rest)) > 0 {
		warnings = append(warnings, filemap.Warning{Path: "", Reason: "trailing text after first JSON object ignored"})
	}

	for key, val := range obj {
		s, ok := val.(string)
		if !ok {
			continue
		}
		trimmed := strings.TrimSpace(s)
		if !strings.HasPrefix(trimmed, "{") && !strings.HasPrefix(trimmed, "[") {
			continue
		}
		if !gjson.Valid(trimmed) {
			continue
		}
		var inner interface{}
		if err := json.Unmarshal([]byte(trimmed), &inner); err != nil {
			continue
		}
		obj[key] = s
		warnings = append(warnings, filemap.Warning{Path: key, Reason: "string value is itself JSON; kept verbatim"})
	}
	return obj, warnings, nil
}

// escapedPair matches a `"key": "{...}"` pair whose value looks like JSON.
// The value group is matched lazily so over-escaped quotes do not end it.
var escapedPair = regexp.MustCompile(`(?s)"((?:[^"\\]|\\.)+)"(\s*:\s*)"([\{\[].*?[\}\]])"(\s*[,}\]])`)

func parseTargetedUnescape(candidate string) (interface{}, []filemap.Warning, error) {
	var warnings []filemap.Warning
	replaced := 0

	repaired := escapedPair.ReplaceAllStringFunc(candidate, func(match string) string {
		groups := escapedPair.FindStringSubmatch(match)
		key, sep, value, tail := groups[1], groups[2], groups[3], groups[4]
		if !strings.Contains(value, `\\"`) {
			return match
		}

		collapsed := collapseDoubleEscapes(value)
		var decoded string
		if err := json.Unmarshal([]byte(`"`+collapsed+`"`), &decoded); err != nil {
			return match
		}
		if !gjson.Valid(decoded) {
			return match
		}

		replaced++
		warnings = append(warnings, filemap.Warning{Path: key, Reason: "over-escaped value unescaped one level"})
		return `"` + key + `"` + sep + `"` + collapsed + `"` + tail
	})
	if replaced == 0 {
		return nil, nil, fmt.Errorf("no over-escaped values found")
	}

	v, _, err := parseDirect(repaired)
	if err != nil {
		return nil, nil, err
	}
	return v, warnings, nil
}

var doubleEscapes = strings.NewReplacer(
	`\\"`, `\"`,
	`\\n`, `\n`,
	`\\t`, `\t`,
	`\\r`, `\r`,
)

// collapseDoubleEscapes turns doubled escapes into single ones so the text
// decodes one level less.
func collapseDoubleEscapes(s string) string {
	return doubleEscapes.Replace(s)
}

// parseBruteForceUnescape collapses every doubled escape in the candidate,
// inside and outside string values, and parses the result.
func parseBruteForceUnescape(candidate string) (interface{}, []filemap.Warning, error) {
	collapsed := collapseDoubleEscapes(candidate)
	if collapsed == candidate {
		return nil, nil, fmt.Errorf("no doubled escapes found")
	}
	v, _, err := parseDirect(collapsed)
	if err != nil {
		return nil, nil, err
	}
	return v, []filemap.Warning{{Path: "", Reason: "doubled escapes collapsed"}}, nil
}

// parseDumpedObject handles an object that was serialized as a JSON string
// literal: escapes are decoded once and the result parsed.
func parseDumpedObject(candidate string) (interface{}, []filemap.Warning, error) {
	unescaped := unescapeOneLevel(candidate)
	if unescaped == candidate {
		return nil, nil, fmt.Errorf("nothing to unescape")
	}
	v, _, err := parseDirect(unescaped)
	if err != nil {
		return nil, nil, err
	}
	return v, []filemap.Warning{{Path: "", Reason: "whole object was escaped; unescaped one level"}}, nil
}

// unescapeOneLevel decodes backslash escapes once, leaving unknown escapes
// intact. It turns a JSON object that was dumped as a string literal back
// into the object text.
func unescapeOneLevel(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c != '\\' || i+1 >= len(s) {
			b.WriteByte(c)
			continue
		}
		next := s[i+1]
		switch next {
		case '"':
			b.WriteByte('"')
		case '\\':
			b.WriteByte('\\')
		case '/':
			b.WriteByte('/')
		case 'n':
			b.WriteByte('\n')
		case 't':
			b.WriteByte('\t')
		case 'r':
			b.WriteByte('\r')
		default:
			b.WriteByte(c)
			b.WriteByte(next)
		}
		i++
	}
	return b.String()
}

func parseRepaired(candidate string) (interface{}, []filemap.Warning, error) {
	fixed, err := jsonrepair.JSONRepair(candidate)
	if err != nil {
		return nil, nil, err
	}
	v, _, err := parseDirect(fixed)
	if err != nil {
		return nil, nil, err
	}
	return v, []filemap.Warning{{Path: "", Reason: "JSON syntax repaired"}}, nil
}
