package config

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"

	"gopkg.in/ini.v1"
)

var taggedRe = regexp.MustCompile(`^\{\{ (.+?) \}\}`)

// ErrUnknownTag is returned by DecodeTag for tags it has no decoder for.
var ErrUnknownTag = fmt.Errorf("unknown tag")

// decoders maps a literal tag to its decode function.
var decoders = map[string]func(string) (any, error){
	"JSON": func(s string) (any, error) {
		var v any
		if err := json.Unmarshal([]byte(s), &v); err != nil {
			return nil, err
		}
		return v, nil
	},
	"INT": func(s string) (any, error) {
		return strconv.Atoi(s)
	},
	"FLOAT": func(s string) (any, error) {
		return strconv.ParseFloat(s, 64)
	},
	"BOOL": func(s string) (any, error) {
		return strconv.ParseBool(s)
	},
	"LIST": func(s string) (any, error) {
		parts := strings.Split(s, ",")
		out := make([]any, 0, len(parts))
		for _, p := range parts {
			out = append(out, strings.TrimSpace(p))
		}
		return out, nil
	},
	"INTLIST": func(s string) (any, error) {
		parts := strings.Split(s, ",")
		out := make([]any, 0, len(parts))
		for _, p := range parts {
			n, err := strconv.Atoi(strings.TrimSpace(p))
			if err != nil {
				return nil, err
			}
			out = append(out, n)
		}
		return out, nil
	},
}

// DecodeTag decodes one tagged literal body.
func DecodeTag(tag, value string) (any, error) {
	dec, ok := decoders[tag]
	if !ok {
		return nil, fmt.Errorf("%w %q", ErrUnknownTag, tag)
	}
	return dec(strings.TrimSpace(value))
}

// DecodeValue decodes a raw option value of the form "{{ TAG }} value".
// Values without a tag are returned as is. Unknown tags are logged and the
// value after the tag is passed through undecoded.
func DecodeValue(raw string, logger *slog.Logger) (any, error) {
	m := taggedRe.FindStringSubmatchIndex(raw)
	if m == nil {
		return raw, nil
	}
	tag := raw[m[2]:m[3]]
	v, err := DecodeTag(tag, raw[m[1]:])
	if err == nil {
		return v, nil
	}
	if _, known := decoders[tag]; !known {
		if logger == nil {
			logger = slog.Default()
		}
		logger.Warn("config: unknown literal tag", slog.String("tag", tag))
		return strings.TrimSpace(raw[m[1]:]), nil
	}
	return nil, fmt.Errorf("decode %s literal: %w", tag, err)
}

// LoadOptions reads the DEFAULT section of an INI file and decodes every
// value. Keys are case-insensitive and stored lower-cased.
func LoadOptions(filename string, logger *slog.Logger) (map[string]any, error) {
	f, err := ini.LoadSources(ini.LoadOptions{
		Insensitive:                true,
		AllowPythonMultilineValues: true,
		SpaceBeforeInlineComment:   true,
	}, filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read options file %s: %w", filename, err)
	}

	out := make(map[string]any)
	for _, key := range f.Section(ini.DefaultSection).Keys() {
		v, err := DecodeValue(key.Value(), logger)
		if err != nil {
			return nil, fmt.Errorf("options file %s: key %q: %w", filename, key.Name(), err)
		}
		out[key.Name()] = v
	}
	return out, nil
}
