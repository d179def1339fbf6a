package config

import (
	"slices"
	"strings"
)

// Config files are edited from the CLI through dotted paths such as
// "api.agent" or "telegram.edit_interval_ms". The helpers below convert
// between that flat view and the nested JSON document.

// secretKeys are the dotted paths whose values never print in full.
var secretKeys = []string{"api.api_key", "telegram.token"}

// IsSecretKey reports whether key holds a credential.
func IsSecretKey(key string) bool {
	return slices.Contains(secretKeys, key)
}

// Flatten maps every leaf of the document to its dotted path. Empty
// sections produce no keys.
func Flatten(m map[string]any) map[string]any {
	out := make(map[string]any)
	var walk func(path string, section map[string]any)
	walk = func(path string, section map[string]any) {
		for name, v := range section {
			if path != "" {
				name = path + "." + name
			}
			if sub, ok := v.(map[string]any); ok {
				walk(name, sub)
				continue
			}
			out[name] = v
		}
	}
	walk("", m)
	return out
}

// Unflatten rebuilds the nested document from dotted paths. A leaf that
// sits where a section is needed is replaced by the section.
func Unflatten(flat map[string]any) map[string]any {
	root := make(map[string]any)
	for path, v := range flat {
		section := root
		for {
			head, rest, nested := strings.Cut(path, ".")
			if !nested {
				section[head] = v
				break
			}
			sub, ok := section[head].(map[string]any)
			if !ok {
				sub = make(map[string]any)
				section[head] = sub
			}
			section, path = sub, rest
		}
	}
	return root
}

// MaskSecrets copies flat, hiding credentials behind "***" followed by
// their last four characters. Empty and non-string values are kept.
func MaskSecrets(flat map[string]any) map[string]any {
	out := make(map[string]any, len(flat))
	for k, v := range flat {
		if s, ok := v.(string); ok && s != "" && IsSecretKey(k) {
			v = maskSecret(s)
		}
		out[k] = v
	}
	return out
}

func maskSecret(s string) string {
	return "***" + s[max(0, len(s)-4):]
}
