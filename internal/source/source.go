// Package source parses module source specs of the form "local:<path>" or
// "git:<url>[#k=v&...]", grounded on the original source's source.rs.
package source

import (
	"fmt"
	"strings"
)

// Kind discriminates a module's resolved source.
type Kind int

const (
	KindInvalid Kind = iota
	KindLocalPath
	KindGit
)

// LocalPath is a path relative to the config repo root.
type LocalPath struct {
	Path string
}

// Git describes a git-hosted module source.
type Git struct {
	URL     string
	Ref     string // default "main"
	Subdir  string
	Shallow bool
	Semver  string // constraint from the "semver" query key; Ref is left as given
}

// Source is exactly one of LocalPath or Git.
type Source struct {
	LocalPath *LocalPath
	Git       *Git
}

// Kind reports which variant is populated.
func (s Source) Kind() Kind {
	switch {
	case s.LocalPath != nil && s.Git == nil:
		return KindLocalPath
	case s.LocalPath == nil && s.Git != nil:
		return KindGit
	default:
		return KindInvalid
	}
}

// Parse parses a source spec string into a Source.
func Parse(spec string) (Source, error) {
	if rest, ok := strings.CutPrefix(spec, "local:"); ok {
		return Source{LocalPath: &LocalPath{Path: rest}}, nil
	}

	if rest, ok := strings.CutPrefix(spec, "git:"); ok {
		url, query, _ := strings.Cut(rest, "#")
		params, err := parseQuery(query)
		if err != nil {
			return Source{}, fmt.Errorf("parse git source spec %q: %w", spec, err)
		}

		g := &Git{
			URL:     url,
			Ref:     "main",
			Subdir:  params["subdir"],
			Shallow: true,
		}
		if v, ok := params["shallow"]; ok {
			g.Shallow = v == "true" || v == "1"
		}
		if v, ok := params["semver"]; ok {
			g.Semver = v
		}
		if v, ok := params["ref"]; ok {
			g.Ref = v
		}
		return Source{Git: g}, nil
	}

	return Source{}, fmt.Errorf("unsupported source spec (expected local:... or git:...): %s", spec)
}

func parseQuery(query string) (map[string]string, error) {
	out := make(map[string]string)
	if strings.TrimSpace(query) == "" {
		return out, nil
	}
	for _, part := range strings.Split(query, "&") {
		if strings.TrimSpace(part) == "" {
			continue
		}
		k, v, ok := strings.Cut(part, "=")
		if !ok {
			return nil, fmt.Errorf("invalid query segment: %s", part)
		}
		out[k] = v
	}
	return out, nil
}
