// Package exclude matches slash-separated relative paths against
// gitignore-like patterns.
package exclude

import (
	"path"
	"strings"
)

type kind int

const (
	kindDir kind = iota
	kindGlob
	kindName
)

type pattern struct {
	kind  kind
	value string
}

// Matcher holds the built-in patterns plus any configured ones.
//
// A pattern ending in "/" matches that directory and everything below it.
// A pattern with glob characters matches the full path or the base name.
// Any other pattern matches a path prefix, or the base name of a file.
type Matcher struct {
	patterns []pattern
}

// DefaultPatterns are skipped in every scanned folder: OS metadata, editor
// leftovers and gallery caches.
func DefaultPatterns() []string {
	return []string{
		".DS_Store",
		"._*",
		"Thumbs.db",
		"desktop.ini",
		".thumbnails/",
		".trashed-*",
		".pending-*",
		"*.tmp",
		"*.part",
		"*.crdownload",
	}
}

func New(extra []string) *Matcher {
	m := &Matcher{}
	for _, p := range append(DefaultPatterns(), extra...) {
		m.add(p)
	}
	return m
}

func (m *Matcher) add(p string) {
	p = strings.TrimSpace(p)
	switch {
	case p == "":
	case strings.HasSuffix(p, "/"):
		m.patterns = append(m.patterns, pattern{kind: kindDir, value: strings.TrimSuffix(p, "/")})
	case strings.ContainsAny(p, "*?["):
		m.patterns = append(m.patterns, pattern{kind: kindGlob, value: p})
	default:
		m.patterns = append(m.patterns, pattern{kind: kindName, value: p})
	}
}

// Patterns returns the effective pattern list in match order.
func (m *Matcher) Patterns() []string {
	out := make([]string, 0, len(m.patterns))
	for _, p := range m.patterns {
		if p.kind == kindDir {
			out = append(out, p.value+"/")
			continue
		}
		out = append(out, p.value)
	}
	return out
}

// IsExcluded reports whether rel should be skipped. A nil Matcher excludes
// nothing.
func (m *Matcher) IsExcluded(rel string, isDir bool) bool {
	if m == nil {
		return false
	}
	rel = strings.TrimPrefix(path.Clean("/"+strings.TrimPrefix(rel, "./")), "/")
	base := path.Base(rel)

	for _, p := range m.patterns {
		switch p.kind {
		case kindDir:
			if underDir(rel, p.value) || (isDir && base == p.value) {
				return true
			}
		case kindGlob:
			if ok, _ := path.Match(p.value, rel); ok {
				return true
			}
			if ok, _ := path.Match(p.value, base); ok {
				return true
			}
		case kindName:
			if underDir(rel, p.value) || (!isDir && base == p.value) {
				return true
			}
		}
	}
	return false
}

func underDir(rel, dir string) bool {
	return rel == dir || strings.HasPrefix(rel, dir+"/")
}
