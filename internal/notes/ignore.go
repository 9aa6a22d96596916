package notes

import (
	"os"
	"path/filepath"
	"strings"

	gitignore "github.com/sabhiram/go-gitignore"
)

// ignoreFile holds notechat-specific exclusions next to .gitignore
const ignoreFile = ".notechatignore"

var defaultIgnorePatterns = []string{
	".git/",
	".obsidian/",
	".trash/",
	".notechat/",
	"node_modules/",
	".DS_Store",
	"*.swp",
	"*~",
}

// IgnoreFilter applies .gitignore and .notechatignore rules under a root
type IgnoreFilter struct {
	ignore *gitignore.GitIgnore
	root   string
}

// NewIgnoreFilter loads ignore rules from root. Missing files are fine.
func NewIgnoreFilter(root string) *IgnoreFilter {
	patterns := append([]string(nil), defaultIgnorePatterns...)
	for _, name := range []string{".gitignore", ignoreFile} {
		data, err := os.ReadFile(filepath.Join(root, name))
		if err != nil {
			continue
		}
		patterns = append(patterns, strings.Split(strings.ReplaceAll(string(data), "\r\n", "\n"), "\n")...)
	}
	return &IgnoreFilter{
		ignore: gitignore.CompileIgnoreLines(patterns...),
		root:   root,
	}
}

// IsIgnored reports whether path (absolute or relative to the root) is
// excluded
func (f *IgnoreFilter) IsIgnored(path string) bool {
	if f == nil || f.ignore == nil {
		return false
	}
	rel := path
	if filepath.IsAbs(path) {
		r, err := filepath.Rel(f.root, path)
		if err != nil {
			return false
		}
		rel = r
	}
	rel = filepath.ToSlash(rel)
	if rel == "." {
		return false
	}
	return f.ignore.MatchesPath(rel)
}
