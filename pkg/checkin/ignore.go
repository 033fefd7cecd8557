package checkin

import (
	"os"
	"path/filepath"
	"strings"

	gitignore "github.com/sabhiram/go-gitignore"
)

// IgnoreFileName is the per-directory ignore file honored during the walk.
const IgnoreFileName = ".tangramignore"

// ignoreFrame is one directory's compiled ignore file plus the directory
// it anchors to.
type ignoreFrame struct {
	dir     string // relative to the checkin root, "" for the root
	matcher *gitignore.GitIgnore
}

// ignoreStack is the stack of ignore files in effect at the current walk
// position: the global patterns at the bottom, then one frame per
// ancestor directory that carries an ignore file. go-gitignore implements
// the gitignore reference semantics (negation, anchoring, trailing-slash
// directories, comments, escapes), so matching is delegated entirely to
// it; the stack only handles nesting and anchoring.
type ignoreStack struct {
	frames []ignoreFrame
}

// newIgnoreStack compiles the global patterns (if any) as the bottom
// frame.
func newIgnoreStack(global []string) *ignoreStack {
	s := &ignoreStack{}
	if len(global) > 0 {
		s.frames = append(s.frames, ignoreFrame{matcher: gitignore.CompileIgnoreLines(global...)})
	}
	return s
}

// push loads dir's ignore file, if present, and returns the depth to pop
// back to when the walk leaves dir. root is the checkin root on disk;
// rel is dir's path relative to it.
func (s *ignoreStack) push(root, rel string) int {
	depth := len(s.frames)
	path := filepath.Join(root, rel, IgnoreFileName)
	if _, err := os.Stat(path); err == nil {
		if matcher, err := gitignore.CompileIgnoreFile(path); err == nil {
			s.frames = append(s.frames, ignoreFrame{dir: rel, matcher: matcher})
		}
	}
	return depth
}

// pop truncates the stack back to depth.
func (s *ignoreStack) pop(depth int) {
	s.frames = s.frames[:depth]
}

// matches reports whether the entry at rel (relative to the checkin root)
// is ignored. isDir appends the trailing slash that directory-only
// patterns anchor on. Frames are consulted deepest first and the entry is
// ignored as soon as any frame matches it; a negated pattern only takes
// effect within its own frame, so a deeper ignore file cannot re-include
// an entry that a shallower frame ignores.
func (s *ignoreStack) matches(rel string, isDir bool) bool {
	rel = filepath.ToSlash(rel)
	for i := len(s.frames) - 1; i >= 0; i-- {
		frame := s.frames[i]
		candidate := rel
		if frame.dir != "" {
			prefix := filepath.ToSlash(frame.dir) + "/"
			if !strings.HasPrefix(rel, prefix) {
				continue
			}
			candidate = strings.TrimPrefix(rel, prefix)
		}
		if isDir {
			candidate += "/"
		}
		if frame.matcher.MatchesPath(candidate) {
			return true
		}
	}
	return false
}
