// Package template resolves notification bodies from a configured
// library of per-process message templates.
package template

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	logx "wagate/pkg/logx"
)

// Template is a message body: either a single string or an ordered list
// of lines joined with newlines. Both JSON shapes are accepted.
type Template struct {
	lines []string
}

func New(lines ...string) Template { return Template{lines: lines} }

func (t Template) IsZero() bool { return len(t.lines) == 0 }

func (t Template) String() string { return strings.Join(t.lines, "\n") }

func (t *Template) UnmarshalJSON(b []byte) error {
	var single string
	if err := json.Unmarshal(b, &single); err == nil {
		t.lines = []string{single}
		return nil
	}
	var multi []string
	if err := json.Unmarshal(b, &multi); err == nil {
		t.lines = multi
		return nil
	}
	return fmt.Errorf("template: want string or array of strings, got %s", string(b))
}

func (t Template) MarshalJSON() ([]byte, error) {
	if len(t.lines) == 1 {
		return json.Marshal(t.lines[0])
	}
	return json.Marshal(t.lines)
}

// Library is the nested template mapping:
// process name -> channel kind -> message type -> template.
type Library map[string]map[string]map[string]Template

// Resolver answers body lookups for one channel kind.
// The library can be swapped at runtime on config reload.
type Resolver struct {
	kind string
	log  logx.Logger

	mu  sync.RWMutex
	lib Library
}

func NewResolver(kind string, lib Library, log logx.Logger) *Resolver {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Resolver{kind: kind, lib: lib, log: log}
}

// Swap replaces the template library. In-flight lookups finish against
// the library they started with.
func (r *Resolver) Swap(lib Library) {
	r.mu.Lock()
	r.lib = lib
	r.mu.Unlock()
}

// Resolve returns the substituted body for a process and message type,
// or ok=false when no template is configured for that path. It never
// fails: an unconfigured template is an expected condition the caller
// handles by falling back to a literal message.
func (r *Resolver) Resolve(process, messageType string, vars map[string]string) (string, bool) {
	if r == nil || process == "" {
		return "", false
	}
	r.mu.RLock()
	lib := r.lib
	r.mu.RUnlock()

	kinds, ok := lib[process]
	if !ok {
		r.log.Debug("no templates for process", logx.String("process", process))
		return "", false
	}
	types, ok := kinds[r.kind]
	if !ok {
		return "", false
	}
	tmpl, ok := types[messageType]
	if !ok || tmpl.IsZero() {
		return "", false
	}
	return Substitute(tmpl.String(), vars), true
}

// Substitute replaces every `{key}` placeholder whose key is present in
// vars with its value. Placeholders with no matching key stay literal;
// keys with no matching placeholder are ignored. Single pass: values
// are never re-scanned for placeholders.
func Substitute(s string, vars map[string]string) string {
	if len(vars) == 0 || !strings.ContainsRune(s, '{') {
		return s
	}

	var b strings.Builder
	b.Grow(len(s))
	for {
		open := strings.IndexByte(s, '{')
		if open < 0 {
			b.WriteString(s)
			return b.String()
		}
		closing := strings.IndexByte(s[open:], '}')
		if closing < 0 {
			b.WriteString(s)
			return b.String()
		}
		closing += open

		key := s[open+1 : closing]
		val, ok := vars[key]
		if ok {
			b.WriteString(s[:open])
			b.WriteString(val)
		} else {
			b.WriteString(s[:closing+1])
		}
		s = s[closing+1:]
	}
}
