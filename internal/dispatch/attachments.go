package dispatch

import (
	"os"
	"path/filepath"

	logx "wagate/pkg/logx"
)

// PrepareAttachments filters an attachment list for sending: duplicate
// filenames (case-sensitive, basename only) and unreadable paths are
// dropped, order is preserved. Every drop is logged.
func PrepareAttachments(paths []string, log logx.Logger) []string {
	if len(paths) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(paths))
	out := make([]string, 0, len(paths))
	for _, p := range paths {
		name := filepath.Base(p)
		if _, dup := seen[name]; dup {
			log.Warn("attachment dropped: duplicate filename", logx.String("path", p))
			continue
		}
		st, err := os.Stat(p)
		if err != nil {
			log.Warn("attachment dropped: not accessible", logx.String("path", p), logx.Err(err))
			continue
		}
		if st.IsDir() {
			log.Warn("attachment dropped: is a directory", logx.String("path", p))
			continue
		}
		seen[name] = struct{}{}
		out = append(out, p)
	}
	return out
}
