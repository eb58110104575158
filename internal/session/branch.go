package session

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
)

// branchWatcher watches <working_dir>/.git/HEAD and reports branch changes.
// Sessions in non-git working directories simply have no watcher.
type branchWatcher struct {
	watcher  *fsnotify.Watcher
	events   chan string
	headPath string
	logger   *slog.Logger
}

// newBranchWatcher starts watching the git HEAD of workingDir. Returns
// (nil, nil) when the directory is not a git checkout.
func newBranchWatcher(workingDir string, logger *slog.Logger) (*branchWatcher, error) {
	gitDir := filepath.Join(workingDir, ".git")
	headPath := filepath.Join(gitDir, "HEAD")

	if _, err := os.Stat(headPath); err != nil {
		return nil, nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	// Watch the directory, not the file: git updates HEAD by rename, which
	// drops a watch placed on the file itself.
	if err := watcher.Add(gitDir); err != nil {
		watcher.Close()
		return nil, err
	}

	bw := &branchWatcher{
		watcher:  watcher,
		events:   make(chan string, 8),
		headPath: headPath,
		logger:   logger,
	}

	go bw.run(readBranch(headPath))
	return bw, nil
}

// Events delivers the new branch name after each change.
func (bw *branchWatcher) Events() <-chan string {
	return bw.events
}

// Close stops the watcher. The events channel is closed afterwards.
func (bw *branchWatcher) Close() error {
	return bw.watcher.Close()
}

func (bw *branchWatcher) run(current string) {
	defer close(bw.events)

	for {
		select {
		case ev, ok := <-bw.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(ev.Name) != "HEAD" {
				continue
			}
			branch := readBranch(bw.headPath)
			if branch == "" || branch == current {
				continue
			}
			current = branch
			select {
			case bw.events <- branch:
			default:
				// Consumer not polling; drop rather than block the watcher.
			}

		case err, ok := <-bw.watcher.Errors:
			if !ok {
				return
			}
			if bw.logger != nil {
				bw.logger.Debug("branch watcher error", "error", err)
			}
		}
	}
}

// readBranch parses the branch name out of a git HEAD file. A detached HEAD
// yields the raw commit hash.
func readBranch(headPath string) string {
	data, err := os.ReadFile(headPath)
	if err != nil {
		return ""
	}
	head := strings.TrimSpace(string(data))
	if name, ok := strings.CutPrefix(head, "ref: refs/heads/"); ok {
		return name
	}
	return head
}
