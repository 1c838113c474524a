package calserver

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/ghzlab/dacal/ghzdac"

	"github.com/fsnotify/fsnotify"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Watcher drops cached correctors when the files of a board change on disk
type Watcher struct {
	srv  *Server
	dir  string
	fsw  *fsnotify.Watcher
	done chan struct{}
}

// Watch watches the session directory below root, the root of a FITS store,
// and each board directory in it.  Any change inside a board directory
// reloads that board.  Board directories created later are picked up.
func (s *Server) Watch(root string) (*Watcher, error) {
	session := s.session
	if session == "" {
		session = ghzdac.SessionName
	}
	dir := filepath.Join(root, session)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, errors.Wrap(err, "preparing watched directory")
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errors.Wrap(err, "creating watcher")
	}
	w := &Watcher{srv: s, dir: dir, fsw: fsw, done: make(chan struct{})}
	if err := fsw.Add(dir); err != nil {
		fsw.Close()
		return nil, errors.Wrapf(err, "watching %s", dir)
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		fsw.Close()
		return nil, errors.Wrapf(err, "listing %s", dir)
	}
	for _, e := range entries {
		if e.IsDir() {
			w.add(filepath.Join(dir, e.Name()))
		}
	}
	go w.loop()
	return w, nil
}

func (w *Watcher) add(boardDir string) {
	if err := w.fsw.Add(boardDir); err != nil {
		logrus.WithError(err).WithField("board", filepath.Base(boardDir)).Warn("cannot watch board directory")
	}
}

// board returns the board a path belongs to, "" if it is not below a board
// directory
func (w *Watcher) board(name string) string {
	rel, err := filepath.Rel(w.dir, name)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return ""
	}
	return strings.Split(filepath.ToSlash(rel), "/")[0]
}

func (w *Watcher) loop() {
	defer close(w.done)
	for {
		select {
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			board := w.board(ev.Name)
			if board == "" {
				continue
			}
			if filepath.Dir(ev.Name) == w.dir {
				// a board directory came or went
				if ev.Op&fsnotify.Create != 0 {
					if fi, err := os.Stat(ev.Name); err == nil && fi.IsDir() {
						w.add(ev.Name)
					}
				}
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) != 0 {
				w.srv.Reload(board)
			}
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			logrus.WithError(err).Error("watching calibration files")
		}
	}
}

// Close stops watching
func (w *Watcher) Close() error {
	err := w.fsw.Close()
	<-w.done
	return err
}
