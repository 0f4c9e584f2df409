package internal

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
)

// debounce is the time to wait for no new events before calling the callback.
const debounce = 100 * time.Millisecond

// FileWatcher watches a single file and calls a callback once the file has been written or
// recreated. The parent directory is watched so editors that replace files atomically are seen.
type FileWatcher struct {
	watcher  *fsnotify.Watcher
	dir      string
	file     string
	callback func()
	logger   *slog.Logger
	closeC   chan struct{}
	started  atomic.Bool
}

// NewFileWatcher creates a new file watcher for the given path and callback function.
func NewFileWatcher(path string, callback func(), logger *slog.Logger) *FileWatcher {
	if logger == nil {
		logger = NoOpLogger()
	}
	path = filepath.Clean(path)
	return &FileWatcher{
		dir:      filepath.Dir(path),
		file:     path,
		callback: callback,
		logger:   logger,
	}
}

func (fw *FileWatcher) Start() error {
	if !fw.started.CompareAndSwap(false, true) {
		fw.logger.Debug("File watcher already started")
		return nil
	}
	fw.logger.Debug("Starting file watcher", "path", fw.file)
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		fw.started.Store(false)
		return fmt.Errorf("start watcher: %w", err)
	}
	if err = watcher.Add(fw.dir); err != nil {
		watcher.Close()
		fw.started.Store(false)
		return fmt.Errorf("failed to add watcher: %w", err)
	}
	fw.watcher = watcher
	fw.closeC = make(chan struct{})
	go fw.watchLoop(fw.watcher, fw.closeC)
	return nil
}

func (fw *FileWatcher) Close() error {
	if !fw.started.CompareAndSwap(true, false) {
		return nil
	}
	close(fw.closeC)
	return fw.watcher.Close()
}

func (fw *FileWatcher) watchLoop(watcher *fsnotify.Watcher, closeC chan struct{}) {
	var (
		timer       *time.Timer
		timerAccess sync.Mutex
	)
	defer func() {
		timerAccess.Lock()
		if timer != nil {
			timer.Stop()
		}
		timerAccess.Unlock()
	}()
	for {
		select {
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != fw.file {
				continue
			}
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
				continue
			}
			fw.logger.Debug("File modified", "path", event.Name, "op", event.Op.String())

			// files can be written in chunks, so wait until events stop arriving for a bit before
			// calling the callback. Each new event resets the timer.
			timerAccess.Lock()
			if timer == nil {
				timer = time.AfterFunc(debounce, func() {
					timerAccess.Lock()
					timer = nil
					timerAccess.Unlock()
					select {
					case <-closeC:
						return
					default:
					}
					fw.callback()
				})
			} else {
				timer.Reset(debounce)
			}
			timerAccess.Unlock()
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			fw.logger.Error("Error watching file", "path", fw.file, "error", err)
		case <-closeC:
			return
		}
	}
}
