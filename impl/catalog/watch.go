package catalog

import (
	"context"
	"crypto/md5"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"
)

// settle is how long the file has to be quiet before it is reloaded. Editors
// and config map mounts produce several events per change.
var settle = 250 * time.Millisecond

// Watch calls 'onChange' with the newly parsed catalog each time the content
// of the catalog file at 'path' changes. The directory is watched rather than
// the file so that replacing the file by rename is seen. A file that does not
// parse is logged and ignored. Watch blocks until the context is done.
func Watch(ctx context.Context, path string, onChange func(File)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		return err
	}
	var (
		mu       sync.Mutex
		lastHash [md5.Size]byte
	)
	if _, hash, err := Load(path); err == nil {
		lastHash = hash
	}
	reload := func() {
		mu.Lock()
		defer mu.Unlock()
		f, hash, err := Load(path)
		if err != nil {
			log.Errorf("unable to reload catalog: %s", err)
			return
		}
		if hash == lastHash {
			return
		}
		lastHash = hash
		log.Infof("catalog %s changed, %d domains", path, len(f))
		onChange(f)
	}
	timer := time.AfterFunc(time.Hour, reload)
	timer.Stop()
	defer timer.Stop()
	target := filepath.Clean(path)
	for {
		select {
		case <-ctx.Done():
			return nil
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.Warnf("catalog watcher: %s", err)
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Has(fsnotify.Create) || event.Has(fsnotify.Write) || event.Has(fsnotify.Rename) {
				timer.Reset(settle)
			}
		}
	}
}
