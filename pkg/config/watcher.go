/*
Copyright 2024 The Serveproj Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package config

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	v1 "github.com/serveproj/serveflow/pkg/apis/serving/v1"
	"github.com/serveproj/serveflow/pkg/shared/logging"
)

// debounceDelay coalesces the event bursts editors and atomic-rename writers
// produce into a single reload.
const debounceDelay = 100 * time.Millisecond

// WatchManifest watches the manifest file and calls onReload with the parsed
// specs after each change. The watch is on the parent directory because many
// tools replace the file by rename, which drops a watch on the file itself.
// Reload errors are logged and the previous state stays in effect. Blocks
// until ctx is done.
func WatchManifest(ctx context.Context, path string, onReload func([]*v1.APISpec)) error {
	log := logging.FromContext(ctx).Named("manifest-watcher").With("path", path)
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	defer watcher.Close()

	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("failed to watch %q: %w", dir, err)
	}
	base := filepath.Base(path)

	var debounce *time.Timer
	defer func() {
		if debounce != nil {
			debounce.Stop()
		}
	}()
	reloadCh := make(chan struct{}, 1)

	log.Info("Watching manifest for changes...")
	for {
		select {
		case <-ctx.Done():
			log.Info("Stopped watching manifest.")
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return fmt.Errorf("fsnotify event channel closed")
			}
			if filepath.Base(event.Name) != base {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(debounceDelay, func() {
				select {
				case reloadCh <- struct{}{}:
				default:
				}
			})
		case <-reloadCh:
			specs, err := LoadManifest(path)
			if err != nil {
				log.Errorw("Failed to reload manifest, keeping previous state.", zap.Error(err))
				continue
			}
			log.Infow("Manifest changed, applying.", zap.Int("apis", len(specs)))
			onReload(specs)
		case err, ok := <-watcher.Errors:
			if !ok {
				return fmt.Errorf("fsnotify error channel closed")
			}
			log.Errorw("Manifest watcher error.", zap.Error(err))
		}
	}
}
