package config

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/fsnotify/fsnotify"
)

// WatchRoutingTable watches path's directory and calls reload on every
// write event, debounced, until ctx is cancelled. Generalised from
// internal/credential's Watch (same 500ms-debounce/150ms-settle shape,
// pulled from thushan-olla's config watcher), since the routing table and
// the credential file are reloaded independently with different result
// types.
func WatchRoutingTable(ctx context.Context, path string, debounce time.Duration, reload func(context.Context) (RoutingTable, error)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("config: create watcher: %w", err)
	}
	defer watcher.Close()

	dir := dirOf(path)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("config: watch %s: %w", dir, err)
	}

	var timer *time.Timer
	fire := make(chan struct{}, 1)

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if baseOf(ev.Name) != baseOf(path) {
				continue
			}
			if timer == nil {
				timer = time.AfterFunc(debounce, func() {
					select {
					case fire <- struct{}{}:
					default:
					}
				})
			} else {
				timer.Reset(debounce)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			slog.LogAttrs(ctx, slog.LevelWarn, "routing table watch error", slog.String("error", err.Error()))
		case <-fire:
			time.Sleep(150 * time.Millisecond)
			if _, err := reload(ctx); err != nil {
				slog.LogAttrs(ctx, slog.LevelError, "routing table hot-reload failed", slog.String("error", err.Error()))
			}
		}
	}
}

func dirOf(path string) string {
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '/' {
			return path[:i]
		}
	}
	return "."
}

func baseOf(path string) string {
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '/' {
			return path[i+1:]
		}
	}
	return path
}
