package credential

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/RicherTunes/ai-proxy-sub011/internal/cloudauth"
)

// FileFormat is the on-disk shape of the credentials file, per spec §6:
// {keys:[...], baseUrl}.
type FileFormat struct {
	Keys    []Config `json:"keys"`
	BaseURL string   `json:"baseUrl"`
}

// ReloadResult summarises a hot-reload pass.
type ReloadResult struct {
	Added   int `json:"added"`
	Removed int `json:"removed"`
	Total   int `json:"total"`
}

// Loader builds credential transports and owns the breaker configuration
// shared by every credential constructed by this pool.
type Loader struct {
	BreakerCfg BreakerConfig
	BaseURL    string
}

func (l *Loader) buildTransport(ctx context.Context, cfg Config) (http.RoundTripper, error) {
	if cfg.Hosting == "vertex" {
		return cloudauth.NewGCPOAuthTransport(ctx, nil, "https://www.googleapis.com/auth/cloud-platform")
	}
	return &cloudauth.APIKeyTransport{Key: cfg.Secret, HeaderName: "Authorization", Prefix: "Bearer "}, nil
}

// LoadFile reads and parses the credentials file.
func LoadFile(path string) (FileFormat, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return FileFormat{}, err
	}
	var ff FileFormat
	if err := json.Unmarshal(data, &ff); err != nil {
		return FileFormat{}, fmt.Errorf("credential: parse %s: %w", path, err)
	}
	return ff, nil
}

// Reload reads the credentials file, diffs it against the pool's current
// active set by secret equality, drains removed credentials, starts added
// ones in CLOSED, and installs the merged set atomically: either the full
// new set is installed or the old set is retained on error, per spec §4.2.
func (p *Pool) Reload(ctx context.Context, path string, loader *Loader) (ReloadResult, error) {
	ff, err := LoadFile(path)
	if err != nil {
		return ReloadResult{}, err
	}

	p.mu.RLock()
	current := append([]*Credential(nil), p.active...)
	p.mu.RUnlock()

	bySecret := make(map[string]*Credential, len(current))
	for _, c := range current {
		bySecret[c.Secret] = c
	}

	wanted := make(map[string]bool, len(ff.Keys))
	next := make([]*Credential, 0, len(ff.Keys))
	added := 0
	for i, kc := range ff.Keys {
		wanted[kc.Secret] = true
		if existing, ok := bySecret[kc.Secret]; ok {
			existing.Index = i
			next = append(next, existing)
			continue
		}
		transport, err := loader.buildTransport(ctx, kc)
		if err != nil {
			// Atomic: abort the whole reload, keep the old set, per spec §4.2.
			return ReloadResult{}, fmt.Errorf("credential: build transport for key %d: %w", i, err)
		}
		next = append(next, New(i, kc, loader.BreakerCfg, transport))
		added++
	}

	var removed []*Credential
	for secret, c := range bySecret {
		if !wanted[secret] {
			removed = append(removed, c)
		}
	}

	p.Install(next)
	if len(removed) > 0 {
		p.drain(removed)
	}

	return ReloadResult{Added: added, Removed: len(removed), Total: len(next)}, nil
}

// drain moves credentials into the draining set: no new selections (they
// are no longer in p.active), and they are discarded once inFlight reaches
// zero by the drain janitor below.
func (p *Pool) drain(removed []*Credential) {
	p.mu.Lock()
	p.draining = append(p.draining, removed...)
	p.mu.Unlock()
}

// ReapDrained discards draining credentials whose inFlight has reached
// zero. Call periodically (e.g. from the worker runner).
func (p *Pool) ReapDrained() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	kept := p.draining[:0]
	reaped := 0
	for _, c := range p.draining {
		if c.InFlight() == 0 {
			reaped++
			continue
		}
		kept = append(kept, c)
	}
	p.draining = kept
	return reaped
}

// Watch starts an fsnotify watcher on path's directory and calls reload on
// every write event, debounced, until ctx is cancelled. Ported from
// thushan-olla's config-watch debounce pattern (500ms debounce, 150ms
// settle delay for the writer to finish its rename).
func Watch(ctx context.Context, path string, debounce time.Duration, reload func(context.Context) (ReloadResult, error)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("credential: create watcher: %w", err)
	}
	defer watcher.Close()

	dir := dirOf(path)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("credential: watch %s: %w", dir, err)
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
			slog.LogAttrs(ctx, slog.LevelWarn, "credential watch error", slog.String("error", err.Error()))
		case <-fire:
			time.Sleep(150 * time.Millisecond) // let the writer finish its rename
			if _, err := reload(ctx); err != nil {
				slog.LogAttrs(ctx, slog.LevelError, "credential hot-reload failed", slog.String("error", err.Error()))
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
