package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dunamismax/convertly/internal/session"
	"github.com/fsnotify/fsnotify"
)

// watchDebounce is how long a file must stay quiet before it is converted.
var watchDebounce = 500 * time.Millisecond

// watchJobID names the output subdirectory for watched conversions.
const watchJobID = "watch"

var imageExtensions = map[string]struct{}{
	".jpg": {}, ".jpeg": {}, ".png": {}, ".gif": {}, ".webp": {},
	".bmp": {}, ".tif": {}, ".tiff": {}, ".svg": {},
}

func runWatch(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	o, rest, err := parse("watch", args, stderr)
	if err != nil {
		return err
	}
	if len(rest) != 1 {
		return fmt.Errorf("%w: watch needs exactly one directory", ErrUsage)
	}
	dir, err := filepath.Abs(rest[0])
	if err != nil {
		return err
	}
	out, err := filepath.Abs(o.outDir)
	if err != nil {
		return err
	}
	if out == dir {
		return errors.New("-out must differ from the watched directory")
	}
	o.outDir = out

	logger := log.New(stderr, "[convertly] ", log.LstdFlags|log.Lmsgprefix)
	c, err := newConverter(logger, o, false)
	if err != nil {
		return err
	}
	defer c.Close()

	return c.watch(ctx, dir, stdout)
}

func (c *converter) watch(ctx context.Context, dir string, stdout io.Writer) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create fsnotify watcher: %w", err)
	}
	defer w.Close()

	if err := w.Add(dir); err != nil {
		return fmt.Errorf("watch folder %s: %w", dir, err)
	}
	c.logger.Printf("watching dir=%s", dir)

	d := newDebouncer(watchDebounce)
	defer d.stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-w.Events:
			if !ok {
				return nil
			}
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
				continue
			}
			if !isImageFile(event.Name) {
				continue
			}
			d.touch(ctx, event.Name)

		case f := <-d.fired:
			if d.take(f) {
				c.convertFile(ctx, f.name, stdout)
			}

		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			c.logger.Printf("watcher error: %v", err)
		}
	}
}

// debounced is one timer delivery. gen identifies the touch that armed it.
type debounced struct {
	name string
	gen  uint64
}

// debouncer delays a path until it has been quiet for delay. A timer that
// already fired may still deliver after a newer touch; take drops such
// stale deliveries by generation.
type debouncer struct {
	delay   time.Duration
	fired   chan debounced
	gen     uint64
	pending map[string]debounceTimer
}

type debounceTimer struct {
	gen   uint64
	timer *time.Timer
}

func newDebouncer(delay time.Duration) *debouncer {
	return &debouncer{
		delay:   delay,
		fired:   make(chan debounced),
		pending: make(map[string]debounceTimer),
	}
}

func (d *debouncer) touch(ctx context.Context, name string) {
	if prev, ok := d.pending[name]; ok {
		prev.timer.Stop()
	}
	d.gen++
	f := debounced{name: name, gen: d.gen}
	timer := time.AfterFunc(d.delay, func() {
		select {
		case d.fired <- f:
		case <-ctx.Done():
		}
	})
	d.pending[name] = debounceTimer{gen: f.gen, timer: timer}
}

// take reports whether f is the latest touch of its path and, if so, clears
// it.
func (d *debouncer) take(f debounced) bool {
	cur, ok := d.pending[f.name]
	if !ok || cur.gen != f.gen {
		return false
	}
	delete(d.pending, f.name)
	return true
}

func (d *debouncer) stop() {
	for _, p := range d.pending {
		p.timer.Stop()
	}
}

func (c *converter) convertFile(ctx context.Context, path string, stdout io.Writer) {
	if info, err := os.Stat(path); err != nil || info.IsDir() {
		return
	}
	entry, err := c.add(path)
	if err != nil {
		if errors.Is(err, session.ErrDuplicateImage) {
			c.logger.Printf("already converted file=%s", path)
			return
		}
		c.logger.Printf("skipping file=%s err=%v", path, err)
		return
	}

	result, err := c.run(ctx, watchJobID, entry.ID)
	printResults(stdout, result)
	if err != nil {
		c.logger.Printf("convert failed file=%s err=%v", path, err)
	}
}

func isImageFile(path string) bool {
	base := filepath.Base(path)
	if strings.HasPrefix(base, ".") {
		return false
	}
	_, ok := imageExtensions[strings.ToLower(filepath.Ext(base))]
	return ok
}
