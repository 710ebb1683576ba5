package figure

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/guseggert/goplotly/rpc"
	"github.com/guseggert/goplotly/value"
)

const exportCompleteMethod = "exportComplete"

var imageFormats = map[string]bool{"png": true, "svg": true, "jpeg": true, "pdf": true}

var defaultImageOptions = value.Object(
	value.KV("format", value.String("png")),
	value.KV("width", value.Int(700)),
	value.KV("height", value.Int(450)),
	value.KV("filename", value.String("newplot")),
)

// DownloadImage exports the chart. opts may set format (png, svg, jpeg or pdf), width, height and
// filename; other keys are passed to the renderer unchanged.
//
// In headless mode the call waits until the file shows up in the download directory or the renderer
// reports the export finished, and returns false if neither happens within the download timeout.
// In visible mode the browser owns the download, so the call returns once the export has started.
func (f *Figure) DownloadImage(ctx context.Context, opts value.Value) (bool, error) {
	s, err := f.session()
	if err != nil {
		return false, err
	}
	if !opts.IsNull() && opts.Kind() != value.MappingKind {
		return false, fmt.Errorf("image options must be a mapping, got %s", opts.Kind())
	}
	merged := defaultImageOptions.Merge(opts)
	formatVal, _ := merged.Get("format")
	format, ok := formatVal.AsString()
	if !ok || !imageFormats[format] {
		return false, fmt.Errorf("%w: %s", ErrInvalidImageFormat, formatVal)
	}

	// subscribed before the request so a fast completion is not missed
	sub := s.ch.Subscribe(func(fr rpc.Frame) bool { return fr.Method == exportCompleteMethod })
	defer sub.Close()

	result, err := s.ch.Call(ctx, "Plotly.downloadImage", value.Object(value.KV("opts", merged)))
	ok, err = f.outcome("Plotly.downloadImage", err)
	if !ok || err != nil {
		return ok, err
	}

	fileName := expectedFileName(merged, format)
	if v, found := result.Get("fileName"); found {
		if name, isString := v.AsString(); isString && name != "" {
			fileName = name
		}
	}
	if !s.headless {
		return true, nil
	}
	return f.awaitExport(ctx, s, sub, fileName)
}

func expectedFileName(opts value.Value, format string) string {
	v, _ := opts.Get("filename")
	name, ok := v.AsString()
	if !ok || name == "" {
		name = "newplot"
	}
	return name + "." + format
}

func (f *Figure) awaitExport(ctx context.Context, s *session, sub *rpc.Subscription, fileName string) (bool, error) {
	path := filepath.Join(s.getDownloadDir(), fileName)
	deadline := time.NewTimer(f.cfg.DownloadTimeout)
	defer deadline.Stop()
	stop := make(chan struct{})
	defer close(stop)
	written := f.watchDownload(path, stop)

	for {
		select {
		case <-written:
			f.log.Debugw("export written", "Path", path)
			return true, nil
		case fr, open := <-sub.Frames():
			if !open {
				return false, s.ch.Err()
			}
			done, ok := exportResult(fr, fileName)
			if done {
				if !ok {
					f.log.Warnf("renderer reported a failed export of %s", fileName)
				}
				return ok, nil
			}
		case <-deadline.C:
			f.log.Warnf("export of %s did not complete within %s", fileName, f.cfg.DownloadTimeout)
			return false, nil
		case <-ctx.Done():
			return false, ctx.Err()
		}
	}
}

// watchDownload returns a channel that is closed once path exists as a regular file. Browsers write
// downloads under a temporary name and rename them into place, which shows up as a create event.
// If the directory cannot be watched the returned channel is nil and never fires.
func (f *Figure) watchDownload(path string, stop <-chan struct{}) <-chan struct{} {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		f.log.Warnf("unable to watch for downloads: %s", err)
		return nil
	}
	dir := filepath.Dir(path)
	err = w.Add(dir)
	if err != nil {
		w.Close()
		f.log.Warnf("unable to watch download directory %s: %s", dir, err)
		return nil
	}

	written := make(chan struct{})
	go func() {
		defer w.Close()
		// checked after the watch is in place so a file written in between is not missed
		if fileExists(path) {
			close(written)
			return
		}
		for {
			select {
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) == path && fileExists(path) {
					close(written)
					return
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				f.log.Debugf("download watcher error: %s", err)
			case <-stop:
				return
			}
		}
	}()
	return written
}

// exportResult reads an export completion notification. done is false if it is for another file.
func exportResult(fr rpc.Frame, fileName string) (done, ok bool) {
	payload, err := value.Parse(fr.Params)
	if err != nil {
		return false, false
	}
	if v, found := payload.Get("fileName"); found {
		if name, _ := v.AsString(); name != fileName {
			return false, false
		}
	}
	ok = true
	if v, found := payload.Get("ok"); found {
		ok, _ = v.AsBool()
	}
	return true, ok
}

func fileExists(path string) bool {
	fi, err := os.Stat(path)
	return err == nil && fi.Mode().IsRegular()
}

// SetDownloadDirectory sets where headless exports are written. In visible mode the browser's own
// download settings apply and the directory is only used to name expected files.
func (f *Figure) SetDownloadDirectory(ctx context.Context, dir string) (bool, error) {
	s, err := f.session()
	if err != nil {
		return false, err
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return false, fmt.Errorf("resolving %s: %w", dir, err)
	}
	if s.hasDevTools() {
		err := s.devTools().SetDownloadBehavior(ctx, abs)
		if err != nil {
			f.log.Warnf("setting download directory to %s: %s", abs, err)
			return false, nil
		}
	}
	s.setDownloadDir(abs)
	return true, nil
}
