package renderertest

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/guseggert/goplotly/rpc"
	"github.com/guseggert/goplotly/value"
)

// exportDelay is how long ExportFile waits before writing, so callers have to poll for the file.
const exportDelay = 150 * time.Millisecond

func fail(format string, args ...any) error {
	return &rpc.RemoteError{Code: rpc.CodeServerError, Message: fmt.Sprintf(format, args...)}
}

func invalidParams(format string, args ...any) error {
	return &rpc.RemoteError{Code: rpc.CodeInvalidParams, Message: fmt.Sprintf(format, args...)}
}

var empty = value.Object()

func (r *Renderer) handlers() map[string]rpc.RequestHandler {
	return map[string]rpc.RequestHandler{
		"Plotly.newPlot":            r.newPlot,
		"Plotly.react":              r.newPlot,
		"Plotly.update":             r.requirePlot,
		"Plotly.relayout":           r.relayout,
		"Plotly.redraw":             r.requirePlot,
		"Plotly.purge":              r.purge,
		"Plotly.restyle":            r.restyle,
		"Plotly.addTraces":          r.addTraces,
		"Plotly.deleteTraces":       r.deleteTraces,
		"Plotly.moveTraces":         r.moveTraces,
		"Plotly.extendTraces":       r.extendTraces,
		"Plotly.prependTraces":      r.extendTraces,
		"Plotly.addFrames":          r.addFrames,
		"Plotly.deleteFrames":       r.deleteFrames,
		"Plotly.animate":            r.animate,
		"Plotly.downloadImage":      r.downloadImage,
		"Plotly.on":                 r.on,
		"Plotly.removeAllListeners": r.removeAllListeners,
		"Plotly.getData":            r.getData,
	}
}

func (r *Renderer) newPlot(ctx context.Context, params value.Value) (value.Value, error) {
	data, _ := params.Get("data")
	if !data.IsNull() && data.Kind() != value.SequenceKind {
		return value.Null(), invalidParams("data must be a sequence, got %s", data.Kind())
	}
	layout, _ := params.Get("layout")
	r.mu.Lock()
	defer r.mu.Unlock()
	r.traces = data.Elems()
	r.layout = layout
	r.plotted = true
	return empty, nil
}

func (r *Renderer) requirePlot(ctx context.Context, params value.Value) (value.Value, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.plotted {
		return value.Null(), fail("no plot")
	}
	return empty, nil
}

func (r *Renderer) relayout(ctx context.Context, params value.Value) (value.Value, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.plotted {
		return value.Null(), fail("no plot")
	}
	layout, _ := params.Get("layout")
	r.layout = r.layout.Merge(layout)
	return empty, nil
}

func (r *Renderer) purge(ctx context.Context, params value.Value) (value.Value, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.traces = nil
	r.layout = value.Null()
	r.frames = nil
	r.plotted = false
	return empty, nil
}

// resolve turns a trace index or sequence of indices into positions, counting negative indices from the end.
// Callers hold r.mu.
func (r *Renderer) resolve(v value.Value, n int) ([]int, error) {
	elems := []value.Value{v}
	if v.Kind() == value.SequenceKind {
		elems = v.Elems()
	}
	out := make([]int, 0, len(elems))
	for _, e := range elems {
		f, isNum := e.AsNumber()
		if !isNum || f != float64(int(f)) {
			return nil, invalidParams("trace index must be an integer, got %s", e)
		}
		i := int(f)
		if i < 0 {
			i += n
		}
		if i < 0 || i >= n {
			return nil, fail("trace index %d out of range for %d traces", int(f), n)
		}
		out = append(out, i)
	}
	return out, nil
}

func (r *Renderer) restyle(ctx context.Context, params value.Value) (value.Value, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.plotted {
		return value.Null(), fail("no plot")
	}
	if traces, found := params.Get("traces"); found {
		_, err := r.resolve(traces, len(r.traces))
		if err != nil {
			return value.Null(), err
		}
	}
	return empty, nil
}

func (r *Renderer) addTraces(ctx context.Context, params value.Value) (value.Value, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.plotted {
		return value.Null(), fail("no plot")
	}
	traces, _ := params.Get("traces")
	added := []value.Value{traces}
	if traces.Kind() == value.SequenceKind {
		added = traces.Elems()
	}
	newIndices, found := params.Get("newIndices")
	if !found {
		r.traces = append(r.traces, added...)
		return empty, nil
	}
	positions := []value.Value{newIndices}
	if newIndices.Kind() == value.SequenceKind {
		positions = newIndices.Elems()
	}
	if len(positions) != len(added) {
		return value.Null(), fail("got %d traces but %d new indices", len(added), len(positions))
	}
	for i, t := range added {
		f, isNum := positions[i].AsNumber()
		if !isNum {
			return value.Null(), invalidParams("new index must be a number, got %s", positions[i])
		}
		r.traces = insertAt(r.traces, int(f), t)
	}
	return empty, nil
}

func insertAt(traces []value.Value, i int, t value.Value) []value.Value {
	if i < 0 {
		i += len(traces) + 1
	}
	if i < 0 {
		i = 0
	}
	if i > len(traces) {
		i = len(traces)
	}
	traces = append(traces, value.Null())
	copy(traces[i+1:], traces[i:])
	traces[i] = t
	return traces
}

func (r *Renderer) deleteTraces(ctx context.Context, params value.Value) (value.Value, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.plotted {
		return value.Null(), fail("no plot")
	}
	indices, _ := params.Get("indices")
	positions, err := r.resolve(indices, len(r.traces))
	if err != nil {
		return value.Null(), err
	}
	sort.Sort(sort.Reverse(sort.IntSlice(positions)))
	last := -1
	for _, i := range positions {
		if i == last {
			continue
		}
		r.traces = append(r.traces[:i], r.traces[i+1:]...)
		last = i
	}
	return empty, nil
}

func (r *Renderer) moveTraces(ctx context.Context, params value.Value) (value.Value, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.plotted {
		return value.Null(), fail("no plot")
	}
	current, _ := params.Get("currentIndices")
	from, err := r.resolve(current, len(r.traces))
	if err != nil {
		return value.Null(), err
	}
	to := make([]int, 0, len(from))
	if newIndices, found := params.Get("newIndices"); found {
		to, err = r.resolve(newIndices, len(r.traces))
		if err != nil {
			return value.Null(), err
		}
		if len(to) != len(from) {
			return value.Null(), fail("got %d current indices but %d new indices", len(from), len(to))
		}
	} else {
		for i := range from {
			to = append(to, len(r.traces)-len(from)+i)
		}
	}

	moving := make([]value.Value, len(from))
	taken := map[int]bool{}
	for i, idx := range from {
		if taken[idx] {
			return value.Null(), fail("trace %d listed twice", idx)
		}
		moving[i] = r.traces[idx]
		taken[idx] = true
	}
	var rest []value.Value
	for i, t := range r.traces {
		if !taken[i] {
			rest = append(rest, t)
		}
	}
	out := make([]value.Value, len(r.traces))
	placed := map[int]bool{}
	for i, idx := range to {
		if placed[idx] {
			return value.Null(), fail("new index %d listed twice", idx)
		}
		out[idx] = moving[i]
		placed[idx] = true
	}
	j := 0
	for i := range out {
		if !placed[i] {
			out[i] = rest[j]
			j++
		}
	}
	r.traces = out
	return empty, nil
}

func (r *Renderer) extendTraces(ctx context.Context, params value.Value) (value.Value, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.plotted {
		return value.Null(), fail("no plot")
	}
	update, _ := params.Get("update")
	if update.Kind() != value.MappingKind {
		return value.Null(), invalidParams("update must be a mapping, got %s", update.Kind())
	}
	indices, _ := params.Get("indices")
	positions, err := r.resolve(indices, len(r.traces))
	if err != nil {
		return value.Null(), err
	}
	for _, f := range update.Items() {
		if f.Value.Kind() != value.SequenceKind || f.Value.Len() != len(positions) {
			return value.Null(), fail("update for %s must hold one array per trace", f.Key)
		}
	}
	return empty, nil
}

func (r *Renderer) addFrames(ctx context.Context, params value.Value) (value.Value, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	frames, _ := params.Get("frames")
	if frames.Kind() != value.SequenceKind {
		return value.Null(), invalidParams("frames must be a sequence, got %s", frames.Kind())
	}
	for _, fr := range frames.Elems() {
		nameVal, _ := fr.Get("name")
		name, isString := nameVal.AsString()
		if !isString {
			name = fmt.Sprintf("frame %d", len(r.frames))
		}
		r.frames = append(r.frames, name)
	}
	return empty, nil
}

// deleteFrames removes frames by index or by name.
func (r *Renderer) deleteFrames(ctx context.Context, params value.Value) (value.Value, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	frames, _ := params.Get("frames")
	for _, sel := range frames.Elems() {
		i := -1
		if name, isString := sel.AsString(); isString {
			i = r.frameIndex(name)
		} else if f, isNum := sel.AsNumber(); isNum && int(f) >= 0 && int(f) < len(r.frames) {
			i = int(f)
		}
		if i < 0 {
			return value.Null(), fail("no frame %s", sel)
		}
		r.frames = append(r.frames[:i], r.frames[i+1:]...)
	}
	return empty, nil
}

func (r *Renderer) frameIndex(name string) int {
	for i, n := range r.frames {
		if n == name {
			return i
		}
	}
	return -1
}

func (r *Renderer) animate(ctx context.Context, params value.Value) (value.Value, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.plotted {
		return value.Null(), fail("no plot")
	}
	sel, _ := params.Get("frameOrGroupNameOrFrameList")
	for _, e := range sel.Elems() {
		if name, isString := e.AsString(); isString && r.frameIndex(name) < 0 {
			return value.Null(), fail("no frame %q", name)
		}
	}
	return empty, nil
}

func (r *Renderer) downloadImage(ctx context.Context, params value.Value) (value.Value, error) {
	opts, _ := params.Get("opts")
	formatVal, _ := opts.Get("format")
	format, _ := formatVal.AsString()
	nameVal, _ := opts.Get("filename")
	name, _ := nameVal.AsString()
	fileName := name + "." + format

	r.mu.Lock()
	if !r.plotted {
		r.mu.Unlock()
		return value.Null(), fail("no plot")
	}
	dir := r.downloadDir
	ch := r.ch
	r.mu.Unlock()

	switch r.exportMode {
	case ExportFile:
		if dir == "" {
			return value.Null(), fail("no download directory")
		}
		go func() {
			time.Sleep(exportDelay)
			err := os.WriteFile(filepath.Join(dir, fileName), []byte("fake "+format), 0o644)
			if err != nil {
				r.log.Warnf("writing export: %s", err)
			}
		}()
	case ExportNotify:
		err := ch.Notify("exportComplete", value.Object(
			value.KV("fileName", value.String(fileName)),
			value.KV("ok", value.Bool(true)),
		))
		if err != nil {
			return value.Null(), err
		}
	}
	return value.Object(value.KV("fileName", value.String(fileName))), nil
}

func (r *Renderer) on(ctx context.Context, params value.Value) (value.Value, error) {
	eventVal, _ := params.Get("event")
	event, isString := eventVal.AsString()
	idVal, _ := params.Get("eventId")
	id, idIsString := idVal.AsString()
	if !isString || !idIsString {
		return value.Null(), invalidParams("event and eventId must be strings")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listeners[event] = append(r.listeners[event], id)
	return empty, nil
}

func (r *Renderer) removeAllListeners(ctx context.Context, params value.Value) (value.Value, error) {
	eventVal, _ := params.Get("event")
	event, _ := eventVal.AsString()
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.listeners, event)
	return empty, nil
}

func (r *Renderer) getData(ctx context.Context, params value.Value) (value.Value, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return value.Seq(r.traces...), nil
}
