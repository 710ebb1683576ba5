package figure

import (
	"context"
	"errors"

	"github.com/guseggert/goplotly/rpc"
	"github.com/guseggert/goplotly/value"
)

// orEmpty turns an absent mapping argument into {}.
func orEmpty(v value.Value) value.Value {
	if v.IsNull() {
		return value.Object()
	}
	return v
}

// params builds a request payload, leaving out optional arguments that were not given.
func params(fields ...value.Field) value.Value {
	kept := make([]value.Field, 0, len(fields))
	for _, f := range fields {
		if f.Value.IsNull() {
			continue
		}
		kept = append(kept, f)
	}
	return value.Object(kept...)
}

// command sends method and maps the outcome: recoverable remote errors become false.
func (f *Figure) command(ctx context.Context, method string, p value.Value) (bool, error) {
	s, err := f.session()
	if err != nil {
		return false, err
	}
	_, err = s.ch.Call(ctx, method, p)
	return f.outcome(method, err)
}

func (f *Figure) outcome(method string, err error) (bool, error) {
	if err == nil {
		return true, nil
	}
	var remoteErr *rpc.RemoteError
	if errors.As(err, &remoteErr) && remoteErr.Recoverable() {
		f.log.Warnf("%s failed: %s", method, remoteErr.Message)
		return false, nil
	}
	return false, err
}

// NewPlot replaces the chart. A null layout or config is sent as {}.
func (f *Figure) NewPlot(ctx context.Context, data, layout, config value.Value) (bool, error) {
	return f.command(ctx, "Plotly.newPlot", value.Object(
		value.KV("data", data),
		value.KV("layout", orEmpty(layout)),
		value.KV("config", orEmpty(config)),
	))
}

// React is NewPlot for an existing chart, letting the renderer diff instead of redrawing from scratch.
func (f *Figure) React(ctx context.Context, data, layout, config value.Value) (bool, error) {
	return f.command(ctx, "Plotly.react", value.Object(
		value.KV("data", data),
		value.KV("layout", orEmpty(layout)),
		value.KV("config", orEmpty(config)),
	))
}

func (f *Figure) Update(ctx context.Context, traceUpdate, layoutUpdate value.Value) (bool, error) {
	return f.command(ctx, "Plotly.update", value.Object(
		value.KV("traceUpdate", orEmpty(traceUpdate)),
		value.KV("layoutUpdate", orEmpty(layoutUpdate)),
	))
}

func (f *Figure) Relayout(ctx context.Context, layout value.Value) (bool, error) {
	return f.command(ctx, "Plotly.relayout", value.Object(value.KV("layout", orEmpty(layout))))
}

func (f *Figure) Redraw(ctx context.Context) (bool, error) {
	return f.command(ctx, "Plotly.redraw", value.Object())
}

// Purge clears the chart and its event listeners on the page.
func (f *Figure) Purge(ctx context.Context) (bool, error) {
	return f.command(ctx, "Plotly.purge", value.Object())
}

// Restyle applies aobj to the traces at the given indices, or to every trace when traces is null.
func (f *Figure) Restyle(ctx context.Context, aobj, traces value.Value) (bool, error) {
	return f.command(ctx, "Plotly.restyle", params(
		value.KV("aobj", orEmpty(aobj)),
		value.KV("traces", traces),
	))
}

// AddTraces appends one trace (a mapping) or several (a sequence), or inserts them at newIndices when given.
func (f *Figure) AddTraces(ctx context.Context, traces, newIndices value.Value) (bool, error) {
	return f.command(ctx, "Plotly.addTraces", params(
		value.KV("traces", traces),
		value.KV("newIndices", newIndices),
	))
}

func (f *Figure) DeleteTraces(ctx context.Context, indices value.Value) (bool, error) {
	return f.command(ctx, "Plotly.deleteTraces", value.Object(value.KV("indices", indices)))
}

// MoveTraces moves the traces at currentIndices to newIndices, or to the end when newIndices is null.
func (f *Figure) MoveTraces(ctx context.Context, currentIndices, newIndices value.Value) (bool, error) {
	return f.command(ctx, "Plotly.moveTraces", params(
		value.KV("currentIndices", currentIndices),
		value.KV("newIndices", newIndices),
	))
}

// ExtendTraces appends the points in update to the traces at indices.
// A positive maxPoints caps each trace's length, dropping the oldest points.
func (f *Figure) ExtendTraces(ctx context.Context, update, indices value.Value, maxPoints int) (bool, error) {
	p := value.Object(
		value.KV("update", update),
		value.KV("indices", indices),
	)
	if maxPoints > 0 {
		p = p.With("maxPoints", value.Int(maxPoints))
	}
	return f.command(ctx, "Plotly.extendTraces", p)
}

func (f *Figure) PrependTraces(ctx context.Context, update, indices value.Value) (bool, error) {
	return f.command(ctx, "Plotly.prependTraces", value.Object(
		value.KV("update", update),
		value.KV("indices", indices),
	))
}

func (f *Figure) AddFrames(ctx context.Context, frames value.Value) (bool, error) {
	return f.command(ctx, "Plotly.addFrames", value.Object(value.KV("frames", frames)))
}

func (f *Figure) DeleteFrames(ctx context.Context, frames value.Value) (bool, error) {
	return f.command(ctx, "Plotly.deleteFrames", value.Object(value.KV("frames", frames)))
}

// Animate plays the named frames or frame groups in order. An empty sequence pauses the running
// animation and null plays every frame.
func (f *Figure) Animate(ctx context.Context, frames, opts value.Value) (bool, error) {
	return f.command(ctx, "Plotly.animate", value.Object(
		value.KV("frameOrGroupNameOrFrameList", frames),
		value.KV("opts", orEmpty(opts)),
	))
}

// Call sends an arbitrary request and returns the raw result, for queries that read chart state back.
// Unlike the commands, remote errors are returned as *rpc.RemoteError.
func (f *Figure) Call(ctx context.Context, method string, p value.Value) (value.Value, error) {
	s, err := f.session()
	if err != nil {
		return value.Null(), err
	}
	return s.ch.Call(ctx, method, p)
}
