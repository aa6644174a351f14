package ledger

import (
	"context"
	"iter"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/evidence-engine/internal/metrics"
	"github.com/sells-group/evidence-engine/internal/model"
)

type producerFunc func(ctx context.Context, ref model.Ref) ([]model.LedgerEntry, error)

// Trace is a lazy backward walk of the ledger from one reference. Each call
// to Entries walks again from the root; Err and Warnings describe the most
// recent walk.
type Trace struct {
	ctx       context.Context
	root      model.Ref
	producers producerFunc
	log       *zap.Logger

	err      error
	warnings []error
}

// TraceLineage returns the lineage of ref: every entry that produced ref,
// then recursively every entry that produced one of those entries' inputs.
func (l *Ledger) TraceLineage(ctx context.Context, ref model.Ref) *Trace {
	return newTrace(ctx, ref, l.producers, l.log)
}

func newTrace(ctx context.Context, root model.Ref, producers producerFunc, log *zap.Logger) *Trace {
	if log == nil {
		log = zap.NewNop()
	}
	return &Trace{ctx: ctx, root: root, producers: producers, log: log}
}

// Root returns the reference the trace starts from.
func (t *Trace) Root() model.Ref { return t.root }

// Err returns the error that stopped the last walk, if any.
func (t *Trace) Err() error { return t.err }

// Warnings returns the cycle warnings of the last walk. Each wraps
// model.ErrLineageCycleDetected.
func (t *Trace) Warnings() []error { return t.warnings }

type traceFrame struct {
	refs []model.Ref
	kids []model.LedgerEntry
	id   string
}

const (
	onPath = 1
	done   = 2
)

// Entries yields lineage entries depth first. An entry is yielded once per
// walk. An entry met again while it is still on the current path is a
// reference cycle: it is recorded as a warning and not followed.
func (t *Trace) Entries() iter.Seq[model.LedgerEntry] {
	return func(yield func(model.LedgerEntry) bool) {
		t.err = nil
		t.warnings = nil
		if _, _, err := t.root.Parse(); err != nil {
			t.err = err
			return
		}

		state := make(map[string]int)
		stack := []*traceFrame{{refs: []model.Ref{t.root}}}
		for len(stack) > 0 {
			if err := t.ctx.Err(); err != nil {
				t.err = err
				return
			}
			top := stack[len(stack)-1]

			if len(top.kids) == 0 {
				if len(top.refs) == 0 {
					if top.id != "" {
						state[top.id] = done
					}
					stack = stack[:len(stack)-1]
					continue
				}
				ref := top.refs[0]
				top.refs = top.refs[1:]
				if ref.Kind() == model.RefDocument {
					continue
				}
				kids, err := t.producers(t.ctx, ref)
				if err != nil {
					t.err = err
					return
				}
				top.kids = kids
				continue
			}

			e := top.kids[0]
			top.kids = top.kids[1:]
			switch state[e.ID] {
			case onPath:
				t.cycle(e, top.id)
				continue
			case done:
				continue
			}

			state[e.ID] = onPath
			if !yield(e) {
				return
			}
			stack = append(stack, &traceFrame{refs: e.InputRefs, id: e.ID})
		}
	}
}

func (t *Trace) cycle(e model.LedgerEntry, from string) {
	w := eris.Wrapf(model.ErrLineageCycleDetected, "ledger: entry %s reached again from %s", e.ID, from)
	t.warnings = append(t.warnings, w)
	metrics.RecordLineageCycle()
	t.log.Warn("lineage cycle detected",
		zap.String("root", string(t.root)),
		zap.String("entry_id", e.ID),
		zap.String("from_entry_id", from),
	)
}

// All walks the trace and collects its entries.
func (t *Trace) All() ([]model.LedgerEntry, error) {
	var out []model.LedgerEntry
	for e := range t.Entries() {
		out = append(out, e)
	}
	return out, t.err
}
