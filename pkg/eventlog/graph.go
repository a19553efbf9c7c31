package eventlog

import (
	"context"
	"sort"

	"github.com/mandatehq/mandate/pkg/contracts"
)

// Graph assembles a task's events into a span tree. Spans whose parent
// never appeared (or that have none) become roots; roots and children
// are ordered by first sequence number.
func (l *Log) Graph(ctx context.Context, taskID string) ([]*contracts.Span, error) {
	var events []*contracts.Event
	var since int64
	for {
		page, err := l.List(ctx, taskID, since, 1000)
		if err != nil {
			return nil, err
		}
		events = append(events, page...)
		if len(page) < 1000 {
			break
		}
		since = page[len(page)-1].Seq
	}

	spans := make(map[string]*contracts.Span)
	var order []string
	for _, ev := range events {
		sp, ok := spans[ev.SpanID]
		if !ok {
			sp = &contracts.Span{
				SpanID:       ev.SpanID,
				ParentSpanID: ev.ParentSpanID,
				FirstSeq:     ev.Seq,
			}
			spans[ev.SpanID] = sp
			order = append(order, ev.SpanID)
		}
		if ev.Seq > sp.LastSeq {
			sp.LastSeq = ev.Seq
		}
		sp.EventTypes = appendUnique(sp.EventTypes, ev.Type)
		// An event may name the parent only on the span's later rows.
		if sp.ParentSpanID == "" && ev.ParentSpanID != "" {
			sp.ParentSpanID = ev.ParentSpanID
		}
	}

	var roots []*contracts.Span
	for _, id := range order {
		sp := spans[id]
		parent, ok := spans[sp.ParentSpanID]
		if !ok || sp.ParentSpanID == sp.SpanID {
			roots = append(roots, sp)
			continue
		}
		parent.Children = append(parent.Children, sp)
	}

	sortSpans(roots)
	for _, sp := range spans {
		sortSpans(sp.Children)
	}
	return roots, nil
}

func sortSpans(spans []*contracts.Span) {
	sort.Slice(spans, func(i, j int) bool { return spans[i].FirstSeq < spans[j].FirstSeq })
}

func appendUnique(types []string, t string) []string {
	for _, existing := range types {
		if existing == t {
			return types
		}
	}
	return append(types, t)
}
