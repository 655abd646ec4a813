package geocode

import (
	"context"
	"sort"

	"go.uber.org/zap"
)

type pendingQuery struct {
	key      string
	cacheKey string
	query    Query
}

type completion struct {
	key    string
	result *Result
}

func (g *geocoder) ResolveMany(ctx context.Context, queries map[string]Query) map[string]*Result {
	out := make(map[string]*Result, len(queries))

	var misses []pendingQuery
	for key, q := range queries {
		out[key] = nil
		if q.String() == "" {
			continue
		}
		ck := cacheKey(q)
		if r, ok := g.lookup(ctx, ck); ok {
			out[key] = r
			continue
		}
		misses = append(misses, pendingQuery{key: key, cacheKey: ck, query: q})
	}
	if len(misses) == 0 {
		return out
	}
	sort.Slice(misses, func(i, j int) bool { return misses[i].key < misses[j].key })

	budgetCtx, cancel := context.WithTimeout(ctx, g.waitBudget)
	defer cancel()

	// Buffered to len(misses): an abandoned request can always deliver and exit.
	done := make(chan completion, len(misses))
	pending := make(map[string]struct{}, len(misses))
	for _, p := range misses {
		pending[p.key] = struct{}{}
	}
	next, inFlight := 0, 0

	for next < len(misses) || inFlight > 0 {
		for inFlight < g.batchSize && next < len(misses) {
			p := misses[next]
			next++
			inFlight++
			go func() {
				done <- completion{key: p.key, result: g.fetchOne(budgetCtx, p.cacheKey, p.query)}
			}()
		}

		select {
		case c := <-done:
			inFlight--
			// A nil result after the deadline was cut short, not answered.
			if c.result != nil || budgetCtx.Err() == nil {
				delete(pending, c.key)
				out[c.key] = c.result
			}
		case <-budgetCtx.Done():
		}
		if budgetCtx.Err() != nil {
			break
		}
	}

	if len(pending) > 0 {
		for key := range pending {
			delete(out, key)
		}
		g.abandoned.Add(int64(len(pending)))
		g.log.Warn("geocode: wait budget exhausted, abandoning requests",
			zap.Int("abandoned", len(pending)),
			zap.Duration("budget", g.waitBudget),
			zap.Error(budgetCtx.Err()),
		)
	}
	return out
}
