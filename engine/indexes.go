package engine

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/squeezedb/squeeze/catalog"
	"github.com/squeezedb/squeeze/telemetry"
)

// IndexPair links a source index to its freshly built counterpart on the
// transient table. The swap renames the transient side back to the source
// name.
type IndexPair struct {
	Source    string
	Transient string
}

var createIndexRe = regexp.MustCompile(
	`(?is)^\s*CREATE\s+(UNIQUE\s+)?INDEX\s+(?:IF\s+NOT\s+EXISTS\s+)?(?:"[^"]*(?:""[^"]*)*"|\S+?)\s+ON\s+(?:"[^"]*(?:""[^"]*)*"|\S+?)\s*(\(.*)$`)

// rewriteCreateIndex rebuilds a stored CREATE INDEX statement against a new
// index name and table, keeping the key list and any partial WHERE clause
// verbatim. An empty location leaves the index name unqualified.
func rewriteCreateIndex(createSQL, location, newIndex, newTable string) (string, error) {
	m := createIndexRe.FindStringSubmatch(createSQL)
	if m == nil {
		return "", fmt.Errorf("unparseable CREATE INDEX statement: %q", createSQL)
	}
	unique := ""
	if m[1] != "" {
		unique = "UNIQUE "
	}
	name := catalog.QuoteIdent(newIndex)
	if location != "" {
		name = catalog.QuoteIdent(location) + "." + name
	}
	return "CREATE " + unique + "INDEX " + name +
		" ON " + catalog.QuoteIdent(newTable) + " " + m[2], nil
}

// buildTransientIndexes recreates the table's explicit indexes on the
// transient copy under synthetic names. Constraint-backed indexes (PRIMARY
// KEY, UNIQUE) already exist, created together with the transient table, so
// the identity key is enforceable from the first replayed change onward.
// Building after the bulk copy keeps the copy itself free of incremental
// index maintenance.
func (e *Engine) buildTransientIndexes(ctx context.Context, ts *catalog.TableSchema, transient string, p *placement) ([]IndexPair, error) {
	started := time.Now()
	var pairs []IndexPair

	for i, ix := range ts.Indexes {
		if ix.Origin != "c" {
			continue
		}
		synthetic := fmt.Sprintf("%s%s_%d", indexPrefix, ts.Name, i)
		loc := p.table
		if l, ok := p.indexes[ix.Name]; ok {
			loc = l
		}
		stmt, err := rewriteCreateIndex(ix.SQL, loc, synthetic, transient)
		if err != nil {
			return pairs, err
		}
		if _, err := e.db.ExecContext(ctx, stmt); err != nil {
			return pairs, fmt.Errorf("build index %q: %w", ix.Name, err)
		}
		pairs = append(pairs, IndexPair{Source: ix.Name, Transient: synthetic})
		if err := ctx.Err(); err != nil {
			return pairs, err
		}
	}

	telemetry.PhaseDurationSeconds.With("index_build").Observe(time.Since(started).Seconds())
	log.Debug().Str("table", ts.Name).Int("indexes", len(pairs)).Msg("Transient indexes built")
	return pairs, nil
}
