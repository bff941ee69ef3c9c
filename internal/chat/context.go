package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	fuzzy "github.com/paul-mannino/go-fuzzywuzzy"

	"aihub-gateway/internal/datastore"
)

const (
	// rowLimit keeps the fetched sample inside the model's context window.
	rowLimit = 50
	// statusFilterScore is how close the question must sound to "active"
	// before the status filter kicks in.
	statusFilterScore = 80
)

// schemaCacheCode is PostgREST's "table exists but is not in the schema
// cache" error.
const schemaCacheCode = "PGRST205"

// Sampler is the slice of the datastore needed to build prompt context.
type Sampler interface {
	FetchSample(ctx context.Context, table string, limit int) ([]datastore.Row, error)
	FetchFiltered(ctx context.Context, table, column, value string, limit int) ([]datastore.Row, error)
}

// DatabaseContext fetches a data sample for the selected table and renders
// it as prompt context. Fetch failures produce a diagnostic string embedded
// in the context, never an error: the model relays the problem to the user.
func DatabaseContext(ctx context.Context, store Sampler, table, question string) (dbContext string, columns []string) {
	sample, err := store.FetchSample(ctx, table, 1)
	if err != nil {
		return fetchErrorContext(table, err), nil
	}
	if len(sample) > 0 {
		for col := range sample[0] {
			columns = append(columns, col)
		}
		sort.Strings(columns)
	}

	var rows []datastore.Row
	filterNote := ""
	if containsColumn(columns, "status") && fuzzy.PartialRatio("active", strings.ToLower(question)) > statusFilterScore {
		rows, err = store.FetchFiltered(ctx, table, "status", "active", rowLimit)
		filterNote = "(Filtered by status='active')"
	} else {
		rows, err = store.FetchSample(ctx, table, rowLimit)
	}
	if err != nil {
		return fetchErrorContext(table, err), columns
	}

	if len(rows) == 0 {
		return fmt.Sprintf("No data found in table '%s' %s. The database might be empty or no matching records.", table, filterNote), columns
	}

	encoded, err := json.Marshal(rows)
	if err != nil {
		return fetchErrorContext(table, err), columns
	}
	return string(encoded), columns
}

func containsColumn(columns []string, name string) bool {
	for _, c := range columns {
		if c == name {
			return true
		}
	}
	return false
}

func fetchErrorContext(table string, err error) string {
	if strings.Contains(err.Error(), schemaCacheCode) {
		return fmt.Sprintf(
			"**CRITICAL ERROR: Table '%s' exists but is not visible to the API.**\n\n"+
				"**CAUSE:** The schema cache is outdated.\n"+
				"**FIX REQUIRED:**\n"+
				"1. Go to your database dashboard > Settings > API.\n"+
				"2. Click the **'Reload schema cache'** button.\n"+
				"3. Try this query again.\n\n"+
				"(Original Error: %v)", table, err)
	}
	return fmt.Sprintf("Error fetching data from '%s': %v", table, err)
}
