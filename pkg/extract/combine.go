package extract

import (
	"fmt"
	"sort"
	"strings"

	"github.com/instill-ai/healthrecord-backend/pkg/errors"
)

// Combine merges the results of every file of an upload batch. Failed
// results are dropped and the successes are ordered by method priority,
// keeping the file order within a method. It fails only when nothing
// succeeded.
func Combine(results []Result) (string, error) {
	var ok []Result
	for _, r := range results {
		if r.Succeeded() {
			ok = append(ok, r)
		}
	}
	if len(ok) == 0 {
		return "", fmt.Errorf("%d results without content: %w", len(results), errors.ErrNoUsableExtraction)
	}

	sort.SliceStable(ok, func(i, j int) bool {
		return Priority(ok[i].Method) < Priority(ok[j].Method)
	})

	contents := make([]string, len(ok))
	for i, r := range ok {
		contents[i] = r.Content
	}
	return strings.Join(contents, "\n"), nil
}

// OrderResults sorts a file's results into display order.
func OrderResults(results []Result) {
	sort.SliceStable(results, func(i, j int) bool {
		return Priority(results[i].Method) < Priority(results[j].Method)
	})
}
