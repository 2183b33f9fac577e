// Package export flattens harvested result records into CSV. Field keys
// vary record to record, so the header is the sorted union of every key
// seen, with the fixed bookkeeping columns first.
package export

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	"github.com/turnstile-dev/turnstile/internal/domain"
)

var fixedColumns = []string{"batch_id", "task_index", "created_at", "confidence", "reasoning", "note"}

// WriteCSV writes records to w
func WriteCSV(w io.Writer, records []*domain.ResultRecord) error {
	keys := fieldKeys(records)

	cw := csv.NewWriter(w)
	if err := cw.Write(append(append([]string{}, fixedColumns...), keys...)); err != nil {
		return err
	}

	for _, r := range records {
		row := []string{
			r.BatchID,
			strconv.Itoa(r.TaskIndex),
			r.CreatedAt.UTC().Format(time.RFC3339),
			formatConfidence(r.Confidence),
			r.Reasoning,
			r.Note,
		}
		for _, k := range keys {
			row = append(row, r.Fields[k])
		}
		if err := cw.Write(row); err != nil {
			return err
		}
	}

	cw.Flush()
	return cw.Error()
}

// WriteFile writes records to a timestamped CSV file in dir and returns
// its path.
func WriteFile(dir string, records []*domain.ResultRecord, now time.Time) (string, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", err
	}

	path := filepath.Join(dir, fmt.Sprintf("results-%s.csv", now.Format("20060102-150405")))
	f, err := os.Create(path)
	if err != nil {
		return "", err
	}

	if err := WriteCSV(f, records); err != nil {
		f.Close()
		os.Remove(path)
		return "", err
	}
	if err := f.Close(); err != nil {
		return "", err
	}
	return path, nil
}

func fieldKeys(records []*domain.ResultRecord) []string {
	seen := make(map[string]struct{})
	for _, r := range records {
		for k := range r.Fields {
			seen[k] = struct{}{}
		}
	}
	keys := make([]string, 0, len(seen))
	for k := range seen {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func formatConfidence(c float64) string {
	if c == 0 {
		return ""
	}
	return strconv.FormatFloat(c, 'f', -1, 64)
}
