package result

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/shelfbridge/shelfbridge/internal/models"
)

const reportFooter = "----- end of report -----"

// WriteFailedSyncReport writes the run's failure report into dir as
// failed-sync-<user>-<timestamp>.txt and returns the file path. Runs
// without error outcomes write nothing and return "".
func (c *Collector) WriteFailedSyncReport(dir string) (string, error) {
	failed := c.FailedBooks()
	summary := c.Summary()
	if len(failed) == 0 && len(summary.Errors) == 0 {
		return "", nil
	}

	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create report directory: %w", err)
	}

	user := sanitizeFilename(summary.UserID)
	if user == "" {
		user = "default"
	}
	// RFC 3339 with the colons swapped out keeps the name portable.
	stamp := strings.ReplaceAll(summary.FinishedAt.UTC().Format(time.RFC3339), ":", "-")
	path := filepath.Join(dir, fmt.Sprintf("failed-sync-%s-%s.txt", user, stamp))

	if err := os.WriteFile(path, []byte(renderReport(summary, failed)), 0644); err != nil {
		return "", fmt.Errorf("failed to write report file: %w", err)
	}
	return path, nil
}

func renderReport(summary models.SyncSummary, failed []models.BookOutcome) string {
	var b strings.Builder

	fmt.Fprintf(&b, "ShelfBridge failed sync report\n")
	fmt.Fprintf(&b, "Run:       %s\n", summary.RunID)
	if summary.UserID != "" {
		fmt.Fprintf(&b, "User:      %s\n", summary.UserID)
	}
	fmt.Fprintf(&b, "Generated: %s\n\n", summary.FinishedAt.UTC().Format(time.RFC3339))

	b.WriteString("Summary\n-------\n")
	fmt.Fprintf(&b, "Processed:  %d\n", summary.BooksProcessed)
	fmt.Fprintf(&b, "Synced:     %d\n", summary.BooksSynced)
	fmt.Fprintf(&b, "Completed:  %d\n", summary.BooksCompleted)
	fmt.Fprintf(&b, "Auto-added: %d\n", summary.BooksAutoAdded)
	fmt.Fprintf(&b, "Skipped:    %d\n", summary.BooksSkipped)
	fmt.Fprintf(&b, "Errors:     %d\n", summary.BooksWithErrors)
	fmt.Fprintf(&b, "Duration:   %s\n\n", summary.Duration.Round(time.Millisecond))

	if len(failed) > 0 {
		b.WriteString("Failed books\n------------\n")
		for i, book := range failed {
			title := book.Title
			if title == "" {
				title = "Unknown"
			}
			fmt.Fprintf(&b, "%d. %s", i+1, title)
			if book.Author != "" {
				fmt.Fprintf(&b, " by %s", book.Author)
			}
			b.WriteString("\n")

			fmt.Fprintf(&b, "   Status:      %s\n", book.Status)
			if len(book.Identifiers) > 0 {
				ids := make([]string, len(book.Identifiers))
				for j, id := range book.Identifiers {
					ids[j] = id.String()
				}
				fmt.Fprintf(&b, "   Identifiers: %s\n", strings.Join(ids, ", "))
			}
			if book.Progress.Changed {
				fmt.Fprintf(&b, "   Progress:    %.1f%% -> %.1f%%\n", book.Progress.Before, book.Progress.After)
			} else {
				fmt.Fprintf(&b, "   Progress:    %.1f%%\n", book.Progress.After)
			}
			if book.ActionText != "" {
				fmt.Fprintf(&b, "   Action:      %s\n", book.ActionText)
			}
			if book.Reason != "" {
				fmt.Fprintf(&b, "   Reason:      %s\n", book.Reason)
			}
			for _, e := range book.Errors {
				fmt.Fprintf(&b, "   Error:       %s\n", e)
			}
			fmt.Fprintf(&b, "   Timing:      %s\n", book.Timing.Round(time.Millisecond))
		}
		b.WriteString("\n")
	}

	if len(summary.Errors) > 0 {
		b.WriteString("Errors\n------\n")
		for _, e := range summary.Errors {
			fmt.Fprintf(&b, "- %s\n", e)
		}
		b.WriteString("\n")
	}

	b.WriteString(reportFooter + "\n")
	return b.String()
}

// sanitizeFilename strips characters that are unsafe in file names and
// keeps the result short.
func sanitizeFilename(s string) string {
	replacer := strings.NewReplacer(
		"<", "", ">", "", ":", "-", "\"", "", "/", "-", "\\", "-", "|", "-",
		"?", "", "*", "", "'", "", "`", "", " ", "-",
	)
	result := replacer.Replace(s)
	result = strings.Trim(result, ".-")

	for strings.Contains(result, "--") {
		result = strings.ReplaceAll(result, "--", "-")
	}

	if len(result) > 64 {
		result = result[:64]
	}
	return result
}
