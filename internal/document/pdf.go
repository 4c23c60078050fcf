package document

import (
	"context"
	"fmt"
	"strings"

	"github.com/ledongthuc/pdf"
)

// ExtractPDFText reads the text of every page of the PDF at path. Runs of
// blank lines are collapsed so the model sees compact text.
func ExtractPDFText(ctx context.Context, path string) (text string, err error) {
	// The parser panics on some malformed files.
	defer func() {
		if r := recover(); r != nil {
			text = ""
			err = fmt.Errorf("%w: %s: %v", ErrNotReadable, path, r)
		}
	}()

	if err := ctx.Err(); err != nil {
		return "", err
	}

	f, r, err := pdf.Open(path)
	if err != nil {
		if f != nil {
			_ = f.Close()
		}
		return "", fmt.Errorf("%w: %s: %w", ErrNotReadable, path, err)
	}
	defer f.Close()

	var sb strings.Builder
	for i := 1; i <= r.NumPage(); i++ {
		if err := ctx.Err(); err != nil {
			return "", err
		}

		page := r.Page(i)
		if page.V.IsNull() {
			continue
		}
		content, err := page.GetPlainText(nil)
		if err != nil {
			return "", fmt.Errorf("%w: %s: page %d: %w", ErrNotReadable, path, i, err)
		}
		sb.WriteString(content)
		sb.WriteString("\n")
	}

	text = collapseBlankLines(sb.String())
	if strings.TrimSpace(text) == "" {
		return "", fmt.Errorf("%w: %s: no extractable text", ErrNotReadable, path)
	}
	return text, nil
}

func collapseBlankLines(s string) string {
	for strings.Contains(s, "\n\n") {
		s = strings.ReplaceAll(s, "\n\n", "\n")
	}
	return s
}
