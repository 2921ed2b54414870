package pipeline

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/cuongbtq/simple-ocr/internal/worker/domain"
)

const pageSeparator = "\n\n---\n\n"

type jsonPage struct {
	Page int    `json:"page"`
	Text string `json:"text"`
}

type jsonDocument struct {
	Pages     []jsonPage `json:"pages"`
	PageCount int        `json:"page_count"`
}

// assemble renders page texts, in page order, in the requested output format
func assemble(format string, texts []string) ([]byte, string, error) {
	if format == domain.OutputFormatJSON {
		doc := jsonDocument{Pages: make([]jsonPage, len(texts)), PageCount: len(texts)}
		for i, text := range texts {
			doc.Pages[i] = jsonPage{Page: i + 1, Text: text}
		}
		body, err := json.Marshal(doc)
		if err != nil {
			return nil, "", fmt.Errorf("failed to encode output: %w", err)
		}
		return body, domain.ContentTypeJSON, nil
	}

	parts := make([]string, len(texts))
	for i, text := range texts {
		parts[i] = fmt.Sprintf("<!-- Page %d -->\n\n%s", i+1, text)
	}
	return []byte(strings.Join(parts, pageSeparator)), domain.MimeTypeMarkdown, nil
}
