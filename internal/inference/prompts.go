package inference

// Prompt modes
const (
	PromptMarkdown = "markdown"
	PromptText     = "text"
	PromptTable    = "table"
	PromptReceipt  = "receipt"
	PromptInvoice  = "invoice"
	PromptForm     = "form"
)

const markdownPrompt = `Extract all text content from this image and format it as markdown.

Requirements:
- Preserve the document structure and hierarchy
- Use proper markdown formatting (headings, lists, tables, etc.)
- For tables, use markdown table syntax
- For mathematical formulas, use LaTeX notation
- Maintain the original text order and layout
- Include all visible text, including headers, footers, and annotations

Output only the markdown content without any explanation or metadata.`

const textPrompt = `Extract all text from this image exactly as it appears.

Requirements:
- Keep the original reading order
- Keep line breaks between paragraphs
- Do not add formatting, commentary or explanation

Output only the extracted text.`

const tablePrompt = `Extract all tables from this image as markdown tables.

Requirements:
- Use proper markdown table syntax with | separators
- Include table headers if present
- Preserve cell alignment
- Handle merged cells by repeating content
- If multiple tables exist, separate them with blank lines

Output only the markdown tables without any explanation.`

const receiptPrompt = `Extract receipt information as JSON with the following structure:
{
  "merchant": "merchant name",
  "date": "transaction date",
  "currency": "currency code",
  "subtotal": 0.00,
  "tax": 0.00,
  "total": 0.00,
  "items": [
    {"name": "item name", "qty": 1, "price": 0.00}
  ]
}

Only output valid JSON. If a field is not found, use empty string or 0.`

const invoicePrompt = `Extract invoice information as JSON with the following structure:
{
  "invoice_number": "",
  "date": "",
  "due_date": "",
  "vendor": "",
  "customer": "",
  "currency": "",
  "subtotal": 0.00,
  "tax": 0.00,
  "total": 0.00,
  "line_items": [
    {"description": "", "quantity": 1, "unit_price": 0.00, "amount": 0.00}
  ]
}

Only output valid JSON. If a field is not found, use empty string or 0.`

const formPrompt = `Extract form fields and their values as JSON with the structure:
{
  "fields": [
    {"label": "field label", "value": "field value"}
  ]
}

Only output valid JSON. Include all visible fields and their corresponding values.`

var prompts = map[string]string{
	PromptMarkdown: markdownPrompt,
	PromptText:     textPrompt,
	PromptTable:    tablePrompt,
	PromptReceipt:  receiptPrompt,
	PromptInvoice:  invoicePrompt,
	PromptForm:     formPrompt,
}

// IsPromptMode reports whether mode names a known prompt
func IsPromptMode(mode string) bool {
	_, ok := prompts[mode]
	return ok
}

// PromptFor returns the prompt for mode, falling back to markdown
func PromptFor(mode string) string {
	if p, ok := prompts[mode]; ok {
		return p
	}
	return markdownPrompt
}
