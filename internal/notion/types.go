// Package notion is a minimal typed client for the block-structured remote
// document service. Only the operations the reconciler and history logger
// need are implemented.
package notion

// Block type tags used by the dashboard.
const (
	TypeHeading2 = "heading_2"
	TypeCode     = "code"
	TypeDivider  = "divider"

	// Protected types: never read for matching, never patched, never
	// deleted during a rebuild.
	TypeChildPage     = "child_page"
	TypeChildDatabase = "child_database"
)

// ProtectedType reports whether blocks of this type must survive a rebuild.
func ProtectedType(t string) bool {
	return t == TypeChildPage || t == TypeChildDatabase
}

// RichText is one text run inside a block.
type RichText struct {
	Type string   `json:"type"`
	Text TextSpan `json:"text"`
}

// TextSpan is the literal content of a rich text run.
type TextSpan struct {
	Content string `json:"content"`
}

// TextContent wraps plain text into a single-run rich text list.
func TextContent(s string) []RichText {
	return []RichText{{Type: "text", Text: TextSpan{Content: s}}}
}

// RichTextBlock is the payload shared by heading blocks.
type RichTextBlock struct {
	RichText []RichText `json:"rich_text"`
}

// CodeBlock is the payload of a code block.
type CodeBlock struct {
	RichText []RichText `json:"rich_text"`
	Language string     `json:"language,omitempty"`
}

// Block is one child block of the dashboard page. Exactly one of the typed
// payload fields is set, matching the Type tag.
type Block struct {
	Object   string         `json:"object,omitempty"`
	ID       string         `json:"id,omitempty"`
	Type     string         `json:"type"`
	Heading2 *RichTextBlock `json:"heading_2,omitempty"`
	Code     *CodeBlock     `json:"code,omitempty"`
	Divider  *struct{}      `json:"divider,omitempty"`
}

// PlainText returns the first text run's content for matching purposes.
// Protected and unknown block types yield "".
func (b *Block) PlainText() string {
	switch b.Type {
	case TypeHeading2:
		if b.Heading2 != nil && len(b.Heading2.RichText) > 0 {
			return b.Heading2.RichText[0].Text.Content
		}
	case TypeCode:
		if b.Code != nil && len(b.Code.RichText) > 0 {
			return b.Code.RichText[0].Text.Content
		}
	}
	return ""
}

// NewHeading builds an unattached heading_2 block.
func NewHeading(text string) Block {
	return Block{
		Object:   "block",
		Type:     TypeHeading2,
		Heading2: &RichTextBlock{RichText: TextContent(text)},
	}
}

// NewCode builds an unattached plain-text code block.
func NewCode(text string) Block {
	return Block{
		Object: "block",
		Type:   TypeCode,
		Code:   &CodeBlock{RichText: TextContent(text), Language: "plain text"},
	}
}

// NewDivider builds an unattached divider block.
func NewDivider() Block {
	return Block{Object: "block", Type: TypeDivider, Divider: &struct{}{}}
}

// blockList is the response envelope of a children listing.
type blockList struct {
	Results []Block `json:"results"`
}

// appendRequest is the body of an append-children call.
type appendRequest struct {
	Children []Block `json:"children"`
}

// ── page creation (history database rows) ────────────────────────────────────

// Parent points a new page at its parent database.
type Parent struct {
	DatabaseID string `json:"database_id"`
}

// SelectOption names a select or status choice.
type SelectOption struct {
	Name string `json:"name"`
}

// DateValue is a date property payload.
type DateValue struct {
	Start string `json:"start"`
}

// PropertyValue is one page property; exactly one field is set.
type PropertyValue struct {
	Title  []RichText    `json:"title,omitempty"`
	Select *SelectOption `json:"select,omitempty"`
	Number *float64      `json:"number,omitempty"`
	Date   *DateValue    `json:"date,omitempty"`
	Status *SelectOption `json:"status,omitempty"`
}

// Num wraps a number property value.
func Num(v float64) *float64 { return &v }

// PageRequest creates one row in a database.
type PageRequest struct {
	Parent     Parent                   `json:"parent"`
	Properties map[string]PropertyValue `json:"properties"`
}
