package models

// IdentifierKind tags how a book identifier was derived.
type IdentifierKind string

const (
	IdentifierASIN        IdentifierKind = "asin"
	IdentifierISBN        IdentifierKind = "isbn"
	IdentifierTitleAuthor IdentifierKind = "title_author"
)

// Identifier is a tagged identifier value. For title_author the value is the
// canonical composite "normalize(title)|normalize(author)".
type Identifier struct {
	Kind  IdentifierKind `json:"kind"`
	Value string         `json:"value"`
}

// String renders the identifier as kind:value for logs and dump files.
func (i Identifier) String() string {
	return string(i.Kind) + ":" + i.Value
}
