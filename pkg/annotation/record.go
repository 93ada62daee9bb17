// Package annotation defines the annotation data model and the wire
// envelope exchanged over the push channel. Anchors are stored as
// page-relative fractions so a record renders correctly at any zoom level.
package annotation

import (
	"errors"
	"fmt"
	"time"
)

// Scope identifies the partition an annotation belongs to. Exactly one
// scope applies to a record; it determines which clients receive it.
type Scope string

const (
	ScopeProject    Scope = "project"
	ScopeCollection Scope = "collection"
	ScopeDocument   Scope = "document"
)

// Valid reports whether s is a known scope.
func (s Scope) Valid() bool {
	switch s {
	case ScopeProject, ScopeCollection, ScopeDocument:
		return true
	}
	return false
}

// Kind is the visual/textual flavor of an annotation.
type Kind string

const (
	KindHighlight     Kind = "highlight"
	KindUnderline     Kind = "underline"
	KindStrikethrough Kind = "strikethrough"
	KindStickyNote    Kind = "sticky-note"
	KindFreeformNote  Kind = "free-form-note"
)

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	switch k {
	case KindHighlight, KindUnderline, KindStrikethrough, KindStickyNote, KindFreeformNote:
		return true
	}
	return false
}

// Visual reports whether k marks up a text selection. Visual kinds must
// carry an anchor; note kinds may be scope-only and unanchored.
func (k Kind) Visual() bool {
	switch k {
	case KindHighlight, KindUnderline, KindStrikethrough:
		return true
	}
	return false
}

// Priority is a small closed enumeration, defaulted to PriorityNormal.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
)

// Status tracks whether a discussion on a record is settled.
type Status string

const (
	StatusOpen     Status = "open"
	StatusResolved Status = "resolved"
)

// Anchor is the normalized, scale-independent location of a region on a
// page. X/Y/Width/Height are fractions in [0,1] of the page's intrinsic
// rendered size at capture time; PageWidthPx/PageHeightPx record that
// size for audit. Pages are 1-based. This layout is the wire contract:
// fraction semantics and page numbering must be preserved bit-exact for
// cross-client compatibility.
type Anchor struct {
	Page         int     `json:"page"`
	X            float64 `json:"x"`
	Y            float64 `json:"y"`
	Width        float64 `json:"width"`
	Height       float64 `json:"height"`
	PageWidthPx  float64 `json:"pageWidthPx"`
	PageHeightPx float64 `json:"pageHeightPx"`
}

// Validate checks the anchor invariants.
func (a Anchor) Validate() error {
	if a.Page < 1 {
		return fmt.Errorf("anchor page must be >= 1, got %d", a.Page)
	}
	for _, f := range []struct {
		name  string
		value float64
	}{
		{"x", a.X}, {"y", a.Y}, {"width", a.Width}, {"height", a.Height},
	} {
		if f.value < 0 || f.value > 1 {
			return fmt.Errorf("anchor %s must be in [0,1], got %g", f.name, f.value)
		}
	}
	return nil
}

// ActionItem is a checklist entry attached to a record.
type ActionItem struct {
	Text      string `json:"text"`
	Completed bool   `json:"completed"`
}

// Record is the unit of persisted annotation state. The server assigns
// IDs on durable creation; a client holds a temporary local id until the
// server id is confirmed.
type Record struct {
	ID             string       `json:"id"`
	Scope          Scope        `json:"scope"`
	DocumentID     string       `json:"documentId,omitempty"`
	CollectionID   string       `json:"collectionId,omitempty"`
	Kind           Kind         `json:"kind"`
	Anchor         *Anchor      `json:"anchor,omitempty"`
	Text           string       `json:"text"`
	SelectedText   string       `json:"selectedText,omitempty"`
	Color          string       `json:"color,omitempty"`
	Tags           []string     `json:"tags,omitempty"`
	ActionItems    []ActionItem `json:"actionItems,omitempty"`
	ThreadParentID string       `json:"threadParentId,omitempty"`
	Priority       Priority     `json:"priority,omitempty"`
	Status         Status       `json:"status,omitempty"`
	CreatedAt      time.Time    `json:"createdAt"`
	UpdatedAt      time.Time    `json:"updatedAt"`
	AuthorID       string       `json:"authorId"`
}

// ScopeID returns the identifier of the partition the record belongs to:
// the document id for document scope, the collection id for collection
// scope, and empty for project-wide records.
func (r *Record) ScopeID() string {
	switch r.Scope {
	case ScopeDocument:
		return r.DocumentID
	case ScopeCollection:
		return r.CollectionID
	}
	return ""
}

// IsReply reports whether the record references a thread parent.
func (r *Record) IsReply() bool {
	return r.ThreadParentID != ""
}

// Validate checks the cross-field invariants of a record. Defaults are
// not applied here; see ApplyDefaults.
func (r *Record) Validate() error {
	if !r.Scope.Valid() {
		return fmt.Errorf("unknown scope %q", r.Scope)
	}
	if !r.Kind.Valid() {
		return fmt.Errorf("unknown kind %q", r.Kind)
	}
	if r.Scope == ScopeDocument && r.DocumentID == "" {
		return errors.New("document-scoped record requires documentId")
	}
	if r.Scope == ScopeCollection && r.CollectionID == "" {
		return errors.New("collection-scoped record requires collectionId")
	}
	if r.Kind.Visual() && r.Anchor == nil {
		return fmt.Errorf("%s requires an anchor", r.Kind)
	}
	if r.Anchor != nil {
		if r.Scope != ScopeDocument {
			return errors.New("anchored record must be document-scoped")
		}
		if err := r.Anchor.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// ApplyDefaults fills zero-valued enumerations.
func (r *Record) ApplyDefaults() {
	if r.Priority == "" {
		r.Priority = PriorityNormal
	}
	if r.Status == "" {
		r.Status = StatusOpen
	}
}

// Clone returns a deep copy of the record.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	out := *r
	if r.Anchor != nil {
		a := *r.Anchor
		out.Anchor = &a
	}
	if r.Tags != nil {
		out.Tags = append([]string(nil), r.Tags...)
	}
	if r.ActionItems != nil {
		out.ActionItems = append([]ActionItem(nil), r.ActionItems...)
	}
	return &out
}
