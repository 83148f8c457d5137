package domain

import (
	"sort"
	"strings"
	"time"
	"unicode/utf8"
)

const (
	MaxTitleLength       = 200
	MaxDescriptionLength = 2000
)

// Priority is the urgency of a task.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
)

func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityMedium, PriorityHigh:
		return true
	}
	return false
}

// Category classifies the kind of work a task represents.
type Category string

const (
	CategoryFeature       Category = "feature"
	CategoryBug           Category = "bug"
	CategoryEnhancement   Category = "enhancement"
	CategoryDocumentation Category = "documentation"
	CategoryOther         Category = "other"
)

func (c Category) Valid() bool {
	switch c {
	case CategoryFeature, CategoryBug, CategoryEnhancement, CategoryDocumentation, CategoryOther:
		return true
	}
	return false
}

// Column is the board lane a task sits in.
type Column string

const (
	ColumnTodo       Column = "todo"
	ColumnInProgress Column = "inprogress"
	ColumnDone       Column = "done"
)

// Columns lists the board lanes in display order.
var Columns = []Column{ColumnTodo, ColumnInProgress, ColumnDone}

func (c Column) Valid() bool {
	return c.Rank() >= 0
}

// Rank is the display position of the column, or -1 when unknown.
func (c Column) Rank() int {
	for i, col := range Columns {
		if col == c {
			return i
		}
	}
	return -1
}

// Attachment references an uploaded file.
type Attachment struct {
	Filename     string `json:"filename"`
	OriginalName string `json:"originalName"`
	URL          string `json:"url"`
	MimeType     string `json:"mimetype"`
	Size         int64  `json:"size"`
}

// Task is the canonical board item as committed in the task store.
type Task struct {
	ID          string       `json:"id"`
	UserID      string       `json:"userId"`
	Title       string       `json:"title"`
	Description string       `json:"description"`
	Priority    Priority     `json:"priority"`
	Category    Category     `json:"category"`
	Column      Column       `json:"column"`
	Attachments []Attachment `json:"attachments"`
	Order       float64      `json:"order"`
	CreatedAt   time.Time    `json:"createdAt"`
	UpdatedAt   time.Time    `json:"updatedAt"`
}

// TaskFields carries the user supplied fields of a new task. Nil means omitted.
type TaskFields struct {
	Title       *string      `json:"title"`
	Description *string      `json:"description"`
	Priority    *Priority    `json:"priority"`
	Category    *Category    `json:"category"`
	Column      *Column      `json:"column"`
	Attachments []Attachment `json:"attachments"`
	Order       *float64     `json:"order"`
}

// TaskPatch carries a partial update. Only non-nil fields are merged.
type TaskPatch struct {
	Title       *string       `json:"title"`
	Description *string       `json:"description"`
	Priority    *Priority     `json:"priority"`
	Category    *Category     `json:"category"`
	Column      *Column       `json:"column"`
	Attachments *[]Attachment `json:"attachments"`
	Order       *float64      `json:"order"`
}

// Empty reports whether the patch changes nothing.
func (p TaskPatch) Empty() bool {
	return p.Title == nil && p.Description == nil && p.Priority == nil && p.Category == nil &&
		p.Column == nil && p.Attachments == nil && p.Order == nil
}

// NewTask validates fields and builds a task with defaults applied. Identity
// and timestamps are left to the store.
func NewTask(userID string, f TaskFields) (Task, error) {
	t := Task{
		UserID:      userID,
		Priority:    PriorityMedium,
		Category:    CategoryFeature,
		Column:      ColumnTodo,
		Attachments: []Attachment{},
	}
	if f.Title == nil {
		return Task{}, &ValidationError{Field: "title", Message: "Task title is required"}
	}
	t.Title = *f.Title
	if f.Description != nil {
		t.Description = *f.Description
	}
	if f.Priority != nil {
		t.Priority = *f.Priority
	}
	if f.Category != nil {
		t.Category = *f.Category
	}
	if f.Column != nil {
		t.Column = *f.Column
	}
	if f.Attachments != nil {
		t.Attachments = append([]Attachment(nil), f.Attachments...)
	}
	if f.Order != nil {
		t.Order = *f.Order
	}
	if err := t.Normalize(); err != nil {
		return Task{}, err
	}
	return t, nil
}

// Apply merges the patch into a copy of the task and validates the result.
func (t Task) Apply(p TaskPatch) (Task, error) {
	out := t
	if p.Title != nil {
		out.Title = *p.Title
	}
	if p.Description != nil {
		out.Description = *p.Description
	}
	if p.Priority != nil {
		out.Priority = *p.Priority
	}
	if p.Category != nil {
		out.Category = *p.Category
	}
	if p.Column != nil {
		out.Column = *p.Column
	}
	if p.Attachments != nil {
		out.Attachments = append([]Attachment{}, (*p.Attachments)...)
	}
	if p.Order != nil {
		out.Order = *p.Order
	}
	if err := out.Normalize(); err != nil {
		return Task{}, err
	}
	return out, nil
}

// Normalize trims text fields and checks every invariant of a stored task.
func (t *Task) Normalize() error {
	t.Title = strings.TrimSpace(t.Title)
	t.Description = strings.TrimSpace(t.Description)
	if t.Title == "" {
		return &ValidationError{Field: "title", Message: "Task title is required"}
	}
	if utf8.RuneCountInString(t.Title) > MaxTitleLength {
		return &ValidationError{Field: "title", Message: "Title cannot exceed 200 characters"}
	}
	if utf8.RuneCountInString(t.Description) > MaxDescriptionLength {
		return &ValidationError{Field: "description", Message: "Description cannot exceed 2000 characters"}
	}
	if !t.Priority.Valid() {
		return &ValidationError{Field: "priority", Message: "Invalid priority: " + string(t.Priority)}
	}
	if !t.Category.Valid() {
		return &ValidationError{Field: "category", Message: "Invalid category: " + string(t.Category)}
	}
	if !t.Column.Valid() {
		return &ValidationError{Field: "column", Message: "Invalid column: " + string(t.Column)}
	}
	if t.Attachments == nil {
		t.Attachments = []Attachment{}
	}
	return nil
}

// SortTasks orders tasks by column rank then order. CreatedAt and ID only keep
// the output deterministic for equal order values.
func SortTasks(tasks []Task) {
	sort.SliceStable(tasks, func(i, j int) bool {
		a, b := tasks[i], tasks[j]
		if ra, rb := a.Column.Rank(), b.Column.Rank(); ra != rb {
			return ra < rb
		}
		if a.Order != b.Order {
			return a.Order < b.Order
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})
}
