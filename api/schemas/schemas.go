package schemas

import (
	"fmt"
	"strings"
	"time"
)

// DateLayout is the calendar date format used on the wire and in artifact names.
const DateLayout = "2006-01-02"

// HierarchyOption is one entry of a cascade level, as offered by the portal.
type HierarchyOption struct {
	Code string `json:"code"`
	Name string `json:"name"`
}

// SelectionPath holds the chosen code for each cascade level, outermost first.
type SelectionPath []string

// Leaf returns the code chosen on the deepest level, or "" for an empty path.
func (p SelectionPath) Leaf() string {
	if len(p) == 0 {
		return ""
	}
	return p[len(p)-1]
}

// CaseType selects which cause list is searched.
type CaseType string

const (
	CaseTypeCivil    CaseType = "civil"
	CaseTypeCriminal CaseType = "criminal"
)

// ParseCaseType normalizes user input into a CaseType.
func ParseCaseType(s string) (CaseType, error) {
	switch CaseType(strings.ToLower(strings.TrimSpace(s))) {
	case CaseTypeCivil:
		return CaseTypeCivil, nil
	case CaseTypeCriminal:
		return CaseTypeCriminal, nil
	default:
		return "", fmt.Errorf("%w: unknown case type %q", ErrInvalidRequest, s)
	}
}

// CalendarDate is a time.Time that only carries a day and travels as YYYY-MM-DD.
type CalendarDate struct {
	time.Time
}

// NewCalendarDate truncates t to midnight UTC of the same calendar day.
func NewCalendarDate(t time.Time) CalendarDate {
	return CalendarDate{time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)}
}

// ParseCalendarDate parses a YYYY-MM-DD string.
func ParseCalendarDate(s string) (CalendarDate, error) {
	t, err := time.Parse(DateLayout, strings.TrimSpace(s))
	if err != nil {
		return CalendarDate{}, fmt.Errorf("%w: invalid date %q", ErrInvalidRequest, s)
	}
	return NewCalendarDate(t), nil
}

func (d CalendarDate) String() string { return d.Format(DateLayout) }

func (d CalendarDate) MarshalJSON() ([]byte, error) {
	return []byte(`"` + d.String() + `"`), nil
}

func (d *CalendarDate) UnmarshalJSON(b []byte) error {
	parsed, err := ParseCalendarDate(strings.Trim(string(b), `"`))
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// ScrapeRequest is the immutable set of parameters a session works towards.
type ScrapeRequest struct {
	Path     SelectionPath `json:"selection_path"`
	Date     CalendarDate  `json:"date"`
	CaseType CaseType      `json:"case_type"`
}

// Validate checks the request shape. It does not check codes against the portal.
func (r ScrapeRequest) Validate() error {
	if len(r.Path) == 0 {
		return fmt.Errorf("%w: selection_path must not be empty", ErrInvalidRequest)
	}
	for i, code := range r.Path {
		if strings.TrimSpace(code) == "" {
			return fmt.Errorf("%w: selection_path[%d] is empty", ErrInvalidRequest, i)
		}
	}
	if r.Date.IsZero() {
		return fmt.Errorf("%w: date is required", ErrInvalidRequest)
	}
	if _, err := ParseCaseType(string(r.CaseType)); err != nil {
		return err
	}
	return nil
}

// CauseListTable is one scraped result table. Rows may be shorter or longer than Headers.
type CauseListTable struct {
	Caption string     `json:"caption"`
	Headers []string   `json:"headers"`
	Rows    [][]string `json:"rows"`
}

// HasRows reports whether any of the tables carries at least one row.
func HasRows(tables []CauseListTable) bool {
	for _, t := range tables {
		if len(t.Rows) > 0 {
			return true
		}
	}
	return false
}

// SessionStatus is the externally visible lifecycle state of a scrape session.
type SessionStatus string

const (
	StatusPending             SessionStatus = "pending"
	StatusInitializing        SessionStatus = "initializing"
	StatusSelectingParameters SessionStatus = "selecting_parameters"
	StatusChallengePending    SessionStatus = "captcha_required"
	StatusProcessing          SessionStatus = "processing"
	StatusCompleted           SessionStatus = "completed"
	StatusErrored             SessionStatus = "error"
	StatusCancelled           SessionStatus = "cancelled"
)

// statusRank orders the non-terminal states. Terminal states share the highest rank.
var statusRank = map[SessionStatus]int{
	StatusPending:             0,
	StatusInitializing:        1,
	StatusSelectingParameters: 2,
	StatusChallengePending:    3,
	StatusProcessing:          4,
	StatusCompleted:           5,
	StatusErrored:             5,
	StatusCancelled:           5,
}

// IsTerminal reports whether no further transition may follow s.
func (s SessionStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusErrored || s == StatusCancelled
}

// CanTransition reports whether moving from s to next keeps the lifecycle monotonic.
// Any non-terminal state may move to Errored or Cancelled.
func (s SessionStatus) CanTransition(next SessionStatus) bool {
	if s.IsTerminal() {
		return false
	}
	from, ok := statusRank[s]
	if !ok {
		return false
	}
	to, ok := statusRank[next]
	if !ok {
		return false
	}
	return to > from
}

// SessionSnapshot is a point-in-time copy of a session, safe to hand to other goroutines.
type SessionSnapshot struct {
	ID          string           `json:"session_id"`
	Status      SessionStatus    `json:"status"`
	Message     string           `json:"message"`
	ErrorKind   ErrorKind        `json:"error_kind,omitempty"`
	Request     ScrapeRequest    `json:"request"`
	Tables      []CauseListTable `json:"tables,omitempty"`
	ArtifactRef string           `json:"artifact_ref,omitempty"`
	CreatedAt   time.Time        `json:"created_at"`
	UpdatedAt   time.Time        `json:"updated_at"`
}
