package batch

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/noah-isme/sma-adp-console/internal/models"
)

// FieldKind decides how a field is validated and serialised.
type FieldKind string

const (
	FieldNumeric FieldKind = "numeric"
	FieldChoice  FieldKind = "choice"
	FieldText    FieldKind = "text"
)

// FieldSpec declares one editable field of a sheet row.
type FieldSpec struct {
	Name    string    `json:"name"`
	Kind    FieldKind `json:"kind"`
	Min     float64   `json:"min,omitempty"`
	Max     float64   `json:"max,omitempty"`
	Choices []string  `json:"choices,omitempty"`
	MaxLen  int       `json:"max_len,omitempty"`
}

// Schema describes the rows of one sheet kind.
type Schema struct {
	Kind          models.SheetKind `json:"kind"`
	IdentityKey   string           `json:"identity_key"`
	Primary       FieldSpec        `json:"primary"`
	Secondary     []FieldSpec      `json:"secondary"`
	RequiredScope []string         `json:"required_scope"`
}

// Attendance statuses accepted by the attendance sheet.
var AttendanceStatuses = []string{"present", "absent", "late", "excused"}

// ResultsSchema is the result-entry sheet: one score and remark per student.
func ResultsSchema(minScore, maxScore float64) Schema {
	return Schema{
		Kind:        models.SheetKindResults,
		IdentityKey: "student_id",
		Primary:     FieldSpec{Name: "score", Kind: FieldNumeric, Min: minScore, Max: maxScore},
		Secondary: []FieldSpec{
			{Name: "remarks", Kind: FieldText, MaxLen: 255},
		},
		RequiredScope: []string{"session_id", "term_id", "class_id", "arm_id", "subject_id"},
	}
}

// AttendanceSchema is the daily attendance sheet.
func AttendanceSchema() Schema {
	return Schema{
		Kind:        models.SheetKindAttendance,
		IdentityKey: "student_id",
		Primary:     FieldSpec{Name: "status", Kind: FieldChoice, Choices: AttendanceStatuses},
		Secondary: []FieldSpec{
			{Name: "remarks", Kind: FieldText, MaxLen: 255},
		},
		RequiredScope: []string{"class_id", "arm_id", "date"},
	}
}

// Fields lists the primary field followed by the secondary ones.
func (s Schema) Fields() []FieldSpec {
	fields := make([]FieldSpec, 0, len(s.Secondary)+1)
	fields = append(fields, s.Primary)
	return append(fields, s.Secondary...)
}

// Field looks a field up by name.
func (s Schema) Field(name string) (FieldSpec, bool) {
	for _, f := range s.Fields() {
		if f.Name == name {
			return f, true
		}
	}
	return FieldSpec{}, false
}

// Filter is the scope a sheet is loaded for, e.g. class_id, term_id.
type Filter map[string]string

// Normalize trims keys and values and drops empty values.
func (f Filter) Normalize() Filter {
	out := make(Filter, len(f))
	for k, v := range f {
		k = strings.TrimSpace(k)
		v = models.NormalizeID(v)
		if k != "" && v != "" {
			out[k] = v
		}
	}
	return out
}

// Missing returns the required keys without a value, in schema order.
func (s Schema) Missing(filter Filter) []string {
	var missing []string
	for _, key := range s.RequiredScope {
		if strings.TrimSpace(filter[key]) == "" {
			missing = append(missing, key)
		}
	}
	return missing
}

// Key renders the filter deterministically, for logs and cache keys.
func (f Filter) Key() string {
	keys := make([]string, 0, len(f))
	for k := range f {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%s", k, f[k]))
	}
	return strings.Join(parts, "&")
}

// Entry is one changed row in a batch submission.
type Entry struct {
	IdentityKey string
	Identity    string
	Values      map[string]interface{}
}

// MarshalJSON renders the entry flat, e.g. {"student_id":2,"score":88,"remarks":null}.
// Integer identities travel as JSON numbers; any other identity stays a string.
func (e Entry) MarshalJSON() ([]byte, error) {
	flat := make(map[string]interface{}, len(e.Values)+1)
	for k, v := range e.Values {
		flat[k] = v
	}
	key := e.IdentityKey
	if key == "" {
		key = "id"
	}
	flat[key] = identityValue(e.Identity)
	return json.Marshal(flat)
}

func identityValue(identity string) interface{} {
	n, err := strconv.ParseInt(identity, 10, 64)
	if err != nil || strconv.FormatInt(n, 10) != identity {
		return identity
	}
	return json.Number(identity)
}
