package workup

import "strings"

// FieldName identifies one synchronizable field. The set is closed:
// adding a field means adding it to Fields, SyncFields and the switches
// below together.
type FieldName string

const (
	FieldPatient       FieldName = "patient"
	FieldStatus        FieldName = "status"
	FieldCategory      FieldName = "category"
	FieldReferrer      FieldName = "referrer"
	FieldLocation      FieldName = "location"
	FieldReferralDate  FieldName = "referralDate"
	FieldProcedureDate FieldName = "procedureDate"
	FieldNotes         FieldName = "notes"
)

// SyncFields lists every synchronizable field in display order.
var SyncFields = []FieldName{
	FieldPatient,
	FieldStatus,
	FieldCategory,
	FieldReferrer,
	FieldLocation,
	FieldReferralDate,
	FieldProcedureDate,
	FieldNotes,
}

// Fields is the snapshot mirrored to and from the remote database. Dates
// are ISO calendar dates (2006-01-02) or empty.
type Fields struct {
	Patient       string `json:"patient"`
	Status        string `json:"status"`
	Category      string `json:"category"`
	Referrer      string `json:"referrer"`
	Location      string `json:"location"`
	ReferralDate  string `json:"referralDate"`
	ProcedureDate string `json:"procedureDate"`
	Notes         string `json:"notes"`
}

func (f Fields) Get(name FieldName) string {
	switch name {
	case FieldPatient:
		return f.Patient
	case FieldStatus:
		return f.Status
	case FieldCategory:
		return f.Category
	case FieldReferrer:
		return f.Referrer
	case FieldLocation:
		return f.Location
	case FieldReferralDate:
		return f.ReferralDate
	case FieldProcedureDate:
		return f.ProcedureDate
	case FieldNotes:
		return f.Notes
	default:
		return ""
	}
}

// Set assigns one field and reports whether name is known.
func (f *Fields) Set(name FieldName, value string) bool {
	switch name {
	case FieldPatient:
		f.Patient = value
	case FieldStatus:
		f.Status = value
	case FieldCategory:
		f.Category = value
	case FieldReferrer:
		f.Referrer = value
	case FieldLocation:
		f.Location = value
	case FieldReferralDate:
		f.ReferralDate = value
	case FieldProcedureDate:
		f.ProcedureDate = value
	case FieldNotes:
		f.Notes = value
	default:
		return false
	}
	return true
}

// Normalize trims surrounding whitespace from every field. The remote
// database does not keep it, so stored values never carry it either.
func (f Fields) Normalize() Fields {
	for _, name := range SyncFields {
		f.Set(name, strings.TrimSpace(f.Get(name)))
	}
	return f
}

func IsSyncField(name FieldName) bool {
	for _, f := range SyncFields {
		if f == name {
			return true
		}
	}
	return false
}

// DiffFields returns the fields whose values differ, in SyncFields order.
func DiffFields(a, b Fields) []FieldName {
	var out []FieldName
	for _, name := range SyncFields {
		if a.Get(name) != b.Get(name) {
			out = append(out, name)
		}
	}
	return out
}

// FieldValues is a partial field snapshot keyed by name.
type FieldValues map[FieldName]string

func ValuesOf(f Fields, names []FieldName) FieldValues {
	out := make(FieldValues, len(names))
	for _, name := range names {
		out[name] = f.Get(name)
	}
	return out
}

// ApplyValues returns f with every known field in values overwritten.
func ApplyValues(f Fields, values FieldValues) Fields {
	for name, value := range values {
		f.Set(name, value)
	}
	return f
}
