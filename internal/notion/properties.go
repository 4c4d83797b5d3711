package notion

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/agentworkforce/operatorsync/internal/workup"
)

type PropertyType string

const (
	PropertyTitle    PropertyType = "title"
	PropertyRichText PropertyType = "rich_text"
	PropertySelect   PropertyType = "select"
	PropertyStatus   PropertyType = "status"
	PropertyDate     PropertyType = "date"
)

// Notion rejects rich text objects longer than this many characters.
const maxTextChunk = 2000

type Property struct {
	Name string       `json:"name" yaml:"name"`
	Type PropertyType `json:"type" yaml:"type"`
}

// PropertyMap binds each workup field to a column of the remote database.
type PropertyMap map[workup.FieldName]Property

func DefaultPropertyMap() PropertyMap {
	return PropertyMap{
		workup.FieldPatient:       {Name: "Patient", Type: PropertyTitle},
		workup.FieldStatus:        {Name: "Status", Type: PropertyStatus},
		workup.FieldCategory:      {Name: "Category", Type: PropertySelect},
		workup.FieldReferrer:      {Name: "Referrer", Type: PropertyRichText},
		workup.FieldLocation:      {Name: "Location", Type: PropertySelect},
		workup.FieldReferralDate:  {Name: "Referral Date", Type: PropertyDate},
		workup.FieldProcedureDate: {Name: "Procedure Date", Type: PropertyDate},
		workup.FieldNotes:         {Name: "Notes", Type: PropertyRichText},
	}
}

// Encode renders fields as a Notion properties object. Empty status values
// are omitted because Notion cannot clear a status column.
func (m PropertyMap) Encode(fields workup.Fields) map[string]any {
	out := make(map[string]any, len(m))
	for _, name := range workup.SyncFields {
		prop, ok := m[name]
		if !ok {
			continue
		}
		value := strings.TrimSpace(fields.Get(name))
		switch prop.Type {
		case PropertyTitle:
			out[prop.Name] = map[string]any{"title": textChunks(value)}
		case PropertyRichText:
			out[prop.Name] = map[string]any{"rich_text": textChunks(value)}
		case PropertySelect:
			if value == "" {
				out[prop.Name] = map[string]any{"select": nil}
			} else {
				out[prop.Name] = map[string]any{"select": map[string]string{"name": value}}
			}
		case PropertyStatus:
			if value != "" {
				out[prop.Name] = map[string]any{"status": map[string]string{"name": value}}
			}
		case PropertyDate:
			if value == "" {
				out[prop.Name] = map[string]any{"date": nil}
			} else {
				out[prop.Name] = map[string]any{"date": map[string]string{"start": value}}
			}
		}
	}
	return out
}

func textChunks(value string) []map[string]any {
	chunks := []map[string]any{}
	runes := []rune(value)
	for len(runes) > 0 {
		n := len(runes)
		if n > maxTextChunk {
			n = maxTextChunk
		}
		chunks = append(chunks, map[string]any{
			"type": "text",
			"text": map[string]string{"content": string(runes[:n])},
		})
		runes = runes[n:]
	}
	return chunks
}

type richText struct {
	PlainText string `json:"plain_text"`
	Text      *struct {
		Content string `json:"content"`
	} `json:"text,omitempty"`
}

type namedOption struct {
	Name string `json:"name"`
}

type dateValue struct {
	Start string `json:"start"`
}

type propertyValue struct {
	Type     string       `json:"type"`
	Title    []richText   `json:"title"`
	RichText []richText   `json:"rich_text"`
	Select   *namedOption `json:"select"`
	Status   *namedOption `json:"status"`
	Date     *dateValue   `json:"date"`
}

// Decode reads fields out of a Notion properties object. Missing or
// malformed columns decode as empty values.
func (m PropertyMap) Decode(props map[string]json.RawMessage) workup.Fields {
	var fields workup.Fields
	for _, name := range workup.SyncFields {
		prop, ok := m[name]
		if !ok {
			continue
		}
		raw, ok := props[prop.Name]
		if !ok {
			continue
		}
		var v propertyValue
		if err := json.Unmarshal(raw, &v); err != nil {
			continue
		}
		var value string
		switch prop.Type {
		case PropertyTitle:
			value = joinText(v.Title)
		case PropertyRichText:
			value = joinText(v.RichText)
		case PropertySelect:
			if v.Select != nil {
				value = v.Select.Name
			}
		case PropertyStatus:
			if v.Status != nil {
				value = v.Status.Name
			}
		case PropertyDate:
			if v.Date != nil {
				value = calendarDate(v.Date.Start)
			}
		}
		fields.Set(name, strings.TrimSpace(value))
	}
	return fields
}

func joinText(parts []richText) string {
	var b strings.Builder
	for _, p := range parts {
		if p.PlainText != "" {
			b.WriteString(p.PlainText)
			continue
		}
		if p.Text != nil {
			b.WriteString(p.Text.Content)
		}
	}
	return b.String()
}

// calendarDate trims a Notion datetime down to its calendar date.
func calendarDate(start string) string {
	start = strings.TrimSpace(start)
	if len(start) < len("2006-01-02") {
		return start
	}
	if _, err := time.Parse("2006-01-02", start[:10]); err != nil {
		return start
	}
	return start[:10]
}
