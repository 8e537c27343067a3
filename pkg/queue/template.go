package queue

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"text/template"
	"time"
)

// templateData is the value passed to payload and idempotency key templates.
type templateData struct {
	Name       string
	ScheduleID string
	FireTime   time.Time
	Unix       int64
}

var templateFuncs = template.FuncMap{
	"rfc3339": func(t time.Time) string { return t.UTC().Format(time.RFC3339) },
	"date":    func(t time.Time) string { return t.UTC().Format(time.DateOnly) },
	"json": func(v any) (string, error) {
		b, err := json.Marshal(v)
		return string(b), err
	},
}

// firingTemplates holds the parsed templates of one schedule definition.
type firingTemplates struct {
	payload *template.Template
	key     *template.Template // nil renders the default key
}

func parseTemplates(def *ScheduleDefinition) (*firingTemplates, error) {
	payload := def.PayloadTemplate
	if payload == "" {
		payload = "{}"
	}
	pt, err := template.New("payload").Funcs(templateFuncs).Option("missingkey=error").Parse(payload)
	if err != nil {
		return nil, &ScheduleConfigError{Name: def.Name, Field: "payload_template", Err: fmt.Errorf("%w: %v", ErrInvalidTemplate, err)}
	}

	ft := &firingTemplates{payload: pt}
	if def.IdempotencyKeyTemplate != "" {
		kt, err := template.New("idempotency_key").Funcs(templateFuncs).Option("missingkey=error").Parse(def.IdempotencyKeyTemplate)
		if err != nil {
			return nil, &ScheduleConfigError{Name: def.Name, Field: "idempotency_key_template", Err: fmt.Errorf("%w: %v", ErrInvalidTemplate, err)}
		}
		ft.key = kt
	}
	return ft, nil
}

func newTemplateData(def *ScheduleDefinition, fireTime time.Time) templateData {
	return templateData{
		Name:       def.Name,
		ScheduleID: def.ID.String(),
		FireTime:   fireTime.UTC(),
		Unix:       fireTime.Unix(),
	}
}

// render produces the job payload and idempotency key for one firing.
func (ft *firingTemplates) render(def *ScheduleDefinition, fireTime time.Time) (json.RawMessage, string, error) {
	data := newTemplateData(def, fireTime)

	var buf bytes.Buffer
	if err := ft.payload.Execute(&buf, data); err != nil {
		return nil, "", fmt.Errorf("%w: payload: %v", ErrInvalidTemplate, err)
	}
	payload := bytes.TrimSpace(buf.Bytes())
	if !json.Valid(payload) {
		return nil, "", fmt.Errorf("%w: payload is not valid JSON: %q", ErrInvalidTemplate, payload)
	}

	key := defaultFiringKey(def.Name, fireTime)
	if ft.key != nil {
		buf.Reset()
		if err := ft.key.Execute(&buf, data); err != nil {
			return nil, "", fmt.Errorf("%w: idempotency key: %v", ErrInvalidTemplate, err)
		}
		key = buf.String()
		if key == "" {
			return nil, "", fmt.Errorf("%w: idempotency key rendered empty", ErrInvalidTemplate)
		}
	}

	return json.RawMessage(bytes.Clone(payload)), key, nil
}

func defaultFiringKey(name string, fireTime time.Time) string {
	return "schedule:" + name + ":" + strconv.FormatInt(fireTime.Unix(), 10)
}
