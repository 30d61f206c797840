package notify

import (
	"bytes"
	"fmt"
	"strings"
	"text/template"

	"github.com/pitabwire/grcflow/model"
)

type messageTemplate struct {
	subject *template.Template
	body    *template.Template
}

var templateFuncs = template.FuncMap{
	"humanize": func(s any) string { return strings.ReplaceAll(fmt.Sprint(s), "_", " ") },
}

func mustTemplate(name, subject, body string) messageTemplate {
	return messageTemplate{
		subject: template.Must(template.New(name + ".subject").Funcs(templateFuncs).Parse(subject)),
		body:    template.Must(template.New(name + ".body").Funcs(templateFuncs).Parse(body)),
	}
}

var templates = map[string]messageTemplate{
	model.EventInstanceStarted: mustTemplate(model.EventInstanceStarted,
		`{{humanize .P.type_id}} started`,
		`A {{humanize .P.type_id}} workflow was started for {{.P.subject_entity_type}} {{.P.subject_entity_id}} and is now in {{.P.state}}.`),
	model.EventStateChanged: mustTemplate(model.EventStateChanged,
		`{{humanize .P.type_id}} moved to {{.P.to}}`,
		`{{.P.triggered_by}} applied {{.P.transition}}: {{.P.from}} -> {{.P.to}}.{{if .P.reason}} Reason: {{.P.reason}}{{end}}`),
	model.EventInstanceCompleted: mustTemplate(model.EventInstanceCompleted,
		`{{humanize .P.type_id}} completed`,
		`The {{humanize .P.type_id}} workflow for {{.P.subject_entity_type}} {{.P.subject_entity_id}} completed in {{.P.state}}.`),
	model.EventInstanceCancelled: mustTemplate(model.EventInstanceCancelled,
		`{{humanize .P.type_id}} cancelled`,
		`The {{humanize .P.type_id}} workflow was cancelled.{{if .P.reason}} Reason: {{.P.reason}}{{end}}`),
	model.EventTaskCreated: mustTemplate(model.EventTaskCreated,
		`New task: {{.P.task_name}}`,
		`Task "{{.P.task_name}}" was created{{if .P.due_at}}, due {{.P.due_at}}{{end}}.`),
	model.EventTaskClaimed: mustTemplate(model.EventTaskClaimed,
		`Task claimed: {{.P.task_name}}`,
		`Task "{{.P.task_name}}" was claimed.`),
	model.EventTaskCompleted: mustTemplate(model.EventTaskCompleted,
		`Task completed: {{.P.task_name}}`,
		`Task "{{.P.task_name}}" was completed.`),
	model.EventTaskReassigned: mustTemplate(model.EventTaskReassigned,
		`Task reassigned: {{.P.task_name}}`,
		`Task "{{.P.task_name}}" was reassigned.{{if .P.reason}} Reason: {{.P.reason}}{{end}}`),
	model.EventTaskEscalated: mustTemplate(model.EventTaskEscalated,
		`Overdue task escalated: {{.P.task_name}}`,
		`Task "{{.P.task_name}}" passed its due date and was escalated to level {{.P.escalation_level}} ({{.P.escalated_to}}).`),
	model.EventApprovalDecided: mustTemplate(model.EventApprovalDecided,
		`{{.P.level}} approval: {{.P.decision}}`,
		`{{.P.decided_by}} recorded {{.P.decision}} at the {{.P.level}} level.{{if .P.comment}} Comment: {{.P.comment}}{{end}}`),
	model.EventEscalationInterventionRequired: mustTemplate(model.EventEscalationInterventionRequired,
		`Manual intervention required: {{.P.task_name}}`,
		`Task "{{.P.task_name}}" is still overdue at the highest escalation level ({{.P.escalation_level}}).`),
}

var fallbackTemplate = mustTemplate("event",
	`{{humanize .E.Type}}`,
	`Workflow event {{.E.Type}} on instance {{.E.InstanceID}}.`)

// Render builds the subject and body for an event.
func Render(evt model.Event) (subject, body string, err error) {
	tmpl, ok := templates[evt.Type]
	if !ok {
		tmpl = fallbackTemplate
	}
	data := struct {
		E model.Event
		P map[string]any
	}{E: evt, P: evt.Payload}
	if data.P == nil {
		data.P = map[string]any{}
	}

	var sb, bb bytes.Buffer
	if err := tmpl.subject.Execute(&sb, data); err != nil {
		return "", "", fmt.Errorf("render subject for %s: %w", evt.Type, err)
	}
	if err := tmpl.body.Execute(&bb, data); err != nil {
		return "", "", fmt.Errorf("render body for %s: %w", evt.Type, err)
	}
	return sb.String(), bb.String(), nil
}
