package notify

import (
	"bytes"
	"fmt"
	"text/template"
)

// Message is a rendered notification.
type Message struct {
	ID      string
	Subject string
	Body    string
	Status  VerifyStatus
}

var (
	subjectTmpl = template.Must(template.New("subject").Parse(
		`Verify Datastore '{{.Store}}' {{if .OK}}successful{{else}}failed{{end}}`))

	bodyTmpl = template.Must(template.New("body").Parse(`Job ID:    {{.JobID}}
Datastore: {{.Store}}
{{- if .Comment}}
Comment:   {{.Comment}}
{{- end}}
Task:      {{.TaskID}}
{{if .OK}}
Verification successful.
{{- else}}
Verification failed: {{.Error}}
{{- if .Aborted}}
The job was aborted before all snapshots were checked.
{{- end}}
{{- if .Failed}}

Failed to verify the following snapshots/groups:
{{range .Failed}}
	{{.}}
{{- end}}
{{- end}}
{{- end}}
`))
)

func render(status VerifyStatus) (subject, body string, err error) {
	var sb, bb bytes.Buffer
	if err := subjectTmpl.Execute(&sb, status); err != nil {
		return "", "", fmt.Errorf("render subject: %w", err)
	}
	if err := bodyTmpl.Execute(&bb, status); err != nil {
		return "", "", fmt.Errorf("render body: %w", err)
	}
	return sb.String(), bb.String(), nil
}
