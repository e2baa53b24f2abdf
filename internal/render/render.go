// Package render turns a content bundle into an e-mail subject, a plain-text
// (markdown) body and an HTML body.
package render

import (
	"bytes"
	"fmt"
	"strings"
	"text/template"
	"time"

	"digestd/internal/digest"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
	"github.com/yuin/goldmark/renderer/html"
)

// Message is a rendered digest.
type Message struct {
	Subject string
	Text    string // markdown, doubles as the text/plain part
	HTML    string
}

type Options struct {
	// ProductName prefixes subjects; empty means "Digest".
	ProductName string
}

type Renderer struct {
	product string
	body    *template.Template
	md      goldmark.Markdown
}

func New(opts Options) (*Renderer, error) {
	product := strings.TrimSpace(opts.ProductName)
	if product == "" {
		product = "Digest"
	}
	tpl, err := template.New("body").Funcs(template.FuncMap{
		"md":   escapeMarkdown,
		"link": link,
	}).Parse(bodyTemplate)
	if err != nil {
		return nil, err
	}
	return &Renderer{
		product: product,
		body:    tpl,
		md: goldmark.New(
			goldmark.WithExtensions(extension.GFM),
			goldmark.WithRendererOptions(html.WithHardWraps()),
		),
	}, nil
}

type section struct {
	Title string
	Lines []line
	// More counts matches beyond the listed lines.
	More int
}

type line struct {
	Title  string
	URL    string
	Detail string
	When   string
}

type view struct {
	Heading  string
	Sections []section
	Pipeline *digest.PipelineSummary
	BaseURL  string
}

// Render builds the message. Item links are resolved against baseURL and
// times are shown in the bundle's timezone.
func (r *Renderer) Render(b digest.ContentBundle, baseURL string) (Message, error) {
	loc, err := digest.LoadLocation(b.Timezone)
	if err != nil {
		loc = time.UTC
	}
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")

	v := view{Heading: heading(b.Cadence), Pipeline: b.Pipeline, BaseURL: baseURL}
	add := func(title string, cat digest.Category, items []digest.Item, layout string) {
		if len(items) == 0 {
			return
		}
		s := section{Title: title, More: max(b.ItemCounts[cat]-len(items), 0)}
		for _, it := range items {
			l := line{Title: it.Title, URL: it.URL, Detail: it.Detail}
			if it.URL != "" && baseURL != "" && strings.HasPrefix(it.URL, "/") {
				l.URL = baseURL + it.URL
			}
			if !it.At.IsZero() {
				l.When = it.At.In(loc).Format(layout)
			}
			s.Lines = append(s.Lines, l)
		}
		v.Sections = append(v.Sections, s)
	}
	add("Upcoming appointments", digest.CategoryAppointments, b.Appointments, "Mon 15:04")
	add("Follow-ups due", digest.CategoryFollowups, b.Followups, "Mon Jan 2")
	add("Deals going stale", digest.CategoryStaleDeals, b.StaleDeals, "Jan 2")
	add("Recent wins", digest.CategoryWins, b.Wins, "Mon Jan 2")

	var text bytes.Buffer
	if err := r.body.Execute(&text, v); err != nil {
		return Message{}, fmt.Errorf("render body: %w", err)
	}
	var out bytes.Buffer
	if err := r.md.Convert(text.Bytes(), &out); err != nil {
		return Message{}, fmt.Errorf("render html: %w", err)
	}
	return Message{
		Subject: r.subject(b),
		Text:    text.String(),
		HTML:    "<!doctype html>\n<html><body>\n" + out.String() + "</body></html>\n",
	}, nil
}

func (r *Renderer) subject(b digest.ContentBundle) string {
	n := b.Total()
	noun, verb := "items", "need"
	if n == 1 {
		noun, verb = "item", "needs"
	}
	switch b.Cadence {
	case digest.CadenceImmediate:
		return fmt.Sprintf("%s: %d new %s %s your attention", r.product, n, noun, verb)
	case digest.CadenceWeekly:
		return fmt.Sprintf("%s: your weekly digest (%d %s)", r.product, n, noun)
	default:
		return fmt.Sprintf("%s: your daily digest (%d %s)", r.product, n, noun)
	}
}

func heading(c digest.Cadence) string {
	switch c {
	case digest.CadenceImmediate:
		return "New activity"
	case digest.CadenceWeekly:
		return "Your week at a glance"
	default:
		return "Your day at a glance"
	}
}

const bodyTemplate = `# {{ .Heading }}
{{ range .Sections }}
## {{ .Title }}
{{ range .Lines }}
- {{ link .Title .URL }}{{ if .When }} ({{ .When }}){{ end }}{{ if .Detail }}: {{ md .Detail }}{{ end }}
{{- end }}
{{- if .More }}
- and {{ .More }} more
{{- end }}
{{ end }}
{{- with .Pipeline }}
## Pipeline

| Open deals | Open value | Won this week | Lost this week |
|---:|---:|---:|---:|
| {{ .OpenDeals }} | {{ printf "%.2f" .OpenValue }} | {{ .WonThisWk }} | {{ .LostThisWk }} |
{{ end }}
{{- if .BaseURL }}
[Manage digest settings]({{ .BaseURL }}/settings/digest)
{{ end }}`

var mdEscaper = strings.NewReplacer(
	`\`, `\\`, "`", "\\`", `*`, `\*`, `_`, `\_`,
	`[`, `\[`, `]`, `\]`, `<`, `\<`, `>`, `\>`,
	`#`, `\#`, `|`, `\|`,
)

func escapeMarkdown(s string) string { return mdEscaper.Replace(s) }

func link(title, url string) string {
	t := escapeMarkdown(title)
	if url == "" {
		return t
	}
	return "[" + t + "](" + strings.ReplaceAll(url, ")", "%29") + ")"
}
