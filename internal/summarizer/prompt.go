package summarizer

import (
	"errors"
	"strings"
	"time"

	"github.com/l0p7/newsdigest/internal/templates"
)

// DefaultPromptTemplate asks for a strategic ad tech briefing in Markdown.
const DefaultPromptTemplate = `You are a senior advertising technology analyst.
Read the news items below and write a strategic summary in Markdown for
executives. Group related stories, explain why each trend matters for
publishers, advertisers and platforms, and close with three recommended
actions. Do not invent facts that are not in the articles.

Date: {{ .Now.Format "2006-01-02" }}

{{ .Content }}
`

// PromptData is exposed to prompt templates.
type PromptData struct {
	Content string
	Now     time.Time
}

// Prompt renders the request content into the text sent to a provider.
type Prompt struct {
	tmpl  *templates.Template
	clock func() time.Time
}

// NewPrompt compiles the prompt from file (resolved through the renderer's
// sandbox) or inline source, falling back to DefaultPromptTemplate.
func NewPrompt(renderer *templates.Renderer, inline, file string) (*Prompt, error) {
	if renderer == nil {
		return nil, errors.New("summarizer: template renderer required")
	}
	var (
		tmpl *templates.Template
		err  error
	)
	switch {
	case strings.TrimSpace(file) != "":
		tmpl, err = renderer.CompileFile(file)
	case strings.TrimSpace(inline) != "":
		tmpl, err = renderer.CompileInline("prompt", inline)
	default:
		tmpl, err = renderer.CompileInline("prompt", DefaultPromptTemplate)
	}
	if err != nil {
		return nil, err
	}
	return &Prompt{tmpl: tmpl, clock: time.Now}, nil
}

// Build renders content into the prompt text.
func (p *Prompt) Build(content string) (string, error) {
	return p.tmpl.Render(PromptData{Content: content, Now: p.clock().UTC()})
}
