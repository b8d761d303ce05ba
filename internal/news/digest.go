package news

import (
	"bytes"
	"fmt"
	"html/template"
	"time"
)

var digestTemplate = template.Must(template.New("digest").Parse(`<section class="news-digest">
{{- range . }}
<article>
<h3>{{ if .Link }}<a href="{{ .Link }}">{{ .Title }}</a>{{ else }}{{ .Title }}{{ end }}</h3>
<p class="meta">{{ .Source }} · {{ .PublishedAt.Format "2006-01-02 15:04 UTC" }}</p>
{{- if .Description }}
<p>{{ .Description }}</p>
{{- end }}
</article>
{{- end }}
</section>
`))

// BuildHTML renders articles into the HTML document sent to the summarizer.
// Article text is escaped; links are sanitized by html/template.
func BuildHTML(articles []Article) (string, error) {
	if len(articles) == 0 {
		return "", ErrNoArticles
	}
	normalized := make([]Article, len(articles))
	for i, a := range articles {
		a.PublishedAt = a.PublishedAt.In(time.UTC)
		normalized[i] = a
	}
	var buf bytes.Buffer
	if err := digestTemplate.Execute(&buf, normalized); err != nil {
		return "", fmt.Errorf("news: render digest: %w", err)
	}
	return buf.String(), nil
}
