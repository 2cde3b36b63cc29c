package pipeline

import (
	"context"
	"fmt"
	"html/template"
	"os"
)

// reportTemplate is a minimal self-contained page embedding the aggregated
// JSON, enough to eyeball a report without the presentation tier.
var reportTemplate = template.Must(template.New("report").Parse(`<!DOCTYPE html>
<html lang="ja">
<head>
<meta charset="utf-8">
<title>{{.Question}}</title>
</head>
<body>
<h1>{{.Question}}</h1>
<p>{{.Intro}}</p>
<script id="report-data" type="application/json">
{{.Data}}
</script>
</body>
</html>
`))

// runVisualization writes a static HTML shell around the aggregated result.
// The launcher normally disables this with --without-html and lets the
// presentation tier render reports instead.
func (r *Runner) runVisualization(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	data, err := os.ReadFile(r.cfg.OutputPath(ResultFileName))
	if err != nil {
		return err
	}

	f, err := os.Create(r.cfg.OutputPath(HTMLFileName))
	if err != nil {
		return fmt.Errorf("failed to create report html: %w", err)
	}
	defer f.Close()

	return reportTemplate.Execute(f, struct {
		Question string
		Intro    string
		Data     template.JS
	}{
		Question: r.cfg.Question,
		Intro:    r.cfg.Intro,
		Data:     template.JS(data),
	})
}
