package handlers

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

func (h *handler) page(c *gin.Context) {
	ctrl, ok := controllerOrAbort(c)
	if !ok {
		return
	}
	snap := ctrl.Snapshot()
	h.keepPreview(c, snap)
	c.HTML(http.StatusOK, "page", pageView{
		State:     newStateResponse(snap),
		Notice:    c.Query("notice"),
		Accept:    strings.Join(h.constraints.Extensions, ","),
		MaxSizeMB: h.constraints.MaxBytes >> 20,
	})
}

const pageTemplate = `<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<title>MRI Classifier</title>
<style>
body { font-family: sans-serif; max-width: 42rem; margin: 2rem auto; color: #1f2937; }
.preview { max-width: 100%; max-height: 20rem; display: block; margin: 1rem 0; }
.notice, .error { padding: .75rem; border-radius: .375rem; margin: 1rem 0; }
.notice { background: #fef3c7; }
.error { background: #fee2e2; color: #991b1b; }
.bar { background: #e5e7eb; height: .5rem; border-radius: .25rem; }
.bar span { display: block; height: 100%; border-radius: .25rem; }
.tier-high { color: #15803d; } .bar .tier-high { background: #22c55e; }
.tier-medium { color: #a16207; } .bar .tier-medium { background: #eab308; }
.tier-low { color: #b91c1c; } .bar .tier-low { background: #ef4444; }
</style>
</head>
<body>
<h1>MRI Image Classifier</h1>
{{with .Notice}}<div class="notice">{{.}}</div>{{end}}
{{with .State}}
{{if .Filename}}
<section>
<p><strong>{{.Filename}}</strong> ({{.ContentType}}, {{.Size}} bytes)</p>
{{with .PreviewURL}}<img class="preview" src="{{.}}" alt="Selected image preview">{{end}}
<form method="post" action="/image/remove"><button type="submit">Remove</button></form>
<form method="post" action="/analyze">
<button type="submit"{{if not .CanAnalyze}} disabled{{end}}>{{if .Loading}}Analyzing...{{else}}Analyze Image{{end}}</button>
</form>
</section>
{{else}}
<form method="post" action="/image" enctype="multipart/form-data">
<p>Select an MRI image ({{$.Accept}}, up to {{$.MaxSizeMB}} MB).</p>
<input type="file" name="file" accept="{{$.Accept}}" required>
<button type="submit">Upload</button>
</form>
{{end}}
{{with .Error}}<div class="error">{{.}}</div>{{end}}
{{with .Result}}
<section>
<h2>Prediction: {{.PredictedClass}}</h2>
<p class="tier-{{.Tier}}">Confidence {{printf "%.1f" .Confidence}}% ({{.Tier}})</p>
<ul>
{{range .Ranked}}<li>{{.Class}}: <span class="tier-{{.Tier}}">{{printf "%.1f" .Confidence}}%</span>
<div class="bar"><span class="tier-{{.Tier}}" style="width: {{printf "%.1f" .Confidence}}%"></span></div></li>
{{end}}
</ul>
</section>
{{end}}
{{end}}
</body>
</html>
`
