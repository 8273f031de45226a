package stshare

import (
	"bytes"
	"html/template"
	"net/http"
)

// errorPageTmpl is the branded page served on the public surface when a
// request cannot be relayed. Styling is deliberately self-contained; the
// public side may be a browser with no other assets reachable.
var errorPageTmpl = template.Must(template.New("errorpage").Parse(`<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>{{.Title}}</title>
<style>
body { font-family: -apple-system, "Segoe UI", sans-serif; background: #f4f5f7; color: #24292f; margin: 0; }
main { max-width: 34em; margin: 18vh auto 0; padding: 2em; background: #fff; border-radius: 8px; box-shadow: 0 1px 4px rgba(0,0,0,.12); }
h1 { font-size: 1.4em; margin-top: 0; }
p { line-height: 1.5; }
code { background: #f0f1f3; padding: .1em .35em; border-radius: 4px; }
</style>
</head>
<body>
<main>
<h1>{{.Heading}}</h1>
<p>{{.Message}}</p>
</main>
</body>
</html>
`))

type errorPageData struct {
	Title   string
	Heading string
	Message template.HTML
}

func writeErrorPage(w http.ResponseWriter, statusCode int, data errorPageData) {
	var buf bytes.Buffer
	if err := errorPageTmpl.Execute(&buf, data); err != nil {
		http.Error(w, data.Heading, statusCode)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(statusCode)
	w.Write(buf.Bytes())
}

// writeOfflinePage renders the "tunnel offline" page. Status is 200 for
// backward compatibility with deployed agents that probe the URL.
func writeOfflinePage(w http.ResponseWriter, name string) {
	writeErrorPage(w, http.StatusOK, errorPageData{
		Title:   "Tunnel offline",
		Heading: "Tunnel offline",
		Message: template.HTML("There is no active tunnel named <code>" +
			template.HTMLEscapeString(name) + "</code>. Start the agent and try again."),
	})
}

// writeUpstreamErrorPage renders the 502 page for an agent-reported error
// that arrived before any response headers
func writeUpstreamErrorPage(w http.ResponseWriter) {
	writeErrorPage(w, http.StatusBadGateway, errorPageData{
		Title:   "Upstream error",
		Heading: "Upstream error",
		Message: "The tunnel is connected, but the service behind it failed to produce a response.",
	})
}

// writeTimeoutPage renders the 504 page when the agent produced no response
// byte within the request timeout
func writeTimeoutPage(w http.ResponseWriter) {
	writeErrorPage(w, http.StatusGatewayTimeout, errorPageData{
		Title:   "Tunnel timeout",
		Heading: "Tunnel timeout",
		Message: "The service behind the tunnel did not respond in time.",
	})
}
