package main

import (
	"html/template"
	"net/http"
)

var returnPage = template.Must(template.New("return").Parse(`<!doctype html>
<html><head><meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>{{.Title}}</title>
<style>body{font-family:system-ui,sans-serif;margin:40px;max-width:720px;line-height:1.4}code{background:#f4f4f4;padding:2px 4px;border-radius:4px}</style>
</head><body>
<h1>{{.Title}}</h1>
{{if not .SessionID}}<p>Missing <code>session_id</code> query parameter.</p>{{else}}
<p>Session: <code>{{.SessionID}}</code></p>
<p>Status: <span id="status">checking...</span></p>
<script>
const sessionId = {{.SessionID}};
const state = {{.State}};
const mode = {{.Mode}};
async function ack() {
  if (!state) return;
  try {
    await fetch('/api/v1/billing/checkout/session/ack', {
      method: 'POST',
      headers: {'Content-Type': 'application/json'},
      body: JSON.stringify({session_id: sessionId, state: state, result: mode}),
    });
  } catch (e) {}
}
async function poll() {
  try {
    const resp = await fetch('/api/v1/billing/checkout/session?session_id=' + encodeURIComponent(sessionId), {cache: 'no-store'});
    const obj = await resp.json().catch(() => null);
    if (!resp.ok) {
      document.getElementById('status').textContent = 'error (' + resp.status + ')';
      return;
    }
    const s = obj && obj.status ? obj.status : 'unknown';
    document.getElementById('status').textContent = s;
    if (mode === 'success' && s !== 'completed') setTimeout(poll, 1500);
  } catch (e) {
    document.getElementById('status').textContent = 'error';
  }
}
ack();
poll();
</script>{{end}}
</body></html>`))

type returnPageData struct {
	Title     string
	Mode      string
	SessionID string
	State     string
}

// renderCheckoutReturnPage is the landing page Stripe redirects to. It acknowledges the
// return with the state token and polls the session until checkout completes.
func renderCheckoutReturnPage(w http.ResponseWriter, r *http.Request, title, mode string) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	_ = returnPage.Execute(w, returnPageData{
		Title:     title,
		Mode:      mode,
		SessionID: r.URL.Query().Get("session_id"),
		State:     r.URL.Query().Get("state"),
	})
}
