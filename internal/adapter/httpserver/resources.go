package httpserver

import (
	"fmt"
	"os"
	"path/filepath"
)

// UI resource URIs. Clients that understand the censusgate.dev/ui hint can
// render tool results with these bundles.
const (
	URITable     = "ui://censusgate/table"
	URIBarChart  = "ui://censusgate/bar-chart"
	URILineChart = "ui://censusgate/line-chart"
)

// resourceDescriptor is the protocol-visible resource listing entry.
type resourceDescriptor struct {
	URI         string `json:"uri"`
	Name        string `json:"name"`
	Description string `json:"description"`
	MimeType    string `json:"mimeType"`
}

// resourceContents is the payload returned by resources/read.
type resourceContents struct {
	URI      string `json:"uri"`
	MimeType string `json:"mimeType"`
	Text     string `json:"text"`
}

// ResourceStore serves the HTML visualization bundles shipped with the
// gateway. Bundles are loaded once at startup; a missing file falls back to
// a minimal built-in page so the server still starts.
type ResourceStore struct {
	entries map[string]resourceContents
	order   []resourceDescriptor
}

var resourceFiles = []struct {
	uri, file, name, desc string
}{
	{URITable, "table.html", "Result table", "Sortable table view for query results."},
	{URIBarChart, "bar-chart.html", "Bar chart", "Bar chart for regional comparisons and drill-downs."},
	{URILineChart, "line-chart.html", "Line chart", "Line chart for measures over an ordered dimension."},
}

// NewResourceStore loads the bundles under dir.
func NewResourceStore(dir string) *ResourceStore {
	s := &ResourceStore{entries: make(map[string]resourceContents)}
	for _, rf := range resourceFiles {
		text := fallbackPage(rf.name)
		if raw, err := os.ReadFile(filepath.Join(dir, rf.file)); err == nil {
			text = string(raw)
		}
		s.entries[rf.uri] = resourceContents{URI: rf.uri, MimeType: "text/html", Text: text}
		s.order = append(s.order, resourceDescriptor{
			URI:         rf.uri,
			Name:        rf.name,
			Description: rf.desc,
			MimeType:    "text/html",
		})
	}
	return s
}

// List returns the resource descriptors in a stable order.
func (s *ResourceStore) List() []resourceDescriptor {
	out := make([]resourceDescriptor, len(s.order))
	copy(out, s.order)
	return out
}

// Read returns the contents for a known URI.
func (s *ResourceStore) Read(uri string) (resourceContents, bool) {
	c, ok := s.entries[uri]
	return c, ok
}

func fallbackPage(name string) string {
	return fmt.Sprintf(`<!doctype html>
<html><head><meta charset="utf-8"><title>%s</title></head>
<body><pre id="out">waiting for data</pre>
<script>
window.parent.postMessage({type:"ui/ready"},"*");
window.addEventListener("message",function(ev){
  if(ev.data&&ev.data.type==="tool-result"){
    document.getElementById("out").textContent=JSON.stringify(ev.data.payload,null,2);
  }
});
</script></body></html>
`, name)
}
