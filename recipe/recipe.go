package recipe

import (
	"bytes"
	"embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"text/template"

	"github.com/tnqbao/gau-deploy-orchestrator/bundle"
)

// FileName is what the engine looks for in the build context
const FileName = "Dockerfile"

//go:embed templates/*.Dockerfile
var files embed.FS

type Params struct {
	Version string
	Start   string
	Port    int
}

var defaults = map[string]Params{
	"node":   {Version: "20", Start: "node index.js"},
	"python": {Version: "3.12", Start: "python app.py"},
}

var funcs = template.FuncMap{
	"json": func(s string) (string, error) {
		b, err := json.Marshal(s)
		return string(b), err
	},
}

// Runtimes lists the runtimes a recipe exists for
func Runtimes() []string {
	out := make([]string, 0, len(defaults))
	for r := range defaults {
		out = append(out, r)
	}
	sort.Strings(out)
	return out
}

func Render(runtime string, p Params) ([]byte, error) {
	def, ok := defaults[runtime]
	if !ok {
		return nil, fmt.Errorf("no build recipe for runtime %q", runtime)
	}
	if p.Version == "" {
		p.Version = def.Version
	}
	if p.Start == "" {
		p.Start = def.Start
	}

	name := runtime + ".Dockerfile"
	tmpl, err := template.New(name).Funcs(funcs).ParseFS(files, "templates/"+name)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, p); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Materialize writes the recipe for the manifest's runtime into dir
func Materialize(dir string, m *bundle.Manifest, port int) error {
	data, err := Render(strings.ToLower(m.Runtime), Params{
		Version: m.Version,
		Start:   m.Start,
		Port:    port,
	})
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, FileName), data, 0o644)
}
