// ABOUTME: Prompt catalog loaded from embedded TOML with optional file override
// ABOUTME: Renders system prompts, follow-up context, and extraction templates

package llm

import (
	_ "embed"
	"fmt"
	"os"
	"strings"
	"text/template"

	"github.com/BurntSushi/toml"

	"github.com/2389/deepstudy/internal/store"
)

//go:embed prompts.toml
var defaultPrompts string

type catalogFile struct {
	System  map[string]string `toml:"system"`
	Context struct {
		Fragment string `toml:"fragment"`
	} `toml:"context"`
	Intent struct {
		Classify string `toml:"classify"`
	} `toml:"intent"`
	Extract struct {
		Triples string `toml:"triples"`
	} `toml:"extract"`
}

// Catalog holds the prompt templates the engine renders at request time.
// Templates are compiled at load so a broken override fails at startup,
// not mid-conversation.
type Catalog struct {
	system   map[string]string
	fragment *template.Template
	classify *template.Template
	triples  *template.Template
}

// LoadCatalog reads the prompt catalog. An empty path loads the embedded
// defaults; otherwise the file at path replaces them wholesale.
func LoadCatalog(path string) (*Catalog, error) {
	raw := defaultPrompts
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading prompt catalog: %w", err)
		}
		raw = string(data)
	}

	var file catalogFile
	if _, err := toml.Decode(raw, &file); err != nil {
		return nil, fmt.Errorf("parsing prompt catalog: %w", err)
	}

	for _, intent := range []string{store.IntentConcept, store.IntentDerivation, store.IntentCode} {
		if strings.TrimSpace(file.System[intent]) == "" {
			return nil, fmt.Errorf("prompt catalog missing system.%s", intent)
		}
	}

	c := &Catalog{system: file.System}
	var err error
	if c.fragment, err = compileTemplate("context.fragment", file.Context.Fragment); err != nil {
		return nil, err
	}
	if c.classify, err = compileTemplate("intent.classify", file.Intent.Classify); err != nil {
		return nil, err
	}
	if c.triples, err = compileTemplate("extract.triples", file.Extract.Triples); err != nil {
		return nil, err
	}
	return c, nil
}

func compileTemplate(name, text string) (*template.Template, error) {
	if strings.TrimSpace(text) == "" {
		return nil, fmt.Errorf("prompt catalog missing %s", name)
	}
	tmpl, err := template.New(name).Parse(text)
	if err != nil {
		return nil, fmt.Errorf("parsing prompt template %s: %w", name, err)
	}
	return tmpl, nil
}

// SystemFor returns the system prompt for an intent, falling back to the
// concept prompt for anything unrecognized.
func (c *Catalog) SystemFor(intent string) string {
	if prompt, ok := c.system[intent]; ok && prompt != "" {
		return prompt
	}
	return c.system[store.IntentConcept]
}

// FragmentContext renders the note that anchors a follow-up to the
// referenced fragment of the parent answer.
func (c *Catalog) FragmentContext(content string) (string, error) {
	return render(c.fragment, map[string]string{"Content": content})
}

// ClassifyPrompt renders the intent classification prompt for a query.
func (c *Catalog) ClassifyPrompt(query string) (string, error) {
	return render(c.classify, map[string]string{"Query": query})
}

// TriplesPrompt renders the knowledge extraction prompt for an exchange.
func (c *Catalog) TriplesPrompt(query, answer string) (string, error) {
	return render(c.triples, map[string]string{"Query": query, "Answer": answer})
}

func render(tmpl *template.Template, data any) (string, error) {
	var sb strings.Builder
	if err := tmpl.Execute(&sb, data); err != nil {
		return "", fmt.Errorf("rendering prompt %s: %w", tmpl.Name(), err)
	}
	return sb.String(), nil
}
