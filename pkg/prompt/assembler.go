package prompt

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

var varPattern = regexp.MustCompile(`\$\{([a-zA-Z0-9_.-]+)\}`)

// Assemble composes a single prompt string from modules, deterministically.
// Modules are concatenated in ascending Order (name breaks ties), with
// ${var} placeholders substituted from the module's bindings, overridden by
// vars. A placeholder with no binding fails with ErrMissingBinding.
//
// Assemble is a pure function: no side effects, safe to call concurrently.
func Assemble(modules []Module, vars map[string]string) (string, error) {
	ordered := make([]Module, len(modules))
	copy(ordered, modules)
	sort.SliceStable(ordered, func(i, j int) bool {
		if ordered[i].Order != ordered[j].Order {
			return ordered[i].Order < ordered[j].Order
		}
		return ordered[i].Name < ordered[j].Name
	})

	var b strings.Builder
	for i, mod := range ordered {
		rendered, err := renderModule(mod, vars)
		if err != nil {
			return "", err
		}
		if i > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString(strings.TrimRight(rendered, "\n"))
	}

	return b.String(), nil
}

// AssembleWithSchema appends structured-output instructions for the given
// JSON schema after the assembled modules. The schema must already have been
// validated at config-load time; a schema that fails to compile here is a
// programming error surfaced as ErrInvalidSchema.
func AssembleWithSchema(modules []Module, vars map[string]string, schema map[string]interface{}) (string, error) {
	text, err := Assemble(modules, vars)
	if err != nil {
		return "", err
	}
	if schema == nil {
		return text, nil
	}

	raw, err := json.MarshalIndent(schema, "", "  ")
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidSchema, err)
	}
	if _, err := gojsonschema.NewSchema(gojsonschema.NewBytesLoader(raw)); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidSchema, err)
	}

	var b strings.Builder
	b.WriteString(text)
	b.WriteString("\n\n# Output Format\n\n")
	b.WriteString("Respond with a single JSON object conforming to this JSON Schema. Do not include any text outside the JSON object.\n\n")
	b.WriteString("```json\n")
	b.Write(raw)
	b.WriteString("\n```")
	return b.String(), nil
}

// ValidateSchema compiles a structured-output schema, for fail-fast checks
// at configuration load time.
func ValidateSchema(schema map[string]interface{}) error {
	raw, err := json.Marshal(schema)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSchema, err)
	}
	if _, err := gojsonschema.NewSchema(gojsonschema.NewBytesLoader(raw)); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSchema, err)
	}
	return nil
}

// ModuleSetHash returns a stable hash of a module set, usable as a cache key
// together with the agent config version.
func ModuleSetHash(modules []Module) string {
	ordered := make([]Module, len(modules))
	copy(ordered, modules)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].Name < ordered[j].Name })

	h := sha256.New()
	for _, mod := range ordered {
		fmt.Fprintf(h, "%s\x00%d\x00%s\x00", mod.Name, mod.Order, mod.Template)
		keys := make([]string, 0, len(mod.Bindings))
		for k := range mod.Bindings {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(h, "%s=%s\x00", k, mod.Bindings[k])
		}
	}
	return hex.EncodeToString(h.Sum(nil))
}

func renderModule(mod Module, vars map[string]string) (string, error) {
	var missing string
	rendered := varPattern.ReplaceAllStringFunc(mod.Template, func(match string) string {
		key := varPattern.FindStringSubmatch(match)[1]
		if v, ok := vars[key]; ok {
			return v
		}
		if v, ok := mod.Bindings[key]; ok {
			return v
		}
		if missing == "" {
			missing = key
		}
		return match
	})
	if missing != "" {
		return "", fmt.Errorf("%w: module %q requires %q", ErrMissingBinding, mod.Name, missing)
	}
	return rendered, nil
}
