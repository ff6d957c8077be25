package llm

import (
	"bytes"
	"fmt"
	"strings"
	"text/template"
)

const systemPrompt = "You are a meticulous web data extraction engineer. " +
	"You only use information present in the provided page content. " +
	"When asked for JSON, reply with a single valid JSON object and nothing else."

var promptFuncs = template.FuncMap{
	"join": strings.Join,
}

var classifyTemplate = template.Must(template.New("classify").Funcs(promptFuncs).Parse(`Analyze this web page for a data extraction project.

Context:
- Page URL: {{.URL}}
- Required data to extract:
{{- range .Fields}}
  - {{.Name}}{{if .Description}}: {{.Description}}{{end}}
{{- end}}
{{- if .Instructions}}
- Additional instructions: {{.Instructions}}
{{- end}}
- Already visited page types: {{if .VisitedTypes}}{{join .VisitedTypes ", "}}{{else}}none{{end}}
- Parent page type: {{if .ParentType}}{{.ParentType}}{{else}}none{{end}}
{{- if .Title}}
- Page title: {{.Title}}
{{- end}}
{{- if .Language}}
- Page language: {{.Language}}
{{- end}}

Page content (markdown{{if .Truncated}}, truncated{{end}}):
{{.Markdown}}

Links found on the page:
{{- range .Links}}
- {{.URL}}{{if .Text}} ({{.Text}}){{end}}
{{- end}}

Return a JSON object with this structure:
{
  "page_type": "generic snake_case name of this kind of page, e.g. product_listing",
  "relevance_score": <0.0 to 1.0>,
  "available_fields": ["required fields that are present on this page"],
  "summary": "one sentence summary of the page as it relates to the required data",
  "skip_processing": <true if the page is an error, login, legal or otherwise irrelevant page>,
  "skip_reason": "why the page should be skipped, empty otherwise",
  "next_pages_to_visit": [
    {
      "url": "absolute URL copied from the links above",
      "label": "link label",
      "page_type": "predicted page type of the target page",
      "relevance_score": <0.0 to 1.0>,
      "why": "why this page is needed",
      "pagination": <true if the link leads to the next page of the current results>
    }
  ]
}

Relevance score guide:
- 0.9-1.0: pages that directly contain the required data
- 0.7-0.8: navigation pages that lead to data pages
- 0.5-0.6: intermediate pages with some relevance
- 0.0-0.4: pages with minimal or no relevance

Rules for next_pages_to_visit:
1. Provide one URL per page_type. Pages of the same type share the same structure.
2. Only use URLs from the link list above. Do not invent URLs.
3. Do not include page types that were already visited.
4. Leave the list empty when no link leads to more of the required data.
{{- if .Pagination}}

Pagination:
- The user describes pagination on this site as: {{.Pagination}}
- Look for next page links, page numbers and "load more" links that match this description.
- Include the next page link in next_pages_to_visit with "pagination": true and the same page_type as this page.
- A pagination link may repeat a page type; rule 3 does not apply to it.
{{- end}}`))

var generateTemplate = template.Must(template.New("generate").Funcs(promptFuncs).Parse(`Write a CSS selector extraction recipe for pages of type "{{.PageType}}".

Sample page URL: {{.URL}}

Fields to extract:
{{- range .Fields}}
- {{.Name}}{{if .Required}} (required){{end}}{{if .Description}}: {{.Description}}{{end}}{{if .Example}} e.g. {{.Example}}{{end}}
{{- end}}
{{- if .Instructions}}

Additional instructions: {{.Instructions}}
{{- end}}

Page structure (sanitized HTML{{if .Truncated}}, truncated{{end}}):
{{.Skeleton}}

Return a JSON object with this structure:
{
  "item_selector": "CSS selector matching one element per record, or empty when the page holds a single record",
  "fields": {
    "<field name>": {
      "selector": "CSS selector relative to the item element",
      "attr": "text | html | <attribute name such as href or src>",
      "pattern": "optional Go regular expression; the first capture group is kept"
    }
  }
}

Rules:
1. Use only field names from the list above.
2. Selectors must match elements that exist in the page structure above.
3. Prefer stable class names and ids over positional selectors.
4. Use attr "href" for links and "src" for images.
5. Do not hallucinate data.`))

var repairTemplate = template.Must(template.New("repair").Funcs(promptFuncs).Parse(`The following extraction recipe for pages of type "{{.PageType}}" failed.

Error: {{.Error}}

Previous recipe:
{{.PreviousSource}}

Attempt: {{.Attempt}}/{{.MaxAttempts}}

Fields to extract:
{{- range .Fields}}
- {{.Name}}{{if .Required}} (required){{end}}{{if .Description}}: {{.Description}}{{end}}
{{- end}}

Page structure (sanitized HTML{{if .Truncated}}, truncated{{end}}):
{{.Skeleton}}

Fix the recipe so that it extracts at least one record and fills every required field.
Check every selector against the page structure above.
Return only the fixed recipe as a JSON object with the same structure.`))

var inferTemplate = template.Must(template.New("infer").Funcs(promptFuncs).Parse(`Based on the following user requirements, create a structured JSON specification for data extraction.

Target URL: {{.URL}}
Additional instructions: {{if .Instructions}}{{.Instructions}}{{else}}none{{end}}
{{- if .Title}}
Page title: {{.Title}}
{{- end}}
{{- if .Markdown}}

Page preview (markdown):
{{.Markdown}}
{{- end}}

Return a JSON object with this structure:
{
  "extraction_fields": [
    {
      "field_name": "name of the field in snake_case",
      "description": "what this field represents",
      "example": "example value",
      "required": true,
      "validation_rules": ["list of validation rules"]
    }
  ],
  "data_structure": {
    "type": "list or object",
    "description": "how the data should be structured"
  },
  "output_format": {
    "type": "csv",
    "fields": ["fields to include in output"]
  }
}

Make sure the fields are specific, likely to be found on the target website,
relevant to the requirements and in snake_case.`))

func renderPrompt(tmpl *template.Template, data any) (string, error) {
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("渲染提示词 %s 失败: %w", tmpl.Name(), err)
	}
	return buf.String(), nil
}

func chatMessages(prompt string) []Message {
	return []Message{
		{Role: "system", Content: systemPrompt},
		{Role: "user", Content: prompt},
	}
}
