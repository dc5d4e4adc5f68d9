package protocol

import "encoding/json"

// toolDescriptor is one entry of the tools/list result.
type toolDescriptor struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"inputSchema"`
}

// scopeSchema is shared by search_code and ask_code. The three variants
// select one repository, an explicit list, or the whole corpus.
const scopeSchema = `{
  "oneOf": [
    {
      "type": "object",
      "properties": {
        "type": {"const": "repo"},
        "repo": {"type": "string"}
      },
      "required": ["type", "repo"],
      "additionalProperties": false
    },
    {
      "type": "object",
      "properties": {
        "type": {"const": "repos"},
        "repos": {"type": "array", "items": {"type": "string"}, "minItems": 1, "maxItems": 10}
      },
      "required": ["type", "repos"],
      "additionalProperties": false
    },
    {
      "type": "object",
      "properties": {
        "type": {"const": "all"}
      },
      "required": ["type"],
      "additionalProperties": false
    }
  ]
}`

// Schemas are kept as literal JSON so their bytes stay stable across
// releases; clients hash them for cache invalidation.
var searchCodeSchema = json.RawMessage(`{
  "type": "object",
  "properties": {
    "scope": ` + scopeSchema + `,
    "repo": {"type": "string", "description": "Legacy single-repository selector; prefer scope."},
    "query": {"type": "string", "minLength": 1, "maxLength": 500},
    "topK": {"type": "integer", "minimum": 1, "maximum": 20, "default": 5},
    "pathPrefix": {"type": "string", "maxLength": 200},
    "vector": {"type": "array", "items": {"type": "number"}, "minItems": 1, "description": "Query embedding. Required: the caller embeds the query."},
    "contentType": {"type": "string", "enum": ["code", "docs", "all"], "default": "all"},
    "strict": {"type": "boolean", "default": false}
  },
  "required": ["query", "vector"],
  "additionalProperties": false
}`)

var openFileSchema = json.RawMessage(`{
  "type": "object",
  "properties": {
    "repo": {"type": "string", "minLength": 1},
    "path": {"type": "string", "minLength": 1, "description": "Path relative to the repository root."},
    "startLine": {"type": "integer", "minimum": 1, "default": 1},
    "endLine": {"type": "integer", "minimum": 1},
    "maxBytes": {"type": "integer", "minimum": 1, "maximum": 1000000, "default": 200000}
  },
  "required": ["repo", "path"],
  "additionalProperties": false
}`)

var askCodeSchema = json.RawMessage(`{
  "type": "object",
  "properties": {
    "scope": ` + scopeSchema + `,
    "repo": {"type": "string", "description": "Legacy single-repository selector; prefer scope."},
    "query": {"type": "string", "minLength": 1, "maxLength": 500},
    "topK": {"type": "integer", "minimum": 1, "maximum": 20, "default": 5},
    "pathPrefix": {"type": "string", "maxLength": 200},
    "language": {"type": "string", "description": "Filter evidence by file extension, e.g. ts, py, md."},
    "minScore": {"type": "number", "default": 0.6},
    "llmModel": {"type": "string"},
    "grounded": {"type": "boolean", "default": false, "description": "Skip the language model and list the evidence verbatim."},
    "contentType": {"type": "string", "enum": ["code", "docs", "all"], "default": "all"},
    "strict": {"type": "boolean", "default": false}
  },
  "required": ["query"],
  "additionalProperties": false
}`)

// toolsListResult builds the tools/list response body.
func toolsListResult() map[string]any {
	return map[string]any{
		"tools": []toolDescriptor{
			{
				Name:        ToolSearchCode,
				Description: "Semantic code search over indexed repositories. Returns ranked snippets with file paths and line ranges.",
				InputSchema: searchCodeSchema,
			},
			{
				Name:        ToolOpenFile,
				Description: "Read a bounded line range of a file inside an indexed repository.",
				InputSchema: openFileSchema,
			},
			{
				Name:        ToolAskCode,
				Description: "Answer a question about the code using retrieved snippets as the only evidence.",
				InputSchema: askCodeSchema,
			},
		},
	}
}
