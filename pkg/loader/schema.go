package loader

// FlowSchema is the JSON schema for workflow definitions
const FlowSchema = `
{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["metadata", "nodes"],
  "definitions": {
    "port": {
      "type": "object",
      "required": ["name"],
      "properties": {
        "name": {"type": "string", "minLength": 1},
        "type": {"type": "string", "enum": ["text", "structured", "file", "number", "boolean", "any", "signal"]},
        "required": {"type": "boolean"},
        "optional_on_failure": {"type": "boolean"},
        "description": {"type": "string"}
      }
    },
    "connection": {
      "type": "object",
      "properties": {
        "from": {"type": "string", "pattern": "^[^./]+\\.[^.]+$"},
        "to": {"type": "string", "pattern": "^[^./]+\\.[^.]+$"},
        "source_node": {"type": "string"},
        "source_port": {"type": "string"},
        "target_node": {"type": "string"},
        "target_port": {"type": "string"}
      }
    },
    "node": {
      "type": "object",
      "required": ["id", "type"],
      "properties": {
        "id": {"type": "string", "pattern": "^[^./]+$"},
        "type": {"type": "string", "minLength": 1},
        "name": {"type": "string"},
        "inputs": {"type": "array", "items": {"$ref": "#/definitions/port"}},
        "outputs": {"type": "array", "items": {"$ref": "#/definitions/port"}},
        "config": {"type": "object"},
        "body": {
          "type": "object",
          "required": ["nodes"],
          "properties": {
            "nodes": {"type": "array", "minItems": 1, "items": {"$ref": "#/definitions/node"}},
            "connections": {"type": "array", "items": {"$ref": "#/definitions/connection"}},
            "output": {"type": "string"}
          }
        }
      }
    }
  },
  "properties": {
    "metadata": {
      "type": "object",
      "required": ["name"],
      "properties": {
        "id": {"type": "string"},
        "name": {"type": "string", "minLength": 1},
        "description": {"type": "string"},
        "version": {"type": "string"}
      }
    },
    "execution_mode": {"type": "string", "enum": ["oneshot", "persistent"]},
    "execution_config": {
      "type": "object",
      "properties": {
        "global": {"type": "object"},
        "workflow": {"type": "object"},
        "nodes": {"type": "object", "additionalProperties": {"type": "object"}}
      }
    },
    "nodes": {"type": "array", "minItems": 1, "items": {"$ref": "#/definitions/node"}},
    "connections": {"type": "array", "items": {"$ref": "#/definitions/connection"}}
  }
}
`
