package config

// schemaJSON is the draft-07 JSON Schema every decoded .cfg document is
// validated against before it is trusted anywhere else in the process.
// Unknown keys outside the reserved sections round-trip untouched
// (additionalProperties left open at the document root and inside each
// module descriptor's options/connect maps), matching the tolerance the
// loader promises for forward-compatible config files.
const schemaJSON = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "title": "qudicore configuration document",
  "type": "object",
  "required": ["global"],
  "properties": {
    "global": {
      "type": "object",
      "properties": {
        "startup_modules": {
          "type": "array",
          "items": { "type": "string" }
        },
        "remote_modules_server": {
          "type": ["object", "null"],
          "properties": {
            "address": { "type": "string" },
            "port": { "type": "integer", "minimum": 1, "maximum": 65535 },
            "certfile": { "type": "string" },
            "keyfile": { "type": "string" }
          },
          "required": ["address", "port"]
        },
        "namespace_server_port": { "type": "integer", "minimum": 1, "maximum": 65535 },
        "force_remote_calls_by_value": { "type": "boolean" },
        "hide_manager_window": { "type": "boolean" },
        "stylesheet": { "type": "string" },
        "default_data_dir": { "type": ["string", "null"] },
        "daily_data_dirs": { "type": "boolean" },
        "extension_paths": {
          "type": "array",
          "items": { "type": "string" }
        },
        "tracing_endpoint": { "type": "string" }
      },
      "additionalProperties": true
    },
    "gui": { "$ref": "#/definitions/moduleSection" },
    "logic": { "$ref": "#/definitions/moduleSection" },
    "hardware": { "$ref": "#/definitions/moduleSection" }
  },
  "additionalProperties": true,
  "definitions": {
    "moduleSection": {
      "type": "object",
      "additionalProperties": { "$ref": "#/definitions/moduleDescriptor" }
    },
    "moduleDescriptor": {
      "type": "object",
      "oneOf": [
        { "required": ["module.Class"] },
        { "required": ["native_module_name", "address", "port"] }
      ],
      "properties": {
        "module.Class": { "type": "string" },
        "allow_remote": { "type": "boolean" },
        "options": { "type": "object" },
        "connect": {
          "type": "object",
          "additionalProperties": { "type": "string" }
        },
        "native_module_name": { "type": "string" },
        "address": { "type": "string" },
        "port": { "type": "integer", "minimum": 1, "maximum": 65535 },
        "certfile": { "type": "string" },
        "keyfile": { "type": "string" }
      }
    }
  }
}`
