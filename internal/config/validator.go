package config

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// ChannelsSchema constrains the channels section of the config file.
const ChannelsSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "definitions": {
    "base": {
      "type": "object",
      "properties": {
        "name": {"type": "string"},
        "enabled": {"type": "boolean"},
        "dm_policy": {"type": "string", "enum": ["", "open", "pairing", "allowlist", "allow-list", "allow_list"]},
        "allow_from": {"type": "array", "items": {"type": "string"}},
        "reply_fallback_ms": {"type": "integer", "minimum": 0, "maximum": 60000}
      }
    },
    "wecomAccount": {
      "allOf": [
        {"$ref": "#/definitions/base"},
        {
          "type": "object",
          "properties": {
            "token": {"type": "string"},
            "encoding_aes_key": {"type": "string", "pattern": "^$|^[A-Za-z0-9+/]{43}$"},
            "receive_id": {"type": "string"},
            "webhook_path": {"type": "string"},
            "webhook_url": {"type": "string"}
          }
        }
      ]
    },
    "dingtalkAccount": {
      "allOf": [
        {"$ref": "#/definitions/base"},
        {
          "type": "object",
          "properties": {
            "client_id": {"type": "string"},
            "client_secret": {"type": "string"},
            "api_base": {"type": "string", "pattern": "^$|^https?://"}
          }
        }
      ]
    },
    "signedhookAccount": {
      "allOf": [
        {"$ref": "#/definitions/base"},
        {
          "type": "object",
          "properties": {
            "secret": {"type": "string"},
            "webhook_path": {"type": "string"},
            "callback_url": {"type": "string", "pattern": "^$|^https?://"}
          }
        }
      ]
    }
  },
  "properties": {
    "wecom": {
      "allOf": [
        {"$ref": "#/definitions/wecomAccount"},
        {"properties": {
          "accounts": {"type": "object", "additionalProperties": {"$ref": "#/definitions/wecomAccount"}},
          "default_account": {"type": "string"}
        }}
      ]
    },
    "dingtalk": {
      "allOf": [
        {"$ref": "#/definitions/dingtalkAccount"},
        {"properties": {
          "accounts": {"type": "object", "additionalProperties": {"$ref": "#/definitions/dingtalkAccount"}},
          "default_account": {"type": "string"}
        }}
      ]
    },
    "signedhook": {
      "allOf": [
        {"$ref": "#/definitions/signedhookAccount"},
        {"properties": {
          "accounts": {"type": "object", "additionalProperties": {"$ref": "#/definitions/signedhookAccount"}},
          "default_account": {"type": "string"}
        }}
      ]
    }
  }
}`

var channelsSchema = gojsonschema.NewStringLoader(ChannelsSchema)

// ValidateSchema validates the channels section against ChannelsSchema.
func ValidateSchema(cfg *Config) error {
	data, err := json.Marshal(cfg.Channels)
	if err != nil {
		return fmt.Errorf("failed to marshal channels: %w", err)
	}
	return ValidateChannelsJSON(data)
}

// ValidateChannelsJSON validates a raw channels document.
func ValidateChannelsJSON(data []byte) error {
	result, err := gojsonschema.Validate(channelsSchema, gojsonschema.NewBytesLoader(data))
	if err != nil {
		return fmt.Errorf("schema validation error: %w", err)
	}
	if result.Valid() {
		return nil
	}

	msgs := make([]string, 0, len(result.Errors()))
	for _, e := range result.Errors() {
		msgs = append(msgs, e.String())
	}
	return fmt.Errorf("invalid channels config: %s", strings.Join(msgs, "; "))
}
