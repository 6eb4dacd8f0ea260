package cashsync

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

const schemaBaseURL = "https://cashsync.invalid/schemas/"

const rowSchema = `{
  "type": "object",
  "required": ["id"],
  "properties": {
    "id": {"type": "string", "minLength": 1},
    "shopName": {"type": "string"},
    "shopCode": {"type": "string"},
    "transferAmount": {"type": ["string", "number"]},
    "extraAdjustment": {"type": ["string", "number"]},
    "collectedAmount": {"type": ["string", "number"]},
    "net": {"type": ["string", "number"]}
  }
}`

const worksheetSchema = `{
  "type": "object",
  "required": ["ownerId", "rows"],
  "properties": {
    "ownerId": {"type": "string", "minLength": 1},
    "rows": {"type": "array", "items": {"$ref": "row.json"}},
    "masterLimit": {"type": ["string", "number"]},
    "extraLimit": {"type": ["string", "number"]},
    "currentBalance": {"type": ["string", "number"]},
    "removedRows": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["id", "removedAt"],
        "properties": {"id": {"type": "string", "minLength": 1}, "removedAt": {"type": "string"}}
      }
    }
  }
}`

const snapshotSchema = `{
  "type": "object",
  "required": ["ownerId", "date", "rows"],
  "properties": {
    "ownerId": {"type": "string", "minLength": 1},
    "date": {"type": "string", "pattern": "^[0-9]{4}-[0-9]{2}-[0-9]{2}$"},
    "rows": {"type": "array", "items": {"$ref": "row.json"}}
  }
}`

const routeSchema = `{
  "type": "object",
  "required": ["id", "shopCode"],
  "properties": {
    "id": {"type": "string", "minLength": 1},
    "shopCode": {"type": "string", "minLength": 1},
    "sortOrder": {"type": "integer"},
    "latitude": {"type": "number", "minimum": -90, "maximum": 90},
    "longitude": {"type": "number", "minimum": -180, "maximum": 180},
    "isIgnored": {"type": "boolean"}
  }
}`

const queueItemSchema = `{
  "type": "object",
  "required": ["id", "type", "ownerId", "key", "payload"],
  "properties": {
    "id": {"type": "string", "minLength": 1},
    "type": {"enum": ["archive-write", "archive-delete", "route-upsert", "route-delete"]},
    "ownerId": {"type": "string", "minLength": 1},
    "key": {"type": "string", "minLength": 1},
    "attempts": {"type": "integer", "minimum": 0}
  },
  "allOf": [
    {
      "if": {"properties": {"type": {"const": "archive-write"}}},
      "then": {"properties": {"payload": {
        "allOf": [{"$ref": "snapshot.json"}],
        "properties": {"overwrite": {"type": "boolean"}}
      }}}
    },
    {
      "if": {"properties": {"type": {"const": "archive-delete"}}},
      "then": {"properties": {"payload": {
        "type": "object",
        "required": ["date"],
        "properties": {"date": {"type": "string", "pattern": "^[0-9]{4}-[0-9]{2}-[0-9]{2}$"}}
      }}}
    },
    {
      "if": {"properties": {"type": {"const": "route-upsert"}}},
      "then": {"properties": {"payload": {"$ref": "route.json"}}}
    },
    {
      "if": {"properties": {"type": {"const": "route-delete"}}},
      "then": {"properties": {"payload": {
        "type": "object",
        "required": ["id"],
        "properties": {"id": {"type": "string", "minLength": 1}}
      }}}
    }
  ]
}`

type schemaSet struct {
	queueItem *jsonschema.Schema
	worksheet *jsonschema.Schema
	snapshot  *jsonschema.Schema
	route     *jsonschema.Schema
}

var (
	schemasOnce sync.Once
	schemas     schemaSet
	schemasErr  error
)

func loadSchemas() (schemaSet, error) {
	schemasOnce.Do(func() {
		compiler := jsonschema.NewCompiler()
		resources := map[string]string{
			"row.json":        rowSchema,
			"worksheet.json":  worksheetSchema,
			"snapshot.json":   snapshotSchema,
			"route.json":      routeSchema,
			"queue-item.json": queueItemSchema,
		}
		for name, text := range resources {
			doc, err := jsonschema.UnmarshalJSON(strings.NewReader(text))
			if err != nil {
				schemasErr = fmt.Errorf("parse schema %s: %w", name, err)
				return
			}
			if err := compiler.AddResource(schemaBaseURL+name, doc); err != nil {
				schemasErr = fmt.Errorf("add schema %s: %w", name, err)
				return
			}
		}
		compile := func(name string) *jsonschema.Schema {
			if schemasErr != nil {
				return nil
			}
			sch, err := compiler.Compile(schemaBaseURL + name)
			if err != nil {
				schemasErr = fmt.Errorf("compile schema %s: %w", name, err)
			}
			return sch
		}
		schemas = schemaSet{
			queueItem: compile("queue-item.json"),
			worksheet: compile("worksheet.json"),
			snapshot:  compile("snapshot.json"),
			route:     compile("route.json"),
		}
	})
	return schemas, schemasErr
}

func validateAgainst(pick func(schemaSet) *jsonschema.Schema, subject string, value any) error {
	set, err := loadSchemas()
	if err != nil {
		return err
	}
	data, err := json.Marshal(value)
	if err != nil {
		return &ValidationError{Subject: subject, Reason: err.Error()}
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return &ValidationError{Subject: subject, Reason: err.Error()}
	}
	if err := pick(set).Validate(inst); err != nil {
		return &ValidationError{Subject: subject, Reason: err.Error()}
	}
	return nil
}

// ValidateQueueItem checks the item envelope and the payload shape for its type.
func ValidateQueueItem(item QueueItem) error {
	return validateAgainst(func(s schemaSet) *jsonschema.Schema { return s.queueItem }, "queue item "+item.ID, item)
}

func ValidateWorksheet(worksheet Worksheet) error {
	return validateAgainst(func(s schemaSet) *jsonschema.Schema { return s.worksheet }, "worksheet", worksheet)
}

func ValidateSnapshot(snapshot ArchiveSnapshot) error {
	return validateAgainst(func(s schemaSet) *jsonschema.Schema { return s.snapshot }, "archive "+snapshot.Date, snapshot)
}

func ValidateRoute(record RouteRecord) error {
	return validateAgainst(func(s schemaSet) *jsonschema.Schema { return s.route }, "route "+record.ShopCode, record)
}
