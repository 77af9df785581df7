package host

import (
	"context"
	"encoding/json"

	"host-bridge/dispatch"
)

// StubMethods are commands the bridge knows about but the reference host does
// not implement. They are acknowledged with their params echoed back.
var StubMethods = []string{
	"create_wall",
	"move_element",
	"delete_element",
	"list_rooms",
	"export_view",
}

const createLevelSchema = `{
	"type": "object",
	"properties": {
		"name": {"type": "string", "minLength": 1},
		"elevation": {"type": "number"}
	},
	"required": ["name", "elevation"]
}`

// RegisterHandlers wires the document API into d.
func RegisterHandlers(d *dispatch.Dispatcher, doc *Document) error {
	if err := d.Register("get_document_info", func(ctx context.Context, params map[string]json.RawMessage) (any, error) {
		title, err := doc.Title()
		if err != nil {
			return nil, err
		}
		levels, err := doc.Levels()
		if err != nil {
			return nil, err
		}
		return map[string]any{"title": title, "levelCount": len(levels)}, nil
	}); err != nil {
		return err
	}

	if err := d.Register("get_levels", func(ctx context.Context, params map[string]json.RawMessage) (any, error) {
		return doc.Levels()
	}); err != nil {
		return err
	}

	if err := d.Register("create_level", func(ctx context.Context, params map[string]json.RawMessage) (any, error) {
		var args struct {
			Name      string  `json:"name"`
			Elevation float64 `json:"elevation"`
		}
		if err := dispatch.Decode(params, &args); err != nil {
			return nil, err
		}
		return doc.CreateLevel(args.Name, args.Elevation)
	}, dispatch.WithParamsSchema(createLevelSchema)); err != nil {
		return err
	}

	if err := d.Register("list_methods", func(ctx context.Context, params map[string]json.RawMessage) (any, error) {
		return d.Methods(), nil
	}); err != nil {
		return err
	}

	d.RegisterStub(StubMethods...)
	return nil
}
