package config

import (
	"encoding/json"
	"reflect"
	"time"

	"github.com/invopop/jsonschema"
)

var durationType = reflect.TypeOf(time.Duration(0))

// Schema returns a JSON Schema describing the YAML config file, for editor
// validation and documentation.
func Schema() ([]byte, error) {
	r := &jsonschema.Reflector{
		FieldNameTag:               "yaml",
		RequiredFromJSONSchemaTags: true,
		DoNotReference:             true,
		Mapper: func(t reflect.Type) *jsonschema.Schema {
			if t == durationType {
				return &jsonschema.Schema{
					Type:        "string",
					Pattern:     `^([0-9]+(\.[0-9]+)?(ns|us|µs|ms|s|m|h))+$`,
					Description: "Go duration, for example 500ms or 10s",
				}
			}
			return nil
		},
	}
	s := r.Reflect(&Config{})
	s.Title = "rtconfig-watch configuration"
	return json.MarshalIndent(s, "", "  ")
}
