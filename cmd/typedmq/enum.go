package main

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/glimte/typedmq/serialization"
)

type enumValue struct {
	Number     int32  `json:"number"`
	Name       string `json:"name"`
	PrettyName string `json:"prettyName"`
}

// printEnum writes the values of a registered enum as JSON lines in
// ascending number order
func printEnum(reg *serialization.Registry, fullName string, out io.Writer) error {
	if reg == nil {
		return fmt.Errorf("enum %s: no descriptor set loaded", fullName)
	}
	enum, ok := reg.Enum(fullName)
	if !ok {
		return fmt.Errorf("enum %s not found in descriptor set", fullName)
	}

	enc := json.NewEncoder(out)
	for _, n := range enum.Numbers() {
		name, _ := enum.Name(n)
		pretty, _ := enum.PrettyName(n)
		if err := enc.Encode(enumValue{Number: int32(n), Name: name, PrettyName: pretty}); err != nil {
			return err
		}
	}
	return nil
}
