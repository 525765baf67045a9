package cli

import (
	"fmt"

	"github.com/jablotron/ja2mqtt/internal/definition"
	"github.com/jablotron/ja2mqtt/internal/simulator"
)

// simulatorConfigFromDefinition derives a simulator.Config from the loaded
// definition's topology.section/topology.peripheral lists and the optional
// simulator.pin/simulator.sections overrides, the Go analogue of
// original_source/ja2mqtt/components/simulator.py's Simulator.__init__
// reading the same `simulator:` config part.
func simulatorConfigFromDefinition(def *definition.Definition) simulator.Config {
	cfg := simulator.Config{PrfstateBits: def.PrfstateBits}

	pin := stringField(def.Simulator, "pin")
	states := simulatorSectionStates(def.Simulator)

	for _, raw := range listField(def.Topology, "section") {
		code := simulator.SectionCode(raw["code"])
		cfg.Sections = append(cfg.Sections, simulator.Section{
			Code:   code,
			Name:   stringField(raw, "name"),
			Pin:    pin,
			Status: states[code],
		})
	}
	for _, raw := range listField(def.Topology, "peripheral") {
		pos, _ := raw["pos"].(int)
		if pos == 0 {
			if f, ok := raw["pos"].(float64); ok {
				pos = int(f)
			}
		}
		cfg.Peripherals = append(cfg.Peripherals, simulator.Peripheral{
			Name: stringField(raw, "name"),
			Pos:  pos,
		})
	}
	return cfg
}

// simulatorSectionStates reads the simulator.sections list's per-code
// initial `state` override, if present.
func simulatorSectionStates(simDef map[string]any) map[string]simulator.SectionStatus {
	states := map[string]simulator.SectionStatus{}
	for _, raw := range listField(simDef, "sections") {
		code := simulator.SectionCode(raw["code"])
		switch fmt.Sprintf("%v", raw["state"]) {
		case "SET":
			states[code] = simulator.StatusSet
		case "UNSET":
			states[code] = simulator.StatusUnset
		}
	}
	return states
}

func stringField(m map[string]any, key string) string {
	if m == nil {
		return ""
	}
	v, _ := m[key].(string)
	return v
}

func listField(m map[string]any, key string) []map[string]any {
	if m == nil {
		return nil
	}
	raw, ok := m[key].([]any)
	if !ok {
		return nil
	}
	items := make([]map[string]any, 0, len(raw))
	for _, v := range raw {
		if mm, ok := v.(map[string]any); ok {
			items = append(items, mm)
		}
	}
	return items
}
