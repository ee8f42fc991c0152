package config

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestDeepMergeObjectsRecurse(t *testing.T) {
	dst := map[string]interface{}{
		"risk": map[string]interface{}{"maxLeverage": 5.0, "maxDrawdown": 0.1},
		"name": "base",
	}
	src := map[string]interface{}{
		"risk": map[string]interface{}{"maxLeverage": 10.0},
	}

	got := DeepMerge(dst, src)
	want := map[string]interface{}{
		"risk": map[string]interface{}{"maxLeverage": 10.0, "maxDrawdown": 0.1},
		"name": "base",
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("DeepMerge mismatch (-want +got):\n%s", diff)
	}
}

func TestDeepMergeArraysReplace(t *testing.T) {
	dst := map[string]interface{}{"tp": []interface{}{1.0, 2.0, 3.0}}
	src := map[string]interface{}{"tp": []interface{}{9.0}}

	got := DeepMerge(dst, src)
	want := map[string]interface{}{"tp": []interface{}{9.0}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("arrays must replace, not concatenate (-want +got):\n%s", diff)
	}
}

func TestDeepMergeTypeMismatchReplaces(t *testing.T) {
	dst := map[string]interface{}{"v": map[string]interface{}{"a": 1.0}}
	src := map[string]interface{}{"v": "scalar"}

	got := DeepMerge(dst, src)
	if got["v"] != "scalar" {
		t.Errorf("v = %v, want src scalar", got["v"])
	}
}

func TestDeepMergeDoesNotMutateInputs(t *testing.T) {
	dst := map[string]interface{}{"a": map[string]interface{}{"x": 1.0}}
	src := map[string]interface{}{"a": map[string]interface{}{"y": 2.0}}

	_ = DeepMerge(dst, src)

	if _, leaked := dst["a"].(map[string]interface{})["y"]; leaked {
		t.Error("dst mutated by merge")
	}
	if _, leaked := src["a"].(map[string]interface{})["x"]; leaked {
		t.Error("src mutated by merge")
	}
}

func TestOverlaySourceAttribution(t *testing.T) {
	merged, sources := overlay([]layer{
		{LayerDefault, map[string]interface{}{"a": 1.0, "b": 1.0, "c": 1.0}},
		{LayerEnv, map[string]interface{}{"b": 2.0}},
		{LayerOperator, map[string]interface{}{"c": 3.0}},
	})

	if merged["a"] != 1.0 || merged["b"] != 2.0 || merged["c"] != 3.0 {
		t.Errorf("merged = %v", merged)
	}
	want := Sources{"a": LayerDefault, "b": LayerEnv, "c": LayerOperator}
	if diff := cmp.Diff(want, sources); diff != "" {
		t.Errorf("sources mismatch (-want +got):\n%s", diff)
	}
}

func TestOverlaySkipsEmptyLayers(t *testing.T) {
	merged, sources := overlay([]layer{
		{LayerDefault, map[string]interface{}{"a": 1.0}},
		{LayerBrain, nil},
	})
	if merged["a"] != 1.0 {
		t.Errorf("merged = %v", merged)
	}
	if sources["a"] != LayerDefault {
		t.Errorf("sources = %v", sources)
	}
}
