package template

import "testing"

func TestEngineResolveToStringSimpleSubstitution(t *testing.T) {
	ctx := NewVariableContext()
	ctx.Global["name"] = "World"
	ctx.Input["greeting"] = "Hello"

	engine := NewEngineWithDefaults(ctx)

	tests := []struct {
		name     string
		template string
		want     string
		wantErr  bool
	}{
		{"global variable", "Hello {{global.name}}", "Hello World", false},
		{"input variable", "{{input.greeting}} there", "Hello there", false},
		{"leading-dot input variable", "{{.input.greeting}} there", "Hello there", false},
		{"multiple variables", "{{input.greeting}} {{global.name}}!", "Hello World!", false},
		{"no templates", "Plain text", "Plain text", false},
		{"empty string", "", "", false},
		{"missing variable non-strict", "{{global.missing}}", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := engine.ResolveToString(tt.template)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ResolveToString() error = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("ResolveToString() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestEngineResolveToObjectKeepsNativeType(t *testing.T) {
	ctx := NewVariableContext()
	ctx.NodeOutputs["fetchUser"] = map[string]any{
		"body": map[string]any{"id": float64(42), "name": "ada"},
	}
	engine := NewEngineWithDefaults(ctx)

	got, err := engine.ResolveToObject("{{fetchUser.body}}")
	if err != nil {
		t.Fatalf("ResolveToObject() error = %v", err)
	}
	body, ok := got.(map[string]any)
	if !ok {
		t.Fatalf("ResolveToObject() returned %T, want map[string]any", got)
	}
	if body["name"] != "ada" {
		t.Errorf("body[name] = %v, want ada", body["name"])
	}
}

func TestEngineResolveToObjectMixedStringStringifies(t *testing.T) {
	ctx := NewVariableContext()
	ctx.NodeOutputs["fetchUser"] = map[string]any{"body": map[string]any{"id": float64(42)}}
	engine := NewEngineWithDefaults(ctx)

	got, err := engine.ResolveToObject("user id is {{fetchUser.body.id}}")
	if err != nil {
		t.Fatalf("ResolveToObject() error = %v", err)
	}
	if got != "user id is 42" {
		t.Errorf("ResolveToObject() = %v, want %q", got, "user id is 42")
	}
}

func TestEngineResolveToStringArrayIndexing(t *testing.T) {
	ctx := NewVariableContext()
	ctx.Input["items"] = []any{
		map[string]any{"name": "first"},
		map[string]any{"name": "second"},
	}
	engine := NewEngineWithDefaults(ctx)

	got, err := engine.ResolveToString("{{input.items[1].name}}")
	if err != nil {
		t.Fatalf("ResolveToString() error = %v", err)
	}
	if got != "second" {
		t.Errorf("ResolveToString() = %q, want %q", got, "second")
	}
}

func TestEngineStrictModeMissingVariableErrors(t *testing.T) {
	ctx := NewVariableContext()
	engine := NewEngine(ctx, Options{StrictMode: true})

	if _, err := engine.ResolveToString("{{global.missing}}"); err == nil {
		t.Fatal("expected an error in strict mode for a missing variable")
	}
}

func TestEngineResolveToObjectBareNodeIdReturnsFullResult(t *testing.T) {
	ctx := NewVariableContext()
	ctx.NodeOutputs["fetchUser"] = map[string]any{"id": float64(42)}
	ctx.NodeResults["fetchUser"] = map[string]any{
		"nodeId": "fetchUser",
		"status": "SUCCESS",
		"output": map[string]any{"id": float64(42)},
	}
	engine := NewEngineWithDefaults(ctx)

	got, err := engine.ResolveToObject("{{fetchUser}}")
	if err != nil {
		t.Fatalf("ResolveToObject() error = %v", err)
	}
	full, ok := got.(map[string]any)
	if !ok {
		t.Fatalf("ResolveToObject() returned %T, want map[string]any", got)
	}
	if full["status"] != "SUCCESS" {
		t.Errorf("full[status] = %v, want SUCCESS", full["status"])
	}
	output, ok := full["output"].(map[string]any)
	if !ok || output["id"] != float64(42) {
		t.Errorf("full[output] = %v, want {id: 42}", full["output"])
	}
}

func TestHasPlaceholders(t *testing.T) {
	if !HasPlaceholders("hello {{input.x}}") {
		t.Error("expected HasPlaceholders to find a placeholder")
	}
	if HasPlaceholders("hello world") {
		t.Error("expected HasPlaceholders to find nothing")
	}
}
