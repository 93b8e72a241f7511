package workflow

import (
	"reflect"
	"testing"
)

func TestResolveSingleExpressionPreservesType(t *testing.T) {
	r := NewTemplateResolver(false)
	vars := map[string]any{
		"count":  float64(7),
		"active": true,
		"tags":   []any{"a", "b"},
		"user":   map[string]any{"name": "ada", "id": float64(1)},
		"none":   nil,
	}

	cases := []struct {
		name string
		in   string
		want any
	}{
		{"Number", "${count}", float64(7)},
		{"Boolean", "${active}", true},
		{"Array", "${tags}", []any{"a", "b"}},
		{"Object", "${user}", map[string]any{"name": "ada", "id": float64(1)}},
		{"Null", "${none}", nil},
		{"NestedPath", "${user.name}", "ada"},
		{"Whitespace", "${ count }", float64(7)},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, missing, err := r.Resolve(tc.in, vars)
			if err != nil {
				t.Fatal(err)
			}
			if len(missing) != 0 {
				t.Errorf("missing = %v", missing)
			}
			if !reflect.DeepEqual(got, tc.want) {
				t.Errorf("got %#v, want %#v", got, tc.want)
			}
		})
	}
}

func TestResolveEmbeddedTemplatesStringify(t *testing.T) {
	r := NewTemplateResolver(false)
	vars := map[string]any{
		"name":  "world",
		"n":     float64(3),
		"ok":    false,
		"items": []any{float64(1), float64(2)},
	}

	got, _, err := r.Resolve("hello ${name}, n=${n}, ok=${ok}", vars)
	if err != nil {
		t.Fatal(err)
	}
	if got != "hello world, n=3, ok=false" {
		t.Errorf("got %q", got)
	}

	// An array spliced into surrounding text round-trips through the
	// sentinel encoding; with surrounding text present it stays a string
	// carrying the JSON form.
	got, _, err = r.Resolve("items: ${items}", vars)
	if err != nil {
		t.Fatal(err)
	}
	s, ok := got.(string)
	if !ok {
		t.Fatalf("got %T, want string", got)
	}
	if s != "items: "+SentinelArray+"[1,2]" {
		t.Errorf("got %q", s)
	}
}

func TestResolveArrayRoundTripThroughString(t *testing.T) {
	// A lone template resolving to a sentinel-encoded array decodes back
	// to the native slice, so no element is lost to string coercion.
	r := NewTemplateResolver(false)
	vars := map[string]any{"arr": []any{"x", float64(2), nil}}

	first, _, err := r.Resolve("${arr}", vars)
	if err != nil {
		t.Fatal(err)
	}
	second, _, err := r.Resolve("${again}", map[string]any{"again": first})
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(second, []any{"x", float64(2), nil}) {
		t.Errorf("round trip lost data: %#v", second)
	}

	// The same array stringified and decoded as a lone sentinel string.
	encoded := stringifyValue(vars["arr"])
	if decoded := decodeSentinels(encoded); !reflect.DeepEqual(decoded, []any{"x", float64(2), nil}) {
		t.Errorf("sentinel decode = %#v", decoded)
	}
	if decodeSentinels(SentinelNull) != nil {
		t.Error("null sentinel did not decode to nil")
	}
}

func TestResolveMissingVariables(t *testing.T) {
	vars := map[string]any{"known": "v"}

	t.Run("NonStrictLeavesTemplateAndReports", func(t *testing.T) {
		r := NewTemplateResolver(false)
		got, missing, err := r.Resolve("${ghost}", vars)
		if err != nil {
			t.Fatal(err)
		}
		if got != "${ghost}" {
			t.Errorf("got %v, want original template", got)
		}
		if len(missing) != 1 || missing[0] != "ghost" {
			t.Errorf("missing = %v", missing)
		}
	})

	t.Run("MissingNamesSortedUnique", func(t *testing.T) {
		r := NewTemplateResolver(false)
		_, missing, err := r.Resolve(map[string]any{
			"a": "${zeta}",
			"b": "${alpha} and ${zeta}",
		}, vars)
		if err != nil {
			t.Fatal(err)
		}
		if !reflect.DeepEqual(missing, []string{"alpha", "zeta"}) {
			t.Errorf("missing = %v", missing)
		}
	})

	t.Run("StrictFails", func(t *testing.T) {
		r := NewTemplateResolver(true)
		_, _, err := r.Resolve("${ghost}", vars)
		if err == nil {
			t.Fatal("strict resolution of missing variable succeeded")
		}
		if KindOf(err) != KindValidation {
			t.Errorf("kind = %s", KindOf(err))
		}
	})
}

func TestResolveRecursesStructures(t *testing.T) {
	r := NewTemplateResolver(false)
	vars := map[string]any{"id": "x-1", "n": float64(2)}

	in := map[string]any{
		"flat":   "${id}",
		"nested": map[string]any{"deep": "${n}"},
		"list":   []any{"${id}", float64(9), "static"},
		"scalar": 42,
	}
	got, missing, err := r.ResolveMap(in, vars)
	if err != nil {
		t.Fatal(err)
	}
	if len(missing) != 0 {
		t.Errorf("missing = %v", missing)
	}
	want := map[string]any{
		"flat":   "x-1",
		"nested": map[string]any{"deep": float64(2)},
		"list":   []any{"x-1", float64(9), "static"},
		"scalar": 42,
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("got %#v", got)
	}
}

func TestFlatKeyWinsOverNestedWalk(t *testing.T) {
	r := NewTemplateResolver(false)
	vars := map[string]any{
		"a.b": "flat",
		"a":   map[string]any{"b": "nested"},
	}
	got, _, err := r.Resolve("${a.b}", vars)
	if err != nil {
		t.Fatal(err)
	}
	if got != "flat" {
		t.Errorf("got %v, want flat-key hit", got)
	}
}

func TestValidateTemplateExpression(t *testing.T) {
	valid := []string{
		"no templates at all",
		"${simple}",
		"${dotted.path.deep}",
		"${_underscore}",
		"${$dollar}",
		"text ${a} more ${b.c}",
		"${ padded }",
	}
	for _, s := range valid {
		if err := ValidateTemplateExpression(s); err != nil {
			t.Errorf("%q rejected: %v", s, err)
		}
	}

	invalid := []string{
		"${1leading}",
		"${a..b}",
		"${a b}",
		"${a-b}",
		"${.leading}",
	}
	for _, s := range invalid {
		if err := ValidateTemplateExpression(s); err == nil {
			t.Errorf("%q accepted", s)
		}
	}
}
