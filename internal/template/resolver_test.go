package template

import (
	"encoding/json"
	"testing"

	logx "wagate/pkg/logx"
)

func TestSubstitute(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		in   string
		vars map[string]string
		want string
	}{
		{"single key", "Hi {name}", map[string]string{"name": "Ravi"}, "Hi Ravi"},
		{"missing key stays literal", "Hi {name}, ref {ref}", map[string]string{"name": "Ravi"}, "Hi Ravi, ref {ref}"},
		{"extra vars ignored", "Hi {name}", map[string]string{"name": "Ravi", "ref": "X"}, "Hi Ravi"},
		{"empty value", "Hi {name}!", map[string]string{"name": ""}, "Hi !"},
		{"no placeholders", "plain text", map[string]string{"name": "Ravi"}, "plain text"},
		{"nil vars", "Hi {name}", nil, "Hi {name}"},
		{"value not rescanned", "{a}{b}", map[string]string{"a": "{b}", "b": "X"}, "{b}X"},
		{"unclosed brace", "Hi {name", map[string]string{"name": "Ravi"}, "Hi {name"},
		{"repeated placeholder", "{n} and {n}", map[string]string{"n": "2"}, "2 and 2"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := Substitute(tc.in, tc.vars); got != tc.want {
				t.Fatalf("Substitute(%q) = %q, want %q", tc.in, got, tc.want)
			}
		})
	}
}

func TestResolverResolve(t *testing.T) {
	t.Parallel()

	lib := Library{
		"order-shipped": {
			"whatsapp": {
				"single": New("Hi {name}"),
				"multi":  New("Hi {name},", "your order {order} shipped."),
			},
			"sms": {
				"single": New("wrong kind"),
			},
		},
	}
	r := NewResolver("whatsapp", lib, logx.Nop())

	t.Run("single line", func(t *testing.T) {
		t.Parallel()
		got, ok := r.Resolve("order-shipped", "single", map[string]string{"name": "Ravi"})
		if !ok || got != "Hi Ravi" {
			t.Fatalf("Resolve = %q, %v", got, ok)
		}
	})

	t.Run("multi line joined", func(t *testing.T) {
		t.Parallel()
		got, ok := r.Resolve("order-shipped", "multi", map[string]string{"name": "Ravi", "order": "42"})
		want := "Hi Ravi,\nyour order 42 shipped."
		if !ok || got != want {
			t.Fatalf("Resolve = %q, %v, want %q", got, ok, want)
		}
	})

	t.Run("unknown process", func(t *testing.T) {
		t.Parallel()
		if _, ok := r.Resolve("payment-failed", "single", nil); ok {
			t.Fatal("resolved a template for an unconfigured process")
		}
	})

	t.Run("unknown message type", func(t *testing.T) {
		t.Parallel()
		if _, ok := r.Resolve("order-shipped", "reminder", nil); ok {
			t.Fatal("resolved a template for an unconfigured message type")
		}
	})

	t.Run("kind isolation", func(t *testing.T) {
		t.Parallel()
		other := NewResolver("telegram", lib, logx.Nop())
		if _, ok := other.Resolve("order-shipped", "single", nil); ok {
			t.Fatal("resolved a template across channel kinds")
		}
	})
}

func TestTemplateJSON(t *testing.T) {
	t.Parallel()

	var lib Library
	raw := []byte(`{
		"order-shipped": {
			"whatsapp": {
				"single": "Hi {name}",
				"multi": ["line one", "line two"]
			}
		}
	}`)
	if err := json.Unmarshal(raw, &lib); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	if got := lib["order-shipped"]["whatsapp"]["single"].String(); got != "Hi {name}" {
		t.Fatalf("single = %q", got)
	}
	if got := lib["order-shipped"]["whatsapp"]["multi"].String(); got != "line one\nline two" {
		t.Fatalf("multi = %q", got)
	}

	var bad Template
	if err := json.Unmarshal([]byte(`{"nested":"object"}`), &bad); err == nil {
		t.Fatal("expected error for non string/array template")
	}
}

func TestResolverSwap(t *testing.T) {
	t.Parallel()

	r := NewResolver("whatsapp", Library{
		"order-shipped": {"whatsapp": {"created": New("old body")}},
	}, logx.Nop())

	if got, ok := r.Resolve("order-shipped", "created", nil); !ok || got != "old body" {
		t.Fatalf("before swap: %q, %v", got, ok)
	}

	r.Swap(Library{
		"order-shipped": {"whatsapp": {"created": New("new body")}},
	})

	if got, ok := r.Resolve("order-shipped", "created", nil); !ok || got != "new body" {
		t.Fatalf("after swap: %q, %v", got, ok)
	}

	r.Swap(nil)
	if _, ok := r.Resolve("order-shipped", "created", nil); ok {
		t.Fatal("resolve succeeded against an empty library")
	}
}
