package celcond

import "testing"

func TestEvalBool(t *testing.T) {
	doc := map[string]any{
		"entity": "invoice",
		"amount": 1500.0,
		"status": "DRAFT",
	}
	tests := []struct {
		expr string
		want bool
	}{
		{expr: "", want: true},
		{expr: `ctx["entity"] == "invoice"`, want: true},
		{expr: `ctx["entity"] == "order"`, want: false},
		{expr: `ctx["amount"] > 1000.0 && ctx["status"] == "DRAFT"`, want: true},
	}
	for _, tt := range tests {
		got, err := EvalBool(tt.expr, doc)
		if err != nil {
			t.Fatalf("expr=%q err=%v", tt.expr, err)
		}
		if got != tt.want {
			t.Fatalf("expr=%q got=%v want=%v", tt.expr, got, tt.want)
		}
	}
}

func TestEvalBoolRejectsNonBool(t *testing.T) {
	if _, err := EvalBool(`ctx["entity"]`, map[string]any{"entity": "invoice"}); err == nil {
		t.Fatalf("expected output type error")
	}
}

func TestValidate(t *testing.T) {
	if err := Validate(""); err != nil {
		t.Fatalf("empty expr err=%v", err)
	}
	if err := Validate(`ctx["a"] ==`); err == nil {
		t.Fatalf("expected compile error")
	}
}
