package policy

import "testing"

func TestExprEval(t *testing.T) {
	env := Env{
		"context": map[string]any{
			"env":      "prod",
			"severity": float64(2),
			"dry":      true,
			"regions":  []any{"us-east-1", "eu-west-1"},
		},
		"step": map[string]any{
			"name": "s1",
			"tool": "k8s.drain_node",
			"input": map[string]any{
				"node": "n1",
			},
		},
	}

	cases := []struct {
		expr string
		want bool
	}{
		{`context.env == 'prod'`, true},
		{`context.env == "staging"`, false},
		{`context.env != 'staging'`, true},
		{`context.severity == 2`, true},
		{`context.dry == true`, true},
		{`step.tool == 'k8s.drain_node'`, true},
		{`step.input.node == 'n1'`, true},
		{`context.env in ['prod', 'staging']`, true},
		{`context.env not in ['dev']`, true},
		{`'us-east-1' in context.regions`, true},
		{`'ap-south-1' in context.regions`, false},
		{`context.env == 'prod' and context.severity == 2`, true},
		{`context.env == 'dev' or context.severity == 2`, true},
		{`context.env == 'dev' and context.severity == 2`, false},
		// and binds tighter than or
		{`context.env == 'dev' or context.env == 'prod' and context.severity == 2`, true},
		{`(context.env == 'dev' or context.env == 'prod') and context.severity == 2`, true},
		{`(context.env == 'dev' or context.env == 'staging') and context.severity == 2`, false},
		// missing identifiers resolve to null
		{`context.missing == null`, true},
		{`context.missing == 'x'`, false},
	}
	for _, tc := range cases {
		node, err := ParseExpr(tc.expr)
		if err != nil {
			t.Errorf("%s: parse error %v", tc.expr, err)
			continue
		}
		if got := node.Eval(env).Truthy(); got != tc.want {
			t.Errorf("%s = %v, want %v", tc.expr, got, tc.want)
		}
	}
}

func TestExprParseErrors(t *testing.T) {
	for _, src := range []string{
		`context.env =`,
		`== 'prod'`,
		`(context.env == 'prod'`,
		`context.env === 'prod'`,
		`not context.env`,
		`context.env == 'prod' extra`,
		`'unterminated`,
	} {
		if _, err := ParseExpr(src); err == nil {
			t.Errorf("%s: expected parse error", src)
		}
	}
}

func TestShortCircuit(t *testing.T) {
	// Right side would be falsy; left decides.
	node, err := ParseExpr(`context.env == 'prod' or context.bogus == 'x'`)
	if err != nil {
		t.Fatal(err)
	}
	env := Env{"context": map[string]any{"env": "prod"}}
	if !node.Eval(env).Truthy() {
		t.Error("or did not short-circuit to true")
	}
}
