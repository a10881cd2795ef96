package egress

import (
	"os"
	"testing"
)

func TestRenderTemplateSubstitutesStaticVars(t *testing.T) {
	got := renderTemplate("req=${request_id} provider=${provider} model=${model}", TemplateVars{
		RequestID: "r1", Provider: "openai-primary", Model: "gpt-4",
	})
	want := "req=r1 provider=openai-primary model=gpt-4"
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestRenderTemplateResolvesSafeEnvVar(t *testing.T) {
	os.Setenv("LUNAROUTE_TEST_REGION", "us-east-1")
	defer os.Unsetenv("LUNAROUTE_TEST_REGION")

	got := renderTemplate("region=${env.LUNAROUTE_TEST_REGION}", TemplateVars{})
	if got != "region=us-east-1" {
		t.Errorf("got %q", got)
	}
}

func TestRenderTemplateLeavesSensitiveEnvVarLiteral(t *testing.T) {
	os.Setenv("OPENAI_API_KEY", "sk-should-not-leak")
	defer os.Unsetenv("OPENAI_API_KEY")

	got := renderTemplate("key=${env.OPENAI_API_KEY}", TemplateVars{})
	if got != "key=${env.OPENAI_API_KEY}" {
		t.Errorf("expected sensitive var left literal, got %q", got)
	}
}

func TestRenderTemplateLeavesUnsetEnvVarLiteral(t *testing.T) {
	os.Unsetenv("LUNAROUTE_TEST_UNSET_VAR")
	got := renderTemplate("x=${env.LUNAROUTE_TEST_UNSET_VAR}", TemplateVars{})
	if got != "x=${env.LUNAROUTE_TEST_UNSET_VAR}" {
		t.Errorf("expected unset var left literal, got %q", got)
	}
}

func TestIsSensitiveEnvVarExactNames(t *testing.T) {
	for _, name := range []string{"SECRET", "PASSWORD", "API_KEY", "secret"} {
		if !isSensitiveEnvVar(name) {
			t.Errorf("expected %q to be sensitive", name)
		}
	}
	if isSensitiveEnvVar("LUNAROUTE_REGION") {
		t.Error("expected non-sensitive var to pass through")
	}
}
