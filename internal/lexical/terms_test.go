package lexical

import (
	"reflect"
	"testing"
)

func TestTokens_DropsStopwordsAndShortTokens(t *testing.T) {
	got := Tokens("Fix the login_handler in auth.go, a b again")
	want := []string{"fix", "login_handler", "auth", "go", "again"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Tokens = %v, want %v", got, want)
	}
}

func TestTerms_Distinct(t *testing.T) {
	got := Terms("error error ERROR timeout error")
	want := []string{"error", "timeout"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Terms = %v, want %v", got, want)
	}
}

func TestTerms_Empty(t *testing.T) {
	if got := Terms("   "); len(got) != 0 {
		t.Errorf("Terms(blank) = %v, want empty", got)
	}
}

func TestNormalize(t *testing.T) {
	if got := Normalize("  Hello \n  World\t"); got != "hello world" {
		t.Errorf("Normalize = %q, want %q", got, "hello world")
	}
}

func TestSet(t *testing.T) {
	s := Set("Go go gopher")
	if len(s) != 2 {
		t.Fatalf("Set size = %d, want 2", len(s))
	}
	if _, ok := s["gopher"]; !ok {
		t.Error("Set missing gopher")
	}
}
