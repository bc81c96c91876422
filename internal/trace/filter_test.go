package trace

import (
	"strings"
	"testing"
)

func TestStatementFilter_Match(t *testing.T) {
	f, err := NewStatementFilter(`sql.contains("orders") && statement_id > 0`, nil)
	if err != nil {
		t.Fatalf("NewStatementFilter: %v", err)
	}

	if !f.Match("SELECT * FROM orders", Fingerprint("SELECT * FROM orders"), 1) {
		t.Error("expected match for orders query")
	}
	if f.Match("SELECT * FROM users", Fingerprint("SELECT * FROM users"), 2) {
		t.Error("expected no match for users query")
	}
}

func TestStatementFilter_FingerprintVariable(t *testing.T) {
	sql := "SELECT 42"
	fp := Fingerprint(sql)
	f, err := NewStatementFilter(`fingerprint == "`+fp+`"`, nil)
	if err != nil {
		t.Fatalf("NewStatementFilter: %v", err)
	}
	if !f.Match(sql, fp, 1) {
		t.Error("fingerprint equality filter did not match")
	}
}

func TestStatementFilter_CompileErrors(t *testing.T) {
	if _, err := NewStatementFilter("sql +", nil); err == nil {
		t.Error("syntax error must fail compilation")
	}
	if _, err := NewStatementFilter("unknown_var == 1", nil); err == nil {
		t.Error("unknown variable must fail compilation")
	}
	_, err := NewStatementFilter(`sql + "x"`, nil)
	if err == nil || !strings.Contains(err.Error(), "bool") {
		t.Errorf("non-bool expression error = %v, want bool type complaint", err)
	}
}
