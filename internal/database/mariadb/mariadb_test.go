package mariadb

import (
	"strings"
	"testing"
)

func TestNormalizeDSN(t *testing.T) {
	dsn, err := NormalizeDSN("matcher:secret@tcp(db:3306)/matcher")
	if err != nil {
		t.Fatalf("NormalizeDSN failed: %v", err)
	}
	for _, want := range []string{"parseTime=true", "clientFoundRows=true", "matcher:secret@tcp(db:3306)/matcher"} {
		if !strings.Contains(dsn, want) {
			t.Errorf("expected %q in %q", want, dsn)
		}
	}
}

func TestNormalizeDSN_Invalid(t *testing.T) {
	if _, err := NormalizeDSN(""); err == nil {
		t.Error("expected error for empty DSN")
	}
	if _, err := NormalizeDSN("not a dsn"); err == nil {
		t.Error("expected error for malformed DSN")
	}
}
