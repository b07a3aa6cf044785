package domain

import (
	"errors"
	"strings"
	"testing"
	"unicode/utf8"
)

func TestNormalizeDisplayName(t *testing.T) {
	if got := NormalizeDisplayName("   "); got != AnonymousName {
		t.Fatalf("got=%q, want %q", got, AnonymousName)
	}
	if got := NormalizeDisplayName("  Alice "); got != "Alice" {
		t.Fatalf("got=%q, want Alice", got)
	}
	long := strings.Repeat("ж", MaxDisplayNameLen+5)
	if got := NormalizeDisplayName(long); utf8.RuneCountInString(got) != MaxDisplayNameLen {
		t.Fatalf("len=%d, want %d", utf8.RuneCountInString(got), MaxDisplayNameLen)
	}
}

func TestNormalizeUserID(t *testing.T) {
	id, err := NormalizeUserID("")
	if err != nil || !strings.HasPrefix(string(id), "user_") {
		t.Fatalf("id=%q err=%v, want generated user_ id", id, err)
	}
	id, err = NormalizeUserID(" u1 ")
	if err != nil || id != "u1" {
		t.Fatalf("id=%q err=%v, want u1", id, err)
	}
	if _, err := NormalizeUserID(strings.Repeat("x", MaxUserIDLen+1)); !errors.Is(err, ErrUserIDTooLong) {
		t.Fatalf("err=%v, want ErrUserIDTooLong", err)
	}
}
