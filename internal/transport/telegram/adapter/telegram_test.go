package adapter

import (
	"strings"
	"testing"
	"unicode/utf8"

	kit "chanfetch/internal/transport"
)

func TestSplitTelegramTextShortIsUntouched(t *testing.T) {
	got := splitTelegramText("hello", 10, "")
	if len(got) != 1 || got[0] != "hello" {
		t.Fatalf("got %q", got)
	}
}

func TestSplitTelegramTextPrefersNewlines(t *testing.T) {
	text := strings.Repeat("a", 6) + "\n" + strings.Repeat("b", 6)
	got := splitTelegramText(text, 10, "")
	if len(got) != 2 || got[0] != "aaaaaa" || got[1] != "bbbbbb" {
		t.Fatalf("got %q", got)
	}
}

func TestSplitTelegramTextRespectsLimitInRunes(t *testing.T) {
	text := strings.Repeat("é", 25)
	got := splitTelegramText(text, 10, "")
	if len(got) != 3 {
		t.Fatalf("chunks = %d, want 3", len(got))
	}
	for _, c := range got {
		if n := utf8.RuneCountInString(c); n > 10 {
			t.Fatalf("chunk of %d runes exceeds limit", n)
		}
	}
}

func TestSplitTelegramTextKeepsHTMLTagsWhole(t *testing.T) {
	text := "abcdef<b>bold</b>"
	got := splitTelegramText(text, 8, "HTML")
	if got[0] != "abcdef" {
		t.Fatalf("first chunk = %q, tag was split", got[0])
	}
	if strings.Join(got, "") != text {
		t.Fatalf("content lost: %q", got)
	}
}

func TestInlineMarkupOneButtonPerRow(t *testing.T) {
	if inlineMarkup(nil) != nil {
		t.Fatalf("expected nil markup without buttons")
	}
	rm := inlineMarkup([]kit.Button{
		{Text: "Cancel", Data: "job:cancel:abc"},
		{Text: "", Data: "ignored"},
		{Text: "Reset", Data: "chat:reset"},
	})
	if rm == nil || len(rm.InlineKeyboard) != 2 {
		t.Fatalf("markup = %+v", rm)
	}
	if b := rm.InlineKeyboard[0][0]; b.Text != "Cancel" || b.Data != "job:cancel:abc" {
		t.Fatalf("first button = %+v", b)
	}
}
