package telegram

import "strings"

// markdownEscaper prefixes the characters Telegram's legacy Markdown mode
// treats as markup. Kept deliberately conservative; if a richer parse mode is
// ever adopted, this is the one place to change.
var markdownEscaper = strings.NewReplacer(
	"_", `\_`,
	"*", `\*`,
	"`", "\\`",
	"[", `\[`,
)

// EscapeMarkdown escapes user-controlled text for inclusion in a Markdown
// message body.
func EscapeMarkdown(s string) string {
	return markdownEscaper.Replace(s)
}
