package telegram

import "strings"

// markdownV2Reserved is every character MarkdownV2 treats as syntax.
const markdownV2Reserved = "_*[]()~`>#+-=|{}.!"

// EscapeMarkdownV2 backslash-escapes text for Telegram's MarkdownV2
// parse mode. Agent output is arbitrary, so everything reserved gets
// escaped rather than interpreted.
func EscapeMarkdownV2(text string) string {
	var b strings.Builder
	b.Grow(len(text))
	for _, r := range text {
		if strings.ContainsRune(markdownV2Reserved, r) {
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}
