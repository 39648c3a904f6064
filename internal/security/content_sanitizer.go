package security

import (
	"strings"
	"unicode/utf8"

	"github.com/microcosm-cc/bluemonday"
)

// maxMessageLength はサニタイズ後のメッセージの最大文字数。
const maxMessageLength = 200

// MessageSanitizer はクエリパラメータなど外部由来の文字列を
// HTMLページに埋め込む前に無害化する。
// bluemondayのStrictPolicyで全てのタグを除去し、HTMLエスケープ済みのテキストを返す。
type MessageSanitizer struct {
	policy *bluemonday.Policy
}

// NewMessageSanitizer はMessageSanitizerを生成する。
func NewMessageSanitizer() *MessageSanitizer {
	return &MessageSanitizer{
		policy: bluemonday.StrictPolicy(),
	}
}

// Sanitize はタグを除去し、前後の空白を取り除いたうえで最大文字数に切り詰める。
// 空文字列の入力には空文字列を返す。
func (s *MessageSanitizer) Sanitize(raw string) string {
	if raw == "" {
		return ""
	}

	if utf8.RuneCountInString(raw) > maxMessageLength {
		raw = string([]rune(raw)[:maxMessageLength])
	}

	return strings.TrimSpace(s.policy.Sanitize(raw))
}
