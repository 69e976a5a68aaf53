// Package mention rewrites platform mention markup (<@id>, <@!id>) into
// human-readable @display tokens at append time, and maps @display tokens
// in outbound model text back into platform markup.
package mention

import (
	"regexp"
	"sort"
	"strings"
)

var markupPattern = regexp.MustCompile(`<@!?(\d+)>`)

// Resolver looks up a display name for a user id. The member cache
// satisfies this.
type Resolver interface {
	Resolve(userID string) (string, bool)
}

// Normalize replaces every <@id> / <@!id> occurrence in content with
// @display. Resolution order: the local bot itself, mention metadata
// carried with the message, the resolver (member cache), then the literal
// @id as a last resort.
func Normalize(content string, mentions map[string]string, resolver Resolver, botID, botName string) string {
	if !strings.Contains(content, "<@") {
		return content
	}
	return markupPattern.ReplaceAllStringFunc(content, func(raw string) string {
		id := markupPattern.FindStringSubmatch(raw)[1]
		if botID != "" && id == botID && botName != "" {
			return "@" + botName
		}
		if name, ok := mentions[id]; ok && name != "" {
			return "@" + name
		}
		if resolver != nil {
			if name, ok := resolver.Resolve(id); ok && name != "" {
				return "@" + name
			}
		}
		return "@" + id
	})
}

// Denormalize converts @Name tokens in outbound text back into <@id>
// markup using the known member map (display name -> id). Longer names
// are matched first so "@Ann Lee" wins over "@Ann"; unmatched handles are
// left literal.
func Denormalize(content string, members map[string]string) string {
	if len(members) == 0 || !strings.Contains(content, "@") {
		return content
	}

	names := make([]string, 0, len(members))
	for name := range members {
		if strings.TrimSpace(name) != "" {
			names = append(names, name)
		}
	}
	sort.Slice(names, func(i, j int) bool {
		if len(names[i]) != len(names[j]) {
			return len(names[i]) > len(names[j])
		}
		return names[i] < names[j]
	})

	for _, name := range names {
		token := "@" + name
		if !strings.Contains(content, token) {
			continue
		}
		content = replaceToken(content, token, "<@"+members[name]+">")
	}
	return content
}

// replaceToken replaces token occurrences that are not immediately
// followed by a word character, so "@Ann" does not rewrite inside
// "@Annette" when both are present.
func replaceToken(content, token, replacement string) string {
	var b strings.Builder
	for {
		idx := strings.Index(content, token)
		if idx < 0 {
			b.WriteString(content)
			return b.String()
		}
		end := idx + len(token)
		if end < len(content) && isWordByte(content[end]) {
			b.WriteString(content[:end])
			content = content[end:]
			continue
		}
		b.WriteString(content[:idx])
		b.WriteString(replacement)
		content = content[end:]
	}
}

func isWordByte(c byte) bool {
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9')
}
